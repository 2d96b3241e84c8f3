package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hivemesh/hivemesh/pkg/hsp"
)

// Config holds the HTTP gateway settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// HTTPGateway talks to an OpenAI-compatible chat completions endpoint.
type HTTPGateway struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPGateway creates a gateway client. The API key may be empty for
// local model servers.
func NewHTTPGateway(cfg Config) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPGateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.With("component", "llm"),
	}
}

const decomposeSystemPrompt = `You are a task planner for a multi-agent system.
Decompose the user's request into subtasks. Respond with ONLY a JSON array of
objects with fields: name (unique identifier, letters/digits/underscore/hyphen),
capability_name (the capability that executes it), parameters (object), and
depends_on (array of earlier subtask names, optional). A parameter value may
reference a dependency's output with the placeholder <output_of_subtask:NAME>.`

const integrateSystemPrompt = `You are an answer composer for a multi-agent
system. Given the original request and the outputs of completed subtasks,
write the final answer as plain text. Do not mention the subtask mechanics.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Decompose asks the model for a plan and validates its shape.
func (g *HTTPGateway) Decompose(ctx context.Context, query string) ([]SubtaskSpec, error) {
	content, err := g.complete(ctx, decomposeSystemPrompt, query)
	if err != nil {
		return nil, hsp.WrapError(hsp.ErrCodePlanningFailure, err, "decomposition call failed")
	}

	var specs []SubtaskSpec
	if err := json.Unmarshal([]byte(extractJSON(content)), &specs); err != nil {
		return nil, hsp.WrapError(hsp.ErrCodePlanningFailure, err, "model returned an unparseable plan")
	}
	if err := ValidatePlan(specs); err != nil {
		return nil, hsp.WrapError(hsp.ErrCodePlanningFailure, err, "model returned an invalid plan")
	}
	g.logger.Debug("Plan decomposed", "subtasks", len(specs))
	return specs, nil
}

// Integrate asks the model to compose the final answer.
func (g *HTTPGateway) Integrate(ctx context.Context, query string, results []CompletedSubtask) (string, error) {
	summary, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	user := fmt.Sprintf("Original request:\n%s\n\nSubtask outputs:\n%s", query, summary)

	content, err := g.complete(ctx, integrateSystemPrompt, user)
	if err != nil {
		return "", hsp.WrapError(hsp.ErrCodePlanningFailure, err, "integration call failed")
	}
	return strings.TrimSpace(content), nil
}

func (g *HTTPGateway) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       g.cfg.Model,
		Temperature: g.cfg.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(g.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call model endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model endpoint returned HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("model error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// extractJSON strips markdown code fences that models commonly wrap JSON in.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
