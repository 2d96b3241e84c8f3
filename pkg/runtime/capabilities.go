package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/hivemesh/hivemesh/pkg/hsp"
)

// Built-in capabilities used by cmd/specialist and the end-to-end tests.

// Arithmetic evaluates basic infix expressions: + - * /, parentheses, unary
// minus. No identifiers, no function calls.
func Arithmetic() Capability {
	return Capability{
		Advertisement: hsp.CapabilityAdvertisement{
			CapabilityID: "builtin-arithmetic",
			Name:         "arithmetic",
			Description:  "Evaluates basic arithmetic expressions.",
			Version:      "1.0",
			Availability: hsp.AvailabilityOnline,
			Tags:         []string{"math", "builtin"},
			InputExample: []byte(`{"expr":"2+3"}`),
		},
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			expr, ok := params["expr"].(string)
			if !ok || expr == "" {
				return nil, fmt.Errorf("missing string parameter %q", "expr")
			}
			value, err := evalExpr(expr)
			if err != nil {
				return nil, err
			}
			return map[string]any{"value": value}, nil
		},
	}
}

// Echo returns its parameters unchanged.
func Echo() Capability {
	return Capability{
		Advertisement: hsp.CapabilityAdvertisement{
			CapabilityID: "builtin-echo",
			Name:         "echo",
			Description:  "Returns the request parameters verbatim.",
			Version:      "1.0",
			Availability: hsp.AvailabilityOnline,
			Tags:         []string{"builtin"},
		},
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			return map[string]any{"echo": params}, nil
		},
	}
}

// Summarize produces a row-count-and-peek summary of tabular data passed as
// {"data": {"rows": [...]}} or {"data": [...]}.
func Summarize() Capability {
	return Capability{
		Advertisement: hsp.CapabilityAdvertisement{
			CapabilityID: "builtin-summarize",
			Name:         "summarize",
			Description:  "Summarizes tabular payloads: row count plus a peek at the first row.",
			Version:      "1.0",
			Availability: hsp.AvailabilityOnline,
			Tags:         []string{"builtin"},
		},
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			rows, err := extractRows(params["data"])
			if err != nil {
				return nil, err
			}
			summary := map[string]any{
				"row_count": len(rows),
				"summary":   fmt.Sprintf("%d rows", len(rows)),
			}
			if len(rows) > 0 {
				summary["first_row"] = rows[0]
			}
			return summary, nil
		},
	}
}

func extractRows(data any) ([]any, error) {
	switch v := data.(type) {
	case []any:
		return v, nil
	case map[string]any:
		if rows, ok := v["rows"].([]any); ok {
			return rows, nil
		}
		return nil, fmt.Errorf("parameter %q has no rows field", "data")
	default:
		return nil, fmt.Errorf("parameter %q is not tabular (got %T)", "data", data)
	}
}

// ─── expression evaluator ───

type exprParser struct {
	tokens []string
	pos    int
}

// evalExpr parses and evaluates an arithmetic expression. The grammar is the
// usual precedence climb: expr = term (±term)*, term = factor (*/factor)*,
// factor = number | (expr) | -factor.
func evalExpr(s string) (float64, error) {
	tokens, err := tokenize(s)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, fmt.Errorf("empty expression")
	}
	p := &exprParser{tokens: tokens}
	value, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.tokens) {
		return 0, fmt.Errorf("unexpected token %q", p.tokens[p.pos])
	}
	return value, nil
}

func tokenize(s string) ([]string, error) {
	var tokens []string
	for i := 0; i < len(s); {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case strings.ContainsRune("+-*/()", c):
			tokens = append(tokens, string(c))
			i++
		case unicode.IsDigit(c) || c == '.':
			j := i
			for j < len(s) && (unicode.IsDigit(rune(s[j])) || s[j] == '.') {
				j++
			}
			tokens = append(tokens, s[i:j])
			i = j
		default:
			return nil, fmt.Errorf("invalid character %q in expression", c)
		}
	}
	return tokens, nil
}

func (p *exprParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case "+":
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case "-":
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case "*":
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			left *= right
		case "/":
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	switch tok := p.peek(); tok {
	case "":
		return 0, fmt.Errorf("unexpected end of expression")
	case "-":
		p.pos++
		value, err := p.parseFactor()
		return -value, err
	case "(":
		p.pos++
		value, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ")" {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	default:
		value, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", tok)
		}
		p.pos++
		return value, nil
	}
}
