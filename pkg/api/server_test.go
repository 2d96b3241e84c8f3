package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/hivemesh/pkg/coordinator"
	"github.com/hivemesh/hivemesh/pkg/hsp"
	"github.com/hivemesh/hivemesh/pkg/registry"
	"github.com/hivemesh/hivemesh/pkg/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	handleFn  func(ctx context.Context, query string) (*coordinator.ProjectRecord, error)
	started   []string
	cancelled []string
	cancelOK  bool
}

func (f *fakeRunner) HandleProject(ctx context.Context, query string) (*coordinator.ProjectRecord, error) {
	return f.handleFn(ctx, query)
}

func (f *fakeRunner) StartProject(query string) string {
	f.started = append(f.started, query)
	return "proj-async-1"
}

func (f *fakeRunner) Cancel(projectID string) bool {
	f.cancelled = append(f.cancelled, projectID)
	return f.cancelOK
}

type fakeReader struct {
	projects map[string]*coordinator.ProjectRecord
	subtasks map[string][]coordinator.SubtaskRecord
}

func (f *fakeReader) GetProject(_ context.Context, id string) (*coordinator.ProjectRecord, []coordinator.SubtaskRecord, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, nil, services.ErrNotFound
	}
	return p, f.subtasks[id], nil
}

func (f *fakeReader) ListProjects(_ context.Context, filter services.ProjectFilter) ([]coordinator.ProjectRecord, error) {
	var out []coordinator.ProjectRecord
	for _, p := range f.projects {
		if filter.Status != "" && string(p.Status) != filter.Status {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func newTestServer(runner *fakeRunner, reader ProjectReader, reg *registry.Registry) *Server {
	if reg == nil {
		reg = registry.New(registry.Config{}, nil, nil)
	}
	return NewServer(runner, reader, reg, nil, nil, nil)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestCreateProjectSync(t *testing.T) {
	runner := &fakeRunner{
		handleFn: func(_ context.Context, query string) (*coordinator.ProjectRecord, error) {
			assert.Equal(t, "count the pods", query)
			return &coordinator.ProjectRecord{
				ID:       "proj-1",
				Query:    query,
				Status:   coordinator.ProjectSucceeded,
				Response: "there are 3 pods",
			}, nil
		},
	}
	w := doRequest(t, newTestServer(runner, nil, nil),
		http.MethodPost, "/api/v1/projects", `{"query":"count the pods"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp ProjectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "proj-1", resp.ID)
	assert.Equal(t, "there are 3 pods", resp.Response)
}

func TestCreateProjectFailureStillReturnsRecord(t *testing.T) {
	runner := &fakeRunner{
		handleFn: func(_ context.Context, query string) (*coordinator.ProjectRecord, error) {
			return &coordinator.ProjectRecord{
				ID:           "proj-2",
				Query:        query,
				Status:       coordinator.ProjectFailed,
				ErrorMessage: "all subtasks failed",
			}, hsp.NewError(hsp.ErrCodeExecutionFailure, "all subtasks failed")
		},
	}
	w := doRequest(t, newTestServer(runner, nil, nil),
		http.MethodPost, "/api/v1/projects", `{"query":"q"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp ProjectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, coordinator.ProjectFailed, resp.Status)
}

func TestCreateProjectPlanningErrorMaps422(t *testing.T) {
	runner := &fakeRunner{
		handleFn: func(_ context.Context, _ string) (*coordinator.ProjectRecord, error) {
			return nil, hsp.NewError(hsp.ErrCodePlanningFailure, "model returned malformed plan")
		},
	}
	w := doRequest(t, newTestServer(runner, nil, nil),
		http.MethodPost, "/api/v1/projects", `{"query":"q"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCreateProjectAsync(t *testing.T) {
	runner := &fakeRunner{}
	w := doRequest(t, newTestServer(runner, nil, nil),
		http.MethodPost, "/api/v1/projects?async=true", `{"query":"long running"}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp ProjectAcceptedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "proj-async-1", resp.ProjectID)
	assert.Equal(t, []string{"long running"}, runner.started)
}

func TestCreateProjectValidation(t *testing.T) {
	runner := &fakeRunner{}
	w := doRequest(t, newTestServer(runner, nil, nil),
		http.MethodPost, "/api/v1/projects", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetProject(t *testing.T) {
	reader := &fakeReader{
		projects: map[string]*coordinator.ProjectRecord{
			"proj-1": {ID: "proj-1", Query: "q", Status: coordinator.ProjectSucceeded},
		},
		subtasks: map[string][]coordinator.SubtaskRecord{
			"proj-1": {{ProjectID: "proj-1", Name: "fetch", State: coordinator.NodeSucceeded}},
		},
	}
	s := newTestServer(&fakeRunner{}, reader, nil)

	w := doRequest(t, s, http.MethodGet, "/api/v1/projects/proj-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp ProjectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Subtasks, 1)
	assert.Equal(t, "fetch", resp.Subtasks[0].Name)

	w = doRequest(t, s, http.MethodGet, "/api/v1/projects/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListProjectsStatusFilter(t *testing.T) {
	reader := &fakeReader{
		projects: map[string]*coordinator.ProjectRecord{
			"proj-1": {ID: "proj-1", Status: coordinator.ProjectSucceeded},
			"proj-2": {ID: "proj-2", Status: coordinator.ProjectFailed},
		},
	}
	s := newTestServer(&fakeRunner{}, reader, nil)

	w := doRequest(t, s, http.MethodGet, "/api/v1/projects", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp ProjectListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Projects, 2)

	w = doRequest(t, s, http.MethodGet, "/api/v1/projects?status=failed", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp = ProjectListResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Projects, 1)
	assert.Equal(t, "proj-2", resp.Projects[0].ID)
}

func TestProjectEndpointsWithoutPersistence(t *testing.T) {
	s := newTestServer(&fakeRunner{}, nil, nil)
	w := doRequest(t, s, http.MethodGet, "/api/v1/projects", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = doRequest(t, s, http.MethodGet, "/api/v1/projects/x", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCancelProject(t *testing.T) {
	runner := &fakeRunner{cancelOK: true}
	s := newTestServer(runner, nil, nil)
	w := doRequest(t, s, http.MethodPost, "/api/v1/projects/proj-1/cancel", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"proj-1"}, runner.cancelled)

	runner.cancelOK = false
	w = doRequest(t, s, http.MethodPost, "/api/v1/projects/gone/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListCapabilities(t *testing.T) {
	reg := registry.New(registry.Config{TTL: time.Minute}, nil, nil)
	require.NoError(t, reg.Ingest(hsp.CapabilityAdvertisement{
		CapabilityID: "cap-sum",
		AgentID:      "did:hsp:summarizer",
		Name:         "summarize/1.0",
		Version:      "1.0",
		Availability: hsp.AvailabilityOnline,
		Tags:         []string{"text"},
	}, "did:hsp:summarizer"))

	s := newTestServer(&fakeRunner{}, nil, reg)

	w := doRequest(t, s, http.MethodGet, "/api/v1/capabilities", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp CapabilityListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Capabilities, 1)
	assert.Equal(t, "cap-sum", resp.Capabilities[0].CapabilityID)

	w = doRequest(t, s, http.MethodGet, "/api/v1/capabilities?name=missing/1.0", "")
	require.Equal(t, http.StatusOK, w.Code)
	var empty CapabilityListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &empty))
	assert.Empty(t, empty.Capabilities)
}

func TestListAgentsWithoutLifecycle(t *testing.T) {
	s := newTestServer(&fakeRunner{}, nil, nil)
	w := doRequest(t, s, http.MethodGet, "/api/v1/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp AgentListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Agents)
}

func TestHealthWithoutBus(t *testing.T) {
	s := newTestServer(&fakeRunner{}, nil, nil)
	w := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(&fakeRunner{}, nil, nil)
	w := doRequest(t, s, http.MethodGet, "/api/v1/agents", "")
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
