package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/searchnode/internal/env"
	"github.com/narvanalabs/searchnode/internal/events"
	"github.com/narvanalabs/searchnode/internal/lifecycle"
	"github.com/narvanalabs/searchnode/internal/metadata"
	"github.com/narvanalabs/searchnode/internal/models"
	"github.com/narvanalabs/searchnode/internal/nodeconfig"
	"github.com/narvanalabs/searchnode/internal/store/file"
	"github.com/narvanalabs/searchnode/internal/validation"
	"github.com/narvanalabs/searchnode/pkg/config"
)

type fakeProcs struct {
	mu       sync.Mutex
	running  map[string]bool
	startErr error
}

func (p *fakeProcs) Start(_ context.Context, n *models.Node, report events.Reporter) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return 0, p.startErr
	}
	report.Report(events.PhaseLaunch, 20, "launching")
	p.running[n.Name] = true
	return 1234, nil
}

func (p *fakeProcs) Stop(_ context.Context, n *models.Node, _ events.Reporter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, n.Name)
	return nil
}

func (p *fakeProcs) Status(_ context.Context, n *models.Node) models.NodeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running[n.Name] {
		return models.NodeStatusRunning
	}
	return models.NodeStatusStopped
}

func (p *fakeProcs) Probe(ctx context.Context, n *models.Node, _ bool) models.NodeStatus {
	return p.Status(ctx, n)
}

type freePorts struct{}

func (freePorts) Available(string, int) bool { return true }

type testServer struct {
	*httptest.Server
	procs   *fakeProcs
	manager *lifecycle.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	e := env.Resolve("linux", root, "", "svc")
	w := nodeconfig.NewWriter(e, nil)
	docs := file.New(filepath.Join(t.TempDir(), "searchnode.json"), nil)
	meta := metadata.NewStore(docs, e, w, nil)
	procs := &fakeProcs{running: make(map[string]bool)}
	m := lifecycle.NewManager(meta, w, procs, validation.NewValidator(meta, freePorts{}, nil), nil, nil, nil)

	cfg := &config.Config{InstallRoot: root, APIHost: "127.0.0.1", APIPort: 0}
	srv := httptest.NewServer(NewServer(cfg, m, docs, nil).Router())
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, procs: procs, manager: m}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		var raw json.RawMessage
		if json.NewDecoder(resp.Body).Decode(&raw) == nil && len(raw) > 0 && raw[0] == '{' {
			require.NoError(t, json.Unmarshal(raw, &out))
		}
	}
	return resp, out
}

func (s *testServer) waitTask(t *testing.T, id string) map[string]any {
	t.Helper()
	var task map[string]any
	require.Eventually(t, func() bool {
		_, task = s.do(t, http.MethodGet, "/v1/tasks/"+id, nil)
		state := task["state"]
		return state == string(lifecycle.TaskSucceeded) || state == string(lifecycle.TaskFailed)
	}, 2*time.Second, 10*time.Millisecond)
	return task
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestNodeCRUD(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/v1/nodes", map[string]any{
		"name": "n1", "http_port": 9200, "transport_port": 9300,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "n1", body["name"])

	resp, body = s.do(t, http.MethodGet, "/v1/nodes/n1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", body["status"])

	resp, body = s.do(t, http.MethodPatch, "/v1/nodes/n1", map[string]any{"heap_size": "2g"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "2g", body["heap_size"])

	resp, body = s.do(t, http.MethodDelete, "/v1/nodes/n1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "n1", body["node"])

	resp, body = s.do(t, http.MethodGet, "/v1/nodes/n1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestCreateConflictCarriesSuggestions(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/nodes", map[string]any{"name": "n1", "http_port": 9200, "transport_port": 9300})

	resp, body := s.do(t, http.MethodPost, "/v1/nodes", map[string]any{
		"name": "n2", "http_port": 9200, "transport_port": 9301,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", body["code"])

	details := body["details"].(map[string]any)
	suggestions := details["suggestions"].(map[string]any)
	assert.EqualValues(t, 9201, suggestions["http_port"])
}

func TestValidateEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/nodes", map[string]any{"name": "n1", "http_port": 9200, "transport_port": 9300})

	resp, body := s.do(t, http.MethodPost, "/v1/nodes/validate", map[string]any{
		"node": map[string]any{"name": "n1", "http_port": 9200, "transport_port": 9300},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["valid"])

	resp, body = s.do(t, http.MethodPost, "/v1/nodes/validate", map[string]any{
		"node":          map[string]any{"name": "n1", "http_port": 9200, "transport_port": 9300},
		"original_name": "n1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/v1/nodes", map[string]any{"name": "n1", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])

	resp, _ = s.do(t, http.MethodPost, "/v1/nodes/n1/move", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/v1/nodes/n1/copy", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRunsAsTask(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/nodes", map[string]any{"name": "n1", "http_port": 9200, "transport_port": 9300})

	resp, body := s.do(t, http.MethodPost, "/v1/nodes/n1/start", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["id"].(string)
	assert.Equal(t, "/v1/tasks/"+id, resp.Header.Get("Location"))

	task := s.waitTask(t, id)
	assert.Equal(t, "succeeded", task["state"])

	_, node := s.do(t, http.MethodGet, "/v1/nodes/n1", nil)
	assert.Equal(t, "running", node["status"])
}

func TestFailedTaskReportsKind(t *testing.T) {
	s := newTestServer(t)
	s.procs.startErr = models.NewTimeout("n1", "node did not listen")

	s.do(t, http.MethodPost, "/v1/nodes", map[string]any{"name": "n1", "http_port": 9200, "transport_port": 9300})
	_, body := s.do(t, http.MethodPost, "/v1/nodes/n1/start", nil)

	task := s.waitTask(t, body["id"].(string))
	assert.Equal(t, "failed", task["state"])
	assert.Equal(t, "timeout", task["error_kind"])
}

func TestTaskEventsWebsocket(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/nodes", map[string]any{"name": "n1", "http_port": 9200, "transport_port": 9300})

	_, body := s.do(t, http.MethodPost, "/v1/nodes/n1/stop", nil)
	id := body["id"].(string)
	s.waitTask(t, id)

	// A finished task yields its terminal event and a normal close.
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/v1/tasks/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, id, e.TaskID)
	assert.Equal(t, events.PhaseDone, e.Phase)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
}

func TestClusterRoutes(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/nodes", map[string]any{"name": "n1", "http_port": 9200, "transport_port": 9300})

	resp, _ := s.do(t, http.MethodPost, "/v1/clusters", map[string]any{"label": "analytics"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/v1/clusters", map[string]any{"label": "analytics"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, body)

	resp, _ = s.do(t, http.MethodDelete, "/v1/clusters/analytics", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/v1/clusters/default", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPut, "/v1/write-target", map[string]any{"node": "n1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPut, "/v1/write-target", map[string]any{"node": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListNodes(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/v1/nodes", map[string]any{"name": "n1", "http_port": 9200, "transport_port": 9300})

	resp, err := http.Get(s.URL + "/v1/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var nodes []models.Node
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].Name)
}
