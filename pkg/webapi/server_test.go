package webapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	osexec "os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdeck/pkg/agent"
	"agentdeck/pkg/config"
	"agentdeck/pkg/exec"
	"agentdeck/pkg/gitx"
	"agentdeck/pkg/instance"
	"agentdeck/pkg/persistence"
	"agentdeck/pkg/repo"
	"agentdeck/pkg/term"
	"agentdeck/pkg/worktree"
)

type testEnv struct {
	server   *httptest.Server
	secrets  *config.SecretStore
	repoPath string
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	if _, err := osexec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := osexec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithAuth(t, nil)
}

func newTestEnvWithAuth(t *testing.T, auth Auth) *testEnv {
	t.Helper()

	db, err := persistence.InitializeDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ops := persistence.NewDatabaseOperations(db)

	cfg := config.Default(t.TempDir())
	git := gitx.NewClient(exec.NewLocalExec(), 30*time.Second)
	repos := repo.NewRegistry(ops, git)
	worktrees := worktree.NewManager(ops, git, filepath.Join(t.TempDir(), "worktrees"))
	terminals := term.NewRegistry("/bin/sh", 16*1024)
	t.Cleanup(terminals.CloseAll)
	instances := instance.NewRegistry(ops, repos, worktrees, terminals, agent.NewFactory(cfg), nil)
	gateway := gitx.NewGateway(git, worktrees, repos)
	secrets := config.NewSecretStore()

	mux := http.NewServeMux()
	NewServer(cfg, instances, repos, worktrees, gateway, terminals, db, secrets, nil, auth).RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testEnv{server: server, secrets: secrets, repoPath: initGitRepo(t)}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) registerRepo(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/repositories", map[string]string{"path": e.repoPath, "name": "demo"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[persistence.Repository](t, resp).ID
}

func (e *testEnv) createInstance(t *testing.T, repoID, agentType string) persistence.Instance {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/instances", map[string]string{
		"repository_id": repoID,
		"agent_type":    agentType,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[persistence.Instance](t, resp)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["database"])
}

func TestRepositoryLifecycle(t *testing.T) {
	env := newTestEnv(t)
	repoID := env.registerRepo(t)

	resp := env.do(t, http.MethodGet, "/api/repositories", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]persistence.Repository](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, repoID, list[0].ID)

	resp = env.do(t, http.MethodGet, "/api/repositories/"+repoID+"/branches", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	branches := decodeBody[[]string](t, resp)
	assert.Contains(t, branches, "main")

	// Registering a plain directory is rejected.
	resp = env.do(t, http.MethodPost, "/api/repositories", map[string]string{"path": t.TempDir(), "name": "bad"})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInstanceLifecycle(t *testing.T) {
	env := newTestEnv(t)
	repoID := env.registerRepo(t)
	inst := env.createInstance(t, repoID, "claude")

	resp := env.do(t, http.MethodGet, "/api/instances/"+inst.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[persistence.Instance](t, resp)
	assert.Equal(t, persistence.StatusRunning, got.Status)

	// Unknown ids are a JSON 404.
	resp = env.do(t, http.MethodGet, "/api/instances/ghost", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", decodeBody[errorPayload](t, resp).Error)

	resp = env.do(t, http.MethodDelete, "/api/instances/"+inst.ID, nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/instances/"+inst.ID, nil)
	got = decodeBody[persistence.Instance](t, resp)
	assert.Equal(t, persistence.StatusTerminated, got.Status)
}

func TestInstanceStatusAndEvents(t *testing.T) {
	env := newTestEnv(t)
	repoID := env.registerRepo(t)
	inst := env.createInstance(t, repoID, "claude")

	resp := env.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/status", map[string]any{"status": "idle"})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Backward transitions are rejected.
	resp = env.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/status", map[string]any{"status": "running"})
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/instances/"+inst.ID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decodeBody[[]persistence.InstanceEvent](t, resp)
	require.Len(t, events, 1)
	assert.Equal(t, persistence.EventStatusChanged, events[0].Kind)

	resp = env.do(t, http.MethodGet, "/api/instances/"+inst.ID+"/events?since="+"1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]persistence.InstanceEvent](t, resp))
}

func TestTerminalEndpoints(t *testing.T) {
	env := newTestEnv(t)
	repoID := env.registerRepo(t)
	inst := env.createInstance(t, repoID, "claude")

	resp := env.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/terminals", map[string]string{"kind": "directory-pty"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[TerminalView](t, resp)
	assert.Equal(t, "directory-pty", created.Kind)

	resp = env.do(t, http.MethodGet, "/api/instances/"+inst.ID+"/terminals", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]TerminalView](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	resp = env.do(t, http.MethodDelete, "/api/instances/"+inst.ID+"/terminals/"+created.ID, nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/instances/"+inst.ID+"/terminals", nil)
	assert.Empty(t, decodeBody[[]TerminalView](t, resp))
}

func TestSystemTerminal(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/terminals/system", map[string]string{"cwd": t.TempDir()})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[TerminalView](t, resp)
	assert.Equal(t, "system-pty", created.Kind)
	assert.Empty(t, created.InstanceID)
}

func TestRevertEndpoint(t *testing.T) {
	env := newTestEnv(t)
	repoID := env.registerRepo(t)
	inst := env.createInstance(t, repoID, "claude")

	// Dirty the worktree, then revert through the API.
	var wt persistence.Instance
	resp := env.do(t, http.MethodGet, "/api/instances/"+inst.ID, nil)
	wt = decodeBody[persistence.Instance](t, resp)
	require.NotEmpty(t, wt.WorktreeID)

	resp = env.do(t, http.MethodPost, "/api/instances/"+inst.ID+"/revert", nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/instances/"+inst.ID+"/events", nil)
	events := decodeBody[[]persistence.InstanceEvent](t, resp)
	require.NotEmpty(t, events)
	assert.Equal(t, persistence.EventWorktreeReverted, events[len(events)-1].Kind)
}

func TestWebhookEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.secrets.Set("WEBHOOK_SECRET", "hunter2")

	payload := []byte(`{"action":"opened"}`)
	mac := hmac.New(sha256.New, []byte("hunter2"))
	mac.Write(payload)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/webhooks/github", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("X-Hub-Signature-256", signature)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Tampered payload fails verification.
	req, err = http.NewRequest(http.MethodPost, env.server.URL+"/api/webhooks/github", bytes.NewReader([]byte(`{"action":"closed"}`)))
	require.NoError(t, err)
	req.Header.Set("X-Hub-Signature-256", signature)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Missing header is a plain rejection, not a panic.
	resp = env.do(t, http.MethodPost, "/api/webhooks/github", map[string]string{})
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWorktreeEndpoints(t *testing.T) {
	env := newTestEnv(t)
	repoID := env.registerRepo(t)
	inst := env.createInstance(t, repoID, "claude")

	resp := env.do(t, http.MethodGet, "/api/worktrees/"+inst.WorktreeID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	wt := decodeBody[persistence.Worktree](t, resp)
	assert.Equal(t, repoID, wt.RepositoryID)

	// Terminate first so removal is an explicit follow-up step.
	resp = env.do(t, http.MethodDelete, "/api/instances/"+inst.ID, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/worktrees/"+inst.WorktreeID, nil)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/worktrees/"+inst.WorktreeID, nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Removing an unknown worktree is still a 204.
	resp = env.do(t, http.MethodDelete, "/api/worktrees/ghost", nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestBasicAuthGuard(t *testing.T) {
	env := newTestEnvWithAuth(t, BasicAuth{Username: "agentdeck", Password: "hunter2"})

	resp := env.do(t, http.MethodGet, "/api/repositories", nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/repositories", nil)
	require.NoError(t, err)
	req.SetBasicAuth("agentdeck", "hunter2")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays reachable without credentials.
	resp = env.do(t, http.MethodGet, "/api/healthz", nil)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentCatalog(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agents := decodeBody[[]agent.Descriptor](t, resp)
	assert.NotEmpty(t, agents)
}
