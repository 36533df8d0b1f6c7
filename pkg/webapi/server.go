// Package webapi exposes the orchestration registries over HTTP. Handlers
// are thin adapters: they parse the request, call one registry operation,
// and translate the error taxonomy to a status code.
package webapi

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentdeck/pkg/config"
	"agentdeck/pkg/gitx"
	"agentdeck/pkg/instance"
	"agentdeck/pkg/logx"
	"agentdeck/pkg/metrics"
	"agentdeck/pkg/oerr"
	"agentdeck/pkg/repo"
	"agentdeck/pkg/term"
	"agentdeck/pkg/webhook"
	"agentdeck/pkg/worktree"
)

// Server hosts the REST API.
type Server struct {
	cfg       *config.Config
	instances *instance.Registry
	repos     *repo.Registry
	worktrees *worktree.Manager
	gateway   *gitx.Gateway
	terminals *term.Registry
	db        *sql.DB
	secrets   *config.SecretStore
	query     *metrics.QueryService // optional
	auth      Auth
	logger    *logx.Logger
}

// NewServer wires the API server. query may be nil when no Prometheus is
// configured; auth nil falls back to LocalAuth.
func NewServer(
	cfg *config.Config,
	instances *instance.Registry,
	repos *repo.Registry,
	worktrees *worktree.Manager,
	gateway *gitx.Gateway,
	terminals *term.Registry,
	db *sql.DB,
	secrets *config.SecretStore,
	query *metrics.QueryService,
	auth Auth,
) *Server {
	if auth == nil {
		auth = LocalAuth{}
	}
	return &Server{
		cfg:       cfg,
		instances: instances,
		repos:     repos,
		worktrees: worktrees,
		gateway:   gateway,
		terminals: terminals,
		db:        db,
		secrets:   secrets,
		query:     query,
		auth:      auth,
		logger:    logx.NewLogger("webapi"),
	}
}

// RegisterRoutes sets up HTTP routes for the API. Healthz, webhooks and
// the metrics scrape endpoint stay outside the auth guard: the first two
// authenticate their own way, the last is for the local Prometheus.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/healthz", s.handleHealth)
	mux.HandleFunc("/api/agents", s.requireAuth(s.handleAgents))
	mux.HandleFunc("/api/repositories", s.requireAuth(s.handleRepositories))
	mux.HandleFunc("/api/repositories/", s.requireAuth(s.handleRepository))
	mux.HandleFunc("/api/instances", s.requireAuth(s.handleInstances))
	mux.HandleFunc("/api/instances/", s.requireAuth(s.handleInstance))
	mux.HandleFunc("/api/worktrees/", s.requireAuth(s.handleWorktree))
	mux.HandleFunc("/api/terminals/system", s.requireAuth(s.handleSystemTerminal))
	mux.HandleFunc("/api/webhooks/", s.handleWebhook)
	mux.HandleFunc("/api/logs", s.requireAuth(s.handleLogs))
	mux.Handle("/metrics", promhttp.Handler())
}

// requireAuth rejects requests the auth collaborator cannot resolve.
// LocalAuth always resolves, so single-user deployments pass through.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth.GetSession(r) == nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="agentdeck"`)
			s.writeJSON(w, http.StatusUnauthorized, errorPayload{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

// userID resolves the caller, falling back to the local development user
// when the auth collaborator yields no session (unguarded routes only).
func (s *Server) userID(r *http.Request) string {
	if session := s.auth.GetSession(r); session != nil {
		return session.UserID
	}
	return config.DefaultUserID
}

type errorPayload struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

// writeError maps the error taxonomy onto status codes. Ownership and
// existence failures are both 404 so callers cannot probe for foreign
// resources.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	payload := errorPayload{Error: err.Error()}
	switch oerr.KindOf(err) {
	case oerr.KindNotFound:
		s.writeJSON(w, http.StatusNotFound, errorPayload{Error: "not found"})
	case oerr.KindAgentNotAllowed:
		s.writeJSON(w, http.StatusForbidden, payload)
	case oerr.KindInvalid:
		s.writeJSON(w, http.StatusBadRequest, payload)
	case oerr.KindResourceBusy:
		s.writeJSON(w, http.StatusConflict, payload)
	default:
		s.writeJSON(w, http.StatusInternalServerError, payload)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorPayload{Error: "invalid request body", Details: err.Error()})
		return false
	}
	return true
}

// handleHealth implements GET /api/healthz with a db ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dbOK := s.db.PingContext(r.Context()) == nil
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"status":    map[bool]string{true: "ok", false: "degraded"}[dbOK],
		"database":  dbOK,
		"terminals": s.terminals.Count(),
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

// handleAgents implements GET /api/agents: the agent types this deployment
// allows, in catalog order.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.instances.Agents().ListAllowed())
}

// handleRepositories implements GET (list) and POST (register) on
// /api/repositories.
func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	switch r.Method {
	case http.MethodGet:
		list, err := s.repos.List(userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req struct {
			Path string `json:"path"`
			Name string `json:"name"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		repository, err := s.repos.Register(r.Context(), req.Path, req.Name, userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, repository)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRepository routes /api/repositories/{id}[/branches|/instances].
func (s *Server) handleRepository(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID := s.userID(r)
	id, rest := splitPath(strings.TrimPrefix(r.URL.Path, "/api/repositories/"))
	if id == "" {
		http.Error(w, "Repository ID required", http.StatusBadRequest)
		return
	}

	switch rest {
	case "":
		repository, err := s.repos.GetOwned(id, userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, repository)
	case "branches":
		// Ownership check first; the gateway itself resolves unchecked.
		if _, err := s.repos.GetOwned(id, userID); err != nil {
			s.writeError(w, err)
			return
		}
		branches, err := s.gateway.ListBranches(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, branches)
	case "instances":
		list, err := s.instances.GetInstancesByRepository(id, userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, list)
	default:
		http.NotFound(w, r)
	}
}

// handleInstances implements POST /api/instances.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		RepositoryID string `json:"repository_id"`
		AgentType    string `json:"agent_type"`
		Title        string `json:"title"`
		Branch       string `json:"branch"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	inst, err := s.instances.CreateInstance(r.Context(), req.RepositoryID, req.AgentType, req.Title, req.Branch, s.userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, inst)
}

// handleInstance routes /api/instances/{id} and its sub-resources.
func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	id, rest := splitPath(strings.TrimPrefix(r.URL.Path, "/api/instances/"))
	if id == "" {
		http.Error(w, "Instance ID required", http.StatusBadRequest)
		return
	}

	switch {
	case rest == "" && r.Method == http.MethodGet:
		inst, err := s.instances.GetInstance(id, userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, inst)

	case rest == "" && r.Method == http.MethodDelete:
		if err := s.instances.TerminateInstance(r.Context(), id, userID); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case rest == "status" && r.Method == http.MethodPost:
		var req struct {
			Status    string  `json:"status"`
			LastError *string `json:"last_error"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		if err := s.instances.SetStatus(r.Context(), id, userID, req.Status, req.LastError); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case rest == "events" && r.Method == http.MethodGet:
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		events, err := s.instances.GetEvents(id, userID, since)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, events)

	case rest == "revert" && r.Method == http.MethodPost:
		s.handleRevert(w, r, id, userID)

	case rest == "metrics" && r.Method == http.MethodGet:
		s.handleInstanceMetrics(w, r, id, userID)

	case rest == "terminals" && r.Method == http.MethodGet:
		sessions, err := s.instances.GetTerminals(id, userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, terminalViews(sessions))

	case rest == "terminals" && r.Method == http.MethodPost:
		var req struct {
			Kind string `json:"kind"`
		}
		if !s.decode(w, r, &req) {
			return
		}
		session, err := s.instances.CreateTerminal(r.Context(), id, userID, term.Kind(req.Kind))
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, terminalView(session))

	case strings.HasPrefix(rest, "terminals/"):
		s.handleInstanceTerminal(w, r, id, userID, strings.TrimPrefix(rest, "terminals/"))

	default:
		http.NotFound(w, r)
	}
}

// handleRevert discards all uncommitted and untracked changes in the
// instance's worktree. No partial rollback: a failure after the reset is
// reported as-is.
func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request, id, userID string) {
	inst, err := s.instances.GetInstance(id, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.gateway.Revert(r.Context(), inst.WorktreeID, userID); err != nil {
		s.writeError(w, err)
		return
	}
	s.instances.RecordRevert(r.Context(), id, userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstanceMetrics(w http.ResponseWriter, r *http.Request, id, userID string) {
	if s.query == nil {
		s.writeJSON(w, http.StatusNotImplemented, errorPayload{Error: "metrics backend not configured"})
		return
	}
	if _, err := s.instances.GetInstance(id, userID); err != nil {
		s.writeError(w, err)
		return
	}
	im, err := s.query.GetInstanceMetrics(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, im)
}

// handleInstanceTerminal routes /api/instances/{id}/terminals/{sid}[/ws].
func (s *Server) handleInstanceTerminal(w http.ResponseWriter, r *http.Request, id, userID, rest string) {
	sessionID, tail := splitPath(rest)
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	switch {
	case tail == "" && r.Method == http.MethodDelete:
		if err := s.instances.CloseTerminal(r.Context(), id, userID, sessionID); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case tail == "ws" && r.Method == http.MethodGet:
		s.handleTerminalWS(w, r, id, userID, sessionID)
	default:
		http.NotFound(w, r)
	}
}

// handleWorktree routes /api/worktrees/{id}: GET for inspection, DELETE
// to discard the checkout and its directory. Removal of a foreign or
// unknown worktree is a silent 204, mirroring the manager's no-op.
func (s *Server) handleWorktree(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	id, rest := splitPath(strings.TrimPrefix(r.URL.Path, "/api/worktrees/"))
	if id == "" || rest != "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		wt, err := s.worktrees.Get(id, userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, wt)
	case http.MethodDelete:
		if err := s.worktrees.Remove(r.Context(), id, userID); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSystemTerminal implements POST /api/terminals/system: an ad-hoc
// shell not bound to any instance.
func (s *Server) handleSystemTerminal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Cwd     string `json:"cwd"`
		Command string `json:"command"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	session, err := s.terminals.CreateSystemSession(req.Cwd, req.Command)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, terminalView(session))
}

// handleLogs implements GET /api/logs?component=X&since=RFC3339.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorPayload{Error: "invalid since timestamp", Details: err.Error()})
			return
		}
		since = parsed
	}
	s.writeJSON(w, http.StatusOK, logx.RecentEntries(r.URL.Query().Get("component"), since))
}

// TerminalView is the JSON shape for a terminal session.
type TerminalView struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id,omitempty"`
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
}

func terminalView(s *term.Session) TerminalView {
	return TerminalView{
		ID:         s.ID,
		InstanceID: s.InstanceID,
		Kind:       string(s.Kind),
		State:      string(s.State()),
		CreatedAt:  s.CreatedAt,
	}
}

func terminalViews(sessions []*term.Session) []TerminalView {
	views := make([]TerminalView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, terminalView(s))
	}
	return views
}

// splitPath cuts "a/b/c" into ("a", "b/c").
func splitPath(p string) (head, rest string) {
	head, rest, _ = strings.Cut(p, "/")
	return head, rest
}

// handleWebhook verifies and acknowledges provider webhooks. The payload is
// not acted upon yet; verification failures are 401 regardless of cause so
// the endpoint leaks nothing about secret configuration.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	provider, _ := splitPath(strings.TrimPrefix(r.URL.Path, "/api/webhooks/"))

	body := http.MaxBytesReader(w, r.Body, 1<<20)
	payload, err := io.ReadAll(body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorPayload{Error: "failed to read payload"})
		return
	}

	secret, err := s.secrets.Get("WEBHOOK_SECRET")
	if err != nil {
		secret = ""
	}

	var ok bool
	switch provider {
	case "github":
		ok = webhook.Verify(webhook.SchemeGitHub, payload, r.Header.Get("X-Hub-Signature-256"), secret)
	case "token":
		ok = webhook.Verify(webhook.SchemeToken, payload, r.Header.Get("X-Webhook-Token"), secret)
	case "generic":
		ok = webhook.Verify(webhook.SchemeHexHMAC, payload, r.Header.Get("X-Signature"), secret)
	default:
		http.NotFound(w, r)
		return
	}
	if !ok {
		s.logger.Warn("Rejected %s webhook from %s", provider, r.RemoteAddr)
		s.writeJSON(w, http.StatusUnauthorized, errorPayload{Error: "signature verification failed"})
		return
	}

	s.logger.Info("Accepted %s webhook (%d bytes)", provider, len(payload))
	w.WriteHeader(http.StatusNoContent)
}
