// Package transport implements the control socket: a local Unix domain
// socket a running `roost server` daemon exposes so the `list`/`kill`/
// `kill-server` CLI verbs (and a CLI-initiated `spawn`, ahead of an
// `attach`) can reach it without opening a full client wire connection
// (spec.md §6 names a pidfile but leaves the plumbing for these verbs
// unspecified; see DESIGN.md's Open Question resolution).
//
// Grounded on the reference's own internal/transport: net.Listen("unix",
// socketPath) with stale-socket cleanup, an http.ServeMux registered on
// that listener, and graceful http.Server.Shutdown on context
// cancellation. The reference's task-board routes (/tasks, /thread,
// /agents, /status, /log) are replaced with instance-directory routes;
// the unix-socket plumbing itself is unchanged.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/anselm-vey/roost/internal/instance"
	"github.com/anselm-vey/roost/internal/ptysession"
	"github.com/anselm-vey/roost/internal/registry"
	"github.com/anselm-vey/roost/internal/rerr"
	"github.com/anselm-vey/roost/internal/statedetector"
)

// SpawnDefaults carries the resource limits and State Detector inputs
// that server.max_buffer_bytes/server.hang_timeout configure (spec.md
// §6), applied to every instance a /spawn request creates. Patterns feeds
// the terminal-heuristic tier; a caller with no custom table should pass
// statedetector.DefaultPatterns().
type SpawnDefaults struct {
	MaxBufferBytes int
	HangTimeout    time.Duration
	Patterns       []statedetector.HeuristicPattern
}

// Server is the control socket's request handler, backed directly by a
// process's Registry.
type Server struct {
	reg         *registry.Registry
	socketPath  string
	requestStop func()
	defaults    SpawnDefaults
}

// NewServer constructs a Server. requestStop is invoked (once) when a
// `kill-server` request arrives; the caller supplies whatever triggers
// its own graceful shutdown path (typically cancelling the daemon's root
// context). defaults supplies the per-instance resource limits and State
// Detector configuration every spawned instance inherits.
func NewServer(reg *registry.Registry, socketPath string, requestStop func(), defaults SpawnDefaults) *Server {
	return &Server{reg: reg, socketPath: socketPath, requestStop: requestStop, defaults: defaults}
}

// ListenAndServe runs the control socket until ctx is cancelled or the
// listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /spawn", s.handleSpawn)
	mux.HandleFunc("GET /instances", s.handleList)
	mux.HandleFunc("POST /instances/{id}/kill", s.handleKill)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
}

// SpawnRequest carries the Registry.Spawn arguments (spec.md §4.5's
// Spawn(command, cwd, env, rows, cols) operation).
type SpawnRequest struct {
	Name    string   `json:"name,omitempty"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd,omitempty"`
	Env     []string `json:"env,omitempty"`
	Rows    int      `json:"rows,omitempty"`
	Cols    int      `json:"cols,omitempty"`
}

// InstanceResponse mirrors instance.Info over the wire.
type InstanceResponse struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Command    []string `json:"command"`
	Cwd        string   `json:"cwd"`
	Rows       int      `json:"rows"`
	Cols       int      `json:"cols"`
	Phase      string   `json:"phase"`
	State      string   `json:"state"`
	ExitReason string   `json:"exit_reason,omitempty"`
	Locked     bool     `json:"locked"`
}

func infoToResponse(info instance.Info) InstanceResponse {
	return InstanceResponse{
		ID:         info.ID,
		Name:       info.Name,
		Command:    info.Command,
		Cwd:        info.Cwd,
		Rows:       info.Rows,
		Cols:       info.Cols,
		Phase:      info.Phase.String(),
		State:      info.State.String(),
		ExitReason: info.ExitReason,
		Locked:     info.Lock != nil,
	}
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Command) == 0 {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	rows, cols := req.Rows, req.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	cfg := instance.Config{
		Command:        req.Command,
		Cwd:            req.Cwd,
		Env:            req.Env,
		Rows:           rows,
		Cols:           cols,
		MaxBufferBytes: s.defaults.MaxBufferBytes,
		HangTimeout:    s.defaults.HangTimeout,
		Patterns:       s.defaults.Patterns,
	}
	// The instance outlives this request, so it is not bound to the
	// request's context.
	act, err := s.reg.Spawn(context.Background(), req.Name, cfg)
	if err != nil {
		writeRerr(w, err)
		return
	}
	info, err := act.Snapshot(r.Context())
	if err != nil {
		writeRerr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, infoToResponse(info))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos := s.reg.List(r.Context())
	result := make([]InstanceResponse, 0, len(infos))
	for _, info := range infos {
		result = append(result, infoToResponse(info))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	mode := ptysession.Polite
	if r.URL.Query().Get("force") == "true" {
		mode = ptysession.Forceful
	}
	if err := s.reg.Kill(r.Context(), id, mode); err != nil {
		writeRerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	if s.requestStop != nil {
		go s.requestStop()
	}
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeRerr maps an internal/rerr Kind onto an HTTP status the Client can
// translate back into spec.md §6's CLI exit codes.
func writeRerr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case rerr.Is(err, rerr.KindNotFound):
		code = http.StatusNotFound
	case rerr.Is(err, rerr.KindInvalidArgument):
		code = http.StatusBadRequest
	case rerr.Is(err, rerr.KindStorageUnavailable):
		code = http.StatusServiceUnavailable
	case rerr.Is(err, rerr.KindUnauthorized), rerr.Is(err, rerr.KindForbidden):
		code = http.StatusForbidden
	}
	writeError(w, code, err.Error())
}
