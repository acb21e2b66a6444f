// Package api implements the HTTP surface for a sync node: literal
// submission and lookup, terminal-ops queries, explicit undo, and
// operational endpoints (health, status, Prometheus metrics).
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opgraph/syncnode/internal/hashobj"
	"github.com/opgraph/syncnode/internal/logger"
	"github.com/opgraph/syncnode/internal/syncerr"
)

const (
	// maxLiteralSize is the maximum accepted size of a submitted literal, in
	// bytes.
	maxLiteralSize = 1 << 20 // 1 MB
)

// ObjectStore is the subset of internal/store.Store the API needs to accept
// and serve literals.
type ObjectStore interface {
	Save(lit *hashobj.Literal) error
	Load(hash hashobj.Hash) (*hashobj.Literal, error)
	LoadTerminalOpsForMutable(mutableHash hashobj.Hash) (*hashobj.TerminalOpsState, error)
}

// UndoApplier is the subset of internal/undo.Engine the API needs to expose
// explicit undo over HTTP.
type UndoApplier interface {
	Apply(targetOp hashobj.Hash) ([]*hashobj.Literal, error)
}

// StatusProvider exposes node-level state for monitoring.
type StatusProvider interface {
	PeerCount() int
	GroupID() string
}

// Server is the HTTP API server.
type Server struct {
	addr   string
	store  ObjectStore
	undo   UndoApplier // nil disables the /undo route
	status StatusProvider
	server *http.Server
}

// New creates a new HTTP API server. undo and status may be nil.
func New(addr string, store ObjectStore, undo UndoApplier, status StatusProvider) *Server {
	return &Server{
		addr:   addr,
		store:  store,
		undo:   undo,
		status: status,
	}
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ops", s.handleSubmitOp)
	mux.HandleFunc("GET /objects/{hash}", s.handleGetObject)
	mux.HandleFunc("GET /objects/{hash}/terminal-ops", s.handleGetTerminalOps)
	mux.HandleFunc("POST /undo/{hash}", s.handleUndo)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleSubmitOp handles POST /ops: the body is a JSON-encoded
// hashobj.Literal, already hashed and signed by the caller. The literal is
// persisted through the same Save path peer sync uses, so a client-submitted
// op is subject to exactly the same dependency and hash checks as one that
// arrived over the wire.
func (s *Server) handleSubmitOp(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxLiteralSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty request body")
		return
	}

	var lit hashobj.Literal
	if err := json.Unmarshal(body, &lit); err != nil {
		writeError(w, http.StatusBadRequest, "malformed literal: "+err.Error())
		return
	}

	if err := s.store.Save(&lit); err != nil {
		writeSyncErr(w, err)
		return
	}

	logger.Debug("op submitted", "hash", lit.Hash)
	writeJSON(w, http.StatusAccepted, map[string]string{"hash": lit.Hash.String()})
}

// handleGetObject handles GET /objects/{hash}.
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	lit, err := s.store.Load(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if lit == nil {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}

	writeJSON(w, http.StatusOK, lit)
}

// handleGetTerminalOps handles GET /objects/{hash}/terminal-ops: the current
// frontier of a mutable object's op DAG.
func (s *Server) handleGetTerminalOps(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := s.store.LoadTerminalOpsForMutable(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mutableObjHash": state.MutableObjHash.String(),
		"terminalOps":    state.TerminalOps,
	})
}

// handleUndo handles POST /undo/{hash}: explicitly undoes a reversible op
// and cascades the invalidation through its causal dependents.
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	if s.undo == nil {
		writeError(w, http.StatusServiceUnavailable, "undo not available")
		return
	}

	hash, err := parseHash(r.PathValue("hash"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	emitted, err := s.undo.Apply(hash)
	if err != nil {
		writeSyncErr(w, err)
		return
	}

	hashes := make([]string, len(emitted))
	for i, lit := range emitted {
		hashes[i] = lit.Hash.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"undoOps": hashes})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"groupId":   s.status.GroupID(),
		"peerCount": s.status.PeerCount(),
	})
}

// parseHash decodes a hex-encoded hash path segment.
func parseHash(s string) (hashobj.Hash, error) {
	var h hashobj.Hash
	if err := h.UnmarshalJSON([]byte(`"` + s + `"`)); err != nil {
		return hashobj.Hash{}, syncerr.New(syncerr.KindUnacceptableOp, "invalid hash %q", s)
	}
	return h, nil
}

// writeSyncErr maps a syncerr.Kind to the HTTP status that best reflects it.
func writeSyncErr(w http.ResponseWriter, err error) {
	switch {
	case syncerr.Is(err, syncerr.KindMissingDependency):
		writeError(w, http.StatusConflict, err.Error())
	case syncerr.Is(err, syncerr.KindHashMismatch), syncerr.Is(err, syncerr.KindUnacceptableOp):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
