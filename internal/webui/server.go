// Package webui is the thin authenticated shell over processed results:
// read-only queries plus the explicit reprocess trigger. It never exposes raw
// internal errors; operators get status and a reason string, logs get the
// rest.
package webui

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"callscribe/internal/logger"
	"callscribe/internal/state"
	"callscribe/internal/store"
	"callscribe/internal/types"
)

// Pipeline is the orchestrator surface the UI needs.
type Pipeline interface {
	Units(ctx context.Context) ([]types.AudioUnit, error)
	Reprocess(ctx context.Context, id string) error
}

type Server struct {
	pipeline Pipeline
	results  *store.Store
	username string
	password string
	log      *logger.Logger
}

func NewServer(pipeline Pipeline, results *store.Store, username, password string, log *logger.Logger) *Server {
	return &Server{pipeline: pipeline, results: results, username: username, password: password, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/calls", s.auth(s.handleList))
	mux.HandleFunc("GET /api/calls/{id}/transcript", s.auth(s.handleTranscript))
	mux.HandleFunc("GET /api/calls/{id}/summary", s.auth(s.handleSummary))
	mux.HandleFunc("POST /api/calls/{id}/reprocess", s.auth(s.handleReprocess))
	return mux
}

// ListenAndServe runs the UI server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.WithField("addr", addr).Info("web ui listening")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Login Required"`)
			http.Error(w, "login required", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type callView struct {
	ID        string    `json:"id"`
	File      string    `json:"file"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason,omitempty"`
	ArrivedAt time.Time `json:"arrived_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "list")
	units, err := s.pipeline.Units(r.Context())
	if err != nil {
		reqLog.WithField("error", err.Error()).Error("listing units failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]callView, 0, len(units))
	for _, u := range units {
		view := callView{
			ID:        u.ID,
			File:      u.Path,
			Status:    string(u.Status),
			Attempts:  u.Attempts,
			ArrivedAt: u.ArrivedAt,
			UpdatedAt: u.UpdatedAt,
		}
		// Surface the reason only for failed/quarantined units.
		if u.Status == types.StatusFailed || u.Status == types.StatusQuarantined {
			view.Reason = u.LastError
		}
		out = append(out, view)
	}
	writeJSON(w, out)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, s.results.Transcript)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, s.results.Summary)
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, read func(string) (string, error)) {
	id := r.PathValue("id")
	if !validID(id) {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	content, err := read(id)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.log.WithRequest(r).WithField("error", err.Error()).Error("reading artifact failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(content))
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "reprocess")
	id := r.PathValue("id")
	if !validID(id) {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.pipeline.Reprocess(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		reqLog.WithField("error", err.Error()).Warn("reprocess rejected")
		http.Error(w, "reprocess rejected", http.StatusConflict)
		return
	}
	reqLog.WithField("unit_id", id).Info("reprocess accepted")
	w.WriteHeader(http.StatusAccepted)
}

// validID rejects anything that could escape the artifact directories.
func validID(id string) bool {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
