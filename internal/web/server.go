// Package web serves a read-only JSON view of persisted runs.
//
// Every handler reads straight from the run store, so the server can run
// next to a live orchestrator process and always reflects what has been
// persisted. Nothing here writes run state; conflicts are resolved through
// the CLI.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/swarm/internal/analytics"
	"github.com/Iron-Ham/swarm/internal/conflict"
	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/logging"
	"github.com/Iron-Ham/swarm/internal/runstate"
	"github.com/Iron-Ham/swarm/internal/verify"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	shutdownTimeout     = 5 * time.Second
)

// Server is the read-only run browser.
type Server struct {
	store  *runstate.Store
	sink   analytics.Sink
	logger *logging.Logger
}

// NewServer creates a Server. A nil sink serves an empty history.
func NewServer(store *runstate.Store, sink analytics.Sink, logger *logging.Logger) *Server {
	if sink == nil {
		sink = analytics.NopSink{}
	}
	return &Server{
		store:  store,
		sink:   sink,
		logger: logging.OrNop(logger).WithComponent("web"),
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /api/runs/{id}/plan", s.handlePlan)
	mux.HandleFunc("GET /api/runs/{id}/records", s.handleRecords)
	mux.HandleFunc("GET /api/runs/{id}/records/{step}/{attempt}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /api/runs/{id}/conflicts", s.handleConflicts)
	mux.HandleFunc("GET /api/runs/{id}/verification", s.handleVerification)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving run browser", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns()
	if err != nil {
		s.fail(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := runs[:0]
		for _, info := range runs {
			if string(info.Status) == status {
				filtered = append(filtered, info)
			}
		}
		runs = filtered
	}
	if runs == nil {
		runs = []runstate.Info{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	info, err := s.store.LoadInfo(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := runID(w, r)
	if !ok {
		return
	}
	p, err := s.store.LoadPlan(id)
	if rev := r.URL.Query().Get("revision"); rev != "" && err == nil {
		n, convErr := strconv.Atoi(rev)
		if convErr != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "revision must be a non-negative integer")
			return
		}
		p, err = s.store.LoadPlanRevision(id, n)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := s.existingRun(w, r)
	if !ok {
		return
	}
	records, err := s.store.LoadRecords(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if records == nil {
		records = []runstate.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := s.existingRun(w, r)
	if !ok {
		return
	}
	step, err1 := strconv.Atoi(r.PathValue("step"))
	attempt, err2 := strconv.Atoi(r.PathValue("attempt"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "step and attempt must be integers")
		return
	}
	transcript, err := s.store.LoadTranscript(id, step, attempt)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(transcript))
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.existingRun(w, r)
	if !ok {
		return
	}
	resolver, err := conflict.Open(s.store.RunDir(id), s.logger)
	if err != nil {
		s.fail(w, err)
		return
	}
	conflicts := resolver.All()
	if r.URL.Query().Get("pending") == "true" {
		conflicts = resolver.GetPendingConflicts()
	}
	if conflicts == nil {
		conflicts = []conflict.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleVerification(w http.ResponseWriter, r *http.Request) {
	id, ok := s.existingRun(w, r)
	if !ok {
		return
	}
	reports, err := s.store.LoadReports(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if step := r.URL.Query().Get("step"); step != "" {
		n, err := strconv.Atoi(step)
		if err != nil {
			writeError(w, http.StatusBadRequest, "step must be an integer")
			return
		}
		filtered := reports[:0]
		for _, rep := range reports {
			if rep.StepNumber == n {
				filtered = append(filtered, rep)
			}
		}
		reports = filtered
	}
	if reports == nil {
		reports = []verify.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

// historyResponse lists recent runs, newest first, and compares the newest
// with the rest.
type historyResponse struct {
	Runs       []analytics.RunSummary `json:"runs"`
	Comparison *analytics.Comparison  `json:"comparison,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	runs, err := s.sink.Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := historyResponse{Runs: runs}
	if resp.Runs == nil {
		resp.Runs = []analytics.RunSummary{}
	}
	if len(runs) > 1 {
		cmp := analytics.Compare(runs[0], runs[1:])
		resp.Comparison = &cmp
	}
	writeJSON(w, http.StatusOK, resp)
}

// existingRun resolves the run id and confirms the run exists, so that
// per-run artifact listings return 404 rather than an empty list.
func (s *Server) existingRun(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := runID(w, r)
	if !ok {
		return "", false
	}
	if _, err := s.store.LoadInfo(id); err != nil {
		s.fail(w, err)
		return "", false
	}
	return id, true
}

func runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	// Reject anything that could escape the state directory.
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		http.NotFound(w, r)
		return "", false
	}
	return id, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	var notFound *errors.NotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("request failed", "error", err, "severity", errors.GetSeverity(err).String())
	msg := "internal error"
	if errors.IsUserFacing(err) {
		msg = err.Error()
	}
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
