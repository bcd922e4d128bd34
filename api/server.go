// Package api serves a read-only JSON view of the live drive list and the
// running job.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"mkflash/constraint"
	"mkflash/drive"
	"mkflash/fault"
	"mkflash/flasher"
)

// CandidateSource is satisfied by *selection.Coordinator.
type CandidateSource interface {
	AllCandidates() []constraint.Candidate
}

// DeviceSource is satisfied by *drive.Scanner.
type DeviceSource interface {
	Snapshot() []drive.Device
}

type jobError struct {
	Message string     `json:"message"`
	Code    fault.Kind `json:"code"`
}

// Status is the body of GET /api/progress.
type Status struct {
	State          string                 `json:"state"`
	Progress       *flasher.ProgressEvent `json:"progress,omitempty"`
	SourceChecksum string                 `json:"sourceChecksum,omitempty"`
	Error          *jobError              `json:"error,omitempty"`
}

type Server struct {
	log *zap.Logger

	mu      sync.RWMutex
	cands   CandidateSource
	devices DeviceSource
	status  Status
}

func New(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log, status: Status{State: flasher.Idle.String()}}
}

// SetDevices sets the raw device list served before a coordinator exists.
func (s *Server) SetDevices(src DeviceSource) {
	s.mu.Lock()
	s.devices = src
	s.mu.Unlock()
}

// SetCandidates switches /api/drives to evaluated candidates.
func (s *Server) SetCandidates(src CandidateSource) {
	s.mu.Lock()
	s.cands = src
	s.mu.Unlock()
}

// Observe records the latest progress event.
func (s *Server) Observe(ev flasher.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Progress = &ev
	if ev.Phase == flasher.PhaseCheck {
		s.status.State = flasher.Verifying.String()
	} else {
		s.status.State = flasher.Writing.String()
	}
}

// Finish records the outcome of the job.
func (s *Server) Finish(res flasher.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status.State = flasher.Failed.String()
		s.status.Error = &jobError{Message: err.Error(), Code: fault.KindOf(err)}
		return
	}
	s.status.State = flasher.Done.String()
	s.status.Error = nil
	s.status.SourceChecksum = res.SourceChecksum
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.health).Methods("GET")
	r.HandleFunc("/api/drives", s.drives).Methods("GET")
	r.HandleFunc("/api/progress", s.progress).Methods("GET")
	return c.Handler(r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("status api listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "status api")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("status api forced to shut down", zap.Error(err))
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) drives(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	cands, devices := s.cands, s.devices
	s.mu.RUnlock()

	switch {
	case cands != nil:
		writeJSON(w, cands.AllCandidates())
	case devices != nil:
		writeJSON(w, devices.Snapshot())
	default:
		writeJSON(w, []drive.Device{})
	}
}

func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()
	writeJSON(w, st)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
