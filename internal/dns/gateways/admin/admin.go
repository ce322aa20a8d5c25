// Package admin serves the operator HTTP endpoint: metrics, liveness, the
// maintenance registry and manual record status overrides.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/haukened/rr-gslb/internal/dns/common/log"
	"github.com/haukened/rr-gslb/internal/dns/repos/health"
	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
)

// HealthRegistry is the slice of health.State the endpoint drives.
type HealthRegistry interface {
	Datacenters() []health.DatacenterStatus
	SetMaintenance(dc string, offline bool) bool
	Records() map[string]bool
	SetRecordStatus(id string, up bool) bool
}

// ZoneSource yields the currently published database.
type ZoneSource interface {
	Load() *zonedb.DB
}

type Options struct {
	Addr    string
	Health  HealthRegistry
	Zones   ZoneSource
	Metrics http.Handler
	Logger  log.Logger
}

// Server is the admin HTTP server.
type Server struct {
	health HealthRegistry
	zones  ZoneSource
	logger log.Logger
	mux    *http.ServeMux
	srv    *http.Server
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	s := &Server{
		health: opts.Health,
		zones:  opts.Zones,
		logger: opts.Logger,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /maintenance", s.listMaintenance)
	s.mux.HandleFunc("PUT /maintenance/{dc}", s.setMaintenance)
	s.mux.HandleFunc("GET /records", s.listRecords)
	s.mux.HandleFunc("PUT /records/{id...}", s.setRecord)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}

	s.srv = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the endpoint's router.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve accepts connections on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutCtx); err != nil {
			s.logger.Warn(map[string]any{"error": err.Error()}, "admin shutdown")
		}
	}()

	s.logger.Info(map[string]any{"address": ln.Addr().String()}, "admin endpoint started")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds the configured address and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Zones     int       `json:"zones"`
	Records   int       `json:"records"`
}

// RecordStatus is one entry of GET /records.
type RecordStatus struct {
	ID string `json:"id"`
	Up bool   `json:"up"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Timestamp: time.Now()}
	code := http.StatusOK
	if db := s.zones.Load(); db != nil {
		resp.Zones = db.ZoneCount()
		resp.Records = db.RecordCount()
	} else {
		resp.Status = "no zones loaded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) listMaintenance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Datacenters())
}

func (s *Server) setMaintenance(w http.ResponseWriter, r *http.Request) {
	dc := r.PathValue("dc")
	offline, err := strconv.ParseBool(r.URL.Query().Get("offline"))
	if err != nil {
		http.Error(w, "offline must be true or false", http.StatusBadRequest)
		return
	}
	if !s.health.SetMaintenance(dc, offline) {
		http.Error(w, fmt.Sprintf("unknown datacenter %q", dc), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, health.DatacenterStatus{Name: dc, Offline: offline})
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	recs := s.health.Records()
	out := make([]RecordStatus, 0, len(recs))
	for id, up := range recs {
		out = append(out, RecordStatus{ID: id, Up: up})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	up, err := strconv.ParseBool(r.URL.Query().Get("up"))
	if err != nil {
		http.Error(w, "up must be true or false", http.StatusBadRequest)
		return
	}
	if !s.health.SetRecordStatus(id, up) {
		http.Error(w, fmt.Sprintf("unknown record %q", id), http.StatusNotFound)
		return
	}
	s.logger.Info(map[string]any{"probe": id, "up": up}, "record status overridden")
	writeJSON(w, http.StatusOK, RecordStatus{ID: id, Up: up})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
