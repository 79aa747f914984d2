// Package gateway exposes the host's HTTP surface: lapp management, the
// call API, capability grant administration, the peer table, health and
// metrics, plus the WebSocket endpoint for interactive clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lappnet/lapphost/internal/app/domain/capability"
	"github.com/lappnet/lapphost/internal/app/domain/lapp"
	"github.com/lappnet/lapphost/internal/app/metrics"
	capsvc "github.com/lappnet/lapphost/internal/app/services/capability"
	"github.com/lappnet/lapphost/internal/app/services/overlay"
	"github.com/lappnet/lapphost/internal/app/services/registry"
	"github.com/lappnet/lapphost/pkg/logger"
)

// deniedResult is the error value a sandboxed module returns when a host
// function refused it. The gateway maps it to 403 so HTTP clients see the
// denial without parsing result bodies.
const deniedResult = "capability denied"

// maxBodySize caps management request bodies.
const maxBodySize = 8 << 20

// Service is the HTTP gateway.
type Service struct {
	addr   string
	reg    *registry.Service
	caps   *capsvc.Service
	ovl    *overlay.Service
	log    *logger.Logger
	server *http.Server
}

// New constructs the gateway.
func New(addr string, reg *registry.Service, caps *capsvc.Service, ovl *overlay.Service, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("gateway")
	}
	return &Service{addr: addr, reg: reg, caps: caps, ovl: ovl, log: log}
}

// Name implements the lifecycle service interface.
func (s *Service) Name() string { return "gateway" }

// Start begins serving. Listen errors after startup are logged; the boot
// sequence itself only fails if the address cannot be parsed by the server.
func (s *Service) Start(context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("gateway listener failed")
		}
	}()
	s.log.Infof("gateway listening on %s", s.addr)
	return nil
}

// Stop shuts the server down, draining in-flight requests until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router builds the HTTP routing table.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/ws/{lapp}", s.handleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/peers", s.handlePeers)
		r.Route("/lapps", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleInstall)
			r.Route("/{lapp}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Put("/", s.handleUpdate)
				r.Delete("/", s.handleUninstall)
				r.Post("/start", s.handleStart)
				r.Post("/stop", s.handleStop)
				r.Post("/restart", s.handleRestart)
				r.Post("/call/{export}", s.handleCall)
				r.Get("/grants", s.handleListGrants)
				r.Post("/grants", s.handleGrant)
				r.Delete("/grants/{grant}", s.handleRevoke)
			})
		})
	})
	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handlePeers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    s.ovl.ID(),
		"peers": s.ovl.Peers(),
	})
}

type installRequest struct {
	ID       string        `json:"id"`
	Module   string        `json:"module"`
	Manifest lapp.Manifest `json:"manifest"`
}

func (s *Service) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if !decodeBody(w, r, &req) {
		return
	}
	installed, err := s.reg.Install(r.Context(), req.ID, []byte(req.Module), req.Manifest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, installed)
}

func (s *Service) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"lapps": s.reg.List()})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	l, err := s.reg.Get(chi.URLParam(r, "lapp"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type updateRequest struct {
	Module   string        `json:"module"`
	Manifest lapp.Manifest `json:"manifest"`
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	updated, err := s.reg.Update(r.Context(), chi.URLParam(r, "lapp"), []byte(req.Module), req.Manifest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Service) handleUninstall(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Uninstall(r.Context(), chi.URLParam(r, "lapp")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.reg.StartLapp)
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.reg.StopLapp)
}

func (s *Service) handleRestart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.reg.Restart)
}

func (s *Service) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := chi.URLParam(r, "lapp")
	if err := op(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	l, err := s.reg.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

type callRequest struct {
	Args []any `json:"args"`
}

func (s *Service) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}

	result, err := s.reg.Call(r.Context(), chi.URLParam(r, "lapp"), chi.URLParam(r, "export"), req.Args)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, callStatus(result), map[string]any{"result": result})
}

// callStatus inspects the module's result value: a structured denial becomes
// 403 so the HTTP status is deterministic for capability failures.
func callStatus(result any) int {
	if obj, ok := result.(map[string]any); ok {
		if msg, ok := obj["err"].(string); ok && msg == deniedResult {
			return http.StatusForbidden
		}
	}
	return http.StatusOK
}

type grantRequest struct {
	Kind  capability.Kind `json:"kind"`
	Scope string          `json:"scope"`
}

func (s *Service) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	grant, err := s.caps.Grant(r.Context(), chi.URLParam(r, "lapp"), req.Kind, req.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Service) handleListGrants(w http.ResponseWriter, r *http.Request) {
	grants := s.caps.List(chi.URLParam(r, "lapp"))
	if grants == nil {
		grants = []capability.Grant{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (s *Service) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.caps.Revoke(r.Context(), chi.URLParam(r, "grant")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("malformed request: %v", err)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, lapp.ErrNotFound), errors.Is(err, lapp.ErrNoSuchExport):
		return http.StatusNotFound
	case errors.Is(err, lapp.ErrCapabilityDenied), errors.Is(err, lapp.ErrPeerUnauthenticated):
		return http.StatusForbidden
	case errors.Is(err, lapp.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, lapp.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, lapp.ErrModuleInvalid), errors.Is(err, lapp.ErrLinkFailure), errors.Is(err, lapp.ErrTypeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
