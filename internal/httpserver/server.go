// Package httpserver wires the facilitator's HTTP transport: the chi
// router, its ordered middleware chain, and the handlers for
// /verify, /settle, /supported, /health, the admin bridge-job surface,
// and /metrics.
package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/paybridge/facilitator/internal/bridgestore"
	"github.com/paybridge/facilitator/internal/bridgeworker"
	"github.com/paybridge/facilitator/internal/config"
	"github.com/paybridge/facilitator/internal/facilitator"
	"github.com/paybridge/facilitator/internal/metrics"
	"github.com/paybridge/facilitator/internal/middleware/logging"
	"github.com/paybridge/facilitator/internal/middleware/ratelimit"
	"github.com/paybridge/facilitator/internal/middleware/realip"
	"github.com/paybridge/facilitator/internal/x402"
)

// Server hosts the facilitator's HTTP surface.
type Server struct {
	cfg    *config.Config
	fac    *facilitator.Facilitator
	worker *bridgeworker.Worker
	store  bridgestore.Store
	logger *slog.Logger
	router *chi.Mux
}

// New builds a Server and registers its middleware and routes. worker
// and store may be nil when bridging is disabled; the admin bridge-job
// routes answer 404 in that case.
func New(cfg *config.Config, fac *facilitator.Facilitator, worker *bridgeworker.Worker, store bridgestore.Store, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		fac:    fac,
		worker: worker,
		store:  store,
		logger: logger,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the assembled HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(realip.Middleware(realip.Config{
		TrustProxy:     s.cfg.Proxy.TrustProxy,
		TrustedProxies: s.cfg.Proxy.TrustedProxies,
	}))
	s.router.Use(filterMiddleware(s.cfg.Security.FilterEnabled))
	s.router.Use(maxBodySizeMiddleware(s.cfg.Security.MaxBodySizeMB))
	s.router.Use(ratelimit.Middleware(ratelimit.Config{
		Enabled:        s.cfg.RateLimit.Enabled,
		RequestsPerMin: s.cfg.RateLimit.RequestsPerMin,
		BurstSize:      s.cfg.RateLimit.BurstSize,
		CleanupMinutes: s.cfg.RateLimit.CleanupMinutes,
	}))
	s.router.Use(middleware.RequestID)
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
	s.router.Use(corsMiddleware)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleHealth)

	s.router.Post("/verify", s.handleVerify)
	s.router.Post("/settle", s.handleSettle)
	s.router.Get("/supported", s.handleSupported)

	if s.cfg.Admin.Enabled && s.worker != nil && s.store != nil {
		s.router.Route("/admin/bridge-jobs", func(r chi.Router) {
			r.Use(s.requireAdminAuth)
			r.Get("/", s.handleListBridgeJobs)
			r.Get("/{id}", s.handleGetBridgeJob)
			r.Post("/{id}/cancel", s.handleCancelBridgeJob)
		})
	}

	s.router.Get("/metrics", metrics.Handler().ServeHTTP)
}

func (s *Server) requireAdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth.Type != "api-key" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				key = auth[7:]
			}
		}
		if key == "" || key != s.cfg.Auth.APIKey {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "a valid admin API key is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, x402.HealthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Facilitator: "paybridge-facilitator",
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	body, err := decodeRequestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	fields := logging.FromContext(r.Context())
	fields.Set("scheme", body.PaymentRequirements.Scheme)
	fields.Set("network", body.PaymentRequirements.Network)

	resp, err := s.fac.Verify(r.Context(), body)
	if err != nil {
		s.logger.Error("verify failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "verification failed")
		return
	}

	fields.Set("payer", resp.Payer)
	fields.Set("verify_result", verifyResult(resp))
	metrics.RecordVerify(body.PaymentRequirements.Scheme, body.PaymentRequirements.Network, verifyResult(resp))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	body, err := decodeRequestBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	fields := logging.FromContext(r.Context())
	fields.Set("scheme", body.PaymentRequirements.Scheme)
	fields.Set("network", body.PaymentRequirements.Network)

	resp, err := s.fac.Settle(r.Context(), body)
	if err != nil {
		s.logger.Error("settle failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "settlement failed")
		return
	}

	fields.Set("payer", resp.Payer)
	fields.Set("transaction", resp.Transaction)
	fields.Set("settle_result", settleResult(resp))
	metrics.RecordSettle(body.PaymentRequirements.Scheme, body.PaymentRequirements.Network, settleResult(resp))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fac.Supported())
}

func (s *Server) handleListBridgeJobs(w http.ResponseWriter, r *http.Request) {
	status := bridgestore.Status(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := s.store.List(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("list bridge jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list bridge jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetBridgeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, bridgestore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "bridge job not found")
			return
		}
		s.logger.Error("get bridge job failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to fetch bridge job")
		return
	}
	logging.FromContext(r.Context()).Set("bridge_idempotency_key", job.IdempotencyKey)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelBridgeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.worker.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, bridgestore.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "bridge job not found")
		case errors.Is(err, bridgeworker.ErrPendingOnly):
			writeError(w, http.StatusConflict, "INVALID_STATE", "only a pending bridge job may be cancelled")
		default:
			s.logger.Error("cancel bridge job failed", "error", err)
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to cancel bridge job")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeRequestBody(r *http.Request) (*x402.VerifyRequestBody, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	var body x402.VerifyRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, errors.New("invalid JSON")
	}
	return &body, nil
}

func verifyResult(resp *x402.VerifyResponse) string {
	if resp.IsValid {
		return "valid"
	}
	return "invalid"
}

func settleResult(resp *x402.SettleResponse) string {
	if resp.Success {
		return "success"
	}
	return "failed"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
