package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
	"github.com/JakeFAU/fetchproxy/internal/metrics"
	"github.com/JakeFAU/fetchproxy/internal/middleware"
	"github.com/JakeFAU/fetchproxy/internal/telemetry"
)

const maxRequestBytes = 64 << 10

// Service is the worker behavior exposed over RPC.
type Service interface {
	ID() string
	Fetch(ctx context.Context, url string) (fetchproxy.FetchResult, error)
	HealthCheck(ctx context.Context) fetchproxy.HealthReport
	ClearCache(ctx context.Context) (fetchproxy.ClearResult, error)
	Stats(ctx context.Context) fetchproxy.WorkerStats
}

// Server exposes a Service on a chi router.
type Server struct {
	router   chi.Router
	svc      Service
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:      svc,
		validate: validator.New(),
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(telemetry.Middleware("rpc.server"))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post(PathFetch, s.fetch)
	r.Get(PathHealth, s.health)
	r.Post(PathClear, s.clear)
	r.Get(PathStats, s.stats)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "worker_id": s.svc.ID()})
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Code: CodeInvalidRequest, Message: "invalid JSON"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Code: CodeInvalidRequest, Message: err.Error()})
		return
	}

	res, err := s.svc.Fetch(r.Context(), req.URL)
	if err != nil {
		s.writeFetchError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, replyFromResult(res))
}

func (s *Server) writeFetchError(w http.ResponseWriter, err error) {
	if errors.Is(err, fetchproxy.ErrInvalidURL) {
		writeError(w, http.StatusBadRequest, ErrorBody{Code: CodeInvalidRequest, Message: err.Error()})
		return
	}
	var upstream *fetchproxy.UpstreamError
	if errors.As(err, &upstream) {
		writeError(w, http.StatusBadGateway, ErrorBody{
			Code:           CodeUpstreamFetchFailed,
			Message:        upstream.Error(),
			UpstreamStatus: upstream.StatusCode,
		})
		return
	}
	s.logger.Error("fetch failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: err.Error()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, s.svc.HealthCheck(r.Context()))
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ClearCache(r.Context())
	if err != nil {
		s.logger.Error("clear cache failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: err.Error()})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, s.svc.Stats(r.Context()))
}

func writeError(w http.ResponseWriter, status int, body ErrorBody) {
	middleware.WriteJSON(w, status, ErrorReply{Error: body})
}
