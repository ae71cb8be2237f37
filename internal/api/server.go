package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchproxy/internal/dispatcher"
	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
	"github.com/JakeFAU/fetchproxy/internal/metrics"
	"github.com/JakeFAU/fetchproxy/internal/middleware"
	"github.com/JakeFAU/fetchproxy/internal/telemetry"
)

// Response headers set on proxied replies.
const (
	HeaderProxy        = "X-Proxy"
	HeaderWorker       = "X-Worker"
	HeaderCache        = "X-Cache"
	HeaderResponseTime = "X-Response-Time"
	HeaderProxyError   = "X-Proxy-Error"
)

const (
	defaultProxyName      = "fetchproxy"
	defaultRequestTimeout = 60 * time.Second
	noWorker              = "none"
)

// Dispatcher is the proxy behavior the HTTP layer depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, url string) (dispatcher.Result, error)
	Workers() []fetchproxy.WorkerHandle
	ClearCache(ctx context.Context) (string, fetchproxy.ClearResult, error)
	Stats(ctx context.Context) []dispatcher.WorkerStatsReport
}

// Config controls the client-facing server.
type Config struct {
	// ProxyName is reported in the X-Proxy header.
	ProxyName string
	// RequestTimeout bounds one proxied request across all attempts.
	RequestTimeout time.Duration
}

// Server routes forward-proxy requests to the dispatcher and everything else
// to the admin router.
type Server struct {
	admin      chi.Router
	handler    http.Handler
	dispatcher Dispatcher
	recorder   fetchproxy.AccessRecorder
	ids        fetchproxy.IDGenerator
	clock      fetchproxy.Clock
	cfg        Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	d Dispatcher,
	recorder fetchproxy.AccessRecorder,
	ids fetchproxy.IDGenerator,
	clock fetchproxy.Clock,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.ProxyName == "" {
		cfg.ProxyName = defaultProxyName
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: d,
		recorder:   recorder,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/workers", s.workers)
	r.Get("/fetch", s.fetchQuery)
	r.Route("/admin", func(r chi.Router) {
		r.Post("/cache/clear", s.clearCache)
		r.Get("/stats", s.stats)
	})
	s.admin = r

	var h http.Handler = http.HandlerFunc(s.route)
	h = middleware.Recover(logger)(h)
	h = middleware.Logging(logger)(h)
	h = telemetry.Middleware("proxy")(h)
	h = middleware.RequestID(h)
	s.handler = h
	return s
}

// Handler returns the root handler for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		w.Header().Set(HeaderProxy, s.cfg.ProxyName)
		http.Error(w, "CONNECT tunneling is not supported", http.StatusNotImplemented)
	case r.URL.IsAbs():
		s.proxy(w, r, r.URL.String())
	default:
		s.admin.ServeHTTP(w, r)
	}
}

func (s *Server) fetchQuery(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, r.URL.Query().Get("url"))
}

// proxy serves one client request and records exactly one access record.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, rawTarget string) {
	start := time.Now()
	if rawTarget == "" {
		rawTarget = r.RequestURI
	}
	rec := fetchproxy.AccessRecord{
		Timestamp: s.clock.Now(),
		ClientIP:  clientIP(r),
		Method:    r.Method,
		URL:       rawTarget,
		Domain:    fetchproxy.Domain(rawTarget),
		WorkerID:  noWorker,
	}
	defer func() {
		rec.LatencyMillis = float64(time.Since(start).Microseconds()) / 1000
		s.record(r.Context(), rec)
	}()

	w.Header().Set(HeaderProxy, s.cfg.ProxyName)

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		rec.StatusCode = http.StatusMethodNotAllowed
		rec.Error = "method not allowed"
		middleware.WriteJSON(w, rec.StatusCode, map[string]string{"error": rec.Error})
		return
	}
	target, err := fetchproxy.NormalizeTargetURL(rawTarget)
	if err != nil {
		rec.StatusCode = http.StatusBadRequest
		rec.Error = err.Error()
		middleware.WriteJSON(w, rec.StatusCode, map[string]string{"error": rec.Error})
		return
	}
	rec.URL = target
	rec.Domain = fetchproxy.Domain(target)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	res, err := s.dispatcher.Dispatch(ctx, target)
	rec.Attempts = res.Attempts
	if res.WorkerID != "" {
		rec.WorkerID = res.WorkerID
	}
	if err != nil {
		rec.StatusCode, rec.Error = s.writeDispatchError(ctx, w, res, err)
		metrics.ObserveProxyRequest("error", noWorker)
		return
	}

	rec.StatusCode = res.Payload.StatusCode
	rec.CacheOutcome = res.Outcome
	metrics.ObserveProxyRequest("ok", res.Outcome.String())

	h := w.Header()
	for key, values := range fetchproxy.StripHopByHop(res.Payload.Headers) {
		if key == "Content-Length" {
			continue
		}
		h[key] = append([]string(nil), values...)
	}
	h.Set(HeaderProxy, s.cfg.ProxyName)
	h.Set(HeaderWorker, res.WorkerID)
	h.Set(HeaderCache, res.Outcome.String())
	h.Set(HeaderResponseTime, formatMillis(time.Since(start)))
	h.Set("Content-Length", strconv.Itoa(len(res.Payload.Body)))
	w.WriteHeader(res.Payload.StatusCode)
	if _, err := w.Write(res.Payload.Body); err != nil {
		s.logger.Debug("client write failed", zap.String("url", target), zap.Error(err))
	}
}

// writeDispatchError maps a dispatch failure onto a client status. Only the
// request deadline yields 504; attempts that each timed out still exhaust
// the pool and report 502.
func (s *Server) writeDispatchError(
	ctx context.Context,
	w http.ResponseWriter,
	res dispatcher.Result,
	err error,
) (int, string) {
	status := http.StatusBadGateway
	code := "upstream-failed"
	switch {
	case errors.Is(err, fetchproxy.ErrInvalidURL):
		status = http.StatusBadRequest
		code = "invalid-url"
	case errors.Is(err, fetchproxy.ErrNoAvailableWorker) && res.Attempts == 0:
		code = "no-available-worker"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		code = "timeout"
	}
	s.logger.Warn("proxy request failed",
		zap.String("code", code),
		zap.Int("attempts", res.Attempts),
		zap.Error(err),
	)
	w.Header().Set(HeaderProxyError, code)
	if res.WorkerID != "" {
		w.Header().Set(HeaderWorker, res.WorkerID)
	}
	middleware.WriteJSON(w, status, map[string]string{"error": err.Error(), "code": code})
	return status, err.Error()
}

func (s *Server) record(ctx context.Context, rec fetchproxy.AccessRecord) {
	if s.recorder == nil {
		return
	}
	rec.ID = middleware.RequestIDFrom(ctx)
	if s.ids != nil {
		if id, err := s.ids.NewID(); err == nil {
			rec.ID = id
		}
	}
	s.recorder.Record(rec)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	healthy := 0
	workers := s.dispatcher.Workers()
	for _, h := range workers {
		if h.Healthy {
			healthy++
		}
	}
	status := http.StatusOK
	state := "ok"
	if healthy == 0 {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	middleware.WriteJSON(w, status, map[string]any{
		"status":          state,
		"healthy_workers": healthy,
		"total_workers":   len(workers),
	})
}

func (s *Server) workers(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"workers": s.dispatcher.Workers()})
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	id, res, err := s.dispatcher.ClearCache(r.Context())
	if err != nil {
		s.logger.Warn("cache clear failed", zap.Error(err))
		middleware.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"worker_id": id,
		"cleared":   res.Cleared,
		"removed":   res.Removed,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]any{"workers": s.dispatcher.Stats(r.Context())})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
}
