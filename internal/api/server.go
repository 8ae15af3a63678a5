// Package api — HTTP-интерфейс управления интеркомом: здоровье, статус,
// открытие реле, снимок камеры и метрики Prometheus.
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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/EgorLis/fibaro-intercom/internal/app"
	"github.com/EgorLis/fibaro-intercom/internal/camera"
	ilog "github.com/EgorLis/fibaro-intercom/internal/log"
)

const (
	DefaultHold     = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Runtime — то, чем управляет API (реализует app.App).
type Runtime interface {
	Status() app.Status
	OpenRelay(ctx context.Context, relay int, hold time.Duration) (bool, error)
	Snapshot(ctx context.Context) (*camera.Image, error)
}

type Config struct {
	Listen string
	// RelayRate — лимит POST /relays/{relay}/open в минуту на IP.
	RelayRate int
	Gatherer  prometheus.Gatherer
	Logger    *zerolog.Logger
}

type Server struct {
	rt     Runtime
	cfg    Config
	logger zerolog.Logger
	router chi.Router
}

func New(rt Runtime, cfg Config) *Server {
	if cfg.RelayRate <= 0 {
		cfg.RelayRate = 10
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := ilog.WithComponent("api")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	s := &Server{rt: rt, cfg: cfg, logger: logger}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.With(s.relayLimit()).Post("/relays/{relay}/open", s.handleOpenRelay)
	r.Get("/camera/snapshot", s.handleSnapshot)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	})
	return r
}

// ListenAndServe обслуживает запросы до отмены ctx.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str(ilog.FieldAddr, s.cfg.Listen).Msg("http api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http api shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("http api stopped")
	return nil
}

func (s *Server) relayLimit() func(http.Handler) http.Handler {
	window := time.Minute
	return httprate.Limit(
		s.cfg.RelayRate,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorBody{
				Error:  "rate_limit_exceeded",
				Detail: "too many relay requests, try again later",
			})
		}),
	)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("http_method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur(ilog.FieldElapsed, time.Since(start)).
			Msg("http request")
	})
}
