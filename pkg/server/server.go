// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/finitoshi/chibi/pkg/gateway"
	"github.com/finitoshi/chibi/pkg/metrics"
	"github.com/finitoshi/chibi/pkg/telegram"
)

// Gateway handles decoded updates and image requests.
type Gateway interface {
	HandleUpdate(ctx context.Context, u telegram.Update) gateway.Result
	GenerateImage(ctx context.Context, chatID, prompt string) (gateway.GeneratedImage, error)
}

// Options configures a Server.
type Options struct {
	Listen        string
	WebhookSecret string
	RatePerSecond float64
	RateBurst     int
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Server is the chibi HTTP front end.
type Server struct {
	listen  string
	secret  string
	gateway Gateway
	limiter *chatLimiter
	logger  *zap.Logger
	metrics *metrics.Metrics
	router  chi.Router
}

// New creates a Server and registers its routes.
func New(opts Options, g Gateway) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		listen:  opts.Listen,
		secret:  opts.WebhookSecret,
		gateway: g,
		limiter: newChatLimiter(opts.RatePerSecond, opts.RateBurst),
		logger:  logger,
		metrics: opts.Metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Post("/generate_image", s.handleGenerateImage)
	r.Post("/webhook/{token}", s.handleWebhook)
	// Webhooks registered as https://host/<token>.
	r.Post("/{token}", s.handleWebhook)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("chibi listening", zap.String("addr", s.listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", routePattern(r)),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// routePattern avoids logging the webhook token.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
