// Package httpapi is the HTTP surface of the relay: trigger admission, the
// Slack events endpoint, request status, dead-letter inspection, health and
// metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
	"github.com/tanpawarit/agent-relay/relay/gateway"
	"github.com/tanpawarit/agent-relay/relay/queue"
)

type Config struct {
	Addr               string        `envconfig:"ADDR" default:":8080"`
	ReadTimeout        time.Duration `envconfig:"READ_TIMEOUT" split_words:"true" default:"15s"`
	WriteTimeout       time.Duration `envconfig:"WRITE_TIMEOUT" split_words:"true" default:"15s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" split_words:"true" default:"10s"`
	SlackSigningSecret string        `envconfig:"SLACK_SIGNING_SECRET" split_words:"true"`
}

type Admitter interface {
	Admit(ctx context.Context, t gateway.Trigger) (gateway.Ack, error)
}

type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
}

type Server struct {
	cfg         Config
	admitter    Admitter
	ledger      contractx.DeliveryLedger
	deadLetters DeadLetterLister
	push        http.Handler
	slackSeen   *lru.Cache[string, struct{}]
	tracer      contractx.Tracer
	logger      zerolog.Logger
	router      *gin.Engine
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithTracer(t contractx.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithDeadLetters exposes GET /v1/dead-letters.
func WithDeadLetters(l DeadLetterLister) Option {
	return func(s *Server) {
		s.deadLetters = l
	}
}

// WithPushHandler mounts the queue push endpoint at POST /v1/worker/qstash.
func WithPushHandler(h http.Handler) Option {
	return func(s *Server) {
		s.push = h
	}
}

func NewServer(cfg Config, admitter Admitter, ledger contractx.DeliveryLedger, opts ...Option) (*Server, error) {
	if admitter == nil {
		return nil, errors.New("admitter is required")
	}
	if ledger == nil {
		return nil, errors.New("delivery ledger is required")
	}
	seen, err := lru.New[string, struct{}](slackSeenEvents)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		admitter:  admitter,
		ledger:    ledger,
		slackSeen: seen,
		tracer:    contractx.NopTracer{},
		logger:    log.Logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.POST("/triggers", s.handleTrigger)
	v1.POST("/slack/events", s.handleSlackEvent)
	v1.GET("/requests/:tracking_id", s.handleRequestStatus)
	if s.deadLetters != nil {
		v1.GET("/dead-letters", s.handleDeadLetters)
	}
	if s.push != nil {
		v1.POST("/worker/qstash", gin.WrapH(s.push))
	}
	return router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		evt := logger.Debug()
		if status >= http.StatusInternalServerError {
			evt = logger.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", path).
			Int("status_code", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("error", c.Errors.ByType(gin.ErrorTypePrivate).String()).
			Msg("request completed")
	}
}
