// Package server exposes the generation handler over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dmorgan81/pixelminer/internal/comfy"
	"github.com/dmorgan81/pixelminer/internal/config"
	"github.com/dmorgan81/pixelminer/internal/handler"
	"github.com/dmorgan81/pixelminer/internal/httpx"
	"github.com/dmorgan81/pixelminer/internal/image"
	"github.com/dmorgan81/pixelminer/internal/log"
	"github.com/dmorgan81/pixelminer/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/do"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	handler  *handler.Handler
	registry *prometheus.Registry
	address  string
	timeout  time.Duration
}

func NewServer(i *do.Injector) (*Server, error) {
	settings := do.MustInvoke[config.Settings](i)
	return &Server{
		handler:  do.MustInvoke[*handler.Handler](i),
		registry: do.MustInvoke[*prometheus.Registry](i),
		address:  settings.Server.Address,
		timeout:  settings.Server.Timeout,
	}, nil
}

// Routes builds the engine. Request loggers derive from ctx.
func (s *Server) Routes(ctx context.Context) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(ctx))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := engine.Group("/v1")
	v1.POST("/text-to-image", s.generate(s.handler.TextToImage))
	v1.POST("/image-to-image", s.generate(s.handler.ImageToImage))
	return engine
}

func (s *Server) generate(fn func(context.Context, handler.Input) (handler.Output, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input handler.Input
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body: " + err.Error()})
			return
		}

		ctx := c.Request.Context()
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}

		out, err := fn(ctx, input)
		if err != nil {
			_ = c.Error(err)
			c.JSON(Status(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// StatusClientClosedRequest reports a request whose caller went away or that
// was cut short by shutdown.
const StatusClientClosedRequest = 499

// Status maps a generation error to the HTTP status reported to the caller.
func Status(err error) int {
	var (
		reqErr        *handler.RequestError
		cfgErr        *config.ConfigurationError
		timeoutErr    *comfy.TimeoutError
		submissionErr *comfy.SubmissionError
		executionErr  *comfy.ExecutionError
		remoteErr     *image.RemoteInferenceError
		stagingErr    *store.StagingError
		transportErr  *httpx.TransportError
		statusErr     *httpx.StatusError
	)
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.As(err, &cfgErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &submissionErr), errors.As(err, &executionErr), errors.As(err, &remoteErr),
		errors.As(err, &stagingErr), errors.As(err, &transportErr), errors.As(err, &statusErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(ctx context.Context) gin.HandlerFunc {
	base := log.FromContextOrDiscard(ctx).WithGroup("Server")
	return func(c *gin.Context) {
		start := time.Now()
		logger := base.With("method", c.Request.Method, "path", c.FullPath())
		c.Request = c.Request.WithContext(log.NewContext(c.Request.Context(), logger))
		c.Next()
		logger.Info("served request",
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
			"errors", c.Errors.ByType(gin.ErrorTypePrivate).String())
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.Routes(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.FromContextOrDiscard(ctx).Info("listening", "address", s.address)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
