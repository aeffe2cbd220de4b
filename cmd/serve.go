package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opengs/formdecode"
	"github.com/opengs/formdecode/config"
	"github.com/opengs/formdecode/metrics"
	"github.com/opengs/formdecode/scanner"
	"github.com/opengs/formdecode/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"
)

var serveCMD = &cobra.Command{
	Use:   "serve",
	Short: "Start REST API server",
	Long:  "Start REST API server decoding posted form bodies",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host, _ = cmd.Flags().GetString("host")
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}

		reg := prometheus.NewRegistry()
		srv, err := newServer(cfg, metrics.New(reg), logger)
		if err != nil {
			return err
		}

		httpServer := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           srv.router(reg),
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		serveErr := make(chan error, 1)
		go func() {
			logger.Info("listening", "addr", httpServer.Addr)
			serveErr <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-serveErr:
			return errors.Join(errors.New("failed to run HTTP server engine"), err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return errors.Join(errors.New("failed to shut down HTTP server"), err)
		}
		return nil
	},
}

func init() {
	serveCMD.Flags().String("host", "", "Host server will be listening on. Overrides server.host")
	serveCMD.Flags().Int("port", 0, "Port server will be listening on. Overrides server.port")
}

type server struct {
	decoder   *formdecode.Decoder
	metrics   *metrics.Metrics
	limiter   *semaphore.Weighted
	chunkSize int
	logger    *slog.Logger
}

func newServer(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*server, error) {
	decoderConfig, err := cfg.Decoder.Build()
	if err != nil {
		return nil, err
	}
	chunkSize, err := cfg.Decoder.ChunkBytes()
	if err != nil {
		return nil, err
	}

	decoder, err := formdecode.New(decoderConfig,
		formdecode.WithLogger(logger),
		formdecode.WithPartListener(m.ObservePart),
		formdecode.WithViolationListener(func(v scanner.Violation) {
			logger.Warn("multipart compliance violation", "kind", v.Kind.String(), "detail", v.Detail)
			m.ObserveViolation(v)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &server{
		decoder:   decoder,
		metrics:   m,
		limiter:   semaphore.NewWeighted(int64(cfg.Server.MaxConcurrent)),
		chunkSize: chunkSize,
		logger:    logger,
	}, nil
}

func (s *server) router(reg prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), s.logRequests)

	engine.POST("/decode", s.decode)
	engine.GET("/metrics", gin.WrapH(metrics.Handler(reg)))
	engine.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return engine
}

func (s *server) logRequests(ctx *gin.Context) {
	started := time.Now()
	ctx.Next()
	s.logger.Debug("request served",
		"method", ctx.Request.Method,
		"path", ctx.Request.URL.Path,
		"status", ctx.Writer.Status(),
		"duration", time.Since(started),
	)
}

func (s *server) decode(ctx *gin.Context) {
	if err := s.limiter.Acquire(ctx.Request.Context(), 1); err != nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is busy"})
		return
	}
	defer s.limiter.Release(1)

	contentType := ctx.GetHeader("Content-Type")
	done := s.metrics.Start(mediaTypeLabel(contentType))

	src := source.NewReader(ctx.Request.Body, s.chunkSize)
	result, err := s.decoder.Decode(ctx.Request.Context(), contentType, src)
	done(err)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("failed to decode body", "error", err)
		}
		ctx.JSON(status, gin.H{"error": err.Error()})
		return
	}

	body, err := summarize(result)
	if closeErr := result.Close(); closeErr != nil {
		s.logger.Warn("failed to release decoded body", "error", closeErr)
	}
	if err != nil {
		s.logger.Error("failed to read decoded body", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, body)
}

// mediaTypeLabel keeps the metric label set bounded.
func mediaTypeLabel(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	switch {
	case err != nil:
		return "invalid"
	case mediaType == formdecode.MediaTypeMultipart, mediaType == formdecode.MediaTypeURLEncoded:
		return mediaType
	}
	return "other"
}

func statusFor(err error) int {
	switch {
	case formdecode.IsLimit(err):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, formdecode.ErrUnsupportedContentType):
		return http.StatusUnsupportedMediaType
	case formdecode.IsProtocol(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
