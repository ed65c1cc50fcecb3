// Package ingest is the reference server side of the replay upload
// protocol: it presigns segment uploads, stores the segments and records
// finalized sessions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/internal/common/config"
	"github.com/amoylab/replay/internal/common/errorx"
	"github.com/amoylab/replay/internal/ingest/blob"
	"github.com/amoylab/replay/internal/ingest/database"
	"github.com/amoylab/replay/internal/ingest/handler"
	"github.com/amoylab/replay/internal/ingest/token"
	"github.com/amoylab/replay/pkg/logger"
	"github.com/amoylab/replay/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Server owns the ingest http server and its storage
type Server struct {
	logger  *zap.Logger
	cfg     *config.IngestConfig
	db      database.Database
	nonces  token.NonceStore
	metrics *metrics.Metrics
	router  *gin.Engine
	server  *http.Server
}

// NewServer opens the database, blob root and token store described by cfg
// and builds the router. m may be nil when metrics are disabled.
func NewServer(logger *zap.Logger, cfg *config.IngestConfig, m *metrics.Metrics) (*Server, error) {
	logger = logger.Named("ingest")

	signer, err := token.NewSigner(cfg.Tokens.SecretKey, cfg.Tokens.TTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create token signer: %w", err)
	}
	db, err := database.NewDatabase(logger, &cfg.Database)
	if err != nil {
		return nil, err
	}
	blobs, err := blob.NewDisk(logger, cfg.Blob.Path)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	nonces, err := token.NewNonceStore(logger, &cfg.Tokens)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Server{
		logger:  logger,
		cfg:     cfg,
		db:      db,
		nonces:  nonces,
		metrics: m,
	}
	s.router = s.routes(handler.NewReplay(logger, db, blobs, signer, nonces, m, handler.Options{
		PublicURL:       cfg.PublicURL,
		Sites:           cfg.Sites,
		MaxSegmentBytes: cfg.MaxSegmentBytes,
	}))
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.router,
	}
	return s, nil
}

func (s *Server) routes(h *handler.Replay) *gin.Engine {
	errs := errorx.NewErrorHandler(s.logger)

	r := gin.New()
	r.Use(errs.RecoveryMiddleware())
	r.Use(otelgin.Middleware(cnst.IngestCommandName))
	if s.metrics != nil {
		r.Use(s.metrics.Middleware())
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	r.Use(logger.GinMiddleware(s.logger))
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(s.corsMiddleware(s.cfg.AllowedOrigins))
	}
	r.Use(errs.ErrorMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST(cnst.PathPresign, h.HandlePresign)
	r.PUT(cnst.PathSegment+":token", h.HandleSegment)
	r.POST(cnst.PathFinalize, h.HandleFinalize)

	api := r.Group("/replay/sessions")
	api.GET("", h.HandleListSessions)
	api.GET("/:id", h.HandleGetSession)
	api.GET("/:id/segments/:seq", h.HandleGetSegment)
	return r
}

// Handler returns the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("ingest server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the http server and releases storage
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if closeErr := s.nonces.Close(); closeErr != nil {
		s.logger.Warn("failed to close token store", zap.Error(closeErr))
	}
	if closeErr := s.db.Close(); closeErr != nil {
		s.logger.Warn("failed to close database", zap.Error(closeErr))
	}
	return err
}
