package main

import (
	"net/http"

	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/amoylab/replay/internal/common/errorx"
	"github.com/amoylab/replay/pkg/logger"
	"github.com/amoylab/replay/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// newRouter builds the agent's http surface with health and, when m is not
// nil, the metrics endpoint. Callers mount their own routes on top.
func newRouter(lg *zap.Logger, m *metrics.Metrics) *gin.Engine {
	errs := errorx.NewErrorHandler(lg)

	r := gin.New()
	r.Use(errs.RecoveryMiddleware())
	r.Use(otelgin.Middleware(cnst.AgentCommandName))
	if m != nil {
		r.Use(m.Middleware())
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}
	r.Use(logger.GinMiddleware(lg))
	r.Use(errs.ErrorMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}
