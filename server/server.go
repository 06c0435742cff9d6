// Package server exposes the analysis service as a small JSON API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aluiziolira/go-profile-insights/models"
	"github.com/aluiziolira/go-profile-insights/pipeline"
	"github.com/aluiziolira/go-profile-insights/progress"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Analyzer is the part of pipeline.Service the handlers use.
type Analyzer interface {
	StartAnalysis(ctx context.Context, identity string) (*pipeline.Run, error)
	Progress(identity string) models.ProgressState
	Result(ctx context.Context, identity string) (*models.AnalysisResult, bool, error)
	Release(identity string)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type StartResponse struct {
	RunID    string               `json:"run_id"`
	Identity string               `json:"identity"`
	Cached   bool                 `json:"cached"`
	Progress models.ProgressState `json:"progress"`
}

type Handler struct {
	Analyzer Analyzer
}

func NewHandler(a Analyzer) *Handler {
	return &Handler{Analyzer: a}
}

// NewRouter wires the API routes. reg may be nil, in which case /metrics
// is not mounted.
func NewRouter(h *Handler, reg *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", h.HandleHealth)
	if reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	api.POST("/analyze/:identity", h.HandleStartAnalysis)
	api.GET("/progress/:identity", h.HandleProgress)
	api.GET("/results/:identity", h.HandleResult)
	return r
}

func (h *Handler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) HandleStartAnalysis(c *gin.Context) {
	identity := c.Param("identity")
	run, err := h.Analyzer.StartAnalysis(c.Request.Context(), identity)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}

	status := http.StatusAccepted
	if run.Cached {
		status = http.StatusOK
	}
	c.JSON(status, StartResponse{
		RunID:    run.ID,
		Identity: run.Identity,
		Cached:   run.Cached,
		Progress: h.Analyzer.Progress(run.Identity),
	})
}

func (h *Handler) HandleProgress(c *gin.Context) {
	c.JSON(http.StatusOK, h.Analyzer.Progress(c.Param("identity")))
}

// HandleResult serves a stored result and releases the identity's progress
// entry, since the terminal state has now been consumed. A failed run has no
// result; its terminal state is consumed by the 404.
func (h *Handler) HandleResult(c *gin.Context) {
	identity := c.Param("identity")
	result, ok, err := h.Analyzer.Result(c.Request.Context(), identity)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}
	if !ok {
		failed := h.Analyzer.Progress(identity).State == progress.Failed.State
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no analysis result for " + identity})
		if failed {
			h.Analyzer.Release(identity)
		}
		return
	}

	c.JSON(http.StatusOK, result)
	h.Analyzer.Release(identity)
}

func statusFor(err error) int {
	if errors.Is(err, pipeline.ErrEmptyIdentity) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}
