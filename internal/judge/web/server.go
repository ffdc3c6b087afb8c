// Package web is the thin HTTP surface over the submission service. A
// front-facing API gateway owns auth and ownership checks; this server
// only exposes the pipeline.
package web

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"gavel/internal/judge/model"
	"gavel/internal/judge/repository"
	"gavel/internal/judge/service"
	appErr "gavel/pkg/errors"
	"gavel/pkg/response"
)

// Config holds web server settings.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"`
}

func DefaultConfig() Config {
	return Config{Host: "0.0.0.0", Port: 8080, Mode: gin.ReleaseMode}
}

// Handler wires the submission service to routes.
type Handler struct {
	svc *service.Submissions
}

func NewHandler(svc *service.Submissions) *Handler {
	return &Handler{svc: svc}
}

// NewRouter builds the gin engine with middleware and routes installed.
func NewRouter(h *Handler, cfg Config) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	router := gin.New()
	router.Use(Trace(), RequestLogger(), Recovery())

	router.GET("/healthz", h.Health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/submissions", h.Submit)
		v1.GET("/submissions/:id", h.Get)
		v1.GET("/submissions", h.List)
		v1.GET("/languages", h.Languages)
	}
	return router
}

func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

func (h *Handler) Submit(c *gin.Context) {
	var req model.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErr.BadRequest("invalid request body"))
		return
	}
	sub, err := h.svc.Submit(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, sub)
}

func (h *Handler) Get(c *gin.Context) {
	sub, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, sub)
}

func (h *Handler) List(c *gin.Context) {
	q := repository.ListQuery{Cursor: c.Query("cursor")}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			response.Error(c, appErr.ValidationError("limit", "must be a positive integer"))
			return
		}
		q.Limit = limit
	}
	if raw := c.Query("user_id"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.Error(c, appErr.ValidationError("user_id", "must be an integer"))
			return
		}
		q.UserID = &userID
	}
	if raw := c.Query("problem_id"); raw != "" {
		problemID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			response.Error(c, appErr.ValidationError("problem_id", "must be an integer"))
			return
		}
		q.ProblemID = &problemID
	}
	if raw := c.Query("status"); raw != "" {
		status := model.Status(raw)
		switch status {
		case model.StatusPending, model.StatusRunning, model.StatusDone, model.StatusFailed:
			q.Status = &status
		default:
			response.Error(c, appErr.ValidationError("status", "unknown status"))
			return
		}
	}

	subs, next, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"items": subs, "next_cursor": next})
}

func (h *Handler) Languages(c *gin.Context) {
	response.Success(c, gin.H{"languages": h.svc.Languages()})
}
