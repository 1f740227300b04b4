package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campusmesh/go-campus-alerts/internal/alert"
	"github.com/campusmesh/go-campus-alerts/internal/apperr"
	"github.com/campusmesh/go-campus-alerts/internal/broadcast"
	"github.com/campusmesh/go-campus-alerts/internal/gateway"
	"github.com/campusmesh/go-campus-alerts/internal/keyvault"
	"github.com/campusmesh/go-campus-alerts/internal/meshsync"
	"github.com/campusmesh/go-campus-alerts/internal/models"
	"github.com/campusmesh/go-campus-alerts/internal/repository"
)

type Handler struct {
	pipeline    *alert.Pipeline
	vault       *keyvault.Vault
	engine      *meshsync.Engine
	registry    *gateway.Registry
	alerts      repository.AlertRepository
	messages    repository.MessageRepository
	hub         *broadcast.Hub
	sendTimeout time.Duration
}

func NewHandler(
	pipeline *alert.Pipeline,
	vault *keyvault.Vault,
	engine *meshsync.Engine,
	registry *gateway.Registry,
	alerts repository.AlertRepository,
	messages repository.MessageRepository,
	hub *broadcast.Hub,
	sendTimeout time.Duration,
) *Handler {
	return &Handler{
		pipeline:    pipeline,
		vault:       vault,
		engine:      engine,
		registry:    registry,
		alerts:      alerts,
		messages:    messages,
		hub:         hub,
		sendTimeout: sendTimeout,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine, auth *TokenAuth) {
	r.GET("/health", h.health)

	authed := r.Group("/", auth.Middleware())
	authed.GET("/ws", h.serveWS)

	api := authed.Group("/api")
	api.POST("/alerts/trigger", h.triggerAlert)
	api.GET("/alerts", h.listAlerts)
	api.GET("/mesh/key", h.getActiveKey)
	api.POST("/mesh/key/rotate", h.rotateKey)
	api.POST("/mesh/sync", h.syncMessages)
	api.GET("/mesh/messages", h.listMessages)
	api.POST("/gateways", h.registerGateway)
	api.POST("/gateways/:id/stats", h.recordGatewayStats)
	api.GET("/gateways", h.listGateways)
	api.GET("/gateways/:id", h.getGateway)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) triggerAlert(c *gin.Context) {
	claims := claimsFrom(c)

	var in alert.TriggerInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if in.Source == "" {
		in.Source = models.AlertSource(claims.Role)
	}
	if in.TriggeredBy == "" {
		in.TriggeredBy = claims.Subject
	}

	result, err := h.pipeline.Trigger(c.Request.Context(), claims.InstitutionID, in)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, result)
}

func (h *Handler) listAlerts(c *gin.Context) {
	claims := claimsFrom(c)

	f := repository.AlertFilter{}
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			f.Since = &t
		}
	}
	if s := c.Query("until"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			f.Until = &t
		}
	}
	if s := c.Query("severity"); s != "" {
		sev := models.AlertSeverity(s)
		if sev.Valid() {
			f.Severity = &sev
		}
	}
	f.Limit = queryInt(c, "limit", 50)
	f.Offset = queryInt(c, "offset", 0)

	alerts, err := h.alerts.ListAlerts(c.Request.Context(), claims.InstitutionID, f)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, alerts)
}

func (h *Handler) getActiveKey(c *gin.Context) {
	claims := claimsFrom(c)

	key, err := h.vault.GetActiveKey(c.Request.Context(), claims.InstitutionID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, key)
}

func (h *Handler) rotateKey(c *gin.Context) {
	claims := claimsFrom(c)

	result, err := h.vault.Rotate(c.Request.Context(), claims.InstitutionID, claims.Role)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, result)
}

type syncRequest struct {
	Messages []meshsync.IncomingMessage `json:"messages"`
}

func (h *Handler) syncMessages(c *gin.Context) {
	claims := claimsFrom(c)

	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	report, err := h.engine.Sync(c.Request.Context(), claims.InstitutionID, claims.Subject, req.Messages)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, report)
}

func (h *Handler) listMessages(c *gin.Context) {
	claims := claimsFrom(c)

	f := repository.MessageFilter{}
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			f.Since = &t
		}
	}
	if s := c.Query("until"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			f.Until = &t
		}
	}
	if s := c.Query("sender"); s != "" {
		f.SenderID = &s
	}
	f.Limit = queryInt(c, "limit", 100)
	f.Offset = queryInt(c, "offset", 0)

	msgs, err := h.messages.ListMessages(c.Request.Context(), claims.InstitutionID, f)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, msgs)
}

func (h *Handler) registerGateway(c *gin.Context) {
	claims := claimsFrom(c)

	var desc gateway.Descriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	gw, err := h.registry.Register(c.Request.Context(), claims.InstitutionID, desc)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, gw)
}

func (h *Handler) recordGatewayStats(c *gin.Context) {
	claims := claimsFrom(c)

	var delta models.GatewayStats
	if err := c.ShouldBindJSON(&delta); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	gw, err := h.registry.RecordStats(c.Request.Context(), claims.InstitutionID, c.Param("id"), delta)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gw)
}

func (h *Handler) listGateways(c *gin.Context) {
	claims := claimsFrom(c)

	gateways, err := h.registry.List(c.Request.Context(), claims.InstitutionID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gateways)
}

func (h *Handler) getGateway(c *gin.Context) {
	claims := claimsFrom(c)

	gw, err := h.registry.GetByID(c.Request.Context(), claims.InstitutionID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if gw == nil {
		respondError(c, apperr.NotFound("gateway %q not found", c.Param("id")))
		return
	}
	respondOK(c, http.StatusOK, gw)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}
