// Package server exposes the bridge's local HTTP surface: health and
// readiness checks, Prometheus metrics, the current snapshot, and the
// outbound device actions.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/anio-bridge/internal/metrics"
	"github.com/noah-isme/anio-bridge/internal/models"
	"github.com/noah-isme/anio-bridge/pkg/config"
	appErrors "github.com/noah-isme/anio-bridge/pkg/errors"
	"github.com/noah-isme/anio-bridge/pkg/logger"
	corsmiddleware "github.com/noah-isme/anio-bridge/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/anio-bridge/pkg/middleware/requestid"
	"github.com/noah-isme/anio-bridge/pkg/response"
)

// cloudClient is the slice of the ANIO client the handlers consume.
type cloudClient interface {
	SendTextMessage(ctx context.Context, deviceID, text, username string, maxLength int) (*models.ChatMessage, error)
	SendEmojiMessage(ctx context.Context, deviceID, emojiCode, username string) (*models.ChatMessage, error)
	FindDevice(ctx context.Context, deviceID string) error
	PowerOffDevice(ctx context.Context, deviceID string) error
}

// snapshotSource is the slice of the coordinator the handlers consume.
type snapshotSource interface {
	Snapshot() (models.Snapshot, bool)
	LastError() error
	AuthFailed() bool
	RequestRefresh()
}

// Server holds the router and its collaborators.
type Server struct {
	engine   *gin.Engine
	client   cloudClient
	coord    snapshotSource
	username string
	logger   *zap.Logger
}

// New assembles the router with the bridge middleware chain.
func New(cfg *config.Config, client cloudClient, coord snapshotSource, m *metrics.Metrics, l *zap.Logger) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(l))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	s := &Server{engine: r, client: client, coord: coord, username: cfg.Account.Username, logger: l}

	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	r.GET("/metrics", gin.WrapH(m.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/snapshot", s.snapshot)
	v1.GET("/devices", s.devices)
	v1.POST("/devices/:id/message", s.sendMessage)
	v1.POST("/devices/:id/find", s.findDevice)
	v1.POST("/devices/:id/poweroff", s.powerOff)

	return s
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ready reports 200 only once the first poll cycle has published a
// snapshot; a halted account reports 503 with the reason.
func (s *Server) ready(c *gin.Context) {
	if s.coord.AuthFailed() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "auth_failed"})
		return
	}
	if _, ok := s.coord.Snapshot(); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "waiting_for_first_poll"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) snapshot(c *gin.Context) {
	snap, ok := s.coord.Snapshot()
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "no snapshot published yet"))
		return
	}
	meta := map[string]interface{}{"stale": false}
	if err := s.coord.LastError(); err != nil {
		meta["stale"] = true
		meta["last_error"] = appErrors.FromError(err).Message
	}
	response.JSON(c, http.StatusOK, snap, meta)
}

func (s *Server) devices(c *gin.Context) {
	snap, ok := s.coord.Snapshot()
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "no snapshot published yet"))
		return
	}
	devices := make([]models.Device, 0, len(snap.Devices))
	for _, d := range snap.Devices {
		devices = append(devices, d)
	}
	response.JSON(c, http.StatusOK, devices)
}

type sendMessageRequest struct {
	Type     string `json:"type"`
	Text     string `json:"text" binding:"required"`
	Username string `json:"username"`
}

func (s *Server) sendMessage(c *gin.Context) {
	deviceID := c.Param("id")

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid message payload"))
		return
	}

	username := req.Username
	if username == "" {
		username = s.username
	}

	device, ok := s.lookupDevice(deviceID)
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrDeviceNotFound, "unknown device "+deviceID))
		return
	}

	ctx := c.Request.Context()
	deadline, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var msg *models.ChatMessage
	var err error
	switch req.Type {
	case "emoji":
		msg, err = s.client.SendEmojiMessage(deadline, deviceID, req.Text, username)
	case "", "text":
		msg, err = s.client.SendTextMessage(deadline, deviceID, req.Text, username, device.MaxMessageLength())
	default:
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "message type must be text or emoji"))
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}

	s.coord.RequestRefresh()
	response.Created(c, msg)
}

func (s *Server) findDevice(c *gin.Context) {
	deviceID := c.Param("id")
	if _, ok := s.lookupDevice(deviceID); !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrDeviceNotFound, "unknown device "+deviceID))
		return
	}
	if err := s.client.FindDevice(c.Request.Context(), deviceID); err != nil {
		response.Error(c, err)
		return
	}
	s.coord.RequestRefresh()
	response.NoContent(c)
}

func (s *Server) powerOff(c *gin.Context) {
	deviceID := c.Param("id")
	if _, ok := s.lookupDevice(deviceID); !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrDeviceNotFound, "unknown device "+deviceID))
		return
	}
	if err := s.client.PowerOffDevice(c.Request.Context(), deviceID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func (s *Server) lookupDevice(deviceID string) (models.Device, bool) {
	snap, ok := s.coord.Snapshot()
	if !ok {
		return models.Device{}, false
	}
	device, ok := snap.Devices[deviceID]
	return device, ok
}
