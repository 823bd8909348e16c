package anio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/anio-bridge/internal/models"
	appErrors "github.com/noah-isme/anio-bridge/pkg/errors"
)

// validEmojiCodes are the emoji identifiers accepted by watches (E01-E12).
var validEmojiCodes = func() map[string]struct{} {
	codes := make(map[string]struct{}, 12)
	for i := 1; i <= 12; i++ {
		codes[fmt.Sprintf("E%02d", i)] = struct{}{}
	}
	return codes
}()

// Client exposes typed ANIO cloud endpoints. Every call obtains a valid
// access token first; a 401 on the call itself triggers one forced
// refresh and one retry before the auth error propagates.
type Client struct {
	gw       *Gateway
	auth     *TokenManager
	validate *validator.Validate
	logger   *zap.Logger
}

// NewClient wires a client from the gateway and token manager.
func NewClient(gw *Gateway, auth *TokenManager, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{gw: gw, auth: auth, validate: validator.New(), logger: logger}
}

func (c *Client) request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	token, err := c.auth.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := c.gw.Request(ctx, method, path, body, token)
	if err == nil || !appErrors.Is(err, appErrors.ErrAuth) {
		return raw, err
	}

	// The access token was rejected before its parsed expiry. Refresh
	// once and retry exactly once.
	c.logger.Debug("access token rejected, refreshing once", zap.String("path", path))
	token, err = c.auth.ForceRefresh(ctx)
	if err != nil {
		return nil, err
	}
	return c.gw.Request(ctx, method, path, body, token)
}

// GetDevices fetches the account's device list.
func (c *Client) GetDevices(ctx context.Context) ([]models.Device, error) {
	raw, err := c.request(ctx, http.MethodGet, "/v1/device/list", nil)
	if err != nil {
		return nil, err
	}
	var devices []models.Device
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrServer.Code, appErrors.ErrServer.Status, "malformed device list")
	}
	return devices, nil
}

// GetActivity fetches the chronological activity feed, optionally
// bounded to items after from.
func (c *Client) GetActivity(ctx context.Context, from *time.Time) ([]models.ActivityItem, error) {
	path := "/v1/activity"
	if from != nil {
		path += "?from=" + url.QueryEscape(from.UTC().Format(time.RFC3339))
	}
	raw, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	// Tolerate individual malformed feed entries instead of dropping the
	// whole window.
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrServer.Code, appErrors.ErrServer.Status, "malformed activity feed")
	}
	result := make([]models.ActivityItem, 0, len(items))
	for _, entry := range items {
		var item models.ActivityItem
		if err := json.Unmarshal(entry, &item); err != nil {
			c.logger.Debug("skipping malformed activity item", zap.Error(err))
			continue
		}
		result = append(result, item)
	}
	return result, nil
}

// GetGeofences fetches geofence definitions. A 404 means the account has
// none. Entries with out-of-range coordinates are dropped with a log.
func (c *Client) GetGeofences(ctx context.Context) ([]models.Geofence, error) {
	raw, err := c.request(ctx, http.MethodGet, "/v1/geofence", nil)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrDeviceNotFound) {
			return []models.Geofence{}, nil
		}
		return nil, err
	}
	var fences []models.Geofence
	if err := json.Unmarshal(raw, &fences); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrServer.Code, appErrors.ErrServer.Status, "malformed geofence list")
	}
	valid := fences[:0]
	for _, fence := range fences {
		if err := c.validate.Struct(fence); err != nil {
			c.logger.Warn("dropping invalid geofence", zap.String("geofence_id", fence.ID), zap.Error(err))
			continue
		}
		valid = append(valid, fence)
	}
	return valid, nil
}

// GetLastLocation fetches the latest known location of a device, nil
// when the cloud has none yet.
func (c *Client) GetLastLocation(ctx context.Context, deviceID string) (*models.DeviceLocation, error) {
	raw, err := c.request(ctx, http.MethodGet, "/v1/location/"+url.PathEscape(deviceID)+"/last", nil)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrDeviceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var loc models.DeviceLocation
	if err := json.Unmarshal(raw, &loc); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrServer.Code, appErrors.ErrServer.Status, "malformed location entry")
	}
	return &loc, nil
}

// SendTextMessage sends a text chat message. Length is validated against
// the device's limit before any HTTP call is made.
func (c *Client) SendTextMessage(ctx context.Context, deviceID, text, username string, maxLength int) (*models.ChatMessage, error) {
	if maxLength <= 0 {
		maxLength = 95
	}
	if len([]rune(text)) > maxLength {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("message too long: %d characters (max %d)", len([]rune(text)), maxLength))
	}
	return c.sendMessage(ctx, "/v1/chat/message/text", deviceID, text, username)
}

// SendEmojiMessage sends an emoji message identified by its code.
func (c *Client) SendEmojiMessage(ctx context.Context, deviceID, emojiCode, username string) (*models.ChatMessage, error) {
	if _, ok := validEmojiCodes[emojiCode]; !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("invalid emoji code %q, valid codes are E01-E12", emojiCode))
	}
	return c.sendMessage(ctx, "/v1/chat/message/emoji", deviceID, emojiCode, username)
}

func (c *Client) sendMessage(ctx context.Context, path, deviceID, text, username string) (*models.ChatMessage, error) {
	req := models.SendMessageRequest{DeviceID: deviceID, Text: text, Username: username}
	if err := c.validate.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid message payload")
	}

	raw, err := c.request(ctx, http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}
	var msg models.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrServer.Code, appErrors.ErrServer.Status, "malformed message response")
	}
	return &msg, nil
}

// FindDevice asks the watch to report its current location.
func (c *Client) FindDevice(ctx context.Context, deviceID string) error {
	_, err := c.request(ctx, http.MethodPost, "/v1/device/"+url.PathEscape(deviceID)+"/find", nil)
	if err == nil {
		c.logger.Debug("location request sent", zap.String("device_id", deviceID))
	}
	return err
}

// PowerOffDevice powers the watch off remotely.
func (c *Client) PowerOffDevice(ctx context.Context, deviceID string) error {
	_, err := c.request(ctx, http.MethodPost, "/v1/device/"+url.PathEscape(deviceID)+"/poweroff", nil)
	if err == nil {
		c.logger.Info("power off command sent", zap.String("device_id", deviceID))
	}
	return err
}
