// Package coordinator drives the periodic poll cycle for one account:
// obtain a valid token, fetch devices, activity and geofences, derive
// per-device state, and publish a snapshot plus new-message events.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/anio-bridge/internal/dedupe"
	"github.com/noah-isme/anio-bridge/internal/geofence"
	"github.com/noah-isme/anio-bridge/internal/metrics"
	"github.com/noah-isme/anio-bridge/internal/models"
	appErrors "github.com/noah-isme/anio-bridge/pkg/errors"
)

// onlineThreshold is how long a device may stay silent before it is
// reported offline.
const onlineThreshold = 10 * time.Minute

// API is the slice of the cloud client the coordinator consumes.
type API interface {
	GetDevices(ctx context.Context) ([]models.Device, error)
	GetActivity(ctx context.Context, from *time.Time) ([]models.ActivityItem, error)
	GetGeofences(ctx context.Context) ([]models.Geofence, error)
	GetLastLocation(ctx context.Context, deviceID string) (*models.DeviceLocation, error)
}

// TokenSource yields a valid access token, refreshing when needed.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (string, error)
}

// Observer receives the results of each successful cycle. Callbacks are
// invoked synchronously from the poll goroutine: the snapshot first,
// then one OnMessage per new watch message.
type Observer interface {
	OnSnapshot(accountID string, snapshot models.Snapshot)
	OnMessage(event models.MessageEvent)
}

// Config wires a coordinator.
type Config struct {
	AccountID string
	Interval  time.Duration
	API       API
	Tokens    TokenSource
	Dedupe    *dedupe.Deduplicator
	Observer  Observer
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Coordinator runs sequential poll cycles on a timer. Cycles never
// overlap; a tick that fires while a cycle is running is dropped.
type Coordinator struct {
	accountID string
	interval  time.Duration
	api       API
	tokens    TokenSource
	dedupe    *dedupe.Deduplicator
	observer  Observer
	logger    *zap.Logger
	metrics   *metrics.Metrics

	now func() time.Time

	cycleMu sync.Mutex // held for the duration of one cycle

	// lastMessages keeps the newest watch message per device across
	// cycles; touched only while cycleMu is held.
	lastMessages map[string]models.ChatMessage

	mu             sync.RWMutex
	snapshot       *models.Snapshot
	geofences      []models.Geofence
	lastActivityAt *time.Time
	lastErr        error
	authFailed     bool

	refreshCh chan struct{}
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// New builds a coordinator; Run must be called to start polling.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Dedupe == nil {
		cfg.Dedupe = dedupe.New()
	}
	return &Coordinator{
		accountID:    cfg.AccountID,
		interval:     cfg.Interval,
		api:          cfg.API,
		tokens:       cfg.Tokens,
		dedupe:       cfg.Dedupe,
		observer:     cfg.Observer,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          time.Now,
		lastMessages: make(map[string]models.ChatMessage),
		refreshCh:    make(chan struct{}, 1),
	}
}

// Run polls until ctx is cancelled or Stop is called. The first cycle
// starts immediately.
func (c *Coordinator) Run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		c.RunCycle(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunCycle(ctx)
			case <-c.refreshCh:
				c.RunCycle(ctx)
			}
		}
	}()
}

// Stop cancels any in-flight HTTP call and drains the current cycle
// before returning, so a follow-up logout cannot race a refresh.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// RequestRefresh schedules an immediate extra cycle, e.g. after an
// outbound device action. Coalesced if one is already pending.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the last published snapshot, false if none yet.
func (c *Coordinator) Snapshot() (models.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot == nil {
		return models.Snapshot{}, false
	}
	return *c.snapshot, true
}

// LastError returns the failure of the most recent cycle, nil after a
// success.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// AuthFailed reports whether polling halted on ReauthRequired.
func (c *Coordinator) AuthFailed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authFailed
}

// ResetAuth re-arms polling after the collaborator supplied fresh
// credentials.
func (c *Coordinator) ResetAuth() {
	c.mu.Lock()
	c.authFailed = false
	c.mu.Unlock()
	c.RequestRefresh()
}

// RunCycle executes one poll cycle. Ticks that arrive while a cycle is
// in flight are dropped, not queued.
func (c *Coordinator) RunCycle(ctx context.Context) {
	if !c.cycleMu.TryLock() {
		c.logger.Debug("poll cycle still running, skipping tick")
		c.metrics.ObservePollCycle(metrics.CycleSkipped, 0)
		return
	}
	defer c.cycleMu.Unlock()

	c.mu.RLock()
	halted := c.authFailed
	c.mu.RUnlock()
	if halted {
		c.logger.Debug("polling halted until re-authentication")
		c.metrics.ObservePollCycle(metrics.CycleSkipped, 0)
		return
	}

	start := c.now()
	snapshot, events, err := c.poll(ctx)
	elapsed := time.Since(start)

	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		if appErrors.Is(err, appErrors.ErrReauthRequired) {
			c.authFailed = true
		}
		c.mu.Unlock()

		c.metrics.ObservePollCycle(metrics.CycleFailed, elapsed)
		if appErrors.Is(err, appErrors.ErrReauthRequired) {
			c.logger.Error("credentials invalid, polling halted until re-authentication", zap.Error(err))
		} else {
			c.logger.Warn("poll cycle failed, keeping previous snapshot", zap.Error(err))
		}
		return
	}

	// Publish atomically: consumers either see the complete new snapshot
	// with all of its derivations or the previous one.
	c.mu.Lock()
	c.snapshot = snapshot
	c.lastErr = nil
	activityAt := start
	c.lastActivityAt = &activityAt
	c.mu.Unlock()

	c.metrics.ObservePollCycle(metrics.CycleSuccess, elapsed)
	c.metrics.SetDeviceCount(len(snapshot.Devices))

	if c.observer != nil {
		c.observer.OnSnapshot(c.accountID, *snapshot)
		for _, ev := range events {
			c.metrics.ObserveMessageEvent()
			c.observer.OnMessage(ev)
		}
	}

	c.logger.Debug("poll cycle complete",
		zap.Int("devices", len(snapshot.Devices)),
		zap.Int("geofences", len(snapshot.Geofences)),
		zap.Int("new_messages", len(events)),
		zap.Duration("elapsed", elapsed))
}

func (c *Coordinator) poll(ctx context.Context) (*models.Snapshot, []models.MessageEvent, error) {
	if _, err := c.tokens.EnsureValidToken(ctx); err != nil {
		return nil, nil, err
	}

	devices, err := c.api.GetDevices(ctx)
	if err != nil {
		return nil, nil, err
	}

	c.mu.RLock()
	from := c.lastActivityAt
	c.mu.RUnlock()

	activity, err := c.api.GetActivity(ctx, from)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	fences, err := c.api.GetGeofences(ctx)
	if err != nil {
		// Degrade gracefully: device and activity state still update,
		// geofence containment keeps its last known definitions.
		c.logger.Warn("geofence fetch failed, using last known definitions", zap.Error(err))
		warnings = append(warnings, "geofence fetch failed, containment is based on stale definitions")
		c.mu.RLock()
		fences = c.geofences
		c.mu.RUnlock()
	} else {
		c.mu.Lock()
		c.geofences = fences
		c.mu.Unlock()
	}

	snapshot := &models.Snapshot{
		AccountID:   c.accountID,
		Devices:     make(map[string]models.Device, len(devices)),
		States:      make(map[string]models.DeviceState, len(devices)),
		Geofences:   fences,
		Containment: make(map[string]map[string]bool, len(devices)),
		Warnings:    warnings,
		UpdatedAt:   c.now(),
	}

	messagesByDevice := groupMessages(activity, c.logger)

	var events []models.MessageEvent
	for _, device := range devices {
		location, err := c.api.GetLastLocation(ctx, device.ID)
		if err != nil {
			c.logger.Warn("location fetch failed for device",
				zap.String("device_id", device.ID), zap.Error(err))
			snapshot.Warnings = append(snapshot.Warnings, "location unavailable for device "+device.ID)
			location = nil
		}

		state := c.deriveState(device, location)
		if msg := latestWatchMessage(messagesByDevice[device.ID]); msg != nil {
			c.lastMessages[device.ID] = *msg
		}
		if last, ok := c.lastMessages[device.ID]; ok {
			state.LastMessage = &last
		}
		snapshot.Devices[device.ID] = device
		snapshot.States[device.ID] = state
		snapshot.Containment[device.ID] = c.deriveContainment(state, fences)

		for _, msg := range c.dedupe.Classify(device.ID, messagesByDevice[device.ID]) {
			ev := models.MessageEvent{
				DeviceID:  msg.DeviceID,
				MessageID: msg.ID,
				Type:      msg.Type,
				Sender:    msg.Sender,
				Content:   msg.Text,
				Timestamp: msg.CreatedAt,
			}
			if msg.Username != nil {
				ev.Username = *msg.Username
			}
			events = append(events, ev)
		}
	}

	c.resetRemovedDevices(snapshot.Devices)

	return snapshot, events, nil
}

// deriveState computes the per-cycle view of one device.
func (c *Coordinator) deriveState(device models.Device, location *models.DeviceLocation) models.DeviceState {
	state := models.DeviceState{
		DeviceID:       device.ID,
		Name:           device.Settings.Name,
		BatteryPercent: device.Settings.Battery,
		StepCount:      device.Settings.StepCount,
	}

	if location != nil {
		state.BatteryPercent = clamp(location.BatteryLevel, 0, 100)
		state.SignalStrength = location.SignalStrength
		lastSeen := location.LastResponse
		state.LastSeenAt = &lastSeen
		if location.Valid() {
			lat, lon := location.Latitude(), location.Longitude()
			ts := location.Date
			state.Latitude = &lat
			state.Longitude = &lon
			state.LocationTimestamp = &ts
		}
	}

	state.IsOnline = state.LastSeenAt != nil && c.now().Sub(*state.LastSeenAt) <= onlineThreshold
	return state
}

// deriveContainment evaluates every geofence against the device's
// current position. Without a position no fence contains the device.
func (c *Coordinator) deriveContainment(state models.DeviceState, fences []models.Geofence) map[string]bool {
	containment := make(map[string]bool, len(fences))
	for _, fence := range fences {
		inside := false
		if state.Latitude != nil && state.Longitude != nil {
			inside = geofence.Contains(geofence.Point{Latitude: *state.Latitude, Longitude: *state.Longitude}, fence)
		}
		containment[fence.ID] = inside
	}
	return containment
}

// resetRemovedDevices drops dedup cursors for devices that disappeared
// from the account, so a re-added device starts from a fresh cursor.
func (c *Coordinator) resetRemovedDevices(current map[string]models.Device) {
	for deviceID := range c.dedupe.Cursors() {
		if _, ok := current[deviceID]; !ok {
			c.logger.Info("device removed from account, resetting message cursor",
				zap.String("device_id", deviceID))
			c.dedupe.Reset(deviceID)
			delete(c.lastMessages, deviceID)
		}
	}
}

// latestWatchMessage picks the newest watch-originated message of the
// window, or nil when the window holds none.
func latestWatchMessage(msgs []models.ChatMessage) *models.ChatMessage {
	var latest *models.ChatMessage
	for i := range msgs {
		if !msgs[i].FromWatch() {
			continue
		}
		if latest == nil || msgs[i].CreatedAt.After(latest.CreatedAt) {
			latest = &msgs[i]
		}
	}
	return latest
}

// groupMessages pulls chat messages out of MESSAGE activity items and
// buckets them per device.
func groupMessages(activity []models.ActivityItem, logger *zap.Logger) map[string][]models.ChatMessage {
	grouped := make(map[string][]models.ChatMessage)
	for _, item := range activity {
		msg, err := item.Message()
		if err != nil {
			logger.Debug("skipping malformed message activity", zap.String("activity_id", item.ID), zap.Error(err))
			continue
		}
		if msg == nil {
			continue
		}
		if msg.DeviceID == "" {
			msg.DeviceID = item.DeviceID
		}
		grouped[msg.DeviceID] = append(grouped[msg.DeviceID], *msg)
	}
	return grouped
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
