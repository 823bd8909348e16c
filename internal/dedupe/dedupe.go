// Package dedupe converts the raw activity feed into the set of new
// watch-originated messages, exactly once per message id per device.
package dedupe

import (
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/anio-bridge/internal/models"
)

// Cursor is the per-device watermark. Server timestamps may collide, so
// alongside the newest creation time it keeps the message ids seen at
// exactly that instant; together they order the feed by creation, not
// wall clock.
type Cursor struct {
	LastCreatedAt time.Time `json:"lastCreatedAt"`
	SeenIDs       []string  `json:"seenIds"`
}

func (c Cursor) seen(msg models.ChatMessage) bool {
	if msg.CreatedAt.Before(c.LastCreatedAt) {
		return true
	}
	if !msg.CreatedAt.Equal(c.LastCreatedAt) {
		return false
	}
	for _, id := range c.SeenIDs {
		if id == msg.ID {
			return true
		}
	}
	return false
}

// Deduplicator tracks one cursor per device. It is mutated only inside
// the poll cycle; the mutex exists so session persistence can snapshot
// cursors concurrently.
type Deduplicator struct {
	mu      sync.Mutex
	cursors map[string]Cursor
}

// New returns an empty deduplicator.
func New() *Deduplicator {
	return &Deduplicator{cursors: make(map[string]Cursor)}
}

// Classify filters messages for the device down to watch-originated ones
// not yet seen, returned in ascending creation order. The cursor
// advances over every message in the window, watch-originated or not, so
// a downstream processing failure cannot cause a replay storm.
func (d *Deduplicator) Classify(deviceID string, messages []models.ChatMessage) []models.ChatMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	ordered := make([]models.ChatMessage, len(messages))
	copy(ordered, messages)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	cursor := d.cursors[deviceID]
	var fresh []models.ChatMessage

	for _, msg := range ordered {
		if msg.DeviceID != deviceID || cursor.seen(msg) {
			continue
		}
		if msg.FromWatch() {
			fresh = append(fresh, msg)
		}
		cursor = advance(cursor, msg)
	}

	d.cursors[deviceID] = cursor
	return fresh
}

// Reset drops the cursor for a device, used when a device is removed
// from the account. A re-added device starts from scratch.
func (d *Deduplicator) Reset(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cursors, deviceID)
}

// Cursors returns a copy of all cursors for persistence.
func (d *Deduplicator) Cursors() map[string]Cursor {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Cursor, len(d.cursors))
	for id, c := range d.cursors {
		ids := make([]string, len(c.SeenIDs))
		copy(ids, c.SeenIDs)
		out[id] = Cursor{LastCreatedAt: c.LastCreatedAt, SeenIDs: ids}
	}
	return out
}

// Restore replaces all cursors, used on session resumption.
func (d *Deduplicator) Restore(cursors map[string]Cursor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursors = make(map[string]Cursor, len(cursors))
	for id, c := range cursors {
		d.cursors[id] = c
	}
}

func advance(c Cursor, msg models.ChatMessage) Cursor {
	if msg.CreatedAt.After(c.LastCreatedAt) {
		return Cursor{LastCreatedAt: msg.CreatedAt, SeenIDs: []string{msg.ID}}
	}
	if msg.CreatedAt.Equal(c.LastCreatedAt) {
		c.SeenIDs = append(c.SeenIDs, msg.ID)
	}
	return c
}
