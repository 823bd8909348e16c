// Package session persists the minimal state needed to resume an
// account session across restarts: the token pair, the installation
// uuid, and the per-device message cursors. Nothing else is stored.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/anio-bridge/internal/dedupe"
	"github.com/noah-isme/anio-bridge/pkg/config"
)

// Session is the persisted account state.
type Session struct {
	AccessToken  string                   `json:"accessToken"`
	RefreshToken string                   `json:"refreshToken"`
	AppUUID      string                   `json:"appUuid"`
	Cursors      map[string]dedupe.Cursor `json:"cursors,omitempty"`
	SavedAt      time.Time                `json:"savedAt"`
}

// ErrNotFound is returned when no session has been persisted yet.
var ErrNotFound = errors.New("session: not found")

// Store saves and restores an account session.
type Store interface {
	Save(ctx context.Context, accountID string, s Session) error
	Load(ctx context.Context, accountID string) (*Session, error)
	Delete(ctx context.Context, accountID string) error
}

// MemoryStore keeps sessions in process memory; used when Redis is not
// configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Save(_ context.Context, accountID string, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[accountID] = s
	return nil
}

func (m *MemoryStore) Load(_ context.Context, accountID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Delete(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, accountID)
	return nil
}

// RedisStore persists sessions in Redis so a restart on another host can
// resume without re-authenticating.
type RedisStore struct {
	client *redis.Client
}

// NewRedis connects a Redis-backed store.
func NewRedis(cfg config.RedisConfig) (*RedisStore, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func sessionKey(accountID string) string {
	return "anio:session:" + accountID
}

func (r *RedisStore) Save(ctx context.Context, accountID string, s Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, sessionKey(accountID), payload, 0).Err()
}

func (r *RedisStore) Load(ctx context.Context, accountID string) (*Session, error) {
	payload, err := r.client.Get(ctx, sessionKey(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisStore) Delete(ctx context.Context, accountID string) error {
	return r.client.Del(ctx, sessionKey(accountID)).Err()
}

// Close releases the underlying Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
