package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/anio-bridge/internal/anio"
	"github.com/noah-isme/anio-bridge/internal/coordinator"
	"github.com/noah-isme/anio-bridge/internal/dedupe"
	"github.com/noah-isme/anio-bridge/internal/metrics"
	"github.com/noah-isme/anio-bridge/internal/models"
	"github.com/noah-isme/anio-bridge/internal/server"
	"github.com/noah-isme/anio-bridge/internal/session"
	"github.com/noah-isme/anio-bridge/pkg/config"
	appErrors "github.com/noah-isme/anio-bridge/pkg/errors"
	"github.com/noah-isme/anio-bridge/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Sugar().Fatalw("bridge failed", "error", err)
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accountID := cfg.Account.Email
	if accountID == "" {
		return errors.New("ANIO_EMAIL is required")
	}

	store, closeStore, err := newSessionStore(cfg, logr)
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()
	dd := dedupe.New()

	resume, appUUID := resumeSession(ctx, cfg, store, accountID, dd, logr)

	gw := anio.NewGateway(anio.GatewayConfig{
		BaseURL:  cfg.Cloud.BaseURL,
		ClientID: cfg.Cloud.ClientID,
		AppUUID:  appUUID,
		Timeout:  cfg.Cloud.RequestTimeout,
		Logger:   logr,
		Metrics:  m,
	})

	auth := anio.NewTokenManager(gw, anio.TokenManagerConfig{
		Email:    cfg.Account.Email,
		Password: cfg.Account.Password,
		Resume:   resume,
		Logger:   logr,
		Metrics:  m,
		OnTokenRefresh: func(pair models.TokenPair) {
			saveSession(store, accountID, appUUID, pair, dd, logr)
		},
	})

	if _, ok := auth.Tokens(); !ok {
		if err := login(ctx, auth, cfg.Account.OtpCode, logr); err != nil {
			return err
		}
	}

	client := anio.NewClient(gw, auth, logr)

	coord := coordinator.New(coordinator.Config{
		AccountID: accountID,
		Interval:  cfg.Cloud.PollInterval,
		API:       client,
		Tokens:    auth,
		Dedupe:    dd,
		Observer:  &loggingObserver{
			logger: logr,
			persist: func() {
				if pair, ok := auth.Tokens(); ok {
					saveSession(store, accountID, appUUID, pair, dd, logr)
				}
			},
		},
		Logger:  logr,
		Metrics: m,
	})

	coord.Run(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.New(cfg, client, coord, m, logr).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("bridge started",
			"addr", srv.Addr,
			"env", cfg.Env,
			"poll_interval", cfg.Cloud.PollInterval,
			"account", accountID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		coord.Stop()
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")

	// Drain the in-flight cycle before anything touches token state.
	coord.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("http shutdown failed", zap.Error(err))
	}

	if pair, ok := auth.Tokens(); ok {
		saveSession(store, accountID, appUUID, pair, dd, logr)
	}

	return nil
}

func newSessionStore(cfg *config.Config, logr *zap.Logger) (session.Store, func(), error) {
	if !cfg.Redis.Enabled {
		return session.NewMemoryStore(), func() {}, nil
	}
	store, err := session.NewRedis(cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("redis session store: %w", err)
	}
	logr.Info("redis session store connected")
	return store, func() {
		if err := store.Close(); err != nil {
			logr.Warn("closing redis failed", zap.Error(err))
		}
	}, nil
}

// resumeSession loads a persisted session, falling back to the token
// pair from the environment, and settles the installation uuid. Stored
// message cursors go straight back into the deduplicator so a restart
// does not replay already-seen watch messages.
func resumeSession(ctx context.Context, cfg *config.Config, store session.Store, accountID string, dd *dedupe.Deduplicator, logr *zap.Logger) (models.TokenPair, string) {
	resume := models.TokenPair{
		AccessToken:  cfg.Session.AccessToken,
		RefreshToken: cfg.Session.RefreshToken,
	}
	appUUID := cfg.Session.AppUUID

	if stored, err := store.Load(ctx, accountID); err == nil {
		logr.Info("resuming persisted session",
			zap.Time("saved_at", stored.SavedAt),
			zap.Int("cursors", len(stored.Cursors)))
		resume = models.TokenPair{AccessToken: stored.AccessToken, RefreshToken: stored.RefreshToken}
		if stored.AppUUID != "" {
			appUUID = stored.AppUUID
		}
		if len(stored.Cursors) > 0 {
			dd.Restore(stored.Cursors)
		}
	} else if !errors.Is(err, session.ErrNotFound) {
		logr.Warn("failed to load persisted session", zap.Error(err))
	}

	if appUUID == "" {
		appUUID = uuid.NewString()
	}
	return resume, appUUID
}

func saveSession(store session.Store, accountID, appUUID string, pair models.TokenPair, dd *dedupe.Deduplicator, logr *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := session.Session{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		AppUUID:      appUUID,
		Cursors:      dd.Cursors(),
		SavedAt:      time.Now().UTC(),
	}
	if err := store.Save(ctx, accountID, s); err != nil {
		logr.Warn("failed to persist session", zap.Error(err))
	}
}

func login(ctx context.Context, auth *anio.TokenManager, otpCode string, logr *zap.Logger) error {
	result, err := auth.Login(ctx, otpCode)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if result.OtpRequired {
		return appErrors.Clone(appErrors.ErrOtpRequired, "account has 2FA enabled: set ANIO_OTP_CODE and restart")
	}
	logr.Info("authenticated with the ANIO cloud")
	return nil
}

// loggingObserver is the default collaborator: it logs message events
// and persists the session after each snapshot so cursors survive a
// restart.
type loggingObserver struct {
	logger  *zap.Logger
	persist func()
}

func (o *loggingObserver) OnSnapshot(accountID string, snapshot models.Snapshot) {
	o.logger.Debug("snapshot published",
		zap.String("account", accountID),
		zap.Int("devices", len(snapshot.Devices)))
	if o.persist != nil {
		o.persist()
	}
}

func (o *loggingObserver) OnMessage(event models.MessageEvent) {
	o.logger.Info("new watch message",
		zap.String("device_id", event.DeviceID),
		zap.String("message_id", event.MessageID),
		zap.String("type", event.Type))
}
