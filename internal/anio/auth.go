package anio

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/noah-isme/anio-bridge/internal/metrics"
	"github.com/noah-isme/anio-bridge/internal/models"
	appErrors "github.com/noah-isme/anio-bridge/pkg/errors"
)

// tokenRefreshBuffer is how long before expiry a token is already
// treated as invalid, so a refresh lands before the cloud rejects it.
const tokenRefreshBuffer = 5 * time.Minute

// TokenRefreshFunc is notified after every successful login or refresh
// so the collaborator can persist the rotated pair.
type TokenRefreshFunc func(pair models.TokenPair)

// TokenManagerConfig configures the token manager.
type TokenManagerConfig struct {
	Email    string
	Password string
	// Resume restores a previously persisted session; zero value starts
	// unauthenticated.
	Resume         models.TokenPair
	OnTokenRefresh TokenRefreshFunc
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// TokenManager owns the account's token pair: it logs in, refreshes the
// access token before expiry, and clears state on logout. The mutex
// serialises refreshes; concurrent EnsureValidToken callers block until
// an in-flight refresh completes and then reuse its result.
type TokenManager struct {
	gw       *Gateway
	email    string
	password string

	onTokenRefresh TokenRefreshFunc
	logger         *zap.Logger
	metrics        *metrics.Metrics

	mu     sync.Mutex
	tokens *models.TokenPair

	now func() time.Time
}

// NewTokenManager builds a token manager on top of the gateway.
func NewTokenManager(gw *Gateway, cfg TokenManagerConfig) *TokenManager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	tm := &TokenManager{
		gw:             gw,
		email:          cfg.Email,
		password:       cfg.Password,
		onTokenRefresh: cfg.OnTokenRefresh,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		now:            time.Now,
	}
	if cfg.Resume.AccessToken != "" && cfg.Resume.RefreshToken != "" {
		pair := cfg.Resume
		if pair.AccessExpiresAt.IsZero() {
			pair.AccessExpiresAt = parseJWTExpiry(pair.AccessToken)
		}
		tm.tokens = &pair
	}
	return tm
}

// Login authenticates with the stored credentials. When the account has
// 2FA enabled the first call returns OtpRequired and a second call must
// carry the code.
func (tm *TokenManager) Login(ctx context.Context, otpCode string) (models.LoginResult, error) {
	if tm.email == "" || tm.password == "" {
		return models.LoginResult{}, appErrors.Clone(appErrors.ErrAuth, "email and password are required for login")
	}

	req := models.LoginRequest{Email: tm.email, Password: tm.password, OtpCode: otpCode}
	raw, err := tm.gw.Request(ctx, http.MethodPost, "/v1/auth/login", req, "")
	if err != nil {
		// The auth endpoint rejects malformed credentials with 400; for
		// the caller both shapes mean the login failed.
		if appErrors.Is(err, appErrors.ErrAuth) || appErrors.Is(err, appErrors.ErrValidation) {
			return models.LoginResult{}, appErrors.Clone(appErrors.ErrAuth, "invalid email or password")
		}
		return models.LoginResult{}, err
	}

	var resp models.LoginResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.LoginResult{}, appErrors.Wrap(err, appErrors.ErrServer.Code, appErrors.ErrServer.Status, "malformed login response")
	}

	if resp.IsOtpRequired && otpCode == "" {
		return models.LoginResult{OtpRequired: true}, nil
	}

	pair := models.TokenPair{
		AccessToken:     resp.AccessToken,
		RefreshToken:    resp.RefreshToken,
		AccessExpiresAt: parseJWTExpiry(resp.AccessToken),
	}

	tm.mu.Lock()
	tm.tokens = &pair
	tm.mu.Unlock()

	tm.logger.Debug("login successful", zap.Time("access_expires_at", pair.AccessExpiresAt))
	tm.notify(pair)

	return models.LoginResult{Tokens: &pair}, nil
}

// EnsureValidToken returns an access token that is good for at least the
// refresh buffer, refreshing first when needed. A failed refresh is
// terminal: the caller must surface ReauthRequired and stop retrying.
func (tm *TokenManager) EnsureValidToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.tokens != nil && tm.tokenValidLocked() {
		return tm.tokens.AccessToken, nil
	}

	return tm.refreshLocked(ctx)
}

// ForceRefresh discards the current access token and refreshes, used
// after the cloud rejects a request with 401 mid-cycle.
func (tm *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.refreshLocked(ctx)
}

// Tokens returns a copy of the current pair, false when logged out.
func (tm *TokenManager) Tokens() (models.TokenPair, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.tokens == nil {
		return models.TokenPair{}, false
	}
	return *tm.tokens, true
}

// Logout invalidates the session remotely on a best-effort basis and
// always clears the local token state.
func (tm *TokenManager) Logout(ctx context.Context) {
	tm.mu.Lock()
	tokens := tm.tokens
	tm.tokens = nil
	tm.mu.Unlock()

	if tokens == nil {
		return
	}

	if _, err := tm.gw.Request(ctx, http.MethodPost, "/v1/auth/logout", nil, tokens.AccessToken); err != nil {
		tm.logger.Warn("remote logout failed", zap.Error(err))
	}
}

// tokenValidLocked reports whether the access token outlives the refresh
// buffer. Callers must hold tm.mu.
func (tm *TokenManager) tokenValidLocked() bool {
	if tm.tokens == nil || tm.tokens.AccessToken == "" || tm.tokens.AccessExpiresAt.IsZero() {
		return false
	}
	return tm.now().Before(tm.tokens.AccessExpiresAt.Add(-tokenRefreshBuffer))
}

// refreshLocked exchanges the refresh token for a new access token.
// Callers must hold tm.mu, which is what guarantees a single refresh in
// flight.
func (tm *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	if tm.tokens == nil || tm.tokens.RefreshToken == "" {
		return "", appErrors.Clone(appErrors.ErrReauthRequired, "no refresh token available")
	}

	raw, err := tm.gw.Request(ctx, http.MethodPost, "/v1/auth/refresh-access-token", nil, tm.tokens.RefreshToken)
	if err != nil {
		tm.metrics.ObserveTokenRefresh(false)
		if appErrors.Is(err, appErrors.ErrAuth) {
			tm.tokens = nil
			return "", appErrors.Wrap(err, appErrors.ErrReauthRequired.Code, appErrors.ErrReauthRequired.Status, "refresh token expired")
		}
		return "", err
	}

	var resp models.RefreshResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		tm.metrics.ObserveTokenRefresh(false)
		return "", appErrors.Wrap(err, appErrors.ErrServer.Code, appErrors.ErrServer.Status, "malformed refresh response")
	}

	pair := models.TokenPair{
		AccessToken:     resp.AccessToken,
		RefreshToken:    tm.tokens.RefreshToken,
		AccessExpiresAt: parseJWTExpiry(resp.AccessToken),
	}
	if resp.RefreshToken != "" {
		pair.RefreshToken = resp.RefreshToken
	}
	tm.tokens = &pair

	tm.metrics.ObserveTokenRefresh(true)
	tm.logger.Debug("access token refreshed", zap.Time("access_expires_at", pair.AccessExpiresAt))
	tm.notify(pair)

	return pair.AccessToken, nil
}

func (tm *TokenManager) notify(pair models.TokenPair) {
	if tm.onTokenRefresh != nil {
		tm.onTokenRefresh(pair)
	}
}

// parseJWTExpiry extracts the exp claim without verifying the signature;
// the token's integrity is guaranteed by the issuing server over TLS.
// Returns the zero time when the token cannot be parsed, which makes the
// token immediately due for refresh.
func parseJWTExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
