package anio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/anio-bridge/internal/models"
	appErrors "github.com/noah-isme/anio-bridge/pkg/errors"
)

// makeJWT builds an unsigned token with the given expiry; only the exp
// claim is ever read.
func makeJWT(exp time.Time) string {
	encode := func(v any) string {
		b, _ := json.Marshal(v)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	header := encode(map[string]string{"alg": "none", "typ": "JWT"})
	claims := encode(map[string]int64{"exp": exp.Unix()})
	return header + "." + claims + ".sig"
}

func newTestTokenManager(t *testing.T, handler http.Handler, cfg TokenManagerConfig) (*TokenManager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw := NewGateway(GatewayConfig{BaseURL: srv.URL, ClientID: "anio", AppUUID: "uuid-1"})
	if cfg.Email == "" {
		cfg.Email = "parent@example.com"
	}
	if cfg.Password == "" {
		cfg.Password = "secret"
	}
	return NewTokenManager(gw, cfg), srv
}

func TestParseJWTExpiry(t *testing.T) {
	exp := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, exp, parseJWTExpiry(makeJWT(exp)).UTC())

	assert.True(t, parseJWTExpiry("not-a-token").IsZero())
	assert.True(t, parseJWTExpiry("").IsZero())
}

func TestLoginSuccess(t *testing.T) {
	exp := time.Now().Add(time.Hour)

	var gotBody map[string]string
	tm, _ := newTestTokenManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/auth/login", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"accessToken":  makeJWT(exp),
			"refreshToken": "refresh-1",
		})
	}), TokenManagerConfig{})

	result, err := tm.Login(context.Background(), "")
	require.NoError(t, err)
	require.False(t, result.OtpRequired)
	require.NotNil(t, result.Tokens)

	assert.Equal(t, "parent@example.com", gotBody["email"])
	assert.Equal(t, "secret", gotBody["password"])

	pair, ok := tm.Tokens()
	require.True(t, ok)
	assert.Equal(t, "refresh-1", pair.RefreshToken)
	assert.WithinDuration(t, exp, pair.AccessExpiresAt, time.Second)
}

func TestLoginOtpRequired(t *testing.T) {
	var otpSent []string
	tm, _ := newTestTokenManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		otpSent = append(otpSent, body["otpCode"])
		if body["otpCode"] == "" {
			json.NewEncoder(w).Encode(map[string]any{"isOtpCodeRequired": true}) //nolint:errcheck
			return
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"accessToken":  makeJWT(time.Now().Add(time.Hour)),
			"refreshToken": "refresh-1",
		})
	}), TokenManagerConfig{})

	result, err := tm.Login(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, result.OtpRequired)
	_, ok := tm.Tokens()
	assert.False(t, ok)

	result, err = tm.Login(context.Background(), "123456")
	require.NoError(t, err)
	assert.False(t, result.OtpRequired)
	assert.Equal(t, []string{"", "123456"}, otpSent)

	_, ok = tm.Tokens()
	assert.True(t, ok)
}

func TestLoginRejectedCredentials(t *testing.T) {
	tm, _ := newTestTokenManager(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}), TokenManagerConfig{})

	_, err := tm.Login(context.Background(), "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrAuth))
}

func TestLoginMalformedRequestIsAuthError(t *testing.T) {
	tm, _ := newTestTokenManager(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"email must be an email","error":"Bad Request","statusCode":400}`)) //nolint:errcheck
	}), TokenManagerConfig{})

	_, err := tm.Login(context.Background(), "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrAuth))
	assert.False(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestLoginWithoutCredentials(t *testing.T) {
	gw := NewGateway(GatewayConfig{BaseURL: "http://unused"})
	tm := NewTokenManager(gw, TokenManagerConfig{})

	_, err := tm.Login(context.Background(), "")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrAuth))
}

func TestEnsureValidTokenRefreshBuffer(t *testing.T) {
	var refreshes atomic.Int32
	exp := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	tm, _ := newTestTokenManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/auth/refresh-access-token", r.URL.Path)
		refreshes.Add(1)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"accessToken": makeJWT(exp.Add(time.Hour)),
		})
	}), TokenManagerConfig{
		Resume: models.TokenPair{AccessToken: makeJWT(exp), RefreshToken: "refresh-1"},
	})

	// Six minutes before expiry the token is still outside the buffer.
	tm.now = func() time.Time { return exp.Add(-6 * time.Minute) }
	token, err := tm.EnsureValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, makeJWT(exp), token)
	assert.Zero(t, refreshes.Load())

	// Four minutes before expiry it is inside the buffer and refreshed.
	tm.now = func() time.Time { return exp.Add(-4 * time.Minute) }
	token, err = tm.EnsureValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, makeJWT(exp.Add(time.Hour)), token)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestEnsureValidTokenSingleFlight(t *testing.T) {
	var refreshes atomic.Int32
	tm, _ := newTestTokenManager(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		refreshes.Add(1)
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"accessToken": makeJWT(time.Now().Add(time.Hour)),
		})
	}), TokenManagerConfig{
		Resume: models.TokenPair{AccessToken: makeJWT(time.Now().Add(time.Minute)), RefreshToken: "refresh-1"},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tm.EnsureValidToken(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// The first caller refreshes; the rest block on the mutex and then
	// see a fresh token.
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	var sentToken string
	tm, _ := newTestTokenManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sentToken = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"accessToken":  makeJWT(time.Now().Add(time.Hour)),
			"refreshToken": "refresh-2",
		})
	}), TokenManagerConfig{
		Resume: models.TokenPair{AccessToken: makeJWT(time.Now().Add(time.Minute)), RefreshToken: "refresh-1"},
	})

	_, err := tm.ForceRefresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer refresh-1", sentToken)
	pair, ok := tm.Tokens()
	require.True(t, ok)
	assert.Equal(t, "refresh-2", pair.RefreshToken)
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	tm, _ := newTestTokenManager(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"accessToken": makeJWT(time.Now().Add(time.Hour)),
		})
	}), TokenManagerConfig{
		Resume: models.TokenPair{AccessToken: makeJWT(time.Now().Add(time.Minute)), RefreshToken: "refresh-1"},
	})

	_, err := tm.ForceRefresh(context.Background())
	require.NoError(t, err)

	pair, _ := tm.Tokens()
	assert.Equal(t, "refresh-1", pair.RefreshToken)
}

func TestRefreshFailureIsTerminal(t *testing.T) {
	tm, _ := newTestTokenManager(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}), TokenManagerConfig{
		Resume: models.TokenPair{AccessToken: makeJWT(time.Now().Add(time.Minute)), RefreshToken: "expired"},
	})

	_, err := tm.ForceRefresh(context.Background())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrReauthRequired))

	// The dead pair is gone; without a refresh token there is nothing to
	// refresh with.
	_, ok := tm.Tokens()
	assert.False(t, ok)

	_, err = tm.EnsureValidToken(context.Background())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrReauthRequired))
}

func TestRefreshWithoutSession(t *testing.T) {
	gw := NewGateway(GatewayConfig{BaseURL: "http://unused"})
	tm := NewTokenManager(gw, TokenManagerConfig{Email: "e", Password: "p"})

	_, err := tm.EnsureValidToken(context.Background())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrReauthRequired))
}

func TestOnTokenRefreshCallback(t *testing.T) {
	var notified []models.TokenPair
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/login":
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"accessToken":  makeJWT(time.Now().Add(time.Minute)),
				"refreshToken": "refresh-1",
			})
		case "/v1/auth/refresh-access-token":
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"accessToken": makeJWT(time.Now().Add(time.Hour)),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	tm, _ := newTestTokenManager(t, handler, TokenManagerConfig{
		OnTokenRefresh: func(pair models.TokenPair) { notified = append(notified, pair) },
	})

	_, err := tm.Login(context.Background(), "")
	require.NoError(t, err)
	_, err = tm.ForceRefresh(context.Background())
	require.NoError(t, err)

	require.Len(t, notified, 2)
	assert.Equal(t, "refresh-1", notified[0].RefreshToken)
	assert.Equal(t, "refresh-1", notified[1].RefreshToken)
}

func TestLogoutClearsStateEvenWhenRemoteFails(t *testing.T) {
	var logoutCalls int
	tm, _ := newTestTokenManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/auth/logout" {
			logoutCalls++
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}), TokenManagerConfig{
		Resume: models.TokenPair{AccessToken: makeJWT(time.Now().Add(time.Hour)), RefreshToken: "refresh-1"},
	})

	tm.Logout(context.Background())

	assert.Equal(t, 1, logoutCalls)
	_, ok := tm.Tokens()
	assert.False(t, ok)

	// A second logout is a no-op.
	tm.Logout(context.Background())
	assert.Equal(t, 1, logoutCalls)
}
