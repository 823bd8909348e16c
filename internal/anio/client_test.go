package anio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/anio-bridge/internal/models"
	appErrors "github.com/noah-isme/anio-bridge/pkg/errors"
)

// newTestClient backs a client with the handler and a session whose
// access token stays valid for the whole test.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw := NewGateway(GatewayConfig{BaseURL: srv.URL, ClientID: "anio", AppUUID: "uuid-1"})
	tm := NewTokenManager(gw, TokenManagerConfig{
		Email:    "parent@example.com",
		Password: "secret",
		Resume:   models.TokenPair{AccessToken: makeJWT(time.Now().Add(time.Hour)), RefreshToken: "refresh-1"},
	})
	return NewClient(gw, tm, nil)
}

func TestGetDevices(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/device/list", r.URL.Path)
		w.Write([]byte(`[
			{"id":"dev-1","imei":"123","settings":{"name":"Emma","battery":85},"config":{"maxChatMessageLength":40,"hasTextChat":true}},
			{"id":"dev-2","imei":"456","settings":{"name":"Paul","battery":120}}
		]`)) //nolint:errcheck
	}))

	devices, err := client.GetDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "dev-1", devices[0].ID)
	assert.Equal(t, "Emma", devices[0].Settings.Name)
	assert.Equal(t, 40, devices[0].MaxMessageLength())
	assert.True(t, devices[0].Capabilities()[models.CapTextChat])

	// Battery readings outside [0,100] are clamped on decode.
	assert.Equal(t, 100, devices[1].Settings.Battery)
}

func TestGetActivityWindowAndTolerance(t *testing.T) {
	var gotQuery string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("from")
		w.Write([]byte(`[
			{"id":"a1","deviceId":"dev-1","type":"MESSAGE","data":{"id":"m1","sender":"WATCH","text":"hi"}},
			"not an object",
			{"id":"a2","deviceId":"dev-1","type":"LOCATION"}
		]`)) //nolint:errcheck
	}))

	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	items, err := client.GetActivity(context.Background(), &from)
	require.NoError(t, err)

	assert.Equal(t, "2026-03-01T10:00:00Z", gotQuery)
	// The malformed entry is skipped, not fatal.
	require.Len(t, items, 2)
	assert.Equal(t, "a1", items[0].ID)
	assert.Equal(t, "a2", items[1].ID)
}

func TestGetActivityWithoutFrom(t *testing.T) {
	var gotRawQuery string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRawQuery = r.URL.RawQuery
		w.Write([]byte(`[]`)) //nolint:errcheck
	}))

	items, err := client.GetActivity(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, gotRawQuery)
}

func TestGetGeofences(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[
			{"id":"g1","name":"Home","lat":52.52,"lng":13.405,"radius":100},
			{"id":"g2","name":"Broken","lat":123.0,"lng":13.405,"radius":100},
			{"id":"g3","name":"School","lat":52.53,"lng":13.41,"radius":250}
		]`)) //nolint:errcheck
	}))

	fences, err := client.GetGeofences(context.Background())
	require.NoError(t, err)

	// The fence with an impossible latitude is dropped.
	require.Len(t, fences, 2)
	assert.Equal(t, "g1", fences[0].ID)
	assert.Equal(t, "g3", fences[1].ID)
}

func TestGetGeofencesNotFoundMeansEmpty(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	fences, err := client.GetGeofences(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fences)
}

func TestGetLastLocation(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/location/dev-1/last", r.URL.Path)
		w.Write([]byte(`{"position":[52.52,13.405],"batteryLevel":85,"signalStrength":4,"date":"2026-03-01T10:00:00Z","lastResponse":"2026-03-01T10:01:00Z"}`)) //nolint:errcheck
	}))

	loc, err := client.GetLastLocation(context.Background(), "dev-1")
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.Equal(t, 52.52, loc.Latitude())
	assert.Equal(t, 13.405, loc.Longitude())
	assert.Equal(t, 85, loc.BatteryLevel)
	assert.Equal(t, 4, loc.SignalStrength)
}

func TestGetLastLocationNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	loc, err := client.GetLastLocation(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Nil(t, loc)
}

func TestSendTextMessageLengthValidatedBeforeHTTP(t *testing.T) {
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Write([]byte(`{"id":"m1"}`)) //nolint:errcheck
	}))

	// 96 characters against a device limit of 95.
	long := strings.Repeat("a", 96)
	_, err := client.SendTextMessage(context.Background(), "dev-1", long, "Mum", 95)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
	assert.Zero(t, calls)

	// Multi-byte runes count as one character each.
	umlauts := strings.Repeat("ü", 95)
	_, err = client.SendTextMessage(context.Background(), "dev-1", umlauts, "Mum", 95)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestSendTextMessage(t *testing.T) {
	var body map[string]string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/message/text", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"id":"m1","deviceId":"dev-1","text":"dinner is ready","sender":"APP","type":"TEXT"}`)) //nolint:errcheck
	}))

	msg, err := client.SendTextMessage(context.Background(), "dev-1", "dinner is ready", "Mum", 0)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "dev-1", body["deviceId"])
	assert.Equal(t, "dinner is ready", body["text"])
	assert.Equal(t, "Mum", body["username"])
}

func TestSendEmojiMessage(t *testing.T) {
	var calls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "/v1/chat/message/emoji", r.URL.Path)
		w.Write([]byte(`{"id":"m1","type":"EMOJI"}`)) //nolint:errcheck
	}))

	msg, err := client.SendEmojiMessage(context.Background(), "dev-1", "E07", "Dad")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)

	// Codes outside E01-E12 never reach the wire.
	for _, code := range []string{"E00", "E13", "e07", "HEART", ""} {
		_, err := client.SendEmojiMessage(context.Background(), "dev-1", code, "Dad")
		require.Error(t, err, "code %q", code)
		assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
	}
	assert.Equal(t, 1, calls)
}

func TestRequestRefreshesOnceOnStaleToken(t *testing.T) {
	var deviceCalls, refreshCalls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/refresh-access-token":
			refreshCalls++
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"accessToken": makeJWT(time.Now().Add(time.Hour)),
			})
		case "/v1/device/list":
			deviceCalls++
			// The parsed expiry said the token was fine, the server
			// disagreed once.
			if deviceCalls == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`[{"id":"dev-1"}]`)) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	devices, err := client.GetDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, 2, deviceCalls)
	assert.Equal(t, 1, refreshCalls)
}

func TestRequestDoesNotLoopOnPersistentAuthFailure(t *testing.T) {
	var deviceCalls int
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/refresh-access-token":
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"accessToken": makeJWT(time.Now().Add(time.Hour)),
			})
		default:
			deviceCalls++
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))

	_, err := client.GetDevices(context.Background())
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrAuth))
	assert.Equal(t, 2, deviceCalls)
}
