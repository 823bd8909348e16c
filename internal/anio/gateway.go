package anio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/anio-bridge/internal/metrics"
	appErrors "github.com/noah-isme/anio-bridge/pkg/errors"
)

// Rate-limit and connection retry policy for the ANIO cloud.
const (
	rateLimitBackoffBase = 2 * time.Second
	rateLimitBackoffCap  = 300 * time.Second
	rateLimitMaxRetries  = 5

	connectionMaxRetries = 3
	connectionRetryDelay = time.Second
)

// apiErrorBody is the standard error envelope returned by the cloud.
type apiErrorBody struct {
	Message    string `json:"message"`
	Error      string `json:"error"`
	StatusCode int    `json:"statusCode"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	BaseURL  string
	ClientID string
	AppUUID  string
	Timeout  time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Gateway performs one logical ANIO cloud API call with uniform error
// classification, rate-limit backoff and bounded transport retries. It
// knows nothing about tokens beyond attaching the one it is given.
type Gateway struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	appUUID    string
	logger     *zap.Logger
	metrics    *metrics.Metrics

	// sleep is swapped out in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway builds a gateway for the configured cloud endpoint.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Gateway{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		clientID:   cfg.ClientID,
		appUUID:    cfg.AppUUID,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		sleep:      sleepCtx,
	}
}

// AppUUID returns the stable per-installation identifier sent with every
// request.
func (g *Gateway) AppUUID() string {
	return g.appUUID
}

// Request performs an authenticated API call. A nil body sends no
// payload; an empty authToken sends no Authorization header. The raw
// JSON response is returned, nil for 204 responses.
func (g *Gateway) Request(ctx context.Context, method, path string, body any, authToken string) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode request body")
		}
	}

	rateLimitAttempts := 0
	connAttempts := 0

	for {
		resp, err := g.do(ctx, method, path, payload, authToken)
		if err != nil {
			if ctx.Err() != nil {
				return nil, appErrors.Wrap(ctx.Err(), appErrors.ErrConnection.Code, appErrors.ErrConnection.Status, "request cancelled")
			}
			connAttempts++
			if connAttempts > connectionMaxRetries {
				return nil, appErrors.Wrap(err, appErrors.ErrConnection.Code, appErrors.ErrConnection.Status, "connection to the ANIO cloud failed")
			}
			g.logger.Warn("transport error, retrying",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", connAttempts),
				zap.Error(err))
			if err := g.sleep(ctx, connectionRetryDelay); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrConnection.Code, appErrors.ErrConnection.Status, "request cancelled")
			}
			continue
		}

		if resp.status == http.StatusTooManyRequests {
			rateLimitAttempts++
			if rateLimitAttempts > rateLimitMaxRetries {
				return nil, appErrors.RateLimited(0)
			}
			delay := backoffDelay(rateLimitAttempts, resp.retryAfter)
			g.logger.Warn("rate limited, backing off",
				zap.String("method", method),
				zap.String("path", path),
				zap.Duration("delay", delay),
				zap.Int("attempt", rateLimitAttempts),
				zap.Int("max_attempts", rateLimitMaxRetries))
			if err := g.sleep(ctx, delay); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrConnection.Code, appErrors.ErrConnection.Status, "request cancelled")
			}
			continue
		}

		return g.classify(method, path, resp)
	}
}

type rawResponse struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

func (g *Gateway) do(ctx context.Context, method, path string, payload []byte, authToken string) (*rawResponse, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("app-uuid", g.appUUID)
	req.Header.Set("client-id", g.clientID)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.metrics.ObserveAPIRequest(method, path, 0, time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()

	g.metrics.ObserveAPIRequest(method, path, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var retryAfter time.Duration
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}

	return &rawResponse{status: resp.StatusCode, body: body, retryAfter: retryAfter}, nil
}

// classify maps a non-429 response onto the error taxonomy.
func (g *Gateway) classify(method, path string, resp *rawResponse) (json.RawMessage, error) {
	switch {
	case resp.status == http.StatusNoContent:
		return nil, nil
	case resp.status >= 200 && resp.status < 300:
		return json.RawMessage(resp.body), nil
	case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
		return nil, appErrors.Clone(appErrors.ErrAuth, apiMessage(resp.body, "authentication failed"))
	case resp.status == http.StatusNotFound:
		return nil, appErrors.Clone(appErrors.ErrDeviceNotFound, apiMessage(resp.body, "not found"))
	case resp.status == http.StatusBadRequest:
		return nil, appErrors.Clone(appErrors.ErrValidation, apiMessage(resp.body, "request rejected"))
	case resp.status >= 500:
		g.logger.Warn("upstream server error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.status))
		return nil, appErrors.Clone(appErrors.ErrServer, apiMessage(resp.body, fmt.Sprintf("server error (%d)", resp.status)))
	default:
		return nil, appErrors.New("API_ERROR", resp.status, apiMessage(resp.body, fmt.Sprintf("unexpected status %d", resp.status)))
	}
}

// backoffDelay computes the exponential delay for the given rate-limit
// attempt unless the server advised one.
func backoffDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	delay := rateLimitBackoffBase << (attempt - 1)
	if delay > rateLimitBackoffCap || delay <= 0 {
		delay = rateLimitBackoffCap
	}
	return delay
}

func apiMessage(body []byte, fallback string) string {
	var parsed apiErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
