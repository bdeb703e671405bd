package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	// AddSMSPath is appended to the collector base URL.
	AddSMSPath = "/add-sms"
	// AuthCookieName carries the credential on every collector call.
	AuthCookieName = "__Secure-Auth-Token"
	// ContentTypeJSON is the request body content type.
	ContentTypeJSON = "application/json; charset=utf-8"
	// IdempotencyHeader carries the chunk digest.
	IdempotencyHeader = "Idempotency-Key"

	// DefaultHTTPTimeout bounds one collector request.
	DefaultHTTPTimeout = 30 * time.Second
	// DefaultBreakerFailures opens the circuit after this many consecutive failures.
	DefaultBreakerFailures = 5
	// DefaultBreakerTimeout is how long the circuit stays open before a probe.
	DefaultBreakerTimeout = 60 * time.Second

	maxResponseBody = 64 << 10
)

// ErrCircuitOpen is returned while the collector breaker rejects requests.
var ErrCircuitOpen = errors.New("network: collector circuit open")

// StatusError is returned for non-2xx collector responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("collector returned status %d: %s", e.StatusCode, e.Body)
}

// Unauthorized reports whether the collector rejected the credential.
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// AddSMSResponse is the best-effort parsed collector reply.
type AddSMSResponse struct {
	Status string `json:"status"`
	Added  int    `json:"added"`
}

// ChunkRequest is one POST to the collector.
type ChunkRequest struct {
	ServerURL      string
	Credential     string
	IdempotencyKey string
	Body           []byte
}

// ChunkResult describes an accepted chunk.
type ChunkResult struct {
	StatusCode int
	// Response is nil when the body was absent or not the expected JSON.
	Response *AddSMSResponse
}

// ClientOptions configures the collector client.
type ClientOptions struct {
	HTTPClient      *http.Client
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Logger          *zap.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.Timeout <= 0 {
		out.Timeout = DefaultHTTPTimeout
	}
	if out.HTTPClient == nil {
		out.HTTPClient = &http.Client{Timeout: out.Timeout}
	}
	if out.BreakerFailures == 0 {
		out.BreakerFailures = DefaultBreakerFailures
	}
	if out.BreakerTimeout <= 0 {
		out.BreakerTimeout = DefaultBreakerTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Client posts event chunks to the collector behind a circuit breaker.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewClient creates a collector client.
func NewClient(options ClientOptions) *Client {
	opts := options.withDefaults()
	logger := opts.Logger.Named("collector")

	settings := gobreaker.Settings{
		Name:        "collector",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Client{
		httpClient: opts.HTTPClient,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     logger,
	}
}

// PostChunk sends one JSON array body to <ServerURL>/add-sms.
func (c *Client) PostChunk(ctx context.Context, req ChunkRequest) (ChunkResult, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ChunkResult{}, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return ChunkResult{}, err
	}
	return out.(ChunkResult), nil
}

// BreakerState reports the collector breaker state for status output.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) post(ctx context.Context, req ChunkRequest) (ChunkResult, error) {
	endpoint := AddSMSURL(req.ServerURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return ChunkResult{}, fmt.Errorf("create collector request: %w", err)
	}
	httpReq.Header.Set("Content-Type", ContentTypeJSON)
	httpReq.Header.Set("Cookie", AuthCookieName+"="+req.Credential)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body := ""
		if readErr == nil {
			body = strings.TrimSpace(string(respBody))
			if len(body) > 200 {
				body = body[:200]
			}
		}
		return ChunkResult{}, &StatusError{StatusCode: httpResp.StatusCode, Body: body}
	}

	result := ChunkResult{StatusCode: httpResp.StatusCode}
	if readErr != nil {
		c.logger.Debug("collector response body unreadable", zap.Int("status", httpResp.StatusCode), zap.Error(readErr))
		return result, nil
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return result, nil
	}

	var parsed AddSMSResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		c.logger.Debug("collector response body not parsed", zap.Int("status", httpResp.StatusCode), zap.Error(err))
		return result, nil
	}
	result.Response = &parsed
	return result, nil
}

// AddSMSURL joins the collector base URL with the add-sms path.
func AddSMSURL(serverURL string) string {
	return strings.TrimRight(strings.TrimSpace(serverURL), "/") + AddSMSPath
}
