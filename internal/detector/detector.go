// Package detector calls the remote Scout service that finds bowling
// deliveries inside a video chunk.
package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/kanarupandev/bowlingMate/internal/config"
	"github.com/kanarupandev/bowlingMate/internal/logging"
)

var (
	// ErrTransport reports a network-level failure talking to the Scout.
	ErrTransport = errors.New("detection transport error")
	// ErrRemote reports a Scout-side failure for this chunk.
	ErrRemote = errors.New("detection remote error")
	// ErrBackendUnreachable reports that the Scout endpoint itself looks
	// down, as opposed to a per-chunk problem.
	ErrBackendUnreachable = errors.New("detection backend unreachable")
)

// Result is the Scout's verdict for one chunk.
type Result struct {
	Found      bool      `json:"found"`
	Timestamps []float64 `json:"deliveries_detected_at_time"`
	Count      int       `json:"total_count"`
	Error      string    `json:"error,omitempty"`
}

// Client posts chunk bytes to the Scout's detect endpoint. Calls are
// rate limited and wrapped in a circuit breaker so a dead backend stops
// burning per-chunk timeouts.
type Client struct {
	baseURL    string
	apiSecret  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*Result]
	limiter    *rate.Limiter
	log        zerolog.Logger
}

// NewClient builds a Scout client from backend configuration.
func NewClient(cfg config.BackendConfig) *Client {
	log := logging.Component("detector")

	breaker := gobreaker.NewCircuitBreaker[*Result](gobreaker.Settings{
		Name:        "scout-detect",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("[SCOUT] Circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// Per-chunk remote errors don't mean the endpoint is down.
			return err == nil || errors.Is(err, ErrRemote)
		},
	})

	rps := cfg.DetectRPS
	if rps <= 0 {
		rps = 2
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		apiSecret:  cfg.APISecret,
		httpClient: &http.Client{Timeout: cfg.DetectTimeout},
		breaker:    breaker,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		log:        log,
	}
}

// Detect scans one chunk for deliveries. Timestamps are relative to the
// chunk start; callers add the window offset.
func (c *Client) Detect(ctx context.Context, chunk []byte) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (*Result, error) {
		return c.detect(ctx, chunk)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrBackendUnreachable)
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) detect(ctx context.Context, chunk []byte) (*Result, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "chunk.mp4")
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if _, err := part.Write(chunk); err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect-action", &body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiSecret)

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isConnectionError(err) {
			return nil, fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRemote, resp.StatusCode, truncate(payload, 200))
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrRemote, err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, result.Error)
	}

	c.log.Debug().
		Int("count", result.Count).
		Dur("latency", time.Since(started)).
		Msg("[SCOUT] Chunk scanned")
	return &result, nil
}

// IsUnreachable reports whether the error signature means the Scout
// endpoint itself is down.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrBackendUnreachable)
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
