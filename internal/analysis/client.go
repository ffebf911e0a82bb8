// Package analysis runs clipped deliveries through the remote Coach
// service, one slot at a time, consuming its server-sent event stream.
package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/kanarupandev/bowlingMate/internal/config"
	"github.com/kanarupandev/bowlingMate/internal/logging"
)

var (
	// ErrSubmit reports a failed clip handoff to the Coach.
	ErrSubmit = errors.New("analysis submit failed")
	// ErrStream reports a broken or rejected analysis stream.
	ErrStream = errors.New("analysis stream failed")
	// ErrUnreachable reports that the Coach endpoint itself looks down.
	ErrUnreachable = errors.New("analysis backend unreachable")
)

// Client talks to the Coach's analyze and stream endpoints.
type Client struct {
	baseURL    string
	apiSecret  string
	depth      string
	language   string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient builds a Coach client. The HTTP client carries no global
// timeout; per-call deadlines come from the caller's context so the
// long-lived stream is not cut short.
func NewClient(backend config.BackendConfig, analysis config.AnalysisConfig) *Client {
	return &Client{
		baseURL:    backend.BaseURL,
		apiSecret:  backend.APISecret,
		depth:      analysis.Depth,
		language:   analysis.Language,
		httpClient: &http.Client{},
		log:        logging.Component("analysis"),
	}
}

type submitResponse struct {
	Status  string `json:"status"`
	VideoID string `json:"video_id"`
}

// Submit uploads a clip for analysis and returns the Coach's handle
// for it.
func (c *Client) Submit(ctx context.Context, clipPath string) (string, error) {
	clip, err := os.Open(clipPath)
	if err != nil {
		return "", fmt.Errorf("%w: opening clip: %v", ErrSubmit, err)
	}
	defer clip.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("video", filepath.Base(clipPath))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	if _, err := io.Copy(part, clip); err != nil {
		return "", fmt.Errorf("%w: reading clip: %v", ErrSubmit, err)
	}
	if err := writer.WriteField("config", c.depth); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	if err := writer.WriteField("language", c.language); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmit, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", &body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", wrapTransport(ErrSubmit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return "", fmt.Errorf("%w: status %d: %s", ErrSubmit, resp.StatusCode, payload)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrSubmit, err)
	}
	if out.VideoID == "" {
		return "", fmt.Errorf("%w: no video id in response", ErrSubmit)
	}

	c.log.Debug().Str("video_id", out.VideoID).Msg("[COACH] Clip submitted")
	return out.VideoID, nil
}

// FetchOverlay downloads the overlay artifact the Coach published for a
// delivery. The URL comes from the stream's overlay event and may point
// outside the Coach host, so no auth header is attached.
func (c *Client) FetchOverlay(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStream, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransport(ErrStream, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: overlay status %d", ErrStream, resp.StatusCode)
	}
	return resp.Body, nil
}

// Stream opens the analysis event stream for a submitted clip. The
// returned stream must be closed; cancelling ctx tears it down.
func (c *Client) Stream(ctx context.Context, videoID string, overlay bool) (EventSource, error) {
	q := url.Values{}
	q.Set("video_id", videoID)
	q.Set("config", c.depth)
	q.Set("language", c.language)
	if overlay {
		q.Set("generate_overlay", "true")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream-analysis?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStream, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiSecret)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransport(ErrStream, err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrStream, resp.StatusCode, payload)
	}

	return &Stream{body: resp.Body, events: NewEventReader(resp.Body)}, nil
}

// EventSource is a readable, closeable stream of analysis events.
type EventSource interface {
	Next() (*Event, error)
	Close() error
}

// Stream is one live analysis event stream.
type Stream struct {
	body   io.ReadCloser
	events *EventReader
}

// Next returns the next event. io.EOF means the Coach closed the stream
// cleanly; connection-level read failures come back as ErrUnreachable so
// a reset mid-stream raises the offline flag the same way a refused dial
// does.
func (s *Stream) Next() (*Event, error) {
	ev, err := s.events.Next()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, classifyStreamError(err)
	}
	return ev, err
}

// Close tears the stream down.
func (s *Stream) Close() error {
	return s.body.Close()
}

// IsUnreachable reports whether the error signature means the Coach
// endpoint itself is down.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// classifyStreamError separates connection loss from protocol problems
// in mid-stream read errors. An abruptly closed chunked response
// surfaces as io.ErrUnexpectedEOF, a reset as a *net.OpError.
func classifyStreamError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrStream, err)
}

func wrapTransport(kind error, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", kind, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return fmt.Errorf("%w: %v", kind, err)
}
