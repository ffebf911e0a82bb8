package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kanarupandev/bowlingMate/internal/config"
	"github.com/kanarupandev/bowlingMate/internal/logging"
	"github.com/kanarupandev/bowlingMate/internal/models"
)

// BlobUploader pushes clip artifacts to the backend's cloud store. All
// calls are best effort from the pipeline's point of view; a failed
// upload never fails the delivery it belongs to.
type BlobUploader struct {
	baseURL    string
	apiSecret  string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewBlobUploader(cfg config.BackendConfig) *BlobUploader {
	return &BlobUploader{
		baseURL:    cfg.BaseURL,
		apiSecret:  cfg.APISecret,
		httpClient: &http.Client{Timeout: cfg.DetectTimeout},
		log:        logging.Component("storage"),
	}
}

type uploadResponse struct {
	ID           string `json:"id"`
	Sequence     int    `json:"sequence"`
	VideoURL     string `json:"video_url"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// WarmClip pre-uploads a freshly cut clip so the analysis stream can
// reference it by handle instead of re-uploading.
func (b *BlobUploader) WarmClip(ctx context.Context, deliveryID, clipPath string) (string, error) {
	resp, err := b.upload(ctx, clipPath, nil)
	if err != nil {
		return "", fmt.Errorf("warming clip for %s: %w", deliveryID, err)
	}
	b.log.Debug().Str("delivery", deliveryID).Str("handle", resp.ID).Msg("[BLOB] Clip warmed")
	return resp.ID, nil
}

// Archive uploads a finished delivery's clip with its analysis metadata
// attached, for cross-session history.
func (b *BlobUploader) Archive(ctx context.Context, d *models.Delivery) error {
	if d.ClipLocation == "" {
		return fmt.Errorf("delivery %s has no clip to archive", d.ID)
	}

	fields := map[string]string{
		"release_timestamp": fmt.Sprintf("%.3f", d.EventTimestamp),
	}
	if d.Result != nil {
		fields["report"] = d.Result.Report
		fields["speed"] = d.Result.SpeedEstimate
		fields["tips"] = strings.Join(d.Result.Tips, "\n")
	}

	resp, err := b.upload(ctx, d.ClipLocation, fields)
	if err != nil {
		return fmt.Errorf("archiving delivery %s: %w", d.ID, err)
	}
	b.log.Info().Str("delivery", d.ID).Str("video_url", resp.VideoURL).Msg("[BLOB] Delivery archived")
	return nil
}

// ArchiveSession archives every terminal delivery of a session, a few
// at a time. Individual failures are logged and skipped.
func (b *BlobUploader) ArchiveSession(ctx context.Context, deliveries []*models.Delivery) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(3)

	for _, d := range deliveries {
		if !d.Status.Terminal() || d.ClipLocation == "" {
			continue
		}
		d := d
		g.Go(func() error {
			if err := b.Archive(ctx, d); err != nil {
				b.log.Warn().Err(err).Str("delivery", d.ID).Msg("[BLOB] Archive skipped")
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *BlobUploader) upload(ctx context.Context, clipPath string, fields map[string]string) (*uploadResponse, error) {
	clip, err := os.Open(clipPath)
	if err != nil {
		return nil, fmt.Errorf("opening clip: %w", err)
	}
	defer clip.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(clipPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, clip); err != nil {
		return nil, fmt.Errorf("reading clip: %w", err)
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/upload-clip", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+b.apiSecret)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("upload rejected: status %d: %s", resp.StatusCode, payload)
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("upload response missing id")
	}
	return &out, nil
}
