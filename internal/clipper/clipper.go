// Package clipper wraps ffmpeg byte-range extraction behind the
// timeout-race contract the scan and clip pipeline stages rely on.
package clipper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kanarupandev/bowlingMate/internal/config"
	"github.com/kanarupandev/bowlingMate/internal/logging"
)

// runner executes an external command and returns its captured stderr.
// Indirection exists so tests can stub the process.
type runner interface {
	Run(ctx context.Context, name string, args ...string) (stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// Clipper extracts preview chunks, precision clips and thumbnails from
// source videos.
type Clipper struct {
	ffmpegPath  string
	ffprobePath string
	outDir      string
	cfg         config.ClipConfig
	run         runner

	// inflight counts concurrent extractions; precision timeouts grow
	// with it to absorb disk contention.
	inflight atomic.Int32
}

// New locates ffmpeg and prepares the output directory.
func New(outDir string, cfg config.ClipConfig) (*Clipper, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	// ffprobe is optional; Duration falls back to parsing ffmpeg output.
	ffprobePath, _ := exec.LookPath("ffprobe")

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("creating clip directory: %w", err)
	}

	log := logging.Component("clipper")
	log.Info().Str("ffmpeg", ffmpegPath).Str("dir", outDir).Msg("[CLIP] Extractor ready")

	return &Clipper{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		outDir:      outDir,
		cfg:         cfg,
		run:         execRunner{},
	}, nil
}

// ExtractPreview cuts a low-fidelity chunk for detection. The timeout
// scales with the window length.
func (c *Clipper) ExtractPreview(ctx context.Context, source string, start, duration float64) (string, error) {
	timeout := c.cfg.PreviewTimeout + time.Duration(duration*float64(c.cfg.PreviewTimeoutPerSecond))
	args := []string{
		"-ss", fmt.Sprintf("%.2f", start),
		"-i", source,
		"-t", fmt.Sprintf("%.2f", duration),
		"-vf", "scale=640:-2",
		"-an",
		"-vcodec", "libx264", "-crf", "35", "-preset", "ultrafast",
	}
	return c.extract(ctx, "preview", args, timeout)
}

// ExtractPrecision cuts the high-fidelity clip around a release point.
// The timeout grows with the number of extractions already in flight.
func (c *Clipper) ExtractPrecision(ctx context.Context, source string, start, duration float64) (string, error) {
	contention := time.Duration(c.inflight.Load()) * c.cfg.PrecisionContention
	timeout := c.cfg.PrecisionTimeout + contention
	args := []string{
		"-ss", fmt.Sprintf("%.2f", start),
		"-i", source,
		"-t", fmt.Sprintf("%.2f", duration),
		"-vcodec", "libx264", "-crf", "23", "-preset", "fast",
		"-movflags", "+faststart",
	}
	return c.extract(ctx, "clip", args, timeout)
}

func (c *Clipper) extract(ctx context.Context, kind string, args []string, timeout time.Duration) (string, error) {
	outPath := filepath.Join(c.outDir, fmt.Sprintf("%s_%s.mp4", kind, uuid.New().String()))
	args = append([]string{"-y"}, args...)
	args = append(args, outPath)

	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := logging.Component("clipper")
	started := time.Now()
	stderr, err := c.run.Run(runCtx, c.ffmpegPath, args...)
	if err != nil {
		os.Remove(outPath)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			log.Warn().Str("kind", kind).Dur("timeout", timeout).Msg("[CLIP] Extraction timed out")
			return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Error().Str("kind", kind).Str("stderr", tail(stderr, 400)).Msg("[CLIP] ffmpeg failed")
		return "", fmt.Errorf("%w: %v", ErrFailed, err)
	}

	info, statErr := os.Stat(outPath)
	if statErr != nil || info.Size() == 0 {
		os.Remove(outPath)
		return "", fmt.Errorf("%w: no output produced", ErrFailed)
	}

	log.Debug().Str("kind", kind).Str("path", outPath).Int64("bytes", info.Size()).Dur("elapsed", time.Since(started)).Msg("[CLIP] Extracted")
	return outPath, nil
}

// Thumbnail grabs a 320x180 jpeg one second into the clip.
func (c *Clipper) Thumbnail(ctx context.Context, clipPath string) (string, error) {
	outPath := filepath.Join(c.outDir, fmt.Sprintf("thumb_%s.jpg", uuid.New().String()))

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.PreviewTimeout)
	defer cancel()

	stderr, err := c.run.Run(runCtx, c.ffmpegPath,
		"-y",
		"-i", clipPath,
		"-ss", "00:00:01",
		"-vframes", "1",
		"-vf", "scale=320:180",
		outPath)
	if err != nil {
		os.Remove(outPath)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, c.cfg.PreviewTimeout)
		}
		return "", fmt.Errorf("%w: %s", ErrFailed, tail(stderr, 200))
	}
	return outPath, nil
}

// Duration probes the source length in seconds, preferring ffprobe and
// falling back to parsing ffmpeg's banner output.
func (c *Clipper) Duration(ctx context.Context, source string) (float64, error) {
	if _, err := os.Stat(source); err != nil {
		return 0, fmt.Errorf("video file not accessible: %w", err)
	}

	if c.ffprobePath != "" {
		out, err := c.probe(ctx, source)
		if err == nil && out > 0 {
			return out, nil
		}
	}

	stderr, _ := c.run.Run(ctx, c.ffmpegPath, "-i", source, "-f", "null", "-")
	return parseDurationBanner(stderr)
}

func (c *Clipper) probe(ctx context.Context, source string) (float64, error) {
	cmd := exec.CommandContext(ctx, c.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		source)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
}

func parseDurationBanner(output string) (float64, error) {
	const prefix = "Duration: "
	start := strings.Index(output, prefix)
	if start == -1 {
		return 0, fmt.Errorf("duration not found in ffmpeg output")
	}
	start += len(prefix)
	end := strings.Index(output[start:], ",")
	if end == -1 {
		return 0, fmt.Errorf("invalid duration format")
	}

	parts := strings.Split(output[start:start+end], ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration format: %s", output[start:start+end])
	}
	hours, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	return hours*3600 + minutes*60 + seconds, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
