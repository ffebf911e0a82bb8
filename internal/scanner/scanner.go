// Package scanner schedules the chunked delivery scan: it partitions a
// source video into overlapping windows, fans detection out with bounded
// concurrency, and drains results strictly in window order so the event
// feed only ever advances.
package scanner

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"github.com/kanarupandev/bowlingMate/internal/config"
	"github.com/kanarupandev/bowlingMate/internal/detector"
	"github.com/kanarupandev/bowlingMate/internal/logging"
	"github.com/kanarupandev/bowlingMate/internal/session"
)

// Extractor is the clip primitive the scheduler cuts previews and
// precision clips with.
type Extractor interface {
	ExtractPreview(ctx context.Context, source string, start, duration float64) (string, error)
	ExtractPrecision(ctx context.Context, source string, start, duration float64) (string, error)
	Thumbnail(ctx context.Context, clipPath string) (string, error)
	Duration(ctx context.Context, source string) (float64, error)
}

// Detector finds delivery timestamps inside a chunk.
type Detector interface {
	Detect(ctx context.Context, chunk []byte) (*detector.Result, error)
}

// Enqueuer accepts clipped deliveries for analysis.
type Enqueuer interface {
	Request(id string) error
}

// Warmer pre-uploads a clip to the analysis backend, returning the
// remote handle. Best effort.
type Warmer interface {
	WarmClip(ctx context.Context, deliveryID, clipPath string) (string, error)
}

// Summary is the terminal status of one scan.
type Summary struct {
	Windows int `json:"windows"`
	Found   int `json:"found"`
}

// Scheduler drives scans against one session at a time per call. It
// holds only delivery IDs and mutates through the session.
type Scheduler struct {
	clips Extractor
	scout Detector
	queue Enqueuer
	warm  Warmer

	scanCfg config.ScanConfig
	clipCfg config.ClipConfig
	log     zerolog.Logger
}

// New builds a scheduler. warm may be nil when prefetching is disabled.
func New(clips Extractor, scout Detector, queue Enqueuer, warm Warmer, scanCfg config.ScanConfig, clipCfg config.ClipConfig) *Scheduler {
	return &Scheduler{
		clips:   clips,
		scout:   scout,
		queue:   queue,
		warm:    warm,
		scanCfg: scanCfg,
		clipCfg: clipCfg,
		log:     logging.Component("scanner"),
	}
}

// Scan walks an entire source video for deliveries.
func (s *Scheduler) Scan(ctx context.Context, sess *session.Session, source string) (Summary, error) {
	duration, err := s.clips.Duration(ctx, source)
	if err != nil {
		sess.SetScanState(session.ScanFailed)
		return Summary{}, fmt.Errorf("probing video duration: %w", err)
	}
	return s.scan(ctx, sess, source, 0, duration)
}

// ScanSegment walks a newly finished live-recorded segment whose start
// sits baseOffset seconds into the session timeline. Regions before the
// offset are never re-scanned.
func (s *Scheduler) ScanSegment(ctx context.Context, sess *session.Session, source string, baseOffset float64) (Summary, error) {
	sess.BeginSegment()
	defer sess.EndSegment()

	duration, err := s.clips.Duration(ctx, source)
	if err != nil {
		return Summary{}, fmt.Errorf("probing segment duration: %w", err)
	}
	return s.scan(ctx, sess, source, baseOffset, duration)
}

type windowResult struct {
	index      int
	timestamps []float64
}

func (s *Scheduler) scan(ctx context.Context, sess *session.Session, source string, baseOffset, duration float64) (Summary, error) {
	windows := partitionWindows(baseOffset, duration, s.scanCfg.ChunkSeconds, s.scanCfg.OverlapSeconds)
	summary := Summary{Windows: len(windows)}

	sess.SetScanState(session.ScanRunning)
	s.log.Info().
		Float64("duration", duration).
		Int("windows", len(windows)).
		Int("max_concurrent", s.scanCfg.MaxConcurrent).
		Msg("[SCAN] Starting")

	// Buffered so in-flight detections never block after a cancel.
	results := make(chan windowResult, len(windows)+1)
	pending := make(map[int][]float64)
	next, active, drained := 0, 0, 0

	for {
		for next < len(windows) && active < s.scanCfg.MaxConcurrent && ctx.Err() == nil {
			w := windows[next]
			next++

			chunk, ok := s.preparePreview(ctx, source, w)
			if !ok {
				// Window contributes nothing but must still be
				// present for the ordered drain.
				pending[w.Index] = nil
				continue
			}
			active++
			go s.detectWindow(ctx, sess, w, chunk, results)
		}

		summary.Found += s.drain(ctx, sess, source, windows, pending, &drained)

		if next >= len(windows) && active == 0 {
			break
		}

		select {
		case <-ctx.Done():
			// Discard pending results; in-flight detections finish or
			// fail naturally into the buffered channel.
			sess.SetScanState(session.ScanFailed)
			s.log.Info().Int("discarded", len(pending)).Msg("[SCAN] Cancelled")
			return summary, ctx.Err()
		case r := <-results:
			active--
			pending[r.index] = r.timestamps
		}
	}

	if err := ctx.Err(); err != nil {
		sess.SetScanState(session.ScanFailed)
		return summary, err
	}

	sess.SetScanState(session.ScanComplete)
	s.log.Info().Int("found", summary.Found).Msg("[SCAN] Complete")
	return summary, nil
}

// preparePreview cuts the low-fidelity chunk and loads it into memory.
// Extraction failure skips the window rather than aborting the scan.
func (s *Scheduler) preparePreview(ctx context.Context, source string, w Window) ([]byte, bool) {
	previewPath, err := s.clips.ExtractPreview(ctx, source, w.Start, w.Duration)
	if err != nil {
		s.log.Warn().Err(err).Int("window", w.Index).Msg("[SCAN] Preview extraction failed, skipping window")
		return nil, false
	}
	defer os.Remove(previewPath)

	chunk, err := os.ReadFile(previewPath)
	if err != nil {
		s.log.Warn().Err(err).Int("window", w.Index).Msg("[SCAN] Preview unreadable, skipping window")
		return nil, false
	}
	return chunk, true
}

func (s *Scheduler) detectWindow(ctx context.Context, sess *session.Session, w Window, chunk []byte, results chan<- windowResult) {
	res, err := s.scout.Detect(ctx, chunk)
	if err != nil {
		if detector.IsUnreachable(err) {
			sess.SetOffline(true)
		}
		s.log.Warn().Err(err).Int("window", w.Index).Msg("[SCAN] Detection failed, window yields no results")
		results <- windowResult{index: w.Index}
		return
	}

	sess.SetOffline(false)
	results <- windowResult{index: w.Index, timestamps: res.Timestamps}
}

// drain consumes pending results from the lowest undrained index while
// consecutive indices are present. This is what keeps the event feed
// advancing in window order no matter how detections interleave.
func (s *Scheduler) drain(ctx context.Context, sess *session.Session, source string, windows []Window, pending map[int][]float64, drained *int) int {
	found := 0
	for {
		timestamps, ok := pending[*drained]
		if !ok {
			return found
		}
		w := windows[*drained]
		delete(pending, *drained)
		*drained++

		// The Scout does not promise ordered timestamps within a chunk.
		sort.Float64s(timestamps)
		for _, ts := range timestamps {
			abs := w.Start + ts
			if !sess.AcceptTimestamp(abs) {
				s.log.Debug().Float64("timestamp", abs).Int("window", w.Index).Msg("[SCAN] Duplicate timestamp rejected")
				continue
			}
			d := sess.AddDelivery(abs)
			found++
			go s.clipDelivery(ctx, sess, source, d.ID, d.Sequence, abs)
		}
	}
}

// clipDelivery runs the precision clip for one accepted event and hands
// it to the analysis queue.
func (s *Scheduler) clipDelivery(ctx context.Context, sess *session.Session, source, id string, sequence int, eventTs float64) {
	if err := sess.BeginClipping(id); err != nil {
		s.log.Error().Err(err).Str("delivery", id).Msg("[SCAN] Cannot begin clipping")
		return
	}

	start := eventTs - s.clipCfg.PreRollSeconds
	if start < 0 {
		start = 0
	}
	duration := s.clipCfg.PreRollSeconds + s.clipCfg.PostRollSeconds

	clipPath, err := s.clips.ExtractPrecision(ctx, source, start, duration)
	if err != nil {
		s.log.Warn().Err(err).Str("delivery", id).Msg("[SCAN] Precision clip failed")
		if ferr := sess.ClipFailed(id); ferr != nil {
			s.log.Error().Err(ferr).Str("delivery", id).Msg("[SCAN] Failed to mark delivery failed")
		}
		return
	}

	if err := sess.ClipReady(id, clipPath); err != nil {
		s.log.Error().Err(err).Str("delivery", id).Msg("[SCAN] Failed to queue clipped delivery")
		return
	}

	// Thumbnail is cosmetic and must never hold up analysis.
	go func() {
		thumb, err := s.clips.Thumbnail(ctx, clipPath)
		if err != nil {
			s.log.Debug().Err(err).Str("delivery", id).Msg("[SCAN] Thumbnail generation failed")
			return
		}
		sess.SetThumbnail(id, thumb)
	}()

	if s.warm != nil && s.shouldPrefetch(sequence) {
		go func() {
			handle, err := s.warm.WarmClip(ctx, id, clipPath)
			if err != nil {
				s.log.Debug().Err(err).Str("delivery", id).Msg("[SCAN] Clip prefetch failed")
				return
			}
			sess.SetRemoteHandle(id, handle)
		}()
	}

	if err := s.queue.Request(id); err != nil {
		s.log.Warn().Err(err).Str("delivery", id).Msg("[SCAN] Analysis request rejected")
	}
}

func (s *Scheduler) shouldPrefetch(sequence int) bool {
	switch s.scanCfg.Prefetch {
	case "all":
		return true
	case "first":
		return sequence == 1
	default:
		return false
	}
}
