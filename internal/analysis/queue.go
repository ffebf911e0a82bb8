package analysis

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanarupandev/bowlingMate/internal/config"
	"github.com/kanarupandev/bowlingMate/internal/logging"
	"github.com/kanarupandev/bowlingMate/internal/models"
	"github.com/kanarupandev/bowlingMate/internal/session"
)

// Coach is the remote analysis service the queue dispatches to.
type Coach interface {
	Submit(ctx context.Context, clipPath string) (string, error)
	Stream(ctx context.Context, videoID string, overlay bool) (EventSource, error)
	FetchOverlay(ctx context.Context, url string) (io.ReadCloser, error)
}

// Recorder persists terminal deliveries into long-lived history.
type Recorder interface {
	Record(sessionID string, d *models.Delivery)
}

// OverlayStore caches fetched overlay artifacts on local disk for
// playback without another round trip.
type OverlayStore interface {
	SaveOverlay(deliveryID string, r io.Reader) (string, error)
}

// Queue serializes analysis dispatch: deliveries wait FIFO and at most
// MaxConcurrent of them (one by default) hold a slot against the Coach
// at any moment. Requesting an already waiting or active delivery is a
// no-op.
type Queue struct {
	coach    Coach
	current  func() *session.Session
	record   Recorder
	overlays OverlayStore
	window   time.Duration
	overlay  bool
	log      zerolog.Logger

	mu      sync.Mutex
	waiting []string
	tracked map[string]struct{}
	active  int
	max     int
}

// NewQueue builds the dispatcher. current resolves the session a
// delivery belongs to at dispatch time, so deliveries from a replaced
// session simply vanish instead of being analyzed into the void.
// record and overlays may be nil.
func NewQueue(coach Coach, current func() *session.Session, record Recorder, overlays OverlayStore, backend config.BackendConfig, analysis config.AnalysisConfig) *Queue {
	maxConcurrent := analysis.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{
		coach:    coach,
		current:  current,
		record:   record,
		overlays: overlays,
		window:   backend.AnalysisWindow,
		overlay:  true,
		max:      maxConcurrent,
		tracked:  make(map[string]struct{}),
		log:      logging.Component("analysis"),
	}
}

// Request enqueues a delivery for analysis. The delivery must already
// hold a clip; calls for a delivery that is waiting or active return
// nil without queueing it twice.
func (q *Queue) Request(id string) error {
	sess := q.current()
	d, ok := sess.Delivery(id)
	if !ok {
		return session.ErrNotFound
	}
	if d.ClipLocation == "" {
		return session.ErrClipNotReady
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.tracked[id]; dup {
		return nil
	}
	q.tracked[id] = struct{}{}
	q.waiting = append(q.waiting, id)
	q.log.Debug().Str("delivery", id).Int("waiting", len(q.waiting)).Msg("[QUEUE] Delivery enqueued")

	q.dispatchLocked()
	return nil
}

// Waiting returns the number of deliveries not yet holding a slot.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Active returns the number of deliveries currently holding a slot.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

func (q *Queue) dispatchLocked() {
	for q.active < q.max && len(q.waiting) > 0 {
		id := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.active++
		go q.run(id)
	}
}

// run performs one analysis. The slot is released exactly once, on every
// path out, and the next waiting delivery is dispatched immediately.
func (q *Queue) run(id string) {
	defer func() {
		q.mu.Lock()
		q.active--
		delete(q.tracked, id)
		q.dispatchLocked()
		q.mu.Unlock()
	}()

	sess := q.current()
	d, ok := sess.Delivery(id)
	if !ok {
		q.log.Debug().Str("delivery", id).Msg("[QUEUE] Delivery gone before dispatch, dropping")
		return
	}
	if d.Status != models.StatusQueued {
		q.log.Debug().Str("delivery", id).Str("status", string(d.Status)).Msg("[QUEUE] Delivery no longer queued, dropping")
		return
	}
	if err := sess.BeginAnalysis(id); err != nil {
		q.log.Warn().Err(err).Str("delivery", id).Msg("[QUEUE] Cannot claim delivery")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.window)
	defer cancel()

	started := time.Now()
	q.log.Info().Str("delivery", id).Msg("[QUEUE] Analysis started")

	videoID := d.RemoteHandle
	if videoID == "" {
		submitted, err := q.coach.Submit(ctx, d.ClipLocation)
		if err != nil {
			q.fail(sess, id, err, "submitting clip")
			return
		}
		videoID = submitted
		sess.SetRemoteHandle(id, videoID)
	}

	stream, err := q.coach.Stream(ctx, videoID, q.overlay)
	if err != nil {
		q.fail(sess, id, err, "opening stream")
		return
	}
	defer stream.Close()
	sess.SetOffline(false)

	terminal := false
	for {
		ev, err := stream.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				q.fail(sess, id, err, "reading stream")
				return
			}
			break
		}

		switch ev.Status {
		case StatusEvent:
			sess.AppendProgress(id, ev.Message)
		case StatusOverlay:
			sess.SetOverlay(id, ev.OverlayURL)
			if q.overlays != nil && ev.OverlayURL != "" {
				go q.cacheOverlay(sess, id, ev.OverlayURL)
			}
		case StatusSuccess:
			terminal = true
			if sess.CompleteAnalysis(id, resultFromEvent(ev)) {
				q.log.Info().Str("delivery", id).Dur("elapsed", time.Since(started)).Msg("[QUEUE] Analysis succeeded")
				q.persist(sess, id)
			}
			// Overlay events may still follow; keep draining.
		case StatusError:
			terminal = true
			if ev.Message != "" {
				sess.AppendProgress(id, ev.Message)
			}
			if sess.FailAnalysis(id) {
				q.log.Warn().Str("delivery", id).Str("message", ev.Message).Msg("[QUEUE] Analysis reported failure")
				q.persist(sess, id)
			}
		default:
			q.log.Debug().Str("status", ev.Status).Msg("[QUEUE] Unknown stream event ignored")
		}
	}

	if !terminal {
		q.fail(sess, id, io.ErrUnexpectedEOF, "stream ended without verdict")
	}
}

// cacheOverlay pulls the overlay artifact down for local playback.
// Best effort; a failed fetch never touches the delivery verdict.
func (q *Queue) cacheOverlay(sess *session.Session, id, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), q.window)
	defer cancel()

	body, err := q.coach.FetchOverlay(ctx, url)
	if err != nil {
		q.log.Debug().Err(err).Str("delivery", id).Msg("[QUEUE] Overlay fetch failed")
		return
	}
	defer body.Close()

	path, err := q.overlays.SaveOverlay(id, body)
	if err != nil {
		q.log.Debug().Err(err).Str("delivery", id).Msg("[QUEUE] Overlay cache failed")
		return
	}
	sess.SetOverlayLocation(id, path)
	q.log.Debug().Str("delivery", id).Str("path", path).Msg("[QUEUE] Overlay cached")
}

func (q *Queue) fail(sess *session.Session, id string, err error, stage string) {
	if IsUnreachable(err) {
		sess.SetOffline(true)
	}
	q.log.Warn().Err(err).Str("delivery", id).Str("stage", stage).Msg("[QUEUE] Analysis failed")
	if sess.FailAnalysis(id) {
		q.persist(sess, id)
	}
}

func (q *Queue) persist(sess *session.Session, id string) {
	if q.record == nil {
		return
	}
	if d, ok := sess.Delivery(id); ok {
		q.record.Record(sess.ID, d)
	}
}

func resultFromEvent(ev *Event) *models.AnalysisResult {
	result := &models.AnalysisResult{
		Report:           ev.Report,
		SpeedEstimate:    ev.SpeedEstimate,
		Tips:             ev.Tips,
		ReleaseTimestamp: ev.ReleaseTimestamp,
		Effort:           ev.Effort,
		LatencySeconds:   ev.Latency,
	}
	for _, p := range ev.Phases {
		result.Phases = append(result.Phases, models.Phase{
			Name:          p.Name,
			Status:        p.Status,
			Observation:   p.Observation,
			Tip:           p.Tip,
			ClipTimestamp: p.ClipTS,
		})
	}
	return result
}
