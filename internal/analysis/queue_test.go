package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kanarupandev/bowlingMate/internal/config"
	"github.com/kanarupandev/bowlingMate/internal/models"
	"github.com/kanarupandev/bowlingMate/internal/session"
)

type fakeStream struct {
	events  []*Event
	pos     int
	gate    chan struct{}
	readErr error
}

func (f *fakeStream) Next() (*Event, error) {
	if f.gate != nil {
		<-f.gate
	}
	if f.pos >= len(f.events) {
		if f.readErr != nil {
			return nil, f.readErr
		}
		return nil, io.EOF
	}
	ev := f.events[f.pos]
	f.pos++
	return ev, nil
}

func (f *fakeStream) Close() error { return nil }

type fakeCoach struct {
	mu         sync.Mutex
	submitted  []string
	streamed   []string
	fetched    []string
	submitErr  error
	streamErr  error
	readErr    error
	overlayErr error
	events     map[string][]*Event
	gate       chan struct{}
}

func (f *fakeCoach) Submit(ctx context.Context, clipPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, clipPath)
	return "vid-" + clipPath, nil
}

func (f *fakeCoach) Stream(ctx context.Context, videoID string, overlay bool) (EventSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	f.streamed = append(f.streamed, videoID)
	return &fakeStream{events: f.events[videoID], gate: f.gate, readErr: f.readErr}, nil
}

func (f *fakeCoach) FetchOverlay(ctx context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.overlayErr != nil {
		return nil, f.overlayErr
	}
	f.fetched = append(f.fetched, url)
	return io.NopCloser(strings.NewReader("overlay frames")), nil
}

func (f *fakeCoach) streamOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.streamed...)
}

type fakeRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeRecorder) Record(sessionID string, d *models.Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, d.ID)
}

func (f *fakeRecorder) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func queuedDelivery(t *testing.T, sess *session.Session, ts float64) string {
	t.Helper()
	d := sess.AddDelivery(ts)
	if err := sess.BeginClipping(d.ID); err != nil {
		t.Fatalf("BeginClipping: %v", err)
	}
	if err := sess.ClipReady(d.ID, "clip-"+d.ID); err != nil {
		t.Fatalf("ClipReady: %v", err)
	}
	return d.ID
}

type fakeOverlays struct {
	mu      sync.Mutex
	saved   map[string]string
	saveErr error
}

func (f *fakeOverlays) SaveOverlay(deliveryID string, r io.Reader) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return "", f.saveErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[deliveryID] = string(b)
	return "/overlays/" + deliveryID + ".mp4", nil
}

func testQueue(coach Coach, sess *session.Session, rec Recorder) *Queue {
	return testQueueWithOverlays(coach, sess, rec, nil)
}

func testQueueWithOverlays(coach Coach, sess *session.Session, rec Recorder, overlays OverlayStore) *Queue {
	return NewQueue(coach, func() *session.Session { return sess }, rec, overlays,
		config.BackendConfig{AnalysisWindow: time.Minute},
		config.AnalysisConfig{MaxConcurrent: 1, Depth: "club", Language: "en"})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestQueueSuccessFlow(t *testing.T) {
	sess := session.New(2.0)
	id := queuedDelivery(t, sess, 10)

	coach := &fakeCoach{events: map[string][]*Event{
		"vid-clip-" + id: {
			{Status: StatusEvent, Message: "Watching the run-up..."},
			{Status: StatusSuccess, Report: "Clean action.", SpeedEstimate: "80 km/h", Tips: []string{"hold the seam"}},
			{Status: StatusOverlay, OverlayURL: "https://cdn/overlay.mp4"},
		},
	}}
	rec := &fakeRecorder{}
	q := testQueue(coach, sess, rec)

	if err := q.Request(id); err != nil {
		t.Fatalf("Request: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		d, _ := sess.Delivery(id)
		return d.Status == models.StatusSucceeded && d.OverlayURL != ""
	})

	d, _ := sess.Delivery(id)
	if d.Result == nil || d.Result.Report != "Clean action." || d.Result.SpeedEstimate != "80 km/h" {
		t.Errorf("result not applied: %+v", d.Result)
	}
	if len(d.Progress) != 1 || d.Progress[0] != "Watching the run-up..." {
		t.Errorf("progress not applied: %v", d.Progress)
	}
	if d.RemoteHandle != "vid-clip-"+id {
		t.Errorf("remote handle = %q", d.RemoteHandle)
	}
	if got := rec.recorded(); len(got) != 1 || got[0] != id {
		t.Errorf("recorded = %v", got)
	}
	waitFor(t, time.Second, func() bool { return q.Active() == 0 && q.Waiting() == 0 })
}

func TestQueueReusesRemoteHandle(t *testing.T) {
	sess := session.New(2.0)
	id := queuedDelivery(t, sess, 10)
	sess.SetRemoteHandle(id, "warm-1")

	coach := &fakeCoach{events: map[string][]*Event{
		"warm-1": {{Status: StatusSuccess, Report: "ok"}},
	}}
	q := testQueue(coach, sess, nil)

	if err := q.Request(id); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		d, _ := sess.Delivery(id)
		return d.Status == models.StatusSucceeded
	})

	coach.mu.Lock()
	defer coach.mu.Unlock()
	if len(coach.submitted) != 0 {
		t.Errorf("Submit called despite warm handle: %v", coach.submitted)
	}
	if len(coach.streamed) != 1 || coach.streamed[0] != "warm-1" {
		t.Errorf("streamed = %v", coach.streamed)
	}
}

func TestQueueSingleSlotFIFO(t *testing.T) {
	sess := session.New(2.0)
	first := queuedDelivery(t, sess, 10)
	second := queuedDelivery(t, sess, 20)
	sess.SetRemoteHandle(first, "h1")
	sess.SetRemoteHandle(second, "h2")

	gate := make(chan struct{})
	coach := &fakeCoach{
		gate: gate,
		events: map[string][]*Event{
			"h1": {{Status: StatusSuccess, Report: "first"}},
			"h2": {{Status: StatusSuccess, Report: "second"}},
		},
	}
	q := testQueue(coach, sess, nil)

	if err := q.Request(first); err != nil {
		t.Fatalf("Request first: %v", err)
	}
	if err := q.Request(second); err != nil {
		t.Fatalf("Request second: %v", err)
	}

	// First holds the only slot; second must wait.
	waitFor(t, time.Second, func() bool { return q.Active() == 1 })
	if q.Waiting() != 1 {
		t.Errorf("waiting = %d, want 1", q.Waiting())
	}
	d, _ := sess.Delivery(second)
	if d.Status != models.StatusQueued {
		t.Errorf("second delivery status = %s while slot held", d.Status)
	}

	close(gate)
	waitFor(t, 2*time.Second, func() bool {
		d1, _ := sess.Delivery(first)
		d2, _ := sess.Delivery(second)
		return d1.Status == models.StatusSucceeded && d2.Status == models.StatusSucceeded
	})

	if order := coach.streamOrder(); len(order) != 2 || order[0] != "h1" || order[1] != "h2" {
		t.Errorf("stream order = %v, want [h1 h2]", order)
	}
}

func TestQueueRequestIdempotent(t *testing.T) {
	sess := session.New(2.0)
	first := queuedDelivery(t, sess, 10)
	sess.SetRemoteHandle(first, "h1")

	gate := make(chan struct{})
	coach := &fakeCoach{
		gate:   gate,
		events: map[string][]*Event{"h1": {{Status: StatusSuccess}}},
	}
	q := testQueue(coach, sess, nil)

	for i := 0; i < 3; i++ {
		if err := q.Request(first); err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
	}
	waitFor(t, time.Second, func() bool { return q.Active() == 1 })
	if q.Waiting() != 0 {
		t.Errorf("duplicate requests queued: waiting = %d", q.Waiting())
	}
	close(gate)
	waitFor(t, 2*time.Second, func() bool { return q.Active() == 0 })

	if order := coach.streamOrder(); len(order) != 1 {
		t.Errorf("delivery analyzed %d times", len(order))
	}
}

func TestQueueErrorEventFailsDelivery(t *testing.T) {
	sess := session.New(2.0)
	id := queuedDelivery(t, sess, 10)
	sess.SetRemoteHandle(id, "h1")

	coach := &fakeCoach{events: map[string][]*Event{
		"h1": {
			{Status: StatusError, Message: "Media not found or expired"},
			// A stale success after the verdict must not resurrect it.
			{Status: StatusSuccess, Report: "too late"},
		},
	}}
	rec := &fakeRecorder{}
	q := testQueue(coach, sess, rec)

	if err := q.Request(id); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return q.Active() == 0 && q.Waiting() == 0 })

	d, _ := sess.Delivery(id)
	if d.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.Result != nil {
		t.Error("stale success stored a result")
	}
	if got := rec.recorded(); len(got) != 1 {
		t.Errorf("recorded %d times, want 1", len(got))
	}
}

func TestQueueStreamWithoutVerdictFails(t *testing.T) {
	sess := session.New(2.0)
	id := queuedDelivery(t, sess, 10)
	sess.SetRemoteHandle(id, "h1")

	coach := &fakeCoach{events: map[string][]*Event{
		"h1": {{Status: StatusEvent, Message: "working..."}},
	}}
	q := testQueue(coach, sess, nil)

	if err := q.Request(id); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		d, _ := sess.Delivery(id)
		return d.Status == models.StatusFailed
	})
}

func TestQueueStreamOpenFailure(t *testing.T) {
	sess := session.New(2.0)
	id := queuedDelivery(t, sess, 10)
	sess.SetRemoteHandle(id, "h1")

	coach := &fakeCoach{streamErr: errors.New("connect refused")}
	q := testQueue(coach, sess, nil)

	if err := q.Request(id); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		d, _ := sess.Delivery(id)
		return d.Status == models.StatusFailed
	})
}

func TestQueueCachesOverlayArtifact(t *testing.T) {
	sess := session.New(2.0)
	id := queuedDelivery(t, sess, 10)
	sess.SetRemoteHandle(id, "h1")

	coach := &fakeCoach{events: map[string][]*Event{
		"h1": {
			{Status: StatusSuccess, Report: "good shape"},
			{Status: StatusOverlay, OverlayURL: "https://cdn/overlay.mp4"},
		},
	}}
	overlays := &fakeOverlays{}
	q := testQueueWithOverlays(coach, sess, nil, overlays)

	if err := q.Request(id); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		d, _ := sess.Delivery(id)
		return d.Status == models.StatusSucceeded && d.OverlayLocation != ""
	})

	d, _ := sess.Delivery(id)
	if d.OverlayURL != "https://cdn/overlay.mp4" {
		t.Errorf("overlay url = %q", d.OverlayURL)
	}
	if d.OverlayLocation != "/overlays/"+id+".mp4" {
		t.Errorf("overlay location = %q", d.OverlayLocation)
	}

	overlays.mu.Lock()
	defer overlays.mu.Unlock()
	if overlays.saved[id] != "overlay frames" {
		t.Errorf("cached bytes = %q", overlays.saved[id])
	}
	coach.mu.Lock()
	defer coach.mu.Unlock()
	if len(coach.fetched) != 1 || coach.fetched[0] != "https://cdn/overlay.mp4" {
		t.Errorf("fetched = %v", coach.fetched)
	}
}

func TestQueueOverlayFetchFailureNeverFailsDelivery(t *testing.T) {
	sess := session.New(2.0)
	id := queuedDelivery(t, sess, 10)
	sess.SetRemoteHandle(id, "h1")

	coach := &fakeCoach{
		overlayErr: errors.New("cdn unavailable"),
		events: map[string][]*Event{
			"h1": {
				{Status: StatusSuccess, Report: "good shape"},
				{Status: StatusOverlay, OverlayURL: "https://cdn/overlay.mp4"},
			},
		},
	}
	q := testQueueWithOverlays(coach, sess, nil, &fakeOverlays{})

	if err := q.Request(id); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return q.Active() == 0 && q.Waiting() == 0 })

	d, _ := sess.Delivery(id)
	if d.Status != models.StatusSucceeded {
		t.Errorf("status = %s, want succeeded despite overlay failure", d.Status)
	}
	if d.OverlayLocation != "" {
		t.Errorf("overlay location = %q after failed fetch", d.OverlayLocation)
	}
}

func TestQueueMidStreamConnectionLossSetsOffline(t *testing.T) {
	sess := session.New(2.0)
	id := queuedDelivery(t, sess, 10)
	sess.SetRemoteHandle(id, "h1")

	coach := &fakeCoach{
		readErr: fmt.Errorf("%w: connection reset by peer", ErrUnreachable),
		events: map[string][]*Event{
			"h1": {{Status: StatusEvent, Message: "working..."}},
		},
	}
	q := testQueue(coach, sess, nil)

	if err := q.Request(id); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		d, _ := sess.Delivery(id)
		return d.Status == models.StatusFailed
	})
	if !sess.Offline() {
		t.Error("mid-stream connection loss did not raise the offline flag")
	}
}

func TestQueueRequestValidation(t *testing.T) {
	sess := session.New(2.0)
	q := testQueue(&fakeCoach{}, sess, nil)

	if err := q.Request("unknown"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Request unknown = %v, want ErrNotFound", err)
	}

	d := sess.AddDelivery(5)
	if err := q.Request(d.ID); !errors.Is(err, session.ErrClipNotReady) {
		t.Errorf("Request clipless = %v, want ErrClipNotReady", err)
	}
}
