// Package session holds the mutable state for one recording/upload run:
// the delivery collection, the dedup registry, pending-segment counters
// and the backend-offline flag.
//
// The session is the single serialization point for delivery mutation.
// Discovery, clip completion and analysis events all run on their own
// goroutines and mutate through the methods here; readers get snapshot
// copies.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kanarupandev/bowlingMate/internal/logging"
	"github.com/kanarupandev/bowlingMate/internal/models"
)

var (
	// ErrNotFound reports an unknown delivery ID.
	ErrNotFound = errors.New("delivery not found")
	// ErrClipNotReady rejects queueing a delivery that has no clip yet.
	ErrClipNotReady = errors.New("clip not ready")
	// ErrIllegalTransition reports a state machine violation.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// ScanState summarizes the chunk scan for UI snapshots.
type ScanState string

const (
	ScanIdle     ScanState = "idle"
	ScanRunning  ScanState = "scanning"
	ScanComplete ScanState = "complete"
	ScanFailed   ScanState = "failed"
)

// Session is the aggregate for one recording/upload run. Created on
// session start and discarded wholesale on new-session; terminal
// deliveries may be copied into the long-lived history store before
// that.
type Session struct {
	ID        string
	CreatedAt time.Time

	registry *Registry
	log      zerolog.Logger

	mu              sync.RWMutex
	deliveries      []*models.Delivery // sorted by EventTimestamp
	byID            map[string]*models.Delivery
	pendingSegments int
	scanState       ScanState
	offline         bool
}

// New creates an empty session with a fresh dedup registry.
func New(dedupThreshold float64) *Session {
	return &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		registry:  NewRegistry(dedupThreshold),
		log:       logging.Component("session"),
		byID:      make(map[string]*models.Delivery),
		scanState: ScanIdle,
	}
}

// AcceptTimestamp submits a detected timestamp to the dedup registry.
func (s *Session) AcceptTimestamp(ts float64) bool {
	return s.registry.Accept(ts)
}

// AddDelivery creates a delivery in the detecting state and inserts it
// in chronological order. Sequence numbers are gap-free and always
// follow timestamp order: window overlap can surface an earlier event
// after a later one, and the late insert shifts every sequence behind
// it up by one.
func (s *Session) AddDelivery(eventTimestamp float64) *models.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.deliveries), func(i int) bool {
		return s.deliveries[i].EventTimestamp > eventTimestamp
	})
	d := models.NewDelivery(i+1, eventTimestamp)
	s.byID[d.ID] = d

	s.deliveries = append(s.deliveries, nil)
	copy(s.deliveries[i+1:], s.deliveries[i:])
	s.deliveries[i] = d
	for j := i + 1; j < len(s.deliveries); j++ {
		s.deliveries[j].Sequence = j + 1
	}

	s.log.Info().
		Str("delivery", d.ID).
		Int("sequence", d.Sequence).
		Float64("timestamp", eventTimestamp).
		Msg("[SESSION] Delivery discovered")
	return d.Clone()
}

func (s *Session) transition(id string, to models.DeliveryStatus) error {
	d, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.Status == to {
		return nil
	}
	if !models.CanTransition(d.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, d.Status, to)
	}
	d.Status = to
	return nil
}

// BeginClipping moves a freshly discovered delivery into the clipping
// state.
func (s *Session) BeginClipping(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, models.StatusClipping)
}

// ClipReady records the precision clip and queues the delivery.
func (s *Session) ClipReady(id, clipPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clipPath == "" {
		return ErrClipNotReady
	}
	d, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.ClipLocation = clipPath
	return s.transition(id, models.StatusQueued)
}

// ClipFailed marks a delivery whose precision clip could not be
// extracted. It never reaches the analysis queue without a manual retry,
// which is impossible while ClipLocation stays empty.
func (s *Session) ClipFailed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, models.StatusFailed)
}

// Requeue re-enters the queued state for a manual analysis request. A
// delivery that is already queued or analyzing is left alone (idempotent
// resubmit); one without a clip is rejected.
func (s *Session) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.ClipLocation == "" {
		return ErrClipNotReady
	}
	if d.Status == models.StatusQueued || d.Status == models.StatusAnalyzing {
		return nil
	}
	return s.transition(id, models.StatusQueued)
}

// BeginAnalysis claims a queued delivery for an analysis slot.
func (s *Session) BeginAnalysis(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(id, models.StatusAnalyzing)
}

// AppendProgress adds a progress log line from the analysis stream.
// Terminal deliveries ignore late lines from stale streams.
func (s *Session) AppendProgress(id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[id]; ok && !d.Status.Terminal() {
		d.Progress = append(d.Progress, message)
	}
}

// SetOverlay stores the overlay artifact reference. It never changes
// delivery status. Overlay frames legitimately trail the success
// verdict, so succeeded deliveries still accept them; failed ones
// do not.
func (s *Session) SetOverlay(id, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[id]; ok && d.Status != models.StatusFailed {
		d.OverlayURL = url
	}
}

// SetOverlayLocation records the locally cached overlay artifact.
func (s *Session) SetOverlayLocation(id, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[id]; ok && d.Status != models.StatusFailed {
		d.OverlayLocation = path
	}
}

// SetThumbnail records the async-generated thumbnail path.
func (s *Session) SetThumbnail(id, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[id]; ok {
		d.ThumbnailLocation = path
	}
}

// SetRemoteHandle records the pre-warmed backend handle, at most once.
func (s *Session) SetRemoteHandle(id, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.byID[id]; ok && d.RemoteHandle == "" {
		d.RemoteHandle = handle
	}
}

// CompleteAnalysis stores the result and finishes the delivery. Returns
// false without mutating when the delivery is already terminal, so a
// stale or duplicate stream cannot resurrect a finished item.
func (s *Session) CompleteAnalysis(id string, result *models.AnalysisResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok || d.Status.Terminal() {
		return false
	}
	if err := s.transition(id, models.StatusSucceeded); err != nil {
		return false
	}
	d.Result = result
	return true
}

// FailAnalysis finishes the delivery as failed. Returns false without
// mutating when the delivery is already terminal.
func (s *Session) FailAnalysis(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok || d.Status.Terminal() {
		return false
	}
	if err := s.transition(id, models.StatusFailed); err != nil {
		return false
	}
	return true
}

// Delivery returns a snapshot of one delivery.
func (s *Session) Delivery(id string) (*models.Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// Deliveries returns snapshots in chronological order.
func (s *Session) Deliveries() []*models.Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Delivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, d.Clone())
	}
	return out
}

// SetScanState records the scan lifecycle for UI snapshots.
func (s *Session) SetScanState(state ScanState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanState = state
}

// ScanStatus returns the current scan state.
func (s *Session) ScanStatus() ScanState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanState
}

// BeginSegment bumps the in-flight live-segment counter.
func (s *Session) BeginSegment() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSegments++
}

// EndSegment decrements the in-flight live-segment counter.
func (s *Session) EndSegment() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingSegments > 0 {
		s.pendingSegments--
	}
}

// PendingSegments returns the number of live segments still scanning.
func (s *Session) PendingSegments() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingSegments
}

// SetOffline raises or clears the backend-offline banner flag.
func (s *Session) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline != offline {
		s.log.Warn().Bool("offline", offline).Msg("[SESSION] Backend reachability changed")
	}
	s.offline = offline
}

// Offline reports whether the backend is currently flagged unreachable.
func (s *Session) Offline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offline
}
