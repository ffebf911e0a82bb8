package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus tracks a detected delivery from discovery to its final
// analysis result.
type DeliveryStatus string

const (
	StatusDetecting DeliveryStatus = "detecting"
	StatusClipping  DeliveryStatus = "clipping"
	StatusQueued    DeliveryStatus = "queued"
	StatusAnalyzing DeliveryStatus = "analyzing"
	StatusSucceeded DeliveryStatus = "succeeded"
	StatusFailed    DeliveryStatus = "failed"
)

// Terminal reports whether no further pipeline work happens for this
// status without a manual retry.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// legalTransitions encodes the delivery state machine. The only backward
// edge is the manual failed -> queued retry.
var legalTransitions = map[DeliveryStatus][]DeliveryStatus{
	StatusDetecting: {StatusClipping, StatusFailed},
	StatusClipping:  {StatusQueued, StatusFailed},
	StatusQueued:    {StatusAnalyzing},
	StatusAnalyzing: {StatusSucceeded, StatusFailed},
	StatusFailed:    {StatusQueued},
	StatusSucceeded: {StatusQueued},
}

// CanTransition reports whether moving from one status to another is a
// legal state machine edge.
func CanTransition(from, to DeliveryStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Delivery is one detected bowling delivery within a session.
type Delivery struct {
	ID       string `json:"id"`
	Sequence int    `json:"sequence"`

	// EventTimestamp is the absolute release point in seconds into the
	// source video.
	EventTimestamp float64        `json:"event_timestamp"`
	Status         DeliveryStatus `json:"status"`

	// ClipLocation is the precision clip path, empty until clipping
	// finishes. A delivery without a clip can never be queued.
	ClipLocation      string `json:"clip_location,omitempty"`
	ThumbnailLocation string `json:"thumbnail_location,omitempty"`

	// RemoteHandle is a pre-warmed backend identifier for the clip,
	// set at most once, best effort.
	RemoteHandle string `json:"remote_handle,omitempty"`

	// OverlayURL references the biomechanics overlay artifact emitted
	// mid-stream by the Coach. OverlayLocation is the locally cached
	// copy, fetched asynchronously after the overlay event.
	OverlayURL      string `json:"overlay_url,omitempty"`
	OverlayLocation string `json:"overlay_location,omitempty"`

	Result   *AnalysisResult `json:"result,omitempty"`
	Progress []string        `json:"progress,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewDelivery creates a delivery in the detecting state.
func NewDelivery(sequence int, eventTimestamp float64) *Delivery {
	return &Delivery{
		ID:             uuid.New().String(),
		Sequence:       sequence,
		EventTimestamp: eventTimestamp,
		Status:         StatusDetecting,
		CreatedAt:      time.Now(),
	}
}

// Clone returns a snapshot copy safe to hand to readers while the
// pipeline keeps mutating the original.
func (d *Delivery) Clone() *Delivery {
	c := *d
	if d.Result != nil {
		r := *d.Result
		r.Tips = append([]string(nil), d.Result.Tips...)
		r.Phases = append([]Phase(nil), d.Result.Phases...)
		c.Result = &r
	}
	c.Progress = append([]string(nil), d.Progress...)
	return &c
}
