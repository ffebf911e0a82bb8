package session

import (
	"context"
	"errors"
	"testing"

	"github.com/kanarupandev/bowlingMate/internal/models"
)

func addQueuedDelivery(t *testing.T, s *Session, ts float64) string {
	t.Helper()
	d := s.AddDelivery(ts)
	if err := s.BeginClipping(d.ID); err != nil {
		t.Fatalf("BeginClipping: %v", err)
	}
	if err := s.ClipReady(d.ID, "/clips/"+d.ID+".mp4"); err != nil {
		t.Fatalf("ClipReady: %v", err)
	}
	return d.ID
}

func TestDeliveryLifecycle(t *testing.T) {
	s := New(2.0)
	id := addQueuedDelivery(t, s, 12.5)

	if err := s.BeginAnalysis(id); err != nil {
		t.Fatalf("BeginAnalysis: %v", err)
	}
	if !s.CompleteAnalysis(id, &models.AnalysisResult{Report: "solid delivery"}) {
		t.Fatal("CompleteAnalysis returned false for analyzing delivery")
	}

	d, ok := s.Delivery(id)
	if !ok {
		t.Fatal("delivery disappeared")
	}
	if d.Status != models.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", d.Status)
	}
	if d.Result == nil || d.Result.Report != "solid delivery" {
		t.Errorf("result not stored: %+v", d.Result)
	}
}

func TestClipReadyRejectsEmptyPath(t *testing.T) {
	s := New(2.0)
	d := s.AddDelivery(5.0)
	if err := s.BeginClipping(d.ID); err != nil {
		t.Fatalf("BeginClipping: %v", err)
	}
	if err := s.ClipReady(d.ID, ""); !errors.Is(err, ErrClipNotReady) {
		t.Errorf("ClipReady with empty path = %v, want ErrClipNotReady", err)
	}

	got, _ := s.Delivery(d.ID)
	if got.Status == models.StatusQueued {
		t.Error("delivery reached queued without a clip")
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	s := New(2.0)
	d := s.AddDelivery(5.0)

	// detecting -> analyzing skips clipping and queueing.
	if err := s.BeginAnalysis(d.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("BeginAnalysis from detecting = %v, want ErrIllegalTransition", err)
	}
}

func TestStaleTerminalEventsIgnored(t *testing.T) {
	s := New(2.0)
	id := addQueuedDelivery(t, s, 12.5)
	if err := s.BeginAnalysis(id); err != nil {
		t.Fatalf("BeginAnalysis: %v", err)
	}

	if !s.FailAnalysis(id) {
		t.Fatal("first FailAnalysis should apply")
	}
	if s.FailAnalysis(id) {
		t.Error("second FailAnalysis applied to terminal delivery")
	}
	if s.CompleteAnalysis(id, &models.AnalysisResult{Report: "late"}) {
		t.Error("stale success applied to failed delivery")
	}

	d, _ := s.Delivery(id)
	if d.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.Result != nil {
		t.Error("stale result was stored")
	}
}

func TestRequeue(t *testing.T) {
	t.Run("failed delivery with clip requeues", func(t *testing.T) {
		s := New(2.0)
		id := addQueuedDelivery(t, s, 10.0)
		if err := s.BeginAnalysis(id); err != nil {
			t.Fatalf("BeginAnalysis: %v", err)
		}
		s.FailAnalysis(id)

		if err := s.Requeue(id); err != nil {
			t.Fatalf("Requeue: %v", err)
		}
		d, _ := s.Delivery(id)
		if d.Status != models.StatusQueued {
			t.Errorf("status = %s, want queued", d.Status)
		}
	})

	t.Run("delivery without clip rejected", func(t *testing.T) {
		s := New(2.0)
		d := s.AddDelivery(10.0)
		s.BeginClipping(d.ID)
		s.ClipFailed(d.ID)

		if err := s.Requeue(d.ID); !errors.Is(err, ErrClipNotReady) {
			t.Errorf("Requeue without clip = %v, want ErrClipNotReady", err)
		}
	})

	t.Run("idempotent while queued or analyzing", func(t *testing.T) {
		s := New(2.0)
		id := addQueuedDelivery(t, s, 10.0)

		if err := s.Requeue(id); err != nil {
			t.Fatalf("Requeue while queued: %v", err)
		}
		s.BeginAnalysis(id)
		if err := s.Requeue(id); err != nil {
			t.Fatalf("Requeue while analyzing: %v", err)
		}
		d, _ := s.Delivery(id)
		if d.Status != models.StatusAnalyzing {
			t.Errorf("status = %s, want analyzing untouched", d.Status)
		}
	})

	t.Run("unknown delivery", func(t *testing.T) {
		s := New(2.0)
		if err := s.Requeue("nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Requeue unknown = %v, want ErrNotFound", err)
		}
	})
}

func TestDeliveriesChronologicalAndSequenced(t *testing.T) {
	s := New(2.0)
	for _, ts := range []float64{10.0, 55.0, 120.0} {
		if !s.AcceptTimestamp(ts) {
			t.Fatalf("timestamp %v rejected", ts)
		}
		s.AddDelivery(ts)
	}

	ds := s.Deliveries()
	if len(ds) != 3 {
		t.Fatalf("got %d deliveries, want 3", len(ds))
	}
	for i, d := range ds {
		if d.Sequence != i+1 {
			t.Errorf("delivery %d sequence = %d, want %d", i, d.Sequence, i+1)
		}
		if i > 0 && ds[i-1].EventTimestamp >= d.EventTimestamp {
			t.Errorf("deliveries not chronological at index %d", i)
		}
	}
}

func TestAddDeliveryBackfillResequences(t *testing.T) {
	// Window overlap can surface an earlier event after a later one;
	// sequences must still follow the timeline.
	s := New(2.0)
	s.AddDelivery(119.9)
	s.AddDelivery(150.0)
	s.AddDelivery(117.6)

	ds := s.Deliveries()
	if len(ds) != 3 {
		t.Fatalf("got %d deliveries, want 3", len(ds))
	}
	wantTS := []float64{117.6, 119.9, 150.0}
	for i, d := range ds {
		if d.EventTimestamp != wantTS[i] {
			t.Errorf("delivery %d timestamp = %v, want %v", i, d.EventTimestamp, wantTS[i])
		}
		if d.Sequence != i+1 {
			t.Errorf("delivery %d sequence = %d, want %d", i, d.Sequence, i+1)
		}
	}
}

func TestTerminalDeliveryIgnoresLateStreamNoise(t *testing.T) {
	s := New(2.0)
	id := addQueuedDelivery(t, s, 10.0)
	if err := s.BeginAnalysis(id); err != nil {
		t.Fatalf("BeginAnalysis: %v", err)
	}
	s.CompleteAnalysis(id, &models.AnalysisResult{Report: "done"})

	s.AppendProgress(id, "late progress line")
	d, _ := s.Delivery(id)
	if len(d.Progress) != 0 {
		t.Errorf("progress appended after verdict: %v", d.Progress)
	}

	// Overlay frames legitimately trail the success verdict.
	s.SetOverlay(id, "https://cdn/overlay.mp4")
	d, _ = s.Delivery(id)
	if d.OverlayURL != "https://cdn/overlay.mp4" {
		t.Errorf("trailing overlay dropped: %q", d.OverlayURL)
	}
}

func TestFailedDeliveryRejectsOverlay(t *testing.T) {
	s := New(2.0)
	id := addQueuedDelivery(t, s, 10.0)
	if err := s.BeginAnalysis(id); err != nil {
		t.Fatalf("BeginAnalysis: %v", err)
	}
	s.FailAnalysis(id)

	s.SetOverlay(id, "https://cdn/overlay.mp4")
	s.SetOverlayLocation(id, "/overlays/x.mp4")

	d, _ := s.Delivery(id)
	if d.OverlayURL != "" || d.OverlayLocation != "" {
		t.Errorf("failed delivery accepted overlay: url=%q location=%q", d.OverlayURL, d.OverlayLocation)
	}
}

func TestSetRemoteHandleOnce(t *testing.T) {
	s := New(2.0)
	d := s.AddDelivery(5.0)

	s.SetRemoteHandle(d.ID, "handle-1")
	s.SetRemoteHandle(d.ID, "handle-2")

	got, _ := s.Delivery(d.ID)
	if got.RemoteHandle != "handle-1" {
		t.Errorf("RemoteHandle = %q, want first write kept", got.RemoteHandle)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := New(2.0)
	d := s.AddDelivery(5.0)
	s.AppendProgress(d.ID, "step one")

	snap, _ := s.Delivery(d.ID)
	snap.Progress[0] = "mutated"
	snap.Status = models.StatusSucceeded

	fresh, _ := s.Delivery(d.ID)
	if fresh.Progress[0] != "step one" {
		t.Error("snapshot mutation leaked into session")
	}
	if fresh.Status != models.StatusDetecting {
		t.Error("snapshot status mutation leaked into session")
	}
}

func TestManagerStartNewCancelsScan(t *testing.T) {
	m := NewManager(2.0)
	sess := m.Current()

	ctx := m.BindScan(context.Background(), sess)
	if ctx.Err() != nil {
		t.Fatal("fresh scan context already cancelled")
	}

	fresh := m.StartNew()
	if ctx.Err() == nil {
		t.Error("old scan context not cancelled by StartNew")
	}
	if fresh == sess {
		t.Error("StartNew returned the old session")
	}

	// Binding against the discarded session yields a dead context.
	stale := m.BindScan(context.Background(), sess)
	if stale.Err() == nil {
		t.Error("bind against stale session returned a live context")
	}
}
