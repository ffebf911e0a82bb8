package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/kanarupandev/bowlingMate/internal/models"
)

// streamPollInterval is how often delivery snapshots are compared for
// new progress to push.
const streamPollInterval = 300 * time.Millisecond

type streamEvent struct {
	Status     string                 `json:"status"`
	Message    string                 `json:"message,omitempty"`
	OverlayURL string                 `json:"overlay_url,omitempty"`
	Result     *models.AnalysisResult `json:"result,omitempty"`
}

// DeliveryStreamHandler pushes one delivery's analysis progress as
// server-sent events: each new progress line, the overlay when it
// lands, and a final success or error event when the delivery goes
// terminal.
func (app *App) DeliveryStreamHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess := app.Sessions.Current()

	if _, ok := sess.Delivery(id); !ok {
		http.Error(w, "delivery not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	clientGone := r.Context().Done()
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	sentProgress := 0
	sentOverlay := false

	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
		}

		d, ok := sess.Delivery(id)
		if !ok {
			// Session was replaced under the stream.
			return
		}

		for ; sentProgress < len(d.Progress); sentProgress++ {
			sendEvent(w, streamEvent{Status: "event", Message: d.Progress[sentProgress]})
		}
		if !sentOverlay && d.OverlayURL != "" {
			sendEvent(w, streamEvent{Status: "overlay", OverlayURL: d.OverlayURL})
			sentOverlay = true
		}

		switch d.Status {
		case models.StatusSucceeded:
			sendEvent(w, streamEvent{Status: "success", Result: d.Result})
			flusher.Flush()
			return
		case models.StatusFailed:
			sendEvent(w, streamEvent{Status: "error", Message: "analysis failed"})
			flusher.Flush()
			return
		}

		flusher.Flush()
	}
}

func sendEvent(w http.ResponseWriter, ev streamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
