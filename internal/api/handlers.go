// Package api exposes the pipeline over HTTP for the companion app:
// uploads kick off scans, deliveries are listed and retried, progress
// streams out as server-sent events.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/kanarupandev/bowlingMate/internal/analysis"
	"github.com/kanarupandev/bowlingMate/internal/database"
	"github.com/kanarupandev/bowlingMate/internal/logging"
	"github.com/kanarupandev/bowlingMate/internal/scanner"
	"github.com/kanarupandev/bowlingMate/internal/session"
	"github.com/kanarupandev/bowlingMate/internal/storage"
)

// App bundles the pipeline pieces the handlers dispatch into.
type App struct {
	Store         storage.Store
	Scanner       *scanner.Scheduler
	Sessions      *session.Manager
	Queue         *analysis.Queue
	History       *database.DeliveryRepo
	Archiver      *storage.BlobUploader
	MaxUploadSize int64

	// APISecret guards every route except health when non-empty.
	APISecret string
}

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "bowlingMate",
	})
}

// UploadHandler accepts a source video and starts a full scan over it.
// The scan runs detached; clients follow progress via the session
// snapshot and delivery streams.
func (app *App) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxUploadSize)

	if err := r.ParseMultipartForm(app.MaxUploadSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing video file")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "video/") && contentType != "application/octet-stream" {
		if strings.ToLower(filepath.Ext(header.Filename)) != ".mp4" {
			writeError(w, http.StatusBadRequest, "only video files are allowed")
			return
		}
	}

	name, err := app.Store.SaveUpload(file, storage.FileInfo{
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save upload")
		return
	}

	source, err := app.Store.Path(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve upload")
		return
	}

	sess := app.Sessions.Current()
	ctx := app.Sessions.BindScan(context.Background(), sess)
	go func() {
		if _, err := app.Scanner.Scan(ctx, sess, source); err != nil {
			log := logging.Component("api")
			log.Warn().Err(err).Str("session", sess.ID).Msg("[API] Scan ended with error")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sess.ID,
		"upload":     name,
		"status":     "scanning",
	})
}

// SegmentHandler accepts one live-recorded segment and scans it with
// its offset into the session timeline.
func (app *App) SegmentHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, app.MaxUploadSize)

	if err := r.ParseMultipartForm(app.MaxUploadSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing video file")
		return
	}
	defer file.Close()

	baseOffset, err := strconv.ParseFloat(r.FormValue("base_offset"), 64)
	if err != nil || baseOffset < 0 {
		writeError(w, http.StatusBadRequest, "base_offset must be a non-negative number")
		return
	}

	name, err := app.Store.SaveUpload(file, storage.FileInfo{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save segment")
		return
	}

	source, err := app.Store.Path(name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve segment")
		return
	}

	sess := app.Sessions.Current()
	ctx := app.Sessions.BindScan(context.Background(), sess)
	go func() {
		if _, err := app.Scanner.ScanSegment(ctx, sess, source, baseOffset); err != nil {
			log := logging.Component("api")
			log.Warn().Err(err).Str("session", sess.ID).Msg("[API] Segment scan ended with error")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id":  sess.ID,
		"base_offset": baseOffset,
		"status":      "scanning",
	})
}

// SessionHandler returns the full session snapshot.
func (app *App) SessionHandler(w http.ResponseWriter, r *http.Request) {
	sess := app.Sessions.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":       sess.ID,
		"created_at":       sess.CreatedAt,
		"scan_state":       sess.ScanStatus(),
		"offline":          sess.Offline(),
		"pending_segments": sess.PendingSegments(),
		"deliveries":       sess.Deliveries(),
	})
}

// NewSessionHandler discards the current session and starts fresh. The
// old session's scan is cancelled; its terminal deliveries are already
// in history, and their clips are pushed to the cloud store before the
// local session state is dropped.
func (app *App) NewSessionHandler(w http.ResponseWriter, r *http.Request) {
	old := app.Sessions.Current()
	finished := old.Deliveries()

	sess := app.Sessions.StartNew()

	if app.Archiver != nil && len(finished) > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := app.Archiver.ArchiveSession(ctx, finished); err != nil {
				log := logging.Component("api")
				log.Warn().Err(err).Str("session", old.ID).Msg("[API] Session archive incomplete")
			}
		}()
	}

	writeJSON(w, http.StatusOK, map[string]string{"session_id": sess.ID})
}

// ListDeliveriesHandler returns the current session's deliveries in
// chronological order.
func (app *App) ListDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": app.Sessions.Current().Deliveries(),
	})
}

// GetDeliveryHandler returns one delivery snapshot.
func (app *App) GetDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := app.Sessions.Current().Delivery(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// AnalyzeDeliveryHandler requeues a delivery for analysis. Used both
// for manual retry after failure and to resubmit a finished delivery.
func (app *App) AnalyzeDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess := app.Sessions.Current()

	if err := sess.Requeue(id); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			writeError(w, http.StatusNotFound, "delivery not found")
		case errors.Is(err, session.ErrClipNotReady):
			writeError(w, http.StatusConflict, "clip not ready")
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}

	if err := app.Queue.Request(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
}

// HistoryHandler lists persisted deliveries across sessions, newest
// first.
func (app *App) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := app.History.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": entries})
}

// ClipHandler streams a delivery's precision clip with range support.
func (app *App) ClipHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := app.Sessions.Current().Delivery(chi.URLParam(r, "id"))
	if !ok || d.ClipLocation == "" {
		http.NotFound(w, r)
		return
	}
	app.serveFile(w, r, d.ClipLocation, "video/mp4")
}

// OverlayHandler serves the locally cached biomechanics overlay. 404
// until the async fetch lands; clients fall back to OverlayURL.
func (app *App) OverlayHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := app.Sessions.Current().Delivery(chi.URLParam(r, "id"))
	if !ok || d.OverlayLocation == "" {
		http.NotFound(w, r)
		return
	}
	app.serveFile(w, r, d.OverlayLocation, "video/mp4")
}

// ThumbnailHandler serves a delivery's thumbnail.
func (app *App) ThumbnailHandler(w http.ResponseWriter, r *http.Request) {
	d, ok := app.Sessions.Current().Delivery(chi.URLParam(r, "id"))
	if !ok || d.ThumbnailLocation == "" {
		http.NotFound(w, r)
		return
	}
	app.serveFile(w, r, d.ThumbnailLocation, "image/jpeg")
}

// serveFile serves a pipeline artifact by its recorded path. Paths come
// from the session, never from the request, so there is no traversal
// surface here.
func (app *App) serveFile(w http.ResponseWriter, r *http.Request, path, contentType string) {
	file, err := os.Open(path)
	if err != nil {
		http.Error(w, "artifact not found", http.StatusNotFound)
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		http.Error(w, "error accessing artifact", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, filepath.Base(path), stat.ModTime(), file)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log := logging.Component("api")
		log.Error().Err(err).Msg("[API] Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
