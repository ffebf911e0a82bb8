package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kanarupandev/bowlingMate/internal/logging"
	"github.com/kanarupandev/bowlingMate/internal/models"
)

// ErrDeliveryNotFound reports an unknown delivery ID in history.
var ErrDeliveryNotFound = errors.New("delivery not found")

// HistoryEntry is one persisted delivery row.
type HistoryEntry struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Sequence         int       `json:"sequence"`
	EventTimestamp   float64   `json:"event_timestamp"`
	Status           string    `json:"status"`
	ClipPath         string    `json:"clip_path,omitempty"`
	ThumbnailPath    string    `json:"thumbnail_path,omitempty"`
	OverlayURL       string    `json:"overlay_url,omitempty"`
	Report           string    `json:"report,omitempty"`
	Speed            string    `json:"speed,omitempty"`
	Tips             []string  `json:"tips,omitempty"`
	Effort           string    `json:"effort,omitempty"`
	ReleaseTimestamp float64   `json:"release_timestamp,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type DeliveryRepo struct {
	db *DB
}

func NewDeliveryRepo(db *DB) *DeliveryRepo {
	return &DeliveryRepo{db: db}
}

// Save upserts a delivery into history. Re-saving after a retry
// replaces the earlier terminal row.
func (r *DeliveryRepo) Save(sessionID string, d *models.Delivery) error {
	var report, speed, tips, effort string
	var releaseTS float64
	if d.Result != nil {
		report = d.Result.Report
		speed = d.Result.SpeedEstimate
		tips = strings.Join(d.Result.Tips, "\n")
		effort = d.Result.Effort
		releaseTS = d.Result.ReleaseTimestamp
	}

	query := `
		INSERT OR REPLACE INTO deliveries
		(id, session_id, sequence, event_timestamp, status, clip_path, thumbnail_path,
		 overlay_url, report, speed, tips, effort, release_timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.conn.Exec(query,
		d.ID, sessionID, d.Sequence, d.EventTimestamp, string(d.Status),
		d.ClipLocation, d.ThumbnailLocation, d.OverlayURL,
		report, speed, tips, effort, releaseTS, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save delivery: %w", err)
	}
	return nil
}

// Record satisfies the analysis queue's persistence hook. Failures are
// logged; history persistence never blocks the pipeline.
func (r *DeliveryRepo) Record(sessionID string, d *models.Delivery) {
	if err := r.Save(sessionID, d); err != nil {
		log := logging.Component("database")
		log.Error().Err(err).Str("delivery", d.ID).Msg("[DB] Failed to persist delivery")
	}
}

// List returns history entries newest first.
func (r *DeliveryRepo) List(limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, session_id, sequence, event_timestamp, status, clip_path,
		       thumbnail_path, overlay_url, report, speed, tips, effort,
		       release_timestamp, created_at
		FROM deliveries ORDER BY created_at DESC, sequence DESC LIMIT ?`

	rows, err := r.db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get returns one history entry by ID.
func (r *DeliveryRepo) Get(id string) (*HistoryEntry, error) {
	query := `
		SELECT id, session_id, sequence, event_timestamp, status, clip_path,
		       thumbnail_path, overlay_url, report, speed, tips, effort,
		       release_timestamp, created_at
		FROM deliveries WHERE id = ?`

	row := r.db.conn.QueryRow(query, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteSession removes all history rows for one session.
func (r *DeliveryRepo) DeleteSession(sessionID string) error {
	_, err := r.db.conn.Exec("DELETE FROM deliveries WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session history: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*HistoryEntry, error) {
	var entry HistoryEntry
	var clip, thumb, overlay, report, speed, tips, effort sql.NullString
	var releaseTS sql.NullFloat64

	err := row.Scan(&entry.ID, &entry.SessionID, &entry.Sequence, &entry.EventTimestamp,
		&entry.Status, &clip, &thumb, &overlay, &report, &speed, &tips, &effort,
		&releaseTS, &entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	entry.ClipPath = clip.String
	entry.ThumbnailPath = thumb.String
	entry.OverlayURL = overlay.String
	entry.Report = report.String
	entry.Speed = speed.String
	entry.Effort = effort.String
	entry.ReleaseTimestamp = releaseTS.Float64
	if tips.String != "" {
		entry.Tips = strings.Split(tips.String, "\n")
	}
	return &entry, nil
}
