// Package storage keeps source uploads and serves clip artifacts from
// local disk, and archives finished deliveries to the remote backend.
package storage

import (
	"io"
	"mime/multipart"
)

// FileInfo describes an incoming upload.
type FileInfo struct {
	Filename    string
	ContentType string
	Size        int64
}

// Store is the local artifact store for source videos and cached
// analysis artifacts.
type Store interface {
	SaveUpload(file multipart.File, info FileInfo) (string, error)
	// SaveOverlay caches a fetched overlay artifact under a stable
	// per-delivery name and returns its absolute path.
	SaveOverlay(deliveryID string, r io.Reader) (string, error)
	Open(name string) (io.ReadSeekCloser, error)
	Delete(name string) error
	// Path resolves a stored name to its absolute location for the
	// clip pipeline to read.
	Path(name string) (string, error)
}
