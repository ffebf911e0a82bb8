package storage

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LocalStore keeps source videos on local disk under a single base
// directory. Names handed out are opaque and never contain path
// separators the caller chose.
type LocalStore struct {
	basePath string
}

func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// SaveUpload streams an uploaded source video to disk under a fresh
// name and returns that name.
func (ls *LocalStore) SaveUpload(file multipart.File, info FileInfo) (string, error) {
	ext := filepath.Ext(info.Filename)
	if ext == "" {
		ext = ".mp4"
	}

	name := fmt.Sprintf("%s%s", uuid.New().String(), ext)
	fullPath := filepath.Join(ls.basePath, name)

	dst, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(fullPath)
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return name, nil
}

// SaveOverlay caches a fetched overlay artifact, replacing any earlier
// copy for the same delivery.
func (ls *LocalStore) SaveOverlay(deliveryID string, r io.Reader) (string, error) {
	fullPath, err := ls.resolve(deliveryID + "_overlay.mp4")
	if err != nil {
		return "", err
	}

	dst, err := os.Create(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to create overlay file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, r); err != nil {
		os.Remove(fullPath)
		return "", fmt.Errorf("failed to cache overlay: %w", err)
	}
	return fullPath, nil
}

func (ls *LocalStore) Open(name string) (io.ReadSeekCloser, error) {
	fullPath, err := ls.resolve(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (ls *LocalStore) Delete(name string) error {
	fullPath, err := ls.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Path resolves a stored name to its absolute on-disk location.
func (ls *LocalStore) Path(name string) (string, error) {
	return ls.resolve(name)
}

func (ls *LocalStore) resolve(name string) (string, error) {
	clean := filepath.Clean(name)
	if strings.Contains(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid path")
	}
	return filepath.Join(ls.basePath, clean), nil
}
