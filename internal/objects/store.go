package objects

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const defaultMaxBytes = 5 << 20

var (
	// ErrEmptyObject indicates an upload without content.
	ErrEmptyObject = errors.New("objects: empty payload")
	// ErrTooLarge indicates the payload exceeds the configured cap.
	ErrTooLarge = errors.New("objects: payload too large")
	// ErrUnsupportedMedia indicates the payload is not an accepted image type.
	ErrUnsupportedMedia = errors.New("objects: unsupported media type")
	// ErrInvalidName indicates an object name that could escape the store directory.
	ErrInvalidName = errors.New("objects: invalid object name")
)

var allowedImageTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

// Reference describes a stored object by its public location.
type Reference struct {
	URL      string `json:"reference"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// LocalStoreConfig configures the filesystem object store.
type LocalStoreConfig struct {
	Dir          string
	PublicPrefix string
	MaxBytes     int64
}

// LocalStore keeps uploaded images on the local filesystem.
type LocalStore struct {
	dir      string
	prefix   string
	maxBytes int64
}

// NewLocalStore constructs the store and creates its directory.
func NewLocalStore(cfg LocalStoreConfig) (*LocalStore, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, fmt.Errorf("objects: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("objects: creating directory: %w", err)
	}
	prefix := "/" + strings.Trim(strings.TrimSpace(cfg.PublicPrefix), "/")
	if prefix == "/" {
		prefix = "/uploads"
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &LocalStore{dir: dir, prefix: prefix, maxBytes: maxBytes}, nil
}

// MaxBytes is the upload cap.
func (s *LocalStore) MaxBytes() int64 {
	return s.maxBytes
}

// Put validates the payload as an accepted image and stores it under a random name.
func (s *LocalStore) Put(ctx context.Context, data []byte, declaredMIME string) (Reference, error) {
	if len(data) == 0 {
		return Reference{}, ErrEmptyObject
	}
	if int64(len(data)) > s.maxBytes {
		return Reference{}, fmt.Errorf("%w: %d bytes (limit is %d)", ErrTooLarge, len(data), s.maxBytes)
	}
	declared := strings.ToLower(strings.TrimSpace(declaredMIME))
	if declared != "" && !strings.HasPrefix(declared, "image/") {
		return Reference{}, fmt.Errorf("%w: declared %s", ErrUnsupportedMedia, declared)
	}

	detected := mimetype.Detect(data)
	if _, ok := allowedImageTypes[detected.String()]; !ok {
		return Reference{}, fmt.Errorf("%w: detected %s", ErrUnsupportedMedia, detected.String())
	}
	if err := ctx.Err(); err != nil {
		return Reference{}, err
	}

	name := uuid.NewString() + detected.Extension()
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return Reference{}, fmt.Errorf("objects: writing %s: %w", name, err)
	}

	return Reference{
		URL:      path.Join(s.prefix, name),
		MimeType: detected.String(),
		Size:     int64(len(data)),
	}, nil
}

// Exists reports whether ref points at an object held by this store.
func (s *LocalStore) Exists(ref string) bool {
	name, ok := strings.CutPrefix(strings.TrimSpace(ref), s.prefix+"/")
	if !ok {
		return false
	}
	filePath, err := s.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(filePath)
	return err == nil && info.Mode().IsRegular()
}

// Path maps an object name to its location on disk.
func (s *LocalStore) Path(name string) (string, error) {
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, name), nil
}
