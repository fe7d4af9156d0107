// Package storage persists uploaded source archives and build outputs and
// hands back durable URLs for them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Provider names accepted in Config.Provider.
const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
)

// ErrStorageUnavailable matches every failure returned by an ArtifactStore.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ArtifactStore stores a blob and returns a URL other parties can fetch it from.
type ArtifactStore interface {
	Store(ctx context.Context, r io.Reader, name string) (string, error)
}

// StorageError wraps a backend failure with context.
type StorageError struct {
	// Op is the operation that failed (e.g. "Store").
	Op string

	// Backend is the provider name.
	Backend string

	// Name is the object name, if known.
	Name string

	// Code is the backend error code, if the backend returned one.
	Code string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Backend, e.Op)
	if e.Name != "" {
		msg += " " + e.Name
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	return msg + ": " + fmt.Sprint(e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports every StorageError as ErrStorageUnavailable.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// Config selects and configures the artifact backend.
type Config struct {
	Provider string      `mapstructure:"provider" yaml:"provider"`
	Local    LocalConfig `mapstructure:"local" yaml:"local"`
	S3       S3Config    `mapstructure:"s3" yaml:"s3"`
}

// Validate checks the section for the selected provider.
func (c Config) Validate() error {
	switch c.Provider {
	case "", ProviderLocal:
		return c.Local.Validate()
	case ProviderS3:
		return c.S3.Validate()
	default:
		return fmt.Errorf("storage: unknown provider %q", c.Provider)
	}
}

// New builds the store selected by cfg.Provider.
func New(ctx context.Context, cfg Config) (ArtifactStore, error) {
	switch cfg.Provider {
	case "", ProviderLocal:
		return NewLocalStore(cfg.Local)
	case ProviderS3:
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("storage: unknown provider %q", cfg.Provider)
	}
}

// ObjectKey names an upload as "<unix-millis>-<id>-<name>", keeping only the
// base name and replacing characters that are unsafe in URLs and file
// systems. id keeps same-name uploads in the same millisecond apart.
func ObjectKey(name string, now time.Time, id string) string {
	return fmt.Sprintf("%d-%s-%s", now.UnixMilli(), id, sanitize(name))
}

func sanitize(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "artifact"
	}
	return out
}
