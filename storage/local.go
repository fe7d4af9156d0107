package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalConfig configures a directory-backed store.
type LocalConfig struct {
	// Dir is where artifacts are written.
	Dir string `mapstructure:"dir" yaml:"dir"`

	// BaseURL is the public prefix the broker serves Dir under,
	// e.g. http://localhost:3000/artifacts.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// Validate checks that required configuration is present.
func (c LocalConfig) Validate() error {
	if c.Dir == "" {
		return &StorageError{Op: "Config", Backend: ProviderLocal, Err: errors.New("dir is required")}
	}
	if c.BaseURL == "" {
		return &StorageError{Op: "Config", Backend: ProviderLocal, Err: errors.New("base_url is required")}
	}
	return nil
}

// LocalStore writes artifacts into a directory.
type LocalStore struct {
	dir     string
	baseURL string
	now     func() time.Time
	newID   func() string
}

var _ ArtifactStore = (*LocalStore)(nil)

// NewLocalStore creates the directory if needed.
func NewLocalStore(cfg LocalConfig) (*LocalStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, &StorageError{Op: "New", Backend: ProviderLocal, Name: cfg.Dir, Err: err}
	}
	return &LocalStore{
		dir:     cfg.Dir,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

// Store copies r into the directory under a unique name. An existing file is
// never replaced.
func (s *LocalStore) Store(ctx context.Context, r io.Reader, name string) (string, error) {
	key := ObjectKey(name, s.now(), s.newID())
	if err := ctx.Err(); err != nil {
		return "", &StorageError{Op: "Store", Backend: ProviderLocal, Name: key, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", &StorageError{Op: "Store", Backend: ProviderLocal, Name: key, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", &StorageError{Op: "Store", Backend: ProviderLocal, Name: key, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &StorageError{Op: "Store", Backend: ProviderLocal, Name: key, Err: err}
	}
	// Link fails with ErrExist instead of overwriting like Rename would.
	if err := os.Link(tmp.Name(), filepath.Join(s.dir, key)); err != nil {
		return "", &StorageError{Op: "Store", Backend: ProviderLocal, Name: key, Err: err}
	}

	return s.baseURL + "/" + url.PathEscape(key), nil
}

// Dir returns the directory artifacts are written to.
func (s *LocalStore) Dir() string {
	return s.dir
}

// Handler serves stored artifacts by key.
func (s *LocalStore) Handler() http.Handler {
	return http.FileServer(artifactDir{http.Dir(s.dir)})
}

// artifactDir hides directory listings and in-progress uploads.
type artifactDir struct {
	fs http.FileSystem
}

func (d artifactDir) Open(name string) (http.File, error) {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return nil, os.ErrNotExist
	}
	f, err := d.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
