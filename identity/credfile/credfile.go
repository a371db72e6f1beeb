// Package credfile persists a signed-in identity and its refresh credential
// to a file so a session survives restarts, and watches that file so a
// sign-in or sign-out performed by another process on the same machine
// becomes a session change here.
package credfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/careprep/careprep-go/identity"
	"github.com/fsnotify/fsnotify"
)

// Credential is the persisted session.
type Credential struct {
	Identity     *identity.Identity `json:"identity"`
	RefreshToken string             `json:"refreshToken,omitempty"`
	SavedAt      time.Time          `json:"savedAt"`
}

// File is a credential file on disk.
type File struct {
	path string
	log  *slog.Logger
}

// Option configures a File.
type Option func(*File)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *File) {
		if l != nil {
			f.log = l
		}
	}
}

// New returns a File at path. Nothing is touched on disk until Save.
func New(path string, opts ...Option) *File {
	f := &File{path: path, log: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// DefaultPath returns the per-user credential location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config dir: %w", err)
	}
	return filepath.Join(dir, "careprep", "credentials.json"), nil
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Load reads the credential. A missing file returns (nil, nil).
func (f *File) Load() (*Credential, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (*Credential, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode credential file: %w", err)
	}
	if c.Identity == nil || c.Identity.ID == "" {
		return nil, nil
	}
	return &c, nil
}

// Save atomically replaces the file with c.
func (f *File) Save(c Credential) error {
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to chmod credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// Clear removes the file. A missing file is not an error.
func (f *File) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	return nil
}

// Watch calls fn whenever the file's content changes, with nil once it is
// removed or emptied. It blocks until ctx is done. The directory holding the
// file is watched so atomic replacements are observed.
func (f *File) Watch(ctx context.Context, fn func(*Credential)) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	last, _ := os.ReadFile(f.path)
	name := filepath.Clean(f.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.WarnContext(ctx, "credfile.watch.error", slog.String("err", err.Error()))
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			data, err := os.ReadFile(f.path)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				f.log.WarnContext(ctx, "credfile.read.fail", slog.String("err", err.Error()))
				continue
			}
			if bytes.Equal(data, last) {
				continue
			}
			last = data
			cred, err := decode(data)
			if err != nil {
				// Partially written; the final write produces another event.
				f.log.DebugContext(ctx, "credfile.decode.fail", slog.String("err", err.Error()))
				continue
			}
			fn(cred)
		}
	}
}
