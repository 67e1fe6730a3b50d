package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const appDirName = "nomo"

// FileKV stores each key as <dir>/<key>.json.
type FileKV struct {
	dir string
}

// NewFileKV creates a FileKV rooted at dir. The directory is created (with
// parents) on the first Set. Pass an empty string to use the default XDG
// state path.
func NewFileKV(dir string) *FileKV {
	if dir == "" {
		dir = DefaultDir()
	}
	return &FileKV{dir: dir}
}

// Dir returns the directory holding the key files.
func (f *FileKV) Dir() string {
	return f.dir
}

// Path returns the file backing key.
func (f *FileKV) Path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

func (f *FileKV) Get(key string) ([]byte, bool, error) {
	path, err := f.Path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, true, nil
}

// Set writes data using an atomic temp-file-then-rename pattern.
func (f *FileKV) Set(key string, data []byte) error {
	path, err := f.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s: %w", key, err)
	}
	committed = true
	return nil
}

func (f *FileKV) Delete(key string) error {
	path, err := f.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Watch polls the modification time of key every interval and calls fn when
// the file changes after the watch started. It blocks until ctx is cancelled.
// Writes made by this process trigger fn too; callers compare contents.
func (f *FileKV) Watch(ctx context.Context, key string, interval time.Duration, fn func()) error {
	path, err := f.Path(key)
	if err != nil {
		return err
	}
	last := modTime(path)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			mt := modTime(path)
			if !mt.Equal(last) {
				last = mt
				fn()
			}
		}
	}
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// DefaultDir returns ~/.local/state/nomo, respecting XDG_STATE_HOME if set.
func DefaultDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
