package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewFileKV_DefaultDir(t *testing.T) {
	f := NewFileKV("")
	if f.Dir() == "" {
		t.Fatal("expected non-empty default dir")
	}
	if filepath.Base(f.Dir()) != appDirName {
		t.Errorf("expected dir to end with %q, got %q", appDirName, f.Dir())
	}
}

func TestDefaultDir_XDGStateHome(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/xdg")
	if got, want := DefaultDir(), "/tmp/xdg/nomo"; got != want {
		t.Errorf("DefaultDir() = %q, want %q", got, want)
	}
}

func TestFileKV_Path(t *testing.T) {
	f := NewFileKV("/tmp/test-dir")
	got, err := f.Path("nomo_progression")
	if err != nil {
		t.Fatalf("Path() error: %v", err)
	}
	if want := "/tmp/test-dir/nomo_progression.json"; got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestFileKV_PathRejectsTraversal(t *testing.T) {
	f := NewFileKV(t.TempDir())
	for _, key := range []string{"", "..", "a/b", `a\b`} {
		if _, err := f.Path(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Path(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestFileKV_GetMissing(t *testing.T) {
	f := NewFileKV(t.TempDir())
	data, ok, err := f.Get("missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok || data != nil {
		t.Errorf("Get(missing) = %q, %v; want nil, false", data, ok)
	}
}

func TestFileKV_SetGetDelete(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	f := NewFileKV(dir)

	if err := f.Set("k", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	data, ok, err := f.Get("k")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("Get() = %s", data)
	}

	if err := f.Set("k", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("Set() overwrite error: %v", err)
	}
	data, _, _ = f.Get("k")
	if string(data) != `{"a":2}` {
		t.Errorf("after overwrite Get() = %s", data)
	}

	if err := f.Delete("k"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, ok, _ := f.Get("k"); ok {
		t.Error("key should be gone after Delete")
	}
	if err := f.Delete("k"); err != nil {
		t.Errorf("Delete() of missing key error: %v", err)
	}
}

func TestFileKV_SetLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	f := NewFileKV(dir)
	for i := 0; i < 3; i++ {
		if err := f.Set("k", []byte("{}")); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir entries = %v, want only k.json", names)
	}
}

func TestFileKV_Watch(t *testing.T) {
	f := NewFileKV(t.TempDir())
	var calls atomic.Int32
	changed := make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.Watch(ctx, "k", 5*time.Millisecond, func() {
			calls.Add(1)
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	time.Sleep(20 * time.Millisecond)
	if err := f.Set("k", []byte("{}")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("watch callback not invoked after write")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error: %v", err)
	}
	if calls.Load() == 0 {
		t.Error("expected at least one callback")
	}
}

func TestMemoryKV_CopiesValues(t *testing.T) {
	m := NewMemoryKV()
	buf := []byte("abc")
	if err := m.Set("k", buf); err != nil {
		t.Fatal(err)
	}
	buf[0] = 'x'
	got, ok, _ := m.Get("k")
	if !ok || string(got) != "abc" {
		t.Errorf("Get() = %q, %v; want abc, true", got, ok)
	}
	got[1] = 'y'
	again, _, _ := m.Get("k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated through returned slice: %q", again)
	}
	if err := m.Set("", nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Set(\"\") error = %v, want ErrInvalidKey", err)
	}
}
