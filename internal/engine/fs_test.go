package engine

import (
	"os"
	"testing"
)

func newTestEngine() *Engine {
	return &Engine{sh: &shared{}}
}

func TestTempFileCreatesAndTracks(t *testing.T) {
	e := newTestEngine()
	h, err := e.TempFile("", "")
	if err != nil {
		t.Fatalf("TempFile() error = %v", err)
	}
	defer h.Release()

	if _, err := os.Stat(h.Path); err != nil {
		t.Fatalf("temp file not created: %v", err)
	}
	if len(e.sh.temps) != 1 || e.sh.temps[0] != h.Path {
		t.Errorf("sh.temps = %v, want [%q]", e.sh.temps, h.Path)
	}
}

func TestTempDirCreatesAndTracks(t *testing.T) {
	e := newTestEngine()
	h, err := e.TempDir("", "")
	if err != nil {
		t.Fatalf("TempDir() error = %v", err)
	}
	defer h.Release()

	info, err := os.Stat(h.Path)
	if err != nil || !info.IsDir() {
		t.Fatalf("temp dir not created: err=%v info=%v", err, info)
	}
}

func TestHandleReleaseIsIdempotent(t *testing.T) {
	e := newTestEngine()
	h, err := e.TempFile("", "")
	if err != nil {
		t.Fatalf("TempFile() error = %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("first Release() error = %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("second Release() error = %v, want nil (idempotent)", err)
	}
	if _, err := os.Stat(h.Path); !os.IsNotExist(err) {
		t.Errorf("file should no longer exist after Release, stat err = %v", err)
	}
	if len(e.sh.temps) != 0 {
		t.Errorf("sh.temps = %v, want empty after Release", e.sh.temps)
	}
}

func TestWithTempFileReleasesAfterFn(t *testing.T) {
	e := newTestEngine()
	var seenPath string
	err := e.WithTempFile("", "", func(path string) error {
		seenPath = path
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("path should exist inside fn: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTempFile() error = %v", err)
	}
	if _, err := os.Stat(seenPath); !os.IsNotExist(err) {
		t.Errorf("temp file should be removed after WithTempFile returns, stat err = %v", err)
	}
}

func TestOrDefault(t *testing.T) {
	if got := orDefault("", "fallback"); got != "fallback" {
		t.Errorf("orDefault(\"\", fallback) = %q, want fallback", got)
	}
	if got := orDefault("explicit", "fallback"); got != "explicit" {
		t.Errorf("orDefault(explicit, fallback) = %q, want explicit", got)
	}
}
