package infra

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestWatchFileSignalsOnChange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "modbot")
	if err := os.WriteFile(path, []byte("v1"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewFakeClock()
	changed := watchFile(ctx, clock, path, time.Second)

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	select {
	case <-changed:
		t.Fatalf("unchanged file must not signal")
	case <-time.After(50 * time.Millisecond):
	}

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	select {
	case _, ok := <-changed:
		if !ok {
			t.Fatalf("expected a signal before close")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change signal")
	}
}

func TestWatchFileMissing(t *testing.T) {
	t.Parallel()

	changed := watchFile(context.Background(), clockwork.NewFakeClock(), filepath.Join(t.TempDir(), "nope"), time.Second)
	if changed != nil {
		t.Fatalf("missing file must not be watched")
	}
}

func TestWorkDir(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	dir, err := WorkDir(base, "data")
	if err != nil {
		t.Fatalf("work dir: %v", err)
	}
	if dir != filepath.Join(base, "data") {
		t.Fatalf("unexpected dir: %s", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("dir not created: %v", err)
	}
}

func TestPanicError(t *testing.T) {
	t.Parallel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = PanicError("job", r)
			}
		}()
		panic(errors.New("boom"))
	}()
	if err == nil || !strings.Contains(err.Error(), "job panicked: boom") {
		t.Fatalf("unexpected error: %v", err)
	}
}
