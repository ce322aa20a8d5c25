package zone

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-gslb/internal/dns/common/log"
)

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.com.zone")
	other := filepath.Join(dir, "unrelated.txt")
	require.NoError(t, os.WriteFile(path, []byte("; empty\n"), 0o644))

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- Watch(ctx, []Config{{Name: "example.com", Path: path}}, 50*time.Millisecond, log.NewNoopLogger(), func() {
			calls.Add(1)
		})
	}()
	// let the watcher register before writing
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "unrelated files are ignored")

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("; edit\n"), 0o644))
	}
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)

	// replace by rename
	tmp := filepath.Join(dir, "tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("; new\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), []Config{{Name: "x", Path: "/nonexistent/dir/x.zone"}}, 0, log.NewNoopLogger(), func() {})
	assert.Error(t, err)
}
