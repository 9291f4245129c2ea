package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/routegate/routegate/internal/config"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestWatcherFiresOnContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "port: 8080\n")

	var reloads atomic.Int32
	var gotPort atomic.Int32
	w, err := New(path, func(cfg *config.Config) {
		reloads.Add(1)
		gotPort.Store(int32(cfg.Port))
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	writeConfig(t, path, "port: 9090\n")

	require.Eventually(t, func() bool { return reloads.Load() == 1 }, 3*time.Second, 50*time.Millisecond)
	require.Equal(t, int32(9090), gotPort.Load())
}

func TestWatcherSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "port: 8080\n")

	var reloads atomic.Int32
	w, err := New(path, func(*config.Config) { reloads.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	// Same bytes rewritten must not trigger the callback.
	writeConfig(t, path, "port: 8080\n")

	time.Sleep(800 * time.Millisecond)
	require.Equal(t, int32(0), reloads.Load())
}

func TestWatcherKeepsPreviousConfigOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "port: 8080\n")

	var reloads atomic.Int32
	w, err := New(path, func(*config.Config) { reloads.Add(1) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { _ = w.Stop() })

	writeConfig(t, path, "port: [not valid\n")

	time.Sleep(800 * time.Millisecond)
	require.Equal(t, int32(0), reloads.Load())
}
