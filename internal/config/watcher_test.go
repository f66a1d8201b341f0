package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitYAML(limit int64, policy string) string {
	return fmt.Sprintf("store:\n  backend: none\nrate_limit:\n  daily_limit: %d\n  failure_policy: %s\n", limit, policy)
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// reloads collects the configs handed to a ReloadFunc.
type reloads struct {
	mu   sync.Mutex
	cfgs []*Config
}

func (r *reloads) record(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfgs = append(r.cfgs, cfg)
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cfgs)
}

func (r *reloads) last() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cfgs) == 0 {
		return nil
	}
	return r.cfgs[len(r.cfgs)-1]
}

// runWatcher starts w and waits long enough for the initial watch to be set.
func runWatcher(t *testing.T, start func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(150 * time.Millisecond)
}

// projectedDir lays out dir the way a mounted ConfigMap or Secret does:
// every file is a link through "..data" to a timestamped directory. It
// returns a function that swaps "..data" to the second generation.
func projectedDir(t *testing.T, dir string, gen1, gen2 map[string]string) (swap func()) {
	t.Helper()
	v1 := filepath.Join(dir, "..v1")
	v2 := filepath.Join(dir, "..v2")
	require.NoError(t, os.Mkdir(v1, 0o755))
	require.NoError(t, os.Mkdir(v2, 0o755))
	for name, body := range gen1 {
		write(t, filepath.Join(v1, name), body)
		require.NoError(t, os.Symlink(filepath.Join("..data", name), filepath.Join(dir, name)))
	}
	for name, body := range gen2 {
		write(t, filepath.Join(v2, name), body)
	}
	data := filepath.Join(dir, "..data")
	require.NoError(t, os.Symlink(v1, data))

	return func() {
		tmp := filepath.Join(dir, "..data_tmp")
		require.NoError(t, os.Symlink(v2, tmp))
		require.NoError(t, os.Rename(tmp, data))
	}
}

func TestWatcherAppliesNewLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write(t, path, limitYAML(5, "passthrough"))

	var got reloads
	w := NewWatcher(path, got.record, slog.Default())
	w.debounce = 50 * time.Millisecond
	runWatcher(t, w.Start)

	write(t, path, limitYAML(12, "failclosed"))

	require.Eventually(t, func() bool { return got.count() >= 1 }, 3*time.Second, 25*time.Millisecond)
	cfg := got.last()
	assert.Equal(t, int64(12), cfg.RateLimit.DailyLimit)
	assert.Equal(t, FailurePolicyFailClosed, cfg.RateLimit.FailurePolicy)
}

func TestWatcherRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write(t, path, limitYAML(5, "passthrough"))

	var got reloads
	w := NewWatcher(path, got.record, slog.Default())
	w.debounce = 50 * time.Millisecond
	runWatcher(t, w.Start)

	for _, body := range []string{
		"rate_limit: [",
		limitYAML(0, "passthrough"),
		limitYAML(5, "retry-forever"),
	} {
		write(t, path, body)
		time.Sleep(150 * time.Millisecond)
	}
	assert.Zero(t, got.count(), "an invalid file must not replace the running config")
}

func TestWatcherCoalescesBurstOfWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write(t, path, limitYAML(5, "passthrough"))

	var got reloads
	w := NewWatcher(path, got.record, slog.Default())
	w.debounce = 200 * time.Millisecond
	w.pollInterval = time.Hour
	runWatcher(t, w.Start)

	for i := range 8 {
		write(t, path, limitYAML(int64(10+i), "passthrough"))
		time.Sleep(15 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return got.count() >= 1 }, 3*time.Second, 25*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, got.count(), 2)
	assert.Equal(t, int64(17), got.last().RateLimit.DailyLimit)
}

func TestWatcherPollsProjectedVolume(t *testing.T) {
	dir := t.TempDir()
	swap := projectedDir(t, dir,
		map[string]string{"config.yaml": limitYAML(5, "passthrough")},
		map[string]string{"config.yaml": limitYAML(40, "inmemoryfallback")})

	var got reloads
	w := NewWatcher(filepath.Join(dir, "config.yaml"), got.record, slog.Default())
	w.debounce = 50 * time.Millisecond
	w.pollInterval = 80 * time.Millisecond
	runWatcher(t, w.Start)

	swap()

	require.Eventually(t, func() bool { return got.count() >= 1 }, 3*time.Second, 25*time.Millisecond)
	assert.Equal(t, int64(40), got.last().RateLimit.DailyLimit)
	assert.Equal(t, FailurePolicyInMemoryFallback, got.last().RateLimit.FailurePolicy)
}

func TestWatcherReloadKeepsRestartBoundFieldsVisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	write(t, path, limitYAML(5, "passthrough"))
	old, err := LoadFromPath(path)
	require.NoError(t, err)

	var got reloads
	w := NewWatcher(path, got.record, slog.Default())
	w.debounce = 50 * time.Millisecond
	runWatcher(t, w.Start)

	write(t, path, limitYAML(5, "passthrough")+"server:\n  address: \":9999\"\n")

	require.Eventually(t, func() bool { return got.count() >= 1 }, 3*time.Second, 25*time.Millisecond)
	assert.NotEmpty(t, got.last().RequiresRestart(old), "a new listen address needs a restart")
}

func TestCertWatcher(t *testing.T) {
	t.Run("cert or key rewrite", func(t *testing.T) {
		for _, changed := range []string{"tls.crt", "tls.key"} {
			t.Run(changed, func(t *testing.T) {
				dir := t.TempDir()
				cert := filepath.Join(dir, "tls.crt")
				key := filepath.Join(dir, "tls.key")
				write(t, cert, "cert-1")
				write(t, key, "key-1")

				var calls atomic.Int32
				cw := NewCertWatcher(cert, key, func(c, k string) {
					assert.Equal(t, cert, c)
					assert.Equal(t, key, k)
					calls.Add(1)
				}, slog.Default())
				cw.pollInterval = 50 * time.Millisecond
				runWatcher(t, cw.Start)

				write(t, filepath.Join(dir, changed), "rotated")
				assert.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 25*time.Millisecond)
			})
		}
	})

	t.Run("projected volume swap", func(t *testing.T) {
		dir := t.TempDir()
		swap := projectedDir(t, dir,
			map[string]string{"tls.crt": "cert-1", "tls.key": "key-1"},
			map[string]string{"tls.crt": "cert-2", "tls.key": "key-2"})

		var calls atomic.Int32
		cw := NewCertWatcher(filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key"),
			func(_, _ string) { calls.Add(1) }, slog.Default())
		cw.pollInterval = 50 * time.Millisecond
		runWatcher(t, cw.Start)

		swap()
		assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 25*time.Millisecond)
	})

	t.Run("quiet files", func(t *testing.T) {
		dir := t.TempDir()
		cert := filepath.Join(dir, "tls.crt")
		key := filepath.Join(dir, "tls.key")
		write(t, cert, "cert-1")
		write(t, key, "key-1")

		var calls atomic.Int32
		cw := NewCertWatcher(cert, key, func(_, _ string) { calls.Add(1) }, slog.Default())
		cw.pollInterval = 30 * time.Millisecond
		runWatcher(t, cw.Start)

		time.Sleep(200 * time.Millisecond)
		assert.Zero(t, calls.Load())
	})
}

func TestStopBeforeStart(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), func(*Config) {}, slog.Default())
	w.Stop()
	w.Stop()

	cw := NewCertWatcher("a.crt", "a.key", func(_, _ string) {}, slog.Default())
	cw.Stop()
	cw.Stop()
}

func TestFileSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write(t, path, "a")

	snap := newFileSnapshot(dir, path)
	assert.False(t, snap.changed())

	write(t, path, "b")
	assert.True(t, snap.changed())
	snap.capture()
	assert.False(t, snap.changed())

	require.NoError(t, os.Remove(path))
	assert.True(t, snap.changed(), "a vanished file differs from its last hash")

	t.Run("hash follows links", func(t *testing.T) {
		target := filepath.Join(dir, "target")
		link := filepath.Join(dir, "link")
		write(t, target, "data")
		require.NoError(t, os.Symlink(target, link))

		assert.NotEmpty(t, hashFile(target))
		assert.Equal(t, hashFile(target), hashFile(link))
		assert.Empty(t, hashFile(filepath.Join(dir, "nope")))
	})

	t.Run("readlink", func(t *testing.T) {
		assert.Equal(t, filepath.Join(dir, "target"), readlink(filepath.Join(dir, "link")))
		assert.Empty(t, readlink(filepath.Join(dir, "target")))
		assert.Empty(t, readlink(filepath.Join(dir, "nope")))
	})
}
