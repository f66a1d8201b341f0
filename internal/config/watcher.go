package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives every successfully loaded and validated config.
// It runs on the watcher goroutine.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it changes. fsnotify gives fast
// reaction for editors and atomic renames; a content-hash poll catches
// mounted volumes whose updates are symlink swaps that inotify misses.
type Watcher struct {
	path         string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	stopOnce sync.Once
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewWatcher creates a config watcher. Nothing is watched until Start.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		onReload:     onReload,
		logger:       logger.With("component", "config-watcher"),
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// Start watches until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}
	_ = fsw.Add(w.path)

	w.logger.Info("watching config file", "path", w.path)

	snap := newFileSnapshot(dir, w.path)

	var debounce *time.Timer
	var fire <-chan time.Time

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Atomic save-and-rename drops the file inode from the watch list.
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = fsw.Add(w.path)
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.debounce)
			fire = debounce.C

		case <-fire:
			fire = nil
			snap.capture()
			w.reload()

		case <-poll.C:
			if snap.changed() {
				snap.capture()
				w.logger.Debug("config change detected by polling")
				w.reload()
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "error", werr)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload rejected, keeping previous config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}

// Stop ends a running Start. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.cancel != nil {
			w.cancel()
		}
	})
}

// CertWatcher polls a TLS certificate/key pair and calls onChange after
// either file is replaced, so the server can swap certificates in place.
type CertWatcher struct {
	certFile     string
	keyFile      string
	onChange     func(certFile, keyFile string)
	logger       *slog.Logger
	pollInterval time.Duration

	stopOnce sync.Once
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewCertWatcher creates a certificate watcher. Nothing is polled until Start.
func NewCertWatcher(certFile, keyFile string, onChange func(certFile, keyFile string), logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		onChange:     onChange,
		logger:       logger.With("component", "cert-watcher"),
		pollInterval: 2 * time.Second,
	}
}

// Start polls until ctx is canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	cw.mu.Lock()
	cw.cancel = cancel
	cw.mu.Unlock()
	defer cancel()

	dir := filepath.Dir(cw.certFile)
	cert := newFileSnapshot(dir, cw.certFile)
	key := newFileSnapshot(dir, cw.keyFile)

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	cw.logger.Info("watching TLS certificate", "cert", cw.certFile, "key", cw.keyFile)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !cert.changed() && !key.changed() {
				continue
			}
			cert.capture()
			key.capture()
			cw.logger.Info("TLS certificate changed", "cert", cw.certFile)
			cw.onChange(cw.certFile, cw.keyFile)
		}
	}
}

// Stop ends a running Start. Safe to call more than once.
func (cw *CertWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		defer cw.mu.Unlock()
		if cw.cancel != nil {
			cw.cancel()
		}
	})
}

// fileSnapshot remembers a file's content hash and the target of the
// directory's "..data" link used by projected volumes.
type fileSnapshot struct {
	path     string
	dataLink string
	hash     string
	target   string
}

func newFileSnapshot(dir, path string) *fileSnapshot {
	s := &fileSnapshot{path: path, dataLink: filepath.Join(dir, "..data")}
	s.capture()
	return s
}

func (s *fileSnapshot) capture() {
	s.hash = hashFile(s.path)
	s.target = readlink(s.dataLink)
}

func (s *fileSnapshot) changed() bool {
	if t := readlink(s.dataLink); t != "" && t != s.target {
		return true
	}
	return hashFile(s.path) != s.hash
}

// hashFile returns the SHA-256 of the file content, or "" when unreadable.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
