// Package tempstore stages per-request audio artifacts on disk and prunes
// anything left behind.
package tempstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Store owns a directory of per-request subdirectories.
type Store struct {
	dir       string
	retention time.Duration
	now       func() time.Time
	log       *slog.Logger

	mu   sync.Mutex
	live map[string]struct{}
}

// Options configures a Store.
type Options struct {
	// Retention is the age after which an unreleased request directory is
	// removed by Sweep. Default 10 minutes.
	Retention time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// New creates dir if needed. An empty dir uses a subdirectory of os.TempDir.
func New(dir string, opts Options) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "vai-order-audio")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		dir:       dir,
		retention: opts.Retention,
		now:       opts.Now,
		log:       opts.Logger,
		live:      make(map[string]struct{}),
	}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// Stage writes data to <dir>/<requestID>/input.<ext>. The returned release
// removes the request directory and is safe to call more than once.
func (s *Store) Stage(requestID, ext string, data []byte) (path string, release func(), err error) {
	name := filepath.Base(filepath.Clean(requestID))
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", func() {}, fmt.Errorf("invalid request id %q", requestID)
	}
	if ext == "" {
		ext = "bin"
	}
	reqDir := filepath.Join(s.dir, name)
	if err := os.Mkdir(reqDir, 0o700); err != nil {
		return "", func() {}, fmt.Errorf("create request dir: %w", err)
	}

	s.mu.Lock()
	s.live[name] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			if rmErr := os.RemoveAll(reqDir); rmErr != nil {
				s.log.Warn("temp audio cleanup failed", "request_id", name, "error", rmErr)
			}
			s.mu.Lock()
			delete(s.live, name)
			s.mu.Unlock()
		})
	}

	path = filepath.Join(reqDir, "input."+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		release()
		return "", func() {}, fmt.Errorf("write audio: %w", err)
	}
	return path, release, nil
}

// Live returns the number of staged, unreleased requests.
func (s *Store) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Sweep removes request directories older than the retention that are not
// currently staged. It returns the names removed.
func (s *Store) Sweep() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading temp dir: %w", err)
	}

	cutoff := s.now().Add(-s.retention)
	var pruned []string
	for _, entry := range entries {
		info, infoErr := entry.Info()
		if infoErr != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		s.mu.Lock()
		_, inUse := s.live[entry.Name()]
		s.mu.Unlock()
		if inUse {
			continue
		}
		if rmErr := os.RemoveAll(filepath.Join(s.dir, entry.Name())); rmErr != nil {
			return pruned, fmt.Errorf("removing %s: %w", entry.Name(), rmErr)
		}
		pruned = append(pruned, entry.Name())
	}
	return pruned, nil
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := s.Sweep()
			if err != nil {
				s.log.Warn("temp audio sweep failed", "error", err)
			}
			if len(pruned) > 0 {
				s.log.Info("removed stale temp audio", "count", len(pruned))
			}
		}
	}
}
