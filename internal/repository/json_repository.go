package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bassista/notion_cache/internal/logger"
)

// ErrInvalidCache is returned by Load when the cache file exists but does not
// hold a JSON array.
var ErrInvalidCache = errors.New("invalid cache file")

// watchDebounce coalesces bursty fsnotify events (write+chmod/rename).
const watchDebounce = 200 * time.Millisecond

// JSONRepository stores the snapshot as a bare JSON array in a single file.
type JSONRepository struct {
	path string
	dir  string
	base string
	mu   sync.Mutex
	// saved is the stat of the file as left by the last Save, so the watcher
	// can tell our own writes from external ones.
	saved os.FileInfo
}

// NewJSONRepository creates a repository for the given JSON file path.
// It returns the repository interface to avoid leaking implementation details.
func NewJSONRepository(path string) (Repository, error) {
	if path == "" {
		return nil, errors.New("cache file path is required")
	}

	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	return &JSONRepository{path: path, dir: dir, base: filepath.Base(path)}, nil
}

// Path returns the cache file location.
func (r *JSONRepository) Path() string {
	return r.path
}

// Load reads and decodes the cache file. A missing file yields an error
// wrapping os.ErrNotExist; undecodable content yields ErrInvalidCache.
func (r *JSONRepository) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCache, err)
	}
	if records == nil {
		// a literal "null" decodes to a nil slice without error
		return nil, fmt.Errorf("%w: not an array", ErrInvalidCache)
	}
	return Snapshot(records), nil
}

// Save writes the snapshot atomically: a temp file in the same directory is
// synced and renamed over the cache file, so readers see either the previous
// or the new content.
func (r *JSONRepository) Save(ctx context.Context, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tmpFile, err := os.CreateTemp(r.dir, r.base+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	if _, err := tmpFile.Write(payload); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), r.path); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}
	if info, err := os.Stat(r.path); err == nil {
		r.saved = info
	}
	return nil
}

// changedExternally reports whether the cache file differs from what the
// last Save left behind.
func (r *JSONRepository) changedExternally() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.saved == nil {
		return true
	}
	cur, err := os.Stat(r.path)
	if err != nil {
		return true
	}
	return !os.SameFile(r.saved, cur) || !cur.ModTime().Equal(r.saved.ModTime()) || cur.Size() != r.saved.Size()
}

// StartWatcher calls onChange (debounced) whenever another process creates,
// writes, replaces or removes the cache file. Writes made by Save are not
// reported. It watches the parent directory so temp+rename sequences are
// observed. Cancel ctx to stop the goroutine.
func (r *JSONRepository) StartWatcher(ctx context.Context, onChange func()) error {
	if onChange == nil {
		return errors.New("onChange callback is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		schedule := func() {
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				if r.changedExternally() {
					onChange()
				}
			})
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != r.base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					schedule()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithComponent("json-repo").Warnf("watcher error: %v", err)
			}
		}
	}()

	return nil
}
