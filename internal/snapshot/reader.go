package snapshot

import (
	"context"
	"errors"
	"os"

	"github.com/bassista/notion_cache/internal/logger"
	"github.com/bassista/notion_cache/internal/repository"
)

// Reader serves the last persisted snapshot without contacting Notion.
type Reader struct {
	loader repository.Loader
}

func NewReader(loader repository.Loader) *Reader {
	return &Reader{loader: loader}
}

// ReadCache returns the cached snapshot. A missing or unreadable cache yields
// an empty snapshot; the caller always gets something it can render.
func (r *Reader) ReadCache(ctx context.Context) repository.Snapshot {
	snap, err := r.loader.Load(ctx)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.WithComponent("cache-reader").Debug("no cache file yet, returning empty snapshot")
		} else {
			logger.WithComponent("cache-reader").Warnf("cannot read cache, returning empty snapshot: %v", err)
		}
		return repository.EmptySnapshot()
	}
	return snap
}
