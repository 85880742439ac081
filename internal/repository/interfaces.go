package repository

import "context"

// Loader reads the persisted snapshot.
// Small interface used by the cache reader.
type Loader interface {
	Load(ctx context.Context) (Snapshot, error)
}

// Saver persists a snapshot, replacing whatever was stored before.
type Saver interface {
	Save(ctx context.Context, snapshot Snapshot) error
}

// Repository abstracts persistence and watching of the cache file.
// JSONRepository implements this interface.
type Repository interface {
	Loader
	Saver
	StartWatcher(ctx context.Context, onChange func()) error
}
