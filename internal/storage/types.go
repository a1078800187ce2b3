package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("seen store closed")

// SeenStore remembers which article ids were already posted.
//
// Driver values:
//   - "file": dependency-free snapshot + journal backend
//   - "sqlite": SQLite database file
//
// If Driver is empty, "file" is used.
type SeenStore interface {
	Has(ctx context.Context, id string) (bool, error)
	Add(ctx context.Context, id string, seenAt time.Time) error
	// Prune removes entries first seen before cutoff and reports how many
	// were dropped.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
