package port

import (
	"context"
	"errors"
	"time"

	"tileboard/internal/domain/model"
)

var (
	// ErrDuplicateSnapshot: a snapshot already exists for (board, createdAt).
	// Expected under racing fresh requests; the loser logs and discards.
	ErrDuplicateSnapshot = errors.New("duplicate snapshot")

	// ErrDuplicateItem: an item already exists for (snapshot, instrument).
	// An invariant violation, not expected in normal operation.
	ErrDuplicateItem = errors.New("duplicate snapshot item")
)

// Item is the storage projection of a tile.
type Item struct {
	SecID     string
	ShortName string
	Last      *float64
	BasePrice *float64
	ChangePct *float64
	ValToday  *float64
}

// Snapshot is one immutable capture of a board's tile set.
type Snapshot struct {
	ID        int64
	BoardID   int64
	CreatedAt time.Time
}

// SnapshotInfo is a history-listing row.
type SnapshotInfo struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ItemCount int       `json:"item_count"`
}

// SnapshotStore persists reference data and immutable per-board snapshots.
type SnapshotStore interface {
	// SaveSnapshot commits the whole refresh unit for one board atomically:
	// reference upserts, the snapshot row and all items, or nothing.
	SaveSnapshot(ctx context.Context, key model.BoardKey, boardTitle string, createdAt time.Time, items []Item) error

	// SnapshotAsOf returns the snapshot with the greatest creation time <= at
	// for the named board, or the latest one when at is nil. Unknown board or
	// no qualifying snapshot yields (nil, nil).
	SnapshotAsOf(ctx context.Context, boardCode string, at *time.Time) (*Snapshot, error)

	// TilesFor reconstructs tiles from a snapshot's items in insertion order,
	// truncated to limit. A nil snapshot yields an empty list.
	TilesFor(ctx context.Context, snap *Snapshot, limit int) ([]model.Tile, error)

	// RecentSnapshots lists snapshots for a board, newest first.
	RecentSnapshots(ctx context.Context, boardCode string, limit int) ([]SnapshotInfo, error)

	Close() error
}
