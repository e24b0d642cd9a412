package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tileboard/internal/application/port"
	"tileboard/internal/domain/model"
)

// Store is the sqlite snapshot store. Reference rows (engines, markets,
// boards, instruments) are created lazily on first write and never deleted;
// snapshots are append-only.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(15000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS engines (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  code TEXT NOT NULL UNIQUE,
  name TEXT
);

CREATE TABLE IF NOT EXISTS markets (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  engine_id INTEGER NOT NULL REFERENCES engines(id),
  code TEXT NOT NULL,
  name TEXT,
  UNIQUE(engine_id, code)
);

CREATE TABLE IF NOT EXISTS boards (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  market_id INTEGER NOT NULL REFERENCES markets(id),
  code TEXT NOT NULL,
  title TEXT,
  UNIQUE(market_id, code)
);
CREATE INDEX IF NOT EXISTS idx_boards_code ON boards(code);

CREATE TABLE IF NOT EXISTS instruments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  secid TEXT NOT NULL UNIQUE,
  shortname TEXT
);

CREATE TABLE IF NOT EXISTS snapshots (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  board_id INTEGER NOT NULL REFERENCES boards(id),
  created_at INTEGER NOT NULL,
  UNIQUE(board_id, created_at)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);

CREATE TABLE IF NOT EXISTS snapshot_items (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  snapshot_id INTEGER NOT NULL REFERENCES snapshots(id),
  instrument_id INTEGER NOT NULL REFERENCES instruments(id),
  last REAL,
  base_price REAL,
  change_pct REAL,
  valtoday REAL,
  UNIQUE(snapshot_id, instrument_id)
);
CREATE INDEX IF NOT EXISTS idx_items_snapshot ON snapshot_items(snapshot_id);
`)
	return err
}

// execer lets the upsert helpers run either on the pool or inside a tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Upserts are find-or-create on the scoped unique code. A later call with a
// different non-empty name overwrites the stored name in place.

func (s *Store) UpsertEngine(ctx context.Context, code, name string) (int64, error) {
	return upsertEngine(ctx, s.db, code, name)
}

func (s *Store) UpsertMarket(ctx context.Context, engineID int64, code, name string) (int64, error) {
	return upsertMarket(ctx, s.db, engineID, code, name)
}

func (s *Store) UpsertBoard(ctx context.Context, marketID int64, code, title string) (int64, error) {
	return upsertBoard(ctx, s.db, marketID, code, title)
}

func (s *Store) UpsertInstrument(ctx context.Context, secid, shortname string) (int64, error) {
	return upsertInstrument(ctx, s.db, secid, shortname)
}

func upsertEngine(ctx context.Context, q execer, code, name string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO engines(code, name) VALUES(?, ?)
		ON CONFLICT(code) DO UPDATE SET
		name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE engines.name END
		RETURNING id
	`, code, name).Scan(&id)
	return id, err
}

func upsertMarket(ctx context.Context, q execer, engineID int64, code, name string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO markets(engine_id, code, name) VALUES(?, ?, ?)
		ON CONFLICT(engine_id, code) DO UPDATE SET
		name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE markets.name END
		RETURNING id
	`, engineID, code, name).Scan(&id)
	return id, err
}

func upsertBoard(ctx context.Context, q execer, marketID int64, code, title string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO boards(market_id, code, title) VALUES(?, ?, ?)
		ON CONFLICT(market_id, code) DO UPDATE SET
		title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE boards.title END
		RETURNING id
	`, marketID, code, title).Scan(&id)
	return id, err
}

func upsertInstrument(ctx context.Context, q execer, secid, shortname string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO instruments(secid, shortname) VALUES(?, ?)
		ON CONFLICT(secid) DO UPDATE SET
		shortname = CASE WHEN excluded.shortname <> '' THEN excluded.shortname ELSE instruments.shortname END
		RETURNING id
	`, secid, shortname).Scan(&id)
	return id, err
}

// CreateSnapshot inserts a new immutable snapshot row. A second snapshot for
// the same (board, createdAt) is rejected with ErrDuplicateSnapshot rather
// than bumping the instant; the caller decides whether that is fatal.
func (s *Store) CreateSnapshot(ctx context.Context, boardID int64, createdAt time.Time) (*port.Snapshot, error) {
	return createSnapshot(ctx, s.db, boardID, createdAt)
}

func createSnapshot(ctx context.Context, q execer, boardID int64, createdAt time.Time) (*port.Snapshot, error) {
	createdAt = createdAt.UTC().Truncate(time.Millisecond)
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO snapshots(board_id, created_at) VALUES(?, ?) RETURNING id
	`, boardID, createdAt.UnixMilli()).Scan(&id)
	if err != nil {
		return nil, mapConstraintErr(err)
	}
	return &port.Snapshot{ID: id, BoardID: boardID, CreatedAt: createdAt}, nil
}

// AddItems upserts each item's instrument and appends the item rows.
func (s *Store) AddItems(ctx context.Context, snap *port.Snapshot, items []port.Item) error {
	return addItems(ctx, s.db, snap, items)
}

func addItems(ctx context.Context, q execer, snap *port.Snapshot, items []port.Item) error {
	for _, it := range items {
		instrumentID, err := upsertInstrument(ctx, q, it.SecID, it.ShortName)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO snapshot_items(snapshot_id, instrument_id, last, base_price, change_pct, valtoday)
			VALUES(?, ?, ?, ?, ?, ?)
		`, snap.ID, instrumentID, nullFloat(it.Last), nullFloat(it.BasePrice), nullFloat(it.ChangePct), nullFloat(it.ValToday))
		if err != nil {
			return mapConstraintErr(err)
		}
	}
	return nil
}

// SaveSnapshot commits one refresh cycle for a board as a single transaction:
// reference upserts, the snapshot row and all items, or nothing at all.
func (s *Store) SaveSnapshot(ctx context.Context, key model.BoardKey, boardTitle string, createdAt time.Time, items []port.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	engineID, err := upsertEngine(ctx, tx, key.Engine, "")
	if err != nil {
		return err
	}
	marketID, err := upsertMarket(ctx, tx, engineID, key.Market, "")
	if err != nil {
		return err
	}
	boardID, err := upsertBoard(ctx, tx, marketID, key.Board, boardTitle)
	if err != nil {
		return err
	}
	snap, err := createSnapshot(ctx, tx, boardID, createdAt)
	if err != nil {
		return err
	}
	if err := addItems(ctx, tx, snap, items); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) SnapshotAsOf(ctx context.Context, boardCode string, at *time.Time) (*port.Snapshot, error) {
	query := `
		SELECT s.id, s.board_id, s.created_at
		FROM snapshots s
		JOIN boards b ON s.board_id = b.id
		WHERE b.code = ?`
	args := []any{boardCode}
	if at != nil {
		query += ` AND s.created_at <= ?`
		args = append(args, at.UTC().UnixMilli())
	}
	query += ` ORDER BY s.created_at DESC LIMIT 1`

	var snap port.Snapshot
	var createdMs int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&snap.ID, &snap.BoardID, &createdMs)
	if err == sql.ErrNoRows {
		// unknown board and "no qualifying snapshot" are both just "no data"
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &snap, nil
}

func (s *Store) TilesFor(ctx context.Context, snap *port.Snapshot, limit int) ([]model.Tile, error) {
	if snap == nil {
		return []model.Tile{}, nil
	}
	if limit <= 0 {
		limit = 400
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT i.secid, i.shortname, it.last, it.base_price, it.change_pct, it.valtoday
		FROM snapshot_items it
		JOIN instruments i ON it.instrument_id = i.id
		WHERE it.snapshot_id = ?
		ORDER BY it.id
		LIMIT ?
	`, snap.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tiles := make([]model.Tile, 0, limit)
	for rows.Next() {
		var secid string
		var shortname sql.NullString
		var last, basePrice, changePct, valToday sql.NullFloat64
		if err := rows.Scan(&secid, &shortname, &last, &basePrice, &changePct, &valToday); err != nil {
			return nil, err
		}
		name := shortname.String
		if name == "" {
			name = secid
		}
		tiles = append(tiles, model.Tile{
			SecID:     secid,
			Name:      model.TruncateName(name),
			Last:      floatPtr(last),
			BasePrice: floatPtr(basePrice),
			ChangePct: floatPtr(changePct),
			ValToday:  floatPtr(valToday),
		})
	}
	return tiles, rows.Err()
}

func (s *Store) RecentSnapshots(ctx context.Context, boardCode string, limit int) ([]port.SnapshotInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, COUNT(it.id)
		FROM snapshots s
		JOIN boards b ON s.board_id = b.id
		LEFT JOIN snapshot_items it ON it.snapshot_id = s.id
		WHERE b.code = ?
		GROUP BY s.id, s.created_at
		ORDER BY s.created_at DESC
		LIMIT ?
	`, boardCode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	infos := make([]port.SnapshotInfo, 0, limit)
	for rows.Next() {
		var info port.SnapshotInfo
		var createdMs int64
		if err := rows.Scan(&info.ID, &createdMs, &info.ItemCount); err != nil {
			return nil, err
		}
		info.CreatedAt = time.UnixMilli(createdMs).UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func mapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: snapshots."):
		return fmt.Errorf("%w: %v", port.ErrDuplicateSnapshot, err)
	case strings.Contains(msg, "UNIQUE constraint failed: snapshot_items."):
		return fmt.Errorf("%w: %v", port.ErrDuplicateItem, err)
	}
	return err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

var _ port.SnapshotStore = (*Store)(nil)
