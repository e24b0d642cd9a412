package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tileboard/internal/application/port"
	"tileboard/internal/domain/model"
)

// Store is the postgres snapshot store, schema-compatible with the sqlite
// backend. Timestamps are stored as unix milliseconds.
type Store struct {
	db *sql.DB
}

func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

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
  id BIGSERIAL PRIMARY KEY,
  code TEXT NOT NULL UNIQUE,
  name TEXT
);

CREATE TABLE IF NOT EXISTS markets (
  id BIGSERIAL PRIMARY KEY,
  engine_id BIGINT NOT NULL REFERENCES engines(id),
  code TEXT NOT NULL,
  name TEXT,
  CONSTRAINT uq_market_engine_code UNIQUE(engine_id, code)
);

CREATE TABLE IF NOT EXISTS boards (
  id BIGSERIAL PRIMARY KEY,
  market_id BIGINT NOT NULL REFERENCES markets(id),
  code TEXT NOT NULL,
  title TEXT,
  CONSTRAINT uq_board_market_code UNIQUE(market_id, code)
);
CREATE INDEX IF NOT EXISTS idx_boards_code ON boards(code);

CREATE TABLE IF NOT EXISTS instruments (
  id BIGSERIAL PRIMARY KEY,
  secid TEXT NOT NULL UNIQUE,
  shortname TEXT
);

CREATE TABLE IF NOT EXISTS snapshots (
  id BIGSERIAL PRIMARY KEY,
  board_id BIGINT NOT NULL REFERENCES boards(id),
  created_at BIGINT NOT NULL,
  CONSTRAINT uq_snapshot_board_time UNIQUE(board_id, created_at)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);

CREATE TABLE IF NOT EXISTS snapshot_items (
  id BIGSERIAL PRIMARY KEY,
  snapshot_id BIGINT NOT NULL REFERENCES snapshots(id),
  instrument_id BIGINT NOT NULL REFERENCES instruments(id),
  last DOUBLE PRECISION,
  base_price DOUBLE PRECISION,
  change_pct DOUBLE PRECISION,
  valtoday DOUBLE PRECISION,
  CONSTRAINT uq_item_snapshot_instrument UNIQUE(snapshot_id, instrument_id)
);
CREATE INDEX IF NOT EXISTS idx_items_snapshot ON snapshot_items(snapshot_id);
`)
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

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
		INSERT INTO engines(code, name) VALUES($1, $2)
		ON CONFLICT(code) DO UPDATE SET
		name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE engines.name END
		RETURNING id
	`, code, name).Scan(&id)
	return id, err
}

func upsertMarket(ctx context.Context, q execer, engineID int64, code, name string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO markets(engine_id, code, name) VALUES($1, $2, $3)
		ON CONFLICT(engine_id, code) DO UPDATE SET
		name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE markets.name END
		RETURNING id
	`, engineID, code, name).Scan(&id)
	return id, err
}

func upsertBoard(ctx context.Context, q execer, marketID int64, code, title string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO boards(market_id, code, title) VALUES($1, $2, $3)
		ON CONFLICT(market_id, code) DO UPDATE SET
		title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE boards.title END
		RETURNING id
	`, marketID, code, title).Scan(&id)
	return id, err
}

func upsertInstrument(ctx context.Context, q execer, secid, shortname string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO instruments(secid, shortname) VALUES($1, $2)
		ON CONFLICT(secid) DO UPDATE SET
		shortname = CASE WHEN excluded.shortname <> '' THEN excluded.shortname ELSE instruments.shortname END
		RETURNING id
	`, secid, shortname).Scan(&id)
	return id, err
}

func (s *Store) CreateSnapshot(ctx context.Context, boardID int64, createdAt time.Time) (*port.Snapshot, error) {
	return createSnapshot(ctx, s.db, boardID, createdAt)
}

func createSnapshot(ctx context.Context, q execer, boardID int64, createdAt time.Time) (*port.Snapshot, error) {
	createdAt = createdAt.UTC().Truncate(time.Millisecond)
	var id int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO snapshots(board_id, created_at) VALUES($1, $2) RETURNING id
	`, boardID, createdAt.UnixMilli()).Scan(&id)
	if err != nil {
		return nil, mapConstraintErr(err)
	}
	return &port.Snapshot{ID: id, BoardID: boardID, CreatedAt: createdAt}, nil
}

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
			VALUES($1, $2, $3, $4, $5, $6)
		`, snap.ID, instrumentID, nullFloat(it.Last), nullFloat(it.BasePrice), nullFloat(it.ChangePct), nullFloat(it.ValToday))
		if err != nil {
			return mapConstraintErr(err)
		}
	}
	return nil
}

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
		WHERE b.code = $1`
	args := []any{boardCode}
	if at != nil {
		query += ` AND s.created_at <= $2`
		args = append(args, at.UTC().UnixMilli())
	}
	query += ` ORDER BY s.created_at DESC LIMIT 1`

	var snap port.Snapshot
	var createdMs int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&snap.ID, &snap.BoardID, &createdMs)
	if err == sql.ErrNoRows {
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
		WHERE it.snapshot_id = $1
		ORDER BY it.id
		LIMIT $2
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
		WHERE b.code = $1
		GROUP BY s.id, s.created_at
		ORDER BY s.created_at DESC
		LIMIT $2
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
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case "uq_snapshot_board_time":
			return fmt.Errorf("%w: %v", port.ErrDuplicateSnapshot, err)
		case "uq_item_snapshot_instrument":
			return fmt.Errorf("%w: %v", port.ErrDuplicateItem, err)
		}
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
