package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tileboard/internal/application/port"
	"tileboard/internal/domain/model"
)

var tqbr = model.BoardKey{Engine: "stock", Market: "shares", Board: "TQBR"}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func f(v float64) *float64 { return &v }

func items(secids ...string) []port.Item {
	out := make([]port.Item, 0, len(secids))
	for i, s := range secids {
		out = append(out, port.Item{
			SecID:     s,
			ShortName: s + " name",
			Last:      f(100 + float64(i)),
			BasePrice: f(90),
			ChangePct: f(5),
			ValToday:  f(1e6),
		})
	}
	return out
}

func TestUpsertReferenceIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	eng1, err := s.UpsertEngine(ctx, "stock", "Stocks")
	if err != nil {
		t.Fatalf("UpsertEngine failed: %v", err)
	}
	eng2, err := s.UpsertEngine(ctx, "stock", "")
	if err != nil {
		t.Fatalf("UpsertEngine repeat failed: %v", err)
	}
	if eng1 != eng2 {
		t.Errorf("expected same engine id, got %d and %d", eng1, eng2)
	}

	mkt1, err := s.UpsertMarket(ctx, eng1, "shares", "Shares")
	if err != nil {
		t.Fatalf("UpsertMarket failed: %v", err)
	}
	mkt2, _ := s.UpsertMarket(ctx, eng1, "shares", "Shares")
	if mkt1 != mkt2 {
		t.Errorf("expected same market id, got %d and %d", mkt1, mkt2)
	}

	brd1, err := s.UpsertBoard(ctx, mkt1, "TQBR", "T+ Stocks")
	if err != nil {
		t.Fatalf("UpsertBoard failed: %v", err)
	}
	brd2, _ := s.UpsertBoard(ctx, mkt1, "TQBR", "")
	if brd1 != brd2 {
		t.Errorf("expected same board id, got %d and %d", brd1, brd2)
	}

	var engines, markets, boards int
	s.db.QueryRow(`SELECT COUNT(*) FROM engines`).Scan(&engines)
	s.db.QueryRow(`SELECT COUNT(*) FROM markets`).Scan(&markets)
	s.db.QueryRow(`SELECT COUNT(*) FROM boards`).Scan(&boards)
	if engines != 1 || markets != 1 || boards != 1 {
		t.Errorf("expected exactly one reference row each, got %d/%d/%d", engines, markets, boards)
	}
}

func TestUpsertInstrumentNameRefresh(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	id1, err := s.UpsertInstrument(ctx, "GAZP", "Gazprom")
	if err != nil {
		t.Fatalf("UpsertInstrument failed: %v", err)
	}

	// Newer non-empty name overwrites in place.
	id2, err := s.UpsertInstrument(ctx, "GAZP", "Gazprom PJSC")
	if err != nil {
		t.Fatalf("UpsertInstrument repeat failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected same instrument id, got %d and %d", id1, id2)
	}

	var name string
	s.db.QueryRow(`SELECT shortname FROM instruments WHERE secid='GAZP'`).Scan(&name)
	if name != "Gazprom PJSC" {
		t.Errorf("expected refreshed name, got %q", name)
	}

	// Empty name does not clobber the stored one.
	s.UpsertInstrument(ctx, "GAZP", "")
	s.db.QueryRow(`SELECT shortname FROM instruments WHERE secid='GAZP'`).Scan(&name)
	if name != "Gazprom PJSC" {
		t.Errorf("empty name should not overwrite, got %q", name)
	}
}

func TestSnapshotAsOfOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)

	if err := s.SaveSnapshot(ctx, tqbr, "T+ Stocks", t1, items("GAZP")); err != nil {
		t.Fatalf("SaveSnapshot t1 failed: %v", err)
	}
	if err := s.SaveSnapshot(ctx, tqbr, "", t2, items("GAZP", "SBER")); err != nil {
		t.Fatalf("SaveSnapshot t2 failed: %v", err)
	}

	// at == t1: the t1 snapshot counts as "at or before".
	snap, err := s.SnapshotAsOf(ctx, "TQBR", &t1)
	if err != nil {
		t.Fatalf("SnapshotAsOf(t1) failed: %v", err)
	}
	if snap == nil || !snap.CreatedAt.Equal(t1) {
		t.Fatalf("expected t1 snapshot, got %+v", snap)
	}

	snap, _ = s.SnapshotAsOf(ctx, "TQBR", &t2)
	if snap == nil || !snap.CreatedAt.Equal(t2) {
		t.Fatalf("expected t2 snapshot, got %+v", snap)
	}

	// nil instant: globally latest.
	snap, _ = s.SnapshotAsOf(ctx, "TQBR", nil)
	if snap == nil || !snap.CreatedAt.Equal(t2) {
		t.Fatalf("expected latest snapshot, got %+v", snap)
	}

	// before the first snapshot: none.
	before := t1.Add(-time.Minute)
	snap, err = s.SnapshotAsOf(ctx, "TQBR", &before)
	if err != nil {
		t.Fatalf("SnapshotAsOf(before) failed: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected no snapshot before t1, got %+v", snap)
	}
}

func TestSnapshotAsOfUnknownBoard(t *testing.T) {
	s := newStore(t)
	snap, err := s.SnapshotAsOf(context.Background(), "NOPE", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap != nil {
		t.Fatalf("unknown board should yield nil snapshot, got %+v", snap)
	}
}

func TestDuplicateSnapshotRejected(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	if err := s.SaveSnapshot(ctx, tqbr, "", at, items("GAZP")); err != nil {
		t.Fatalf("first SaveSnapshot failed: %v", err)
	}

	err := s.SaveSnapshot(ctx, tqbr, "", at, items("GAZP"))
	if !errors.Is(err, port.ErrDuplicateSnapshot) {
		t.Fatalf("expected ErrDuplicateSnapshot, got %v", err)
	}

	// The losing write must not leave partial items behind.
	infos, _ := s.RecentSnapshots(ctx, "TQBR", 10)
	if len(infos) != 1 || infos[0].ItemCount != 1 {
		t.Errorf("expected one snapshot with one item, got %+v", infos)
	}
}

func TestDuplicateItemRejectedAndRolledBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	// Same instrument twice inside one snapshot violates (snapshot, instrument).
	dup := append(items("GAZP"), items("GAZP")...)
	err := s.SaveSnapshot(ctx, tqbr, "", at, dup)
	if !errors.Is(err, port.ErrDuplicateItem) {
		t.Fatalf("expected ErrDuplicateItem, got %v", err)
	}

	// Atomic unit: nothing was committed.
	snap, _ := s.SnapshotAsOf(ctx, "TQBR", nil)
	if snap != nil {
		t.Fatalf("failed write should leave no snapshot, got %+v", snap)
	}
}

func TestTilesForReconstruction(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	stored := []port.Item{
		{SecID: "GAZP", ShortName: "Gazprom", Last: f(207.5), BasePrice: f(205), ChangePct: f(1.2195), ValToday: f(1e9)},
		{SecID: "NULLS", ShortName: ""},
		{SecID: "LONGNAME", ShortName: strings.Repeat("N", 40)},
	}
	if err := s.SaveSnapshot(ctx, tqbr, "", at, stored); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	snap, _ := s.SnapshotAsOf(ctx, "TQBR", nil)
	tiles, err := s.TilesFor(ctx, snap, 400)
	if err != nil {
		t.Fatalf("TilesFor failed: %v", err)
	}
	if len(tiles) != 3 {
		t.Fatalf("expected 3 tiles, got %d", len(tiles))
	}

	// insertion order preserved
	if tiles[0].SecID != "GAZP" || tiles[1].SecID != "NULLS" || tiles[2].SecID != "LONGNAME" {
		t.Errorf("unexpected order: %v %v %v", tiles[0].SecID, tiles[1].SecID, tiles[2].SecID)
	}
	if tiles[0].Last == nil || *tiles[0].Last != 207.5 {
		t.Errorf("expected last 207.5, got %v", tiles[0].Last)
	}
	if tiles[1].Last != nil || tiles[1].ChangePct != nil {
		t.Errorf("expected absent values to stay absent, got %+v", tiles[1])
	}
	// empty stored name falls back to the symbol
	if tiles[1].Name != "NULLS" {
		t.Errorf("expected symbol fallback name, got %q", tiles[1].Name)
	}
	// truncation reapplied on the read path
	if got := len([]rune(tiles[2].Name)); got != model.NameWidth {
		t.Errorf("expected name truncated to %d runes, got %d", model.NameWidth, got)
	}
}

func TestTilesForLimitAndNil(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	if err := s.SaveSnapshot(ctx, tqbr, "", at, items("A", "B", "C")); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	snap, _ := s.SnapshotAsOf(ctx, "TQBR", nil)

	tiles, err := s.TilesFor(ctx, snap, 2)
	if err != nil {
		t.Fatalf("TilesFor failed: %v", err)
	}
	if len(tiles) != 2 {
		t.Errorf("expected limit 2, got %d tiles", len(tiles))
	}

	// nil snapshot is "no data yet", not an error
	tiles, err = s.TilesFor(ctx, nil, 10)
	if err != nil {
		t.Fatalf("TilesFor(nil) failed: %v", err)
	}
	if len(tiles) != 0 {
		t.Errorf("expected empty tiles for nil snapshot, got %d", len(tiles))
	}
}

func TestRecentSnapshots(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		if err := s.SaveSnapshot(ctx, tqbr, "", at, items("GAZP", "SBER")); err != nil {
			t.Fatalf("SaveSnapshot %d failed: %v", i, err)
		}
	}

	infos, err := s.RecentSnapshots(ctx, "TQBR", 2)
	if err != nil {
		t.Fatalf("RecentSnapshots failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 listed snapshots, got %d", len(infos))
	}
	if !infos[0].CreatedAt.After(infos[1].CreatedAt) {
		t.Errorf("expected descending order, got %v then %v", infos[0].CreatedAt, infos[1].CreatedAt)
	}

	infos, err = s.RecentSnapshots(ctx, "EMPTY", 10)
	if err != nil {
		t.Fatalf("RecentSnapshots unknown board failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("expected empty listing for unknown board, got %d", len(infos))
	}
}
