package moex

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tileboard/internal/application/port"
)

const boardJSON = `{
	"securities": {
		"columns": ["SECID", "SHORTNAME", "PREVPRICE", "PREVSETTLEPRICE"],
		"data": [
			["GAZP", "Газпром", 205.0, null],
			["SiZ5", "Si-12.25", null, 80000.5],
			["NODATA", "Без данных", 10.0, null]
		]
	},
	"marketdata": {
		"columns": ["SECID", "LAST", "OPEN", "LOW", "HIGH", "VALTODAY", "VOLTODAY"],
		"data": [
			["GAZP", 207.5, 206.0, 204.0, 208.0, 1000000, 5000],
			["SiZ5", 81000.0, null, null, null, null, 120]
		]
	}
}`

func testClient(t *testing.T, handler http.Handler, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, time.Second, retries, WithBackoff(time.Millisecond, 0))
}

func TestBoardDataMerge(t *testing.T) {
	var gotPath, gotQuery string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("iss.only")
		w.Write([]byte(boardJSON))
	}), 0)

	rows, err := c.BoardData(context.Background(), "stock", "shares", "TQBR")
	if err != nil {
		t.Fatalf("BoardData failed: %v", err)
	}
	if gotPath != "/engines/stock/markets/shares/boards/TQBR/securities.json" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotQuery != "securities,marketdata" {
		t.Errorf("unexpected iss.only %q", gotQuery)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	gazp := rows[0]
	if gazp.SecID != "GAZP" || gazp.ShortName != "Газпром" {
		t.Errorf("unexpected first row: %+v", gazp)
	}
	if gazp.PrevPrice == nil || *gazp.PrevPrice != 205.0 {
		t.Errorf("expected PREVPRICE 205.0, got %v", gazp.PrevPrice)
	}
	if gazp.Last == nil || *gazp.Last != 207.5 {
		t.Errorf("expected LAST 207.5, got %v", gazp.Last)
	}

	si := rows[1]
	if si.PrevPrice != nil {
		t.Errorf("expected nil PREVPRICE for futures row, got %v", *si.PrevPrice)
	}
	if si.PrevSettlePrice == nil || *si.PrevSettlePrice != 80000.5 {
		t.Errorf("expected PREVSETTLEPRICE 80000.5, got %v", si.PrevSettlePrice)
	}

	// Left join: security without marketdata still present, live fields nil.
	nd := rows[2]
	if nd.SecID != "NODATA" {
		t.Fatalf("expected NODATA row, got %+v", nd)
	}
	if nd.Last != nil || nd.ValToday != nil {
		t.Errorf("expected nil live fields, got last=%v valtoday=%v", nd.Last, nd.ValToday)
	}
}

func TestBoardDataRetriesThenSucceeds(t *testing.T) {
	var calls int
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(boardJSON))
	}), 2)

	rows, err := c.BoardData(context.Background(), "stock", "shares", "TQBR")
	if err != nil {
		t.Fatalf("BoardData failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if len(rows) != 3 {
		t.Errorf("expected 3 rows, got %d", len(rows))
	}
}

func TestBoardDataExhaustsRetries(t *testing.T) {
	var calls int
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusInternalServerError)
	}), 2)

	_, err := c.BoardData(context.Background(), "stock", "shares", "TQBR")
	if !errors.Is(err, port.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected retries+1 = 3 attempts, got %d", calls)
	}
}

func TestBoardDataMalformedNumericDegrades(t *testing.T) {
	body := `{
		"securities": {
			"columns": ["SECID", "SHORTNAME", "PREVPRICE", "PREVSETTLEPRICE"],
			"data": [["AAA", "Тест", "not-a-number", null]]
		},
		"marketdata": {"columns": ["SECID", "LAST"], "data": [["AAA", "12.5"]]}
	}`
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}), 0)

	rows, err := c.BoardData(context.Background(), "stock", "shares", "TQBR")
	if err != nil {
		t.Fatalf("BoardData failed: %v", err)
	}
	if rows[0].PrevPrice != nil {
		t.Errorf("garbage numeric should become nil, got %v", *rows[0].PrevPrice)
	}
	// Numeric strings are still accepted.
	if rows[0].Last == nil || *rows[0].Last != 12.5 {
		t.Errorf("expected string numeric parsed to 12.5, got %v", rows[0].Last)
	}
}
