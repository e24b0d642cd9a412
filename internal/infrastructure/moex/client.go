package moex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tileboard/internal/application/port"
	"tileboard/internal/domain/model"
)

// DefaultBaseURL is the public ISS endpoint.
const DefaultBaseURL = "https://iss.moex.com/iss"

// Client talks to the MOEX ISS API. It is stateless across calls; one
// invocation issues one outbound request per attempt.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	retries      int
	backoffBase  time.Duration
	backoffFloor time.Duration
}

type Option func(*Client)

// WithBackoff overrides the retry delay parameters (mainly for tests).
func WithBackoff(base, floor time.Duration) Option {
	return func(c *Client) {
		c.backoffBase = base
		c.backoffFloor = floor
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// NewClient builds an ISS client. retries is the number of additional
// attempts after the first failure; timeout applies per attempt.
func NewClient(baseURL string, timeout time.Duration, retries int, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		retries:      retries,
		backoffBase:  500 * time.Millisecond,
		backoffFloor: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// issTable is one column-oriented table in an ISS response.
type issTable struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

type issResponse struct {
	Securities issTable `json:"securities"`
	Marketdata issTable `json:"marketdata"`
}

// BoardData fetches securities + marketdata for one board and merges them by
// SECID with a left join anchored on the securities table. After exhausting
// all attempts it returns port.ErrUpstreamUnavailable wrapping the last cause.
func (c *Client) BoardData(ctx context.Context, engine, market, board string) ([]model.SecurityRow, error) {
	endpoint := fmt.Sprintf("%s/engines/%s/markets/%s/boards/%s/securities.json",
		c.baseURL, url.PathEscape(engine), url.PathEscape(market), url.PathEscape(board))

	q := url.Values{}
	q.Set("iss.only", "securities,marketdata")
	q.Set("iss.meta", "off")
	q.Set("securities.columns", "SECID,SHORTNAME,PREVPRICE,PREVSETTLEPRICE")
	q.Set("marketdata.columns", "SECID,LAST,OPEN,LOW,HIGH,VALTODAY,VOLTODAY")
	endpoint += "?" + q.Encode()

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase*time.Duration(attempt) + c.backoffFloor
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", port.ErrUpstreamUnavailable, ctx.Err())
			case <-time.After(delay):
			}
		}

		rows, err := c.fetchOnce(ctx, endpoint)
		if err == nil {
			return rows, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", port.ErrUpstreamUnavailable, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string) ([]model.SecurityRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("iss http %d: %s", resp.StatusCode, string(body))
	}

	var iss issResponse
	if err := json.NewDecoder(resp.Body).Decode(&iss); err != nil {
		return nil, fmt.Errorf("decoding iss response: %w", err)
	}
	return merge(iss), nil
}

// merge zips both column-oriented tables into typed rows and left-joins
// marketdata onto securities by SECID. Every listed security appears in the
// result; missing live fields stay nil.
func merge(iss issResponse) []model.SecurityRow {
	sec := iss.Securities
	md := iss.Marketdata

	secID := colIndex(sec.Columns, "SECID")
	shortName := colIndex(sec.Columns, "SHORTNAME")
	prevPrice := colIndex(sec.Columns, "PREVPRICE")
	prevSettle := colIndex(sec.Columns, "PREVSETTLEPRICE")

	mdSecID := colIndex(md.Columns, "SECID")
	mdLast := colIndex(md.Columns, "LAST")
	mdOpen := colIndex(md.Columns, "OPEN")
	mdLow := colIndex(md.Columns, "LOW")
	mdHigh := colIndex(md.Columns, "HIGH")
	mdValToday := colIndex(md.Columns, "VALTODAY")
	mdVolToday := colIndex(md.Columns, "VOLTODAY")

	mdIndex := make(map[string][]any, len(md.Data))
	for _, row := range md.Data {
		if id := stringAt(row, mdSecID); id != "" {
			mdIndex[id] = row
		}
	}

	rows := make([]model.SecurityRow, 0, len(sec.Data))
	for _, row := range sec.Data {
		id := stringAt(row, secID)
		if id == "" {
			continue
		}
		out := model.SecurityRow{
			SecID:           id,
			ShortName:       stringAt(row, shortName),
			PrevPrice:       floatAt(row, prevPrice),
			PrevSettlePrice: floatAt(row, prevSettle),
		}
		if live, ok := mdIndex[id]; ok {
			out.Last = floatAt(live, mdLast)
			out.Open = floatAt(live, mdOpen)
			out.Low = floatAt(live, mdLow)
			out.High = floatAt(live, mdHigh)
			out.ValToday = floatAt(live, mdValToday)
			out.VolToday = floatAt(live, mdVolToday)
		}
		rows = append(rows, out)
	}
	return rows
}

func colIndex(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}

func stringAt(row []any, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	s, _ := row[idx].(string)
	return s
}

// floatAt coerces a cell to a float pointer. Anything unparseable is treated
// as an absent value rather than an error.
func floatAt(row []any, idx int) *float64 {
	if idx < 0 || idx >= len(row) {
		return nil
	}
	switch v := row[idx].(type) {
	case float64:
		return &v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return &f
		}
	}
	return nil
}

var _ port.QuoteSource = (*Client)(nil)
