package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tileboard/internal/application/port"
	"tileboard/internal/application/service"
	"tileboard/internal/domain/model"
	"tileboard/presentation"
)

// Server is the thin JSON/CSV adapter in front of the heatmap service.
type Server struct {
	addr       string
	svc        *service.Heatmap
	adminToken string
	hub        *Hub
	srv        *http.Server
}

func NewServer(addr string, svc *service.Heatmap, adminToken string) *Server {
	return &Server{
		addr:       addr,
		svc:        svc,
		adminToken: adminToken,
		hub:        NewHub(),
	}
}

// Handler builds the route table (exposed separately for tests).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/heatmap", s.handleHeatmap)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/asof", s.handleAsOf)
	mux.HandleFunc("/api/export.csv", s.handleExportCSV)
	mux.HandleFunc("/ws", s.hub.Handle)
	return withRequestLog(mux)
}

func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
		s.hub.Close()
	}()

	log.Info().Str("addr", s.addr).Msg("http server starting")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHeatmap serves tiles for every configured board.
// mode=fast (default) reads through the cache; mode=fresh forces a live fetch
// plus a durable snapshot write, gated by the admin token when one is set.
func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	fresh := mode == "fresh"

	if fresh && s.adminToken != "" && r.URL.Query().Get("admin_token") != s.adminToken {
		httpError(w, http.StatusForbidden, "admin token required for fresh mode")
		return
	}

	ctx := r.Context()
	if fresh {
		boards, err := s.svc.RefreshAll(ctx)
		if err != nil {
			// a refresh failure is distinct from "board unknown": upstream is down
			httpError(w, http.StatusBadGateway, "could not refresh board data")
			return
		}
		s.hub.Broadcast(map[string]any{"boards": boards, "mode": "fresh"})
		writeJSON(w, map[string]any{"boards": boards, "mode": "fresh"})
		return
	}

	boards := make(map[string][]model.Tile, len(s.svc.Boards()))
	for _, b := range s.svc.Boards() {
		tiles, err := s.svc.Tiles(ctx, b.Key, false)
		if err != nil {
			httpError(w, http.StatusBadGateway, "could not load board data")
			return
		}
		boards[b.Key.Board] = tiles
	}
	writeJSON(w, map[string]any{"boards": boards, "mode": "fast"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	ctx := r.Context()

	all := make([]model.Tile, 0)
	for _, b := range s.svc.Boards() {
		tiles, err := s.svc.Tiles(ctx, b.Key, false)
		if err != nil {
			httpError(w, http.StatusBadGateway, "could not load board data")
			return
		}
		all = append(all, tiles...)
	}
	writeJSON(w, map[string]any{"query": q, "results": service.Search(all, q)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	board := r.URL.Query().Get("board")
	if board == "" {
		httpError(w, http.StatusBadRequest, "board parameter required")
		return
	}
	limit := intParam(r, "limit", 100)

	infos, err := s.svc.RecentSnapshots(r.Context(), board, limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	writeJSON(w, map[string]any{"board": board, "snapshots": infos})
}

func (s *Server) handleAsOf(w http.ResponseWriter, r *http.Request) {
	board := r.URL.Query().Get("board")
	if board == "" {
		httpError(w, http.StatusBadRequest, "board parameter required")
		return
	}

	at, err := parseAt(r.URL.Query().Get("at"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "unparseable at parameter")
		return
	}

	snap, tiles, err := s.tilesAsOf(r.Context(), board, at, intParam(r, "limit", 400))
	if err != nil {
		httpError(w, http.StatusInternalServerError, "snapshot query failed")
		return
	}

	resp := map[string]any{"board": board, "tiles": tiles}
	if snap != nil {
		resp["snapshot"] = map[string]any{"id": snap.ID, "created_at": snap.CreatedAt}
	} else {
		// unknown board and "no snapshot at that time" are both just no data
		resp["snapshot"] = nil
	}
	writeJSON(w, resp)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	board := r.URL.Query().Get("board")
	if board == "" {
		httpError(w, http.StatusBadRequest, "board parameter required")
		return
	}
	at, err := parseAt(r.URL.Query().Get("at"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "unparseable at parameter")
		return
	}

	_, tiles, err := s.tilesAsOf(r.Context(), board, at, intParam(r, "limit", 400))
	if err != nil {
		httpError(w, http.StatusInternalServerError, "snapshot query failed")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\""+board+".csv\"")
	if err := presentation.WriteCSV(w, tiles); err != nil {
		log.Error().Err(err).Msg("csv export failed")
	}
}

func (s *Server) tilesAsOf(ctx context.Context, board string, at *time.Time, limit int) (*port.Snapshot, []model.Tile, error) {
	snap, err := s.svc.SnapshotAsOf(ctx, board, at)
	if err != nil {
		return nil, nil, err
	}
	tiles, err := s.svc.TilesFor(ctx, snap, limit)
	if err != nil {
		return nil, nil, err
	}
	return snap, tiles, nil
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encoding response failed")
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// withRequestLog tags each request with an id and logs its outcome.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Request-ID", reqID)

		next.ServeHTTP(rec, r)

		log.Info().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps the websocket upgrade working through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return hj.Hijack()
}
