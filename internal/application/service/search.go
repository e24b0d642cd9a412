package service

import (
	"strings"

	"tileboard/internal/domain/model"
)

// Search filters already-fetched tiles by a case-insensitive substring match
// on symbol or display name. An empty query matches nothing.
func Search(tiles []model.Tile, query string) []model.Tile {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return []model.Tile{}
	}

	out := make([]model.Tile, 0)
	for _, t := range tiles {
		if strings.Contains(strings.ToUpper(t.SecID), q) || strings.Contains(strings.ToUpper(t.Name), q) {
			out = append(out, t)
		}
	}
	return out
}
