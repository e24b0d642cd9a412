package web

import (
	"errors"
	"strings"
	"time"
)

var atLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
}

// parseAt accepts "YYYY-MM-DD" or "YYYY-MM-DD HH:MM[:SS]" (T separator also
// allowed), interpreted as UTC. An empty string means "latest" and yields nil.
func parseAt(s string) (*time.Time, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "T", " "))
	if s == "" {
		return nil, nil
	}
	for _, layout := range atLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New("unsupported time format")
}
