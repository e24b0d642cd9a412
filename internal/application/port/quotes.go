package port

import (
	"context"
	"errors"

	"tileboard/internal/domain/model"
)

// ErrUpstreamUnavailable is returned once every fetch attempt against the
// venue API has failed. Callers must not retry further.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// QuoteSource fetches raw instrument rows for one board.
type QuoteSource interface {
	BoardData(ctx context.Context, engine, market, board string) ([]model.SecurityRow, error)
}
