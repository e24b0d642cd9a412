package service

import (
	"tileboard/internal/application/port"
	"tileboard/internal/domain/model"
)

// ComputeTiles derives heatmap tiles from merged board rows. It is total:
// missing or unparseable values degrade to absent fields, never to an error.
func ComputeTiles(rows []model.SecurityRow) []model.Tile {
	tiles := make([]model.Tile, 0, len(rows))
	for _, r := range rows {
		name := r.ShortName
		if name == "" {
			name = r.SecID
		}

		// PREVPRICE is the primary base; futures boards usually carry only
		// PREVSETTLEPRICE, hence the fallback.
		base := r.PrevPrice
		if base == nil {
			base = r.PrevSettlePrice
		}

		var change *float64
		if r.Last != nil && *r.Last != 0 && base != nil && *base != 0 {
			v := (*r.Last - *base) / *base * 100
			change = &v
		}

		val := r.ValToday
		if val == nil {
			val = r.VolToday
		}

		tiles = append(tiles, model.Tile{
			SecID:     r.SecID,
			Name:      model.TruncateName(name),
			Last:      r.Last,
			BasePrice: base,
			ChangePct: change,
			ValToday:  val,
		})
	}
	return tiles
}

// StorageItems narrows tiles to the fields the snapshot store persists.
func StorageItems(tiles []model.Tile) []port.Item {
	items := make([]port.Item, 0, len(tiles))
	for _, t := range tiles {
		items = append(items, port.Item{
			SecID:     t.SecID,
			ShortName: t.Name,
			Last:      t.Last,
			BasePrice: t.BasePrice,
			ChangePct: t.ChangePct,
			ValToday:  t.ValToday,
		})
	}
	return items
}
