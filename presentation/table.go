package presentation

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"tileboard/internal/domain/model"
)

// Header is the column set of the tabular export view.
var Header = []string{"secid", "name", "last", "change_pct", "valtoday"}

// Table projects tiles into rows matching Header. Absent values render as
// empty cells, never as zeros.
func Table(tiles []model.Tile) [][]string {
	rows := make([][]string, 0, len(tiles))
	for _, t := range tiles {
		rows = append(rows, []string{
			t.SecID,
			t.Name,
			formatFloat(t.Last, -1),
			formatFloat(t.ChangePct, 4),
			formatFloat(t.ValToday, -1),
		})
	}
	return rows
}

// WriteCSV writes the header plus one row per tile.
func WriteCSV(w io.Writer, tiles []model.Tile) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, row := range Table(tiles) {
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// RenderText formats tiles as an aligned console table (used by the seed
// command's summary output).
func RenderText(w io.Writer, tiles []model.Tile) {
	fmt.Fprintf(w, "%-12s %-20s %12s %10s %16s\n", "SECID", "NAME", "LAST", "CHG%", "VALTODAY")
	fmt.Fprintln(w, strings.Repeat("-", 74))
	for _, row := range Table(tiles) {
		fmt.Fprintf(w, "%-12s %-20s %12s %10s %16s\n", row[0], row[1], row[2], row[3], row[4])
	}
}

func formatFloat(v *float64, prec int) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}
