package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// scanCoverageRow reads one coverage row; NULL signal columns mean no radio
// in the tile ever reported that measurement.
func scanCoverageRow(rows *sql.Rows) (CoverageRow, error) {
	var (
		row     CoverageRow
		maxSNR  sql.NullFloat64
		maxRSSI sql.NullFloat64
		reps    string
	)
	err := rows.Scan(&row.Tile, &row.Total, &row.Heard, &row.Lost, &row.Observed,
		&row.LastHeard, &row.LastObserved, &maxSNR, &maxRSSI, &reps)
	if err != nil {
		return row, err
	}
	row.MaxSNR, row.SNRValid = maxSNR.Float64, maxSNR.Valid
	row.MaxRSSI, row.RSSIValid = maxRSSI.Float64, maxRSSI.Valid
	row.Repeaters = decodePath(reps)
	return row, nil
}

// MergeCoverage folds aggregated rows into the coverage table: counts add,
// timestamps and signal extrema take the max, repeater sets union. Read-
// merge-write per tile keeps the SQL portable; the consolidation job is the
// only writer so there is no race to defend against.
func (db *Database) MergeCoverage(ctx context.Context, rows []CoverageRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin coverage merge: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		ph := newPlaceholderGenerator(db.Driver)
		probe := fmt.Sprintf(`SELECT total, heard, observed, last_heard, last_observed, max_snr, max_rssi, repeaters
FROM coverage WHERE tile = %s`, ph())

		var (
			existing CoverageRow
			maxSNR   sql.NullFloat64
			maxRSSI  sql.NullFloat64
			reps     string
		)
		err := tx.QueryRowContext(ctx, probe, row.Tile).Scan(
			&existing.Total, &existing.Heard, &existing.Observed,
			&existing.LastHeard, &existing.LastObserved, &maxSNR, &maxRSSI, &reps)
		switch {
		case err == sql.ErrNoRows:
			ph = newPlaceholderGenerator(db.Driver)
			insert := fmt.Sprintf(`INSERT INTO coverage
(tile, total, heard, lost, observed, last_heard, last_observed, max_snr, max_rssi, repeaters)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
				ph(), ph(), ph(), ph(), ph(), ph(), ph(), ph(), ph(), ph())
			if _, err := tx.ExecContext(ctx, insert,
				row.Tile, row.Total, row.Heard, row.Total-row.Heard, row.Observed,
				row.LastHeard, row.LastObserved,
				nullableFloat64(row.SNRValid, row.MaxSNR),
				nullableFloat64(row.RSSIValid, row.MaxRSSI),
				encodePath(row.Repeaters)); err != nil {
				return fmt.Errorf("insert coverage %s: %w", row.Tile, err)
			}
			continue
		case err != nil:
			return fmt.Errorf("probe coverage %s: %w", row.Tile, err)
		}

		existing.MaxSNR, existing.SNRValid = maxSNR.Float64, maxSNR.Valid
		existing.MaxRSSI, existing.RSSIValid = maxRSSI.Float64, maxRSSI.Valid

		merged := mergeCoverageRows(existing, row)
		ph = newPlaceholderGenerator(db.Driver)
		update := fmt.Sprintf(`UPDATE coverage
SET total = %s, heard = %s, lost = %s, observed = %s, last_heard = %s, last_observed = %s,
    max_snr = %s, max_rssi = %s, repeaters = %s
WHERE tile = %s`,
			ph(), ph(), ph(), ph(), ph(), ph(), ph(), ph(), ph(), ph())
		if _, err := tx.ExecContext(ctx, update,
			merged.Total, merged.Heard, merged.Lost, merged.Observed,
			merged.LastHeard, merged.LastObserved,
			nullableFloat64(merged.SNRValid, merged.MaxSNR),
			nullableFloat64(merged.RSSIValid, merged.MaxRSSI),
			encodePath(merged.Repeaters), row.Tile); err != nil {
			return fmt.Errorf("update coverage %s: %w", row.Tile, err)
		}
	}

	return tx.Commit()
}

// mergeCoverageRows combines two rows for the same tile. The operation is
// commutative so consolidation runs can replay in any order.
func mergeCoverageRows(a, b CoverageRow) CoverageRow {
	out := a
	out.Total += b.Total
	out.Heard += b.Heard
	out.Lost = out.Total - out.Heard
	out.Observed += b.Observed
	if b.LastHeard > out.LastHeard {
		out.LastHeard = b.LastHeard
	}
	if b.LastObserved > out.LastObserved {
		out.LastObserved = b.LastObserved
	}
	if b.SNRValid && (!out.SNRValid || b.MaxSNR > out.MaxSNR) {
		out.MaxSNR, out.SNRValid = b.MaxSNR, true
	}
	if b.RSSIValid && (!out.RSSIValid || b.MaxRSSI > out.MaxRSSI) {
		out.MaxRSSI, out.RSSIValid = b.MaxRSSI, true
	}

	set := make(map[string]struct{}, len(a.Repeaters)+len(b.Repeaters))
	for _, id := range a.Repeaters {
		set[id] = struct{}{}
	}
	for _, id := range b.Repeaters {
		set[id] = struct{}{}
	}
	merged := make([]string, 0, len(set))
	for id := range set {
		merged = append(merged, id)
	}
	sort.Strings(merged)
	if len(merged) == 0 {
		merged = nil
	}
	out.Repeaters = merged
	return out
}

// StreamCoverage streams persisted coverage rows, optionally restricted to a
// set of tile prefixes (the viewport's 6-char tiles).
func (db *Database) StreamCoverage(ctx context.Context, tiles []string) (<-chan CoverageRow, <-chan error) {
	out := make(chan CoverageRow)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		query := `SELECT tile, total, heard, lost, observed, last_heard, last_observed, max_snr, max_rssi, repeaters FROM coverage`
		var args []interface{}
		if len(tiles) > 0 {
			ph := newPlaceholderGenerator(db.Driver)
			marks := make([]string, len(tiles))
			for i, t := range tiles {
				marks[i] = ph()
				args = append(args, strings.ToLower(t))
			}
			query += " WHERE tile IN (" + strings.Join(marks, ", ") + ")"
		}

		rows, err := db.DB.QueryContext(ctx, query, args...)
		if err != nil {
			errCh <- fmt.Errorf("query coverage: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			row, err := scanCoverageRow(rows)
			if err != nil {
				errCh <- fmt.Errorf("scan coverage: %w", err)
				return
			}
			select {
			case out <- row:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if err := rows.Err(); err != nil {
			errCh <- fmt.Errorf("iterate coverage: %w", err)
		}
	}()

	return out, errCh
}

// GetCoverage collects coverage rows into a slice sorted by tile key.
func (db *Database) GetCoverage(ctx context.Context, tiles []string) ([]CoverageRow, error) {
	rowCh, errCh := db.StreamCoverage(ctx, tiles)
	var out []CoverageRow
	for row := range rowCh {
		out = append(out, row)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tile < out[j].Tile })
	return out, nil
}
