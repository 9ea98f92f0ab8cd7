package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// sampleInsertChunk caps multi-row INSERT size so placeholder counts stay
// well under every engine's limits.
const sampleInsertChunk = 500

// encodePath flattens a forwarding path for storage. Hops are 2-char hex or
// full hex identifiers, so a comma separator can never collide with content.
func encodePath(path []string) string {
	return strings.Join(path, ",")
}

// decodePath is the inverse of encodePath; an empty column means no path.
func decodePath(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// nullableFloat64 converts an optional measurement into a SQL value: NULL
// when the radio did not report it.
func nullableFloat64(valid bool, v float64) interface{} {
	if !valid {
		return nil
	}
	return v
}

// boolToInt keeps boolean storage portable; not every engine has a native
// BOOLEAN column type.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertSamples stores a batch of samples, silently skipping exact
// duplicates. PostgreSQL takes the COPY fast path; everything else gets
// chunked multi-row INSERTs with the engine's flavour of conflict-ignore.
func (db *Database) InsertSamples(ctx context.Context, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	if db.Driver == "pgx" {
		for start := 0; start < len(samples); start += sampleInsertChunk {
			end := start + sampleInsertChunk
			if end > len(samples) {
				end = len(samples)
			}
			if err := db.insertSamplesPostgreSQLCopy(ctx, samples[start:end]); err != nil {
				return err
			}
		}
		return nil
	}

	for start := 0; start < len(samples); start += sampleInsertChunk {
		end := start + sampleInsertChunk
		if end > len(samples) {
			end = len(samples)
		}
		if err := db.insertSamplesChunk(ctx, samples[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// insertSamplesChunk writes one chunk inside a transaction so a single bad
// statement never leaves a half-written batch behind.
func (db *Database) insertSamplesChunk(ctx context.Context, chunk []Sample) error {
	verb := "INSERT INTO"
	suffix := ""
	switch db.Driver {
	case "sqlite":
		verb = "INSERT OR IGNORE INTO"
	default:
		// DuckDB and Genji both understand the standard conflict clause.
		suffix = " ON CONFLICT DO NOTHING"
	}

	ph := newPlaceholderGenerator(db.Driver)
	var (
		sb   strings.Builder
		args []interface{}
	)
	fmt.Fprintf(&sb, "%s samples (id, geohash, lat, lon, node_id, path, date, snr, rssi, observed) VALUES ", verb)
	for i, s := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "(%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)",
			ph(), ph(), ph(), ph(), ph(), ph(), ph(), ph(), ph(), ph())
		args = append(args,
			db.NextID(), strings.ToLower(s.Geohash), s.Lat, s.Lon, s.NodeID,
			encodePath(s.Path), s.Date,
			nullableFloat64(s.SNRValid, s.SNR),
			nullableFloat64(s.RSSIValid, s.RSSI),
			boolToInt(s.Observed))
	}
	sb.WriteString(suffix)

	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sample insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert samples: %w", err)
	}
	return tx.Commit()
}

// SampleFilter narrows a sample scan. Zero values disable the corresponding
// condition, so the empty filter streams everything.
type SampleFilter struct {
	MinLat, MaxLat float64 // Bounding box; both zero pairs mean no bounds
	MinLon, MaxLon float64
	Since          int64 // Inclusive lower bound on date, UNIX seconds
	Until          int64 // Exclusive upper bound on date
}

func (f SampleFilter) hasBounds() bool {
	return f.MinLat != 0 || f.MaxLat != 0 || f.MinLon != 0 || f.MaxLon != 0
}

// StreamSamples streams matching samples row by row through a channel. It
// avoids loading large result sets into memory and stops when the context is
// done.
func (db *Database) StreamSamples(ctx context.Context, filter SampleFilter) (<-chan Sample, <-chan error) {
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		ph := newPlaceholderGenerator(db.Driver)
		var (
			conds []string
			args  []interface{}
		)
		if filter.hasBounds() {
			conds = append(conds,
				fmt.Sprintf("lat BETWEEN %s AND %s", ph(), ph()),
				fmt.Sprintf("lon BETWEEN %s AND %s", ph(), ph()))
			args = append(args, filter.MinLat, filter.MaxLat, filter.MinLon, filter.MaxLon)
		}
		if filter.Since > 0 {
			conds = append(conds, fmt.Sprintf("date >= %s", ph()))
			args = append(args, filter.Since)
		}
		if filter.Until > 0 {
			conds = append(conds, fmt.Sprintf("date < %s", ph()))
			args = append(args, filter.Until)
		}

		query := `SELECT id, geohash, lat, lon, node_id, path, date, snr, rssi, observed FROM samples`
		if len(conds) > 0 {
			query += " WHERE " + strings.Join(conds, " AND ")
		}

		rows, err := db.DB.QueryContext(ctx, query, args...)
		if err != nil {
			errCh <- fmt.Errorf("query samples: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				s        Sample
				rawPath  string
				snr      sql.NullFloat64
				rssi     sql.NullFloat64
				observed int
			)
			if err := rows.Scan(&s.ID, &s.Geohash, &s.Lat, &s.Lon, &s.NodeID,
				&rawPath, &s.Date, &snr, &rssi, &observed); err != nil {
				errCh <- fmt.Errorf("scan sample: %w", err)
				return
			}
			s.Path = decodePath(rawPath)
			s.SNR, s.SNRValid = snr.Float64, snr.Valid
			s.RSSI, s.RSSIValid = rssi.Float64, rssi.Valid
			s.Observed = observed != 0

			select {
			case out <- s:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if err := rows.Err(); err != nil {
			errCh <- fmt.Errorf("iterate samples: %w", err)
		}
	}()

	return out, errCh
}

// GetSamples collects matching samples into a slice; thin wrapper over
// StreamSamples for callers that need everything in memory anyway.
func (db *Database) GetSamples(ctx context.Context, filter SampleFilter) ([]Sample, error) {
	rowCh, errCh := db.StreamSamples(ctx, filter)
	var out []Sample
	for s := range rowCh {
		out = append(out, s)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}

// CountSamples reports how many samples are stored, for status endpoints.
func (db *Database) CountSamples(ctx context.Context) (int64, error) {
	var n int64
	if err := db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return n, nil
}

// DeleteSamplesBefore drops samples older than the cutoff. The consolidation
// job calls this after folding old rows into coverage, so the raw table stays
// bounded without losing aggregate history.
func (db *Database) DeleteSamplesBefore(ctx context.Context, cutoff int64) (int64, error) {
	ph := newPlaceholderGenerator(db.Driver)
	res, err := db.DB.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM samples WHERE date < %s`, ph()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old samples: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some engines cannot report the count; the delete still happened.
		return 0, nil
	}
	return n, nil
}
