package database

import (
	"context"
	"fmt"
	"strings"

	"mesh-coverage-map/pkg/meshpath"
)

// UpsertRepeaters merges repeater observations keyed by (prefix, hash, lat,
// lon), freshest observation wins. Location stays part of the key: two
// hash-less repeaters sharing a prefix at different sites are exactly the
// collision the scoring engine exists to break, so they must survive as
// separate rows. Update-then-insert keeps the statement portable across every
// engine instead of leaning on dialect-specific upsert syntax.
func (db *Database) UpsertRepeaters(ctx context.Context, repeaters []Repeater) error {
	if len(repeaters) == 0 {
		return nil
	}

	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin repeater upsert: %w", err)
	}
	defer tx.Rollback()

	for _, r := range repeaters {
		prefix := r.CanonicalPrefix()
		if prefix == "" {
			// No usable identity; nothing to key the row on.
			continue
		}
		hash := strings.ToUpper(strings.TrimSpace(r.Hash))

		ph := newPlaceholderGenerator(db.Driver)
		update := fmt.Sprintf(`UPDATE repeaters
SET name = %s, last_seen = %s
WHERE prefix = %s AND hash = %s AND lat = %s AND lon = %s AND last_seen <= %s`,
			ph(), ph(), ph(), ph(), ph(), ph(), ph())
		res, err := tx.ExecContext(ctx, update,
			r.Name, r.LastSeen, prefix, hash, r.Lat, r.Lon, r.LastSeen)
		if err != nil {
			return fmt.Errorf("update repeater %s: %w", prefix, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			continue
		}

		// Either the row is missing or an existing row is fresher. Probe
		// before inserting so a stale observation never duplicates the key.
		ph = newPlaceholderGenerator(db.Driver)
		probe := fmt.Sprintf(`SELECT id FROM repeaters
WHERE prefix = %s AND hash = %s AND lat = %s AND lon = %s`, ph(), ph(), ph(), ph())
		var existing int64
		if err := tx.QueryRowContext(ctx, probe, prefix, hash, r.Lat, r.Lon).Scan(&existing); err == nil {
			continue
		}

		ph = newPlaceholderGenerator(db.Driver)
		insert := fmt.Sprintf(`INSERT INTO repeaters (id, prefix, hash, name, lat, lon, last_seen)
VALUES (%s, %s, %s, %s, %s, %s, %s)`,
			ph(), ph(), ph(), ph(), ph(), ph(), ph())
		if _, err := tx.ExecContext(ctx, insert,
			db.NextID(), prefix, hash, r.Name, r.Lat, r.Lon, r.LastSeen); err != nil {
			return fmt.Errorf("insert repeater %s: %w", prefix, err)
		}
	}

	return tx.Commit()
}

// StreamRepeaters streams every repeater row through a channel so the
// disambiguation pass never holds the full set in a slice built by SQL
// iteration code. The error channel carries at most one value.
func (db *Database) StreamRepeaters(ctx context.Context) (<-chan Repeater, <-chan error) {
	out := make(chan Repeater)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		rows, err := db.DB.QueryContext(ctx,
			`SELECT id, prefix, hash, name, lat, lon, last_seen FROM repeaters`)
		if err != nil {
			errCh <- fmt.Errorf("query repeaters: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var r Repeater
			if err := rows.Scan(&r.ID, &r.Prefix, &r.Hash, &r.Name, &r.Lat, &r.Lon, &r.LastSeen); err != nil {
				errCh <- fmt.Errorf("scan repeater: %w", err)
				return
			}
			select {
			case out <- r:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if err := rows.Err(); err != nil {
			errCh <- fmt.Errorf("iterate repeaters: %w", err)
		}
	}()

	return out, errCh
}

// GetRepeaters collects the full repeater set. Convenience wrapper over
// StreamRepeaters for callers that need a slice anyway.
func (db *Database) GetRepeaters(ctx context.Context) ([]Repeater, error) {
	rowCh, errCh := db.StreamRepeaters(ctx)
	var out []Repeater
	for r := range rowCh {
		out = append(out, r)
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return out, nil
}

// GetRepeatersByPrefix returns all observations sharing one canonical prefix.
func (db *Database) GetRepeatersByPrefix(ctx context.Context, prefix string) ([]Repeater, error) {
	canonical := meshpath.PrefixFrom(prefix)
	if canonical == "" {
		return nil, fmt.Errorf("invalid prefix %q", prefix)
	}

	ph := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`SELECT id, prefix, hash, name, lat, lon, last_seen
FROM repeaters WHERE prefix = %s`, ph())

	rows, err := db.DB.QueryContext(ctx, query, canonical)
	if err != nil {
		return nil, fmt.Errorf("query repeaters by prefix: %w", err)
	}
	defer rows.Close()

	var out []Repeater
	for rows.Next() {
		var r Repeater
		if err := rows.Scan(&r.ID, &r.Prefix, &r.Hash, &r.Name, &r.Lat, &r.Lon, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("scan repeater: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
