package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// insertSamplesPostgreSQLCopy streams a chunk of samples into PostgreSQL
// using COPY to keep collector batches fast. We lean on a temporary table so
// the main table's ON CONFLICT policy still applies without losing COPY's
// throughput.
func (db *Database) insertSamplesPostgreSQLCopy(ctx context.Context, chunk []Sample) error {
	if len(chunk) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil || db.DB == nil {
		return fmt.Errorf("database unavailable")
	}

	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open postgres connection: %w", err)
	}
	defer conn.Close()

	// Timestamp suffix keeps temp table names unique per call while staying
	// predictable for debugging.
	tempTable := fmt.Sprintf("temp_samples_%d", time.Now().UnixNano())
	// Avoid ON COMMIT DROP so the temporary table survives PostgreSQL's
	// autocommit mode long enough for COPY and the final INSERT to finish.
	createTemp := fmt.Sprintf(`CREATE TEMP TABLE %s (
id BIGINT,
geohash TEXT,
lat DOUBLE PRECISION,
lon DOUBLE PRECISION,
node_id TEXT,
path TEXT,
date BIGINT,
snr DOUBLE PRECISION,
rssi DOUBLE PRECISION,
observed INTEGER
)`, tempTable)
	if _, err := conn.ExecContext(ctx, createTemp); err != nil {
		return fmt.Errorf("create temp table: %w", err)
	}

	// Ensure cleanup even if the COPY or final insert fails; a detached
	// context avoids blocking shutdown when the caller's context is already
	// cancelled.
	dropCtx, dropCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dropCancel()
	defer conn.ExecContext(dropCtx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tempTable))

	rows := make([][]interface{}, 0, len(chunk))
	for _, s := range chunk {
		rows = append(rows, []interface{}{
			db.NextID(), strings.ToLower(s.Geohash), s.Lat, s.Lon, s.NodeID,
			encodePath(s.Path), s.Date,
			nullableFloat64(s.SNRValid, s.SNR),
			nullableFloat64(s.RSSIValid, s.RSSI),
			boolToInt(s.Observed),
		})
	}

	copyErr := conn.Raw(func(driverConn any) error {
		direct, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected postgres driver %T", driverConn)
		}
		_, err := direct.Conn().CopyFrom(
			ctx,
			pgx.Identifier{tempTable},
			[]string{"id", "geohash", "lat", "lon", "node_id", "path", "date", "snr", "rssi", "observed"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if copyErr != nil {
		return fmt.Errorf("copy samples into temp table: %w", copyErr)
	}

	insertFromTemp := fmt.Sprintf(`INSERT INTO samples
(id, geohash, lat, lon, node_id, path, date, snr, rssi, observed)
SELECT id, geohash, lat, lon, node_id, path, date, snr, rssi, observed FROM %s
ON CONFLICT ON CONSTRAINT samples_unique DO NOTHING`, tempTable)
	if _, err := conn.ExecContext(ctx, insertFromTemp); err != nil {
		return fmt.Errorf("merge temp samples: %w", err)
	}

	return nil
}
