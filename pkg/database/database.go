package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"
)

// Database wraps the SQL connection together with the process-wide ID
// generator. The Driver field keeps the normalized driver name around so SQL
// builders can stay declarative instead of re-parsing config.
type Database struct {
	DB          *sql.DB    // The underlying SQL database connection
	idGenerator chan int64 // Channel for generating unique row IDs
	Driver      string     // Normalized driver name
}

// Config holds the configuration details for initializing the database.
type Config struct {
	DBType    string // Driver name: "sqlite", "genji", "duckdb" or "pgx" (PostgreSQL)
	DBPath    string // File path for file-based databases
	DBConn    string // Raw DSN for network drivers
	DBHost    string // PostgreSQL host
	DBPort    int    // PostgreSQL port
	DBUser    string // PostgreSQL user
	DBPass    string // PostgreSQL password
	DBName    string // PostgreSQL database name
	PGSSLMode string // PostgreSQL SSL mode
	Port      int    // HTTP port, used in default database file naming
}

// normalizeDBType trims and lowercases driver names so downstream switch
// blocks do not miss engine-specific handling just because a caller passed
// mixed case or incidental whitespace.
func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// startIDGenerator launches a goroutine handing out sequential row IDs.
// Sharing one generator across tables keeps inserts portable: every engine
// accepts an explicit primary key, while auto-increment dialects differ.
func startIDGenerator(initialID int64) chan int64 {
	idChannel := make(chan int64)
	go func(start int64) {
		currentID := start
		for {
			idChannel <- currentID
			currentID++
		}
	}(initialID)
	return idChannel
}

// NextID hands out the next unique row ID.
func (db *Database) NextID() int64 {
	return <-db.idGenerator
}

// newPlaceholderGenerator returns a closure producing the next SQL
// placeholder for the given engine: $1,$2,... for PostgreSQL, plain ? for
// everything else.
func newPlaceholderGenerator(dbType string) func() string {
	if normalizeDBType(dbType) == "pgx" {
		counter := 0
		return func() string {
			counter++
			return fmt.Sprintf("$%d", counter)
		}
	}
	return func() string { return "?" }
}

// NewDatabase opens the configured engine and tunes its connection pool.
// File-based engines are forced into single-connection mode: one physical
// connection, no concurrent statements at the DB layer.
func NewDatabase(config Config) (*Database, error) {
	driverName := normalizeDBType(config.DBType)
	var dsn string

	switch driverName {
	case "sqlite", "genji":
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("coverage-%d.%s", config.Port, driverName)
		}
	case "duckdb":
		// The file is created on first open.
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("coverage-%d.duckdb", config.Port)
		}
	case "pgx":
		if strings.TrimSpace(config.DBConn) != "" {
			dsn = config.DBConn
		} else {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				config.DBUser, config.DBPass, config.DBHost, config.DBPort, config.DBName, config.PGSSLMode)
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.DBType)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %v", err)
	}

	switch driverName {
	case "sqlite":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		// Never recycle the single connection; it stays stable for the
		// whole process.
		db.SetConnMaxLifetime(0)
		tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := tuneSQLiteConnection(tuneCtx, db, log.Printf); err != nil {
			log.Printf("sqlite tuning skipped: %v", err)
		}
		cancel()
	case "genji":
		// Genji manages its own transaction and caching strategy, so we
		// keep the single-connection behaviour but skip PRAGMA tuning.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case "duckdb":
		// DuckDB writes through a single transaction log and gains nothing
		// from multiple writers; one connection also avoids unique-key
		// races during collector batches.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := tuneDuckDBConnection(tuneCtx, db, log.Printf); err != nil {
			log.Printf("duckdb tuning skipped: %v", err)
		}
		cancel()
	}

	// Cheap liveness probe with timeout so we don't hang at startup.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error connecting to the database: %v", err)
		}
	}

	log.Printf("Using database driver: %s with DSN: %s", driverName, dsn)

	// Bootstrap the ID generator from the highest ID across tables so each
	// row receives a unique primary key. Errors are ignored to keep startup
	// robust even when tables are missing.
	var (
		maxSamples   sql.NullInt64
		maxRepeaters sql.NullInt64
	)
	_ = db.QueryRow(`SELECT MAX(id) FROM samples`).Scan(&maxSamples)
	_ = db.QueryRow(`SELECT MAX(id) FROM repeaters`).Scan(&maxRepeaters)
	initialID := int64(1)
	if maxSamples.Valid && maxSamples.Int64 >= initialID {
		initialID = maxSamples.Int64 + 1
	}
	if maxRepeaters.Valid && maxRepeaters.Int64 >= initialID {
		initialID = maxRepeaters.Int64 + 1
	}
	idChannel := startIDGenerator(initialID)

	return &Database{
		DB:          db,
		idGenerator: idChannel,
		Driver:      driverName,
	}, nil
}

// tuneSQLiteConnection applies WAL/synchronous/busy pragmas. The steps run
// through a small channel pipeline so the work happens off the caller
// goroutine, following "Don't communicate by sharing memory; share memory by
// communicating".
func tuneSQLiteConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	type pragma struct {
		label     string
		query     string
		expectRow bool
	}

	steps := []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "temp_store", query: "PRAGMA temp_store=MEMORY;"},
		{label: "cache_size", query: "PRAGMA cache_size=-20000;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}

	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("SQLite tuning %s -> %s", step.label, mode)
				continue
			}

			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
			logf("SQLite tuning %s applied", step.label)
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			jobs <- step
		}
	}()

	if err := <-errs; err != nil {
		return err
	}
	return nil
}

// tuneDuckDBConnection raises the checkpoint threshold and thread count so
// bulk collector batches stay CPU-bound instead of pausing on checkpoints.
func tuneDuckDBConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}

	type pragma struct {
		label string
		query string
	}

	steps := []pragma{
		{label: "threads", query: fmt.Sprintf("PRAGMA threads=%d;", threads)},
		// Checkpoints can stall long-running batches. Raising the threshold
		// lets a bulk transaction flush once at commit time instead of
		// pausing mid-stream.
		{label: "checkpoint_threshold", query: "PRAGMA checkpoint_threshold='1GB';"},
	}

	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
			logf("DuckDB tuning %s applied", step.label)
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			jobs <- step
		}
	}()

	if err := <-errs; err != nil {
		return err
	}
	return nil
}

// InitSchema creates the minimal required schema synchronously so the app can
// accept traffic immediately. Heavy indexes are built later by
// EnsureIndexesAsync in background.
func (db *Database) InitSchema(cfg Config) error {
	var statements []string

	switch normalizeDBType(cfg.DBType) {
	case "pgx":
		// PostgreSQL: named UNIQUE constraints so inserts can target them
		// with ON CONFLICT.
		statements = []string{
			`CREATE TABLE IF NOT EXISTS repeaters (
  id        BIGINT PRIMARY KEY,
  prefix    TEXT,
  hash      TEXT,
  name      TEXT,
  lat       DOUBLE PRECISION,
  lon       DOUBLE PRECISION,
  last_seen BIGINT,
  CONSTRAINT repeaters_unique UNIQUE (prefix, hash, lat, lon)
)`,
			`CREATE TABLE IF NOT EXISTS samples (
  id         BIGINT PRIMARY KEY,
  geohash    TEXT,
  lat        DOUBLE PRECISION,
  lon        DOUBLE PRECISION,
  node_id    TEXT,
  path       TEXT,
  date       BIGINT,
  snr        DOUBLE PRECISION,
  rssi       DOUBLE PRECISION,
  observed   INTEGER,
  CONSTRAINT samples_unique UNIQUE (geohash, node_id, date, path)
)`,
			`CREATE TABLE IF NOT EXISTS coverage (
  tile          TEXT,
  total         BIGINT,
  heard         BIGINT,
  lost          BIGINT,
  observed      BIGINT,
  last_heard    BIGINT,
  last_observed BIGINT,
  max_snr       DOUBLE PRECISION,
  max_rssi      DOUBLE PRECISION,
  repeaters     TEXT,
  CONSTRAINT coverage_unique UNIQUE (tile)
)`,
		}

	case "duckdb":
		// DuckDB accepts table-level UNIQUE constraints; no extra unique
		// index needed.
		statements = []string{
			`CREATE TABLE IF NOT EXISTS repeaters (
  id        BIGINT PRIMARY KEY,
  prefix    TEXT,
  hash      TEXT,
  name      TEXT,
  lat       DOUBLE,
  lon       DOUBLE,
  last_seen BIGINT,
  UNIQUE (prefix, hash, lat, lon)
)`,
			`CREATE TABLE IF NOT EXISTS samples (
  id       BIGINT PRIMARY KEY,
  geohash  TEXT,
  lat      DOUBLE,
  lon      DOUBLE,
  node_id  TEXT,
  path     TEXT,
  date     BIGINT,
  snr      DOUBLE,
  rssi     DOUBLE,
  observed INTEGER,
  UNIQUE (geohash, node_id, date, path)
)`,
			`CREATE TABLE IF NOT EXISTS coverage (
  tile          TEXT,
  total         BIGINT,
  heard         BIGINT,
  lost          BIGINT,
  observed      BIGINT,
  last_heard    BIGINT,
  last_observed BIGINT,
  max_snr       DOUBLE,
  max_rssi      DOUBLE,
  repeaters     TEXT,
  UNIQUE (tile)
)`,
		}

	default:
		// SQLite/Genji: explicit INTEGER PK, uniqueness through separate
		// indexes since table-level UNIQUE support differs.
		statements = []string{
			`CREATE TABLE IF NOT EXISTS repeaters (
  id        INTEGER PRIMARY KEY,
  prefix    TEXT,
  hash      TEXT,
  name      TEXT,
  lat       REAL,
  lon       REAL,
  last_seen BIGINT
)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_repeaters_unique
  ON repeaters (prefix, hash, lat, lon)`,
			`CREATE TABLE IF NOT EXISTS samples (
  id       INTEGER PRIMARY KEY,
  geohash  TEXT,
  lat      REAL,
  lon      REAL,
  node_id  TEXT,
  path     TEXT,
  date     BIGINT,
  snr      REAL,
  rssi     REAL,
  observed INTEGER
)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_samples_unique
  ON samples (geohash, node_id, date, path)`,
			`CREATE TABLE IF NOT EXISTS coverage (
  tile          TEXT,
  total         BIGINT,
  heard         BIGINT,
  lost          BIGINT,
  observed      BIGINT,
  last_heard    BIGINT,
  last_observed BIGINT,
  max_snr       REAL,
  max_rssi      REAL,
  repeaters     TEXT
)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_coverage_tile
  ON coverage (tile)`,
		}
	}

	for _, stmt := range statements {
		if _, err := db.DB.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// EnsureIndexesAsync builds non-critical indexes in background, politely:
// no pinned connections (important with MaxOpenConns(1)), no pre-checks, just
// CREATE INDEX IF NOT EXISTS with exponential backoff on "database is
// locked"/"SQLITE_BUSY".
func (db *Database) EnsureIndexesAsync(ctx context.Context, cfg Config, logf func(string, ...any)) {
	indexes := desiredIndexesPortable(cfg.DBType)
	if len(indexes) == 0 {
		return
	}

	// Single worker: avoids DDL self-contention and keeps the app
	// responsive.
	worker := func() {
		logf("background index build scheduled (engine=%s); queries may be slower until indexes are ready", cfg.DBType)

		for _, it := range indexes {
			start := time.Now()
			logf("start index %s", it.name)

			backoff := 50 * time.Millisecond
			for {
				select {
				case <-ctx.Done():
					logf("stop index builder due to context cancel: %v", ctx.Err())
					return
				default:
				}

				_, err := db.DB.ExecContext(ctx, it.sql)
				if err == nil {
					logf("index %s ready in %s", it.name, time.Since(start).Truncate(time.Millisecond))
					break
				}

				msg := strings.ToLower(err.Error())
				// "already exists" style means a race or double run; treat
				// as success.
				if strings.Contains(msg, "already exists") ||
					strings.Contains(msg, "duplicate key value") ||
					strings.Contains(msg, "sqlstate 23505") {
					logf("index %s appears to exist, continue", it.name)
					break
				}

				// busy/locked: back off gently so we don't starve uploads.
				if strings.Contains(msg, "database is locked") ||
					strings.Contains(msg, "sqlite_busy") ||
					strings.Contains(msg, "resource busy") ||
					strings.Contains(msg, "locked") {
					time.Sleep(backoff)
					if backoff < time.Second {
						backoff *= 2
						if backoff > time.Second {
							backoff = time.Second
						}
					}
					continue
				}

				logf("index %s failed after %s: %v", it.name, time.Since(start).Truncate(time.Millisecond), err)
				break
			}
		}
	}

	go worker()
}

// desiredIndexesPortable declares the indexes we want per engine. Keep the
// SQL portable: only CREATE INDEX IF NOT EXISTS on plain columns.
func desiredIndexesPortable(dbType string) []struct{ name, sql string } {
	common := []struct{ name, sql string }{
		// Bounds scans drive the coverage map; lat/lon/date composite first.
		{"idx_samples_bounds_date",
			`CREATE INDEX IF NOT EXISTS idx_samples_bounds_date ON samples (lat, lon, date)`},
		{"idx_samples_date",
			`CREATE INDEX IF NOT EXISTS idx_samples_date ON samples (date)`},
		{"idx_samples_geohash",
			`CREATE INDEX IF NOT EXISTS idx_samples_geohash ON samples (geohash)`},
		// Prefix lookups rebuild the disambiguation table on every request.
		{"idx_repeaters_prefix",
			`CREATE INDEX IF NOT EXISTS idx_repeaters_prefix ON repeaters (prefix)`},
		{"idx_repeaters_last_seen",
			`CREATE INDEX IF NOT EXISTS idx_repeaters_last_seen ON repeaters (last_seen)`},
	}

	switch normalizeDBType(dbType) {
	case "pgx", "duckdb", "sqlite", "genji":
		return common
	default:
		return common
	}
}
