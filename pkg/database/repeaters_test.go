package database

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

// openTestDatabase opens an in-memory SQLite instance wired the way
// NewDatabase wires file-based engines: one connection, explicit row IDs.
func openTestDatabase(t *testing.T) *Database {
	t.Helper()

	raw, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A second connection would see a second empty :memory: database.
	raw.SetMaxOpenConns(1)
	raw.SetMaxIdleConns(1)
	t.Cleanup(func() { raw.Close() })

	db := &Database{DB: raw, idGenerator: startIDGenerator(1), Driver: "sqlite"}
	if err := db.InitSchema(Config{DBType: "sqlite"}); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

// TestUpsertRepeatersDistinctSites: two hash-less repeaters sharing a prefix
// at different coordinates are the collision the scoring engine exists to
// break, so sequential upserts must leave two rows, not fold the second
// observation into the first.
func TestUpsertRepeatersDistinctSites(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()

	south := Repeater{Prefix: "A1", Lat: 37.30, Lon: -121.80, LastSeen: 1000}
	north := Repeater{Prefix: "A1", Lat: 40.00, Lon: -122.00, LastSeen: 2000}

	if err := db.UpsertRepeaters(ctx, []Repeater{south}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := db.UpsertRepeaters(ctx, []Repeater{north}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	rows, err := db.GetRepeaters(ctx)
	if err != nil {
		t.Fatalf("get repeaters: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 distinct sites for prefix A1", len(rows))
	}
}

// TestUpsertRepeatersRefreshesSameSite: re-observing the same site updates
// last_seen in place instead of growing a new row, and a stale observation
// never rolls an existing row backwards.
func TestUpsertRepeatersRefreshesSameSite(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()

	site := Repeater{Prefix: "B2", Hash: "B2CAFE", Lat: 37.30, Lon: -121.80, LastSeen: 1000}
	if err := db.UpsertRepeaters(ctx, []Repeater{site}); err != nil {
		t.Fatalf("initial upsert: %v", err)
	}

	site.LastSeen = 3000
	site.Name = "hilltop"
	if err := db.UpsertRepeaters(ctx, []Repeater{site}); err != nil {
		t.Fatalf("refresh upsert: %v", err)
	}

	stale := site
	stale.LastSeen = 500
	stale.Name = "stale"
	if err := db.UpsertRepeaters(ctx, []Repeater{stale}); err != nil {
		t.Fatalf("stale upsert: %v", err)
	}

	rows, err := db.GetRepeaters(ctx)
	if err != nil {
		t.Fatalf("get repeaters: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].LastSeen != 3000 || rows[0].Name != "hilltop" {
		t.Errorf("row = last_seen %d name %q, want 3000 %q", rows[0].LastSeen, rows[0].Name, "hilltop")
	}
}
