package maintenance

import (
	"testing"
	"time"

	"mesh-coverage-map/pkg/coverage"
	"mesh-coverage-map/pkg/database"
	"mesh-coverage-map/pkg/disambig"
	"mesh-coverage-map/pkg/geo"
)

// TestRetiredBefore: only samples strictly older than the cutoff are folded;
// a sample dated exactly at the cutoff stays for one more window, mirroring
// the strict comparison the raw-row delete uses.
func TestRetiredBefore(t *testing.T) {
	samples := []database.Sample{
		{ID: 1, Date: 10},
		{ID: 2, Date: 20},
		{ID: 3, Date: 30},
	}

	old := retiredBefore(samples, 20)
	if len(old) != 1 || old[0].ID != 1 {
		t.Fatalf("retiredBefore(20) = %+v, want only the row dated 10", old)
	}
	if got := retiredBefore(samples, 5); len(got) != 0 {
		t.Errorf("cutoff before all rows retired %d samples", len(got))
	}
	if got := retiredBefore(nil, 20); got != nil {
		t.Errorf("nil input produced %v", got)
	}
}

// TestConsolidationUsesFullEvidence reproduces the fold's selection logic:
// the disambiguation lookup is built over the whole snapshot while only the
// retired rows are aggregated. Fresh traffic therefore still disambiguates
// an old sample's path before its identity is frozen into a coverage row.
func TestConsolidationUsesFullEvidence(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cutoff := now.Add(-30 * 24 * time.Hour).Unix()

	repeaters := []database.Repeater{
		{Prefix: "A1", Hash: "A1NEARBY", Lat: 37.30, Lon: -121.80, LastSeen: now.Add(-time.Hour).Unix()},
		{Prefix: "A1", Hash: "A1DISTANT", Lat: 40.00, Lon: -122.00, LastSeen: now.Add(-300 * time.Hour).Unix()},
	}

	src := geo.Encode(37.301, -121.801, geo.SamplePrecision)
	all := []database.Sample{
		// The one sample old enough to retire.
		{Geohash: src, Path: []string{"A1"}, Date: now.Add(-31 * 24 * time.Hour).Unix()},
	}
	// Fresh samples: not retired, but their geographic evidence must still
	// count when the old sample's path is resolved.
	for i := 0; i < 10; i++ {
		all = append(all, database.Sample{
			Geohash: src,
			Path:    []string{"A1"},
			Date:    now.Add(-time.Duration(i+1) * time.Minute).Unix(),
		})
	}

	old := retiredBefore(all, cutoff)
	if len(old) != 1 {
		t.Fatalf("retired %d samples, want 1", len(old))
	}

	lookup := disambig.BuildLookup(repeaters, all, now, disambig.DefaultConfig())
	rows := coverage.Rows(coverage.Aggregate(old, lookup))
	if len(rows) != 1 {
		t.Fatalf("aggregated %d tiles, want 1", len(rows))
	}
	if rows[0].Total != 1 {
		t.Errorf("Total = %d, want only the retired sample counted", rows[0].Total)
	}
	if len(rows[0].Repeaters) != 1 || rows[0].Repeaters[0] != "A1NEARBY" {
		t.Errorf("Repeaters = %v, want the collision resolved to A1NEARBY", rows[0].Repeaters)
	}
}
