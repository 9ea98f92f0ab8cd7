package coverage

import (
	"math/rand"
	"reflect"
	"testing"
	"time"

	"mesh-coverage-map/pkg/database"
	"mesh-coverage-map/pkg/disambig"
	"mesh-coverage-map/pkg/geo"
)

func testLookup(t *testing.T, now time.Time) *disambig.Lookup {
	t.Helper()
	repeaters := []database.Repeater{
		{Prefix: "A1", Hash: "A1FULL", Lat: 37.30, Lon: -121.80, LastSeen: now.Unix()},
		{Prefix: "B2", Hash: "B2FULL", Lat: 37.31, Lon: -121.81, LastSeen: now.Unix()},
	}
	return disambig.BuildLookup(repeaters, nil, now, disambig.DefaultConfig())
}

func testSamples(now time.Time) []database.Sample {
	hashA := geo.Encode(37.300, -121.800, geo.SamplePrecision)
	hashB := geo.Encode(37.400, -121.900, geo.SamplePrecision)
	return []database.Sample{
		{Geohash: hashA, Path: []string{"A1"}, Date: now.Unix(), SNR: -7.5, SNRValid: true},
		{Geohash: hashA, Path: []string{"B2", "A1"}, Date: now.Unix() - 60, RSSI: -110, RSSIValid: true},
		{Geohash: hashA, Path: nil, Date: now.Unix() - 120, Observed: true},
		{Geohash: hashA, Path: nil, Date: now.Unix() - 180},
		{Geohash: hashB, Path: []string{"ZZ"}, Date: now.Unix() - 240, SNR: -12, SNRValid: true},
		{Geohash: "bad!!", Path: []string{"A1"}, Date: now.Unix()},
	}
}

// TestAggregateCounts validates heard/lost/observed accounting, signal
// extrema, and the resolved repeater set for one tile.
func TestAggregateCounts(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	lookup := testLookup(t, now)
	tiles := Aggregate(testSamples(now), lookup)

	keyA, _ := geo.TileKey(geo.Encode(37.300, -121.800, geo.SamplePrecision))
	ta := tiles[keyA]
	if ta == nil {
		t.Fatalf("missing tile %s", keyA)
	}
	if ta.Total != 4 || ta.Heard != 2 || ta.Lost != 2 {
		t.Errorf("tile A total/heard/lost = %d/%d/%d, want 4/2/2", ta.Total, ta.Heard, ta.Lost)
	}
	// Observed: two heard samples plus one explicit flag.
	if ta.Observed != 3 {
		t.Errorf("tile A observed = %d, want 3", ta.Observed)
	}
	if ta.LastHeard != now.Unix() {
		t.Errorf("LastHeard = %d, want %d", ta.LastHeard, now.Unix())
	}
	if !ta.SNRValid || ta.MaxSNR != -7.5 {
		t.Errorf("MaxSNR = %v (%v), want -7.5", ta.MaxSNR, ta.SNRValid)
	}
	if !ta.RSSIValid || ta.MaxRSSI != -110 {
		t.Errorf("MaxRSSI = %v (%v), want -110", ta.MaxRSSI, ta.RSSIValid)
	}
	if want := []string{"A1FULL", "B2FULL"}; !reflect.DeepEqual(ta.Repeaters, want) {
		t.Errorf("Repeaters = %v, want %v", ta.Repeaters, want)
	}

	// The unresolved ZZ hop still counts as heard but resolves to nothing.
	keyB, _ := geo.TileKey(geo.Encode(37.400, -121.900, geo.SamplePrecision))
	tb := tiles[keyB]
	if tb == nil || tb.Heard != 1 || len(tb.Repeaters) != 0 {
		t.Errorf("tile B = %+v, want heard=1 with no resolved repeaters", tb)
	}

	// The malformed geohash sample was skipped entirely.
	if len(tiles) != 2 {
		t.Errorf("got %d tiles, want 2", len(tiles))
	}
}

// TestAggregateOrderIndependence feeds the same samples in shuffled orders
// and expects byte-identical rows: the fold must be commutative.
func TestAggregateOrderIndependence(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	lookup := testLookup(t, now)
	base := Rows(Aggregate(testSamples(now), lookup))

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 5; trial++ {
		shuffled := testSamples(now)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := Rows(Aggregate(shuffled, lookup))
		if !reflect.DeepEqual(got, base) {
			t.Fatalf("trial %d: aggregation depends on sample order\n got %+v\nwant %+v", trial, got, base)
		}
	}
}

// TestMergeRow folds a persisted consolidation row into live tiles and
// checks the merge is additive for counts and max-based for extrema.
func TestMergeRow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	lookup := testLookup(t, now)
	tiles := Aggregate(testSamples(now), lookup)

	keyA, _ := geo.TileKey(geo.Encode(37.300, -121.800, geo.SamplePrecision))
	before := *tiles[keyA]

	MergeRow(tiles, database.CoverageRow{
		Tile:      keyA,
		Total:     10,
		Heard:     6,
		Observed:  7,
		LastHeard: now.Unix() + 500,
		MaxSNR:    -3,
		SNRValid:  true,
		Repeaters: []string{"C3FULL"},
	})

	after := tiles[keyA]
	if after.Total != before.Total+10 || after.Heard != before.Heard+6 {
		t.Errorf("counts did not add: %+v", after)
	}
	if after.Lost != after.Total-after.Heard {
		t.Errorf("Lost = %d, want total-heard", after.Lost)
	}
	if after.LastHeard != now.Unix()+500 {
		t.Errorf("LastHeard = %d, want the newer stamp", after.LastHeard)
	}
	if after.MaxSNR != -3 {
		t.Errorf("MaxSNR = %v, want merged max -3", after.MaxSNR)
	}
	found := false
	for _, id := range after.Repeaters {
		if id == "C3FULL" {
			found = true
		}
	}
	if !found {
		t.Errorf("Repeaters = %v, want union with C3FULL", after.Repeaters)
	}

	// Merging into an empty map creates the tile.
	fresh := map[string]*Tile{}
	MergeRow(fresh, database.CoverageRow{Tile: "9q9hvu", Total: 2, Heard: 1})
	if fresh["9q9hvu"] == nil || fresh["9q9hvu"].Lost != 1 {
		t.Errorf("fresh merge = %+v", fresh["9q9hvu"])
	}
}
