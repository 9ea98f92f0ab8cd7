// Package coverage folds raw samples into per-tile aggregates keyed by the
// 6-character geohash prefix. The fold is deterministic and commutative:
// samples may arrive and be stored in any order, so every merge step uses
// order-independent operations (sums, maxima, set union).
package coverage

import (
	"sort"

	"mesh-coverage-map/pkg/database"
	"mesh-coverage-map/pkg/disambig"
	"mesh-coverage-map/pkg/geo"
	"mesh-coverage-map/pkg/meshpath"
)

// Tile is the aggregate for one coverage tile.
type Tile struct {
	Tile         string   `json:"tile"`
	Total        int64    `json:"total"`
	Heard        int64    `json:"heard"`
	Lost         int64    `json:"lost"`
	Observed     int64    `json:"observed"`
	LastHeard    int64    `json:"lastHeard,omitempty"`
	LastObserved int64    `json:"lastObserved,omitempty"`
	MaxSNR       float64  `json:"maxSNR,omitempty"`
	SNRValid     bool     `json:"snrValid,omitempty"`
	MaxRSSI      float64  `json:"maxRSSI,omitempty"`
	RSSIValid    bool     `json:"rssiValid,omitempty"`
	Repeaters    []string `json:"repeaters,omitempty"`

	repeaterSet map[string]struct{}
}

// Aggregate folds samples into tiles using disambiguated repeater
// identities. Samples with malformed or too-short geohashes are skipped:
// they cannot be assigned to a tile, and one bad row must not abort the
// batch. "Heard" means the sample carried a non-empty path; "observed" is
// the explicit flag or inferred from heard.
func Aggregate(samples []database.Sample, lookup *disambig.Lookup) map[string]*Tile {
	tiles := make(map[string]*Tile)

	for _, s := range samples {
		key, ok := geo.TileKey(s.Geohash)
		if !ok {
			continue
		}
		t := tiles[key]
		if t == nil {
			t = &Tile{Tile: key, repeaterSet: make(map[string]struct{})}
			tiles[key] = t
		}

		t.Total++
		heard := len(s.Path) > 0
		if heard {
			t.Heard++
			if s.Date > t.LastHeard {
				t.LastHeard = s.Date
			}
			for _, hop := range s.Path {
				if res := lookup.ResolvePrefix(meshpath.PrefixFrom(hop)); res.Hash != "" {
					t.repeaterSet[res.Hash] = struct{}{}
				}
			}
		}
		if s.Observed || heard {
			t.Observed++
			if s.Date > t.LastObserved {
				t.LastObserved = s.Date
			}
		}
		if s.SNRValid && (!t.SNRValid || s.SNR > t.MaxSNR) {
			t.MaxSNR = s.SNR
			t.SNRValid = true
		}
		if s.RSSIValid && (!t.RSSIValid || s.RSSI > t.MaxRSSI) {
			t.MaxRSSI = s.RSSI
			t.RSSIValid = true
		}
	}

	for _, t := range tiles {
		t.Lost = t.Total - t.Heard
		t.Repeaters = sortedSet(t.repeaterSet)
	}
	return tiles
}

// MergeRow folds a persisted coverage row (from the consolidation job) into
// a live tile map. Counts add, timestamps and extrema take the max, and the
// repeater sets union, so merging is commutative with aggregation order.
func MergeRow(tiles map[string]*Tile, row database.CoverageRow) {
	t := tiles[row.Tile]
	if t == nil {
		t = &Tile{Tile: row.Tile, repeaterSet: make(map[string]struct{})}
		tiles[row.Tile] = t
	}
	t.Total += row.Total
	t.Heard += row.Heard
	t.Observed += row.Observed
	t.Lost = t.Total - t.Heard
	if row.LastHeard > t.LastHeard {
		t.LastHeard = row.LastHeard
	}
	if row.LastObserved > t.LastObserved {
		t.LastObserved = row.LastObserved
	}
	if row.SNRValid && (!t.SNRValid || row.MaxSNR > t.MaxSNR) {
		t.MaxSNR = row.MaxSNR
		t.SNRValid = true
	}
	if row.RSSIValid && (!t.RSSIValid || row.MaxRSSI > t.MaxRSSI) {
		t.MaxRSSI = row.MaxRSSI
		t.RSSIValid = true
	}
	for _, id := range row.Repeaters {
		t.repeaterSet[id] = struct{}{}
	}
	t.Repeaters = sortedSet(t.repeaterSet)
}

// Rows converts a tile map into persistable coverage rows sorted by key.
func Rows(tiles map[string]*Tile) []database.CoverageRow {
	keys := make([]string, 0, len(tiles))
	for k := range tiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]database.CoverageRow, 0, len(keys))
	for _, k := range keys {
		t := tiles[k]
		rows = append(rows, database.CoverageRow{
			Tile:         t.Tile,
			Total:        t.Total,
			Heard:        t.Heard,
			Lost:         t.Lost,
			Observed:     t.Observed,
			LastHeard:    t.LastHeard,
			LastObserved: t.LastObserved,
			MaxSNR:       t.MaxSNR,
			SNRValid:     t.SNRValid,
			MaxRSSI:      t.MaxRSSI,
			RSSIValid:    t.RSSIValid,
			Repeaters:    t.Repeaters,
		})
	}
	return rows
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
