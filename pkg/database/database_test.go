package database

import (
	"reflect"
	"testing"
)

// TestPlaceholderGenerator: PostgreSQL gets numbered placeholders, everything
// else plain question marks.
func TestPlaceholderGenerator(t *testing.T) {
	pg := newPlaceholderGenerator("pgx")
	if got := []string{pg(), pg(), pg()}; !reflect.DeepEqual(got, []string{"$1", "$2", "$3"}) {
		t.Errorf("pgx placeholders = %v", got)
	}
	q := newPlaceholderGenerator("sqlite")
	if q() != "?" || q() != "?" {
		t.Error("sqlite placeholders must stay ?")
	}
	// Mixed case and whitespace normalize before the driver check.
	mixed := newPlaceholderGenerator("  PGX ")
	if mixed() != "$1" {
		t.Error("driver name normalization failed for placeholder generator")
	}
}

func TestNormalizeDBType(t *testing.T) {
	if got := normalizeDBType(" SQLite "); got != "sqlite" {
		t.Errorf("normalizeDBType = %q", got)
	}
}

// TestPathEncoding: the comma codec round-trips and empty means nil.
func TestPathEncoding(t *testing.T) {
	path := []string{"A1", "B2FULLHASH", "C3"}
	if got := decodePath(encodePath(path)); !reflect.DeepEqual(got, path) {
		t.Errorf("round trip = %v, want %v", got, path)
	}
	if got := decodePath(""); got != nil {
		t.Errorf("decodePath(\"\") = %v, want nil", got)
	}
	if got := encodePath(nil); got != "" {
		t.Errorf("encodePath(nil) = %q, want empty", got)
	}
}

func TestNullableFloat64(t *testing.T) {
	if v := nullableFloat64(false, 5); v != nil {
		t.Errorf("invalid measurement should store NULL, got %v", v)
	}
	if v := nullableFloat64(true, -7.5); v != -7.5 {
		t.Errorf("valid measurement = %v, want -7.5", v)
	}
}

// TestMergeCoverageRows: merging must be commutative so consolidation runs
// can replay in any order.
func TestMergeCoverageRows(t *testing.T) {
	a := CoverageRow{
		Tile: "9q9hvu", Total: 5, Heard: 3, Observed: 4,
		LastHeard: 100, LastObserved: 120,
		MaxSNR: -9, SNRValid: true,
		Repeaters: []string{"A1FULL"},
	}
	b := CoverageRow{
		Tile: "9q9hvu", Total: 2, Heard: 2, Observed: 2,
		LastHeard: 300, LastObserved: 90,
		MaxSNR: -4, SNRValid: true,
		MaxRSSI: -100, RSSIValid: true,
		Repeaters: []string{"B2FULL", "A1FULL"},
	}

	ab := mergeCoverageRows(a, b)
	ba := mergeCoverageRows(b, a)
	ba.Tile = ab.Tile
	if !reflect.DeepEqual(ab, ba) {
		t.Fatalf("merge is not commutative:\n ab=%+v\n ba=%+v", ab, ba)
	}
	if ab.Total != 7 || ab.Heard != 5 || ab.Lost != 2 || ab.Observed != 6 {
		t.Errorf("counts = %+v", ab)
	}
	if ab.LastHeard != 300 || ab.LastObserved != 120 {
		t.Errorf("timestamps = %d/%d", ab.LastHeard, ab.LastObserved)
	}
	if ab.MaxSNR != -4 || !ab.RSSIValid || ab.MaxRSSI != -100 {
		t.Errorf("extrema = %+v", ab)
	}
	if want := []string{"A1FULL", "B2FULL"}; !reflect.DeepEqual(ab.Repeaters, want) {
		t.Errorf("repeater union = %v, want %v", ab.Repeaters, want)
	}
}

// TestRepeaterIdentity: the hash wins when present, otherwise the canonical
// prefix derived from either column.
func TestRepeaterIdentity(t *testing.T) {
	withHash := Repeater{Prefix: "a1", Hash: "A1FEED"}
	if withHash.Identity() != "A1FEED" {
		t.Errorf("Identity = %q", withHash.Identity())
	}
	bare := Repeater{Hash: "0xb2cafe"}
	if bare.CanonicalPrefix() != "B2" || bare.Identity() != "0xb2cafe" {
		t.Errorf("prefix=%q identity=%q", bare.CanonicalPrefix(), bare.Identity())
	}
	empty := Repeater{Prefix: "x"}
	if empty.CanonicalPrefix() != "" {
		t.Errorf("one-char prefix should not canonicalize, got %q", empty.CanonicalPrefix())
	}
}
