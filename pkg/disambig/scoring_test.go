package disambig

import (
	"math"
	"testing"
	"time"
)

// TestRecency pins the decay curve: fresh repeaters score ~1, one half-life
// constant out scores e^-1, unknown timestamps get the fixed floor, and
// future timestamps from skewed clocks score full marks.
func TestRecency(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name      string
		lastSeen  int64
		want      float64
		tolerance float64
	}{
		{"zero hours", now.Unix(), 1.0, 0.001},
		{"twelve hours", now.Add(-12 * time.Hour).Unix(), math.Exp(-1), 0.001},
		{"unknown", 0, 0.1, 0},
		{"future clock skew", now.Add(time.Hour).Unix(), 1.0, 0},
	}
	for _, tc := range tests {
		got := Recency(tc.lastSeen, now, cfg)
		if math.Abs(got-tc.want) > tc.tolerance {
			t.Errorf("%s: Recency = %f, want %f", tc.name, got, tc.want)
		}
	}
}

// TestGeoEvidence checks the distance buckets at the documented boundaries.
func TestGeoEvidence(t *testing.T) {
	tests := []struct {
		meters float64
		want   float64
	}{
		{400, 1.0},
		{1900, 0.8},
		{4000, 0.5},
		{9000, 0.3},
		{15000, 0.1},
	}
	for _, tc := range tests {
		if got := GeoEvidence(tc.meters); got != tc.want {
			t.Errorf("GeoEvidence(%.0fm) = %v, want %v", tc.meters, got, tc.want)
		}
	}
}

// TestTypicalPositionTieBreak verifies ties in the histogram resolve to the
// smallest position and that deep hops share the overflow bucket.
func TestTypicalPositionTieBreak(t *testing.T) {
	c := &Candidate{adjacency: map[string]int{}}
	c.recordPosition(3)
	c.recordPosition(1)
	// Tie between buckets 0 and 2: bucket 0 (position 1) must win.
	c.finalize(time.Unix(0, 0).Add(time.Hour), 2, 1, DefaultConfig())
	if c.TypicalPosition != 1 {
		t.Errorf("TypicalPosition = %d, want 1 on tie", c.TypicalPosition)
	}
	if math.Abs(c.Consistency-0.5) > 0.001 {
		t.Errorf("Consistency = %f, want 0.5", c.Consistency)
	}

	deep := &Candidate{adjacency: map[string]int{}}
	deep.recordPosition(7)
	deep.recordPosition(9)
	deep.finalize(time.Unix(0, 0).Add(time.Hour), 2, 1, DefaultConfig())
	if deep.TypicalPosition != 5 {
		t.Errorf("TypicalPosition = %d, want 5 (overflow bucket)", deep.TypicalPosition)
	}
}

// TestConfidenceFormula exercises the gap term, the volume bonus, and both
// clamps directly on hand-built candidate lists.
func TestConfidenceFormula(t *testing.T) {
	cfg := DefaultConfig()

	if got := confidence(nil, cfg); got != 0 {
		t.Errorf("no candidates: confidence = %f, want 0", got)
	}
	if got := confidence([]*Candidate{{Combined: 0.4}}, cfg); got != 1.0 {
		t.Errorf("single candidate: confidence = %f, want 1", got)
	}

	gap := []*Candidate{{Combined: 0.8, Appearances: 5}, {Combined: 0.4, Appearances: 5}}
	if got := confidence(gap, cfg); math.Abs(got-0.5) > 0.001 {
		t.Errorf("gap only: confidence = %f, want 0.5", got)
	}

	// Volume bonus: top observed more than twice as often.
	lopsided := []*Candidate{{Combined: 0.8, Appearances: 11}, {Combined: 0.4, Appearances: 5}}
	if got := confidence(lopsided, cfg); math.Abs(got-0.7) > 0.001 {
		t.Errorf("gap+volume: confidence = %f, want 0.7", got)
	}

	// Clamp: huge gap plus bonus never exceeds 1.
	clamped := []*Candidate{{Combined: 1.0, Appearances: 100}, {Combined: 0.01, Appearances: 1}}
	if got := confidence(clamped, cfg); got > 1.0 {
		t.Errorf("confidence = %f, want <= 1", got)
	}

	// Zero best score yields zero confidence, not NaN.
	zeros := []*Candidate{{Combined: 0}, {Combined: 0}}
	if got := confidence(zeros, cfg); got != 0 {
		t.Errorf("zero scores: confidence = %f, want 0", got)
	}
}

// TestConfigNormalize ensures sparse YAML overrides cannot zero out weights.
func TestConfigNormalize(t *testing.T) {
	cfg := Config{PositionWeight: 0.25}
	cfg.normalize()
	if cfg.PositionWeight != 0.25 {
		t.Errorf("explicit weight overwritten: %f", cfg.PositionWeight)
	}
	def := DefaultConfig()
	if cfg.RecencyWeight != def.RecencyWeight || cfg.MaxCandidateAgeHours != def.MaxCandidateAgeHours {
		t.Error("unset fields should fall back to defaults")
	}
}
