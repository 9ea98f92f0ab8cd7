package disambig

import (
	"math"
	"time"

	"mesh-coverage-map/pkg/database"
)

// positionBuckets caps the position histogram. Position 1 (last hop) lands
// in bucket 0; anything five hops or more from the end shares the last
// bucket, since paths that deep carry little signal anyway.
const positionBuckets = 5

// Candidate is one hypothesized full identity for an ambiguous prefix. It
// accumulates evidence while samples stream past and is scored once at the
// end of a build. Candidates for the same prefix are mutually exclusive
// resolutions; the lookup picks at most one winner.
type Candidate struct {
	Prefix   string  `json:"prefix"`
	Hash     string  `json:"hash,omitempty"`
	Name     string  `json:"name,omitempty"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	LastSeen int64   `json:"lastSeen"`

	positionCounts [positionBuckets]int
	adjacency      map[string]int
	geoSum         float64

	Appearances      int     `json:"appearances"`
	TypicalPosition  int     `json:"typicalPosition"`
	Consistency      float64 `json:"consistency"`
	AdjacencyTotal   int     `json:"adjacencyTotal"`
	GeoEvidenceCount int     `json:"geoEvidenceCount"`

	PositionScore     float64 `json:"positionScore"`
	CooccurrenceScore float64 `json:"cooccurrenceScore"`
	GeographicScore   float64 `json:"geographicScore"`
	RecencyScore      float64 `json:"recencyScore"`
	Combined          float64 `json:"combined"`
}

func newCandidate(prefix string, r database.Repeater) *Candidate {
	return &Candidate{
		Prefix:    prefix,
		Hash:      r.Hash,
		Name:      r.Name,
		Lat:       r.Lat,
		Lon:       r.Lon,
		LastSeen:  r.LastSeen,
		adjacency: make(map[string]int),
	}
}

// Identity is the value resolution substitutes into paths: the full hash
// when the repeater advertised one, otherwise the canonical prefix.
func (c *Candidate) Identity() string {
	if c.Hash != "" {
		return c.Hash
	}
	return c.Prefix
}

// recordPosition notes one appearance of the candidate's prefix at the given
// 1-based position from the end of an effective path.
func (c *Candidate) recordPosition(pos int) {
	bucket := pos - 1
	if bucket >= positionBuckets {
		bucket = positionBuckets - 1
	}
	if bucket < 0 {
		return
	}
	c.positionCounts[bucket]++
	c.Appearances++
}

// recordNeighbor notes a prefix immediately adjacent to the candidate's in
// an effective path.
func (c *Candidate) recordNeighbor(prefix string) {
	c.adjacency[prefix]++
	c.AdjacencyTotal++
}

// recordGeoEvidence accumulates bucketed distance evidence gathered when the
// candidate was the direct (position 1) forwarder.
func (c *Candidate) recordGeoEvidence(distanceMeters float64) {
	c.geoSum += GeoEvidence(distanceMeters)
	c.GeoEvidenceCount++
}

// GeoEvidence buckets a candidate-to-sample distance into an evidence value.
// The steps are deliberately coarse: GPS on mesh nodes is noisy and repeater
// coordinates are often entered by hand.
func GeoEvidence(distanceMeters float64) float64 {
	switch {
	case distanceMeters < 500:
		return 1.0
	case distanceMeters < 2000:
		return 0.8
	case distanceMeters < 5000:
		return 0.5
	case distanceMeters < 10000:
		return 0.3
	default:
		return 0.1
	}
}

// Recency scores how recently a repeater was heard: exponential decay with
// the configured half-life-like constant. Unknown timestamps get a fixed low
// score rather than zero (absence of evidence is not evidence of staleness);
// future timestamps from skewed clocks score full marks.
func Recency(lastSeen int64, now time.Time, cfg Config) float64 {
	if lastSeen == 0 {
		return cfg.UnknownRecencyScore
	}
	hours := now.Sub(time.Unix(lastSeen, 0)).Hours()
	if hours < 0 {
		return 1.0
	}
	return math.Exp(-hours / cfg.RecencyHalfLifeHours)
}

// finalize turns the raw accumulators into component scores and the weighted
// combined score. maxAppearances and maxAdjacency are the global maxima
// across every candidate in the build (floored to 1 by the caller).
//
// The source-geographic boost is additive on top of the weighted sum, not
// folded into the geographic weight, and can legitimately push Combined past
// 1.0; every downstream consumer compares scores relatively.
func (c *Candidate) finalize(now time.Time, maxAppearances, maxAdjacency int, cfg Config) {
	// Typical position: 1-indexed argmax, ties to the smallest position.
	best := 0
	for i := 1; i < positionBuckets; i++ {
		if c.positionCounts[i] > c.positionCounts[best] {
			best = i
		}
	}
	c.TypicalPosition = best + 1
	if c.Appearances > 0 {
		c.Consistency = float64(c.positionCounts[best]) / float64(c.Appearances)
	}
	frequency := float64(c.Appearances) / float64(maxAppearances)
	c.PositionScore = 0.6*c.Consistency + 0.4*frequency

	c.CooccurrenceScore = float64(c.AdjacencyTotal) / float64(maxAdjacency)

	c.GeographicScore = cfg.DefaultGeoScore

	c.RecencyScore = Recency(c.LastSeen, now, cfg)

	c.Combined = cfg.PositionWeight*c.PositionScore +
		cfg.CooccurrenceWeight*c.CooccurrenceScore +
		cfg.GeographicWeight*c.GeographicScore +
		cfg.RecencyWeight*c.RecencyScore

	if c.GeoEvidenceCount > 0 {
		avg := c.geoSum / float64(c.GeoEvidenceCount)
		saturation := float64(c.GeoEvidenceCount) / cfg.GeoBoostSaturation
		if saturation > 1 {
			saturation = 1
		}
		c.Combined += avg * saturation * cfg.GeoBoostWeight
	}
}
