package disambig

import (
	"sort"
	"strings"
	"time"

	"mesh-coverage-map/pkg/database"
	"mesh-coverage-map/pkg/geo"
	"mesh-coverage-map/pkg/meshpath"
)

// Entry is the disambiguation result for a single prefix: every surviving
// candidate sorted by score, plus the chosen winner and how confident the
// engine is in it.
type Entry struct {
	Prefix      string       `json:"prefix"`
	Candidates  []*Candidate `json:"candidates"`
	BestMatch   string       `json:"bestMatch,omitempty"`
	Confidence  float64      `json:"confidence"`
	Unambiguous bool         `json:"unambiguous"`
}

// Lookup maps canonical prefixes to their entries. It is a read-time
// inference over one snapshot of repeaters and samples; callers build one
// per aggregation request and throw it away.
type Lookup struct {
	entries map[string]*Entry
}

// Resolution is the answer for one prefix: the resolved identity hash, or
// empty when the prefix is unknown or had no candidates.
type Resolution struct {
	Hash       string  `json:"hash,omitempty"`
	Confidence float64 `json:"confidence"`
}

// BuildLookup runs the whole disambiguation pass: group repeater
// observations into candidates, fold every sample's effective path into the
// per-candidate accumulators, then score and rank. Malformed rows degrade
// silently (a bad geohash skips that sample's contribution, a repeater
// without a usable prefix never becomes a candidate) because one broken
// input row must not fail an aggregation request.
func BuildLookup(repeaters []database.Repeater, samples []database.Sample, now time.Time, cfg Config) *Lookup {
	cfg.normalize()

	// Step 1: one candidate per repeater observation, age-filtered.
	// A zero last-seen passes the filter: unknown is not stale.
	cutoff := now.Add(-time.Duration(cfg.MaxCandidateAgeHours * float64(time.Hour))).Unix()
	byPrefix := make(map[string][]*Candidate)
	for _, r := range repeaters {
		prefix := r.CanonicalPrefix()
		if prefix == "" {
			continue
		}
		if r.LastSeen > 0 && r.LastSeen < cutoff {
			continue
		}
		byPrefix[prefix] = append(byPrefix[prefix], newCandidate(prefix, r))
	}

	// Step 2: single pass over the samples.
	for _, s := range samples {
		if len(s.Path) == 0 {
			continue
		}
		path := meshpath.NormalizeWithLocal(s.Path, s.NodeID)
		if path == nil || len(path.Effective) == 0 {
			continue
		}
		srcLat, srcLon, err := geo.DecodeCenter(s.Geohash)
		if err != nil {
			// Malformed location: the sample contributes nothing.
			continue
		}

		for i, hop := range path.Effective {
			cands := byPrefix[hop]
			if len(cands) == 0 {
				continue
			}
			pos := path.PositionFromEnd(i)
			ambiguous := len(cands) > 1
			for _, c := range cands {
				c.recordPosition(pos)
				if i > 0 {
					c.recordNeighbor(path.Effective[i-1])
				}
				if i+1 < len(path.Effective) {
					c.recordNeighbor(path.Effective[i+1])
				}
				// Geographic evidence only applies to the direct
				// forwarder, and only when there is actually a
				// collision to break. Sole candidates keep the flat
				// default score; changing that would shift results
				// on prefixes that need no disambiguation.
				if pos == 1 && ambiguous {
					c.recordGeoEvidence(geo.DistanceMeters(c.Lat, c.Lon, srcLat, srcLon))
				}
			}
		}
	}

	// Step 3: global normalization maxima, floored to 1.
	maxAppearances, maxAdjacency := 1, 1
	for _, cands := range byPrefix {
		for _, c := range cands {
			if c.Appearances > maxAppearances {
				maxAppearances = c.Appearances
			}
			if c.AdjacencyTotal > maxAdjacency {
				maxAdjacency = c.AdjacencyTotal
			}
		}
	}

	// Steps 4-5: score, rank, and pick winners.
	entries := make(map[string]*Entry, len(byPrefix))
	for prefix, cands := range byPrefix {
		for _, c := range cands {
			c.finalize(now, maxAppearances, maxAdjacency, cfg)
		}
		// Stable sort keeps ties deterministic for identical snapshots.
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].Combined > cands[j].Combined
		})

		entry := &Entry{Prefix: prefix, Candidates: cands}
		if len(cands) > 0 {
			entry.BestMatch = cands[0].Identity()
		}
		entry.Unambiguous = len(cands) == 1
		entry.Confidence = confidence(cands, cfg)
		entries[prefix] = entry
	}

	return &Lookup{entries: entries}
}

// confidence scores how sure we are about the ranking. A lone candidate is
// certain by definition. Otherwise we reward the relative score gap between
// first and second, plus a flat bonus when the winner was observed more than
// twice as often; a big volume gap is evidence in its own right.
func confidence(cands []*Candidate, cfg Config) float64 {
	if len(cands) == 0 {
		return 0
	}
	if len(cands) == 1 {
		return 1.0
	}
	best := cands[0].Combined
	second := cands[1].Combined
	conf := 0.0
	if best > 0 {
		conf = (best - second) / best
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
	}
	if cands[0].Appearances > 2*cands[1].Appearances {
		conf += cfg.VolumeBonus
		if conf > 1 {
			conf = 1
		}
	}
	return conf
}

// Entry returns the entry for a canonical prefix, or nil when unknown.
func (l *Lookup) Entry(prefix string) *Entry {
	if l == nil {
		return nil
	}
	return l.entries[strings.ToUpper(prefix)]
}

// Prefixes lists every known prefix in sorted order so responses stay
// deterministic.
func (l *Lookup) Prefixes() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.entries))
	for p := range l.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ResolvePrefix answers for one prefix, case-insensitively. Unknown prefixes
// resolve to the zero Resolution rather than an error; callers treat that as
// "leave the path entry alone".
func (l *Lookup) ResolvePrefix(prefix string) Resolution {
	entry := l.Entry(prefix)
	if entry == nil || entry.BestMatch == "" {
		return Resolution{}
	}
	return Resolution{Hash: entry.BestMatch, Confidence: entry.Confidence}
}

// DisambiguatePath rewrites a raw path into resolved identities. Unresolved
// hops pass through unchanged, so the output always has the same length as
// the input and an already-resolved path is a fixed point.
func (l *Lookup) DisambiguatePath(path []string) []string {
	if path == nil {
		return nil
	}
	out := make([]string, len(path))
	for i, hop := range path {
		if res := l.ResolvePrefix(meshpath.PrefixFrom(hop)); res.Hash != "" {
			out[i] = res.Hash
		} else {
			out[i] = hop
		}
	}
	return out
}
