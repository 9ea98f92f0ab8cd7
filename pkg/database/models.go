package database

import "mesh-coverage-map/pkg/meshpath"

// Repeater is one observation of a physical repeater as reported by the
// collectors. Multiple rows may share the same 2-character prefix; telling
// them apart is the disambiguation engine's job, not the storage layer's.
type Repeater struct {
	ID       int64   `json:"id"`             // Storage row id
	Prefix   string  `json:"prefix"`         // 2-char uppercase hex short id
	Hash     string  `json:"hash,omitempty"` // Full hex identity when the node advertised one
	Name     string  `json:"name,omitempty"` // Human-readable node name
	Lat      float64 `json:"lat"`            // Last known latitude
	Lon      float64 `json:"lon"`            // Last known longitude
	LastSeen int64   `json:"lastSeen"`       // UNIX seconds; 0 means never heard directly
}

// CanonicalPrefix returns the repeater's 2-character uppercase prefix,
// deriving it from the full hash when the prefix column is empty. "" means
// the row carries no usable identity and is excluded from candidacy.
func (r Repeater) CanonicalPrefix() string {
	if p := meshpath.PrefixFrom(r.Prefix); p != "" {
		return p
	}
	return meshpath.PrefixFrom(r.Hash)
}

// Identity returns the identifier resolution results use: the full hash when
// known, otherwise the canonical prefix itself.
func (r Repeater) Identity() string {
	if r.Hash != "" {
		return r.Hash
	}
	return r.CanonicalPrefix()
}

// Sample is a single geolocated propagation observation from a mesh node.
// The path records raw, ambiguous 2-character hops as they appeared in the
// packet; SNR and RSSI are optional because not every radio reports them.
type Sample struct {
	ID        int64    `json:"id"`                  // Storage row id
	Geohash   string   `json:"geohash"`             // 8-char location of the observation
	Lat       float64  `json:"lat"`                 // Decoded latitude (denormalized for SQL range scans)
	Lon       float64  `json:"lon"`                 // Decoded longitude
	NodeID    string   `json:"nodeID,omitempty"`    // Observing node identifier, used to trim self-hops
	Path      []string `json:"path"`                // Raw forwarding path, may be empty
	Date      int64    `json:"date"`                // UNIX seconds of the observation
	SNR       float64  `json:"snr,omitempty"`       // Signal-to-noise in dB
	SNRValid  bool     `json:"snrValid,omitempty"`  // Whether SNR was reported
	RSSI      float64  `json:"rssi,omitempty"`      // Received signal strength in dBm
	RSSIValid bool     `json:"rssiValid,omitempty"` // Whether RSSI was reported
	Observed  bool     `json:"observed"`            // Node explicitly marked the packet as observed
}

// CoverageRow is the persisted per-tile aggregate the consolidation job
// maintains. Counts are additive so rows from different runs merge with
// plain sums; timestamps and signal extrema merge with max.
type CoverageRow struct {
	Tile         string   `json:"tile"`                   // 6-char geohash key
	Total        int64    `json:"total"`                  // Samples folded into this row
	Heard        int64    `json:"heard"`                  // Samples with a non-empty resolved path
	Lost         int64    `json:"lost"`                   // Total - heard
	Observed     int64    `json:"observed"`               // Samples observed directly or via a heard path
	LastHeard    int64    `json:"lastHeard,omitempty"`    // UNIX seconds of the latest heard sample
	LastObserved int64    `json:"lastObserved,omitempty"` // UNIX seconds of the latest observed sample
	MaxSNR       float64  `json:"maxSNR,omitempty"`       // Best SNR seen in the tile
	SNRValid     bool     `json:"snrValid,omitempty"`     // Whether any sample reported SNR
	MaxRSSI      float64  `json:"maxRSSI,omitempty"`      // Best RSSI seen in the tile
	RSSIValid    bool     `json:"rssiValid,omitempty"`    // Whether any sample reported RSSI
	Repeaters    []string `json:"repeaters,omitempty"`    // Distinct resolved repeater identities
}
