// Package disambig infers which physical repeater a 2-character path prefix
// refers to. Packets only carry the short prefix, so when several repeaters
// collide on it we score every candidate against four weak signals observed
// across the sample set: where in the path the prefix tends to appear, which
// neighbours it travels with, how close the candidate sits to the packets it
// supposedly forwarded last, and how recently the repeater was seen at all.
//
// The whole package is a pure, synchronous computation over an in-memory
// snapshot. A lookup is built fresh per request and never persisted.
package disambig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the scoring knobs. The defaults reproduce the tuned
// production weights; deployments that want to experiment can load overrides
// from a YAML file.
type Config struct {
	PositionWeight       float64 `yaml:"position_weight"`         // weight of position consistency
	CooccurrenceWeight   float64 `yaml:"cooccurrence_weight"`     // weight of neighbour co-occurrence
	GeographicWeight     float64 `yaml:"geographic_weight"`       // weight of geographic correlation
	RecencyWeight        float64 `yaml:"recency_weight"`          // weight of last-seen recency
	MaxCandidateAgeHours float64 `yaml:"max_candidate_age_hours"` // repeaters silent longer are not candidates
	RecencyHalfLifeHours float64 `yaml:"recency_half_life_hours"` // decay constant for the recency score
	UnknownRecencyScore  float64 `yaml:"unknown_recency_score"`   // score when last-seen is unknown
	DefaultGeoScore      float64 `yaml:"default_geo_score"`       // flat geographic score before any evidence
	GeoBoostSaturation   float64 `yaml:"geo_boost_saturation"`    // evidence count at which the boost maxes out
	GeoBoostWeight       float64 `yaml:"geo_boost_weight"`        // scale of the additive source-geo boost
	VolumeBonus          float64 `yaml:"volume_bonus"`            // confidence bonus for lopsided observation volume
}

// DefaultConfig returns the production scoring parameters.
func DefaultConfig() Config {
	return Config{
		PositionWeight:       0.15,
		CooccurrenceWeight:   0.15,
		GeographicWeight:     0.40,
		RecencyWeight:        0.30,
		MaxCandidateAgeHours: 336, // 14 days
		RecencyHalfLifeHours: 12,
		UnknownRecencyScore:  0.1,
		DefaultGeoScore:      0.2,
		GeoBoostSaturation:   50,
		GeoBoostWeight:       0.3,
		VolumeBonus:          0.2,
	}
}

// normalize fills zero or nonsensical values with defaults so a sparse YAML
// override cannot zero out a weight by accident.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.PositionWeight <= 0 {
		c.PositionWeight = def.PositionWeight
	}
	if c.CooccurrenceWeight <= 0 {
		c.CooccurrenceWeight = def.CooccurrenceWeight
	}
	if c.GeographicWeight <= 0 {
		c.GeographicWeight = def.GeographicWeight
	}
	if c.RecencyWeight <= 0 {
		c.RecencyWeight = def.RecencyWeight
	}
	if c.MaxCandidateAgeHours <= 0 {
		c.MaxCandidateAgeHours = def.MaxCandidateAgeHours
	}
	if c.RecencyHalfLifeHours <= 0 {
		c.RecencyHalfLifeHours = def.RecencyHalfLifeHours
	}
	if c.UnknownRecencyScore <= 0 {
		c.UnknownRecencyScore = def.UnknownRecencyScore
	}
	if c.DefaultGeoScore <= 0 {
		c.DefaultGeoScore = def.DefaultGeoScore
	}
	if c.GeoBoostSaturation <= 0 {
		c.GeoBoostSaturation = def.GeoBoostSaturation
	}
	if c.GeoBoostWeight <= 0 {
		c.GeoBoostWeight = def.GeoBoostWeight
	}
	if c.VolumeBonus <= 0 {
		c.VolumeBonus = def.VolumeBonus
	}
}

// Load reads a YAML config file and merges it over the defaults. A missing
// path is not an error: callers get the defaults back.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read scoring config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse scoring config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}
