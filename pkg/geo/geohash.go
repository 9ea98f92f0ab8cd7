package geo

import (
	"fmt"
	"strings"

	geohash "github.com/TomiHiltunen/geohash-golang"
)

// Geohash precision conventions shared across the system. Samples carry
// their full-precision location; coverage tiles aggregate on the shorter
// prefix. These must not drift or tile keys stop lining up with stored rows.
const (
	SamplePrecision = 8
	TilePrecision   = 6
)

// base32 alphabet used by the geohash encoding. The underlying library does
// not validate its input, so we check characters ourselves before decoding;
// a malformed hash from a misbehaving node must degrade into an error, not
// garbage coordinates.
const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode returns the geohash of a coordinate at the requested precision.
func Encode(lat, lon float64, precision int) string {
	if precision <= 0 {
		precision = SamplePrecision
	}
	return geohash.EncodeWithPrecision(lat, lon, precision)
}

// ValidGeohash reports whether the string is a plausible geohash: non-empty,
// at most 12 characters, and drawn from the base32 alphabet. Uppercase input
// is accepted because some firmware shouts.
func ValidGeohash(hash string) bool {
	if len(hash) == 0 || len(hash) > 12 {
		return false
	}
	for _, r := range strings.ToLower(hash) {
		if !strings.ContainsRune(geohashAlphabet, r) {
			return false
		}
	}
	return true
}

// DecodeCenter resolves a geohash to the center of its bounding box.
func DecodeCenter(hash string) (lat, lon float64, err error) {
	if !ValidGeohash(hash) {
		return 0, 0, fmt.Errorf("invalid geohash %q", hash)
	}
	box := geohash.Decode(strings.ToLower(hash))
	if box == nil {
		return 0, 0, fmt.Errorf("decode geohash %q", hash)
	}
	center := box.Center()
	return center.Lat(), center.Lng(), nil
}

// TileKey reduces a sample geohash to its coverage tile key. The second
// return is false when the hash is malformed or shorter than a tile.
func TileKey(hash string) (string, bool) {
	if len(hash) < TilePrecision || !ValidGeohash(hash) {
		return "", false
	}
	return strings.ToLower(hash[:TilePrecision]), true
}
