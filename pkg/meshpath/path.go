// Package meshpath normalizes raw forwarding paths from mesh packets.
//
// A path is an ordered list of 2-character hex prefixes, one per repeater
// hop, oldest hop first. The observing node often appends its own prefix as
// the final element; that trailing self-hop carries no routing information
// and is stripped before scoring.
package meshpath

import "strings"

// PrefixFrom extracts the canonical 2-character uppercase prefix from a node
// identifier. Identifiers may carry a "0x" notational marker; with the marker
// we take the two characters that follow it, without it the first two. An
// identifier too short to yield two characters produces "".
func PrefixFrom(id string) string {
	id = strings.TrimSpace(id)
	if rest, ok := strings.CutPrefix(id, "0x"); ok {
		id = rest
	} else if rest, ok := strings.CutPrefix(id, "0X"); ok {
		id = rest
	}
	if len(id) < 2 {
		return ""
	}
	return strings.ToUpper(id[:2])
}

// Path holds a normalized forwarding path. Original preserves every hop as
// reported (uppercased); Effective has a trailing self-hop removed and is
// what all position-based scoring works on.
type Path struct {
	Original  []string
	Effective []string
}

// Normalize canonicalizes a raw path with no local node context. Returns nil
// when the path is empty or absent since there is nothing to disambiguate.
func Normalize(raw []string) *Path {
	return NormalizeWithLocal(raw, "")
}

// NormalizeWithLocal canonicalizes a raw path and, when the local node's
// identifier is supplied, strips a trailing hop equal to the local prefix.
// The local identifier only affects self-hop trimming; disambiguation works
// the same without it. An empty localID means "not supplied".
func NormalizeWithLocal(raw []string, localID string) *Path {
	if len(raw) == 0 {
		return nil
	}

	original := make([]string, len(raw))
	for i, hop := range raw {
		original[i] = strings.ToUpper(strings.TrimSpace(hop))
	}

	effective := original
	if localID != "" {
		if self := PrefixFrom(localID); self != "" && original[len(original)-1] == self {
			effective = original[:len(original)-1]
		}
	}

	return &Path{Original: original, Effective: effective}
}

// PositionFromEnd returns the 1-based position from the end of the effective
// path for the element at index i: the final hop (closest to the observer)
// is position 1, earlier hops count upward.
func (p *Path) PositionFromEnd(i int) int {
	return len(p.Effective) - i
}
