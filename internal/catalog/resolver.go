package catalog

import (
	"math"
	"strings"

	"github.com/antzucaro/matchr"
)

// minSubstringQuery is the shortest query allowed to match as a substring of
// a catalog name. Shorter fragments ("a", "on") would hit almost every name.
const minSubstringQuery = 3

// Resolve maps freeText onto one of names. Passes run in order and the first
// pass that produces a hit wins:
//
//  1. Case-insensitive exact match (also tried with a trailing plural "s" or
//     "es" removed).
//  2. Case-insensitive substring match in either direction. Among several
//     hits the name whose length is closest to the query wins.
//  3. Levenshtein distance, accepted when the distance is at most
//     max(2, min(0.3*len(name), 4)) for that candidate. The globally smallest
//     distance wins.
//
// Ties in passes 2 and 3 are broken by position in names. Resolve is pure: the
// same inputs always give the same answer.
func Resolve(freeText string, names []string) (string, bool) {
	q := strings.ToLower(strings.Join(strings.Fields(freeText), " "))
	if q == "" || len(names) == 0 {
		return "", false
	}

	lower := make([]string, len(names))
	for i, n := range names {
		lower[i] = strings.ToLower(strings.TrimSpace(n))
	}

	// 1. Exact.
	for _, cand := range exactCandidates(q) {
		for i, n := range lower {
			if n == cand {
				return names[i], true
			}
		}
	}

	// 2. Substring, either direction.
	best, bestGap := -1, math.MaxInt
	for i, n := range lower {
		if n == "" {
			continue
		}
		hit := strings.Contains(q, n) || (len(q) >= minSubstringQuery && strings.Contains(n, q))
		if !hit {
			continue
		}
		gap := abs(len(n) - len(q))
		if gap < bestGap {
			best, bestGap = i, gap
		}
	}
	if best >= 0 {
		return names[best], true
	}

	// 3. Edit distance under a per-candidate threshold.
	best, bestDist := -1, math.MaxInt
	for i, n := range lower {
		if n == "" {
			continue
		}
		d := matchr.Levenshtein(q, n)
		if float64(d) > editThreshold(n) {
			continue
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best >= 0 {
		return names[best], true
	}
	return "", false
}

// editThreshold is max(2, min(0.3*len(name), 4)).
func editThreshold(name string) float64 {
	return math.Max(2, math.Min(0.3*float64(len([]rune(name))), 4))
}

// exactCandidates returns q followed by its singular forms.
func exactCandidates(q string) []string {
	out := []string{q}
	if s, ok := strings.CutSuffix(q, "es"); ok && s != "" {
		out = append(out, s)
	}
	if s, ok := strings.CutSuffix(q, "s"); ok && s != "" {
		out = append(out, s)
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Resolver resolves free text against a [Snapshot]. It is read-only and safe
// for concurrent use.
type Resolver struct {
	snap  *Snapshot
	names []string
}

// NewResolver returns a Resolver over snap.
func NewResolver(snap *Snapshot) *Resolver {
	return &Resolver{snap: snap, names: snap.Names()}
}

// Snapshot returns the snapshot the resolver was built from.
func (r *Resolver) Snapshot() *Snapshot { return r.snap }

// Resolve returns the canonical name for freeText.
func (r *Resolver) Resolve(freeText string) (string, bool) {
	return Resolve(freeText, r.names)
}

// ResolveItem returns the catalog item for freeText.
func (r *Resolver) ResolveItem(freeText string) (Item, bool) {
	name, ok := r.Resolve(freeText)
	if !ok {
		return Item{}, false
	}
	return r.snap.ByName(name)
}
