// Package evict selects eviction victims for the cache's size/count bounds
// (spec.md §4.6).
package evict

import (
	"sort"

	"github.com/calvinalkan/diskache/internal/entrymeta"
)

// Policy selects which live entries are evicted first when a write would
// cross the configured size or count bound.
type Policy int

const (
	// LRU evicts the least-recently-accessed entry first. Default.
	LRU Policy = iota
	// LFU evicts the least-frequently-accessed entry first.
	LFU
	// FIFO evicts the oldest-created entry first.
	FIFO
	// TTLAscending evicts the entry closest to expiring first; entries
	// with no expiry are treated as expiring last.
	TTLAscending
	// None disables automatic eviction; writes that would cross a bound
	// fail instead (surfaced by the caller as CapacityExceeded).
	None
)

// ParsePolicy maps the spec.md §6 configuration strings to a Policy.
func ParsePolicy(s string) (Policy, bool) {
	switch s {
	case "LRU", "":
		return LRU, true
	case "LFU":
		return LFU, true
	case "FIFO":
		return FIFO, true
	case "TTL", "TTL_ASCENDING":
		return TTLAscending, true
	case "NONE":
		return None, true
	default:
		return LRU, false
	}
}

// Candidate is the minimal view of a live entry the engine needs to rank
// eviction order.
type Candidate struct {
	Key         string
	Fingerprint uint64
	Meta        *entrymeta.Meta
}

// DefaultHeadroom is the fraction of max_size/max_entries eviction clears
// past the bound, so a burst of small writes doesn't immediately retrigger
// eviction (spec.md §4.6).
const DefaultHeadroom = 0.10

// SelectVictims returns, in eviction order, enough candidates to bring
// curSize/curCount back under (maxSize, maxCount) with headroom applied.
// Ties are broken by oldest LastAccessedAt, then lowest Fingerprint
// (spec.md §4.6). Returns nil if policy is None or no bound is exceeded.
func SelectVictims(policy Policy, candidates []Candidate, curSize, maxSize int64, curCount, maxCount int64, headroom float64) []Candidate {
	if policy == None {
		return nil
	}

	if headroom <= 0 {
		headroom = DefaultHeadroom
	}

	targetSize := maxSize
	if maxSize > 0 {
		targetSize = maxSize - int64(float64(maxSize)*headroom)
	}

	targetCount := maxCount
	if maxCount > 0 {
		targetCount = maxCount - int64(float64(maxCount)*headroom)
	}

	needsWork := (maxSize > 0 && curSize > maxSize) || (maxCount > 0 && curCount > maxCount)
	if !needsWork {
		return nil
	}

	ordered := rank(policy, candidates)

	var victims []Candidate

	for _, c := range ordered {
		overSize := maxSize > 0 && curSize > targetSize
		overCount := maxCount > 0 && curCount > targetCount

		if !overSize && !overCount {
			break
		}

		victims = append(victims, c)
		curSize -= int64(c.Meta.Size)
		curCount--
	}

	return victims
}

// rank orders candidates from first-to-evict to last-to-evict under policy.
func rank(policy Policy, candidates []Candidate) []Candidate {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)

	less := lessFor(policy)

	sort.Slice(ordered, func(i, j int) bool {
		if lt, eq := less(ordered[i], ordered[j]); !eq {
			return lt
		}

		return tiebreak(ordered[i], ordered[j])
	})

	return ordered
}

// lessFor returns a comparator that reports (a-should-go-before-b, tied).
func lessFor(policy Policy) func(a, b Candidate) (less bool, tied bool) {
	switch policy {
	case LFU:
		return func(a, b Candidate) (bool, bool) {
			if a.Meta.AccessCount == b.Meta.AccessCount {
				return false, true
			}

			return a.Meta.AccessCount < b.Meta.AccessCount, false
		}
	case FIFO:
		return func(a, b Candidate) (bool, bool) {
			if a.Meta.CreatedAt == b.Meta.CreatedAt {
				return false, true
			}

			return a.Meta.CreatedAt < b.Meta.CreatedAt, false
		}
	case TTLAscending:
		return func(a, b Candidate) (bool, bool) {
			ae, be := effectiveExpiry(a.Meta), effectiveExpiry(b.Meta)
			if ae == be {
				return false, true
			}

			return ae < be, false
		}
	default: // LRU
		return func(a, b Candidate) (bool, bool) {
			if a.Meta.LastAccessedAt == b.Meta.LastAccessedAt {
				return false, true
			}

			return a.Meta.LastAccessedAt < b.Meta.LastAccessedAt, false
		}
	}
}

func effectiveExpiry(m *entrymeta.Meta) int64 {
	if !m.HasExpiry() {
		return int64(^uint64(0) >> 1) // max int64: never-expiring sorts last
	}

	return m.ExpiresAt
}

func tiebreak(a, b Candidate) bool {
	if a.Meta.LastAccessedAt != b.Meta.LastAccessedAt {
		return a.Meta.LastAccessedAt < b.Meta.LastAccessedAt
	}

	return a.Fingerprint < b.Fingerprint
}

// EvictByTag returns every candidate whose tag set contains tag, for the
// bulk tag-eviction operation (spec.md §4.6).
func EvictByTag(candidates []Candidate, tag string) []Candidate {
	var victims []Candidate

	for _, c := range candidates {
		if c.Meta.HasTag(tag) {
			victims = append(victims, c)
		}
	}

	return victims
}
