// Package rangeset implements the Range Tracker (RT): an interval set over
// the 256-bit NodeTag key space, generalizing the 256-bit range-splitting
// arithmetic an account-range download pass needs into a reusable,
// mergeable coverage structure shared by range-fetch and the healing
// engine's CoverageTracker.
package rangeset

import (
	"math"

	"github.com/holiman/uint256"
)

// interval is a closed range [Lo, Hi] of NodeTag values.
type interval struct {
	Lo, Hi uint256.Int
}

// IntervalSet is a set of non-overlapping, sorted closed ranges over the
// 256-bit key space.
type IntervalSet struct {
	ranges []interval
}

// New creates an empty IntervalSet.
func New() *IntervalSet {
	return &IntervalSet{}
}

// Full returns an IntervalSet covering the entire 256-bit key space.
func Full() *IntervalSet {
	var lo, hi uint256.Int
	hi.Not(&lo) // hi = 2^256 - 1
	return &IntervalSet{ranges: []interval{{Lo: lo, Hi: hi}}}
}

func clone(v *uint256.Int) uint256.Int {
	var out uint256.Int
	out.Set(v)
	return out
}

// pointCount returns hi-lo+1. The result is only meaningful for sub-ranges
// small enough to fit a uint64; a full-width [0, 2^256-1] range wraps to 0, which callers avoid
// by using FullFactor's float-based accounting for whole-space fractions.
func pointCount(lo, hi *uint256.Int) uint64 {
	var diff uint256.Int
	diff.Sub(hi, lo)
	diff.Add(&diff, uint256.NewInt(1))
	return diff.Uint64()
}

// Merge unions [lo,hi] into the set and returns the number of newly added
// points (previously uncovered).
func (s *IntervalSet) Merge(lo, hi uint256.Int) uint64 {
	if lo.Gt(&hi) {
		lo, hi = hi, lo
	}
	before := s.Covered(lo, hi)
	total := pointCount(&lo, &hi)

	all := append(append([]interval(nil), s.ranges...), interval{Lo: clone(&lo), Hi: clone(&hi)})
	s.ranges = sweepMerge(all)

	if before > total {
		return 0
	}
	return total - before
}

// Reduce removes [lo,hi] from the set (difference).
func (s *IntervalSet) Reduce(lo, hi uint256.Int) {
	if lo.Gt(&hi) {
		lo, hi = hi, lo
	}
	var out []interval
	one := uint256.NewInt(1)
	for _, r := range s.ranges {
		if hi.Lt(&r.Lo) || lo.Gt(&r.Hi) {
			out = append(out, r)
			continue
		}
		if r.Lo.Lt(&lo) {
			var newHi uint256.Int
			newHi.Sub(&lo, one)
			out = append(out, interval{Lo: clone(&r.Lo), Hi: newHi})
		}
		if r.Hi.Gt(&hi) {
			var newLo uint256.Int
			newLo.Add(&hi, one)
			out = append(out, interval{Lo: newLo, Hi: clone(&r.Hi)})
		}
	}
	s.ranges = out
}

// Covered returns the number of points in [lo,hi] that intersect the set.
func (s *IntervalSet) Covered(lo, hi uint256.Int) uint64 {
	if lo.Gt(&hi) {
		lo, hi = hi, lo
	}
	var total uint64
	for _, r := range s.ranges {
		iLo := lo
		if r.Lo.Gt(&lo) {
			iLo = r.Lo
		}
		iHi := hi
		if r.Hi.Lt(&hi) {
			iHi = r.Hi
		}
		if iLo.Gt(&iHi) {
			continue
		}
		total += pointCount(&iLo, &iHi)
	}
	return total
}

// FullFactor returns the fraction of the entire 256-bit key space covered
// by the set, in [0,1].
func (s *IntervalSet) FullFactor() float64 {
	var sum float64
	for _, r := range s.ranges {
		sum += intervalFraction(r.Lo, r.Hi)
	}
	if sum > 1 {
		sum = 1
	}
	return sum
}

// EmptyFactor returns 1 - FullFactor(), the uncovered fraction.
func (s *IntervalSet) EmptyFactor() float64 {
	return 1 - s.FullFactor()
}

// intervalFraction approximates (hi-lo+1)/2^256 as a float64 by scaling
// each 64-bit limb of the span by its power of two, so even a single point
// reads as a small positive fraction.
func intervalFraction(lo, hi uint256.Int) float64 {
	var span uint256.Int
	span.Sub(&hi, &lo)
	span.Add(&span, uint256.NewInt(1))
	if span.IsZero() {
		// Either an empty range or a full-width wraparound (2^256 points);
		// the latter only happens for Full(), which should read as 1.0.
		if lo.IsZero() && hi.Eq(maxUint256()) {
			return 1
		}
		return 0
	}
	var f float64
	for i := 0; i < len(span); i++ {
		f += math.Ldexp(float64(span[i]), 64*i-256)
	}
	return f
}

func maxUint256() *uint256.Int {
	var zero, max uint256.Int
	max.Not(&zero)
	return &max
}

// sweepMerge sorts intervals by Lo and merges touching/overlapping ones.
func sweepMerge(in []interval) []interval {
	sorted := sortIntervals(in)
	var merged []interval
	one := uint256.NewInt(1)
	for _, r := range sorted {
		if len(merged) == 0 {
			merged = append(merged, r)
			continue
		}
		last := &merged[len(merged)-1]
		var hiPlus1 uint256.Int
		hiPlus1.Add(&last.Hi, one)
		if r.Lo.Cmp(&hiPlus1) <= 0 || r.Lo.Cmp(&last.Hi) <= 0 {
			if r.Hi.Gt(&last.Hi) {
				last.Hi = clone(&r.Hi)
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func sortIntervals(in []interval) []interval {
	out := append([]interval(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Lo.Gt(&out[j].Lo); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Ranges returns a copy of the current sorted ranges. Finding the interval
// that contains a single NodeTag is done with Contains.
func (s *IntervalSet) Ranges() []struct{ Lo, Hi uint256.Int } {
	out := make([]struct{ Lo, Hi uint256.Int }, len(s.ranges))
	for i, r := range s.ranges {
		out[i] = struct{ Lo, Hi uint256.Int }{Lo: r.Lo, Hi: r.Hi}
	}
	return out
}

// Contains reports whether pt falls within any range in the set, returning
// the containing range's bounds if so.
func (s *IntervalSet) Contains(pt uint256.Int) (lo, hi uint256.Int, ok bool) {
	for _, r := range s.ranges {
		if !pt.Lt(&r.Lo) && !pt.Gt(&r.Hi) {
			return r.Lo, r.Hi, true
		}
	}
	return uint256.Int{}, uint256.Int{}, false
}
