package ir

import (
	"fmt"
	"sort"
	"strings"
)

// Indices identifies a differentiation configuration: the subset of
// parameters the gradient is taken with respect to and the single
// result the seed applies to. Immutable after construction.
//
// Requirements is an optional, sorted set of extra generic-requirement
// strings the derivative must additionally satisfy. It participates in
// equality and memoization keys but is otherwise opaque to the
// transform (constraint solving belongs to the type-system
// collaborator).
type Indices struct {
	params       []int
	result       int
	requirements []string
}

// NewIndices builds an Indices value. Parameter indices are
// deduplicated and sorted; the slice is copied.
func NewIndices(params []int, result int, requirements ...string) Indices {
	seen := make(map[int]bool, len(params))
	ps := make([]int, 0, len(params))
	for _, p := range params {
		if p < 0 {
			panic(fmt.Sprintf("ir: negative parameter index %d", p))
		}
		if !seen[p] {
			seen[p] = true
			ps = append(ps, p)
		}
	}
	sort.Ints(ps)
	reqs := append([]string(nil), requirements...)
	sort.Strings(reqs)
	return Indices{params: ps, result: result, requirements: reqs}
}

// Params returns the sorted parameter indices. Callers must not mutate
// the returned slice.
func (ix Indices) Params() []int { return ix.params }

// Result returns the selected result index.
func (ix Indices) Result() int { return ix.result }

// Requirements returns the sorted generic-requirement strings.
func (ix Indices) Requirements() []string { return ix.requirements }

// HasParam reports whether p is one of the selected parameter indices.
func (ix Indices) HasParam(p int) bool {
	for _, q := range ix.params {
		if q == p {
			return true
		}
	}
	return false
}

// IsSupersetOf reports whether ix selects every parameter of other and
// the same result, under identical requirements.
func (ix Indices) IsSupersetOf(other Indices) bool {
	if ix.result != other.result {
		return false
	}
	if !equalStrings(ix.requirements, other.requirements) {
		return false
	}
	for _, p := range other.params {
		if !ix.HasParam(p) {
			return false
		}
	}
	return true
}

// Equal reports structural equality.
func (ix Indices) Equal(other Indices) bool {
	return ix.IsSupersetOf(other) && other.IsSupersetOf(ix)
}

// Key returns a string usable as a map key. Structural over the
// parameter set, result index, and requirements.
func (ix Indices) Key() string {
	var sb strings.Builder
	sb.WriteByte('p')
	for i, p := range ix.params {
		if i > 0 {
			sb.WriteByte('_')
		}
		fmt.Fprintf(&sb, "%d", p)
	}
	fmt.Fprintf(&sb, "_r%d", ix.result)
	for _, r := range ix.requirements {
		sb.WriteByte('_')
		sb.WriteString(r)
	}
	return sb.String()
}

func (ix Indices) String() string {
	parts := make([]string, len(ix.params))
	for i, p := range ix.params {
		parts[i] = fmt.Sprintf("%d", p)
	}
	s := fmt.Sprintf("[params %s; result %d]", strings.Join(parts, ", "), ix.result)
	if len(ix.requirements) > 0 {
		s += " where " + strings.Join(ix.requirements, ", ")
	}
	return s
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
