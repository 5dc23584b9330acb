package problem

// List is an ordered, mergeable collection of Problems. Order is
// significant: it reflects the order problems were appended (the order the
// driver finished handling each request), and grouping operations preserve
// first-occurrence order of their merge key.
type List struct {
	Problems []Problem
}

// NewList returns an empty List.
func NewList() *List { return &List{} }

// Push appends p to the end of the list.
func (l *List) Push(p Problem) {
	l.Problems = append(l.Problems, p)
}

// Merge appends every problem in other to l, in order.
func (l *List) Merge(other *List) {
	if other == nil {
		return
	}
	l.Problems = append(l.Problems, other.Problems...)
}

// Len reports the number of problems, duplicates included.
func (l *List) Len() int { return len(l.Problems) }

// IsEmpty reports whether the list has no problems.
func (l *List) IsEmpty() bool { return len(l.Problems) == 0 }

// Get returns the problem at position i.
func (l *List) Get(i int) Problem { return l.Problems[i] }

// Replace swaps out the problem at index i for the problems in replacement,
// returning the replaced problem. Used when an edit resolves one problem but
// introduces follow-ups (Edit.ReplacementProblems): the follow-ups take the
// same logical position in the list as the problem they replaced.
func (l *List) Replace(i int, replacement *List) Problem {
	old := l.Problems[i]
	var repl []Problem
	if replacement != nil {
		repl = replacement.Problems
	}
	next := make([]Problem, 0, len(l.Problems)-1+len(repl))
	next = append(next, l.Problems[:i]...)
	next = append(next, repl...)
	next = append(next, l.Problems[i+1:]...)
	l.Problems = next
	return old
}

// groupKeyByTypeAndCrate is the merge key used by GroupedByTypeAndCrate:
// problems collapse together only when both their Kind and this key match.
func groupKeyByTypeAndCrate(p Problem) (string, bool) {
	pkg, ok := p.PackageID()
	if !ok || p.Kind != KindDisallowedAPIUsage {
		return "", false
	}
	return pkg.String(), true
}

// GroupedByTypeAndCrate returns a new List where multiple DisallowedAPIUsage
// entries sharing the same crate are merged into one, concatenating their
// per-permission usage lists; every other problem passes through unchanged.
// Relative order of first occurrence is preserved.
func (l *List) GroupedByTypeAndCrate() *List {
	return l.groupedBy(func(p Problem) (string, bool) {
		return groupKeyByTypeAndCrate(p)
	}, func(dst, src *Problem) {
		dst.APIUsages.merge(src.APIUsages)
	})
}

// GroupedByTypeCrateAndAPI is like GroupedByTypeAndCrate but additionally
// keys on the set of permission names, so usages are merged only when both
// the crate and the exact permission set match.
func (l *List) GroupedByTypeCrateAndAPI() *List {
	return l.groupedBy(func(p Problem) (string, bool) {
		if p.Kind != KindDisallowedAPIUsage {
			return "", false
		}
		key := p.APIUsages.Crate.String() + "|"
		for _, perm := range p.APIUsages.Permissions() {
			key += perm + ","
		}
		return key, true
	}, func(dst, src *Problem) {
		dst.APIUsages.merge(src.APIUsages)
	})
}

// groupedBy is the generic merge-by-key implementation both grouping
// operators share: keyFn returns (key, true) for problems eligible to merge,
// and mergeFn folds src into the already-kept dst for a repeated key. A
// problem for which keyFn returns false is kept as-is and never merged.
func (l *List) groupedBy(keyFn func(Problem) (string, bool), mergeFn func(dst, src *Problem)) *List {
	merged := &List{}
	index := make(map[string]int)
	for _, p := range l.Problems {
		key, ok := keyFn(p)
		if !ok {
			merged.Problems = append(merged.Problems, p)
			continue
		}
		fullKey := kindPrefix(p.Kind) + key
		if i, seen := index[fullKey]; seen {
			mergeFn(&merged.Problems[i], &p)
			continue
		}
		index[fullKey] = len(merged.Problems)
		merged.Problems = append(merged.Problems, p)
	}
	return merged
}

func kindPrefix(k Kind) string {
	return string(rune('A' + int(k)))
}

// Deduplicated collapses problems sharing a DeduplicationKey into one
// representative (the first occurrence), preserving first-occurrence order.
func (l *List) Deduplicated() *List {
	seen := make(map[string]bool, len(l.Problems))
	out := &List{}
	for _, p := range l.Problems {
		key := p.DeduplicationKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		out.Problems = append(out.Problems, p)
	}
	return out
}
