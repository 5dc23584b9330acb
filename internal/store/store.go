// Package store holds the thread-safe, append-only accumulator of problems
// fed by many concurrent subprocess handlers, plus the deduplication,
// replace, and resolve operations the interactive loop drives it through.
package store

import (
	"sync"

	"github.com/cargocap/cargocap/internal/problem"
)

// Index is a stable handle to one problem's position in a Store, returned by
// Add and consumed by Replace.
type Index int

// Store is a concurrent accumulator of problems. Every exported method
// holds the lock only across its own short critical section, per spec.md
// §5's "held only across short critical sections" requirement — none of
// these do I/O.
type Store struct {
	mu       sync.Mutex
	problems []problem.Problem
	resolved []bool
	aborted  bool
}

// New returns an empty Store.
func New() *Store { return &Store{} }

// Add appends p and returns its stable Index.
func (s *Store) Add(p problem.Problem) Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.problems = append(s.problems, p)
	s.resolved = append(s.resolved, false)
	return Index(len(s.problems) - 1)
}

// AddAll appends every problem in l, returning their assigned indices in
// order.
func (s *Store) AddAll(l *problem.List) []Index {
	if l == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	indices := make([]Index, 0, len(l.Problems))
	for _, p := range l.Problems {
		s.problems = append(s.problems, p)
		s.resolved = append(s.resolved, false)
		indices = append(indices, Index(len(s.problems)-1))
	}
	return indices
}

// IterateWithDuplicates returns every unresolved problem in store order,
// duplicates and all.
func (s *Store) IterateWithDuplicates() []problem.Problem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]problem.Problem, 0, len(s.problems))
	for i, p := range s.problems {
		if !s.resolved[i] {
			out = append(out, p)
		}
	}
	return out
}

// DeduplicatedIntoIter collapses unresolved problems by DeduplicationKey,
// keeping the first occurrence of each.
func (s *Store) DeduplicatedIntoIter() []problem.Problem {
	raw := s.IterateWithDuplicates()
	list := &problem.List{Problems: raw}
	return list.Deduplicated().Problems
}

// Get returns the problem at idx.
func (s *Store) Get(idx Index) problem.Problem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.problems[idx]
}

// Replace marks the problem at idx resolved and appends every problem in
// replacement as new store entries, returning their indices. This is how an
// applied Edit's ReplacementProblems enter the store: the edit's target
// problem disappears and any follow-ups it names take its place at the end
// of the store (not spliced into the middle — index stability matters more
// than display position here, since UI ordering is handled by callers that
// re-fetch IterateWithDuplicates/DeduplicatedIntoIter after every mutation).
func (s *Store) Replace(idx Index, replacement *problem.List) []Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved[idx] = true
	if replacement == nil {
		return nil
	}
	indices := make([]Index, 0, len(replacement.Problems))
	for _, p := range replacement.Problems {
		s.problems = append(s.problems, p)
		s.resolved = append(s.resolved, false)
		indices = append(indices, Index(len(s.problems)-1))
	}
	return indices
}

// ResolveProblemsWithEmptyDiff scans unresolved problems and auto-resolves
// any whose single remaining proposed edit would produce no config change —
// isEmptyDiff receives a problem and reports whether applying its sole edit
// is a no-op given the editor's current state.
func (s *Store) ResolveProblemsWithEmptyDiff(isEmptyDiff func(problem.Problem) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.problems {
		if s.resolved[i] {
			continue
		}
		if isEmptyDiff(p) {
			s.resolved[i] = true
		}
	}
}

// Abort marks every problem unresolved-but-abandoned (aborted) so the main
// control loop knows to tear down the cargo subprocess rather than wait for
// further edits.
func (s *Store) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.resolved {
		s.resolved[i] = false
	}
	s.aborted = true
}

// Aborted reports whether Abort has been called.
func (s *Store) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Len returns the total number of problems ever added, resolved or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.problems)
}

// HasUnresolvedErrors reports whether any unresolved problem has Error
// severity — this is the "build pauses at the first Deny the user has not
// yet resolved" condition from spec.md §7.
func (s *Store) HasUnresolvedErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.problems {
		if !s.resolved[i] && p.Severity() == problem.SeverityError {
			return true
		}
	}
	return false
}
