// Package interactive drives the edit-apply-rebuild cycle: show problems,
// let the user pick and apply fixes, and re-run cargo. The state machine
// itself (Loop) is plain Go so it can be driven headlessly by tests; ui.go
// wires it to a rivo/tview terminal UI, and report.go provides the
// plain-text fallback used when stdin/stdout isn't a terminal.
package interactive

import (
	"fmt"

	"github.com/cargocap/cargocap/internal/configeditor"
	"github.com/cargocap/cargocap/internal/problem"
	"github.com/cargocap/cargocap/internal/store"
)

// Mode is one frame of the mode stack the loop maintains; Esc pops to the
// previous frame.
type Mode int

const (
	ModeSelectProblem Mode = iota
	ModeSelectEdit
	ModePromptAutoAccept
	ModeHelp
)

// Loop owns the mode stack and the currently selected problem/edit indices.
// Rerunning cargo, config mutation via applied edits, and re-scanning the
// store for empty-diff resolutions are all delegated to the Driver
// interface so Loop itself has no IO.
type Loop struct {
	Driver Driver

	modeStack       []Mode
	selectedProblem int
	selectedEdit    int
	quit            bool
}

// Driver is everything the Loop needs from the surrounding system: reading
// problems, proposing edits for one, applying an edit, and asking the store
// to resolve anything now redundant.
type Driver interface {
	// Problems returns the current deduplicated, unresolved problem list.
	Problems() []problem.Problem
	// EditsFor returns the candidate Edits for resolving problem at index i.
	EditsFor(i int) []configeditor.Edit
	// Apply applies edit to the config, replaces the problem at storeIndex
	// with the edit's ReplacementProblems, and re-scans for empty-diff
	// auto-resolutions.
	Apply(storeIndex int, edit configeditor.Edit) error
	// StoreIndexOf maps a position in Problems() to its Store index.
	StoreIndexOf(i int) int
	// WriteConfig persists the config after edits have been applied.
	WriteConfig() error
}

// NewLoop returns a Loop starting in SelectProblem.
func NewLoop(d Driver) *Loop {
	return &Loop{Driver: d, modeStack: []Mode{ModeSelectProblem}}
}

// Mode returns the current (top-of-stack) mode.
func (l *Loop) Mode() Mode {
	if len(l.modeStack) == 0 {
		return ModeSelectProblem
	}
	return l.modeStack[len(l.modeStack)-1]
}

// Quit reports whether the user has requested the loop end.
func (l *Loop) Quit() bool { return l.quit }

func (l *Loop) push(m Mode) { l.modeStack = append(l.modeStack, m) }

// Pop pops the mode stack, the effect of pressing Esc. Popping the last
// frame leaves SelectProblem as the implicit base state.
func (l *Loop) Pop() {
	if len(l.modeStack) > 1 {
		l.modeStack = l.modeStack[:len(l.modeStack)-1]
		return
	}
	l.modeStack = []Mode{ModeSelectProblem}
}

// RequestQuit clears the mode stack entirely, signalling the host loop to
// stop — pressing `q` in any mode.
func (l *Loop) RequestQuit() {
	l.modeStack = nil
	l.quit = true
}

// RequestHelp pushes the Help mode from any state — pressing `h`/`?`.
func (l *Loop) RequestHelp() {
	l.push(ModeHelp)
}

// SelectProblem is called when the user picks problem index i from the
// SelectProblem list. It pushes SelectEdit unless there are no candidate
// edits, matching spec.md §4.6 ("fails with 'no edits' if none").
func (l *Loop) SelectProblem(i int) error {
	edits := l.Driver.EditsFor(i)
	if len(edits) == 0 {
		return fmt.Errorf("problem has no available edits")
	}
	l.selectedProblem = i
	l.selectedEdit = 0
	l.push(ModeSelectEdit)
	return nil
}

// SelectEdit applies the edit at index j for the currently selected
// problem, then pops back to SelectProblem. If the selected problem index
// is now past the end of the (shrunk) problem list, it resets to 0.
func (l *Loop) SelectEdit(j int) error {
	edits := l.Driver.EditsFor(l.selectedProblem)
	if j < 0 || j >= len(edits) {
		return fmt.Errorf("edit index %d out of range", j)
	}
	storeIdx := l.Driver.StoreIndexOf(l.selectedProblem)
	if err := l.Driver.Apply(storeIdx, edits[j]); err != nil {
		return err
	}
	l.Pop()
	if l.selectedProblem >= len(l.Driver.Problems()) {
		l.selectedProblem = 0
	}
	return nil
}

// AutoAcceptSingleEdits applies, in order, every problem whose EditsFor
// returns exactly one candidate, repeating until none remain (applying one
// edit can both resolve its problem and, through the edit's
// ReplacementProblems, introduce new single-edit problems).
func (l *Loop) AutoAcceptSingleEdits() (applied int, err error) {
	for {
		progressed := false
		problems := l.Driver.Problems()
		for i := range problems {
			edits := l.Driver.EditsFor(i)
			if len(edits) != 1 {
				continue
			}
			storeIdx := l.Driver.StoreIndexOf(i)
			if err := l.Driver.Apply(storeIdx, edits[0]); err != nil {
				return applied, err
			}
			applied++
			progressed = true
			break // problem indices shift after Apply; restart the scan
		}
		if !progressed {
			break
		}
	}
	if applied > 0 {
		if err := l.Driver.WriteConfig(); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// DriverOverStore is the concrete Driver backing production use: it reads
// from a store.Store, proposes edits via an edit-proposal function, and
// applies them through a configeditor.Editor.
type DriverOverStore struct {
	Store    *store.Store
	Editor   *configeditor.Editor
	ProposeEdits func(problem.Problem, *configeditor.Editor) []configeditor.Edit

	cached      []problem.Problem
	storeIndex  []int
}

// NewDriverOverStore returns a DriverOverStore with its problem cache
// populated from s's current deduplicated view.
func NewDriverOverStore(s *store.Store, editor *configeditor.Editor, proposeEdits func(problem.Problem, *configeditor.Editor) []configeditor.Edit) *DriverOverStore {
	d := &DriverOverStore{Store: s, Editor: editor, ProposeEdits: proposeEdits}
	d.refresh()
	return d
}

func (d *DriverOverStore) refresh() {
	d.cached = d.Store.DeduplicatedIntoIter()
}

func (d *DriverOverStore) Problems() []problem.Problem { return d.cached }

func (d *DriverOverStore) EditsFor(i int) []configeditor.Edit {
	return d.ProposeEdits(d.cached[i], d.Editor)
}

func (d *DriverOverStore) StoreIndexOf(i int) int {
	// The dedup view doesn't currently track original store indices
	// one-to-one because dedup can drop earlier duplicates; we resolve by
	// re-scanning the raw store for the first unresolved entry with a
	// matching deduplication key, which is always the entry the dedup
	// view surfaced.
	target := d.cached[i].DeduplicationKey()
	raw := d.Store.IterateWithDuplicates()
	for idx, p := range raw {
		if p.DeduplicationKey() == target {
			return idx
		}
	}
	return -1
}

func (d *DriverOverStore) Apply(storeIndex int, edit configeditor.Edit) error {
	if err := edit.Apply(d.Editor); err != nil {
		return err
	}
	d.Store.Replace(store.Index(storeIndex), edit.Replacements())
	d.Store.ResolveProblemsWithEmptyDiff(func(p problem.Problem) bool {
		edits := d.ProposeEdits(p, d.Editor)
		if len(edits) != 1 {
			return false
		}
		current := d.Editor.ToTOMLString()
		probe, err := configeditor.FromString(d.Editor.Path, current)
		if err != nil || edits[0].Apply(probe) != nil {
			return false
		}
		return probe.ToTOMLString() == current
	})
	d.refresh()
	return nil
}

func (d *DriverOverStore) WriteConfig() error {
	return d.Editor.Write()
}
