// Package checker implements the prefix-based permission matcher: given a
// symbol path split on "::", it determines which named permissions that
// path grants, tracks per-crate allowlists, and accumulates disallowed
// usages as they're observed.
package checker

import (
	"sort"
	"strings"
	"sync"

	"github.com/cargocap/cargocap/internal/crateindex"
	"github.com/cargocap/cargocap/internal/problem"
)

// PermID is a dense identifier for a permission name, allocated on first
// observation. Stable for the lifetime of one run.
type PermID int

// PermissionDef is one named permission's include/exclude rule set, as
// declared in the config file's perm.<name> sections.
type PermissionDef struct {
	Name    string
	Include []string
	Exclude []string
}

// CrateInfo tracks one crate's permission accounting: what it's allowed,
// what allowed permissions haven't yet been observed in use, and what
// disallowed usages have been recorded against it.
type CrateInfo struct {
	Sel               crateindex.CrateSel
	HasConfig         bool
	Used              bool
	Allowed           map[PermID]bool
	UnusedAllowed     map[PermID]bool
	DisallowedUsage   map[PermID][]problem.Usage
}

func newCrateInfo(sel crateindex.CrateSel) *CrateInfo {
	return &CrateInfo{
		Sel:             sel,
		Allowed:         make(map[PermID]bool),
		UnusedAllowed:   make(map[PermID]bool),
		DisallowedUsage: make(map[PermID][]problem.Usage),
	}
}

// Checker is the prefix matcher plus per-crate permission bookkeeping. The
// zero value is not usable; construct with New or FromConfig.
type Checker struct {
	mu sync.Mutex

	permNames   []string
	permNameIDs map[string]PermID

	inclusions map[string][]PermID // prefix -> perm ids granting it
	exclusions map[string][]PermID // prefix -> perm ids revoking it

	crates      map[string]*CrateInfo // keyed by CrateSel.String()
	crateOrder  []string
}

// New returns an empty Checker with no permissions or crates configured.
func New() *Checker {
	return &Checker{
		permNameIDs: make(map[string]PermID),
		inclusions:  make(map[string][]PermID),
		exclusions:  make(map[string][]PermID),
		crates:      make(map[string]*CrateInfo),
	}
}

// PermID interns name, returning a stable PermID. Calling it twice with the
// same name returns the same id; the permission-name table is append-only.
func (c *Checker) PermID(name string) PermID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permIDLocked(name)
}

func (c *Checker) permIDLocked(name string) PermID {
	if id, ok := c.permNameIDs[name]; ok {
		return id
	}
	id := PermID(len(c.permNames))
	c.permNames = append(c.permNames, name)
	c.permNameIDs[name] = id
	return id
}

// PermName returns the name a PermID was interned from.
func (c *Checker) PermName(id PermID) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) < 0 || int(id) >= len(c.permNames) {
		return ""
	}
	return c.permNames[id]
}

// AddPermission registers a permission definition's include/exclude prefixes.
func (c *Checker) AddPermission(def PermissionDef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.permIDLocked(def.Name)
	for _, prefix := range def.Include {
		c.inclusions[prefix] = append(c.inclusions[prefix], id)
	}
	for _, prefix := range def.Exclude {
		c.exclusions[prefix] = append(c.exclusions[prefix], id)
	}
}

// crateInfoLocked returns (creating if necessary) the CrateInfo for sel.
// Caller must hold c.mu.
func (c *Checker) crateInfoLocked(sel crateindex.CrateSel) *CrateInfo {
	key := sel.String()
	info, ok := c.crates[key]
	if !ok {
		info = newCrateInfo(sel)
		c.crates[key] = info
		c.crateOrder = append(c.crateOrder, key)
	}
	return info
}

// AllowPermissions registers the set of permissions sel's config allows it
// to use. HasConfig is set so checkUnused can later report "config exists
// for a package but it's not in the dependency tree" if reportCrateUsed is
// never called for it.
func (c *Checker) AllowPermissions(sel crateindex.CrateSel, permNames []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.crateInfoLocked(sel)
	info.HasConfig = true
	for _, name := range permNames {
		id := c.permIDLocked(name)
		info.Allowed[id] = true
		info.UnusedAllowed[id] = true
	}
}

// ReportCrateUsed marks sel as present in the dependency tree, so it won't
// be reported as unused config even if it never matches a permission.
func (c *Checker) ReportCrateUsed(sel crateindex.CrateSel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crateInfoLocked(sel).Used = true
}

// ApisForPath returns, sorted by name, the permission names a fully
// qualified symbol path (already split on "::") is attributed to.
//
// It walks the prefix incrementally: for each successive prefix
// parts[0:k], it first unions in every permission from inclusions[prefix],
// then subtracts every permission from exclusions[prefix], in that order,
// within the same iteration. Because the walk proceeds left-to-right over
// increasing prefix length, a later (longer-prefix) exclude always beats an
// earlier include, and a later include always beats an earlier exclude — the
// result is simply whatever union/subtract state is standing after the
// final (longest, full-path) prefix.
func (c *Checker) ApisForPath(parts []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	matched := make(map[PermID]bool)
	var prefix strings.Builder
	for i, part := range parts {
		if i > 0 {
			prefix.WriteString("::")
		}
		prefix.WriteString(part)
		p := prefix.String()

		for _, id := range c.inclusions[p] {
			matched[id] = true
		}
		for _, id := range c.exclusions[p] {
			delete(matched, id)
		}
	}

	names := make([]string, 0, len(matched))
	for id := range matched {
		names = append(names, c.permNames[id])
	}
	sort.Strings(names)
	return names
}

// PathUsed records that sel used the symbol path parts. For every
// permission ApisForPath attributes the path to: the permission is removed
// from UnusedAllowed; if it isn't in Allowed, computeUsage is invoked once
// and the resulting Usage is appended to DisallowedUsage[permission].
// computeUsage is a thunk so callers can skip building an expensive
// SourceLocation (e.g. resolving DWARF line info) when nothing is
// disallowed.
func (c *Checker) PathUsed(sel crateindex.CrateSel, parts []string, computeUsage func() problem.Usage) {
	perms := c.ApisForPath(parts)
	if len(perms) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.crateInfoLocked(sel)
	for _, name := range perms {
		id := c.permIDLocked(name)
		delete(info.UnusedAllowed, id)
		if !info.Allowed[id] {
			info.DisallowedUsage[id] = append(info.DisallowedUsage[id], computeUsage())
		}
	}
}

// UnusedConfig is the result of CheckUnused: packages with config that never
// appeared in the dependency tree, and per-package permissions that were
// allowed but never observed in use.
type UnusedConfig struct {
	UnknownCrates  []crateindex.CrateSel
	UnusedAllowAPI map[string][]string // crate display name -> permission names
}

// IsEmpty reports whether there's nothing to report.
func (u UnusedConfig) IsEmpty() bool {
	return len(u.UnknownCrates) == 0 && len(u.UnusedAllowAPI) == 0
}

// CheckUnused returns every package whose config exists but which was never
// observed in the build, plus every allowed-but-never-used permission per
// package.
func (c *Checker) CheckUnused() UnusedConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result UnusedConfig
	result.UnusedAllowAPI = make(map[string][]string)

	for _, key := range c.crateOrder {
		info := c.crates[key]
		if info.HasConfig && !info.Used {
			result.UnknownCrates = append(result.UnknownCrates, info.Sel)
		}
		if len(info.UnusedAllowed) == 0 {
			continue
		}
		var names []string
		for id := range info.UnusedAllowed {
			names = append(names, c.permNames[id])
		}
		sort.Strings(names)
		result.UnusedAllowAPI[info.Sel.String()] = names
	}
	return result
}

// DisallowedUsages returns a snapshot of sel's accumulated disallowed
// permission usages as a problem.ApiUsages, suitable for turning into a
// DisallowedAPIUsage Problem. Returns ok=false if sel has no disallowed
// usages recorded.
func (c *Checker) DisallowedUsages(sel crateindex.CrateSel) (problem.ApiUsages, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.crates[sel.String()]
	if !ok || len(info.DisallowedUsage) == 0 {
		return problem.ApiUsages{}, false
	}

	// Deterministic iteration: sort by permission name so the same input
	// always produces the same ApiUsages ordering.
	type kv struct {
		id   PermID
		name string
	}
	var perms []kv
	for id := range info.DisallowedUsage {
		perms = append(perms, kv{id, c.permNames[id]})
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].name < perms[j].name })

	out := problem.NewApiUsages(sel)
	for _, p := range perms {
		for _, u := range info.DisallowedUsage[p.id] {
			out.Add(p.name, u)
		}
	}
	return out, true
}

// Crates returns every crate the Checker has seen, in first-seen order.
func (c *Checker) Crates() []crateindex.CrateSel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]crateindex.CrateSel, 0, len(c.crateOrder))
	for _, key := range c.crateOrder {
		out = append(out, c.crates[key].Sel)
	}
	return out
}
