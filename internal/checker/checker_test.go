package checker

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargocap/cargocap/internal/crateindex"
	"github.com/cargocap/cargocap/internal/problem"
)

func split(path string) []string {
	var parts []string
	start := 0
	for i := 0; i+1 < len(path); i++ {
		if path[i] == ':' && path[i+1] == ':' {
			parts = append(parts, path[start:i])
			start = i + 2
			i++
		}
	}
	parts = append(parts, path[start:])
	return parts
}

// TestApisForPathOrdering reproduces the end-to-end scenario 1 from spec.md
// §8 (and the original checker's test_apis_for_path): overlapping
// include/exclude rules across three permissions, asserting the exact
// winner at two different symbol paths.
func TestApisForPathOrdering(t *testing.T) {
	c := New()
	c.AddPermission(PermissionDef{Name: "fs", Include: []string{"std::env"}, Exclude: []string{"std::env::var"}})
	c.AddPermission(PermissionDef{Name: "env", Include: []string{"std::env"}})
	c.AddPermission(PermissionDef{Name: "env2", Include: []string{"std::env"}})

	assert.ElementsMatch(t, []string{"env", "env2"}, c.ApisForPath(split("std::env::var")))
	assert.ElementsMatch(t, []string{"env", "env2", "fs"}, c.ApisForPath(split("std::env::exe")))
}

func TestApisForPathEmptyPartsYieldsEmptySet(t *testing.T) {
	c := New()
	c.AddPermission(PermissionDef{Name: "fs", Include: []string{"std"}})
	assert.Empty(t, c.ApisForPath(nil))
}

func TestApisForPathNoMatchingInclusionIsEmpty(t *testing.T) {
	c := New()
	c.AddPermission(PermissionDef{Name: "fs", Include: []string{"std::fs"}})
	assert.Empty(t, c.ApisForPath(split("std::net::TcpStream")))
}

func TestApisForPathSamePrefixExcludeWins(t *testing.T) {
	c := New()
	c.AddPermission(PermissionDef{Name: "fs", Include: []string{"std::fs"}, Exclude: []string{"std::fs"}})
	assert.Empty(t, c.ApisForPath(split("std::fs::File")))
}

func pkgID(t *testing.T, name, version string) crateindex.PackageID {
	t.Helper()
	v, err := semver.NewVersion(version)
	require.NoError(t, err)
	return crateindex.PackageID{Name: name, Version: v, NameIsUnique: true}
}

// TestDisallowedUsageRecordedOncePerCratePermission reproduces end-to-end
// scenario 2: a package allowed only {env} that calls a fs API from two
// call sites accumulates exactly two usages under "fs" and leaves "env" in
// UnusedAllowed.
func TestDisallowedUsageRecordedOncePerCratePermission(t *testing.T) {
	c := New()
	c.AddPermission(PermissionDef{Name: "fs", Include: []string{"std::fs"}})
	c.AddPermission(PermissionDef{Name: "env", Include: []string{"std::env"}})

	p1 := crateindex.Primary(pkgID(t, "p1", "0.1.0"))
	c.AllowPermissions(p1, []string{"env"})

	loc := func(file string, line int) func() problem.Usage {
		return func() problem.Usage {
			return problem.Usage{Source: &problem.SourceLocation{Filename: file, Line: line}}
		}
	}
	c.PathUsed(p1, split("std::fs::File::open"), loc("src/lib.rs", 12))
	c.PathUsed(p1, split("std::fs::File::open"), loc("src/other.rs", 3))

	usages, ok := c.DisallowedUsages(p1)
	require.True(t, ok)
	require.Contains(t, usages.Usages, "fs")
	assert.Len(t, usages.Usages["fs"], 2)

	unused := c.CheckUnused()
	assert.ElementsMatch(t, []string{"env"}, unused.UnusedAllowAPI[p1.String()])
}

func TestCheckUnusedReportsConfigForCrateNotInTree(t *testing.T) {
	c := New()
	p1 := crateindex.Primary(pkgID(t, "p1", "0.1.0"))
	c.AllowPermissions(p1, []string{"fs"})
	// Note: ReportCrateUsed is never called for p1.

	unused := c.CheckUnused()
	require.Len(t, unused.UnknownCrates, 1)
	assert.Equal(t, p1, unused.UnknownCrates[0])
}

func TestCheckUnusedOmitsCrateThatWasUsed(t *testing.T) {
	c := New()
	p1 := crateindex.Primary(pkgID(t, "p1", "0.1.0"))
	c.AllowPermissions(p1, []string{"fs"})
	c.ReportCrateUsed(p1)

	unused := c.CheckUnused()
	assert.Empty(t, unused.UnknownCrates)
}

func TestPermIDInterningIsStable(t *testing.T) {
	c := New()
	a := c.PermID("fs")
	b := c.PermID("fs")
	assert.Equal(t, a, b)
	assert.Equal(t, "fs", c.PermName(a))
}
