package problem

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargocap/cargocap/internal/crateindex"
)

func pkg(t *testing.T, name, version string) crateindex.PackageID {
	t.Helper()
	v, err := semver.NewVersion(version)
	require.NoError(t, err)
	return crateindex.PackageID{Name: name, Version: v, NameIsUnique: true}
}

// TestGroupedByTypeAndCrateCondensesSameCrate reproduces the scenario from
// the original checker's test_condense: two crates, two permissions each,
// four DisallowedAPIUsage problems total, should condense to exactly one
// problem per crate.
func TestGroupedByTypeAndCrateCondensesSameCrate(t *testing.T) {
	foo1 := pkg(t, "foo1", "0.1.0")
	foo2 := pkg(t, "foo2", "0.1.0")

	mk := func(id crateindex.PackageID, perm string, line int) Problem {
		u := NewApiUsages(crateindex.Primary(id))
		u.Add(perm, Usage{Source: &SourceLocation{Filename: "src/lib.rs", Line: line}})
		return NewDisallowedAPIUsage(u)
	}

	list := NewList()
	list.Push(mk(foo1, "fs", 1))
	list.Push(mk(foo1, "net", 2))
	list.Push(mk(foo2, "fs", 3))
	list.Push(mk(foo2, "env", 4))

	grouped := list.GroupedByTypeAndCrate()
	require.Equal(t, 2, grouped.Len())

	var names []string
	for _, p := range grouped.Problems {
		id, ok := p.PackageID()
		require.True(t, ok)
		names = append(names, id.Name)
	}
	assert.Equal(t, []string{"foo1", "foo2"}, names)

	assert.ElementsMatch(t, []string{"fs", "net"}, grouped.Problems[0].APIUsages.Permissions())
	assert.ElementsMatch(t, []string{"fs", "env"}, grouped.Problems[1].APIUsages.Permissions())
}

func TestGroupedByTypeAndCrateIsIdempotentModuloEmptyMerges(t *testing.T) {
	foo := pkg(t, "foo", "0.1.0")
	u := NewApiUsages(crateindex.Primary(foo))
	u.Add("fs", Usage{Source: &SourceLocation{Filename: "src/lib.rs", Line: 1}})
	list := NewList()
	list.Push(NewDisallowedAPIUsage(u))

	once := list.GroupedByTypeAndCrate()
	twice := once.GroupedByTypeAndCrate()
	assert.Equal(t, once.Len(), twice.Len())
	assert.Equal(t, once.Problems[0].APIUsages.Permissions(), twice.Problems[0].APIUsages.Permissions())
}

func TestDeduplicationKeyIgnoresDebugData(t *testing.T) {
	foo := pkg(t, "foo", "0.1.0")
	u1 := NewApiUsages(crateindex.Primary(foo))
	u1.Add("fs", Usage{Source: &SourceLocation{Filename: "src/lib.rs", Line: 1}, DebugData: "inlined via a"})
	u2 := NewApiUsages(crateindex.Primary(foo))
	u2.Add("fs", Usage{Source: &SourceLocation{Filename: "src/lib.rs", Line: 1}, DebugData: "inlined via b"})

	p1 := NewDisallowedAPIUsage(u1)
	p2 := NewDisallowedAPIUsage(u2)
	assert.Equal(t, p1.DeduplicationKey(), p2.DeduplicationKey())
}

func TestDeduplicationKeyDiffersByPackage(t *testing.T) {
	foo := pkg(t, "foo", "0.1.0")
	bar := pkg(t, "bar", "0.1.0")
	u1 := NewApiUsages(crateindex.Primary(foo))
	u1.Add("fs", Usage{})
	u2 := NewApiUsages(crateindex.Primary(bar))
	u2.Add("fs", Usage{})

	p1 := NewDisallowedAPIUsage(u1)
	p2 := NewDisallowedAPIUsage(u2)
	assert.NotEqual(t, p1.DeduplicationKey(), p2.DeduplicationKey())
}

func TestListDeduplicatedCollapsesRepeats(t *testing.T) {
	foo := pkg(t, "foo", "0.1.0")
	u := NewApiUsages(crateindex.Primary(foo))
	u.Add("fs", Usage{Source: &SourceLocation{Filename: "src/lib.rs", Line: 1}})

	list := NewList()
	list.Push(NewDisallowedAPIUsage(u))
	list.Push(NewDisallowedAPIUsage(u))
	list.Push(NewUsesBuildScript(foo))

	deduped := list.Deduplicated()
	assert.Equal(t, 2, deduped.Len())
}

func TestSeverityClassification(t *testing.T) {
	foo := pkg(t, "foo", "0.1.0")
	assert.Equal(t, SeverityWarning, NewUnusedPackageConfig(foo).Severity())
	assert.Equal(t, SeverityError, NewUsesBuildScript(foo).Severity())
	assert.Equal(t, SeverityError, NewDisallowedUnsafe(crateindex.Primary(foo), nil).Severity())
	assert.Equal(t, SeverityWarning, NewAvailableAPI(foo, "fs").Severity())
}

func TestDisplayVersionOnlyWhenNotUnique(t *testing.T) {
	unique := pkg(t, "foo", "0.1.0")
	assert.Equal(t, "foo", unique.String())

	v2, err := semver.NewVersion("0.2.0")
	require.NoError(t, err)
	dup := crateindex.PackageID{Name: "foo", Version: v2, NameIsUnique: false}
	assert.Equal(t, "foo[0.2.0]", dup.String())
}

func TestReplacePreservesPositionAndReturnsOld(t *testing.T) {
	foo := pkg(t, "foo", "0.1.0")
	list := NewList()
	list.Push(NewMessage("a"))
	list.Push(NewUsesBuildScript(foo))
	list.Push(NewMessage("c"))

	replacement := NewList()
	replacement.Push(NewMessage("b1"))
	replacement.Push(NewMessage("b2"))

	old := list.Replace(1, replacement)
	assert.Equal(t, KindUsesBuildScript, old.Kind)
	require.Equal(t, 4, list.Len())
	assert.Equal(t, "a", list.Get(0).Message)
	assert.Equal(t, "b1", list.Get(1).Message)
	assert.Equal(t, "b2", list.Get(2).Message)
	assert.Equal(t, "c", list.Get(3).Message)
}
