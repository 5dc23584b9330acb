package licensepolicy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargocap/cargocap/internal/crateindex"
)

const samplePolicy = `
forbidden:
  - GPL-3.0
  - AGPL-3.0
cooling:
  enabled: true
  min_age_days: 14
  exceptions:
    - package: trusted-crate
`

func TestLoadPolicyParsesForbiddenAndCooling(t *testing.T) {
	p, err := LoadPolicy([]byte(samplePolicy))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"GPL-3.0", "AGPL-3.0"}, p.Forbidden)
	assert.True(t, p.Cooling.Enabled)
	assert.Equal(t, 14, p.Cooling.MinAgeDays)
}

func TestEvaluateFlagsForbiddenLicense(t *testing.T) {
	p, err := LoadPolicy([]byte(samplePolicy))
	require.NoError(t, err)

	pkgs := []PackageMetadata{
		{Package: crateindex.PackageID{Name: "bad-crate", NameIsUnique: true}, License: "GPL-3.0"},
		{Package: crateindex.PackageID{Name: "good-crate", NameIsUnique: true}, License: "MIT"},
	}

	findings := p.Evaluate(pkgs, time.Now())
	require.Len(t, findings, 1)
	assert.Equal(t, "bad-crate", findings[0].Package.Name)
	assert.Equal(t, "forbidden-license", findings[0].Code)
}

func TestEvaluateCoolingViolationRespectsExceptions(t *testing.T) {
	p, err := LoadPolicy([]byte(samplePolicy))
	require.NoError(t, err)

	now := time.Now()
	recent := now.Add(-2 * 24 * time.Hour)

	pkgs := []PackageMetadata{
		{Package: crateindex.PackageID{Name: "new-crate", NameIsUnique: true}, License: "MIT", PublishedAt: &recent},
		{Package: crateindex.PackageID{Name: "trusted-crate", NameIsUnique: true}, License: "MIT", PublishedAt: &recent},
	}

	findings := p.Evaluate(pkgs, now)
	require.Len(t, findings, 1)
	assert.Equal(t, "new-crate", findings[0].Package.Name)
	assert.Equal(t, "cooling-violation", findings[0].Code)
}

func TestEvaluateSkipsCoolingWhenDisabled(t *testing.T) {
	p, err := LoadPolicy([]byte("forbidden: []\ncooling:\n  enabled: false\n"))
	require.NoError(t, err)

	recent := time.Now()
	pkgs := []PackageMetadata{
		{Package: crateindex.PackageID{Name: "new-crate", NameIsUnique: true}, License: "MIT", PublishedAt: &recent},
	}
	assert.Empty(t, p.Evaluate(pkgs, time.Now()))
}

func TestToProblemsWrapsFindingsAsDisallowedLicense(t *testing.T) {
	p, err := LoadPolicy([]byte(samplePolicy))
	require.NoError(t, err)

	pkgs := []PackageMetadata{
		{Package: crateindex.PackageID{Name: "bad-crate", NameIsUnique: true}, License: "GPL-3.0"},
	}
	list := ToProblems(p.Evaluate(pkgs, time.Now()))
	require.Equal(t, 1, list.Len())
	assert.Contains(t, list.Get(0).String(), "bad-crate")
}

func TestEngineDeniesForbiddenLicense(t *testing.T) {
	p, err := LoadPolicy([]byte(samplePolicy))
	require.NoError(t, err)

	engine, err := NewEngine(context.Background(), p)
	require.NoError(t, err)

	reasons, err := engine.Deny(context.Background(), "bad-crate", "GPL-3.0")
	require.NoError(t, err)
	assert.NotEmpty(t, reasons)

	reasons, err = engine.Deny(context.Background(), "good-crate", "MIT")
	require.NoError(t, err)
	assert.Empty(t, reasons)
}
