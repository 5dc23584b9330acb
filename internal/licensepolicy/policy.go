// Package licensepolicy evaluates an optional, additive policy axis over the
// same Cargo dependency graph the Crate Index already loaded: forbidden
// licenses and "cooling" (don't take a dependency on a version younger than
// N days) rules. It is independent of the per-symbol Checker and feeds its
// findings into the same Problem/ProblemList pipeline as
// Problem.DisallowedLicense entries.
package licensepolicy

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cargocap/cargocap/internal/crateindex"
	"github.com/cargocap/cargocap/internal/problem"
)

// CoolingConfig declares a minimum age a package version must have reached
// before it may be depended on, with named exceptions.
type CoolingConfig struct {
	Enabled    bool               `yaml:"enabled"`
	MinAgeDays int                `yaml:"min_age_days"`
	Exceptions []CoolingException `yaml:"exceptions"`
}

// CoolingException exempts one package (optionally pinned to a version)
// from the cooling rule.
type CoolingException struct {
	Package string `yaml:"package"`
	Version string `yaml:"version,omitempty"`
}

// Policy is the decoded form of policy.licenses.yaml.
type Policy struct {
	Forbidden []string      `yaml:"forbidden"`
	Cooling   CoolingConfig `yaml:"cooling"`
}

// LoadPolicy decodes policy YAML bytes into a Policy.
func LoadPolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing license policy: %w", err)
	}
	return &p, nil
}

// exempt reports whether pkg is covered by a cooling exception.
func (p *Policy) exempt(pkg crateindex.PackageID) bool {
	for _, ex := range p.Cooling.Exceptions {
		if ex.Package != pkg.Name {
			continue
		}
		if ex.Version == "" || (pkg.Version != nil && ex.Version == pkg.Version.String()) {
			return true
		}
	}
	return false
}

// PackageMetadata is the subset of per-package metadata the policy
// evaluates against, sourced from cargo metadata's license field and (when
// available) a registry's publish timestamp rather than re-derived by this
// package.
type PackageMetadata struct {
	Package     crateindex.PackageID
	License     string
	PublishedAt *time.Time // nil when unknown; cooling check is then skipped
}

// Evaluate runs the forbidden-license and cooling rules over pkgs, relative
// to now, returning one LicenseFinding per violation.
func (p *Policy) Evaluate(pkgs []PackageMetadata, now time.Time) []problem.LicenseFinding {
	var findings []problem.LicenseFinding

	forbidden := make(map[string]bool, len(p.Forbidden))
	for _, l := range p.Forbidden {
		forbidden[l] = true
	}

	for _, pm := range pkgs {
		if forbidden[pm.License] {
			findings = append(findings, problem.LicenseFinding{
				Package:  pm.Package,
				License:  pm.License,
				Code:     "forbidden-license",
				Severity: "error",
				Message:  fmt.Sprintf("license %q is forbidden by policy", pm.License),
			})
		}

		if !p.Cooling.Enabled || pm.PublishedAt == nil || p.exempt(pm.Package) {
			continue
		}
		age := now.Sub(*pm.PublishedAt)
		minAge := time.Duration(p.Cooling.MinAgeDays) * 24 * time.Hour
		if age < minAge {
			findings = append(findings, problem.LicenseFinding{
				Package:  pm.Package,
				License:  pm.License,
				Code:     "cooling-violation",
				Severity: informationalOrError(age, minAge),
				Message: fmt.Sprintf("package published %.1f days ago, policy requires %d days",
					age.Hours()/24, p.Cooling.MinAgeDays),
			})
		}
	}

	return findings
}

// informationalOrError mirrors the teacher's IsInformationalCode distinction:
// a cooling violation within half the grace period is a hard error (likely a
// supply-chain risk worth blocking on); anything closer to the threshold is
// downgraded to a warning so it doesn't block an otherwise-clean build.
func informationalOrError(age, minAge time.Duration) string {
	if age < minAge/2 {
		return "error"
	}
	return "warning"
}

// ToProblems converts findings into Problem.DisallowedLicense entries.
func ToProblems(findings []problem.LicenseFinding) *problem.List {
	list := problem.NewList()
	for _, f := range findings {
		list.Push(problem.NewDisallowedLicense(f))
	}
	return list
}
