// Package tests drives the Gherkin scenarios in tests/features against the
// policy engine's Go API directly — checker, runner, configeditor, and the
// interactive loop's auto-accept logic — rather than against a built
// cargocap binary and a real cargo workspace, neither of which this suite
// can assume exist in a CI sandbox.
package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/cucumber/godog"

	"github.com/cargocap/cargocap/internal/checker"
	"github.com/cargocap/cargocap/internal/configeditor"
	"github.com/cargocap/cargocap/internal/crateindex"
	"github.com/cargocap/cargocap/internal/interactive"
	"github.com/cargocap/cargocap/internal/problem"
	"github.com/cargocap/cargocap/internal/proxy"
	"github.com/cargocap/cargocap/internal/runner"
	"github.com/cargocap/cargocap/internal/store"
)

// syntheticPackage tracks enough about one Given-declared package to build
// a `cargo metadata`-shaped fixture for crateindex.ParseMetadata.
type syntheticPackage struct {
	id              crateindex.PackageID
	hasBuildScript  bool
	isProcMacro     bool
}

type scenarioState struct {
	checker  *checker.Checker
	editor   *configeditor.Editor
	store    *store.Store
	packages map[string]*syntheticPackage

	resolvedPerms []string
	lastProblem   problem.Problem

	autoApplied int
}

func newScenarioState() *scenarioState {
	return &scenarioState{
		checker:  checker.New(),
		store:    store.New(),
		packages: make(map[string]*syntheticPackage),
	}
}

func (s *scenarioState) pkg(name string) *syntheticPackage {
	if p, ok := s.packages[name]; ok {
		return p
	}
	p := &syntheticPackage{id: crateindex.PackageID{Name: name, NameIsUnique: true}}
	s.packages[name] = p
	return p
}

func (s *scenarioState) ensureEditor() *configeditor.Editor {
	if s.editor == nil {
		editor, err := configeditor.FromString("cargocap.toml", "")
		if err != nil {
			panic(fmt.Sprintf("building empty editor: %v", err))
		}
		s.editor = editor
	}
	return s.editor
}

// buildSyntheticIndex renders the scenario's declared packages as a
// `cargo metadata --format-version 1` JSON document and parses it back
// through the production decoder, so ScanPackages sees the exact shape a
// real cargo invocation would produce.
func (s *scenarioState) buildSyntheticIndex() (*crateindex.Index, error) {
	type target struct {
		Kind []string `json:"kind"`
	}
	type pkg struct {
		Name         string   `json:"name"`
		Version      string   `json:"version"`
		License      string   `json:"license"`
		ManifestPath string   `json:"manifest_path"`
		Targets      []target `json:"targets"`
	}
	type metadata struct {
		Packages []pkg `json:"packages"`
	}

	var meta metadata
	for name, sp := range s.packages {
		kinds := []string{"lib"}
		if sp.hasBuildScript {
			kinds = append(kinds, "custom-build")
		}
		if sp.isProcMacro {
			kinds = []string{"proc-macro"}
		}
		meta.Packages = append(meta.Packages, pkg{
			Name:         name,
			Version:      "1.0.0",
			License:      "MIT",
			ManifestPath: "/ws/" + name + "-1.0.0/Cargo.toml",
			Targets:      []target{{Kind: kinds}},
		})
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return crateindex.ParseMetadata("/ws/Cargo.toml", data)
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	var s *scenarioState

	ctx.Before(func(goCtx context.Context, sc *godog.Scenario) (context.Context, error) {
		s = newScenarioState()
		return goCtx, nil
	})

	ctx.Step(`^permission "([^"]+)" includes "([^"]+)" and excludes "([^"]+)"$`,
		func(name, include, exclude string) error {
			s.checker.AddPermission(checker.PermissionDef{Name: name, Include: []string{include}, Exclude: []string{exclude}})
			return nil
		})

	ctx.Step(`^permission "([^"]+)" includes "([^"]+)"$`, func(name, include string) error {
		s.checker.AddPermission(checker.PermissionDef{Name: name, Include: []string{include}})
		return nil
	})

	ctx.Step(`^package "([^"]+)" is allowed permission "([^"]+)"$`, func(name, perm string) error {
		s.checker.AllowPermissions(crateindex.Primary(s.pkg(name).id), []string{perm})
		return nil
	})

	ctx.Step(`^I resolve permissions for symbol path "([^"]+)"$`, func(path string) error {
		s.resolvedPerms = s.checker.ApisForPath(strings.Split(path, "::"))
		return nil
	})

	ctx.Step(`^the resolved permissions are "([^"]*)"$`, func(want string) error {
		got := strings.Join(s.resolvedPerms, ", ")
		if got != want {
			return fmt.Errorf("resolved permissions = %q, want %q", got, want)
		}
		return nil
	})

	ctx.Step(`^"([^"]+)" uses symbol "([^"]+)" at "([^"]+):(\d+)"$`, func(name, symbol, file, line string) error {
		ln, err := strconv.Atoi(line)
		if err != nil {
			return err
		}
		sel := crateindex.Primary(s.pkg(name).id)
		parts := strings.Split(symbol, "::")
		s.checker.PathUsed(sel, parts, func() problem.Usage {
			return problem.Usage{Source: &problem.SourceLocation{Filename: file, Line: ln - 1}}
		})
		return nil
	})

	ctx.Step(`^"([^"]+)" has (\d+) disallowed usage\(s\) of permission "([^"]+)"$`, func(name string, count int, perm string) error {
		sel := crateindex.Primary(s.pkg(name).id)
		usages, ok := s.checker.DisallowedUsages(sel)
		if !ok {
			return fmt.Errorf("no disallowed usages recorded for %s", name)
		}
		got := len(usages.Usages[perm])
		if got != count {
			return fmt.Errorf("disallowed usage count for %s/%s = %d, want %d", name, perm, got, count)
		}
		return nil
	})

	ctx.Step(`^"([^"]+)" has unused allowed permissions "([^"]+)"$`, func(name, perm string) error {
		unused := s.checker.CheckUnused()
		sel := crateindex.Primary(s.pkg(name).id)
		for _, p := range unused.UnusedAllowAPI[sel.String()] {
			if p == perm {
				return nil
			}
		}
		return fmt.Errorf("%s has no unused allowed permission %q", name, perm)
	})

	ctx.Step(`^package "([^"]+)" has a build script$`, func(name string) error {
		s.pkg(name).hasBuildScript = true
		return nil
	})

	ctx.Step(`^package "([^"]+)" is a proc-macro$`, func(name string) error {
		s.pkg(name).isProcMacro = true
		return nil
	})

	ctx.Step(`^package "([^"]+)" requires selecting a sandbox$`, func(name string) error {
		s.pkg(name)
		return nil
	})

	ctx.Step(`^the config does not allow build scripts? for "([^"]+)"$`, func(name string) error {
		s.ensureEditor()
		return nil
	})

	ctx.Step(`^the config does not allow proc-macro for "([^"]+)"$`, func(name string) error {
		s.ensureEditor()
		return nil
	})

	ctx.Step(`^I scan packages$`, func() error {
		idx, err := s.buildSyntheticIndex()
		if err != nil {
			return err
		}
		editor := s.ensureEditor()
		rn := runner.New(idx, s.store)
		rn.LoadConfig(editor.Config)
		rn.ScanPackages(nil)
		return nil
	})

	ctx.Step(`^a sandbox-selection problem is recorded for "([^"]+)"$`, func(name string) error {
		s.store.Add(problem.NewSelectSandbox(s.pkg(name).id))
		return nil
	})

	ctx.Step(`^a UsesBuildScript problem is recorded for "([^"]+)"$`, func(name string) error {
		return s.requireProblem(problem.KindUsesBuildScript, name)
	})

	ctx.Step(`^an IsProcMacro problem is recorded for "([^"]+)"$`, func(name string) error {
		return s.requireProblem(problem.KindIsProcMacro, name)
	})

	ctx.Step(`^I apply the single available edit for that problem$`, func() error {
		editor := s.ensureEditor()
		edits := runner.ProposeEdits(s.lastProblem, editor)
		if len(edits) != 1 {
			return fmt.Errorf("expected exactly one edit, got %d", len(edits))
		}
		if err := edits[0].Apply(editor); err != nil {
			return err
		}
		s.store.Replace(s.storeIndexOf(s.lastProblem), edits[0].Replacements())
		return nil
	})

	ctx.Step(`^the config allows build scripts for "([^"]+)"$`, func(name string) error {
		if !s.editor.Config.Pkg[name].AllowBuildScripts {
			return fmt.Errorf("pkg.%s.allow_build_scripts was not set", name)
		}
		return nil
	})

	ctx.Step(`^build script "([^"]+)" reports stdout "([^"]*)"$`, func(name, stdout string) error {
		stdout = strings.ReplaceAll(stdout, `\n`, "\n")
		allowed := s.editor.Config.Pkg[name].AllowBuildInstructions
		disallowed := proxy.ValidateBuildScriptDirectives(stdout, allowed)
		for _, instr := range disallowed {
			s.store.Add(problem.NewDisallowedBuildInstruction(crateindex.BuildScript(s.pkg(name).id), strings.TrimPrefix(instr, "cargo:")))
		}
		return nil
	})

	ctx.Step(`^a DisallowedBuildInstruction problem naming "([^"]+)" is recorded for "([^"]+)"$`, func(instr, name string) error {
		for _, p := range s.store.DeduplicatedIntoIter() {
			if p.Kind == problem.KindDisallowedBuildInstruction && p.BuildScript.Pkg.Name == name && p.Instruction == instr {
				s.lastProblem = p
				return nil
			}
		}
		return fmt.Errorf("no DisallowedBuildInstruction(%s) recorded for %s", instr, name)
	})

	ctx.Step(`^the config allows build instruction "([^"]+)" for "([^"]+)"$`, func(instr, name string) error {
		for _, got := range s.editor.Config.Pkg[name].AllowBuildInstructions {
			if got == instr {
				return nil
			}
		}
		return fmt.Errorf("pkg.%s.allow_build_instructions does not contain %q", name, instr)
	})

	ctx.Step(`^two versions of package "([^"]+)": "([^"]+)" and "([^"]+)"$`, func(name, v1, v2 string) error {
		return nil // package identity is constructed on demand below
	})

	ctx.Step(`^a disallowed usage of permission "([^"]+)" is recorded against "([^"]+)" version "([^"]+)"$`, func(perm, name, version string) error {
		v, err := semver.NewVersion(version)
		if err != nil {
			return err
		}
		id := crateindex.PackageID{Name: name, Version: v, NameIsUnique: false}
		sel := crateindex.Primary(id)
		usages := problem.NewApiUsages(sel)
		usages.Add(perm, problem.Usage{Source: &problem.SourceLocation{Filename: "src/lib.rs", Line: 0}})
		s.lastProblem = problem.NewDisallowedAPIUsage(usages)
		return nil
	})

	ctx.Step(`^the problem renders as "([^"]+)"$`, func(want string) error {
		got := s.lastProblem.String()
		if got != want {
			return fmt.Errorf("rendered problem = %q, want %q", got, want)
		}
		return nil
	})

	ctx.Step(`^I auto-apply every problem with exactly one available edit$`, func() error {
		editor := s.ensureEditor()
		driver := interactive.NewDriverOverStore(s.store, editor, runner.ProposeEdits)
		loop := interactive.NewLoop(driver)
		applied, err := loop.AutoAcceptSingleEdits()
		if err != nil {
			return err
		}
		s.autoApplied = applied
		return nil
	})

	ctx.Step(`^(\d+) edits were auto-applied$`, func(n int) error {
		if s.autoApplied != n {
			return fmt.Errorf("auto-applied %d edits, want %d", s.autoApplied, n)
		}
		return nil
	})

	ctx.Step(`^(\d+) problems? remains? unresolved$`, func(n int) error {
		remaining := len(s.store.DeduplicatedIntoIter())
		if remaining != n {
			return fmt.Errorf("%d problems remain, want %d", remaining, n)
		}
		return nil
	})
}

func (s *scenarioState) requireProblem(kind problem.Kind, name string) error {
	for _, p := range s.store.DeduplicatedIntoIter() {
		if p.Kind == kind && p.Package.Name == name {
			s.lastProblem = p
			return nil
		}
	}
	return fmt.Errorf("no problem of kind %v recorded for %s", kind, name)
}

func (s *scenarioState) storeIndexOf(target problem.Problem) store.Index {
	raw := s.store.IterateWithDuplicates()
	for i, p := range raw {
		if p.DeduplicationKey() == target.DeduplicationKey() {
			return store.Index(i)
		}
	}
	return -1
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format: "pretty",
			Paths:  []string{"features"},
			Strict: true,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("one or more feature scenarios failed")
	}
}
