// Package runner wires the Crate Index, Checker, problem Store, and usage
// attribution together into the concrete proxy.RequestHandler a `cargocap
// build`/`cargocap check` invocation hands to InvokeCargoBuild, plus the
// pre-build package scan and the Edit proposals the interactive loop
// presents for each problem.
package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/cargocap/cargocap/internal/attribution"
	"github.com/cargocap/cargocap/internal/checker"
	"github.com/cargocap/cargocap/internal/configeditor"
	"github.com/cargocap/cargocap/internal/crateindex"
	"github.com/cargocap/cargocap/internal/problem"
	"github.com/cargocap/cargocap/internal/proxy"
	"github.com/cargocap/cargocap/internal/proxy/rpc"
	"github.com/cargocap/cargocap/internal/store"
	"github.com/cargocap/cargocap/pkg/logger"
)

// Runner answers IPC requests for one cargo build by consulting the
// Checker and recording violations in the Store. It implements
// proxy.RequestHandler.
type Runner struct {
	Index   *crateindex.Index
	Checker *checker.Checker
	Store   *store.Store
	Config  *configeditor.Config
	Symbols attribution.SymbolReader
}

var _ proxy.RequestHandler = (*Runner)(nil)

// New returns a Runner over idx and st with an empty Checker; call
// LoadConfig before the first build to populate permissions and allowlists.
func New(idx *crateindex.Index, st *store.Store) *Runner {
	return &Runner{
		Index:   idx,
		Checker: checker.New(),
		Store:   st,
		Symbols: attribution.ELFSymbolReader{},
	}
}

// LoadConfig registers cfg's permission definitions and per-package
// allowlists onto r.Checker, replacing whatever was loaded before. Called
// once per build attempt, since the config may have changed between
// attempts.
func (r *Runner) LoadConfig(cfg *configeditor.Config) {
	r.Config = cfg
	r.Checker = checker.New()
	for name, def := range cfg.Perm {
		r.Checker.AddPermission(checker.PermissionDef{Name: name, Include: def.Include, Exclude: def.Exclude})
	}
	for name, pkg := range cfg.Pkg {
		id, ok := r.Index.NewestPackageIDWithName(name)
		if !ok {
			// Still registered, so CheckUnused reports the config as
			// referring to a package that isn't in the tree.
			id = crateindex.PackageID{Name: name, NameIsUnique: true}
		}
		r.Checker.AllowPermissions(crateindex.Primary(id), pkg.Allow)
	}
}

// noopProgress stands in for the onProgress callback when ScanPackages is
// given nil, as it is in tests and whenever stderr is not a terminal.
var noopProgress = func() {}

// ScanPackages pushes the problems derivable from package identity alone —
// missing build-script/proc-macro allowances — before cargo reaches the
// link step, so they surface on the first build rather than only after a
// failed link. It also marks every package present so CheckUnused can later
// tell "config exists but package isn't in the tree" from "config exists and
// package just hasn't used a permission yet". onProgress, if non-nil, is
// called once per package scanned, letting a caller drive a progress bar
// over a workspace with many dependencies.
func (r *Runner) ScanPackages(onProgress func()) {
	if onProgress == nil {
		onProgress = noopProgress
	}
	for _, id := range r.Index.PackageIDs() {
		r.Checker.ReportCrateUsed(crateindex.Primary(id))
		onProgress()
	}
	for _, id := range r.Index.PackagesWithBuildScripts() {
		if !r.Config.Pkg[id.Name].AllowBuildScripts {
			r.Store.Add(problem.NewUsesBuildScript(id))
		}
	}
	for _, id := range r.Index.ProcMacros() {
		if !r.Config.Pkg[id.Name].AllowProcMacro {
			r.Store.Add(problem.NewIsProcMacro(id))
		}
	}
}

// FinalizeUnusedConfig runs Checker.CheckUnused and pushes its findings as
// warning problems. Called once a build attempt has fully completed, so
// "unused" reflects the whole dependency graph having actually been linked.
func (r *Runner) FinalizeUnusedConfig() {
	unused := r.Checker.CheckUnused()
	for _, sel := range unused.UnknownCrates {
		r.Store.Add(problem.NewUnusedPackageConfig(sel.Pkg))
	}
	for crateName, apis := range unused.UnusedAllowAPI {
		r.Store.Add(problem.NewUnusedAllowAPI(crateName, apis))
	}
}

// HandleRequest answers one IPC request from a subprocess handler.
func (r *Runner) HandleRequest(ctx context.Context, req rpc.Request) (rpc.CanContinue, error) {
	if r.Store.Aborted() {
		return rpc.GiveUp, nil
	}
	switch req.Kind {
	case rpc.RequestRustc:
		return r.handleRustc(req)
	case rpc.RequestBuildScriptComplete:
		return r.handleBuildScriptComplete(req)
	case rpc.RequestUnsafeUsage:
		return r.handleUnsafeUsage(req)
	default:
		return rpc.GiveUp, fmt.Errorf("unrecognized request kind %q", req.Kind)
	}
}

// handleRustc attributes every symbol the link step's object inputs
// reference to a permission, records disallowed usage against the linked
// crate, and answers Proceed unless that crate now has a disallowed usage
// on record.
func (r *Runner) handleRustc(req rpc.Request) (rpc.CanContinue, error) {
	li := req.LinkInfo
	if li == nil {
		return rpc.GiveUp, fmt.Errorf("rustc request missing link info")
	}
	r.Checker.ReportCrateUsed(li.CrateSel)

	paths, err := attribution.PathsForObjects(r.Symbols, li.ObjectPaths)
	if err != nil {
		logger.Warn("reading object symbols", logger.String("crate", li.CrateSel.String()), logger.Err(err))
	}
	for _, parts := range paths {
		parts := parts
		r.Checker.PathUsed(li.CrateSel, parts, func() problem.Usage {
			return problem.Usage{Unknown: &problem.UnknownLocation{ObjectPath: li.OutputFile}}
		})
	}

	if usages, ok := r.Checker.DisallowedUsages(li.CrateSel); ok {
		r.Store.Add(problem.NewDisallowedAPIUsage(usages))
		return rpc.Deny, nil
	}
	return rpc.Proceed, nil
}

// handleUnsafeUsage records a DisallowedUnsafe problem. Reaching this
// handler at all means the rustc wrapper's -Funsafe-code flag rejected
// unsafe code the package wasn't allowlisted for, so every request here is
// itself a violation — there is no "allowed" case to check.
func (r *Runner) handleUnsafeUsage(req rpc.Request) (rpc.CanContinue, error) {
	if req.CrateSel == nil {
		return rpc.GiveUp, fmt.Errorf("unsafe usage request missing crate selector")
	}
	r.Checker.ReportCrateUsed(*req.CrateSel)
	r.Store.Add(problem.NewDisallowedUnsafe(*req.CrateSel, req.Usages))
	return rpc.Deny, nil
}

// handleBuildScriptComplete validates the script's captured cargo:
// directives against its package's allowlist, reporting whichever of a
// script failure or a disallowed directive comes first.
func (r *Runner) handleBuildScriptComplete(req rpc.Request) (rpc.CanContinue, error) {
	out := req.BuildScriptOutput
	if out == nil {
		return rpc.GiveUp, fmt.Errorf("build_script_complete request missing output")
	}
	sel := out.BuildScript
	r.Checker.ReportCrateUsed(sel)

	if out.Failed {
		r.Store.Add(problem.NewBuildScriptFailed(sel, out))
		return rpc.Deny, nil
	}

	allowed := r.Config.Pkg[sel.Pkg.Name].AllowBuildInstructions
	disallowed := proxy.ValidateBuildScriptDirectives(out.Stdout, allowed)
	if len(disallowed) > 0 {
		for _, instr := range disallowed {
			r.Store.Add(problem.NewDisallowedBuildInstruction(sel, strings.TrimPrefix(instr, "cargo:")))
		}
		return rpc.Deny, nil
	}
	return rpc.Proceed, nil
}

// ProposeEdits returns the candidate Edits for resolving p, the function
// DriverOverStore is constructed with. A problem kind with no sensible
// automated fix (an operational failure, or a license-policy decision that
// belongs in policy.licenses.yaml rather than the per-package table)
// returns nil, matching the loop's "no edits available" behavior.
func ProposeEdits(p problem.Problem, editor *configeditor.Editor) []configeditor.Edit {
	switch p.Kind {
	case problem.KindMissingConfiguration:
		return nil // the file must exist before an Editor can even be built

	case problem.KindUsesBuildScript:
		name := p.Package.Name
		return []configeditor.Edit{{
			Title: fmt.Sprintf("allow build script for %s", p.Package),
			Help:  "sets pkg." + name + ".allow_build_scripts = true",
			ApplyFunc: func(e *configeditor.Editor) error {
				e.SetPackageAllowBuildScripts(name, true)
				return nil
			},
		}}

	case problem.KindIsProcMacro:
		name := p.Package.Name
		return []configeditor.Edit{{
			Title: fmt.Sprintf("allow proc-macro %s", p.Package),
			Help:  "sets pkg." + name + ".allow_proc_macro = true",
			ApplyFunc: func(e *configeditor.Editor) error {
				e.SetPackageAllowProcMacro(name, true)
				return nil
			},
		}}

	case problem.KindDisallowedUnsafe:
		name := p.CrateSel.Pkg.Name
		return []configeditor.Edit{{
			Title: fmt.Sprintf("allow unsafe code in %s", p.CrateSel),
			Help:  "sets pkg." + name + ".allow_unsafe = true",
			ApplyFunc: func(e *configeditor.Editor) error {
				e.SetPackageAllowUnsafe(name, true)
				return nil
			},
		}}

	case problem.KindDisallowedAPIUsage:
		name := p.APIUsages.Crate.Pkg.Name
		perms := p.APIUsages.Permissions()
		return []configeditor.Edit{{
			Title: fmt.Sprintf("allow %s to use %s", p.APIUsages.Crate, strings.Join(perms, ", ")),
			Help:  "adds to pkg." + name + ".allow",
			ApplyFunc: func(e *configeditor.Editor) error {
				e.SetPackageAllow(name, unionStrings(e.Config.Pkg[name].Allow, perms))
				return nil
			},
		}}

	case problem.KindBuildScriptFailed:
		return nil

	case problem.KindDisallowedBuildInstruction:
		name := p.BuildScript.Pkg.Name
		return []configeditor.Edit{{
			Title: fmt.Sprintf("allow build instruction %s for %s", p.Instruction, p.BuildScript),
			Help:  "adds to pkg." + name + ".allow_build_instructions",
			ApplyFunc: func(e *configeditor.Editor) error {
				e.AddPackageAllowBuildInstruction(name, p.Instruction)
				return nil
			},
		}}

	case problem.KindUnusedPackageConfig:
		name := p.Package.Name
		return []configeditor.Edit{{
			Title: fmt.Sprintf("remove unused config for %s", p.Package),
			Help:  "deletes the pkg." + name + " table",
			ApplyFunc: func(e *configeditor.Editor) error {
				e.RemovePackage(name)
				return nil
			},
		}}

	case problem.KindUnusedAllowAPI:
		name := p.UnusedAllowCrateName
		return []configeditor.Edit{{
			Title: fmt.Sprintf("remove unused allow entries for %s", name),
			Help:  "drops " + strings.Join(p.UnusedAllowAPIs, ", ") + " from pkg." + name + ".allow",
			ApplyFunc: func(e *configeditor.Editor) error {
				e.SetPackageAllow(name, subtractStrings(e.Config.Pkg[name].Allow, p.UnusedAllowAPIs))
				return nil
			},
		}}

	case problem.KindSelectSandbox:
		return []configeditor.Edit{
			{
				Title: "use the bubblewrap sandbox",
				Help:  `sets sandbox.kind = "bubblewrap"`,
				ApplyFunc: func(e *configeditor.Editor) error {
					e.SetSandboxKind("bubblewrap")
					return nil
				},
			},
			{
				Title: "use the firejail sandbox",
				Help:  `sets sandbox.kind = "firejail"`,
				ApplyFunc: func(e *configeditor.Editor) error {
					e.SetSandboxKind("firejail")
					return nil
				},
			},
			{
				Title: "run build scripts unsandboxed",
				Help:  `sets sandbox.kind = "none"`,
				ApplyFunc: func(e *configeditor.Editor) error {
					e.SetSandboxKind("none")
					return nil
				},
			},
		}

	default:
		// KindMessage, KindDisallowedLicense, KindImportStdAPI,
		// KindAvailableAPI, KindPossibleExportedAPI: informational only, or
		// (license policy) resolved by hand-editing policy.licenses.yaml
		// rather than the per-package table this editor owns.
		return nil
	}
}

// unionStrings returns existing with every element of additions not already
// present appended, preserving existing's order.
func unionStrings(existing, additions []string) []string {
	have := make(map[string]bool, len(existing))
	for _, s := range existing {
		have[s] = true
	}
	out := append([]string(nil), existing...)
	for _, a := range additions {
		if !have[a] {
			have[a] = true
			out = append(out, a)
		}
	}
	return out
}

// subtractStrings returns existing with every element of remove dropped.
func subtractStrings(existing, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, s := range remove {
		drop[s] = true
	}
	var out []string
	for _, s := range existing {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}
