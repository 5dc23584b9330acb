// Package problem defines the closed set of policy violations and warnings
// a build run can surface, plus the ordered, mergeable list type that
// accumulates them. Every problem carries a severity and a deduplication key
// so the same underlying issue, observed from multiple subprocesses, is
// reported to the user exactly once.
package problem

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cargocap/cargocap/internal/crateindex"
)

// Severity distinguishes problems that block a build (Error) from ones that
// are merely surfaced (Warning).
type Severity int

const (
	// SeverityError blocks the build until resolved.
	SeverityError Severity = iota
	// SeverityWarning is informational only.
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "error"
}

// Kind discriminates the tagged variant. Keep this list closed: deduplication
// and severity both switch exhaustively on Kind, and an open-ended variant
// set would make that exhaustiveness unenforceable.
type Kind int

const (
	KindMessage Kind = iota
	KindMissingConfiguration
	KindUsesBuildScript
	KindDisallowedUnsafe
	KindIsProcMacro
	KindDisallowedAPIUsage
	KindBuildScriptFailed
	KindDisallowedBuildInstruction
	KindUnusedPackageConfig
	KindUnusedAllowAPI
	KindSelectSandbox
	KindImportStdAPI
	KindAvailableAPI
	KindPossibleExportedAPI
	KindDisallowedLicense
)

// SourceLocation pinpoints a usage within a source file.
type SourceLocation struct {
	Filename string
	Line     int
	Column   int // 0 if unknown
}

func (s SourceLocation) String() string {
	if s.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", s.Filename, s.Line+1, s.Column)
	}
	return fmt.Sprintf("%s:%d", s.Filename, s.Line+1)
}

// UnknownLocation is used when a usage can't be mapped back to source, e.g.
// a symbol reference coming from an object file with no debug info.
type UnknownLocation struct {
	ObjectPath string
}

func (u UnknownLocation) String() string {
	return fmt.Sprintf("<unknown location in %s>", u.ObjectPath)
}

// Usage is either a resolved SourceLocation or an UnknownLocation. Exactly
// one of the two fields is set.
type Usage struct {
	Source  *SourceLocation
	Unknown *UnknownLocation
	// DebugData carries extra diagnostic context (e.g. the symbol that was
	// being inlined through) that is useful for a human investigating a
	// report but must not participate in deduplication.
	DebugData string
}

func (u Usage) String() string {
	if u.Source != nil {
		return u.Source.String()
	}
	if u.Unknown != nil {
		return u.Unknown.String()
	}
	return "<unknown>"
}

// withoutDebugData returns a copy of u with DebugData cleared, used when
// computing deduplication keys.
func (u Usage) withoutDebugData() Usage {
	u.DebugData = ""
	return u
}

// ApiUsages groups observed usages of several permissions by one crate.
type ApiUsages struct {
	Crate    crateindex.CrateSel
	Usages   map[string][]Usage // permission name -> usages, in first-seen order
	permKeys []string           // insertion order of the Usages map keys
}

// NewApiUsages returns an empty, ready-to-use ApiUsages for sel.
func NewApiUsages(sel crateindex.CrateSel) ApiUsages {
	return ApiUsages{Crate: sel, Usages: make(map[string][]Usage)}
}

// Add records one usage of permission under this crate, preserving the
// first-seen order of permission names for stable display/dedup.
func (a *ApiUsages) Add(permission string, usage Usage) {
	if _, ok := a.Usages[permission]; !ok {
		a.permKeys = append(a.permKeys, permission)
	}
	a.Usages[permission] = append(a.Usages[permission], usage)
}

// Permissions returns the permission names in first-seen order.
func (a ApiUsages) Permissions() []string {
	return append([]string(nil), a.permKeys...)
}

func (a ApiUsages) String() string {
	perms := a.Permissions()
	if len(perms) == 1 {
		return fmt.Sprintf("`%s` uses API `%s`", a.Crate, perms[0])
	}
	return fmt.Sprintf("`%s` uses disallowed APIs: %s", a.Crate, strings.Join(perms, ", "))
}

// merge folds other's usages into a, concatenating usage lists for
// permissions present in both and appending any permission only in other,
// preserving a's existing order followed by other's new permissions.
func (a *ApiUsages) merge(other ApiUsages) {
	for _, perm := range other.permKeys {
		if _, ok := a.Usages[perm]; !ok {
			a.permKeys = append(a.permKeys, perm)
		}
		a.Usages[perm] = append(a.Usages[perm], other.Usages[perm]...)
	}
}

// BuildScriptOutput is the captured result of running a package's build
// script, forwarded from the subprocess handler to the driver.
type BuildScriptOutput struct {
	BuildScript crateindex.CrateSel
	Stdout      string
	Stderr      string
	// Failed records whether the script itself exited non-zero; a
	// build-script invocation still reports its output over IPC in that
	// case rather than failing the subprocess silently, so the driver can
	// surface a retryable BuildScriptFailed problem instead of just a bare
	// CargoBuildFailure.
	Failed bool
}

// AvailableAPI names a permission an API path belongs to, for "this package
// exports something matching a known API" warnings.
type AvailableAPI struct {
	Package crateindex.PackageID
	API     string
}

// PossibleExportedAPI flags a top-level module name that coincides with a
// known permission name, without being a confirmed usage.
type PossibleExportedAPI struct {
	Package crateindex.PackageID
	API     string
	Symbol  string
}

func (p PossibleExportedAPI) apiPath() string { return p.API }

// LicenseFinding is produced by the license & advisory policy evaluator, one
// per package with a problematic license or advisory hit.
type LicenseFinding struct {
	Package  crateindex.PackageID
	License  string
	Code     string
	Severity string // "error" or "warning"
	Message  string
}

// Problem is the tagged union of every policy violation or warning the tool
// can surface. Exactly one field corresponding to Kind is populated; callers
// should branch on Kind, not on which pointer is non-nil, since Message-only
// problems legitimately leave everything else zero.
type Problem struct {
	Kind Kind

	Message string // KindMessage

	ConfigPath string // KindMissingConfiguration

	Package crateindex.PackageID // KindUsesBuildScript, KindIsProcMacro, KindUnusedPackageConfig, KindImportStdAPI, KindSelectSandbox

	CrateSel crateindex.CrateSel // KindDisallowedUnsafe
	Usages   []Usage             // KindDisallowedUnsafe

	APIUsages ApiUsages // KindDisallowedAPIUsage

	BuildScript crateindex.CrateSel // KindBuildScriptFailed, KindDisallowedBuildInstruction
	Output      *BuildScriptOutput  // KindBuildScriptFailed
	Instruction string              // KindDisallowedBuildInstruction

	UnusedAllowCrateName string   // KindUnusedAllowAPI
	UnusedAllowAPIs      []string // KindUnusedAllowAPI

	AvailableAPI         *AvailableAPI         // KindAvailableAPI
	PossibleExportedAPI  *PossibleExportedAPI  // KindPossibleExportedAPI
	LicenseFinding       *LicenseFinding        // KindDisallowedLicense
}

// Message-only, config, and package-identity constructors. These mirror the
// tagged-variant constructors a Rust enum would give for free.

func NewMessage(msg string) Problem { return Problem{Kind: KindMessage, Message: msg} }

func NewMissingConfiguration(path string) Problem {
	return Problem{Kind: KindMissingConfiguration, ConfigPath: path}
}

func NewUsesBuildScript(pkg crateindex.PackageID) Problem {
	return Problem{Kind: KindUsesBuildScript, Package: pkg}
}

func NewDisallowedUnsafe(sel crateindex.CrateSel, usages []Usage) Problem {
	return Problem{Kind: KindDisallowedUnsafe, CrateSel: sel, Usages: usages}
}

func NewIsProcMacro(pkg crateindex.PackageID) Problem {
	return Problem{Kind: KindIsProcMacro, Package: pkg}
}

func NewDisallowedAPIUsage(usages ApiUsages) Problem {
	return Problem{Kind: KindDisallowedAPIUsage, APIUsages: usages}
}

func NewBuildScriptFailed(sel crateindex.CrateSel, out *BuildScriptOutput) Problem {
	return Problem{Kind: KindBuildScriptFailed, BuildScript: sel, Output: out}
}

func NewDisallowedBuildInstruction(sel crateindex.CrateSel, instruction string) Problem {
	return Problem{Kind: KindDisallowedBuildInstruction, BuildScript: sel, Instruction: instruction}
}

func NewUnusedPackageConfig(pkg crateindex.PackageID) Problem {
	return Problem{Kind: KindUnusedPackageConfig, Package: pkg}
}

func NewUnusedAllowAPI(crateName string, apis []string) Problem {
	return Problem{Kind: KindUnusedAllowAPI, UnusedAllowCrateName: crateName, UnusedAllowAPIs: apis}
}

func NewSelectSandbox(pkg crateindex.PackageID) Problem {
	return Problem{Kind: KindSelectSandbox, Package: pkg}
}

func NewImportStdAPI(pkg crateindex.PackageID) Problem {
	return Problem{Kind: KindImportStdAPI, Package: pkg}
}

func NewAvailableAPI(pkg crateindex.PackageID, api string) Problem {
	a := AvailableAPI{Package: pkg, API: api}
	return Problem{Kind: KindAvailableAPI, AvailableAPI: &a}
}

func NewPossibleExportedAPI(pkg crateindex.PackageID, api, symbol string) Problem {
	p := PossibleExportedAPI{Package: pkg, API: api, Symbol: symbol}
	return Problem{Kind: KindPossibleExportedAPI, PossibleExportedAPI: &p}
}

func NewDisallowedLicense(f LicenseFinding) Problem {
	return Problem{Kind: KindDisallowedLicense, LicenseFinding: &f}
}

// Severity classifies a Problem as Warning or Error. Only the variants that
// the original tool treats as informational are Warning; everything else
// blocks the build.
func (p Problem) Severity() Severity {
	switch p.Kind {
	case KindUnusedAllowAPI, KindUnusedPackageConfig, KindPossibleExportedAPI, KindAvailableAPI, KindImportStdAPI:
		return SeverityWarning
	case KindDisallowedLicense:
		if p.LicenseFinding != nil && p.LicenseFinding.Severity == "warning" {
			return SeverityWarning
		}
		return SeverityError
	default:
		return SeverityError
	}
}

// ShouldRetrySubprocess reports whether, after the user edits config to
// resolve this problem, the originating subprocess should be told to retry
// rather than simply unblocked going forward. Only problems detected
// synchronously inside a blocked subprocess (a failing build script, or
// disallowed-unsafe reported by the rustc wrapper before it execs rustc) need
// this; everything else is resolved for the *next* build, not the current
// blocked call.
func (p Problem) ShouldRetrySubprocess() bool {
	return p.Kind == KindBuildScriptFailed || p.Kind == KindDisallowedUnsafe
}

// PackageID returns the package this problem is attributed to, if any.
func (p Problem) PackageID() (crateindex.PackageID, bool) {
	switch p.Kind {
	case KindUsesBuildScript, KindIsProcMacro, KindUnusedPackageConfig, KindImportStdAPI, KindSelectSandbox:
		return p.Package, true
	case KindDisallowedUnsafe:
		return p.CrateSel.Pkg, true
	case KindDisallowedAPIUsage:
		return p.APIUsages.Crate.Pkg, true
	case KindBuildScriptFailed, KindDisallowedBuildInstruction:
		return p.BuildScript.Pkg, true
	case KindAvailableAPI:
		if p.AvailableAPI != nil {
			return p.AvailableAPI.Package, true
		}
	case KindPossibleExportedAPI:
		if p.PossibleExportedAPI != nil {
			return p.PossibleExportedAPI.Package, true
		}
	case KindDisallowedLicense:
		if p.LicenseFinding != nil {
			return p.LicenseFinding.Package, true
		}
	}
	return crateindex.PackageID{}, false
}

// DeduplicationKey returns a string uniquely identifying the identity of
// this problem for the purposes of collapsing repeated reports, excluding
// volatile details (debug data on usages, the specific symbol name on a
// possibly-exported-API warning) that can legitimately differ between
// otherwise-identical reports.
func (p Problem) DeduplicationKey() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|", p.Kind)
	switch p.Kind {
	case KindMessage:
		b.WriteString(p.Message)
	case KindMissingConfiguration:
		b.WriteString(p.ConfigPath)
	case KindUsesBuildScript, KindIsProcMacro, KindUnusedPackageConfig, KindImportStdAPI, KindSelectSandbox:
		b.WriteString(p.Package.String())
	case KindDisallowedUnsafe:
		b.WriteString(p.CrateSel.String())
	case KindDisallowedAPIUsage:
		b.WriteString(p.APIUsages.Crate.String())
		b.WriteString("|")
		perms := p.APIUsages.Permissions()
		sort.Strings(perms)
		b.WriteString(strings.Join(perms, ","))
	case KindBuildScriptFailed:
		b.WriteString(p.BuildScript.String())
	case KindDisallowedBuildInstruction:
		b.WriteString(p.BuildScript.String())
		b.WriteString("|")
		b.WriteString(p.Instruction)
	case KindUnusedAllowAPI:
		b.WriteString(p.UnusedAllowCrateName)
	case KindAvailableAPI:
		if p.AvailableAPI != nil {
			b.WriteString(p.AvailableAPI.Package.String())
			b.WriteString("|")
			b.WriteString(p.AvailableAPI.API)
		}
	case KindPossibleExportedAPI:
		if p.PossibleExportedAPI != nil {
			b.WriteString(p.PossibleExportedAPI.Package.String())
			b.WriteString("|")
			b.WriteString(p.PossibleExportedAPI.API)
		}
	case KindDisallowedLicense:
		if p.LicenseFinding != nil {
			b.WriteString(p.LicenseFinding.Package.String())
			b.WriteString("|")
			b.WriteString(p.LicenseFinding.Code)
		}
	}
	return b.String()
}

// String renders a one-line human-readable summary, matching the register
// of the rendered report (plain form; see StringVerbose for the
// location-including form used by the interactive loop's detail view).
func (p Problem) String() string {
	switch p.Kind {
	case KindMessage:
		return p.Message
	case KindMissingConfiguration:
		return fmt.Sprintf("missing configuration file: %s", p.ConfigPath)
	case KindUsesBuildScript:
		return fmt.Sprintf("package `%s` uses a build script", p.Package)
	case KindDisallowedUnsafe:
		return fmt.Sprintf("package `%s` uses unsafe code", p.CrateSel)
	case KindIsProcMacro:
		return fmt.Sprintf("package `%s` is a proc-macro", p.Package)
	case KindDisallowedAPIUsage:
		return p.APIUsages.String()
	case KindBuildScriptFailed:
		return fmt.Sprintf("build script for `%s` failed", p.BuildScript)
	case KindDisallowedBuildInstruction:
		return fmt.Sprintf("build script for `%s` emitted disallowed instruction `%s`", p.BuildScript, p.Instruction)
	case KindUnusedPackageConfig:
		return fmt.Sprintf("package `%s` has config but is not in the dependency tree", p.Package)
	case KindUnusedAllowAPI:
		return fmt.Sprintf("package `%s` allows unused APIs: %s", p.UnusedAllowCrateName, strings.Join(p.UnusedAllowAPIs, ", "))
	case KindSelectSandbox:
		return fmt.Sprintf("package `%s` runs a build script; select a sandbox", p.Package)
	case KindImportStdAPI:
		return fmt.Sprintf("package `%s` imports an optional std API", p.Package)
	case KindAvailableAPI:
		if p.AvailableAPI != nil {
			return fmt.Sprintf("package `%s` exports API `%s`", p.AvailableAPI.Package, p.AvailableAPI.API)
		}
	case KindPossibleExportedAPI:
		if p.PossibleExportedAPI != nil {
			return fmt.Sprintf("package `%s` has a module that looks like API `%s`", p.PossibleExportedAPI.Package, p.PossibleExportedAPI.API)
		}
	case KindDisallowedLicense:
		if p.LicenseFinding != nil {
			return fmt.Sprintf("package `%s` has disallowed license %q: %s", p.LicenseFinding.Package, p.LicenseFinding.License, p.LicenseFinding.Message)
		}
	}
	return "<unknown problem>"
}

// StringVerbose additionally renders source locations, matching the
// "alternate" formatting mode the interactive loop uses for a selected
// problem's detail view.
func (p Problem) StringVerbose() string {
	switch p.Kind {
	case KindDisallowedUnsafe:
		var b strings.Builder
		fmt.Fprintf(&b, "package `%s` uses unsafe code:\n", p.CrateSel)
		displayUsages(&b, p.Usages)
		return b.String()
	case KindBuildScriptFailed:
		var b strings.Builder
		fmt.Fprintf(&b, "build script for `%s` failed\n", p.BuildScript)
		if p.Output != nil {
			if p.Output.Stdout != "" {
				fmt.Fprintf(&b, "stdout:\n%s\n", p.Output.Stdout)
			}
			if p.Output.Stderr != "" {
				fmt.Fprintf(&b, "stderr:\n%s\n", p.Output.Stderr)
			}
		}
		return b.String()
	case KindDisallowedAPIUsage:
		var b strings.Builder
		b.WriteString(p.APIUsages.String())
		b.WriteString(":\n")
		for _, perm := range p.APIUsages.Permissions() {
			fmt.Fprintf(&b, "  %s:\n", perm)
			displayUsages(&b, p.APIUsages.Usages[perm])
		}
		return b.String()
	default:
		return p.String()
	}
}

// displayUsages groups usages by source filename (unknown-location usages
// sort last under a synthetic "<unknown>" bucket) and writes one indented
// line per usage.
func displayUsages(b *strings.Builder, usages []Usage) {
	byFile := make(map[string][]Usage)
	var files []string
	for _, u := range usages {
		key := "<unknown>"
		if u.Source != nil {
			key = u.Source.Filename
		}
		if _, ok := byFile[key]; !ok {
			files = append(files, key)
		}
		byFile[key] = append(byFile[key], u)
	}
	sort.Slice(files, func(i, j int) bool {
		if (files[i] == "<unknown>") != (files[j] == "<unknown>") {
			return files[j] == "<unknown>"
		}
		return files[i] < files[j]
	})
	for _, f := range files {
		fmt.Fprintf(b, "    %s:\n", f)
		for _, u := range byFile[f] {
			fmt.Fprintf(b, "      %s\n", u)
		}
	}
}
