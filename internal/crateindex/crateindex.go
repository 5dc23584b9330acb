// Package crateindex maps a Cargo workspace's dependency graph — as reported
// by `cargo metadata` — to stable package identifiers, install directories,
// and proc-macro/build-script metadata. It is the thing every other package
// in this module resolves "which package is this" through.
package crateindex

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/cargocap/cargocap/pkg/logger"
)

// PackageID is a dense handle identifying one resolved version of a Cargo
// package. The zero value is never valid on its own; use UnknownPackageID
// for "owning package could not be determined".
type PackageID struct {
	Name          string
	Version       *semver.Version
	NameIsUnique  bool
}

// UnknownPackageID is the distinguished sentinel for code whose owning
// package cannot be resolved.
var UnknownPackageID = PackageID{Name: ""}

// IsUnknown reports whether id is the sentinel unknown package.
func (id PackageID) IsUnknown() bool {
	return id.Name == ""
}

// CrateName returns the package name as it appears in linker/rustc symbols:
// dashes become underscores.
func (id PackageID) CrateName() string {
	if strings.Contains(id.Name, "-") {
		return strings.ReplaceAll(id.Name, "-", "_")
	}
	return id.Name
}

// String renders the display form used throughout problem messages: the bare
// name, with the version appended in brackets only when more than one
// version of that name is present in the dependency tree.
func (id PackageID) String() string {
	if id.IsUnknown() {
		return "<unknown>"
	}
	if id.NameIsUnique || id.Version == nil {
		return id.Name
	}
	return fmt.Sprintf("%s[%s]", id.Name, id.Version.String())
}

// Kind discriminates between a package's primary library/binary crate and
// its build script crate; both wrap the same PackageID but carry separate
// permission accounting in the Checker.
type Kind int

const (
	// KindPrimary selects the package's library or binary crate.
	KindPrimary Kind = iota
	// KindBuildScript selects the package's build.rs crate.
	KindBuildScript
)

// CrateSel identifies either the primary crate or the build script crate
// belonging to a package.
type CrateSel struct {
	Pkg  PackageID
	Kind Kind
}

// Primary returns a CrateSel for pkg's primary crate.
func Primary(pkg PackageID) CrateSel { return CrateSel{Pkg: pkg, Kind: KindPrimary} }

// BuildScript returns a CrateSel for pkg's build-script crate.
func BuildScript(pkg PackageID) CrateSel { return CrateSel{Pkg: pkg, Kind: KindBuildScript} }

// String renders e.g. "foo", "foo.build", or "foo[0.2.0].build".
func (c CrateSel) String() string {
	s := c.Pkg.String()
	if c.Kind == KindBuildScript {
		s += ".build"
	}
	return s
}

// PackageInfo holds everything known about one resolved package.
type PackageInfo struct {
	ID             PackageID
	Directory      string
	Description    string
	Documentation  string
	License        string
	CrateName      string
	BuildScriptName string
	IsProcMacro    bool
}

// Index is an immutable-after-construction map from cargo-metadata output to
// package identity. It is safe to share by reference across goroutines once
// built; nothing mutates it after New returns.
type Index struct {
	ManifestPath string

	byID        map[string]*PackageInfo // keyed by Name+Version string
	dirToID     map[string]PackageID    // directory -> PackageID, for path fallback
	nameToIDs   map[string][]PackageID  // name -> ascending-version PackageIDs

	mu sync.Mutex // guards nothing after New(); kept for defensive future mutation
}

// cargoMetadata mirrors the subset of `cargo metadata --format-version 1`
// JSON this package actually consumes. The full schema is owned by cargo
// itself; we only decode what we use.
type cargoMetadata struct {
	Packages []cargoPackage `json:"packages"`
}

type cargoPackage struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	License      string         `json:"license"`
	Description  string         `json:"description"`
	Documentation string        `json:"documentation"`
	ManifestPath string         `json:"manifest_path"`
	Targets      []cargoTarget  `json:"targets"`
}

type cargoTarget struct {
	Kind []string `json:"kind"`
}

// New runs `cargo metadata` in dir and builds an Index from its output.
func New(ctx context.Context, dir string) (*Index, error) {
	manifestPath := filepath.Join(dir, "Cargo.toml")
	cmd := exec.CommandContext(ctx, "cargo", "metadata", "--format-version", "1", "--manifest-path", manifestPath) // #nosec G204 -- manifestPath derived from caller-supplied workspace dir
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("cargo metadata failed: %w", err)
	}
	return parseMetadata(manifestPath, out)
}

// ParseMetadata builds an Index directly from `cargo metadata
// --format-version 1` JSON, bypassing the subprocess call New makes. Used by
// tests and by any caller that already has metadata output on hand (e.g.
// captured from a prior run).
func ParseMetadata(manifestPath string, data []byte) (*Index, error) {
	return parseMetadata(manifestPath, data)
}

func parseMetadata(manifestPath string, data []byte) (*Index, error) {
	var meta cargoMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse cargo metadata: %w", err)
	}

	idx := &Index{
		ManifestPath: manifestPath,
		byID:         make(map[string]*PackageInfo),
		dirToID:      make(map[string]PackageID),
		nameToIDs:    make(map[string][]PackageID),
	}

	nameCounts := make(map[string]int, len(meta.Packages))
	for _, p := range meta.Packages {
		nameCounts[p.Name]++
	}

	for _, p := range meta.Packages {
		version, err := semver.NewVersion(p.Version)
		if err != nil {
			logger.Warn("package has unparsable version, skipping semver ordering", logger.String("package", p.Name), logger.String("version", p.Version))
			version = nil
		}
		id := PackageID{
			Name:         p.Name,
			Version:      version,
			NameIsUnique: nameCounts[p.Name] == 1,
		}
		isProcMacro := false
		hasBuildScript := false
		for _, t := range p.Targets {
			for _, k := range t.Kind {
				switch k {
				case "proc-macro":
					isProcMacro = true
				case "custom-build":
					hasBuildScript = true
				}
			}
		}
		buildScriptName := ""
		if hasBuildScript {
			buildScriptName = "build_script_build"
		}
		dir := filepath.Dir(p.ManifestPath)
		info := &PackageInfo{
			ID:              id,
			Directory:       dir,
			Description:     p.Description,
			Documentation:   p.Documentation,
			License:         p.License,
			CrateName:       id.CrateName(),
			BuildScriptName: buildScriptName,
			IsProcMacro:     isProcMacro,
		}
		idx.byID[idKey(id)] = info
		idx.dirToID[dir] = id
		idx.nameToIDs[p.Name] = append(idx.nameToIDs[p.Name], id)
	}

	for name, ids := range idx.nameToIDs {
		sorted := append([]PackageID(nil), ids...)
		sort.Slice(sorted, func(i, j int) bool {
			vi, vj := sorted[i].Version, sorted[j].Version
			if vi == nil || vj == nil {
				return sorted[i].Name < sorted[j].Name
			}
			return vi.LessThan(vj)
		})
		idx.nameToIDs[name] = sorted
	}

	return idx, nil
}

func idKey(id PackageID) string {
	v := "?"
	if id.Version != nil {
		v = id.Version.String()
	}
	return id.Name + "@" + v
}

// MultipleVersionPkgNamesEnv is the environment variable name used to tell a
// subprocess which package names have more than one version present, so it
// can reconstruct PackageID.NameIsUnique without re-running cargo metadata.
const MultipleVersionPkgNamesEnv = "CACKLE_MULTIPLE_VERSION_PKG_NAMES"

// NonUniqueNames returns the comma-separated list of package names that have
// more than one version in the dependency tree, suitable for
// MultipleVersionPkgNamesEnv.
func (idx *Index) NonUniqueNames() string {
	var names []string
	for name, ids := range idx.nameToIDs {
		if len(ids) > 1 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// PackageInfo returns the info for id, if known.
func (idx *Index) PackageInfo(id PackageID) (*PackageInfo, bool) {
	info, ok := idx.byID[idKey(id)]
	return info, ok
}

// PackageIDs returns every package in the index, in unspecified order.
func (idx *Index) PackageIDs() []PackageID {
	ids := make([]PackageID, 0, len(idx.byID))
	for _, info := range idx.byID {
		ids = append(ids, info.ID)
	}
	return ids
}

// ProcMacros returns every package the index has marked as a proc-macro.
func (idx *Index) ProcMacros() []PackageID {
	var ids []PackageID
	for _, info := range idx.byID {
		if info.IsProcMacro {
			ids = append(ids, info.ID)
		}
	}
	return ids
}

// PackagesWithBuildScripts returns every package the index found a
// custom-build target for.
func (idx *Index) PackagesWithBuildScripts() []PackageID {
	var ids []PackageID
	for _, info := range idx.byID {
		if info.BuildScriptName != "" {
			ids = append(ids, info.ID)
		}
	}
	return ids
}

// NewestPackageIDWithName returns the highest-version PackageID for name, if
// any package with that name is present.
func (idx *Index) NewestPackageIDWithName(name string) (PackageID, bool) {
	ids := idx.nameToIDs[name]
	if len(ids) == 0 {
		return PackageID{}, false
	}
	return ids[len(ids)-1], true
}

// PackageIDForPath walks up from p looking for a directory that exactly
// matches a known package directory. This is a fallback used when a source
// file isn't mentioned in rustc's deps output (e.g. C sources pulled in by a
// build script); it cannot distinguish a package's build script from its
// library sources, so callers must treat the result as approximate.
func (idx *Index) PackageIDForPath(p string) (PackageID, bool) {
	dir := p
	for {
		if id, ok := idx.dirToID[dir]; ok {
			return id, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return PackageID{}, false
		}
		dir = parent
	}
}

// AddEnv injects MultipleVersionPkgNamesEnv into env, returning the updated
// slice, so subprocesses can rebuild PackageIDs consistently.
func (idx *Index) AddEnv(env []string) []string {
	return append(env, MultipleVersionPkgNamesEnv+"="+idx.NonUniqueNames())
}

// PackageIDFromEnv reconstructs a PackageID from the environment variables
// cargo sets for a rustc/linker/build-script invocation: CARGO_PKG_NAME,
// CARGO_PKG_VERSION, and MultipleVersionPkgNamesEnv (set by the driver via
// AddEnv). Each subprocess is a fresh OS process, so this is how identity
// survives the fork/exec boundary without passing opaque handles.
func PackageIDFromEnv(getenv func(string) string) (PackageID, error) {
	name := getenv("CARGO_PKG_NAME")
	if name == "" {
		return PackageID{}, fmt.Errorf("CARGO_PKG_NAME not set")
	}
	versionStr := getenv("CARGO_PKG_VERSION")
	version, err := semver.NewVersion(versionStr)
	if err != nil {
		return PackageID{}, fmt.Errorf("package %q has invalid version %q: %w", name, versionStr, err)
	}
	nonUnique := getenv(MultipleVersionPkgNamesEnv)
	nameIsUnique := true
	for _, n := range strings.Split(nonUnique, ",") {
		if n == name {
			nameIsUnique = false
			break
		}
	}
	return PackageID{Name: name, Version: version, NameIsUnique: nameIsUnique}, nil
}

// CrateSelFromEnv reconstructs a CrateSel the same way PackageIDFromEnv does,
// additionally inspecting CARGO_CRATE_NAME to tell a build script crate from
// the package's primary crate.
func CrateSelFromEnv(getenv func(string) string) (CrateSel, error) {
	pkg, err := PackageIDFromEnv(getenv)
	if err != nil {
		return CrateSel{}, err
	}
	if strings.HasPrefix(getenv("CARGO_CRATE_NAME"), "build_script_") {
		return BuildScript(pkg), nil
	}
	return Primary(pkg), nil
}
