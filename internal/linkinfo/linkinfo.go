// Package linkinfo reconstructs which package is being linked, its object
// inputs, and its output path from the argv/env a linker-mode invocation
// receives from cargo.
package linkinfo

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cargocap/cargocap/internal/crateindex"
)

// LinkInfo describes one link invocation: the crate being linked, the
// object/rlib inputs cargo passed on the command line, and the output file
// path.
type LinkInfo struct {
	CrateSel   crateindex.CrateSel
	ObjectPaths []string
	OutputFile string
}

// supportedExtensions are the argv entries linkinfo treats as object inputs
// worth attributing usage to; everything else on the linker command line
// (flags, search paths, response files) is ignored.
var supportedExtensions = []string{".o", ".rlib"}

func hasSupportedExtension(path string) bool {
	for _, ext := range supportedExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// FromEnv builds a LinkInfo from the linker's own argv (excluding argv[0])
// and an environment lookup function, mirroring what cargo hands a linker
// it has been told to invoke via `-C linker=<self>`.
func FromEnv(args []string, getenv func(string) string) (*LinkInfo, error) {
	sel, err := crateindex.CrateSelFromEnv(getenv)
	if err != nil {
		return nil, fmt.Errorf("reconstructing crate identity: %w", err)
	}

	var objectPaths []string
	for _, a := range args {
		if hasSupportedExtension(a) {
			objectPaths = append(objectPaths, a)
		}
	}

	output, err := outputFileFromArgs(args)
	if err != nil {
		return nil, err
	}

	return &LinkInfo{CrateSel: sel, ObjectPaths: objectPaths, OutputFile: output}, nil
}

// outputFileFromArgs scans argv for a literal "-o" and returns the next
// argument. A linker invocation with no "-o" is a malformed invocation we
// can't make sense of — it's an operational error (spec.md §8 "Linker argv
// with no -o -> operational error"), not a policy problem, so it isn't
// threaded through the Problem model.
func outputFileFromArgs(args []string) (string, error) {
	for i, a := range args {
		if a == "-o" {
			if i+1 >= len(args) {
				return "", fmt.Errorf("linker invocation has trailing -o with no output path")
			}
			return args[i+1], nil
		}
	}
	return "", fmt.Errorf("linker invocation has no -o argument")
}

// ObjectPathsUnder filters li.ObjectPaths to those whose absolute path lies
// under dir, used by the attribution pass to scope which objects belong to
// the local workspace versus the registry cache.
func (li *LinkInfo) ObjectPathsUnder(dir string) []string {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, p := range li.ObjectPaths {
		absP, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absDir, absP)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		out = append(out, p)
	}
	return out
}

// IsBuildScript reports whether this link invocation is building a build
// script binary rather than the package's primary crate.
func (li *LinkInfo) IsBuildScript() bool {
	return li.CrateSel.Kind == crateindex.KindBuildScript
}
