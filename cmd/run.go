package cmd

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cargocap/cargocap/internal/configeditor"
	"github.com/cargocap/cargocap/internal/crateindex"
	"github.com/cargocap/cargocap/internal/licensepolicy"
	"github.com/cargocap/cargocap/internal/problem"
	"github.com/cargocap/cargocap/internal/proxy"
	"github.com/cargocap/cargocap/internal/runner"
	"github.com/cargocap/cargocap/internal/store"
	"github.com/cargocap/cargocap/pkg/logger"
)

// enforcementRun is everything a `cargocap build`/`cargocap check` RunE
// needs after running cargo under enforcement: the accumulated problem
// store, the editor for any interactive follow-up, and whether cargo
// itself failed for reasons unrelated to policy.
type enforcementRun struct {
	Store      *store.Store
	Editor     *configeditor.Editor // nil when the policy file was missing
	BuildErr   error
	StartedAt  time.Time
	FinishedAt time.Time
}

// runEnforcement loads the workspace's policy file and dependency graph,
// runs `cargo build` with cargocap wired in as RUSTC_WRAPPER and linker, and
// returns the accumulated problems. A missing policy file is reported as a
// MissingConfiguration problem rather than a hard error, matching spec.md
// §4.7's "build is blocked, not crashed" framing.
func runEnforcement(cmd *cobra.Command, target string) (*enforcementRun, error) {
	startedAt := time.Now()
	configPath, _ := cmd.Flags().GetString("config")

	workDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	st := store.New()

	editor, err := configeditor.FromFile(configPath)
	if err != nil {
		st.Add(problem.NewMissingConfiguration(configPath))
		return &enforcementRun{Store: st, StartedAt: startedAt, FinishedAt: time.Now()}, nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	idx, err := crateindex.New(ctx, workDir)
	if err != nil {
		return nil, err
	}

	rn := runner.New(idx, st)
	rn.LoadConfig(editor.Config)
	rn.ScanPackages(scanProgress(idx))

	applyLicensePolicy(ctx, workDir, idx, st)

	selfExe, err := os.Executable()
	if err != nil {
		return nil, err
	}

	driverCfg := proxy.DriverConfig{
		Options: proxy.BuildOptions{
			WorkDir:    workDir,
			ConfigPath: configPath,
			BuildFlags: editor.Config.Common.BuildFlags,
			Features:   editor.Config.Common.Features,
			Target:     target,
		},
		OrigLinker:  resolveOrigLinker(),
		CrateIndex:  idx,
		SelfExePath: selfExe,
		Handler:     rn,
	}

	buildErr := proxy.InvokeCargoBuild(ctx, driverCfg)
	rn.FinalizeUnusedConfig()

	return &enforcementRun{
		Store:      st,
		Editor:     editor,
		BuildErr:   buildErr,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}, nil
}

// scanProgress returns a per-package callback driving a terminal progress
// bar over the workspace's dependency count, or nil when stderr isn't a
// terminal (a CI log gains nothing from carriage-return redraws).
func scanProgress(idx *crateindex.Index) func() {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	bar := pb.New(len(idx.PackageIDs()))
	bar.Output = os.Stderr
	bar.ShowTimeLeft = true
	bar.Prefix("scanning dependencies ")
	bar.Start()
	return func() {
		bar.Increment()
		if bar.Get() >= bar.Total {
			bar.Finish()
		}
	}
}

// applyLicensePolicy loads workDir/policy.licenses.yaml, if present, and
// feeds its findings into st, then separately runs `cargo deny check
// advisories` if that tool is installed. Both are additive, optional axes
// (spec.md's license/advisory non-goal is about vulnerability databases,
// not the forbidden-license list this evaluates), so their absence is
// silently skipped rather than reported.
func applyLicensePolicy(ctx context.Context, workDir string, idx *crateindex.Index, st *store.Store) {
	path := filepath.Join(workDir, "policy.licenses.yaml")
	if data, err := os.ReadFile(path); err == nil { // #nosec G304 -- fixed filename under the workspace the operator asked us to build
		policy, err := licensepolicy.LoadPolicy(data)
		if err != nil {
			logger.Warn("ignoring unparsable license policy", logger.String("path", path), logger.Err(err))
		} else {
			pkgs := make([]licensepolicy.PackageMetadata, 0, len(idx.PackageIDs()))
			for _, id := range idx.PackageIDs() {
				info, ok := idx.PackageInfo(id)
				if !ok {
					continue
				}
				// PublishedAt is left nil: cargocap has no registry
				// client wired in, so cooling-period checks are
				// skipped; forbidden-license checks still run against
				// cargo metadata's own license field.
				pkgs = append(pkgs, licensepolicy.PackageMetadata{Package: id, License: info.License})
			}
			findings := policy.Evaluate(pkgs, time.Now())
			st.AddAll(licensepolicy.ToProblems(findings))
		}
	}

	if licensepolicy.IsAvailable(ctx) {
		advisories, err := licensepolicy.RunAdvisoryCheck(ctx, workDir)
		if err != nil {
			logger.Warn("cargo-deny advisory check failed", logger.Err(err))
		} else {
			st.AddAll(advisories)
		}
	}
}

// resolveOrigLinker finds the real linker cargocap's own linker-mode
// invocation should exec on Proceed: CARGOCAP_ORIG_LINKER if set, else the
// first of cc/clang/gcc found on PATH.
func resolveOrigLinker() string {
	if l := os.Getenv("CARGOCAP_ORIG_LINKER"); l != "" {
		return l
	}
	for _, candidate := range []string{"cc", "clang", "gcc"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return path
		}
	}
	return "cc"
}
