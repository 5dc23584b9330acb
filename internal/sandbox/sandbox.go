// Package sandbox defines the interface through which build scripts are
// optionally run under an isolating wrapper, plus the concrete bubblewrap
// and firejail back-ends. The sandbox itself is out of scope for this
// tool's core logic (spec.md §1): this package only shells out to an
// already-installed sandboxing tool on the host.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
)

// Kind selects which sandbox back-end to use, mirroring the
// `sandbox.kind` config key.
type Kind string

const (
	KindNone       Kind = "none"
	KindBubblewrap Kind = "bubblewrap"
	KindFirejail   Kind = "firejail"
)

// Runner executes a build-script binary, optionally isolated, and returns
// its captured stdout/stderr.
type Runner interface {
	Run(ctx context.Context, path string, args []string, env []string) (stdout, stderr string, err error)
}

// New returns the Runner for kind.
func New(kind Kind) (Runner, error) {
	switch kind {
	case "", KindNone:
		return noneRunner{}, nil
	case KindBubblewrap:
		return bubblewrapRunner{}, nil
	case KindFirejail:
		return firejailRunner{}, nil
	default:
		return nil, fmt.Errorf("unknown sandbox kind %q", kind)
	}
}

// noneRunner runs the build script directly with no isolation, used when
// sandbox.kind = "none" (the default). New does not fall back to it when
// a sandboxing tool is missing from the host.
type noneRunner struct{}

func (noneRunner) Run(ctx context.Context, path string, args []string, env []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, path, args...) // #nosec G204 -- path is the package's own build script binary, produced by our earlier compile step
	cmd.Env = env
	var stdout, stderr bytesWriter
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// essentialSystemPaths are bind-mounted read-only into the bubblewrap
// sandbox so the build script can still resolve the toolchain and shared
// libraries it needs.
var essentialSystemPaths = []string{"/usr", "/lib", "/lib64", "/bin", "/etc/resolv.conf"}

// bubblewrapRunner runs the build script under `bwrap`, giving it a
// read-only view of the essential system paths, a fresh tmpfs at /tmp, and
// no network namespace sharing.
type bubblewrapRunner struct{}

func (bubblewrapRunner) Run(ctx context.Context, path string, args []string, env []string) (string, string, error) {
	bwrapArgs := []string{"--unshare-net", "--unshare-pid", "--die-with-parent", "--new-session"}
	for _, p := range essentialSystemPaths {
		bwrapArgs = append(bwrapArgs, "--ro-bind", p, p)
	}
	bwrapArgs = append(bwrapArgs, "--tmpfs", "/tmp", "--bind", path, path)
	bwrapArgs = append(bwrapArgs, path)
	bwrapArgs = append(bwrapArgs, args...)

	cmd := exec.CommandContext(ctx, "bwrap", bwrapArgs...) // #nosec G204 -- argv built from fixed flags plus our own computed paths
	cmd.Env = env
	var stdout, stderr bytesWriter
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// firejailRunner runs the build script under `firejail`, with networking
// disabled and a private /tmp.
type firejailRunner struct{}

func (firejailRunner) Run(ctx context.Context, path string, args []string, env []string) (string, string, error) {
	firejailArgs := []string{"--quiet", "--net=none", "--private-tmp", path}
	firejailArgs = append(firejailArgs, args...)

	cmd := exec.CommandContext(ctx, "firejail", firejailArgs...) // #nosec G204 -- argv built from fixed flags plus our own computed path
	cmd.Env = env
	var stdout, stderr bytesWriter
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// IsAvailable reports whether the named sandbox tool is on PATH.
func IsAvailable(kind Kind) bool {
	switch kind {
	case KindBubblewrap:
		_, err := exec.LookPath("bwrap")
		return err == nil
	case KindFirejail:
		_, err := exec.LookPath("firejail")
		return err == nil
	default:
		return true
	}
}

type bytesWriter struct{ data []byte }

func (b *bytesWriter) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bytesWriter) String() string { return string(b.data) }
