package proxy

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/cargocap/cargocap/internal/linkinfo"
	"github.com/cargocap/cargocap/internal/problem"
	"github.com/cargocap/cargocap/internal/proxy/rpc"
)

// SubprocessMode discriminates which tool this executable is being asked to
// proxy for, determined by how cargo invoked it.
type SubprocessMode int

const (
	// ModeNone means this isn't a cargo-initiated subprocess invocation
	// at all; fall through to the ordinary CLI.
	ModeNone SubprocessMode = iota
	ModeRustcWrapper
	ModeLinker
	ModeBuildScript
)

// DetectMode inspects argv and the environment to determine which role
// cargo invoked this executable in. A RUSTC_WRAPPER invocation always gets
// the real rustc path as args[0]; a linker invocation is recognized by
// CACKLE_SOCKET_PATH being set together with no RUSTC_WRAPPER-style first
// argument looking like an rustc binary; a build-script invocation is
// recognized by this executable itself having been installed as the
// build-script's output binary (CARGO_MANIFEST_DIR and OUT_DIR both set, no
// "rustc" token).
func DetectMode(args []string, getenv func(string) string) SubprocessMode {
	if getenv(SocketEnv) == "" {
		return ModeNone
	}
	if len(args) > 0 && strings.Contains(args[0], "rustc") {
		return ModeRustcWrapper
	}
	if getenv("CARGO_MANIFEST_DIR") != "" && getenv("OUT_DIR") != "" {
		return ModeBuildScript
	}
	return ModeLinker
}

// RunRustcWrapper implements rustc-wrapper mode: it conditionally injects
// -Funsafe-code and always redirects the link step back to this executable,
// then execs the real rustc. realRustc is args[0] exactly as cargo invoked
// us (RUSTC_WRAPPER convention puts the wrapped tool's path first).
func RunRustcWrapper(args []string, selfExe string, allowUnsafe bool) error {
	if len(args) == 0 {
		return fmt.Errorf("rustc-wrapper mode invoked with no arguments")
	}
	realRustc := args[0]
	rustcArgs := append([]string(nil), args[1:]...)

	if !allowUnsafe {
		rustcArgs = append([]string{"-Funsafe-code"}, rustcArgs...)
	}
	rustcArgs = append(rustcArgs, "-C", "linker="+selfExe)

	return execTool(realRustc, rustcArgs)
}

// RunLinker implements linker mode: build a LinkInfo, ask the driver for a
// verdict over the IPC socket, and either exec the real linker or exit
// non-zero.
func RunLinker(args []string, getenv func(string) string) error {
	li, err := linkinfo.FromEnv(args, getenv)
	if err != nil {
		return fmt.Errorf("reconstructing link info: %w", err)
	}

	socketPath := getenv(SocketEnv)
	if socketPath == "" {
		return fmt.Errorf("%s not set", SocketEnv)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connecting to driver socket: %w", err)
	}
	defer conn.Close()

	req := rpc.NewRustcRequest(li)
	if err := rpc.WriteRequest(conn, req); err != nil {
		return fmt.Errorf("sending link request: %w", err)
	}

	resp, err := rpc.ReadResponse(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("reading driver response: %w", err)
	}

	switch resp.Result {
	case rpc.Proceed:
		origLinker := getenv(OrigLinkerEnv)
		if origLinker == "" {
			return fmt.Errorf("%s not set", OrigLinkerEnv)
		}
		if li.IsBuildScript() {
			return linkAndSubstituteBuildScript(origLinker, args, li.OutputFile)
		}
		return execTool(origLinker, args)
	case rpc.Deny:
		os.Exit(1)
		return nil
	case rpc.GiveUp:
		os.Exit(1)
		return nil
	default:
		return fmt.Errorf("unrecognized driver response %q", resp.Result)
	}
}

// allowedCargoDirectives is the set of `cargo:` build-script directive
// prefixes considered safe regardless of per-package config; anything else
// must appear in pkg.<name>.allow_build_instructions.
var allowedCargoDirectives = map[string]bool{
	"cargo:rerun-if-changed": true,
	"cargo:rerun-if-env-changed": true,
	"cargo:warning": true,
}

// ValidateBuildScriptDirectives scans a build script's captured stdout for
// `cargo:` lines and returns the ones not covered by allowedCargoDirectives
// or explicitly allowed for this package.
func ValidateBuildScriptDirectives(stdout string, allowed []string) []string {
	allowSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowSet["cargo:"+a] = true
	}

	var disallowed []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "cargo:") {
			continue
		}
		directive := line
		if idx := strings.Index(line, "="); idx != -1 {
			directive = line[:idx]
		}
		if allowedCargoDirectives[directive] || allowSet[directive] {
			continue
		}
		disallowed = append(disallowed, directive)
	}
	return disallowed
}

// BuildScriptRealSuffix is appended to a build script's linked output path
// to name the shadow copy linkAndSubstituteBuildScript moves the real
// binary to, freeing up the original path for our own executable.
const BuildScriptRealSuffix = ".cargocap-real"

// linkAndSubstituteBuildScript runs the real linker to produce the build
// script binary at output, then moves it aside and copies this executable
// into its place — "put our binary in place of the output for build
// scripts so that we can proxy them". The next time cargo runs output, it
// runs us; DetectMode recognizes the invocation as ModeBuildScript and the
// caller execs the shadow copy under the configured sandbox instead.
func linkAndSubstituteBuildScript(origLinker string, args []string, output string) error {
	if err := fallbackExec(origLinker, args); err != nil {
		return fmt.Errorf("linking build script: %w", err)
	}
	realPath := output + BuildScriptRealSuffix
	if err := os.Rename(output, realPath); err != nil {
		return fmt.Errorf("renaming real build script binary: %w", err)
	}
	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable path: %w", err)
	}
	if err := copyExecutable(selfExe, output); err != nil {
		return fmt.Errorf("installing proxy build script binary: %w", err)
	}
	return nil
}

func copyExecutable(src, dst string) error {
	data, err := os.ReadFile(src) // #nosec G304 -- src is our own running executable's resolved path
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o755) // #nosec G306 -- build-script proxy binary must be executable
}

// RunBuildScript implements the execution step of build-script mode: it runs
// the real build script binary (at realPath) through run and returns its
// captured output and whether it failed. Sandboxing is up to run; it does
// not validate cargo: directives or talk to the driver (main.go reports the
// result over IPC, and the driver-side runner validates the directives).
func RunBuildScript(realPath string, args []string, run func(string, []string) (stdout, stderr string, err error)) *problem.BuildScriptOutput {
	stdout, stderr, err := run(realPath, args)
	return &problem.BuildScriptOutput{Stdout: stdout, Stderr: stderr, Failed: err != nil}
}

// execTool replaces the current process image with path+args, the same way
// the original proxy execs the real rustc/linker rather than spawning a
// child and waiting on it — this preserves signal handling and exit codes
// exactly, and avoids doubling the process count under cargo's already
// sizeable parallelism.
func execTool(path string, args []string) error {
	argv := append([]string{path}, args...)
	return syscall.Exec(path, argv, os.Environ()) // #nosec G204 -- path originates from cargo's own RUSTC_WRAPPER/linker env contract
}

// fallbackExec runs path as a child process and waits, used where this
// process must carry on after the tool exits (linkAndSubstituteBuildScript
// runs the real linker this way); a variable so tests can substitute it.
var fallbackExec = func(path string, args []string) error {
	cmd := exec.Command(path, args...) // #nosec G204 -- path originates from cargo's own RUSTC_WRAPPER/linker env contract
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
