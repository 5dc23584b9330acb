/*
Copyright © 2025 3 Leaps <info@3leaps.com>
*/
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"

	"github.com/cargocap/cargocap/cmd"
	"github.com/cargocap/cargocap/internal/configeditor"
	"github.com/cargocap/cargocap/internal/crateindex"
	"github.com/cargocap/cargocap/internal/proxy"
	"github.com/cargocap/cargocap/internal/proxy/rpc"
	"github.com/cargocap/cargocap/internal/sandbox"
)

func main() {
	args := os.Args[1:]
	switch proxy.DetectMode(args, os.Getenv) {
	case proxy.ModeRustcWrapper:
		if err := runRustcWrapper(args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case proxy.ModeLinker:
		if err := proxy.RunLinker(args, os.Getenv); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case proxy.ModeBuildScript:
		os.Exit(runBuildScript(args))
	default:
		cmd.Execute()
	}
}

// runRustcWrapper loads the workspace policy to find out whether the
// package currently being compiled is allowed unsafe code, then delegates
// to proxy.RunRustcWrapper with that verdict.
func runRustcWrapper(args []string) error {
	selfExe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable path: %w", err)
	}

	allowUnsafe := false
	if configPath := os.Getenv(proxy.ConfigPathEnv); configPath != "" {
		if editor, err := configeditor.FromFile(configPath); err == nil {
			if sel, err := crateindex.CrateSelFromEnv(os.Getenv); err == nil {
				allowUnsafe = editor.Config.Pkg[sel.Pkg.Name].AllowUnsafe
			}
		}
	}

	return proxy.RunRustcWrapper(args, selfExe, allowUnsafe)
}

// runBuildScript runs the real build-script binary (shadow-copied aside by
// linkAndSubstituteBuildScript at link time) under the configured sandbox,
// reports its output back to the driver over IPC, and returns the process
// exit code: the script's own captured stdout is still echoed to our
// stdout afterward so cargo observes its `cargo:` directives.
func runBuildScript(args []string) int {
	selfExe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	realPath := selfExe + proxy.BuildScriptRealSuffix

	kind := sandbox.KindNone
	if configPath := os.Getenv(proxy.ConfigPathEnv); configPath != "" {
		if editor, err := configeditor.FromFile(configPath); err == nil {
			kind = sandbox.Kind(editor.Config.Sandbox.Kind)
		}
	}
	runner, err := sandbox.New(kind)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx := context.Background()
	out := proxy.RunBuildScript(realPath, args, func(path string, scriptArgs []string) (string, string, error) {
		return runner.Run(ctx, path, scriptArgs, os.Environ())
	})

	if sel, err := crateindex.CrateSelFromEnv(os.Getenv); err == nil {
		out.BuildScript = sel
	}

	socketPath := os.Getenv(proxy.SocketEnv)
	if socketPath == "" {
		fmt.Fprintln(os.Stderr, proxy.SocketEnv+" not set")
		return 1
	}
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer conn.Close()

	if err := rpc.WriteRequest(conn, rpc.NewBuildScriptCompleteRequest(out)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	resp, err := rpc.ReadResponse(bufio.NewReader(conn))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	fmt.Print(out.Stdout)
	if out.Stderr != "" {
		fmt.Fprint(os.Stderr, out.Stderr)
	}

	if resp.Result != rpc.Proceed || out.Failed {
		return 1
	}
	return 0
}
