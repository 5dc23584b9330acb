// Package proxy implements the build-graph interception driver: it runs
// `cargo build` with itself wired in as RUSTC_WRAPPER and linker, accepts
// IPC connections from the subprocesses cargo spawns, and dispatches each
// request to a RequestHandler that consults the Checker/problem store and
// answers Proceed/Deny/GiveUp.
package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cargocap/cargocap/internal/crateindex"
	"github.com/cargocap/cargocap/internal/proxy/rpc"
	"github.com/cargocap/cargocap/pkg/logger"
)

// Environment variable names the driver sets for subprocesses and that
// subprocess-mode handlers read back.
const (
	SocketEnv     = "CACKLE_SOCKET_PATH"
	ConfigPathEnv = "CACKLE_CONFIG_PATH"
	OrigLinkerEnv = "CACKLE_ORIG_LINKER"
)

// RequestHandler is supplied by the caller (normally something wiring the
// Checker and problem store together) to answer one IPC request. It must be
// safe for concurrent use: the driver calls it from one goroutine per
// inbound connection.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req rpc.Request) (rpc.CanContinue, error)
}

// BuildFailure wraps the captured stdout/stderr of a `cargo build` that
// exited non-zero with no problems reported — i.e. a failure unrelated to
// policy, surfaced to the user verbatim.
type BuildFailure struct {
	Stdout string
	Stderr string
}

func (e *BuildFailure) Error() string {
	return fmt.Sprintf("cargo build failed:\nstdout:\n%s\nstderr:\n%s", e.Stdout, e.Stderr)
}

// BuildOptions configures one invocation of InvokeCargoBuild.
type BuildOptions struct {
	WorkDir       string
	ConfigPath    string
	BuildFlags    []string
	Features      []string
	Target        string
	CaptureOutput bool
	// PollInterval is how often the accept loop polls the listener and
	// the cargo process when otherwise idle. Spec.md §5 requires
	// cargo-termination be noticed within ~10ms of occurring.
	PollInterval time.Duration
}

// DriverConfig configures InvokeCargoBuild. OrigLinker is the real linker
// path cargo would otherwise have invoked, so subprocess-mode linker
// handling can exec it on Proceed. Resolution itself is the CLI layer's job;
// here it's accepted as a pre-resolved string so the driver stays ignorant
// of toolchain discovery.
type DriverConfig struct {
	Options     BuildOptions
	OrigLinker  string
	CrateIndex  *crateindex.Index
	SelfExePath string
	Handler     RequestHandler
}

// InvokeCargoBuild runs `cargo build` under ctx with this binary wired in
// as RUSTC_WRAPPER and linker, accepting IPC connections on a Unix socket
// until cargo exits. When cargo exits non-zero it returns a *BuildFailure
// carrying the captured output if Options.CaptureOutput is set, and a
// wrapped "cargo build failed" error otherwise; it does not consult any
// problem store. It also returns any operational error the accept loop hit.
func InvokeCargoBuild(ctx context.Context, cfg DriverConfig) error {
	if cfg.Options.PollInterval <= 0 {
		cfg.Options.PollInterval = 10 * time.Millisecond
	}

	socketPath := filepath.Join(os.TempDir(), "cargocap-"+uuid.NewString()+".socket")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("binding ipc socket: %w", err)
	}
	defer os.Remove(socketPath)
	defer listener.Close()

	if ul, ok := listener.(*net.UnixListener); ok {
		_ = ul.SetDeadline(time.Time{})
	}

	args := []string{"build"}
	args = append(args, cfg.Options.BuildFlags...)
	if cfg.Options.Target != "" {
		args = append(args, "--target", cfg.Options.Target)
	}
	for _, feature := range cfg.Options.Features {
		args = append(args, "--features", feature)
	}

	cmd := exec.CommandContext(ctx, "cargo", args...) // #nosec G204 -- argv built entirely from our own config, no untrusted input
	cmd.Dir = cfg.Options.WorkDir
	cmd.Env = buildSubprocessEnv(cfg, socketPath)

	var stdoutBuf, stderrBuf safeBuffer
	if cfg.Options.CaptureOutput {
		cmd.Stdout = &stdoutBuf
		cmd.Stderr = &stderrBuf
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting cargo build: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	errCh := make(chan error, 16)

	watcher := startConfigWatcher(cfg.Options.ConfigPath)
	defer watcher.Close()

	cmdDone := make(chan error, 1)
	go func() { cmdDone <- cmd.Wait() }()

	ticker := time.NewTicker(cfg.Options.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-cmdDone:
			// Drain any handlers still finishing; their responses, if
			// any, are discarded once we return (the subprocess got a
			// GiveUp-equivalent from context cancellation, or simply
			// never mattered because cargo itself already moved on).
			_ = group.Wait()
			if waitErr != nil {
				if cfg.Options.CaptureOutput {
					return &BuildFailure{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
				}
				return fmt.Errorf("cargo build failed: %w", waitErr)
			}
			return nil

		case err := <-errCh:
			_ = cmd.Process.Kill()
			_ = group.Wait()
			return err

		case <-groupCtx.Done():
			// A handler goroutine failed; errCh will also carry the
			// reason, but don't block waiting for it forever.

		case <-ticker.C:
			if unixListener, ok := listener.(*net.UnixListener); ok {
				_ = unixListener.SetDeadline(time.Now().Add(cfg.Options.PollInterval))
			}
			conn, acceptErr := listener.Accept()
			if acceptErr != nil {
				continue // timeout or transient accept error; poll again
			}
			connID := uuid.New()
			group.Go(func() error {
				return handleConnection(groupCtx, conn, connID, cfg.Handler, errCh)
			})
		}
	}
}

// buildSubprocessEnv constructs the environment `cargo build` runs under,
// wiring this executable in as RUSTC_WRAPPER and as the
// x86_64-unknown-linux-gnu target linker, plus the driver-to-subprocess
// contract env vars.
func buildSubprocessEnv(cfg DriverConfig, socketPath string) []string {
	env := os.Environ()
	env = append(env,
		SocketEnv+"="+socketPath,
		ConfigPathEnv+"="+cfg.Options.ConfigPath,
		OrigLinkerEnv+"="+cfg.OrigLinker,
		"RUSTC_WRAPPER="+cfg.SelfExePath,
		"CARGO_TARGET_"+"X86_64_UNKNOWN_LINUX_GNU_LINKER="+cfg.SelfExePath,
	)
	if cfg.CrateIndex != nil {
		env = cfg.CrateIndex.AddEnv(env)
	}
	env = filterOutEnv(env, "CARGO_PKG_NAME")
	return env
}

// filterOutEnv drops every "key=..." entry for key, so our own invocation's
// CARGO_PKG_NAME doesn't leak into the subprocess environment and confuse
// CrateSelFromEnv when run during `go test` or similar.
func filterOutEnv(env []string, key string) []string {
	prefix := key + "="
	out := env[:0]
	for _, e := range env {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			continue
		}
		out = append(out, e)
	}
	return out
}

// handleConnection reads exactly one length-prefixed Request from conn,
// dispatches it to handler, and writes back the Response. Per spec.md §4.3,
// the contract is one request, one response per connection.
func handleConnection(ctx context.Context, conn net.Conn, connID uuid.UUID, handler RequestHandler, errCh chan<- error) error {
	defer conn.Close()

	logger.Debug("accepted ipc connection", logger.String("connection_id", connID.String()))

	reader := bufio.NewReader(conn)
	req, err := rpc.ReadRequest(reader)
	if err != nil {
		err = fmt.Errorf("reading request on connection %s: %w", connID, err)
		errCh <- err
		return err
	}

	result, err := handler.HandleRequest(ctx, req)
	if err != nil {
		err = fmt.Errorf("handling request %s: %w", req.ID, err)
		errCh <- err
		return err
	}

	logger.Debug("answering ipc request", logger.String("connection_id", connID.String()), logger.String("result", string(result)))

	if err := rpc.WriteResponse(conn, rpc.Response{ID: req.ID, Result: result}); err != nil {
		err = fmt.Errorf("writing response on connection %s: %w", connID, err)
		errCh <- err
		return err
	}
	return nil
}

// ConfigWatcher watches the config file for changes. InvokeCargoBuild starts
// one (via startConfigWatcher) for every build, `cargocap check` included,
// and closes it on return; nothing in this repository calls WaitForChange,
// so the watcher goroutine, while started, stays idle.
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	changed chan struct{}
}

func startConfigWatcher(configPath string) *ConfigWatcher {
	w, err := fsnotify.NewWatcher()
	cw := &ConfigWatcher{changed: make(chan struct{}, 1)}
	if err != nil {
		logger.Warn("could not start config file watcher", logger.Err(err))
		return cw
	}
	if err := w.Add(filepath.Dir(configPath)); err != nil {
		logger.Warn("could not watch config directory", logger.Err(err))
		w.Close()
		return cw
	}
	cw.watcher = w
	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == filepath.Clean(configPath) {
					select {
					case cw.changed <- struct{}{}:
					default:
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return cw
}

// WaitForChange blocks until the watched config file changes or ctx is
// cancelled.
func (cw *ConfigWatcher) WaitForChange(ctx context.Context) error {
	select {
	case <-cw.changed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the watcher goroutine.
func (cw *ConfigWatcher) Close() error {
	if cw.watcher == nil {
		return nil
	}
	return cw.watcher.Close()
}

// safeBuffer is a mutex-guarded bytes.Buffer-alike, since cmd.Stdout and
// cmd.Stderr are written from os/exec's own internal goroutines
// concurrently with this goroutine potentially reading it for diagnostics.
type safeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
