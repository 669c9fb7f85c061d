// Package namespace implements the confinement backend: a shell running as
// the root of fresh PID, mount, IPC, network and UTS namespaces, held to
// memory and CPU limits through cgroups.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/hyper/internal/cgroup"
	"github.com/cochaviz/hyper/internal/instance"
	"github.com/cochaviz/hyper/internal/logging"
	"github.com/cochaviz/hyper/internal/process"
)

const (
	DefaultShell       = "/bin/bash"
	DefaultScopePrefix = "hyper-"
)

// CloneFlags are the namespaces every confined process tree is created in.
const CloneFlags = unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWIPC | unix.CLONE_NEWNET | unix.CLONE_NEWUTS

// The namespace root makes its mount tree private before replacing /proc so
// the host's /proc is left untouched.
const initScript = `mount --make-rprivate / && mount -t proc proc /proc && exec "$0" "$@"`

// LimitApplier places a process into a named resource scope.
type LimitApplier interface {
	Apply(scope string, pid int, limits cgroup.Limits) error
	Remove(scope string) error
}

// Options holds the host-wide confinement settings.
type Options struct {
	Shell     string
	ShellArgs []string
	// ScopePrefix is prepended to the instance name to form its cgroup scope.
	ScopePrefix string
	// RunDir receives per-instance console logs.
	RunDir      string
	GracePeriod time.Duration
	// Limits may be nil when the host has no usable cgroup hierarchy; Start
	// then fails with ErrResourceSetupFailed.
	Limits LimitApplier
	Logger *slog.Logger
}

var (
	_ instance.Backend   = (*Backend)(nil)
	_ instance.Limiter   = (*Backend)(nil)
	_ instance.Describer = (*Backend)(nil)
)

// Backend confines a single instance. Its configuration is fixed at creation.
type Backend struct {
	name   string
	cfg    instance.ConfinedConfig
	opts   Options
	scope  string
	logger *slog.Logger
}

func New(name string, cfg instance.ConfinedConfig, opts Options) *Backend {
	if opts.Shell == "" {
		opts.Shell = DefaultShell
		if opts.ShellArgs == nil {
			opts.ShellArgs = []string{"-i"}
		}
	}
	if opts.ScopePrefix == "" {
		opts.ScopePrefix = DefaultScopePrefix
	}
	return &Backend{
		name:   name,
		cfg:    cfg,
		opts:   opts,
		scope:  cgroup.ScopeName(opts.ScopePrefix, name),
		logger: logging.Ensure(opts.Logger).With("backend", "confined", "instance", name),
	}
}

func (b *Backend) Kind() instance.BackendKind {
	return instance.BackendConfined
}

// Scope returns the cgroup scope name of the instance.
func (b *Backend) Scope() string { return b.scope }

func (b *Backend) Ready() error {
	if err := b.limits().Validate(); err != nil {
		return fmt.Errorf("%w: %w", instance.ErrMissingInput, err)
	}
	if b.cfg.DiskPath == "" {
		return nil
	}
	info, err := os.Stat(b.cfg.DiskPath)
	if err != nil {
		return fmt.Errorf("%w: disk path: %w", instance.ErrMissingInput, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: disk path %q is not a directory", instance.ErrMissingInput, b.cfg.DiskPath)
	}
	return nil
}

func (b *Backend) Launch(_ context.Context) (instance.Handle, error) {
	shell, err := exec.LookPath(b.opts.Shell)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found: %w", instance.ErrLaunchFailed, b.opts.Shell, err)
	}

	args := append([]string{"-c", initScript, shell}, b.opts.ShellArgs...)
	cmd := exec.Command("/bin/sh", args...)
	cmd.Dir = b.cfg.DiskPath
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: CloneFlags}

	// An interactive shell exits on end of input, so its stdin is a pipe
	// kept open for the lifetime of the handle.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %w", instance.ErrLaunchFailed, err)
	}

	console, err := openConsoleLog(b.opts.RunDir, b.name)
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("%w: %w", instance.ErrLaunchFailed, err)
	}
	if console != nil {
		cmd.Stdout = console
		cmd.Stderr = console
		defer console.Close()
	}

	proc, err := process.Start(cmd, process.Options{
		GracePeriod: b.opts.GracePeriod,
		StopSignal:  unix.SIGHUP,
	})
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("%w: %w", instance.ErrLaunchFailed, err)
	}

	if err := bringUpLoopback(proc.PID()); err != nil {
		b.logger.Warn("loopback not configured", "pid", proc.PID(), "error", err)
	}
	b.logger.Info("confined process started", "pid", proc.PID(), "shell", shell, "cwd", b.cfg.DiskPath)
	return &handle{Process: proc, stdin: stdin}, nil
}

func (b *Backend) ApplyLimits(_ context.Context, pid int) error {
	if b.opts.Limits == nil {
		return fmt.Errorf("%w: no cgroup hierarchy available", instance.ErrResourceSetupFailed)
	}
	if err := b.opts.Limits.Apply(b.scope, pid, b.limits()); err != nil {
		return fmt.Errorf("%w: %w", instance.ErrResourceSetupFailed, err)
	}
	b.logger.Debug("resource limits applied", "scope", b.scope, "memory_bytes", b.cfg.MemoryLimit, "cpu_shares", b.cfg.CPUShare)
	return nil
}

func (b *Backend) ReleaseLimits(_ context.Context) error {
	if b.opts.Limits == nil {
		return nil
	}
	return b.opts.Limits.Remove(b.scope)
}

func (b *Backend) Describe() map[string]any {
	details := map[string]any{
		"memory_limit": b.cfg.MemoryLimit,
		"cpu_share":    b.cfg.CPUShare,
		"scope":        b.scope,
		"shell":        b.opts.Shell,
	}
	if b.cfg.DiskPath != "" {
		details["disk_path"] = b.cfg.DiskPath
	}
	return details
}

func (b *Backend) limits() cgroup.Limits {
	return cgroup.Limits{MemoryBytes: b.cfg.MemoryLimit, CPUShares: b.cfg.CPUShare}
}

type handle struct {
	*process.Process
	stdin io.Closer
}

// Stop ends input to the shell before signalling it.
func (h *handle) Stop(ctx context.Context) error {
	closeErr := h.stdin.Close()
	if err := h.Process.Stop(ctx); err != nil {
		return err
	}
	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return fmt.Errorf("close stdin: %w", closeErr)
	}
	return nil
}

func bringUpLoopback(pid int) error {
	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return fmt.Errorf("open network namespace of %d: %w", pid, err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("netlink handle: %w", err)
	}
	defer h.Close()

	lo, err := h.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("lookup lo: %w", err)
	}
	if err := h.LinkSetUp(lo); err != nil {
		return fmt.Errorf("bring lo up: %w", err)
	}
	return nil
}

func openConsoleLog(runDir, name string) (*os.File, error) {
	if runDir == "" {
		return nil, nil
	}
	dir := filepath.Join(runDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory %q: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "console.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open console log: %w", err)
	}
	return f, nil
}
