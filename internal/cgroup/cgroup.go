// Package cgroup confines processes with memory and CPU limits through the
// host's cgroup filesystem. Both the split v1 hierarchy (separate memory and
// cpu controllers) and the unified v2 hierarchy are supported.
//
// Apply is a sequence of independent writes, not a transaction: when a later
// step fails, earlier controllers stay configured with the process enrolled.
// The returned ApplyError lists what was completed so the caller can decide
// to terminate the process and Remove the scope.
package cgroup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/hyper/internal/logging"
)

// DefaultRoot is where the host mounts its cgroup filesystem.
const DefaultRoot = "/sys/fs/cgroup"

// Version identifies the cgroup hierarchy layout.
type Version int

const (
	VersionUnknown Version = 0
	V1             Version = 1
	V2             Version = 2
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return "unknown"
	}
}

// ParseVersion accepts "v1", "v2", "1", "2", or "" / "auto" for detection.
func ParseVersion(value string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "auto":
		return VersionUnknown, nil
	case "1", "v1":
		return V1, nil
	case "2", "v2":
		return V2, nil
	default:
		return VersionUnknown, fmt.Errorf("unknown cgroup version %q", value)
	}
}

// Limits are the per-instance resource ceilings.
type Limits struct {
	MemoryBytes int64
	CPUShares   int64
}

// Validate rejects zero or negative limits.
func (l Limits) Validate() error {
	if l.MemoryBytes <= 0 {
		return fmt.Errorf("memory limit must be positive, got %d", l.MemoryBytes)
	}
	if l.CPUShares <= 0 {
		return fmt.Errorf("cpu share must be positive, got %d", l.CPUShares)
	}
	return nil
}

// FS is the subset of filesystem operations the applier performs.
type FS interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(path string, data []byte) error
	// Remove deletes an empty directory.
	Remove(path string) error
}

// HostFS performs FS operations on the real filesystem.
type HostFS struct{}

func (HostFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (HostFS) WriteFile(path string, data []byte) error { return os.WriteFile(path, data, 0o644) }

func (HostFS) Remove(path string) error { return os.Remove(path) }

// ApplyError describes where Apply stopped.
type ApplyError struct {
	Scope string
	// Step is the write that failed, e.g. "cpu/hyper-web1/cpu.shares".
	Step string
	// Completed lists controllers fully configured before the failure.
	Completed []string
	Err       error
}

func (e *ApplyError) Error() string {
	msg := fmt.Sprintf("cgroup scope %s: %s: %v", e.Scope, e.Step, e.Err)
	if len(e.Completed) > 0 {
		msg += fmt.Sprintf(" (already configured: %s)", strings.Join(e.Completed, ", "))
	}
	return msg
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Applier writes limits into named scopes below Root.
type Applier struct {
	Root    string
	Version Version
	FS      FS
	Logger  *slog.Logger
}

// NewApplier returns an applier that operates on the host filesystem and
// detects the hierarchy version at root when version is VersionUnknown.
func NewApplier(root string, version Version, logger *slog.Logger) (*Applier, error) {
	if root == "" {
		root = DefaultRoot
	}
	if version == VersionUnknown {
		detected, err := DetectVersion(root)
		if err != nil {
			return nil, err
		}
		version = detected
	}
	return &Applier{
		Root:    root,
		Version: version,
		FS:      HostFS{},
		Logger:  logging.Ensure(logger).With("component", "cgroup", "version", version.String()),
	}, nil
}

// DetectVersion inspects the filesystem mounted at root.
func DetectVersion(root string) (Version, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return VersionUnknown, fmt.Errorf("statfs %s: %w", root, err)
	}
	switch int64(st.Type) {
	case unix.CGROUP2_SUPER_MAGIC:
		return V2, nil
	case unix.TMPFS_MAGIC, unix.CGROUP_SUPER_MAGIC:
		return V1, nil
	default:
		return VersionUnknown, fmt.Errorf("%s is not a cgroup filesystem (magic %#x)", root, st.Type)
	}
}

// ScopeName derives a scope name from an instance name. Characters outside
// [A-Za-z0-9_.-] are replaced so the name is a single path element.
func ScopeName(prefix, name string) string {
	var b strings.Builder
	for _, r := range prefix + name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	scope := strings.Trim(b.String(), ".")
	if scope == "" {
		return "instance"
	}
	return scope
}

// SharesToWeight converts v1 cpu.shares [2, 262144] to v2 cpu.weight [1, 10000].
func SharesToWeight(shares int64) int64 {
	if shares < 2 {
		shares = 2
	}
	if shares > 262144 {
		shares = 262144
	}
	return 1 + ((shares-2)*9999)/262142
}

// Apply creates (or reuses) scope, writes limits and enrolls pid.
func (a *Applier) Apply(scope string, pid int, limits Limits) error {
	if err := validScope(scope); err != nil {
		return err
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := limits.Validate(); err != nil {
		return err
	}

	logger := a.logger().With("scope", scope, "pid", pid)
	var err error
	switch a.Version {
	case V1:
		err = a.applyV1(scope, pid, limits)
	case V2:
		err = a.applyV2(scope, pid, limits)
	default:
		return fmt.Errorf("cgroup version %s not supported", a.Version)
	}
	if err != nil {
		return err
	}
	logger.Info("resource limits applied", "memory_bytes", limits.MemoryBytes, "cpu_shares", limits.CPUShares)
	return nil
}

func (a *Applier) applyV1(scope string, pid int, limits Limits) error {
	steps := []struct {
		controller string
		file       string
		value      int64
	}{
		{"memory", "memory.limit_in_bytes", limits.MemoryBytes},
		{"cpu", "cpu.shares", limits.CPUShares},
	}

	var completed []string
	for _, step := range steps {
		dir := filepath.Join(a.root(), step.controller, scope)
		if err := a.fs().MkdirAll(dir, 0o755); err != nil {
			return &ApplyError{Scope: scope, Step: "create " + step.controller, Completed: completed, Err: err}
		}
		if err := a.write(dir, step.file, step.value); err != nil {
			return &ApplyError{Scope: scope, Step: step.controller + "/" + step.file, Completed: completed, Err: err}
		}
		if err := a.write(dir, "cgroup.procs", int64(pid)); err != nil {
			return &ApplyError{Scope: scope, Step: step.controller + "/cgroup.procs", Completed: completed, Err: err}
		}
		completed = append(completed, step.controller)
	}
	return nil
}

func (a *Applier) applyV2(scope string, pid int, limits Limits) error {
	// Controllers must be delegated by the parent before the child can use them.
	if err := a.fs().WriteFile(filepath.Join(a.root(), "cgroup.subtree_control"), []byte("+memory +cpu")); err != nil {
		return &ApplyError{Scope: scope, Step: "enable controllers", Err: err}
	}

	dir := filepath.Join(a.root(), scope)
	if err := a.fs().MkdirAll(dir, 0o755); err != nil {
		return &ApplyError{Scope: scope, Step: "create scope", Err: err}
	}

	var completed []string
	if err := a.write(dir, "memory.max", limits.MemoryBytes); err != nil {
		return &ApplyError{Scope: scope, Step: "memory.max", Err: err}
	}
	completed = append(completed, "memory")
	if err := a.write(dir, "cpu.weight", SharesToWeight(limits.CPUShares)); err != nil {
		return &ApplyError{Scope: scope, Step: "cpu.weight", Completed: completed, Err: err}
	}
	completed = append(completed, "cpu")
	if err := a.write(dir, "cgroup.procs", int64(pid)); err != nil {
		return &ApplyError{Scope: scope, Step: "cgroup.procs", Completed: completed, Err: err}
	}
	return nil
}

// Remove deletes the scope directories. Directories that do not exist are
// skipped; a scope that still holds processes cannot be removed.
func (a *Applier) Remove(scope string) error {
	if err := validScope(scope); err != nil {
		return err
	}

	var errs []error
	for _, dir := range a.Paths(scope) {
		if err := a.fs().Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}
	if len(errs) == 0 {
		a.logger().Debug("scope removed", "scope", scope)
	}
	return errors.Join(errs...)
}

// Paths returns the directories that make up scope.
func (a *Applier) Paths(scope string) []string {
	if a.Version == V2 {
		return []string{filepath.Join(a.root(), scope)}
	}
	return []string{
		filepath.Join(a.root(), "memory", scope),
		filepath.Join(a.root(), "cpu", scope),
	}
}

func (a *Applier) write(dir, file string, value int64) error {
	return a.fs().WriteFile(filepath.Join(dir, file), []byte(strconv.FormatInt(value, 10)))
}

func (a *Applier) root() string {
	if a.Root == "" {
		return DefaultRoot
	}
	return a.Root
}

func (a *Applier) fs() FS {
	if a.FS == nil {
		return HostFS{}
	}
	return a.FS
}

func (a *Applier) logger() *slog.Logger {
	if a != nil && a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func validScope(scope string) error {
	if scope == "" || scope == "." || scope == ".." || strings.ContainsRune(scope, '/') {
		return fmt.Errorf("invalid scope name %q", scope)
	}
	return nil
}
