package emulator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/cochaviz/hyper/internal/instance"
	"github.com/cochaviz/hyper/internal/process"
)

type qemuLauncher struct {
	opts   Options
	logger *slog.Logger
}

func (l *qemuLauncher) launch(_ context.Context, spec machineSpec) (instance.Handle, error) {
	binary := l.opts.Binary
	if binary == "" {
		binary = spec.Arch.EmulatorBinary()
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", binary, err)
	}

	accel := l.opts.Accel
	if accel == "kvm" && !spec.Arch.Native() {
		l.logger.Warn("kvm unavailable for foreign architecture, using tcg", "arch", spec.Arch.String())
		accel = "tcg"
	}

	// The emulator outlives the request that started it, so it is not tied
	// to the request context.
	cmd := exec.Command(path, qemuArgs(spec, accel, l.opts.Headless, l.opts.ExtraArgs)...)
	console, err := openConsoleLog(l.opts.RunDir, spec.Name)
	if err != nil {
		return nil, err
	}
	if console != nil {
		cmd.Stdout = console
		cmd.Stderr = console
		defer console.Close()
	}

	proc, err := process.Start(cmd, process.Options{GracePeriod: l.opts.GracePeriod})
	if err != nil {
		return nil, err
	}
	l.logger.Info("emulator started", "pid", proc.PID(), "binary", path)
	return proc, nil
}

func qemuArgs(spec machineSpec, accel string, headless bool, extra []string) []string {
	args := []string{
		"-name", spec.Name,
		"-uuid", spec.ID,
		"-m", strconv.Itoa(spec.MemoryMB),
		"-cdrom", spec.BootMedium,
		"-drive", fmt.Sprintf("file=%s,format=%s", spec.DiskImage, spec.DiskFormat),
	}
	switch accel {
	case "":
	case "kvm":
		args = append(args, "-enable-kvm")
	default:
		args = append(args, "-accel", accel)
	}
	if headless {
		args = append(args, "-display", "none")
	}
	return append(args, extra...)
}

// openConsoleLog returns nil when no run directory is configured.
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
