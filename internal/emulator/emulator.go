// Package emulator implements the full-machine emulation backend. An
// instance boots a qemu guest from a boot medium with a provisioned disk
// image, either as a direct qemu child process or as a transient libvirt
// domain.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/hyper/arch"
	"github.com/cochaviz/hyper/internal/instance"
	"github.com/cochaviz/hyper/internal/logging"
)

// Driver selects how the emulator is started.
type Driver string

const (
	DriverQemu    Driver = "qemu"
	DriverLibvirt Driver = "libvirt"
)

// Defaults applied when Options leave a field empty.
const (
	DefaultMemoryMB      = 1024
	DefaultDiskSizeGB    = 10
	DefaultConnectionURI = "qemu:///system"
)

// Options holds the host-wide emulator settings shared by every emulated
// instance.
type Options struct {
	Driver Driver
	Arch   arch.Architecture
	// Binary overrides the emulator executable derived from Arch.
	Binary string
	// Accel is "kvm", "tcg" or empty for qemu's default.
	Accel     string
	Headless  bool
	ExtraArgs []string

	MemoryMB          int
	DefaultDiskSizeGB int
	// ImageDir receives provisioned disk images as <name>.qcow2.
	ImageDir string
	// RunDir receives per-instance console logs.
	RunDir string

	ConnectionURI string
	GracePeriod   time.Duration

	Provisioner DiskProvisioner
	Logger      *slog.Logger
}

var (
	_ instance.Backend          = (*Backend)(nil)
	_ instance.Preparer         = (*Backend)(nil)
	_ instance.BootMediumSetter = (*Backend)(nil)
	_ instance.Describer        = (*Backend)(nil)
)

// Backend is the emulation backend of a single instance. Its methods are
// called with the owning instance's lock held.
type Backend struct {
	id     string
	name   string
	opts   Options
	logger *slog.Logger

	bootMedium BootMedium
	diskImage  string
	diskSizeGB int
	memoryMB   int
	diskErr    error

	launcher launcher
}

type machineSpec struct {
	ID         string
	Name       string
	Arch       arch.Architecture
	BootMedium string
	DiskImage  string
	DiskFormat string
	MemoryMB   int
}

type launcher interface {
	launch(ctx context.Context, spec machineSpec) (instance.Handle, error)
}

// New builds the backend for instance name from its configuration.
func New(id, name string, cfg instance.EmulatedConfig, opts Options) (*Backend, error) {
	if opts.Arch == "" {
		opts.Arch = arch.Host()
	}
	if opts.MemoryMB <= 0 {
		opts.MemoryMB = DefaultMemoryMB
	}
	if opts.DefaultDiskSizeGB <= 0 {
		opts.DefaultDiskSizeGB = DefaultDiskSizeGB
	}
	if opts.Provisioner == nil {
		opts.Provisioner = &QemuImgProvisioner{Logger: opts.Logger}
	}

	b := &Backend{
		id:         id,
		name:       name,
		opts:       opts,
		logger:     logging.Ensure(opts.Logger).With("backend", "emulated", "instance", name),
		diskImage:  strings.TrimSpace(cfg.DiskImage),
		diskSizeGB: cfg.DiskSizeGB,
		memoryMB:   cfg.MemoryMB,
	}
	if b.memoryMB <= 0 {
		b.memoryMB = opts.MemoryMB
	}
	if b.diskSizeGB <= 0 {
		b.diskSizeGB = opts.DefaultDiskSizeGB
	}

	if path := strings.TrimSpace(cfg.BootMedium); path != "" {
		medium, err := InspectBootMedium(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", instance.ErrMissingInput, err)
		}
		b.bootMedium = medium
	}

	switch opts.Driver {
	case "", DriverQemu:
		b.launcher = &qemuLauncher{opts: opts, logger: b.logger}
	case DriverLibvirt:
		b.launcher = &libvirtLauncher{opts: opts, logger: b.logger}
	default:
		return nil, fmt.Errorf("unknown emulator driver %q", opts.Driver)
	}
	return b, nil
}

func (b *Backend) Kind() instance.BackendKind {
	return instance.BackendEmulated
}

// Prepare provisions the disk image unless an existing one was configured.
// A failure is remembered and reported by Ready as ErrNotReady.
func (b *Backend) Prepare(ctx context.Context) error {
	if b.diskImage != "" {
		return nil
	}
	if b.opts.ImageDir == "" {
		b.diskErr = errors.New("image directory is not configured")
		return b.diskErr
	}

	path := filepath.Join(b.opts.ImageDir, b.name+".qcow2")
	if err := b.opts.Provisioner.CreateDisk(ctx, path, b.diskSizeGB); err != nil {
		b.diskErr = err
		return fmt.Errorf("provision disk image: %w", err)
	}
	b.diskImage = path
	b.diskErr = nil
	return nil
}

// Ready checks the boot medium first, then the disk image.
func (b *Backend) Ready() error {
	if b.bootMedium.Path == "" {
		return fmt.Errorf("%w: no boot medium selected", instance.ErrMissingInput)
	}
	if _, err := os.Stat(b.bootMedium.Path); err != nil {
		return fmt.Errorf("%w: boot medium: %w", instance.ErrMissingInput, err)
	}
	if b.diskErr != nil {
		return fmt.Errorf("%w: disk image creation failed: %w", instance.ErrNotReady, b.diskErr)
	}
	if b.diskImage == "" {
		return fmt.Errorf("%w: no disk image", instance.ErrMissingInput)
	}
	if _, err := os.Stat(b.diskImage); err != nil {
		return fmt.Errorf("%w: disk image: %w", instance.ErrMissingInput, err)
	}
	return nil
}

// SetBootMedium replaces the boot medium after validating it.
func (b *Backend) SetBootMedium(path string) error {
	medium, err := InspectBootMedium(path)
	if err != nil {
		return fmt.Errorf("%w: %w", instance.ErrMissingInput, err)
	}
	b.bootMedium = medium
	return nil
}

func (b *Backend) Launch(ctx context.Context) (instance.Handle, error) {
	spec := machineSpec{
		ID:         b.id,
		Name:       b.name,
		Arch:       b.opts.Arch,
		BootMedium: b.bootMedium.Path,
		DiskImage:  b.diskImage,
		DiskFormat: diskFormat(b.diskImage),
		MemoryMB:   b.memoryMB,
	}
	b.logger.Debug("launching emulator", "boot_medium", spec.BootMedium, "boot_label", b.bootMedium.Label, "disk_image", spec.DiskImage, "memory_mb", spec.MemoryMB)

	handle, err := b.launcher.launch(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", instance.ErrLaunchFailed, err)
	}
	return handle, nil
}

func (b *Backend) Describe() map[string]any {
	details := map[string]any{
		"driver":       string(b.driver()),
		"arch":         b.opts.Arch.String(),
		"memory_mb":    b.memoryMB,
		"disk_size_gb": b.diskSizeGB,
	}
	if b.bootMedium.Path != "" {
		details["boot_medium"] = b.bootMedium.Path
	}
	if b.bootMedium.Label != "" {
		details["boot_label"] = b.bootMedium.Label
	}
	if b.diskImage != "" {
		details["disk_image"] = b.diskImage
	}
	return details
}

func (b *Backend) driver() Driver {
	if b.opts.Driver == "" {
		return DriverQemu
	}
	return b.opts.Driver
}
