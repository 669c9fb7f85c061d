package emulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cochaviz/hyper/internal/logging"
)

// DiskProvisioner produces a disk image at path with a capacity of sizeGB.
type DiskProvisioner interface {
	CreateDisk(ctx context.Context, path string, sizeGB int) error
}

// QemuImgProvisioner creates qcow2 images with qemu-img.
type QemuImgProvisioner struct {
	// Binary is the qemu-img executable; "qemu-img" when empty.
	Binary string
	Logger *slog.Logger
}

// CreateDisk runs qemu-img create. An image already present at path is kept
// rather than overwritten.
func (p *QemuImgProvisioner) CreateDisk(ctx context.Context, path string, sizeGB int) error {
	if path == "" {
		return errors.New("disk image path is empty")
	}
	if sizeGB <= 0 {
		return fmt.Errorf("disk size must be positive, got %dG", sizeGB)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve disk image path %q: %w", path, err)
	}
	logger := logging.Ensure(p.Logger).With("disk_image", abs)

	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return fmt.Errorf("disk image path %q is a directory", abs)
		}
		logger.Info("reusing existing disk image", "size_bytes", info.Size())
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat disk image %q: %w", abs, err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create image directory for %q: %w", abs, err)
	}

	binary := p.Binary
	if binary == "" {
		binary = "qemu-img"
	}
	qemuImg, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("%s not found in PATH: %w", binary, err)
	}

	cmd := exec.CommandContext(ctx, qemuImg, "create", "-f", diskFormat(abs), abs, fmt.Sprintf("%dG", sizeGB))
	output, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.Remove(abs)
		return fmt.Errorf("create disk image with qemu-img: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	logger.Info("disk image created", "size_gb", sizeGB)
	return nil
}

func diskFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".raw", ".img":
		return "raw"
	default:
		return "qcow2"
	}
}
