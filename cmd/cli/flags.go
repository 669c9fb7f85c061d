package main

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cochaviz/hyper/internal/instance"
)

// parseSize reads a byte count with an optional binary K, M or G suffix.
func parseSize(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	multiplier := int64(1)
	switch suffix := strings.ToUpper(value[len(value)-1:]); suffix {
	case "K":
		multiplier = 1 << 10
	case "M":
		multiplier = 1 << 20
	case "G":
		multiplier = 1 << 30
	}
	if multiplier != 1 {
		value = value[:len(value)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", value)
	}
	if n > math.MaxInt64/multiplier || n < math.MinInt64/multiplier {
		return 0, fmt.Errorf("size %q overflows", value)
	}
	return n * multiplier, nil
}

// absPath resolves a user-supplied path against the CLI's working directory;
// the daemon runs elsewhere. Empty stays empty.
func absPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	return abs, nil
}

func resolveEmulatedPaths(cfg *instance.EmulatedConfig) error {
	var err error
	if cfg.BootMedium, err = absPath(cfg.BootMedium); err != nil {
		return fmt.Errorf("--boot-medium: %w", err)
	}
	if cfg.DiskImage, err = absPath(cfg.DiskImage); err != nil {
		return fmt.Errorf("--disk-image: %w", err)
	}
	return nil
}

func validateEmulated(cfg instance.EmulatedConfig) error {
	if cfg.DiskSizeGB <= 0 {
		return fmt.Errorf("%w: disk size must be positive, got %d", instance.ErrMissingInput, cfg.DiskSizeGB)
	}
	if cfg.MemoryMB < 0 {
		return fmt.Errorf("%w: memory must not be negative, got %d", instance.ErrMissingInput, cfg.MemoryMB)
	}
	return nil
}

func validateConfined(cfg instance.ConfinedConfig) error {
	if cfg.MemoryLimit <= 0 {
		return fmt.Errorf("%w: memory limit must be positive", instance.ErrMissingInput)
	}
	if cfg.CPUShare <= 0 {
		return fmt.Errorf("%w: cpu share must be positive", instance.ErrMissingInput)
	}
	return nil
}
