// Package config loads the daemon configuration file.
//
// Default supplies every value; the YAML file, when present, is decoded on
// top of it so a file only needs the fields it changes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/hyper/arch"
	"github.com/cochaviz/hyper/internal/cgroup"
	"github.com/cochaviz/hyper/internal/emulator"
	"github.com/cochaviz/hyper/internal/instance"
	"github.com/cochaviz/hyper/internal/logging"
	"github.com/cochaviz/hyper/internal/namespace"
)

var (
	DefaultPath     = "/etc/hyper/config.yaml"
	DefaultSocket   = "/var/run/hyper/daemon.sock"
	DefaultStateDir = "/var/lib/hyper"
)

type Config struct {
	Socket    string `yaml:"socket"`
	StateDir  string `yaml:"state_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// StopTimeout is the grace period between the stop signal and a forced
	// kill, as a Go duration string.
	StopTimeout string `yaml:"stop_timeout"`

	Emulator  EmulatorConfig  `yaml:"emulator"`
	Namespace NamespaceConfig `yaml:"namespace"`

	// Instances are created when the daemon starts.
	Instances []InstanceConfig `yaml:"instances"`
}

type EmulatorConfig struct {
	Driver        string   `yaml:"driver"`
	Arch          string   `yaml:"arch"`
	Binary        string   `yaml:"binary"`
	ImgBinary     string   `yaml:"img_binary"`
	Accel         string   `yaml:"accel"`
	Headless      bool     `yaml:"headless"`
	ExtraArgs     []string `yaml:"extra_args"`
	MemoryMB      int      `yaml:"memory_mb"`
	DiskSizeGB    int      `yaml:"disk_size_gb"`
	ConnectionURI string   `yaml:"connection_uri"`
}

type NamespaceConfig struct {
	Shell     string   `yaml:"shell"`
	ShellArgs []string `yaml:"shell_args"`
	// CgroupRoot is the mount point of the cgroup filesystem.
	CgroupRoot string `yaml:"cgroup_root"`
	// CgroupVersion is "v1", "v2" or "auto".
	CgroupVersion string `yaml:"cgroup_version"`
	ScopePrefix   string `yaml:"scope_prefix"`
}

// InstanceConfig declares an instance by name and backend configuration.
type InstanceConfig struct {
	Name            string `yaml:"name"`
	instance.Config `yaml:",inline"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Socket:      DefaultSocket,
		StateDir:    DefaultStateDir,
		LogLevel:    "info",
		LogFormat:   string(logging.FormatText),
		StopTimeout: "10s",
		Emulator: EmulatorConfig{
			Driver:        string(emulator.DriverQemu),
			Accel:         "kvm",
			Headless:      true,
			MemoryMB:      emulator.DefaultMemoryMB,
			DiskSizeGB:    emulator.DefaultDiskSizeGB,
			ConnectionURI: emulator.DefaultConnectionURI,
		},
		Namespace: NamespaceConfig{
			Shell:         namespace.DefaultShell,
			ShellArgs:     []string{"-i"},
			CgroupRoot:    cgroup.DefaultRoot,
			CgroupVersion: "auto",
			ScopePrefix:   namespace.DefaultScopePrefix,
		},
	}
}

// Load reads path over the defaults. A missing file at DefaultPath yields
// the defaults; a missing file anywhere else is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		return cfg, cfg.Validate()
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that cannot be checked by decoding alone.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.GracePeriod(); err != nil {
		errs = append(errs, err)
	}
	if _, err := arch.Parse(c.Emulator.Arch); err != nil {
		errs = append(errs, err)
	}
	switch emulator.Driver(c.Emulator.Driver) {
	case "", emulator.DriverQemu, emulator.DriverLibvirt:
	default:
		errs = append(errs, fmt.Errorf("unknown emulator driver %q", c.Emulator.Driver))
	}
	if _, err := cgroup.ParseVersion(c.Namespace.CgroupVersion); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool, len(c.Instances))
	for i, decl := range c.Instances {
		name := strings.TrimSpace(decl.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("instances[%d]: name is required", i))
		case seen[name]:
			errs = append(errs, fmt.Errorf("instances[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
	}
	return errors.Join(errs...)
}

// GracePeriod parses StopTimeout.
func (c *Config) GracePeriod() (time.Duration, error) {
	if c.StopTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.StopTimeout)
	if err != nil {
		return 0, fmt.Errorf("stop_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("stop_timeout must not be negative, got %s", d)
	}
	return d, nil
}

func (c *Config) ImageDir() string { return filepath.Join(c.StateDir, "images") }

func (c *Config) RunDir() string { return filepath.Join(c.StateDir, "run") }

// EmulatorOptions converts the emulator section into backend options.
func (c *Config) EmulatorOptions(logger *slog.Logger) emulator.Options {
	a, _ := arch.Parse(c.Emulator.Arch)
	grace, _ := c.GracePeriod()
	return emulator.Options{
		Driver:            emulator.Driver(c.Emulator.Driver),
		Arch:              a,
		Binary:            c.Emulator.Binary,
		Accel:             c.Emulator.Accel,
		Headless:          c.Emulator.Headless,
		ExtraArgs:         c.Emulator.ExtraArgs,
		MemoryMB:          c.Emulator.MemoryMB,
		DefaultDiskSizeGB: c.Emulator.DiskSizeGB,
		ImageDir:          c.ImageDir(),
		RunDir:            c.RunDir(),
		ConnectionURI:     c.Emulator.ConnectionURI,
		GracePeriod:       grace,
		Provisioner:       &emulator.QemuImgProvisioner{Binary: c.Emulator.ImgBinary, Logger: logger},
		Logger:            logger,
	}
}

// NamespaceOptions converts the namespace section into backend options.
// limits may be nil when no cgroup hierarchy is usable.
func (c *Config) NamespaceOptions(limits namespace.LimitApplier, logger *slog.Logger) namespace.Options {
	grace, _ := c.GracePeriod()
	return namespace.Options{
		Shell:       c.Namespace.Shell,
		ShellArgs:   c.Namespace.ShellArgs,
		ScopePrefix: c.Namespace.ScopePrefix,
		RunDir:      c.RunDir(),
		GracePeriod: grace,
		Limits:      limits,
		Logger:      logger,
	}
}

// CgroupVersion returns the configured hierarchy version, VersionUnknown
// meaning detect.
func (c *Config) CgroupVersion() cgroup.Version {
	v, _ := cgroup.ParseVersion(c.Namespace.CgroupVersion)
	return v
}
