package instance

import (
	"context"
	"time"
)

// State is derived from whether an instance holds a live process handle.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// BackendKind tags the isolation strategy chosen at creation time.
type BackendKind string

const (
	BackendEmulated BackendKind = "emulated"
	BackendConfined BackendKind = "confined"
)

// EmulatedConfig configures a full-machine emulation instance.
type EmulatedConfig struct {
	// BootMedium is mounted as removable media. It may be set after creation.
	BootMedium string `json:"boot_medium,omitempty" yaml:"boot_medium,omitempty"`
	// DiskImage points at an existing image. When empty, an image of
	// DiskSizeGB is provisioned at creation.
	DiskImage  string `json:"disk_image,omitempty" yaml:"disk_image,omitempty"`
	DiskSizeGB int    `json:"disk_size_gb,omitempty" yaml:"disk_size_gb,omitempty"`
	MemoryMB   int    `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
}

// ConfinedConfig configures a namespace-confined process tree.
type ConfinedConfig struct {
	DiskPath    string `json:"disk_path,omitempty" yaml:"disk_path,omitempty"`
	MemoryLimit int64  `json:"memory_limit" yaml:"memory_limit"`
	CPUShare    int64  `json:"cpu_share" yaml:"cpu_share"`
}

// Config is the backend configuration union; Kind selects which variant is
// read.
type Config struct {
	Kind     BackendKind     `json:"kind" yaml:"kind"`
	Emulated *EmulatedConfig `json:"emulated,omitempty" yaml:"emulated,omitempty"`
	Confined *ConfinedConfig `json:"confined,omitempty" yaml:"confined,omitempty"`
}

// Info is a point-in-time view of an instance.
type Info struct {
	Name      string      `json:"name"`
	ID        string      `json:"id"`
	Kind      BackendKind `json:"kind"`
	State     State       `json:"state"`
	PID       int         `json:"pid,omitempty"`
	StartedAt time.Time   `json:"started_at,omitzero"`
	// NotReady explains why Start would currently be refused.
	NotReady string         `json:"not_ready,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Handle is the running process of an instance.
type Handle interface {
	// PID returns the host process id, or 0 when the backend has none.
	PID() int
	// Alive reports whether the process is still running without blocking.
	Alive() bool
	// Stop requests graceful termination, escalating to a forced kill when
	// the grace period lapses, and waits for the process to exit.
	Stop(ctx context.Context) error
}

// Backend is the capability every isolation strategy provides.
type Backend interface {
	Kind() BackendKind
	// Ready reports ErrMissingInput or ErrNotReady when Launch would be
	// refused.
	Ready() error
	Launch(ctx context.Context) (Handle, error)
}

// Preparer is implemented by backends with a creation-time side effect.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Limiter is implemented by backends that confine the launched process.
// ApplyLimits is not transactional; ReleaseLimits must tolerate partially
// created scopes.
type Limiter interface {
	ApplyLimits(ctx context.Context, pid int) error
	ReleaseLimits(ctx context.Context) error
}

// BootMediumSetter is implemented by backends whose boot medium can be chosen
// after creation.
type BootMediumSetter interface {
	SetBootMedium(path string) error
}

// Describer is implemented by backends that contribute to Info.Details.
type Describer interface {
	Describe() map[string]any
}

// BackendFactory builds the backend for a new instance.
type BackendFactory interface {
	NewBackend(id, name string, cfg Config) (Backend, error)
}

// BackendFactoryFunc adapts a function to BackendFactory.
type BackendFactoryFunc func(id, name string, cfg Config) (Backend, error)

func (f BackendFactoryFunc) NewBackend(id, name string, cfg Config) (Backend, error) {
	return f(id, name, cfg)
}
