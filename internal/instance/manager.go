package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cochaviz/hyper/internal/logging"
)

// Manager is the registry of instances and the entry point for front-ends.
// It resolves names and checks existence; state transitions are serialized
// per instance, so operations on different names run in parallel.
type Manager struct {
	factory BackendFactory
	logger  *slog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewManager returns an empty registry building backends through factory.
func NewManager(factory BackendFactory, logger *slog.Logger) *Manager {
	if factory == nil {
		panic("instance: backend factory must not be nil")
	}
	return &Manager{
		factory:   factory,
		logger:    logging.Ensure(logger).With("component", "manager"),
		instances: make(map[string]*Instance),
	}
}

// Create registers a stopped instance under name. Creation-time preparation
// (disk provisioning for emulated instances) runs before Create returns; if
// it fails the instance stays registered and Start reports ErrNotReady.
func (m *Manager) Create(ctx context.Context, name string, cfg Config) (*Instance, error) {
	name = strings.TrimSpace(name)
	if err := ValidateName(name); err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}

	m.mu.RLock()
	_, exists := m.instances[name]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("create %s: %w", name, ErrAlreadyExists)
	}

	// Backends may inspect their inputs on construction, so the registry is
	// not locked while building one.
	id := uuid.NewString()
	backend, err := m.factory.NewBackend(id, name, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}

	m.mu.Lock()
	if _, exists := m.instances[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("create %s: %w", name, ErrAlreadyExists)
	}

	inst := newInstance(id, name, backend, m.logger)
	// Publish with the instance lock held so a concurrent Start waits for
	// preparation instead of seeing a half-built instance.
	inst.mu.Lock()
	m.instances[name] = inst
	m.mu.Unlock()
	defer inst.mu.Unlock()

	logger := m.logger.With("instance", name, "id", id, "kind", string(backend.Kind()))
	if preparer, ok := backend.(Preparer); ok {
		if err := preparer.Prepare(ctx); err != nil {
			logger.Error("instance registered without usable disk image", "error", err)
			return inst, nil
		}
	}
	logger.Info("instance created")
	return inst, nil
}

// ValidateName accepts names made of [A-Za-z0-9_.-] that do not start with a
// dot. Names become cgroup scopes and file names below the state directory,
// so each must map to one distinct path element.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required: %w", ErrMissingInput)
	}
	if name[0] == '.' {
		return fmt.Errorf("name %q must not start with a dot: %w", name, ErrMissingInput)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("name %q contains %q, allowed are letters, digits, '-', '_' and '.': %w", name, r, ErrMissingInput)
		}
	}
	return nil
}

// Get returns the instance registered under name.
func (m *Manager) Get(name string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return inst, nil
}

// Start starts the named instance.
func (m *Manager) Start(ctx context.Context, name string) error {
	inst, err := m.Get(name)
	if err != nil {
		return fmt.Errorf("start %w", err)
	}
	return inst.Start(ctx)
}

// Stop stops the named instance.
func (m *Manager) Stop(ctx context.Context, name string) error {
	inst, err := m.Get(name)
	if err != nil {
		return fmt.Errorf("stop %w", err)
	}
	return inst.Stop(ctx)
}

// Status reports whether the named instance is running.
func (m *Manager) Status(ctx context.Context, name string) (State, error) {
	inst, err := m.Get(name)
	if err != nil {
		return "", fmt.Errorf("status %w", err)
	}
	return inst.Status(ctx), nil
}

// Info returns a snapshot of the named instance.
func (m *Manager) Info(ctx context.Context, name string) (Info, error) {
	inst, err := m.Get(name)
	if err != nil {
		return Info{}, fmt.Errorf("inspect %w", err)
	}
	return inst.Info(ctx), nil
}

// SetBootMedium selects the boot medium of a stopped emulated instance.
func (m *Manager) SetBootMedium(ctx context.Context, name, path string) error {
	inst, err := m.Get(name)
	if err != nil {
		return fmt.Errorf("set boot medium %w", err)
	}
	return inst.SetBootMedium(ctx, path)
}

// List returns the names of all registered instances in lexical order.
func (m *Manager) List() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.instances))
	for name := range m.instances {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Shutdown stops every running instance concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			if err := inst.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(inst)
	}
	wg.Wait()

	if len(errs) > 0 {
		m.logger.Error("shutdown left instances unreconciled", "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}
