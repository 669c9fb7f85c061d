package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/hyper/internal/logging"
)

// Instance couples an identity with a backend and the process handle of its
// current run. All transitions hold mu, so Start and Stop never interleave
// on the same instance.
type Instance struct {
	name    string
	id      string
	backend Backend
	logger  *slog.Logger

	mu        sync.Mutex
	handle    Handle
	startedAt time.Time
}

func newInstance(id, name string, backend Backend, logger *slog.Logger) *Instance {
	return &Instance{
		name:    name,
		id:      id,
		backend: backend,
		logger:  logging.Ensure(logger).With("instance", name, "kind", string(backend.Kind())),
	}
}

// Name returns the registry key of the instance.
func (i *Instance) Name() string { return i.name }

// ID returns the unique id assigned at creation.
func (i *Instance) ID() string { return i.id }

// Kind returns the isolation backend of the instance.
func (i *Instance) Kind() BackendKind { return i.backend.Kind() }

// Start launches the instance. On any failure the instance stays stopped.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.backend.Ready(); err != nil {
		return fmt.Errorf("start %s: %w", i.name, err)
	}
	if i.runningLocked(ctx) {
		return fmt.Errorf("start %s: %w", i.name, ErrAlreadyRunning)
	}

	i.logger.Info("launching instance")
	handle, err := i.backend.Launch(ctx)
	if err != nil {
		i.logger.Error("launch failed", "error", err)
		return fmt.Errorf("start %s: %w", i.name, withKind(err, ErrLaunchFailed))
	}

	if limiter, ok := i.backend.(Limiter); ok {
		if err := limiter.ApplyLimits(ctx, handle.PID()); err != nil {
			i.logger.Warn("resource limits not applied, terminating unconfined process", "pid", handle.PID(), "error", err)
			rollbackErr := i.rollback(ctx, handle, limiter)
			return errors.Join(fmt.Errorf("start %s: %w", i.name, withKind(err, ErrResourceSetupFailed)), rollbackErr)
		}
	}

	i.handle = handle
	i.startedAt = time.Now().UTC()
	i.logger.Info("instance running", "pid", handle.PID())
	return nil
}

func (i *Instance) rollback(ctx context.Context, handle Handle, limiter Limiter) error {
	ctx = context.WithoutCancel(ctx)

	var errs []error
	if err := handle.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rollback %s: %w: %w", i.name, ErrTerminationFailed, err))
	}
	if err := limiter.ReleaseLimits(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rollback %s: release limits: %w", i.name, err))
	}
	if len(errs) > 0 {
		i.logger.Error("rollback incomplete", "error", errors.Join(errs...))
	} else {
		i.logger.Info("launch rolled back")
	}
	return errors.Join(errs...)
}

// Stop terminates the running process. The handle is dropped even when
// termination fails, so the error must be used to reconcile by hand.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.runningLocked(ctx) {
		return fmt.Errorf("stop %s: %w", i.name, ErrNotRunning)
	}

	handle := i.handle
	i.handle = nil
	i.startedAt = time.Time{}

	i.logger.Info("stopping instance", "pid", handle.PID())
	var stopErr error
	if err := handle.Stop(ctx); err != nil {
		i.logger.Error("termination did not complete", "pid", handle.PID(), "error", err)
		stopErr = fmt.Errorf("stop %s: %w: %w", i.name, ErrTerminationFailed, err)
	}
	i.releaseLocked(ctx)

	if stopErr == nil {
		i.logger.Info("instance stopped")
	}
	return stopErr
}

// Status reports the state of the instance, probing the process rather than
// trusting the stored handle.
func (i *Instance) Status(ctx context.Context) State {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.runningLocked(ctx) {
		return StateRunning
	}
	return StateStopped
}

// SetBootMedium selects the boot medium of a stopped instance.
func (i *Instance) SetBootMedium(ctx context.Context, path string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	setter, ok := i.backend.(BootMediumSetter)
	if !ok {
		return fmt.Errorf("set boot medium on %s: %s backend: %w", i.name, i.backend.Kind(), errors.ErrUnsupported)
	}
	if i.runningLocked(ctx) {
		return fmt.Errorf("set boot medium on %s: %w", i.name, ErrAlreadyRunning)
	}
	if err := setter.SetBootMedium(path); err != nil {
		return fmt.Errorf("set boot medium on %s: %w", i.name, err)
	}
	i.logger.Info("boot medium set", "path", path)
	return nil
}

// Info returns a snapshot of the instance.
func (i *Instance) Info(ctx context.Context) Info {
	i.mu.Lock()
	defer i.mu.Unlock()

	info := Info{
		Name:  i.name,
		ID:    i.id,
		Kind:  i.backend.Kind(),
		State: StateStopped,
	}
	if i.runningLocked(ctx) {
		info.State = StateRunning
		info.PID = i.handle.PID()
		info.StartedAt = i.startedAt
	}
	if err := i.backend.Ready(); err != nil {
		info.NotReady = err.Error()
	}
	if d, ok := i.backend.(Describer); ok {
		info.Details = d.Describe()
	}
	return info
}

// runningLocked reports whether the held handle is alive. A handle whose
// process exited on its own is reaped here.
func (i *Instance) runningLocked(ctx context.Context) bool {
	if i.handle == nil {
		return false
	}
	if i.handle.Alive() {
		return true
	}

	i.logger.Warn("instance process exited", "pid", i.handle.PID())
	// Stop on an exited handle only collects its exit status.
	if err := i.handle.Stop(ctx); err != nil {
		i.logger.Debug("collect exited process", "error", err)
	}
	i.handle = nil
	i.startedAt = time.Time{}
	i.releaseLocked(ctx)
	return false
}

func (i *Instance) releaseLocked(ctx context.Context) {
	limiter, ok := i.backend.(Limiter)
	if !ok {
		return
	}
	if err := limiter.ReleaseLimits(context.WithoutCancel(ctx)); err != nil {
		i.logger.Error("release resource limits", "error", err)
	}
}

func withKind(err, kind error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
