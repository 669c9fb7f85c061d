// Package process wraps host processes launched for instances. A Process is
// started in its own process group so that stopping it also reaches any
// children it forked.
package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultGracePeriod bounds how long Stop waits after SIGTERM before killing.
const DefaultGracePeriod = 10 * time.Second

// ErrGraceExpired reports that the process ignored SIGTERM for the whole
// grace period and had to be killed.
var ErrGraceExpired = errors.New("process did not exit within grace period")

// Options tunes a started process.
type Options struct {
	// GracePeriod is the wait between SIGTERM and SIGKILL. Zero means
	// DefaultGracePeriod.
	GracePeriod time.Duration
	// KillWait bounds the wait after SIGKILL. Zero means one second.
	KillWait time.Duration
	// StopSignal opens the graceful stop. Zero means SIGTERM.
	StopSignal unix.Signal
}

// Process is a running child process.
type Process struct {
	cmd  *exec.Cmd
	opts Options

	done    chan struct{}
	mu      sync.Mutex
	waitErr error
}

// Start launches cmd in a new process group and begins reaping it in the
// background.
func Start(cmd *exec.Cmd, opts Options) (*Process, error) {
	if cmd == nil {
		return nil, errors.New("command is nil")
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.KillWait <= 0 {
		opts.KillWait = time.Second
	}
	if opts.StopSignal == 0 {
		opts.StopSignal = unix.SIGTERM
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	p := &Process{
		cmd:  cmd,
		opts: opts,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// PID returns the host process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Alive reports whether the process has not been reaped yet.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the error from waiting on the process, valid after Done.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Stop sends the stop signal to the process group and waits for the exit. If the
// grace period or ctx ends first the group is killed and ErrGraceExpired is
// returned. Stopping an exited process returns nil.
func (p *Process) Stop(ctx context.Context) error {
	if !p.Alive() {
		return nil
	}

	if err := p.signal(p.opts.StopSignal); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %d: %w", p.PID(), err)
	}

	timer := time.NewTimer(p.opts.GracePeriod)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := p.signal(unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("%w: kill %d: %w", ErrGraceExpired, p.PID(), err)
	}
	select {
	case <-p.done:
		return fmt.Errorf("%w: killed %d", ErrGraceExpired, p.PID())
	case <-time.After(p.opts.KillWait):
		return fmt.Errorf("%w: %d still alive after SIGKILL", ErrGraceExpired, p.PID())
	}
}

func (p *Process) signal(sig unix.Signal) error {
	pid := p.PID()
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return unix.Kill(pid, sig)
		}
		return err
	}
	return nil
}
