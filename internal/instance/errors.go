package instance

import "errors"

// Error kinds reported by the Manager and Instance operations. Failures are
// wrapped with fmt.Errorf("%w") so callers match them with errors.Is.
var (
	ErrAlreadyExists       = errors.New("instance already exists")
	ErrNotFound            = errors.New("instance not found")
	ErrAlreadyRunning      = errors.New("instance already running")
	ErrNotRunning          = errors.New("instance not running")
	ErrMissingInput        = errors.New("missing input")
	ErrNotReady            = errors.New("instance not ready")
	ErrLaunchFailed        = errors.New("launch failed")
	ErrResourceSetupFailed = errors.New("resource setup failed")
	ErrTerminationFailed   = errors.New("termination failed")
)

var codes = []struct {
	code string
	err  error
}{
	{"already_exists", ErrAlreadyExists},
	{"not_found", ErrNotFound},
	{"already_running", ErrAlreadyRunning},
	{"not_running", ErrNotRunning},
	{"missing_input", ErrMissingInput},
	{"not_ready", ErrNotReady},
	{"launch_failed", ErrLaunchFailed},
	{"resource_setup_failed", ErrResourceSetupFailed},
	{"termination_failed", ErrTerminationFailed},
}

// Code returns the wire code of the first error kind err matches, or "" when
// err is nil or none match.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// FromCode returns the error kind named by code, or nil if code is unknown.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// RemoteError carries a failure reported by the daemon. It keeps the remote
// message and unwraps to the matching error kind.
type RemoteError struct {
	Message string
	Kind    error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Kind
}
