// Package backends wires the isolation backends into an instance factory.
package backends

import (
	"fmt"
	"log/slog"

	"github.com/cochaviz/hyper/internal/emulator"
	"github.com/cochaviz/hyper/internal/instance"
	"github.com/cochaviz/hyper/internal/logging"
	"github.com/cochaviz/hyper/internal/namespace"
)

// Factory builds a backend for each new instance from the configuration
// variant selected by its kind.
type Factory struct {
	Emulator  emulator.Options
	Namespace namespace.Options
	Logger    *slog.Logger
}

var _ instance.BackendFactory = (*Factory)(nil)

func (f *Factory) NewBackend(id, name string, cfg instance.Config) (instance.Backend, error) {
	logger := logging.Ensure(f.Logger)

	switch cfg.Kind {
	case instance.BackendEmulated:
		if cfg.Emulated == nil {
			return nil, fmt.Errorf("%w: emulated configuration is required", instance.ErrMissingInput)
		}
		opts := f.Emulator
		if opts.Logger == nil {
			opts.Logger = logger
		}
		return emulator.New(id, name, *cfg.Emulated, opts)
	case instance.BackendConfined:
		if cfg.Confined == nil {
			return nil, fmt.Errorf("%w: confined configuration is required", instance.ErrMissingInput)
		}
		opts := f.Namespace
		if opts.Logger == nil {
			opts.Logger = logger
		}
		return namespace.New(name, *cfg.Confined, opts), nil
	case "":
		return nil, fmt.Errorf("%w: backend kind is required", instance.ErrMissingInput)
	default:
		return nil, fmt.Errorf("%w: unknown backend kind %q", instance.ErrMissingInput, cfg.Kind)
	}
}
