package backends

import (
	"errors"
	"testing"

	"github.com/cochaviz/hyper/internal/instance"
	"github.com/cochaviz/hyper/internal/logging"
)

func TestNewBackend(t *testing.T) {
	factory := &Factory{Logger: logging.Discard()}

	cases := []struct {
		name string
		cfg  instance.Config
		want instance.BackendKind
		err  error
	}{
		{
			name: "emulated",
			cfg:  instance.Config{Kind: instance.BackendEmulated, Emulated: &instance.EmulatedConfig{}},
			want: instance.BackendEmulated,
		},
		{
			name: "confined",
			cfg:  instance.Config{Kind: instance.BackendConfined, Confined: &instance.ConfinedConfig{MemoryLimit: 1, CPUShare: 1}},
			want: instance.BackendConfined,
		},
		{name: "missing emulated variant", cfg: instance.Config{Kind: instance.BackendEmulated}, err: instance.ErrMissingInput},
		{name: "missing confined variant", cfg: instance.Config{Kind: instance.BackendConfined}, err: instance.ErrMissingInput},
		{name: "missing kind", cfg: instance.Config{}, err: instance.ErrMissingInput},
		{name: "unknown kind", cfg: instance.Config{Kind: "container"}, err: instance.ErrMissingInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend, err := factory.NewBackend("id", "db1", tc.cfg)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("NewBackend() error = %v, want %v", err, tc.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBackend() error = %v", err)
			}
			if backend.Kind() != tc.want {
				t.Fatalf("Kind() = %q, want %q", backend.Kind(), tc.want)
			}
		})
	}
}
