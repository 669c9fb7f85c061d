package cgroup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/hyper/internal/logging"
)

type memFS struct {
	dirs   map[string]bool
	files  map[string]string
	failOn map[string]error
}

func newMemFS() *memFS {
	return &memFS{
		dirs:   map[string]bool{},
		files:  map[string]string{},
		failOn: map[string]error{},
	}
}

func (f *memFS) MkdirAll(path string, _ os.FileMode) error {
	if err := f.failOn[path]; err != nil {
		return err
	}
	f.dirs[path] = true
	return nil
}

func (f *memFS) WriteFile(path string, data []byte) error {
	if err := f.failOn[path]; err != nil {
		return err
	}
	if filepath.Dir(path) != "/cg" && !f.dirs[filepath.Dir(path)] {
		return os.ErrNotExist
	}
	f.files[path] = string(data)
	return nil
}

func (f *memFS) Remove(path string) error {
	if !f.dirs[path] {
		return &os.PathError{Op: "remove", Path: path, Err: os.ErrNotExist}
	}
	delete(f.dirs, path)
	return nil
}

func newTestApplier(version Version, fs *memFS) *Applier {
	return &Applier{Root: "/cg", Version: version, FS: fs, Logger: logging.Discard()}
}

func TestApplyV1WritesBothControllers(t *testing.T) {
	fs := newMemFS()
	applier := newTestApplier(V1, fs)

	if err := applier.Apply("hyper-web1", 4242, Limits{MemoryBytes: 536870912, CPUShares: 512}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := map[string]string{
		"/cg/memory/hyper-web1/memory.limit_in_bytes": "536870912",
		"/cg/memory/hyper-web1/cgroup.procs":          "4242",
		"/cg/cpu/hyper-web1/cpu.shares":               "512",
		"/cg/cpu/hyper-web1/cgroup.procs":             "4242",
	}
	for path, value := range want {
		if got := fs.files[path]; got != value {
			t.Fatalf("%s = %q, want %q", path, got, value)
		}
	}
}

func TestApplyV1CPUFailureReportsCompletedMemory(t *testing.T) {
	fs := newMemFS()
	denied := errors.New("permission denied")
	fs.failOn["/cg/cpu/hyper-web1/cpu.shares"] = denied
	applier := newTestApplier(V1, fs)

	err := applier.Apply("hyper-web1", 77, Limits{MemoryBytes: 1 << 20, CPUShares: 512})
	var applyErr *ApplyError
	if !errors.As(err, &applyErr) {
		t.Fatalf("Apply() error = %v, want *ApplyError", err)
	}
	if !errors.Is(err, denied) {
		t.Fatalf("Apply() error does not wrap cause: %v", err)
	}
	if len(applyErr.Completed) != 1 || applyErr.Completed[0] != "memory" {
		t.Fatalf("Completed = %v, want [memory]", applyErr.Completed)
	}
	if !strings.Contains(applyErr.Step, "cpu.shares") {
		t.Fatalf("Step = %q, want cpu.shares", applyErr.Step)
	}
	if fs.files["/cg/memory/hyper-web1/cgroup.procs"] != "77" {
		t.Fatal("memory scope should stay configured after partial failure")
	}

	if err := applier.Remove("hyper-web1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if fs.dirs["/cg/memory/hyper-web1"] || fs.dirs["/cg/cpu/hyper-web1"] {
		t.Fatal("scope directories left behind after Remove")
	}
}

func TestApplyV2UnifiedScope(t *testing.T) {
	fs := newMemFS()
	applier := newTestApplier(V2, fs)

	if err := applier.Apply("hyper-web1", 9, Limits{MemoryBytes: 1024, CPUShares: 1024}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := fs.files["/cg/cgroup.subtree_control"]; got != "+memory +cpu" {
		t.Fatalf("subtree_control = %q", got)
	}
	if got := fs.files["/cg/hyper-web1/memory.max"]; got != "1024" {
		t.Fatalf("memory.max = %q, want 1024", got)
	}
	if got := fs.files["/cg/hyper-web1/cpu.weight"]; got != "39" {
		t.Fatalf("cpu.weight = %q, want 39", got)
	}
	if got := fs.files["/cg/hyper-web1/cgroup.procs"]; got != "9" {
		t.Fatalf("cgroup.procs = %q, want 9", got)
	}
	if paths := applier.Paths("hyper-web1"); len(paths) != 1 || paths[0] != "/cg/hyper-web1" {
		t.Fatalf("Paths() = %v", paths)
	}
}

func TestApplyRejectsInvalidInput(t *testing.T) {
	applier := newTestApplier(V1, newMemFS())

	testCases := []struct {
		name   string
		scope  string
		pid    int
		limits Limits
	}{
		{name: "empty scope", scope: "", pid: 1, limits: Limits{MemoryBytes: 1, CPUShares: 1}},
		{name: "nested scope", scope: "a/b", pid: 1, limits: Limits{MemoryBytes: 1, CPUShares: 1}},
		{name: "no pid", scope: "s", pid: 0, limits: Limits{MemoryBytes: 1, CPUShares: 1}},
		{name: "zero memory", scope: "s", pid: 1, limits: Limits{MemoryBytes: 0, CPUShares: 1}},
		{name: "negative cpu", scope: "s", pid: 1, limits: Limits{MemoryBytes: 1, CPUShares: -5}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := applier.Apply(tc.scope, tc.pid, tc.limits); err == nil {
				t.Fatal("Apply() error = nil, want error")
			}
		})
	}
}

func TestRemoveMissingScopeIsNoop(t *testing.T) {
	if err := newTestApplier(V1, newMemFS()).Remove("never-created"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
}

func TestScopeName(t *testing.T) {
	testCases := map[string]string{
		"web1":       "hyper-web1",
		"my vm/../x": "hyper-my_vm_.._x",
		"db.prod_01": "hyper-db.prod_01",
		"ünïcode":    "hyper-_n_code",
	}
	for in, want := range testCases {
		if got := ScopeName("hyper-", in); got != want {
			t.Fatalf("ScopeName(%q) = %q, want %q", in, got, want)
		}
	}
	if got := ScopeName("", ".."); got != "instance" {
		t.Fatalf("ScopeName(\"..\") = %q, want instance", got)
	}
}

func TestSharesToWeight(t *testing.T) {
	testCases := map[int64]int64{
		0:       1,
		2:       1,
		1024:    39,
		262144:  10000,
		1 << 30: 10000,
	}
	for shares, want := range testCases {
		if got := SharesToWeight(shares); got != want {
			t.Fatalf("SharesToWeight(%d) = %d, want %d", shares, got, want)
		}
	}
}

func TestParseVersion(t *testing.T) {
	for in, want := range map[string]Version{"": VersionUnknown, "auto": VersionUnknown, "v1": V1, "2": V2} {
		got, err := ParseVersion(in)
		if err != nil || got != want {
			t.Fatalf("ParseVersion(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseVersion("v3"); err == nil {
		t.Fatal("ParseVersion(v3) error = nil, want error")
	}
}
