package emulator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/hyper/arch"
	"github.com/cochaviz/hyper/internal/instance"
	"github.com/cochaviz/hyper/internal/logging"
)

func TestQemuArgs(t *testing.T) {
	spec := machineSpec{
		ID:         "0b6c3e8e-6d1c-4a53-9d8e-1e0f6a1c2b3d",
		Name:       "db1",
		BootMedium: "/isos/a.iso",
		DiskImage:  "/images/db1.qcow2",
		DiskFormat: "qcow2",
		MemoryMB:   1024,
	}

	got := strings.Join(qemuArgs(spec, "kvm", true, []string{"-smp", "2"}), " ")
	want := "-name db1 -uuid 0b6c3e8e-6d1c-4a53-9d8e-1e0f6a1c2b3d -m 1024 -cdrom /isos/a.iso " +
		"-drive file=/images/db1.qcow2,format=qcow2 -enable-kvm -display none -smp 2"
	if got != want {
		t.Fatalf("qemuArgs() =\n%s\nwant\n%s", got, want)
	}

	if got := strings.Join(qemuArgs(spec, "tcg", false, nil), " "); !strings.HasSuffix(got, "-accel tcg") {
		t.Fatalf("qemuArgs(tcg) = %s, want -accel tcg suffix", got)
	}
}

func TestProvisionerCreatesAndReusesImage(t *testing.T) {
	stubQemuImg(t, 0)

	path := filepath.Join(t.TempDir(), "images", "db1.qcow2")
	provisioner := &QemuImgProvisioner{Logger: logging.Discard()}

	if err := provisioner.CreateDisk(context.Background(), path, 10); err != nil {
		t.Fatalf("CreateDisk() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "create -f qcow2 "+path+" 10G" {
		t.Fatalf("qemu-img invoked with %q", got)
	}

	if err := os.WriteFile(path, []byte("guest data"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	if err := provisioner.CreateDisk(context.Background(), path, 10); err != nil {
		t.Fatalf("second CreateDisk() error = %v", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "guest data" {
		t.Fatal("existing disk image was overwritten")
	}
}

func TestProvisionerRejectsInvalidSize(t *testing.T) {
	provisioner := &QemuImgProvisioner{}
	if err := provisioner.CreateDisk(context.Background(), filepath.Join(t.TempDir(), "x.qcow2"), 0); err == nil {
		t.Fatal("CreateDisk(size 0) error = nil, want error")
	}
}

func TestReadyChecksBootMediumThenDisk(t *testing.T) {
	stubQemuImg(t, 1)
	ctx := context.Background()

	backend, err := New("id", "db1", instance.EmulatedConfig{DiskSizeGB: 10}, testOptions(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := backend.Prepare(ctx); err == nil {
		t.Fatal("Prepare() error = nil with failing qemu-img")
	}

	if err := backend.Ready(); !errors.Is(err, instance.ErrMissingInput) {
		t.Fatalf("Ready() without boot medium = %v, want ErrMissingInput", err)
	}

	if err := backend.SetBootMedium(writeISO(t, "INSTALL")); err != nil {
		t.Fatalf("SetBootMedium() error = %v", err)
	}
	if err := backend.Ready(); !errors.Is(err, instance.ErrNotReady) {
		t.Fatalf("Ready() after failed provisioning = %v, want ErrNotReady", err)
	}
}

func TestNewRejectsMissingBootMedium(t *testing.T) {
	_, err := New("id", "db1", instance.EmulatedConfig{BootMedium: "/nonexistent/a.iso"}, testOptions(t))
	if !errors.Is(err, instance.ErrMissingInput) {
		t.Fatalf("New() error = %v, want ErrMissingInput", err)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	opts := testOptions(t)
	opts.Driver = "bochs"
	if _, err := New("id", "db1", instance.EmulatedConfig{}, opts); err == nil {
		t.Fatal("New() error = nil for unknown driver")
	}
}

func TestInspectBootMedium(t *testing.T) {
	medium, err := InspectBootMedium(writeISO(t, "DEBIAN_12"))
	if err != nil {
		t.Fatalf("InspectBootMedium() error = %v", err)
	}
	if medium.Label != "DEBIAN_12" {
		t.Fatalf("Label = %q, want DEBIAN_12", medium.Label)
	}

	corrupt := filepath.Join(t.TempDir(), "broken.iso")
	if err := os.WriteFile(corrupt, []byte("not an iso image"), 0o644); err != nil {
		t.Fatalf("write corrupt iso: %v", err)
	}
	if _, err := InspectBootMedium(corrupt); err == nil {
		t.Fatal("InspectBootMedium(corrupt) error = nil, want error")
	}

	raw := filepath.Join(t.TempDir(), "boot.img")
	if err := os.WriteFile(raw, []byte("raw"), 0o644); err != nil {
		t.Fatalf("write raw medium: %v", err)
	}
	if medium, err := InspectBootMedium(raw); err != nil || medium.Label != "" {
		t.Fatalf("InspectBootMedium(raw) = %+v, %v", medium, err)
	}
}

func TestRenderDomainXMLEscapesPaths(t *testing.T) {
	out, err := renderDomainXML(domainTemplateData{
		machineSpec: machineSpec{
			ID:         "uuid-1",
			Name:       "db<1>",
			Arch:       arch.X86_64,
			BootMedium: "/isos/a&b.iso",
			DiskImage:  "/images/db1.qcow2",
			DiskFormat: "qcow2",
			MemoryMB:   2048,
		},
		DomainType: "qemu",
	})
	if err != nil {
		t.Fatalf("renderDomainXML() error = %v", err)
	}
	for _, want := range []string{
		"<domain type='qemu'>",
		"<name>db&lt;1&gt;</name>",
		"<memory unit='MiB'>2048</memory>",
		"<source file='/isos/a&amp;b.iso'/>",
		"<type arch='x86_64'>hvm</type>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("domain XML missing %q:\n%s", want, out)
		}
	}
}

// Create db1 with a.iso and a 10 GB disk, start, observe, stop.
func TestEmulatedLifecycle(t *testing.T) {
	stubQemuImg(t, 0)
	argsFile := stubEmulator(t)
	ctx := context.Background()

	opts := testOptions(t)
	manager := instance.NewManager(instance.BackendFactoryFunc(func(id, name string, cfg instance.Config) (instance.Backend, error) {
		return New(id, name, *cfg.Emulated, opts)
	}), logging.Discard())

	iso := writeISO(t, "A")
	if _, err := manager.Create(ctx, "db1", instance.Config{
		Kind:     instance.BackendEmulated,
		Emulated: &instance.EmulatedConfig{BootMedium: iso, DiskSizeGB: 10},
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(opts.ImageDir, "db1.qcow2")); err != nil {
		t.Fatalf("disk image not provisioned: %v", err)
	}

	if err := manager.Start(ctx, "db1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if state, _ := manager.Status(ctx, "db1"); state != instance.StateRunning {
		t.Fatalf("Status() = %q, want running", state)
	}

	args := waitForFile(t, argsFile)
	for _, want := range []string{"-name db1", "-cdrom " + iso, "format=qcow2", "-m 1024"} {
		if !strings.Contains(args, want) {
			t.Fatalf("emulator args %q missing %q", args, want)
		}
	}

	if err := manager.Stop(ctx, "db1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if state, _ := manager.Status(ctx, "db1"); state != instance.StateStopped {
		t.Fatalf("Status() = %q, want stopped", state)
	}
	if _, err := os.Stat(filepath.Join(opts.RunDir, "db1", "console.log")); err != nil {
		t.Fatalf("console log missing: %v", err)
	}
}

func TestCreateKeepsImagesInsideImageDir(t *testing.T) {
	stubQemuImg(t, 0)
	ctx := context.Background()

	opts := testOptions(t)
	manager := instance.NewManager(instance.BackendFactoryFunc(func(id, name string, cfg instance.Config) (instance.Backend, error) {
		return New(id, name, *cfg.Emulated, opts)
	}), logging.Discard())

	_, err := manager.Create(ctx, "../../escape", instance.Config{
		Kind:     instance.BackendEmulated,
		Emulated: &instance.EmulatedConfig{DiskSizeGB: 10},
	})
	if !errors.Is(err, instance.ErrMissingInput) {
		t.Fatalf("Create(../../escape) error = %v, want ErrMissingInput", err)
	}

	escaped := filepath.Join(opts.ImageDir, "../../escape.qcow2")
	if _, err := os.Stat(escaped); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("disk image written outside image directory at %s: %v", escaped, err)
	}
	if _, err := os.Stat(opts.ImageDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("image directory touched by rejected create: %v", err)
	}
}

func TestLaunchFailsWithoutEmulatorBinary(t *testing.T) {
	stubQemuImg(t, 0)
	opts := testOptions(t)
	opts.Binary = "qemu-system-does-not-exist"

	backend, err := New("id", "db1", instance.EmulatedConfig{BootMedium: writeISO(t, "A")}, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := backend.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, err := backend.Launch(context.Background()); !errors.Is(err, instance.ErrLaunchFailed) {
		t.Fatalf("Launch() error = %v, want ErrLaunchFailed", err)
	}
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		Driver:      DriverQemu,
		Arch:        arch.X86_64,
		ImageDir:    filepath.Join(dir, "images"),
		RunDir:      filepath.Join(dir, "run"),
		GracePeriod: 5 * time.Second,
		Logger:      logging.Discard(),
	}
}

// stubQemuImg installs a qemu-img that records its arguments into the image
// path, or fails with exitCode when non-zero.
func stubQemuImg(t *testing.T, exitCode int) {
	t.Helper()

	script := `#!/bin/sh
echo "$@" > "$4"
`
	if exitCode != 0 {
		script = "#!/bin/sh\necho 'qemu-img: Could not create image' >&2\nexit 1\n"
	}
	installStub(t, "qemu-img", script)
}

// stubEmulator installs a qemu-system-x86_64 that records its arguments and
// stays alive until signalled.
func stubEmulator(t *testing.T) string {
	t.Helper()

	argsFile := filepath.Join(t.TempDir(), "qemu-args")
	t.Setenv("STUB_QEMU_ARGS", argsFile)
	installStub(t, "qemu-system-x86_64", `#!/bin/sh
echo "$@" > "$STUB_QEMU_ARGS"
exec sleep 30
`)
	return argsFile
}

func installStub(t *testing.T, name, script string) {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))
}

func writeISO(t *testing.T, label string) string {
	t.Helper()

	writer, err := iso9660.NewWriter()
	if err != nil {
		t.Fatalf("create iso writer: %v", err)
	}
	defer writer.Cleanup()

	if err := writer.AddFile(strings.NewReader("boot"), "README.TXT"); err != nil {
		t.Fatalf("add iso file: %v", err)
	}

	path := filepath.Join(t.TempDir(), "a.iso")
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create iso: %v", err)
	}
	defer out.Close()
	if err := writer.WriteTo(out, label); err != nil {
		t.Fatalf("write iso: %v", err)
	}
	return path
}

func waitForFile(t *testing.T, path string) string {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return strings.TrimSpace(string(data))
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s not written", path)
	return ""
}
