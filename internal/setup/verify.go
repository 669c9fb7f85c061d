package setup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cochaviz/hyper/arch"
	"github.com/cochaviz/hyper/internal/cgroup"
	"github.com/cochaviz/hyper/internal/emulator"
)

// Requirements describes the host facilities to verify.
type Requirements struct {
	CgroupRoot    string
	CgroupVersion cgroup.Version
	Driver        emulator.Driver
	Arch          arch.Architecture
	// EmulatorBinary overrides the binary derived from Arch.
	EmulatorBinary string
	ImgBinary      string
	ConnectionURI  string
}

// Check is the outcome of one verification step.
type Check struct {
	Name   string
	Detail string
	Err    error
}

func (c Check) OK() bool { return c.Err == nil }

// Overridable in tests.
var (
	geteuid  = os.Geteuid
	nsDir    = "/proc/self/ns"
	lookPath = exec.LookPath
	// detectCgroup reports the hierarchy version mounted at root.
	detectCgroup = cgroup.DetectVersion
	checkLibvirt = emulator.CheckLibvirt
)

// Verify runs every check and reports all failures together.
func Verify(req Requirements) ([]Check, error) {
	logger := getLogger()

	checks := []Check{
		checkRoot(),
		checkCgroup(req),
		checkNamespaces(),
		checkCommand("disk tooling", defaultString(req.ImgBinary, "qemu-img")),
	}
	switch req.Driver {
	case emulator.DriverLibvirt:
		uri := defaultString(req.ConnectionURI, emulator.DefaultConnectionURI)
		checks = append(checks, Check{Name: "libvirt", Detail: uri, Err: checkLibvirt(uri)})
	default:
		a := req.Arch
		if a == "" {
			a = arch.Host()
		}
		checks = append(checks, checkCommand("emulator", defaultString(req.EmulatorBinary, a.EmulatorBinary())))
	}

	var errs []error
	for _, check := range checks {
		if check.OK() {
			logger.Info("host check passed", "check", check.Name, "detail", check.Detail)
			continue
		}
		logger.Warn("host check failed", "check", check.Name, "error", check.Err)
		errs = append(errs, fmt.Errorf("%s: %w", check.Name, check.Err))
	}
	return checks, errors.Join(errs...)
}

func checkRoot() Check {
	check := Check{Name: "privileges", Detail: fmt.Sprintf("euid %d", geteuid())}
	if geteuid() != 0 {
		check.Err = errors.New("run me as root")
	}
	return check
}

func checkCgroup(req Requirements) Check {
	root := defaultString(req.CgroupRoot, cgroup.DefaultRoot)
	check := Check{Name: "cgroup", Detail: root}

	detected, err := detectCgroup(root)
	if err != nil {
		check.Err = err
		return check
	}
	if req.CgroupVersion != cgroup.VersionUnknown && req.CgroupVersion != detected {
		check.Err = fmt.Errorf("configured %s but %s is mounted at %s", req.CgroupVersion, detected, root)
		return check
	}
	check.Detail = fmt.Sprintf("%s (%s)", root, detected)

	if detected == cgroup.V2 {
		data, err := os.ReadFile(filepath.Join(root, "cgroup.controllers"))
		if err != nil {
			check.Err = fmt.Errorf("read controllers: %w", err)
			return check
		}
		available := strings.Fields(string(data))
		var missing []string
		for _, want := range []string{"memory", "cpu"} {
			if !slices.Contains(available, want) {
				missing = append(missing, want)
			}
		}
		if len(missing) > 0 {
			check.Err = fmt.Errorf("controllers not available: %s", strings.Join(missing, ", "))
		}
	}
	return check
}

func checkNamespaces() Check {
	check := Check{Name: "namespaces", Detail: "pid mnt ipc net uts"}
	var missing []string
	for _, ns := range strings.Fields(check.Detail) {
		if _, err := os.Stat(filepath.Join(nsDir, ns)); err != nil {
			missing = append(missing, ns)
		}
	}
	if len(missing) > 0 {
		check.Err = fmt.Errorf("kernel lacks namespaces: %s", strings.Join(missing, ", "))
	}
	return check
}

func checkCommand(name, binary string) Check {
	check := Check{Name: name, Detail: binary}
	path, err := lookPath(binary)
	if err != nil {
		check.Err = fmt.Errorf("%s not found: %w", binary, err)
		return check
	}
	check.Detail = path
	return check
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
