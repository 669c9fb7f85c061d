package emulator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

// BootMedium describes the removable media an emulated machine boots from.
type BootMedium struct {
	Path string
	// Label is the ISO 9660 volume identifier, empty for non-ISO media.
	Label string
}

// InspectBootMedium checks that path is a readable file. Files with an .iso
// extension must also parse as ISO 9660 images.
func InspectBootMedium(path string) (BootMedium, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return BootMedium{}, fmt.Errorf("resolve boot medium %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return BootMedium{}, fmt.Errorf("stat boot medium: %w", err)
	}
	if info.IsDir() {
		return BootMedium{}, fmt.Errorf("boot medium %q is a directory", abs)
	}

	medium := BootMedium{Path: abs}
	if !strings.EqualFold(filepath.Ext(abs), ".iso") {
		return medium, nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return BootMedium{}, fmt.Errorf("open boot medium: %w", err)
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		return BootMedium{}, fmt.Errorf("read iso image %q: %w", abs, err)
	}
	if _, err := image.RootDir(); err != nil {
		return BootMedium{}, fmt.Errorf("read iso root directory %q: %w", abs, err)
	}
	label, err := image.Label()
	if err != nil {
		return BootMedium{}, fmt.Errorf("read iso volume label %q: %w", abs, err)
	}
	medium.Label = strings.TrimSpace(label)
	return medium, nil
}
