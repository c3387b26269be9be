package boot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otakit/otakit/internal/logger"
	"github.com/otakit/otakit/internal/plan"
)

var ErrDeviceNotFound = errors.New("partition device not found")

// Controller is the boot-control capability the core consumes: slot-to-device
// resolution plus marking a slot unbootable before it is overwritten.
type Controller interface {
	PartitionDevice(name string, slot plan.Slot) (string, error)
	MarkSlotUnbootable(slot plan.Slot) error
}

// PathController resolves devices by naming convention: partitions live under
// BaseDir as "<name>_<slot letter, lowercased>", e.g. root_a, kernel_b. This
// matches the by-partlabel layout used on A/B devices.
type PathController struct {
	BaseDir string
}

func NewPathController(baseDir string) *PathController {
	return &PathController{BaseDir: baseDir}
}

func (c *PathController) PartitionDevice(name string, slot plan.Slot) (string, error) {
	if slot == plan.InvalidSlot {
		return "", fmt.Errorf("%w: %s has no slot", ErrDeviceNotFound, name)
	}

	path := filepath.Join(c.BaseDir, fmt.Sprintf("%s_%s", name, strings.ToLower(slot.String())))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, path)
	}

	return path, nil
}

// MarkSlotUnbootable drops a flag file next to the slot's partitions. The
// bootloader integration that honors the flag is outside the core.
func (c *PathController) MarkSlotUnbootable(slot plan.Slot) error {
	if slot == plan.InvalidSlot {
		return errors.New("cannot mark invalid slot unbootable")
	}

	path := filepath.Join(c.BaseDir, fmt.Sprintf("unbootable_%s", strings.ToLower(slot.String())))
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("failed to mark slot %s unbootable: %w", slot, err)
	}

	logger.Infof("Marked slot %s unbootable", slot)

	return nil
}
