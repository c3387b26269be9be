package plan_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/otakit/otakit/internal/plan"
)

type mapResolver struct {
	devices map[string]string
}

func (r *mapResolver) PartitionDevice(name string, slot plan.Slot) (string, error) {
	path, ok := r.devices[fmt.Sprintf("%s_%s", name, slot)]
	if !ok {
		return "", errors.New("no device")
	}
	return path, nil
}

func samplePlan() plan.Plan {
	p := plan.New(false, true, "http://example.com/payload", 4096, []byte{1, 2, 3}, 128, "sig", "key")
	p.SourceSlot = 0
	p.TargetSlot = 1
	p.Partitions = []plan.Partition{
		{Name: "root", SourceSize: 2048, TargetSize: 2048, TargetHash: []byte{9}},
		{Name: "kernel", SourceSize: 512, TargetSize: 512},
	}
	return p
}

func TestNewDefaultsToInvalidSlots(t *testing.T) {
	p := plan.New(true, false, "u", 1, nil, 0, "", "")
	if p.SourceSlot != plan.InvalidSlot || p.TargetSlot != plan.InvalidSlot {
		t.Errorf("new plan should have invalid slots, got %s/%s", p.SourceSlot, p.TargetSlot)
	}
}

func TestSlotString(t *testing.T) {
	if plan.Slot(0).String() != "A" || plan.Slot(1).String() != "B" {
		t.Errorf("unexpected slot names: %s %s", plan.Slot(0), plan.Slot(1))
	}
	if plan.InvalidSlot.String() != "INVALID" {
		t.Errorf("invalid slot name: %s", plan.InvalidSlot)
	}
}

func TestEqual(t *testing.T) {
	a := samplePlan()
	b := samplePlan()
	if !a.Equal(b) {
		t.Fatal("identical plans should compare equal")
	}

	b.PayloadSize++
	if a.Equal(b) {
		t.Error("payload size difference should break equality")
	}

	b = samplePlan()
	b.Partitions[1].TargetHash = []byte{1}
	if a.Equal(b) {
		t.Error("partition hash difference should break equality")
	}

	// Equality is order-sensitive.
	b = samplePlan()
	b.Partitions[0], b.Partitions[1] = b.Partitions[1], b.Partitions[0]
	if a.Equal(b) {
		t.Error("reordered partitions should break equality")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := samplePlan()
	b := a.Clone()

	b.Partitions[0].SourceHash = []byte{42}
	b.PayloadHash[0] = 77

	if a.Partitions[0].SourceHash != nil {
		t.Error("mutating the clone leaked into the original's partitions")
	}
	if a.PayloadHash[0] == 77 {
		t.Error("mutating the clone leaked into the original's payload hash")
	}
}

func TestLoadPartitionsFromSlots(t *testing.T) {
	p := samplePlan()
	resolver := &mapResolver{devices: map[string]string{
		"root_A":   "/dev/root_a",
		"root_B":   "/dev/root_b",
		"kernel_A": "/dev/kernel_a",
		"kernel_B": "/dev/kernel_b",
	}}

	if err := p.LoadPartitionsFromSlots(resolver); err != nil {
		t.Fatalf("LoadPartitionsFromSlots error: %v", err)
	}

	if p.Partitions[0].SourcePath != "/dev/root_a" || p.Partitions[0].TargetPath != "/dev/root_b" {
		t.Errorf("root paths wrong: %q %q", p.Partitions[0].SourcePath, p.Partitions[0].TargetPath)
	}
	if p.Partitions[1].SourcePath != "/dev/kernel_a" || p.Partitions[1].TargetPath != "/dev/kernel_b" {
		t.Errorf("kernel paths wrong: %q %q", p.Partitions[1].SourcePath, p.Partitions[1].TargetPath)
	}
}

func TestLoadPartitionsFromSlotsInvalidSlotClearsPath(t *testing.T) {
	p := samplePlan()
	p.SourceSlot = plan.InvalidSlot
	p.Partitions[0].SourcePath = "stale"

	resolver := &mapResolver{devices: map[string]string{
		"root_B":   "/dev/root_b",
		"kernel_B": "/dev/kernel_b",
	}}

	if err := p.LoadPartitionsFromSlots(resolver); err != nil {
		t.Fatalf("LoadPartitionsFromSlots error: %v", err)
	}

	if p.Partitions[0].SourcePath != "" {
		t.Errorf("invalid source slot should clear path, got %q", p.Partitions[0].SourcePath)
	}
}

func TestLoadPartitionsFromSlotsReportsFirstError(t *testing.T) {
	p := samplePlan()
	resolver := &mapResolver{devices: map[string]string{
		// kernel resolves, root does not.
		"kernel_A": "/dev/kernel_a",
		"kernel_B": "/dev/kernel_b",
	}}

	if err := p.LoadPartitionsFromSlots(resolver); err == nil {
		t.Fatal("expected error for unresolvable root device")
	}

	// The resolvable partition was still filled in.
	if p.Partitions[1].SourcePath != "/dev/kernel_a" {
		t.Errorf("kernel should still resolve, got %q", p.Partitions[1].SourcePath)
	}
}
