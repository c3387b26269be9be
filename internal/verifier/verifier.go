package verifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/otakit/otakit/internal/errors"
	"github.com/otakit/otakit/internal/filesystem"
	"github.com/otakit/otakit/internal/hash"
	"github.com/otakit/otakit/internal/logger"
	"github.com/otakit/otakit/internal/plan"
)

// Mode selects what the verifier does with each partition's digest. It is
// fixed for the lifetime of a Verifier.
type Mode int

const (
	// ComputeSourceHash populates every partition's source hash.
	ComputeSourceHash Mode = iota
	// VerifyTargetHash recomputes every partition's hash and compares it
	// to the pre-supplied target hash.
	VerifyTargetHash
)

const readBufferSize = 128 * 1024

// Legacy partition names synthesized for delta plans that predate explicit
// partition lists.
const (
	legacyPartitionRoot   = "root"
	legacyPartitionKernel = "kernel"
)

// Verifier sequentially hashes whole partitions. Partition i+1 is never
// started before partition i fully succeeded, and a failed partition stops
// the run with no partial state published.
type Verifier struct {
	mode     Mode
	resolver plan.DeviceResolver
	fs       filesystem.Introspector
}

func New(mode Mode, resolver plan.DeviceResolver, fs filesystem.Introspector) *Verifier {
	return &Verifier{
		mode:     mode,
		resolver: resolver,
		fs:       fs,
	}
}

// Start runs the verifier over its own copy of p and returns the advanced
// plan on success. On any failure, or on cancellation through ctx, no plan is
// returned.
func (v *Verifier) Start(ctx context.Context, p plan.Plan) (plan.Plan, error) {
	p = p.Clone()

	if !p.IsFullUpdate && len(p.Partitions) == 0 && v.mode == ComputeSourceHash {
		if err := v.loadLegacyPartitions(&p); err != nil {
			return plan.Plan{}, err
		}
	}

	if len(p.Partitions) == 0 {
		logger.Infof("No partitions to verify.")
		return p, nil
	}

	buf := make([]byte, readBufferSize)

	for i := range p.Partitions {
		if err := ctx.Err(); err != nil {
			return plan.Plan{}, errors.NewGenericError(err, p.Partitions[i].Name)
		}

		if err := v.hashPartition(ctx, &p, i, buf); err != nil {
			return plan.Plan{}, err
		}
	}

	return p, nil
}

// loadLegacyPartitions synthesizes the two-entry root/kernel partition list
// used by delta payloads from before explicit partition metadata.
func (v *Verifier) loadLegacyPartitions(p *plan.Plan) error {
	logger.Infof("Using legacy partition names.")

	rootPath, err := v.resolver.PartitionDevice(legacyPartitionRoot, p.SourceSlot)
	if err != nil {
		return errors.NewFilesystemVerifierError(err, legacyPartitionRoot)
	}

	blockCount, blockSize, err := v.fs.BlockCountAndSize(rootPath)
	if err != nil {
		return errors.NewFilesystemVerifierError(err, rootPath)
	}

	root := plan.Partition{
		Name:       legacyPartitionRoot,
		SourceSize: uint64(blockCount) * uint64(blockSize),
	}
	logger.Infof("Partition %s size: %d bytes (%dx%d).", root.Name, root.SourceSize, blockCount, blockSize)

	kernelPath, err := v.resolver.PartitionDevice(legacyPartitionKernel, p.SourceSlot)
	if err != nil {
		return errors.NewFilesystemVerifierError(err, legacyPartitionKernel)
	}

	kernelSize, err := v.fs.FileSize(kernelPath)
	if err != nil || kernelSize < 0 {
		return errors.NewFilesystemVerifierError(
			fmt.Errorf("failed to size kernel partition %s: %w", kernelPath, err), kernelPath)
	}

	kernel := plan.Partition{
		Name:       legacyPartitionKernel,
		SourceSize: uint64(kernelSize),
	}
	logger.Infof("Partition %s size: %d bytes.", kernel.Name, kernel.SourceSize)

	p.Partitions = append(p.Partitions, root, kernel)

	return nil
}

// hashPartition streams one partition through a fresh hash calculator and
// applies the mode's outcome. The partition's hash fields are only touched
// after the full declared size was read and finalized.
func (v *Verifier) hashPartition(ctx context.Context, p *plan.Plan, index int, buf []byte) error {
	part := &p.Partitions[index]

	var (
		slot      plan.Slot
		remaining uint64
	)
	switch v.mode {
	case ComputeSourceHash:
		slot = p.SourceSlot
		remaining = part.SourceSize
	case VerifyTargetHash:
		slot = p.TargetSlot
		remaining = part.TargetSize
	}

	path, err := v.resolver.PartitionDevice(part.Name, slot)
	if err != nil || path == "" {
		return errors.NewFilesystemVerifierError(
			fmt.Errorf("failed to resolve device for partition %s: %w", part.Name, err), part.Name)
	}

	logger.Infof("Hashing partition %d (%s) on device %s", index, part.Name, path)

	f, err := os.Open(path)
	if err != nil {
		logger.Errorf("Unable to open %s for reading", path)
		return errors.NewFilesystemVerifierError(err, path)
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warnf("Error closing %s: %v", path, err)
		}
	}()

	calc := hash.NewCalculator()

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return errors.NewGenericError(err, path)
		}

		toRead := uint64(len(buf))
		if remaining < toRead {
			toRead = remaining
		}

		n, err := f.Read(buf[:toRead])
		if n > 0 {
			if uerr := calc.Update(buf[:n]); uerr != nil {
				logger.Errorf("Unable to update the hash.")
				return errors.NewGenericError(uerr, path)
			}
			remaining -= uint64(n)
		}

		if err != nil {
			if err == io.EOF {
				break
			}
			// Read errors are deliberately left unclassified, as
			// opposed to short reads and open failures.
			logger.Errorf("Read from %s failed: %v", path, err)
			return errors.NewGenericError(err, path)
		}
	}

	if remaining != 0 {
		logger.Errorf("Failed to read the remaining %d bytes from partition %s", remaining, part.Name)
		return errors.NewFilesystemVerifierError(
			fmt.Errorf("partition %s truncated: %d bytes missing", part.Name, remaining), path)
	}

	if err := calc.Finalize(); err != nil {
		logger.Errorf("Unable to finalize the hash.")
		return errors.NewGenericError(err, path)
	}

	logger.Infof("Hash of %s: %s", part.Name, calc.Hash())

	switch v.mode {
	case ComputeSourceHash:
		part.SourceHash = calc.RawHash()
	case VerifyTargetHash:
		if !bytes.Equal(part.TargetHash, calc.RawHash()) {
			logger.Errorf("New '%s' partition verification failed.", part.Name)
			return errors.NewRootfsVerificationError(
				fmt.Errorf("partition %s hash mismatch", part.Name), path)
		}
	}

	return nil
}
