package plan

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/otakit/otakit/internal/logger"
)

// Slot identifies one of the device's bootable partition sets.
type Slot uint32

// InvalidSlot is the sentinel for "no slot applies".
const InvalidSlot Slot = 0xFFFFFFFF

func (s Slot) String() string {
	if s == InvalidSlot {
		return "INVALID"
	}
	if s < 26 {
		return string(rune('A' + s))
	}
	return fmt.Sprintf("%d", uint32(s))
}

// DeviceResolver maps a partition name within a slot to its device path.
type DeviceResolver interface {
	PartitionDevice(name string, slot Slot) (string, error)
}

// Partition is one named region of storage that is written and verified
// independently within a slot.
type Partition struct {
	Name string

	SourcePath string
	SourceSize uint64
	SourceHash []byte

	TargetPath string
	TargetSize uint64
	TargetHash []byte

	RunPostinstall bool
}

func (p Partition) Equal(o Partition) bool {
	return p.Name == o.Name &&
		p.SourcePath == o.SourcePath &&
		p.SourceSize == o.SourceSize &&
		bytes.Equal(p.SourceHash, o.SourceHash) &&
		p.TargetPath == o.TargetPath &&
		p.TargetSize == o.TargetSize &&
		bytes.Equal(p.TargetHash, o.TargetHash) &&
		p.RunPostinstall == o.RunPostinstall
}

// Plan is the record describing one update attempt. It is passed by value
// between the download and verification stages; each stage owns its working
// copy until it fails or forwards an advanced copy onward.
type Plan struct {
	IsResume     bool
	IsFullUpdate bool

	DownloadURL       string
	PayloadSize       uint64
	PayloadHash       []byte
	MetadataSize      uint64
	MetadataSignature string
	PublicKey         string

	SourceSlot Slot
	TargetSlot Slot

	HashChecksMandatory bool
	PowerwashRequired   bool

	// Partitions is ordered; hashing proceeds in this order.
	Partitions []Partition
}

// New builds a plan for a fresh or resumed attempt. Slots start out invalid
// and are filled in by the request-negotiation collaborator.
func New(isResume, isFullUpdate bool, url string, payloadSize uint64, payloadHash []byte, metadataSize uint64, metadataSignature, publicKey string) Plan {
	return Plan{
		IsResume:          isResume,
		IsFullUpdate:      isFullUpdate,
		DownloadURL:       url,
		PayloadSize:       payloadSize,
		PayloadHash:       payloadHash,
		MetadataSize:      metadataSize,
		MetadataSignature: metadataSignature,
		PublicKey:         publicKey,
		SourceSlot:        InvalidSlot,
		TargetSlot:        InvalidSlot,
	}
}

// Equal is order-sensitive over the partition sequence.
func (p Plan) Equal(o Plan) bool {
	if p.IsResume != o.IsResume ||
		p.IsFullUpdate != o.IsFullUpdate ||
		p.DownloadURL != o.DownloadURL ||
		p.PayloadSize != o.PayloadSize ||
		!bytes.Equal(p.PayloadHash, o.PayloadHash) ||
		p.MetadataSize != o.MetadataSize ||
		p.MetadataSignature != o.MetadataSignature ||
		p.PublicKey != o.PublicKey ||
		p.SourceSlot != o.SourceSlot ||
		p.TargetSlot != o.TargetSlot ||
		p.HashChecksMandatory != o.HashChecksMandatory ||
		p.PowerwashRequired != o.PowerwashRequired {
		return false
	}

	if len(p.Partitions) != len(o.Partitions) {
		return false
	}
	for i := range p.Partitions {
		if !p.Partitions[i].Equal(o.Partitions[i]) {
			return false
		}
	}

	return true
}

// Clone deep-copies the plan so a stage can mutate its working copy without
// aliasing the caller's partitions.
func (p Plan) Clone() Plan {
	out := p
	out.PayloadHash = bytes.Clone(p.PayloadHash)
	out.Partitions = make([]Partition, len(p.Partitions))
	for i, part := range p.Partitions {
		part.SourceHash = bytes.Clone(part.SourceHash)
		part.TargetHash = bytes.Clone(part.TargetHash)
		out.Partitions[i] = part
	}
	return out
}

// Dump logs a single description of the plan.
func (p Plan) Dump() {
	var parts strings.Builder
	for _, part := range p.Partitions {
		fmt.Fprintf(&parts, ", part: %s (source_size: %d, target_size: %d)",
			part.Name, part.SourceSize, part.TargetSize)
	}

	kind := "new_update"
	if p.IsResume {
		kind = "resume"
	}
	payloadType := "delta"
	if p.IsFullUpdate {
		payloadType = "full"
	}

	logger.Infof("Plan: %s, payload type: %s, source_slot: %s, target_slot: %s, url: %s, payload size: %d, payload hash: %s, metadata size: %d, metadata signature: %s%s, hash_checks_mandatory: %t, powerwash_required: %t",
		kind, payloadType, p.SourceSlot, p.TargetSlot, p.DownloadURL,
		p.PayloadSize, base64.StdEncoding.EncodeToString(p.PayloadHash),
		p.MetadataSize, p.MetadataSignature, parts.String(),
		p.HashChecksMandatory, p.PowerwashRequired)
}

// LoadPartitionsFromSlots fills in the source and target device paths of
// every partition from the plan's slots. An invalid slot clears the
// corresponding path. All partitions are attempted even after a failure; the
// first resolution error is returned.
func (p *Plan) LoadPartitionsFromSlots(resolver DeviceResolver) error {
	var firstErr error

	for i := range p.Partitions {
		part := &p.Partitions[i]

		if p.SourceSlot != InvalidSlot {
			path, err := resolver.PartitionDevice(part.Name, p.SourceSlot)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else {
				part.SourcePath = path
			}
		} else {
			part.SourcePath = ""
		}

		if p.TargetSlot != InvalidSlot {
			path, err := resolver.PartitionDevice(part.Name, p.TargetSlot)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else {
				part.TargetPath = path
			}
		} else {
			part.TargetPath = ""
		}
	}

	return firstErr
}
