// Package plan places the partitions of a table on disk: starting sectors,
// the deferred size of the expanding partition and the boot priorities of
// the kernel slots.
package plan

import (
	"fmt"

	"github.com/kairos-io/disklayout/internal/constants"
	"github.com/kairos-io/disklayout/pkg/layout"
)

// Variant selects how the secondary kernel slots are marked.
type Variant string

const (
	// VariantBase is the fixed disk layout, every kernel slot stays bootable.
	VariantBase Variant = "base"
	// VariantPartition is the removable media layout, only the first kernel
	// slot is bootable.
	VariantPartition Variant = "partition"
)

// ParseVariant maps a variant name to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantBase, VariantPartition:
		return Variant(s), nil
	}
	return "", fmt.Errorf("%w: unknown variant %q, expected %s or %s", constants.ErrInvalidLayout, s, VariantBase, VariantPartition)
}

// Entry is one partition placed on disk.
type Entry struct {
	Num    int    `yaml:"num,omitempty" json:"num,omitempty"`
	Label  string `yaml:"label,omitempty" json:"label,omitempty"`
	Type   string `yaml:"type" json:"type"`
	Start  int64  `yaml:"start" json:"start"`
	Blocks int64  `yaml:"blocks" json:"blocks"`
	Expand bool   `yaml:"expand,omitempty" json:"expand,omitempty"`
	Blank  bool   `yaml:"blank,omitempty" json:"blank,omitempty"`
}

// Boot holds the retry counter and priority of a kernel slot.
type Boot struct {
	Num      int `yaml:"num" json:"num"`
	Tries    int `yaml:"tries" json:"tries"`
	Priority int `yaml:"priority" json:"priority"`
}

// Plan is the placement of a partition table. Sectors and block counts are
// in units of the layout block size.
type Plan struct {
	Variant              Variant `yaml:"variant" json:"variant"`
	BlockSize            int64   `yaml:"block_size" json:"block_size"`
	FsBlockSize          int64   `yaml:"fs_block_size" json:"fs_block_size"`
	PrimaryEntryArrayLBA int64   `yaml:"primary_entry_array_lba" json:"primary_entry_array_lba"`
	StartSector          int64   `yaml:"start_sector" json:"start_sector"`
	MinDiskSize          int64   `yaml:"min_disk_size" json:"min_disk_size"`
	ReservedBlocks       int64   `yaml:"reserved_blocks" json:"reserved_blocks"`
	ExpandAlignment      int64   `yaml:"expand_alignment" json:"expand_alignment"` // fs_block_size, as a block count
	Entries              []Entry `yaml:"entries" json:"entries"`
	Boot                 []Boot  `yaml:"boot,omitempty" json:"boot,omitempty"`
	LegacyBoot           bool    `yaml:"legacy_boot,omitempty" json:"legacy_boot,omitempty"`
	HybridMBR            bool    `yaml:"hybrid_mbr,omitempty" json:"hybrid_mbr,omitempty"`
	Resolved             bool    `yaml:"resolved,omitempty" json:"resolved,omitempty"`
}

// PrimaryEntryArrayLBA returns the first LBA of the primary partition entry
// array, which may not overlap the PMBR or the GPT header.
func PrimaryEntryArrayLBA(md layout.Metadata) (int64, error) {
	minimum := int64(constants.DefaultPrimaryEntryArrayLBA)
	if md.PrimaryEntryArrayLBA < minimum {
		return 0, fmt.Errorf("%w: primary entry array (%d) must be at least %d",
			constants.ErrInvalidLayout, md.PrimaryEntryArrayLBA, minimum)
	}
	return md.PrimaryEntryArrayLBA, nil
}

// StartSector returns the first LBA usable by partitions, never below 64.
func StartSector(md layout.Metadata) (int64, error) {
	lba, err := PrimaryEntryArrayLBA(md)
	if err != nil {
		return 0, err
	}
	return max(lba+constants.SizeOfPartitionEntryArray, constants.MinStartSector), nil
}

// Totals sums up what a table needs from the disk.
type Totals struct {
	StartBytes     int64
	FixedBytes     int64
	ExpandCount    int
	ExpandMinBytes int64
	// MinDiskSize is in bytes.
	MinDiskSize int64
	// ReservedBlocks is everything but the expanding partition, in blocks.
	ReservedBlocks int64
}

// GetTotals computes the totals of partitions. Only one expanding partition
// is allowed.
func GetTotals(md layout.Metadata, partitions layout.Layout) (Totals, error) {
	start, err := StartSector(md)
	if err != nil {
		return Totals{}, err
	}
	t := Totals{StartBytes: start * md.BlockSize, ReservedBlocks: start}
	for _, p := range partitions {
		if p.HasFeature(constants.ExpandFeature) {
			t.ExpandCount++
			t.ExpandMinBytes += p.Bytes
			continue
		}
		t.FixedBytes += p.Bytes
		t.ReservedBlocks += p.Blocks
	}
	if t.ExpandCount > 1 {
		return Totals{}, fmt.Errorf("%w: 1 expand partition allowed, %d requested", constants.ErrInvalidLayout, t.ExpandCount)
	}
	t.MinDiskSize = t.StartBytes + t.FixedBytes + t.ExpandMinBytes
	return t, nil
}

// New lays partitions out in table order starting at the first usable sector.
// The expanding partition keeps its declared size until ResolveExpand is
// called with the real device size.
func New(cfg *layout.Config, partitions layout.Layout, variant Variant) (*Plan, error) {
	md := cfg.Metadata
	totals, err := GetTotals(md, partitions)
	if err != nil {
		return nil, err
	}
	lba, err := PrimaryEntryArrayLBA(md)
	if err != nil {
		return nil, err
	}
	start, err := StartSector(md)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		Variant:              variant,
		BlockSize:            md.BlockSize,
		FsBlockSize:          md.FsBlockSize,
		PrimaryEntryArrayLBA: lba,
		StartSector:          start,
		MinDiskSize:          totals.MinDiskSize,
		ReservedBlocks:       totals.ReservedBlocks,
		ExpandAlignment:      md.FsBlockSize,
		HybridMBR:            cfg.HybridMBR,
		Entries:              make([]Entry, 0, len(partitions)),
	}

	cursor := start
	for _, part := range partitions {
		p.Entries = append(p.Entries, Entry{
			Num:    part.Num,
			Label:  part.Label,
			Type:   part.Type,
			Start:  cursor,
			Blocks: part.Blocks,
			Expand: part.HasFeature(constants.ExpandFeature),
			Blank:  part.IsBlank(),
		})
		cursor += part.Blocks
		if part.Num == constants.LegacyBootPartition && !part.IsBlank() {
			p.LegacyBoot = true
		}
	}

	tries, priority := constants.DefaultBootTries, constants.DefaultBootPriority
	for _, n := range constants.KernelSlots() {
		e := p.entry(n)
		if e == nil || e.Blank {
			continue
		}
		p.Boot = append(p.Boot, Boot{Num: n, Tries: tries, Priority: priority})
		priority = 0
		if variant != VariantBase {
			tries = 0
		}
	}
	return p, nil
}

// Expand returns the expanding entry, nil when there is none.
func (p *Plan) Expand() *Entry {
	for i := range p.Entries {
		if p.Entries[i].Expand {
			return &p.Entries[i]
		}
	}
	return nil
}

// ResolveExpand returns a copy of p with the expanding partition grown to
// fill a device of deviceBlocks blocks. The block count is rounded down to a
// multiple of fs_block_size and may not drop below the declared one.
func (p *Plan) ResolveExpand(deviceBlocks int64) (*Plan, error) {
	out := p.clone()
	out.Resolved = true
	expand := out.Expand()
	if expand == nil {
		if deviceBlocks*p.BlockSize < p.MinDiskSize {
			return nil, fmt.Errorf("%w: device has %d bytes, layout needs %d",
				constants.ErrInvalidSize, deviceBlocks*p.BlockSize, p.MinDiskSize)
		}
		return out, nil
	}

	blocks := deviceBlocks - p.ReservedBlocks
	if p.ExpandAlignment > 1 {
		blocks -= blocks % p.ExpandAlignment
	}
	if blocks < expand.Blocks {
		return nil, fmt.Errorf("%w: device has room for %d blocks in %s, at least %d needed",
			constants.ErrInvalidSize, blocks, expand.Label, expand.Blocks)
	}

	delta := blocks - expand.Blocks
	expand.Blocks = blocks
	shift := false
	for i := range out.Entries {
		if shift {
			out.Entries[i].Start += delta
		}
		if out.Entries[i].Expand {
			shift = true
		}
	}
	return out, nil
}

func (p *Plan) entry(num int) *Entry {
	for i := range p.Entries {
		if p.Entries[i].Num == num {
			return &p.Entries[i]
		}
	}
	return nil
}

func (p *Plan) clone() *Plan {
	out := *p
	out.Entries = append([]Entry(nil), p.Entries...)
	out.Boot = append([]Boot(nil), p.Boot...)
	return &out
}
