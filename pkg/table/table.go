// Package table builds the partition table of one image type from a
// validated layout configuration.
package table

import (
	"fmt"
	"strings"

	"github.com/kairos-io/disklayout/internal/constants"
	"github.com/kairos-io/disklayout/pkg/layout"
	"github.com/kairos-io/disklayout/pkg/size"
)

// Adjustment is a runtime resize of the partition carrying Label.
type Adjustment struct {
	Label    string
	Operator byte
	Operand  string
}

func (a Adjustment) String() string {
	return fmt.Sprintf("%s:%c%s", a.Label, a.Operator, a.Operand)
}

// ParseAdjustments parses "<label>:<op><size>" tokens separated by blanks or
// commas, e.g. "ROOT-A:=1GiB STATE:+500MiB".
func ParseAdjustments(s string) ([]Adjustment, error) {
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	adjustments := make([]Adjustment, 0, len(tokens))
	for _, token := range tokens {
		label, rest, found := strings.Cut(token, ":")
		if !found || rest == "" {
			return nil, fmt.Errorf("%w: adjustment %q is incomplete", constants.ErrInvalidAdjustment, token)
		}
		switch rest[0] {
		case '+', '-', '=':
		default:
			return nil, fmt.Errorf("%w: unknown operator %c in %q", constants.ErrInvalidAdjustment, rest[0], token)
		}
		adjustments = append(adjustments, Adjustment{Label: label, Operator: rest[0], Operand: rest[1:]})
	}
	return adjustments, nil
}

// BuildTable returns the partitions of imageType: a copy of the base layout
// with the imageType layout overlaid by partition number, then the
// adjustments applied in order.
func BuildTable(cfg *layout.Config, imageType string, adjustments []Adjustment) (layout.Layout, error) {
	partitions, err := cfg.Layout(constants.BaseLayout)
	if err != nil {
		return nil, err
	}

	if imageType != constants.BaseLayout {
		overlay, err := cfg.Layout(imageType)
		if err != nil {
			return nil, err
		}
		for _, o := range overlay {
			if !o.HasNum() {
				continue
			}
			i := indexByNumber(partitions, o.Num)
			if i < 0 {
				partitions = append(partitions, o.Clone())
				continue
			}
			if err := partitions[i].Overlay(o, cfg.Metadata); err != nil {
				return nil, fmt.Errorf("layout %s: %w", imageType, err)
			}
		}
	}

	for _, adj := range adjustments {
		if err := Apply(partitions, cfg.Metadata, adj); err != nil {
			return nil, err
		}
	}
	return partitions, nil
}

// Apply resizes the partition named by adj. Resizing a rootfs partition sets
// its filesystem size and grows the partition to leave room for the hash tree.
func Apply(partitions layout.Layout, md layout.Metadata, adj Adjustment) error {
	partition, err := ByLabel(partitions, adj.Label)
	if err != nil {
		return err
	}

	operandBytes, err := size.ParseHumanNumber(adj.Operand)
	if err != nil {
		return err
	}
	if operandBytes%md.BlockSize != 0 {
		return fmt.Errorf("%w: adjustment size %d not divisible by block size %d",
			constants.ErrInvalidAdjustment, operandBytes, md.BlockSize)
	}
	operandBlocks := operandBytes / md.BlockSize

	switch adj.Operator {
	case '+':
		partition.Blocks += operandBlocks
		partition.Bytes += operandBytes
	case '-':
		partition.Blocks -= operandBlocks
		partition.Bytes -= operandBytes
	case '=':
		partition.Blocks = operandBlocks
		partition.Bytes = operandBytes
	default:
		return fmt.Errorf("%w: unknown operator %c", constants.ErrInvalidAdjustment, adj.Operator)
	}
	if partition.Blocks < 0 {
		return fmt.Errorf("%w: %s leaves partition %s with a negative size", constants.ErrInvalidAdjustment, adj, adj.Label)
	}

	if partition.Type == constants.RootfsType {
		partition.SetFsBytes(partition.Bytes, md.FsBlockSize)
		partition.Blocks = partition.Blocks * constants.RootfsInflationPercent / 100
		partition.Bytes = partition.Blocks * md.BlockSize
	}
	return nil
}

// ByNumber returns a pointer into partitions to the one numbered num.
func ByNumber(partitions layout.Layout, num int) (*layout.Partition, error) {
	if i := indexByNumber(partitions, num); i >= 0 {
		return &partitions[i], nil
	}
	return nil, fmt.Errorf("%w: partition %d not found", constants.ErrPartitionNotFound, num)
}

// ByLabel returns a pointer into partitions to the one labelled label.
func ByLabel(partitions layout.Layout, label string) (*layout.Partition, error) {
	for i := range partitions {
		if partitions[i].Label != "" && partitions[i].Label == label {
			return &partitions[i], nil
		}
	}
	return nil, fmt.Errorf("%w: partition %q not found", constants.ErrPartitionNotFound, label)
}

func indexByNumber(partitions layout.Layout, num int) int {
	for i, p := range partitions {
		if p.HasNum() && p.Num == num {
			return i
		}
	}
	return -1
}
