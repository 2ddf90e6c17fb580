package constants

import (
	"errors"
	"fmt"
)

const (
	CommonLayout = "common"
	BaseLayout   = "base"
	CommentKey   = "_comment"

	// GPT geometry, in blocks.
	SizeOfPMBR                = 1
	SizeOfGPTHeader           = 1
	SizeOfPartitionEntryArray = 32
	MinStartSector            = 64

	// The primary entry array follows the PMBR and the GPT header unless
	// the layout moves it further out.
	DefaultPrimaryEntryArrayLBA = SizeOfPMBR + SizeOfGPTHeader

	// RootfsInflationPercent is the raw partition size, in percent of the
	// filesystem size, given to a rootfs partition after an adjustment. The
	// extra space holds the verity hash tree.
	RootfsInflationPercent = 115

	// Retry counter and priority of the default kernel slot.
	DefaultBootTries    = 15
	DefaultBootPriority = 15

	// EFI system partition marked bootable in the protective MBR.
	LegacyBootPartition = 12

	RootAPartitionLabel = "ROOT-A"
	RandomUUID          = "random"
	UntitledLabel       = "UNTITLED"
	BlankType           = "blank"
	RootfsType          = "rootfs"
	ExpandFeature       = "expand"
)

// KernelSlots are the redundant kernel partitions, partition 2 first as it is
// the default bootable one.
func KernelSlots() []int {
	return []int{2, 4, 6}
}

const (
	OpLoadConfig          = "load-config"
	OpBuildBaseTable      = "build-base-table"
	OpBuildPartitionTable = "build-partition-table"
	OpCheckRootfs         = "check-rootfs"
	OpPlanBase            = "plan-base"
	OpPlanPartition       = "plan-partition"
	OpRenderScript        = "render-script"
)

var (
	ErrConfigNotFound     = errors.New("config not found")
	ErrPartitionNotFound  = errors.New("partition not found")
	ErrInvalidLayout      = errors.New("invalid layout")
	ErrInvalidAdjustment  = errors.New("invalid adjustment")
	ErrInvalidSize        = errors.New("invalid size")
	ErrConflictingOptions = errors.New("conflicting options")
	ErrUsage              = errors.New("usage")

	ErrMismatchedRootfsFormat = fmt.Errorf("%w: rootfs partitions in different formats", ErrInvalidLayout)
	ErrMismatchedRootfsBlocks = fmt.Errorf("%w: rootfs partitions have different numbers of reserved erase blocks", ErrInvalidLayout)
)
