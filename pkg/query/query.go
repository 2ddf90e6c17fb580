// Package query answers the scalar questions build scripts ask about a
// layout: sizes, formats, labels and the like.
package query

import (
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/joho/godotenv"
	"github.com/kairos-io/disklayout/internal/constants"
	"github.com/kairos-io/disklayout/pkg/layout"
	"github.com/kairos-io/disklayout/pkg/plan"
	"github.com/kairos-io/disklayout/pkg/script"
	"github.com/kairos-io/disklayout/pkg/table"
	"github.com/rs/zerolog"
	"github.com/twpayne/go-vfs/v4"
)

// Query answers questions about one loaded layout file. Every call builds
// its table from scratch, so calls do not affect each other.
type Query struct {
	Config      *layout.Config
	Adjustments []table.Adjustment
	Logger      zerolog.Logger
}

// New loads layoutFile and parses the adjust_part string.
func New(fs vfs.FS, logger zerolog.Logger, layoutFile, adjust string) (*Query, error) {
	adjustments, err := table.ParseAdjustments(adjust)
	if err != nil {
		return nil, err
	}
	cfg, err := layout.NewLoader(fs, logger).Load(layoutFile)
	if err != nil {
		return nil, err
	}
	return &Query{Config: cfg, Adjustments: adjustments, Logger: logger}, nil
}

func (q *Query) BlockSize() int64 {
	return q.Config.Metadata.BlockSize
}

func (q *Query) FsBlockSize() int64 {
	return q.Config.Metadata.FsBlockSize
}

// Table returns the partitions of imageType with the adjustments applied.
func (q *Query) Table(imageType string) (layout.Layout, error) {
	return table.BuildTable(q.Config, imageType, q.Adjustments)
}

func (q *Query) partition(imageType string, num int) (layout.Partition, error) {
	partitions, err := q.Table(imageType)
	if err != nil {
		return layout.Partition{}, err
	}
	p, err := table.ByNumber(partitions, num)
	if err != nil {
		return layout.Partition{}, err
	}
	return *p, nil
}

// PartitionSize returns the partition size in bytes.
func (q *Query) PartitionSize(imageType string, num int) (int64, error) {
	p, err := q.partition(imageType, num)
	return p.Bytes, err
}

// FsSize returns the filesystem size in bytes, the partition size when the
// layout gives none.
func (q *Query) FsSize(imageType string, num int) (int64, error) {
	p, err := q.partition(imageType, num)
	return p.FilesystemBytes(), err
}

func (q *Query) Format(imageType string, num int) (string, error) {
	p, err := q.partition(imageType, num)
	return p.Format, err
}

func (q *Query) FsFormat(imageType string, num int) (string, error) {
	p, err := q.partition(imageType, num)
	return p.FsFormat, err
}

func (q *Query) Type(imageType string, num int) (string, error) {
	p, err := q.partition(imageType, num)
	return p.Type, err
}

// FsOptions returns the filesystem options matching the partition fs_format.
func (q *Query) FsOptions(imageType string, num int) (string, error) {
	p, err := q.partition(imageType, num)
	if err != nil {
		return "", err
	}
	opts, err := p.FsOptions.Resolve(p.FsFormat)
	if err != nil {
		return "", fmt.Errorf("partition number %d: %w", num, err)
	}
	return opts, nil
}

// Label returns the partition label, UNTITLED when it has none.
func (q *Query) Label(imageType string, num int) (string, error) {
	p, err := q.partition(imageType, num)
	if err != nil {
		return "", err
	}
	if p.Label == "" {
		return constants.UntitledLabel, nil
	}
	return p.Label, nil
}

// UUID returns the partition UUID in canonical form, "random" when unset.
func (q *Query) UUID(imageType string, num int) (string, error) {
	p, err := q.partition(imageType, num)
	if err != nil {
		return "", err
	}
	if p.UUID == "" || p.UUID == constants.RandomUUID {
		return constants.RandomUUID, nil
	}
	u, err := uuid.FromString(p.UUID)
	if err != nil {
		return "", fmt.Errorf("%w: partition number %d: %s", constants.ErrInvalidLayout, num, err)
	}
	return u.String(), nil
}

// PartitionNums returns the numbers of the numbered partitions in table
// order, space separated.
func (q *Query) PartitionNums(imageType string) (string, error) {
	partitions, err := q.Table(imageType)
	if err != nil {
		return "", err
	}
	nums := make([]string, 0, len(partitions))
	for _, p := range partitions {
		if p.HasNum() {
			nums = append(nums, fmt.Sprint(p.Num))
		}
	}
	return strings.Join(nums, " "), nil
}

// Validate builds the table of imageType and checks that its rootfs
// partitions are interchangeable and that it has at most one expanding
// partition.
func (q *Query) Validate(imageType string) error {
	partitions, err := q.Table(imageType)
	if err != nil {
		return err
	}
	if err := table.CheckRootfsPartitionsMatch(partitions); err != nil {
		return err
	}
	_, err = plan.GetTotals(q.Config.Metadata, partitions)
	return err
}

// Vars returns the partition size and format variables of imageType in
// env file format.
func (q *Query) Vars(imageType string) (string, error) {
	partitions, err := q.Table(imageType)
	if err != nil {
		return "", err
	}
	env := map[string]string{}
	for _, p := range partitions {
		for _, key := range script.VarKeys(p) {
			env["PARTITION_SIZE_"+key] = fmt.Sprint(p.Bytes)
			env["DATA_SIZE_"+key] = fmt.Sprint(p.FilesystemBytes())
			env["FORMAT_"+key] = p.Format
			env["FS_FORMAT_"+key] = p.FsFormat
		}
	}
	return godotenv.Marshal(env)
}

// Plan places the table of imageType on disk. When device is set the
// expanding partition is sized to fill it.
func (q *Query) Plan(imageType string, variant plan.Variant, sizer plan.DeviceSizer, device string) (*plan.Plan, error) {
	partitions, err := q.Table(imageType)
	if err != nil {
		return nil, err
	}
	p, err := plan.New(q.Config, partitions, variant)
	if err != nil {
		return nil, err
	}
	if device == "" {
		return p, nil
	}
	blocks, err := sizer.DeviceBlocks(device, q.Config.Metadata.BlockSize)
	if err != nil {
		return nil, err
	}
	q.Logger.Debug().Str("device", device).Int64("blocks", blocks).Msg("resolving expanding partition")
	return p.ResolveExpand(blocks)
}
