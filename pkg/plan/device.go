package plan

import (
	"fmt"
	"path/filepath"

	"github.com/jaypipes/ghw"
	"github.com/rs/zerolog"
)

// DeviceSizer reports the capacity of a block device in blocks of blockSize
// bytes.
type DeviceSizer interface {
	DeviceBlocks(device string, blockSize int64) (int64, error)
}

// BlockDevices looks devices up in sysfs. Chroot, when set, is the root the
// sysfs tree is read from.
type BlockDevices struct {
	Chroot string
	Logger zerolog.Logger
}

func (b BlockDevices) DeviceBlocks(device string, blockSize int64) (int64, error) {
	var opts []*ghw.WithOption
	if b.Chroot != "" {
		opts = append(opts, ghw.WithChroot(b.Chroot))
	}
	blk, err := ghw.Block(opts...)
	if err != nil {
		return 0, fmt.Errorf("listing block devices: %w", err)
	}

	name := filepath.Base(device)
	for _, disk := range blk.Disks {
		b.Logger.Debug().Str("disk", disk.Name).Uint64("size", disk.SizeBytes).Msg("found disk")
		if disk.Name != name {
			continue
		}
		if blockSize <= 0 {
			return 0, fmt.Errorf("invalid block size %d", blockSize)
		}
		return int64(disk.SizeBytes) / blockSize, nil
	}
	return 0, fmt.Errorf("device %s not found", device)
}
