package layout

import (
	"fmt"

	"github.com/kairos-io/disklayout/internal/constants"
)

// Overlay copies onto p every field that o was given in its layout file. A
// relative fs_blocks is resolved again when only the partition size changed.
func (p *Partition) Overlay(o Partition, md Metadata) error {
	if p.fields == nil {
		p.fields = map[string]bool{}
	}
	sized := false
	for key := range o.fields {
		switch key {
		case "num":
			p.Num = o.Num
		case "label":
			p.Label = o.Label
		case "type":
			p.Type = o.Type
		case "uuid":
			p.UUID = o.UUID
		case "format":
			p.Format = o.Format
		case "fs_format":
			p.FsFormat = o.FsFormat
		case "fs_options":
			p.FsOptions = o.FsOptions.clone()
		case "features":
			p.Features = append([]string{}, o.Features...)
		case "reserved_erase_blocks":
			p.ReservedEraseBlocks = o.ReservedEraseBlocks
		case "size", "blocks":
			p.Size, p.Blocks, p.Bytes = o.Size, o.Blocks, o.Bytes
			delete(p.fields, "size")
			delete(p.fields, "blocks")
			sized = true
		case "fs_size", "fs_blocks":
			p.FsSize, p.FsBlocksExpr, p.FsBlocks, p.FsBytes = o.FsSize, o.FsBlocksExpr, o.FsBlocks, o.FsBytes
			delete(p.fields, "fs_size")
			delete(p.fields, "fs_blocks")
		}
	}
	for key := range o.fields {
		p.fields[key] = true
	}

	if sized && !o.Has("fs_size") && !o.Has("fs_blocks") && p.Has("fs_blocks") {
		if err := p.resolveFsBlocks(md); err != nil {
			return fmt.Errorf("partition %s: %w", p.Label, err)
		}
	}
	if p.FsBytes > p.Bytes {
		return fmt.Errorf("%w: filesystem may not be larger than partition: %s: %d > %d",
			constants.ErrInvalidLayout, p.Label, p.FsBytes, p.Bytes)
	}
	return nil
}
