package layout_test

import (
	"errors"

	"github.com/kairos-io/disklayout/internal/constants"
	"github.com/kairos-io/disklayout/pkg/layout"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
	"github.com/twpayne/go-vfs/v4/vfst"
)

func load(content string) (*layout.Config, error) {
	fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{"/layout.json": content})
	Expect(err).ToNot(HaveOccurred())
	defer cleanup()
	return layout.NewLoader(fs, zerolog.Nop()).Load("/layout.json")
}

func withPartition(part string) string {
	return `{
  "metadata": {
    "block_size": "512",
    "fs_block_size": "4 KiB"
  },
  "layouts": {
    "base": [
      ` + part + `
    ]
  }
}`
}

var _ = Describe("layout validation", func() {
	It("resolves sizes into blocks and bytes", func() {
		cfg, err := load(`{
  "metadata": {"block_size": 512, "fs_block_size": "4KiB", "primary_entry_array_lba": 2, "rootdev_base": "/dev/sda"},
  "hybrid_mbr": true,
  "layouts": {
    "common": [
      {"num": 1, "label": "STATE", "type": "data", "fs_format": "ext4", "features": ["expand"], "size": "2 MiB", "fs_blocks": "-128"},
      {"num": 2, "label": "KERN-A", "type": "kernel", "blocks": "32768"},
      {"num": 3, "label": "ROOT-A", "type": "rootfs", "size": "4 MiB", "fs_size": "2 MiB", "uuid": "b3c1d7a3-4d06-4bc1-8a0c-37c4b6a4f4c7"},
      {"num": 4, "label": "OEM", "type": "data", "size": "1 MiB", "fs_blocks": "50%", "fs_options": {"ext4": "-O ^huge_file", "btrfs": ""}}
    ],
    "base": []
  }
}`)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Metadata.BlockSize).To(Equal(int64(512)))
		Expect(cfg.Metadata.FsBlockSize).To(Equal(int64(4096)))
		Expect(cfg.Metadata.PrimaryEntryArrayLBA).To(Equal(int64(2)))
		Expect(cfg.Metadata.String("rootdev_base")).To(Equal("/dev/sda"))
		Expect(cfg.HybridMBR).To(BeTrue())
		Expect(cfg.LayoutNames()).To(Equal([]string{"base", "common"}))

		base, err := cfg.Layout("base")
		Expect(err).ToNot(HaveOccurred())
		Expect(base).To(HaveLen(4))

		state := base[0]
		Expect(state.Bytes).To(Equal(int64(2 << 20)))
		Expect(state.Blocks).To(Equal(int64(4096)))
		Expect(state.FsBlocks).To(Equal(int64(512 - 128)))
		Expect(state.FsBytes).To(Equal(int64(384 * 4096)))
		Expect(state.HasFeature(constants.ExpandFeature)).To(BeTrue())

		kern := base[1]
		Expect(kern.Blocks).To(Equal(int64(32768)))
		Expect(kern.Bytes).To(Equal(int64(32768 * 512)))
		Expect(kern.FilesystemBytes()).To(Equal(kern.Bytes))

		root := base[2]
		Expect(root.FsBytes).To(Equal(int64(2 << 20)))
		Expect(root.FsBlocks).To(Equal(int64(512)))

		oem := base[3]
		Expect(oem.FsBlocks).To(Equal(int64(128)))
		opts, err := oem.FsOptions.Resolve("ext4")
		Expect(err).ToNot(HaveOccurred())
		Expect(opts).To(Equal("-O ^huge_file"))
		opts, err = oem.FsOptions.Resolve("vfat")
		Expect(err).ToNot(HaveOccurred())
		Expect(opts).To(BeEmpty())
	})

	It("returns independent copies of a layout", func() {
		cfg, err := load(withPartition(`{"num": 1, "label": "A", "type": "data", "size": "4 KiB", "features": ["expand"]}`))
		Expect(err).ToNot(HaveOccurred())
		first, _ := cfg.Layout("base")
		first[0].Features[0] = "changed"
		first[0].Bytes = 0
		second, _ := cfg.Layout("base")
		Expect(second[0].Features).To(Equal([]string{"expand"}))
		Expect(second[0].Bytes).To(Equal(int64(4096)))
	})

	DescribeTable("rejects invalid layouts",
		func(content string, expected error, message string) {
			_, err := load(content)
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, expected)).To(BeTrue(), err.Error())
			Expect(err.Error()).To(ContainSubstring(message))
		},
		Entry("size not divisible by block size", `{
  "metadata": {"block_size": 2048, "fs_block_size": 4096},
  "layouts": {"base": [{"num": 1, "label": "A", "type": "data", "size": "3000"}]}
}`, constants.ErrInvalidSize, "not an even number of block_size"),
		Entry("size and blocks together",
			withPartition(`{"num": 1, "label": "A", "type": "data", "size": "4 KiB", "blocks": 8}`),
			constants.ErrConflictingOptions, "both 'blocks' and 'size'"),
		Entry("zero fs size",
			withPartition(`{"num": 1, "type": "rootfs", "label": "ROOT-A", "size": "4 KiB", "fs_size": "0 KiB"}`),
			constants.ErrInvalidSize, "must be positive"),
		Entry("fs size larger than partition",
			withPartition(`{"num": 1, "type": "rootfs", "label": "ROOT-A", "size": "4 KiB", "fs_size": "8 KiB"}`),
			constants.ErrInvalidLayout, "may not be larger than partition"),
		Entry("fs size not a multiple of fs blocks",
			withPartition(`{"num": 1, "type": "rootfs", "label": "ROOT-A", "size": "4 KiB", "fs_size": "3 KiB"}`),
			constants.ErrInvalidSize, "not an even number of fs blocks"),
		Entry("fs blocks larger than partition",
			withPartition(`{"num": 1, "type": "rootfs", "label": "ROOT-A", "size": "4 KiB", "fs_blocks": "2"}`),
			constants.ErrInvalidLayout, "may not be larger than partition"),
		Entry("unknown partition key",
			withPartition(`{"num": 1, "type": "data", "label": "A", "size": "4 KiB", "colour": "red"}`),
			constants.ErrInvalidLayout, "colour"),
		Entry("missing label",
			withPartition(`{"num": 1, "type": "data", "size": "4 KiB"}`),
			constants.ErrInvalidLayout, `missing "label"`),
		Entry("missing num",
			withPartition(`{"label": "A", "type": "data", "size": "4 KiB"}`),
			constants.ErrInvalidLayout, `missing "num"`),
		Entry("missing type",
			withPartition(`{"num": 1, "label": "A", "size": "4 KiB"}`),
			constants.ErrInvalidLayout, "type"),
		Entry("bad uuid",
			withPartition(`{"num": 1, "label": "A", "type": "data", "size": "4 KiB", "uuid": "not-a-uuid"}`),
			constants.ErrInvalidLayout, "bad uuid"),
		Entry("bad fs_options",
			withPartition(`{"num": 1, "label": "A", "type": "data", "size": "4 KiB", "fs_options": 3}`),
			constants.ErrInvalidLayout, "fs_options must be a string or dict"),
		Entry("duplicate partition numbers",
			withPartition(`{"num": 1, "label": "A", "type": "data", "size": "4 KiB"}, {"num": 1, "label": "B", "type": "data", "size": "4 KiB"}`),
			constants.ErrInvalidLayout, "partition 1 twice"),
		Entry("bad size suffix",
			withPartition(`{"num": 1, "label": "A", "type": "data", "size": "4 KiX"}`),
			constants.ErrInvalidAdjustment, "unknown size type"),
		Entry("unknown top level key", `{
  "metadata": {"block_size": 512, "fs_block_size": 4096},
  "extra": true,
  "layouts": {"base": []}
}`, constants.ErrInvalidLayout, "unknown items"),
		Entry("missing base layout", `{
  "metadata": {"block_size": 512, "fs_block_size": 4096},
  "layouts": {"test": []}
}`, constants.ErrInvalidLayout, `missing "base"`),
		Entry("missing metadata", `{"layouts": {"base": []}}`,
			constants.ErrInvalidLayout, "missing required entries"),
		Entry("primary entry array at 0", `{
  "metadata": {"block_size": 512, "fs_block_size": 4096, "primary_entry_array_lba": 0},
  "layouts": {"base": []}
}`, constants.ErrInvalidLayout, "primary_entry_array_lba (0) must be at least 2"),
		Entry("primary entry array on the GPT header", `{
  "metadata": {"block_size": 512, "fs_block_size": 4096, "primary_entry_array_lba": 1},
  "layouts": {"base": []}
}`, constants.ErrInvalidLayout, "must be at least 2"),
		Entry("missing fs_block_size", `{
  "metadata": {"block_size": 512},
  "layouts": {"base": []}
}`, constants.ErrInvalidLayout, "fs_block_size"),
	)

	It("puts the primary entry array after the GPT header when unset", func() {
		cfg, err := load(withPartition(`{"num": 1, "label": "A", "type": "data", "size": "4 KiB"}`))
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Metadata.PrimaryEntryArrayLBA).To(Equal(int64(2)))
	})

	It("keeps a zero filesystem size", func() {
		cfg, err := load(withPartition(`{"num": 1, "label": "A", "type": "data", "size": "4 KiB", "fs_blocks": "0"}`))
		Expect(err).ToNot(HaveOccurred())
		base, err := cfg.Layout("base")
		Expect(err).ToNot(HaveOccurred())
		Expect(base[0].HasFsSize()).To(BeTrue())
		Expect(base[0].FilesystemBytes()).To(Equal(int64(0)))
		Expect(base[0].Bytes).To(Equal(int64(4096)))
	})

	It("wraps the missing key error", func() {
		_, err := load(`{"metadata": {"fs_block_size": 4096}, "layouts": {"base": []}}`)
		Expect(err).To(MatchError(constants.ErrInvalidLayout))
		Expect(layout.IsMissingKey(err)).To(BeTrue())
	})

	It("allows blank partitions without num or label", func() {
		cfg, err := load(withPartition(`{"type": "blank", "size": "64 MiB"}`))
		Expect(err).ToNot(HaveOccurred())
		base, err := cfg.Layout("base")
		Expect(err).ToNot(HaveOccurred())
		Expect(base[0].IsBlank()).To(BeTrue())
		Expect(base[0].HasNum()).To(BeFalse())
		Expect(base[0].Blocks).To(Equal(int64(131072)))
	})

	It("refuses quotes in fs_options", func() {
		cfg, err := load(withPartition(`{"num": 1, "label": "A", "type": "data", "size": "4 KiB", "fs_options": "-L 'x'"}`))
		Expect(err).ToNot(HaveOccurred())
		base, _ := cfg.Layout("base")
		_, err = base[0].FsOptions.Resolve("ext4")
		Expect(err).To(MatchError(constants.ErrInvalidLayout))
	})
})
