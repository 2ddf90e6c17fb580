package table_test

import (
	"github.com/kairos-io/disklayout/internal/constants"
	"github.com/kairos-io/disklayout/pkg/layout"
	"github.com/kairos-io/disklayout/pkg/table"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
	"github.com/twpayne/go-vfs/v4/vfst"
)

const diskLayout = `{
  "metadata": {"block_size": 512, "fs_block_size": 4096},
  "layouts": {
    "common": [
      {"num": 1, "label": "STATE", "type": "data", "features": ["expand"], "size": "16 MiB"},
      {"num": 2, "label": "KERN-A", "type": "kernel", "size": "16 MiB"},
      {"num": 3, "label": "ROOT-A", "type": "rootfs", "format": "ext2", "size": "64 MiB", "fs_blocks": "50%"},
      {"num": 4, "label": "KERN-B", "type": "kernel", "size": "16 MiB"},
      {"num": 5, "label": "ROOT-B", "type": "rootfs", "format": "ext2", "size": "4 KiB"}
    ],
    "base": [
      {"num": 5, "size": "64 MiB"}
    ],
    "usb": [
      {"num": 3, "size": "32 MiB"},
      {"num": 7, "label": "EXTRA", "type": "data", "size": "1 MiB"},
      {"type": "blank", "size": "1 MiB"}
    ]
  }
}`

func loadConfig(content string) *layout.Config {
	fs, cleanup, err := vfst.NewTestFS(map[string]interface{}{"/layout.json": content})
	Expect(err).ToNot(HaveOccurred())
	defer cleanup()
	cfg, err := layout.NewLoader(fs, zerolog.Nop()).Load("/layout.json")
	Expect(err).ToNot(HaveOccurred())
	return cfg
}

func labels(l layout.Layout) []string {
	out := []string{}
	for _, p := range l {
		out = append(out, p.Label)
	}
	return out
}

var _ = Describe("partition tables", func() {
	var cfg *layout.Config

	BeforeEach(func() {
		cfg = loadConfig(diskLayout)
	})

	Context("ParseAdjustments", func() {
		It("splits on blanks and commas", func() {
			adjs, err := table.ParseAdjustments("ROOT-A:=1GiB, STATE:+4MiB KERN-A:-1MiB")
			Expect(err).ToNot(HaveOccurred())
			Expect(adjs).To(Equal([]table.Adjustment{
				{Label: "ROOT-A", Operator: '=', Operand: "1GiB"},
				{Label: "STATE", Operator: '+', Operand: "4MiB"},
				{Label: "KERN-A", Operator: '-', Operand: "1MiB"},
			}))
		})
		It("accepts an empty string", func() {
			adjs, err := table.ParseAdjustments("")
			Expect(err).ToNot(HaveOccurred())
			Expect(adjs).To(BeEmpty())
		})
		It("fails on incomplete adjustments", func() {
			_, err := table.ParseAdjustments("ROOT-A")
			Expect(err).To(MatchError(constants.ErrInvalidAdjustment))
			_, err = table.ParseAdjustments("ROOT-A:")
			Expect(err).To(MatchError(constants.ErrInvalidAdjustment))
		})
		It("fails on unknown operators", func() {
			_, err := table.ParseAdjustments("ROOT-A:*2")
			Expect(err).To(MatchError(constants.ErrInvalidAdjustment))
		})
	})

	Context("BuildTable", func() {
		It("returns the base layout for base", func() {
			parts, err := table.BuildTable(cfg, "base", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(labels(parts)).To(Equal([]string{"STATE", "KERN-A", "ROOT-A", "KERN-B", "ROOT-B"}))
			Expect(parts[4].Bytes).To(Equal(int64(64 << 20)))
		})

		It("overlays the image type on top of base", func() {
			parts, err := table.BuildTable(cfg, "usb", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(labels(parts)).To(Equal([]string{"STATE", "KERN-A", "ROOT-A", "KERN-B", "ROOT-B", "EXTRA"}))

			root := parts[2]
			Expect(root.Bytes).To(Equal(int64(32 << 20)))
			// fs_blocks is relative and follows the new size
			Expect(root.FsBytes).To(Equal(int64(16 << 20)))

			// the usb layout carries ROOT-B from common, which wins over base
			Expect(parts[4].Bytes).To(Equal(int64(4096)))
		})

		It("does not leak changes between calls", func() {
			parts, err := table.BuildTable(cfg, "base", nil)
			Expect(err).ToNot(HaveOccurred())
			parts[0].Bytes = 1
			again, err := table.BuildTable(cfg, "base", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(again[0].Bytes).To(Equal(int64(16 << 20)))
		})

		It("fails on an unknown image type", func() {
			_, err := table.BuildTable(cfg, "factory", nil)
			Expect(err).To(MatchError(constants.ErrInvalidLayout))
		})

		It("applies adjustments", func() {
			parts, err := table.BuildTable(cfg, "base", []table.Adjustment{
				{Label: "STATE", Operator: '+', Operand: "4MiB"},
				{Label: "KERN-A", Operator: '-', Operand: "8MiB"},
				{Label: "KERN-B", Operator: '=', Operand: "1MiB"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(parts[0].Bytes).To(Equal(int64(20 << 20)))
			Expect(parts[0].Blocks).To(Equal(int64(40960)))
			Expect(parts[1].Bytes).To(Equal(int64(8 << 20)))
			Expect(parts[3].Blocks).To(Equal(int64(2048)))
		})

		It("sizes the filesystem when adjusting a rootfs partition", func() {
			parts, err := table.BuildTable(cfg, "base", []table.Adjustment{
				{Label: "ROOT-A", Operator: '=', Operand: "1GiB"},
			})
			Expect(err).ToNot(HaveOccurred())
			root := parts[2]
			Expect(root.HasFsSize()).To(BeTrue())
			Expect(root.FilesystemBytes()).To(Equal(int64(1073741824)))
			Expect(root.FsBlocks).To(Equal(int64(1073741824 / 4096)))
			Expect(root.Blocks).To(Equal(int64(1073741824 / 512 * 115 / 100)))
			Expect(root.Bytes).To(Equal(root.Blocks * 512))
			Expect(root.Bytes).ToNot(Equal(int64(1073741824)))
		})

		It("fails on unknown labels", func() {
			_, err := table.BuildTable(cfg, "base", []table.Adjustment{{Label: "NOPE", Operator: '+', Operand: "1MiB"}})
			Expect(err).To(MatchError(constants.ErrPartitionNotFound))
		})

		It("fails on unaligned adjustments", func() {
			_, err := table.BuildTable(cfg, "base", []table.Adjustment{{Label: "STATE", Operator: '+', Operand: "100"}})
			Expect(err).To(MatchError(constants.ErrInvalidAdjustment))
		})

		It("fails when shrinking below zero", func() {
			_, err := table.BuildTable(cfg, "base", []table.Adjustment{{Label: "KERN-A", Operator: '-', Operand: "32MiB"}})
			Expect(err).To(MatchError(constants.ErrInvalidAdjustment))
		})
	})

	Context("lookups", func() {
		It("finds partitions by number and label", func() {
			parts, err := table.BuildTable(cfg, "base", nil)
			Expect(err).ToNot(HaveOccurred())
			p, err := table.ByNumber(parts, 4)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Label).To(Equal("KERN-B"))
			p, err = table.ByLabel(parts, "ROOT-A")
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Num).To(Equal(3))
			_, err = table.ByNumber(parts, 9)
			Expect(err).To(MatchError(constants.ErrPartitionNotFound))
		})
	})

	Context("CheckRootfsPartitionsMatch", func() {
		It("accepts matching rootfs partitions", func() {
			parts, err := table.BuildTable(cfg, "base", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(table.CheckRootfsPartitionsMatch(parts)).To(Succeed())
		})

		It("fails on different formats", func() {
			parts := layout.Layout{
				{Num: 3, Label: "ROOT-A", Type: "rootfs", Format: "ext2"},
				{Num: 5, Label: "ROOT-B", Type: "rootfs", Format: "ubi"},
			}
			err := table.CheckRootfsPartitionsMatch(parts)
			Expect(err).To(MatchError(constants.ErrMismatchedRootfsFormat))
			Expect(err).To(MatchError(constants.ErrInvalidLayout))
		})

		It("reports every mismatch", func() {
			parts := layout.Layout{
				{Num: 3, Label: "ROOT-A", Type: "rootfs", Format: "ext2"},
				{Num: 5, Label: "ROOT-B", Type: "rootfs", Format: "ubi", ReservedEraseBlocks: 4},
			}
			err := table.CheckRootfsPartitionsMatch(parts)
			Expect(err).To(MatchError(constants.ErrMismatchedRootfsFormat))
			Expect(err).To(MatchError(constants.ErrMismatchedRootfsBlocks))
		})
	})
})
