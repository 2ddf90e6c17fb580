// Package script renders partition plans into a shell script driving cgpt.
package script

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/kairos-io/disklayout/internal/constants"
	"github.com/kairos-io/disklayout/pkg/layout"
	"github.com/kairos-io/disklayout/pkg/plan"
)

const generatorPlaceholder = "@SCRIPT_GENERATOR@"

//go:embed skeleton.sh
var defaultSkeleton string

// DefaultSkeleton returns the built in script header with the generator name
// filled in.
func DefaultSkeleton(generator string) string {
	return FillSkeleton(defaultSkeleton, generator)
}

// FillSkeleton replaces the generator placeholder of a script header.
func FillSkeleton(skeleton, generator string) string {
	return strings.ReplaceAll(skeleton, generatorPlaceholder, generator)
}

const expandVar = "expand_size"

// WriteTableFunction renders write_<fn>_table, which creates the partitions
// of p on the device or image given as $1. $2 is the boot loader file for
// the protective MBR.
func WriteTableFunction(sb *strings.Builder, fn string, p *plan.Plan) {
	lines := []string{
		fmt.Sprintf("write_%s_table() {", fn),
		fmt.Sprintf("create_image $1 %d %d", p.MinDiskSize/p.BlockSize, p.BlockSize),
		fmt.Sprintf("local curr=%d", p.StartSector),
		"# Create the GPT headers and tables. Pad the primary ones.",
		fmt.Sprintf("${GPT} create -p %d $1", p.PrimaryEntryArrayLBA-constants.DefaultPrimaryEntryArrayLBA),
	}

	if e := p.Expand(); e != nil {
		lines = append(lines,
			fmt.Sprintf("local %s=%d", expandVar, e.Blocks),
			"if [ -b $1 ]; then",
			fmt.Sprintf("  %s=$(( $(numsectors $1) - %d ))", expandVar, p.ReservedBlocks),
			"fi",
			fmt.Sprintf(": $(( %s -= (%s %% %d) ))", expandVar, expandVar, p.ExpandAlignment),
		)
	}

	for _, e := range p.Entries {
		size := strconv.FormatInt(e.Blocks, 10)
		if e.Expand {
			size = "${" + expandVar + "}"
		}
		if !e.Blank {
			lines = append(lines, fmt.Sprintf(`${GPT} add -i %d -b ${curr} -s %s -t %s -l "%s" $1 && `,
				e.Num, size, e.Type, e.Label))
		}
		if e.Expand || e.Blocks != 0 {
			lines = append(lines, fmt.Sprintf(": $(( curr += %s ))", size))
		}
	}

	for _, b := range p.Boot {
		lines = append(lines, fmt.Sprintf("${GPT} add -i %d -S 0 -T %d -P %d $1", b.Num, b.Tries, b.Priority))
	}
	if p.LegacyBoot {
		lines = append(lines, fmt.Sprintf("${GPT} boot -p -b $2 -i %d $1", constants.LegacyBootPartition))
	}
	if p.HybridMBR {
		lines = append(lines, "install_hybrid_mbr $1")
	}
	lines = append(lines, "${GPT} show $1")

	sb.WriteString(strings.Join(lines, "\n  "))
	sb.WriteString("\n}\n")
}

// WriteVarsFunction renders load_<fn>_vars, which sets the size and format
// variables of every partition, once keyed by label and once by number.
func WriteVarsFunction(sb *strings.Builder, fn string, md layout.Metadata, partitions layout.Layout) {
	lines := []string{
		fmt.Sprintf("load_%s_vars() {", fn),
		fmt.Sprintf(`DEFAULT_ROOTDEV="%s"`, md.String("rootdev_"+fn)),
	}
	for _, p := range partitions {
		for _, key := range VarKeys(p) {
			lines = append(lines,
				fmt.Sprintf("PARTITION_SIZE_%s=%d", key, p.Bytes),
				fmt.Sprintf("     DATA_SIZE_%s=%d", key, p.FilesystemBytes()),
				fmt.Sprintf("        FORMAT_%s=%s", key, p.Format),
				fmt.Sprintf("     FS_FORMAT_%s=%s", key, p.FsFormat),
			)
		}
	}
	sb.WriteString(strings.Join(lines, "\n  "))
	sb.WriteString("\n}\n")
}

// VarKeys returns the shell variable suffixes of a partition: its label and
// its number, upper cased with dashes turned into underscores.
func VarKeys(p layout.Partition) []string {
	var keys []string
	if p.Label != "" {
		keys = append(keys, strings.ToUpper(strings.ReplaceAll(p.Label, "-", "_")))
	}
	if p.HasNum() {
		keys = append(keys, strconv.Itoa(p.Num))
	}
	return keys
}
