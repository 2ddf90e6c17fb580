package query

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/kairos-io/disklayout/pkg/layout"
	"gopkg.in/yaml.v3"
)

// Output formats of Debug.
const (
	OutputText = "text"
	OutputYAML = "yaml"
	OutputJSON = "json"
)

// Dump is the structured form of the debug output.
type Dump struct {
	ImageType  string          `yaml:"image_type" json:"image_type"`
	Metadata   layout.Metadata `yaml:"metadata" json:"metadata"`
	HybridMBR  bool            `yaml:"hybrid_mbr,omitempty" json:"hybrid_mbr,omitempty"`
	Partitions layout.Layout   `yaml:"partitions" json:"partitions"`
}

// Debug writes the table of imageType in on-disk order. The text format
// rounds sizes of a MiB or more down to whole MiB.
func (q *Query) Debug(w io.Writer, imageType, format string) error {
	partitions, err := q.Table(imageType)
	if err != nil {
		return err
	}
	dump := Dump{
		ImageType:  imageType,
		Metadata:   q.Config.Metadata,
		HybridMBR:  q.Config.HybridMBR,
		Partitions: partitions,
	}

	switch format {
	case "", OutputText:
		return writeText(w, dump)
	case OutputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(dump); err != nil {
			return err
		}
		return enc.Close()
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(dump)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeText(w io.Writer, dump Dump) error {
	labelLen, typeLen := 0, 0
	for _, p := range dump.Partitions {
		labelLen = max(labelLen, len(p.Label))
		typeLen = max(typeLen, len(p.Type))
	}

	var sb strings.Builder
	sb.WriteString("Config Data\n")
	metadata, err := json.Marshal(dump.Metadata)
	if err != nil {
		return err
	}
	fmt.Fprintf(&sb, "field:%-14s value:%s\n", "metadata", metadata)
	if dump.HybridMBR {
		fmt.Fprintf(&sb, "field:%-14s value:%t\n", "hybrid_mbr", dump.HybridMBR)
	}

	fmt.Fprintf(&sb, "\n%s Layout Data\n", strings.ToUpper(dump.ImageType))
	for _, p := range dump.Partitions {
		num := "auto"
		if p.HasNum() {
			num = fmt.Sprint(p.Num)
		}
		fsSize := "auto"
		if p.HasFsSize() {
			fsSize = debugSize(p.FsBytes)
		}
		features := ""
		if len(p.Features) > 0 {
			features = "[" + strings.Join(p.Features, " ") + "]"
		}
		fmt.Fprintf(&sb, "num:%4s label:%-*s type:%-*s size:%-10s fs_size:%-10s features:%s\n",
			num, labelLen, p.Label, typeLen, p.Type, debugSize(p.Bytes), fsSize, features)
	}
	_, err = io.WriteString(w, sb.String())
	return err
}

func debugSize(n int64) string {
	if n < 1024*1024 {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%d MiB", n/1024/1024)
}
