package layout

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kairos-io/disklayout/internal/constants"
)

type Metadata struct {
	BlockSize            int64          `json:"block_size" yaml:"block_size"`
	FsBlockSize          int64          `json:"fs_block_size" yaml:"fs_block_size"`
	PrimaryEntryArrayLBA int64          `json:"primary_entry_array_lba,omitempty" yaml:"primary_entry_array_lba,omitempty"`
	Extra                map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// String returns a free-form metadata field, or "" when unset.
func (m Metadata) String(key string) string {
	v, ok := m.Extra[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// FsOptions holds filesystem creation options, either one string for every
// format or one string per fs_format.
type FsOptions struct {
	flat      string
	perFormat map[string]string
}

func FlatFsOptions(s string) FsOptions {
	return FsOptions{flat: s}
}

func PerFormatFsOptions(m map[string]string) FsOptions {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return FsOptions{perFormat: c}
}

// Resolve returns the options applying to fsFormat. Quotes are refused as
// the value ends up unquoted in shell scripts.
func (o FsOptions) Resolve(fsFormat string) (string, error) {
	result := o.flat
	if o.perFormat != nil {
		result = o.perFormat[fsFormat]
	}
	if strings.ContainsAny(result, `"'`) {
		return "", fmt.Errorf("%w: fs_options cannot have quotes", constants.ErrInvalidLayout)
	}
	return result, nil
}

func (o FsOptions) MarshalYAML() (any, error) {
	if o.perFormat != nil {
		return o.perFormat, nil
	}
	return o.flat, nil
}

func (o FsOptions) MarshalJSON() ([]byte, error) {
	if o.perFormat != nil {
		return json.Marshal(o.perFormat)
	}
	return json.Marshal(o.flat)
}

func (o FsOptions) IsZero() bool {
	return o.flat == "" && o.perFormat == nil
}

func (o FsOptions) clone() FsOptions {
	if o.perFormat == nil {
		return o
	}
	return PerFormatFsOptions(o.perFormat)
}

// Partition is a resolved partition entry. Blocks and Bytes are always set,
// FsBlocks and FsBytes only when the filesystem is smaller than the partition.
type Partition struct {
	Num                 int       `json:"num,omitempty" yaml:"num,omitempty"`
	Label               string    `json:"label,omitempty" yaml:"label,omitempty"`
	Type                string    `json:"type" yaml:"type"`
	UUID                string    `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Size                string    `json:"size,omitempty" yaml:"size,omitempty"`
	Blocks              int64     `json:"blocks" yaml:"blocks"`
	Bytes               int64     `json:"bytes" yaml:"bytes"`
	FsSize              string    `json:"fs_size,omitempty" yaml:"fs_size,omitempty"`
	FsBlocksExpr        string    `json:"-" yaml:"-"`
	FsBlocks            int64     `json:"fs_blocks,omitempty" yaml:"fs_blocks,omitempty"`
	FsBytes             int64     `json:"fs_bytes,omitempty" yaml:"fs_bytes,omitempty"`
	Format              string    `json:"format,omitempty" yaml:"format,omitempty"`
	FsFormat            string    `json:"fs_format,omitempty" yaml:"fs_format,omitempty"`
	FsOptions           FsOptions `json:"fs_options,omitempty" yaml:"fs_options,omitempty"`
	Features            []string  `json:"features,omitempty" yaml:"features,omitempty"`
	ReservedEraseBlocks int64     `json:"reserved_erase_blocks,omitempty" yaml:"reserved_erase_blocks,omitempty"`

	// fields lists the keys given in the layout file.
	fields map[string]bool
}

func (p Partition) IsBlank() bool {
	return p.Type == constants.BlankType
}

func (p Partition) HasNum() bool {
	return p.Num != 0
}

// Has reports whether key was given for this partition in the layout file.
func (p Partition) Has(key string) bool {
	return p.fields[key]
}

func (p Partition) HasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// HasFsSize reports whether a filesystem size was given in the layout or
// set by an adjustment.
func (p Partition) HasFsSize() bool {
	return p.Has("fs_size") || p.Has("fs_blocks")
}

// SetFsBytes sets the filesystem size to n bytes.
func (p *Partition) SetFsBytes(n, fsBlockSize int64) {
	if p.fields == nil {
		p.fields = map[string]bool{}
	}
	p.FsSize, p.FsBlocksExpr = "", ""
	p.FsBytes = n
	p.FsBlocks = n / fsBlockSize
	delete(p.fields, "fs_blocks")
	p.fields["fs_size"] = true
}

// FilesystemBytes is the filesystem size, which defaults to the partition size.
func (p Partition) FilesystemBytes() int64 {
	if p.HasFsSize() {
		return p.FsBytes
	}
	return p.Bytes
}

// Clone returns a deep copy of p.
func (p Partition) Clone() Partition {
	c := p
	if p.Features != nil {
		c.Features = append([]string{}, p.Features...)
	}
	c.FsOptions = p.FsOptions.clone()
	c.fields = make(map[string]bool, len(p.fields))
	for k, v := range p.fields {
		c.fields[k] = v
	}
	return c
}

type Layout []Partition

// Clone returns a deep copy of l.
func (l Layout) Clone() Layout {
	out := make(Layout, 0, len(l))
	for _, p := range l {
		out = append(out, p.Clone())
	}
	return out
}

type Config struct {
	Metadata  Metadata          `json:"metadata" yaml:"metadata"`
	Layouts   map[string]Layout `json:"layouts" yaml:"layouts"`
	HybridMBR bool              `json:"hybrid_mbr,omitempty" yaml:"hybrid_mbr,omitempty"`
}

// Layout returns a deep copy of the named layout.
func (c *Config) Layout(name string) (Layout, error) {
	l, ok := c.Layouts[name]
	if !ok {
		return nil, fmt.Errorf("%w: layout %q not found", constants.ErrInvalidLayout, name)
	}
	return l.Clone(), nil
}

// LayoutNames returns the layout names in sorted order.
func (c *Config) LayoutNames() []string {
	names := make([]string, 0, len(c.Layouts))
	for name := range c.Layouts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
