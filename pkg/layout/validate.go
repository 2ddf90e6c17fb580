package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/gofrs/uuid"
	"github.com/kairos-io/disklayout/internal/constants"
	"github.com/kairos-io/disklayout/pkg/size"
)

var validKeys = map[string]bool{
	constants.CommentKey: true,
	"hybrid_mbr":         true,
	"metadata":           true,
	"layouts":            true,
	"parent":             true,
}

var validPartitionKeys = map[string]bool{
	constants.CommentKey:    true,
	"num":                   true,
	"blocks":                true,
	"block_size":            true,
	"fs_blocks":             true,
	"fs_block_size":         true,
	"uuid":                  true,
	"label":                 true,
	"format":                true,
	"fs_format":             true,
	"type":                  true,
	"features":              true,
	"size":                  true,
	"fs_size":               true,
	"fs_options":            true,
	"reserved_erase_blocks": true,
}

// MissingKeyError reports a required key absent from the layout file.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("missing key %q", e.Key)
}

func missing(key string) error {
	return fmt.Errorf("%w: layout is missing required entries: %w", constants.ErrInvalidLayout, &MissingKeyError{Key: key})
}

// Validate checks a stacked raw config and resolves every partition size
// into block and byte counts.
func Validate(raw RawConfig) (*Config, error) {
	metaRaw, ok := raw["metadata"]
	if !ok || metaRaw == nil {
		return nil, missing("metadata")
	}
	metaMap, ok := metaRaw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: \"metadata\" must be an object, not %T", constants.ErrInvalidLayout, metaRaw)
	}
	md, err := parseMetadata(metaMap)
	if err != nil {
		return nil, err
	}

	if unknown := unknownKeys(raw, validKeys); len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown items: %v", constants.ErrInvalidLayout, unknown)
	}

	names, err := raw.LayoutNames()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: missing \"layouts\" entries", constants.ErrInvalidLayout)
	}
	found := false
	for _, name := range names {
		if name == constants.BaseLayout {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: missing \"base\" config in \"layouts\"", constants.ErrInvalidLayout)
	}

	cfg := &Config{Metadata: md, Layouts: map[string]Layout{}}
	if v, ok := raw["hybrid_mbr"]; ok && v != nil {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: \"hybrid_mbr\" must be a boolean, not %T", constants.ErrInvalidLayout, v)
		}
		cfg.HybridMBR = b
	}

	for _, name := range names {
		rawLayout, err := raw.Layout(name, RawLayout{})
		if err != nil {
			return nil, err
		}
		l := make(Layout, 0, len(rawLayout))
		seen := map[int]bool{}
		for _, rawPart := range rawLayout {
			p, err := parsePartition(name, rawPart, md)
			if err != nil {
				return nil, err
			}
			if p.HasNum() && !p.IsBlank() {
				if seen[p.Num] {
					return nil, fmt.Errorf("%w: layout %q has partition %d twice", constants.ErrInvalidLayout, name, p.Num)
				}
				seen[p.Num] = true
			}
			l = append(l, p)
		}
		cfg.Layouts[name] = l
	}
	return cfg, nil
}

func parseMetadata(raw map[string]any) (Metadata, error) {
	md := Metadata{Extra: map[string]any{}, PrimaryEntryArrayLBA: constants.DefaultPrimaryEntryArrayLBA}
	for _, key := range []string{"block_size", "fs_block_size"} {
		v, ok := raw[key]
		if !ok || v == nil {
			return md, missing(key)
		}
		s, err := scalarString(v)
		if err != nil {
			return md, fmt.Errorf("metadata %s: %w", key, err)
		}
		n, err := size.ParseHumanNumber(s)
		if err != nil {
			return md, fmt.Errorf("%w: metadata %s: %w", constants.ErrInvalidLayout, key, err)
		}
		if n <= 0 {
			return md, fmt.Errorf("%w: metadata %s must be positive, got %d", constants.ErrInvalidLayout, key, n)
		}
		if key == "block_size" {
			md.BlockSize = n
		} else {
			md.FsBlockSize = n
		}
	}

	for key, v := range raw {
		switch key {
		case "block_size", "fs_block_size":
		case "primary_entry_array_lba":
			s, err := scalarString(v)
			if err != nil {
				return md, fmt.Errorf("metadata %s: %w", key, err)
			}
			n, err := size.ParseHumanNumber(s)
			if err != nil {
				return md, fmt.Errorf("%w: metadata %s: %w", constants.ErrInvalidLayout, key, err)
			}
			if n < constants.DefaultPrimaryEntryArrayLBA {
				return md, fmt.Errorf("%w: metadata %s (%d) must be at least %d",
					constants.ErrInvalidLayout, key, n, constants.DefaultPrimaryEntryArrayLBA)
			}
			md.PrimaryEntryArrayLBA = n
		default:
			md.Extra[key] = deepCopy(v)
		}
	}
	return md, nil
}

func parsePartition(layoutName string, raw map[string]any, md Metadata) (Partition, error) {
	if unknown := unknownKeys(raw, validPartitionKeys); len(unknown) > 0 {
		return Partition{}, fmt.Errorf("%w: unknown items in layout %s: %v", constants.ErrInvalidLayout, layoutName, unknown)
	}

	p := Partition{fields: map[string]bool{}}
	for k := range raw {
		p.fields[k] = true
	}

	str := func(key string) (string, error) {
		v, ok := raw[key]
		if !ok || v == nil {
			return "", nil
		}
		s, err := scalarString(v)
		if err != nil {
			return "", fmt.Errorf("layout %s: %s: %w", layoutName, key, err)
		}
		return s, nil
	}

	var err error
	if !p.Has("type") {
		return p, fmt.Errorf("layout %s: %w", layoutName, missing("type"))
	}
	if p.Type, err = str("type"); err != nil {
		return p, err
	}
	if p.Label, err = str("label"); err != nil {
		return p, err
	}
	if p.Has("num") {
		s, err := str("num")
		if err != nil {
			return p, err
		}
		if p.Num, err = strconv.Atoi(s); err != nil {
			return p, fmt.Errorf("%w: layout %s: partition number %q is not an integer", constants.ErrInvalidLayout, layoutName, s)
		}
	}
	if !p.IsBlank() {
		for _, key := range []string{"num", "label"} {
			if !p.Has(key) {
				return p, fmt.Errorf("%w: layout %q missing %q", constants.ErrInvalidLayout, layoutName, key)
			}
		}
	}
	for key, dst := range map[string]*string{"format": &p.Format, "fs_format": &p.FsFormat, "uuid": &p.UUID} {
		if *dst, err = str(key); err != nil {
			return p, err
		}
	}
	if p.UUID != "" && p.UUID != constants.RandomUUID {
		if _, err := uuid.FromString(p.UUID); err != nil {
			return p, fmt.Errorf("%w: layout %s partition %s: bad uuid %q: %s", constants.ErrInvalidLayout, layoutName, p.Label, p.UUID, err)
		}
	}

	if p.Has("size") && p.Has("blocks") {
		return p, fmt.Errorf("%w: conflicting settings are used in layout %s partition %s: found section sets both 'blocks' and 'size'",
			constants.ErrConflictingOptions, layoutName, p.Label)
	}
	switch {
	case p.Has("size"):
		if p.Size, err = str("size"); err != nil {
			return p, err
		}
		if p.Bytes, err = size.ParseHumanNumber(p.Size); err != nil {
			return p, fmt.Errorf("layout %s partition %s: %w", layoutName, p.Label, err)
		}
		if p.Bytes%md.BlockSize != 0 {
			return p, fmt.Errorf("%w: size: %q (%d bytes) is not an even number of block_size: %d",
				constants.ErrInvalidSize, p.Size, p.Bytes, md.BlockSize)
		}
		p.Blocks = p.Bytes / md.BlockSize
	case p.Has("blocks"):
		s, err := str("blocks")
		if err != nil {
			return p, err
		}
		if p.Blocks, err = size.ParseHumanNumber(s); err != nil {
			return p, fmt.Errorf("layout %s partition %s: %w", layoutName, p.Label, err)
		}
		p.Bytes = p.Blocks * md.BlockSize
	}
	if p.Bytes < 0 {
		return p, fmt.Errorf("%w: layout %s partition %s: size must not be negative", constants.ErrInvalidSize, layoutName, p.Label)
	}

	switch {
	case p.Has("fs_size"):
		if p.FsSize, err = str("fs_size"); err != nil {
			return p, err
		}
		if p.FsBytes, err = size.ParseHumanNumber(p.FsSize); err != nil {
			return p, fmt.Errorf("layout %s partition %s: %w", layoutName, p.Label, err)
		}
		if p.FsBytes <= 0 {
			return p, fmt.Errorf("%w: file system size %q must be positive", constants.ErrInvalidSize, p.FsSize)
		}
		if p.FsBytes > p.Bytes {
			return p, fsTooLarge(layoutName, p)
		}
		if p.FsBytes%md.FsBlockSize != 0 {
			return p, fmt.Errorf("%w: file system size: %q (%d bytes) is not an even number of fs blocks: %d",
				constants.ErrInvalidSize, p.FsSize, p.FsBytes, md.FsBlockSize)
		}
		p.FsBlocks = p.FsBytes / md.FsBlockSize
	case p.Has("fs_blocks"):
		if p.FsBlocksExpr, err = str("fs_blocks"); err != nil {
			return p, err
		}
		if err := p.resolveFsBlocks(md); err != nil {
			return p, fmt.Errorf("layout %s partition %s: %w", layoutName, p.Label, err)
		}
		if p.FsBytes > p.Bytes {
			return p, fsTooLarge(layoutName, p)
		}
	}

	if v, ok := raw["features"]; ok && v != nil {
		list, ok := v.([]any)
		if !ok {
			return p, fmt.Errorf("%w: layout %s partition %s: features must be a list", constants.ErrInvalidLayout, layoutName, p.Label)
		}
		for _, f := range list {
			s, ok := f.(string)
			if !ok {
				return p, fmt.Errorf("%w: layout %s partition %s: feature %v is not a string", constants.ErrInvalidLayout, layoutName, p.Label, f)
			}
			p.Features = append(p.Features, s)
		}
	}

	if v, ok := raw["fs_options"]; ok && v != nil {
		switch t := v.(type) {
		case string:
			p.FsOptions = FlatFsOptions(t)
		case map[string]any:
			m := make(map[string]string, len(t))
			for k, e := range t {
				s, ok := e.(string)
				if !ok {
					return p, fmt.Errorf("%w: layout %s partition %s: fs_options[%s] must be a string", constants.ErrInvalidLayout, layoutName, p.Label, k)
				}
				m[k] = s
			}
			p.FsOptions = PerFormatFsOptions(m)
		default:
			return p, fmt.Errorf("%w: partition number %d: fs_options must be a string or dict, not %T", constants.ErrInvalidLayout, p.Num, v)
		}
	}

	if p.Has("reserved_erase_blocks") {
		s, err := str("reserved_erase_blocks")
		if err != nil {
			return p, err
		}
		if p.ReservedEraseBlocks, err = size.ParseHumanNumber(s); err != nil {
			return p, fmt.Errorf("layout %s partition %s: %w", layoutName, p.Label, err)
		}
	}
	return p, nil
}

// resolveFsBlocks turns a possibly relative fs_blocks value into fs blocks
// and bytes, using the partition size as the ceiling.
func (p *Partition) resolveFsBlocks(md Metadata) error {
	if p.FsBlocksExpr == "" {
		return nil
	}
	blocks, err := size.ParseRelativeNumber(p.Bytes/md.FsBlockSize, p.FsBlocksExpr)
	if err != nil {
		return err
	}
	p.FsBlocks = blocks
	p.FsBytes = blocks * md.FsBlockSize
	return nil
}

func fsTooLarge(layoutName string, p Partition) error {
	return fmt.Errorf("%w: filesystem may not be larger than partition: %s %s: %d > %d",
		constants.ErrInvalidLayout, layoutName, p.Label, p.FsBytes, p.Bytes)
}

func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		return "", fmt.Errorf("%w: expected a string or number, got %T", constants.ErrInvalidLayout, v)
	}
}

func unknownKeys(m map[string]any, valid map[string]bool) []string {
	var unknown []string
	for k := range m {
		if !valid[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// IsMissingKey reports whether err was caused by a required key missing.
func IsMissingKey(err error) bool {
	var m *MissingKeyError
	return errors.As(err, &m)
}
