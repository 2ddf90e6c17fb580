package layout

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kairos-io/disklayout/internal/constants"
	"github.com/mitchellh/copystructure"
)

// RawConfig is a layout file as decoded from JSON, before validation.
type RawConfig map[string]any

// RawLayout is an ordered list of undecoded partitions.
type RawLayout []map[string]any

// Layouts returns the "layouts" object, creating it when missing.
func (c RawConfig) Layouts() (map[string]any, error) {
	v, ok := c["layouts"]
	if !ok || v == nil {
		layouts := map[string]any{}
		c["layouts"] = layouts
		return layouts, nil
	}
	layouts, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: \"layouts\" must be an object, not %T", constants.ErrInvalidLayout, v)
	}
	return layouts, nil
}

// Layout returns the named layout, setting it to def when missing.
func (c RawConfig) Layout(name string, def RawLayout) (RawLayout, error) {
	layouts, err := c.Layouts()
	if err != nil {
		return nil, err
	}
	v, ok := layouts[name]
	if !ok || v == nil {
		layouts[name] = def
		return def, nil
	}
	l, err := toRawLayout(v)
	if err != nil {
		return nil, fmt.Errorf("layout %q: %w", name, err)
	}
	layouts[name] = l
	return l, nil
}

// SetLayout replaces the named layout.
func (c RawConfig) SetLayout(name string, l RawLayout) error {
	layouts, err := c.Layouts()
	if err != nil {
		return err
	}
	layouts[name] = l
	return nil
}

// LayoutNames returns the names of all layouts except the comment key.
func (c RawConfig) LayoutNames() ([]string, error) {
	layouts, err := c.Layouts()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(layouts))
	for name := range layouts {
		if name == constants.CommentKey {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeepCopy returns a copy sharing no maps or slices with c.
func (c RawConfig) DeepCopy() RawConfig {
	return RawConfig(deepCopy(map[string]any(c)).(map[string]any))
}

// DeepCopy returns a copy sharing no maps or slices with l.
func (l RawLayout) DeepCopy() RawLayout {
	out := make(RawLayout, 0, len(l))
	for _, p := range l {
		out = append(out, deepCopy(p).(map[string]any))
	}
	return out
}

// deepCopy copies a decoded JSON value. Every value it is given comes from
// encoding/json or from this package, so the copy cannot fail.
func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	return copystructure.Must(copystructure.Copy(v))
}

func toRawLayout(v any) (RawLayout, error) {
	switch t := v.(type) {
	case RawLayout:
		return t, nil
	case []map[string]any:
		return RawLayout(t), nil
	case []any:
		l := make(RawLayout, 0, len(t))
		for i, e := range t {
			part, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: partition %d must be an object, not %T", constants.ErrInvalidLayout, i, e)
			}
			l = append(l, part)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("%w: layout must be a list, not %T", constants.ErrInvalidLayout, v)
	}
}

// numKey returns the partition number as a comparable key. Partitions with a
// missing or zero number have no key and never match an override.
func numKey(part map[string]any) (string, bool) {
	v, ok := part["num"]
	if !ok || v == nil {
		return "", false
	}
	var key string
	switch t := v.(type) {
	case json.Number:
		key = t.String()
	case string:
		key = t
	default:
		key = fmt.Sprint(t)
	}
	if key == "" || key == "0" {
		return "", false
	}
	return key, true
}

// applyOverrides updates the partitions of target in place with the fields of
// the override partition carrying the same number. Numbered overrides with no
// match are appended, unnumbered ones are ignored.
func applyOverrides(target RawLayout, overrides RawLayout) RawLayout {
	for _, override := range overrides {
		num, ok := numKey(override)
		if !ok {
			continue
		}
		found := false
		for _, part := range target {
			if n, ok := numKey(part); ok && n == num {
				for k, v := range override {
					part[k] = deepCopy(v)
				}
				found = true
				break
			}
		}
		if !found {
			target = append(target, deepCopy(override).(map[string]any))
		}
	}
	return target
}

// mergeCommon builds a named layout from the common layout and the named
// layout's own entries. The named layout decides the order of the partitions
// it lists; common-only partitions are emitted before the first named entry
// that follows them in the common layout.
func mergeCommon(common RawLayout, named RawLayout) RawLayout {
	listed := map[string]bool{}
	for _, part := range named {
		if num, ok := numKey(part); ok {
			listed[num] = true
		}
	}
	commonIndex := map[string]int{}
	for i, part := range common {
		if num, ok := numKey(part); ok {
			if _, dup := commonIndex[num]; !dup {
				commonIndex[num] = i
			}
		}
	}

	out := make(RawLayout, 0, len(common)+len(named))
	next := 0
	flush := func(upTo int) {
		for ; next < upTo; next++ {
			part := common[next]
			if num, ok := numKey(part); ok && listed[num] {
				continue
			}
			out = append(out, deepCopy(part).(map[string]any))
		}
	}

	for _, part := range named {
		num, ok := numKey(part)
		idx, shared := commonIndex[num]
		if !ok || !shared {
			out = append(out, deepCopy(part).(map[string]any))
			continue
		}
		if idx >= next {
			flush(idx)
		}
		merged := deepCopy(common[idx]).(map[string]any)
		for k, v := range part {
			merged[k] = deepCopy(v)
		}
		out = append(out, merged)
	}
	flush(len(common))
	return out
}
