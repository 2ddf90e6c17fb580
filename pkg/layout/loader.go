package layout

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kairos-io/disklayout/internal/constants"
	"github.com/rs/zerolog"
	"github.com/twpayne/go-vfs/v4"
)

var commentLine = regexp.MustCompile(`^\s*#`)

// Loader reads layout files and their parents.
type Loader struct {
	FS     vfs.FS
	Logger zerolog.Logger
}

func NewLoader(fs vfs.FS, logger zerolog.Logger) *Loader {
	return &Loader{FS: fs, Logger: logger}
}

// Load reads a stacked layout file and validates it.
func (l *Loader) Load(path string) (*Config, error) {
	raw, err := l.LoadStacked(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Validate(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, name := range cfg.LayoutNames() {
		for _, p := range cfg.Layouts[name] {
			if !p.Has("size") && !p.Has("blocks") {
				l.Logger.Debug().Str("layout", name).Int("num", p.Num).Str("label", p.Label).Msg("partition has no size, using 0 blocks")
			}
		}
	}
	return cfg, nil
}

// LoadJSONWithComments decodes a JSON file after dropping every line whose
// first non blank character is '#'. Inline comments are not supported.
func (l *Loader) LoadJSONWithComments(path string) (RawConfig, error) {
	data, err := l.FS.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: partition config %s was not found", constants.ErrConfigNotFound, path)
		}
		return nil, err
	}

	lines := strings.SplitAfter(string(data), "\n")
	var source strings.Builder
	for _, line := range lines {
		if commentLine.MatchString(line) {
			continue
		}
		source.WriteString(line)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(source.String())))
	dec.UseNumber()
	var config RawConfig
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %s", constants.ErrInvalidLayout, path, err)
	}
	if config == nil {
		return nil, fmt.Errorf("%w: %s is not a JSON object", constants.ErrInvalidLayout, path)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parsing %s: unexpected data after the top level object", constants.ErrInvalidLayout, path)
	}
	return config, nil
}

// LoadStacked reads a layout file, merges the common layout into every named
// layout and then inherits from each file listed in "parent". It does no
// validation beyond what is needed to walk the structure.
func (l *Loader) LoadStacked(path string) (RawConfig, error) {
	return l.loadStacked(path, nil)
}

func (l *Loader) loadStacked(path string, chain []string) (RawConfig, error) {
	clean := filepath.Clean(path)
	for _, p := range chain {
		if p == clean {
			return nil, fmt.Errorf("%w: cyclic parent chain %s -> %s", constants.ErrInvalidLayout, strings.Join(chain, " -> "), clean)
		}
	}
	chain = append(chain, clean)

	l.Logger.Debug().Str("file", clean).Int("depth", len(chain)).Msg("loading layout")
	config, err := l.LoadJSONWithComments(clean)
	if err != nil {
		return nil, err
	}

	if err := applyCommon(config); err != nil {
		return nil, fmt.Errorf("%s: %w", clean, err)
	}

	var parents []string
	if v, ok := config["parent"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: \"parent\" must be a string, not %T", constants.ErrInvalidLayout, clean, v)
		}
		parents = strings.Fields(s)
	}

	dir := filepath.Dir(clean)
	for _, parent := range parents {
		parentConfig, err := l.loadStacked(filepath.Join(dir, parent), chain)
		if err != nil {
			return nil, err
		}
		if err := inherit(parentConfig, config); err != nil {
			return nil, fmt.Errorf("%s: %w", clean, err)
		}
		config = parentConfig
	}

	delete(config, "parent")
	return config, nil
}

// applyCommon replaces every named layout with the common layout overridden
// by the named layout's entries.
func applyCommon(config RawConfig) error {
	common, err := config.Layout(constants.CommonLayout, RawLayout{})
	if err != nil {
		return err
	}
	names, err := config.LayoutNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == constants.CommonLayout {
			continue
		}
		named, err := config.Layout(name, RawLayout{})
		if err != nil {
			return err
		}
		if err := config.SetLayout(name, mergeCommon(common, named)); err != nil {
			return err
		}
	}
	return nil
}

// inherit folds child into parent: missing keys are filled in, metadata is
// merged field by field, and every parent layout gets the child's common and
// same named overrides applied.
func inherit(parent, child RawConfig) error {
	for key := range child {
		switch key {
		case "parent":
			continue
		case "metadata":
			childMeta, ok := child[key].(map[string]any)
			if !ok {
				return fmt.Errorf("%w: \"metadata\" must be an object", constants.ErrInvalidLayout)
			}
			parentMeta, ok := parent[key].(map[string]any)
			if !ok || parentMeta == nil {
				parentMeta = map[string]any{}
				parent[key] = parentMeta
			}
			for k, v := range childMeta {
				parentMeta[k] = deepCopy(v)
			}
		default:
			if _, ok := parent[key]; !ok {
				parent[key] = deepCopy(child[key])
			}
		}
	}

	// Layouts only the child knows about start from the parent's common
	// layout, so the child's overrides have something to apply to.
	parentCommon, err := parent.Layout(constants.CommonLayout, RawLayout{})
	if err != nil {
		return err
	}
	childNames, err := child.LayoutNames()
	if err != nil {
		return err
	}
	parentLayouts, err := parent.Layouts()
	if err != nil {
		return err
	}
	for _, name := range childNames {
		if _, ok := parentLayouts[name]; !ok {
			parentLayouts[name] = parentCommon.DeepCopy()
		}
	}

	childCommon, err := child.Layout(constants.CommonLayout, RawLayout{})
	if err != nil {
		return err
	}
	parentNames, err := parent.LayoutNames()
	if err != nil {
		return err
	}
	for _, name := range parentNames {
		target, err := parent.Layout(name, RawLayout{})
		if err != nil {
			return err
		}
		override, err := child.Layout(name, RawLayout{})
		if err != nil {
			return err
		}
		if name != constants.CommonLayout {
			target = applyOverrides(target, childCommon)
		}
		target = applyOverrides(target, override)
		if err := parent.SetLayout(name, target); err != nil {
			return err
		}
	}
	return nil
}
