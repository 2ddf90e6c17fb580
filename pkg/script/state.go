package script

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/disklayout/internal/constants"
	"github.com/kairos-io/disklayout/pkg/layout"
	"github.com/kairos-io/disklayout/pkg/plan"
	"github.com/kairos-io/disklayout/pkg/table"
	"github.com/rs/zerolog"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
)

// State carries the inputs and intermediate results of a script write.
type State struct {
	FS     vfs.FS
	Logger zerolog.Logger

	LayoutFile  string
	ImageType   string
	ScriptFile  string
	Adjustments []table.Adjustment
	// SkeletonFile replaces the built in script header when set.
	SkeletonFile string
	Generator    string

	config         *layout.Config
	baseTable      layout.Layout
	partitionTable layout.Layout
	basePlan       *plan.Plan
	partitionPlan  *plan.Plan
	script         string
}

// Script returns the rendered script, empty until the render op ran.
func (s *State) Script() string {
	return s.script
}

// Register adds the write ops to g. Each op depends on the previous one.
func (s *State) Register(g *herd.Graph) error {
	var result *multierror.Error
	result = multierror.Append(result, s.LoadConfigDagStep(g))
	result = multierror.Append(result, s.BuildTablesDagStep(g))
	result = multierror.Append(result, s.CheckRootfsDagStep(g, herd.WithDeps(constants.OpBuildBaseTable, constants.OpBuildPartitionTable)))
	result = multierror.Append(result, s.PlanDagStep(g, herd.WithDeps(constants.OpCheckRootfs)))
	result = multierror.Append(result, s.RenderDagStep(g, herd.WithDeps(constants.OpPlanBase, constants.OpPlanPartition)))
	return result.ErrorOrNil()
}

// LoadConfigDagStep loads and validates the layout file.
func (s *State) LoadConfigDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(constants.OpLoadConfig, append(opts, herd.WithCallback(func(_ context.Context) error {
		cfg, err := layout.NewLoader(s.FS, s.Logger).Load(s.LayoutFile)
		if err != nil {
			return err
		}
		s.config = cfg
		return nil
	}))...)
}

// BuildTablesDagStep builds the base table and the image type table.
func (s *State) BuildTablesDagStep(g *herd.Graph) error {
	err := g.Add(constants.OpBuildBaseTable,
		herd.WithDeps(constants.OpLoadConfig),
		herd.WithCallback(func(_ context.Context) error {
			if s.config == nil {
				return errors.New("layout was not loaded")
			}
			t, err := table.BuildTable(s.config, constants.BaseLayout, s.Adjustments)
			if err != nil {
				return err
			}
			s.baseTable = t
			return nil
		}))
	if err != nil {
		return err
	}
	return g.Add(constants.OpBuildPartitionTable,
		herd.WithDeps(constants.OpBuildBaseTable),
		herd.WithCallback(func(_ context.Context) error {
			if s.config == nil {
				return errors.New("layout was not loaded")
			}
			t, err := table.BuildTable(s.config, s.ImageType, s.Adjustments)
			if err != nil {
				return err
			}
			s.partitionTable = t
			return nil
		}))
}

// CheckRootfsDagStep makes sure every rootfs partition is interchangeable.
func (s *State) CheckRootfsDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(constants.OpCheckRootfs, append(opts, herd.WithCallback(func(_ context.Context) error {
		var result *multierror.Error
		result = multierror.Append(result, table.CheckRootfsPartitionsMatch(s.baseTable))
		result = multierror.Append(result, table.CheckRootfsPartitionsMatch(s.partitionTable))
		return result.ErrorOrNil()
	}))...)
}

// PlanDagStep places the base and image type tables on disk.
func (s *State) PlanDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	err := g.Add(constants.OpPlanBase, append(opts, herd.WithCallback(func(_ context.Context) error {
		if s.baseTable == nil {
			return errors.New("base table was not built")
		}
		p, err := plan.New(s.config, s.baseTable, plan.VariantBase)
		if err != nil {
			return fmt.Errorf("layout %s: %w", constants.BaseLayout, err)
		}
		s.basePlan = p
		return nil
	}))...)
	if err != nil {
		return err
	}
	return g.Add(constants.OpPlanPartition,
		herd.WithDeps(constants.OpPlanBase),
		herd.WithCallback(func(_ context.Context) error {
			if s.partitionTable == nil {
				return errors.New("partition table was not built")
			}
			p, err := plan.New(s.config, s.partitionTable, plan.VariantPartition)
			if err != nil {
				return fmt.Errorf("layout %s: %w", s.ImageType, err)
			}
			s.partitionPlan = p
			return nil
		}))
}

// RenderDagStep renders the script in memory.
func (s *State) RenderDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(constants.OpRenderScript, append(opts, herd.WithCallback(func(_ context.Context) error {
		if s.basePlan == nil || s.partitionPlan == nil {
			return errors.New("partition plans are missing")
		}
		skeleton, err := s.skeleton()
		if err != nil {
			return err
		}

		var sb strings.Builder
		sb.WriteString(skeleton)
		WriteTableFunction(&sb, "base", s.basePlan)
		WriteVarsFunction(&sb, "base", s.config.Metadata, s.baseTable)
		WriteTableFunction(&sb, "partition", s.partitionPlan)
		WriteVarsFunction(&sb, "partition", s.config.Metadata, s.partitionTable)
		if root, err := table.ByLabel(s.baseTable, constants.RootAPartitionLabel); err == nil {
			fmt.Fprintf(&sb, "ROOTFS_PARTITION_SIZE=%d\n", root.Bytes)
		}
		s.script = sb.String()
		return nil
	}))...)
}

func (s *State) skeleton() (string, error) {
	if s.SkeletonFile == "" {
		return DefaultSkeleton(s.Generator), nil
	}
	data, err := s.FS.ReadFile(s.SkeletonFile)
	if err != nil {
		return "", fmt.Errorf("reading script skeleton: %w", err)
	}
	return FillSkeleton(string(data), s.SkeletonFile), nil
}

// Run registers the write ops on a fresh graph, runs them and writes the
// script file once every op succeeded.
func (s *State) Run(ctx context.Context) error {
	g := herd.DAG()
	if err := s.Register(g); err != nil {
		return err
	}
	s.Logger.Debug().Msg(s.WriteDAG(g))

	runErr := g.Run(ctx)
	s.Logger.Debug().Msg(s.WriteDAG(g))
	if err := Errors(g); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if s.script == "" {
		return errors.New("script was not rendered")
	}

	if err := s.FS.WriteFile(s.ScriptFile, []byte(s.script), 0o755); err != nil {
		return fmt.Errorf("writing %s: %w", s.ScriptFile, err)
	}
	s.Logger.Info().Str("file", s.ScriptFile).Str("image_type", s.ImageType).Msg("partition script written")
	return nil
}

// Errors returns the errors of the failed ops of g, in graph order.
func Errors(g *herd.Graph) error {
	var result *multierror.Error
	for _, layer := range g.Analyze() {
		for _, op := range layer {
			if op.Error != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", op.Name, op.Error))
			}
		}
	}
	return result.ErrorOrNil()
}

// WriteDAG writes the dag.
func (s *State) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (run: %t)\n", op.Name, op.Error.Error(), op.Executed)
			} else {
				out += fmt.Sprintf(" <%s> (run: %t)\n", op.Name, op.Executed)
			}
		}
	}
	return
}
