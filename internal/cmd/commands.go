package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kairos-io/disklayout/internal/constants"
	"github.com/kairos-io/disklayout/internal/utils"
	"github.com/kairos-io/disklayout/internal/version"
	"github.com/kairos-io/disklayout/pkg/plan"
	"github.com/kairos-io/disklayout/pkg/query"
	"github.com/kairos-io/disklayout/pkg/script"
	"github.com/kairos-io/disklayout/pkg/table"
	"github.com/twpayne/go-vfs/v4"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const adjustPart = "adjust_part"

func adjustPartFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    adjustPart,
		Usage:   "resize partitions, e.g. \"ROOT-A:=1GiB STATE:+500MiB\"",
		EnvVars: []string{"DISKLAYOUT_ADJUST_PART"},
	}
}

// NewApp returns the disklayout application reading and writing through fs.
func NewApp(fs vfs.FS) *cli.App {
	app := cli.NewApp()
	app.Name = "disklayout"
	app.Usage = "compute disk partition layouts from stacked JSON configs"
	app.Version = version.GetVersion()
	app.Authors = []*cli.Author{{Name: "Kairos authors"}}
	app.Copyright = "kairos authors"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			EnvVars: []string{"DISKLAYOUT_DEBUG"},
		},
	}
	app.Before = func(c *cli.Context) error {
		utils.SetLogger(c.Bool("debug"))
		return nil
	}
	// Errors are printed and turned into an exit code by main.
	app.ExitErrHandler = func(*cli.Context, error) {}
	app.Commands = Commands(fs)
	return app
}

// Commands returns every disklayout command.
func Commands(fs vfs.FS) []*cli.Command {
	commands := []*cli.Command{
		{
			Name:      "write",
			Usage:     "write the partition script of an image type",
			ArgsUsage: "<image_type> <disk_layout> <script_file>",
			Flags: []cli.Flag{
				adjustPartFlag(),
				&cli.StringFlag{
					Name:  "skeleton",
					Usage: "script header replacing the built in one",
				},
			},
			Action: func(c *cli.Context) error {
				if err := checkArgs(c, 3); err != nil {
					return err
				}
				adjustments, err := table.ParseAdjustments(c.String(adjustPart))
				if err != nil {
					return err
				}
				s := &script.State{
					FS:           fs,
					Logger:       utils.Log,
					ImageType:    c.Args().Get(0),
					LayoutFile:   c.Args().Get(1),
					ScriptFile:   c.Args().Get(2),
					Adjustments:  adjustments,
					SkeletonFile: c.String("skeleton"),
					Generator:    fmt.Sprintf("disklayout %s", version.GetVersion()),
				}
				return s.Run(context.Background())
			},
		},
		{
			Name:      "readblocksize",
			Usage:     "print the partition table block size",
			ArgsUsage: "<disk_layout>",
			Flags:     []cli.Flag{adjustPartFlag()},
			Action: func(c *cli.Context) error {
				if err := checkArgs(c, 1); err != nil {
					return err
				}
				q, err := newQuery(c, fs, c.Args().Get(0))
				if err != nil {
					return err
				}
				return output(c, q.BlockSize())
			},
		},
		{
			Name:      "readfsblocksize",
			Usage:     "print the filesystem block size",
			ArgsUsage: "<disk_layout>",
			Flags:     []cli.Flag{adjustPartFlag()},
			Action: func(c *cli.Context) error {
				if err := checkArgs(c, 1); err != nil {
					return err
				}
				q, err := newQuery(c, fs, c.Args().Get(0))
				if err != nil {
					return err
				}
				return output(c, q.FsBlockSize())
			},
		},
		{
			Name:      "readpartitionnums",
			Usage:     "print the partition numbers of an image type",
			ArgsUsage: "<image_type> <disk_layout>",
			Flags:     []cli.Flag{adjustPartFlag()},
			Action: layoutAction(fs, func(c *cli.Context, q *query.Query, imageType string) error {
				nums, err := q.PartitionNums(imageType)
				if err != nil {
					return err
				}
				return output(c, nums)
			}),
		},
		{
			Name:      "validate",
			Usage:     "check a layout file and its image type",
			ArgsUsage: "<image_type> <disk_layout>",
			Flags:     []cli.Flag{adjustPartFlag()},
			Action: layoutAction(fs, func(_ *cli.Context, q *query.Query, imageType string) error {
				return q.Validate(imageType)
			}),
		},
		{
			Name:      "readvars",
			Usage:     "print the partition size and format variables as an env file",
			ArgsUsage: "<image_type> <disk_layout>",
			Flags:     []cli.Flag{adjustPartFlag()},
			Action: layoutAction(fs, func(c *cli.Context, q *query.Query, imageType string) error {
				vars, err := q.Vars(imageType)
				if err != nil {
					return err
				}
				return output(c, vars)
			}),
		},
		{
			Name:      "debug",
			Usage:     "print a human readable layout",
			ArgsUsage: "<image_type> <disk_layout>",
			Flags: []cli.Flag{
				adjustPartFlag(),
				&cli.StringFlag{
					Name:  "output",
					Value: query.OutputText,
					Usage: "text, yaml or json",
				},
			},
			Action: layoutAction(fs, func(c *cli.Context, q *query.Query, imageType string) error {
				return q.Debug(c.App.Writer, imageType, c.String("output"))
			}),
		},
		{
			Name:      "plan",
			Usage:     "print where every partition goes on disk",
			ArgsUsage: "<image_type> <disk_layout>",
			Flags: []cli.Flag{
				adjustPartFlag(),
				&cli.StringFlag{
					Name:  "device",
					Usage: "size the expanding partition to fill this block device",
				},
				&cli.StringFlag{
					Name:  "variant",
					Value: string(plan.VariantPartition),
					Usage: "base or partition",
				},
			},
			Action: layoutAction(fs, func(c *cli.Context, q *query.Query, imageType string) error {
				variant, err := plan.ParseVariant(c.String("variant"))
				if err != nil {
					return err
				}
				p, err := q.Plan(imageType, variant, plan.BlockDevices{Logger: utils.Log}, c.String("device"))
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(c.App.Writer)
				enc.SetIndent(2)
				if err := enc.Encode(p); err != nil {
					return err
				}
				return enc.Close()
			}),
		},
		{
			Name:  "version",
			Usage: "version",
			Action: func(c *cli.Context) error {
				v := version.Get()
				utils.Log.Debug().Str("commit", v.GitCommit).Str("compiled with", v.GoVersion).Msg("disklayout")
				return output(c, v.Version)
			},
		},
	}
	return append(commands, partitionCommands(fs)...)
}

// partitionCommands are the read* commands about a single partition.
func partitionCommands(fs vfs.FS) []*cli.Command {
	reads := []struct {
		name  string
		usage string
		read  func(q *query.Query, imageType string, num int) (any, error)
	}{
		{"readpartsize", "print the partition size in bytes", func(q *query.Query, t string, n int) (any, error) { return q.PartitionSize(t, n) }},
		{"readfssize", "print the filesystem size in bytes", func(q *query.Query, t string, n int) (any, error) { return q.FsSize(t, n) }},
		{"readformat", "print the partition format", func(q *query.Query, t string, n int) (any, error) { return q.Format(t, n) }},
		{"readfsformat", "print the filesystem format", func(q *query.Query, t string, n int) (any, error) { return q.FsFormat(t, n) }},
		{"readfsoptions", "print the filesystem options", func(q *query.Query, t string, n int) (any, error) { return q.FsOptions(t, n) }},
		{"readlabel", "print the partition label", func(q *query.Query, t string, n int) (any, error) { return q.Label(t, n) }},
		{"readtype", "print the partition type", func(q *query.Query, t string, n int) (any, error) { return q.Type(t, n) }},
		{"readuuid", "print the partition uuid", func(q *query.Query, t string, n int) (any, error) { return q.UUID(t, n) }},
	}

	commands := make([]*cli.Command, 0, len(reads))
	for _, r := range reads {
		read := r.read
		commands = append(commands, &cli.Command{
			Name:      r.name,
			Usage:     r.usage,
			ArgsUsage: "<image_type> <disk_layout> <partition_num>",
			Flags:     []cli.Flag{adjustPartFlag()},
			Action: func(c *cli.Context) error {
				if err := checkArgs(c, 3); err != nil {
					return err
				}
				num, err := strconv.Atoi(c.Args().Get(2))
				if err != nil {
					return fmt.Errorf("%w: partition number %q is not a number", constants.ErrUsage, c.Args().Get(2))
				}
				q, err := newQuery(c, fs, c.Args().Get(1))
				if err != nil {
					return err
				}
				v, err := read(q, c.Args().Get(0), num)
				if err != nil {
					return err
				}
				return output(c, v)
			},
		})
	}
	return commands
}

// layoutAction wraps commands taking <image_type> <disk_layout>.
func layoutAction(fs vfs.FS, fn func(c *cli.Context, q *query.Query, imageType string) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		if err := checkArgs(c, 2); err != nil {
			return err
		}
		q, err := newQuery(c, fs, c.Args().Get(1))
		if err != nil {
			return err
		}
		return fn(c, q, c.Args().Get(0))
	}
}

func newQuery(c *cli.Context, fs vfs.FS, layoutFile string) (*query.Query, error) {
	return query.New(fs, utils.Log, layoutFile, c.String(adjustPart))
}

func checkArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return fmt.Errorf("%w: %s %s", constants.ErrUsage, c.Command.Name, c.Command.ArgsUsage)
	}
	return nil
}

func output(c *cli.Context, v any) error {
	_, err := fmt.Fprintln(c.App.Writer, v)
	return err
}
