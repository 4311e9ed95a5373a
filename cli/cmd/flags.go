// Package cmd provides the commands of the daybreak binary.
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/daybreak/pipeline"
	"github.com/pithecene-io/daybreak/types"
)

// Shared flags for read-only commands.
var (
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag is accepted everywhere so unsupported commands can reject it
	// explicitly.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Interactive read-only view (status, history only)",
	}
)

// ReadOnlyFlags returns the output flags shared by read-only commands.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{FormatFlag, NoColorFlag, TUIFlag}
}

// GlobalFlags are accepted before any command.
func GlobalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to daybreak.yaml",
			Value:   "daybreak.yaml",
			EnvVars: []string{"DAYBREAK_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "store-backend",
			Usage: "Storage backend override: fs, memory, s3, redis, sqlite",
		},
		&cli.StringFlag{
			Name:  "store-path",
			Usage: "Storage path override (fs root, sqlite file, s3 bucket/prefix)",
		},
		&cli.StringFlag{
			Name:  "model-version",
			Usage: "Model version override",
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "Log debug output to stderr",
		},
	}
}

// runKeyFlags identify one pipeline run.
func runKeyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session ID", Required: true},
		&cli.StringFlag{Name: "pipeline", Aliases: []string{"p"}, Usage: "Pipeline: end-of-day, new-game, segment-transition", Required: true},
		&cli.StringFlag{Name: "instance", Aliases: []string{"i"}, Usage: "Run instance (default derived from --day/--segment)"},
		&cli.IntFlag{Name: "day", Aliases: []string{"d"}, Usage: "Simulated day the run operates on"},
		&cli.IntFlag{Name: "segment", Usage: "Story segment the run operates in"},
	}
}

// runKeyFrom reads the run key flags. The instance defaults to the
// pipeline's conventional instance for the day or segment.
func runKeyFrom(c *cli.Context, instanceFor func(types.PipelineType, types.SessionMeta) string) (pipeline.RunKey, types.SessionMeta, error) {
	p, err := types.ParsePipelineType(c.String("pipeline"))
	if err != nil {
		return pipeline.RunKey{}, types.SessionMeta{}, err
	}
	meta := types.SessionMeta{
		SessionID: c.String("session"),
		Day:       c.Int("day"),
		Segment:   c.Int("segment"),
	}
	if err := meta.Validate(); err != nil {
		return pipeline.RunKey{}, types.SessionMeta{}, err
	}
	instance := c.String("instance")
	if instance == "" {
		if p != types.PipelineNewGame && meta.Day == 0 && meta.Segment == 0 {
			return pipeline.RunKey{}, types.SessionMeta{}, fmt.Errorf("--instance, --day or --segment is required for %s", p)
		}
		instance = instanceFor(p, meta)
	}
	key := pipeline.RunKey{Session: meta.SessionID, Pipeline: p, Instance: instance}
	if err := key.Validate(); err != nil {
		return pipeline.RunKey{}, types.SessionMeta{}, err
	}
	return key, meta, nil
}
