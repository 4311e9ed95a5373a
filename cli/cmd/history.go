package cmd

import (
	"errors"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/daybreak/cli/render"
	"github.com/pithecene-io/daybreak/cli/tui"
	"github.com/pithecene-io/daybreak/history"
	"github.com/pithecene-io/daybreak/types"
)

// HistoryCommand returns the history command. It lists run reports,
// latest first.
func HistoryCommand(env *Env) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recent run reports",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Filter by session"},
			&cli.StringFlag{Name: "pipeline", Aliases: []string{"p"}, Usage: "Filter by pipeline"},
			&cli.StringFlag{Name: "status", Usage: "Filter by outcome: completed, halted_with_error, aborted"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum reports", Value: 20},
		}, ReadOnlyFlags()...),
		Action: func(c *cli.Context) error { return historyAction(c, env) },
	}
}

func historyAction(c *cli.Context, env *Env) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	f := history.Filter{
		Session: c.String("session"),
		Status:  types.OutcomeStatus(c.String("status")),
		Limit:   c.Int("limit"),
	}
	if p := c.String("pipeline"); p != "" {
		if f.Pipeline, err = types.ParsePipelineType(p); err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	rt, err := openRuntime(c, env)
	if err != nil {
		return err
	}
	defer rt.close()
	if rt.history == nil {
		return cli.Exit("history is disabled (set history.enabled in daybreak.yaml)", 1)
	}

	reps, err := history.Query(c.Context, rt.history, f)
	if errors.Is(err, history.ErrNoHistory) {
		err = nil
	}
	if err != nil {
		return fatal(err)
	}
	if reps == nil {
		reps = []history.Report{}
	}
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewHistory, reps)
	}
	return r.Render(reps)
}
