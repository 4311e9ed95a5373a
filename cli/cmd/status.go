package cmd

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/daybreak/cli/render"
	"github.com/pithecene-io/daybreak/cli/tui"
	"github.com/pithecene-io/daybreak/narrative"
	"github.com/pithecene-io/daybreak/pipeline"
)

// StatusCommand returns the status command. It reads the durable state of
// one run and never modifies it.
func StatusCommand(env *Env) *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show the cursor, journal, lease and bucket of a run",
		Flags:  append(runKeyFlags(), ReadOnlyFlags()...),
		Action: func(c *cli.Context) error { return statusAction(c, env) },
	}
}

func statusAction(c *cli.Context, env *Env) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	key, _, err := runKeyFrom(c, narrative.InstanceFor)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	rt, err := openRuntime(c, env)
	if err != nil {
		return err
	}
	defer rt.close()

	st, err := rt.driver.Status(c.Context, key)
	if err != nil {
		return fatal(fmt.Errorf("status %s: %w", key, err))
	}
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewStatus, st)
	}
	return r.Render(st)
}

// AbandonCommand returns the abandon command. Abandoning resets the
// cursor, journal and bucket and releases the lease; the next run starts
// from the first step.
func AbandonCommand(env *Env) *cli.Command {
	return &cli.Command{
		Name:   "abandon",
		Usage:  "Discard the progress of a run",
		Flags:  runKeyFlags(),
		Action: func(c *cli.Context) error { return abandonAction(c, env) },
	}
}

func abandonAction(c *cli.Context, env *Env) error {
	key, _, err := runKeyFrom(c, narrative.InstanceFor)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	rt, err := openRuntime(c, env)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.driver.Abandon(c.Context, key); err != nil {
		if errors.Is(err, pipeline.ErrRunInProgress) {
			return cli.Exit(fmt.Sprintf("%s is running; stop it before abandoning", key), exitAborted)
		}
		return fatal(fmt.Errorf("abandon %s: %w", key, err))
	}
	fmt.Fprintf(c.App.Writer, "abandoned %s\n", key)
	return nil
}
