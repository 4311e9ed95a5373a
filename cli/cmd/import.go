package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/daybreak/pipeline"
	"github.com/pithecene-io/daybreak/types"
	"github.com/pithecene-io/daybreak/world"
)

// ImportCommand returns the import command. It commits a world snapshot
// as the session head and bumps the session generation: runs of the
// session still in flight abort at their next write, and every earlier
// run of the session starts over on its next invocation.
func ImportCommand(env *Env) *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Load a world JSON file as the session's head world",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session ID", Required: true},
			&cli.StringFlag{Name: "file", Usage: "World JSON file (- for stdin)", Required: true},
		},
		Action: func(c *cli.Context) error { return importAction(c, env) },
	}
}

func importAction(c *cli.Context, env *Env) error {
	session := c.String("session")
	meta := types.SessionMeta{SessionID: session}
	if err := meta.Validate(); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	st, err := readWorld(c, c.String("file"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	st.Session = session
	if st.CommittedAt.IsZero() {
		st.CommittedAt = time.Now().UTC()
	}

	rt, err := openRuntime(c, env)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := world.NewStore(rt.store, rt.codec).Commit(c.Context, st); err != nil {
		return fatal(err)
	}
	gen, err := pipeline.BumpGeneration(c.Context, rt.store, session)
	if err != nil {
		return fatal(fmt.Errorf("bump generation: %w", err))
	}
	fmt.Fprintf(c.App.Writer, "imported %s as %s/%s (generation %d)\n", c.String("file"), session, st.Ref(), gen)
	return nil
}

func readWorld(c *cli.Context, path string) (world.State, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(c.App.Reader)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return world.State{}, fmt.Errorf("read world: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var st world.State
	if err := dec.Decode(&st); err != nil {
		return world.State{}, fmt.Errorf("decode world: %w", err)
	}
	if st.Day < 1 {
		return world.State{}, errors.New("world: day must be >= 1")
	}
	if st.Protagonist == "" {
		return world.State{}, errors.New("world: protagonist is required")
	}
	return st, nil
}
