package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/daybreak/narrative"
	"github.com/pithecene-io/daybreak/pipeline"
	"github.com/pithecene-io/daybreak/types"
)

// RunCommand returns the run command.
//
// Run drives one pipeline run to completion, resuming after the last
// completed step when earlier invocations made progress. Exit codes:
//   - 0: completed
//   - 1: halted with a retryable error (run again to resume)
//   - 2: aborted by the session guard or dropped as a duplicate
//   - 3: halted with an invariant violation (resuming cannot help)
//   - 4: configuration error
func RunCommand(env *Env) *cli.Command {
	flags := append(runKeyFlags(),
		&cli.StringFlag{Name: "premise-file", Usage: "Store this premise before a new-game run"},
		&cli.StringFlag{Name: "transcript-file", Usage: "Store this transcript for --day before the run"},
		&cli.StringFlag{Name: "run-id", Usage: "Run ID for logs and reports (default: generated)"},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Suppress the result summary"},
	)
	return &cli.Command{
		Name:   "run",
		Usage:  "Run or resume a pipeline",
		Flags:  flags,
		Action: func(c *cli.Context) error { return runAction(c, env) },
	}
}

func runAction(c *cli.Context, env *Env) error {
	key, meta, err := runKeyFrom(c, narrative.InstanceFor)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	rt, err := openRuntime(c, env)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := stageInputs(ctx, c, rt, meta); err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	guard, err := pipeline.NewSessionGuard(ctx, rt.store, key.Session)
	if err != nil {
		return cli.Exit(fmt.Sprintf("session guard: %v", err), exitHalted)
	}

	res := rt.driver.RunOrResume(ctx, pipeline.Invocation{
		Key:     key,
		Session: meta,
		RunID:   c.String("run-id"),
		Guard:   guard,
	})
	if !c.Bool("quiet") {
		printResult(c.App.Writer, res)
	}
	return cli.Exit("", exitCode(res))
}

// stageInputs stores the premise and transcript files the run reads.
func stageInputs(ctx context.Context, c *cli.Context, rt *runtime, meta types.SessionMeta) error {
	if path := c.String("premise-file"); path != "" {
		text, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read premise: %w", err)
		}
		if err := narrative.SetPremise(ctx, rt.store, rt.codec, meta.SessionID, string(text)); err != nil {
			return fmt.Errorf("store premise: %w", err)
		}
	}
	if path := c.String("transcript-file"); path != "" {
		if meta.Day == 0 {
			return fmt.Errorf("--transcript-file requires --day")
		}
		text, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}
		if err := narrative.SetTranscript(ctx, rt.store, rt.codec, meta.SessionID, meta.Day, string(text)); err != nil {
			return fmt.Errorf("store transcript: %w", err)
		}
	}
	return nil
}

// exitCode maps an outcome to the run exit code.
func exitCode(r *pipeline.Result) int {
	switch r.Status {
	case types.OutcomeCompleted:
		return exitCompleted
	case types.OutcomeHaltedWithError:
		if !r.Retryable {
			return exitInvariant
		}
		return exitHalted
	case types.OutcomeAborted, types.OutcomeDropped:
		return exitAborted
	default:
		return exitHalted
	}
}

func printResult(w io.Writer, r *pipeline.Result) {
	fmt.Fprintf(w, "run:      %s\n", r.Key)
	fmt.Fprintf(w, "run_id:   %s\n", r.RunID)
	fmt.Fprintf(w, "outcome:  %s\n", r.Status)
	fmt.Fprintf(w, "cursor:   %s\n", r.Cursor)
	fmt.Fprintf(w, "steps:    %d run, %d skipped\n", r.StepsRun, r.StepsSkipped)
	if r.Resumed {
		fmt.Fprintln(w, "resumed:  true")
	}
	fmt.Fprintf(w, "duration: %s\n", r.Duration().Round(time.Millisecond))
	if r.Err != nil {
		fmt.Fprintf(w, "step:     %s\n", r.Step)
		fmt.Fprintf(w, "error:    [%s] %s\n", r.ErrorKind(), r.Message())
		if r.Retryable {
			fmt.Fprintln(w, "hint:     run the same command again to resume")
		}
	}
}
