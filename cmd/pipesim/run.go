package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-arcade/pipesim/internal/bootstrap"
	"github.com/go-arcade/pipesim/internal/pkg/config"
	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-arcade/pipesim/internal/pkg/simulate"
	"github.com/go-arcade/pipesim/internal/pkg/visual"
	"github.com/go-arcade/pipesim/pkg/id"
	"github.com/go-arcade/pipesim/pkg/shutdown"
)

// Exit codes of the run command.
const (
	exitFailed  = 1
	exitAborted = 130
)

const archiveTimeout = 10 * time.Second

type runOptions struct {
	output string
	dot    string
	runID  string
	seed   uint64
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Simulate one run of a pipeline",
		Long: "Simulate one run of a pipeline and print the outcome of every stage.\n" +
			"The command exits 1 when the run fails and 130 when it is aborted by a signal.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", formatTable, "report format: table, yaml or json")
	cmd.Flags().StringVar(&opts.dot, "dot", "", "also write the finished run as Graphviz DOT to this file")
	cmd.Flags().StringVar(&opts.runID, "run-id", "", "run id, a new ULID when empty")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "seed for simulated failure rates, overrides engine.seed")
	return cmd
}

func runPipeline(cmd *cobra.Command, path string, opts runOptions) error {
	if err := checkFormat(opts.output); err != nil {
		return err
	}
	conf, err := config.LoadConfigFile(configFile)
	if err != nil {
		return err
	}

	sd := shutdown.NewManager()
	sd.Listen()
	defer sd.Stop()

	status, err := simulateRun(commandContext(cmd), cmd.OutOrStdout(), conf, path, opts, sd.Wait())
	if err != nil {
		return err
	}
	switch status {
	case pipeline.RunSucceeded:
		return nil
	case pipeline.RunAborted:
		return &exitError{code: exitAborted}
	default:
		return &exitError{code: exitFailed}
	}
}

func checkFormat(format string) error {
	switch format {
	case formatTable, formatYAML, formatJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// simulateRun executes one run of the pipeline at path and writes its report
// to out. Closing abort aborts the run.
func simulateRun(ctx context.Context, out io.Writer, conf config.AppConfig, path string, opts runOptions, abort <-chan struct{}) (pipeline.RunStatus, error) {
	def, graph, table, err := loadPipeline(path)
	if err != nil {
		return "", err
	}

	app, cleanup, err := bootstrap.Bootstrap(ctx, conf, graph)
	defer cleanup()
	if err != nil {
		return "", err
	}

	seed := conf.Engine.Seed
	if opts.seed != 0 {
		seed = opts.seed
	}
	var runnerOpts []simulate.Option
	if seed != 0 {
		runnerOpts = append(runnerOpts, simulate.WithSeed(seed))
	}

	engine, err := pipeline.NewEngine(graph, table, simulate.NewRunner(runnerOpts...), app.EngineOptions()...)
	if err != nil {
		return "", err
	}

	runID := opts.runID
	if runID == "" {
		runID = id.NewRunID()
	}
	run := engine.NewRun(pipeline.WithRunID(runID))

	go func() {
		select {
		case <-abort:
			app.Logger.L().Warnw("aborting run", "run", runID)
			if err := run.Abort(); err != nil {
				app.Logger.L().Warnw("failed to abort run", "run", runID, "error", err)
			}
		case <-run.Done():
		}
	}()

	// a stalled run still gets a report; its error is part of the snapshot
	status, err := engine.Execute(ctx, run)
	if errors.Is(err, pipeline.ErrInvalidRunState) {
		return "", err
	}
	snap := run.Snapshot()

	if app.Archive != nil {
		actx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		if err := app.Archive.Save(actx, def.Name, snap); err != nil {
			app.Logger.L().Errorw("failed to archive run", "run", runID, "error", err)
		}
		cancel()
	}

	if opts.dot != "" {
		if err := writeDOT(opts.dot, def.Name, snap); err != nil {
			return status, err
		}
	}
	if err := writeReport(out, opts.output, newReport(def.Name, snap)); err != nil {
		return status, err
	}
	return status, nil
}

func writeDOT(path, name string, snap pipeline.Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dot file: %w", err)
	}
	if err := visual.Render(f, snap, visual.Options{Name: name}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write dot file: %w", err)
	}
	return f.Close()
}
