package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/go-arcade/pipesim/internal/pkg/config"
	"github.com/go-arcade/pipesim/pkg/log"
	"github.com/go-arcade/pipesim/pkg/shutdown"
)

const watchDebounce = 150 * time.Millisecond

func newWatchCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "watch <pipeline.yaml>",
		Short: "Simulate the pipeline again every time its file changes",
		Long: "Simulate the pipeline once, then again every time the definition file is saved.\n" +
			"Changes to the configuration file given with --conf apply to the next run.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(opts.output); err != nil {
				return err
			}
			return watchPipeline(commandContext(cmd), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", formatTable, "report format: table, yaml or json")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "seed for simulated failure rates, overrides engine.seed")
	return cmd
}

func watchPipeline(ctx context.Context, out, errOut io.Writer, path string, opts runOptions) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	first, err := config.LoadConfigFile(configFile)
	if err != nil {
		return err
	}
	var conf atomic.Pointer[config.AppConfig]
	conf.Store(&first)
	if configFile != "" {
		if err := config.Watch(configFile, func(c config.AppConfig) { conf.Store(&c) }); err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()
	// editors often replace the file, so the directory is watched
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	sd := shutdown.NewManager()
	sd.Listen()
	defer sd.Stop()

	runOnce := func() {
		status, err := simulateRun(ctx, out, *conf.Load(), path, opts, sd.Wait())
		if err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
			return
		}
		log.Infow("run finished, waiting for changes", "pipeline", path, "status", status)
	}
	runOnce()

	debounce := time.NewTimer(watchDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sd.Wait():
			return nil
		case e, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) != path || !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				continue
			}
			debounce.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnw("file watcher error", "error", err)
		case <-debounce.C:
			runOnce()
		}
	}
}
