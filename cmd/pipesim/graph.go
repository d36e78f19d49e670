package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-arcade/pipesim/internal/pkg/visual"
)

func newGraphCmd() *cobra.Command {
	var (
		horizontal bool
		lifecycle  bool
	)
	cmd := &cobra.Command{
		Use:   "graph <pipeline.yaml>",
		Short: "Print the pipeline as Graphviz DOT",
		Long: "Print the stages, dependencies and transition rules of a pipeline as Graphviz DOT.\n" +
			"Stage colors: " + strings.Join(visual.Legend(), ", "),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if lifecycle {
				dot, err := visual.Lifecycle(nil)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), dot)
				return err
			}

			if len(args) == 0 {
				return fmt.Errorf("a pipeline file is required")
			}
			def, graph, table, err := loadPipeline(args[0])
			if err != nil {
				return err
			}
			engine, err := pipeline.NewEngine(graph, table, pipeline.Succeed)
			if err != nil {
				return err
			}
			snap := engine.NewRun(pipeline.WithRunID(def.Name)).Snapshot()
			return visual.Render(cmd.OutOrStdout(), snap, visual.Options{Name: def.Name, Horizontal: horizontal})
		},
	}
	cmd.Flags().BoolVar(&horizontal, "lr", false, "lay the graph out left to right")
	cmd.Flags().BoolVar(&lifecycle, "lifecycle", false, "print the run status machine instead of the pipeline")
	return cmd
}
