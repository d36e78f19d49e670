package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-arcade/pipesim/internal/pkg/definition"
	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-arcade/pipesim/internal/pkg/simulate"
)

// loadPipeline reads a definition and builds its graph and transition table.
// Simulation settings of every stage are checked as well.
func loadPipeline(path string) (*definition.Definition, *pipeline.StageGraph, *pipeline.TransitionTable, error) {
	def, err := definition.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	graph, table, err := def.Build()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := simulate.Validate(graph.Stages()); err != nil {
		return nil, nil, nil, err
	}
	return def, graph, table, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline.yaml>",
		Short: "Check a pipeline definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, graph, table, err := loadPipeline(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d stages, %d transition rules, order %v\n",
				def.Name, graph.Len(), table.Len(), graph.TopologicalOrder())
			return err
		},
	}
}
