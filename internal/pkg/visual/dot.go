// Package visual renders pipeline runs as Graphviz DOT.
//
// Dependency edges are solid. Transition edges are dashed and labelled with
// their rule conditions; a taken transition is drawn bold, a closed gate grey.
// Stage nodes are filled by outcome.
package visual

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-arcade/pipesim/pkg/statemachine"
)

var outcomeColors = map[pipeline.StageOutcome]string{
	pipeline.OutcomePending:    "white",
	pipeline.OutcomeRunning:    "lightblue",
	pipeline.OutcomeSucceeded:  "palegreen",
	pipeline.OutcomeFailed:     "salmon",
	pipeline.OutcomeRolledBack: "orange",
	pipeline.OutcomeSkipped:    "lightgrey",
}

var kindShapes = map[pipeline.StageKind]string{
	pipeline.KindBuild:    "box",
	pipeline.KindTest:     "box",
	pipeline.KindDeploy:   "box3d",
	pipeline.KindRollback: "octagon",
	pipeline.KindCustom:   "ellipse",
}

// Options tunes the rendering.
type Options struct {
	// Name is the digraph identifier; defaults to "pipeline"
	Name string
	// HideSkipped drops skipped stages and their edges
	HideSkipped bool
	// Horizontal lays the graph out left to right
	Horizontal bool
}

// Render writes the DOT form of snap to w.
func Render(w io.Writer, snap pipeline.Snapshot, opts Options) error {
	_, err := io.WriteString(w, DOT(snap, opts))
	return err
}

// DOT returns the DOT form of snap.
func DOT(snap pipeline.Snapshot, opts Options) string {
	name := opts.Name
	if name == "" {
		name = "pipeline"
	}

	hidden := map[string]bool{}
	if opts.HideSkipped {
		for _, st := range snap.Stages {
			if st.Outcome == pipeline.OutcomeSkipped {
				hidden[st.ID] = true
			}
		}
	}

	taken := make(map[pipeline.Edge]bool, len(snap.TakenEdges))
	for _, e := range snap.TakenEdges {
		taken[e] = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "digraph %s {\n", quote(name))
	if opts.Horizontal {
		b.WriteString("  rankdir=LR;\n")
	}
	fmt.Fprintf(&b, "  label=%s;\n", quote(runLabel(snap)))
	b.WriteString("  labelloc=t;\n")
	b.WriteString("  node [style=filled, fontname=\"Helvetica\"];\n")
	b.WriteString("  edge [fontname=\"Helvetica\", fontsize=10];\n")

	for _, st := range snap.Stages {
		if hidden[st.ID] {
			continue
		}
		fmt.Fprintf(&b, "  %s [label=%s, shape=%s, fillcolor=%s];\n",
			quote(st.ID), quote(stageLabel(st)), shape(st.Kind), fill(st.Outcome))
	}

	for _, e := range snap.Edges {
		if hidden[e.From] || hidden[e.To] {
			continue
		}
		attrs := edgeAttrs(e, taken[pipeline.Edge{From: e.From, To: e.To}])
		if len(attrs) == 0 {
			fmt.Fprintf(&b, "  %s -> %s;\n", quote(e.From), quote(e.To))
			continue
		}
		fmt.Fprintf(&b, "  %s -> %s [%s];\n", quote(e.From), quote(e.To), strings.Join(attrs, ", "))
	}

	b.WriteString("}\n")
	return b.String()
}

// Lifecycle returns the run status machine as DOT. The recorded history is
// replayed so the state the run reached is highlighted.
func Lifecycle(history []statemachine.TransitionRecord[pipeline.RunStatus]) (string, error) {
	sm := statemachine.NewRunStateMachine()
	for _, rec := range history {
		if err := sm.TransitionTo(rec.To, rec.Event); err != nil {
			return "", err
		}
	}
	return sm.ToDot("run"), nil
}

func edgeAttrs(e pipeline.EdgeSnapshot, taken bool) []string {
	if e.Kind != pipeline.EdgeTransition {
		return nil
	}
	attrs := []string{"style=dashed"}
	if len(e.Conditions) > 0 {
		attrs = append(attrs, "label="+quote(strings.Join(e.Conditions, "\n")))
	}
	switch {
	case taken:
		attrs = append(attrs, "style=bold", "color=darkgreen")
	case e.Gate == pipeline.GateClosed:
		attrs = append(attrs, "color=grey", "fontcolor=grey")
	}
	return attrs
}

func runLabel(snap pipeline.Snapshot) string {
	parts := make([]string, 0, 3)
	if snap.RunID != "" {
		parts = append(parts, snap.RunID)
	}
	parts = append(parts, string(snap.Status))
	if d := snap.Duration(); d > 0 {
		parts = append(parts, d.String())
	}
	return strings.Join(parts, " ")
}

func stageLabel(st pipeline.StageSnapshot) string {
	lines := []string{st.Name, fmt.Sprintf("%s (%s)", st.Outcome, st.Kind)}
	if st.Attempts > 1 {
		lines = append(lines, fmt.Sprintf("attempts: %d", st.Attempts))
	}
	if st.Outcome == pipeline.OutcomeFailed && st.ExitCode != 0 {
		lines = append(lines, fmt.Sprintf("exit %d", st.ExitCode))
	}
	if st.SkipReason != pipeline.SkipNone {
		lines = append(lines, string(st.SkipReason))
	}
	return strings.Join(lines, "\n")
}

func shape(kind pipeline.StageKind) string {
	if s, ok := kindShapes[kind]; ok {
		return s
	}
	return "ellipse"
}

func fill(outcome pipeline.StageOutcome) string {
	if c, ok := outcomeColors[outcome]; ok {
		return c
	}
	return "white"
}

// quote produces a DOT quoted identifier.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

// Legend lists the outcome colors in a stable order, for CLI help text.
func Legend() []string {
	r := make([]string, 0, len(outcomeColors))
	for outcome, color := range outcomeColors {
		r = append(r, fmt.Sprintf("%s=%s", outcome, color))
	}
	sort.Strings(r)
	return r
}
