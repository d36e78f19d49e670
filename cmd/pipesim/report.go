package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"sigs.k8s.io/yaml"

	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
)

const (
	formatTable = "table"
	formatYAML  = "yaml"
	formatJSON  = "json"
)

type stageReport struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Outcome    string `json:"outcome"`
	SkipReason string `json:"skipReason,omitempty"`
	Attempts   int    `json:"attempts"`
	ExitCode   int    `json:"exitCode"`
	Duration   string `json:"duration,omitempty"`
	Error      string `json:"error,omitempty"`
}

type runReport struct {
	Pipeline   string         `json:"pipeline"`
	RunID      string         `json:"runId"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Duration   string         `json:"duration"`
	Stages     []stageReport  `json:"stages"`
	TakenEdges []string       `json:"takenEdges"`
	Facts      map[string]any `json:"facts"`
	Events     uint64         `json:"events"`
}

func newReport(name string, snap pipeline.Snapshot) runReport {
	r := runReport{
		Pipeline:   name,
		RunID:      snap.RunID,
		Status:     string(snap.Status),
		Error:      snap.Error,
		Duration:   roundDuration(snap.Duration()),
		Stages:     make([]stageReport, 0, len(snap.Stages)),
		TakenEdges: make([]string, 0, len(snap.TakenEdges)),
		Facts:      snap.Facts,
		Events:     snap.Events,
	}
	for _, st := range snap.Stages {
		sr := stageReport{
			ID:         st.ID,
			Kind:       string(st.Kind),
			Outcome:    string(st.Outcome),
			SkipReason: string(st.SkipReason),
			Attempts:   st.Attempts,
			ExitCode:   st.ExitCode,
			Error:      st.Error,
		}
		if d := st.Duration(); d > 0 {
			sr.Duration = roundDuration(d)
		}
		r.Stages = append(r.Stages, sr)
	}
	for _, e := range snap.TakenEdges {
		r.TakenEdges = append(r.TakenEdges, e.String())
	}
	return r
}

func roundDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}

func writeReport(w io.Writer, format string, r runReport) error {
	switch format {
	case formatTable:
		_, err := io.WriteString(w, renderTable(r))
		return err
	case formatYAML:
		b, err := yaml.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		_, err = w.Write(b)
		return err
	case formatJSON:
		b, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		_, err = w.Write(append(b, '\n'))
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	outcomeStyles = map[string]lipgloss.Style{
		string(pipeline.OutcomeSucceeded):  lipgloss.NewStyle().Foreground(lipgloss.Color("35")),
		string(pipeline.OutcomeFailed):     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		string(pipeline.OutcomeRolledBack): lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		string(pipeline.OutcomeSkipped):    lipgloss.NewStyle().Foreground(lipgloss.Color("239")),
	}
)

const outcomeColumn = 2

func renderTable(r runReport) string {
	rows := make([][]string, 0, len(r.Stages))
	for _, st := range r.Stages {
		note := st.SkipReason
		if st.Error != "" {
			note = st.Error
		}
		rows = append(rows, []string{
			st.ID,
			st.Kind,
			st.Outcome,
			strconv.Itoa(st.Attempts),
			strconv.Itoa(st.ExitCode),
			st.Duration,
			note,
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("STAGE", "KIND", "OUTCOME", "ATTEMPTS", "EXIT", "DURATION", "NOTE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == outcomeColumn && row >= 0 && row < len(rows) {
				if s, ok := outcomeStyles[rows[row][col]]; ok {
					return s.Padding(0, 1)
				}
			}
			return cellStyle
		})

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  %s  %s\n", r.Pipeline, dimStyle.Render(r.RunID), r.Status, r.Duration)
	b.WriteString(t.String())
	b.WriteString("\n")
	if len(r.TakenEdges) > 0 {
		fmt.Fprintf(&b, "transitions: %s\n", strings.Join(r.TakenEdges, ", "))
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	}
	if len(r.Facts) > 0 {
		keys := make([]string, 0, len(r.Facts))
		for k := range r.Facts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, r.Facts[k]))
		}
		fmt.Fprintf(&b, "%s\n", dimStyle.Render("facts: "+strings.Join(pairs, " ")))
	}
	return b.String()
}
