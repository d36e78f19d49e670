package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("archived run not found")

// Archived is a run read back from the archive.
type Archived struct {
	Run    PipelineRun
	Stages []StageRun
	Edges  []RunEdge
}

// Store persists finished runs.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the archive tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&PipelineRun{}, &StageRun{}, &RunEdge{})
}

// Save stores a terminal run snapshot in one transaction.
func (s *Store) Save(ctx context.Context, pipelineName string, snap pipeline.Snapshot) error {
	rec, err := Records(pipelineName, snap)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return insert(tx, rec)
	})
}

func insert(tx *gorm.DB, rec *Archived) error {
	if err := tx.Create(&rec.Run).Error; err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if len(rec.Stages) > 0 {
		if err := tx.CreateInBatches(rec.Stages, 100).Error; err != nil {
			return fmt.Errorf("failed to insert stages: %w", err)
		}
	}
	if len(rec.Edges) > 0 {
		if err := tx.CreateInBatches(rec.Edges, 100).Error; err != nil {
			return fmt.Errorf("failed to insert edges: %w", err)
		}
	}
	return nil
}

// Get loads a run with its stages and edges.
func (s *Store) Get(ctx context.Context, runID string) (*Archived, error) {
	db := s.db.WithContext(ctx)

	var out Archived
	err := db.Where("run_id = ?", runID).First(&out.Run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if err := db.Where("run_id = ?", runID).Order("id").Find(&out.Stages).Error; err != nil {
		return nil, fmt.Errorf("failed to get stages: %w", err)
	}
	if err := db.Where("run_id = ?", runID).Order("id").Find(&out.Edges).Error; err != nil {
		return nil, fmt.Errorf("failed to get edges: %w", err)
	}
	return &out, nil
}

// List returns the newest runs of a pipeline, or of every pipeline when name is empty.
func (s *Store) List(ctx context.Context, name string, limit int) ([]PipelineRun, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if name != "" {
		q = q.Where("pipeline = ?", name)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var runs []PipelineRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// Records converts a snapshot into archive rows.
func Records(pipelineName string, snap pipeline.Snapshot) (*Archived, error) {
	if !snap.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s is %s", pipeline.ErrInvalidRunState, snap.RunID, snap.Status)
	}
	facts, err := sonic.MarshalString(snap.Facts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode facts: %w", err)
	}

	out := &Archived{
		Run: PipelineRun{
			RunId:        snap.RunID,
			Pipeline:     pipelineName,
			Status:       string(snap.Status),
			ErrorMessage: snap.Error,
			StartTime:    snap.StartedAt,
			EndTime:      snap.FinishedAt,
			Duration:     snap.Duration().Milliseconds(),
			EventCount:   snap.Events,
			Facts:        facts,
		},
		Stages: make([]StageRun, 0, len(snap.Stages)),
		Edges:  make([]RunEdge, 0, len(snap.Edges)),
	}

	for _, st := range snap.Stages {
		out.Stages = append(out.Stages, StageRun{
			RunId:        snap.RunID,
			StageId:      st.ID,
			Name:         st.Name,
			Kind:         string(st.Kind),
			DependsOn:    strings.Join(st.DependsOn, ","),
			Outcome:      string(st.Outcome),
			SkipReason:   string(st.SkipReason),
			Attempts:     st.Attempts,
			ExitCode:     st.ExitCode,
			ErrorMessage: st.Error,
			StartTime:    st.StartedAt,
			EndTime:      st.FinishedAt,
			Duration:     st.Duration().Milliseconds(),
		})
	}

	taken := make(map[pipeline.Edge]bool, len(snap.TakenEdges))
	for _, e := range snap.TakenEdges {
		taken[e] = true
	}
	for _, e := range snap.Edges {
		conditions := "[]"
		if len(e.Conditions) > 0 {
			if conditions, err = sonic.MarshalString(e.Conditions); err != nil {
				return nil, fmt.Errorf("failed to encode conditions: %w", err)
			}
		}
		out.Edges = append(out.Edges, RunEdge{
			RunId:      snap.RunID,
			FromStage:  e.From,
			ToStage:    e.To,
			Kind:       e.Kind,
			Gate:       e.Gate,
			Conditions: conditions,
			Taken:      e.Kind == pipeline.EdgeTransition && taken[pipeline.Edge{From: e.From, To: e.To}],
		})
	}
	return out, nil
}
