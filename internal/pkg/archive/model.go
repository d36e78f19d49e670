// Copyright 2025 Arcade Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"time"
)

type BaseModel struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// PipelineRun is one finished run.
type PipelineRun struct {
	BaseModel
	RunId        string     `gorm:"column:run_id;size:64;uniqueIndex" json:"runId"`
	Pipeline     string     `gorm:"column:pipeline;size:128;index" json:"pipeline"`
	Status       string     `gorm:"column:status;size:16;index" json:"status"`
	ErrorMessage string     `gorm:"column:error_message;type:text" json:"errorMessage"`
	StartTime    *time.Time `gorm:"column:start_time" json:"startTime"`
	EndTime      *time.Time `gorm:"column:end_time" json:"endTime"`
	Duration     int64      `gorm:"column:duration" json:"duration"` // milliseconds
	EventCount   uint64     `gorm:"column:event_count" json:"eventCount"`
	Facts        string     `gorm:"column:facts;type:json" json:"facts"`
}

func (PipelineRun) TableName() string {
	return "t_pipeline_run"
}

// StageRun is the final state of one stage of a run.
type StageRun struct {
	BaseModel
	RunId        string     `gorm:"column:run_id;size:64;index" json:"runId"`
	StageId      string     `gorm:"column:stage_id;size:128" json:"stageId"`
	Name         string     `gorm:"column:name" json:"name"`
	Kind         string     `gorm:"column:kind;size:16" json:"kind"`
	DependsOn    string     `gorm:"column:depends_on" json:"dependsOn"` // comma separated
	Outcome      string     `gorm:"column:outcome;size:16" json:"outcome"`
	SkipReason   string     `gorm:"column:skip_reason;size:32" json:"skipReason"`
	Attempts     int        `gorm:"column:attempts" json:"attempts"`
	ExitCode     int        `gorm:"column:exit_code" json:"exitCode"`
	ErrorMessage string     `gorm:"column:error_message;type:text" json:"errorMessage"`
	StartTime    *time.Time `gorm:"column:start_time" json:"startTime"`
	EndTime      *time.Time `gorm:"column:end_time" json:"endTime"`
	Duration     int64      `gorm:"column:duration" json:"duration"` // milliseconds
}

func (StageRun) TableName() string {
	return "t_stage_run"
}

// RunEdge is a dependency or transition edge of a run.
type RunEdge struct {
	BaseModel
	RunId      string `gorm:"column:run_id;size:64;index" json:"runId"`
	FromStage  string `gorm:"column:from_stage;size:128" json:"fromStage"`
	ToStage    string `gorm:"column:to_stage;size:128" json:"toStage"`
	Kind       string `gorm:"column:kind;size:16" json:"kind"`
	Gate       string `gorm:"column:gate;size:16" json:"gate"`
	Conditions string `gorm:"column:conditions;type:json" json:"conditions"`
	Taken      bool   `gorm:"column:taken" json:"taken"`
}

func (RunEdge) TableName() string {
	return "t_run_edge"
}
