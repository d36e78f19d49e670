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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics holds the collectors fed by pipeline runs.
type PipelineMetrics struct {
	// RunsTotal counts finished runs by status
	RunsTotal *prometheus.CounterVec
	// RunDurationSeconds measures the wall time of finished runs
	RunDurationSeconds *prometheus.HistogramVec
	// StageRunsTotal counts finished stages by outcome
	StageRunsTotal *prometheus.CounterVec
	// StageDurationSeconds measures the wall time of finished stages, retries included
	StageDurationSeconds *prometheus.HistogramVec
	// StageRetriesTotal counts retried attempts
	StageRetriesTotal *prometheus.CounterVec
	// StagesRunning is the number of stages currently running
	StagesRunning prometheus.Gauge
	// TransitionsTotal counts taken transitions
	TransitionsTotal *prometheus.CounterVec
	// RollbacksTotal counts triggered rollbacks by the stage that failed
	RollbacksTotal *prometheus.CounterVec
}

// NewPipelineMetrics creates the pipeline collectors under namespace.
func NewPipelineMetrics(namespace string) *PipelineMetrics {
	return &PipelineMetrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of finished pipeline runs",
			},
			[]string{"status"},
		),
		RunDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of pipeline runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18), // 1ms to ~2m
			},
			[]string{"status"},
		),
		StageRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_runs_total",
				Help:      "Total number of finished stages",
			},
			[]string{"stage", "kind", "outcome"},
		),
		StageDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stages in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			},
			[]string{"stage", "kind"},
		),
		StageRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_retries_total",
				Help:      "Total number of retried stage attempts",
			},
			[]string{"stage"},
		),
		StagesRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stages_running",
				Help:      "Number of stages currently running",
			},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of taken transitions",
			},
			[]string{"from", "to"},
		),
		RollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of triggered rollbacks",
			},
			[]string{"stage"},
		),
	}
}

// Collectors returns every collector for registration.
func (m *PipelineMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RunsTotal,
		m.RunDurationSeconds,
		m.StageRunsTotal,
		m.StageDurationSeconds,
		m.StageRetriesTotal,
		m.StagesRunning,
		m.TransitionsTotal,
		m.RollbacksTotal,
	}
}

// Register registers all pipeline collectors with the server.
func (m *PipelineMetrics) Register(s *Server) error {
	for _, c := range m.Collectors() {
		if err := s.RegisterCollector(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordRun records a finished run
func (m *PipelineMetrics) RecordRun(status string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStageStarted tracks a stage that started running
func (m *PipelineMetrics) RecordStageStarted() {
	m.StagesRunning.Inc()
}

// RecordStageFinished records a stage that stopped running
func (m *PipelineMetrics) RecordStageFinished(stage, kind, outcome string, duration time.Duration) {
	m.StagesRunning.Dec()
	m.StageRunsTotal.WithLabelValues(stage, kind, outcome).Inc()
	m.StageDurationSeconds.WithLabelValues(stage, kind).Observe(duration.Seconds())
}

// RecordSkipped records a stage that never ran
func (m *PipelineMetrics) RecordSkipped(stage, kind string) {
	m.StageRunsTotal.WithLabelValues(stage, kind, "SKIPPED").Inc()
}

// RecordRetry records a retried attempt
func (m *PipelineMetrics) RecordRetry(stage string) {
	m.StageRetriesTotal.WithLabelValues(stage).Inc()
}

// RecordTransition records a taken transition
func (m *PipelineMetrics) RecordTransition(from, to string) {
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordRollback records a triggered rollback
func (m *PipelineMetrics) RecordRollback(stage string) {
	m.RollbacksTotal.WithLabelValues(stage).Inc()
}
