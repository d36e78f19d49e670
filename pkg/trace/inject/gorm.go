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

package inject

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const gormTracerName = "github.com/go-arcade/pipesim/pkg/trace/inject/gorm"

type spanKey struct{}

// GormPlugin implements gorm.Plugin and opens a client span per statement.
type GormPlugin struct {
	// WithQuery records the SQL text
	WithQuery bool
	// WithRows records rows affected
	WithRows bool
	tracer   trace.Tracer
}

// NewGormPlugin returns a plugin using tp, or the global provider when tp is nil.
func NewGormPlugin(tp trace.TracerProvider, withQuery, withRows bool) *GormPlugin {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &GormPlugin{WithQuery: withQuery, WithRows: withRows, tracer: tp.Tracer(gormTracerName)}
}

func (p *GormPlugin) Name() string {
	return "opentelemetry"
}

func (p *GormPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	hooks := []struct {
		op     string
		before func(string, func(*gorm.DB)) error
		after  func(string, func(*gorm.DB)) error
	}{
		{"create", cb.Create().Before("gorm:create").Register, cb.Create().After("gorm:create").Register},
		{"query", cb.Query().Before("gorm:query").Register, cb.Query().After("gorm:query").Register},
		{"update", cb.Update().Before("gorm:update").Register, cb.Update().After("gorm:update").Register},
		{"delete", cb.Delete().Before("gorm:delete").Register, cb.Delete().After("gorm:delete").Register},
		{"row", cb.Row().Before("gorm:row").Register, cb.Row().After("gorm:row").Register},
		{"raw", cb.Raw().Before("gorm:raw").Register, cb.Raw().After("gorm:raw").Register},
	}
	for _, h := range hooks {
		if err := h.before("opentelemetry:before_"+h.op, p.before(h.op)); err != nil {
			return err
		}
		if err := h.after("opentelemetry:after_"+h.op, p.after); err != nil {
			return err
		}
	}
	return nil
}

func (p *GormPlugin) before(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db.Statement == nil {
			return
		}
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, span := p.tracer.Start(ctx, "gorm."+op, trace.WithSpanKind(trace.SpanKindClient))
		span.SetAttributes(
			attribute.String("db.system", db.Dialector.Name()),
			attribute.String("db.operation", op),
		)
		if db.Statement.Table != "" {
			span.SetAttributes(attribute.String("db.sql.table", db.Statement.Table))
		}
		db.Statement.Context = context.WithValue(ctx, spanKey{}, span)
	}
}

func (p *GormPlugin) after(db *gorm.DB) {
	if db.Statement == nil || db.Statement.Context == nil {
		return
	}
	span, ok := db.Statement.Context.Value(spanKey{}).(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	if p.WithQuery {
		if sql := db.Statement.SQL.String(); sql != "" {
			span.SetAttributes(attribute.String("db.statement", sql))
		}
	}
	if p.WithRows {
		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
	}
	if err := db.Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RegisterGormPlugin installs a tracing plugin using the global provider.
func RegisterGormPlugin(db *gorm.DB, withQuery, withRows bool) error {
	return db.Use(NewGormPlugin(nil, withQuery, withRows))
}
