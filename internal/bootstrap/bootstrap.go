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

package bootstrap

import (
	"context"
	"fmt"
	"time"

	gometrics "github.com/hashicorp/go-metrics"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-arcade/pipesim/internal/pkg/archive"
	"github.com/go-arcade/pipesim/internal/pkg/config"
	"github.com/go-arcade/pipesim/internal/pkg/observer"
	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-arcade/pipesim/pkg/broker"
	"github.com/go-arcade/pipesim/pkg/cache"
	"github.com/go-arcade/pipesim/pkg/database"
	"github.com/go-arcade/pipesim/pkg/log"
	"github.com/go-arcade/pipesim/pkg/metrics"
	pstrace "github.com/go-arcade/pipesim/pkg/trace"
	"github.com/go-arcade/pipesim/pkg/trace/inject"
)

const (
	metricsNamespace = "pipesim"
	shutdownTimeout  = 10 * time.Second
)

// App holds everything a simulation needs besides the pipeline itself.
type App struct {
	Conf     config.AppConfig
	Logger   log.Logger
	Tracer   trace.Tracer
	Observer pipeline.Observer
	// Archive is nil unless archiving is enabled
	Archive *archive.Store
	// Metrics is nil unless the metrics endpoint is enabled
	Metrics *metrics.Server
}

// EngineOptions returns the engine options derived from the configuration
// plus the logger, tracer and observers of the app.
func (a *App) EngineOptions() []pipeline.Option {
	opts := a.Conf.Engine.Options()
	opts = append(opts,
		pipeline.WithLogger(a.Logger.Named("engine")),
		pipeline.WithObserver(a.Observer),
	)
	if a.Tracer != nil {
		opts = append(opts, pipeline.WithTracer(a.Tracer))
	}
	return opts
}

type cleanups []func(ctx context.Context)

func (c *cleanups) add(fn func(ctx context.Context)) {
	*c = append(*c, fn)
}

// run releases resources in reverse acquisition order.
func (c cleanups) run() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(c) - 1; i >= 0; i-- {
		c[i](ctx)
	}
}

// Bootstrap initializes logging, tracing, metrics, event sinks and the
// archive from conf. graph is used to label stage metrics. The returned
// cleanup function must be called once the app is no longer needed; it is
// non-nil even when an error is returned.
func Bootstrap(ctx context.Context, conf config.AppConfig, graph *pipeline.StageGraph) (*App, func(), error) {
	var done cleanups
	fail := func(err error) (*App, func(), error) {
		done.run()
		return nil, func() {}, err
	}

	if err := log.Init(&conf.Log); err != nil {
		return fail(fmt.Errorf("init logger: %w", err))
	}
	logger := log.Default()
	done.add(func(context.Context) { _ = log.Sync() })

	app := &App{Conf: conf, Logger: logger}

	tp, shutdownTracing, err := pstrace.InitTracerProvider(ctx, conf.Trace)
	if err != nil {
		return fail(fmt.Errorf("init tracing: %w", err))
	}
	done.add(func(ctx context.Context) {
		if err := shutdownTracing(ctx); err != nil {
			logger.L().Warnw("failed to flush traces", "error", err)
		}
	})
	if conf.Trace.Enabled {
		app.Tracer = tp.Tracer("github.com/go-arcade/pipesim")
	}

	var observers []pipeline.Observer
	if conf.Events.Log {
		observers = append(observers, observer.NewLog(logger.Named("events")))
	}

	if conf.Metrics.Enable {
		server := metrics.NewServer(conf.Metrics)
		pm := metrics.NewPipelineMetrics(metricsNamespace)
		if err := pm.Register(server); err != nil {
			return fail(err)
		}
		if err := server.Start(); err != nil {
			return fail(err)
		}
		done.add(func(ctx context.Context) {
			if err := server.Stop(ctx); err != nil {
				logger.L().Warnw("failed to stop metrics server", "error", err)
			}
		})
		app.Metrics = server
		observers = append(observers, observer.NewMetrics(pm, graph))
	}

	if rc := conf.Events.Redis; rc.Enabled {
		client, err := cache.NewRedis(ctx, rc.Redis)
		if err != nil {
			return fail(err)
		}
		if rc.TraceCommands {
			inject.RegisterRedisHook(client, false)
		}
		done.add(func(context.Context) { _ = client.Close() })
		observers = append(observers, observer.NewRedisStream(client, rc.Stream))
		logger.L().Infow("publishing events to redis stream", "address", rc.Redis.Address, "stream", rc.Stream.Stream)
	}

	if mq := conf.Events.RabbitMQ; mq.Enabled {
		pub, err := broker.NewPublisher(mq.RabbitMQ)
		if err != nil {
			return fail(err)
		}
		done.add(func(context.Context) {
			if err := pub.Close(); err != nil {
				logger.L().Warnw("failed to close rabbitmq publisher", "error", err)
			}
		})
		observers = append(observers, observer.NewBroker(pub, mq.RoutingPrefix))
		logger.L().Infow("publishing events to rabbitmq", "exchange", mq.RabbitMQ.Exchange)
	}

	if sc := conf.Events.Statsd; sc.Enabled {
		sink, err := gometrics.NewStatsdSink(sc.Address)
		if err != nil {
			return fail(fmt.Errorf("create statsd sink: %w", err))
		}
		done.add(func(context.Context) { sink.Shutdown() })
		observers = append(observers, observer.NewSink(sink))
	}

	if conf.Archive.Enabled {
		db, err := database.NewMySQL(conf.Archive.Database)
		if err != nil {
			return fail(err)
		}
		done.add(func(context.Context) {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		if conf.Trace.Enabled {
			if err := inject.RegisterGormPlugin(db, true, false); err != nil {
				return fail(fmt.Errorf("register gorm tracing: %w", err))
			}
		}
		store := archive.NewStore(db)
		if err := store.Migrate(ctx); err != nil {
			return fail(err)
		}
		app.Archive = store
	}

	app.Observer = observer.Multi(observers...)
	return app, done.run, nil
}
