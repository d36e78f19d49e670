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

package observer

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-arcade/pipesim/pkg/log"
	"github.com/redis/go-redis/v9"
)

const (
	defaultStream      = "pipesim:events"
	defaultPublishWait = 2 * time.Second
)

// StreamAdder is the subset of a redis client used to append stream entries.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamConfig configures the redis stream observer.
type StreamConfig struct {
	Stream string `mapstructure:"stream"`
	// MaxLen caps the stream approximately; zero keeps every entry
	MaxLen  int64         `mapstructure:"maxLen"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisStream appends every event to a redis stream so dashboards can follow
// runs with XREAD.
type RedisStream struct {
	client StreamAdder
	conf   StreamConfig
	logger log.Logger
}

// NewRedisStream returns a stream observer writing through client.
func NewRedisStream(client StreamAdder, conf StreamConfig) *RedisStream {
	if conf.Stream == "" {
		conf.Stream = defaultStream
	}
	if conf.Timeout <= 0 {
		conf.Timeout = defaultPublishWait
	}
	return &RedisStream{client: client, conf: conf, logger: log.Default().Named("redis-stream")}
}

func (r *RedisStream) Notify(e pipeline.Event) {
	payload, err := sonic.MarshalString(e.Payload)
	if err != nil {
		r.logger.L().Errorw("failed to encode event payload", "run", e.RunID, "seq", e.Seq, "error", err)
		return
	}

	args := &redis.XAddArgs{
		Stream: r.conf.Stream,
		Values: map[string]any{
			"run":       e.RunID,
			"seq":       strconv.FormatUint(e.Seq, 10),
			"kind":      string(e.Kind),
			"stage":     e.StageID,
			"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
			"payload":   payload,
		},
	}
	if r.conf.MaxLen > 0 {
		args.MaxLen = r.conf.MaxLen
		args.Approx = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.conf.Timeout)
	defer cancel()
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		r.logger.L().Warnw("failed to publish event", "stream", r.conf.Stream, "run", e.RunID, "seq", e.Seq, "error", err)
	}
}
