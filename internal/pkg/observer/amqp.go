package observer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-arcade/pipesim/internal/pkg/pipeline"
	"github.com/go-arcade/pipesim/pkg/log"
)

// Publisher sends one message to a broker; broker.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, key, messageID string, body []byte, headers map[string]string) error
}

// Broker publishes events to a topic exchange. The routing key is
// "<prefix>.<run id>.<event kind>" so consumers can bind per run or per kind.
type Broker struct {
	publisher Publisher
	prefix    string
	timeout   time.Duration
	logger    log.Logger
}

// NewBroker returns a broker observer. prefix defaults to "pipesim".
func NewBroker(publisher Publisher, prefix string) *Broker {
	if prefix == "" {
		prefix = "pipesim"
	}
	return &Broker{
		publisher: publisher,
		prefix:    strings.TrimSuffix(prefix, "."),
		timeout:   defaultPublishWait,
		logger:    log.Default().Named("broker"),
	}
}

// RoutingKey returns the routing key used for e.
func (b *Broker) RoutingKey(e pipeline.Event) string {
	return fmt.Sprintf("%s.%s.%s", b.prefix, e.RunID, e.Kind)
}

func (b *Broker) Notify(e pipeline.Event) {
	body, err := sonic.Marshal(e)
	if err != nil {
		b.logger.L().Errorw("failed to encode event", "run", e.RunID, "seq", e.Seq, "error", err)
		return
	}

	headers := map[string]string{"kind": string(e.Kind)}
	if e.StageID != "" {
		headers["stage"] = e.StageID
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	messageID := fmt.Sprintf("%s-%d", e.RunID, e.Seq)
	if err := b.publisher.Publish(ctx, b.RoutingKey(e), messageID, body, headers); err != nil {
		b.logger.L().Warnw("failed to publish event", "run", e.RunID, "seq", e.Seq, "error", err)
	}
}
