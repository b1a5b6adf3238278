package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/event"
)

// Consumer subscribes to the raw event subject and feeds the ingestion
// pipeline. Delivery stays on one goroutine so the pipeline is the sole
// writer of newly observed events.
type Consumer struct {
	conn     *nats.Conn
	subject  string
	pipeline *event.Pipeline
	log      *zap.Logger
}

// NewConsumer creates an event consumer.
func NewConsumer(conn *nats.Conn, subject string, pipeline *event.Pipeline, log *zap.Logger) *Consumer {
	return &Consumer{conn: conn, subject: subject, pipeline: pipeline, log: log}
}

// Run consumes events until ctx is cancelled. A malformed or failing
// event is logged and dropped; one bad payload never stops ingestion.
func (c *Consumer) Run(ctx context.Context) error {
	msgs := make(chan *nats.Msg, 256)
	sub, err := c.conn.ChanSubscribe(c.subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe to %q: %w", c.subject, err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	c.log.Info("broker consumer started", zap.String("subject", c.subject))

	for {
		select {
		case <-ctx.Done():
			c.log.Info("broker consumer stopped")
			return nil
		case msg := <-msgs:
			c.handle(ctx, msg.Data)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, data []byte) {
	var raw event.Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		c.log.Warn("malformed broker event", zap.Error(err))
		return
	}
	if err := c.pipeline.Handle(ctx, raw); err != nil {
		c.log.Error("event dropped",
			zap.String("event_type", raw.Type),
			zap.String("task_id", raw.UUID),
			zap.Error(err))
	}
}
