package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/model"
)

// Submitter publishes task resubmissions back to the broker. It is the
// outbound half of the retry action's loop into the event stream.
type Submitter struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

// NewSubmitter creates a task submitter.
func NewSubmitter(conn *nats.Conn, subject string, log *zap.Logger) *Submitter {
	return &Submitter{conn: conn, subject: subject, log: log}
}

// Submit publishes one task submission.
func (s *Submitter) Submit(_ context.Context, sub model.TaskSubmission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("publish submission: %w", err)
	}

	s.log.Info("task submitted",
		zap.String("task_id", sub.TaskID),
		zap.String("task_name", sub.TaskName),
		zap.String("queue", sub.Queue))
	return nil
}
