// Package events carries job lifecycle notifications from the router to
// audit and reporting subscribers over an in-process watermill pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/zulandar/secretary/internal/logging"
)

// TopicJobFinished receives one JobFinished per completed, failed or
// discarded job.
const TopicJobFinished = "job.finished"

// JobFinished describes the end of an external generation job.
type JobFinished struct {
	JobID     string        `json:"job_id"`
	User      string        `json:"user"`
	Kind      string        `json:"kind"`
	Program   string        `json:"program"`
	Args      []string      `json:"args,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Status    string        `json:"status"`
	Artifact  string        `json:"artifact,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Handler processes one event. Returned errors are logged; the message is
// acknowledged regardless so a bad row never redelivers forever.
type Handler func(ctx context.Context, ev JobFinished) error

// Bus is the in-process event bus.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    *zap.Logger
}

// NewBus creates a bus. A nil logger discards output.
func NewBus(log *zap.Logger) *Bus {
	log = logging.OrNop(log).Named("events")
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, zapAdapter{log: log}),
		log:    log,
	}
}

// PublishJobFinished emits ev on TopicJobFinished. Events published with no
// subscriber are dropped.
func (b *Bus) PublishJobFinished(ev JobFinished) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("job_id", ev.JobID)
	if err := b.pubsub.Publish(TopicJobFinished, msg); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// SubscribeJobFinished delivers events to h until ctx is done or the bus is
// closed. The returned channel is closed once the consumer goroutine exits.
func (b *Bus) SubscribeJobFinished(ctx context.Context, h Handler) (<-chan struct{}, error) {
	messages, err := b.pubsub.Subscribe(ctx, TopicJobFinished)
	if err != nil {
		return nil, fmt.Errorf("events: subscribe: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			b.dispatch(ctx, msg, h)
		}
	}()
	return done, nil
}

func (b *Bus) dispatch(ctx context.Context, msg *message.Message, h Handler) {
	defer msg.Ack()
	var ev JobFinished
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		b.log.Error("dropping undecodable event", zap.String("uuid", msg.UUID), zap.Error(err))
		return
	}
	if err := h(ctx, ev); err != nil {
		b.log.Warn("event handler failed", zap.String("job_id", ev.JobID), zap.Error(err))
	}
}

// Close stops delivery to all subscribers.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// zapAdapter routes watermill's internal logging into zap.
type zapAdapter struct {
	log *zap.Logger
}

func (a zapAdapter) fields(f watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (a zapAdapter) Error(msg string, err error, f watermill.LogFields) {
	a.log.Error(msg, append(a.fields(f), zap.Error(err))...)
}

func (a zapAdapter) Info(msg string, f watermill.LogFields) {
	a.log.Info(msg, a.fields(f)...)
}

func (a zapAdapter) Debug(msg string, f watermill.LogFields) {
	a.log.Debug(msg, a.fields(f)...)
}

func (a zapAdapter) Trace(msg string, f watermill.LogFields) {
	a.log.Debug(msg, a.fields(f)...)
}

func (a zapAdapter) With(f watermill.LogFields) watermill.LoggerAdapter {
	return zapAdapter{log: a.log.With(a.fields(f)...)}
}
