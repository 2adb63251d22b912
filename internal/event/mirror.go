package event

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"ojforge/internal/common/mq"
	"ojforge/internal/model"
	"ojforge/pkg/utils/logger"
)

// Mirror republishes bus events to a Kafka topic for external consumers.
// The partition key is the problem id (task id for task-level events), so
// per-problem ordering survives the broker.
type Mirror struct {
	bus   *Bus
	queue mq.MessageQueue
	topic string
}

// NewMirror creates a mirror. queue may be nil when Kafka is not
// configured; Run then returns immediately.
func NewMirror(bus *Bus, queue mq.MessageQueue, topic string) *Mirror {
	return &Mirror{bus: bus, queue: queue, topic: topic}
}

// Run forwards events until ctx is cancelled. Publish failures are logged
// and skipped: the mirror is best-effort and must never stall the bus.
func (m *Mirror) Run(ctx context.Context) {
	if m.queue == nil || m.topic == "" {
		return
	}
	sub := m.bus.Subscribe()
	defer m.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Dropped():
			logger.Warn(ctx, "kafka mirror dropped by event bus, resubscribing")
			m.bus.Unsubscribe(sub)
			sub = m.bus.Subscribe()
		case ev := <-sub.Events():
			m.forward(ctx, ev)
		}
	}
}

func (m *Mirror) forward(ctx context.Context, ev model.ProgressEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		logger.Error(ctx, "marshal mirror event failed", zap.Error(err))
		return
	}
	msg := mq.NewMessage(body)
	msg.ID = partitionKey(ev)
	msg.SetHeader("event-kind", ev.Kind)
	if err := m.queue.Publish(ctx, m.topic, msg); err != nil {
		logger.Warn(ctx, "mirror publish failed",
			zap.String("kind", ev.Kind),
			zap.String("task_id", ev.TaskID),
			zap.Error(err))
	}
}

func partitionKey(ev model.ProgressEvent) string {
	if ev.ProblemID != "" {
		return ev.ProblemID
	}
	return ev.TaskID
}
