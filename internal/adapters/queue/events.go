package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"launchpad/internal/domain"

	"go.uber.org/zap"
)

// RedisEventStream relays the lifecycle events published by the broker
// scripts. Delivery is best-effort, as with any Redis pub/sub channel.
type RedisEventStream struct {
	broker *RedisQueueBroker
	logger *zap.Logger
}

func NewRedisEventStream(broker *RedisQueueBroker, logger *zap.Logger) *RedisEventStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisEventStream{broker: broker, logger: logger}
}

// wireEvent mirrors the JSON emitted from Lua, where numbers travel as strings.
type wireEvent struct {
	Event        domain.EventType `json:"event"`
	JobID        string           `json:"jobId"`
	Queue        domain.QueueName `json:"queue"`
	State        domain.JobState  `json:"state"`
	Timestamp    string           `json:"timestamp"`
	AttemptsMade string           `json:"attemptsMade"`
	NextRunAt    string           `json:"nextRunAt"`
	FailedReason string           `json:"failedReason"`
}

func (w wireEvent) decode() (domain.Event, error) {
	ev := domain.Event{
		Type:         w.Event,
		JobID:        w.JobID,
		Queue:        w.Queue,
		State:        w.State,
		FailedReason: w.FailedReason,
	}
	var err error
	if ev.Timestamp, err = parseMillis(w.Timestamp); err != nil {
		return ev, err
	}
	if ev.AttemptsMade, err = atoi(w.AttemptsMade); err != nil {
		return ev, err
	}
	if ev.NextRunAt, err = optionalMillis(w.NextRunAt); err != nil {
		return ev, err
	}
	return ev, nil
}

func decodeEvent(payload string) (domain.Event, error) {
	var w wireEvent
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return w.decode()
}

func (s *RedisEventStream) Subscribe(ctx context.Context, queues ...domain.QueueName) (<-chan domain.Event, error) {
	if len(queues) == 0 {
		queues = domain.QueueNames
	}
	channels := make([]string, 0, len(queues))
	for _, q := range queues {
		channels = append(channels, s.broker.EventsChannel(q))
	}

	sub := s.broker.client.Subscribe(ctx, channels...)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to events: %w", wrapErr(err))
	}

	out := make(chan domain.Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeEvent(msg.Payload)
				if err != nil {
					s.logger.Warn("dropping malformed event",
						zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ domain.EventStream = (*RedisEventStream)(nil)
