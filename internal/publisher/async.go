package publisher

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/nexus-im/nexus/event"
	"github.com/nexus-im/nexus/internal/metrics"
)

const (
	// TypePublish is the asynq task type carrying one event.
	TypePublish = "realtime:publish"
	// Queue is the asynq queue publish tasks are enqueued on.
	Queue = "realtime"

	maxRetry = 5
)

type publishPayload struct {
	Channels []string    `json:"channels"`
	Event    event.Event `json:"event"`
}

// Enqueuer is the part of *asynq.Client used by Async.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Async hands events to an asynq worker instead of publishing inline. The
// worker retries failed deliveries, so an event can reach a channel more than
// once and tasks may complete out of order; clients merge by id and sort by
// time, which makes both harmless.
type Async struct {
	client  Enqueuer
	metrics *metrics.Metrics
	log     zerolog.Logger
}

var _ Sink = (*Async)(nil)

func NewAsync(client Enqueuer, m *metrics.Metrics, log zerolog.Logger) *Async {
	return &Async{
		client:  client,
		metrics: m,
		log:     log.With().Str("component", "publisher").Str("mode", "async").Logger(),
	}
}

func (a *Async) Publish(ctx context.Context, channels []string, ev event.Event) {
	task, err := NewPublishTask(channels, ev)
	if err == nil {
		_, err = a.client.EnqueueContext(ctx, task)
	}
	if err != nil {
		a.metrics.PublishFailures.WithLabelValues(string(ev.Kind)).Inc()
		a.log.Warn().Err(err).Str("kind", string(ev.Kind)).Str("event_id", ev.ID).Msg("enqueue failed")
	}
}

// NewPublishTask builds the task delivering ev to channels.
func NewPublishTask(channels []string, ev event.Event) (*asynq.Task, error) {
	payload, err := json.Marshal(publishPayload{Channels: channels, Event: ev})
	if err != nil {
		return nil, errors.Wrap(err, "encode publish task")
	}
	return asynq.NewTask(TypePublish, payload, asynq.Queue(Queue), asynq.MaxRetry(maxRetry)), nil
}

// NewTaskHandler returns the asynq handler that delivers publish tasks
// through p. Undecodable tasks are not retried.
func NewTaskHandler(p *Publisher) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		var payload publishPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return errors.Wrapf(asynq.SkipRetry, "decode publish task: %v", err)
		}
		return p.deliver(ctx, payload.Channels, payload.Event)
	})
}

// NewServeMux routes publish tasks to the handler.
func NewServeMux(p *Publisher) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypePublish, NewTaskHandler(p))
	return mux
}
