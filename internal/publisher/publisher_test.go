package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/nexus/event"
	"github.com/nexus-im/nexus/internal/bus"
	"github.com/nexus-im/nexus/internal/metrics"
	"github.com/nexus-im/nexus/model"
)

var (
	base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c1   = model.Conversation{
		ID:            "C1",
		Members:       []model.Member{{UserID: "A"}, {UserID: "B"}},
		LastMessageAt: base,
	}
	hi = model.Message{ID: "m-42", ConversationID: "C1", SenderID: "A", Body: "hi", ClientID: "tmp-1", CreatedAt: base.Add(time.Minute), SeenBy: []string{"A"}}
)

func subscribe(t *testing.T, b bus.Bus, channel string) bus.Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), channel)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return sub
}

func next(t *testing.T, sub bus.Subscription) event.Event {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		ev, err := event.Decode(msg.Payload)
		require.NoError(t, err)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return event.Event{}
}

func TestMessageCreatedFansOut(t *testing.T) {
	b := bus.NewMemory(16, zerolog.Nop())
	m := metrics.New()
	n := NewNotifier(New(b, m, zerolog.Nop()), time.Second)

	convSub := subscribe(t, b, "conversation:C1")
	userA := subscribe(t, b, "user:A")
	userB := subscribe(t, b, "user:B")

	n.MessageCreated(context.Background(), c1, hi)

	for _, sub := range []bus.Subscription{convSub, userA, userB} {
		first := next(t, sub)
		assert.Equal(t, event.MessageNew, first.Kind)
		assert.Equal(t, "m-42", first.Message.ID)

		second := next(t, sub)
		assert.Equal(t, event.ConversationUpdate, second.Kind)
		assert.Equal(t, hi.CreatedAt, second.Conversation.LastMessageAt)
		require.NotNil(t, second.Conversation.LastMessage)
		assert.Equal(t, "hi", second.Conversation.LastMessage.Body)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(string(event.MessageNew))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(string(event.ConversationUpdate))))
}

func TestConversationUpdateNeverRegresses(t *testing.T) {
	b := bus.NewMemory(16, zerolog.Nop())
	n := NewNotifier(New(b, metrics.New(), zerolog.Nop()), time.Second)
	sub := subscribe(t, b, "conversation:C1")

	late := c1
	late.LastMessageAt = base.Add(time.Hour)
	n.MessageCreated(context.Background(), late, hi)

	next(t, sub)
	update := next(t, sub)
	assert.Equal(t, late.LastMessageAt, update.Conversation.LastMessageAt)
}

func TestPublishSurvivesCancelledRequest(t *testing.T) {
	b := bus.NewMemory(16, zerolog.Nop())
	n := NewNotifier(New(b, metrics.New(), zerolog.Nop()), time.Second)
	sub := subscribe(t, b, "user:B")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.ConversationCreated(ctx, c1)

	ev := next(t, sub)
	assert.Equal(t, event.ConversationNew, ev.Kind)
	assert.Equal(t, "C1", ev.Conversation.ID)
}

func TestMessagesSeenPublishesEachMessage(t *testing.T) {
	b := bus.NewMemory(16, zerolog.Nop())
	n := NewNotifier(New(b, metrics.New(), zerolog.Nop()), time.Second)
	sub := subscribe(t, b, "conversation:C1")

	seen := hi
	seen.SeenBy = []string{"A", "B"}
	other := model.Message{ID: "m-43", ConversationID: "C1", SenderID: "B", Body: "yo", CreatedAt: base, SeenBy: []string{"B", "A"}}
	n.MessagesSeen(context.Background(), c1, []model.Message{seen, other})
	n.MessagesSeen(context.Background(), c1, nil)

	first := next(t, sub)
	assert.Equal(t, event.MessageUpdate, first.Kind)
	assert.Equal(t, []string{"A", "B"}, first.Message.SeenBy)
	assert.Equal(t, "m-43", next(t, sub).Message.ID)

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message %s", msg.Payload)
	default:
	}
}

func TestConversationRemoved(t *testing.T) {
	b := bus.NewMemory(16, zerolog.Nop())
	n := NewNotifier(New(b, metrics.New(), zerolog.Nop()), time.Second)
	sub := subscribe(t, b, "user:A")

	n.ConversationRemoved(context.Background(), c1)
	assert.Equal(t, event.ConversationRemove, next(t, sub).Kind)
}

type failingBus struct{ bus.Bus }

func (failingBus) Publish(context.Context, string, []byte) error {
	return errors.New("redis down")
}

func TestPublishFailureIsCountedNotReturned(t *testing.T) {
	m := metrics.New()
	p := New(failingBus{}, m, zerolog.Nop())

	p.Publish(context.Background(), []string{"conversation:C1", "user:A"}, event.NewMessage(event.MessageNew, hi))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues(string(event.MessageNew))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues(string(event.MessageNew))))
}

func TestInvalidEventIsNotPublished(t *testing.T) {
	b := bus.NewMemory(16, zerolog.Nop())
	m := metrics.New()
	p := New(b, m, zerolog.Nop())
	sub := subscribe(t, b, "conversation:C1")

	p.Publish(context.Background(), []string{"conversation:C1"}, event.Event{Kind: event.MessageNew})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues(string(event.MessageNew))))
	select {
	case <-sub.Messages():
		t.Fatal("invalid event reached the bus")
	default:
	}
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (r *recordingEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Queue: Queue, Type: task.Type()}, nil
}

func TestAsyncEnqueuesAndHandlerDelivers(t *testing.T) {
	b := bus.NewMemory(16, zerolog.Nop())
	m := metrics.New()
	enq := &recordingEnqueuer{}
	n := NewNotifier(NewAsync(enq, m, zerolog.Nop()), time.Second)
	sub := subscribe(t, b, "user:B")

	n.MessageCreated(context.Background(), c1, hi)
	require.Len(t, enq.tasks, 2)
	assert.Equal(t, TypePublish, enq.tasks[0].Type())

	handler := NewTaskHandler(New(b, m, zerolog.Nop()))
	for _, task := range enq.tasks {
		require.NoError(t, handler.ProcessTask(context.Background(), task))
	}

	assert.Equal(t, event.MessageNew, next(t, sub).Kind)
	assert.Equal(t, event.ConversationUpdate, next(t, sub).Kind)
}

func TestAsyncEnqueueFailureIsCounted(t *testing.T) {
	m := metrics.New()
	a := NewAsync(&recordingEnqueuer{err: errors.New("redis down")}, m, zerolog.Nop())

	a.Publish(context.Background(), []string{"user:A"}, event.NewConversation(event.ConversationNew, c1))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues(string(event.ConversationNew))))
}

func TestTaskHandlerSkipsRetryForGarbage(t *testing.T) {
	handler := NewTaskHandler(New(bus.NewMemory(1, zerolog.Nop()), metrics.New(), zerolog.Nop()))

	err := handler.ProcessTask(context.Background(), asynq.NewTask(TypePublish, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestTaskHandlerReturnsDeliveryError(t *testing.T) {
	task, err := NewPublishTask([]string{"user:A"}, event.NewMessage(event.MessageNew, hi))
	require.NoError(t, err)

	handler := NewTaskHandler(New(failingBus{}, metrics.New(), zerolog.Nop()))
	assert.Error(t, handler.ProcessTask(context.Background(), task))
}

func TestServeMuxRoutesPublishTasks(t *testing.T) {
	b := bus.NewMemory(16, zerolog.Nop())
	sub := subscribe(t, b, "user:A")
	mux := NewServeMux(New(b, metrics.New(), zerolog.Nop()))

	task, err := NewPublishTask([]string{"user:A"}, event.NewConversation(event.ConversationNew, c1))
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	assert.Equal(t, event.ConversationNew, next(t, sub).Kind)
}
