// ABOUTME: Tests for the fan-out update source and publisher against an in-memory channel
// ABOUTME: Covers topology declaration, malformed payloads, trace extraction, and stop semantics

package updates

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/tracecodec"
)

type declaredQueue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
}

// fakeChannel records topology calls and feeds deliveries from a buffered channel.
type fakeChannel struct {
	mu         sync.Mutex
	calls      []string
	exchanges  map[string]string
	queues     []declaredQueue
	bindings   []string
	consumer   string
	autoAck    bool
	deliveries chan amqp.Delivery
	published  []amqp.Publishing
	consumeErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges:  make(map[string]string),
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (f *fakeChannel) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.record("exchange")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.record("queue")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, declaredQueue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.record("bind")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, name+"|"+key+"|"+exchange)
	return nil
}

func (f *fakeChannel) Consume(_, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.record("consume")
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumer = consumer
	f.autoAck = autoAck
	return f.deliveries, nil
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return receiver
}

func (f *fakeChannel) Cancel(string, bool) error {
	f.record("cancel")
	return nil
}

func (f *fakeChannel) Close() error {
	f.record("close")
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newCodec() *tracecodec.Codec {
	return tracecodec.New(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
}

func openSource(t *testing.T, ch *fakeChannel) (*Source, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(metrics.NewRegistry(), "test")
	src, err := Open(context.Background(), ch, Options{
		ServiceName: "forwarding",
		ConsumerTag: "instance-1",
		Codec:       newCodec(),
		Metrics:     m,
	})
	require.NoError(t, err)
	return src, m
}

func TestOpen_DeclaresTopology(t *testing.T) {
	ch := newFakeChannel()
	src, _ := openSource(t, ch)
	defer src.Stop()

	assert.Equal(t, amqp.ExchangeFanout, ch.exchanges[ExchangeName])
	require.Len(t, ch.queues, 1)
	assert.Equal(t, declaredQueue{name: "bot_updates:queue.forwarding", autoDelete: true}, ch.queues[0])
	assert.Equal(t, []string{"bot_updates:queue.forwarding||bot_updates"}, ch.bindings)
	assert.Equal(t, "instance-1", ch.consumer)
	assert.True(t, ch.autoAck)
	assert.Equal(t, []string{"exchange", "queue", "bind", "consume"}, ch.Calls())
}

func TestOpen_ConsumeFailureIsFatal(t *testing.T) {
	ch := newFakeChannel()
	ch.consumeErr = errors.New("access refused")

	_, err := Open(context.Background(), ch, Options{ServiceName: "basic", ConsumerTag: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access refused")
}

func TestOpen_RequiresNames(t *testing.T) {
	_, err := Open(context.Background(), newFakeChannel(), Options{ConsumerTag: "x"})
	assert.Error(t, err)
	_, err = Open(context.Background(), newFakeChannel(), Options{ServiceName: "basic"})
	assert.Error(t, err)
}

func TestSource_SkipsMalformedPayloads(t *testing.T) {
	ch := newFakeChannel()
	src, m := openSource(t, ch)
	defer src.Stop()

	ch.deliveries <- amqp.Delivery{Body: []byte("not json")}
	ch.deliveries <- amqp.Delivery{Body: []byte(`{"update_id": "wrong type"}`)}
	ch.deliveries <- amqp.Delivery{Body: []byte(`{"update_id": 7, "message": {"message_id": 3, "date": 0, "chat": {"id": 42, "type": "private"}, "text": "hi"}}`)}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	update, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, update.UpdateID)
	require.NotNil(t, update.Message)
	assert.Equal(t, "hi", update.Message.Text)

	chatID, ok := ChatID(update)
	assert.True(t, ok)
	assert.Equal(t, int64(42), chatID)

	assert.GreaterOrEqual(t, testutil.ToFloat64(m.UpdatesDropped.WithLabelValues("decode")), float64(1))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UpdatesReceived))
}

func TestSource_ExtractsTraceContext(t *testing.T) {
	ch := newFakeChannel()
	src, _ := openSource(t, ch)
	defer src.Stop()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	producerCtx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	pub, err := NewPublisher(ch, newCodec(), nil)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(producerCtx, []byte(`{"update_id": 1}`)))
	require.Len(t, ch.published, 1)

	ch.deliveries <- amqp.Delivery{Headers: ch.published[0].Headers, Body: ch.published[0].Body}

	update, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, traceID, trace.SpanContextFromContext(update.Context()).TraceID())
}

func TestSource_NextAfterStopFailsFast(t *testing.T) {
	ch := newFakeChannel()
	src, _ := openSource(t, ch)

	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())

	ch.deliveries <- amqp.Delivery{Body: []byte(`{"update_id": 1}`)}

	_, err := src.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, []string{"exchange", "queue", "bind", "consume", "cancel", "close"}, ch.Calls())
}

func TestSource_StopUnblocksNext(t *testing.T) {
	ch := newFakeChannel()
	src, _ := openSource(t, ch)

	errCh := make(chan error, 1)
	go func() {
		_, err := src.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, src.Stop())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Stop")
	}
}

func TestSource_ContextCancelReturnsClosed(t *testing.T) {
	ch := newFakeChannel()
	src, _ := openSource(t, ch)
	defer src.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSource_BrokerClosedDeliveries(t *testing.T) {
	ch := newFakeChannel()
	src, _ := openSource(t, ch)
	defer src.Stop()

	close(ch.deliveries)

	_, err := src.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChatID_CallbackWithoutMessage(t *testing.T) {
	u := telego.Update{CallbackQuery: &telego.CallbackQuery{ID: "q", From: telego.User{ID: 99}}}

	chatID, ok := ChatID(u)
	assert.True(t, ok)
	assert.Equal(t, int64(99), chatID)

	senderID, ok := SenderID(u)
	assert.True(t, ok)
	assert.Equal(t, int64(99), senderID)

	_, ok = ChatID(telego.Update{})
	assert.False(t, ok)
}
