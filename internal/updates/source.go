// ABOUTME: Fan-out update source over an AMQP channel
// ABOUTME: Declares the shared exchange and per-service queue, then yields decoded updates

package updates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/mymmrac/telego"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/tracecodec"
)

// ExchangeName is the platform-wide fan-out exchange every update is published to.
const ExchangeName = "bot_updates"

// ErrClosed is returned by Next once the source is stopped, its context is done,
// or the broker closed the delivery stream.
var ErrClosed = errors.New("update source closed")

// QueueName returns the queue shared by all replicas of a service.
func QueueName(serviceName string) string {
	return fmt.Sprintf("%s:queue.%s", ExchangeName, serviceName)
}

// Channel is the subset of *amqp.Channel the source needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Cancel(consumer string, noWait bool) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Options configures Open.
type Options struct {
	ServiceName string
	// ConsumerTag must be unique per process
	ConsumerTag string
	Codec       *tracecodec.Codec
	Tracer      trace.Tracer
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Source yields updates consumed from the service's queue.
type Source struct {
	ch         Channel
	tag        string
	deliveries <-chan amqp.Delivery
	codec      *tracecodec.Codec
	tracer     trace.Tracer
	metrics    *metrics.Metrics
	logger     *slog.Logger

	stopped  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func init() {
	if err := sonic.Pretouch(reflect.TypeOf(telego.Update{})); err != nil {
		panic(err)
	}
}

// declare idempotently creates the exchange, the service queue, and the binding.
func declare(ch Channel, serviceName string) error {
	if err := ch.ExchangeDeclare(ExchangeName, amqp.ExchangeFanout, false, true, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", ExchangeName, err)
	}

	q, err := ch.QueueDeclare(QueueName(serviceName), false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}

	return nil
}

// Open declares the topology and starts a no-ack consumer on ch. Any failure is
// returned; the caller owns ch until Open succeeds.
func Open(ctx context.Context, ch Channel, opts Options) (*Source, error) {
	if opts.ServiceName == "" {
		return nil, errors.New("service name is required")
	}
	if opts.ConsumerTag == "" {
		return nil, errors.New("consumer tag is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "updates", "queue", QueueName(opts.ServiceName))

	if err := declare(ch, opts.ServiceName); err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(QueueName(opts.ServiceName), opts.ConsumerTag, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	s := &Source{
		ch:         ch,
		tag:        opts.ConsumerTag,
		deliveries: deliveries,
		codec:      opts.Codec,
		tracer:     opts.Tracer,
		metrics:    opts.Metrics,
		logger:     logger,
		done:       make(chan struct{}),
	}

	go s.watchClose(ch.NotifyClose(make(chan *amqp.Error, 1)))

	logger.InfoContext(ctx, "update source opened", "consumer", opts.ConsumerTag)
	return s, nil
}

// watchClose logs broker-side channel closures. Reconnecting is left to the connection owner.
func (s *Source) watchClose(closed chan *amqp.Error) {
	select {
	case amqpErr, ok := <-closed:
		if ok && amqpErr != nil {
			s.logger.Error("broker channel closed", "code", amqpErr.Code, "reason", amqpErr.Reason)
		}
	case <-s.done:
	}
}

// Next blocks until an update arrives and returns it with its trace context attached.
// Malformed deliveries are logged and skipped.
func (s *Source) Next(ctx context.Context) (telego.Update, error) {
	if s.stopped.Load() {
		return telego.Update{}, ErrClosed
	}

	for {
		select {
		case <-ctx.Done():
			return telego.Update{}, ErrClosed
		case <-s.done:
			return telego.Update{}, ErrClosed
		case d, ok := <-s.deliveries:
			if !ok {
				return telego.Update{}, ErrClosed
			}

			update, err := s.decode(d)
			if err != nil {
				s.logger.Warn("dropping undecodable delivery", "error", err, "bytes", len(d.Body))
				if s.metrics != nil {
					s.metrics.UpdatesDropped.WithLabelValues("decode").Inc()
				}
				continue
			}

			if s.metrics != nil {
				s.metrics.UpdatesReceived.Inc()
			}
			return update, nil
		}
	}
}

func (s *Source) decode(d amqp.Delivery) (telego.Update, error) {
	var update telego.Update
	if err := sonic.Unmarshal(d.Body, &update); err != nil {
		return telego.Update{}, fmt.Errorf("unmarshal update: %w", err)
	}

	ctx := context.Background()
	if s.codec != nil {
		ctx = s.codec.Extract(ctx, d.Headers)
	}

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "updates.receive",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.destination.name", ExchangeName),
				attribute.Int("telegram.update_id", update.UpdateID),
			),
		)
		span.End()
	}

	return update.WithContext(ctx), nil
}

// Stop cancels the consumer and then closes the channel. Later calls return the
// first call's result.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.done)

		var errs []error
		if err := s.ch.Cancel(s.tag, false); err != nil {
			errs = append(errs, fmt.Errorf("cancel consumer: %w", err))
		}
		if err := s.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
		s.stopErr = errors.Join(errs...)

		s.logger.Info("update source stopped")
	})
	return s.stopErr
}
