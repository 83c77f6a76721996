// ABOUTME: Publishes raw updates to the fan-out exchange with trace context attached
// ABOUTME: Used by the webhook gateway, the only producer on the exchange

package updates

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/tracecodec"
)

// PublishChannel is the subset of *amqp.Channel the publisher needs.
type PublishChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

var _ PublishChannel = (*amqp.Channel)(nil)

// Publisher writes update bodies to ExchangeName.
type Publisher struct {
	ch      PublishChannel
	codec   *tracecodec.Codec
	metrics *metrics.Metrics
}

// NewPublisher declares the exchange and returns a Publisher on ch.
func NewPublisher(ch PublishChannel, codec *tracecodec.Codec, m *metrics.Metrics) (*Publisher, error) {
	if err := ch.ExchangeDeclare(ExchangeName, amqp.ExchangeFanout, false, true, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", ExchangeName, err)
	}
	return &Publisher{ch: ch, codec: codec, metrics: m}, nil
}

// Publish sends body, an encoded update, to every bound service queue.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	msg := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}
	if p.codec != nil {
		msg.Headers = p.codec.InjectHeaders(ctx, nil)
	}

	if err := p.ch.PublishWithContext(ctx, ExchangeName, "", false, false, msg); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}

	if p.metrics != nil {
		p.metrics.UpdatesPublished.Inc()
	}
	return nil
}
