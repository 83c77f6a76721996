// ABOUTME: Carries distributed-trace context across the broker hop
// ABOUTME: Encodes the propagator's fields as a string table under the x-trace header

package tracecodec

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderKey is the message header reserved for trace context.
const HeaderKey = "x-trace"

// Codec injects and extracts trace context using a fixed propagator.
type Codec struct {
	propagator propagation.TextMapPropagator
}

// New returns a Codec backed by propagator.
func New(propagator propagation.TextMapPropagator) *Codec {
	return &Codec{propagator: propagator}
}

// Inject returns the trace context of ctx as a header table. The table is empty when
// ctx carries no span.
func (c *Codec) Inject(ctx context.Context) amqp.Table {
	carrier := propagation.MapCarrier{}
	c.propagator.Inject(ctx, carrier)

	return amqp.Table(lo.MapEntries(map[string]string(carrier), func(k, v string) (string, any) {
		return k, v
	}))
}

// InjectHeaders sets HeaderKey on headers, creating the table when nil. An existing
// x-trace entry is left untouched.
func (c *Codec) InjectHeaders(ctx context.Context, headers amqp.Table) amqp.Table {
	if headers == nil {
		headers = amqp.Table{}
	}
	if _, ok := headers[HeaderKey]; !ok {
		headers[HeaderKey] = c.Inject(ctx)
	}
	return headers
}

// Extract returns ctx enriched with the trace context found in headers. Missing or
// malformed headers leave ctx unchanged; non-string entries are skipped.
func (c *Codec) Extract(ctx context.Context, headers amqp.Table) context.Context {
	raw, ok := headers[HeaderKey]
	if !ok {
		return ctx
	}

	table, ok := raw.(amqp.Table)
	if !ok {
		m, isMap := raw.(map[string]any)
		if !isMap {
			return ctx
		}
		table = m
	}

	values := lo.PickBy(map[string]any(table), func(_ string, v any) bool {
		_, isString := v.(string)
		return isString
	})
	carrier := propagation.MapCarrier(lo.MapValues(values, func(v any, _ string) string {
		return v.(string)
	}))

	return c.propagator.Extract(ctx, carrier)
}
