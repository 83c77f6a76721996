// ABOUTME: Webhook endpoint for the main bot; republishes each update to the fan-out exchange
// ABOUTME: Checks the secret header, drops redelivered update ids, and carries trace context onward

package gateway

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/mymmrac/telego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
)

// IngressPattern is the route the main bot's webhook points at.
const IngressPattern = "POST /telegram/webhook"

// SecretHeader carries the secret the main bot's webhook was registered with.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxUpdateBytes = 1 << 20

// Publisher sends an encoded update to every worker.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// IngressOptions configures an IngressHandler.
type IngressOptions struct {
	Publisher Publisher
	// SecretToken is compared with SecretHeader; empty disables the check
	SecretToken string
	// Seen drops repeated update ids; nil disables the check
	Seen       *dedupe.Cache[int]
	Propagator propagation.TextMapPropagator
	Tracer     trace.Tracer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// IngressHandler serves IngressPattern.
type IngressHandler struct {
	opts   IngressOptions
	tracer trace.Tracer
	logger *slog.Logger
}

// NewIngressHandler creates the handler.
func NewIngressHandler(opts IngressOptions) *IngressHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("gateway")
	}
	if opts.SecretToken == "" {
		logger.Warn("main bot webhook secret is not set; accepting unauthenticated updates")
	}
	return &IngressHandler{opts: opts, tracer: tracer, logger: logger.With("component", "gateway.ingress")}
}

func (h *IngressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.opts.Propagator != nil {
		ctx = h.opts.Propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))
	}
	ctx, span := h.tracer.Start(ctx, "gateway.ingress", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if h.opts.SecretToken != "" {
		secret := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(secret), []byte(h.opts.SecretToken)) != 1 {
			span.SetStatus(codes.Error, "invalid secret token")
			h.logger.WarnContext(ctx, "webhook secret is invalid", "remote", r.RemoteAddr)
			h.fail(w, http.StatusUnauthorized, "invalid secret token")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes))
	if err != nil {
		h.fail(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var update telego.Update
	if err := sonic.Unmarshal(body, &update); err != nil {
		h.fail(w, http.StatusBadRequest, "invalid update: "+err.Error())
		return
	}
	span.SetAttributes(attribute.Int("telegram.update_id", update.UpdateID))

	if h.opts.Seen != nil && h.opts.Seen.CheckAndMark(update.UpdateID) {
		h.logger.DebugContext(ctx, "skipping redelivered update", "update_id", update.UpdateID)
		h.ok(w)
		return
	}

	if err := h.opts.Publisher.Publish(ctx, body); err != nil {
		// Let the upstream retry reach the broker
		if h.opts.Seen != nil {
			h.opts.Seen.Forget(update.UpdateID)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.ErrorContext(ctx, "publishing update failed", "update_id", update.UpdateID, "error", err)
		h.fail(w, http.StatusInternalServerError, "publish failed")
		return
	}

	h.ok(w)
}

func (h *IngressHandler) ok(w http.ResponseWriter) {
	h.count(http.StatusOK)
	w.WriteHeader(http.StatusOK)
}

func (h *IngressHandler) fail(w http.ResponseWriter, code int, msg string) {
	h.count(code)
	http.Error(w, msg, code)
}

func (h *IngressHandler) count(code int) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.WebhookRequests.WithLabelValues("gateway", strconv.Itoa(code)).Inc()
	}
}
