// ABOUTME: HTTP endpoint forwarding bots deliver their updates to
// ABOUTME: Authenticates by per-bot secret header, skips redeliveries, then relays the update

package forwarding

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/mymmrac/telego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
)

// SecretHeader carries the secret a bot's webhook was registered with.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookPattern is the route the handler is mounted on.
const WebhookPattern = "POST /webhook/{token}"

const maxUpdateBytes = 1 << 20

// WebhookHandler serves WebhookPattern.
type WebhookHandler struct {
	svc        *Service
	relay      *Relay
	seen       *dedupe.Cache[string]
	propagator propagation.TextMapPropagator
	tracer     trace.Tracer
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// WebhookOptions configures a WebhookHandler.
type WebhookOptions struct {
	Service    *Service
	Relay      *Relay
	Seen       *dedupe.Cache[string]
	Propagator propagation.TextMapPropagator
	Tracer     trace.Tracer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// NewWebhookHandler creates the handler. Seen may be nil to disable redelivery checks.
func NewWebhookHandler(opts WebhookOptions) *WebhookHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		svc:        opts.Service,
		relay:      opts.Relay,
		seen:       opts.Seen,
		propagator: opts.Propagator,
		tracer:     opts.Tracer,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "forwarding.webhook"),
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.propagator != nil {
		ctx = h.propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))
	}
	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.Start(ctx, "forwarding.webhook", trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
	}

	token := r.PathValue("token")

	secret := r.Header.Get(SecretHeader)
	if secret == "" {
		h.fail(w, http.StatusUnauthorized, "missing secret token")
		return
	}

	bot, err := h.svc.BotByToken(ctx, token)
	if errors.Is(err, ErrBotNotFound) {
		h.fail(w, http.StatusNotFound, "bot not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "bot lookup failed", "error", err)
		h.fail(w, http.StatusInternalServerError, "bot lookup failed")
		return
	}

	if subtle.ConstantTimeCompare([]byte(secret), []byte(bot.Secret)) != 1 {
		h.logger.WarnContext(ctx, "webhook secret mismatch", "bot_id", bot.ID)
		h.fail(w, http.StatusUnauthorized, "invalid secret token")
		return
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

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("forwarding.bot_id", bot.ID),
		attribute.Int("telegram.update_id", update.UpdateID),
	)

	key := bot.ID + ":" + strconv.Itoa(update.UpdateID)
	if h.seen != nil && h.seen.CheckAndMark(key) {
		h.logger.DebugContext(ctx, "skipping redelivered update", "bot_id", bot.ID, "update_id", update.UpdateID)
		h.ok(w)
		return
	}

	if err := h.relay.HandleUpdate(ctx, bot, update.WithContext(ctx)); err != nil {
		if h.seen != nil {
			h.seen.Forget(key)
		}
		h.logger.ErrorContext(ctx, "handling update failed", "bot_id", bot.ID, "update_id", update.UpdateID, "error", err)
		h.fail(w, http.StatusInternalServerError, fmt.Sprintf("handling update: %v", err))
		return
	}

	h.ok(w)
}

func (h *WebhookHandler) ok(w http.ResponseWriter) {
	h.count(http.StatusOK)
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) fail(w http.ResponseWriter, code int, msg string) {
	h.count(code)
	http.Error(w, msg, code)
}

func (h *WebhookHandler) count(code int) {
	if h.metrics != nil {
		h.metrics.WebhookRequests.WithLabelValues("forwarding", strconv.Itoa(code)).Inc()
	}
}
