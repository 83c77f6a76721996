// ABOUTME: Assembles the forwarding service, relay, wizard, and webhook into one worker module

package forwarding

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-relay/internal/chatapi"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/dialogue"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/ratelimit"
	"github.com/2389/coven-relay/internal/router"
	"github.com/2389/coven-relay/internal/store"
)

// dedupeSize bounds how many (bot, update) pairs the webhook remembers.
const dedupeSize = 100_000

// ModuleOptions configures a Module.
type ModuleOptions struct {
	Store store.Store
	// Bots builds clients for forwarding bot tokens
	Bots chatapi.Factory
	// Main is the client of the bot hosting the wizard
	Main           chatapi.Client
	WebhookBaseURL string
	Limiter        ratelimit.Limiter
	DedupeWindow   time.Duration
	Propagator     propagation.TextMapPropagator
	Tracer         trace.Tracer
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Module is the forwarding worker capability.
type Module struct {
	Service *Service
	Relay   *Relay
	Wizard  *Wizard
	Webhook *WebhookHandler
	seen    *dedupe.Cache[string]
}

// NewModule wires the forwarding components together.
func NewModule(opts ModuleOptions) *Module {
	svc := NewService(ServiceOptions{
		Store:          opts.Store,
		Bots:           opts.Bots,
		WebhookBaseURL: opts.WebhookBaseURL,
		Tracer:         opts.Tracer,
		Logger:         opts.Logger,
	})
	relay := NewRelay(RelayOptions{
		Service: svc,
		Bots:    opts.Bots,
		Limiter: opts.Limiter,
		Metrics: opts.Metrics,
		Tracer:  opts.Tracer,
		Logger:  opts.Logger,
	})

	var seen *dedupe.Cache[string]
	if opts.DedupeWindow > 0 {
		seen = dedupe.New[string](opts.DedupeWindow, dedupeSize)
	}

	return &Module{
		Service: svc,
		Relay:   relay,
		Wizard:  NewWizard(svc, opts.Main, opts.Logger),
		Webhook: NewWebhookHandler(WebhookOptions{
			Service:    svc,
			Relay:      relay,
			Seen:       seen,
			Propagator: opts.Propagator,
			Tracer:     opts.Tracer,
			Metrics:    opts.Metrics,
			Logger:     opts.Logger,
		}),
		seen: seen,
	}
}

func (m *Module) Branches() []router.Branch {
	return m.Wizard.Branches()
}

func (m *Module) States() *dialogue.Codec {
	return States()
}

func (m *Module) OnStateReset(ctx context.Context, chatID int64) {
	m.Wizard.OnStateReset(ctx, chatID)
}

func (m *Module) OnError(ctx context.Context, chatID int64, err error) {
	m.Wizard.OnError(ctx, chatID, err)
}

// RegisterRoutes mounts the forwarding bot webhook.
func (m *Module) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(WebhookPattern, m.Webhook)
}

func (m *Module) Close() error {
	if m.seen != nil {
		m.seen.Close()
	}
	return nil
}
