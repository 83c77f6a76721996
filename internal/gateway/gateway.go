// ABOUTME: Gateway orchestrator: the main bot's webhook ingress plus health and metrics servers
// ABOUTME: Registers the main bot's webhook on start and releases the broker connection on stop

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/coven-relay/internal/chatapi"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/observability"
	"github.com/2389/coven-relay/internal/server"
	"github.com/2389/coven-relay/internal/tracecodec"
	"github.com/2389/coven-relay/internal/updates"
)

// ServiceName labels the gateway's metrics and traces.
const ServiceName = "gateway"

const (
	dedupeWindow = 10 * time.Minute
	dedupeSize   = 100_000
)

// allowedUpdates are the update kinds the main bot subscribes to.
var allowedUpdates = []string{
	"message",
	"edited_message",
	"channel_post",
	"edited_channel_post",
	"message_reaction",
	"message_reaction_count",
	"inline_query",
	"chosen_inline_result",
	"callback_query",
	"shipping_query",
	"pre_checkout_query",
	"poll",
	"poll_answer",
	"my_chat_member",
	"chat_member",
	"chat_join_request",
	"chat_boost",
	"removed_chat_boost",
}

// Options carries the gateway's already-connected dependencies.
type Options struct {
	Publisher Publisher
	// Bot is the main bot; webhook registration is skipped when nil
	Bot           chatapi.Client
	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics
	Observability *observability.Observability
	Logger        *slog.Logger
	// Closers are released in order once the servers have stopped
	Closers []io.Closer
}

// Gateway receives the main bot's updates and fans them out to workers.
type Gateway struct {
	config  *config.Config
	server  *server.Server
	bot     chatapi.Client
	seen    *dedupe.Cache[int]
	obs     *observability.Observability
	closers []io.Closer
	logger  *slog.Logger
}

// New assembles a gateway around opts.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	if opts.Publisher == nil {
		return nil, errors.New("gateway: publisher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := opts.Observability
	if obs == nil {
		obs = observability.Noop()
	}

	seen := dedupe.New[int](dedupeWindow, dedupeSize)

	mux := http.NewServeMux()
	mux.Handle(IngressPattern, NewIngressHandler(IngressOptions{
		Publisher:   opts.Publisher,
		SecretToken: cfg.Telegram.Webhook.SecretToken,
		Seen:        seen,
		Propagator:  obs.Propagator,
		Tracer:      obs.Tracer("gateway"),
		Metrics:     opts.Metrics,
		Logger:      logger,
	}))

	return &Gateway{
		config: cfg,
		server: server.New(server.Options{
			HTTPAddr:    cfg.Server.HTTPAddr,
			GRPCAddr:    cfg.Server.GRPCAddr,
			Mux:         mux,
			Registry:    metricsRegistry(cfg, opts.Registry),
			MetricsPath: cfg.Metrics.Path,
			Logger:      logger,
		}),
		bot:     opts.Bot,
		seen:    seen,
		obs:     obs,
		closers: opts.Closers,
		logger:  logger.With("component", "gateway"),
	}, nil
}

// Open connects to the broker and the chat API as configured and returns a ready gateway.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if err := cfg.ValidateGateway(); err != nil {
		return nil, err
	}

	obs, err := observability.New(ctx, cfg.Tracing, ServiceName, uuid.NewString())
	if err != nil {
		return nil, err
	}

	reg := metrics.NewRegistry()
	m := metrics.New(reg, ServiceName)

	conn, err := updates.Dial(cfg.Broker, "coven-relay-"+ServiceName)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open broker channel: %w", err)
	}

	publisher, err := updates.NewPublisher(ch, tracecodec.New(obs.Propagator), m)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	bot, err := chatapi.NewBot(cfg.Telegram.Token, cfg.Telegram.APIServer)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return New(cfg, Options{
		Publisher:     publisher,
		Bot:           bot,
		Registry:      reg,
		Metrics:       m,
		Observability: obs,
		Logger:        logger,
		Closers:       []io.Closer{ch, conn},
	})
}

func metricsRegistry(cfg *config.Config, reg *prometheus.Registry) *prometheus.Registry {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return reg
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler()
}

// RegisterWebhook points the main bot at the ingress endpoint. It is a no-op when no
// webhook URL is configured.
func (g *Gateway) RegisterWebhook(ctx context.Context) error {
	hook := g.config.Telegram.Webhook
	if hook.URL == "" || g.bot == nil {
		g.logger.InfoContext(ctx, "webhook url not configured, skipping registration")
		return nil
	}

	if err := g.bot.SetWebhook(ctx, &telego.SetWebhookParams{
		URL:            hook.URL,
		SecretToken:    hook.SecretToken,
		AllowedUpdates: allowedUpdates,
	}); err != nil {
		return fmt.Errorf("set main bot webhook: %w", err)
	}

	g.logger.InfoContext(ctx, "registered main bot webhook", "url", hook.URL)
	return nil
}

// Run registers the webhook and serves until ctx is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.RegisterWebhook(ctx); err != nil {
		return errors.Join(err, g.close())
	}

	g.server.SetReady(true)
	serverErr := g.server.Run(ctx)

	if err := g.close(); err != nil {
		g.logger.Error("releasing resources", "error", err)
		if serverErr == nil {
			return err
		}
	}
	return serverErr
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (g *Gateway) close() error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.seen.Close()
	for _, c := range g.closers {
		errs = appendCloseError(errs, fmt.Sprintf("close %T", c), c.Close())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = appendCloseError(errs, "tracer shutdown", g.obs.Shutdown(ctx))

	return errors.Join(errs...)
}
