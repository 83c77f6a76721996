// ABOUTME: Worker runtime: consumes the service's update queue and dispatches through the router
// ABOUTME: Runs the dispatcher alongside health and metrics servers and drains both on shutdown

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/chatapi"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dialogue"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/observability"
	"github.com/2389/coven-relay/internal/router"
	"github.com/2389/coven-relay/internal/server"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/tracecodec"
	"github.com/2389/coven-relay/internal/updates"
)

// ErrStreamEnded is returned by Run when the broker stopped delivering before shutdown.
var ErrStreamEnded = errors.New("update stream ended")

// Deps carries the worker's already-connected dependencies.
type Deps struct {
	Channel updates.Channel
	Redis   redis.UniversalClient
	// Store is required by the forwarding worker only
	Store store.Store
	// Main is the bot whose updates arrive through the broker
	Main chatapi.Client
	// Bots builds clients for dynamically registered bot tokens
	Bots          chatapi.Factory
	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics
	Observability *observability.Observability
	Logger        *slog.Logger
	// Closers are released in order once the worker has stopped
	Closers []io.Closer
}

// Worker runs one capability against the shared update stream.
type Worker struct {
	config     *config.Config
	module     Module
	router     *router.Router
	dispatcher *router.Dispatcher
	server     *server.Server
	obs        *observability.Observability
	closers    []io.Closer
	logger     *slog.Logger
}

// New builds the worker and opens its update source. deps.Channel belongs to the
// worker once New succeeds.
func New(ctx context.Context, cfg *config.Config, deps Deps) (_ *Worker, err error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Observability == nil {
		deps.Observability = observability.Noop()
	}
	logger := deps.Logger.With("service", cfg.Service.Name)
	deps.Logger = logger

	module, err := BuildModule(cfg, deps)
	if err != nil {
		return nil, err
	}
	defer func() {
		if c, ok := module.(io.Closer); ok && err != nil {
			_ = c.Close()
		}
	}()

	routerOpts := router.Options{
		Scope:   cfg.Service.Name,
		Tracer:  deps.Observability.Tracer("router"),
		Metrics: deps.Metrics,
		Logger:  logger,
	}
	if sm, ok := module.(Stateful); ok {
		if deps.Redis == nil {
			return nil, fmt.Errorf("%s worker needs redis for dialogue state", cfg.Service.Name)
		}
		routerOpts.States = dialogue.NewRedisStore(deps.Redis, sm.States())
		routerOpts.OnStateReset = sm.OnStateReset
	}
	if er, ok := module.(ErrorReporter); ok {
		routerOpts.OnError = er.OnError
	}
	r := router.New(module.Branches(), routerOpts)

	locker, err := chatLocker(cfg, deps.Redis)
	if err != nil {
		return nil, err
	}

	instanceID := cfg.Service.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	source, err := updates.Open(ctx, deps.Channel, updates.Options{
		ServiceName: cfg.Service.Name,
		ConsumerTag: instanceID,
		Codec:       tracecodec.New(deps.Observability.Propagator),
		Tracer:      deps.Observability.Tracer("updates"),
		Metrics:     deps.Metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open update source: %w", err)
	}

	mux := http.NewServeMux()
	if rm, ok := module.(RouteRegistrar); ok {
		rm.RegisterRoutes(mux)
	}

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = deps.Registry
	}

	closers := deps.Closers
	if c, ok := module.(io.Closer); ok {
		closers = append([]io.Closer{c}, closers...)
	}

	w := &Worker{
		config: cfg,
		module: module,
		router: r,
		dispatcher: router.NewDispatcher(r, source, router.DispatcherOptions{
			Workers:        cfg.Dispatch.Workers,
			HandlerTimeout: cfg.Dispatch.HandlerTimeout,
			Locker:         locker,
			Metrics:        deps.Metrics,
			Logger:         logger,
		}),
		server: server.New(server.Options{
			HTTPAddr:    cfg.Server.HTTPAddr,
			GRPCAddr:    cfg.Server.GRPCAddr,
			Mux:         mux,
			Registry:    reg,
			MetricsPath: cfg.Metrics.Path,
			Logger:      logger,
		}),
		obs:     deps.Observability,
		closers: closers,
		logger:  logger.With("component", "worker"),
	}

	w.logger.InfoContext(ctx, "worker ready", "instance_id", instanceID, "branches", r.Branches())
	return w, nil
}

// chatLocker picks the per-chat serialization configured for dispatch.
func chatLocker(cfg *config.Config, rdb redis.UniversalClient) (router.ChatLocker, error) {
	switch cfg.Dispatch.SerializeChats {
	case config.SerializeLocal:
		return router.NewLocalChatLocker(), nil
	case config.SerializeRedis:
		if rdb == nil {
			return nil, errors.New("dispatch.serialize_chats=redis needs redis")
		}
		return router.NewRedisChatLocker(rdb, cfg.Service.Name, cfg.Dispatch.HandlerTimeout), nil
	}
	return nil, nil
}

// Handler returns the worker's HTTP handler.
func (w *Worker) Handler() http.Handler {
	return w.server.Handler()
}

// Run dispatches updates and serves HTTP until ctx is canceled or either side fails.
// In-flight handlers finish before the update source and the resources are closed.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := w.dispatcher.Run(gctx)
		if err == nil && ctx.Err() == nil {
			err = ErrStreamEnded
		}
		return err
	})
	g.Go(func() error {
		return w.server.Run(gctx)
	})

	w.server.SetReady(true)
	runErr := g.Wait()

	if err := w.close(); err != nil {
		w.logger.Error("releasing resources", "error", err)
		if runErr == nil {
			return err
		}
	}
	return runErr
}

func (w *Worker) close() error {
	w.logger.Info("shutting down worker")

	var errs []error
	for _, c := range w.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %T: %w", c, err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.obs.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
