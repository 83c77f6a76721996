// ABOUTME: Worker capabilities and the selection of one by service name
// ABOUTME: A module supplies branches and may add dialogue states, HTTP routes, and cleanup

package worker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/2389/coven-relay/internal/basic"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dialogue"
	"github.com/2389/coven-relay/internal/forwarding"
	"github.com/2389/coven-relay/internal/ratelimit"
	"github.com/2389/coven-relay/internal/router"
)

// Service names a worker can run as.
const (
	ServiceBasic      = "basic"
	ServiceForwarding = "forwarding"
)

// Module is one worker capability.
type Module interface {
	Branches() []router.Branch
}

// Stateful modules keep per-chat dialogue state.
type Stateful interface {
	States() *dialogue.Codec
	OnStateReset(ctx context.Context, chatID int64)
}

// ErrorReporter modules tell the user when an update could not be handled.
type ErrorReporter interface {
	OnError(ctx context.Context, chatID int64, err error)
}

// RouteRegistrar modules serve HTTP endpoints of their own.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

var (
	_ Module         = (*basic.Module)(nil)
	_ ErrorReporter  = (*basic.Module)(nil)
	_ Stateful       = (*forwarding.Module)(nil)
	_ ErrorReporter  = (*forwarding.Module)(nil)
	_ RouteRegistrar = (*forwarding.Module)(nil)
)

// BuildModule returns the capability named by cfg.Service.Name.
func BuildModule(cfg *config.Config, deps Deps) (Module, error) {
	tracer := deps.Observability.Tracer(cfg.Service.Name)

	switch cfg.Service.Name {
	case ServiceBasic:
		return basic.New(basic.Options{
			Client: deps.Main,
			Tracer: tracer,
			Logger: deps.Logger,
		}), nil

	case ServiceForwarding:
		if deps.Store == nil {
			return nil, fmt.Errorf("%s worker needs a database", ServiceForwarding)
		}
		return forwarding.NewModule(forwarding.ModuleOptions{
			Store:          deps.Store,
			Bots:           deps.Bots,
			Main:           deps.Main,
			WebhookBaseURL: cfg.Forwarding.WebhookBaseURL,
			Limiter:        ratelimit.New(deps.Redis, ServiceForwarding, cfg.Forwarding.RateLimit),
			DedupeWindow:   cfg.Forwarding.DedupeWindow,
			Propagator:     deps.Observability.Propagator,
			Tracer:         tracer,
			Metrics:        deps.Metrics,
			Logger:         deps.Logger,
		}), nil
	}

	return nil, fmt.Errorf("unknown service %q (want %s or %s)", cfg.Service.Name, ServiceBasic, ServiceForwarding)
}
