// Copyright 2024 polaris-contrib
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sdk

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/cache"
	"github.com/polaris-contrib/polaris-sdk-go/lib/circuitbreaker"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/configfilter"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/grpcconnector"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
	"github.com/polaris-contrib/polaris-sdk-go/lib/loadbalance"
	"github.com/polaris-contrib/polaris-sdk-go/lib/location"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
	"github.com/polaris-contrib/polaris-sdk-go/lib/ratelimit"
	"github.com/polaris-contrib/polaris-sdk-go/lib/router"
)

// Extensions is the resolved plugin graph behind one SDK context: the
// connectors, the cache, the router chain, the balancer set and the
// traffic guards, all wired to each other.
type Extensions struct {
	// Container indexes every constructed plugin for teardown.
	Container *plugin.Container

	// Connector serves the discover and health check roles.
	Connector connector.ServerConnector
	// ConfigConnector serves the config role; may equal Connector.
	ConfigConnector connector.ServerConnector

	// Cache is the local resource cache.
	Cache *cache.Cache
	// Resolver supplies the client location.
	Resolver *location.Resolver
	// RouterChain is the before/core/after router pipeline.
	RouterChain *router.Chain
	// Balancers maps policy name to balancer.
	Balancers map[string]loadbalance.LoadBalancer
	// DefaultPolicy is the balancer used when a request names none.
	DefaultPolicy string
	// Breaker is nil when circuit breaking is disabled.
	Breaker *circuitbreaker.Breaker
	// Limiter is nil when rate limiting is disabled.
	Limiter *ratelimit.RateLimiter
	// ConfigFilters post-process fetched config files.
	ConfigFilters *configfilter.Chain
}

// newExtensions builds and registers every plugin the configuration asks
// for. The caller owns teardown through Container.DestroyAll.
func newExtensions(ctx context.Context, cfg *config.Configuration, client *types.ClientContext, clock clockwork.Clock, log *slog.Logger, dial grpcconnector.DialFunc) (*Extensions, error) {
	ext := &Extensions{
		Container:     plugin.NewContainer(),
		Balancers:     make(map[string]loadbalance.LoadBalancer),
		DefaultPolicy: cfg.Consumer.LoadBalancer.DefaultPolicy,
	}
	if err := ext.buildConnectors(ctx, cfg, clock, log, dial); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ext.buildCache(ctx, cfg, clock, log); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ext.buildLocation(cfg, client, log); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ext.buildRouters(cfg, log); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ext.buildBalancers(cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ext.buildGuards(cfg, clock, log); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ext.buildConfigFilters(cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	return ext, nil
}

func (e *Extensions) buildConnectors(ctx context.Context, cfg *config.Configuration, clock clockwork.Clock, log *slog.Logger, dial grpcconnector.DialFunc) error {
	name := config.DefaultConnectorName
	scCfg, ok := cfg.Global.ServerConnectors[name]
	if !ok {
		for n, c := range cfg.Global.ServerConnectors {
			name, scCfg = n, c
			break
		}
	}
	// A dedicated rate limit cluster, when configured, gets its own
	// endpoint ring on the shared transport.
	var clusters map[connector.ClusterType][]string
	if cfg.Provider.RateLimit.Enable && len(cfg.Provider.RateLimit.Addresses) > 0 {
		clusters = map[connector.ClusterType][]string{
			connector.ClusterRateLimit: cfg.Provider.RateLimit.Addresses,
		}
	}
	conn, err := grpcconnector.New(ctx, grpcconnector.Config{
		Name:            name,
		Connector:       scCfg,
		Clusters:        clusters,
		RefreshInterval: cfg.Global.LocalCache.ServiceRefreshInterval.Duration(),
		Dial:            dial,
		Clock:           clock,
		Log:             log,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := e.Container.Register(conn); err != nil {
		return trace.Wrap(err)
	}
	e.Connector = conn
	e.ConfigConnector = conn

	// A differently named config connector gets its own transport.
	if cfg.Config.Enable && cfg.Config.ConnectorName != name {
		ccCfg, ok := cfg.Global.ServerConnectors[cfg.Config.ConnectorName]
		if !ok {
			return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig,
				"config connector %q is not declared under server_connectors", cfg.Config.ConnectorName))
		}
		cc, err := grpcconnector.New(ctx, grpcconnector.Config{
			Name:            cfg.Config.ConnectorName,
			Connector:       ccCfg,
			RefreshInterval: cfg.Global.LocalCache.ServiceRefreshInterval.Duration(),
			Dial:            dial,
			Clock:           clock,
			Log:             log,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if err := e.Container.Register(cc); err != nil {
			return trace.Wrap(err)
		}
		e.ConfigConnector = cc
	}
	return nil
}

func (e *Extensions) buildCache(ctx context.Context, cfg *config.Configuration, clock clockwork.Clock, log *slog.Logger) error {
	c, err := cache.New(ctx, cache.Config{
		LocalCache:   cfg.Global.LocalCache,
		Discover:     e.Connector,
		ConfigSource: e.ConfigConnector,
		Clock:        clock,
		Log:          log,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := e.Container.Register(c); err != nil {
		return trace.Wrap(err)
	}
	e.Cache = c
	return nil
}

func (e *Extensions) buildLocation(cfg *config.Configuration, client *types.ClientContext, log *slog.Logger) error {
	providers := make([]location.Provider, 0, len(cfg.Global.Location.Providers))
	for _, pc := range cfg.Global.Location.Providers {
		var p location.Provider
		switch pc.Name {
		case config.LocationLocal:
			p = location.NewLocalProvider(pc.Options)
		case config.LocationHTTP:
			hp, err := location.NewHTTPProvider(pc.Options)
			if err != nil {
				return trace.Wrap(err)
			}
			p = hp
		case config.LocationService:
			conn := e.Connector
			p = location.NewServiceProvider(func(ctx context.Context) (types.Location, error) {
				loc, err := conn.ReportClient(ctx, client)
				if err != nil {
					return types.Location{}, trace.Wrap(err)
				}
				if loc == nil {
					return types.Location{}, nil
				}
				return *loc, nil
			})
		default:
			return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig,
				"unknown location provider %q", pc.Name))
		}
		if err := e.Container.Register(p); err != nil {
			return trace.Wrap(err)
		}
		providers = append(providers, p)
	}
	e.Resolver = location.NewResolver(providers, log)
	return nil
}

// pullTimeout bounds the blocking rule pulls issued by router and guard
// suppliers on a cold cache entry.
func pullTimeout(cfg *config.Configuration) time.Duration {
	return cfg.Global.API.Timeout.Duration()
}

func (e *Extensions) buildRouters(cfg *config.Configuration, log *slog.Logger) error {
	timeout := pullTimeout(cfg)
	c := e.Cache

	routing := func(ctx context.Context, key types.ServiceKey) (*polarispb.Routing, error) {
		value, err := c.Get(ctx, types.ServiceEventKey(types.EventRouting, key), timeout)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		rules, _ := value.(*polarispb.Routing)
		return rules, nil
	}
	lanes := func(ctx context.Context, key types.ServiceKey) ([]*polarispb.LaneGroup, error) {
		value, err := c.Get(ctx, types.ServiceEventKey(types.EventLane, key), timeout)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		groups, _ := value.([]*polarispb.LaneGroup)
		return groups, nil
	}
	nearbyCfg, err := router.NewNearbyRouterConfig(cfg.Consumer.ServiceRouter, e.Resolver.Location)
	if err != nil {
		return trace.Wrap(err)
	}

	build := func(name string) (router.ServiceRouter, error) {
		switch name {
		case config.RouterIsolated:
			return router.NewIsolatedRouter(), nil
		case config.RouterRecover:
			return router.NewRecoverRouter(), nil
		case config.RouterMetadata:
			return router.NewMetadataRouter(), nil
		case config.RouterNearby:
			return router.NewNearbyRouter(nearbyCfg), nil
		case config.RouterRuleBased:
			return router.NewRuleBasedRouter(router.RuleBasedRouterConfig{
				Routing:        routing,
				FailoverPolicy: cfg.Consumer.ServiceRouter.RuleFailoverPolicy,
			}), nil
		case config.RouterSet:
			return router.NewSetRouter(), nil
		case config.RouterCanary:
			return router.NewCanaryRouter(), nil
		case config.RouterLane:
			return router.NewLaneRouter(lanes), nil
		case config.RouterNamespace:
			return router.NewNamespaceRouter(), nil
		}
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig, "unknown router %q", name))
	}
	buildStage := func(names []string) ([]router.ServiceRouter, error) {
		stage := make([]router.ServiceRouter, 0, len(names))
		for _, name := range names {
			r, err := build(name)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if err := e.Container.Register(r); err != nil {
				return nil, trace.Wrap(err)
			}
			stage = append(stage, r)
		}
		return stage, nil
	}

	before, err := buildStage(cfg.Consumer.ServiceRouter.BeforeChain)
	if err != nil {
		return trace.Wrap(err)
	}
	core, err := buildStage(cfg.Consumer.ServiceRouter.CoreChain)
	if err != nil {
		return trace.Wrap(err)
	}
	after, err := buildStage(cfg.Consumer.ServiceRouter.AfterChain)
	if err != nil {
		return trace.Wrap(err)
	}
	e.RouterChain = router.NewChain(before, core, after, log)
	return nil
}

func (e *Extensions) buildBalancers(cfg *config.Configuration) error {
	balancers := []loadbalance.LoadBalancer{
		loadbalance.NewWeightedRandom(nil),
		loadbalance.NewWeightedRoundRobin(),
		loadbalance.NewRingHash(0),
	}
	for _, b := range balancers {
		if err := e.Container.Register(b); err != nil {
			return trace.Wrap(err)
		}
		e.Balancers[b.Name()] = b
	}
	if _, ok := e.Balancers[e.DefaultPolicy]; !ok {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig,
			"unknown default load balancer policy %q", e.DefaultPolicy))
	}
	return nil
}

func (e *Extensions) buildGuards(cfg *config.Configuration, clock clockwork.Clock, log *slog.Logger) error {
	timeout := pullTimeout(cfg)
	c := e.Cache

	if cfg.Consumer.CircuitBreaker.Enable {
		breaker, err := circuitbreaker.New(circuitbreaker.Config{
			Rules: func(key types.ServiceKey) (*polarispb.CircuitBreaker, error) {
				// Blocking pull only happens on the first lookup of a
				// resource; afterwards rule changes arrive through the
				// listener.
				value, err := c.Get(context.Background(), types.ServiceEventKey(types.EventCircuitBreaker, key), timeout)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				rules, _ := value.(*polarispb.CircuitBreaker)
				return rules, nil
			},
			Clock: clock,
			Log:   log,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if err := e.Container.Register(breaker); err != nil {
			return trace.Wrap(err)
		}
		c.RegisterListener(breaker)
		e.Breaker = breaker
	}

	if cfg.Provider.RateLimit.Enable {
		var limiter ratelimit.Limiter = ratelimit.NewConcurrencyLimiter()
		if cfg.Provider.RateLimit.MaxQueuingTime > 0 {
			sliding := ratelimit.NewSlidingWindowLimiter(clock)
			if len(cfg.Provider.RateLimit.Addresses) > 0 {
				sliding.WithRemoteSync(e.Connector, cfg.Provider.RateLimit.RemoteSyncTimeout.Duration())
			}
			limiter = sliding
		}
		if err := e.Container.Register(limiter); err != nil {
			return trace.Wrap(err)
		}
		rl, err := ratelimit.New(ratelimit.Config{
			Rules: func(key types.ServiceKey) (*polarispb.RateLimit, error) {
				value, err := c.Get(context.Background(), types.ServiceEventKey(types.EventRateLimit, key), timeout)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				rules, _ := value.(*polarispb.RateLimit)
				return rules, nil
			},
			Limiter:                     limiter,
			MaxWindowCount:              cfg.Provider.RateLimit.MaxWindowCount,
			FallbackOnExceedWindowCount: cfg.Provider.RateLimit.FallbackOnExceedWindowCount,
			MaxQueuingTime:              cfg.Provider.RateLimit.MaxQueuingTime.Duration(),
			Clock:                       clock,
			Log:                         log,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		e.Limiter = rl
	}
	return nil
}

func (e *Extensions) buildConfigFilters(cfg *config.Configuration) error {
	filters := make([]configfilter.Filter, 0, len(cfg.Config.Filters))
	for _, fc := range cfg.Config.Filters {
		switch fc.Name {
		case configfilter.CryptoFilterName:
			f := configfilter.NewCryptoFilter()
			if err := e.Container.Register(f); err != nil {
				return trace.Wrap(err)
			}
			filters = append(filters, f)
		default:
			return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig,
				"unknown config filter %q", fc.Name))
		}
	}
	e.ConfigFilters = configfilter.NewChain(filters...)
	return nil
}
