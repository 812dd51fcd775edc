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

// Package sdk assembles the SDK context: the plugin graph, the flow engine
// behind the public facades, the heartbeat scheduler and the client report
// loop.
package sdk

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	polaris "github.com/polaris-contrib/polaris-sdk-go"
	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/grpcconnector"
)

type options struct {
	clock            clockwork.Clock
	log              *slog.Logger
	dial             grpcconnector.DialFunc
	losslessProvider LosslessActionProvider
}

// Option customizes SDK context construction.
type Option func(*options)

// WithClock injects a clock, used by tests.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLog sets the root logger.
func WithLog(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithDial overrides the grpc dialer, used by tests.
func WithDial(dial grpcconnector.DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// WithLosslessProvider installs the application health hook polled by the
// lossless policy after registration.
func WithLosslessProvider(provider LosslessActionProvider) Option {
	return func(o *options) { o.losslessProvider = provider }
}

// SDKContext owns the full client runtime. Facades share one context
// through Acquire and Release; the last release tears everything down.
type SDKContext struct {
	cfg    *config.Configuration
	log    *slog.Logger
	clock  clockwork.Clock
	client *types.ClientContext

	ext        *Extensions
	engine     *Engine
	heartbeats *heartbeatScheduler
	lossless   *LosslessPolicy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refs      atomic.Int32
	destroyed sync.Once
}

// NewSDKContext validates the configuration and builds the runtime. The
// returned context holds one reference.
func NewSDKContext(cfg *config.Configuration, opts ...Option) (*SDKContext, error) {
	if cfg == nil {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig, "missing configuration"))
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	client := &types.ClientContext{
		ClientID: uuid.NewString(),
		Host:     resolveBindIP(cfg),
		Version:  polaris.Version,
	}

	ctx, cancel := context.WithCancel(context.Background())
	ext, err := newExtensions(ctx, cfg, client, o.clock, o.log, o.dial)
	if err != nil {
		cancel()
		if ext != nil {
			_ = ext.Container.DestroyAll()
		}
		return nil, trace.Wrap(err)
	}

	// Best effort initial location; the report loop upgrades it later.
	rctx, rcancel := context.WithTimeout(ctx, cfg.Global.API.Timeout.Duration())
	if loc, err := ext.Resolver.Resolve(rctx); err == nil {
		client.Location = loc
	}
	rcancel()

	s := &SDKContext{
		cfg:    cfg,
		log:    o.log,
		clock:  o.clock,
		client: client,
		ext:    ext,
		heartbeats: newHeartbeatScheduler(ctx, ext.Connector, o.clock, o.log,
			cfg.Provider.MinRegisterInterval.Duration(), cfg.Provider.HeartbeatWorkerSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.Provider.Lossless.Enable {
		lossless, err := NewLosslessPolicy(cfg.Provider.Lossless, o.losslessProvider, o.clock, o.log)
		if err != nil {
			cancel()
			_ = ext.Container.DestroyAll()
			return nil, trace.Wrap(err)
		}
		s.lossless = lossless
		if err := ext.Container.Register(s.lossless); err != nil {
			cancel()
			_ = s.lossless.Destroy()
			_ = ext.Container.DestroyAll()
			return nil, trace.Wrap(err)
		}
	}
	s.engine = newEngine(engineConfig{
		Configuration: cfg,
		Client:        client,
		Extensions:    ext,
		Heartbeats:    s.heartbeats,
		Lossless:      s.lossless,
		Clock:         o.clock,
		Log:           o.log,
	})
	s.refs.Store(1)

	s.wg.Add(1)
	go s.reportClientLoop()
	return s, nil
}

// Engine exposes the flow engine to the facades.
func (s *SDKContext) Engine() *Engine { return s.engine }

// Extensions exposes the resolved plugin graph.
func (s *SDKContext) Extensions() *Extensions { return s.ext }

// Client returns the process identity reported to the control plane.
func (s *SDKContext) Client() *types.ClientContext { return s.client }

// Configuration returns the validated configuration tree.
func (s *SDKContext) Configuration() *config.Configuration { return s.cfg }

// Acquire adds a facade reference.
func (s *SDKContext) Acquire() { s.refs.Add(1) }

// Release drops a facade reference, destroying the context when the last
// one goes.
func (s *SDKContext) Release() {
	if s.refs.Add(-1) <= 0 {
		s.Destroy()
	}
}

// Destroy tears the runtime down. Safe to call more than once.
func (s *SDKContext) Destroy() {
	s.destroyed.Do(func() {
		s.cancel()
		s.heartbeats.close()
		s.wg.Wait()
		if err := s.ext.Container.DestroyAll(); err != nil {
			s.log.Warn("plugin teardown reported errors", "error", err)
		}
	})
}

// reportClientLoop periodically reports the process to the control plane
// and feeds the server-observed location back into the resolver.
func (s *SDKContext) reportClientLoop() {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.Global.API.ReportInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
		}
		rctx, rcancel := context.WithTimeout(s.ctx, s.cfg.Global.API.Timeout.Duration())
		loc, err := s.ext.Connector.ReportClient(rctx, s.client)
		rcancel()
		if err != nil {
			s.log.Debug("client report failed", "error", err)
			continue
		}
		if loc != nil && !loc.IsEmpty() {
			s.ext.Resolver.Update(*loc)
		}
	}
}

// resolveBindIP picks the address reported to the server: the configured
// bind_ip, the first address of bind_if, or the local address of a probe
// towards the first server endpoint.
func resolveBindIP(cfg *config.Configuration) string {
	if cfg.Global.API.BindIP != "" {
		return cfg.Global.API.BindIP
	}
	if cfg.Global.API.BindIf != "" {
		if ip := interfaceIP(cfg.Global.API.BindIf); ip != "" {
			return ip
		}
	}
	for _, sc := range cfg.Global.ServerConnectors {
		for _, addr := range sc.Addresses {
			if ip := probeLocalIP(addr); ip != "" {
				return ip
			}
		}
	}
	return "127.0.0.1"
}

func interfaceIP(name string) string {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return ""
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return ""
}

// probeLocalIP learns the outbound address without sending traffic; UDP
// connect only binds the socket.
func probeLocalIP(server string) string {
	conn, err := net.Dial("udp", server)
	if err != nil {
		return ""
	}
	defer conn.Close()
	local := conn.LocalAddr().String()
	if host, _, err := net.SplitHostPort(local); err == nil {
		return host
	}
	return strings.Split(local, ":")[0]
}
