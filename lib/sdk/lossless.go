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
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	polaris "github.com/polaris-contrib/polaris-sdk-go"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// LosslessPolicyName is the plugin registry name of the delayed register
// policy.
const LosslessPolicyName = "delayRegister"

// LosslessActionProvider is the application hook the lossless policy polls
// after registration to decide when the process may take traffic.
type LosslessActionProvider interface {
	// DoHealthCheck reports whether the application is ready.
	DoHealthCheck(ctx context.Context) bool
}

// LosslessActionFunc adapts a function to LosslessActionProvider.
type LosslessActionFunc func(ctx context.Context) bool

// DoHealthCheck implements LosslessActionProvider.
func (f LosslessActionFunc) DoHealthCheck(ctx context.Context) bool { return f(ctx) }

// LosslessPolicy publishes instance readiness on a local status endpoint.
// Registration itself never waits: after the register call returns, the
// policy waits out the delay register interval, polls the application's
// health hook, and only then flips the endpoint to ready. Deregistration
// reverses the order, draining in-flight traffic before the instance leaves
// the mesh.
type LosslessPolicy struct {
	cfg      config.LosslessConfig
	provider LosslessActionProvider
	clock    clockwork.Clock
	log      *slog.Logger

	ready    atomic.Bool
	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLosslessPolicy binds the status endpoint and starts serving it. The
// endpoint answers 503 until OnInstanceRegistered completes its readiness
// sequence.
func NewLosslessPolicy(cfg config.LosslessConfig, provider LosslessActionProvider, clock clockwork.Clock, log *slog.Logger) (*LosslessPolicy, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &LosslessPolicy{
		cfg:      cfg,
		provider: provider,
		clock:    clock,
		log:      log.With(polaris.ComponentKey, polaris.ComponentLossless),
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/online", p.handleOnline)
	p.server = &http.Server{Handler: mux}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			p.log.Warn("status endpoint stopped", "error", err)
		}
	}()
	return p, nil
}

// Name implements plugin.Plugin.
func (p *LosslessPolicy) Name() string { return LosslessPolicyName }

// Type implements plugin.Plugin.
func (p *LosslessPolicy) Type() plugin.Type { return plugin.TypeLosslessPolicy }

// Destroy implements plugin.Plugin.
func (p *LosslessPolicy) Destroy() error {
	p.cancel()
	err := p.server.Close()
	p.wg.Wait()
	return trace.Wrap(err)
}

// Addr is the bound address of the status endpoint.
func (p *LosslessPolicy) Addr() string { return p.listener.Addr().String() }

func (p *LosslessPolicy) handleOnline(w http.ResponseWriter, _ *http.Request) {
	if p.ready.Load() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "true")
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, "false")
}

// OnInstanceRegistered runs the readiness sequence in the background: wait
// out the delay register interval, poll the application hook until it
// reports healthy, then flip the status endpoint to ready. Without a
// provider the delay alone gates readiness.
func (p *LosslessPolicy) OnInstanceRegistered() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-p.ctx.Done():
			return
		case <-p.clock.After(p.cfg.DelayRegisterInterval.Duration()):
		}
		for p.provider != nil && !p.provider.DoHealthCheck(p.ctx) {
			select {
			case <-p.ctx.Done():
				return
			case <-p.clock.After(p.cfg.HealthCheckInterval.Duration()):
			}
		}
		p.ready.Store(true)
		p.log.Info("instance ready, status endpoint now online", "address", p.Addr())
	}()
}

// BeforeInstanceDeregister flips the status endpoint to not-ready and
// drains for the delay register interval so upstream callers stop picking
// the instance before it leaves the mesh.
func (p *LosslessPolicy) BeforeInstanceDeregister(ctx context.Context) error {
	p.ready.Store(false)
	p.log.Info("draining before deregistration", "address", p.Addr())
	select {
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	case <-p.clock.After(p.cfg.DelayRegisterInterval.Duration()):
	}
	return nil
}
