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

// Package circuitbreaker implements the per-resource breaker state machine
// and the invoke handler that feeds it. Resources are keyed at service,
// method or instance granularity; rules arrive through the resource cache.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	polaris "github.com/polaris-contrib/polaris-sdk-go"
	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

const (
	defaultStatWindow      = time.Minute
	defaultSleepWindow     = 30 * time.Second
	defaultHalfOpenProbes  = 3
	defaultMinRequestCount = 10
)

var breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: polaris.MetricNamespace,
	Subsystem: "circuit_breaker",
	Name:      "state_transitions_total",
	Help:      "Breaker state transitions by resource level and target state.",
}, []string{"level", "state"})

var breakerChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: polaris.MetricNamespace,
	Subsystem: "circuit_breaker",
	Name:      "checks_total",
	Help:      "Permission checks by outcome.",
}, []string{"result"})

var registerMetricsOnce sync.Once

func ensureMetricsRegistered() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(breakerTransitions, breakerChecks)
	})
}

// RuleSupplier fetches the breaker rules of a service, typically from the
// resource cache.
type RuleSupplier func(key types.ServiceKey) (*polarispb.CircuitBreaker, error)

// Config configures the breaker.
type Config struct {
	// Rules resolves breaker rules per callee service.
	Rules RuleSupplier
	// Clock drives sleep windows and stat buckets.
	Clock clockwork.Clock
	// Log emits state transitions.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Rules == nil {
		return trace.BadParameter("missing Rules")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(polaris.ComponentKey, polaris.ComponentCircuitBreaker)
	return nil
}

// Breaker tracks one state machine per reported resource. Checks read an
// atomic state snapshot; transitions run under a per-resource mutex.
type Breaker struct {
	cfg Config

	mu        sync.RWMutex
	resources map[string]*resourceBreaker
}

// New builds the breaker.
func New(cfg Config) (*Breaker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureMetricsRegistered()
	return &Breaker{
		cfg:       cfg,
		resources: make(map[string]*resourceBreaker),
	}, nil
}

// Name implements plugin.Plugin.
func (b *Breaker) Name() string { return "composite" }

// Type implements plugin.Plugin.
func (b *Breaker) Type() plugin.Type { return plugin.TypeCircuitBreaker }

// Destroy implements plugin.Plugin.
func (b *Breaker) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, rb := range b.resources {
		rb.setState(types.BreakerDestroy)
		delete(b.resources, key)
	}
	return nil
}

// EventTypes implements cache.Listener.
func (b *Breaker) EventTypes() []types.EventType {
	return []types.EventType{types.EventCircuitBreaker}
}

// OnResourceEvent implements cache.Listener. A rule change rebinds every
// tracked resource of the service; resources left without a rule are
// destroyed.
func (b *Breaker) OnResourceEvent(event types.ResourceEvent) {
	service := types.ServiceKey{Namespace: event.Key.Namespace, Service: event.Key.Service}
	rules, _ := event.Value.(*polarispb.CircuitBreaker)

	b.mu.Lock()
	defer b.mu.Unlock()
	for key, rb := range b.resources {
		if rb.resource.Callee != service {
			continue
		}
		rule := matchRule(rules, rb.resource)
		if rule == nil {
			rb.setState(types.BreakerDestroy)
			delete(b.resources, key)
			continue
		}
		rb.rebind(rule)
	}
}

// lookup returns the tracked breaker for the resource, creating it when a
// rule matches. Resources with no rule are not tracked.
func (b *Breaker) lookup(resource types.Resource) (*resourceBreaker, error) {
	key := resource.String()
	b.mu.RLock()
	rb, ok := b.resources[key]
	b.mu.RUnlock()
	if ok {
		return rb, nil
	}

	rules, err := b.cfg.Rules(resource.Callee)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rule := matchRule(rules, resource)
	if rule == nil {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if rb, ok := b.resources[key]; ok {
		return rb, nil
	}
	rb = newResourceBreaker(resource, rule, b.cfg.Clock, b.cfg.Log)
	b.resources[key] = rb
	return rb, nil
}

// CheckResource answers synchronously whether a call to the resource may
// proceed. Internal failures fail open; a rule-driven Open state never
// does.
func (b *Breaker) CheckResource(resource types.Resource) types.CheckResult {
	rb, err := b.lookup(resource)
	if err != nil {
		b.cfg.Log.Warn("breaker rule lookup failed, failing open",
			"resource", resource.String(), "error", err)
		breakerChecks.WithLabelValues("error").Inc()
		return types.CheckResult{Pass: true}
	}
	if rb == nil {
		breakerChecks.WithLabelValues("pass").Inc()
		return types.CheckResult{Pass: true}
	}
	result := rb.allow()
	if result.Pass {
		breakerChecks.WithLabelValues("pass").Inc()
	} else {
		breakerChecks.WithLabelValues("reject").Inc()
	}
	return result
}

// ReportStat records one call outcome against its resource.
func (b *Breaker) ReportStat(stat types.ResourceStat) error {
	rb, err := b.lookup(stat.Resource)
	if err != nil {
		return trace.Wrap(err)
	}
	if rb == nil {
		return nil
	}
	rb.report(stat)
	return nil
}

// StatusOf reports the current state for one resource, for introspection
// and tests.
func (b *Breaker) StatusOf(resource types.Resource) types.CircuitBreakerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if rb, ok := b.resources[resource.String()]; ok {
		return rb.state()
	}
	return types.BreakerClose
}

// matchRule returns the first enabled rule applying to the resource.
func matchRule(rules *polarispb.CircuitBreaker, resource types.Resource) *polarispb.CircuitBreakerRule {
	if rules == nil {
		return nil
	}
	for _, rule := range rules.Rules {
		if !rule.Enable {
			continue
		}
		if !levelApplies(rule.Level, resource.Level) {
			continue
		}
		if rule.RuleMatcher != nil {
			m := rule.RuleMatcher
			if !matchServiceSide(m.Destination, resource.Callee) {
				continue
			}
			if !matchServiceSide(m.Source, resource.Caller) {
				continue
			}
			if resource.Level == types.LevelMethod && !matchMethod(m.Method, resource.Method) {
				continue
			}
		}
		return rule
	}
	return nil
}

func levelApplies(ruleLevel polarispb.BreakerLevel, level types.ResourceLevel) bool {
	switch ruleLevel {
	case polarispb.BreakerLevelService:
		return level == types.LevelService
	case polarispb.BreakerLevelMethod:
		return level == types.LevelMethod
	case polarispb.BreakerLevelInstance:
		return level == types.LevelInstance
	}
	return false
}

func matchServiceSide(m *polarispb.MatchService, key types.ServiceKey) bool {
	if m == nil {
		return true
	}
	nsOK := m.Namespace == "" || m.Namespace == "*" || m.Namespace == key.Namespace
	svcOK := m.Service == "" || m.Service == "*" || m.Service == key.Service
	return nsOK && svcOK
}

func matchMethod(m *polarispb.MatchString, method string) bool {
	if m == nil || m.Value == "" || m.Value == "*" {
		return true
	}
	switch m.Type {
	case polarispb.MatchNotEquals:
		return method != m.Value
	default:
		return method == m.Value
	}
}
