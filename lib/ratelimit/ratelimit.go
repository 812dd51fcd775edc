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

// Package ratelimit implements the quota decision point. Rules arrive
// through the resource cache; each matched rule owns a quota window keyed
// by its argument labels, bounded by max_window_count.
package ratelimit

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	polaris "github.com/polaris-contrib/polaris-sdk-go"
	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// FallbackPass and FallbackReject are the recognized values of
// fallback_on_exceed_window_count.
const (
	FallbackPass   = "pass"
	FallbackReject = "reject"
)

var quotaDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: polaris.MetricNamespace,
	Subsystem: "rate_limit",
	Name:      "quota_decisions_total",
	Help:      "Quota decisions by outcome.",
}, []string{"result"})

var registerMetricsOnce sync.Once

func ensureMetricsRegistered() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(quotaDecisions)
	})
}

// QuotaRequest asks for one unit of quota against a service.
type QuotaRequest struct {
	// Service is the limited service.
	Service types.ServiceKey
	// Method optionally narrows the rule match.
	Method string
	// Arguments are the traffic labels matched against rule arguments.
	Arguments map[string]string
}

// CheckAndSetDefaults validates the request.
func (r *QuotaRequest) CheckAndSetDefaults() error {
	return trace.Wrap(r.Service.CheckAndSetDefaults())
}

// QuotaResponse is the decision for one request.
type QuotaResponse struct {
	// Allowed reports whether the call may proceed.
	Allowed bool
	// Message explains a denial.
	Message string
	// WaitTime is how long the caller would have to queue for quota, up to
	// max_queuing_time. Zero when admitted immediately.
	WaitTime time.Duration
	// release returns concurrency quota; nil for windowed quota.
	release func()
}

// Release returns the quota for limiters with local accounting. Safe to
// call once on any response.
func (r *QuotaResponse) Release() {
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

// QuotaWindow identifies one rule label combination. The pointer is stable
// for the lifetime of the window, so limiters key their state by it.
type QuotaWindow struct {
	// Service owns the rule.
	Service types.ServiceKey
	// RuleID identifies the matched rule.
	RuleID string
	// Labels is the matched label combination.
	Labels string
	// Amount is the strictest configured budget of the window.
	Amount *polarispb.Amount
}

// Limiter is one quota algorithm bound to a rule window.
type Limiter interface {
	plugin.Plugin
	// Allocate decides one request against the window. The returned release
	// func is non-nil when the limiter accounts locally.
	Allocate(win *QuotaWindow, maxQueuing time.Duration) (allowed bool, wait time.Duration, release func())
}

// RuleSupplier fetches the limit rules of a service, typically from the
// resource cache.
type RuleSupplier func(key types.ServiceKey) (*polarispb.RateLimit, error)

// Config configures the decision point.
type Config struct {
	// Rules resolves limit rules per service.
	Rules RuleSupplier
	// Limiter is the quota algorithm, concurrency by default.
	Limiter Limiter
	// MaxWindowCount bounds the live quota windows.
	MaxWindowCount int
	// FallbackOnExceedWindowCount is FallbackPass or FallbackReject.
	FallbackOnExceedWindowCount string
	// MaxQueuingTime bounds how long a caller may wait for quota.
	MaxQueuingTime time.Duration
	// Clock drives the quota windows.
	Clock clockwork.Clock
	Log   *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Rules == nil {
		return trace.BadParameter("missing Rules")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Limiter == nil {
		c.Limiter = NewConcurrencyLimiter()
	}
	if c.MaxWindowCount <= 0 {
		c.MaxWindowCount = config.DefaultMaxWindowCount
	}
	switch c.FallbackOnExceedWindowCount {
	case "":
		c.FallbackOnExceedWindowCount = FallbackPass
	case FallbackPass, FallbackReject:
	default:
		return trace.BadParameter("unknown fallback_on_exceed_window_count %q", c.FallbackOnExceedWindowCount)
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(polaris.ComponentKey, polaris.ComponentRateLimiter)
	return nil
}

// window binds one rule label combination to limiter state.
type window struct {
	win *QuotaWindow
}

// RateLimiter is the quota decision point behind the limit facade.
type RateLimiter struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*window
}

// New builds the decision point.
func New(cfg Config) (*RateLimiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureMetricsRegistered()
	return &RateLimiter{
		cfg:     cfg,
		windows: make(map[string]*window),
	}, nil
}

// Destroy releases the limiter plugin.
func (l *RateLimiter) Destroy() error {
	return trace.Wrap(l.cfg.Limiter.Destroy())
}

// GetQuota decides one request. Requests matching no rule are admitted.
func (l *RateLimiter) GetQuota(request *QuotaRequest) (*QuotaResponse, error) {
	if err := request.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	rules, err := l.cfg.Rules(request.Service)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rule := selectRule(rules, request)
	if rule == nil || len(rule.Amounts) == 0 {
		quotaDecisions.WithLabelValues("no_rule").Inc()
		return &QuotaResponse{Allowed: true}, nil
	}

	win, overflow := l.windowFor(rule, request)
	if overflow {
		if l.cfg.FallbackOnExceedWindowCount == FallbackReject {
			quotaDecisions.WithLabelValues("window_overflow").Inc()
			return &QuotaResponse{Allowed: false, Message: "quota window budget exceeded"}, nil
		}
		quotaDecisions.WithLabelValues("window_overflow_pass").Inc()
		return &QuotaResponse{Allowed: true}, nil
	}

	allowed, wait, release := l.cfg.Limiter.Allocate(win, l.cfg.MaxQueuingTime)
	if !allowed {
		quotaDecisions.WithLabelValues("reject").Inc()
		return &QuotaResponse{
			Allowed: false,
			Message: "quota exhausted by rule " + rule.Name,
		}, nil
	}
	quotaDecisions.WithLabelValues("allow").Inc()
	return &QuotaResponse{Allowed: true, WaitTime: wait, release: release}, nil
}

// windowFor returns the quota window of the request's label combination,
// creating it if the budget allows.
func (l *RateLimiter) windowFor(rule *polarispb.RateLimitRule, request *QuotaRequest) (win *QuotaWindow, overflow bool) {
	key := windowKey(rule, request)
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.windows[key]; ok {
		return w.win, false
	}
	if len(l.windows) >= l.cfg.MaxWindowCount {
		l.cfg.Log.Warn("quota window budget exceeded",
			"rule", rule.Name, "fallback", l.cfg.FallbackOnExceedWindowCount)
		return nil, true
	}
	w := &window{win: &QuotaWindow{
		Service: types.ServiceKey{Namespace: rule.Namespace, Service: rule.Service},
		RuleID:  rule.ID,
		Labels:  windowLabels(rule, request),
		Amount:  strictestAmount(rule.Amounts),
	}}
	l.windows[key] = w
	return w.win, false
}

// windowLabels is the matched method plus argument values, so each label
// combination gets its own quota.
func windowLabels(rule *polarispb.RateLimitRule, request *QuotaRequest) string {
	parts := []string{request.Method}
	keys := make([]string, 0, len(rule.Arguments))
	for k := range rule.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+request.Arguments[k])
	}
	return strings.Join(parts, "#")
}

func windowKey(rule *polarispb.RateLimitRule, request *QuotaRequest) string {
	return strings.Join([]string{rule.ID, rule.Name, windowLabels(rule, request)}, "#")
}

// strictestAmount picks the amount with the smallest quota per second of
// validity, which is the one that trips first.
func strictestAmount(amounts []*polarispb.Amount) *polarispb.Amount {
	best := amounts[0]
	bestRate := rateOf(best)
	for _, a := range amounts[1:] {
		if r := rateOf(a); r < bestRate {
			best, bestRate = a, r
		}
	}
	return best
}

func rateOf(a *polarispb.Amount) float64 {
	d, err := time.ParseDuration(a.ValidDuration)
	if err != nil || d <= 0 {
		d = time.Second
	}
	return float64(a.MaxAmount) / d.Seconds()
}

// selectRule returns the matching enabled rule with the smallest priority
// value.
func selectRule(rules *polarispb.RateLimit, request *QuotaRequest) *polarispb.RateLimitRule {
	if rules == nil {
		return nil
	}
	var best *polarispb.RateLimitRule
	for _, rule := range rules.Rules {
		if rule.Disable {
			continue
		}
		if !methodMatches(rule.Method, request.Method) {
			continue
		}
		if !argumentsMatch(rule.Arguments, request.Arguments) {
			continue
		}
		if best == nil || rule.Priority < best.Priority {
			best = rule
		}
	}
	return best
}

func methodMatches(m *polarispb.MatchString, method string) bool {
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

func argumentsMatch(matchers map[string]*polarispb.MatchString, arguments map[string]string) bool {
	for key, matcher := range matchers {
		actual, ok := arguments[key]
		if !ok {
			return false
		}
		if matcher == nil || matcher.Value == "" || matcher.Value == "*" {
			continue
		}
		switch matcher.Type {
		case polarispb.MatchNotEquals:
			if actual == matcher.Value {
				return false
			}
		default:
			if actual != matcher.Value {
				return false
			}
		}
	}
	return true
}
