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

package circuitbreaker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
)

// resourceBreaker is the state machine of one resource. The hot path reads
// the atomic state; transitions serialize on mu.
type resourceBreaker struct {
	resource types.Resource
	clock    clockwork.Clock
	log      *slog.Logger

	current atomic.Int32

	mu              sync.Mutex
	rule            *polarispb.CircuitBreakerRule
	statWindow      time.Duration
	sleepWindow     time.Duration
	probeQuota      int
	window          *slidingWindow
	consecutive     int
	openedAt        time.Time
	probesAllowed   int
	probesSucceeded int
}

func newResourceBreaker(resource types.Resource, rule *polarispb.CircuitBreakerRule, clock clockwork.Clock, log *slog.Logger) *resourceBreaker {
	rb := &resourceBreaker{
		resource: resource,
		clock:    clock,
		log:      log,
	}
	rb.bindLocked(rule)
	return rb
}

// bindLocked installs a rule and its parsed windows. Callers hold mu or own
// the breaker exclusively.
func (rb *resourceBreaker) bindLocked(rule *polarispb.CircuitBreakerRule) {
	rb.rule = rule
	rb.statWindow = parseWindow(rule.StatWindow, defaultStatWindow)
	rb.sleepWindow = parseWindow(rule.SleepWindow, defaultSleepWindow)
	rb.probeQuota = rule.SuccessCountAfterHalfOpen
	if rb.probeQuota <= 0 {
		rb.probeQuota = defaultHalfOpenProbes
	}
	rb.window = newSlidingWindow(rb.clock, rb.statWindow)
}

// rebind swaps the rule on a live breaker and resets to Close.
func (rb *resourceBreaker) rebind(rule *polarispb.CircuitBreakerRule) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.bindLocked(rule)
	rb.consecutive = 0
	rb.transitionLocked(types.BreakerClose)
}

func (rb *resourceBreaker) state() types.CircuitBreakerStatus {
	return types.CircuitBreakerStatus(rb.current.Load())
}

func (rb *resourceBreaker) setState(s types.CircuitBreakerStatus) {
	rb.current.Store(int32(s))
}

// transitionLocked moves to a new state and records the transition.
func (rb *resourceBreaker) transitionLocked(next types.CircuitBreakerStatus) {
	prev := rb.state()
	if prev == next {
		return
	}
	rb.setState(next)
	breakerTransitions.WithLabelValues(levelLabel(rb.resource.Level), next.String()).Inc()
	rb.log.Info("breaker state changed",
		"resource", rb.resource.String(),
		"rule", rb.rule.Name,
		"from", prev.String(),
		"to", next.String())
}

func levelLabel(level types.ResourceLevel) string {
	switch level {
	case types.LevelMethod:
		return "method"
	case types.LevelInstance:
		return "instance"
	}
	return "service"
}

// allow is the check-side of the state machine.
func (rb *resourceBreaker) allow() types.CheckResult {
	switch rb.state() {
	case types.BreakerClose, types.BreakerDestroy:
		return types.CheckResult{Pass: true, RuleName: rb.ruleName()}
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	switch rb.state() {
	case types.BreakerOpen:
		if rb.clock.Now().Sub(rb.openedAt) < rb.sleepWindow {
			return rb.rejectLocked()
		}
		// Cooldown elapsed: admit the first probe with the transition.
		rb.transitionLocked(types.BreakerHalfOpen)
		rb.probesAllowed = 1
		rb.probesSucceeded = 0
		return types.CheckResult{Pass: true, RuleName: rb.rule.Name}
	case types.BreakerHalfOpen:
		return rb.allowProbeLocked()
	default:
		return types.CheckResult{Pass: true, RuleName: rb.rule.Name}
	}
}

// allowProbeLocked admits probes up to the half-open quota.
func (rb *resourceBreaker) allowProbeLocked() types.CheckResult {
	if rb.probesAllowed < rb.probeQuota {
		rb.probesAllowed++
		return types.CheckResult{Pass: true, RuleName: rb.rule.Name}
	}
	return rb.rejectLocked()
}

func (rb *resourceBreaker) rejectLocked() types.CheckResult {
	result := types.CheckResult{Pass: false, RuleName: rb.rule.Name}
	if fb := rb.rule.FallbackConfig; fb != nil && fb.Enable {
		result.FallbackInfo = &types.FallbackInfo{
			Code:    fb.Code,
			Headers: fb.Headers,
			Body:    fb.Body,
		}
	}
	return result
}

func (rb *resourceBreaker) ruleName() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.rule.Name
}

// report is the outcome-side of the state machine.
func (rb *resourceBreaker) report(stat types.ResourceStat) {
	failure := stat.Status == types.RetFail || stat.Status == types.RetTimeout || stat.Status == types.RetReject

	rb.mu.Lock()
	defer rb.mu.Unlock()
	switch rb.state() {
	case types.BreakerClose:
		rb.window.add(failure)
		if failure {
			rb.consecutive++
		} else {
			rb.consecutive = 0
		}
		if rb.shouldTripLocked() {
			rb.openLocked()
		}
	case types.BreakerHalfOpen:
		if failure {
			rb.openLocked()
			return
		}
		rb.probesSucceeded++
		if rb.probesSucceeded >= rb.probeQuota {
			rb.consecutive = 0
			rb.window.reset()
			rb.transitionLocked(types.BreakerClose)
		}
	}
}

// shouldTripLocked evaluates the rule thresholds against the window.
func (rb *resourceBreaker) shouldTripLocked() bool {
	if rb.rule.ConsecutiveErrorCount > 0 && rb.consecutive >= rb.rule.ConsecutiveErrorCount {
		return true
	}
	if rb.rule.ErrorRateThreshold > 0 {
		minRequests := rb.rule.MinRequestCount
		if minRequests <= 0 {
			minRequests = defaultMinRequestCount
		}
		total, failures := rb.window.snapshot()
		if total >= int64(minRequests) && failures*100 >= int64(rb.rule.ErrorRateThreshold)*total {
			return true
		}
	}
	return false
}

func (rb *resourceBreaker) openLocked() {
	rb.openedAt = rb.clock.Now()
	rb.consecutive = 0
	rb.window.reset()
	rb.transitionLocked(types.BreakerOpen)
}

// parseWindow parses a rule duration string, falling back on empty or bad
// input.
func parseWindow(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
