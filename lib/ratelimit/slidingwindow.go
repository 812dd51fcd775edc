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

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/polaris-contrib/polaris-sdk-go/lib/connector"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// LimiterSlidingWindow is the plugin name of the windowed limiter.
const LimiterSlidingWindow = "slidingWindow"

// QuotaSyncer reconciles a local quota window with the control plane,
// typically the server connector.
type QuotaSyncer interface {
	SyncQuota(ctx context.Context, req *connector.QuotaSyncRequest) (*connector.QuotaSyncResponse, error)
}

type windowCounter struct {
	start     time.Time
	used      uint32
	allowance uint32
}

// SlidingWindowLimiter admits up to the window allowance per validity
// window. With a remote syncer configured the allowance is the server's
// share for this client; without one, or when the sync fails, the full rule
// budget applies locally. When the window is exhausted, callers willing to
// queue are told how long until the window resets.
type SlidingWindowLimiter struct {
	clock       clockwork.Clock
	syncer      QuotaSyncer
	syncTimeout time.Duration

	mu       sync.Mutex
	counters map[*QuotaWindow]*windowCounter
}

// NewSlidingWindowLimiter builds the limiter with local accounting only.
func NewSlidingWindowLimiter(clock clockwork.Clock) *SlidingWindowLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SlidingWindowLimiter{
		clock:    clock,
		counters: make(map[*QuotaWindow]*windowCounter),
	}
}

// WithRemoteSync reconciles each window rollover with the control plane,
// bounded by timeout per call.
func (l *SlidingWindowLimiter) WithRemoteSync(syncer QuotaSyncer, timeout time.Duration) *SlidingWindowLimiter {
	l.syncer = syncer
	l.syncTimeout = timeout
	return l
}

// Name implements plugin.Plugin.
func (l *SlidingWindowLimiter) Name() string { return LimiterSlidingWindow }

// Type implements plugin.Plugin.
func (l *SlidingWindowLimiter) Type() plugin.Type { return plugin.TypeRateLimiter }

// Destroy implements plugin.Plugin.
func (l *SlidingWindowLimiter) Destroy() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters = make(map[*QuotaWindow]*windowCounter)
	return nil
}

// nextAllowance asks the control plane for this client's share of the next
// window, reporting the consumption of the elapsed one. Falls back to the
// full rule budget when no syncer is configured or the sync fails.
func (l *SlidingWindowLimiter) nextAllowance(win *QuotaWindow, used uint32) uint32 {
	if l.syncer == nil {
		return win.Amount.MaxAmount
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.syncTimeout)
	defer cancel()
	resp, err := l.syncer.SyncQuota(ctx, &connector.QuotaSyncRequest{
		Service:   win.Service,
		RuleID:    win.RuleID,
		Labels:    win.Labels,
		Used:      used,
		MaxAmount: win.Amount.MaxAmount,
		Timeout:   l.syncTimeout,
	})
	if err != nil {
		return win.Amount.MaxAmount
	}
	return resp.Allowance
}

// Allocate implements Limiter.
func (l *SlidingWindowLimiter) Allocate(win *QuotaWindow, maxQueuing time.Duration) (bool, time.Duration, func()) {
	validity, err := time.ParseDuration(win.Amount.ValidDuration)
	if err != nil || validity <= 0 {
		validity = time.Second
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[win]
	if !ok || now.Sub(c.start) >= validity {
		var used uint32
		if ok {
			used = c.used
		}
		// The sync runs under the lock but is bounded by the sync timeout.
		c = &windowCounter{
			start:     now.Truncate(validity),
			allowance: l.nextAllowance(win, used),
		}
		l.counters[win] = c
	}
	if c.used < c.allowance {
		c.used++
		return true, 0, nil
	}
	// Window exhausted. Admit with a wait when the next window starts
	// inside the queuing budget.
	wait := c.start.Add(validity).Sub(now)
	if maxQueuing > 0 && wait <= maxQueuing {
		c.start = c.start.Add(validity)
		used := c.used
		c.allowance = l.nextAllowance(win, used)
		c.used = 0
		if c.allowance == 0 {
			return false, 0, nil
		}
		c.used = 1
		return true, wait, nil
	}
	return false, 0, nil
}
