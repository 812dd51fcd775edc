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
	"sync"
	"sync/atomic"
	"time"

	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// ConcurrencyLimiter caps in-flight requests per window. Quota must be
// returned through the response's Release.
type ConcurrencyLimiter struct {
	mu       sync.Mutex
	inFlight map[*QuotaWindow]*atomic.Int64
}

// NewConcurrencyLimiter builds the limiter.
func NewConcurrencyLimiter() *ConcurrencyLimiter {
	return &ConcurrencyLimiter{inFlight: make(map[*QuotaWindow]*atomic.Int64)}
}

// Name implements plugin.Plugin.
func (l *ConcurrencyLimiter) Name() string { return config.LimiterConcurrency }

// Type implements plugin.Plugin.
func (l *ConcurrencyLimiter) Type() plugin.Type { return plugin.TypeRateLimiter }

// Destroy implements plugin.Plugin.
func (l *ConcurrencyLimiter) Destroy() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight = make(map[*QuotaWindow]*atomic.Int64)
	return nil
}

func (l *ConcurrencyLimiter) counter(win *QuotaWindow) *atomic.Int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.inFlight[win]
	if !ok {
		c = &atomic.Int64{}
		l.inFlight[win] = c
	}
	return c
}

// Allocate implements Limiter.
func (l *ConcurrencyLimiter) Allocate(win *QuotaWindow, _ time.Duration) (bool, time.Duration, func()) {
	c := l.counter(win)
	if c.Add(1) > int64(win.Amount.MaxAmount) {
		c.Add(-1)
		return false, 0, nil
	}
	var once sync.Once
	return true, 0, func() {
		once.Do(func() { c.Add(-1) })
	}
}
