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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
)

var limited = types.ServiceKey{Namespace: "default", Service: "orders"}

func concurrencyRules(max uint32) *polarispb.RateLimit {
	return &polarispb.RateLimit{
		Rules: []*polarispb.RateLimitRule{{
			ID:        "rule-1",
			Namespace: limited.Namespace,
			Service:   limited.Service,
			Name:      "cap",
			Amounts:   []*polarispb.Amount{{MaxAmount: max, ValidDuration: "1s"}},
		}},
	}
}

func newTestLimiter(t *testing.T, cfg Config) *RateLimiter {
	t.Helper()
	l, err := New(cfg)
	require.NoError(t, err)
	return l
}

func TestConcurrencyQuotaReturn(t *testing.T) {
	rules := concurrencyRules(2)
	l := newTestLimiter(t, Config{
		Rules: func(types.ServiceKey) (*polarispb.RateLimit, error) { return rules, nil },
	})

	first, err := l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.True(t, first.Allowed)
	second, err := l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.True(t, second.Allowed)

	denied, err := l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.False(t, denied.Allowed)
	require.Contains(t, denied.Message, "cap")

	// Returning one unit frees a slot.
	first.Release()
	again, err := l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.True(t, again.Allowed)

	// Double release is a no-op, not a double free.
	first.Release()
	stillDenied, err := l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.False(t, stillDenied.Allowed)
}

func TestNoMatchingRuleAdmits(t *testing.T) {
	l := newTestLimiter(t, Config{
		Rules: func(types.ServiceKey) (*polarispb.RateLimit, error) { return nil, nil },
	})
	resp, err := l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
}

func TestRuleSelectionByPriorityAndLabels(t *testing.T) {
	rules := &polarispb.RateLimit{
		Rules: []*polarispb.RateLimitRule{
			{
				ID:       "broad",
				Name:     "broad",
				Priority: 10,
				Amounts:  []*polarispb.Amount{{MaxAmount: 100, ValidDuration: "1s"}},
			},
			{
				ID:       "narrow",
				Name:     "narrow",
				Priority: 1,
				Arguments: map[string]*polarispb.MatchString{
					"uid": {Type: polarispb.MatchExact, Value: "42"},
				},
				Amounts: []*polarispb.Amount{{MaxAmount: 1, ValidDuration: "1s"}},
			},
		},
	}
	l := newTestLimiter(t, Config{
		Rules: func(types.ServiceKey) (*polarispb.RateLimit, error) { return rules, nil },
	})

	// Labels hit the narrow rule with quota 1.
	resp, err := l.GetQuota(&QuotaRequest{Service: limited, Arguments: map[string]string{"uid": "42"}})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	denied, err := l.GetQuota(&QuotaRequest{Service: limited, Arguments: map[string]string{"uid": "42"}})
	require.NoError(t, err)
	require.False(t, denied.Allowed)
	require.Contains(t, denied.Message, "narrow")

	// Unlabeled traffic falls through to the broad rule.
	resp, err = l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
}

func TestDisabledRuleIgnored(t *testing.T) {
	rules := concurrencyRules(0)
	rules.Rules[0].Disable = true
	l := newTestLimiter(t, Config{
		Rules: func(types.ServiceKey) (*polarispb.RateLimit, error) { return rules, nil },
	})
	resp, err := l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
}

func TestWindowBudgetFallback(t *testing.T) {
	rules := &polarispb.RateLimit{
		Rules: []*polarispb.RateLimitRule{{
			ID:   "labeled",
			Name: "labeled",
			Arguments: map[string]*polarispb.MatchString{
				"uid": {Value: "*"},
			},
			Amounts: []*polarispb.Amount{{MaxAmount: 100, ValidDuration: "1s"}},
		}},
	}
	supplier := func(types.ServiceKey) (*polarispb.RateLimit, error) { return rules, nil }

	reject := newTestLimiter(t, Config{
		Rules:                       supplier,
		MaxWindowCount:              1,
		FallbackOnExceedWindowCount: FallbackReject,
	})
	resp, err := reject.GetQuota(&QuotaRequest{Service: limited, Arguments: map[string]string{"uid": "1"}})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	resp, err = reject.GetQuota(&QuotaRequest{Service: limited, Arguments: map[string]string{"uid": "2"}})
	require.NoError(t, err)
	require.False(t, resp.Allowed)

	pass := newTestLimiter(t, Config{
		Rules:          supplier,
		MaxWindowCount: 1,
	})
	resp, err = pass.GetQuota(&QuotaRequest{Service: limited, Arguments: map[string]string{"uid": "1"}})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	resp, err = pass.GetQuota(&QuotaRequest{Service: limited, Arguments: map[string]string{"uid": "2"}})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
}

func TestSlidingWindowResetsPerPeriod(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rules := concurrencyRules(2)
	l := newTestLimiter(t, Config{
		Rules:   func(types.ServiceKey) (*polarispb.RateLimit, error) { return rules, nil },
		Limiter: NewSlidingWindowLimiter(clock),
	})

	for i := 0; i < 2; i++ {
		resp, err := l.GetQuota(&QuotaRequest{Service: limited})
		require.NoError(t, err)
		require.True(t, resp.Allowed)
	}
	resp, err := l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.False(t, resp.Allowed)

	clock.Advance(time.Second)
	resp, err = l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
}

type fakeSyncer struct {
	allowance uint32
	err       error
	requests  []*connector.QuotaSyncRequest
}

func (f *fakeSyncer) SyncQuota(_ context.Context, req *connector.QuotaSyncRequest) (*connector.QuotaSyncResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &connector.QuotaSyncResponse{Allowance: f.allowance}, nil
}

func TestSlidingWindowRemoteSyncAllowance(t *testing.T) {
	clock := clockwork.NewFakeClock()
	syncer := &fakeSyncer{allowance: 1}
	rules := concurrencyRules(2)
	l := newTestLimiter(t, Config{
		Rules:   func(types.ServiceKey) (*polarispb.RateLimit, error) { return rules, nil },
		Limiter: NewSlidingWindowLimiter(clock).WithRemoteSync(syncer, 100*time.Millisecond),
	})

	// The server grants one unit of the rule's budget of two.
	resp, err := l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	resp, err = l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.False(t, resp.Allowed)

	require.NotEmpty(t, syncer.requests)
	first := syncer.requests[0]
	require.Equal(t, limited, first.Service)
	require.Equal(t, "rule-1", first.RuleID)
	require.Equal(t, uint32(2), first.MaxAmount)
	require.Zero(t, first.Used)

	// The rollover reports the elapsed window's consumption.
	clock.Advance(time.Second)
	resp, err = l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	last := syncer.requests[len(syncer.requests)-1]
	require.Equal(t, uint32(1), last.Used)
}

func TestSlidingWindowRemoteSyncFallsBackLocally(t *testing.T) {
	clock := clockwork.NewFakeClock()
	syncer := &fakeSyncer{err: types.NewPolarisError(types.ErrCodeNetworkError, "rate limit cluster down")}
	rules := concurrencyRules(2)
	l := newTestLimiter(t, Config{
		Rules:   func(types.ServiceKey) (*polarispb.RateLimit, error) { return rules, nil },
		Limiter: NewSlidingWindowLimiter(clock).WithRemoteSync(syncer, 100*time.Millisecond),
	})

	// A failed sync keeps the full rule budget locally.
	for i := 0; i < 2; i++ {
		resp, err := l.GetQuota(&QuotaRequest{Service: limited})
		require.NoError(t, err)
		require.True(t, resp.Allowed)
	}
	resp, err := l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.False(t, resp.Allowed)
}

func TestSlidingWindowQueuesWithinBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rules := concurrencyRules(1)
	l := newTestLimiter(t, Config{
		Rules:          func(types.ServiceKey) (*polarispb.RateLimit, error) { return rules, nil },
		Limiter:        NewSlidingWindowLimiter(clock),
		MaxQueuingTime: 2 * time.Second,
	})

	resp, err := l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
	require.Zero(t, resp.WaitTime)

	queued, err := l.GetQuota(&QuotaRequest{Service: limited})
	require.NoError(t, err)
	require.True(t, queued.Allowed)
	require.Greater(t, queued.WaitTime, time.Duration(0))
	require.LessOrEqual(t, queued.WaitTime, time.Second)
}
