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
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
)

func losslessTestConfig(delay time.Duration) config.LosslessConfig {
	return config.LosslessConfig{
		Enable:                true,
		Host:                  "127.0.0.1",
		Port:                  0, // ephemeral
		DelayRegisterInterval: config.Duration(delay),
		HealthCheckInterval:   config.Duration(5 * time.Millisecond),
	}
}

func newTestLosslessPolicy(t *testing.T, cfg config.LosslessConfig, provider LosslessActionProvider) *LosslessPolicy {
	t.Helper()
	p, err := NewLosslessPolicy(cfg, provider, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy() })
	return p
}

func statusEndpoint(t *testing.T, p *LosslessPolicy) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + p.Addr() + "/online")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestLosslessStatusEndpointFlipsAfterDelay(t *testing.T) {
	p := newTestLosslessPolicy(t, losslessTestConfig(20*time.Millisecond), nil)

	code, body := statusEndpoint(t, p)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "false", body)

	p.OnInstanceRegistered()
	require.Eventually(t, func() bool {
		code, _ := statusEndpoint(t, p)
		return code == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)

	_, body = statusEndpoint(t, p)
	require.Equal(t, "true", body)
}

func TestLosslessPollsProviderUntilHealthy(t *testing.T) {
	var checks atomic.Int32
	provider := LosslessActionFunc(func(context.Context) bool {
		return checks.Add(1) >= 3
	})
	p := newTestLosslessPolicy(t, losslessTestConfig(time.Millisecond), provider)

	p.OnInstanceRegistered()
	require.Eventually(t, func() bool {
		code, _ := statusEndpoint(t, p)
		return code == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, checks.Load(), int32(3))
}

func TestLosslessDeregisterDrains(t *testing.T) {
	p := newTestLosslessPolicy(t, losslessTestConfig(50*time.Millisecond), nil)

	p.OnInstanceRegistered()
	require.Eventually(t, func() bool {
		code, _ := statusEndpoint(t, p)
		return code == http.StatusOK
	}, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.BeforeInstanceDeregister(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	code, body := statusEndpoint(t, p)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "false", body)
}

func TestLosslessDeregisterHonorsContextCancellation(t *testing.T) {
	p := newTestLosslessPolicy(t, losslessTestConfig(time.Hour), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, p.BeforeInstanceDeregister(ctx))
}
