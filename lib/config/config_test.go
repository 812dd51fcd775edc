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

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
)

const sampleConfig = `
global:
  api:
    timeout: 2s
    max_retry_times: 5
  server_connectors:
    grpc:
      addresses:
        - 127.0.0.1:8091
        - 127.0.0.2:8091
      connect_timeout: 300ms
      server_switch_interval: 5m
  local_cache:
    service_expire_enable: true
    service_expire_time: 12h
    persist_enable: true
    persist_dir: /tmp/polaris/backup
consumer:
  service_router:
    core_chain:
      - ruleBasedRouter
      - nearbyBasedRouter
  load_balancer:
    default_policy: ringHash
provider:
  min_register_interval: 10s
  lossless:
    enable: true
    port: 28080
    delay_register_interval: 3s
`

func TestReadSampleConfig(t *testing.T) {
	cfg, err := Read(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	require.Equal(t, 2*time.Second, cfg.Global.API.Timeout.Duration())
	require.Equal(t, 5, cfg.Global.API.MaxRetryTimes)

	sc := cfg.Global.ServerConnectors["grpc"]
	require.Equal(t, []string{"127.0.0.1:8091", "127.0.0.2:8091"}, sc.Addresses)
	require.Equal(t, 300*time.Millisecond, sc.ConnectTimeout.Duration())
	require.Equal(t, 5*time.Minute, sc.ServerSwitchInterval.Duration())
	// Unset connector fields take defaults.
	require.Equal(t, 1500*time.Millisecond, sc.MessageTimeout.Duration())

	require.True(t, cfg.Global.LocalCache.ServiceExpireEnable)
	require.Equal(t, 12*time.Hour, cfg.Global.LocalCache.ServiceExpireTime.Duration())
	require.Equal(t, "/tmp/polaris/backup", cfg.Global.LocalCache.PersistDir)

	require.Equal(t, []string{RouterRuleBased, RouterNearby}, cfg.Consumer.ServiceRouter.CoreChain)
	require.Equal(t, []string{RouterIsolated}, cfg.Consumer.ServiceRouter.BeforeChain)
	require.Equal(t, LBRingHash, cfg.Consumer.LoadBalancer.DefaultPolicy)

	require.Equal(t, 10*time.Second, cfg.Provider.MinRegisterInterval.Duration())
	require.True(t, cfg.Provider.Lossless.Enable)
	require.Equal(t, "0.0.0.0", cfg.Provider.Lossless.Host)
}

func TestReadRejectsUnknownKeys(t *testing.T) {
	_, err := Read(strings.NewReader(`
global:
  api:
    timeout: 1s
    no_such_knob: true
  server_connectors:
    grpc:
      addresses: ["127.0.0.1:8091"]
`))
	require.Error(t, err)
	require.True(t, types.IsInvalidConfig(err))
	require.Contains(t, err.Error(), "no_such_knob")
}

func TestReadRejectsBadDuration(t *testing.T) {
	_, err := Read(strings.NewReader(`
global:
  api:
    timeout: not-a-duration
  server_connectors:
    grpc:
      addresses: ["127.0.0.1:8091"]
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not-a-duration")
}

func TestConnectorRequired(t *testing.T) {
	_, err := Read(strings.NewReader(`
global:
  api:
    timeout: 1s
`))
	require.Error(t, err)
	require.True(t, types.IsInvalidConfig(err))
}

func TestReadRejectsBadRuleFailoverPolicy(t *testing.T) {
	_, err := Read(strings.NewReader(`
global:
  server_connectors:
    grpc:
      addresses: ["127.0.0.1:8091"]
consumer:
  service_router:
    rule_failover_policy: sometimes
`))
	require.Error(t, err)
	require.True(t, types.IsInvalidConfig(err))
	require.Contains(t, err.Error(), "rule_failover_policy")
}

func TestDefaultConfiguration(t *testing.T) {
	cfg := Default("127.0.0.1:8091")
	require.Equal(t, time.Second, cfg.Global.API.Timeout.Duration())
	require.Equal(t, "Polaris", cfg.Global.System.DiscoverCluster.Namespace)
	require.Equal(t, "polaris.discover", cfg.Global.System.DiscoverCluster.Service)
	require.Equal(t, LBWeightedRandom, cfg.Consumer.LoadBalancer.DefaultPolicy)
	require.Equal(t, RuleFailoverAll, cfg.Consumer.ServiceRouter.RuleFailoverPolicy)
	require.Equal(t, 30*time.Second, cfg.Provider.MinRegisterInterval.Duration())
	require.Equal(t, []PluginConfig{{Name: LocationLocal}}, cfg.Global.Location.Providers)
}
