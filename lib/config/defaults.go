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
	"time"

	"github.com/gravitational/trace"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
)

// Well-known plugin and chain names.
const (
	// DefaultConnectorName is the grpc connector plugin.
	DefaultConnectorName = "grpc"
	// DefaultCacheName is the in-memory cache plugin.
	DefaultCacheName = "memory"

	// Router names.
	RouterIsolated  = "isolatedRouter"
	RouterRecover   = "recoverRouter"
	RouterMetadata  = "metadataRouter"
	RouterNearby    = "nearbyBasedRouter"
	RouterRuleBased = "ruleBasedRouter"
	RouterSet       = "setRouter"
	RouterCanary    = "canaryRouter"
	RouterLane      = "laneRouter"
	RouterNamespace = "namespaceRouter"

	// Load balancer names.
	LBWeightedRandom     = "weightedRandom"
	LBWeightedRoundRobin = "weightedRoundRobin"
	LBRingHash           = "ringHash"

	// Rate limiter names.
	LimiterConcurrency = "concurrency"

	// Rule router failover policies.
	RuleFailoverAll  = "all"
	RuleFailoverNone = "none"

	// Location provider names.
	LocationLocal   = "local"
	LocationHTTP    = "http"
	LocationService = "service"
)

// DefaultMaxWindowCount bounds the live rate limit quota windows.
const DefaultMaxWindowCount = 800

const (
	defaultSystemNamespace     = "Polaris"
	defaultDiscoverService     = "polaris.discover"
	defaultConfigService       = "polaris.config"
	defaultHealthCheckService  = "polaris.healthcheck"
	defaultRefreshInterval     = 10 * time.Minute
	defaultAPITimeout          = time.Second
	defaultMaxRetryTimes       = 3
	defaultRetryInterval       = 500 * time.Millisecond
	defaultReportInterval      = 10 * time.Minute
	defaultConnectTimeout      = 500 * time.Millisecond
	defaultSwitchInterval      = 10 * time.Minute
	defaultMessageTimeout      = 1500 * time.Millisecond
	defaultIdleTimeout         = time.Minute
	defaultReconnectInterval   = 500 * time.Millisecond
	defaultServiceExpireTime   = 24 * time.Hour
	defaultServiceRefresh      = 2 * time.Second
	defaultServiceListRefresh  = time.Minute
	defaultPersistDir          = "./polaris/backup"
	defaultPersistReadRetry    = 1
	defaultPersistWriteRetry   = 1
	defaultPersistRetryBackoff = time.Second
	defaultMinRegisterInterval = 30 * time.Second
	defaultHeartbeatWorkers    = 4
	defaultRemoteSyncTimeout   = 200 * time.Millisecond
	defaultDelayRegister       = 30 * time.Second
	defaultHealthCheckPoll     = 5 * time.Second
	defaultLosslessPort        = 28080
	defaultNearbyLevel         = "zone"
	defaultNearbyMaxLevel      = "all"
	defaultUnhealthyDegrade    = 100
)

func badConfig(format string, args ...any) error {
	return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig, format, args...))
}

// CheckAndSetDefaults fills every unset field with its default and validates
// the result.
func (c *Configuration) CheckAndSetDefaults() error {
	if err := c.Global.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Consumer.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Provider.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Config.ConnectorName == "" {
		c.Config.ConnectorName = DefaultConnectorName
	}
	return nil
}

func (g *GlobalConfig) checkAndSetDefaults() error {
	g.System.DiscoverCluster.applyDefaults(defaultDiscoverService)
	g.System.ConfigCluster.applyDefaults(defaultConfigService)
	g.System.HealthCheckCluster.applyDefaults(defaultHealthCheckService)

	if g.API.Timeout == 0 {
		g.API.Timeout = Duration(defaultAPITimeout)
	}
	if g.API.MaxRetryTimes == 0 {
		g.API.MaxRetryTimes = defaultMaxRetryTimes
	}
	if g.API.RetryInterval == 0 {
		g.API.RetryInterval = Duration(defaultRetryInterval)
	}
	if g.API.ReportInterval == 0 {
		g.API.ReportInterval = Duration(defaultReportInterval)
	}

	if len(g.ServerConnectors) == 0 {
		return badConfig("at least one server connector is required")
	}
	for name, sc := range g.ServerConnectors {
		if len(sc.Addresses) == 0 {
			return badConfig("server connector %q has no addresses", name)
		}
		if sc.Protocol == "" {
			sc.Protocol = DefaultConnectorName
		}
		if sc.ConnectTimeout == 0 {
			sc.ConnectTimeout = Duration(defaultConnectTimeout)
		}
		if sc.ServerSwitchInterval == 0 {
			sc.ServerSwitchInterval = Duration(defaultSwitchInterval)
		}
		if sc.MessageTimeout == 0 {
			sc.MessageTimeout = Duration(defaultMessageTimeout)
		}
		if sc.ConnectionIdleTimeout == 0 {
			sc.ConnectionIdleTimeout = Duration(defaultIdleTimeout)
		}
		if sc.ReconnectInterval == 0 {
			sc.ReconnectInterval = Duration(defaultReconnectInterval)
		}
		g.ServerConnectors[name] = sc
	}

	if g.LocalCache.Name == "" {
		g.LocalCache.Name = DefaultCacheName
	}
	if g.LocalCache.ServiceExpireTime == 0 {
		g.LocalCache.ServiceExpireTime = Duration(defaultServiceExpireTime)
	}
	if g.LocalCache.ServiceRefreshInterval == 0 {
		g.LocalCache.ServiceRefreshInterval = Duration(defaultServiceRefresh)
	}
	if g.LocalCache.ServiceListRefreshInterval == 0 {
		g.LocalCache.ServiceListRefreshInterval = Duration(defaultServiceListRefresh)
	}
	if g.LocalCache.PersistDir == "" {
		g.LocalCache.PersistDir = defaultPersistDir
	}
	if g.LocalCache.PersistMaxReadRetry == 0 {
		g.LocalCache.PersistMaxReadRetry = defaultPersistReadRetry
	}
	if g.LocalCache.PersistMaxWriteRetry == 0 {
		g.LocalCache.PersistMaxWriteRetry = defaultPersistWriteRetry
	}
	if g.LocalCache.PersistRetryInterval == 0 {
		g.LocalCache.PersistRetryInterval = Duration(defaultPersistRetryBackoff)
	}

	if len(g.Location.Providers) == 0 {
		g.Location.Providers = []PluginConfig{{Name: LocationLocal}}
	}
	return nil
}

func (c *ClusterConfig) applyDefaults(service string) {
	if c.Namespace == "" {
		c.Namespace = defaultSystemNamespace
	}
	if c.Service == "" {
		c.Service = service
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = Duration(defaultRefreshInterval)
	}
}

func (c *ConsumerConfig) checkAndSetDefaults() error {
	if len(c.ServiceRouter.BeforeChain) == 0 {
		c.ServiceRouter.BeforeChain = []string{RouterIsolated}
	}
	if len(c.ServiceRouter.CoreChain) == 0 {
		c.ServiceRouter.CoreChain = []string{RouterRuleBased, RouterMetadata, RouterNearby}
	}
	if len(c.ServiceRouter.AfterChain) == 0 {
		c.ServiceRouter.AfterChain = []string{RouterRecover}
	}
	if c.ServiceRouter.NearbyMatchLevel == "" {
		c.ServiceRouter.NearbyMatchLevel = defaultNearbyLevel
	}
	if c.ServiceRouter.NearbyMaxMatchLevel == "" {
		c.ServiceRouter.NearbyMaxMatchLevel = defaultNearbyMaxLevel
	}
	if c.ServiceRouter.UnhealthyPercentToDegrade == 0 {
		c.ServiceRouter.UnhealthyPercentToDegrade = defaultUnhealthyDegrade
	}
	if c.ServiceRouter.UnhealthyPercentToDegrade < 0 || c.ServiceRouter.UnhealthyPercentToDegrade > 100 {
		return badConfig("unhealthy_percent_to_degrade must be within [1, 100], got %d", c.ServiceRouter.UnhealthyPercentToDegrade)
	}
	switch c.ServiceRouter.RuleFailoverPolicy {
	case "":
		c.ServiceRouter.RuleFailoverPolicy = RuleFailoverAll
	case RuleFailoverAll, RuleFailoverNone:
	default:
		return badConfig("unknown rule_failover_policy %q", c.ServiceRouter.RuleFailoverPolicy)
	}
	if c.LoadBalancer.DefaultPolicy == "" {
		c.LoadBalancer.DefaultPolicy = LBWeightedRandom
	}
	return nil
}

func (p *ProviderConfig) checkAndSetDefaults() error {
	if p.MinRegisterInterval == 0 {
		p.MinRegisterInterval = Duration(defaultMinRegisterInterval)
	}
	if p.HeartbeatWorkerSize == 0 {
		p.HeartbeatWorkerSize = defaultHeartbeatWorkers
	}
	if p.RateLimit.MaxWindowCount == 0 {
		p.RateLimit.MaxWindowCount = DefaultMaxWindowCount
	}
	if p.RateLimit.RemoteSyncTimeout == 0 {
		p.RateLimit.RemoteSyncTimeout = Duration(defaultRemoteSyncTimeout)
	}
	if p.Lossless.Enable {
		if p.Lossless.Host == "" {
			p.Lossless.Host = "0.0.0.0"
		}
		if p.Lossless.Port == 0 {
			p.Lossless.Port = defaultLosslessPort
		}
	}
	if p.Lossless.DelayRegisterInterval == 0 {
		p.Lossless.DelayRegisterInterval = Duration(defaultDelayRegister)
	}
	if p.Lossless.HealthCheckInterval == 0 {
		p.Lossless.HealthCheckInterval = Duration(defaultHealthCheckPoll)
	}
	return nil
}
