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

// Package config defines the SDK configuration tree and its strict YAML
// loader. Unknown keys are rejected; durations accept human readable
// strings such as "30s" or "1m30s".
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
)

// Duration wraps time.Duration to accept human readable YAML strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig, "invalid duration %q: %v", raw, err))
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the wrapped value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Configuration is the root of the SDK configuration tree.
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Consumer ConsumerConfig `yaml:"consumer"`
	Provider ProviderConfig `yaml:"provider"`
	Config   ConfigGroup    `yaml:"config"`
}

// GlobalConfig holds cluster, transport and cache settings shared by every
// facade.
type GlobalConfig struct {
	System           SystemConfig                     `yaml:"system"`
	API              APIConfig                        `yaml:"api"`
	ServerConnectors map[string]ServerConnectorConfig `yaml:"server_connectors"`
	StatReporter     StatReporterConfig               `yaml:"stat_reporter"`
	Location         LocationConfig                   `yaml:"location"`
	LocalCache       LocalCacheConfig                 `yaml:"local_cache"`
}

// SystemConfig names the control plane clusters by role.
type SystemConfig struct {
	DiscoverCluster    ClusterConfig `yaml:"discover_cluster"`
	ConfigCluster      ClusterConfig `yaml:"config_cluster"`
	HealthCheckCluster ClusterConfig `yaml:"health_check_cluster"`
}

// ClusterConfig describes one control plane cluster.
type ClusterConfig struct {
	Namespace       string   `yaml:"namespace"`
	Service         string   `yaml:"service"`
	RefreshInterval Duration `yaml:"refresh_interval"`
	Routers         []string `yaml:"routers"`
	LbPolicy        string   `yaml:"lb_policy"`
}

// APIConfig bounds user-facing flows.
type APIConfig struct {
	Timeout        Duration `yaml:"timeout"`
	MaxRetryTimes  int      `yaml:"max_retry_times"`
	RetryInterval  Duration `yaml:"retry_interval"`
	BindIf         string   `yaml:"bind_if"`
	BindIP         string   `yaml:"bind_ip"`
	ReportInterval Duration `yaml:"report_interval"`
}

// SSLConfig configures TLS material for a connector.
type SSLConfig struct {
	TrustedCAFile string `yaml:"trusted_ca_file"`
	CertFile      string `yaml:"cert_file"`
	KeyFile       string `yaml:"key_file"`
}

// ServerConnectorConfig configures one named connector plugin.
type ServerConnectorConfig struct {
	Addresses             []string          `yaml:"addresses"`
	Protocol              string            `yaml:"protocol"`
	ConnectTimeout        Duration          `yaml:"connect_timeout"`
	ServerSwitchInterval  Duration          `yaml:"server_switch_interval"`
	MessageTimeout        Duration          `yaml:"message_timeout"`
	ConnectionIdleTimeout Duration          `yaml:"connection_idle_timeout"`
	ReconnectInterval     Duration          `yaml:"reconnect_interval"`
	Metadata              map[string]string `yaml:"metadata"`
	SSL                   *SSLConfig        `yaml:"ssl"`
	Token                 string            `yaml:"token"`
}

// StatReporterConfig configures the reporter chain.
type StatReporterConfig struct {
	Chain []PluginConfig `yaml:"chain"`
}

// PluginConfig is a named plugin with free-form options.
type PluginConfig struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

// LocationConfig configures the ordered location providers.
type LocationConfig struct {
	Providers []PluginConfig `yaml:"providers"`
}

// LocalCacheConfig configures the resource cache and its disk failover.
type LocalCacheConfig struct {
	Name                       string   `yaml:"name"`
	ServiceExpireEnable        bool     `yaml:"service_expire_enable"`
	ServiceExpireTime          Duration `yaml:"service_expire_time"`
	ServiceRefreshInterval     Duration `yaml:"service_refresh_interval"`
	ServiceListRefreshInterval Duration `yaml:"service_list_refresh_interval"`
	PersistEnable              bool     `yaml:"persist_enable"`
	PersistDir                 string   `yaml:"persist_dir"`
	PersistMaxReadRetry        int      `yaml:"persist_max_read_retry"`
	PersistMaxWriteRetry       int      `yaml:"persist_max_write_retry"`
	PersistRetryInterval       Duration `yaml:"persist_retry_interval"`
}

// ConsumerConfig configures routing, balancing and breaking on the caller
// side.
type ConsumerConfig struct {
	ServiceRouter  ServiceRouterConfig  `yaml:"service_router"`
	LoadBalancer   LoadBalancerConfig   `yaml:"load_balancer"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServiceRouterConfig names the three router chains.
type ServiceRouterConfig struct {
	BeforeChain []string `yaml:"before_chain"`
	CoreChain   []string `yaml:"core_chain"`
	AfterChain  []string `yaml:"after_chain"`
	// NearbyMatchLevel and NearbyMaxMatchLevel bound the nearby router walk.
	NearbyMatchLevel    string `yaml:"nearby_match_level"`
	NearbyMaxMatchLevel string `yaml:"nearby_max_match_level"`
	StrictNearby        bool   `yaml:"strict_nearby"`
	// EnableDegradeByUnhealthyPercent expands the nearby level when too few
	// instances at the current level are healthy.
	EnableDegradeByUnhealthyPercent bool `yaml:"enable_degrade_by_unhealthy_percent"`
	UnhealthyPercentToDegrade       int  `yaml:"unhealthy_percent_to_degrade"`
	// RuleFailoverPolicy decides what a rule miss returns: "all" keeps the
	// full instance set, "none" returns an empty one.
	RuleFailoverPolicy string `yaml:"rule_failover_policy"`
}

// LoadBalancerConfig selects the default balancing policy.
type LoadBalancerConfig struct {
	DefaultPolicy string         `yaml:"default_policy"`
	Plugins       []PluginConfig `yaml:"plugins"`
}

// CircuitBreakerConfig toggles the breaker.
type CircuitBreakerConfig struct {
	Enable           bool `yaml:"enable"`
	EnableRemotePull bool `yaml:"enable_remote_pull"`
}

// ProviderConfig configures the callee side.
type ProviderConfig struct {
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	Lossless            LosslessConfig  `yaml:"lossless"`
	MinRegisterInterval Duration        `yaml:"min_register_interval"`
	HeartbeatWorkerSize int             `yaml:"heartbeat_worker_size"`
}

// RateLimitConfig configures quota acquisition.
type RateLimitConfig struct {
	Enable                      bool     `yaml:"enable"`
	Service                     string   `yaml:"service"`
	Namespace                   string   `yaml:"namespace"`
	Addresses                   []string `yaml:"addresses"`
	MaxWindowCount              int      `yaml:"max_window_count"`
	FallbackOnExceedWindowCount string   `yaml:"fallback_on_exceed_window_count"`
	RemoteSyncTimeout           Duration `yaml:"remote_sync_timeout"`
	MaxQueuingTime              Duration `yaml:"max_queuing_time"`
	ReportMetrics               bool     `yaml:"report_metrics"`
}

// LosslessConfig configures traffic-safe register/deregister.
type LosslessConfig struct {
	Enable                bool     `yaml:"enable"`
	Host                  string   `yaml:"host"`
	Port                  uint32   `yaml:"port"`
	DelayRegisterInterval Duration `yaml:"delay_register_interval"`
	HealthCheckInterval   Duration `yaml:"health_check_interval"`
}

// ConfigGroup configures the config-file facade.
type ConfigGroup struct {
	Enable                    bool           `yaml:"enable"`
	ConnectorName             string         `yaml:"connector"`
	Filters                   []PluginConfig `yaml:"filters"`
	PropertiesRefreshInterval Duration       `yaml:"properties_refresh_interval"`
}

// Load reads and strictly decodes a configuration file, then applies
// defaults and validates.
func Load(path string) (*Configuration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	return Read(f)
}

// Read strictly decodes a configuration stream, then applies defaults and
// validates.
func Read(r io.Reader) (*Configuration, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cfg := &Configuration{}
	if len(bytes.TrimSpace(data)) != 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig, "parse configuration: %v", err))
		}
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and a single
// connector pointing at the given addresses.
func Default(addresses ...string) *Configuration {
	cfg := &Configuration{}
	if len(addresses) != 0 {
		cfg.Global.ServerConnectors = map[string]ServerConnectorConfig{
			DefaultConnectorName: {Addresses: addresses},
		}
	}
	// Defaults alone always validate.
	if err := cfg.CheckAndSetDefaults(); err != nil {
		panic(err)
	}
	return cfg
}
