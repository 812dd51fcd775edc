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

// Package polaris exposes the public SDK facades. Each facade is a thin
// wrapper over a shared SDK context; contexts are reference counted and
// the last Destroy tears the runtime down.
package polaris

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/circuitbreaker"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
	"github.com/polaris-contrib/polaris-sdk-go/lib/ratelimit"
	"github.com/polaris-contrib/polaris-sdk-go/lib/sdk"
)

// newContext builds a fresh SDK context from a configuration tree.
func newContext(cfg *config.Configuration) (*sdk.SDKContext, error) {
	sdkCtx, err := sdk.NewSDKContext(cfg)
	return sdkCtx, trace.Wrap(err)
}

// ProviderAPI registers, renews and removes instances of the local process.
type ProviderAPI struct {
	sdkCtx *sdk.SDKContext
}

// NewProviderAPIByContext wraps an existing context, taking one reference.
func NewProviderAPIByContext(sdkCtx *sdk.SDKContext) *ProviderAPI {
	sdkCtx.Acquire()
	return &ProviderAPI{sdkCtx: sdkCtx}
}

// NewProviderAPIByConfig builds a provider facade over a fresh context.
func NewProviderAPIByConfig(cfg *config.Configuration) (*ProviderAPI, error) {
	sdkCtx, err := newContext(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &ProviderAPI{sdkCtx: sdkCtx}, nil
}

// NewProviderAPIByFile builds a provider facade from a configuration file.
func NewProviderAPIByFile(path string) (*ProviderAPI, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return NewProviderAPIByConfig(cfg)
}

// NewProviderAPIByAddress builds a provider facade with defaults pointing
// at the given server addresses.
func NewProviderAPIByAddress(addresses ...string) (*ProviderAPI, error) {
	return NewProviderAPIByConfig(config.Default(addresses...))
}

// SDKContext returns the shared context, for building sibling facades.
func (a *ProviderAPI) SDKContext() *sdk.SDKContext { return a.sdkCtx }

// RegisterInstance registers one instance, honoring the lossless policy
// and starting auto heartbeat when asked.
func (a *ProviderAPI) RegisterInstance(ctx context.Context, req *sdk.RegisterInstanceRequest) (*sdk.RegisterInstanceResponse, error) {
	resp, err := a.sdkCtx.Engine().RegisterInstance(ctx, req)
	return resp, trace.Wrap(err)
}

// Deregister removes one instance and stops its heartbeat.
func (a *ProviderAPI) Deregister(ctx context.Context, req *sdk.DeregisterInstanceRequest) error {
	return trace.Wrap(a.sdkCtx.Engine().DeregisterInstance(ctx, req))
}

// Heartbeat sends one explicit beat.
func (a *ProviderAPI) Heartbeat(ctx context.Context, req *sdk.HeartbeatRequest) error {
	return trace.Wrap(a.sdkCtx.Engine().Heartbeat(ctx, req))
}

// ReportServiceContract uploads an interface description.
func (a *ProviderAPI) ReportServiceContract(ctx context.Context, contract *polarispb.ServiceContract) error {
	return trace.Wrap(a.sdkCtx.Engine().ReportServiceContract(ctx, contract))
}

// Destroy releases the facade's context reference.
func (a *ProviderAPI) Destroy() { a.sdkCtx.Release() }

// ConsumerAPI discovers, routes and balances callee instances.
type ConsumerAPI struct {
	sdkCtx *sdk.SDKContext
}

// NewConsumerAPIByContext wraps an existing context, taking one reference.
func NewConsumerAPIByContext(sdkCtx *sdk.SDKContext) *ConsumerAPI {
	sdkCtx.Acquire()
	return &ConsumerAPI{sdkCtx: sdkCtx}
}

// NewConsumerAPIByConfig builds a consumer facade over a fresh context.
func NewConsumerAPIByConfig(cfg *config.Configuration) (*ConsumerAPI, error) {
	sdkCtx, err := newContext(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &ConsumerAPI{sdkCtx: sdkCtx}, nil
}

// NewConsumerAPIByFile builds a consumer facade from a configuration file.
func NewConsumerAPIByFile(path string) (*ConsumerAPI, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return NewConsumerAPIByConfig(cfg)
}

// NewConsumerAPIByAddress builds a consumer facade with defaults pointing
// at the given server addresses.
func NewConsumerAPIByAddress(addresses ...string) (*ConsumerAPI, error) {
	return NewConsumerAPIByConfig(config.Default(addresses...))
}

// SDKContext returns the shared context.
func (a *ConsumerAPI) SDKContext() *sdk.SDKContext { return a.sdkCtx }

// GetOneInstance returns a single routed, balanced instance.
func (a *ConsumerAPI) GetOneInstance(ctx context.Context, req *sdk.GetOneInstanceRequest) (*types.Instance, error) {
	instance, err := a.sdkCtx.Engine().GetOneInstance(ctx, req)
	return instance, trace.Wrap(err)
}

// GetInstances returns the routed instance set of a service.
func (a *ConsumerAPI) GetInstances(ctx context.Context, req *sdk.GetInstancesRequest) (*types.ServiceInstances, error) {
	instances, err := a.sdkCtx.Engine().GetInstances(ctx, req)
	return instances, trace.Wrap(err)
}

// GetAllInstances returns the raw snapshot of a service.
func (a *ConsumerAPI) GetAllInstances(ctx context.Context, key types.ServiceKey, timeout time.Duration) (*types.ServiceInstances, error) {
	instances, err := a.sdkCtx.Engine().GetAllInstances(ctx, key, timeout)
	return instances, trace.Wrap(err)
}

// GetServices lists the service catalog of a namespace.
func (a *ConsumerAPI) GetServices(ctx context.Context, namespace string, timeout time.Duration) ([]types.ServiceKey, error) {
	services, err := a.sdkCtx.Engine().GetServices(ctx, namespace, timeout)
	return services, trace.Wrap(err)
}

// WatchInstances subscribes to instance changes of a service.
func (a *ConsumerAPI) WatchInstances(key types.ServiceKey) (*sdk.InstancesWatcher, error) {
	w, err := a.sdkCtx.Engine().WatchInstances(key)
	return w, trace.Wrap(err)
}

// Destroy releases the facade's context reference.
func (a *ConsumerAPI) Destroy() { a.sdkCtx.Release() }

// ConfigFileAPI fetches, watches and publishes configuration files.
type ConfigFileAPI struct {
	sdkCtx *sdk.SDKContext
}

// NewConfigFileAPIByContext wraps an existing context, taking one
// reference.
func NewConfigFileAPIByContext(sdkCtx *sdk.SDKContext) *ConfigFileAPI {
	sdkCtx.Acquire()
	return &ConfigFileAPI{sdkCtx: sdkCtx}
}

// NewConfigFileAPIByConfig builds a config facade over a fresh context.
func NewConfigFileAPIByConfig(cfg *config.Configuration) (*ConfigFileAPI, error) {
	sdkCtx, err := newContext(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &ConfigFileAPI{sdkCtx: sdkCtx}, nil
}

// NewConfigFileAPIByFile builds a config facade from a configuration file.
func NewConfigFileAPIByFile(path string) (*ConfigFileAPI, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return NewConfigFileAPIByConfig(cfg)
}

// SDKContext returns the shared context.
func (a *ConfigFileAPI) SDKContext() *sdk.SDKContext { return a.sdkCtx }

// GetConfigFile returns the latest published release after filters ran.
func (a *ConfigFileAPI) GetConfigFile(ctx context.Context, namespace, group, fileName string) (*types.ConfigFile, error) {
	file, err := a.sdkCtx.Engine().GetConfigFile(ctx, namespace, group, fileName)
	return file, trace.Wrap(err)
}

// WatchConfigFile subscribes to publish events of one file.
func (a *ConfigFileAPI) WatchConfigFile(namespace, group, fileName string) (*sdk.ConfigFileWatcher, error) {
	w, err := a.sdkCtx.Engine().WatchConfigFile(namespace, group, fileName)
	return w, trace.Wrap(err)
}

// CreateConfigFile creates an unpublished file.
func (a *ConfigFileAPI) CreateConfigFile(ctx context.Context, file *types.ConfigFile) error {
	return trace.Wrap(a.sdkCtx.Engine().CreateConfigFile(ctx, file))
}

// UpdateConfigFile updates an unpublished file.
func (a *ConfigFileAPI) UpdateConfigFile(ctx context.Context, file *types.ConfigFile) error {
	return trace.Wrap(a.sdkCtx.Engine().UpdateConfigFile(ctx, file))
}

// PublishConfigFile publishes the latest file content.
func (a *ConfigFileAPI) PublishConfigFile(ctx context.Context, file *types.ConfigFile) error {
	return trace.Wrap(a.sdkCtx.Engine().PublishConfigFile(ctx, file))
}

// UpsertAndPublishConfigFile creates or updates a file, then publishes it.
func (a *ConfigFileAPI) UpsertAndPublishConfigFile(ctx context.Context, file *types.ConfigFile) error {
	return trace.Wrap(a.sdkCtx.Engine().UpsertAndPublishConfigFile(ctx, file))
}

// Destroy releases the facade's context reference.
func (a *ConfigFileAPI) Destroy() { a.sdkCtx.Release() }

// LimitAPI answers quota decisions on the callee side.
type LimitAPI struct {
	sdkCtx *sdk.SDKContext
}

// NewLimitAPIByContext wraps an existing context, taking one reference.
func NewLimitAPIByContext(sdkCtx *sdk.SDKContext) *LimitAPI {
	sdkCtx.Acquire()
	return &LimitAPI{sdkCtx: sdkCtx}
}

// NewLimitAPIByConfig builds a limit facade over a fresh context.
func NewLimitAPIByConfig(cfg *config.Configuration) (*LimitAPI, error) {
	sdkCtx, err := newContext(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &LimitAPI{sdkCtx: sdkCtx}, nil
}

// SDKContext returns the shared context.
func (a *LimitAPI) SDKContext() *sdk.SDKContext { return a.sdkCtx }

// GetQuota decides one rate limited request.
func (a *LimitAPI) GetQuota(req *ratelimit.QuotaRequest) (*ratelimit.QuotaResponse, error) {
	resp, err := a.sdkCtx.Engine().GetQuota(req)
	return resp, trace.Wrap(err)
}

// Destroy releases the facade's context reference.
func (a *LimitAPI) Destroy() { a.sdkCtx.Release() }

// CircuitBreakerAPI guards outbound calls with the rule-driven breaker.
type CircuitBreakerAPI struct {
	sdkCtx *sdk.SDKContext
}

// NewCircuitBreakerAPIByContext wraps an existing context, taking one
// reference.
func NewCircuitBreakerAPIByContext(sdkCtx *sdk.SDKContext) *CircuitBreakerAPI {
	sdkCtx.Acquire()
	return &CircuitBreakerAPI{sdkCtx: sdkCtx}
}

// NewCircuitBreakerAPIByConfig builds a breaker facade over a fresh
// context.
func NewCircuitBreakerAPIByConfig(cfg *config.Configuration) (*CircuitBreakerAPI, error) {
	sdkCtx, err := newContext(cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &CircuitBreakerAPI{sdkCtx: sdkCtx}, nil
}

// SDKContext returns the shared context.
func (a *CircuitBreakerAPI) SDKContext() *sdk.SDKContext { return a.sdkCtx }

// Check asks the breaker for one resource.
func (a *CircuitBreakerAPI) Check(resource types.Resource) types.CheckResult {
	return a.sdkCtx.Engine().CheckResource(resource)
}

// Report feeds one call outcome to the breaker.
func (a *CircuitBreakerAPI) Report(stat types.ResourceStat) error {
	return trace.Wrap(a.sdkCtx.Engine().ReportStat(stat))
}

// MakeInvokeHandler builds a guarded call site over the shared breaker.
func (a *CircuitBreakerAPI) MakeInvokeHandler(cfg circuitbreaker.InvokeHandlerConfig) (*circuitbreaker.InvokeHandler, error) {
	breaker := a.sdkCtx.Extensions().Breaker
	if breaker == nil {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig,
			"circuit breaker is disabled in the consumer configuration"))
	}
	cfg.Breaker = breaker
	handler, err := circuitbreaker.NewInvokeHandler(cfg)
	return handler, trace.Wrap(err)
}

// Destroy releases the facade's context reference.
func (a *CircuitBreakerAPI) Destroy() { a.sdkCtx.Release() }
