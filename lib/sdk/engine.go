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
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	polaris "github.com/polaris-contrib/polaris-sdk-go"
	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/cache"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/configfilter"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
	"github.com/polaris-contrib/polaris-sdk-go/lib/loadbalance"
	"github.com/polaris-contrib/polaris-sdk-go/lib/ratelimit"
	"github.com/polaris-contrib/polaris-sdk-go/lib/router"
)

// RegisterInstanceRequest registers one instance of the local process.
type RegisterInstanceRequest struct {
	// Instance describes the endpoint. Required.
	Instance *types.Instance
	// TTL enables server health checking with the given period in seconds.
	TTL uint32
	// AutoHeartbeat starts a background beat task when TTL is set.
	AutoHeartbeat bool
	// Token authorizes the operation.
	Token string
	// Timeout overrides the API timeout.
	Timeout time.Duration
}

// CheckAndSetDefaults validates the request.
func (r *RegisterInstanceRequest) CheckAndSetDefaults() error {
	if r.Instance == nil {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidArgument, "missing instance"))
	}
	if err := r.Instance.Key.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if r.Instance.Host == "" {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidArgument, "missing instance host"))
	}
	if r.Instance.Port == 0 {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidArgument, "missing instance port"))
	}
	return nil
}

// RegisterInstanceResponse is the outcome of a register flow.
type RegisterInstanceResponse struct {
	// InstanceID is the server-assigned id.
	InstanceID string
	// Exists reports that the instance was already registered.
	Exists bool
}

// DeregisterInstanceRequest removes one instance.
type DeregisterInstanceRequest struct {
	Instance   *types.Instance
	InstanceID string
	Token      string
	Timeout    time.Duration
}

// HeartbeatRequest renews one instance lease.
type HeartbeatRequest struct {
	Instance   *types.Instance
	InstanceID string
	Token      string
	Timeout    time.Duration
}

// GetOneInstanceRequest resolves a single routed, balanced instance.
type GetOneInstanceRequest struct {
	// Service is the callee. Required.
	Service types.ServiceKey
	// SourceService optionally identifies the caller for rule routing.
	SourceService types.ServiceKey
	// Metadata is matched by the metadata router.
	Metadata map[string]string
	// MetadataFailover selects the empty-intersection fallback.
	MetadataFailover router.MetadataFailover
	// TrafficLabels feed rule sources and the partition routers.
	TrafficLabels map[string]string
	// Canary selects a canary partition.
	Canary string
	// SetName pins traffic to a deployment set.
	SetName string
	// LbPolicy overrides the default balancer.
	LbPolicy string
	// HashKey feeds hash based balancers.
	HashKey string
	// ReplicateIndex asks for the n-th replica on the hash ring.
	ReplicateIndex int
	// Timeout overrides the API timeout.
	Timeout time.Duration
}

// GetInstancesRequest resolves the routed instance set of a service.
type GetInstancesRequest struct {
	Service          types.ServiceKey
	SourceService    types.ServiceKey
	Metadata         map[string]string
	MetadataFailover router.MetadataFailover
	TrafficLabels    map[string]string
	Canary           string
	SetName          string
	// SkipRouteFilter returns the raw snapshot without routing.
	SkipRouteFilter bool
	Timeout         time.Duration
}

type engineConfig struct {
	Configuration *config.Configuration
	Client        *types.ClientContext
	Extensions    *Extensions
	Heartbeats    *heartbeatScheduler
	Lossless      *LosslessPolicy
	Clock         clockwork.Clock
	Log           *slog.Logger
}

// Engine executes every user-facing flow on top of the plugin graph. The
// public facades are thin wrappers around it.
type Engine struct {
	cfg        *config.Configuration
	client     *types.ClientContext
	ext        *Extensions
	heartbeats *heartbeatScheduler
	lossless   *LosslessPolicy
	clock      clockwork.Clock
	log        *slog.Logger
}

func newEngine(cfg engineConfig) *Engine {
	return &Engine{
		cfg:        cfg.Configuration,
		client:     cfg.Client,
		ext:        cfg.Extensions,
		heartbeats: cfg.Heartbeats,
		lossless:   cfg.Lossless,
		clock:      cfg.Clock,
		log:        cfg.Log.With(polaris.ComponentKey, polaris.ComponentEngine),
	}
}

// apiTimeout applies the configured default to an unset request timeout.
func (e *Engine) apiTimeout(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return e.cfg.Global.API.Timeout.Duration()
}

func retryable(err error) bool {
	switch types.ErrorCodeOf(err) {
	case types.ErrCodeNetworkError, types.ErrCodeRPCTimeout, types.ErrCodeServerError:
		return true
	}
	return false
}

// withRetry runs op up to 1+max_retry_times times, sleeping retry_interval
// between attempts. Only transport-class failures retry.
func (e *Engine) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= e.cfg.Global.API.MaxRetryTimes; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			case <-e.clock.After(e.cfg.Global.API.RetryInterval.Duration()):
			}
		}
		if err = op(ctx); err == nil || !retryable(err) {
			return trace.Wrap(err)
		}
		e.log.Warn("retrying after transport failure", "attempt", attempt+1, "error", err)
	}
	return trace.Wrap(err)
}

// RegisterInstance registers the instance. With TTL and AutoHeartbeat set a
// beat task keeps the lease alive until deregistration. A configured
// lossless policy starts its readiness sequence after the register call
// returns; the call itself never waits on it.
func (e *Engine) RegisterInstance(ctx context.Context, req *RegisterInstanceRequest) (*RegisterInstanceResponse, error) {
	if err := req.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	connReq := &connector.InstanceRegisterRequest{
		Instance: req.Instance,
		TTL:      req.TTL,
		Token:    req.Token,
		Timeout:  e.apiTimeout(req.Timeout),
	}
	var resp *connector.InstanceRegisterResponse
	err := e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = e.ext.Connector.RegisterInstance(ctx, connReq)
		return trace.Wrap(err)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.TTL > 0 && req.AutoHeartbeat {
		e.heartbeats.schedule(connReq, resp.InstanceID)
	}
	if e.lossless != nil {
		e.lossless.OnInstanceRegistered()
	}
	e.log.Info("instance registered",
		"service", req.Instance.Key.String(),
		"endpoint", req.Instance.Host, "port", req.Instance.Port,
		"instance_id", resp.InstanceID, "existed", resp.Exists)
	return &RegisterInstanceResponse{InstanceID: resp.InstanceID, Exists: resp.Exists}, nil
}

// DeregisterInstance marks the lossless status endpoint offline and drains,
// stops the beat task of the instance, then removes it. Idempotent towards
// the server.
func (e *Engine) DeregisterInstance(ctx context.Context, req *DeregisterInstanceRequest) error {
	if req.Instance == nil {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidArgument, "missing instance"))
	}
	if e.lossless != nil {
		if err := e.lossless.BeforeInstanceDeregister(ctx); err != nil {
			return trace.Wrap(err)
		}
	}
	e.heartbeats.cancelTask(req.Instance)
	err := e.withRetry(ctx, func(ctx context.Context) error {
		return trace.Wrap(e.ext.Connector.DeregisterInstance(ctx, &connector.InstanceDeregisterRequest{
			InstanceID: req.InstanceID,
			Instance:   req.Instance,
			Token:      req.Token,
			Timeout:    e.apiTimeout(req.Timeout),
		}))
	})
	return trace.Wrap(err)
}

// Heartbeat sends one explicit beat, for callers managing their own cadence.
func (e *Engine) Heartbeat(ctx context.Context, req *HeartbeatRequest) error {
	if req.Instance == nil {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidArgument, "missing instance"))
	}
	return trace.Wrap(e.ext.Connector.Heartbeat(ctx, &connector.InstanceHeartbeatRequest{
		InstanceID: req.InstanceID,
		Instance:   req.Instance,
		Token:      req.Token,
		Timeout:    e.apiTimeout(req.Timeout),
	}))
}

func (e *Engine) routeInfo(source types.ServiceKey, dest types.ServiceKey, metadata map[string]string, failover router.MetadataFailover, labels map[string]string, canary, setName string) *router.RouteInfo {
	return &router.RouteInfo{
		SourceService:    source,
		DestService:      dest,
		Metadata:         metadata,
		MetadataFailover: failover,
		TrafficLabels:    labels,
		Canary:           canary,
		SetName:          setName,
	}
}

// GetOneInstance runs discovery, the router chain and the load balancer for
// one call.
func (e *Engine) GetOneInstance(ctx context.Context, req *GetOneInstanceRequest) (*types.Instance, error) {
	if err := req.Service.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	snapshot, err := e.ext.Cache.GetServiceInstances(ctx, req.Service, e.apiTimeout(req.Timeout))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	routed, err := e.ext.RouterChain.ProcessRouteRequest(ctx,
		e.routeInfo(req.SourceService, req.Service, req.Metadata, req.MetadataFailover, req.TrafficLabels, req.Canary, req.SetName),
		snapshot)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	balancer, err := e.balancer(req.LbPolicy)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	instance, err := balancer.ChooseInstance(loadbalance.Criteria{
		HashKey:        req.HashKey,
		ReplicateIndex: req.ReplicateIndex,
	}, routed)
	return instance, trace.Wrap(err)
}

func (e *Engine) balancer(policy string) (loadbalance.LoadBalancer, error) {
	if policy == "" {
		policy = e.ext.DefaultPolicy
	}
	b, ok := e.ext.Balancers[policy]
	if !ok {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidArgument, "unknown load balancer policy %q", policy))
	}
	return b, nil
}

// GetInstances returns the routed instance set of a service.
func (e *Engine) GetInstances(ctx context.Context, req *GetInstancesRequest) (*types.ServiceInstances, error) {
	if err := req.Service.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	snapshot, err := e.ext.Cache.GetServiceInstances(ctx, req.Service, e.apiTimeout(req.Timeout))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if req.SkipRouteFilter {
		return snapshot, nil
	}
	routed, err := e.ext.RouterChain.ProcessRouteRequest(ctx,
		e.routeInfo(req.SourceService, req.Service, req.Metadata, req.MetadataFailover, req.TrafficLabels, req.Canary, req.SetName),
		snapshot)
	return routed, trace.Wrap(err)
}

// GetAllInstances returns the raw snapshot, isolated and unhealthy
// instances included.
func (e *Engine) GetAllInstances(ctx context.Context, key types.ServiceKey, timeout time.Duration) (*types.ServiceInstances, error) {
	snapshot, err := e.ext.Cache.GetServiceInstances(ctx, key, e.apiTimeout(timeout))
	return snapshot, trace.Wrap(err)
}

// GetServices lists the service catalog of a namespace.
func (e *Engine) GetServices(ctx context.Context, namespace string, timeout time.Duration) ([]types.ServiceKey, error) {
	if namespace == "" {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidArgument, "missing namespace"))
	}
	value, err := e.ext.Cache.Get(ctx,
		types.ResourceEventKey{Type: types.EventServices, Namespace: namespace},
		e.apiTimeout(timeout))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	services, ok := value.([]types.ServiceKey)
	if !ok {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeInternal, "unexpected payload type %T for services", value))
	}
	return services, nil
}

// CheckResource asks the circuit breaker for one resource. A disabled
// breaker admits everything.
func (e *Engine) CheckResource(resource types.Resource) types.CheckResult {
	if e.ext.Breaker == nil {
		return types.CheckResult{Pass: true}
	}
	return e.ext.Breaker.CheckResource(resource)
}

// ReportStat feeds one call outcome to the circuit breaker.
func (e *Engine) ReportStat(stat types.ResourceStat) error {
	if e.ext.Breaker == nil {
		return nil
	}
	return trace.Wrap(e.ext.Breaker.ReportStat(stat))
}

// GetQuota decides one rate limited request. A disabled limiter admits
// everything.
func (e *Engine) GetQuota(req *ratelimit.QuotaRequest) (*ratelimit.QuotaResponse, error) {
	if e.ext.Limiter == nil {
		return &ratelimit.QuotaResponse{Allowed: true}, nil
	}
	resp, err := e.ext.Limiter.GetQuota(req)
	return resp, trace.Wrap(err)
}

// ReportServiceContract uploads an interface description.
func (e *Engine) ReportServiceContract(ctx context.Context, contract *polarispb.ServiceContract) error {
	err := e.withRetry(ctx, func(ctx context.Context) error {
		return trace.Wrap(e.ext.Connector.ReportServiceContract(ctx, contract))
	})
	return trace.Wrap(err)
}

// GetServiceContract fetches an interface description.
func (e *Engine) GetServiceContract(ctx context.Context, contract *polarispb.ServiceContract) (string, error) {
	content, err := e.ext.Connector.GetServiceContract(ctx, contract)
	return content, trace.Wrap(err)
}

// GetConfigFile returns the latest published release of a file, after the
// filter chain ran. The returned copy is the caller's.
func (e *Engine) GetConfigFile(ctx context.Context, namespace, group, fileName string) (*types.ConfigFile, error) {
	probe := &types.ConfigFile{Namespace: namespace, Group: group, Name: fileName}
	if err := probe.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	value, err := e.ext.Cache.Get(ctx, probe.EventKey(), e.apiTimeout(0))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	file, ok := value.(*types.ConfigFile)
	if !ok {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeInternal, "unexpected payload type %T for config file", value))
	}
	out := *file
	if err := e.ext.ConfigFilters.Apply(&out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// CreateConfigFile creates an unpublished file.
func (e *Engine) CreateConfigFile(ctx context.Context, file *types.ConfigFile) error {
	if err := file.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.ext.ConfigConnector.CreateConfigFile(ctx, file))
}

// UpdateConfigFile updates an unpublished file.
func (e *Engine) UpdateConfigFile(ctx context.Context, file *types.ConfigFile) error {
	if err := file.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.ext.ConfigConnector.UpdateConfigFile(ctx, file))
}

// PublishConfigFile publishes the latest content of a file.
func (e *Engine) PublishConfigFile(ctx context.Context, file *types.ConfigFile) error {
	if err := file.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.ext.ConfigConnector.PublishConfigFile(ctx, file))
}

// UpsertAndPublishConfigFile creates or updates a file, then publishes it.
func (e *Engine) UpsertAndPublishConfigFile(ctx context.Context, file *types.ConfigFile) error {
	if err := file.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.ext.ConfigConnector.UpsertAndPublishConfigFile(ctx, file))
}

// watcherBuffer bounds each watch channel; slow consumers lose
// intermediate revisions, never the ordering.
const watcherBuffer = 32

// InstancesWatcher delivers instance set changes of one service.
type InstancesWatcher struct {
	// C carries the change events.
	C      <-chan types.InstancesEvent
	cancel func()
}

// Stop deregisters the watcher. The channel is not closed; pending events
// stay readable.
func (w *InstancesWatcher) Stop() { w.cancel() }

type instancesListener struct {
	key types.ServiceKey
	ch  chan types.InstancesEvent
}

func (l *instancesListener) EventTypes() []types.EventType {
	return []types.EventType{types.EventInstances}
}

func (l *instancesListener) OnResourceEvent(event types.ResourceEvent) {
	if event.Key.ServiceKey() != l.key {
		return
	}
	snapshot, _ := event.Value.(*types.ServiceInstances)
	out := types.InstancesEvent{
		Key:       l.key,
		Action:    event.Action,
		Revision:  event.Revision,
		Instances: snapshot,
	}
	select {
	case l.ch <- out:
	default:
	}
}

// WatchInstances subscribes to instance changes of a service. The first
// event arrives after the next server push.
func (e *Engine) WatchInstances(key types.ServiceKey) (*InstancesWatcher, error) {
	if err := key.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	l := &instancesListener{key: key, ch: make(chan types.InstancesEvent, watcherBuffer)}
	e.ext.Cache.RegisterListener(l)
	e.warmup(types.ServiceEventKey(types.EventInstances, key))
	return &InstancesWatcher{C: l.ch, cancel: func() { e.ext.Cache.DeregisterListener(l) }}, nil
}

// ConfigFileWatcher delivers publish events of one config file.
type ConfigFileWatcher struct {
	C      <-chan types.ConfigFileChangeEvent
	cancel func()
}

// Stop deregisters the watcher.
func (w *ConfigFileWatcher) Stop() { w.cancel() }

type configFileListener struct {
	key     types.ResourceEventKey
	filters *configfilter.Chain
	ch      chan types.ConfigFileChangeEvent
}

func (l *configFileListener) EventTypes() []types.EventType {
	return []types.EventType{types.EventConfigFile}
}

func (l *configFileListener) OnResourceEvent(event types.ResourceEvent) {
	if event.Key != l.key {
		return
	}
	out := types.ConfigFileChangeEvent{Deleted: event.Action == types.ActionDelete}
	if file, ok := event.Value.(*types.ConfigFile); ok && file != nil {
		copied := *file
		if err := l.filters.Apply(&copied); err != nil {
			return
		}
		out.File = &copied
	}
	select {
	case l.ch <- out:
	default:
	}
}

// WatchConfigFile subscribes to publish events of one file. Filters run
// before delivery, so watchers observe decrypted content.
func (e *Engine) WatchConfigFile(namespace, group, fileName string) (*ConfigFileWatcher, error) {
	probe := &types.ConfigFile{Namespace: namespace, Group: group, Name: fileName}
	if err := probe.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	l := &configFileListener{
		key:     probe.EventKey(),
		filters: e.ext.ConfigFilters,
		ch:      make(chan types.ConfigFileChangeEvent, watcherBuffer),
	}
	e.ext.Cache.RegisterListener(l)
	e.warmup(probe.EventKey())
	return &ConfigFileWatcher{C: l.ch, cancel: func() { e.ext.Cache.DeregisterListener(l) }}, nil
}

// warmup opens the cache subscription for key without blocking the caller.
func (e *Engine) warmup(key types.ResourceEventKey) {
	timeout := e.apiTimeout(0)
	go func() {
		if _, err := e.ext.Cache.Get(context.Background(), key, timeout); err != nil {
			e.log.Debug("watch warmup pull failed", "key", key.String(), "error", err)
		}
	}()
}

var _ cache.Listener = (*instancesListener)(nil)
var _ cache.Listener = (*configFileListener)(nil)
