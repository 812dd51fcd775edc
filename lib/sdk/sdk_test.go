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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/cache"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/configfilter"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
	"github.com/polaris-contrib/polaris-sdk-go/lib/loadbalance"
	"github.com/polaris-contrib/polaris-sdk-go/lib/location"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
	"github.com/polaris-contrib/polaris-sdk-go/lib/ratelimit"
	"github.com/polaris-contrib/polaris-sdk-go/lib/router"
)

type fakeConnector struct {
	mu           sync.Mutex
	handler      connector.EventHandler
	registerErrs []error
	registered   []string
	deregistered []string
	subscribed   []string
	published    []*types.ConfigFile
	heartbeats   atomic.Int64
}

var _ connector.ServerConnector = (*fakeConnector)(nil)

func (f *fakeConnector) Name() string      { return "fake" }
func (f *fakeConnector) Type() plugin.Type { return plugin.TypeServerConnector }
func (f *fakeConnector) Destroy() error    { return nil }

func (f *fakeConnector) RegisterInstance(_ context.Context, req *connector.InstanceRegisterRequest) (*connector.InstanceRegisterResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.registerErrs) > 0 {
		err := f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
		return nil, err
	}
	f.registered = append(f.registered, beatKey(req.Instance))
	return &connector.InstanceRegisterResponse{InstanceID: fmt.Sprintf("ins-%d", len(f.registered))}, nil
}

func (f *fakeConnector) DeregisterInstance(_ context.Context, req *connector.InstanceDeregisterRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, beatKey(req.Instance))
	return nil
}

func (f *fakeConnector) Heartbeat(context.Context, *connector.InstanceHeartbeatRequest) error {
	f.heartbeats.Add(1)
	return nil
}

func (f *fakeConnector) SyncQuota(context.Context, *connector.QuotaSyncRequest) (*connector.QuotaSyncResponse, error) {
	return nil, types.NewPolarisError(types.ErrCodeNetworkError, "no rate limit cluster")
}

func (f *fakeConnector) ReportClient(context.Context, *types.ClientContext) (*types.Location, error) {
	return &types.Location{Region: "south"}, nil
}

func (f *fakeConnector) ReportServiceContract(context.Context, *polarispb.ServiceContract) error {
	return nil
}

func (f *fakeConnector) GetServiceContract(context.Context, *polarispb.ServiceContract) (string, error) {
	return "", nil
}

func (f *fakeConnector) RegisterEventHandler(handler connector.EventHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeConnector) SubscribeResource(key types.ResourceEventKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, key.String())
	return nil
}

func (f *fakeConnector) UnsubscribeResource(types.ResourceEventKey) error { return nil }

func (f *fakeConnector) CreateConfigFile(context.Context, *types.ConfigFile) error { return nil }
func (f *fakeConnector) UpdateConfigFile(context.Context, *types.ConfigFile) error { return nil }

func (f *fakeConnector) PublishConfigFile(_ context.Context, file *types.ConfigFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, file)
	return nil
}

func (f *fakeConnector) UpsertAndPublishConfigFile(ctx context.Context, file *types.ConfigFile) error {
	return f.PublishConfigFile(ctx, file)
}

func (f *fakeConnector) GetConfigFile(context.Context, string, string, string) (*types.ConfigFile, error) {
	return nil, types.NewPolarisError(types.ErrCodeServiceNotFound, "no release")
}

// push delivers a server event through the installed cache handler.
func (f *fakeConnector) push(t *testing.T, key types.ResourceEventKey, revision string, value any) {
	t.Helper()
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	require.NotNil(t, handler)
	handler.OnServerEvent(connector.ServerEvent{Key: key, Revision: revision, Value: value})
}

type testRuntime struct {
	conn   *fakeConnector
	clock  clockwork.Clock
	cache  *cache.Cache
	engine *Engine
	beats  *heartbeatScheduler
}

func newTestRuntime(t *testing.T, clock clockwork.Clock) *testRuntime {
	t.Helper()
	cfg := config.Default("127.0.0.1:8091")
	cfg.Global.API.Timeout = config.Duration(50 * time.Millisecond)
	cfg.Global.API.RetryInterval = config.Duration(time.Millisecond)

	conn := &fakeConnector{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c, err := cache.New(ctx, cache.Config{
		LocalCache: cfg.Global.LocalCache,
		Discover:   conn,
		Clock:      clock,
		Log:        slog.Default(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Destroy() })

	ext := &Extensions{
		Container:       plugin.NewContainer(),
		Connector:       conn,
		ConfigConnector: conn,
		Cache:           c,
		Resolver:        location.NewResolver(nil, nil),
		RouterChain: router.NewChain(
			[]router.ServiceRouter{router.NewIsolatedRouter()},
			nil,
			[]router.ServiceRouter{router.NewRecoverRouter()},
			nil),
		Balancers: map[string]loadbalance.LoadBalancer{
			config.LBWeightedRandom: loadbalance.NewWeightedRandom(nil),
		},
		DefaultPolicy: config.LBWeightedRandom,
		ConfigFilters: configfilter.NewChain(),
	}
	beats := newHeartbeatScheduler(ctx, conn, clock, slog.Default(), time.Second, 4)
	t.Cleanup(beats.close)

	engine := newEngine(engineConfig{
		Configuration: cfg,
		Client:        &types.ClientContext{ClientID: "test-client", Host: "127.0.0.1", Version: "test"},
		Extensions:    ext,
		Heartbeats:    beats,
		Clock:         clock,
		Log:           slog.Default(),
	})
	return &testRuntime{conn: conn, clock: clock, cache: c, engine: engine, beats: beats}
}

func testInstance(host string) *types.Instance {
	return &types.Instance{
		Key:     types.ServiceKey{Namespace: "default", Service: "orders"},
		Host:    host,
		Port:    8080,
		Healthy: true,
		Weight:  100,
	}
}

func TestRegisterRetriesOnTransportFailure(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	rt.conn.registerErrs = []error{
		types.NewPolarisError(types.ErrCodeNetworkError, "connection refused"),
		types.NewPolarisError(types.ErrCodeRPCTimeout, "deadline"),
	}

	resp, err := rt.engine.RegisterInstance(context.Background(), &RegisterInstanceRequest{
		Instance: testInstance("10.0.0.1"),
	})
	require.NoError(t, err)
	require.Equal(t, "ins-1", resp.InstanceID)
	require.Len(t, rt.conn.registered, 1)
}

func TestRegisterDoesNotRetryUserErrors(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	rt.conn.registerErrs = []error{
		types.NewPolarisError(types.ErrCodeServerUserError, "bad token"),
	}

	_, err := rt.engine.RegisterInstance(context.Background(), &RegisterInstanceRequest{
		Instance: testInstance("10.0.0.1"),
	})
	require.Error(t, err)
	require.Equal(t, types.ErrCodeServerUserError, types.ErrorCodeOf(err))
	require.Empty(t, rt.conn.registered)
}

func TestRegisterExhaustsRetryBudget(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	for i := 0; i < 10; i++ {
		rt.conn.registerErrs = append(rt.conn.registerErrs,
			types.NewPolarisError(types.ErrCodeNetworkError, "down"))
	}

	_, err := rt.engine.RegisterInstance(context.Background(), &RegisterInstanceRequest{
		Instance: testInstance("10.0.0.1"),
	})
	require.Error(t, err)
	require.Equal(t, types.ErrCodeNetworkError, types.ErrorCodeOf(err))
	// 1 + max_retry_times attempts, each consuming one queued error.
	require.Len(t, rt.conn.registerErrs, 10-(rt.engine.cfg.Global.API.MaxRetryTimes+1))
}

func TestRegisterValidatesInstance(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	ins := testInstance("")
	_, err := rt.engine.RegisterInstance(context.Background(), &RegisterInstanceRequest{Instance: ins})
	require.Error(t, err)
	require.Equal(t, types.ErrCodeAPIInvalidArgument, types.ErrorCodeOf(err))
}

func TestAutoHeartbeatScheduledAndCancelled(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rt := newTestRuntime(t, fc)
	ins := testInstance("10.0.0.1")

	_, err := rt.engine.RegisterInstance(context.Background(), &RegisterInstanceRequest{
		Instance:      ins,
		TTL:           2,
		AutoHeartbeat: true,
	})
	require.NoError(t, err)

	// The beat task owns the only fake clock ticker.
	fc.BlockUntil(1)
	fc.Advance(time.Second)
	require.Eventually(t, func() bool {
		return rt.conn.heartbeats.Load() == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, rt.engine.DeregisterInstance(context.Background(), &DeregisterInstanceRequest{
		Instance:   ins,
		InstanceID: "ins-1",
	}))
	fc.Advance(5 * time.Second)
	require.Never(t, func() bool {
		return rt.conn.heartbeats.Load() > 1
	}, 50*time.Millisecond, 5*time.Millisecond)
	require.Len(t, rt.conn.deregistered, 1)
}

func TestRegisterSameEndpointKeepsOneBeatTask(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rt := newTestRuntime(t, fc)
	ins := testInstance("10.0.0.1")

	for i := 0; i < 3; i++ {
		_, err := rt.engine.RegisterInstance(context.Background(), &RegisterInstanceRequest{
			Instance:      ins,
			TTL:           2,
			AutoHeartbeat: true,
		})
		require.NoError(t, err)
	}
	rt.beats.mu.Lock()
	taskCount := len(rt.beats.tasks)
	rt.beats.mu.Unlock()
	require.Equal(t, 1, taskCount)
}

func TestHeartbeatTasksDistinctAcrossVpcs(t *testing.T) {
	fc := clockwork.NewFakeClock()
	rt := newTestRuntime(t, fc)

	east := testInstance("10.0.0.1")
	east.VpcID = "vpc-east"
	west := testInstance("10.0.0.1")
	west.VpcID = "vpc-west"

	for _, ins := range []*types.Instance{east, west} {
		_, err := rt.engine.RegisterInstance(context.Background(), &RegisterInstanceRequest{
			Instance:      ins,
			TTL:           2,
			AutoHeartbeat: true,
		})
		require.NoError(t, err)
	}
	rt.beats.mu.Lock()
	taskCount := len(rt.beats.tasks)
	rt.beats.mu.Unlock()
	require.Equal(t, 2, taskCount)

	// Cancelling one VPC's endpoint leaves the other's task running.
	rt.beats.cancelTask(east)
	rt.beats.mu.Lock()
	taskCount = len(rt.beats.tasks)
	rt.beats.mu.Unlock()
	require.Equal(t, 1, taskCount)
}

func TestRegisterReturnsBeforeLosslessReadiness(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	lossless, err := NewLosslessPolicy(losslessTestConfig(200*time.Millisecond),
		LosslessActionFunc(func(context.Context) bool { return false }), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lossless.Destroy() })
	rt.engine.lossless = lossless

	start := time.Now()
	_, err = rt.engine.RegisterInstance(context.Background(), &RegisterInstanceRequest{
		Instance: testInstance("10.0.0.1"),
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.Len(t, rt.conn.registered, 1)
}

func TestDeregisterDrainsBeforeConnectorCall(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	lossless, err := NewLosslessPolicy(losslessTestConfig(50*time.Millisecond), nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lossless.Destroy() })
	rt.engine.lossless = lossless

	ins := testInstance("10.0.0.1")
	start := time.Now()
	require.NoError(t, rt.engine.DeregisterInstance(context.Background(), &DeregisterInstanceRequest{
		Instance:   ins,
		InstanceID: "ins-1",
	}))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Len(t, rt.conn.deregistered, 1)
}

func pushInstances(t *testing.T, conn *fakeConnector, key types.ServiceKey, revision string, instances []*types.Instance) {
	t.Helper()
	conn.push(t, types.ServiceEventKey(types.EventInstances, key), revision,
		types.NewServiceInstances(types.ServiceInfo{Key: key, Revision: revision}, instances))
}

func TestGetOneInstanceEndToEnd(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	key := types.ServiceKey{Namespace: "default", Service: "orders"}
	pushInstances(t, rt.conn, key, "v1", []*types.Instance{
		{ID: "a", Key: key, Host: "10.0.0.1", Port: 8080, Healthy: true, Weight: 100},
		{ID: "b", Key: key, Host: "10.0.0.2", Port: 8080, Healthy: true, Weight: 100},
		{ID: "c", Key: key, Host: "10.0.0.3", Port: 8080, Healthy: true, Isolated: true, Weight: 100},
	})

	picked, err := rt.engine.GetOneInstance(context.Background(), &GetOneInstanceRequest{Service: key})
	require.NoError(t, err)
	require.Contains(t, []string{"10.0.0.1", "10.0.0.2"}, picked.Host)
}

func TestGetInstancesSkipRouteFilter(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	key := types.ServiceKey{Namespace: "default", Service: "orders"}
	pushInstances(t, rt.conn, key, "v1", []*types.Instance{
		{ID: "a", Key: key, Host: "10.0.0.1", Port: 8080, Healthy: true, Weight: 100},
		{ID: "c", Key: key, Host: "10.0.0.3", Port: 8080, Healthy: true, Isolated: true, Weight: 100},
	})

	routed, err := rt.engine.GetInstances(context.Background(), &GetInstancesRequest{Service: key})
	require.NoError(t, err)
	require.Len(t, routed.Instances, 1)

	raw, err := rt.engine.GetInstances(context.Background(), &GetInstancesRequest{Service: key, SkipRouteFilter: true})
	require.NoError(t, err)
	require.Len(t, raw.Instances, 2)
}

func TestGetOneInstanceTimesOutOnColdService(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	key := types.ServiceKey{Namespace: "default", Service: "never-pushed"}

	_, err := rt.engine.GetOneInstance(context.Background(), &GetOneInstanceRequest{
		Service: key,
		Timeout: 10 * time.Millisecond,
	})
	require.Error(t, err)
	require.Equal(t, types.ErrCodeAPITimeout, types.ErrorCodeOf(err))
}

func TestGetServices(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	catalog := []types.ServiceKey{
		{Namespace: "default", Service: "orders"},
		{Namespace: "default", Service: "billing"},
	}
	rt.conn.push(t, types.ResourceEventKey{Type: types.EventServices, Namespace: "default"}, "v1", catalog)

	services, err := rt.engine.GetServices(context.Background(), "default", 0)
	require.NoError(t, err)
	require.Equal(t, catalog, services)
}

func TestWatchInstancesDeliversAndStops(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	key := types.ServiceKey{Namespace: "default", Service: "orders"}

	w, err := rt.engine.WatchInstances(key)
	require.NoError(t, err)

	pushInstances(t, rt.conn, key, "v1", []*types.Instance{
		{ID: "a", Key: key, Host: "10.0.0.1", Port: 8080, Healthy: true, Weight: 100},
	})
	select {
	case event := <-w.C:
		require.Equal(t, key, event.Key)
		require.Equal(t, "v1", event.Revision)
		require.Len(t, event.Instances.Instances, 1)
	case <-time.After(time.Second):
		t.Fatal("no instances event delivered")
	}

	w.Stop()
	pushInstances(t, rt.conn, key, "v2", []*types.Instance{
		{ID: "b", Key: key, Host: "10.0.0.2", Port: 8080, Healthy: true, Weight: 100},
	})
	select {
	case <-w.C:
		t.Fatal("stopped watcher still receives events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetConfigFileReturnsFilteredCopy(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	file := &types.ConfigFile{
		Namespace: "default", Group: "app", Name: "db.yaml",
		Version: 3, Content: "timeout: 5s",
	}
	rt.conn.push(t, file.EventKey(), "3", file)

	got, err := rt.engine.GetConfigFile(context.Background(), "default", "app", "db.yaml")
	require.NoError(t, err)
	require.Equal(t, "timeout: 5s", got.Content)

	// The returned file is a copy; mutating it does not touch the cache.
	got.Content = "mutated"
	again, err := rt.engine.GetConfigFile(context.Background(), "default", "app", "db.yaml")
	require.NoError(t, err)
	require.Equal(t, "timeout: 5s", again.Content)
}

func TestWatchConfigFileDeliversPublishes(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	w, err := rt.engine.WatchConfigFile("default", "app", "db.yaml")
	require.NoError(t, err)
	defer w.Stop()

	file := &types.ConfigFile{
		Namespace: "default", Group: "app", Name: "db.yaml",
		Version: 4, Content: "timeout: 10s",
	}
	rt.conn.push(t, file.EventKey(), "4", file)

	select {
	case event := <-w.C:
		require.False(t, event.Deleted)
		require.Equal(t, "timeout: 10s", event.File.Content)
	case <-time.After(time.Second):
		t.Fatal("no config change event delivered")
	}
}

func TestWatchConfigFileOrderedReleases(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	w, err := rt.engine.WatchConfigFile("default", "app", "db.yaml")
	require.NoError(t, err)
	defer w.Stop()

	const releases = 5
	for i := 1; i <= releases; i++ {
		file := &types.ConfigFile{
			Namespace: "default", Group: "app", Name: "db.yaml",
			Version: uint64(i), Content: fmt.Sprintf("release-%d", i),
		}
		rt.conn.push(t, file.EventKey(), fmt.Sprintf("%d", i), file)
	}

	// Every publish arrives, in order, with monotonically increasing
	// versions.
	for i := 1; i <= releases; i++ {
		select {
		case event := <-w.C:
			require.False(t, event.Deleted)
			require.Equal(t, uint64(i), event.File.Version)
			require.Equal(t, fmt.Sprintf("release-%d", i), event.File.Content)
		case <-time.After(time.Second):
			t.Fatalf("release %d not delivered", i)
		}
	}
}

func TestGetQuotaWithoutLimiterAdmits(t *testing.T) {
	rt := newTestRuntime(t, clockwork.NewRealClock())
	resp, err := rt.engine.GetQuota(&ratelimit.QuotaRequest{
		Service: types.ServiceKey{Namespace: "default", Service: "orders"},
	})
	require.NoError(t, err)
	require.True(t, resp.Allowed)
}

func TestNewSDKContextRejectsBadConfig(t *testing.T) {
	_, err := NewSDKContext(nil)
	require.Error(t, err)

	_, err = NewSDKContext(&config.Configuration{})
	require.Error(t, err)
	require.Equal(t, types.ErrCodeAPIInvalidConfig, types.ErrorCodeOf(err))
}
