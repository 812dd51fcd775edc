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

// Package grpcconnector implements the grpc server connector: a refcounted
// connection pool with round-robin failover per cluster role, unary calls
// with typed error mapping, and the discover stream pumps feeding the local
// resource cache.
package grpcconnector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	polaris "github.com/polaris-contrib/polaris-sdk-go"
	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// Config configures the grpc connector.
type Config struct {
	// Name is the plugin registry name.
	Name string
	// Connector is the transport configuration.
	Connector config.ServerConnectorConfig
	// Clusters optionally pins endpoint rings per cluster role.
	Clusters map[connector.ClusterType][]string
	// RefreshInterval is the subscription re-send period.
	RefreshInterval time.Duration
	// Dial overrides the dialer, used in tests.
	Dial DialFunc
	// Clock drives timers.
	Clock clockwork.Clock
	// Log is the connector logger.
	Log *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Name == "" {
		c.Name = config.DefaultConnectorName
	}
	if len(c.Connector.Addresses) == 0 {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig, "grpc connector requires at least one address"))
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(polaris.ComponentKey, polaris.ComponentConnector)
	return nil
}

// Connector is the grpc implementation of connector.ServerConnector.
type Connector struct {
	cfg     Config
	log     *slog.Logger
	clock   clockwork.Clock
	manager *Manager

	mu      sync.RWMutex
	handler connector.EventHandler
	subs    map[string]types.ResourceEventKey

	// notifyC wakes the stream pumps when the subscription set changes.
	notifyC chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  sync.Once
}

var _ connector.ServerConnector = (*Connector)(nil)

// New builds the connector and its connection manager. Stream pumps start
// on the first RegisterEventHandler call.
func New(ctx context.Context, cfg Config) (*Connector, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cctx, cancel := context.WithCancel(ctx)
	manager, err := NewManager(cctx, ManagerConfig{
		Connector: cfg.Connector,
		Clusters:  cfg.Clusters,
		Dial:      cfg.Dial,
		Clock:     cfg.Clock,
		Log:       cfg.Log,
	})
	if err != nil {
		cancel()
		return nil, trace.Wrap(err)
	}
	return &Connector{
		cfg:     cfg,
		log:     cfg.Log,
		clock:   cfg.Clock,
		manager: manager,
		subs:    make(map[string]types.ResourceEventKey),
		notifyC: make(chan struct{}, 1),
		ctx:     cctx,
		cancel:  cancel,
	}, nil
}

// Name implements plugin.Plugin.
func (c *Connector) Name() string { return c.cfg.Name }

// Type implements plugin.Plugin.
func (c *Connector) Type() plugin.Type { return plugin.TypeServerConnector }

// Destroy implements plugin.Plugin.
func (c *Connector) Destroy() error {
	c.closed.Do(func() {
		c.cancel()
		c.manager.Close()
		c.wg.Wait()
	})
	return nil
}

// rpcError maps a transport error to the typed error surface.
func rpcError(err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return trace.Wrap(types.NewPolarisError(types.ErrCodeRPCTimeout, "rpc deadline exceeded: %v", err))
	case codes.Unavailable, codes.Canceled:
		return trace.Wrap(types.NewPolarisError(types.ErrCodeNetworkError, "transport failure: %v", err))
	default:
		return trace.Wrap(types.NewPolarisError(types.ErrCodeServerError, "rpc failed: %v", err))
	}
}

// call runs one unary RPC against the cluster with the message deadline
// applied, switching the connection on transport failure.
func (c *Connector) call(ctx context.Context, cluster connector.ClusterType, timeout time.Duration, fn func(ctx context.Context, cc grpc.ClientConnInterface) error) error {
	conn, err := c.manager.GetConnection(ctx, cluster)
	if err != nil {
		return trace.Wrap(err)
	}
	defer conn.Release()
	if timeout <= 0 {
		timeout = c.cfg.Connector.MessageTimeout.Duration()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fn(callCtx, conn.ClientConn()); err != nil {
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded:
			c.manager.ReportFailure(cluster, conn.ID)
		}
		return rpcError(err)
	}
	return nil
}

// RegisterInstance implements connector.ServerConnector.
func (c *Connector) RegisterInstance(ctx context.Context, req *connector.InstanceRegisterRequest) (*connector.InstanceRegisterResponse, error) {
	out := &connector.InstanceRegisterResponse{}
	err := c.call(ctx, connector.ClusterDiscover, req.Timeout, func(ctx context.Context, cc grpc.ClientConnInterface) error {
		resp, err := polarispb.NewPolarisGRPCClient(cc).RegisterInstance(ctx, convertInstance(req.Instance, req.TTL, req.Token))
		if err != nil {
			return err
		}
		switch resp.Code {
		case polarispb.CodeExecuteSuccess:
			if resp.Instance != nil {
				out.InstanceID = resp.Instance.ID
			}
			return nil
		case polarispb.CodeExistedResource:
			out.Exists = true
			if resp.Instance != nil {
				out.InstanceID = resp.Instance.ID
			}
			return nil
		}
		return connector.ErrorFromCode(resp.Code, resp.Info)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// DeregisterInstance implements connector.ServerConnector.
func (c *Connector) DeregisterInstance(ctx context.Context, req *connector.InstanceDeregisterRequest) error {
	return trace.Wrap(c.call(ctx, connector.ClusterDiscover, req.Timeout, func(ctx context.Context, cc grpc.ClientConnInterface) error {
		ins := convertInstance(req.Instance, 0, req.Token)
		ins.ID = req.InstanceID
		resp, err := polarispb.NewPolarisGRPCClient(cc).DeregisterInstance(ctx, ins)
		if err != nil {
			return err
		}
		if resp.Code == polarispb.CodeNotFoundResource {
			// Deregister is idempotent.
			return nil
		}
		return connector.ErrorFromCode(resp.Code, resp.Info)
	}))
}

// Heartbeat implements connector.ServerConnector.
func (c *Connector) Heartbeat(ctx context.Context, req *connector.InstanceHeartbeatRequest) error {
	return trace.Wrap(c.call(ctx, connector.ClusterHealthCheck, req.Timeout, func(ctx context.Context, cc grpc.ClientConnInterface) error {
		ins := convertInstance(req.Instance, 0, req.Token)
		ins.ID = req.InstanceID
		resp, err := polarispb.NewPolarisGRPCClient(cc).Heartbeat(ctx, ins)
		if err != nil {
			return err
		}
		return connector.ErrorFromCode(resp.Code, resp.Info)
	}))
}

// ReportClient implements connector.ServerConnector.
func (c *Connector) ReportClient(ctx context.Context, client *types.ClientContext) (*types.Location, error) {
	var location *types.Location
	err := c.call(ctx, connector.ClusterDiscover, 0, func(ctx context.Context, cc grpc.ClientConnInterface) error {
		resp, err := polarispb.NewPolarisGRPCClient(cc).ReportClient(ctx, &polarispb.Client{
			ID:      client.ClientID,
			Host:    client.Host,
			Type:    "SDK",
			Version: client.Version,
		})
		if err != nil {
			return err
		}
		if err := connector.ErrorFromCode(resp.Code, resp.Info); err != nil {
			return err
		}
		if resp.Client != nil && resp.Client.Location != nil {
			location = &types.Location{
				Region: resp.Client.Location.Region,
				Zone:   resp.Client.Location.Zone,
				Campus: resp.Client.Location.Campus,
			}
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return location, nil
}

// ReportServiceContract implements connector.ServerConnector.
func (c *Connector) ReportServiceContract(ctx context.Context, contract *polarispb.ServiceContract) error {
	return trace.Wrap(c.call(ctx, connector.ClusterDiscover, 0, func(ctx context.Context, cc grpc.ClientConnInterface) error {
		resp, err := polarispb.NewPolarisGRPCClient(cc).ReportServiceContract(ctx, contract)
		if err != nil {
			return err
		}
		return connector.ErrorFromCode(resp.Code, resp.Info)
	}))
}

// GetServiceContract implements connector.ServerConnector.
func (c *Connector) GetServiceContract(ctx context.Context, contract *polarispb.ServiceContract) (string, error) {
	var content string
	err := c.call(ctx, connector.ClusterDiscover, 0, func(ctx context.Context, cc grpc.ClientConnInterface) error {
		resp, err := polarispb.NewPolarisGRPCClient(cc).GetServiceContract(ctx, contract)
		if err != nil {
			return err
		}
		if err := connector.ErrorFromCode(resp.Code, resp.Info); err != nil {
			return err
		}
		content = resp.Info
		return nil
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return content, nil
}

// SyncQuota implements connector.ServerConnector.
func (c *Connector) SyncQuota(ctx context.Context, req *connector.QuotaSyncRequest) (*connector.QuotaSyncResponse, error) {
	out := &connector.QuotaSyncResponse{}
	err := c.call(ctx, connector.ClusterRateLimit, req.Timeout, func(ctx context.Context, cc grpc.ClientConnInterface) error {
		resp, err := polarispb.NewRateLimitGRPCClient(cc).AcquireQuota(ctx, &polarispb.QuotaRequest{
			Namespace: req.Service.Namespace,
			Service:   req.Service.Service,
			RuleID:    req.RuleID,
			Labels:    req.Labels,
			Used:      req.Used,
			Limit:     req.MaxAmount,
		})
		if err != nil {
			return err
		}
		if err := connector.ErrorFromCode(resp.Code, resp.Info); err != nil {
			return err
		}
		out.Allowance = resp.Allowance
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// RegisterEventHandler implements connector.ServerConnector and starts the
// stream pumps.
func (c *Connector) RegisterEventHandler(handler connector.EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeInternal, "event handler already registered"))
	}
	c.handler = handler
	if !c.started {
		c.started = true
		c.wg.Add(2)
		go c.streamLoop(connector.ClusterDiscover)
		go c.streamLoop(connector.ClusterConfig)
	}
	return nil
}

// SubscribeResource implements connector.ServerConnector.
func (c *Connector) SubscribeResource(key types.ResourceEventKey) error {
	c.mu.Lock()
	_, exists := c.subs[key.String()]
	if !exists {
		c.subs[key.String()] = key
	}
	c.mu.Unlock()
	if !exists {
		c.wake()
	}
	return nil
}

// UnsubscribeResource implements connector.ServerConnector.
func (c *Connector) UnsubscribeResource(key types.ResourceEventKey) error {
	c.mu.Lock()
	delete(c.subs, key.String())
	c.mu.Unlock()
	return nil
}

func (c *Connector) wake() {
	select {
	case c.notifyC <- struct{}{}:
	default:
	}
}

func (c *Connector) handlerRef() connector.EventHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

// subscriptionsFor snapshots the keys served by the given cluster role.
func (c *Connector) subscriptionsFor(cluster connector.ClusterType) []types.ResourceEventKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var keys []types.ResourceEventKey
	for _, key := range c.subs {
		isConfig := key.Type == types.EventConfigFile || key.Type == types.EventConfigGroup
		if isConfig == (cluster == connector.ClusterConfig) {
			keys = append(keys, key)
		}
	}
	return keys
}

// streamLoop keeps one discover stream alive, re-establishing it with
// exponential backoff after failures.
func (c *Connector) streamLoop(cluster connector.ClusterType) {
	defer c.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.Connector.ReconnectInterval.Duration()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		start := c.clock.Now()
		err := c.runStream(cluster)
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.WarnContext(c.ctx, "discover stream terminated",
				"cluster", cluster.String(), "error", err)
		}
		if c.clock.Since(start) > time.Minute {
			bo.Reset()
		}
		select {
		case <-c.ctx.Done():
			return
		case <-c.clock.After(bo.NextBackOff()):
		}
	}
}

// runStream opens a stream, pumps subscription requests on the refresh
// interval, and delivers pushes to the handler until the stream breaks.
func (c *Connector) runStream(cluster connector.ClusterType) error {
	conn, err := c.manager.GetConnection(c.ctx, cluster)
	if err != nil {
		return trace.Wrap(err)
	}
	defer conn.Release()

	streamCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	recvErr := make(chan error, 1)
	var send func(key types.ResourceEventKey, revision string) error

	switch cluster {
	case connector.ClusterConfig:
		stream, err := polarispb.NewPolarisConfigGRPCClient(conn.ClientConn()).ConfigDiscover(streamCtx)
		if err != nil {
			c.manager.ReportFailure(cluster, conn.ID)
			return rpcError(err)
		}
		send = func(key types.ResourceEventKey, revision string) error {
			req := &polarispb.ConfigDiscoverRequest{Revision: revision}
			if key.Type == types.EventConfigFile {
				req.Type = polarispb.ConfigDiscoverFile
				req.ConfigFile = &polarispb.ClientConfigFileInfo{Namespace: key.Namespace, Group: key.Service, FileName: key.FileName}
			} else {
				req.Type = polarispb.ConfigDiscoverGroup
				req.ConfigFile = &polarispb.ClientConfigFileInfo{Namespace: key.Namespace, Group: key.Service}
			}
			return stream.Send(req)
		}
		go func() {
			for {
				resp, err := stream.Recv()
				if err != nil {
					recvErr <- err
					return
				}
				c.deliverConfig(resp)
			}
		}()
	default:
		stream, err := polarispb.NewPolarisGRPCClient(conn.ClientConn()).Discover(streamCtx)
		if err != nil {
			c.manager.ReportFailure(cluster, conn.ID)
			return rpcError(err)
		}
		send = func(key types.ResourceEventKey, revision string) error {
			return stream.Send(&polarispb.DiscoverRequest{
				Type: discoverTypeOf(key.Type),
				Service: &polarispb.Service{
					Namespace: key.Namespace,
					Name:      key.Service,
					Revision:  revision,
				},
			})
		}
		go func() {
			for {
				resp, err := stream.Recv()
				if err != nil {
					recvErr <- err
					return
				}
				c.deliverNaming(resp)
			}
		}()
	}

	refresh := c.clock.NewTicker(c.cfg.RefreshInterval)
	defer refresh.Stop()
	for {
		handler := c.handlerRef()
		for _, key := range c.subscriptionsFor(cluster) {
			var revision string
			if handler != nil {
				revision = handler.CurrentRevision(key)
			}
			if err := send(key, revision); err != nil {
				c.manager.ReportFailure(cluster, conn.ID)
				return rpcError(err)
			}
		}
		select {
		case <-c.ctx.Done():
			return nil
		case err := <-recvErr:
			c.manager.ReportFailure(cluster, conn.ID)
			return rpcError(err)
		case <-refresh.Chan():
		case <-c.notifyC:
		}
	}
}

func (c *Connector) deliverNaming(resp *polarispb.DiscoverResponse) {
	event, err := convertDiscoverResponse(resp)
	if err != nil {
		c.log.WarnContext(c.ctx, "dropping malformed discover response", "error", err)
		return
	}
	if event == nil {
		return
	}
	if handler := c.handlerRef(); handler != nil {
		handler.OnServerEvent(*event)
	}
}

func (c *Connector) deliverConfig(resp *polarispb.ConfigDiscoverResponse) {
	event, err := convertConfigDiscoverResponse(resp)
	if err != nil {
		c.log.WarnContext(c.ctx, "dropping malformed config discover response", "error", err)
		return
	}
	if event == nil {
		return
	}
	if handler := c.handlerRef(); handler != nil {
		handler.OnServerEvent(*event)
	}
}

// CreateConfigFile implements connector.ServerConnector.
func (c *Connector) CreateConfigFile(ctx context.Context, file *types.ConfigFile) error {
	return trace.Wrap(c.configCall(ctx, file, func(ctx context.Context, client polarispb.PolarisConfigGRPCClient, wire *polarispb.ConfigFile) (*polarispb.ConfigResponse, error) {
		return client.CreateConfigFile(ctx, wire)
	}))
}

// UpdateConfigFile implements connector.ServerConnector.
func (c *Connector) UpdateConfigFile(ctx context.Context, file *types.ConfigFile) error {
	return trace.Wrap(c.configCall(ctx, file, func(ctx context.Context, client polarispb.PolarisConfigGRPCClient, wire *polarispb.ConfigFile) (*polarispb.ConfigResponse, error) {
		return client.UpdateConfigFile(ctx, wire)
	}))
}

// PublishConfigFile implements connector.ServerConnector.
func (c *Connector) PublishConfigFile(ctx context.Context, file *types.ConfigFile) error {
	return trace.Wrap(c.configCall(ctx, file, func(ctx context.Context, client polarispb.PolarisConfigGRPCClient, wire *polarispb.ConfigFile) (*polarispb.ConfigResponse, error) {
		return client.PublishConfigFile(ctx, wire)
	}))
}

// UpsertAndPublishConfigFile implements connector.ServerConnector.
func (c *Connector) UpsertAndPublishConfigFile(ctx context.Context, file *types.ConfigFile) error {
	return trace.Wrap(c.configCall(ctx, file, func(ctx context.Context, client polarispb.PolarisConfigGRPCClient, wire *polarispb.ConfigFile) (*polarispb.ConfigResponse, error) {
		return client.UpsertAndPublishConfigFile(ctx, wire)
	}))
}

func (c *Connector) configCall(ctx context.Context, file *types.ConfigFile, fn func(ctx context.Context, client polarispb.PolarisConfigGRPCClient, wire *polarispb.ConfigFile) (*polarispb.ConfigResponse, error)) error {
	if err := file.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	return c.call(ctx, connector.ClusterConfig, 0, func(ctx context.Context, cc grpc.ClientConnInterface) error {
		resp, err := fn(ctx, polarispb.NewPolarisConfigGRPCClient(cc), convertWireConfigFile(file))
		if err != nil {
			return err
		}
		return connector.ErrorFromCode(resp.Code, resp.Info)
	})
}

// GetConfigFile implements connector.ServerConnector.
func (c *Connector) GetConfigFile(ctx context.Context, namespace, group, fileName string) (*types.ConfigFile, error) {
	var file *types.ConfigFile
	err := c.call(ctx, connector.ClusterConfig, 0, func(ctx context.Context, cc grpc.ClientConnInterface) error {
		resp, err := polarispb.NewPolarisConfigGRPCClient(cc).GetConfigFile(ctx, &polarispb.ClientConfigFileInfo{
			Namespace: namespace, Group: group, FileName: fileName,
		})
		if err != nil {
			return err
		}
		if err := connector.ErrorFromCode(resp.Code, resp.Info); err != nil {
			return err
		}
		if resp.ConfigFile == nil {
			return types.NewPolarisError(types.ErrCodeInvalidResponse, "config response without file")
		}
		file = convertConfigFile(resp.ConfigFile)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return file, nil
}
