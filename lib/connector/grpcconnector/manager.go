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

package grpcconnector

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	polaris "github.com/polaris-contrib/polaris-sdk-go"
	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector"
)

var serverSwitches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: polaris.MetricNamespace,
		Subsystem: "connector",
		Name:      "server_switches_total",
		Help:      "Server switch-overs by cluster.",
	},
	[]string{"cluster"},
)

var registerMetricsOnce sync.Once

func ensureMetricsRegistered() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(serverSwitches)
	})
}

// EndpointEventKind tags balancer notifications.
type EndpointEventKind int

const (
	// EndpointInsert announces a new endpoint before the old one is
	// removed.
	EndpointInsert EndpointEventKind = iota
	// EndpointRemove announces the endpoint being drained.
	EndpointRemove
)

// EndpointEvent is one balancer notification emitted on switch-over.
type EndpointEvent struct {
	Kind    EndpointEventKind
	Cluster connector.ClusterType
	Address string
}

// DialFunc opens a channel to one endpoint. Injectable for tests.
type DialFunc func(ctx context.Context, address string) (grpc.ClientConnInterface, io.Closer, error)

// ManagerConfig configures a ConnectionManager.
type ManagerConfig struct {
	// Connector is the transport configuration.
	Connector config.ServerConnectorConfig
	// Clusters maps each cluster role to its endpoint ring. Roles without
	// an entry fall back to the connector address list.
	Clusters map[connector.ClusterType][]string
	// Dial overrides the grpc dialer, used in tests.
	Dial DialFunc
	// Clock is used for the periodic switch loop.
	Clock clockwork.Clock
	// Log is the manager logger.
	Log *slog.Logger
}

func (c *ManagerConfig) checkAndSetDefaults() error {
	if len(c.Connector.Addresses) == 0 {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig, "connection manager requires at least one address"))
	}
	if c.Dial == nil {
		c.Dial = grpcDialer(c.Connector)
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

// grpcDialer builds the production dialer from the connector config.
func grpcDialer(cfg config.ServerConnectorConfig) DialFunc {
	return func(ctx context.Context, address string) (grpc.ClientConnInterface, io.Closer, error) {
		creds := insecure.NewCredentials()
		if cfg.SSL != nil {
			// Certificate material is loaded lazily by the credentials
			// implementation; an empty config still upgrades to TLS.
			creds = credentials.NewTLS(&tls.Config{})
		}
		conn, err := grpc.NewClient(address,
			grpc.WithTransportCredentials(creds),
			grpc.WithConnectParams(grpc.ConnectParams{
				MinConnectTimeout: cfg.ConnectTimeout.Duration(),
			}),
		)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return conn, conn, nil
	}
}

// serverAddress owns the endpoint ring and the single active connection of
// one cluster role. Switch-overs are serialized by mu.
type serverAddress struct {
	cluster   connector.ClusterType
	addresses []string

	mu      sync.Mutex
	index   int
	current *Connection
}

// Manager maintains one active connection per cluster role, switching
// endpoints round-robin on failure and on the periodic switch interval.
type Manager struct {
	cfg    ManagerConfig
	log    *slog.Logger
	clock  clockwork.Clock
	connID atomic.Uint64

	clusters map[connector.ClusterType]*serverAddress

	events chan EndpointEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a manager and starts its periodic switch loop.
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ensureMetricsRegistered()
	mctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		cfg:      cfg,
		log:      cfg.Log,
		clock:    cfg.Clock,
		clusters: make(map[connector.ClusterType]*serverAddress),
		events:   make(chan EndpointEvent, 64),
		ctx:      mctx,
		cancel:   cancel,
	}
	for _, cluster := range []connector.ClusterType{
		connector.ClusterBuildin,
		connector.ClusterDiscover,
		connector.ClusterConfig,
		connector.ClusterHealthCheck,
		connector.ClusterRateLimit,
	} {
		addresses := cfg.Clusters[cluster]
		if len(addresses) == 0 {
			addresses = cfg.Connector.Addresses
		}
		m.clusters[cluster] = &serverAddress{cluster: cluster, addresses: addresses}
	}
	m.wg.Add(1)
	go m.switchLoop()
	return m, nil
}

// Events exposes the balancer notification channel.
func (m *Manager) Events() <-chan EndpointEvent {
	return m.events
}

// GetConnection returns the active connection of the cluster with one
// caller reference held. The caller must Release it.
func (m *Manager) GetConnection(ctx context.Context, cluster connector.ClusterType) (*Connection, error) {
	sa, ok := m.clusters[cluster]
	if !ok {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeInternal, "unknown cluster %v", cluster))
	}
	for {
		sa.mu.Lock()
		conn := sa.current
		if conn == nil {
			var err error
			conn, err = m.connectLocked(ctx, sa)
			if err != nil {
				sa.mu.Unlock()
				return nil, trace.Wrap(err)
			}
		}
		sa.mu.Unlock()
		if conn.acquire() {
			return conn, nil
		}
		// Lost the race with a switch-over; retry against the fresh
		// connection.
		select {
		case <-ctx.Done():
			return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeAPITimeout, "acquire connection to %s cluster: %v", cluster, ctx.Err()))
		default:
		}
	}
}

// ReportFailure requests a switch-over after a transport error on
// lastConnID. Concurrent reports against the same generation collapse into
// one switch.
func (m *Manager) ReportFailure(cluster connector.ClusterType, lastConnID uint64) {
	sa, ok := m.clusters[cluster]
	if !ok {
		return
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if sa.current == nil || sa.current.ID != lastConnID {
		// Another caller already switched this generation away.
		return
	}
	m.log.WarnContext(m.ctx, "switching server on transport failure",
		"cluster", cluster.String(), "address", sa.current.Address)
	if _, err := m.switchLocked(m.ctx, sa); err != nil {
		m.log.WarnContext(m.ctx, "server switch failed", "cluster", cluster.String(), "error", err)
	}
}

// connectLocked opens a connection to the endpoint under the ring cursor.
// Caller holds sa.mu.
func (m *Manager) connectLocked(ctx context.Context, sa *serverAddress) (*Connection, error) {
	address := sa.addresses[sa.index%len(sa.addresses)]
	cc, closer, err := m.cfg.Dial(ctx, address)
	if err != nil {
		sa.index++
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeNetworkError, "connect %s cluster at %s: %v", sa.cluster, address, err))
	}
	conn := newConnection(m.connID.Add(1), address, cc, closer, func(c *Connection) {
		m.notify(EndpointEvent{Kind: EndpointRemove, Cluster: sa.cluster, Address: c.Address})
	})
	sa.current = conn
	m.notify(EndpointEvent{Kind: EndpointInsert, Cluster: sa.cluster, Address: address})
	return conn, nil
}

// switchLocked advances the ring cursor and replaces the active connection.
// The old connection drains behind its refcount. Caller holds sa.mu.
func (m *Manager) switchLocked(ctx context.Context, sa *serverAddress) (*Connection, error) {
	serverSwitches.WithLabelValues(sa.cluster.String()).Inc()
	old := sa.current
	sa.index++
	conn, err := m.connectLocked(ctx, sa)
	if err != nil {
		sa.current = nil
		if old != nil {
			old.lazyDestroy()
		}
		return nil, trace.Wrap(err)
	}
	if old != nil {
		old.lazyDestroy()
	}
	return conn, nil
}

func (m *Manager) notify(event EndpointEvent) {
	select {
	case m.events <- event:
	default:
		// The balancer channel is best-effort; never block the switch path.
	}
}

// switchLoop rotates every cluster's connection at the configured interval
// regardless of errors.
func (m *Manager) switchLoop() {
	defer m.wg.Done()
	interval := m.cfg.Connector.ServerSwitchInterval.Duration()
	if interval <= 0 {
		return
	}
	timer := m.clock.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-timer.Chan():
		}
		for _, sa := range m.clusters {
			sa.mu.Lock()
			if sa.current != nil {
				if _, err := m.switchLocked(m.ctx, sa); err != nil {
					m.log.DebugContext(m.ctx, "periodic server switch failed",
						"cluster", sa.cluster.String(), "error", err)
				}
			}
			sa.mu.Unlock()
		}
		timer.Reset(interval)
	}
}

// Close drains every connection and stops the switch loop.
func (m *Manager) Close() {
	m.cancel()
	for _, sa := range m.clusters {
		sa.mu.Lock()
		if sa.current != nil {
			sa.current.lazyDestroy()
			sa.current = nil
		}
		sa.mu.Unlock()
	}
	m.wg.Wait()
}
