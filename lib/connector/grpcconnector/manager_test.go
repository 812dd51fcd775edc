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
	"io"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector"
)

type fakeChannel struct {
	address string

	mu     sync.Mutex
	closed bool
}

func (f *fakeChannel) Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error {
	return nil
}

func (f *fakeChannel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, io.EOF
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
}

func (d *fakeDialer) dial(ctx context.Context, address string) (grpc.ClientConnInterface, io.Closer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := &fakeChannel{address: address}
	d.channels = append(d.channels, ch)
	return ch, ch, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		out = append(out, ch.address)
	}
	return out
}

func newTestManager(t *testing.T, addresses []string) (*Manager, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	manager, err := NewManager(context.Background(), ManagerConfig{
		Connector: config.ServerConnectorConfig{
			Addresses:            addresses,
			ServerSwitchInterval: config.Duration(0), // periodic switch off
		},
		Dial:  dialer.dial,
		Clock: clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return manager, dialer
}

func TestGetConnectionLazyDial(t *testing.T) {
	manager, dialer := newTestManager(t, []string{"10.0.0.1:8091", "10.0.0.2:8091"})

	conn, err := manager.GetConnection(context.Background(), connector.ClusterDiscover)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:8091", conn.Address)

	// A second acquire reuses the same connection generation.
	again, err := manager.GetConnection(context.Background(), connector.ClusterDiscover)
	require.NoError(t, err)
	require.Equal(t, conn.ID, again.ID)
	require.Equal(t, []string{"10.0.0.1:8091"}, dialer.dialed())

	again.Release()
	conn.Release()
}

func TestReportFailureSwitchesRoundRobin(t *testing.T) {
	manager, dialer := newTestManager(t, []string{"10.0.0.1:8091", "10.0.0.2:8091"})

	conn, err := manager.GetConnection(context.Background(), connector.ClusterDiscover)
	require.NoError(t, err)

	manager.ReportFailure(connector.ClusterDiscover, conn.ID)

	next, err := manager.GetConnection(context.Background(), connector.ClusterDiscover)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:8091", next.Address)
	require.NotEqual(t, conn.ID, next.ID)
	next.Release()

	// The ring wraps around on the following switch.
	manager.ReportFailure(connector.ClusterDiscover, next.ID)
	wrapped, err := manager.GetConnection(context.Background(), connector.ClusterDiscover)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:8091", wrapped.Address)
	wrapped.Release()

	require.Equal(t, []string{"10.0.0.1:8091", "10.0.0.2:8091", "10.0.0.1:8091"}, dialer.dialed())
	conn.Release()
}

func TestReportFailureCollapsesPerGeneration(t *testing.T) {
	manager, dialer := newTestManager(t, []string{"10.0.0.1:8091", "10.0.0.2:8091"})

	conn, err := manager.GetConnection(context.Background(), connector.ClusterDiscover)
	require.NoError(t, err)
	defer conn.Release()

	// Concurrent callers report the same dead generation; only one switch
	// happens.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			manager.ReportFailure(connector.ClusterDiscover, conn.ID)
		}()
	}
	wg.Wait()
	require.Len(t, dialer.dialed(), 2)
}

func TestLazyDestroyDrainsBehindRefcount(t *testing.T) {
	manager, dialer := newTestManager(t, []string{"10.0.0.1:8091", "10.0.0.2:8091"})

	conn, err := manager.GetConnection(context.Background(), connector.ClusterDiscover)
	require.NoError(t, err)

	manager.ReportFailure(connector.ClusterDiscover, conn.ID)

	// The old channel stays open while a caller still holds it.
	old := dialer.channels[0]
	require.False(t, old.isClosed())
	require.False(t, conn.acquire(), "lazy-destroyed connection must refuse new acquires")

	conn.Release()
	require.True(t, old.isClosed())
}

func TestSwitchIncrementsServerSwitchCounter(t *testing.T) {
	manager, _ := newTestManager(t, []string{"10.0.0.1:8091", "10.0.0.2:8091"})
	counter := serverSwitches.WithLabelValues(connector.ClusterDiscover.String())
	before := testutil.ToFloat64(counter)

	conn, err := manager.GetConnection(context.Background(), connector.ClusterDiscover)
	require.NoError(t, err)
	defer conn.Release()

	manager.ReportFailure(connector.ClusterDiscover, conn.ID)
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestSwitchEmitsInsertBeforeRemove(t *testing.T) {
	manager, _ := newTestManager(t, []string{"10.0.0.1:8091", "10.0.0.2:8091"})

	conn, err := manager.GetConnection(context.Background(), connector.ClusterDiscover)
	require.NoError(t, err)

	insert := <-manager.Events()
	require.Equal(t, EndpointInsert, insert.Kind)
	require.Equal(t, "10.0.0.1:8091", insert.Address)

	manager.ReportFailure(connector.ClusterDiscover, conn.ID)
	conn.Release()

	second := <-manager.Events()
	require.Equal(t, EndpointInsert, second.Kind)
	require.Equal(t, "10.0.0.2:8091", second.Address)

	removed := <-manager.Events()
	require.Equal(t, EndpointRemove, removed.Kind)
	require.Equal(t, "10.0.0.1:8091", removed.Address)
}
