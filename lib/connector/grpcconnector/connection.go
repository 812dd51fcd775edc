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
	"io"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
)

// Connection states. A connection starts active, moves to lazy-destroy on
// switch-over or failure, and closes once the last holder releases it.
const (
	stateActive int32 = iota
	stateLazyDestroy
	stateClosed
)

// Connection is one refcounted channel to a server endpoint. Acquire and
// release are lock-free; closing is deferred until the refcount drains.
type Connection struct {
	// ID distinguishes connection generations for switch-on-fail dedup.
	ID uint64
	// Address is the remote endpoint.
	Address string

	cc     grpc.ClientConnInterface
	closer io.Closer

	state atomic.Int32
	refs  atomic.Int32
	once  sync.Once

	// onClosed runs exactly once after the underlying channel is closed.
	onClosed func(*Connection)
}

func newConnection(id uint64, address string, cc grpc.ClientConnInterface, closer io.Closer, onClosed func(*Connection)) *Connection {
	return &Connection{ID: id, Address: address, cc: cc, closer: closer, onClosed: onClosed}
}

// ClientConn exposes the underlying channel for stub construction. Only
// valid between a successful acquire and the matching release.
func (c *Connection) ClientConn() grpc.ClientConnInterface {
	return c.cc
}

// acquire registers a caller on the connection. It fails once the
// connection entered lazy-destroy.
func (c *Connection) acquire() bool {
	if c.state.Load() != stateActive {
		return false
	}
	c.refs.Add(1)
	// Re-check: lazyDestroy may have raced between the load and the add.
	if c.state.Load() != stateActive {
		c.Release()
		return false
	}
	return true
}

// Release drops one caller reference. The last release of a lazy-destroyed
// connection closes the channel.
func (c *Connection) Release() {
	if c.refs.Add(-1) == 0 && c.state.Load() == stateLazyDestroy {
		c.close()
	}
}

// lazyDestroy stops new acquires and closes the channel once existing
// callers drain.
func (c *Connection) lazyDestroy() {
	c.state.Store(stateLazyDestroy)
	if c.refs.Load() == 0 {
		c.close()
	}
}

func (c *Connection) close() {
	c.once.Do(func() {
		c.state.Store(stateClosed)
		if c.closer != nil {
			_ = c.closer.Close()
		}
		if c.onClosed != nil {
			c.onClosed(c)
		}
	})
}
