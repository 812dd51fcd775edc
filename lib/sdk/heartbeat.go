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
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	polaris "github.com/polaris-contrib/polaris-sdk-go"
	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector"
)

// beatKey identifies one heartbeat task. Concurrent registers of the same
// endpoint collapse to one task; the same host and port in different VPCs
// are distinct endpoints.
func beatKey(ins *types.Instance) string {
	return fmt.Sprintf("%s#%s:%d#%s", ins.Key, ins.Host, ins.Port, ins.VpcID)
}

// heartbeatScheduler runs one timer loop per registered instance and sends
// beats through a bounded worker pool.
type heartbeatScheduler struct {
	conn        connector.ServerConnector
	clock       clockwork.Clock
	log         *slog.Logger
	minInterval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	senders *errgroup.Group
	wg      sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
}

func newHeartbeatScheduler(ctx context.Context, conn connector.ServerConnector, clock clockwork.Clock, log *slog.Logger, minInterval time.Duration, workers int) *heartbeatScheduler {
	sctx, cancel := context.WithCancel(ctx)
	senders := &errgroup.Group{}
	if workers > 0 {
		senders.SetLimit(workers)
	}
	return &heartbeatScheduler{
		conn:        conn,
		clock:       clock,
		log:         log.With(polaris.ComponentKey, polaris.ComponentHeartbeat),
		minInterval: minInterval,
		ctx:         sctx,
		cancel:      cancel,
		senders:     senders,
		tasks:       make(map[string]context.CancelFunc),
	}
}

// schedule starts a beat task for the instance at ttl/2, floored at the
// provider's minimum register interval. Already scheduled keys are no-ops.
func (s *heartbeatScheduler) schedule(req *connector.InstanceRegisterRequest, instanceID string) {
	key := beatKey(req.Instance)
	interval := time.Duration(req.TTL) * time.Second / 2
	if interval < s.minInterval {
		interval = s.minInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.tasks[key]; running {
		return
	}
	tctx, tcancel := context.WithCancel(s.ctx)
	s.tasks[key] = tcancel
	s.wg.Add(1)
	go s.run(tctx, key, interval, &connector.InstanceHeartbeatRequest{
		InstanceID: instanceID,
		Instance:   req.Instance,
		Token:      req.Token,
		Timeout:    req.Timeout,
	})
	s.log.Info("heartbeat task started", "beat_key", key, "interval", interval.String())
}

func (s *heartbeatScheduler) run(ctx context.Context, key string, interval time.Duration, req *connector.InstanceHeartbeatRequest) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		// TryGo sheds the beat instead of queueing behind a slow server; the
		// next tick retries.
		submitted := s.senders.TryGo(func() error {
			if err := s.conn.Heartbeat(ctx, req); err != nil && ctx.Err() == nil {
				s.log.Warn("heartbeat failed", "beat_key", key, "error", err)
			}
			return nil
		})
		if !submitted {
			s.log.Warn("heartbeat workers saturated, skipping beat", "beat_key", key)
		}
	}
}

// cancelTask stops the beat task of the instance, if any.
func (s *heartbeatScheduler) cancelTask(ins *types.Instance) {
	key := beatKey(ins)
	s.mu.Lock()
	cancel, ok := s.tasks[key]
	if ok {
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	if ok {
		cancel()
		s.log.Info("heartbeat task stopped", "beat_key", key)
	}
}

// close stops every task and waits for in-flight beats.
func (s *heartbeatScheduler) close() {
	s.cancel()
	s.wg.Wait()
	_ = s.senders.Wait()
}
