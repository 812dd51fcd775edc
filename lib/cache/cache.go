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

// Package cache implements the local resource cache: push-primary via the
// connector discover streams, pull-on-miss with an initialization latch,
// disk failover on cold start, and asynchronous listener fan-out.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	polaris "github.com/polaris-contrib/polaris-sdk-go"
	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// Listener receives resource change events. Callbacks run on a goroutine
// dedicated to the listener, outside every cache lock; events of one key
// arrive in order, and a slow listener only backs up its own queue.
type Listener interface {
	// EventTypes declares the kinds the listener wants.
	EventTypes() []types.EventType
	// OnResourceEvent delivers one change.
	OnResourceEvent(event types.ResourceEvent)
}

// Config configures the resource cache.
type Config struct {
	// LocalCache is the cache section of the SDK configuration.
	LocalCache config.LocalCacheConfig
	// Discover serves naming subscriptions. Required.
	Discover connector.ServerConnector
	// ConfigSource serves config subscriptions. Optional; naming-only
	// clients leave it nil.
	ConfigSource connector.ServerConnector
	// Clock drives eviction and timeouts.
	Clock clockwork.Clock
	// Log is the cache logger.
	Log *slog.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Discover == nil {
		return trace.Wrap(types.NewPolarisError(types.ErrCodeAPIInvalidConfig, "cache requires a discover connector"))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	c.Log = c.Log.With(polaris.ComponentKey, polaris.ComponentCache)
	return nil
}

// dispatchBuffer bounds the queue between the stream receive path and
// listener fan-out.
const dispatchBuffer = 1024

// listenerBuffer bounds each listener's private event queue.
const listenerBuffer = 64

// callbackTimeout bounds one listener callback before its worker abandons
// the delivery and moves to the next event.
const callbackTimeout = 5 * time.Second

// Cache is the in-memory resource registry.
type Cache struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock
	store *FailoverStore

	mu    sync.RWMutex
	items map[string]*item

	listenerMu sync.RWMutex
	workers    map[Listener]*listenerWorker
	byType     map[types.EventType][]*listenerWorker

	eventC chan types.ResourceEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

var _ connector.EventHandler = (*Cache)(nil)

// New builds the cache, preloads the disk failover store, installs itself
// as the connector event handler and starts the dispatch and eviction
// loops.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Cache{
		cfg:     cfg,
		log:     cfg.Log,
		clock:   cfg.Clock,
		items:   make(map[string]*item),
		workers: make(map[Listener]*listenerWorker),
		byType:  make(map[types.EventType][]*listenerWorker),
		eventC:  make(chan types.ResourceEvent, dispatchBuffer),
		ctx:     cctx,
		cancel:  cancel,
	}
	if cfg.LocalCache.PersistEnable {
		store, err := NewFailoverStore(FailoverStoreConfig{
			Dir:           cfg.LocalCache.PersistDir,
			MaxReadRetry:  cfg.LocalCache.PersistMaxReadRetry,
			MaxWriteRetry: cfg.LocalCache.PersistMaxWriteRetry,
			RetryInterval: cfg.LocalCache.PersistRetryInterval.Duration(),
			Log:           cfg.Log,
		})
		if err != nil {
			cancel()
			return nil, trace.Wrap(err)
		}
		c.store = store
		c.preload()
	}
	if err := cfg.Discover.RegisterEventHandler(c); err != nil {
		cancel()
		return nil, trace.Wrap(err)
	}
	if cfg.ConfigSource != nil && cfg.ConfigSource != cfg.Discover {
		if err := cfg.ConfigSource.RegisterEventHandler(c); err != nil {
			cancel()
			return nil, trace.Wrap(err)
		}
	}
	c.wg.Add(1)
	go c.dispatchLoop()
	if cfg.LocalCache.ServiceExpireEnable {
		c.wg.Add(1)
		go c.evictionLoop()
	}
	return c, nil
}

// Name implements plugin.Plugin.
func (c *Cache) Name() string { return config.DefaultCacheName }

// Type implements plugin.Plugin.
func (c *Cache) Type() plugin.Type { return plugin.TypeLocalCache }

// Destroy implements plugin.Plugin. It stops the loops; pending disk writes
// finish before return.
func (c *Cache) Destroy() error {
	c.closed.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
	return nil
}

// preload seeds entries from disk before any network traffic. Values stay
// flagged loaded-from-file until overwritten by a server reply.
func (c *Cache) preload() {
	for _, entry := range c.store.LoadAll() {
		key, ok := entry.entryKey()
		if !ok {
			continue
		}
		value := entry.materialize()
		if value == nil {
			continue
		}
		it := newItem(key, c.clock.Now())
		if it.loadFromFile(entry.Revision, value) {
			c.items[key.String()] = it
		}
	}
	if len(c.items) > 0 {
		c.log.InfoContext(c.ctx, "preloaded cache entries from disk", "count", len(c.items))
	}
}

// materialize rebuilds the typed payload of a persisted entry.
func (e *persistedEntry) materialize() any {
	switch {
	case e.Instances != nil:
		key := types.ServiceKey{Namespace: e.Namespace, Service: e.Service}
		info := types.ServiceInfo{Key: key, Metadata: e.Instances.Metadata, Revision: e.Revision}
		return types.NewServiceInstances(info, e.Instances.Instances)
	case e.ConfigFile != nil:
		return e.ConfigFile
	}
	return nil
}

func (c *Cache) connectorFor(key types.ResourceEventKey) connector.ServerConnector {
	if key.Type == types.EventConfigFile || key.Type == types.EventConfigGroup {
		if c.cfg.ConfigSource != nil {
			return c.cfg.ConfigSource
		}
	}
	return c.cfg.Discover
}

// ensure returns the entry for key, creating it and opening the
// subscription on first use.
func (c *Cache) ensure(key types.ResourceEventKey) *item {
	ks := key.String()
	c.mu.RLock()
	it, ok := c.items[ks]
	c.mu.RUnlock()
	if ok {
		return it
	}
	c.mu.Lock()
	it, ok = c.items[ks]
	if !ok {
		it = newItem(key, c.clock.Now())
		c.items[ks] = it
	}
	c.mu.Unlock()
	if !ok {
		if err := c.connectorFor(key).SubscribeResource(key); err != nil {
			c.log.WarnContext(c.ctx, "subscribe failed", "key", ks, "error", err)
		}
	}
	return it
}

func (c *Cache) lookup(key types.ResourceEventKey) (*item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[key.String()]
	return it, ok
}

// CurrentRevision implements connector.EventHandler. Disk-loaded revisions
// are withheld so the server sends a full payload.
func (c *Cache) CurrentRevision(key types.ResourceEventKey) string {
	it, ok := c.lookup(key)
	if !ok || it.IsLoadedFromFile() {
		return ""
	}
	return it.Revision()
}

// OnServerEvent implements connector.EventHandler. It stores the payload
// under the per-entry lock, then hands fan-out to the dispatch goroutine;
// the stream receive path never blocks on listeners.
func (c *Cache) OnServerEvent(event connector.ServerEvent) {
	it := c.ensure(event.Key)
	if event.Error != nil {
		c.log.DebugContext(c.ctx, "server error for resource",
			"key", event.Key.String(), "error", event.Error)
		it.setError(event.Error)
		return
	}
	accepted, action := it.update(event.Revision, event.Value)
	if !accepted {
		return
	}
	c.persist(event)
	c.enqueue(types.ResourceEvent{
		Key:      event.Key,
		Action:   action,
		Revision: event.Revision,
		Value:    event.Value,
	})
}

func (c *Cache) enqueue(event types.ResourceEvent) {
	select {
	case c.eventC <- event:
	default:
		// Shedding here keeps the receive loop live; listeners observe the
		// next refresh instead.
		c.log.WarnContext(c.ctx, "listener queue full, dropping event", "key", event.Key.String())
	}
}

// persist writes naming and config payloads through the failover store.
// Best effort: failures are logged, never surfaced.
func (c *Cache) persist(event connector.ServerEvent) {
	if c.store == nil {
		return
	}
	entry := &persistedEntry{
		Type:      event.Key.Type.String(),
		Namespace: event.Key.Namespace,
		Service:   event.Key.Service,
		FileName:  event.Key.FileName,
		Revision:  event.Revision,
	}
	switch value := event.Value.(type) {
	case *types.ServiceInstances:
		entry.Instances = &persistedInstances{Metadata: value.Service.Metadata, Instances: value.Instances}
	case *types.ConfigFile:
		entry.ConfigFile = value
	default:
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.store.Write(event.Key, entry); err != nil {
			c.log.WarnContext(c.ctx, "failover write failed", "key", event.Key.String(), "error", err)
		}
	}()
}

// listenerWorker owns one listener's event queue. A listener registered
// for several event types still gets a single worker, so all its callbacks
// stay sequential.
type listenerWorker struct {
	listener Listener
	eventC   chan types.ResourceEvent
	done     chan struct{}
}

// dispatchLoop fans events out to the per-listener queues. Each queue
// preserves arrival order; a full queue sheds the event rather than stall
// the receive path.
func (c *Cache) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case event := <-c.eventC:
			c.listenerMu.RLock()
			targets := append([]*listenerWorker(nil), c.byType[event.Key.Type]...)
			c.listenerMu.RUnlock()
			for _, w := range targets {
				select {
				case w.eventC <- event:
				default:
					c.log.WarnContext(c.ctx, "listener queue full, dropping event", "key", event.Key.String())
				}
			}
		}
	}
}

// runListener drains one listener's queue in order.
func (c *Cache) runListener(w *listenerWorker) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-w.done:
			return
		case event := <-w.eventC:
			c.deliver(w, event)
		}
	}
}

// deliver runs one callback under a watchdog so a stuck listener cannot
// pin its worker forever.
func (c *Cache) deliver(w *listenerWorker, event types.ResourceEvent) {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		w.listener.OnResourceEvent(event)
	}()
	timer := c.clock.NewTimer(callbackTimeout)
	defer timer.Stop()
	select {
	case <-finished:
	case <-c.ctx.Done():
	case <-timer.Chan():
		c.log.WarnContext(c.ctx, "listener callback stuck, abandoning delivery",
			"key", event.Key.String(), "timeout", callbackTimeout)
	}
}

// evictionLoop removes naming entries idle past the expiry window and
// cancels their subscriptions.
func (c *Cache) evictionLoop() {
	defer c.wg.Done()
	expire := c.cfg.LocalCache.ServiceExpireTime.Duration()
	ticker := c.clock.NewTicker(expire / 10)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.Chan():
		}
		now := c.clock.Now()
		var evicted []types.ResourceEventKey
		c.mu.Lock()
		for ks, it := range c.items {
			if it.key.Type == types.EventConfigFile || it.key.Type == types.EventConfigGroup {
				continue
			}
			c.listenerMu.RLock()
			watched := len(c.byType[it.key.Type]) > 0
			c.listenerMu.RUnlock()
			if watched {
				continue
			}
			if it.idleSince(now) >= expire {
				delete(c.items, ks)
				evicted = append(evicted, it.key)
			}
		}
		c.mu.Unlock()
		for _, key := range evicted {
			if err := c.connectorFor(key).UnsubscribeResource(key); err != nil {
				c.log.DebugContext(c.ctx, "unsubscribe failed", "key", key.String(), "error", err)
			}
			c.log.DebugContext(c.ctx, "evicted idle cache entry", "key", key.String())
		}
	}
}

// RegisterListener adds a listener for its declared event types and starts
// its worker. Registering the same listener twice is a no-op.
func (c *Cache) RegisterListener(l Listener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	if _, ok := c.workers[l]; ok {
		return
	}
	w := &listenerWorker{
		listener: l,
		eventC:   make(chan types.ResourceEvent, listenerBuffer),
		done:     make(chan struct{}),
	}
	c.workers[l] = w
	for _, t := range l.EventTypes() {
		c.byType[t] = append(c.byType[t], w)
	}
	c.wg.Add(1)
	go c.runListener(w)
}

// DeregisterListener removes a previously registered listener and stops its
// worker. Events already queued for it are discarded.
func (c *Cache) DeregisterListener(l Listener) {
	c.listenerMu.Lock()
	w, ok := c.workers[l]
	if ok {
		delete(c.workers, l)
		for _, t := range l.EventTypes() {
			kept := c.byType[t][:0]
			for _, existing := range c.byType[t] {
				if existing != w {
					kept = append(kept, existing)
				}
			}
			c.byType[t] = kept
		}
	}
	c.listenerMu.Unlock()
	if ok {
		close(w.done)
	}
}

// Get blocks until the entry for key is initialized, up to timeout. On
// timeout it falls back to the disk store before failing.
func (c *Cache) Get(ctx context.Context, key types.ResourceEventKey, timeout time.Duration) (any, error) {
	it := c.ensure(key)
	it.touch(c.clock.Now())

	timeoutC := c.clock.After(timeout)
	select {
	case <-it.initialized():
	case <-ctx.Done():
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeAPITimeout, "wait for %s: %v", key, ctx.Err()))
	case <-timeoutC:
		if value := c.fallbackFromDisk(it); value != nil {
			return value, nil
		}
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeAPITimeout, "resource %s not ready within %s", key, timeout))
	}
	value, _, err := it.current()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if value == nil {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeInternal, "initialized entry %s has no value", key))
	}
	return value, nil
}

// fallbackFromDisk serves the last persisted payload when the control plane
// is unreachable during a cold start.
func (c *Cache) fallbackFromDisk(it *item) any {
	if c.store == nil {
		return nil
	}
	entry, err := c.store.Read(it.key)
	if err != nil {
		return nil
	}
	value := entry.materialize()
	if value == nil {
		return nil
	}
	if it.loadFromFile(entry.Revision, value) {
		c.log.InfoContext(c.ctx, "serving resource from disk failover", "key", it.key.String())
	}
	loaded, _, _ := it.current()
	return loaded
}

// GetServiceInstances resolves the instance snapshot of a service, blocking
// up to timeout on a cold entry.
func (c *Cache) GetServiceInstances(ctx context.Context, key types.ServiceKey, timeout time.Duration) (*types.ServiceInstances, error) {
	if err := key.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	value, err := c.Get(ctx, types.ServiceEventKey(types.EventInstances, key), timeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	instances, ok := value.(*types.ServiceInstances)
	if !ok {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeInternal, "unexpected payload type %T for instances", value))
	}
	return instances, nil
}

// GetValue returns the initialized payload of key without blocking, or nil.
func (c *Cache) GetValue(key types.ResourceEventKey) any {
	it, ok := c.lookup(key)
	if !ok || !it.IsInitialized() {
		return nil
	}
	it.touch(c.clock.Now())
	value, _, _ := it.current()
	return value
}

// Revision exposes the stored revision of key, empty when absent.
func (c *Cache) Revision(key types.ResourceEventKey) string {
	return c.CurrentRevision(key)
}
