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

package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
)

// Value is the capability every cached resource exposes to readers.
type Value interface {
	// EventType is the resource kind.
	EventType() types.EventType
	// Revision is the current server revision, empty before the first
	// reply.
	Revision() string
	// IsInitialized reports whether a payload has been stored.
	IsInitialized() bool
	// IsLoadedFromFile reports whether the payload came from the disk
	// failover store and was not yet overwritten by a server reply.
	IsLoadedFromFile() bool
}

// item is one cache entry. The initialized latch releases on the first
// stored payload and never re-arms; revisions only move forward.
type item struct {
	key types.ResourceEventKey

	mu             sync.RWMutex
	revision       string
	value          any
	loadedFromFile bool
	lastErr        error
	lastAccess     time.Time

	initOnce sync.Once
	initCh   chan struct{}
}

func newItem(key types.ResourceEventKey, now time.Time) *item {
	return &item{key: key, initCh: make(chan struct{}), lastAccess: now}
}

var _ Value = (*item)(nil)

// EventType implements Value.
func (i *item) EventType() types.EventType { return i.key.Type }

// Revision implements Value.
func (i *item) Revision() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.revision
}

// IsInitialized implements Value.
func (i *item) IsInitialized() bool {
	select {
	case <-i.initCh:
		return true
	default:
		return false
	}
}

// IsLoadedFromFile implements Value.
func (i *item) IsLoadedFromFile() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.loadedFromFile
}

// waitInitialized blocks until the latch releases or the channel fires.
func (i *item) initialized() <-chan struct{} {
	return i.initCh
}

func (i *item) releaseLatch() {
	i.initOnce.Do(func() { close(i.initCh) })
}

// update stores a server payload if revision is strictly newer than the
// stored one (opaque strings, lexicographic tie-break). Disk-loaded values
// are overwritten by any server reply. Returns whether the payload was
// accepted plus the action to report to listeners.
func (i *item) update(revision string, value any) (bool, types.EventAction) {
	i.mu.Lock()
	defer i.mu.Unlock()
	action := types.ActionUpdate
	if i.value == nil || i.loadedFromFile {
		action = types.ActionAdd
	} else if strings.Compare(revision, i.revision) <= 0 {
		return false, action
	}
	i.value = value
	i.revision = revision
	i.loadedFromFile = false
	i.lastErr = nil
	i.releaseLatch()
	return true, action
}

// loadFromFile seeds the entry from the failover store. Only effective
// before the first server reply.
func (i *item) loadFromFile(revision string, value any) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.value != nil {
		return false
	}
	i.value = value
	i.revision = revision
	i.loadedFromFile = true
	i.releaseLatch()
	return true
}

// setError records a per-key server failure and releases the latch so
// waiters fail fast instead of timing out.
func (i *item) setError(err error) {
	i.mu.Lock()
	if i.value == nil {
		i.lastErr = err
	}
	i.mu.Unlock()
	i.releaseLatch()
}

// current returns the payload, its revision and any recorded error.
func (i *item) current() (any, string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.value, i.revision, i.lastErr
}

func (i *item) touch(now time.Time) {
	i.mu.Lock()
	i.lastAccess = now
	i.mu.Unlock()
}

func (i *item) idleSince(now time.Time) time.Duration {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return now.Sub(i.lastAccess)
}
