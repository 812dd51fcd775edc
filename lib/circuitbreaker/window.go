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

package circuitbreaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// windowBuckets is the bucket count of every sliding window.
const windowBuckets = 10

type bucket struct {
	start    time.Time
	total    int64
	failures int64
}

// slidingWindow counts call outcomes over a rolling span, bucketed so old
// outcomes age out without a timer.
type slidingWindow struct {
	clock clockwork.Clock
	span  time.Duration

	mu      sync.Mutex
	buckets [windowBuckets]bucket
}

func newSlidingWindow(clock clockwork.Clock, span time.Duration) *slidingWindow {
	return &slidingWindow{clock: clock, span: span}
}

// bucketFor rotates the ring to the bucket owning now, resetting buckets
// that aged past the span.
func (w *slidingWindow) bucketFor(now time.Time) *bucket {
	width := w.span / windowBuckets
	start := now.Truncate(width)
	b := &w.buckets[(start.UnixNano()/int64(width))%windowBuckets]
	if !b.start.Equal(start) {
		b.start = start
		b.total = 0
		b.failures = 0
	}
	return b
}

// add records one outcome.
func (w *slidingWindow) add(failure bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.bucketFor(w.clock.Now())
	b.total++
	if failure {
		b.failures++
	}
}

// snapshot sums the buckets still inside the span.
func (w *slidingWindow) snapshot() (total, failures int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	oldest := w.clock.Now().Add(-w.span)
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.start.Before(oldest) {
			continue
		}
		total += b.total
		failures += b.failures
	}
	return total, failures
}

// reset forgets every outcome.
func (w *slidingWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buckets = [windowBuckets]bucket{}
}
