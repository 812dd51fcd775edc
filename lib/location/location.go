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

// Package location resolves the client location through an ordered provider
// chain: static config, an HTTP metadata endpoint, or the control plane
// itself. The first provider that answers wins.
package location

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gravitational/trace"

	polaris "github.com/polaris-contrib/polaris-sdk-go"
	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// Provider answers where the client runs.
type Provider interface {
	plugin.Plugin
	// GetLocation resolves the location. An empty location with nil error
	// means the provider has no answer.
	GetLocation(ctx context.Context) (types.Location, error)
}

// Resolver walks the provider chain once and caches the answer for the
// request path.
type Resolver struct {
	providers []Provider
	log       *slog.Logger
	current   atomic.Value
}

// NewResolver builds a resolver over the ordered providers.
func NewResolver(providers []Provider, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{
		providers: providers,
		log:       log.With(polaris.ComponentKey, polaris.ComponentLocation),
	}
	r.current.Store(types.Location{})
	return r
}

// Resolve queries providers in order and caches the first non-empty
// answer. Provider failures are logged and skipped; resolution succeeds
// with an empty location when no provider answers.
func (r *Resolver) Resolve(ctx context.Context) (types.Location, error) {
	for _, p := range r.providers {
		loc, err := p.GetLocation(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return types.Location{}, trace.Wrap(err)
			}
			r.log.Warn("location provider failed", "provider", p.Name(), "error", err)
			continue
		}
		if loc.IsEmpty() {
			continue
		}
		r.log.Info("client location resolved",
			"provider", p.Name(),
			"region", loc.Region, "zone", loc.Zone, "campus", loc.Campus)
		r.current.Store(loc)
		return loc, nil
	}
	return types.Location{}, nil
}

// Location returns the cached location, possibly empty.
func (r *Resolver) Location() types.Location {
	return r.current.Load().(types.Location)
}

// Update overwrites the cached location, used when the control plane
// reports a better answer after init.
func (r *Resolver) Update(loc types.Location) {
	if !loc.IsEmpty() {
		r.current.Store(loc)
	}
}
