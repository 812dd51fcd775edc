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

package location

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
)

func TestLocalProviderOptionsBeatEnv(t *testing.T) {
	t.Setenv(EnvRegion, "env-region")
	t.Setenv(EnvZone, "env-zone")
	p := NewLocalProvider(map[string]any{"region": "south", "campus": "cz"})
	loc, err := p.GetLocation(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.Location{Region: "south", Zone: "env-zone", Campus: "cz"}, loc)
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"region":"south","zone":"gz","campus":"cz"}`))
	}))
	defer srv.Close()

	p, err := NewHTTPProvider(map[string]any{"url": srv.URL})
	require.NoError(t, err)
	loc, err := p.GetLocation(context.Background())
	require.NoError(t, err)
	require.Equal(t, types.Location{Region: "south", Zone: "gz", Campus: "cz"}, loc)
}

func TestHTTPProviderRequiresURL(t *testing.T) {
	_, err := NewHTTPProvider(nil)
	require.Error(t, err)
}

func TestResolverSkipsFailingProviders(t *testing.T) {
	failing := NewServiceProvider(func(context.Context) (types.Location, error) {
		return types.Location{}, trace.ConnectionProblem(nil, "server down")
	})
	local := NewLocalProvider(map[string]any{"region": "south", "zone": "gz"})
	r := NewResolver([]Provider{failing, local}, nil)

	loc, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "gz", loc.Zone)
	require.Equal(t, loc, r.Location())
}

func TestResolverEmptyWhenNoAnswer(t *testing.T) {
	r := NewResolver([]Provider{NewLocalProvider(nil)}, nil)
	loc, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.True(t, loc.IsEmpty())

	// A later control plane answer upgrades the cache.
	r.Update(types.Location{Region: "south"})
	require.Equal(t, "south", r.Location().Region)
}
