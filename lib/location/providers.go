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
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gravitational/trace"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/config"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// Environment variables consulted by the local provider when options are
// not set.
const (
	EnvRegion = "POLARIS_INSTANCE_REGION"
	EnvZone   = "POLARIS_INSTANCE_ZONE"
	EnvCampus = "POLARIS_INSTANCE_CAMPUS"
)

// stringOption reads one string from free-form plugin options.
func stringOption(options map[string]any, key string) string {
	if v, ok := options[key].(string); ok {
		return v
	}
	return ""
}

// LocalProvider answers from plugin options, falling back to environment
// variables.
type LocalProvider struct {
	loc types.Location
}

// NewLocalProvider builds the provider from its plugin options.
func NewLocalProvider(options map[string]any) *LocalProvider {
	loc := types.Location{
		Region: stringOption(options, "region"),
		Zone:   stringOption(options, "zone"),
		Campus: stringOption(options, "campus"),
	}
	if loc.Region == "" {
		loc.Region = os.Getenv(EnvRegion)
	}
	if loc.Zone == "" {
		loc.Zone = os.Getenv(EnvZone)
	}
	if loc.Campus == "" {
		loc.Campus = os.Getenv(EnvCampus)
	}
	return &LocalProvider{loc: loc}
}

// Name implements plugin.Plugin.
func (p *LocalProvider) Name() string { return config.LocationLocal }

// Type implements plugin.Plugin.
func (p *LocalProvider) Type() plugin.Type { return plugin.TypeLocationProvider }

// Destroy implements plugin.Plugin.
func (p *LocalProvider) Destroy() error { return nil }

// GetLocation implements Provider.
func (p *LocalProvider) GetLocation(context.Context) (types.Location, error) {
	return p.loc, nil
}

const defaultHTTPLocationTimeout = 3 * time.Second

// HTTPProvider fetches the location from a metadata endpoint answering
// JSON {"region": ..., "zone": ..., "campus": ...}.
type HTTPProvider struct {
	url    string
	client *http.Client
}

// NewHTTPProvider builds the provider. The "url" option is required; the
// "timeout" option accepts a duration string.
func NewHTTPProvider(options map[string]any) (*HTTPProvider, error) {
	url := stringOption(options, "url")
	if url == "" {
		return nil, trace.BadParameter("http location provider requires a url option")
	}
	timeout := defaultHTTPLocationTimeout
	if raw := stringOption(options, "timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, trace.BadParameter("invalid http location timeout %q", raw)
		}
		timeout = d
	}
	return &HTTPProvider{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Name implements plugin.Plugin.
func (p *HTTPProvider) Name() string { return config.LocationHTTP }

// Type implements plugin.Plugin.
func (p *HTTPProvider) Type() plugin.Type { return plugin.TypeLocationProvider }

// Destroy implements plugin.Plugin.
func (p *HTTPProvider) Destroy() error {
	p.client.CloseIdleConnections()
	return nil
}

// GetLocation implements Provider.
func (p *HTTPProvider) GetLocation(ctx context.Context) (types.Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return types.Location{}, trace.Wrap(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return types.Location{}, trace.Wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.Location{}, trace.BadParameter("location endpoint answered %v", resp.Status)
	}
	var payload struct {
		Region string `json:"region"`
		Zone   string `json:"zone"`
		Campus string `json:"campus"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return types.Location{}, trace.Wrap(err)
	}
	return types.Location{Region: payload.Region, Zone: payload.Zone, Campus: payload.Campus}, nil
}

// ServiceProvider asks the control plane, which knows the client address
// from report_client.
type ServiceProvider struct {
	fetch func(ctx context.Context) (types.Location, error)
}

// NewServiceProvider builds the provider over a control plane query,
// typically the connector's ReportClient.
func NewServiceProvider(fetch func(ctx context.Context) (types.Location, error)) *ServiceProvider {
	return &ServiceProvider{fetch: fetch}
}

// Name implements plugin.Plugin.
func (p *ServiceProvider) Name() string { return config.LocationService }

// Type implements plugin.Plugin.
func (p *ServiceProvider) Type() plugin.Type { return plugin.TypeLocationProvider }

// Destroy implements plugin.Plugin.
func (p *ServiceProvider) Destroy() error { return nil }

// GetLocation implements Provider.
func (p *ServiceProvider) GetLocation(ctx context.Context) (types.Location, error) {
	loc, err := p.fetch(ctx)
	return loc, trace.Wrap(err)
}
