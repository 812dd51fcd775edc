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

// Package polarispb mirrors the Polaris control plane wire surface: the
// message types and the client stubs of the PolarisGRPC and
// PolarisConfigGRPC services. Messages travel over grpc with the json
// sub-content codec registered in client.go.
package polarispb

// Server response codes. ExecuteSuccess and ExistedResource are the only
// codes treated as success for register.
const (
	CodeExecuteSuccess   = 200000
	CodeDataNoChange     = 200001
	CodeExistedResource  = 400201
	CodeNotFoundResource = 400202
	CodeInvalidParameter = 400001
	CodeServerError      = 500000
)

// DiscoverResourceType selects what a discover request asks for.
type DiscoverResourceType int32

const (
	DiscoverUnknown        DiscoverResourceType = 0
	DiscoverInstance       DiscoverResourceType = 1
	DiscoverCluster        DiscoverResourceType = 2
	DiscoverRouting        DiscoverResourceType = 3
	DiscoverRateLimit      DiscoverResourceType = 4
	DiscoverCircuitBreaker DiscoverResourceType = 5
	DiscoverServices       DiscoverResourceType = 6
	DiscoverFaultDetector  DiscoverResourceType = 7
	DiscoverLane           DiscoverResourceType = 8
)

// Service is the wire form of a service record.
type Service struct {
	Namespace string            `json:"namespace"`
	Name      string            `json:"name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Revision  string            `json:"revision,omitempty"`
	Token     string            `json:"token,omitempty"`
}

// Location is the wire form of a placement.
type Location struct {
	Region string `json:"region,omitempty"`
	Zone   string `json:"zone,omitempty"`
	Campus string `json:"campus,omitempty"`
}

// Instance is the wire form of a service instance.
type Instance struct {
	ID                string            `json:"id,omitempty"`
	Namespace         string            `json:"namespace"`
	Service           string            `json:"service"`
	Host              string            `json:"host"`
	Port              uint32            `json:"port"`
	Protocol          string            `json:"protocol,omitempty"`
	VpcID             string            `json:"vpc_id,omitempty"`
	Version           string            `json:"version,omitempty"`
	Weight            *uint32           `json:"weight,omitempty"`
	Priority          uint32            `json:"priority,omitempty"`
	Healthy           *bool             `json:"healthy,omitempty"`
	Isolate           *bool             `json:"isolate,omitempty"`
	EnableHealthCheck *bool             `json:"enable_health_check,omitempty"`
	TTL               uint32            `json:"ttl,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Location          *Location         `json:"location,omitempty"`
	Revision          string            `json:"revision,omitempty"`
	ServiceToken      string            `json:"service_token,omitempty"`
}

// Client describes the SDK process in report-client calls.
type Client struct {
	Host     string    `json:"host"`
	Type     string    `json:"type"`
	Version  string    `json:"version"`
	Location *Location `json:"location,omitempty"`
	ID       string    `json:"id,omitempty"`
}

// Response is the generic unary reply envelope.
type Response struct {
	Code     uint32    `json:"code"`
	Info     string    `json:"info,omitempty"`
	Service  *Service  `json:"service,omitempty"`
	Instance *Instance `json:"instance,omitempty"`
	Client   *Client   `json:"client,omitempty"`
}

// DiscoverRequest asks for one resource of one service, carrying the
// currently cached revision inside Service.Revision.
type DiscoverRequest struct {
	Type    DiscoverResourceType `json:"type"`
	Service *Service             `json:"service"`
}

// DiscoverResponse answers a DiscoverRequest. When the revision did not
// change the server answers CodeDataNoChange with no payload.
type DiscoverResponse struct {
	Code           uint32               `json:"code"`
	Info           string               `json:"info,omitempty"`
	Type           DiscoverResourceType `json:"type"`
	Service        *Service             `json:"service,omitempty"`
	Instances      []*Instance          `json:"instances,omitempty"`
	Routing        *Routing             `json:"routing,omitempty"`
	RateLimit      *RateLimit           `json:"rateLimit,omitempty"`
	CircuitBreaker *CircuitBreaker      `json:"circuitBreaker,omitempty"`
	FaultDetector  *FaultDetector       `json:"faultDetector,omitempty"`
	Lanes          []*LaneGroup         `json:"lanes,omitempty"`
	Services       []*Service           `json:"services,omitempty"`
}

// ServiceContract describes the interface surface an instance exposes.
type ServiceContract struct {
	ID         string               `json:"id,omitempty"`
	Namespace  string               `json:"namespace"`
	Service    string               `json:"service"`
	Name       string               `json:"name"`
	Protocol   string               `json:"protocol,omitempty"`
	Version    string               `json:"version,omitempty"`
	Content    string               `json:"content,omitempty"`
	Revision   string               `json:"revision,omitempty"`
	Interfaces []*ContractInterface `json:"interfaces,omitempty"`
}

// ContractInterface is one method of a service contract.
type ContractInterface struct {
	Method  string `json:"method,omitempty"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// ConfigFile is the wire form of a configuration file release.
type ConfigFile struct {
	Namespace   string            `json:"namespace"`
	Group       string            `json:"group"`
	FileName    string            `json:"file_name"`
	Content     string            `json:"content,omitempty"`
	Version     uint64            `json:"version,omitempty"`
	Md5         string            `json:"md5,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Tags        []*ConfigFileTag  `json:"tags,omitempty"`
	ReleaseName string            `json:"release_name,omitempty"`
}

// ConfigFileTag is one label attached to a config file.
type ConfigFileTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ClientConfigFileInfo identifies a watched config file plus its known
// version.
type ClientConfigFileInfo struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	FileName  string `json:"file_name"`
	Version   uint64 `json:"version,omitempty"`
	Md5       string `json:"md5,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// ConfigDiscoverType selects what a config discover request asks for.
type ConfigDiscoverType int32

const (
	ConfigDiscoverUnknown    ConfigDiscoverType = 0
	ConfigDiscoverFile       ConfigDiscoverType = 1
	ConfigDiscoverGroup      ConfigDiscoverType = 2
	ConfigDiscoverGroupNames ConfigDiscoverType = 3
)

// ConfigDiscoverRequest subscribes to config resources on the config
// discover stream.
type ConfigDiscoverRequest struct {
	Type       ConfigDiscoverType    `json:"type"`
	ConfigFile *ClientConfigFileInfo `json:"config_file,omitempty"`
	Revision   string                `json:"revision,omitempty"`
}

// ConfigDiscoverResponse answers a ConfigDiscoverRequest.
type ConfigDiscoverResponse struct {
	Code       uint32             `json:"code"`
	Info       string             `json:"info,omitempty"`
	Type       ConfigDiscoverType `json:"type"`
	ConfigFile *ConfigFile        `json:"config_file,omitempty"`
	Group      []*ConfigFile      `json:"group,omitempty"`
	Revision   string             `json:"revision,omitempty"`
}

// ConfigResponse is the unary reply envelope of config CRUD calls.
type ConfigResponse struct {
	Code       uint32      `json:"code"`
	Info       string      `json:"info,omitempty"`
	ConfigFile *ConfigFile `json:"configFile,omitempty"`
}
