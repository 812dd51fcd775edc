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

// Package connector defines the pluggable transport between the SDK and a
// Polaris control plane cluster, plus the mapping from server response codes
// to typed errors.
package connector

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
	"github.com/polaris-contrib/polaris-sdk-go/lib/plugin"
)

// ClusterType is the role of a Polaris server cluster.
type ClusterType int

const (
	// ClusterBuildin is the bootstrap cluster used to discover the others.
	ClusterBuildin ClusterType = iota
	// ClusterDiscover serves naming resources.
	ClusterDiscover
	// ClusterConfig serves configuration resources.
	ClusterConfig
	// ClusterHealthCheck receives heartbeats.
	ClusterHealthCheck
	// ClusterRateLimit reconciles rate limit quota windows.
	ClusterRateLimit
)

// String implements fmt.Stringer.
func (t ClusterType) String() string {
	switch t {
	case ClusterBuildin:
		return "buildin"
	case ClusterDiscover:
		return "discover"
	case ClusterConfig:
		return "config"
	case ClusterHealthCheck:
		return "health_check"
	case ClusterRateLimit:
		return "rate_limit"
	}
	return "unknown"
}

// InstanceRegisterRequest registers one instance.
type InstanceRegisterRequest struct {
	Instance *types.Instance
	// TTL enables server-side health checking with the given period in
	// seconds.
	TTL uint32
	// Token authorizes the operation when the namespace requires it.
	Token string
	// Timeout overrides the per-RPC deadline.
	Timeout time.Duration
}

// InstanceRegisterResponse is the outcome of a register call.
type InstanceRegisterResponse struct {
	// InstanceID is the server-assigned instance id.
	InstanceID string
	// Exists reports that the instance was already registered.
	Exists bool
}

// InstanceHeartbeatRequest renews the liveness of one instance.
type InstanceHeartbeatRequest struct {
	InstanceID string
	Instance   *types.Instance
	Token      string
	Timeout    time.Duration
}

// InstanceDeregisterRequest removes one instance.
type InstanceDeregisterRequest struct {
	InstanceID string
	Instance   *types.Instance
	Token      string
	Timeout    time.Duration
}

// QuotaSyncRequest reconciles one local quota window with the control
// plane.
type QuotaSyncRequest struct {
	// Service owns the rate limit rule.
	Service types.ServiceKey
	// RuleID identifies the rule the window belongs to.
	RuleID string
	// Labels is the label combination of the window.
	Labels string
	// Used is the local consumption of the elapsed window.
	Used uint32
	// MaxAmount is the rule's configured window budget.
	MaxAmount uint32
	// Timeout bounds the RPC.
	Timeout time.Duration
}

// QuotaSyncResponse carries the server-assigned share of the window budget.
type QuotaSyncResponse struct {
	Allowance uint32
}

// ServerEvent is one push received on a discover stream.
type ServerEvent struct {
	// Key identifies the resource the push belongs to.
	Key types.ResourceEventKey
	// Revision is the server revision of Value.
	Revision string
	// Value is the decoded payload; nil when Error is set.
	Value any
	// Error reports a per-key server failure, such as a not-found service.
	Error error
}

// EventHandler is implemented by the resource cache and receives every
// discover push. CurrentRevision feeds the revision the connector puts in
// outgoing requests.
type EventHandler interface {
	// OnServerEvent delivers one push. Must not block.
	OnServerEvent(event ServerEvent)
	// CurrentRevision returns the cached revision of key, empty when the
	// resource was never received.
	CurrentRevision(key types.ResourceEventKey) string
}

// ServerConnector is the pluggable transport used by the engine and the
// cache. A single connector instance serves one cluster role.
type ServerConnector interface {
	plugin.Plugin

	// RegisterInstance registers an instance, mapping ExistedResource to
	// Exists=true.
	RegisterInstance(ctx context.Context, req *InstanceRegisterRequest) (*InstanceRegisterResponse, error)
	// DeregisterInstance removes an instance. Idempotent.
	DeregisterInstance(ctx context.Context, req *InstanceDeregisterRequest) error
	// Heartbeat renews an instance lease.
	Heartbeat(ctx context.Context, req *InstanceHeartbeatRequest) error
	// ReportClient reports the SDK process and returns the server-observed
	// client location.
	ReportClient(ctx context.Context, client *types.ClientContext) (*types.Location, error)
	// ReportServiceContract uploads an interface description.
	ReportServiceContract(ctx context.Context, contract *polarispb.ServiceContract) error
	// GetServiceContract fetches an interface description.
	GetServiceContract(ctx context.Context, contract *polarispb.ServiceContract) (string, error)
	// SyncQuota reconciles one rate limit quota window with the control
	// plane.
	SyncQuota(ctx context.Context, req *QuotaSyncRequest) (*QuotaSyncResponse, error)

	// RegisterEventHandler installs the cache-side push handler. One
	// handler per connector; installing twice is an error.
	RegisterEventHandler(handler EventHandler) error
	// SubscribeResource opens the logical subscription for key. At most one
	// subscription per key is active.
	SubscribeResource(key types.ResourceEventKey) error
	// UnsubscribeResource cancels the subscription for key.
	UnsubscribeResource(key types.ResourceEventKey) error

	// CreateConfigFile creates an unpublished config file.
	CreateConfigFile(ctx context.Context, file *types.ConfigFile) error
	// UpdateConfigFile updates an unpublished config file.
	UpdateConfigFile(ctx context.Context, file *types.ConfigFile) error
	// PublishConfigFile makes the latest file content visible to watchers.
	PublishConfigFile(ctx context.Context, file *types.ConfigFile) error
	// UpsertAndPublishConfigFile creates or updates, then publishes.
	UpsertAndPublishConfigFile(ctx context.Context, file *types.ConfigFile) error
	// GetConfigFile fetches the latest published release.
	GetConfigFile(ctx context.Context, namespace, group, fileName string) (*types.ConfigFile, error)
}

// ErrorFromCode maps a server response code to a typed error, nil on
// success. Unknown codes map to ServerError.
func ErrorFromCode(code uint32, info string) error {
	switch {
	case code == polarispb.CodeExecuteSuccess || code == polarispb.CodeDataNoChange:
		return nil
	case code == polarispb.CodeNotFoundResource:
		return trace.Wrap(types.NewPolarisError(types.ErrCodeServiceNotFound, "resource not found: %s", info))
	case code >= 400000 && code < 500000:
		return trace.Wrap(types.NewPolarisError(types.ErrCodeServerUserError, "server rejected request (code=%d): %s", code, info))
	default:
		return trace.Wrap(types.NewPolarisError(types.ErrCodeServerError, "server error (code=%d): %s", code, info))
	}
}
