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

// Package types holds the data model shared by the public facades and the
// SDK internals: service and instance descriptors, cached resource
// identities, configuration file records and the uniform error type.
package types

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/gravitational/trace"
)

// ServiceKey identifies a service inside a namespace. Equality and hashing
// are componentwise.
type ServiceKey struct {
	// Namespace is the service namespace.
	Namespace string
	// Service is the service name.
	Service string
}

// CheckAndSetDefaults validates the key. Both components are required at
// every boundary that consumes a ServiceKey.
func (k ServiceKey) CheckAndSetDefaults() error {
	if k.Namespace == "" {
		return trace.Wrap(NewPolarisError(ErrCodeAPIInvalidArgument, "missing namespace"))
	}
	if k.Service == "" {
		return trace.Wrap(NewPolarisError(ErrCodeAPIInvalidArgument, "missing service name"))
	}
	return nil
}

// String implements fmt.Stringer.
func (k ServiceKey) String() string {
	return k.Namespace + "/" + k.Service
}

// Location describes where a client or instance runs.
type Location struct {
	Region string
	Zone   string
	Campus string
}

// IsEmpty reports whether no component of the location is set.
func (l Location) IsEmpty() bool {
	return l.Region == "" && l.Zone == "" && l.Campus == ""
}

// Instance is a single service instance as seen by the discovery plane.
type Instance struct {
	// ID is the server-assigned instance identifier.
	ID string
	// Key is the owning service.
	Key ServiceKey
	// Host is the instance IP or hostname.
	Host string
	// Port is the instance port.
	Port uint32
	// Protocol is the declared application protocol.
	Protocol string
	// VpcID is the optional VPC the endpoint lives in.
	VpcID string
	// Healthy is the server-side health flag.
	Healthy bool
	// Isolated marks an instance manually removed from traffic.
	Isolated bool
	// Weight is the load balancing weight. Zero excludes the instance from
	// selection.
	Weight uint32
	// Priority orders instances, lower first.
	Priority uint32
	// Metadata is the instance label set.
	Metadata map[string]string
	// Location is the instance placement.
	Location Location
	// Version is the application version label.
	Version string
	// Revision is the server revision of this instance record.
	Revision string
}

// Selectable reports whether the instance participates in load balancing.
func (i *Instance) Selectable() bool {
	return i.Healthy && !i.Isolated && i.Weight > 0
}

// ServiceInfo carries service-level attributes attached to an instance set.
type ServiceInfo struct {
	Key      ServiceKey
	Metadata map[string]string
	// Revision is the server revision of the whole instance set.
	Revision string
}

// ServiceInstances is an immutable snapshot of a service's instances plus
// the precomputed selection weight. Derived structures (hash rings, round
// robin tables) key their caches by CacheKey and rebuild when it changes.
type ServiceInstances struct {
	// Service describes the owning service.
	Service ServiceInfo
	// Instances is the ordered instance list.
	Instances []*Instance
	// TotalWeight is the sum of weights of selectable instances.
	TotalWeight uint64
	// CacheKey is a digest of (ServiceKey, Revision).
	CacheKey uint64
}

// NewServiceInstances builds a snapshot, computing TotalWeight and CacheKey.
func NewServiceInstances(info ServiceInfo, instances []*Instance) *ServiceInstances {
	var total uint64
	for _, ins := range instances {
		if ins.Selectable() {
			total += uint64(ins.Weight)
		}
	}
	d := xxhash.New()
	fmt.Fprintf(d, "%s#%s#%s", info.Key.Namespace, info.Key.Service, info.Revision)
	return &ServiceInstances{
		Service:     info,
		Instances:   instances,
		TotalWeight: total,
		CacheKey:    d.Sum64(),
	}
}

// WithInstances derives a snapshot keeping the service info but replacing the
// instance list, recomputing the total weight. The cache key is preserved so
// per-service balancer state stays bound to the upstream revision.
func (s *ServiceInstances) WithInstances(instances []*Instance) *ServiceInstances {
	var total uint64
	for _, ins := range instances {
		if ins.Selectable() {
			total += uint64(ins.Weight)
		}
	}
	return &ServiceInstances{
		Service:     s.Service,
		Instances:   instances,
		TotalWeight: total,
		CacheKey:    s.CacheKey,
	}
}

// IsEmpty reports whether the snapshot holds no instances.
func (s *ServiceInstances) IsEmpty() bool {
	return s == nil || len(s.Instances) == 0
}

// ClientContext identifies the running client process to the control plane.
// Created once per SDK context and never mutated after init.
type ClientContext struct {
	// ClientID is a process-unique UUID.
	ClientID string
	// Host is the local bind address reported to the server.
	Host string
	// Version is the SDK version string.
	Version string
	// Location is the resolved client location, possibly empty.
	Location Location
}
