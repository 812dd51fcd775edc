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

package types

import (
	"strings"
)

// EventType enumerates the resource kinds tracked by the local cache.
type EventType int

const (
	// EventUnknown is the zero value.
	EventUnknown EventType = iota
	// EventInstances is a service instance set.
	EventInstances
	// EventRouting is a set of routing rules.
	EventRouting
	// EventRateLimit is a set of rate limit rules.
	EventRateLimit
	// EventCircuitBreaker is a set of circuit breaker rules.
	EventCircuitBreaker
	// EventFaultDetect is a set of fault detector rules.
	EventFaultDetect
	// EventLane is a set of lane group rules.
	EventLane
	// EventServices is the service catalog of a namespace.
	EventServices
	// EventConfigFile is a single configuration file.
	EventConfigFile
	// EventConfigGroup is a configuration file group listing.
	EventConfigGroup
)

var eventTypeNames = map[EventType]string{
	EventUnknown:        "unknown",
	EventInstances:      "instance",
	EventRouting:        "routing",
	EventRateLimit:      "rate_limit",
	EventCircuitBreaker: "circuit_breaker",
	EventFaultDetect:    "fault_detect",
	EventLane:           "lane",
	EventServices:       "services",
	EventConfigFile:     "config_file",
	EventConfigGroup:    "config_group",
}

// String implements fmt.Stringer.
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ResourceEventKey is the canonical identity of a cached resource
// subscription.
type ResourceEventKey struct {
	// Type is the resource kind.
	Type EventType
	// Namespace scopes the resource.
	Namespace string
	// Service is the service name for naming resources, or the config group
	// for config resources.
	Service string
	// FileName is set for EventConfigFile only.
	FileName string
}

// ServiceEventKey returns the key of a naming resource subscription.
func ServiceEventKey(t EventType, key ServiceKey) ResourceEventKey {
	return ResourceEventKey{Type: t, Namespace: key.Namespace, Service: key.Service}
}

// ConfigFileEventKey returns the key of a config file subscription.
func ConfigFileEventKey(namespace, group, fileName string) ResourceEventKey {
	return ResourceEventKey{Type: EventConfigFile, Namespace: namespace, Service: group, FileName: fileName}
}

// ServiceKey returns the (namespace, service) pair of a naming key.
func (k ResourceEventKey) ServiceKey() ServiceKey {
	return ServiceKey{Namespace: k.Namespace, Service: k.Service}
}

// String returns the canonical form "<type>#<namespace>#<group-or-service>#<file?>"
// used as the watcher index key.
func (k ResourceEventKey) String() string {
	var b strings.Builder
	b.WriteString(k.Type.String())
	b.WriteByte('#')
	b.WriteString(k.Namespace)
	b.WriteByte('#')
	b.WriteString(k.Service)
	if k.FileName != "" {
		b.WriteByte('#')
		b.WriteString(k.FileName)
	}
	return b.String()
}

// EventAction describes how a cached resource changed.
type EventAction int

const (
	// ActionAdd is the first materialization of a resource.
	ActionAdd EventAction = iota
	// ActionUpdate is a refresh of an existing resource.
	ActionUpdate
	// ActionDelete is an eviction or server-side removal.
	ActionDelete
)

// String implements fmt.Stringer.
func (a EventAction) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	}
	return "unknown"
}

// ResourceEvent is delivered to cache listeners on every refresh.
type ResourceEvent struct {
	// Key identifies the changed resource.
	Key ResourceEventKey
	// Action describes the change.
	Action EventAction
	// Revision is the revision after the change.
	Revision string
	// Value is the new payload; its dynamic type depends on Key.Type.
	Value any
}

// InstancesEvent is the typed event delivered to instance watchers.
type InstancesEvent struct {
	Key       ServiceKey
	Action    EventAction
	Revision  string
	Instances *ServiceInstances
}
