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

package grpcconnector

import (
	"strconv"

	"github.com/gravitational/trace"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector"
	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
)

func convertInstance(ins *types.Instance, ttl uint32, token string) *polarispb.Instance {
	weight := ins.Weight
	healthy := ins.Healthy
	isolate := ins.Isolated
	out := &polarispb.Instance{
		ID:           ins.ID,
		Namespace:    ins.Key.Namespace,
		Service:      ins.Key.Service,
		Host:         ins.Host,
		Port:         ins.Port,
		Protocol:     ins.Protocol,
		VpcID:        ins.VpcID,
		Version:      ins.Version,
		Weight:       &weight,
		Priority:     ins.Priority,
		Healthy:      &healthy,
		Isolate:      &isolate,
		Metadata:     ins.Metadata,
		ServiceToken: token,
	}
	if ttl > 0 {
		enable := true
		out.EnableHealthCheck = &enable
		out.TTL = ttl
	}
	if !ins.Location.IsEmpty() {
		out.Location = &polarispb.Location{
			Region: ins.Location.Region,
			Zone:   ins.Location.Zone,
			Campus: ins.Location.Campus,
		}
	}
	return out
}

func convertWireInstance(key types.ServiceKey, in *polarispb.Instance) *types.Instance {
	out := &types.Instance{
		ID:       in.ID,
		Key:      key,
		Host:     in.Host,
		Port:     in.Port,
		Protocol: in.Protocol,
		VpcID:    in.VpcID,
		Version:  in.Version,
		Priority: in.Priority,
		Metadata: in.Metadata,
		Revision: in.Revision,
		Healthy:  true,
		Weight:   100,
	}
	if in.Weight != nil {
		out.Weight = *in.Weight
	}
	if in.Healthy != nil {
		out.Healthy = *in.Healthy
	}
	if in.Isolate != nil {
		out.Isolated = *in.Isolate
	}
	if in.Location != nil {
		out.Location = types.Location{
			Region: in.Location.Region,
			Zone:   in.Location.Zone,
			Campus: in.Location.Campus,
		}
	}
	return out
}

func discoverTypeOf(t types.EventType) polarispb.DiscoverResourceType {
	switch t {
	case types.EventInstances:
		return polarispb.DiscoverInstance
	case types.EventRouting:
		return polarispb.DiscoverRouting
	case types.EventRateLimit:
		return polarispb.DiscoverRateLimit
	case types.EventCircuitBreaker:
		return polarispb.DiscoverCircuitBreaker
	case types.EventFaultDetect:
		return polarispb.DiscoverFaultDetector
	case types.EventLane:
		return polarispb.DiscoverLane
	case types.EventServices:
		return polarispb.DiscoverServices
	}
	return polarispb.DiscoverUnknown
}

func eventTypeOf(t polarispb.DiscoverResourceType) types.EventType {
	switch t {
	case polarispb.DiscoverInstance:
		return types.EventInstances
	case polarispb.DiscoverRouting:
		return types.EventRouting
	case polarispb.DiscoverRateLimit:
		return types.EventRateLimit
	case polarispb.DiscoverCircuitBreaker:
		return types.EventCircuitBreaker
	case polarispb.DiscoverFaultDetector:
		return types.EventFaultDetect
	case polarispb.DiscoverLane:
		return types.EventLane
	case polarispb.DiscoverServices:
		return types.EventServices
	}
	return types.EventUnknown
}

// convertDiscoverResponse maps one push to the cache event. A nil event
// with nil error means the revision did not change.
func convertDiscoverResponse(resp *polarispb.DiscoverResponse) (*connector.ServerEvent, error) {
	if resp.Service == nil {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeInvalidResponse, "discover response without service"))
	}
	key := types.ResourceEventKey{
		Type:      eventTypeOf(resp.Type),
		Namespace: resp.Service.Namespace,
		Service:   resp.Service.Name,
	}
	if key.Type == types.EventUnknown {
		return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeInvalidResponse, "discover response with unknown type %d", resp.Type))
	}
	if resp.Code == polarispb.CodeDataNoChange {
		return nil, nil
	}
	if err := connector.ErrorFromCode(resp.Code, resp.Info); err != nil {
		return &connector.ServerEvent{Key: key, Error: err}, nil
	}

	event := &connector.ServerEvent{Key: key}
	switch key.Type {
	case types.EventInstances:
		serviceKey := types.ServiceKey{Namespace: resp.Service.Namespace, Service: resp.Service.Name}
		instances := make([]*types.Instance, 0, len(resp.Instances))
		for _, in := range resp.Instances {
			instances = append(instances, convertWireInstance(serviceKey, in))
		}
		info := types.ServiceInfo{Key: serviceKey, Metadata: resp.Service.Metadata, Revision: resp.Service.Revision}
		event.Revision = resp.Service.Revision
		event.Value = types.NewServiceInstances(info, instances)
	case types.EventRouting:
		if resp.Routing == nil {
			return nil, nil
		}
		event.Revision = resp.Routing.Revision
		event.Value = resp.Routing
	case types.EventRateLimit:
		if resp.RateLimit == nil {
			return nil, nil
		}
		event.Revision = resp.RateLimit.Revision
		event.Value = resp.RateLimit
	case types.EventCircuitBreaker:
		if resp.CircuitBreaker == nil {
			return nil, nil
		}
		event.Revision = resp.CircuitBreaker.Revision
		event.Value = resp.CircuitBreaker
	case types.EventFaultDetect:
		if resp.FaultDetector == nil {
			return nil, nil
		}
		event.Revision = resp.FaultDetector.Revision
		event.Value = resp.FaultDetector
	case types.EventLane:
		event.Revision = resp.Service.Revision
		event.Value = resp.Lanes
	case types.EventServices:
		services := make([]types.ServiceKey, 0, len(resp.Services))
		for _, svc := range resp.Services {
			services = append(services, types.ServiceKey{Namespace: svc.Namespace, Service: svc.Name})
		}
		event.Revision = resp.Service.Revision
		event.Value = services
	}
	return event, nil
}

func convertConfigFile(in *polarispb.ConfigFile) *types.ConfigFile {
	out := &types.ConfigFile{
		Namespace: in.Namespace,
		Group:     in.Group,
		Name:      in.FileName,
		Version:   in.Version,
		Content:   in.Content,
		Labels:    in.Labels,
		Md5:       in.Md5,
	}
	if out.Labels == nil && len(in.Tags) > 0 {
		out.Labels = make(map[string]string, len(in.Tags))
		for _, tag := range in.Tags {
			out.Labels[tag.Key] = tag.Value
		}
	}
	return out
}

func convertWireConfigFile(f *types.ConfigFile) *polarispb.ConfigFile {
	return &polarispb.ConfigFile{
		Namespace: f.Namespace,
		Group:     f.Group,
		FileName:  f.Name,
		Content:   f.Content,
		Version:   f.Version,
		Labels:    f.Labels,
		Md5:       f.Md5,
	}
}

// convertConfigDiscoverResponse maps one config push to the cache event.
func convertConfigDiscoverResponse(resp *polarispb.ConfigDiscoverResponse) (*connector.ServerEvent, error) {
	if resp.Code == polarispb.CodeDataNoChange {
		return nil, nil
	}
	switch resp.Type {
	case polarispb.ConfigDiscoverFile:
		if resp.ConfigFile == nil {
			return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeInvalidResponse, "config discover response without file"))
		}
		file := convertConfigFile(resp.ConfigFile)
		key := file.EventKey()
		if err := connector.ErrorFromCode(resp.Code, resp.Info); err != nil {
			return &connector.ServerEvent{Key: key, Error: err}, nil
		}
		revision := resp.Revision
		if revision == "" {
			revision = strconv.FormatUint(file.Version, 10)
		}
		return &connector.ServerEvent{Key: key, Revision: revision, Value: file}, nil
	case polarispb.ConfigDiscoverGroup:
		if len(resp.Group) == 0 {
			return nil, nil
		}
		first := resp.Group[0]
		group := &types.ConfigGroup{Namespace: first.Namespace, Group: first.Group, Revision: resp.Revision}
		for _, f := range resp.Group {
			group.Files = append(group.Files, convertConfigFile(f))
		}
		key := types.ResourceEventKey{Type: types.EventConfigGroup, Namespace: group.Namespace, Service: group.Group}
		return &connector.ServerEvent{Key: key, Revision: resp.Revision, Value: group}, nil
	}
	return nil, trace.Wrap(types.NewPolarisError(types.ErrCodeInvalidResponse, "config discover response with unknown type %d", resp.Type))
}
