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

package polarispb

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec serializes wire messages as JSON. All calls pass
// grpc.CallContentSubtype(JSONCodecName) so the stock proto codec is never
// consulted.
type jsonCodec struct{}

// JSONCodecName is the grpc sub-content type of the codec.
const JSONCodecName = "json"

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return JSONCodecName }

// CallOptions returns the per-call options every stub method applies.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}
}

// PolarisGRPCClient is the client stub of the naming service.
type PolarisGRPCClient interface {
	RegisterInstance(ctx context.Context, in *Instance, opts ...grpc.CallOption) (*Response, error)
	DeregisterInstance(ctx context.Context, in *Instance, opts ...grpc.CallOption) (*Response, error)
	Heartbeat(ctx context.Context, in *Instance, opts ...grpc.CallOption) (*Response, error)
	ReportClient(ctx context.Context, in *Client, opts ...grpc.CallOption) (*Response, error)
	ReportServiceContract(ctx context.Context, in *ServiceContract, opts ...grpc.CallOption) (*Response, error)
	GetServiceContract(ctx context.Context, in *ServiceContract, opts ...grpc.CallOption) (*Response, error)
	Discover(ctx context.Context, opts ...grpc.CallOption) (DiscoverStream, error)
}

// DiscoverStream is the bidirectional discover stream.
type DiscoverStream interface {
	Send(*DiscoverRequest) error
	Recv() (*DiscoverResponse, error)
	CloseSend() error
}

// PolarisConfigGRPCClient is the client stub of the config service.
type PolarisConfigGRPCClient interface {
	CreateConfigFile(ctx context.Context, in *ConfigFile, opts ...grpc.CallOption) (*ConfigResponse, error)
	UpdateConfigFile(ctx context.Context, in *ConfigFile, opts ...grpc.CallOption) (*ConfigResponse, error)
	PublishConfigFile(ctx context.Context, in *ConfigFile, opts ...grpc.CallOption) (*ConfigResponse, error)
	UpsertAndPublishConfigFile(ctx context.Context, in *ConfigFile, opts ...grpc.CallOption) (*ConfigResponse, error)
	GetConfigFile(ctx context.Context, in *ClientConfigFileInfo, opts ...grpc.CallOption) (*ConfigResponse, error)
	ConfigDiscover(ctx context.Context, opts ...grpc.CallOption) (ConfigDiscoverStream, error)
}

// ConfigDiscoverStream is the bidirectional config discover stream.
type ConfigDiscoverStream interface {
	Send(*ConfigDiscoverRequest) error
	Recv() (*ConfigDiscoverResponse, error)
	CloseSend() error
}

type polarisGRPCClient struct {
	cc grpc.ClientConnInterface
}

// NewPolarisGRPCClient returns the naming stub bound to cc.
func NewPolarisGRPCClient(cc grpc.ClientConnInterface) PolarisGRPCClient {
	return &polarisGRPCClient{cc: cc}
}

func (c *polarisGRPCClient) invoke(ctx context.Context, method string, in any, opts []grpc.CallOption) (*Response, error) {
	out := new(Response)
	if err := c.cc.Invoke(ctx, method, in, out, append(CallOptions(), opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *polarisGRPCClient) RegisterInstance(ctx context.Context, in *Instance, opts ...grpc.CallOption) (*Response, error) {
	return c.invoke(ctx, "/v1.PolarisGRPC/RegisterInstance", in, opts)
}

func (c *polarisGRPCClient) DeregisterInstance(ctx context.Context, in *Instance, opts ...grpc.CallOption) (*Response, error) {
	return c.invoke(ctx, "/v1.PolarisGRPC/DeregisterInstance", in, opts)
}

func (c *polarisGRPCClient) Heartbeat(ctx context.Context, in *Instance, opts ...grpc.CallOption) (*Response, error) {
	return c.invoke(ctx, "/v1.PolarisGRPC/Heartbeat", in, opts)
}

func (c *polarisGRPCClient) ReportClient(ctx context.Context, in *Client, opts ...grpc.CallOption) (*Response, error) {
	return c.invoke(ctx, "/v1.PolarisGRPC/ReportClient", in, opts)
}

func (c *polarisGRPCClient) ReportServiceContract(ctx context.Context, in *ServiceContract, opts ...grpc.CallOption) (*Response, error) {
	return c.invoke(ctx, "/v1.PolarisServiceContractGRPC/ReportServiceContract", in, opts)
}

func (c *polarisGRPCClient) GetServiceContract(ctx context.Context, in *ServiceContract, opts ...grpc.CallOption) (*Response, error) {
	return c.invoke(ctx, "/v1.PolarisServiceContractGRPC/GetServiceContract", in, opts)
}

var discoverStreamDesc = &grpc.StreamDesc{
	StreamName:    "Discover",
	ServerStreams: true,
	ClientStreams: true,
}

func (c *polarisGRPCClient) Discover(ctx context.Context, opts ...grpc.CallOption) (DiscoverStream, error) {
	stream, err := c.cc.NewStream(ctx, discoverStreamDesc, "/v1.PolarisGRPC/Discover", append(CallOptions(), opts...)...)
	if err != nil {
		return nil, err
	}
	return &discoverStream{ClientStream: stream}, nil
}

type discoverStream struct {
	grpc.ClientStream
}

func (s *discoverStream) Send(req *DiscoverRequest) error {
	return s.ClientStream.SendMsg(req)
}

func (s *discoverStream) Recv() (*DiscoverResponse, error) {
	resp := new(DiscoverResponse)
	if err := s.ClientStream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

type polarisConfigGRPCClient struct {
	cc grpc.ClientConnInterface
}

// NewPolarisConfigGRPCClient returns the config stub bound to cc.
func NewPolarisConfigGRPCClient(cc grpc.ClientConnInterface) PolarisConfigGRPCClient {
	return &polarisConfigGRPCClient{cc: cc}
}

func (c *polarisConfigGRPCClient) invoke(ctx context.Context, method string, in any, opts []grpc.CallOption) (*ConfigResponse, error) {
	out := new(ConfigResponse)
	if err := c.cc.Invoke(ctx, method, in, out, append(CallOptions(), opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *polarisConfigGRPCClient) CreateConfigFile(ctx context.Context, in *ConfigFile, opts ...grpc.CallOption) (*ConfigResponse, error) {
	return c.invoke(ctx, "/v1.PolarisConfigGRPC/CreateConfigFile", in, opts)
}

func (c *polarisConfigGRPCClient) UpdateConfigFile(ctx context.Context, in *ConfigFile, opts ...grpc.CallOption) (*ConfigResponse, error) {
	return c.invoke(ctx, "/v1.PolarisConfigGRPC/UpdateConfigFile", in, opts)
}

func (c *polarisConfigGRPCClient) PublishConfigFile(ctx context.Context, in *ConfigFile, opts ...grpc.CallOption) (*ConfigResponse, error) {
	return c.invoke(ctx, "/v1.PolarisConfigGRPC/PublishConfigFile", in, opts)
}

func (c *polarisConfigGRPCClient) UpsertAndPublishConfigFile(ctx context.Context, in *ConfigFile, opts ...grpc.CallOption) (*ConfigResponse, error) {
	return c.invoke(ctx, "/v1.PolarisConfigGRPC/UpsertAndPublishConfigFile", in, opts)
}

func (c *polarisConfigGRPCClient) GetConfigFile(ctx context.Context, in *ClientConfigFileInfo, opts ...grpc.CallOption) (*ConfigResponse, error) {
	return c.invoke(ctx, "/v1.PolarisConfigGRPC/GetConfigFile", in, opts)
}

var configDiscoverStreamDesc = &grpc.StreamDesc{
	StreamName:    "Discover",
	ServerStreams: true,
	ClientStreams: true,
}

func (c *polarisConfigGRPCClient) ConfigDiscover(ctx context.Context, opts ...grpc.CallOption) (ConfigDiscoverStream, error) {
	stream, err := c.cc.NewStream(ctx, configDiscoverStreamDesc, "/v1.PolarisConfigGRPC/Discover", append(CallOptions(), opts...)...)
	if err != nil {
		return nil, err
	}
	return &configDiscoverStream{ClientStream: stream}, nil
}

type configDiscoverStream struct {
	grpc.ClientStream
}

func (s *configDiscoverStream) Send(req *ConfigDiscoverRequest) error {
	return s.ClientStream.SendMsg(req)
}

func (s *configDiscoverStream) Recv() (*ConfigDiscoverResponse, error) {
	resp := new(ConfigDiscoverResponse)
	if err := s.ClientStream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RateLimitGRPCClient is the client stub of the rate limit service.
type RateLimitGRPCClient interface {
	AcquireQuota(ctx context.Context, in *QuotaRequest, opts ...grpc.CallOption) (*QuotaResponse, error)
}

type rateLimitGRPCClient struct {
	cc grpc.ClientConnInterface
}

// NewRateLimitGRPCClient returns the rate limit stub bound to cc.
func NewRateLimitGRPCClient(cc grpc.ClientConnInterface) RateLimitGRPCClient {
	return &rateLimitGRPCClient{cc: cc}
}

func (c *rateLimitGRPCClient) AcquireQuota(ctx context.Context, in *QuotaRequest, opts ...grpc.CallOption) (*QuotaResponse, error) {
	out := new(QuotaResponse)
	if err := c.cc.Invoke(ctx, "/v2.RateLimitGRPCV2/AcquireQuota", in, out, append(CallOptions(), opts...)...); err != nil {
		return nil, err
	}
	return out, nil
}
