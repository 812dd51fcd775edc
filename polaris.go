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

// Package polaris holds process-wide constants shared by every package of the
// Polaris client SDK.
package polaris

const (
	// Version is the SDK version reported to the control plane.
	Version = "1.0.0"

	// MetricNamespace is the prefix of all prometheus metrics exported by
	// the SDK.
	MetricNamespace = "polaris_sdk"
)

// ComponentKey is the name of the slog attribute carrying the component name.
const ComponentKey = "component"

// Component names used to tag loggers and metrics.
const (
	// ComponentEngine is the flow engine behind the public facades.
	ComponentEngine = "engine"

	// ComponentConnector is the grpc server connector.
	ComponentConnector = "connector"

	// ComponentCache is the local resource cache.
	ComponentCache = "cache"

	// ComponentRouter is the service router chain.
	ComponentRouter = "router"

	// ComponentLoadBalancer is the load balancer set.
	ComponentLoadBalancer = "loadbalancer"

	// ComponentCircuitBreaker is the circuit breaker.
	ComponentCircuitBreaker = "circuitbreaker"

	// ComponentRateLimiter is the rate limit decision point.
	ComponentRateLimiter = "ratelimiter"

	// ComponentHeartbeat is the instance heartbeat scheduler.
	ComponentHeartbeat = "heartbeat"

	// ComponentLossless is the lossless register/deregister flow.
	ComponentLossless = "lossless"

	// ComponentFailover is the disk failover store.
	ComponentFailover = "failover"

	// ComponentLocation is the client location supplier.
	ComponentLocation = "location"
)
