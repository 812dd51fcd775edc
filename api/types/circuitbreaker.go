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
	"fmt"
	"time"
)

// RetStatus classifies a reported call outcome.
type RetStatus int

const (
	// RetUnknown is the zero value.
	RetUnknown RetStatus = iota
	// RetSuccess is a successful call.
	RetSuccess
	// RetFail is an application-level failure.
	RetFail
	// RetTimeout is a timed-out call.
	RetTimeout
	// RetReject is a call rejected by the callee.
	RetReject
	// RetFlowControl is a call rejected by rate limiting.
	RetFlowControl
)

// String implements fmt.Stringer.
func (s RetStatus) String() string {
	switch s {
	case RetSuccess:
		return "success"
	case RetFail:
		return "fail"
	case RetTimeout:
		return "timeout"
	case RetReject:
		return "reject"
	case RetFlowControl:
		return "flow_control"
	}
	return "unknown"
}

// CircuitBreakerStatus enumerates per-resource breaker states.
type CircuitBreakerStatus int

const (
	// BreakerClose admits all traffic.
	BreakerClose CircuitBreakerStatus = iota
	// BreakerOpen rejects all traffic until the sleep window elapses.
	BreakerOpen
	// BreakerHalfOpen admits a bounded probe quota.
	BreakerHalfOpen
	// BreakerDestroy marks a resource whose rule was removed.
	BreakerDestroy
)

// String implements fmt.Stringer.
func (s CircuitBreakerStatus) String() string {
	switch s {
	case BreakerClose:
		return "close"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerDestroy:
		return "destroy"
	}
	return "unknown"
}

// ResourceLevel is the granularity a breaker resource is keyed at.
type ResourceLevel int

const (
	// LevelService keys by callee service.
	LevelService ResourceLevel = iota
	// LevelMethod keys by callee service plus method.
	LevelMethod
	// LevelInstance keys by a single instance endpoint.
	LevelInstance
)

// Resource identifies what a breaker decision applies to.
type Resource struct {
	// Level selects the granularity.
	Level ResourceLevel
	// Callee is the called service.
	Callee ServiceKey
	// Caller optionally identifies the calling service.
	Caller ServiceKey
	// Protocol, Method and Path narrow a LevelMethod resource.
	Protocol string
	Method   string
	Path     string
	// Host and Port identify a LevelInstance resource.
	Host string
	Port uint32
}

// String returns the breaker state key of the resource.
func (r Resource) String() string {
	switch r.Level {
	case LevelMethod:
		return "method#" + r.Callee.String() + "#" + r.Protocol + "#" + r.Method + "#" + r.Path
	case LevelInstance:
		return fmt.Sprintf("instance#%s#%s:%d", r.Callee, r.Host, r.Port)
	}
	return "service#" + r.Callee.String()
}

// FallbackInfo is the rule-supplied alternative response returned when a
// breaker short-circuits a call.
type FallbackInfo struct {
	Code    int
	Headers map[string]string
	Body    string
}

// CheckResult is the synchronous answer of the breaker for one resource.
type CheckResult struct {
	// Pass reports whether the call may proceed.
	Pass bool
	// RuleName is the matched rule, empty when no rule applies.
	RuleName string
	// FallbackInfo is set when Pass is false and the rule supplies one.
	FallbackInfo *FallbackInfo
}

// ResourceStat is one reported call outcome.
type ResourceStat struct {
	Resource Resource
	RetCode  int
	Delay    time.Duration
	Status   RetStatus
}
