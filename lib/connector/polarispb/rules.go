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

// MatchStringType enumerates the comparison operators of a MatchString.
type MatchStringType int32

const (
	MatchExact     MatchStringType = 0
	MatchRegex     MatchStringType = 1
	MatchNotEquals MatchStringType = 2
	MatchIn        MatchStringType = 3
	MatchNotIn     MatchStringType = 4
	MatchRange     MatchStringType = 5
)

// MatchValueType enumerates where the right-hand value of a MatchString
// comes from.
type MatchValueType int32

const (
	// ValueText compares against the literal value.
	ValueText MatchValueType = 0
	// ValueParameter compares against a request traffic label.
	ValueParameter MatchValueType = 1
	// ValueVariable compares against a process environment variable,
	// falling back to the external parameter supplier.
	ValueVariable MatchValueType = 2
)

// MatchString is the shared matching primitive of every rule payload.
type MatchString struct {
	Type      MatchStringType `json:"type"`
	Value     string          `json:"value"`
	ValueType MatchValueType  `json:"value_type"`
}

// Routing bundles the rules of one service in both directions.
type Routing struct {
	Namespace string   `json:"namespace"`
	Service   string   `json:"service"`
	Inbounds  []*Route `json:"inbounds,omitempty"`
	Outbounds []*Route `json:"outbounds,omitempty"`
	Revision  string   `json:"revision,omitempty"`
}

// Route is one routing rule: any matching source forwards to the weighted
// destinations.
type Route struct {
	Sources      []*Source      `json:"sources,omitempty"`
	Destinations []*Destination `json:"destinations,omitempty"`
}

// Source matches the calling side of a route.
type Source struct {
	Namespace string                  `json:"namespace,omitempty"`
	Service   string                  `json:"service,omitempty"`
	Metadata  map[string]*MatchString `json:"metadata,omitempty"`
}

// Destination selects and weights a subset of callee instances.
type Destination struct {
	Namespace string                  `json:"namespace,omitempty"`
	Service   string                  `json:"service,omitempty"`
	Metadata  map[string]*MatchString `json:"metadata,omitempty"`
	Priority  uint32                  `json:"priority,omitempty"`
	Weight    uint32                  `json:"weight,omitempty"`
	Isolate   bool                    `json:"isolate,omitempty"`
}

// RateLimit bundles the rate limit rules of one service.
type RateLimit struct {
	Rules    []*RateLimitRule `json:"rules,omitempty"`
	Revision string           `json:"revision,omitempty"`
}

// RateLimitRule is one quota rule.
type RateLimitRule struct {
	ID        string                  `json:"id,omitempty"`
	Namespace string                  `json:"namespace"`
	Service   string                  `json:"service"`
	Name      string                  `json:"name,omitempty"`
	Priority  uint32                  `json:"priority,omitempty"`
	Method    *MatchString            `json:"method,omitempty"`
	Arguments map[string]*MatchString `json:"arguments,omitempty"`
	Amounts   []*Amount               `json:"amounts,omitempty"`
	Disable   bool                    `json:"disable,omitempty"`
	Revision  string                  `json:"revision,omitempty"`
}

// Amount caps the request count inside one validity window.
type Amount struct {
	MaxAmount     uint32 `json:"maxAmount"`
	ValidDuration string `json:"validDuration"`
}

// QuotaRequest reports the local consumption of one quota window and asks
// for the next window's share.
type QuotaRequest struct {
	Namespace string `json:"namespace"`
	Service   string `json:"service"`
	RuleID    string `json:"rule_id,omitempty"`
	Labels    string `json:"labels,omitempty"`
	Used      uint32 `json:"used,omitempty"`
	Limit     uint32 `json:"limit,omitempty"`
}

// QuotaResponse carries the server-assigned allowance of one window.
type QuotaResponse struct {
	Code      uint32 `json:"code"`
	Info      string `json:"info,omitempty"`
	Allowance uint32 `json:"allowance,omitempty"`
}

// CircuitBreaker bundles breaker rules.
type CircuitBreaker struct {
	Rules    []*CircuitBreakerRule `json:"rules,omitempty"`
	Revision string                `json:"revision,omitempty"`
}

// BreakerLevel mirrors the rule granularity on the wire.
type BreakerLevel int32

const (
	BreakerLevelUnknown  BreakerLevel = 0
	BreakerLevelService  BreakerLevel = 1
	BreakerLevelMethod   BreakerLevel = 2
	BreakerLevelInstance BreakerLevel = 3
)

// CircuitBreakerRule is one breaker rule.
type CircuitBreakerRule struct {
	ID          string       `json:"id,omitempty"`
	Name        string       `json:"name"`
	Namespace   string       `json:"namespace"`
	Enable      bool         `json:"enable"`
	Level       BreakerLevel `json:"level"`
	RuleMatcher *RuleMatcher `json:"rule_matcher,omitempty"`
	// ErrorRateThreshold is the failure percentage in [1, 100] that trips
	// the breaker.
	ErrorRateThreshold int `json:"error_rate_threshold,omitempty"`
	// ConsecutiveErrorCount trips the breaker on a run of failures.
	ConsecutiveErrorCount int `json:"consecutive_error_count,omitempty"`
	// MinRequestCount gates the error-rate condition.
	MinRequestCount int `json:"min_request_count,omitempty"`
	// StatWindow is the sliding window the ratios are computed over.
	StatWindow string `json:"stat_window,omitempty"`
	// SleepWindow is the Open -> HalfOpen cooldown.
	SleepWindow string `json:"sleep_window,omitempty"`
	// SuccessCountAfterHalfOpen closes the breaker after this many
	// successful probes.
	SuccessCountAfterHalfOpen int `json:"success_count_after_half_open,omitempty"`
	// MaxEjectionPercent bounds instance-level ejection.
	MaxEjectionPercent int             `json:"max_ejection_percent,omitempty"`
	FallbackConfig     *FallbackConfig `json:"fallback_config,omitempty"`
	Revision           string          `json:"revision,omitempty"`
}

// RuleMatcher scopes a breaker rule to (caller, callee, method).
type RuleMatcher struct {
	Source      *MatchService `json:"source,omitempty"`
	Destination *MatchService `json:"destination,omitempty"`
	Method      *MatchString  `json:"method,omitempty"`
}

// MatchService matches one side of a call. "*" matches everything.
type MatchService struct {
	Namespace string `json:"namespace,omitempty"`
	Service   string `json:"service,omitempty"`
}

// FallbackConfig is the alternative response returned on short-circuit.
type FallbackConfig struct {
	Enable  bool              `json:"enable,omitempty"`
	Code    int               `json:"code,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FaultDetector bundles fault detection rules.
type FaultDetector struct {
	Rules    []*FaultDetectRule `json:"rules,omitempty"`
	Revision string             `json:"revision,omitempty"`
}

// FaultDetectRule is one active probing rule.
type FaultDetectRule struct {
	ID            string        `json:"id,omitempty"`
	Name          string        `json:"name"`
	Namespace     string        `json:"namespace"`
	TargetService *MatchService `json:"target_service,omitempty"`
	Interval      string        `json:"interval,omitempty"`
	Timeout       string        `json:"timeout,omitempty"`
	Protocol      string        `json:"protocol,omitempty"`
	Port          uint32        `json:"port,omitempty"`
	Revision      string        `json:"revision,omitempty"`
}

// LaneGroup partitions traffic into lanes.
type LaneGroup struct {
	ID       string      `json:"id,omitempty"`
	Name     string      `json:"name"`
	Rules    []*LaneRule `json:"rules,omitempty"`
	Revision string      `json:"revision,omitempty"`
}

// LaneRule matches traffic labels onto a lane.
type LaneRule struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	GroupName string `json:"group_name"`
	// LabelKey is the traffic label carrying the lane marker.
	LabelKey string                  `json:"label_key,omitempty"`
	Matches  map[string]*MatchString `json:"matches,omitempty"`
	Enable   bool                    `json:"enable,omitempty"`
}
