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
	"errors"
	"fmt"
)

// ErrorCode classifies every error surfaced by the SDK.
type ErrorCode int

const (
	// ErrCodeUnknown is the zero value and indicates a bug.
	ErrCodeUnknown ErrorCode = iota
	// ErrCodeAPIInvalidArgument is returned on invalid user input such as an
	// empty namespace or service name.
	ErrCodeAPIInvalidArgument
	// ErrCodeAPIInvalidConfig is returned on invalid or incomplete
	// configuration.
	ErrCodeAPIInvalidConfig
	// ErrCodePluginError is returned when a named plugin is missing or its
	// init fails.
	ErrCodePluginError
	// ErrCodeAPITimeout is returned when a user-facing flow exceeds its
	// deadline.
	ErrCodeAPITimeout
	// ErrCodeNetworkError is returned on connect or transport failures.
	ErrCodeNetworkError
	// ErrCodeRPCTimeout is returned when a single RPC exceeds its deadline.
	ErrCodeRPCTimeout
	// ErrCodeServerUserError is returned when the server refused the request
	// as malformed or unauthorized.
	ErrCodeServerUserError
	// ErrCodeServerError is returned when the server failed internally or
	// answered with an unknown code.
	ErrCodeServerError
	// ErrCodeInvalidResponse is returned on a malformed server reply.
	ErrCodeInvalidResponse
	// ErrCodeServiceNotFound is returned when a service is unknown to the
	// control plane.
	ErrCodeServiceNotFound
	// ErrCodeInstanceNotFound is returned when routing or balancing yields no
	// instance.
	ErrCodeInstanceNotFound
	// ErrCodeInstanceInfoError is returned on inconsistent instance data such
	// as a zero total weight.
	ErrCodeInstanceInfoError
	// ErrCodeLocationMismatch is returned by the nearby router when no level
	// in the configured range matches.
	ErrCodeLocationMismatch
	// ErrCodeMetadataMismatch is returned by the metadata router under the
	// None failover policy.
	ErrCodeMetadataMismatch
	// ErrCodeRouteRuleNotMatch is returned when the router chain ends with an
	// empty instance set.
	ErrCodeRouteRuleNotMatch
	// ErrCodeCircuitBreak is returned when a breaker rule short-circuits the
	// call.
	ErrCodeCircuitBreak
	// ErrCodeRequestLimit is returned when the rate limiter denies a quota.
	ErrCodeRequestLimit
	// ErrCodeCrypto is returned on config filter key generation, encryption
	// or decryption failure.
	ErrCodeCrypto
	// ErrCodeInternal indicates a violated state machine invariant.
	ErrCodeInternal
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeUnknown:            "Unknown",
	ErrCodeAPIInvalidArgument: "InvalidArgument",
	ErrCodeAPIInvalidConfig:   "InvalidConfig",
	ErrCodePluginError:        "PluginError",
	ErrCodeAPITimeout:         "Timeout",
	ErrCodeNetworkError:       "NetworkError",
	ErrCodeRPCTimeout:         "RpcTimeout",
	ErrCodeServerUserError:    "ServerUserError",
	ErrCodeServerError:        "ServerError",
	ErrCodeInvalidResponse:    "InvalidResponse",
	ErrCodeServiceNotFound:    "ServiceNotFound",
	ErrCodeInstanceNotFound:   "InstanceNotFound",
	ErrCodeInstanceInfoError:  "InstanceInfoError",
	ErrCodeLocationMismatch:   "LocationMismatch",
	ErrCodeMetadataMismatch:   "MetadataMismatch",
	ErrCodeRouteRuleNotMatch:  "RouteRuleNotMatch",
	ErrCodeCircuitBreak:       "CircuitBreakError",
	ErrCodeRequestLimit:       "RequestLimit",
	ErrCodeCrypto:             "CryptoError",
	ErrCodeInternal:           "InternalError",
}

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// PolarisError is the uniform error surfaced by every SDK flow. Call sites
// wrap it with trace.Wrap so stack information is preserved; callers branch
// on the code through the Is* predicates below.
type PolarisError struct {
	// Code classifies the failure.
	Code ErrorCode
	// Message is a human readable description.
	Message string
	// RuleName identifies the breaker rule when Code is ErrCodeCircuitBreak.
	RuleName string
	// FallbackInfo carries the rule-supplied alternative response when Code
	// is ErrCodeCircuitBreak.
	FallbackInfo *FallbackInfo
}

// Error implements the error interface.
func (e *PolarisError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewPolarisError returns a PolarisError with the given code and formatted
// message.
func NewPolarisError(code ErrorCode, format string, args ...any) *PolarisError {
	return &PolarisError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCodeOf extracts the ErrorCode from err, unwrapping as needed. Errors
// that did not originate from the SDK map to ErrCodeUnknown.
func ErrorCodeOf(err error) ErrorCode {
	var perr *PolarisError
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ErrCodeUnknown
}

func is(err error, code ErrorCode) bool {
	return ErrorCodeOf(err) == code
}

// IsInvalidArgument reports whether err is an argument validation failure.
func IsInvalidArgument(err error) bool { return is(err, ErrCodeAPIInvalidArgument) }

// IsInvalidConfig reports whether err is a configuration failure.
func IsInvalidConfig(err error) bool { return is(err, ErrCodeAPIInvalidConfig) }

// IsTimeout reports whether err is a flow-level timeout.
func IsTimeout(err error) bool { return is(err, ErrCodeAPITimeout) }

// IsNetworkError reports whether err is a transport failure.
func IsNetworkError(err error) bool { return is(err, ErrCodeNetworkError) }

// IsServiceNotFound reports whether err indicates an unknown service.
func IsServiceNotFound(err error) bool { return is(err, ErrCodeServiceNotFound) }

// IsInstanceNotFound reports whether err indicates no instance was available.
func IsInstanceNotFound(err error) bool { return is(err, ErrCodeInstanceNotFound) }

// IsInstanceInfoError reports whether err indicates inconsistent instance
// data.
func IsInstanceInfoError(err error) bool { return is(err, ErrCodeInstanceInfoError) }

// IsLocationMismatch reports whether err came from the nearby router.
func IsLocationMismatch(err error) bool { return is(err, ErrCodeLocationMismatch) }

// IsMetadataMismatch reports whether err came from the metadata router.
func IsMetadataMismatch(err error) bool { return is(err, ErrCodeMetadataMismatch) }

// IsRouteRuleNotMatch reports whether err indicates the router chain matched
// nothing.
func IsRouteRuleNotMatch(err error) bool { return is(err, ErrCodeRouteRuleNotMatch) }

// IsCircuitBreak reports whether err is a breaker rejection.
func IsCircuitBreak(err error) bool { return is(err, ErrCodeCircuitBreak) }

// IsRequestLimit reports whether err is a rate limit rejection.
func IsRequestLimit(err error) bool { return is(err, ErrCodeRequestLimit) }

// CallAbortedError returns the breaker rejection error for the given rule.
func CallAbortedError(ruleName string, fallback *FallbackInfo) *PolarisError {
	return &PolarisError{
		Code:         ErrCodeCircuitBreak,
		Message:      fmt.Sprintf("call aborted by circuit breaker rule %q", ruleName),
		RuleName:     ruleName,
		FallbackInfo: fallback,
	}
}
