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

package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gravitational/trace"

	"github.com/polaris-contrib/polaris-sdk-go/api/types"
)

// InvokeResponse is what the caller observed for one invocation.
type InvokeResponse struct {
	// Err is the call error, nil on success paths.
	Err error
	// Value is the application response, opaque to the breaker.
	Value any
	// Delay is the call latency.
	Delay time.Duration
}

// ResultToCode translates an invocation outcome into a numeric code and a
// RetStatus for stat reporting.
type ResultToCode func(resp *InvokeResponse) (int, types.RetStatus)

// DefaultResultToCode maps SDK errors onto their codes and classifies the
// status from the error kind.
func DefaultResultToCode(resp *InvokeResponse) (int, types.RetStatus) {
	if resp.Err == nil {
		return 0, types.RetSuccess
	}
	code := types.ErrorCodeOf(resp.Err)
	switch {
	case errors.Is(resp.Err, context.DeadlineExceeded),
		code == types.ErrCodeRPCTimeout,
		code == types.ErrCodeAPITimeout:
		return int(code), types.RetTimeout
	case code == types.ErrCodeCircuitBreak:
		return int(code), types.RetReject
	case code == types.ErrCodeRequestLimit:
		return int(code), types.RetFlowControl
	default:
		return int(code), types.RetFail
	}
}

// InvokeHandlerConfig configures one guarded call site.
type InvokeHandlerConfig struct {
	// Caller optionally identifies the calling service.
	Caller types.ServiceKey
	// Callee identifies the called service.
	Callee types.ServiceKey
	// Protocol, Method and Path identify the method resource. Method stats
	// are reported only when Path is set.
	Protocol string
	Method   string
	Path     string
	// Breaker is the decision point.
	Breaker *Breaker
	// ResultToCode classifies outcomes, DefaultResultToCode when nil.
	ResultToCode ResultToCode
	// Log receives swallowed report failures.
	Log *slog.Logger
}

// CheckAndSetDefaults validates the config.
func (c *InvokeHandlerConfig) CheckAndSetDefaults() error {
	if err := c.Callee.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Breaker == nil {
		return trace.BadParameter("missing Breaker")
	}
	if c.ResultToCode == nil {
		c.ResultToCode = DefaultResultToCode
	}
	if c.Log == nil {
		c.Log = c.Breaker.cfg.Log
	}
	return nil
}

// InvokeHandler guards one call site: acquire permission before the call,
// report the outcome after. Report failures never fail the user's call.
type InvokeHandler struct {
	cfg InvokeHandlerConfig
}

// NewInvokeHandler builds a handler.
func NewInvokeHandler(cfg InvokeHandlerConfig) (*InvokeHandler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &InvokeHandler{cfg: cfg}, nil
}

func (h *InvokeHandler) serviceResource() types.Resource {
	return types.Resource{
		Level:  types.LevelService,
		Callee: h.cfg.Callee,
		Caller: h.cfg.Caller,
	}
}

func (h *InvokeHandler) methodResource() types.Resource {
	return types.Resource{
		Level:    types.LevelMethod,
		Callee:   h.cfg.Callee,
		Caller:   h.cfg.Caller,
		Protocol: h.cfg.Protocol,
		Method:   h.cfg.Method,
		Path:     h.cfg.Path,
	}
}

// AcquirePermission checks the breaker before the call. A rejection is a
// CircuitBreakError carrying the rule name and fallback.
func (h *InvokeHandler) AcquirePermission() error {
	resources := []types.Resource{h.serviceResource()}
	if h.cfg.Path != "" {
		resources = append(resources, h.methodResource())
	}
	for _, resource := range resources {
		if result := h.cfg.Breaker.CheckResource(resource); !result.Pass {
			return trace.Wrap(types.CallAbortedError(result.RuleName, result.FallbackInfo))
		}
	}
	return nil
}

// OnSuccess reports a successful call.
func (h *InvokeHandler) OnSuccess(resp *InvokeResponse) {
	h.report(resp)
}

// OnError reports a failed call.
func (h *InvokeHandler) OnError(resp *InvokeResponse) {
	h.report(resp)
}

func (h *InvokeHandler) report(resp *InvokeResponse) {
	code, status := h.cfg.ResultToCode(resp)
	stats := []types.ResourceStat{{
		Resource: h.serviceResource(),
		RetCode:  code,
		Delay:    resp.Delay,
		Status:   status,
	}}
	if h.cfg.Path != "" {
		stats = append(stats, types.ResourceStat{
			Resource: h.methodResource(),
			RetCode:  code,
			Delay:    resp.Delay,
			Status:   status,
		})
	}
	for _, stat := range stats {
		if err := h.cfg.Breaker.ReportStat(stat); err != nil {
			h.cfg.Log.Warn("dropping breaker stat report",
				"resource", stat.Resource.String(), "error", err)
		}
	}
}
