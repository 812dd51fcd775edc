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

package router

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/polaris-contrib/polaris-sdk-go/lib/connector/polarispb"
)

// resolveMatchValue resolves the right-hand side of a MatchString.
// Variable values read the process environment first and fall back to the
// external parameter supplier; Parameter values read the traffic labels.
func resolveMatchValue(m *polarispb.MatchString, routeInfo *RouteInfo) (string, bool) {
	switch m.ValueType {
	case polarispb.ValueVariable:
		if value, ok := os.LookupEnv(m.Value); ok {
			return value, true
		}
		if routeInfo != nil && routeInfo.ExternalParameterSupplier != nil {
			return routeInfo.ExternalParameterSupplier(m.Value)
		}
		return "", false
	case polarispb.ValueParameter:
		if routeInfo == nil {
			return "", false
		}
		return routeInfo.label(m.Value)
	default:
		return m.Value, true
	}
}

// matchString evaluates one MatchString against an actual value.
func matchString(m *polarispb.MatchString, actual string, routeInfo *RouteInfo) bool {
	if m == nil {
		return true
	}
	expected, ok := resolveMatchValue(m, routeInfo)
	if !ok {
		return false
	}
	switch m.Type {
	case polarispb.MatchExact:
		return actual == expected
	case polarispb.MatchNotEquals:
		return actual != expected
	case polarispb.MatchRegex:
		re, err := regexp.Compile(expected)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	case polarispb.MatchIn:
		for _, candidate := range strings.Split(expected, ",") {
			if actual == strings.TrimSpace(candidate) {
				return true
			}
		}
		return false
	case polarispb.MatchNotIn:
		for _, candidate := range strings.Split(expected, ",") {
			if actual == strings.TrimSpace(candidate) {
				return false
			}
		}
		return true
	case polarispb.MatchRange:
		return matchRange(expected, actual)
	}
	return false
}

// matchRange evaluates "min~max" numeric ranges, inclusive on both ends.
func matchRange(expected, actual string) bool {
	bounds := strings.SplitN(expected, "~", 2)
	if len(bounds) != 2 {
		return false
	}
	low, err1 := strconv.ParseInt(strings.TrimSpace(bounds[0]), 10, 64)
	high, err2 := strconv.ParseInt(strings.TrimSpace(bounds[1]), 10, 64)
	value, err3 := strconv.ParseInt(strings.TrimSpace(actual), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	return value >= low && value <= high
}

// matchMetadata evaluates a MatchString map against a label set. Every
// entry must match; a missing label fails unless the operator is a
// negation.
func matchMetadata(matchers map[string]*polarispb.MatchString, labels map[string]string, routeInfo *RouteInfo) bool {
	for key, matcher := range matchers {
		actual, present := labels[key]
		if !present {
			if matcher != nil && (matcher.Type == polarispb.MatchNotEquals || matcher.Type == polarispb.MatchNotIn) {
				continue
			}
			return false
		}
		if !matchString(matcher, actual, routeInfo) {
			return false
		}
	}
	return true
}
