// Copyright 2024 The Udfc Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ir

import (
	"math"
	"strconv"
	"strings"
)

// The functions here define the runtime semantics of operations that are not plain Go arithmetic. Constant folding
// and every backend use them so that all of them agree.

// DivInt is integer division. Division by zero is null. MinInt64 / -1 wraps.
func DivInt(a int64, b int64) (int64, bool) {
	if b == 0 {
		return 0, false
	}
	if b == -1 {
		return -a, true
	}
	return a / b, true
}

// RemInt is the integer remainder with the sign of the dividend. Division by zero is null.
func RemInt(a int64, b int64) (int64, bool) {
	if b == 0 {
		return 0, false
	}
	if b == -1 {
		return 0, true
	}
	return a % b, true
}

// FloatToInt truncates towards zero and saturates at the int64 range. NaN converts to 0.
func FloatToInt(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	default:
		return int64(f)
	}
}

func BoolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func FormatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}

func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func FormatBool(b bool) string {
	return strconv.FormatBool(b)
}

// ParseInt accepts an optionally signed decimal integer surrounded by whitespace.
func ParseInt(s string) (int64, bool) {
	i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return i, true
}

func ParseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
