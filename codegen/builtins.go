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

package codegen

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/ir"
	"github.com/spirit-labs/udfc/types"
	"github.com/tidwall/gjson"
)

func (c *compiler) compileCall(instr *ir.Instr) (step, error) {
	dst, args := instr.ID, instr.Args
	base := instr.Type.Base()
	switch instr.Fn {
	case "abs":
		a := args[0]
		if base == types.Int64 {
			return func(fr *frame) {
				v := fr.ints[a]
				if v < 0 {
					v = -v
				}
				fr.ints[dst] = v
			}, nil
		}
		return func(fr *frame) { fr.floats[dst] = math.Abs(fr.floats[a]) }, nil
	case "min", "max":
		a, b := args[0], args[1]
		isMin := instr.Fn == "min"
		if base == types.Int64 {
			return func(fr *frame) {
				x, y := fr.ints[a], fr.ints[b]
				if (x < y) == isMin {
					fr.ints[dst] = x
				} else {
					fr.ints[dst] = y
				}
			}, nil
		}
		if isMin {
			return func(fr *frame) { fr.floats[dst] = math.Min(fr.floats[a], fr.floats[b]) }, nil
		}
		return func(fr *frame) { fr.floats[dst] = math.Max(fr.floats[a], fr.floats[b]) }, nil
	case "len":
		a := args[0]
		return func(fr *frame) { fr.ints[dst] = int64(utf8.RuneCountInString(fr.strs[a])) }, nil
	case "upper":
		a := args[0]
		return func(fr *frame) { fr.strs[dst] = mapRunes(fr, fr.strs[a], unicode.ToUpper) }, nil
	case "lower":
		a := args[0]
		return func(fr *frame) { fr.strs[dst] = mapRunes(fr, fr.strs[a], unicode.ToLower) }, nil
	case "trim":
		a := args[0]
		return func(fr *frame) { fr.strs[dst] = strings.TrimSpace(fr.strs[a]) }, nil
	case "substr":
		s, start, length := args[0], args[1], args[2]
		return func(fr *frame) { fr.strs[dst] = Substr(fr.strs[s], fr.ints[start], fr.ints[length]) }, nil
	case "starts_with":
		a, b := args[0], args[1]
		return func(fr *frame) { fr.bools[dst] = strings.HasPrefix(fr.strs[a], fr.strs[b]) }, nil
	case "ends_with":
		a, b := args[0], args[1]
		return func(fr *frame) { fr.bools[dst] = strings.HasSuffix(fr.strs[a], fr.strs[b]) }, nil
	case "contains":
		a, b := args[0], args[1]
		return func(fr *frame) { fr.bools[dst] = strings.Contains(fr.strs[a], fr.strs[b]) }, nil
	case "json_string", "json_int", "json_float", "json_bool":
		return compileJSON(instr), nil
	}
	return nil, errors.NewInternalCodegenError("v%d: unknown function %s", dst, instr.Fn)
}

// mapRunes applies f to every rune of s. Strings that f leaves unchanged are returned as is.
func mapRunes(fr *frame, s string, f func(rune) rune) string {
	buf := fr.scratch[:0]
	changed := false
	for _, r := range s {
		m := f(r)
		changed = changed || m != r
		buf = utf8.AppendRune(buf, m)
	}
	fr.scratch = buf
	if !changed {
		return s
	}
	return fr.arena.Bytes(buf)
}

// Substr returns length code points of s starting at the 1-based code point position start. Positions before the
// start of the string shorten the result, as in SQL.
func Substr(s string, start int64, length int64) string {
	if length <= 0 {
		return ""
	}
	// end is exclusive and saturates instead of wrapping
	end := start + length
	if end < start {
		end = math.MaxInt64
	}
	if start < 1 {
		start = 1
	}
	if end <= start {
		return ""
	}
	begin := -1
	pos := int64(1)
	for i := range s {
		if pos == start {
			begin = i
		}
		if pos == end {
			return s[begin:i]
		}
		pos++
	}
	if begin < 0 {
		return ""
	}
	return s[begin:]
}

func compileJSON(instr *ir.Instr) step {
	dst, doc, path := instr.ID, instr.Args[0], instr.Args[1]
	lookup := func(fr *frame) (gjson.Result, bool) {
		d := fr.strs[doc]
		if !gjson.Valid(d) {
			return gjson.Result{}, false
		}
		res := gjson.Get(d, fr.strs[path])
		return res, res.Exists()
	}
	switch instr.Fn {
	case "json_string":
		return func(fr *frame) {
			res, ok := lookup(fr)
			if !ok || res.Type == gjson.Null {
				fr.nulls[dst] = true
				return
			}
			fr.nulls[dst] = false
			if res.Type == gjson.String {
				fr.strs[dst] = res.Str
			} else {
				fr.strs[dst] = res.Raw
			}
		}
	case "json_int":
		return func(fr *frame) {
			res, ok := lookup(fr)
			fr.ints[dst], fr.nulls[dst] = 0, true
			if !ok {
				return
			}
			switch res.Type {
			case gjson.Number:
				fr.ints[dst], fr.nulls[dst] = ir.FloatToInt(res.Num), false
				if v, ok := ir.ParseInt(res.Raw); ok {
					fr.ints[dst] = v
				}
			case gjson.String:
				v, ok := ir.ParseInt(res.Str)
				fr.ints[dst], fr.nulls[dst] = v, !ok
			}
		}
	case "json_float":
		return func(fr *frame) {
			res, ok := lookup(fr)
			fr.floats[dst], fr.nulls[dst] = 0, true
			if !ok {
				return
			}
			switch res.Type {
			case gjson.Number:
				fr.floats[dst], fr.nulls[dst] = res.Num, false
			case gjson.String:
				v, ok := ir.ParseFloat(res.Str)
				fr.floats[dst], fr.nulls[dst] = v, !ok
			}
		}
	default:
		return func(fr *frame) {
			res, ok := lookup(fr)
			if !ok || (res.Type != gjson.True && res.Type != gjson.False) {
				fr.bools[dst], fr.nulls[dst] = false, true
				return
			}
			fr.bools[dst], fr.nulls[dst] = res.Type == gjson.True, false
		}
	}
}
