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

package check

import (
	"fmt"

	"github.com/spirit-labs/udfc/types"
)

// Builtin describes a function callable from UDF source.
//
// Strict builtins are never invoked with a null argument, the call evaluates to null instead. Builtins with
// MayReturnNull can produce null for non null arguments, json lookups on a missing path for example.
type Builtin struct {
	Name          string
	Arity         int
	Strict        bool
	MayReturnNull bool
	// result computes the base result type from the base argument types. A non empty string is the expected
	// description for a type error on argument argIndex.
	result func(args []types.Type) (res types.Type, argIndex int, expected string)
}

var Builtins = map[string]*Builtin{}

func init() {
	register := func(b *Builtin) {
		Builtins[b.Name] = b
	}
	register(&Builtin{Name: "is_null", Arity: 1, result: anyToBool})
	register(&Builtin{Name: "is_not_null", Arity: 1, result: anyToBool})
	register(&Builtin{Name: "coalesce", Arity: 2})
	register(&Builtin{Name: "abs", Arity: 1, Strict: true, result: numericUnary})
	register(&Builtin{Name: "min", Arity: 2, Strict: true, result: numericBinary})
	register(&Builtin{Name: "max", Arity: 2, Strict: true, result: numericBinary})
	register(&Builtin{Name: "len", Arity: 1, Strict: true, result: fixed(types.Int64, types.Utf8String)})
	register(&Builtin{Name: "upper", Arity: 1, Strict: true, result: fixed(types.Utf8String, types.Utf8String)})
	register(&Builtin{Name: "lower", Arity: 1, Strict: true, result: fixed(types.Utf8String, types.Utf8String)})
	register(&Builtin{Name: "trim", Arity: 1, Strict: true, result: fixed(types.Utf8String, types.Utf8String)})
	register(&Builtin{Name: "substr", Arity: 3, Strict: true,
		result: fixed(types.Utf8String, types.Utf8String, types.Int64, types.Int64)})
	register(&Builtin{Name: "starts_with", Arity: 2, Strict: true,
		result: fixed(types.Bool, types.Utf8String, types.Utf8String)})
	register(&Builtin{Name: "ends_with", Arity: 2, Strict: true,
		result: fixed(types.Bool, types.Utf8String, types.Utf8String)})
	register(&Builtin{Name: "contains", Arity: 2, Strict: true,
		result: fixed(types.Bool, types.Utf8String, types.Utf8String)})
	register(&Builtin{Name: "json_string", Arity: 2, Strict: true, MayReturnNull: true,
		result: fixed(types.Utf8String, types.Utf8String, types.Utf8String)})
	register(&Builtin{Name: "json_int", Arity: 2, Strict: true, MayReturnNull: true,
		result: fixed(types.Int64, types.Utf8String, types.Utf8String)})
	register(&Builtin{Name: "json_float", Arity: 2, Strict: true, MayReturnNull: true,
		result: fixed(types.Float64, types.Utf8String, types.Utf8String)})
	register(&Builtin{Name: "json_bool", Arity: 2, Strict: true, MayReturnNull: true,
		result: fixed(types.Bool, types.Utf8String, types.Utf8String)})
}

func anyToBool(_ []types.Type) (types.Type, int, string) {
	return types.Bool, 0, ""
}

func numericUnary(args []types.Type) (types.Type, int, string) {
	if !args[0].IsNumeric() && !args[0].IsNull() {
		return types.Invalid, 0, "int or float"
	}
	if args[0].IsNull() {
		return types.Int64, 0, ""
	}
	return args[0].Base(), 0, ""
}

func numericBinary(args []types.Type) (types.Type, int, string) {
	res := types.Int64
	for i, arg := range args {
		if arg.IsNull() {
			continue
		}
		if !arg.IsNumeric() {
			return types.Invalid, i, "int or float"
		}
		if arg.ID() == types.TypeIDFloat64 {
			res = types.Float64
		}
	}
	return res, 0, ""
}

func fixed(res types.Type, params ...types.Type) func([]types.Type) (types.Type, int, string) {
	return func(args []types.Type) (types.Type, int, string) {
		for i, arg := range args {
			if !arg.IsNull() && arg.Base() != params[i] {
				return types.Invalid, i, params[i].String()
			}
		}
		return res, 0, ""
	}
}

// ParamTypes returns the base argument types a call will be lowered with, after numeric promotion.
func (b *Builtin) ParamTypes(args []types.Type, result types.Type) []types.Type {
	res := make([]types.Type, len(args))
	switch b.Name {
	case "abs", "min", "max":
		for i := range res {
			res[i] = result.Base()
		}
	case "len", "upper", "lower", "trim", "starts_with", "ends_with", "contains", "json_string", "json_int",
		"json_float", "json_bool":
		for i := range res {
			res[i] = types.Utf8String
		}
	case "substr":
		res[0], res[1], res[2] = types.Utf8String, types.Int64, types.Int64
	default:
		for i, arg := range args {
			res[i] = arg.Base()
		}
	}
	return res
}

func (b *Builtin) String() string {
	return fmt.Sprintf("%s/%d", b.Name, b.Arity)
}
