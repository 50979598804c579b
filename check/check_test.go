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
	"testing"

	"github.com/spirit-labs/udfc/ast"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/parser"
	"github.com/spirit-labs/udfc/types"
	"github.com/stretchr/testify/require"
)

func checkSource(t *testing.T, src string) (*Typed, error) {
	t.Helper()
	tree, err := parser.Parse(src)
	require.NoError(t, err)
	return Check(tree, nil)
}

// returnType type checks `def f(<params>) -> <ret> { return <expr> }` and returns the type of expr.
func returnType(t *testing.T, params string, ret string, expr string) types.Type {
	t.Helper()
	typed, err := checkSource(t, "def f("+params+") -> "+ret+" { return "+expr+" }")
	require.NoError(t, err)
	tree := typed.Tree
	retNode := tree.Node(tree.Node(tree.Body).Children[0])
	return typed.TypeOf(retNode.Children[0])
}

func requireTypeError(t *testing.T, src string, contains string) errors.UdfError {
	t.Helper()
	_, err := checkSource(t, src)
	require.Error(t, err)
	var uerr errors.UdfError
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, errors.TypeError, uerr.Code)
	require.Contains(t, uerr.Error(), contains)
	return uerr
}

func TestGreetTypes(t *testing.T) {
	typ := returnType(t, "name: string", "string", `"Udf_transpiler " + name + " 🐥"`)
	require.Equal(t, types.Nullable(types.Utf8String), typ)
}

func TestNumericPromotion(t *testing.T) {
	require.Equal(t, types.Float64, returnType(t, "", "float", "1 + 2.5"))
	require.Equal(t, types.Int64, returnType(t, "", "int", "1 * 2 - 3"))
	require.Equal(t, types.Nullable(types.Float64), returnType(t, "a: int", "float", "a + 2.5"))
	require.Equal(t, types.Float64, returnType(t, "", "float", "7.0 / 2"))
}

func TestIntegerDivisionIsNullable(t *testing.T) {
	require.Equal(t, types.Nullable(types.Int64), returnType(t, "", "int", "7 / 2"))
	require.Equal(t, types.Nullable(types.Int64), returnType(t, "", "int", "7 % 2"))
}

func TestNullPropagatesThroughOperators(t *testing.T) {
	require.Equal(t, types.Nullable(types.Bool), returnType(t, "a: int", "bool", "a > 1"))
	require.Equal(t, types.Nullable(types.Bool), returnType(t, "a: bool", "bool", "!a"))
	require.Equal(t, types.Nullable(types.Int64), returnType(t, "a: int", "int", "-a"))
	require.Equal(t, types.Nullable(types.Int64), returnType(t, "", "int", "1 + null"))
}

func TestCasts(t *testing.T) {
	require.Equal(t, types.Utf8String, returnType(t, "", "string", "string(1)"))
	require.Equal(t, types.Nullable(types.Utf8String), returnType(t, "a: float", "string", "string(a)"))
	require.Equal(t, types.Nullable(types.Int64), returnType(t, "", "int", `int("12")`))
	require.Equal(t, types.Int64, returnType(t, "", "int", "int(1.5)"))
	require.Equal(t, types.Int64, returnType(t, "", "int", "int(true)"))
	require.Equal(t, types.Float64, returnType(t, "", "float", "float(1)"))
	requireTypeError(t, `def f() -> bool { return bool(1) }`, "cannot cast int to bool")
	requireTypeError(t, `def f() -> float { return float(true) }`, "cannot cast bool to float")
}

func TestBuiltins(t *testing.T) {
	require.Equal(t, types.Bool, returnType(t, "a: int", "bool", "is_null(a)"))
	require.Equal(t, types.Int64, returnType(t, "a: int", "int", "coalesce(a, 0)"))
	require.Equal(t, types.Float64, returnType(t, "a: int", "float", "coalesce(a, 0.5)"))
	require.Equal(t, types.Nullable(types.Int64), returnType(t, "a: int, b: int", "int", "coalesce(a, b)"))
	require.Equal(t, types.Nullable(types.Int64), returnType(t, "s: string", "int", "len(s)"))
	require.Equal(t, types.Float64, returnType(t, "", "float", "max(1, 2.0)"))
	require.Equal(t, types.Utf8String, returnType(t, "", "string", `substr("hello", 1, 2)`))
	require.Equal(t, types.Nullable(types.Int64), returnType(t, "", "int", `json_int("{}", "a")`))
	requireTypeError(t, `def f() -> int { return len(1) }`, "expected string but found int")
	requireTypeError(t, `def f() -> int { return nope(1) }`, "unknown function 'nope'")
	requireTypeError(t, `def f() -> int { return abs(1, 2) }`, "expected 1 arguments but found 2 arguments")
}

func TestStringConcatRejectsMixedTypes(t *testing.T) {
	uerr := requireTypeError(t, `def f(n: int) -> string { return "a" + n }`, "expected string but found int?")
	require.Equal(t, 40, uerr.Pos.Column)
	require.Equal(t, "string", uerr.Expected)
	require.Equal(t, "int?", uerr.Found)
}

func TestNullableConditionRejected(t *testing.T) {
	requireTypeError(t, `def f(a: bool) -> int { if a { return 1 } return 0 }`, "expected bool but found bool?")
	requireTypeError(t, `def f() -> int { while 1 { return 1 } return 0 }`, "expected bool but found int")
}

func TestReturnWidening(t *testing.T) {
	_, err := checkSource(t, `def f() -> float { return 1 }`)
	require.NoError(t, err)
	_, err = checkSource(t, `def f(a: int) -> int { return a }`)
	require.NoError(t, err)
	_, err = checkSource(t, `def f() -> string { return null }`)
	require.NoError(t, err)
	requireTypeError(t, `def f() -> int { return 1.5 }`, "expected int but found float")
	requireTypeError(t, `def f() -> string { return 1 }`, "expected string but found int")
}

func TestNarrowingAfterEarlyReturn(t *testing.T) {
	typed, err := checkSource(t, `def f(x: int) -> int {
		if is_null(x) { return 0 }
		let y = x + 1
		return y
	}`)
	require.NoError(t, err)
	let := findLet(typed, "y")
	require.Equal(t, types.Int64, typed.Vars[typed.VarOf(let)].Type)
}

func TestNarrowingInThenBranch(t *testing.T) {
	typed, err := checkSource(t, `def f(x: int) -> int {
		if is_not_null(x) {
			let a = x
			return a
		} else {
			let b = x
			return b
		}
	}`)
	require.NoError(t, err)
	require.Equal(t, types.Int64, typed.Vars[typed.VarOf(findLet(typed, "a"))].Type)
	require.Equal(t, types.Nullable(types.Int64), typed.Vars[typed.VarOf(findLet(typed, "b"))].Type)

	typed, err = checkSource(t, `def f(x: int) -> int {
		if !is_null(x) { let a = x; return a }
		return 0
	}`)
	require.NoError(t, err)
	require.Equal(t, types.Int64, typed.Vars[typed.VarOf(findLet(typed, "a"))].Type)
}

func TestNarrowingInLogicalOperands(t *testing.T) {
	_, err := checkSource(t, `def f(x: int) -> int { if is_not_null(x) && x > 0 { return 1 } return 0 }`)
	require.NoError(t, err)
	_, err = checkSource(t, `def f(x: int) -> int { if is_null(x) || x > 0 { return 1 } return 0 }`)
	require.NoError(t, err)
	_, err = checkSource(t, `def f(x: int, y: int) -> int {
		if is_not_null(x) && is_not_null(y) && x > y { return 1 }
		return 0
	}`)
	require.NoError(t, err)
	require.Equal(t, types.Bool, returnType(t, "x: int", "bool", "is_not_null(x) && x > 0"))

	// facts of the wrong polarity do not narrow
	requireTypeError(t, `def f(x: int) -> int { if is_null(x) && x > 0 { return 1 } return 0 }`,
		"expected bool but found bool?")
	requireTypeError(t, `def f(x: int) -> int { if is_not_null(x) || x > 0 { return 1 } return 0 }`,
		"expected bool but found bool?")
	// the narrowing ends with the expression
	requireTypeError(t, `def f(x: int) -> int {
		let ok = is_not_null(x) && x > 0
		if x > 0 { return 1 }
		return 0
	}`, "expected bool but found bool?")
}

func TestNarrowingDroppedByAssignment(t *testing.T) {
	typed, err := checkSource(t, `def f(x: int, z: int) -> int {
		if is_null(x) { return 0 }
		x = z
		let y = x
		return y
	}`)
	require.NoError(t, err)
	require.Equal(t, types.Nullable(types.Int64), typed.Vars[typed.VarOf(findLet(typed, "y"))].Type)
}

func TestNarrowingDroppedInLoopThatAssigns(t *testing.T) {
	requireTypeError(t, `def f(x: int, z: int) -> int {
		if is_null(x) { return 0 }
		let i = 0
		while x > i { x = z }
		return i
	}`, "expected bool but found bool?")
}

func TestLoopsAndFor(t *testing.T) {
	_, err := checkSource(t, `def f(n: int) -> int {
		let total = 0
		for i in 0..coalesce(n, 0) { total = total + i }
		let j = 0
		while j < 10 { j = j + 1 }
		return total + j
	}`)
	require.NoError(t, err)
}

func TestLetRules(t *testing.T) {
	requireTypeError(t, `def f() -> int { let x = null; return 1 }`, "cannot infer the type of 'x'")
	_, err := checkSource(t, `def f() -> int { let x: int? = null; return x }`)
	require.NoError(t, err)
	requireTypeError(t, `def f() -> int { let x = 1; x = 1.5; return x }`, "expected int but found float")
	requireTypeError(t, `def f() -> int { let x = 1; x = null; return x }`, "expected int but found null")
	requireTypeError(t, `def f(a: int) -> int { let a = 1; return a }`, "variable 'a' is already declared")
	requireTypeError(t, `def f() -> int { y = 1; return 1 }`, "unknown variable 'y'")
	requireTypeError(t, `def f() -> int { return y }`, "unknown variable 'y'")
	_, err = checkSource(t, `def f() -> float { let x: float = 1; x = 2; return x }`)
	require.NoError(t, err)
}

func TestUnreachableStatement(t *testing.T) {
	requireTypeError(t, `def f() -> int { return 1; let x = 2 }`, "unreachable statement")
	requireTypeError(t, `def f(b: bool) -> int {
		if coalesce(b, true) { return 1 } else { return 2 }
		return 3
	}`, "unreachable statement")
}

func TestOperatorTypeErrors(t *testing.T) {
	requireTypeError(t, `def f() -> int { return 1 % 2.0 }`, "expected int but found float")
	requireTypeError(t, `def f() -> bool { return true < false }`, "operator '<' is not defined for bool")
	requireTypeError(t, `def f() -> bool { return 1 && true }`, "expected bool but found int")
	requireTypeError(t, `def f() -> bool { return "a" == 1 }`, "expected string but found int")
	requireTypeError(t, `def f() -> int { return -"a" }`, "expected int or float but found string")
	requireTypeError(t, `def f() -> int { return null + null }`, "two null operands")
}

func TestDeclaredArgTypesMustAgree(t *testing.T) {
	tree, err := parser.Parse(`def f(a: int) -> int { return a }`)
	require.NoError(t, err)
	_, err = Check(tree, []types.Type{types.Float64})
	require.True(t, errors.IsUdfErrorWithCode(err, errors.TypeError))
	_, err = Check(tree, []types.Type{types.Int64, types.Int64})
	require.True(t, errors.IsUdfErrorWithCode(err, errors.TypeError))
	typed, err := Check(tree, []types.Type{types.Nullable(types.Int64)})
	require.NoError(t, err)
	require.Equal(t, []types.Type{types.Int64}, typed.ArgTypes)
}

func findLet(typed *Typed, name string) ast.NodeID {
	res := ast.NoNode
	typed.Tree.Walk(typed.Tree.Body, func(id ast.NodeID, n *ast.Node) bool {
		if n.Kind == ast.KindLet && n.Name == name {
			res = id
		}
		return true
	})
	return res
}
