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
	"testing"

	"github.com/spirit-labs/udfc/check"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/parser"
	"github.com/spirit-labs/udfc/types"
	"github.com/stretchr/testify/require"
)

func buildSource(t *testing.T, src string) *Function {
	t.Helper()
	tree, err := parser.Parse(src)
	require.NoError(t, err)
	typed, err := check.Check(tree, nil)
	require.NoError(t, err)
	f, err := Build(typed)
	require.NoError(t, err)
	require.NoError(t, Verify(f))
	return f
}

func optimized(t *testing.T, src string) *Function {
	t.Helper()
	f := buildSource(t, src)
	Optimize(f)
	require.NoError(t, Verify(f), f.String())
	return f
}

// returnedConst expects f to be a single block returning a constant and returns that constant.
func returnedConst(t *testing.T, f *Function) *Instr {
	t.Helper()
	require.Equal(t, 1, len(f.Blocks), f.String())
	b := f.Blocks[0]
	require.Equal(t, TermReturn, b.Term.Kind)
	for _, instr := range b.Instrs {
		if instr.ID == b.Term.Value {
			require.Equal(t, OpConst, instr.Op, f.String())
			return instr
		}
	}
	require.Fail(t, "returned value not found", f.String())
	return nil
}

func TestBuildGreet(t *testing.T) {
	f := buildSource(t, `def greet(name: string) -> string { return "Udf_transpiler " + name + " 🐥" }`)
	require.Equal(t, "greet", f.Name)
	require.Equal(t, []types.Type{types.Utf8String}, f.Params)
	require.Equal(t, types.Utf8String, f.Return)
	s := f.String()
	require.Contains(t, s, "func greet(string) -> string")
	require.Contains(t, s, "= param 0")
	require.Contains(t, s, "= isnull")
	require.Contains(t, s, "= concat")
	require.Contains(t, s, "= phi")
}

func TestBuildParamsAreNullable(t *testing.T) {
	f := buildSource(t, `def f(a: int, b: float) -> float { return b }`)
	params := 0
	for _, instr := range f.Instrs() {
		if instr.Op == OpParam {
			require.Equal(t, types.Nullable(f.Params[instr.Param]), instr.Type)
			params++
		}
	}
	require.Equal(t, 2, params)
}

func TestBuildLoopHeaderPhis(t *testing.T) {
	f := buildSource(t, `
def sum(n: int) -> int {
  if is_null(n) { return null }
  let s = 0
  for i in 0..n { s = s + i }
  return s
}`)
	var header *Block
	for _, b := range f.Blocks {
		if b.LoopHeader {
			require.Nil(t, header, "more than one loop header")
			header = b
		}
	}
	require.NotNil(t, header)
	// s and i are assigned in the body
	require.Equal(t, 2, len(header.Phis()))
	require.Equal(t, 2, len(header.Preds))
	for _, phi := range header.Phis() {
		require.Equal(t, header.Preds, phi.From)
	}
	require.Equal(t, TermBranch, header.Term.Kind)

	Optimize(f)
	require.NoError(t, Verify(f))
	headers := 0
	for _, b := range f.Blocks {
		if b.LoopHeader {
			headers++
		}
	}
	require.Equal(t, 1, headers)
}

func TestBuildConditionalMergesOnlyChangedVars(t *testing.T) {
	f := buildSource(t, `
def f(a: int) -> int {
  let x = 1
  let y = 2
  if is_null(a) { x = 3 } else { x = 4 }
  return x + y
}`)
	phis := 0
	for _, instr := range f.Instrs() {
		if instr.Op == OpPhi {
			phis++
			require.Equal(t, types.Int64, instr.Type)
		}
	}
	require.Equal(t, 1, phis)
}

func TestOptimizeFoldsArithmetic(t *testing.T) {
	c := returnedConst(t, optimized(t, `def f() -> int { return 1 + 2 * 3 - 4 }`))
	require.Equal(t, int64(3), c.Const.Int)
	require.False(t, c.Const.Null)
}

func TestOptimizeFoldsDivisionByZeroToNull(t *testing.T) {
	c := returnedConst(t, optimized(t, `def f() -> int { return 7 / 0 }`))
	require.True(t, c.Const.Null)
	require.Equal(t, types.Nullable(types.Int64), c.Type)

	c = returnedConst(t, optimized(t, `def f() -> int { return -7 % 2 }`))
	require.False(t, c.Const.Null)
	require.Equal(t, int64(-1), c.Const.Int)
}

func TestOptimizeFoldsCasts(t *testing.T) {
	c := returnedConst(t, optimized(t, `def f() -> int { return int(" 42 ") }`))
	require.Equal(t, int64(42), c.Const.Int)
	c = returnedConst(t, optimized(t, `def f() -> int { return int("x") }`))
	require.True(t, c.Const.Null)
	c = returnedConst(t, optimized(t, `def f() -> string { return string(2.5) + string(true) }`))
	require.Equal(t, "2.5true", c.Const.Str)
	c = returnedConst(t, optimized(t, `def f() -> int { return int(1e300) }`))
	require.Equal(t, int64(9223372036854775807), c.Const.Int)
}

func TestOptimizeNaNComparisons(t *testing.T) {
	c := returnedConst(t, optimized(t, `def f() -> bool { return 0.0 / 0.0 == 0.0 / 0.0 }`))
	require.False(t, c.Const.Bool)
	c = returnedConst(t, optimized(t, `def f() -> bool { return 0.0 / 0.0 != 0.0 / 0.0 }`))
	require.True(t, c.Const.Bool)
}

func TestOptimizeFoldsBranches(t *testing.T) {
	f := optimized(t, `def f(a: int) -> int { if 1 < 2 { return 1 } else { return 2 } }`)
	c := returnedConst(t, f)
	require.Equal(t, int64(1), c.Const.Int)
	// the unused parameter is gone too
	require.Equal(t, 1, len(f.Blocks[0].Instrs))
}

func TestOptimizeRemovesDeadLoop(t *testing.T) {
	f := optimized(t, `
def f() -> int {
  let x = 5
  while false { x = x + 1 }
  return x
}`)
	c := returnedConst(t, f)
	require.Equal(t, int64(5), c.Const.Int)
}

func TestOptimizeKeepsNullGuards(t *testing.T) {
	f := optimized(t, `def f(a: int) -> int { return a + 1 }`)
	require.Greater(t, len(f.Blocks), 1)
	var ops []Op
	for _, instr := range f.Instrs() {
		ops = append(ops, instr.Op)
	}
	require.Contains(t, ops, OpIsNull)
	require.Contains(t, ops, OpUnwrap)
	require.Contains(t, ops, OpAdd)
}

func TestOptimizeIsIdempotent(t *testing.T) {
	src := `
def f(a: int, b: string) -> string {
  let s = ""
  let i = 0
  while i < 3 {
    s = s + coalesce(b, "-")
    i = i + 1
  }
  if is_null(a) { return s }
  return s + string(a)
}`
	f := optimized(t, src)
	before := f.String()
	Optimize(f)
	require.Equal(t, before, f.String())
}

func TestPropagateCopies(t *testing.T) {
	f := NewFunction("copies", []types.Type{types.Int64}, types.Int64)
	b0, b1, b2 := f.NewBlock(), f.NewBlock(), f.NewBlock()
	nullableInt := types.Nullable(types.Int64)
	p := &Instr{ID: f.NewValue(nullableInt), Op: OpParam, Type: nullableInt}
	isNull := &Instr{ID: f.NewValue(types.Bool), Op: OpIsNull, Type: types.Bool, Args: []ValueID{p.ID}}
	b0.Instrs = []*Instr{p, isNull}
	b0.Term = Terminator{Kind: TermBranch, Cond: isNull.ID, Then: b1.ID, Else: b2.ID}
	b1.Preds = []BlockID{b0.ID}
	b1.Term = Terminator{Kind: TermReturn, Value: NoValue}

	phi := &Instr{ID: f.NewValue(nullableInt), Op: OpPhi, Type: nullableInt, Args: []ValueID{p.ID},
		From: []BlockID{b0.ID}}
	unwrap := &Instr{ID: f.NewValue(types.Int64), Op: OpUnwrap, Type: types.Int64, Args: []ValueID{phi.ID}}
	again := &Instr{ID: f.NewValue(types.Int64), Op: OpUnwrap, Type: types.Int64, Args: []ValueID{unwrap.ID}}
	cast := &Instr{ID: f.NewValue(types.Int64), Op: OpCast, Type: types.Int64, Args: []ValueID{again.ID}}
	add := &Instr{ID: f.NewValue(types.Int64), Op: OpAdd, Type: types.Int64, Args: []ValueID{cast.ID, again.ID}}
	b2.Preds = []BlockID{b0.ID}
	b2.Instrs = []*Instr{phi, unwrap, again, cast, add}
	b2.Term = Terminator{Kind: TermReturn, Value: add.ID}
	require.NoError(t, Verify(f))

	require.True(t, propagateCopies(f))
	require.NoError(t, Verify(f), f.String())
	require.Equal(t, []*Instr{unwrap, add}, b2.Instrs)
	require.Equal(t, []ValueID{p.ID}, unwrap.Args)
	require.Equal(t, []ValueID{unwrap.ID, unwrap.ID}, add.Args)
	require.False(t, propagateCopies(f))
}

func TestThreadJumps(t *testing.T) {
	f := NewFunction("thread", []types.Type{types.Bool}, types.Int64)
	b0, b1, b2, b3, b4, b5 := f.NewBlock(), f.NewBlock(), f.NewBlock(), f.NewBlock(), f.NewBlock(), f.NewBlock()
	nullableBool := types.Nullable(types.Bool)
	p := &Instr{ID: f.NewValue(nullableBool), Op: OpParam, Type: nullableBool}
	isNull := &Instr{ID: f.NewValue(types.Bool), Op: OpIsNull, Type: types.Bool, Args: []ValueID{p.ID}}
	zero := &Instr{ID: f.NewValue(types.Int64), Op: OpConst, Type: types.Int64}
	one := &Instr{ID: f.NewValue(types.Int64), Op: OpConst, Type: types.Int64, Const: Const{Int: 1}}
	b0.Instrs = []*Instr{p, isNull, zero, one}
	b0.Term = Terminator{Kind: TermBranch, Cond: isNull.ID, Then: b1.ID, Else: b2.ID}
	b1.Preds = []BlockID{b0.ID}
	b1.Term = Terminator{Kind: TermJump, Then: b3.ID}
	b2.Preds = []BlockID{b0.ID}
	b2.Term = Terminator{Kind: TermJump, Then: b3.ID}
	// b3 is empty and only branches
	b3.Preds = []BlockID{b1.ID, b2.ID}
	b3.Term = Terminator{Kind: TermBranch, Cond: isNull.ID, Then: b4.ID, Else: b5.ID}
	b4.Preds = []BlockID{b3.ID}
	b4.Term = Terminator{Kind: TermReturn, Value: one.ID}
	phi := &Instr{ID: f.NewValue(types.Int64), Op: OpPhi, Type: types.Int64, Args: []ValueID{zero.ID},
		From: []BlockID{b3.ID}}
	b5.Preds = []BlockID{b3.ID}
	b5.Instrs = []*Instr{phi}
	b5.Term = Terminator{Kind: TermReturn, Value: phi.ID}
	require.NoError(t, Verify(f))

	require.True(t, threadJumps(f))
	require.NoError(t, Verify(f), f.String())
	require.Equal(t, TermBranch, b1.Term.Kind)
	require.Equal(t, TermBranch, b2.Term.Kind)
	require.Empty(t, b3.Preds)
	require.ElementsMatch(t, []BlockID{b3.ID, b1.ID, b2.ID}, b5.Preds)
	require.Equal(t, []ValueID{zero.ID, zero.ID, zero.ID}, phi.Args)

	require.True(t, removeUnreachable(f))
	require.NoError(t, Verify(f), f.String())
	require.Equal(t, 5, len(f.Blocks))
	require.Equal(t, 2, len(phi.From))
	require.False(t, threadJumps(f))
}

func TestThreadJumpsKeepsLoopHeaders(t *testing.T) {
	f := NewFunction("loop", []types.Type{types.Bool}, types.Int64)
	b0, b1, b2, b3 := f.NewBlock(), f.NewBlock(), f.NewBlock(), f.NewBlock()
	nullableBool := types.Nullable(types.Bool)
	p := &Instr{ID: f.NewValue(nullableBool), Op: OpParam, Type: nullableBool}
	isNull := &Instr{ID: f.NewValue(types.Bool), Op: OpIsNull, Type: types.Bool, Args: []ValueID{p.ID}}
	b0.Instrs = []*Instr{p, isNull}
	b0.Term = Terminator{Kind: TermJump, Then: b1.ID}
	b1.LoopHeader = true
	b1.Preds = []BlockID{b0.ID, b2.ID}
	b1.Term = Terminator{Kind: TermBranch, Cond: isNull.ID, Then: b2.ID, Else: b3.ID}
	b2.Preds = []BlockID{b1.ID}
	b2.Term = Terminator{Kind: TermJump, Then: b1.ID}
	b3.Preds = []BlockID{b1.ID}
	b3.Term = Terminator{Kind: TermReturn, Value: NoValue}
	require.NoError(t, Verify(f))
	require.False(t, threadJumps(f))
	require.Equal(t, TermJump, b0.Term.Kind)
}

func TestVerifyRejectsUndefinedUse(t *testing.T) {
	f := NewFunction("broken", nil, types.Int64)
	b := f.NewBlock()
	v := f.NewValue(types.Int64)
	b.Term = Terminator{Kind: TermReturn, Value: v}
	err := Verify(f)
	require.Error(t, err)
	require.True(t, errors.IsUdfErrorWithCode(err, errors.InternalCodegenError))
	require.Contains(t, err.Error(), "undefined slot v0")
}

func TestVerifyRejectsMissingTerminator(t *testing.T) {
	f := NewFunction("broken", nil, types.Int64)
	f.NewBlock()
	err := Verify(f)
	require.Error(t, err)
	require.Contains(t, err.Error(), "has no terminator")
}

func TestVerifyRejectsNullableOperand(t *testing.T) {
	f := NewFunction("broken", []types.Type{types.Int64}, types.Int64)
	b := f.NewBlock()
	p := &Instr{ID: f.NewValue(types.Nullable(types.Int64)), Op: OpParam, Type: types.Nullable(types.Int64)}
	add := &Instr{ID: f.NewValue(types.Int64), Op: OpAdd, Type: types.Int64, Args: []ValueID{p.ID, p.ID}}
	b.Instrs = []*Instr{p, add}
	b.Term = Terminator{Kind: TermReturn, Value: add.ID}
	err := Verify(f)
	require.Error(t, err)
	require.Contains(t, err.Error(), "is nullable")
}

func TestVerifyRejectsBadPreds(t *testing.T) {
	f := NewFunction("broken", nil, types.Int64)
	b0 := f.NewBlock()
	b1 := f.NewBlock()
	b0.Term = Terminator{Kind: TermJump, Then: b1.ID}
	b1.Term = Terminator{Kind: TermReturn, Value: NoValue}
	err := Verify(f)
	require.Error(t, err)
	require.Contains(t, err.Error(), "preds that do not match")
	b1.Preds = []BlockID{b0.ID}
	require.NoError(t, Verify(f))
}

func TestScalarSemantics(t *testing.T) {
	v, ok := DivInt(7, 0)
	require.False(t, ok)
	v, ok = DivInt(-9223372036854775808, -1)
	require.True(t, ok)
	require.Equal(t, int64(-9223372036854775808), v)
	v, ok = RemInt(-7, 3)
	require.True(t, ok)
	require.Equal(t, int64(-1), v)
	require.Equal(t, int64(-3), FloatToInt(-3.9))
	require.Equal(t, int64(0), FloatToInt(nan()))
	require.Equal(t, "1e+21", FormatFloat(1e21))
	require.Equal(t, "0.1", FormatFloat(0.1))
	_, ok = ParseFloat("abc")
	require.False(t, ok)
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}
