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
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/spirit-labs/udfc/check"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/ir"
	"github.com/spirit-labs/udfc/parser"
	"github.com/spirit-labs/udfc/types"
	"github.com/spirit-labs/udfc/vector"
	"github.com/stretchr/testify/require"
)

const greetSource = `def greet(name: string) -> string { return "Udf_transpiler " + name + " 🐥" }`

func compileKernel(t *testing.T, src string, opts Options) *Kernel {
	t.Helper()
	tree, err := parser.Parse(src)
	require.NoError(t, err)
	typed, err := check.Check(tree, nil)
	require.NoError(t, err)
	fn, err := ir.Build(typed)
	require.NoError(t, err)
	ir.Optimize(fn)
	k, err := Generate(fn, opts)
	require.NoError(t, err)
	return k
}

func eval(t *testing.T, k *Kernel, args ...*vector.Vector) []any {
	t.Helper()
	rows := 0
	if len(args) > 0 {
		rows = args[0].Len
	}
	batch := vector.NewBatch(rows, k.ReturnType(), args...)
	batch.Arena = vector.NewArena(0)
	defer batch.Arena.Release()
	require.NoError(t, k.Eval(context.Background(), batch))
	return detach(batch.Out.Values())
}

// detach copies strings out of arena memory so they outlive the batch.
func detach(vals []any) []any {
	for i, v := range vals {
		if s, ok := v.(string); ok {
			vals[i] = strings.Clone(s)
		}
	}
	return vals
}

func TestGreet(t *testing.T) {
	k := compileKernel(t, greetSource, Options{})
	require.Equal(t, "greet", k.Name())
	res := eval(t, k, vector.MustFromValues(types.Utf8String, "Sam", nil, ""))
	require.Equal(t, []any{"Udf_transpiler Sam 🐥", nil, "Udf_transpiler  🐥"}, res)
}

func TestNullRowsDoNotAllocate(t *testing.T) {
	k := compileKernel(t, greetSource, Options{})
	batch := vector.NewBatch(100, types.Utf8String, vector.MustFromValues(types.Utf8String, make([]any, 100)...))
	batch.Arena = vector.NewArena(0)
	defer batch.Arena.Release()
	require.NoError(t, k.Eval(context.Background(), batch))
	require.Equal(t, 100, batch.Out.NullCount())
	require.Equal(t, 0, batch.Arena.Stats().Allocs)

	batch = vector.NewBatch(2, types.Utf8String, vector.MustFromValues(types.Utf8String, "a", nil))
	batch.Arena = vector.NewArena(0)
	defer batch.Arena.Release()
	require.NoError(t, k.Eval(context.Background(), batch))
	require.Equal(t, 2, batch.Arena.Stats().Allocs)
}

func TestArithmetic(t *testing.T) {
	k := compileKernel(t, `def f(a: int, b: int) -> int { return a / b + a % b }`, Options{})
	res := eval(t, k,
		vector.MustFromValues(types.Int64, 7, 7, nil, -7),
		vector.MustFromValues(types.Int64, 2, 0, 1, 2))
	require.Equal(t, []any{int64(4), nil, nil, int64(-4)}, res)

	k = compileKernel(t, `def f(a: int, b: float) -> float { return a * b - 0.5 }`, Options{})
	res = eval(t, k,
		vector.MustFromValues(types.Int64, 2, 3),
		vector.MustFromValues(types.Float64, 1.5, nil))
	require.Equal(t, []any{2.5, nil}, res)
}

func TestCasts(t *testing.T) {
	k := compileKernel(t, `def f(s: string) -> string { return string(int(s) * 2) + "/" + string(float(s)) }`,
		Options{})
	res := eval(t, k, vector.MustFromValues(types.Utf8String, "21", " 4 ", "x", "1.5"))
	require.Equal(t, []any{"42/21", "8/4", nil, nil}, res)

	k = compileKernel(t, `def f(x: float, b: bool) -> string { return string(int(x)) + string(b) }`, Options{})
	res = eval(t, k,
		vector.MustFromValues(types.Float64, -2.7, 1e300),
		vector.MustFromValues(types.Bool, true, false))
	require.Equal(t, []any{"-2true", "9223372036854775807false"}, res)
}

func TestBuiltins(t *testing.T) {
	k := compileKernel(t, `def f(s: string) -> string { return upper(trim(s)) + lower(s) + string(len(s)) }`,
		Options{})
	res := eval(t, k, vector.MustFromValues(types.Utf8String, " héllo ", "ABC"))
	require.Equal(t, []any{"HÉLLO héllo 7", "ABCabc3"}, res)

	k = compileKernel(t, `def f(s: string, i: int, n: int) -> string { return substr(s, i, n) }`, Options{})
	res = eval(t, k,
		vector.MustFromValues(types.Utf8String, "hello", "hello", "héllo", "hello", "hi"),
		vector.MustFromValues(types.Int64, 2, 4, 2, 0, 5),
		vector.MustFromValues(types.Int64, 3, 10, 2, 2, nil))
	require.Equal(t, []any{"ell", "lo", "él", "h", nil}, res)

	k = compileKernel(t, `def f(a: int, b: float) -> float { return max(abs(a), b) + min(1, 2) }`, Options{})
	res = eval(t, k,
		vector.MustFromValues(types.Int64, -5, 1),
		vector.MustFromValues(types.Float64, 2.0, 3.5))
	require.Equal(t, []any{6.0, 4.5}, res)

	k = compileKernel(t, `def f(s: string) -> bool { return starts_with(s, "ab") && ends_with(s, "yz") || contains(s, "!") }`,
		Options{})
	res = eval(t, k, vector.MustFromValues(types.Utf8String, "abxyz", "ab", "!", nil))
	require.Equal(t, []any{true, false, true, nil}, res)
}

func TestSubstrBounds(t *testing.T) {
	require.Equal(t, "he", Substr("hello", -1, 4))
	require.Equal(t, "", Substr("hello", -5, 3))
	require.Equal(t, "", Substr("hello", 2, -1))
	require.Equal(t, "", Substr("hello", 9, 2))
	require.Equal(t, "", Substr("hello", math.MinInt64, 5))
	require.Equal(t, "", Substr("hello", math.MinInt64, -10))
	require.Equal(t, "", Substr("hello", math.MinInt64, math.MaxInt64))
	require.Equal(t, "ello", Substr("hello", 2, math.MaxInt64))
	require.Equal(t, "", Substr("hello", math.MaxInt64, math.MaxInt64))
	require.Equal(t, "", Substr("", 1, 1))

	k := compileKernel(t, `def f(s: string, i: int, n: int) -> string { return substr(s, i, n) }`, Options{})
	res := eval(t, k,
		vector.MustFromValues(types.Utf8String, "hello", "hello"),
		vector.MustFromValues(types.Int64, int64(math.MinInt64), -1),
		vector.MustFromValues(types.Int64, -10, int64(math.MaxInt64)))
	require.Equal(t, []any{"", "hello"}, res)
}

func TestJSONBuiltins(t *testing.T) {
	doc := `{"name": "sam", "age": 42, "score": 2.5, "ok": true, "tags": ["a"], "nothing": null}`
	k := compileKernel(t, `def f(d: string, p: string) -> string { return json_string(d, p) }`, Options{})
	res := eval(t, k,
		vector.MustFromValues(types.Utf8String, doc, doc, doc, doc, "not json"),
		vector.MustFromValues(types.Utf8String, "name", "tags", "missing", "nothing", "name"))
	require.Equal(t, []any{"sam", `["a"]`, nil, nil, nil}, res)

	k = compileKernel(t, `def f(d: string, p: string) -> int { return json_int(d, p) }`, Options{})
	res = eval(t, k,
		vector.MustFromValues(types.Utf8String, doc, doc, doc, doc),
		vector.MustFromValues(types.Utf8String, "age", "score", "name", "ok"))
	require.Equal(t, []any{int64(42), int64(2), nil, nil}, res)

	k = compileKernel(t, `def f(d: string) -> bool { return json_bool(d, "ok") }`, Options{})
	require.Equal(t, []any{true}, eval(t, k, vector.MustFromValues(types.Utf8String, doc)))

	k = compileKernel(t, `def f(d: string) -> float { return json_float(d, "score") }`, Options{})
	require.Equal(t, []any{2.5}, eval(t, k, vector.MustFromValues(types.Utf8String, doc)))
}

func TestLoops(t *testing.T) {
	src := `
def fib(n: int) -> int {
  if is_null(n) { return null }
  let a = 0
  let b = 1
  for i in 0..n {
    let t = a + b
    a = b
    b = t
  }
  return a
}`
	k := compileKernel(t, src, Options{})
	res := eval(t, k, vector.MustFromValues(types.Int64, 0, 1, 2, 10, -3, nil))
	require.Equal(t, []any{int64(0), int64(1), int64(1), int64(55), int64(0), nil}, res)
}

func TestLoopIterationLimit(t *testing.T) {
	src := `
def f(n: int) -> int {
  let i = 0
  while i < coalesce(n, 0) { i = i + 1 }
  return i
}`
	k := compileKernel(t, src, Options{LoopIterationLimit: 100})
	res := eval(t, k, vector.MustFromValues(types.Int64, 5, 99, 100, 1000))
	require.Equal(t, []any{int64(5), int64(99), nil, nil}, res)
}

func TestNarrowingAndEarlyReturn(t *testing.T) {
	src := `
def label(x: int) -> string {
  if is_null(x) { return "none" }
  if x < 0 { return "negative" } else if x == 0 { return "zero" }
  return "positive " + string(x)
}`
	k := compileKernel(t, src, Options{})
	res := eval(t, k, vector.MustFromValues(types.Int64, nil, -1, 0, 12))
	require.Equal(t, []any{"none", "negative", "zero", "positive 12"}, res)
}

func TestSelection(t *testing.T) {
	k := compileKernel(t, `def f(a: int) -> int { return a + 1 }`, Options{})
	batch := vector.NewBatch(4, types.Int64, vector.MustFromValues(types.Int64, 1, 2, 3, 4))
	batch.Selection = roaring.BitmapOf(1, 3)
	require.NoError(t, k.Eval(context.Background(), batch))
	require.Equal(t, []any{nil, int64(3), nil, int64(5)}, batch.Out.Values())
}

func TestParallelEqualsSerial(t *testing.T) {
	src := `
def f(a: int, s: string) -> string {
  let acc = ""
  for i in 0..coalesce(a % 5, 0) { acc = acc + coalesce(s, "?") }
  return acc
}`
	rows := 1003
	ints := make([]any, rows)
	strs := make([]any, rows)
	for i := 0; i < rows; i++ {
		if i%7 != 0 {
			ints[i] = i
		}
		if i%11 != 0 {
			strs[i] = fmt.Sprintf("s%d", i)
		}
	}
	serial := compileKernel(t, src, Options{})
	parallel := compileKernel(t, src, Options{ParallelChunkRows: 60, MaxParallelism: 4})
	selection := roaring.New()
	selection.AddRange(0, uint64(rows-50))

	run := func(k *Kernel) []any {
		batch := vector.NewBatch(rows, types.Utf8String, vector.MustFromValues(types.Int64, ints...),
			vector.MustFromValues(types.Utf8String, strs...))
		batch.Selection = selection
		batch.Arena = vector.NewArena(256)
		defer batch.Arena.Release()
		require.NoError(t, k.Eval(context.Background(), batch))
		return detach(batch.Out.Values())
	}
	expected := run(serial)
	require.Equal(t, expected, run(parallel))
	// evaluating again gives the same result
	require.Equal(t, expected, run(parallel))
	require.Nil(t, expected[rows-1])
	require.Equal(t, "s1", expected[1])
}

func TestEvalCancelled(t *testing.T) {
	k := compileKernel(t, `def f(a: int) -> int { return a }`, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batch := vector.NewBatch(1, types.Int64, vector.MustFromValues(types.Int64, 1))
	err := k.Eval(ctx, batch)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEvalRejectsMismatchedBatch(t *testing.T) {
	k := compileKernel(t, `def f(a: int) -> int { return a }`, Options{})
	batch := vector.NewBatch(1, types.Int64, vector.MustFromValues(types.Utf8String, "x"))
	err := k.Eval(context.Background(), batch)
	require.True(t, errors.IsUdfErrorWithCode(err, errors.InternalError))
}

func TestGenerateRejectsInvalidIR(t *testing.T) {
	fn := ir.NewFunction("broken", nil, types.Int64)
	fn.NewBlock()
	_, err := Generate(fn, Options{})
	require.True(t, errors.IsUdfErrorWithCode(err, errors.InternalCodegenError))
}

func TestUnoptimizedMatchesOptimized(t *testing.T) {
	src := `
def f(a: int, b: float) -> float {
  let x = 2 * 3
  if coalesce(a, 0) > x { return b / 2.0 }
  return coalesce(b, 1.0) + a
}`
	tree, err := parser.Parse(src)
	require.NoError(t, err)
	typed, err := check.Check(tree, nil)
	require.NoError(t, err)
	fn, err := ir.Build(typed)
	require.NoError(t, err)
	plain, err := Generate(fn, Options{})
	require.NoError(t, err)
	optimized := compileKernel(t, src, Options{})

	args := func() []*vector.Vector {
		return []*vector.Vector{
			vector.MustFromValues(types.Int64, 1, 10, nil, 3),
			vector.MustFromValues(types.Float64, 4.0, 4.0, 4.0, nil),
		}
	}
	res := eval(t, plain, args()...)
	require.Equal(t, []any{5.0, 2.0, nil, 4.0}, res)
	require.Equal(t, res, eval(t, optimized, args()...))
}
