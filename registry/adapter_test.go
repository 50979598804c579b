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

package registry

import (
	"context"
	"strings"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/spirit-labs/udfc/check"
	"github.com/spirit-labs/udfc/codegen"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/evbatch"
	"github.com/spirit-labs/udfc/ir"
	"github.com/spirit-labs/udfc/parser"
	"github.com/spirit-labs/udfc/types"
	"github.com/spirit-labs/udfc/vector"
	"github.com/stretchr/testify/require"
)

func registerSource(t *testing.T, r *Registry, src string) *FunctionDescriptor {
	t.Helper()
	tree, err := parser.Parse(src)
	require.NoError(t, err)
	typed, err := check.Check(tree, nil)
	require.NoError(t, err)
	fn, err := ir.Build(typed)
	require.NoError(t, err)
	ir.Optimize(fn)
	k, err := codegen.Generate(fn, codegen.Options{})
	require.NoError(t, err)
	desc, err := r.RegisterFunction(&FunctionDescriptor{
		Name:       fn.Name,
		ArgTypes:   fn.Params,
		ReturnType: fn.Return,
		Kernel:     k,
		Source:     src,
		Backend:    "closure",
	})
	require.NoError(t, err)
	return desc
}

func argsBatch(t *testing.T, argTypes []types.Type, rows ...[]any) *evbatch.Batch {
	t.Helper()
	batch, err := evbatch.NewBatchFromRows(evbatch.NewArgsSchema(argTypes), rows)
	require.NoError(t, err)
	return batch
}

func values(col evbatch.Column) []any {
	res := make([]any, col.Len())
	for i := range res {
		res[i] = evbatch.ColumnValue(col, i)
	}
	return res
}

func TestInvokeGreet(t *testing.T) {
	r := NewRegistry()
	registerSource(t, r, `def greet(name: string) -> string { return "Udf_transpiler " + name + " 🐥" }`)
	adapter := NewAdapter(r, 0)
	batch := argsBatch(t, []types.Type{types.Utf8String}, []any{"Sam"}, []any{nil}, []any{""})
	defer batch.Release()
	res, err := adapter.Invoke(context.Background(), "greet", batch)
	require.NoError(t, err)
	defer res.Release()
	require.Equal(t, types.Utf8String, res.Type())
	require.Equal(t, []any{"Udf_transpiler Sam 🐥", nil, "Udf_transpiler  🐥"}, values(res))
}

func TestInvokeNumeric(t *testing.T) {
	r := NewRegistry()
	registerSource(t, r, `def f(a: int, b: float, c: bool) -> float { if coalesce(c, false) { return a * b } return b }`)
	adapter := NewAdapter(r, 0)
	batch := argsBatch(t, []types.Type{types.Int64, types.Float64, types.Bool},
		[]any{2, 1.5, true}, []any{nil, 1.5, true}, []any{3, 4.0, false}, []any{3, nil, nil})
	defer batch.Release()
	res, err := adapter.Invoke(context.Background(), "F", batch)
	require.NoError(t, err)
	require.Equal(t, []any{3.0, nil, 4.0, nil}, values(res))
}

func TestInvokeSelected(t *testing.T) {
	r := NewRegistry()
	registerSource(t, r, `def f(a: int) -> int { return a * 10 }`)
	adapter := NewAdapter(r, 0)
	batch := argsBatch(t, []types.Type{types.Int64}, []any{1}, []any{2}, []any{3})
	res, err := adapter.InvokeSelected(context.Background(), "f", batch, roaring.BitmapOf(0, 2))
	require.NoError(t, err)
	require.Equal(t, []any{int64(10), nil, int64(30)}, values(res))
}

func TestInvokeLeavesInputsUsable(t *testing.T) {
	r := NewRegistry()
	registerSource(t, r, `def f(a: int, s: string) -> string { return s + "!" }`)
	adapter := NewAdapter(r, 0)
	batch := argsBatch(t, []types.Type{types.Int64, types.Utf8String}, []any{1, "a"}, []any{nil, nil})
	defer batch.Release()
	for i := 0; i < 2; i++ {
		res, err := adapter.Invoke(context.Background(), "f", batch)
		require.NoError(t, err)
		require.Equal(t, []any{"a!", nil}, values(res))
		res.Release()
	}
	require.Equal(t, [][]any{{int64(1), "a"}, {nil, nil}}, batch.Rows())
}

func TestInvokeUnknownFunction(t *testing.T) {
	r := NewRegistry()
	registerSource(t, r, `def f(a: int) -> int { return a }`)
	adapter := NewAdapter(r, 0)
	batch := argsBatch(t, []types.Type{types.Int64, types.Int64}, []any{1, 2})
	_, err := adapter.Invoke(context.Background(), "f", batch)
	require.True(t, errors.IsUdfErrorWithCode(err, errors.UnknownFunction))
}

func TestInvokeWrongColumnType(t *testing.T) {
	r := NewRegistry()
	registerSource(t, r, `def f(a: int) -> int { return a }`)
	adapter := NewAdapter(r, 0)
	batch := argsBatch(t, []types.Type{types.Utf8String}, []any{"x"})
	_, err := adapter.Invoke(context.Background(), "f", batch)
	require.True(t, errors.IsUdfErrorWithCode(err, errors.InternalError))
}

func TestInvokePropagatesKernelError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("f", []types.Type{types.Int64}, types.Int64,
		kernelFunc(func(ctx context.Context, batch *vector.Batch) error { return ctx.Err() }))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewAdapter(r, 0).Invoke(ctx, "f", argsBatch(t, []types.Type{types.Int64}, []any{1}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestResultOutlivesArena(t *testing.T) {
	r := NewRegistry()
	registerSource(t, r, `def f(s: string) -> string { return upper(s) + "!" }`)
	adapter := NewAdapter(r, 64)
	rows := make([][]any, 100)
	for i := range rows {
		rows[i] = []any{strings.Repeat("ab", i%7)}
	}
	batch := argsBatch(t, []types.Type{types.Utf8String}, rows...)
	res, err := adapter.Invoke(context.Background(), "f", batch)
	require.NoError(t, err)
	// invoke again so released arena chunks get reused
	_, err = adapter.Invoke(context.Background(), "f", batch)
	require.NoError(t, err)
	for i, v := range values(res) {
		require.Equal(t, strings.Repeat("AB", i%7)+"!", v)
	}
}
