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

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/evbatch"
	"github.com/spirit-labs/udfc/types"
	"github.com/spirit-labs/udfc/vector"
)

// Adapter calls registered functions with arrow batches. Int and float columns are passed to the kernel without
// copying.
type Adapter struct {
	registry        *Registry
	arenaChunkBytes int
}

func NewAdapter(registry *Registry, arenaChunkBytes int) *Adapter {
	return &Adapter{registry: registry, arenaChunkBytes: arenaChunkBytes}
}

// Invoke evaluates the function name with one argument per column of batch and returns the result column.
func (a *Adapter) Invoke(ctx context.Context, name string, batch *evbatch.Batch) (evbatch.Column, error) {
	return a.InvokeSelected(ctx, name, batch, nil)
}

// InvokeSelected is Invoke evaluating only the rows in selection, every other row of the result is null.
func (a *Adapter) InvokeSelected(ctx context.Context, name string, batch *evbatch.Batch,
	selection *roaring.Bitmap) (evbatch.Column, error) {
	desc, ok := a.registry.Lookup(name, len(batch.Columns))
	if !ok {
		return nil, errors.NewUdfErrorf(errors.UnknownFunction, "unknown function %s with %d arguments", name,
			len(batch.Columns))
	}
	args := make([]*vector.Vector, len(batch.Columns))
	for i, col := range batch.Columns {
		// the vector shares the column buffers for the duration of the call
		col.Retain()
		defer col.Release()
		args[i] = ColumnToVector(col)
	}
	vb := vector.NewBatch(batch.RowCount, desc.ReturnType, args...)
	vb.Selection = selection
	vb.Arena = vector.NewArena(a.arenaChunkBytes)
	defer vb.Arena.Release()
	if err := desc.Kernel.Eval(ctx, vb); err != nil {
		return nil, err
	}
	// the builder copies strings out of the arena before it is released
	return VectorToColumn(vb.Out, batch.RowCount), nil
}

func ColumnToVector(col evbatch.Column) *vector.Vector {
	n := col.Len()
	v := &vector.Vector{Type: col.Type(), Len: n, Validity: col.Validity()}
	switch c := col.(type) {
	case *evbatch.IntColumn:
		v.Ints = c.Values()
	case *evbatch.FloatColumn:
		v.Floats = c.Values()
	case *evbatch.BoolColumn:
		v.Bools = make([]bool, n)
		for i := range v.Bools {
			v.Bools[i] = c.Get(i)
		}
	case *evbatch.StringColumn:
		v.Strings = make([]string, n)
		for i := range v.Strings {
			if !c.IsNull(i) {
				v.Strings[i] = c.Get(i)
			}
		}
	}
	return v
}

func VectorToColumn(v *vector.Vector, rows int) evbatch.Column {
	builder := evbatch.NewColBuilder(v.Type)
	for i := 0; i < rows; i++ {
		if v.IsNull(i) {
			builder.AppendNull()
			continue
		}
		switch v.Type {
		case types.Int64:
			builder.(*evbatch.IntColBuilder).Append(v.Ints[i])
		case types.Float64:
			builder.(*evbatch.FloatColBuilder).Append(v.Floats[i])
		case types.Bool:
			builder.(*evbatch.BoolColBuilder).Append(v.Bools[i])
		case types.Utf8String:
			builder.(*evbatch.StringColBuilder).Append(v.Strings[i])
		}
	}
	return builder.Build()
}
