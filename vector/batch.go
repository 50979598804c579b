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

package vector

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/types"
)

// Batch is the calling context of one kernel invocation: RowCount rows of argument vectors in, one output vector
// out. Out must be allocated by the caller with at least RowCount rows. When Selection is set only the rows it
// contains are evaluated, every other row of Out is null.
type Batch struct {
	RowCount  int
	Args      []*Vector
	Out       *Vector
	Selection *roaring.Bitmap
	Arena     *Arena
}

// Kernel is a compiled function that evaluates a batch. Kernels are safe for concurrent use and never fail on row
// data; the only errors are context cancellation and internal errors.
type Kernel interface {
	Eval(ctx context.Context, batch *Batch) error
}

func NewBatch(rowCount int, retType types.Type, args ...*Vector) *Batch {
	return &Batch{
		RowCount: rowCount,
		Args:     args,
		Out:      NewVector(retType, rowCount),
	}
}

func (b *Batch) Selected(row int) bool {
	return b.Selection == nil || b.Selection.Contains(uint32(row))
}

// CheckShape checks that the batch can be evaluated by a function with the given signature.
func (b *Batch) CheckShape(argTypes []types.Type, retType types.Type) error {
	if len(b.Args) != len(argTypes) {
		return errors.Errorf("batch has %d arguments, expected %d", len(b.Args), len(argTypes))
	}
	for i, arg := range b.Args {
		if arg.Type != argTypes[i].Base() {
			return errors.Errorf("argument %d has type %s, expected %s", i, arg.Type, argTypes[i])
		}
		if arg.Len < b.RowCount {
			return errors.Errorf("argument %d has %d rows, batch has %d", i, arg.Len, b.RowCount)
		}
	}
	if b.Out == nil || b.Out.Type != retType.Base() || b.Out.Len < b.RowCount {
		return errors.Errorf("output vector does not hold %d rows of %s", b.RowCount, retType)
	}
	return nil
}
