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
	"sync"

	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/ir"
	"github.com/spirit-labs/udfc/types"
	"github.com/spirit-labs/udfc/vector"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultLoopIterationLimit = 1_000_000
	cancelCheckRows           = 1024
)

type Options struct {
	// ParallelChunkRows splits batches with more rows into chunks evaluated concurrently. Zero disables it.
	ParallelChunkRows int
	// MaxParallelism bounds the number of chunks evaluated at once. Zero means unbounded.
	MaxParallelism int
	// LoopIterationLimit is the number of loop header entries a row may make before it evaluates to null.
	LoopIterationLimit int64
}

// Kernel evaluates one compiled function over batches. It holds no per-invocation state, every evaluation takes
// its own frame, so a Kernel can be shared between goroutines.
type Kernel struct {
	name      string
	argTypes  []types.Type
	retType   types.Type
	numRegs   int
	consts    []*ir.Instr
	blocks    []*block
	opts      Options
	framePool sync.Pool
}

type step func(fr *frame)

// block is the compiled form of an IR block. term runs the terminator together with the phi copies of the edge it
// takes and returns the index of the next block, or -1 after a return.
type block struct {
	steps      []step
	term       func(fr *frame) int
	loopHeader bool
}

type frame struct {
	ints    []int64
	floats  []float64
	strs    []string
	bools   []bool
	nulls   []bool
	args    []*vector.Vector
	row     int
	arena   *vector.Arena
	ret     ir.ValueID
	scratch []byte
}

func (k *Kernel) Name() string {
	return k.name
}

func (k *Kernel) ArgTypes() []types.Type {
	return k.argTypes
}

func (k *Kernel) ReturnType() types.Type {
	return k.retType
}

func (k *Kernel) newFrame() *frame {
	fr := &frame{
		ints:   make([]int64, k.numRegs),
		floats: make([]float64, k.numRegs),
		strs:   make([]string, k.numRegs),
		bools:  make([]bool, k.numRegs),
		nulls:  make([]bool, k.numRegs),
	}
	for _, c := range k.consts {
		fr.nulls[c.ID] = c.Const.Null
		switch c.Type.Base() {
		case types.Int64:
			fr.ints[c.ID] = c.Const.Int
		case types.Float64:
			fr.floats[c.ID] = c.Const.Float
		case types.Utf8String:
			fr.strs[c.ID] = c.Const.Str
		case types.Bool:
			fr.bools[c.ID] = c.Const.Bool
		}
	}
	return fr
}

func (k *Kernel) getFrame() *frame {
	if fr, ok := k.framePool.Get().(*frame); ok {
		return fr
	}
	return k.newFrame()
}

func (k *Kernel) putFrame(fr *frame) {
	fr.args = nil
	fr.arena = nil
	k.framePool.Put(fr)
}

func (k *Kernel) Eval(ctx context.Context, batch *vector.Batch) error {
	if err := batch.CheckShape(k.argTypes, k.retType); err != nil {
		return errors.NewUdfErrorf(errors.InternalError, "cannot evaluate %s: %v", k.name, err)
	}
	n := batch.RowCount
	batch.Out.EnsureValidity()
	chunk := k.opts.ParallelChunkRows
	if chunk <= 0 || n <= chunk {
		return k.evalRange(ctx, batch, batch.Arena, 0, n)
	}
	// chunks start on a byte boundary of the validity bitmap so no two goroutines write the same byte
	chunk = (chunk + 7) &^ 7
	g, gctx := errgroup.WithContext(ctx)
	if k.opts.MaxParallelism > 0 {
		g.SetLimit(k.opts.MaxParallelism)
	}
	for start := 0; start < n; start += chunk {
		start := start
		end := min(start+chunk, n)
		g.Go(func() error {
			arena := batch.Arena.NewChild()
			defer batch.Arena.Adopt(arena)
			return k.evalRange(gctx, batch, arena, start, end)
		})
	}
	return g.Wait()
}

func (k *Kernel) evalRange(ctx context.Context, batch *vector.Batch, arena *vector.Arena, start int, end int) error {
	fr := k.getFrame()
	defer k.putFrame(fr)
	fr.args = batch.Args
	fr.arena = arena
	out := batch.Out
	for row := start; row < end; row++ {
		if (row-start)%cancelCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !batch.Selected(row) {
			writeNull(out, row)
			continue
		}
		fr.row = row
		ret := k.run(fr)
		if ret == ir.NoValue || fr.nulls[ret] {
			writeNull(out, row)
			continue
		}
		out.SetValid(row)
		switch out.Type {
		case types.Int64:
			out.Ints[row] = fr.ints[ret]
		case types.Float64:
			out.Floats[row] = fr.floats[ret]
		case types.Utf8String:
			out.Strings[row] = fr.strs[ret]
		case types.Bool:
			out.Bools[row] = fr.bools[ret]
		}
	}
	return nil
}

// run evaluates the current row and returns the slot holding the result, NoValue for null.
func (k *Kernel) run(fr *frame) ir.ValueID {
	limit := k.opts.LoopIterationLimit
	var iterations int64
	b := 0
	for {
		blk := k.blocks[b]
		if blk.loopHeader {
			iterations++
			if limit > 0 && iterations > limit {
				return ir.NoValue
			}
		}
		for _, s := range blk.steps {
			s(fr)
		}
		next := blk.term(fr)
		if next < 0 {
			return fr.ret
		}
		b = next
	}
}

func writeNull(out *vector.Vector, row int) {
	out.SetNull(row)
	switch out.Type {
	case types.Int64:
		out.Ints[row] = 0
	case types.Float64:
		out.Floats[row] = 0
	case types.Utf8String:
		out.Strings[row] = ""
	case types.Bool:
		out.Bools[row] = false
	}
}
