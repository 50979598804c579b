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
	"strconv"

	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/ir"
	"github.com/spirit-labs/udfc/types"
)

// Generate compiles fn into a Kernel. Every instruction becomes a closure over the register indexes it reads and
// writes, so evaluating a row does no decoding.
func Generate(fn *ir.Function, opts Options) (*Kernel, error) {
	if err := ir.Verify(fn); err != nil {
		return nil, err
	}
	for _, p := range fn.Params {
		if !supported(p) {
			return nil, errors.NewInternalCodegenError("unsupported parameter type %s", p)
		}
	}
	if !supported(fn.Return) {
		return nil, errors.NewInternalCodegenError("unsupported return type %s", fn.Return)
	}
	c := &compiler{fn: fn, nextTemp: ir.ValueID(fn.NumValues())}
	k := &Kernel{
		name:     fn.Name,
		argTypes: fn.Params,
		retType:  fn.Return,
		opts:     opts,
	}
	for _, b := range fn.Blocks {
		cb := &block{loopHeader: b.LoopHeader}
		for _, instr := range b.Instrs {
			switch instr.Op {
			case ir.OpConst:
				k.consts = append(k.consts, instr)
			case ir.OpPhi:
				// written by the copies on incoming edges
			default:
				s, err := c.compileInstr(instr)
				if err != nil {
					return nil, err
				}
				cb.steps = append(cb.steps, s)
			}
		}
		term, err := c.compileTerm(b)
		if err != nil {
			return nil, err
		}
		cb.term = term
		k.blocks = append(k.blocks, cb)
	}
	k.numRegs = int(c.nextTemp)
	return k, nil
}

func supported(t types.Type) bool {
	switch t.Base() {
	case types.Int64, types.Float64, types.Utf8String, types.Bool:
		return true
	default:
		return false
	}
}

type compiler struct {
	fn       *ir.Function
	nextTemp ir.ValueID
}

func (c *compiler) typeOf(v ir.ValueID) types.Type {
	return c.fn.ValueType(v)
}

func (c *compiler) compileInstr(instr *ir.Instr) (step, error) {
	dst := instr.ID
	switch instr.Op {
	case ir.OpParam:
		return compileParam(instr), nil
	case ir.OpIsNull:
		a := instr.Args[0]
		return func(fr *frame) {
			fr.bools[dst] = fr.nulls[a]
		}, nil
	case ir.OpUnwrap:
		a := instr.Args[0]
		switch instr.Type {
		case types.Int64:
			return func(fr *frame) { fr.ints[dst] = fr.ints[a] }, nil
		case types.Float64:
			return func(fr *frame) { fr.floats[dst] = fr.floats[a] }, nil
		case types.Utf8String:
			return func(fr *frame) { fr.strs[dst] = fr.strs[a] }, nil
		case types.Bool:
			return func(fr *frame) { fr.bools[dst] = fr.bools[a] }, nil
		}
	case ir.OpNeg:
		a := instr.Args[0]
		if instr.Type == types.Int64 {
			return func(fr *frame) { fr.ints[dst] = -fr.ints[a] }, nil
		}
		return func(fr *frame) { fr.floats[dst] = -fr.floats[a] }, nil
	case ir.OpNot:
		a := instr.Args[0]
		return func(fr *frame) { fr.bools[dst] = !fr.bools[a] }, nil
	case ir.OpAnd:
		a, b := instr.Args[0], instr.Args[1]
		return func(fr *frame) { fr.bools[dst] = fr.bools[a] && fr.bools[b] }, nil
	case ir.OpOr:
		a, b := instr.Args[0], instr.Args[1]
		return func(fr *frame) { fr.bools[dst] = fr.bools[a] || fr.bools[b] }, nil
	case ir.OpConcat:
		a, b := instr.Args[0], instr.Args[1]
		return func(fr *frame) { fr.strs[dst] = fr.arena.Concat(fr.strs[a], fr.strs[b]) }, nil
	case ir.OpCast:
		return c.compileCast(instr)
	case ir.OpCall:
		return c.compileCall(instr)
	}
	if instr.Op.IsArithmetic() {
		return compileArithmetic(instr), nil
	}
	if instr.Op.IsComparison() {
		return c.compileComparison(instr)
	}
	return nil, errors.NewInternalCodegenError("v%d: cannot compile %s of type %s", dst, instr.Op, instr.Type)
}

func compileParam(instr *ir.Instr) step {
	dst, idx := instr.ID, instr.Param
	switch instr.Type.Base() {
	case types.Int64:
		return func(fr *frame) {
			v := fr.args[idx]
			fr.nulls[dst] = v.IsNull(fr.row)
			fr.ints[dst] = v.Ints[fr.row]
		}
	case types.Float64:
		return func(fr *frame) {
			v := fr.args[idx]
			fr.nulls[dst] = v.IsNull(fr.row)
			fr.floats[dst] = v.Floats[fr.row]
		}
	case types.Utf8String:
		return func(fr *frame) {
			v := fr.args[idx]
			fr.nulls[dst] = v.IsNull(fr.row)
			fr.strs[dst] = v.Strings[fr.row]
		}
	default:
		return func(fr *frame) {
			v := fr.args[idx]
			fr.nulls[dst] = v.IsNull(fr.row)
			fr.bools[dst] = v.Bools[fr.row]
		}
	}
}

func compileArithmetic(instr *ir.Instr) step {
	dst, a, b := instr.ID, instr.Args[0], instr.Args[1]
	if instr.Type.Base() == types.Float64 {
		switch instr.Op {
		case ir.OpAdd:
			return func(fr *frame) { fr.floats[dst] = fr.floats[a] + fr.floats[b] }
		case ir.OpSub:
			return func(fr *frame) { fr.floats[dst] = fr.floats[a] - fr.floats[b] }
		case ir.OpMul:
			return func(fr *frame) { fr.floats[dst] = fr.floats[a] * fr.floats[b] }
		default:
			return func(fr *frame) { fr.floats[dst] = fr.floats[a] / fr.floats[b] }
		}
	}
	switch instr.Op {
	case ir.OpAdd:
		return func(fr *frame) { fr.ints[dst] = fr.ints[a] + fr.ints[b] }
	case ir.OpSub:
		return func(fr *frame) { fr.ints[dst] = fr.ints[a] - fr.ints[b] }
	case ir.OpMul:
		return func(fr *frame) { fr.ints[dst] = fr.ints[a] * fr.ints[b] }
	case ir.OpDiv:
		return func(fr *frame) {
			v, ok := ir.DivInt(fr.ints[a], fr.ints[b])
			fr.ints[dst], fr.nulls[dst] = v, !ok
		}
	default:
		return func(fr *frame) {
			v, ok := ir.RemInt(fr.ints[a], fr.ints[b])
			fr.ints[dst], fr.nulls[dst] = v, !ok
		}
	}
}

func (c *compiler) compileComparison(instr *ir.Instr) (step, error) {
	dst, a, b, op := instr.ID, instr.Args[0], instr.Args[1], instr.Op
	switch c.typeOf(a).Base() {
	case types.Int64:
		return func(fr *frame) { fr.bools[dst] = ir.CompareResult(op, compare(fr.ints[a], fr.ints[b])) }, nil
	case types.Float64:
		switch op {
		case ir.OpEq:
			return func(fr *frame) { fr.bools[dst] = fr.floats[a] == fr.floats[b] }, nil
		case ir.OpNe:
			return func(fr *frame) { fr.bools[dst] = fr.floats[a] != fr.floats[b] }, nil
		case ir.OpLt:
			return func(fr *frame) { fr.bools[dst] = fr.floats[a] < fr.floats[b] }, nil
		case ir.OpLe:
			return func(fr *frame) { fr.bools[dst] = fr.floats[a] <= fr.floats[b] }, nil
		case ir.OpGt:
			return func(fr *frame) { fr.bools[dst] = fr.floats[a] > fr.floats[b] }, nil
		default:
			return func(fr *frame) { fr.bools[dst] = fr.floats[a] >= fr.floats[b] }, nil
		}
	case types.Utf8String:
		return func(fr *frame) { fr.bools[dst] = ir.CompareResult(op, compare(fr.strs[a], fr.strs[b])) }, nil
	case types.Bool:
		if op == ir.OpEq {
			return func(fr *frame) { fr.bools[dst] = fr.bools[a] == fr.bools[b] }, nil
		}
		if op == ir.OpNe {
			return func(fr *frame) { fr.bools[dst] = fr.bools[a] != fr.bools[b] }, nil
		}
	}
	return nil, errors.NewInternalCodegenError("v%d: cannot compare %s values with %s", dst, c.typeOf(a), op)
}

func compare[T int64 | string](a T, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (c *compiler) compileCast(instr *ir.Instr) (step, error) {
	dst, a := instr.ID, instr.Args[0]
	from, to := c.typeOf(a).Base(), instr.Type.Base()
	switch {
	case from == types.Int64 && to == types.Float64:
		return func(fr *frame) { fr.floats[dst] = float64(fr.ints[a]) }, nil
	case from == types.Float64 && to == types.Int64:
		return func(fr *frame) { fr.ints[dst] = ir.FloatToInt(fr.floats[a]) }, nil
	case from == types.Bool && to == types.Int64:
		return func(fr *frame) { fr.ints[dst] = ir.BoolToInt(fr.bools[a]) }, nil
	case from == types.Utf8String && to == types.Int64:
		return func(fr *frame) {
			v, ok := ir.ParseInt(fr.strs[a])
			fr.ints[dst], fr.nulls[dst] = v, !ok
		}, nil
	case from == types.Utf8String && to == types.Float64:
		return func(fr *frame) {
			v, ok := ir.ParseFloat(fr.strs[a])
			fr.floats[dst], fr.nulls[dst] = v, !ok
		}, nil
	case from == types.Int64 && to == types.Utf8String:
		return func(fr *frame) {
			fr.scratch = strconv.AppendInt(fr.scratch[:0], fr.ints[a], 10)
			fr.strs[dst] = fr.arena.Bytes(fr.scratch)
		}, nil
	case from == types.Float64 && to == types.Utf8String:
		return func(fr *frame) {
			fr.scratch = strconv.AppendFloat(fr.scratch[:0], fr.floats[a], 'g', -1, 64)
			fr.strs[dst] = fr.arena.Bytes(fr.scratch)
		}, nil
	case from == types.Bool && to == types.Utf8String:
		return func(fr *frame) { fr.strs[dst] = ir.FormatBool(fr.bools[a]) }, nil
	}
	return nil, errors.NewInternalCodegenError("v%d: no cast from %s to %s", dst, from, to)
}

func (c *compiler) compileTerm(b *ir.Block) (func(fr *frame) int, error) {
	switch b.Term.Kind {
	case ir.TermJump:
		copies := c.edgeCopies(b.ID, b.Term.Then)
		target := int(b.Term.Then)
		if copies == nil {
			return func(fr *frame) int { return target }, nil
		}
		return func(fr *frame) int {
			copies(fr)
			return target
		}, nil
	case ir.TermBranch:
		cond := b.Term.Cond
		thenCopies, elseCopies := c.edgeCopies(b.ID, b.Term.Then), c.edgeCopies(b.ID, b.Term.Else)
		then, els := int(b.Term.Then), int(b.Term.Else)
		return func(fr *frame) int {
			if fr.bools[cond] {
				if thenCopies != nil {
					thenCopies(fr)
				}
				return then
			}
			if elseCopies != nil {
				elseCopies(fr)
			}
			return els
		}, nil
	case ir.TermReturn:
		v := b.Term.Value
		return func(fr *frame) int {
			fr.ret = v
			return -1
		}, nil
	}
	return nil, errors.NewInternalCodegenError("block b%d has no terminator", b.ID)
}

type phiCopy struct {
	src  ir.ValueID
	dst  ir.ValueID
	tmp  ir.ValueID
	base types.Type
}

// edgeCopies returns the phi moves for the edge from -> to, or nil if there are none. Phis of one block are
// assigned in parallel: every source is read into a temporary register before any phi is written.
func (c *compiler) edgeCopies(from ir.BlockID, to ir.BlockID) step {
	var copies []phiCopy
	for _, phi := range c.fn.Blocks[to].Phis() {
		for i, f := range phi.From {
			if f == from {
				copies = append(copies, phiCopy{src: phi.Args[i], dst: phi.ID, tmp: c.nextTemp, base: phi.Type.Base()})
				c.nextTemp++
				break
			}
		}
	}
	if len(copies) == 0 {
		return nil
	}
	if len(copies) == 1 {
		cp := copies[0]
		return func(fr *frame) { fr.move(cp.dst, cp.src, cp.base) }
	}
	return func(fr *frame) {
		for _, cp := range copies {
			fr.move(cp.tmp, cp.src, cp.base)
		}
		for _, cp := range copies {
			fr.move(cp.dst, cp.tmp, cp.base)
		}
	}
}

func (fr *frame) move(dst ir.ValueID, src ir.ValueID, base types.Type) {
	fr.nulls[dst] = fr.nulls[src]
	switch base {
	case types.Int64:
		fr.ints[dst] = fr.ints[src]
	case types.Float64:
		fr.floats[dst] = fr.floats[src]
	case types.Utf8String:
		fr.strs[dst] = fr.strs[src]
	case types.Bool:
		fr.bools[dst] = fr.bools[src]
	}
}
