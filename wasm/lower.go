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

package wasm

import (
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/ir"
	"github.com/spirit-labs/udfc/types"
)

const (
	evalExport   = "eval"
	memoryExport = "memory"

	localRows  = 0
	localRow   = 1
	localPC    = 2
	localIters = 3
)

// layout places a chunk of rows in linear memory. Every argument gets 8 bytes per row for values followed by one
// null byte per row. The output uses the same shape after the arguments, followed by one selection byte per row.
type layout struct {
	rows  uint32
	nargs uint32
}

func (l layout) column(i uint32) uint32 {
	return i * l.rows * 9
}

func (l layout) argValues(i int) uint32 {
	return l.column(uint32(i))
}

func (l layout) argNulls(i int) uint32 {
	return l.column(uint32(i)) + l.rows*8
}

func (l layout) outValues() uint32 {
	return l.column(l.nargs)
}

func (l layout) outNulls() uint32 {
	return l.column(l.nargs) + l.rows*8
}

func (l layout) selection() uint32 {
	return l.column(l.nargs + 1)
}

func (l layout) pages() uint32 {
	size := l.selection() + l.rows
	return (size + pageSize - 1) / pageSize
}

// Eligible reports why fn cannot be compiled to WebAssembly, or nil if it can. Only functions over int, float and
// bool values whose calls are abs, min and max are eligible.
func Eligible(fn *ir.Function) error {
	numeric := func(t types.Type) bool {
		switch t.Base() {
		case types.Int64, types.Float64, types.Bool:
			return true
		default:
			return false
		}
	}
	for _, p := range fn.Params {
		if !numeric(p) {
			return errors.Errorf("parameter of type %s", p)
		}
	}
	if !numeric(fn.Return) {
		return errors.Errorf("return type %s", fn.Return)
	}
	used := usedValues(fn)
	for _, instr := range fn.Instrs() {
		if instr.Type.IsNull() {
			if used[instr.ID] {
				return errors.Errorf("untyped null value v%d", instr.ID)
			}
			continue
		}
		if !numeric(instr.Type) {
			return errors.Errorf("value v%d of type %s", instr.ID, instr.Type)
		}
		switch instr.Op {
		case ir.OpConcat:
			return errors.New("string concatenation")
		case ir.OpCall:
			if instr.Fn != "abs" && instr.Fn != "min" && instr.Fn != "max" {
				return errors.Errorf("call to %s", instr.Fn)
			}
		}
	}
	return nil
}

func usedValues(fn *ir.Function) map[ir.ValueID]bool {
	used := map[ir.ValueID]bool{}
	for _, b := range fn.Blocks {
		for _, instr := range b.Instrs {
			for _, arg := range instr.Args {
				used[arg] = true
			}
		}
		switch b.Term.Kind {
		case ir.TermBranch:
			used[b.Term.Cond] = true
		case ir.TermReturn:
			used[b.Term.Value] = true
		}
	}
	return used
}

type lowering struct {
	fn     *ir.Function
	lay    layout
	limit  int64
	c      code
	locals []byte
	// values and nulls map a slot to its local, nulls only for nullable slots
	values map[ir.ValueID]uint32
	nulls  map[ir.ValueID]uint32
}

func valType(t types.Type) byte {
	switch t.Base() {
	case types.Int64:
		return valI64
	case types.Float64:
		return valF64
	default:
		return valI32
	}
}

// lower encodes fn as a module. The exported eval(rows) runs the function for rows rows of the chunk in memory:
//
//	block $exit
//	  loop $rows
//	    block $rowdone
//	      loop $dispatch
//	        block b(n-1) ... block b0  br_table on $pc  end  <code b0>  ...  end  <code b(n-1)>
//	      end
//	    end
//	    $row++
//	  end
//	end
//
// A jump sets $pc and branches back to $dispatch. A return stores the result and leaves $rowdone.
func lower(fn *ir.Function, chunkRows int, limit int64) ([]byte, layout, error) {
	if err := ir.Verify(fn); err != nil {
		return nil, layout{}, err
	}
	if err := Eligible(fn); err != nil {
		return nil, layout{}, errors.NewInternalCodegenError("function %s cannot be compiled to wasm: %v", fn.Name, err)
	}
	l := &lowering{
		fn:     fn,
		lay:    layout{rows: uint32(chunkRows), nargs: uint32(len(fn.Params))},
		limit:  limit,
		values: map[ir.ValueID]uint32{},
		nulls:  map[ir.ValueID]uint32{},
		locals: []byte{valI32, valI32, valI64},
	}
	var consts []*ir.Instr
	for _, instr := range fn.Instrs() {
		if instr.Type.IsNull() {
			continue
		}
		l.values[instr.ID] = l.newLocal(valType(instr.Type))
		if instr.Type.IsNullable() {
			l.nulls[instr.ID] = l.newLocal(valI32)
		}
		if instr.Op == ir.OpConst {
			consts = append(consts, instr)
		}
	}
	for _, instr := range consts {
		l.pushConst(instr)
		l.c.localSet(l.values[instr.ID])
		if instr.Type.IsNullable() {
			l.c.i32Const(boolToI32(instr.Const.Null))
			l.c.localSet(l.nulls[instr.ID])
		}
	}

	n := len(fn.Blocks)
	c := &l.c
	c.op(opBlock, blockTypeEmpty)
	c.op(opLoop, blockTypeEmpty)
	c.localGet(localRow)
	c.localGet(localRows)
	c.op(opI32GeU)
	c.brIf(1)
	c.op(opBlock, blockTypeEmpty)
	// unselected rows are null
	c.localGet(localRow)
	c.mem(opI32Load8U, 0, l.lay.selection())
	c.op(opI32Eqz, opIf, blockTypeEmpty)
	l.storeNull()
	c.br(1)
	c.op(opEnd)
	c.i32Const(0)
	c.localSet(localPC)
	c.i64Const(0)
	c.localSet(localIters)
	c.op(opLoop, blockTypeEmpty)
	for i := 0; i < n; i++ {
		c.op(opBlock, blockTypeEmpty)
	}
	c.localGet(localPC)
	c.op(opBrTable)
	c.u32(uint32(n))
	for i := 0; i < n; i++ {
		c.u32(uint32(i))
	}
	c.u32(uint32(n - 1))
	for i, b := range fn.Blocks {
		c.op(opEnd)
		if err := l.lowerBlock(b, n-1-i); err != nil {
			return nil, layout{}, err
		}
	}
	// $dispatch, $rowdone
	c.op(opEnd, opEnd)
	c.localGet(localRow)
	c.i32Const(1)
	c.op(opI32Add)
	c.localSet(localRow)
	c.br(0)
	// $rows, $exit
	c.op(opEnd, opEnd)
	return encodeModule(l.locals, c.buf, l.lay.pages()), l.lay, nil
}

func (l *lowering) newLocal(t byte) uint32 {
	l.locals = append(l.locals, t)
	return uint32(len(l.locals))
}

func boolToI32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func (l *lowering) pushConst(instr *ir.Instr) {
	switch instr.Type.Base() {
	case types.Int64:
		l.c.i64Const(instr.Const.Int)
	case types.Float64:
		l.c.f64Const(instr.Const.Float)
	default:
		l.c.i32Const(boolToI32(instr.Const.Bool))
	}
}

// pushRowAddr pushes the byte address of the current row in an 8 bytes per row column.
func (l *lowering) pushRowAddr() {
	l.c.localGet(localRow)
	l.c.i32Const(3)
	l.c.op(opI32Shl)
}

func (l *lowering) pushNull(v ir.ValueID) {
	if idx, ok := l.nulls[v]; ok {
		l.c.localGet(idx)
	} else {
		l.c.i32Const(0)
	}
}

func (l *lowering) storeNull() {
	l.c.localGet(localRow)
	l.c.i32Const(1)
	l.c.mem(opI32Store8, 0, l.lay.outNulls())
}

// lowerBlock emits the code of b. dispatch is the branch depth of the $dispatch loop from the block's code, the
// $rowdone block is one further out.
func (l *lowering) lowerBlock(b *ir.Block, dispatch int) error {
	c := &l.c
	if b.LoopHeader && l.limit > 0 {
		c.localGet(localIters)
		c.i64Const(1)
		c.op(opI64Add)
		c.localTee(localIters)
		c.i64Const(l.limit)
		c.op(opI64GtS, opIf, blockTypeEmpty)
		l.storeNull()
		c.br(dispatch + 2)
		c.op(opEnd)
	}
	for _, instr := range b.Instrs {
		if instr.Op == ir.OpPhi || instr.Op == ir.OpConst || instr.Type.IsNull() {
			continue
		}
		if err := l.lowerInstr(instr); err != nil {
			return err
		}
	}
	switch b.Term.Kind {
	case ir.TermJump:
		l.jump(b.ID, b.Term.Then, dispatch)
	case ir.TermBranch:
		c.localGet(l.values[b.Term.Cond])
		c.op(opIf, blockTypeEmpty)
		l.jump(b.ID, b.Term.Then, dispatch+1)
		c.op(opElse)
		l.jump(b.ID, b.Term.Else, dispatch+1)
		c.op(opEnd)
	case ir.TermReturn:
		v := b.Term.Value
		if v == ir.NoValue {
			l.storeNull()
		} else {
			l.pushRowAddr()
			c.localGet(l.values[v])
			switch l.fn.Return.Base() {
			case types.Float64:
				c.mem(opF64Store, 3, l.lay.outValues())
			case types.Bool:
				c.op(opI64ExtendI32U)
				c.mem(opI64Store, 3, l.lay.outValues())
			default:
				c.mem(opI64Store, 3, l.lay.outValues())
			}
			c.localGet(localRow)
			l.pushNull(v)
			c.mem(opI32Store8, 0, l.lay.outNulls())
		}
		c.br(dispatch + 1)
	default:
		return errors.NewInternalCodegenError("block b%d has no terminator", b.ID)
	}
	return nil
}

// jump performs the phi moves of the edge from -> to and continues at to. All sources are pushed before any phi
// local is written, which makes the moves parallel.
func (l *lowering) jump(from ir.BlockID, to ir.BlockID, dispatch int) {
	c := &l.c
	var dsts []*ir.Instr
	for _, phi := range l.fn.Blocks[to].Phis() {
		for i, f := range phi.From {
			if f == from {
				c.localGet(l.values[phi.Args[i]])
				if phi.Type.IsNullable() {
					l.pushNull(phi.Args[i])
				}
				dsts = append(dsts, phi)
				break
			}
		}
	}
	for i := len(dsts) - 1; i >= 0; i-- {
		phi := dsts[i]
		if phi.Type.IsNullable() {
			c.localSet(l.nulls[phi.ID])
		}
		c.localSet(l.values[phi.ID])
	}
	c.i32Const(int32(to))
	c.localSet(localPC)
	c.br(dispatch)
}

func (l *lowering) lowerInstr(instr *ir.Instr) error {
	c := &l.c
	dst := l.values[instr.ID]
	arg := func(i int) {
		c.localGet(l.values[instr.Args[i]])
	}
	switch instr.Op {
	case ir.OpParam:
		l.pushRowAddr()
		switch instr.Type.Base() {
		case types.Int64:
			c.mem(opI64Load, 3, l.lay.argValues(instr.Param))
		case types.Float64:
			c.mem(opF64Load, 3, l.lay.argValues(instr.Param))
		default:
			c.mem(opI32Load, 2, l.lay.argValues(instr.Param))
		}
		c.localSet(dst)
		c.localGet(localRow)
		c.mem(opI32Load8U, 0, l.lay.argNulls(instr.Param))
		c.localSet(l.nulls[instr.ID])
		return nil
	case ir.OpIsNull:
		l.pushNull(instr.Args[0])
	case ir.OpUnwrap:
		arg(0)
	case ir.OpNot:
		arg(0)
		c.op(opI32Eqz)
	case ir.OpAnd, ir.OpOr:
		arg(0)
		arg(1)
		if instr.Op == ir.OpAnd {
			c.op(opI32And)
		} else {
			c.op(opI32Or)
		}
	case ir.OpNeg:
		if instr.Type.Base() == types.Int64 {
			c.i64Const(0)
			arg(0)
			c.op(opI64Sub)
		} else {
			arg(0)
			c.op(opF64Neg)
		}
	case ir.OpDiv, ir.OpRem:
		if instr.Type.Base() == types.Int64 {
			l.lowerIntDivision(instr)
			return nil
		}
		arg(0)
		arg(1)
		c.op(opF64Div)
	case ir.OpAdd, ir.OpSub, ir.OpMul:
		arg(0)
		arg(1)
		if instr.Type.Base() == types.Int64 {
			c.op(intArithmetic[instr.Op])
		} else {
			c.op(floatArithmetic[instr.Op])
		}
	case ir.OpEq, ir.OpNe, ir.OpLt, ir.OpLe, ir.OpGt, ir.OpGe:
		op, err := l.comparison(instr)
		if err != nil {
			return err
		}
		arg(0)
		arg(1)
		c.op(op)
	case ir.OpCast:
		from := l.fn.ValueType(instr.Args[0]).Base()
		arg(0)
		switch {
		case from == types.Int64 && instr.Type.Base() == types.Float64:
			c.op(opF64ConvertI64S)
		case from == types.Float64 && instr.Type.Base() == types.Int64:
			c.op(opPrefixFC)
			c.u32(subI64TruncSatF64S)
		case from == types.Bool && instr.Type.Base() == types.Int64:
			c.op(opI64ExtendI32U)
		default:
			return errors.NewInternalCodegenError("v%d: no wasm cast from %s to %s", instr.ID, from, instr.Type)
		}
	case ir.OpCall:
		l.lowerCall(instr)
	default:
		return errors.NewInternalCodegenError("v%d: cannot lower %s to wasm", instr.ID, instr.Op)
	}
	c.localSet(dst)
	return nil
}

var intArithmetic = map[ir.Op]byte{ir.OpAdd: opI64Add, ir.OpSub: opI64Sub, ir.OpMul: opI64Mul}

var floatArithmetic = map[ir.Op]byte{ir.OpAdd: opF64Add, ir.OpSub: opF64Sub, ir.OpMul: opF64Mul}

var intComparisons = map[ir.Op]byte{ir.OpEq: opI64Eq, ir.OpNe: opI64Ne, ir.OpLt: opI64LtS, ir.OpLe: opI64LeS,
	ir.OpGt: opI64GtS, ir.OpGe: opI64GeS}

var floatComparisons = map[ir.Op]byte{ir.OpEq: opF64Eq, ir.OpNe: opF64Ne, ir.OpLt: opF64Lt, ir.OpLe: opF64Le,
	ir.OpGt: opF64Gt, ir.OpGe: opF64Ge}

func (l *lowering) comparison(instr *ir.Instr) (byte, error) {
	switch l.fn.ValueType(instr.Args[0]).Base() {
	case types.Int64:
		return intComparisons[instr.Op], nil
	case types.Float64:
		return floatComparisons[instr.Op], nil
	case types.Bool:
		if instr.Op == ir.OpEq {
			return opI32Eq, nil
		}
		if instr.Op == ir.OpNe {
			return opI32Ne, nil
		}
	}
	return 0, errors.NewInternalCodegenError("v%d: cannot lower %s to wasm", instr.ID, instr.Op)
}

// lowerIntDivision: a zero divisor is null, a divisor of -1 is handled without div_s which traps on overflow.
func (l *lowering) lowerIntDivision(instr *ir.Instr) {
	c := &l.c
	a, b := l.values[instr.Args[0]], l.values[instr.Args[1]]
	dst, dstNull := l.values[instr.ID], l.nulls[instr.ID]
	c.localGet(b)
	c.op(opI64Eqz, opIf, blockTypeEmpty)
	c.i64Const(0)
	c.localSet(dst)
	c.i32Const(1)
	c.localSet(dstNull)
	c.op(opElse)
	c.i32Const(0)
	c.localSet(dstNull)
	c.localGet(b)
	c.i64Const(-1)
	c.op(opI64Eq, opIf, blockTypeEmpty)
	if instr.Op == ir.OpDiv {
		c.i64Const(0)
		c.localGet(a)
		c.op(opI64Sub)
	} else {
		c.i64Const(0)
	}
	c.localSet(dst)
	c.op(opElse)
	c.localGet(a)
	c.localGet(b)
	if instr.Op == ir.OpDiv {
		c.op(opI64DivS)
	} else {
		c.op(opI64RemS)
	}
	c.localSet(dst)
	c.op(opEnd, opEnd)
}

func (l *lowering) lowerCall(instr *ir.Instr) {
	c := &l.c
	a := l.values[instr.Args[0]]
	isInt := instr.Type.Base() == types.Int64
	switch instr.Fn {
	case "abs":
		if !isInt {
			c.localGet(a)
			c.op(opF64Abs)
			return
		}
		c.i64Const(0)
		c.localGet(a)
		c.op(opI64Sub)
		c.localGet(a)
		c.localGet(a)
		c.i64Const(0)
		c.op(opI64LtS, opSelect)
	default:
		b := l.values[instr.Args[1]]
		if !isInt {
			c.localGet(a)
			c.localGet(b)
			if instr.Fn == "min" {
				c.op(opF64Min)
			} else {
				c.op(opF64Max)
			}
			return
		}
		c.localGet(a)
		c.localGet(b)
		c.localGet(a)
		c.localGet(b)
		if instr.Fn == "min" {
			c.op(opI64LtS)
		} else {
			c.op(opI64GeS)
		}
		c.op(opSelect)
	}
}
