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
	"fmt"
	"strconv"
	"strings"

	"github.com/spirit-labs/udfc/types"
)

type ValueID int32

const NoValue ValueID = -1

type BlockID int32

type Op uint8

const (
	OpConst Op = iota + 1
	OpParam
	OpIsNull
	OpUnwrap
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpNeg
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
	OpNot
	OpConcat
	OpCast
	OpCall
	OpPhi
)

var opNames = map[Op]string{
	OpConst:  "const",
	OpParam:  "param",
	OpIsNull: "isnull",
	OpUnwrap: "unwrap",
	OpAdd:    "add",
	OpSub:    "sub",
	OpMul:    "mul",
	OpDiv:    "div",
	OpRem:    "rem",
	OpNeg:    "neg",
	OpEq:     "eq",
	OpNe:     "ne",
	OpLt:     "lt",
	OpLe:     "le",
	OpGt:     "gt",
	OpGe:     "ge",
	OpAnd:    "and",
	OpOr:     "or",
	OpNot:    "not",
	OpConcat: "concat",
	OpCast:   "cast",
	OpCall:   "call",
	OpPhi:    "phi",
}

func (o Op) String() string {
	return opNames[o]
}

func (o Op) IsArithmetic() bool {
	return o >= OpAdd && o <= OpNeg
}

func (o Op) IsComparison() bool {
	return o >= OpEq && o <= OpGe
}

// Const is the payload of OpConst. The field used depends on the instruction type.
type Const struct {
	Null  bool
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

func (c Const) format(t types.Type) string {
	if c.Null {
		return "null"
	}
	switch t.ID() {
	case types.TypeIDInt64:
		return strconv.FormatInt(c.Int, 10)
	case types.TypeIDFloat64:
		return strconv.FormatFloat(c.Float, 'g', -1, 64)
	case types.TypeIDUtf8String:
		return strconv.Quote(c.Str)
	case types.TypeIDBool:
		return strconv.FormatBool(c.Bool)
	default:
		return "null"
	}
}

// Instr defines exactly one value. Only OpConst, OpParam, OpPhi, OpDiv, OpRem, OpCast and OpCall can define a
// nullable value; every other operation takes non nullable operands.
type Instr struct {
	ID    ValueID
	Op    Op
	Type  types.Type
	Args  []ValueID
	From  []BlockID
	Const Const
	Param int
	Fn    string
}

type TermKind uint8

const (
	TermNone TermKind = iota
	TermJump
	TermBranch
	TermReturn
)

// Terminator ends a block. Jump uses Then. Return with Value NoValue returns null.
type Terminator struct {
	Kind  TermKind
	Cond  ValueID
	Then  BlockID
	Else  BlockID
	Value ValueID
}

type Block struct {
	ID         BlockID
	Instrs     []*Instr
	Term       Terminator
	Preds      []BlockID
	LoopHeader bool
}

func (b *Block) Succs() []BlockID {
	switch b.Term.Kind {
	case TermJump:
		return []BlockID{b.Term.Then}
	case TermBranch:
		return []BlockID{b.Term.Then, b.Term.Else}
	default:
		return nil
	}
}

// Phis returns the leading phi instructions of the block.
func (b *Block) Phis() []*Instr {
	i := 0
	for i < len(b.Instrs) && b.Instrs[i].Op == OpPhi {
		i++
	}
	return b.Instrs[:i]
}

// Function is the IR of one UDF. Blocks are indexed by their ID and block 0 is the entry.
type Function struct {
	Name       string
	Params     []types.Type
	Return     types.Type
	Blocks     []*Block
	valueTypes []types.Type
}

func NewFunction(name string, params []types.Type, ret types.Type) *Function {
	return &Function{Name: name, Params: params, Return: ret}
}

func (f *Function) NewBlock() *Block {
	b := &Block{ID: BlockID(len(f.Blocks))}
	f.Blocks = append(f.Blocks, b)
	return b
}

func (f *Function) NewValue(t types.Type) ValueID {
	f.valueTypes = append(f.valueTypes, t)
	return ValueID(len(f.valueTypes) - 1)
}

func (f *Function) ValueType(v ValueID) types.Type {
	return f.valueTypes[v]
}

// NumValues is one more than the highest ValueID ever allocated.
func (f *Function) NumValues() int {
	return len(f.valueTypes)
}

// Instrs returns all instructions in block order.
func (f *Function) Instrs() []*Instr {
	var res []*Instr
	for _, b := range f.Blocks {
		res = append(res, b.Instrs...)
	}
	return res
}

func (f *Function) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("func %s(%s) -> %s\n", f.Name, types.TypesToString(f.Params), f.Return))
	for _, b := range f.Blocks {
		sb.WriteString(fmt.Sprintf("b%d:", b.ID))
		if len(b.Preds) > 0 {
			sb.WriteString(" ; preds")
			for _, p := range b.Preds {
				sb.WriteString(fmt.Sprintf(" b%d", p))
			}
		}
		if b.LoopHeader {
			sb.WriteString(" ; loop header")
		}
		sb.WriteString("\n")
		for _, instr := range b.Instrs {
			sb.WriteString("  ")
			sb.WriteString(instr.String())
			sb.WriteString("\n")
		}
		sb.WriteString("  ")
		sb.WriteString(b.Term.String())
		sb.WriteString("\n")
	}
	return sb.String()
}

func (i *Instr) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("v%d: %s = %s", i.ID, i.Type, i.Op))
	switch i.Op {
	case OpConst:
		sb.WriteString(" " + i.Const.format(i.Type))
	case OpParam:
		sb.WriteString(fmt.Sprintf(" %d", i.Param))
	case OpCall:
		sb.WriteString(" " + i.Fn)
	case OpPhi:
		for j, arg := range i.Args {
			sb.WriteString(fmt.Sprintf(" [v%d, b%d]", arg, i.From[j]))
		}
		return sb.String()
	}
	for _, arg := range i.Args {
		sb.WriteString(fmt.Sprintf(" v%d", arg))
	}
	return sb.String()
}

func (t Terminator) String() string {
	switch t.Kind {
	case TermJump:
		return fmt.Sprintf("jump b%d", t.Then)
	case TermBranch:
		return fmt.Sprintf("branch v%d, b%d, b%d", t.Cond, t.Then, t.Else)
	case TermReturn:
		if t.Value == NoValue {
			return "return null"
		}
		return fmt.Sprintf("return v%d", t.Value)
	default:
		return "<no terminator>"
	}
}
