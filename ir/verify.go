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
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/types"
)

// Verify checks the structural invariants code generation relies on. A failure is always a bug in an earlier
// phase and is reported as an InternalCodegenError.
func Verify(f *Function) error {
	if len(f.Blocks) == 0 {
		return errors.NewInternalCodegenError("function %s has no blocks", f.Name)
	}
	defs := make(map[ValueID]BlockID, f.NumValues())
	incoming := make([]map[BlockID]int, len(f.Blocks))
	for i := range incoming {
		incoming[i] = map[BlockID]int{}
	}
	for i, b := range f.Blocks {
		if b.ID != BlockID(i) {
			return errors.NewInternalCodegenError("block at index %d has id b%d", i, b.ID)
		}
		for _, instr := range b.Instrs {
			if instr.ID < 0 || int(instr.ID) >= f.NumValues() {
				return errors.NewInternalCodegenError("instruction defines unknown slot v%d", instr.ID)
			}
			if _, ok := defs[instr.ID]; ok {
				return errors.NewInternalCodegenError("slot v%d is defined more than once", instr.ID)
			}
			if f.ValueType(instr.ID) != instr.Type {
				return errors.NewInternalCodegenError("slot v%d has type %s but is defined as %s", instr.ID,
					f.ValueType(instr.ID), instr.Type)
			}
			defs[instr.ID] = b.ID
		}
		switch b.Term.Kind {
		case TermNone:
			return errors.NewInternalCodegenError("block b%d has no terminator", b.ID)
		case TermJump, TermBranch:
			for _, s := range b.Succs() {
				if s < 0 || int(s) >= len(f.Blocks) || s == 0 {
					return errors.NewInternalCodegenError("block b%d jumps to invalid block b%d", b.ID, s)
				}
				incoming[s][b.ID]++
			}
		}
	}
	for _, b := range f.Blocks {
		if err := verifyPreds(b, incoming[b.ID]); err != nil {
			return err
		}
		seen := map[ValueID]bool{}
		for i, instr := range b.Instrs {
			if instr.Op == OpPhi {
				if i >= len(b.Phis()) {
					return errors.NewInternalCodegenError("phi v%d is not at the start of block b%d", instr.ID, b.ID)
				}
				if err := verifyPhi(f, b, instr, defs); err != nil {
					return err
				}
			} else {
				for _, arg := range instr.Args {
					if err := verifyUse(arg, b.ID, defs, seen); err != nil {
						return err
					}
				}
				if err := verifyOperands(f, instr); err != nil {
					return err
				}
			}
			seen[instr.ID] = true
		}
		if err := verifyTerminator(f, b, defs, seen); err != nil {
			return err
		}
	}
	return nil
}

func verifyPreds(b *Block, incoming map[BlockID]int) error {
	counts := map[BlockID]int{}
	for _, p := range b.Preds {
		counts[p]++
	}
	if len(counts) != len(incoming) {
		return errors.NewInternalCodegenError("block b%d has preds that do not match its incoming edges", b.ID)
	}
	for p, n := range incoming {
		if counts[p] != n {
			return errors.NewInternalCodegenError("block b%d has preds that do not match its incoming edges", b.ID)
		}
	}
	return nil
}

func verifyUse(v ValueID, block BlockID, defs map[ValueID]BlockID, seenInBlock map[ValueID]bool) error {
	defBlock, ok := defs[v]
	if !ok {
		return errors.NewInternalCodegenError("use of undefined slot v%d in block b%d", v, block)
	}
	if defBlock == block && !seenInBlock[v] {
		return errors.NewInternalCodegenError("slot v%d is used before its definition in block b%d", v, block)
	}
	return nil
}

func verifyPhi(f *Function, b *Block, phi *Instr, defs map[ValueID]BlockID) error {
	if len(phi.Args) != len(phi.From) || len(phi.Args) != len(b.Preds) {
		return errors.NewInternalCodegenError("phi v%d has %d operands but block b%d has %d preds", phi.ID,
			len(phi.Args), b.ID, len(b.Preds))
	}
	remaining := map[BlockID]int{}
	for _, p := range b.Preds {
		remaining[p]++
	}
	for i, arg := range phi.Args {
		if _, ok := defs[arg]; !ok {
			return errors.NewInternalCodegenError("phi v%d uses undefined slot v%d", phi.ID, arg)
		}
		if remaining[phi.From[i]] == 0 {
			return errors.NewInternalCodegenError("phi v%d has an operand from b%d which is not a pred of b%d",
				phi.ID, phi.From[i], b.ID)
		}
		remaining[phi.From[i]]--
		at := f.ValueType(arg)
		if at.IsNull() {
			return errors.NewInternalCodegenError("phi v%d has an untyped null operand v%d", phi.ID, arg)
		}
		if at.Base() != phi.Type.Base() || (at.IsNullable() && !phi.Type.IsNullable()) {
			return errors.NewInternalCodegenError("phi v%d of type %s has operand v%d of type %s", phi.ID, phi.Type,
				arg, at)
		}
	}
	return nil
}

func verifyOperands(f *Function, instr *Instr) error {
	argTypes := make([]types.Type, len(instr.Args))
	for i, arg := range instr.Args {
		argTypes[i] = f.ValueType(arg)
	}
	expectArgs := func(n int) error {
		if len(argTypes) != n {
			return errors.NewInternalCodegenError("v%d: %s expects %d operands but has %d", instr.ID, instr.Op, n,
				len(argTypes))
		}
		return nil
	}
	switch instr.Op {
	case OpConst:
		if instr.Const.Null && !instr.Type.IsNullable() {
			return errors.NewInternalCodegenError("v%d: constant nullability does not match type %s", instr.ID,
				instr.Type)
		}
		return expectArgs(0)
	case OpParam:
		if instr.Param < 0 || instr.Param >= len(f.Params) || instr.Type != types.Nullable(f.Params[instr.Param]) {
			return errors.NewInternalCodegenError("v%d: invalid parameter %d", instr.ID, instr.Param)
		}
		return expectArgs(0)
	case OpIsNull:
		if instr.Type != types.Bool {
			return errors.NewInternalCodegenError("v%d: isnull must be bool", instr.ID)
		}
		return expectArgs(1)
	case OpUnwrap:
		if err := expectArgs(1); err != nil {
			return err
		}
		if argTypes[0].Base() != instr.Type || instr.Type.IsNullable() {
			return errors.NewInternalCodegenError("v%d: cannot unwrap %s to %s", instr.ID, argTypes[0], instr.Type)
		}
		return nil
	case OpCast, OpCall:
		for i, at := range argTypes {
			if at.IsNullable() {
				return errors.NewInternalCodegenError("v%d: operand %d of %s is nullable", instr.ID, i, instr.Op)
			}
		}
		if instr.Op == OpCast {
			return expectArgs(1)
		}
		return nil
	}
	for i, at := range argTypes {
		if at.IsNullable() {
			return errors.NewInternalCodegenError("v%d: operand %d of %s is nullable", instr.ID, i, instr.Op)
		}
	}
	var operandBase types.Type
	switch {
	case instr.Op == OpNeg:
		if err := expectArgs(1); err != nil {
			return err
		}
		operandBase = instr.Type
	case instr.Op == OpNot:
		if err := expectArgs(1); err != nil {
			return err
		}
		operandBase = types.Bool
	case instr.Op.IsArithmetic():
		if err := expectArgs(2); err != nil {
			return err
		}
		operandBase = instr.Type.Base()
		if instr.Type.IsNullable() && !(instr.Type.Base() == types.Int64 && (instr.Op == OpDiv || instr.Op == OpRem)) {
			return errors.NewInternalCodegenError("v%d: %s cannot produce null", instr.ID, instr.Op)
		}
	case instr.Op.IsComparison():
		if err := expectArgs(2); err != nil {
			return err
		}
		operandBase = argTypes[0]
	case instr.Op == OpAnd || instr.Op == OpOr:
		if err := expectArgs(2); err != nil {
			return err
		}
		operandBase = types.Bool
	case instr.Op == OpConcat:
		if err := expectArgs(2); err != nil {
			return err
		}
		operandBase = types.Utf8String
	default:
		return errors.NewInternalCodegenError("v%d: unknown op %d", instr.ID, instr.Op)
	}
	for i, at := range argTypes {
		if at != operandBase {
			return errors.NewInternalCodegenError("v%d: operand %d of %s has type %s, expected %s", instr.ID, i,
				instr.Op, at, operandBase)
		}
	}
	return nil
}

func verifyTerminator(f *Function, b *Block, defs map[ValueID]BlockID, seen map[ValueID]bool) error {
	switch b.Term.Kind {
	case TermBranch:
		if err := verifyUse(b.Term.Cond, b.ID, defs, seen); err != nil {
			return err
		}
		if f.ValueType(b.Term.Cond) != types.Bool {
			return errors.NewInternalCodegenError("block b%d branches on v%d of type %s", b.ID, b.Term.Cond,
				f.ValueType(b.Term.Cond))
		}
	case TermReturn:
		if b.Term.Value == NoValue {
			return nil
		}
		if err := verifyUse(b.Term.Value, b.ID, defs, seen); err != nil {
			return err
		}
		if f.ValueType(b.Term.Value).Base() != f.Return {
			return errors.NewInternalCodegenError("block b%d returns v%d of type %s from a function returning %s",
				b.ID, b.Term.Value, f.ValueType(b.Term.Value), f.Return)
		}
	}
	return nil
}
