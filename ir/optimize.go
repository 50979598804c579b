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
	"math"

	"github.com/spirit-labs/udfc/types"
)

// Optimize runs constant folding, branch folding, unreachable block removal, trivial phi removal, copy
// propagation, jump threading, dead code elimination and block merging until nothing changes. The function is
// modified in place.
func Optimize(f *Function) {
	for {
		changed := foldConstants(f)
		changed = foldBranches(f) || changed
		changed = removeUnreachable(f) || changed
		changed = removeTrivialPhis(f) || changed
		changed = propagateCopies(f) || changed
		changed = threadJumps(f) || changed
		changed = removeUnreachable(f) || changed
		changed = eliminateDeadCode(f) || changed
		changed = mergeBlocks(f) || changed
		if !changed {
			return
		}
	}
}

func constants(f *Function) map[ValueID]*Instr {
	res := map[ValueID]*Instr{}
	for _, b := range f.Blocks {
		for _, instr := range b.Instrs {
			if instr.Op == OpConst {
				res[instr.ID] = instr
			}
		}
	}
	return res
}

func foldConstants(f *Function) bool {
	changed := false
	for {
		consts := constants(f)
		round := false
		for _, b := range f.Blocks {
			for _, instr := range b.Instrs {
				if instr.Op == OpConst || instr.Op == OpParam || instr.Op == OpPhi || instr.Op == OpCall {
					continue
				}
				if instr.Op == OpIsNull && !f.ValueType(instr.Args[0]).IsNullable() {
					instr.Op = OpConst
					instr.Const = Const{Bool: false}
					instr.Args = nil
					round = true
					continue
				}
				args := make([]*Instr, len(instr.Args))
				allConst := true
				for i, arg := range instr.Args {
					c, ok := consts[arg]
					if !ok {
						allConst = false
						break
					}
					args[i] = c
				}
				if !allConst {
					continue
				}
				if res, ok := evalConst(instr, args); ok {
					if res.Null && !instr.Type.IsNullable() {
						continue
					}
					instr.Op = OpConst
					instr.Const = res
					instr.Args = nil
					round = true
				}
			}
		}
		if !round {
			return changed
		}
		changed = true
	}
}

// evalConst computes an instruction over constant operands using the same semantics as the backends.
func evalConst(instr *Instr, args []*Instr) (Const, bool) {
	switch instr.Op {
	case OpIsNull:
		return Const{Bool: args[0].Const.Null}, true
	case OpUnwrap:
		if args[0].Const.Null {
			return Const{}, false
		}
		c := args[0].Const
		return c, true
	case OpNot:
		return Const{Bool: !args[0].Const.Bool}, true
	case OpNeg:
		if instr.Type == types.Int64 {
			return Const{Int: -args[0].Const.Int}, true
		}
		return Const{Float: -args[0].Const.Float}, true
	case OpAnd:
		return Const{Bool: args[0].Const.Bool && args[1].Const.Bool}, true
	case OpOr:
		return Const{Bool: args[0].Const.Bool || args[1].Const.Bool}, true
	case OpConcat:
		return Const{Str: args[0].Const.Str + args[1].Const.Str}, true
	case OpCast:
		return castConst(args[0].Const, args[0].Type, instr.Type)
	}
	if instr.Op.IsArithmetic() {
		a, b := args[0].Const, args[1].Const
		if instr.Type.Base() == types.Float64 {
			return Const{Float: FloatArith(instr.Op, a.Float, b.Float)}, true
		}
		switch instr.Op {
		case OpDiv:
			v, ok := DivInt(a.Int, b.Int)
			return Const{Int: v, Null: !ok}, true
		case OpRem:
			v, ok := RemInt(a.Int, b.Int)
			return Const{Int: v, Null: !ok}, true
		default:
			return Const{Int: IntArith(instr.Op, a.Int, b.Int)}, true
		}
	}
	if instr.Op.IsComparison() {
		a, b := args[0].Const, args[1].Const
		var cmp int
		switch args[0].Type.Base() {
		case types.Int64:
			cmp = compareOrdered(a.Int, b.Int)
		case types.Utf8String:
			cmp = compareOrdered(a.Str, b.Str)
		case types.Bool:
			cmp = compareOrdered(BoolToInt(a.Bool), BoolToInt(b.Bool))
		case types.Float64:
			// comparisons with NaN are all false except !=
			if math.IsNaN(a.Float) || math.IsNaN(b.Float) {
				return Const{Bool: instr.Op == OpNe}, true
			}
			cmp = compareOrdered(a.Float, b.Float)
		}
		return Const{Bool: CompareResult(instr.Op, cmp)}, true
	}
	return Const{}, false
}

func castConst(c Const, from types.Type, to types.Type) (Const, bool) {
	switch to.Base() {
	case types.Utf8String:
		switch from.Base() {
		case types.Int64:
			return Const{Str: FormatInt(c.Int)}, true
		case types.Float64:
			return Const{Str: FormatFloat(c.Float)}, true
		case types.Bool:
			return Const{Str: FormatBool(c.Bool)}, true
		}
	case types.Int64:
		switch from.Base() {
		case types.Float64:
			return Const{Int: FloatToInt(c.Float)}, true
		case types.Bool:
			return Const{Int: BoolToInt(c.Bool)}, true
		case types.Utf8String:
			v, ok := ParseInt(c.Str)
			return Const{Int: v, Null: !ok}, true
		}
	case types.Float64:
		switch from.Base() {
		case types.Int64:
			return Const{Float: float64(c.Int)}, true
		case types.Utf8String:
			v, ok := ParseFloat(c.Str)
			return Const{Float: v, Null: !ok}, true
		}
	}
	return Const{}, false
}

func IntArith(op Op, a int64, b int64) int64 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMul:
		return a * b
	}
	panic("not an int arithmetic op")
}

func FloatArith(op Op, a float64, b float64) float64 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMul:
		return a * b
	case OpDiv:
		return a / b
	}
	panic("not a float arithmetic op")
}

func compareOrdered[T int64 | float64 | string](a T, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// CompareResult maps a three way comparison result to the outcome of a comparison op.
func CompareResult(op Op, cmp int) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	panic("not a comparison op")
}

func foldBranches(f *Function) bool {
	consts := constants(f)
	changed := false
	for _, b := range f.Blocks {
		if b.Term.Kind != TermBranch {
			continue
		}
		c, ok := consts[b.Term.Cond]
		if !ok {
			continue
		}
		taken, dropped := b.Term.Then, b.Term.Else
		if !c.Const.Bool {
			taken, dropped = dropped, taken
		}
		b.Term = Terminator{Kind: TermJump, Then: taken}
		if taken != dropped {
			removeEdge(f.Blocks[dropped], b.ID)
		} else {
			removeEdge(f.Blocks[taken], b.ID)
		}
		changed = true
	}
	return changed
}

// removeEdge removes one incoming edge from pred, together with the matching phi operands.
func removeEdge(b *Block, pred BlockID) {
	for i, p := range b.Preds {
		if p == pred {
			b.Preds = append(b.Preds[:i:i], b.Preds[i+1:]...)
			break
		}
	}
	for _, phi := range b.Phis() {
		for i, from := range phi.From {
			if from == pred {
				phi.From = append(phi.From[:i:i], phi.From[i+1:]...)
				phi.Args = append(phi.Args[:i:i], phi.Args[i+1:]...)
				break
			}
		}
	}
}

func reachable(f *Function) []bool {
	seen := make([]bool, len(f.Blocks))
	stack := []BlockID{0}
	seen[0] = true
	for len(stack) > 0 {
		b := f.Blocks[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		for _, s := range b.Succs() {
			if !seen[s] {
				seen[s] = true
				stack = append(stack, s)
			}
		}
	}
	return seen
}

func removeUnreachable(f *Function) bool {
	live := reachable(f)
	removed := false
	for _, b := range f.Blocks {
		if live[b.ID] {
			continue
		}
		for _, s := range b.Succs() {
			if live[s] {
				removeEdge(f.Blocks[s], b.ID)
			}
		}
		removed = true
	}
	if removed {
		compact(f, live)
	}
	return removed
}

func removeTrivialPhis(f *Function) bool {
	changed := false
	for {
		replace := map[ValueID]ValueID{}
		for _, b := range f.Blocks {
			kept := b.Instrs[:0]
			for _, instr := range b.Instrs {
				if instr.Op == OpPhi {
					if v, ok := trivialPhiValue(instr); ok {
						replace[instr.ID] = v
						continue
					}
				}
				kept = append(kept, instr)
			}
			b.Instrs = kept
		}
		if len(replace) == 0 {
			return changed
		}
		changed = true
		replaceUses(f, replace)
	}
}

// trivialPhiValue returns the single value a phi merges, ignoring references to itself.
func trivialPhiValue(phi *Instr) (ValueID, bool) {
	res := NoValue
	for _, arg := range phi.Args {
		if arg == phi.ID || arg == res {
			continue
		}
		if res != NoValue {
			return NoValue, false
		}
		res = arg
	}
	return res, res != NoValue
}

func resolve(replace map[ValueID]ValueID, v ValueID) ValueID {
	for {
		r, ok := replace[v]
		if !ok {
			return v
		}
		v = r
	}
}

func replaceUses(f *Function, replace map[ValueID]ValueID) {
	for _, b := range f.Blocks {
		for _, instr := range b.Instrs {
			for i, arg := range instr.Args {
				instr.Args[i] = resolve(replace, arg)
			}
		}
		if b.Term.Kind == TermBranch {
			b.Term.Cond = resolve(replace, b.Term.Cond)
		}
		if b.Term.Kind == TermReturn && b.Term.Value != NoValue {
			b.Term.Value = resolve(replace, b.Term.Value)
		}
	}
}

// propagateCopies replaces uses of instructions that only copy their operand: unwraps and casts of a value that
// already has the result type, and phis with a single operand.
func propagateCopies(f *Function) bool {
	replace := map[ValueID]ValueID{}
	for _, b := range f.Blocks {
		kept := b.Instrs[:0]
		for _, instr := range b.Instrs {
			if v, ok := copiedValue(f, instr); ok {
				replace[instr.ID] = v
				continue
			}
			kept = append(kept, instr)
		}
		b.Instrs = kept
	}
	if len(replace) == 0 {
		return false
	}
	replaceUses(f, replace)
	return true
}

func copiedValue(f *Function, instr *Instr) (ValueID, bool) {
	switch instr.Op {
	case OpUnwrap, OpCast:
		if f.ValueType(instr.Args[0]) == instr.Type {
			return instr.Args[0], true
		}
	case OpPhi:
		if len(instr.Args) == 1 && instr.Args[0] != instr.ID {
			return instr.Args[0], true
		}
	}
	return NoValue, false
}

// threadJumps retargets a jump to an empty block that ends in a branch so that the jumping block branches itself.
// Loop headers are never bypassed, the loop iteration limit is counted on them.
func threadJumps(f *Function) bool {
	changed := false
	for _, a := range f.Blocks {
		if a.Term.Kind != TermJump {
			continue
		}
		b := f.Blocks[a.Term.Then]
		if b.ID == a.ID || b.LoopHeader || len(b.Instrs) > 0 || b.Term.Kind != TermBranch {
			continue
		}
		// no new back edges
		if b.Term.Then <= a.ID || b.Term.Else <= a.ID {
			continue
		}
		a.Term = b.Term
		for _, s := range b.Succs() {
			succ := f.Blocks[s]
			succ.Preds = append(succ.Preds, a.ID)
			for _, phi := range succ.Phis() {
				for i, from := range phi.From {
					if from == b.ID {
						phi.From = append(phi.From, a.ID)
						phi.Args = append(phi.Args, phi.Args[i])
						break
					}
				}
			}
		}
		removeEdge(b, a.ID)
		changed = true
	}
	return changed
}

func eliminateDeadCode(f *Function) bool {
	used := map[ValueID]bool{}
	defs := map[ValueID]*Instr{}
	var work []ValueID
	mark := func(v ValueID) {
		if v != NoValue && !used[v] {
			used[v] = true
			work = append(work, v)
		}
	}
	for _, b := range f.Blocks {
		for _, instr := range b.Instrs {
			defs[instr.ID] = instr
		}
		switch b.Term.Kind {
		case TermBranch:
			mark(b.Term.Cond)
		case TermReturn:
			mark(b.Term.Value)
		}
	}
	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]
		if instr, ok := defs[v]; ok {
			for _, arg := range instr.Args {
				mark(arg)
			}
		}
	}
	changed := false
	for _, b := range f.Blocks {
		kept := b.Instrs[:0]
		for _, instr := range b.Instrs {
			if used[instr.ID] {
				kept = append(kept, instr)
			} else {
				changed = true
			}
		}
		b.Instrs = kept
	}
	return changed
}

// mergeBlocks appends a block to its only predecessor when that predecessor jumps to it unconditionally.
func mergeBlocks(f *Function) bool {
	live := make([]bool, len(f.Blocks))
	for i := range live {
		live[i] = true
	}
	// a header whose back edge was folded away is an ordinary block
	for _, b := range f.Blocks {
		if b.LoopHeader {
			b.LoopHeader = false
			for _, p := range b.Preds {
				if p >= b.ID {
					b.LoopHeader = true
				}
			}
		}
	}
	merged := false
	for _, a := range f.Blocks {
		if !live[a.ID] {
			continue
		}
		for a.Term.Kind == TermJump {
			b := f.Blocks[a.Term.Then]
			if b.ID == a.ID || b.ID == 0 || b.LoopHeader || len(b.Preds) != 1 || len(b.Phis()) > 0 {
				break
			}
			a.Instrs = append(a.Instrs, b.Instrs...)
			a.Term = b.Term
			for _, s := range b.Succs() {
				succ := f.Blocks[s]
				for i, p := range succ.Preds {
					if p == b.ID {
						succ.Preds[i] = a.ID
					}
				}
				for _, phi := range succ.Phis() {
					for i, from := range phi.From {
						if from == b.ID {
							phi.From[i] = a.ID
						}
					}
				}
			}
			live[b.ID] = false
			merged = true
		}
	}
	if merged {
		compact(f, live)
	}
	return merged
}

// compact drops blocks that are not live and renumbers the rest densely.
func compact(f *Function, live []bool) {
	ids := make([]BlockID, len(f.Blocks))
	var blocks []*Block
	for i, b := range f.Blocks {
		if live[i] {
			ids[i] = BlockID(len(blocks))
			blocks = append(blocks, b)
		}
	}
	for _, b := range blocks {
		b.ID = ids[b.ID]
		for i, p := range b.Preds {
			b.Preds[i] = ids[p]
		}
		for _, phi := range b.Phis() {
			for i, from := range phi.From {
				phi.From[i] = ids[from]
			}
		}
		switch b.Term.Kind {
		case TermJump:
			b.Term.Then = ids[b.Term.Then]
		case TermBranch:
			b.Term.Then = ids[b.Term.Then]
			b.Term.Else = ids[b.Term.Else]
		}
	}
	f.Blocks = blocks
}
