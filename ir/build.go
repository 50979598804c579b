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
	"sort"

	"github.com/spirit-labs/udfc/ast"
	"github.com/spirit-labs/udfc/check"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/types"
)

// Build lowers a type checked tree into IR. Variables are put into SSA form while lowering: every join point gets a
// phi for each variable whose incoming values differ, and every loop header gets a phi for each variable assigned
// in the loop body.
func Build(typed *check.Typed) (*Function, error) {
	tree := typed.Tree
	b := &builder{
		fn:    NewFunction(tree.Name, typed.ArgTypes, typed.ReturnType),
		typed: typed,
		tree:  tree,
		env:   map[check.VarID]ValueID{},
	}
	b.cur = b.fn.NewBlock()
	for i, t := range typed.ArgTypes {
		p := b.emit(OpParam, types.Nullable(t))
		p.Param = i
		// parameters are declared first so their VarID is their index
		b.env[check.VarID(i)] = p.ID
	}
	if err := b.lowerBlock(tree.Body); err != nil {
		return nil, err
	}
	if b.cur != nil {
		b.cur.Term = Terminator{Kind: TermReturn, Value: NoValue}
	}
	return b.fn, nil
}

type builder struct {
	fn    *Function
	typed *check.Typed
	tree  *ast.Tree
	// cur is nil once the current path has returned
	cur *Block
	env map[check.VarID]ValueID
}

func (b *builder) emit(op Op, t types.Type, args ...ValueID) *Instr {
	instr := &Instr{ID: b.fn.NewValue(t), Op: op, Type: t, Args: args}
	b.cur.Instrs = append(b.cur.Instrs, instr)
	return instr
}

func (b *builder) constNull(t types.Type) ValueID {
	if !t.IsNull() {
		t = types.Nullable(t)
	}
	c := b.emit(OpConst, t)
	c.Const = Const{Null: true}
	return c.ID
}

func (b *builder) constBool(v bool) ValueID {
	c := b.emit(OpConst, types.Bool)
	c.Const = Const{Bool: v}
	return c.ID
}

func (b *builder) addPhi(block *Block, t types.Type, args []ValueID, from []BlockID) *Instr {
	phi := &Instr{ID: b.fn.NewValue(t), Op: OpPhi, Type: t, Args: args, From: from}
	n := len(block.Phis())
	block.Instrs = append(block.Instrs, nil)
	copy(block.Instrs[n+1:], block.Instrs[n:])
	block.Instrs[n] = phi
	return phi
}

func (b *builder) jump(target *Block) {
	b.cur.Term = Terminator{Kind: TermJump, Then: target.ID}
	target.Preds = append(target.Preds, b.cur.ID)
}

func (b *builder) branch(cond ValueID, then *Block, els *Block) {
	b.cur.Term = Terminator{Kind: TermBranch, Cond: cond, Then: then.ID, Else: els.ID}
	then.Preds = append(then.Preds, b.cur.ID)
	els.Preds = append(els.Preds, b.cur.ID)
}

func (b *builder) lowerBlock(id ast.NodeID) error {
	for _, stmt := range b.tree.Node(id).Children {
		if b.cur == nil {
			return errors.NewInternalCodegenError("statement after return in function %s", b.fn.Name)
		}
		if err := b.lowerStatement(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) lowerStatement(id ast.NodeID) error {
	n := b.tree.Node(id)
	switch n.Kind {
	case ast.KindLet, ast.KindAssign:
		v := b.typed.VarOf(id)
		val, err := b.lowerExpr(n.Children[0])
		if err != nil {
			return err
		}
		b.env[v] = b.coerce(val, b.typed.Vars[v].Type)
		return nil
	case ast.KindConditional:
		return b.lowerConditional(n)
	case ast.KindLoop:
		return b.lowerLoop(n)
	case ast.KindReturn:
		ret := NoValue
		if len(n.Children) == 1 {
			val, err := b.lowerExpr(n.Children[0])
			if err != nil {
				return err
			}
			if !b.fn.ValueType(val).IsNull() {
				ret = b.coerce(val, types.Nullable(b.fn.Return))
			}
		}
		b.cur.Term = Terminator{Kind: TermReturn, Value: ret}
		b.cur = nil
		return nil
	case ast.KindBlock:
		return b.lowerBlock(id)
	default:
		return errors.NewInternalCodegenError("unexpected statement kind %s", n.Kind)
	}
}

type incoming struct {
	block *Block
	env   map[check.VarID]ValueID
}

func (b *builder) lowerConditional(n *ast.Node) error {
	cond, err := b.lowerExpr(n.Children[0])
	if err != nil {
		return err
	}
	thenBlock, elseBlock := b.fn.NewBlock(), b.fn.NewBlock()
	b.branch(cond, thenBlock, elseBlock)
	before := copyEnv(b.env)
	var edges []incoming

	b.cur, b.env = thenBlock, copyEnv(before)
	if err := b.lowerBlock(n.Children[1]); err != nil {
		return err
	}
	if b.cur != nil {
		edges = append(edges, incoming{b.cur, b.env})
	}
	b.cur, b.env = elseBlock, copyEnv(before)
	if len(n.Children) == 3 {
		if err := b.lowerBlock(n.Children[2]); err != nil {
			return err
		}
	}
	if b.cur != nil {
		edges = append(edges, incoming{b.cur, b.env})
	}
	if len(edges) == 0 {
		b.cur = nil
		return nil
	}
	merge := b.fn.NewBlock()
	for _, e := range edges {
		b.cur = e.block
		b.jump(merge)
	}
	b.cur = merge
	b.env = map[check.VarID]ValueID{}
	for _, v := range sortedVars(before) {
		first := edges[0].env[v]
		same := true
		for _, e := range edges[1:] {
			if e.env[v] != first {
				same = false
			}
		}
		if same {
			b.env[v] = first
			continue
		}
		args := make([]ValueID, len(edges))
		from := make([]BlockID, len(edges))
		for i, e := range edges {
			args[i] = e.env[v]
			from[i] = e.block.ID
		}
		b.env[v] = b.addPhi(merge, b.typed.Vars[v].Type, args, from).ID
	}
	return nil
}

func (b *builder) lowerLoop(n *ast.Node) error {
	cond, body := n.Children[0], n.Children[1]
	header := b.fn.NewBlock()
	header.LoopHeader = true
	pre := b.cur
	b.jump(header)

	phis := map[check.VarID]*Instr{}
	for _, v := range b.assignedVars(body) {
		phis[v] = b.addPhi(header, b.typed.Vars[v].Type, []ValueID{b.env[v]}, []BlockID{pre.ID})
		b.env[v] = phis[v].ID
	}

	b.cur = header
	c, err := b.lowerExpr(cond)
	if err != nil {
		return err
	}
	bodyBlock, exit := b.fn.NewBlock(), b.fn.NewBlock()
	b.branch(c, bodyBlock, exit)
	headerEnv := copyEnv(b.env)

	b.cur = bodyBlock
	if err := b.lowerBlock(body); err != nil {
		return err
	}
	if b.cur != nil {
		latch := b.cur
		b.jump(header)
		for _, v := range sortedVars(phis) {
			phi := phis[v]
			phi.Args = append(phi.Args, b.env[v])
			phi.From = append(phi.From, latch.ID)
		}
	}
	b.cur = exit
	b.env = headerEnv
	return nil
}

// assignedVars returns the variables live before the loop that the loop body assigns, in VarID order.
func (b *builder) assignedVars(body ast.NodeID) []check.VarID {
	seen := map[check.VarID]ValueID{}
	b.tree.Walk(body, func(id ast.NodeID, n *ast.Node) bool {
		if n.Kind == ast.KindAssign {
			v := b.typed.VarOf(id)
			if _, ok := b.env[v]; ok {
				seen[v] = NoValue
			}
		}
		return true
	})
	return sortedVars(seen)
}

func (b *builder) lowerExpr(id ast.NodeID) (ValueID, error) {
	n := b.tree.Node(id)
	t := b.typed.TypeOf(id)
	switch n.Kind {
	case ast.KindLiteral:
		return b.lowerLiteral(n.Lit), nil
	case ast.KindIdentifier:
		v, ok := b.env[b.typed.VarOf(id)]
		if !ok {
			return NoValue, errors.NewInternalCodegenError("variable %s has no value", n.Name)
		}
		if !t.IsNullable() && b.fn.ValueType(v).IsNullable() {
			return b.emit(OpUnwrap, t, v).ID, nil
		}
		return v, nil
	case ast.KindBinaryOp:
		return b.lowerBinary(n, t)
	case ast.KindUnaryOp:
		if b.typed.TypeOf(n.Children[0]).IsNull() {
			return b.constNull(t), nil
		}
		operand, err := b.lowerExpr(n.Children[0])
		if err != nil {
			return NoValue, err
		}
		op := OpNeg
		if n.Op == ast.OpNot {
			op = OpNot
		}
		return b.guarded(t, []ValueID{operand}, func(args []ValueID) ValueID {
			return b.emit(op, t.Base(), args[0]).ID
		}), nil
	case ast.KindCast:
		return b.lowerCast(n, t)
	case ast.KindCall:
		return b.lowerCall(n, t)
	default:
		return NoValue, errors.NewInternalCodegenError("unexpected expression kind %s", n.Kind)
	}
}

func (b *builder) lowerLiteral(lit ast.Literal) ValueID {
	if lit.Type.IsNull() {
		return b.constNull(types.Null)
	}
	c := b.emit(OpConst, lit.Type)
	c.Const = Const{Int: lit.Int, Float: lit.Float, Str: lit.Str, Bool: lit.Bool}
	return c.ID
}

var binaryOps = map[ast.Operator]Op{
	ast.OpAdd: OpAdd,
	ast.OpSub: OpSub,
	ast.OpMul: OpMul,
	ast.OpDiv: OpDiv,
	ast.OpRem: OpRem,
	ast.OpEq:  OpEq,
	ast.OpNe:  OpNe,
	ast.OpLt:  OpLt,
	ast.OpLe:  OpLe,
	ast.OpGt:  OpGt,
	ast.OpGe:  OpGe,
	ast.OpAnd: OpAnd,
	ast.OpOr:  OpOr,
}

func (b *builder) lowerBinary(n *ast.Node, t types.Type) (ValueID, error) {
	lt, rt := b.typed.TypeOf(n.Children[0]), b.typed.TypeOf(n.Children[1])
	if lt.IsNull() || rt.IsNull() {
		return b.constNull(t), nil
	}
	lhs, err := b.lowerExpr(n.Children[0])
	if err != nil {
		return NoValue, err
	}
	rhs, err := b.lowerExpr(n.Children[1])
	if err != nil {
		return NoValue, err
	}
	op := binaryOps[n.Op]
	return b.guarded(t, []ValueID{lhs, rhs}, func(args []ValueID) ValueID {
		x, y := args[0], args[1]
		switch {
		case op == OpAdd && t.Base() == types.Utf8String:
			return b.emit(OpConcat, types.Utf8String, x, y).ID
		case op.IsArithmetic():
			base := t.Base()
			x, y = b.convert(x, base), b.convert(y, base)
			resType := base
			if (op == OpDiv || op == OpRem) && base == types.Int64 {
				resType = types.Nullable(types.Int64)
			}
			return b.emit(op, resType, x, y).ID
		case op.IsComparison():
			xt, yt := b.fn.ValueType(x), b.fn.ValueType(y)
			if xt.IsNumeric() && xt.ID() != yt.ID() {
				x, y = b.convert(x, types.Float64), b.convert(y, types.Float64)
			}
			return b.emit(op, types.Bool, x, y).ID
		default:
			return b.emit(op, types.Bool, x, y).ID
		}
	}), nil
}

func (b *builder) lowerCast(n *ast.Node, t types.Type) (ValueID, error) {
	operandType := b.typed.TypeOf(n.Children[0])
	if operandType.IsNull() {
		return b.constNull(t), nil
	}
	operand, err := b.lowerExpr(n.Children[0])
	if err != nil {
		return NoValue, err
	}
	if operandType.Base() == n.Type {
		return operand, nil
	}
	castType := n.Type.WithNullable(check.CastProducesNull(operandType, n.Type))
	return b.guarded(t, []ValueID{operand}, func(args []ValueID) ValueID {
		return b.emit(OpCast, castType, args[0]).ID
	}), nil
}

func (b *builder) lowerCall(n *ast.Node, t types.Type) (ValueID, error) {
	builtin := check.Builtins[n.Name]
	argTypes := make([]types.Type, len(n.Children))
	for i, arg := range n.Children {
		argTypes[i] = b.typed.TypeOf(arg)
	}
	switch n.Name {
	case "is_null", "is_not_null":
		var res ValueID
		switch {
		case argTypes[0].IsNull():
			res = b.constBool(true)
		case !argTypes[0].IsNullable():
			res = b.constBool(false)
		default:
			arg, err := b.lowerExpr(n.Children[0])
			if err != nil {
				return NoValue, err
			}
			res = b.emit(OpIsNull, types.Bool, arg).ID
		}
		if n.Name == "is_not_null" {
			res = b.emit(OpNot, types.Bool, res).ID
		}
		return res, nil
	case "coalesce":
		return b.lowerCoalesce(n, t, argTypes)
	}
	for _, at := range argTypes {
		if at.IsNull() {
			return b.constNull(t), nil
		}
	}
	args := make([]ValueID, len(n.Children))
	for i, arg := range n.Children {
		v, err := b.lowerExpr(arg)
		if err != nil {
			return NoValue, err
		}
		args[i] = v
	}
	paramTypes := builtin.ParamTypes(argTypes, t)
	callType := t.Base().WithNullable(builtin.MayReturnNull)
	return b.guarded(t, args, func(args []ValueID) ValueID {
		for i := range args {
			args[i] = b.convert(args[i], paramTypes[i])
		}
		call := b.emit(OpCall, callType, args...)
		call.Fn = builtin.Name
		return call.ID
	}), nil
}

func (b *builder) lowerCoalesce(n *ast.Node, t types.Type, argTypes []types.Type) (ValueID, error) {
	xt, yt := argTypes[0], argTypes[1]
	if xt.IsNull() || !xt.IsNullable() {
		idx := 1
		if !xt.IsNull() {
			idx = 0
		}
		v, err := b.lowerExpr(n.Children[idx])
		if err != nil {
			return NoValue, err
		}
		return b.coerce(v, t), nil
	}
	x, err := b.lowerExpr(n.Children[0])
	if err != nil {
		return NoValue, err
	}
	var y ValueID
	if yt.IsNull() {
		y = b.constNull(t)
	} else if y, err = b.lowerExpr(n.Children[1]); err != nil {
		return NoValue, err
	}
	isNull := b.emit(OpIsNull, types.Bool, x).ID
	yBlock, xBlock, merge := b.fn.NewBlock(), b.fn.NewBlock(), b.fn.NewBlock()
	b.branch(isNull, yBlock, xBlock)

	b.cur = yBlock
	yv := b.coerce(y, t)
	yEnd := b.cur
	b.jump(merge)

	b.cur = xBlock
	xv := b.coerce(b.emit(OpUnwrap, xt.Base(), x).ID, t)
	xEnd := b.cur
	b.jump(merge)

	b.cur = merge
	return b.addPhi(merge, t, []ValueID{yv, xv}, []BlockID{yEnd.ID, xEnd.ID}).ID, nil
}

// guarded emits the null test in front of an operation. If any of args is nullable, the operation built by f runs
// only on the path where none of them is null, with the args unwrapped, and the result is merged with a typed null.
func (b *builder) guarded(t types.Type, args []ValueID, f func(args []ValueID) ValueID) ValueID {
	isNull := NoValue
	for _, arg := range args {
		if !b.fn.ValueType(arg).IsNullable() {
			continue
		}
		test := b.emit(OpIsNull, types.Bool, arg).ID
		if isNull == NoValue {
			isNull = test
		} else {
			isNull = b.emit(OpOr, types.Bool, isNull, test).ID
		}
	}
	if isNull == NoValue {
		return f(args)
	}
	nullBlock, okBlock, merge := b.fn.NewBlock(), b.fn.NewBlock(), b.fn.NewBlock()
	b.branch(isNull, nullBlock, okBlock)

	b.cur = nullBlock
	nullValue := b.constNull(t)
	b.jump(merge)

	b.cur = okBlock
	unwrapped := make([]ValueID, len(args))
	for i, arg := range args {
		at := b.fn.ValueType(arg)
		if at.IsNullable() {
			unwrapped[i] = b.emit(OpUnwrap, at.Base(), arg).ID
		} else {
			unwrapped[i] = arg
		}
	}
	res := f(unwrapped)
	okEnd := b.cur
	b.jump(merge)

	b.cur = merge
	return b.addPhi(merge, types.Nullable(t), []ValueID{nullValue, res}, []BlockID{nullBlock.ID, okEnd.ID}).ID
}

// coerce widens v to type t: Int64 to Float64 and a null literal to a typed null. Nullability widening needs no
// instruction.
func (b *builder) coerce(v ValueID, t types.Type) ValueID {
	vt := b.fn.ValueType(v)
	if vt.IsNull() {
		return b.constNull(t)
	}
	if vt.Base() == t.Base() {
		return v
	}
	return b.guarded(t.Base().WithNullable(vt.IsNullable()), []ValueID{v}, func(args []ValueID) ValueID {
		return b.emit(OpCast, t.Base(), args[0]).ID
	})
}

// convert casts a non null value to base if needed.
func (b *builder) convert(v ValueID, base types.Type) ValueID {
	if b.fn.ValueType(v).Base() == base {
		return v
	}
	return b.emit(OpCast, base, v).ID
}

func copyEnv(env map[check.VarID]ValueID) map[check.VarID]ValueID {
	res := make(map[check.VarID]ValueID, len(env))
	for k, v := range env {
		res[k] = v
	}
	return res
}

func sortedVars[V any](m map[check.VarID]V) []check.VarID {
	res := make([]check.VarID, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}
