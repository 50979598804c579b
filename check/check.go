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

package check

import (
	"fmt"

	"github.com/spirit-labs/udfc/ast"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/types"
)

type VarID int32

const NoVar VarID = -1

// Var is a parameter or a let binding. Type is the declared storage type; a read of a narrowed variable has the
// base of this type.
type Var struct {
	Name  string
	Type  types.Type
	Pos   errors.Position
	Param int
}

// Typed is a type checked tree. Every expression node has exactly one resolved type.
type Typed struct {
	Tree       *ast.Tree
	ArgTypes   []types.Type
	ReturnType types.Type
	Vars       []Var
	nodeTypes  []types.Type
	refs       []VarID
}

func (t *Typed) TypeOf(id ast.NodeID) types.Type {
	return t.nodeTypes[id]
}

// VarOf returns the variable an Identifier, Let or Assign node refers to.
func (t *Typed) VarOf(id ast.NodeID) VarID {
	return t.refs[id]
}

// Check type checks tree. argTypes are the host declared argument types, they must agree with the parameter
// declarations in the source. A nil argTypes takes the types from the source.
func Check(tree *ast.Tree, argTypes []types.Type) (*Typed, error) {
	if argTypes == nil {
		argTypes = tree.ParamTypes()
	}
	if len(argTypes) != len(tree.Params) {
		return nil, errors.NewTypeError(tree.Pos, fmt.Sprintf("%d parameters", len(argTypes)),
			fmt.Sprintf("%d parameters", len(tree.Params)), tree.Source)
	}
	typed := &Typed{
		Tree:       tree,
		ReturnType: tree.ReturnType.Base(),
		nodeTypes:  make([]types.Type, tree.Len()),
		refs:       make([]VarID, tree.Len()),
	}
	for i := range typed.refs {
		typed.refs[i] = NoVar
	}
	c := &checker{typed: typed, tree: tree, narrowed: map[VarID]bool{}}
	c.pushScope()
	for i, p := range tree.Params {
		if argTypes[i].Base() != p.Type.Base() {
			return nil, errors.NewTypeError(p.Pos, argTypes[i].Base().String(), p.Type.Base().String(), tree.Source)
		}
		typed.ArgTypes = append(typed.ArgTypes, p.Type.Base())
		// arguments are SQL columns and may always be null
		c.declare(Var{Name: p.Name, Type: types.Nullable(p.Type), Pos: p.Pos, Param: i})
	}
	if _, err := c.checkBlock(tree.Body); err != nil {
		return nil, err
	}
	return typed, nil
}

type checker struct {
	typed    *Typed
	tree     *ast.Tree
	scopes   []map[string]VarID
	narrowed map[VarID]bool
}

func (c *checker) pushScope() {
	c.scopes = append(c.scopes, map[string]VarID{})
}

func (c *checker) popScope() {
	c.scopes = c.scopes[:len(c.scopes)-1]
}

func (c *checker) declare(v Var) VarID {
	id := VarID(len(c.typed.Vars))
	c.typed.Vars = append(c.typed.Vars, v)
	c.scopes[len(c.scopes)-1][v.Name] = id
	return id
}

func (c *checker) lookup(name string) VarID {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if id, ok := c.scopes[i][name]; ok {
			return id
		}
	}
	return NoVar
}

func (c *checker) typeError(id ast.NodeID, expected string, actual types.Type) error {
	return errors.NewTypeError(c.tree.Node(id).Pos, expected, actual.String(), c.tree.Source)
}

func (c *checker) typeErrorf(id ast.NodeID, format string, args ...interface{}) error {
	return errors.NewTypeErrorf(c.tree.Node(id).Pos, c.tree.Source, format, args...)
}

// checkBlock returns true if every path through the block returns.
func (c *checker) checkBlock(id ast.NodeID) (bool, error) {
	c.pushScope()
	defer c.popScope()
	terminated := false
	for _, stmt := range c.tree.Node(id).Children {
		if terminated {
			return false, c.typeErrorf(stmt, "unreachable statement")
		}
		term, err := c.checkStatement(stmt)
		if err != nil {
			return false, err
		}
		terminated = term
	}
	return terminated, nil
}

func (c *checker) checkStatement(id ast.NodeID) (bool, error) {
	n := c.tree.Node(id)
	switch n.Kind {
	case ast.KindLet:
		return false, c.checkLet(id, n)
	case ast.KindAssign:
		return false, c.checkAssign(id, n)
	case ast.KindConditional:
		return c.checkConditional(n)
	case ast.KindLoop:
		return false, c.checkLoop(n)
	case ast.KindReturn:
		if len(n.Children) == 0 {
			return true, nil
		}
		t, err := c.checkExpr(n.Children[0])
		if err != nil {
			return false, err
		}
		if !types.Assignable(t, types.Nullable(c.typed.ReturnType)) {
			return false, c.typeError(n.Children[0], c.typed.ReturnType.String(), t)
		}
		return true, nil
	case ast.KindBlock:
		return c.checkBlock(id)
	default:
		return false, c.typeErrorf(id, "expression is not a statement")
	}
}

func (c *checker) checkLet(id ast.NodeID, n *ast.Node) error {
	name, annotation, init := n.Name, n.Type, n.Children[0]
	if c.lookup(name) != NoVar {
		return c.typeErrorf(id, "variable '%s' is already declared", name)
	}
	t, err := c.checkExpr(init)
	if err != nil {
		return err
	}
	varType := t
	if annotation.IsValid() {
		if !types.Assignable(t, annotation) {
			return c.typeError(init, annotation.String(), t)
		}
		varType = annotation
	} else if t.IsNull() {
		return c.typeErrorf(id, "cannot infer the type of '%s' from null, add a type annotation", name)
	}
	v := c.declare(Var{Name: name, Type: varType, Pos: c.tree.Node(id).Pos, Param: -1})
	c.typed.refs[id] = v
	c.typed.nodeTypes[id] = varType
	return nil
}

func (c *checker) checkAssign(id ast.NodeID, n *ast.Node) error {
	name, value := n.Name, n.Children[0]
	v := c.lookup(name)
	if v == NoVar {
		return c.typeErrorf(id, "unknown variable '%s'", name)
	}
	t, err := c.checkExpr(value)
	if err != nil {
		return err
	}
	varType := c.typed.Vars[v].Type
	if !types.Assignable(t, varType) {
		return c.typeError(value, varType.String(), t)
	}
	c.typed.refs[id] = v
	c.typed.nodeTypes[id] = varType
	delete(c.narrowed, v)
	return nil
}

func (c *checker) checkCondition(id ast.NodeID) error {
	t, err := c.checkExpr(id)
	if err != nil {
		return err
	}
	if t != types.Bool {
		return c.typeError(id, types.Bool.String(), t)
	}
	return nil
}

func (c *checker) checkConditional(n *ast.Node) (bool, error) {
	cond, then := n.Children[0], n.Children[1]
	var elseBlock = ast.NoNode
	if len(n.Children) == 3 {
		elseBlock = n.Children[2]
	}
	if err := c.checkCondition(cond); err != nil {
		return false, err
	}
	thenFacts, elseFacts := c.conditionFacts(cond)
	before := c.narrowed

	c.narrowed = union(before, thenFacts)
	thenTerm, err := c.checkBlock(then)
	if err != nil {
		return false, err
	}
	afterThen := c.narrowed

	c.narrowed = union(before, elseFacts)
	elseTerm := false
	if elseBlock != ast.NoNode {
		elseTerm, err = c.checkBlock(elseBlock)
		if err != nil {
			return false, err
		}
	}
	afterElse := c.narrowed

	switch {
	case thenTerm && elseTerm:
		c.narrowed = before
		return true, nil
	case thenTerm:
		c.narrowed = afterElse
	case elseTerm:
		c.narrowed = afterThen
	default:
		c.narrowed = intersection(afterThen, afterElse)
	}
	return false, nil
}

func (c *checker) checkLoop(n *ast.Node) error {
	cond, body := n.Children[0], n.Children[1]
	// anything assigned in the body may be null again when the condition is re-evaluated
	header := copyFacts(c.narrowed)
	for _, v := range c.assignedVars(body) {
		delete(header, v)
	}
	c.narrowed = header
	if err := c.checkCondition(cond); err != nil {
		return err
	}
	thenFacts, elseFacts := c.conditionFacts(cond)
	c.narrowed = union(header, thenFacts)
	if _, err := c.checkBlock(body); err != nil {
		return err
	}
	c.narrowed = union(header, elseFacts)
	return nil
}

// assignedVars returns the variables visible in the current scope that are assigned somewhere under id.
func (c *checker) assignedVars(id ast.NodeID) []VarID {
	var res []VarID
	c.tree.Walk(id, func(_ ast.NodeID, n *ast.Node) bool {
		if n.Kind == ast.KindAssign {
			if v := c.lookup(n.Name); v != NoVar {
				res = append(res, v)
			}
		}
		return true
	})
	return res
}

// conditionFacts returns the variables known to be non null when cond is true and when it is false.
func (c *checker) conditionFacts(cond ast.NodeID) (map[VarID]bool, map[VarID]bool) {
	n := c.tree.Node(cond)
	switch n.Kind {
	case ast.KindCall:
		if (n.Name != "is_null" && n.Name != "is_not_null") || len(n.Children) != 1 {
			return nil, nil
		}
		v := c.typed.refs[n.Children[0]]
		if v == NoVar {
			return nil, nil
		}
		facts := map[VarID]bool{v: true}
		if n.Name == "is_null" {
			return nil, facts
		}
		return facts, nil
	case ast.KindUnaryOp:
		if n.Op == ast.OpNot {
			t, f := c.conditionFacts(n.Children[0])
			return f, t
		}
	case ast.KindBinaryOp:
		lt, lf := c.conditionFacts(n.Children[0])
		rt, rf := c.conditionFacts(n.Children[1])
		switch n.Op {
		case ast.OpAnd:
			return union(lt, rt), nil
		case ast.OpOr:
			return nil, union(lf, rf)
		}
	}
	return nil, nil
}

func (c *checker) checkExpr(id ast.NodeID) (types.Type, error) {
	t, err := c.inferExpr(id)
	if err != nil {
		return types.Invalid, err
	}
	c.typed.nodeTypes[id] = t
	return t, nil
}

func (c *checker) inferExpr(id ast.NodeID) (types.Type, error) {
	n := c.tree.Node(id)
	switch n.Kind {
	case ast.KindLiteral:
		return n.Lit.Type, nil
	case ast.KindIdentifier:
		v := c.lookup(n.Name)
		if v == NoVar {
			return types.Invalid, c.typeErrorf(id, "unknown variable '%s'", n.Name)
		}
		c.typed.refs[id] = v
		t := c.typed.Vars[v].Type
		if c.narrowed[v] {
			t = t.Base()
		}
		return t, nil
	case ast.KindBinaryOp:
		return c.inferBinary(id, n)
	case ast.KindUnaryOp:
		return c.inferUnary(n)
	case ast.KindCall:
		return c.inferCall(id, n)
	case ast.KindCast:
		return c.inferCast(id, n)
	default:
		return types.Invalid, c.typeErrorf(id, "%s is not an expression", n.Kind)
	}
}

func (c *checker) inferBinary(id ast.NodeID, n *ast.Node) (types.Type, error) {
	op, lhs, rhs := n.Op, n.Children[0], n.Children[1]
	lt, err := c.checkExpr(lhs)
	if err != nil {
		return types.Invalid, err
	}
	before := c.narrowed
	// the right operand of && only matters when the left is true, of || when it is false
	switch op {
	case ast.OpAnd:
		facts, _ := c.conditionFacts(lhs)
		c.narrowed = union(before, facts)
	case ast.OpOr:
		_, facts := c.conditionFacts(lhs)
		c.narrowed = union(before, facts)
	}
	rt, err := c.checkExpr(rhs)
	c.narrowed = before
	if err != nil {
		return types.Invalid, err
	}
	nullable := lt.IsNullable() || rt.IsNullable()
	if lt.IsNull() && rt.IsNull() {
		return types.Invalid, c.typeErrorf(id, "cannot apply '%s' to two null operands", op)
	}
	switch {
	case op == ast.OpAdd && (isBase(lt, types.Utf8String) || isBase(rt, types.Utf8String)):
		if err := c.expectOperand(lhs, lt, types.Utf8String); err != nil {
			return types.Invalid, err
		}
		if err := c.expectOperand(rhs, rt, types.Utf8String); err != nil {
			return types.Invalid, err
		}
		return types.Utf8String.WithNullable(nullable), nil
	case op.IsArithmetic():
		res, err := c.numericResult(lhs, lt, rhs, rt)
		if err != nil {
			return types.Invalid, err
		}
		if op == ast.OpRem {
			if err := c.expectOperand(lhs, lt, types.Int64); err != nil {
				return types.Invalid, err
			}
			if err := c.expectOperand(rhs, rt, types.Int64); err != nil {
				return types.Invalid, err
			}
		}
		if (op == ast.OpDiv || op == ast.OpRem) && res == types.Int64 {
			// integer division by zero is null
			return types.Nullable(types.Int64), nil
		}
		return res.WithNullable(nullable), nil
	case op.IsComparison():
		if (lt.IsNumeric() || lt.IsNull()) && (rt.IsNumeric() || rt.IsNull()) {
			return types.Bool.WithNullable(nullable), nil
		}
		base := lt.Base()
		if lt.IsNull() {
			base = rt.Base()
		}
		if err := c.expectOperand(lhs, lt, base); err != nil {
			return types.Invalid, err
		}
		if err := c.expectOperand(rhs, rt, base); err != nil {
			return types.Invalid, err
		}
		if base == types.Bool && op != ast.OpEq && op != ast.OpNe {
			return types.Invalid, c.typeErrorf(id, "operator '%s' is not defined for bool", op)
		}
		return types.Bool.WithNullable(nullable), nil
	default:
		if err := c.expectOperand(lhs, lt, types.Bool); err != nil {
			return types.Invalid, err
		}
		if err := c.expectOperand(rhs, rt, types.Bool); err != nil {
			return types.Invalid, err
		}
		return types.Bool.WithNullable(nullable), nil
	}
}

func (c *checker) numericResult(lhs ast.NodeID, lt types.Type, rhs ast.NodeID, rt types.Type) (types.Type, error) {
	if !lt.IsNumeric() && !lt.IsNull() {
		return types.Invalid, c.typeError(lhs, "int or float", lt)
	}
	if !rt.IsNumeric() && !rt.IsNull() {
		return types.Invalid, c.typeError(rhs, "int or float", rt)
	}
	if lt.ID() == types.TypeIDFloat64 || rt.ID() == types.TypeIDFloat64 {
		return types.Float64, nil
	}
	return types.Int64, nil
}

// expectOperand accepts t if its base is expected or if it is the null literal.
func (c *checker) expectOperand(id ast.NodeID, t types.Type, expected types.Type) error {
	if t.IsNull() || t.Base() == expected {
		return nil
	}
	return c.typeError(id, expected.String(), t)
}

func (c *checker) inferUnary(n *ast.Node) (types.Type, error) {
	operand := n.Children[0]
	t, err := c.checkExpr(operand)
	if err != nil {
		return types.Invalid, err
	}
	if n.Op == ast.OpNeg {
		if t.IsNull() {
			return types.Nullable(types.Int64), nil
		}
		if !t.IsNumeric() {
			return types.Invalid, c.typeError(operand, "int or float", t)
		}
		return t, nil
	}
	if err := c.expectOperand(operand, t, types.Bool); err != nil {
		return types.Invalid, err
	}
	return types.Bool.WithNullable(t.IsNullable()), nil
}

func (c *checker) inferCall(id ast.NodeID, n *ast.Node) (types.Type, error) {
	b, ok := Builtins[n.Name]
	if !ok {
		return types.Invalid, c.typeErrorf(id, "unknown function '%s'", n.Name)
	}
	if len(n.Children) != b.Arity {
		return types.Invalid, errors.NewTypeError(n.Pos, fmt.Sprintf("%d arguments", b.Arity),
			fmt.Sprintf("%d arguments", len(n.Children)), c.tree.Source)
	}
	argTypes := make([]types.Type, len(n.Children))
	nullable := false
	for i, arg := range n.Children {
		t, err := c.checkExpr(arg)
		if err != nil {
			return types.Invalid, err
		}
		argTypes[i] = t
		nullable = nullable || t.IsNullable()
	}
	if b.Name == "coalesce" {
		return c.inferCoalesce(id, n, argTypes)
	}
	res, argIndex, expected := b.result(argTypes)
	if expected != "" {
		return types.Invalid, c.typeError(n.Children[argIndex], expected, argTypes[argIndex])
	}
	if !b.Strict {
		return res, nil
	}
	return res.WithNullable(nullable || b.MayReturnNull), nil
}

func (c *checker) inferCoalesce(id ast.NodeID, n *ast.Node, argTypes []types.Type) (types.Type, error) {
	first, second := argTypes[0], argTypes[1]
	if first.IsNull() && second.IsNull() {
		return types.Invalid, c.typeErrorf(id, "cannot infer the type of coalesce of two nulls")
	}
	unified, ok := types.Unify(first, second)
	if !ok {
		return types.Invalid, c.typeError(n.Children[1], first.Base().String(), second)
	}
	if !first.IsNullable() {
		return unified.Base(), nil
	}
	return unified.Base().WithNullable(second.IsNullable()), nil
}

var allowedCasts = map[types.TypeID][]types.TypeID{
	types.TypeIDUtf8String: {types.TypeIDInt64, types.TypeIDFloat64, types.TypeIDBool, types.TypeIDUtf8String},
	types.TypeIDInt64:      {types.TypeIDFloat64, types.TypeIDBool, types.TypeIDInt64, types.TypeIDUtf8String},
	types.TypeIDFloat64:    {types.TypeIDInt64, types.TypeIDFloat64, types.TypeIDUtf8String},
	types.TypeIDBool:       {types.TypeIDBool},
}

// CastProducesNull reports whether a cast can yield null for a non null operand.
func CastProducesNull(from types.Type, to types.Type) bool {
	return from.Base() == types.Utf8String && (to.Base() == types.Int64 || to.Base() == types.Float64)
}

func (c *checker) inferCast(id ast.NodeID, n *ast.Node) (types.Type, error) {
	target, operand := n.Type, n.Children[0]
	t, err := c.checkExpr(operand)
	if err != nil {
		return types.Invalid, err
	}
	if t.IsNull() {
		return types.Nullable(target), nil
	}
	allowed := false
	for _, from := range allowedCasts[target.ID()] {
		if t.ID() == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return types.Invalid, c.typeErrorf(id, "cannot cast %s to %s", t, target)
	}
	return target.WithNullable(t.IsNullable() || CastProducesNull(t, target)), nil
}

func isBase(t types.Type, base types.Type) bool {
	return !t.IsNull() && t.Base() == base
}

func copyFacts(m map[VarID]bool) map[VarID]bool {
	res := make(map[VarID]bool, len(m))
	for k, v := range m {
		if v {
			res[k] = true
		}
	}
	return res
}

func union(a map[VarID]bool, b map[VarID]bool) map[VarID]bool {
	res := copyFacts(a)
	for k, v := range b {
		if v {
			res[k] = true
		}
	}
	return res
}

func intersection(a map[VarID]bool, b map[VarID]bool) map[VarID]bool {
	res := map[VarID]bool{}
	for k, v := range a {
		if v && b[k] {
			res[k] = true
		}
	}
	return res
}
