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

package ast

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/types"
)

// NodeID addresses a node in the arena of its Tree.
type NodeID int32

const NoNode NodeID = -1

type Kind uint8

const (
	KindLiteral Kind = iota + 1
	KindIdentifier
	KindBinaryOp
	KindUnaryOp
	KindCall
	KindCast
	KindConditional
	KindBlock
	KindLoop
	KindReturn
	KindLet
	KindAssign
)

var kindNames = map[Kind]string{
	KindLiteral:     "Literal",
	KindIdentifier:  "Identifier",
	KindBinaryOp:    "BinaryOp",
	KindUnaryOp:     "UnaryOp",
	KindCall:        "Call",
	KindCast:        "Cast",
	KindConditional: "Conditional",
	KindBlock:       "Block",
	KindLoop:        "Loop",
	KindReturn:      "Return",
	KindLet:         "Let",
	KindAssign:      "Assign",
}

func (k Kind) String() string {
	return kindNames[k]
}

type Operator uint8

const (
	OpAdd Operator = iota + 1
	OpSub
	OpMul
	OpDiv
	OpRem
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
	OpNeg
	OpNot
)

var operatorSymbols = map[Operator]string{
	OpAdd: "+",
	OpSub: "-",
	OpMul: "*",
	OpDiv: "/",
	OpRem: "%",
	OpEq:  "==",
	OpNe:  "!=",
	OpLt:  "<",
	OpLe:  "<=",
	OpGt:  ">",
	OpGe:  ">=",
	OpAnd: "&&",
	OpOr:  "||",
	OpNeg: "-",
	OpNot: "!",
}

func (o Operator) String() string {
	return operatorSymbols[o]
}

func (o Operator) IsComparison() bool {
	return o >= OpEq && o <= OpGe
}

func (o Operator) IsArithmetic() bool {
	return o >= OpAdd && o <= OpRem
}

// Literal is the value of a literal node. Type is one of the non nullable base types or types.Null.
type Literal struct {
	Type  types.Type
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

func (l Literal) String() string {
	switch l.Type.ID() {
	case types.TypeIDInt64:
		return strconv.FormatInt(l.Int, 10)
	case types.TypeIDFloat64:
		return strconv.FormatFloat(l.Float, 'g', -1, 64)
	case types.TypeIDUtf8String:
		return strconv.Quote(l.Str)
	case types.TypeIDBool:
		return strconv.FormatBool(l.Bool)
	default:
		return "null"
	}
}

// Node is one entry in the arena. Children layout per kind:
//
//	BinaryOp     [lhs, rhs]
//	UnaryOp      [operand]
//	Call         args
//	Cast         [operand], target in Type
//	Conditional  [cond, then] or [cond, then, else]; then and else are Blocks
//	Block        statements
//	Loop         [cond, body]
//	Return       [] or [value]
//	Let          [init], optional annotation in Type
//	Assign       [value]
type Node struct {
	Kind     Kind
	Pos      errors.Position
	Op       Operator
	Name     string
	Lit      Literal
	Type     types.Type
	Children []NodeID
}

type Param struct {
	Name string
	Type types.Type
	Pos  errors.Position
}

// Tree is a parsed function definition. Nodes own their children exclusively.
type Tree struct {
	Name       string
	Pos        errors.Position
	Params     []Param
	ReturnType types.Type
	Body       NodeID
	Source     string
	nodes      []Node
}

func NewTree(source string) *Tree {
	return &Tree{Source: source, Body: NoNode, nodes: make([]Node, 0, 64)}
}

func (t *Tree) Add(n Node) NodeID {
	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

// Node returns a pointer into the arena. It is invalidated by the next Add.
func (t *Tree) Node(id NodeID) *Node {
	return &t.nodes[id]
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) ParamTypes() []types.Type {
	res := make([]types.Type, len(t.Params))
	for i, p := range t.Params {
		res[i] = p.Type
	}
	return res
}

// Walk visits id and its descendants in pre-order. Returning false from f skips the children of that node.
func (t *Tree) Walk(id NodeID, f func(id NodeID, n *Node) bool) {
	stack := []NodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &t.nodes[cur]
		if !f(cur, n) {
			continue
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
}

// String renders the tree as an indented s-expression listing.
func (t *Tree) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("def %s(", t.Name))
	for i, p := range t.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%s: %s", p.Name, p.Type))
	}
	sb.WriteString(fmt.Sprintf(") -> %s\n", t.ReturnType))
	if t.Body != NoNode {
		t.writeNode(&sb, t.Body, 1)
	}
	return sb.String()
}

func (t *Tree) writeNode(sb *strings.Builder, id NodeID, depth int) {
	n := &t.nodes[id]
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(n.Kind.String())
	switch n.Kind {
	case KindLiteral:
		sb.WriteString(" " + n.Lit.String())
	case KindIdentifier, KindCall:
		sb.WriteString(" " + n.Name)
	case KindBinaryOp, KindUnaryOp:
		sb.WriteString(" " + n.Op.String())
	case KindCast:
		sb.WriteString(" " + n.Type.String())
	case KindLet:
		sb.WriteString(" " + n.Name)
		if n.Type.IsValid() {
			sb.WriteString(": " + n.Type.String())
		}
	case KindAssign:
		sb.WriteString(" " + n.Name)
	}
	sb.WriteString("\n")
	for _, child := range n.Children {
		t.writeNode(sb, child, depth+1)
	}
}
