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

package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spirit-labs/udfc/ast"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/types"
)

// Parse lexes and parses a single function definition.
func Parse(src string) (*ast.Tree, error) {
	return ParseTokens(Tokenize(src))
}

// ParseTokens parses the remaining tokens of a stream. Lexing errors surface before any parsing starts.
func ParseTokens(stream *TokenStream) (*ast.Tree, error) {
	tokens, err := stream.All()
	if err != nil {
		return nil, err
	}
	pc := NewParseContext(stream.Source(), tokens)
	return pc.parseFunction()
}

// binary operator precedence, higher binds tighter
var binaryOperators = map[string]struct {
	op         ast.Operator
	precedence int
}{
	"||": {ast.OpOr, 1},
	"&&": {ast.OpAnd, 2},
	"==": {ast.OpEq, 3},
	"!=": {ast.OpNe, 3},
	"<":  {ast.OpLt, 3},
	"<=": {ast.OpLe, 3},
	">":  {ast.OpGt, 3},
	">=": {ast.OpGe, 3},
	"+":  {ast.OpAdd, 4},
	"-":  {ast.OpSub, 4},
	"*":  {ast.OpMul, 5},
	"/":  {ast.OpDiv, 5},
	"%":  {ast.OpRem, 5},
}

var castNames = map[string]types.Type{
	"int":    types.Int64,
	"float":  types.Float64,
	"string": types.Utf8String,
	"bool":   types.Bool,
}

// MaxNestingDepth bounds the nesting of expressions and blocks.
const MaxNestingDepth = 200

type ParseContext struct {
	input    string
	tokens   []Token
	pos      int
	tree     *ast.Tree
	loopVars int
	depth    int
}

func NewParseContext(input string, tokens []Token) *ParseContext {
	return &ParseContext{
		input:  input,
		tokens: tokens,
		tree:   ast.NewTree(input),
	}
}

// NextToken returns the next token. The EOF token is returned repeatedly at the end.
func (pc *ParseContext) NextToken() Token {
	tok := pc.tokens[pc.pos]
	if pc.pos < len(pc.tokens)-1 {
		pc.pos++
	}
	return tok
}

func (pc *ParseContext) PeekToken() Token {
	return pc.tokens[pc.pos]
}

func (pc *ParseContext) peekIs(kind TokenKind, text string) bool {
	return pc.PeekToken().Is(kind, text)
}

func (pc *ParseContext) expectToken(kind TokenKind, text string) (Token, error) {
	tok := pc.NextToken()
	if !tok.Is(kind, text) {
		return tok, pc.unexpectedTokenError(expectedStr(text), tok)
	}
	return tok, nil
}

func (pc *ParseContext) expectIdentifier() (Token, error) {
	tok := pc.NextToken()
	if tok.Kind != TokenIdentifier {
		return tok, pc.unexpectedTokenError(TokenIdentifier.String(), tok)
	}
	return tok, nil
}

func (pc *ParseContext) enter() error {
	pc.depth++
	if pc.depth > MaxNestingDepth {
		tok := pc.PeekToken()
		return errors.NewParseError(tok.Pos, fmt.Sprintf("at most %d levels of nesting", MaxNestingDepth),
			tok.Describe(), pc.input)
	}
	return nil
}

func (pc *ParseContext) leave() {
	pc.depth--
}

func (pc *ParseContext) unexpectedTokenError(expected string, found Token) error {
	return errors.NewParseError(found.Pos, expected, found.Describe(), pc.input)
}

func (pc *ParseContext) parseFunction() (*ast.Tree, error) {
	defTok, err := pc.expectToken(TokenKeyword, "def")
	if err != nil {
		return nil, err
	}
	nameTok, err := pc.expectIdentifier()
	if err != nil {
		return nil, err
	}
	tree := pc.tree
	tree.Name = nameTok.Text
	tree.Pos = defTok.Pos
	if _, err := pc.expectToken(TokenDelimiter, "("); err != nil {
		return nil, err
	}
	if !pc.peekIs(TokenDelimiter, ")") {
		for {
			paramTok, err := pc.expectIdentifier()
			if err != nil {
				return nil, err
			}
			for _, p := range tree.Params {
				if p.Name == paramTok.Text {
					return nil, errors.NewParseError(paramTok.Pos, "unique parameter name",
						fmt.Sprintf("duplicate parameter '%s'", paramTok.Text), pc.input)
				}
			}
			if _, err := pc.expectToken(TokenDelimiter, ":"); err != nil {
				return nil, err
			}
			paramType, err := pc.parseType()
			if err != nil {
				return nil, err
			}
			tree.Params = append(tree.Params, ast.Param{Name: paramTok.Text, Type: paramType, Pos: paramTok.Pos})
			if !pc.peekIs(TokenDelimiter, ",") {
				break
			}
			pc.NextToken()
		}
	}
	if _, err := pc.expectToken(TokenDelimiter, ")"); err != nil {
		return nil, err
	}
	if _, err := pc.expectToken(TokenOperator, "->"); err != nil {
		return nil, err
	}
	returnType, err := pc.parseType()
	if err != nil {
		return nil, err
	}
	tree.ReturnType = returnType
	body, err := pc.parseBlock()
	if err != nil {
		return nil, err
	}
	tree.Body = body
	if tok := pc.PeekToken(); tok.Kind != TokenEOF {
		return nil, pc.unexpectedTokenError(TokenEOF.String(), tok)
	}
	return tree, nil
}

func (pc *ParseContext) parseType() (types.Type, error) {
	tok := pc.NextToken()
	t, ok := castNames[tok.Text]
	if tok.Kind != TokenIdentifier || !ok {
		return types.Invalid, pc.unexpectedTokenError(expectedStr("int", "float", "string", "bool"), tok)
	}
	if pc.peekIs(TokenDelimiter, "?") {
		pc.NextToken()
		t = types.Nullable(t)
	}
	return t, nil
}

func (pc *ParseContext) parseBlock() (ast.NodeID, error) {
	defer pc.leave()
	if err := pc.enter(); err != nil {
		return ast.NoNode, err
	}
	open, err := pc.expectToken(TokenDelimiter, "{")
	if err != nil {
		return ast.NoNode, err
	}
	var stmts []ast.NodeID
	for !pc.peekIs(TokenDelimiter, "}") {
		if pc.PeekToken().Kind == TokenEOF {
			return ast.NoNode, pc.unexpectedTokenError(expectedStr("}"), pc.PeekToken())
		}
		stmt, err := pc.parseStatement()
		if err != nil {
			return ast.NoNode, err
		}
		stmts = append(stmts, stmt)
	}
	pc.NextToken()
	return pc.tree.Add(ast.Node{Kind: ast.KindBlock, Pos: open.Pos, Children: stmts}), nil
}

func (pc *ParseContext) parseStatement() (ast.NodeID, error) {
	tok := pc.PeekToken()
	switch {
	case tok.Is(TokenKeyword, "let"):
		return pc.parseLet()
	case tok.Is(TokenKeyword, "if"):
		return pc.parseIf()
	case tok.Is(TokenKeyword, "while"):
		return pc.parseWhile()
	case tok.Is(TokenKeyword, "for"):
		return pc.parseFor()
	case tok.Is(TokenKeyword, "return"):
		return pc.parseReturn()
	case tok.Kind == TokenIdentifier && pc.tokens[pc.pos+1].Is(TokenOperator, "="):
		return pc.parseAssign()
	}
	return ast.NoNode, pc.unexpectedTokenError("statement", tok)
}

func (pc *ParseContext) skipSemicolon() {
	if pc.peekIs(TokenDelimiter, ";") {
		pc.NextToken()
	}
}

func (pc *ParseContext) parseLet() (ast.NodeID, error) {
	letTok := pc.NextToken()
	nameTok, err := pc.expectIdentifier()
	if err != nil {
		return ast.NoNode, err
	}
	var annotation types.Type
	if pc.peekIs(TokenDelimiter, ":") {
		pc.NextToken()
		annotation, err = pc.parseType()
		if err != nil {
			return ast.NoNode, err
		}
	}
	if _, err := pc.expectToken(TokenOperator, "="); err != nil {
		return ast.NoNode, err
	}
	init, err := pc.parseExpression()
	if err != nil {
		return ast.NoNode, err
	}
	pc.skipSemicolon()
	return pc.tree.Add(ast.Node{Kind: ast.KindLet, Pos: letTok.Pos, Name: nameTok.Text, Type: annotation,
		Children: []ast.NodeID{init}}), nil
}

func (pc *ParseContext) parseAssign() (ast.NodeID, error) {
	nameTok := pc.NextToken()
	pc.NextToken()
	value, err := pc.parseExpression()
	if err != nil {
		return ast.NoNode, err
	}
	pc.skipSemicolon()
	return pc.tree.Add(ast.Node{Kind: ast.KindAssign, Pos: nameTok.Pos, Name: nameTok.Text,
		Children: []ast.NodeID{value}}), nil
}

func (pc *ParseContext) parseIf() (ast.NodeID, error) {
	ifTok := pc.NextToken()
	cond, err := pc.parseExpression()
	if err != nil {
		return ast.NoNode, err
	}
	then, err := pc.parseBlock()
	if err != nil {
		return ast.NoNode, err
	}
	children := []ast.NodeID{cond, then}
	if pc.peekIs(TokenKeyword, "else") {
		elseTok := pc.NextToken()
		var elseBlock ast.NodeID
		if pc.peekIs(TokenKeyword, "if") {
			nested, err := pc.parseIf()
			if err != nil {
				return ast.NoNode, err
			}
			elseBlock = pc.tree.Add(ast.Node{Kind: ast.KindBlock, Pos: elseTok.Pos, Children: []ast.NodeID{nested}})
		} else {
			elseBlock, err = pc.parseBlock()
			if err != nil {
				return ast.NoNode, err
			}
		}
		children = append(children, elseBlock)
	}
	return pc.tree.Add(ast.Node{Kind: ast.KindConditional, Pos: ifTok.Pos, Children: children}), nil
}

func (pc *ParseContext) parseWhile() (ast.NodeID, error) {
	whileTok := pc.NextToken()
	cond, err := pc.parseExpression()
	if err != nil {
		return ast.NoNode, err
	}
	body, err := pc.parseBlock()
	if err != nil {
		return ast.NoNode, err
	}
	return pc.tree.Add(ast.Node{Kind: ast.KindLoop, Pos: whileTok.Pos, Children: []ast.NodeID{cond, body}}), nil
}

// parseFor desugars `for i in a..b { body }` into
//
//	{ let i = a; let <end> = b; while i < <end> { body; i = i + 1 } }
//
// The hidden bound variable is not a valid identifier so it cannot be referenced from source.
func (pc *ParseContext) parseFor() (ast.NodeID, error) {
	forTok := pc.NextToken()
	varTok, err := pc.expectIdentifier()
	if err != nil {
		return ast.NoNode, err
	}
	if _, err := pc.expectToken(TokenKeyword, "in"); err != nil {
		return ast.NoNode, err
	}
	from, err := pc.parseExpression()
	if err != nil {
		return ast.NoNode, err
	}
	if _, err := pc.expectToken(TokenOperator, ".."); err != nil {
		return ast.NoNode, err
	}
	to, err := pc.parseExpression()
	if err != nil {
		return ast.NoNode, err
	}
	body, err := pc.parseBlock()
	if err != nil {
		return ast.NoNode, err
	}
	pc.loopVars++
	endName := fmt.Sprintf("%s$end%d", varTok.Text, pc.loopVars)
	t := pc.tree
	pos := varTok.Pos
	letVar := t.Add(ast.Node{Kind: ast.KindLet, Pos: pos, Name: varTok.Text, Children: []ast.NodeID{from}})
	letEnd := t.Add(ast.Node{Kind: ast.KindLet, Pos: t.Node(to).Pos, Name: endName, Children: []ast.NodeID{to}})
	cond := t.Add(ast.Node{Kind: ast.KindBinaryOp, Pos: pos, Op: ast.OpLt, Children: []ast.NodeID{
		t.Add(ast.Node{Kind: ast.KindIdentifier, Pos: pos, Name: varTok.Text}),
		t.Add(ast.Node{Kind: ast.KindIdentifier, Pos: pos, Name: endName}),
	}})
	incr := t.Add(ast.Node{Kind: ast.KindBinaryOp, Pos: pos, Op: ast.OpAdd, Children: []ast.NodeID{
		t.Add(ast.Node{Kind: ast.KindIdentifier, Pos: pos, Name: varTok.Text}),
		t.Add(ast.Node{Kind: ast.KindLiteral, Pos: pos, Lit: ast.Literal{Type: types.Int64, Int: 1}}),
	}})
	step := t.Add(ast.Node{Kind: ast.KindAssign, Pos: pos, Name: varTok.Text, Children: []ast.NodeID{incr}})
	bodyNode := t.Node(body)
	bodyNode.Children = append(bodyNode.Children, step)
	loop := t.Add(ast.Node{Kind: ast.KindLoop, Pos: forTok.Pos, Children: []ast.NodeID{cond, body}})
	return t.Add(ast.Node{Kind: ast.KindBlock, Pos: forTok.Pos, Children: []ast.NodeID{letVar, letEnd, loop}}), nil
}

func (pc *ParseContext) parseReturn() (ast.NodeID, error) {
	retTok := pc.NextToken()
	var children []ast.NodeID
	next := pc.PeekToken()
	if !next.Is(TokenDelimiter, ";") && !next.Is(TokenDelimiter, "}") {
		value, err := pc.parseExpression()
		if err != nil {
			return ast.NoNode, err
		}
		children = []ast.NodeID{value}
	}
	pc.skipSemicolon()
	return pc.tree.Add(ast.Node{Kind: ast.KindReturn, Pos: retTok.Pos, Children: children}), nil
}

func (pc *ParseContext) parseExpression() (ast.NodeID, error) {
	return pc.parseBinary(1)
}

// parseBinary is precedence climbing over the binary operator table. All binary operators are left associative.
func (pc *ParseContext) parseBinary(minPrecedence int) (ast.NodeID, error) {
	lhs, err := pc.parseUnary()
	if err != nil {
		return ast.NoNode, err
	}
	for {
		tok := pc.PeekToken()
		if tok.Kind != TokenOperator {
			return lhs, nil
		}
		info, ok := binaryOperators[tok.Text]
		if !ok || info.precedence < minPrecedence {
			return lhs, nil
		}
		pc.NextToken()
		rhs, err := pc.parseBinary(info.precedence + 1)
		if err != nil {
			return ast.NoNode, err
		}
		lhs = pc.tree.Add(ast.Node{Kind: ast.KindBinaryOp, Pos: tok.Pos, Op: info.op, Children: []ast.NodeID{lhs, rhs}})
	}
}

func (pc *ParseContext) parseUnary() (ast.NodeID, error) {
	defer pc.leave()
	if err := pc.enter(); err != nil {
		return ast.NoNode, err
	}
	tok := pc.PeekToken()
	if tok.Is(TokenOperator, "-") || tok.Is(TokenOperator, "!") {
		pc.NextToken()
		operand, err := pc.parseUnary()
		if err != nil {
			return ast.NoNode, err
		}
		op := ast.OpNeg
		if tok.Text == "!" {
			op = ast.OpNot
		}
		return pc.tree.Add(ast.Node{Kind: ast.KindUnaryOp, Pos: tok.Pos, Op: op, Children: []ast.NodeID{operand}}), nil
	}
	return pc.parsePrimary()
}

func (pc *ParseContext) parsePrimary() (ast.NodeID, error) {
	tok := pc.NextToken()
	t := pc.tree
	switch tok.Kind {
	case TokenIntLiteral:
		v, err := strconv.ParseInt(tok.Text, 10, 64)
		if err != nil {
			return ast.NoNode, errors.NewParseError(tok.Pos, "integer literal in range",
				fmt.Sprintf("'%s'", tok.Text), pc.input)
		}
		return t.Add(ast.Node{Kind: ast.KindLiteral, Pos: tok.Pos, Lit: ast.Literal{Type: types.Int64, Int: v}}), nil
	case TokenFloatLiteral:
		v, err := strconv.ParseFloat(tok.Text, 64)
		if err != nil || math.IsInf(v, 0) {
			return ast.NoNode, errors.NewParseError(tok.Pos, "float literal in range",
				fmt.Sprintf("'%s'", tok.Text), pc.input)
		}
		return t.Add(ast.Node{Kind: ast.KindLiteral, Pos: tok.Pos, Lit: ast.Literal{Type: types.Float64, Float: v}}), nil
	case TokenStringLiteral:
		return t.Add(ast.Node{Kind: ast.KindLiteral, Pos: tok.Pos, Lit: ast.Literal{Type: types.Utf8String, Str: tok.Text}}), nil
	case TokenBoolLiteral:
		return t.Add(ast.Node{Kind: ast.KindLiteral, Pos: tok.Pos, Lit: ast.Literal{Type: types.Bool, Bool: tok.Text == "true"}}), nil
	case TokenNullLiteral:
		return t.Add(ast.Node{Kind: ast.KindLiteral, Pos: tok.Pos, Lit: ast.Literal{Type: types.Null}}), nil
	case TokenIdentifier:
		if pc.peekIs(TokenDelimiter, "(") {
			return pc.parseCall(tok)
		}
		return t.Add(ast.Node{Kind: ast.KindIdentifier, Pos: tok.Pos, Name: tok.Text}), nil
	case TokenDelimiter:
		if tok.Text == "(" {
			inner, err := pc.parseExpression()
			if err != nil {
				return ast.NoNode, err
			}
			if _, err := pc.expectToken(TokenDelimiter, ")"); err != nil {
				return ast.NoNode, err
			}
			return inner, nil
		}
	}
	return ast.NoNode, pc.unexpectedTokenError("expression", tok)
}

func (pc *ParseContext) parseCall(nameTok Token) (ast.NodeID, error) {
	pc.NextToken()
	var args []ast.NodeID
	if !pc.peekIs(TokenDelimiter, ")") {
		for {
			arg, err := pc.parseExpression()
			if err != nil {
				return ast.NoNode, err
			}
			args = append(args, arg)
			if !pc.peekIs(TokenDelimiter, ",") {
				break
			}
			pc.NextToken()
		}
	}
	if _, err := pc.expectToken(TokenDelimiter, ")"); err != nil {
		return ast.NoNode, err
	}
	if target, ok := castNames[nameTok.Text]; ok {
		if len(args) != 1 {
			return ast.NoNode, errors.NewParseError(nameTok.Pos, "exactly one argument to cast",
				fmt.Sprintf("%d arguments", len(args)), pc.input)
		}
		return pc.tree.Add(ast.Node{Kind: ast.KindCast, Pos: nameTok.Pos, Type: target, Children: args}), nil
	}
	return pc.tree.Add(ast.Node{Kind: ast.KindCall, Pos: nameTok.Pos, Name: nameTok.Text, Children: args}), nil
}

func expectedStr(expected ...string) string {
	sb := strings.Builder{}
	if len(expected) > 1 {
		sb.WriteString("one of: ")
	}
	for i := 0; i < len(expected); i++ {
		sb.WriteRune('\'')
		sb.WriteString(expected[i])
		sb.WriteRune('\'')
		if i != len(expected)-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}
