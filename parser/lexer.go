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
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
	"github.com/spirit-labs/udfc/errors"
)

var lex = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `(?:#|--)[^\n]*`},
	{Name: "Whitespace", Pattern: `[ \t\n\r]+`},
	{Name: "Float", Pattern: `(?:\d+\.\d+(?:[eE][-+]?\d+)?|\d+[eE][-+]?\d+)`},
	{Name: "Integer", Pattern: `\d+`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\\n])*"`},
	{Name: "UnterminatedString", Pattern: `"`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Operator", Pattern: `(?:\.\.|->|==|!=|<=|>=|&&|\|\||[-+*/%<>=!])`},
	{Name: "Delimiter", Pattern: `[(){},;:?]`},
})

var (
	commentTokenType            = lex.Symbols()["Comment"]
	whitespaceTokenType         = lex.Symbols()["Whitespace"]
	floatTokenType              = lex.Symbols()["Float"]
	integerTokenType            = lex.Symbols()["Integer"]
	stringTokenType             = lex.Symbols()["String"]
	unterminatedStringTokenType = lex.Symbols()["UnterminatedString"]
	identTokenType              = lex.Symbols()["Ident"]
	operatorTokenType           = lex.Symbols()["Operator"]
	delimiterTokenType          = lex.Symbols()["Delimiter"]
)

type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenIdentifier
	TokenKeyword
	TokenIntLiteral
	TokenFloatLiteral
	TokenStringLiteral
	TokenBoolLiteral
	TokenNullLiteral
	TokenOperator
	TokenDelimiter
)

var tokenKindNames = map[TokenKind]string{
	TokenEOF:           "end of input",
	TokenIdentifier:    "identifier",
	TokenKeyword:       "keyword",
	TokenIntLiteral:    "integer literal",
	TokenFloatLiteral:  "float literal",
	TokenStringLiteral: "string literal",
	TokenBoolLiteral:   "bool literal",
	TokenNullLiteral:   "null",
	TokenOperator:      "operator",
	TokenDelimiter:     "delimiter",
}

func (k TokenKind) String() string {
	return tokenKindNames[k]
}

var keywords = map[string]struct{}{
	"def":    {},
	"let":    {},
	"if":     {},
	"else":   {},
	"while":  {},
	"for":    {},
	"in":     {},
	"return": {},
}

// Token is immutable once produced. For string literals Text holds the unescaped value.
type Token struct {
	Kind TokenKind
	Text string
	Pos  errors.Position
}

func (t Token) Is(kind TokenKind, text string) bool {
	return t.Kind == kind && t.Text == text
}

// Describe renders the token for error messages.
func (t Token) Describe() string {
	switch t.Kind {
	case TokenEOF:
		return "end of input"
	case TokenStringLiteral:
		return fmt.Sprintf("%s %q", t.Kind, t.Text)
	default:
		return fmt.Sprintf("%s '%s'", t.Kind, t.Text)
	}
}

// TokenStream is a lazy sequence of tokens over a source text. It can be restarted from the beginning with Reset.
// Once the end is reached Next keeps returning the EOF token.
type TokenStream struct {
	src   string
	lexer lexer.Lexer
	eof   *Token
	err   error
}

// Tokenize creates a token stream. No input is consumed until Next is called.
func Tokenize(src string) *TokenStream {
	ts := &TokenStream{src: src}
	ts.Reset()
	return ts
}

func (ts *TokenStream) Source() string {
	return ts.src
}

func (ts *TokenStream) Reset() {
	ts.eof = nil
	ts.err = nil
	l, err := lex.LexString("", ts.src)
	if err != nil {
		ts.err = err
		return
	}
	ts.lexer = l
}

func (ts *TokenStream) Next() (Token, error) {
	if ts.err != nil {
		return Token{}, ts.err
	}
	if ts.eof != nil {
		return *ts.eof, nil
	}
	for {
		tok, err := ts.lexer.Next()
		if err != nil {
			ts.err = ts.convertLexerError(err)
			return Token{}, ts.err
		}
		pos := toPosition(tok.Pos)
		switch tok.Type {
		case lexer.EOF:
			eof := Token{Kind: TokenEOF, Pos: pos}
			ts.eof = &eof
			return eof, nil
		case whitespaceTokenType, commentTokenType:
			continue
		case unterminatedStringTokenType:
			ts.err = errors.NewLexErrorMsg(pos, "unterminated string literal", `"`, ts.src)
			return Token{}, ts.err
		case stringTokenType:
			s, err := ts.unescape(tok.Value, pos)
			if err != nil {
				ts.err = err
				return Token{}, err
			}
			return Token{Kind: TokenStringLiteral, Text: s, Pos: pos}, nil
		case integerTokenType:
			return Token{Kind: TokenIntLiteral, Text: tok.Value, Pos: pos}, nil
		case floatTokenType:
			return Token{Kind: TokenFloatLiteral, Text: tok.Value, Pos: pos}, nil
		case identTokenType:
			return identToken(tok.Value, pos), nil
		case operatorTokenType:
			return Token{Kind: TokenOperator, Text: tok.Value, Pos: pos}, nil
		case delimiterTokenType:
			return Token{Kind: TokenDelimiter, Text: tok.Value, Pos: pos}, nil
		default:
			ts.err = errors.NewLexError(pos, tok.Value, ts.src)
			return Token{}, ts.err
		}
	}
}

// All drains the stream from its current position. The returned slice always ends with the EOF token.
func (ts *TokenStream) All() ([]Token, error) {
	tokens := make([]Token, 0, 32)
	for {
		tok, err := ts.Next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.Kind == TokenEOF {
			return tokens, nil
		}
	}
}

func identToken(text string, pos errors.Position) Token {
	if _, ok := keywords[text]; ok {
		return Token{Kind: TokenKeyword, Text: text, Pos: pos}
	}
	switch text {
	case "true", "false":
		return Token{Kind: TokenBoolLiteral, Text: text, Pos: pos}
	case "null":
		return Token{Kind: TokenNullLiteral, Text: text, Pos: pos}
	}
	return Token{Kind: TokenIdentifier, Text: text, Pos: pos}
}

func (ts *TokenStream) unescape(quoted string, pos errors.Position) (string, error) {
	body := quoted[1 : len(quoted)-1]
	if !strings.ContainsRune(body, '\\') {
		return body, nil
	}
	var sb strings.Builder
	sb.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		// The lexer rule guarantees a character follows the backslash
		next := body[i+1]
		switch next {
		case '"', '\\':
			sb.WriteByte(next)
		case 'n':
			sb.WriteByte('\n')
		default:
			// string literals never span lines so the backslash is on the opening quote's line
			escPos := errors.Position{Offset: pos.Offset + 1 + i, Line: pos.Line, Column: pos.Column + 1 + i}
			return "", errors.NewLexErrorMsg(escPos, fmt.Sprintf("invalid escape sequence '\\%c'", next),
				string([]byte{'\\', next}), ts.src)
		}
		i++
	}
	return sb.String(), nil
}

func (ts *TokenStream) convertLexerError(err error) error {
	var le *lexer.Error
	if !errors.As(err, &le) {
		return errors.WithStack(err)
	}
	pos := toPosition(le.Pos)
	unexpected := ""
	if pos.Offset >= 0 && pos.Offset < len(ts.src) {
		r := []rune(ts.src[pos.Offset:])
		unexpected = string(r[0])
	}
	return errors.NewLexError(pos, unexpected, ts.src)
}

func toPosition(pos lexer.Position) errors.Position {
	return errors.Position{Offset: pos.Offset, Line: pos.Line, Column: pos.Column}
}
