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

package errors

import (
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

type ErrorCode int

const (
	LexError ErrorCode = iota + 1000
	ParseError
	TypeError
	RegistrationError ErrorCode = iota + 2000
	UnknownFunction
	InvalidConfiguration ErrorCode = iota + 3000
	InternalCodegenError ErrorCode = iota + 5000
	InternalError
)

func (c ErrorCode) String() string {
	switch c {
	case LexError:
		return "LexError"
	case ParseError:
		return "ParseError"
	case TypeError:
		return "TypeError"
	case RegistrationError:
		return "RegistrationError"
	case UnknownFunction:
		return "UnknownFunction"
	case InvalidConfiguration:
		return "InvalidConfiguration"
	case InternalCodegenError:
		return "InternalCodegenError"
	case InternalError:
		return "InternalError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Position is a location in UDF source text. Line and Column are 1-based.
type Position struct {
	Offset int
	Line   int
	Column int
}

func (p Position) String() string {
	return fmt.Sprintf("line %d column %d", p.Line, p.Column)
}

// UdfError is returned for every failure a user can act on. Errors from the lex, parse and type phases carry the
// source position; Expected and Found are filled where the phase knows them.
type UdfError struct {
	Code     ErrorCode
	Msg      string
	Pos      *Position
	Expected string
	Found    string
}

func (u UdfError) Error() string {
	return u.Msg
}

func NewUdfErrorf(errorCode ErrorCode, msgFormat string, args ...interface{}) UdfError {
	return UdfError{Code: errorCode, Msg: fmt.Sprintf(msgFormat, args...)}
}

func NewUdfError(errorCode ErrorCode, msg string) UdfError {
	return UdfError{Code: errorCode, Msg: msg}
}

func NewLexError(pos Position, unexpected string, input string) UdfError {
	msg := fmt.Sprintf("unexpected character %q", unexpected)
	return UdfError{
		Code:  LexError,
		Msg:   MessageWithPosition(msg, pos, input),
		Pos:   &pos,
		Found: unexpected,
	}
}

func NewLexErrorMsg(pos Position, msg string, unexpected string, input string) UdfError {
	return UdfError{
		Code:  LexError,
		Msg:   MessageWithPosition(msg, pos, input),
		Pos:   &pos,
		Found: unexpected,
	}
}

func NewParseError(pos Position, expected string, found string, input string) UdfError {
	msg := fmt.Sprintf("expected %s but found %s", expected, found)
	return UdfError{
		Code:     ParseError,
		Msg:      MessageWithPosition(msg, pos, input),
		Pos:      &pos,
		Expected: expected,
		Found:    found,
	}
}

func NewTypeError(pos Position, expected string, actual string, input string) UdfError {
	msg := fmt.Sprintf("type mismatch: expected %s but found %s", expected, actual)
	return UdfError{
		Code:     TypeError,
		Msg:      MessageWithPosition(msg, pos, input),
		Pos:      &pos,
		Expected: expected,
		Found:    actual,
	}
}

func NewTypeErrorf(pos Position, input string, msgFormat string, args ...interface{}) UdfError {
	return UdfError{
		Code: TypeError,
		Msg:  MessageWithPosition(fmt.Sprintf(msgFormat, args...), pos, input),
		Pos:  &pos,
	}
}

func NewInternalCodegenError(msgFormat string, args ...interface{}) UdfError {
	return NewUdfErrorf(InternalCodegenError, "internal code generation error: "+msgFormat, args...)
}

func NewRegistrationError(msgFormat string, args ...interface{}) UdfError {
	return NewUdfErrorf(RegistrationError, msgFormat, args...)
}

func NewInvalidConfigurationError(msg string) UdfError {
	return NewUdfErrorf(InvalidConfiguration, "invalid configuration: %s", msg)
}

func NewInternalError(errReference string) UdfError {
	return NewUdfErrorf(InternalError, "internal error - reference: %s please consult logs for details", errReference)
}

func IsUdfErrorWithCode(err error, code ErrorCode) bool {
	var uerr UdfError
	if As(err, &uerr) {
		return uerr.Code == code
	}
	return false
}

// MessageWithPosition appends the position and the offending source line with a caret under the column.
func MessageWithPosition(msg string, pos Position, input string) string {
	return fmt.Sprintf("%s (line %d column %d):\n%s", msg, pos.Line, pos.Column, lineWithPosHighlight(input, pos))
}

func lineWithPosHighlight(input string, pos Position) string {
	if input == "" || pos.Line < 1 {
		return ""
	}
	lines := strings.Split(input, "\n")
	if pos.Line > len(lines) {
		return ""
	}
	line := lines[pos.Line-1]
	line = strings.ReplaceAll(line, "\t", " ")
	line = strings.ReplaceAll(line, "\r", " ")
	sb := strings.Builder{}
	for i := 0; i < pos.Column-1; i++ {
		sb.WriteRune(' ')
	}
	sb.WriteRune('^')
	return fmt.Sprintf("%s\n%s", line, sb.String())
}

func New(msg string) error {
	return pkgerrors.New(msg)
}

func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

func Wrap(err error, msg string) error {
	return pkgerrors.Wrap(err, msg)
}

func As(err error, target interface{}) bool {
	return pkgerrors.As(err, target)
}

func Is(err error, target error) bool {
	return pkgerrors.Is(err, target)
}
