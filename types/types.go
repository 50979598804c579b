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

package types

import (
	"strings"

	"github.com/spirit-labs/udfc/errors"
)

type TypeID int

const (
	TypeIDInt64 TypeID = iota + 1
	TypeIDFloat64
	TypeIDUtf8String
	TypeIDBool
	TypeIDNull
)

// Type is a closed enumeration of the value types a UDF can compute with. Nullable wraps a base type and never
// nests. Type is comparable with ==.
type Type struct {
	id       TypeID
	nullable bool
}

var (
	Int64      = Type{id: TypeIDInt64}
	Float64    = Type{id: TypeIDFloat64}
	Utf8String = Type{id: TypeIDUtf8String}
	Bool       = Type{id: TypeIDBool}
	// Null is the type of the null literal. It is nullable by definition.
	Null = Type{id: TypeIDNull, nullable: true}
)

// Invalid is the zero Type. It is never produced by the type checker for a well typed node.
var Invalid = Type{}

func Nullable(t Type) Type {
	return Type{id: t.id, nullable: true}
}

func (t Type) ID() TypeID {
	return t.id
}

func (t Type) IsValid() bool {
	return t.id != 0
}

func (t Type) IsNullable() bool {
	return t.nullable
}

func (t Type) IsNull() bool {
	return t.id == TypeIDNull
}

// Base strips Nullable. Base of Null is Null.
func (t Type) Base() Type {
	if t.id == TypeIDNull {
		return t
	}
	return Type{id: t.id}
}

// WithNullable returns t made nullable if nullable is true, otherwise t unchanged.
func (t Type) WithNullable(nullable bool) Type {
	if nullable {
		return Nullable(t)
	}
	return t
}

func (t Type) IsNumeric() bool {
	return t.id == TypeIDInt64 || t.id == TypeIDFloat64
}

func (t Type) String() string {
	var s string
	switch t.id {
	case TypeIDInt64:
		s = "int"
	case TypeIDFloat64:
		s = "float"
	case TypeIDUtf8String:
		s = "string"
	case TypeIDBool:
		s = "bool"
	case TypeIDNull:
		return "null"
	case 0:
		return "invalid"
	default:
		panic("unexpected type")
	}
	if t.nullable {
		return s + "?"
	}
	return s
}

// Assignable reports whether a value of type from can be stored where type to is expected. Int64 widens to
// Float64, T widens to Nullable(T) and Null widens to any nullable type.
func Assignable(from Type, to Type) bool {
	if from.nullable && !to.nullable {
		return false
	}
	if from.id == TypeIDNull {
		return to.nullable
	}
	if from.id == to.id {
		return true
	}
	return from.id == TypeIDInt64 && to.id == TypeIDFloat64
}

// Unify returns the narrowest type both a and b are assignable to, used at control flow joins.
func Unify(a Type, b Type) (Type, bool) {
	if a.id == TypeIDNull {
		if b.id == TypeIDNull {
			return Null, true
		}
		return Nullable(b), true
	}
	if b.id == TypeIDNull {
		return Nullable(a), true
	}
	nullable := a.nullable || b.nullable
	if a.id == b.id {
		return a.Base().WithNullable(nullable), true
	}
	if a.IsNumeric() && b.IsNumeric() {
		return Float64.WithNullable(nullable), true
	}
	return Invalid, false
}

// StringToType parses a type name as written in a UDF signature. A trailing '?' makes the type nullable. A few SQL
// spellings are accepted as aliases.
func StringToType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	nullable := false
	if strings.HasSuffix(s, "?") {
		nullable = true
		s = strings.TrimSpace(s[:len(s)-1])
	}
	var t Type
	switch strings.ToLower(s) {
	case "int", "int64", "bigint", "integer":
		t = Int64
	case "float", "float64", "double", "real":
		t = Float64
	case "string", "varchar", "text":
		t = Utf8String
	case "bool", "boolean":
		t = Bool
	default:
		return Invalid, errors.Errorf("invalid type '%s'", s)
	}
	return t.WithNullable(nullable), nil
}

func TypesToString(ts []Type) string {
	var sb strings.Builder
	for i, t := range ts {
		sb.WriteString(t.String())
		if i != len(ts)-1 {
			sb.WriteString(",")
		}
	}
	return sb.String()
}

func TypesEqual(a []Type, b []Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
