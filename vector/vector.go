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

package vector

import (
	"fmt"

	"github.com/apache/arrow/go/v11/arrow/bitutil"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/types"
)

// Vector is one column of a batch. Only the value slice matching Type is populated. Validity is an LSB ordered
// bitmap with a set bit for every non null row, the same layout arrow uses; a nil Validity means all rows are valid.
type Vector struct {
	Type     types.Type
	Len      int
	Ints     []int64
	Floats   []float64
	Strings  []string
	Bools    []bool
	Validity []byte
}

// NewVector creates a vector of n rows of type t with every row valid and zero valued.
func NewVector(t types.Type, n int) *Vector {
	v := &Vector{Type: t.Base(), Len: n}
	switch v.Type {
	case types.Int64:
		v.Ints = make([]int64, n)
	case types.Float64:
		v.Floats = make([]float64, n)
	case types.Utf8String:
		v.Strings = make([]string, n)
	case types.Bool:
		v.Bools = make([]bool, n)
	default:
		panic(fmt.Sprintf("vector of unsupported type %s", t))
	}
	return v
}

// FromValues builds a vector from Go values. A nil value is a null row.
func FromValues(t types.Type, vals ...any) (*Vector, error) {
	v := NewVector(t, len(vals))
	for i, val := range vals {
		if val == nil {
			v.SetNull(i)
			continue
		}
		ok := true
		switch v.Type {
		case types.Int64:
			switch x := val.(type) {
			case int:
				v.Ints[i] = int64(x)
			case int64:
				v.Ints[i] = x
			default:
				ok = false
			}
		case types.Float64:
			switch x := val.(type) {
			case float64:
				v.Floats[i] = x
			case int:
				v.Floats[i] = float64(x)
			case int64:
				v.Floats[i] = float64(x)
			default:
				ok = false
			}
		case types.Utf8String:
			v.Strings[i], ok = val.(string)
		case types.Bool:
			v.Bools[i], ok = val.(bool)
		}
		if !ok {
			return nil, errors.Errorf("value %v at row %d is not a %s", val, i, t)
		}
	}
	return v, nil
}

// MustFromValues is FromValues for values known to match t.
func MustFromValues(t types.Type, vals ...any) *Vector {
	v, err := FromValues(t, vals...)
	if err != nil {
		panic(err)
	}
	return v
}

func (v *Vector) IsNull(row int) bool {
	return v.Validity != nil && !bitutil.BitIsSet(v.Validity, row)
}

// EnsureValidity allocates an all valid bitmap if there is none.
func (v *Vector) EnsureValidity() {
	if v.Validity != nil {
		return
	}
	v.Validity = make([]byte, bitutil.BytesForBits(int64(v.Len)))
	for i := range v.Validity {
		v.Validity[i] = 0xff
	}
}

func (v *Vector) SetNull(row int) {
	v.EnsureValidity()
	bitutil.ClearBit(v.Validity, row)
}

func (v *Vector) SetValid(row int) {
	if v.Validity != nil {
		bitutil.SetBit(v.Validity, row)
	}
}

func (v *Vector) NullCount() int {
	if v.Validity == nil {
		return 0
	}
	return v.Len - bitutil.CountSetBits(v.Validity, 0, v.Len)
}

// Value returns the value at row as a Go value, nil if the row is null.
func (v *Vector) Value(row int) any {
	if v.IsNull(row) {
		return nil
	}
	switch v.Type {
	case types.Int64:
		return v.Ints[row]
	case types.Float64:
		return v.Floats[row]
	case types.Utf8String:
		return v.Strings[row]
	case types.Bool:
		return v.Bools[row]
	default:
		return nil
	}
}

// Values returns every row as Go values.
func (v *Vector) Values() []any {
	res := make([]any, v.Len)
	for i := range res {
		res[i] = v.Value(i)
	}
	return res
}
