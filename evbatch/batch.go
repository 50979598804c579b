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

package evbatch

import (
	"fmt"
	"math"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/arrow/array"
	"github.com/apache/arrow/go/v11/arrow/bitutil"
	"github.com/apache/arrow/go/v11/arrow/memory"
	"github.com/spirit-labs/udfc/errors"
	"github.com/spirit-labs/udfc/types"
)

// Batch is a set of equal length arrow columns. It is the calling convention of the host side of a UDF.
type Batch struct {
	Schema   *EventSchema
	Columns  []Column
	RowCount int
}

func NewBatchFromBuilders(schema *EventSchema, builders ...ColumnBuilder) *Batch {
	cols := make([]Column, len(builders))
	for i, colBuilder := range builders {
		cols[i] = colBuilder.Build()
	}
	return NewBatch(schema, cols...)
}

func NewBatch(schema *EventSchema, columns ...Column) *Batch {
	rc := -1
	for i, col := range columns {
		cl := col.Len()
		if rc != -1 && cl != rc {
			panic(fmt.Sprintf("column %s not same length (%d) as others (%d) col_names: %v col_types:%v",
				schema.ColumnNames()[i], cl, rc, schema.ColumnNames(), schema.ColumnTypes()))
		}
		rc = cl
	}
	if rc == -1 {
		rc = 0
	}
	return &Batch{
		Schema:   schema,
		Columns:  columns,
		RowCount: rc,
	}
}

// NewBatchFromRows builds a batch from rows of Go values, nil being null. See ColumnBuilder.AppendAny for the
// accepted values.
func NewBatchFromRows(schema *EventSchema, rows [][]any) (*Batch, error) {
	builders := CreateColBuilders(schema.ColumnTypes())
	for i, row := range rows {
		if len(row) != len(builders) {
			return nil, errors.Errorf("row %d has %d values, expected %d", i, len(row), len(builders))
		}
		for j, v := range row {
			if err := builders[j].AppendAny(v); err != nil {
				return nil, errors.Errorf("row %d column %s: %v", i, schema.ColumnNames()[j], err)
			}
		}
	}
	return NewBatchFromBuilders(schema, builders...), nil
}

func (b *Batch) Release() {
	for _, col := range b.Columns {
		col.Release()
	}
}

// Rows returns the batch as rows of Go values with nil for null.
func (b *Batch) Rows() [][]any {
	rows := make([][]any, b.RowCount)
	for i := range rows {
		row := make([]any, len(b.Columns))
		for j, col := range b.Columns {
			row[j] = ColumnValue(col, i)
		}
		rows[i] = row
	}
	return rows
}

type Column interface {
	Type() types.Type
	IsNull(row int) bool
	Len() int
	// Validity returns the LSB validity bitmap of the column starting at row 0, or nil if there are no nulls.
	Validity() []byte
	// Retain keeps the column memory alive until a matching Release.
	Retain()
	Release()
}

// ColumnValue returns the value at row as int64, float64, bool or string, or nil if it is null.
func ColumnValue(col Column, row int) any {
	if col.IsNull(row) {
		return nil
	}
	switch c := col.(type) {
	case *IntColumn:
		return c.Get(row)
	case *FloatColumn:
		return c.Get(row)
	case *BoolColumn:
		return c.Get(row)
	case *StringColumn:
		return c.Get(row)
	default:
		panic(fmt.Sprintf("unexpected column type %T", col))
	}
}

func validityOf(arr arrow.Array) []byte {
	if arr.NullN() == 0 {
		return nil
	}
	n := int(bitutil.BytesForBits(int64(arr.Len())))
	if arr.Data().Offset() == 0 {
		return arr.NullBitmapBytes()[:n]
	}
	res := make([]byte, n)
	for i := 0; i < arr.Len(); i++ {
		if arr.IsValid(i) {
			bitutil.SetBit(res, i)
		}
	}
	return res
}

type ColumnBuilder interface {
	AppendNull()
	// AppendAny appends a Go value, nil appends a null.
	AppendAny(v any) error
	Build() Column
}

func NewColBuilder(t types.Type) ColumnBuilder {
	switch t.Base() {
	case types.Int64:
		return NewIntColBuilder()
	case types.Float64:
		return NewFloatColBuilder()
	case types.Bool:
		return NewBoolColBuilder()
	case types.Utf8String:
		return NewStringColBuilder()
	default:
		panic(fmt.Sprintf("no column for type %s", t))
	}
}

func CreateColBuilders(columnTypes []types.Type) []ColumnBuilder {
	colBuilders := make([]ColumnBuilder, len(columnTypes))
	for i, ft := range columnTypes {
		colBuilders[i] = NewColBuilder(ft)
	}
	return colBuilders
}

func NewIntColBuilder() *IntColBuilder {
	return &IntColBuilder{builder: array.NewInt64Builder(memory.NewGoAllocator())}
}

type IntColBuilder struct {
	builder *array.Int64Builder
}

func (ib *IntColBuilder) AppendNull() {
	ib.builder.AppendNull()
}

func (ib *IntColBuilder) Append(val int64) {
	ib.builder.Append(val)
}

func (ib *IntColBuilder) AppendAny(v any) error {
	switch val := v.(type) {
	case nil:
		ib.AppendNull()
	case int:
		ib.Append(int64(val))
	case int64:
		ib.Append(val)
	case float64:
		// decoded JSON numbers are floats
		if val != math.Trunc(val) || math.Abs(val) > 1<<53 {
			return errors.Errorf("%v is not an int", val)
		}
		ib.Append(int64(val))
	default:
		return errors.Errorf("cannot append %T to an int column", v)
	}
	return nil
}

func (ib *IntColBuilder) BuildIntColumn() *IntColumn {
	return &IntColumn{array: ib.builder.NewInt64Array()}
}

func (ib *IntColBuilder) Build() Column {
	return ib.BuildIntColumn()
}

var _ Column = &IntColumn{}

type IntColumn struct {
	array *array.Int64
}

func (ic *IntColumn) Type() types.Type {
	return types.Int64
}

// Values returns the underlying value buffer. Values of null rows are undefined.
func (ic *IntColumn) Values() []int64 {
	return ic.array.Int64Values()
}

func (ic *IntColumn) Get(row int) int64 {
	return ic.array.Value(row)
}

func (ic *IntColumn) IsNull(row int) bool {
	return ic.array.IsNull(row)
}

func (ic *IntColumn) Len() int {
	return ic.array.Len()
}

func (ic *IntColumn) Validity() []byte {
	return validityOf(ic.array)
}

func (ic *IntColumn) Retain() {
	ic.array.Retain()
}

func (ic *IntColumn) Release() {
	ic.array.Release()
}

func NewFloatColBuilder() *FloatColBuilder {
	return &FloatColBuilder{builder: array.NewFloat64Builder(memory.NewGoAllocator())}
}

type FloatColBuilder struct {
	builder *array.Float64Builder
}

func (fb *FloatColBuilder) AppendNull() {
	fb.builder.AppendNull()
}

func (fb *FloatColBuilder) Append(val float64) {
	fb.builder.Append(val)
}

func (fb *FloatColBuilder) AppendAny(v any) error {
	switch val := v.(type) {
	case nil:
		fb.AppendNull()
	case float64:
		fb.Append(val)
	case int:
		fb.Append(float64(val))
	case int64:
		fb.Append(float64(val))
	default:
		return errors.Errorf("cannot append %T to a float column", v)
	}
	return nil
}

func (fb *FloatColBuilder) BuildFloatColumn() *FloatColumn {
	return &FloatColumn{array: fb.builder.NewFloat64Array()}
}

func (fb *FloatColBuilder) Build() Column {
	return fb.BuildFloatColumn()
}

var _ Column = &FloatColumn{}

type FloatColumn struct {
	array *array.Float64
}

func (fc *FloatColumn) Type() types.Type {
	return types.Float64
}

func (fc *FloatColumn) Values() []float64 {
	return fc.array.Float64Values()
}

func (fc *FloatColumn) Get(row int) float64 {
	return fc.array.Value(row)
}

func (fc *FloatColumn) IsNull(row int) bool {
	return fc.array.IsNull(row)
}

func (fc *FloatColumn) Len() int {
	return fc.array.Len()
}

func (fc *FloatColumn) Validity() []byte {
	return validityOf(fc.array)
}

func (fc *FloatColumn) Retain() {
	fc.array.Retain()
}

func (fc *FloatColumn) Release() {
	fc.array.Release()
}

func NewBoolColBuilder() *BoolColBuilder {
	return &BoolColBuilder{builder: array.NewBooleanBuilder(memory.NewGoAllocator())}
}

type BoolColBuilder struct {
	builder *array.BooleanBuilder
}

func (bb *BoolColBuilder) AppendNull() {
	bb.builder.AppendNull()
}

func (bb *BoolColBuilder) Append(val bool) {
	bb.builder.Append(val)
}

func (bb *BoolColBuilder) AppendAny(v any) error {
	switch val := v.(type) {
	case nil:
		bb.AppendNull()
	case bool:
		bb.Append(val)
	default:
		return errors.Errorf("cannot append %T to a bool column", v)
	}
	return nil
}

func (bb *BoolColBuilder) BuildBoolColumn() *BoolColumn {
	return &BoolColumn{array: bb.builder.NewBooleanArray()}
}

func (bb *BoolColBuilder) Build() Column {
	return bb.BuildBoolColumn()
}

var _ Column = &BoolColumn{}

type BoolColumn struct {
	array *array.Boolean
}

func (bc *BoolColumn) Type() types.Type {
	return types.Bool
}

func (bc *BoolColumn) Get(row int) bool {
	return bc.array.Value(row)
}

func (bc *BoolColumn) IsNull(row int) bool {
	return bc.array.IsNull(row)
}

func (bc *BoolColumn) Len() int {
	return bc.array.Len()
}

func (bc *BoolColumn) Validity() []byte {
	return validityOf(bc.array)
}

func (bc *BoolColumn) Retain() {
	bc.array.Retain()
}

func (bc *BoolColumn) Release() {
	bc.array.Release()
}

func NewStringColBuilder() *StringColBuilder {
	return &StringColBuilder{builder: array.NewStringBuilder(memory.NewGoAllocator())}
}

type StringColBuilder struct {
	builder *array.StringBuilder
}

func (sb *StringColBuilder) AppendNull() {
	sb.builder.AppendNull()
}

// Append copies val into the column.
func (sb *StringColBuilder) Append(val string) {
	sb.builder.Append(val)
}

func (sb *StringColBuilder) AppendAny(v any) error {
	switch val := v.(type) {
	case nil:
		sb.AppendNull()
	case string:
		sb.Append(val)
	default:
		return errors.Errorf("cannot append %T to a string column", v)
	}
	return nil
}

func (sb *StringColBuilder) BuildStringColumn() *StringColumn {
	return &StringColumn{array: sb.builder.NewStringArray()}
}

func (sb *StringColBuilder) Build() Column {
	return sb.BuildStringColumn()
}

var _ Column = &StringColumn{}

type StringColumn struct {
	array *array.String
}

func (sc *StringColumn) Type() types.Type {
	return types.Utf8String
}

// Get returns the string at row. It refers to the column memory and is valid while the column is retained.
func (sc *StringColumn) Get(row int) string {
	return sc.array.Value(row)
}

func (sc *StringColumn) IsNull(row int) bool {
	return sc.array.IsNull(row)
}

func (sc *StringColumn) Len() int {
	return sc.array.Len()
}

func (sc *StringColumn) Validity() []byte {
	return validityOf(sc.array)
}

func (sc *StringColumn) Retain() {
	sc.array.Retain()
}

func (sc *StringColumn) Release() {
	sc.array.Release()
}
