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
	"strings"

	"github.com/spirit-labs/udfc/types"
)

type EventSchema struct {
	columnNames []string
	columnTypes []types.Type
}

func NewEventSchema(columnNames []string, columnTypes []types.Type) *EventSchema {
	if len(columnNames) != len(columnTypes) {
		panic("columnNames and columnTypes must be same length")
	}
	return &EventSchema{
		columnNames: columnNames,
		columnTypes: columnTypes,
	}
}

// NewArgsSchema creates a schema for the arguments of a function, naming the columns arg0, arg1, ...
func NewArgsSchema(argTypes []types.Type) *EventSchema {
	names := make([]string, len(argTypes))
	for i := range argTypes {
		names[i] = fmt.Sprintf("arg%d", i)
	}
	return NewEventSchema(names, argTypes)
}

func (s *EventSchema) ColumnNames() []string {
	return s.columnNames
}

func (s *EventSchema) ColumnTypes() []types.Type {
	return s.columnTypes
}

func (s *EventSchema) String() string {
	sb := strings.Builder{}
	for i, colName := range s.columnNames {
		sb.WriteString(colName)
		sb.WriteString(": ")
		sb.WriteString(s.columnTypes[i].String())
		if i != len(s.columnNames)-1 {
			sb.WriteString(", ")
		}
	}
	return sb.String()
}
