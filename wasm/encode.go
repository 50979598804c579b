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

package wasm

import (
	"encoding/binary"
	"math"
)

// Opcodes and encodings of the WebAssembly core binary format used by the generated modules.
const (
	valI32 byte = 0x7f
	valI64 byte = 0x7e
	valF64 byte = 0x7c

	opBlock    byte = 0x02
	opLoop     byte = 0x03
	opIf       byte = 0x04
	opElse     byte = 0x05
	opEnd      byte = 0x0b
	opBr       byte = 0x0c
	opBrIf     byte = 0x0d
	opBrTable  byte = 0x0e
	opSelect   byte = 0x1b
	opLocalGet byte = 0x20
	opLocalSet byte = 0x21
	opLocalTee byte = 0x22

	opI32Load   byte = 0x28
	opI64Load   byte = 0x29
	opF64Load   byte = 0x2b
	opI32Load8U byte = 0x2d
	opI64Store  byte = 0x37
	opF64Store  byte = 0x39
	opI32Store8 byte = 0x3a

	opI32Const byte = 0x41
	opI64Const byte = 0x42
	opF64Const byte = 0x44

	opI32Eqz byte = 0x45
	opI32Eq  byte = 0x46
	opI32Ne  byte = 0x47
	opI32GeU byte = 0x4f
	opI64Eqz byte = 0x50
	opI64Eq  byte = 0x51
	opI64Ne  byte = 0x52
	opI64LtS byte = 0x53
	opI64GtS byte = 0x55
	opI64LeS byte = 0x57
	opI64GeS byte = 0x59
	opF64Eq  byte = 0x61
	opF64Ne  byte = 0x62
	opF64Lt  byte = 0x63
	opF64Gt  byte = 0x64
	opF64Le  byte = 0x65
	opF64Ge  byte = 0x66

	opI32Add  byte = 0x6a
	opI32And  byte = 0x71
	opI32Or   byte = 0x72
	opI32Shl  byte = 0x74
	opI64Add  byte = 0x7c
	opI64Sub  byte = 0x7d
	opI64Mul  byte = 0x7e
	opI64DivS byte = 0x7f
	opI64RemS byte = 0x81
	opF64Abs  byte = 0x99
	opF64Neg  byte = 0x9a
	opF64Add  byte = 0xa0
	opF64Sub  byte = 0xa1
	opF64Mul  byte = 0xa2
	opF64Div  byte = 0xa3
	opF64Min  byte = 0xa4
	opF64Max  byte = 0xa5

	opI64ExtendI32U  byte = 0xad
	opF64ConvertI64S byte = 0xb9
	opPrefixFC       byte = 0xfc
	// i64.trunc_sat_f64_s under the 0xfc prefix
	subI64TruncSatF64S = 6

	blockTypeEmpty byte = 0x40

	sectionType     byte = 1
	sectionFunction byte = 3
	sectionMemory   byte = 5
	sectionExport   byte = 7
	sectionCode     byte = 10

	exportFunc   byte = 0x00
	exportMemory byte = 0x02

	pageSize = 65536
)

var moduleHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

type code struct {
	buf []byte
}

func (c *code) op(ops ...byte) {
	c.buf = append(c.buf, ops...)
}

func (c *code) u32(v uint32) {
	c.buf = appendU32(c.buf, v)
}

func (c *code) localGet(idx uint32) {
	c.op(opLocalGet)
	c.u32(idx)
}

func (c *code) localSet(idx uint32) {
	c.op(opLocalSet)
	c.u32(idx)
}

func (c *code) localTee(idx uint32) {
	c.op(opLocalTee)
	c.u32(idx)
}

func (c *code) i32Const(v int32) {
	c.op(opI32Const)
	c.buf = appendS64(c.buf, int64(v))
}

func (c *code) i64Const(v int64) {
	c.op(opI64Const)
	c.buf = appendS64(c.buf, v)
}

func (c *code) f64Const(v float64) {
	c.op(opF64Const)
	c.buf = binary.LittleEndian.AppendUint64(c.buf, math.Float64bits(v))
}

// mem emits a load or store with its alignment exponent and constant offset.
func (c *code) mem(op byte, align uint32, offset uint32) {
	c.op(op)
	c.u32(align)
	c.u32(offset)
}

func (c *code) br(depth int) {
	c.op(opBr)
	c.u32(uint32(depth))
}

func (c *code) brIf(depth int) {
	c.op(opBrIf)
	c.u32(uint32(depth))
}

func appendU32(buf []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

func appendS64(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

func appendName(buf []byte, name string) []byte {
	buf = appendU32(buf, uint32(len(name)))
	return append(buf, name...)
}

func appendSection(buf []byte, id byte, content []byte) []byte {
	buf = append(buf, id)
	buf = appendU32(buf, uint32(len(content)))
	return append(buf, content...)
}

// encodeModule wraps a function body into a module with one memory of memPages pages and a single exported
// function eval(rows i32).
func encodeModule(locals []byte, body []byte, memPages uint32) []byte {
	mod := append([]byte{}, moduleHeader...)

	// one type: (i32) -> ()
	mod = appendSection(mod, sectionType, []byte{0x01, 0x60, 0x01, valI32, 0x00})
	mod = appendSection(mod, sectionFunction, []byte{0x01, 0x00})

	var mem []byte
	mem = appendU32(mem, 1)
	mem = append(mem, 0x00)
	mem = appendU32(mem, memPages)
	mod = appendSection(mod, sectionMemory, mem)

	var exports []byte
	exports = appendU32(exports, 2)
	exports = appendName(exports, evalExport)
	exports = append(exports, exportFunc, 0x00)
	exports = appendName(exports, memoryExport)
	exports = append(exports, exportMemory, 0x00)
	mod = appendSection(mod, sectionExport, exports)

	var fn []byte
	fn = appendU32(fn, uint32(len(locals)))
	for _, l := range locals {
		fn = append(fn, 0x01, l)
	}
	fn = append(fn, body...)
	fn = append(fn, opEnd)
	var codeSec []byte
	codeSec = appendU32(codeSec, 1)
	codeSec = appendU32(codeSec, uint32(len(fn)))
	codeSec = append(codeSec, fn...)
	return appendSection(mod, sectionCode, codeSec)
}
