// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pio

import "fmt"

// Instr is one 16-bit PIO instruction.
type Instr uint16

// Opcode is the major opcode in bits 15:13.
type Opcode uint8

const (
	OpJmp Opcode = iota
	OpWait
	OpIn
	OpOut
	OpPushPull
	OpMov
	OpIRQ
	OpSet
)

// Opcode returns the major opcode.
func (i Instr) Opcode() Opcode {
	return Opcode(i >> 13)
}

// WithDelay returns i with its delay/side-set field set to cycles.
func (i Instr) WithDelay(cycles uint8) Instr {
	if cycles > 31 {
		panic(fmt.Sprintf("pio: delay %d out of range", cycles))
	}
	return i&^(0x1f<<8) | Instr(cycles)<<8
}

func (i Instr) delaySideSet() uint8 {
	return uint8(i>>8) & 0x1f
}

func (i Instr) arg1() uint8 {
	return uint8(i>>5) & 7
}

func (i Instr) arg2() uint8 {
	return uint8(i) & 0x1f
}

// Cond is a JMP condition. In assembler order: always, !x, x--, !y, y--,
// x!=y, pin, !osre.
type Cond uint8

const (
	CondAlways Cond = iota
	CondXZero
	CondXDec
	CondYZero
	CondYDec
	CondXNotY
	CondPin
	CondOSRNotEmpty
)

// Src is a data source for IN and MOV.
type Src uint8

const (
	SrcPins   Src = 0
	SrcX      Src = 1
	SrcY      Src = 2
	SrcNull   Src = 3
	SrcStatus Src = 5
	SrcISR    Src = 6
	SrcOSR    Src = 7
)

// Dest is a destination for OUT, MOV and SET. Encodings differ per
// instruction, not every destination is valid for every instruction.
type Dest uint8

const (
	DestPins Dest = iota
	DestX
	DestY
	DestNull
	DestPinDirs
	DestPC
	DestISR
	DestOSR
	DestExec
)

// WaitSrc selects what a WAIT instruction polls.
type WaitSrc uint8

const (
	WaitGPIO WaitSrc = 0
	WaitPin  WaitSrc = 1
	WaitIRQ  WaitSrc = 2
)

var (
	outDest = [...]int8{DestPins: 0, DestX: 1, DestY: 2, DestNull: 3, DestPinDirs: 4, DestPC: 5, DestISR: 6, DestOSR: -1, DestExec: 7}
	movDest = [...]int8{DestPins: 0, DestX: 1, DestY: 2, DestNull: -1, DestPinDirs: -1, DestPC: 5, DestISR: 6, DestOSR: 7, DestExec: 4}
	setDest = [...]int8{DestPins: 0, DestX: 1, DestY: 2, DestNull: -1, DestPinDirs: 4, DestPC: -1, DestISR: -1, DestOSR: -1, DestExec: -1}
)

func encode(op Opcode, arg1, arg2 uint8) Instr {
	return Instr(op)<<13 | Instr(arg1&7)<<5 | Instr(arg2&0x1f)
}

func destCode(table []int8, d Dest, what string) uint8 {
	if int(d) >= len(table) || table[d] < 0 {
		panic(fmt.Sprintf("pio: invalid %s destination %d", what, d))
	}
	return uint8(table[d])
}

func bitCount(n uint8) uint8 {
	if n == 0 || n > 32 {
		panic(fmt.Sprintf("pio: bit count %d out of range", n))
	}
	return n & 0x1f
}

// EncodeJmp returns an unconditional jump to addr.
func EncodeJmp(addr uint8) Instr {
	return EncodeJmpCond(CondAlways, addr)
}

// EncodeJmpCond returns a jump to addr taken when cond holds.
func EncodeJmpCond(cond Cond, addr uint8) Instr {
	if cond > CondOSRNotEmpty || addr > 31 {
		panic(fmt.Sprintf("pio: invalid jmp %d, %d", cond, addr))
	}
	return encode(OpJmp, uint8(cond), addr)
}

// EncodeWait returns an instruction that stalls until src at index reaches
// polarity.
func EncodeWait(polarity bool, src WaitSrc, index uint8) Instr {
	if src > WaitIRQ || index > 31 {
		panic(fmt.Sprintf("pio: invalid wait %d, %d", src, index))
	}
	a := uint8(src)
	if polarity {
		a |= 4
	}
	return encode(OpWait, a, index)
}

// EncodeIn returns an instruction shifting n bits of src into the ISR.
func EncodeIn(src Src, n uint8) Instr {
	if src == SrcStatus || src == 4 || src > SrcOSR {
		panic(fmt.Sprintf("pio: invalid in source %d", src))
	}
	return encode(OpIn, uint8(src), bitCount(n))
}

// EncodeOut returns an instruction shifting n bits out of the OSR to dest.
func EncodeOut(dest Dest, n uint8) Instr {
	return encode(OpOut, destCode(outDest[:], dest, "out"), bitCount(n))
}

// EncodePush returns a PUSH. ifFull only pushes once the ISR reached the
// push threshold; block stalls on a full RX FIFO.
func EncodePush(ifFull, block bool) Instr {
	var a uint8
	if ifFull {
		a |= 2
	}
	if block {
		a |= 1
	}
	return encode(OpPushPull, a, 0)
}

// EncodePull returns a PULL. ifEmpty only pulls once the OSR reached the
// pull threshold; block stalls on an empty TX FIFO.
func EncodePull(ifEmpty, block bool) Instr {
	a := uint8(4)
	if ifEmpty {
		a |= 2
	}
	if block {
		a |= 1
	}
	return encode(OpPushPull, a, 0)
}

func encodeMov(dest Dest, op uint8, src Src) Instr {
	if src == 4 || src > SrcOSR {
		panic(fmt.Sprintf("pio: invalid mov source %d", src))
	}
	return encode(OpMov, destCode(movDest[:], dest, "mov"), op<<3|uint8(src))
}

// EncodeMov returns dest = src.
func EncodeMov(dest Dest, src Src) Instr {
	return encodeMov(dest, 0, src)
}

// EncodeMovNot returns dest = ~src.
func EncodeMovNot(dest Dest, src Src) Instr {
	return encodeMov(dest, 1, src)
}

// EncodeMovReverse returns dest = bit reversed src.
func EncodeMovReverse(dest Dest, src Src) Instr {
	return encodeMov(dest, 2, src)
}

// EncodeSet returns dest = value, value being 5 bits.
func EncodeSet(dest Dest, value uint8) Instr {
	if value > 31 {
		panic(fmt.Sprintf("pio: set value %d out of range", value))
	}
	return encode(OpSet, destCode(setDest[:], dest, "set"), value)
}

// EncodeNop returns the canonical no-op, mov y, y.
func EncodeNop() Instr {
	return EncodeMov(DestY, SrcY)
}
