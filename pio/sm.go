// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pio

import (
	"fmt"

	"github.com/GermanBionicSystems/quadrature/dma"
)

// Join selects how the TX and RX FIFOs share their storage.
type Join uint8

const (
	// JoinNone keeps a 4 entry TX FIFO and a 4 entry RX FIFO.
	JoinNone Join = iota
	// JoinTX gives the RX storage to TX: 8 entry TX, no RX.
	JoinTX
	// JoinRX gives the TX storage to RX: 8 entry RX, no TX.
	JoinRX
)

// Config is the per state machine configuration.
type Config struct {
	// WrapTarget is where execution continues after Wrap.
	WrapTarget uint8
	// Wrap is the last instruction before jumping to WrapTarget.
	Wrap uint8
	// SideSetBits is the number of delay/side-set bits used for side-set.
	SideSetBits uint8
	// InBase is the first pin sampled by IN PINS, MOV PINS and WAIT PIN.
	InBase int
	// JmpPin is the pin tested by JMP PIN.
	JmpPin int
	// InShiftRight shifts the ISR right, new bits entering at bit 31.
	InShiftRight bool
	// Autopush pushes the ISR once PushThreshold bits were shifted in.
	Autopush bool
	// PushThreshold is in bits, 0 meaning 32.
	PushThreshold uint8
	// OutShiftRight shifts the OSR right, bits leaving from bit 0.
	OutShiftRight bool
	// Autopull refills the OSR once PullThreshold bits were shifted out.
	Autopull bool
	// PullThreshold is in bits, 0 meaning 32.
	PullThreshold uint8
	// Join selects the FIFO arrangement.
	Join Join
}

// DefaultConfig returns the reset configuration: wrap over the whole
// memory, both shift registers shifting right, no autopush/autopull.
func DefaultConfig() Config {
	return Config{
		Wrap:          InstructionMemorySize - 1,
		InShiftRight:  true,
		OutShiftRight: true,
	}
}

func threshold(t uint8) int {
	if t == 0 || t > 32 {
		return 32
	}
	return int(t)
}

type fifo struct {
	buf []uint32
	cap int
}

func (f *fifo) full() bool {
	return len(f.buf) >= f.cap
}

func (f *fifo) empty() bool {
	return len(f.buf) == 0
}

func (f *fifo) push(v uint32) bool {
	if f.full() {
		return false
	}
	f.buf = append(f.buf, v)
	return true
}

func (f *fifo) pop() (uint32, bool) {
	if f.empty() {
		return 0, false
	}
	v := f.buf[0]
	copy(f.buf, f.buf[1:])
	f.buf = f.buf[:len(f.buf)-1]
	return v, true
}

// Debug holds the sticky FIFO debug flags.
type Debug struct {
	// RXStall is set when a non-blocking push found the RX FIFO full.
	RXStall bool
	// RXUnder is set when the RX FIFO was read while empty.
	RXUnder bool
	// TXOver is set when the TX FIFO was written while full.
	TXOver bool
}

// StateMachine is one state machine of a Block.
type StateMachine struct {
	b     *Block
	index int

	cfg     Config
	enabled bool
	pc      uint8
	x, y    uint32
	isr     uint32
	osr     uint32
	isrBits int
	osrBits int
	delay   uint8
	rx, tx  fifo
	dbg     Debug
}

// Index returns the state machine number within its block.
func (sm *StateMachine) Index() int {
	return sm.index
}

func (sm *StateMachine) String() string {
	return fmt.Sprintf("PIO%d SM%d", sm.b.index, sm.index)
}

// Unclaim returns the state machine to the block's free pool.
func (sm *StateMachine) Unclaim() {
	sm.b.pool.Release(sm.index)
}

// Claimed reports whether the state machine is in use.
func (sm *StateMachine) Claimed() bool {
	return sm.b.pool.Claimed(sm.index)
}

func (sm *StateMachine) reset(cfg Config) {
	sm.cfg = cfg
	sm.enabled = false
	sm.isr, sm.osr = 0, 0
	sm.isrBits = 0
	sm.osrBits = 32
	sm.delay = 0
	sm.dbg = Debug{}
	rxCap, txCap := FIFODepth, FIFODepth
	switch cfg.Join {
	case JoinRX:
		rxCap, txCap = 2*FIFODepth, 0
	case JoinTX:
		rxCap, txCap = 0, 2*FIFODepth
	}
	sm.rx = fifo{buf: make([]uint32, 0, rxCap), cap: rxCap}
	sm.tx = fifo{buf: make([]uint32, 0, txCap), cap: txCap}
}

// Init disables the state machine, applies cfg, clears its FIFOs and shift
// registers and sets the program counter to pc.
func (sm *StateMachine) Init(pc uint8, cfg Config) error {
	if pc >= InstructionMemorySize || cfg.Wrap >= InstructionMemorySize || cfg.WrapTarget >= InstructionMemorySize {
		return fmt.Errorf("pio: invalid pc %d or wrap %d..%d", pc, cfg.WrapTarget, cfg.Wrap)
	}
	if cfg.SideSetBits > 5 {
		return fmt.Errorf("pio: invalid side-set bit count %d", cfg.SideSetBits)
	}
	sm.b.mu.Lock()
	defer sm.b.mu.Unlock()
	sm.reset(cfg)
	sm.pc = pc
	return nil
}

// SetEnabled starts or stops the state machine.
func (sm *StateMachine) SetEnabled(on bool) {
	sm.b.mu.Lock()
	sm.enabled = on
	sm.b.mu.Unlock()
}

// Enabled reports whether the state machine is running.
func (sm *StateMachine) Enabled() bool {
	sm.b.mu.Lock()
	defer sm.b.mu.Unlock()
	return sm.enabled
}

// Exec executes in immediately, outside the program. The program counter
// only changes if in is a jump.
func (sm *StateMachine) Exec(in Instr) {
	sm.b.mu.Lock()
	defer sm.b.mu.Unlock()
	sm.execute(in)
}

// PC returns the program counter.
func (sm *StateMachine) PC() uint8 {
	sm.b.mu.Lock()
	defer sm.b.mu.Unlock()
	return sm.pc
}

// X returns the X scratch register.
func (sm *StateMachine) X() uint32 {
	sm.b.mu.Lock()
	defer sm.b.mu.Unlock()
	return sm.x
}

// Y returns the Y scratch register.
func (sm *StateMachine) Y() uint32 {
	sm.b.mu.Lock()
	defer sm.b.mu.Unlock()
	return sm.y
}

// Debug returns the sticky debug flags.
func (sm *StateMachine) Debug() Debug {
	sm.b.mu.Lock()
	defer sm.b.mu.Unlock()
	return sm.dbg
}

// RXLevel returns the number of words waiting in the RX FIFO.
func (sm *StateMachine) RXLevel() int {
	sm.b.mu.Lock()
	defer sm.b.mu.Unlock()
	return len(sm.rx.buf)
}

// Put writes v to the TX FIFO. It returns false if the FIFO is full.
func (sm *StateMachine) Put(v uint32) bool {
	sm.b.mu.Lock()
	defer sm.b.mu.Unlock()
	if !sm.tx.push(v) {
		sm.dbg.TXOver = true
		return false
	}
	return true
}

// Get reads the RX FIFO. It returns false if the FIFO is empty.
func (sm *StateMachine) Get() (uint32, bool) {
	sm.b.mu.Lock()
	defer sm.b.mu.Unlock()
	v, ok := sm.rx.pop()
	if !ok {
		sm.dbg.RXUnder = true
	}
	return v, ok
}

// RXF returns the RX FIFO register. Every load pops a word.
func (sm *StateMachine) RXF() dma.Addr {
	return fifoReg{sm}
}

// TXF returns the TX FIFO register. Every store pushes a word.
func (sm *StateMachine) TXF() dma.Addr {
	return fifoReg{sm}
}

// DREQ returns the data request signal of the TX (not full) or RX (not
// empty) FIFO.
func (sm *StateMachine) DREQ(tx bool) dma.DREQ {
	return dreq{sm: sm, tx: tx}
}

// fifoReg is the memory mapped FIFO pair: loads read RX, stores write TX.
type fifoReg struct {
	sm *StateMachine
}

func (r fifoReg) Load() uint32 {
	v, _ := r.sm.Get()
	return v
}

func (r fifoReg) Store(v uint32) {
	r.sm.Put(v)
}

type dreq struct {
	sm *StateMachine
	tx bool
}

func (d dreq) Asserted() bool {
	d.sm.b.mu.Lock()
	defer d.sm.b.mu.Unlock()
	if d.tx {
		return !d.sm.tx.full()
	}
	return !d.sm.rx.empty()
}

// Num returns the RP2040 DREQ number.
func (d dreq) Num() int {
	n := 8*d.sm.b.index + d.sm.index
	if !d.tx {
		n += 4
	}
	return n
}

func (d dreq) String() string {
	dir := "RX"
	if d.tx {
		dir = "TX"
	}
	return fmt.Sprintf("DREQ_PIO%d_%s%d", d.sm.b.index, dir, d.sm.index)
}
