// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pio

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3"

	"github.com/GermanBionicSystems/quadrature/internal/claim"
)

const (
	// NumStateMachines is the number of state machines in a block.
	NumStateMachines = 4
	// InstructionMemorySize is the number of instruction slots in a block.
	InstructionMemorySize = 32
	// FIFODepth is the depth of each FIFO, doubled when joined.
	FIFODepth = 4
)

var (
	// ErrNoProgramSpace is returned when instruction memory cannot fit a
	// program at the requested offset.
	ErrNoProgramSpace = errors.New("pio: no program space")

	// ErrBadOrigin is returned when a program must load at a fixed origin
	// other than the requested offset.
	ErrBadOrigin = errors.New("pio: program origin mismatch")

	// ErrNoStateMachine is returned when every state machine is claimed.
	ErrNoStateMachine = errors.New("pio: no free state machine")
)

// PinReader samples GPIO input levels.
type PinReader interface {
	// ReadPins returns the levels of n consecutive pins starting at base,
	// base in bit 0. Pin numbers wrap modulo 32.
	ReadPins(base, n int) uint32
}

// Program is a relocatable PIO program.
type Program struct {
	Instructions []Instr
	// Origin is the offset the program must load at, or -1 for any.
	Origin int
}

// Block is a PIO block.
type Block struct {
	mu    sync.Mutex
	index int
	pins  PinReader
	pool  *claim.Pool
	mem   [InstructionMemorySize]Instr
	used  uint32
	sm    [NumStateMachines]StateMachine
}

// New returns block index (0 or 1) sampling inputs from pins.
func New(index int, pins PinReader) *Block {
	b := &Block{
		index: index,
		pins:  pins,
		pool:  claim.NewPool(fmt.Sprintf("pio%d sm", index), NumStateMachines),
	}
	for i := range b.sm {
		b.sm[i].b = b
		b.sm[i].index = i
		b.sm[i].reset(DefaultConfig())
	}
	return b
}

// Index returns the block number.
func (b *Block) Index() int {
	return b.index
}

// String implements conn.Resource.
func (b *Block) String() string {
	return fmt.Sprintf("PIO%d", b.index)
}

// Halt disables every state machine.
//
// Halt implements conn.Resource.
func (b *Block) Halt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.sm {
		b.sm[i].enabled = false
	}
	return nil
}

func programMask(p *Program, offset int) uint32 {
	return uint32((uint64(1)<<len(p.Instructions) - 1) << offset)
}

func (b *Block) findOffset(p *Program) int {
	if len(p.Instructions) == 0 || len(p.Instructions) > InstructionMemorySize {
		return -1
	}
	if p.Origin >= 0 {
		if p.Origin+len(p.Instructions) > InstructionMemorySize {
			return -1
		}
		if b.used&programMask(p, p.Origin) != 0 {
			return -1
		}
		return p.Origin
	}
	for off := InstructionMemorySize - len(p.Instructions); off >= 0; off-- {
		if b.used&programMask(p, off) == 0 {
			return off
		}
	}
	return -1
}

func (b *Block) fits(p *Program, offset int) error {
	if p.Origin >= 0 && p.Origin != offset {
		return fmt.Errorf("%w: origin %d, offset %d", ErrBadOrigin, p.Origin, offset)
	}
	if offset < 0 || len(p.Instructions) == 0 || offset+len(p.Instructions) > InstructionMemorySize {
		return ErrNoProgramSpace
	}
	if b.used&programMask(p, offset) != 0 {
		return ErrNoProgramSpace
	}
	return nil
}

// CanAddProgram reports whether p fits anywhere in instruction memory.
func (b *Block) CanAddProgram(p *Program) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.findOffset(p) >= 0
}

// CanAddProgramAt reports whether p fits at offset.
func (b *Block) CanAddProgramAt(p *Program, offset int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fits(p, offset) == nil
}

// AddProgram loads p at its origin or, if relocatable, at the highest free
// offset, and returns that offset.
func (b *Block) AddProgram(p *Program) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	off := b.findOffset(p)
	if off < 0 {
		return -1, ErrNoProgramSpace
	}
	b.load(p, off)
	return off, nil
}

// AddProgramAt loads p at offset. JMP targets are relocated by offset.
func (b *Block) AddProgramAt(p *Program, offset int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.fits(p, offset); err != nil {
		return err
	}
	b.load(p, offset)
	return nil
}

// RemoveProgram frees the instruction slots used by p at offset.
func (b *Block) RemoveProgram(p *Program, offset int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mask := programMask(p, offset)
	b.used &^= mask
	for i := range p.Instructions {
		b.mem[offset+i] = EncodeNop()
	}
}

// Instruction returns the instruction stored at addr.
func (b *Block) Instruction(addr int) Instr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mem[addr%InstructionMemorySize]
}

func (b *Block) load(p *Program, offset int) {
	for i, in := range p.Instructions {
		if in.Opcode() == OpJmp {
			in = in&^0x1f | Instr((int(in.arg2())+offset)%InstructionMemorySize)
		}
		b.mem[offset+i] = in
	}
	b.used |= programMask(p, offset)
}

// ClaimSM claims state machine n.
func (b *Block) ClaimSM(n int) (*StateMachine, error) {
	if err := b.pool.Claim(n); err != nil {
		return nil, err
	}
	return &b.sm[n], nil
}

// ClaimUnusedSM claims the lowest numbered free state machine.
func (b *Block) ClaimUnusedSM() (*StateMachine, error) {
	n, err := b.pool.ClaimUnused()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoStateMachine, err)
	}
	return &b.sm[n], nil
}

// SM returns state machine n, claimed or not.
func (b *Block) SM(n int) *StateMachine {
	return &b.sm[n]
}

// Step advances every enabled state machine by one clock cycle.
func (b *Block) Step() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.sm {
		b.sm[i].step()
	}
}

var _ conn.Resource = &Block{}
