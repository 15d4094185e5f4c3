// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package quadrature

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"periph.io/x/conn/v3"

	"github.com/GermanBionicSystems/quadrature/dma"
	"github.com/GermanBionicSystems/quadrature/pio"
	"github.com/GermanBionicSystems/quadrature/rp2040"
)

// RefreshThreshold is the remaining DMA transfer count at or below which
// Count restarts the channel with a full MaxTransferCount.
const RefreshThreshold uint32 = 0x80000000

var (
	// ErrNoProgramSpace is returned by Init when the decode program cannot
	// be loaded at offset 0 of the block.
	ErrNoProgramSpace = errors.New("quadrature: no room for decode program")

	// ErrNotInitialized is returned by AddEncoder before a successful Init.
	ErrNotInitialized = errors.New("quadrature: decoder not initialized")

	// ErrInvalidPin is returned by AddEncoder for a pin base whose pair
	// is not two RP2040 GPIOs.
	ErrInvalidPin = errors.New("quadrature: invalid pin base")

	// ErrNoStateMachine is returned by AddEncoder when the block has no
	// free state machine.
	ErrNoStateMachine = errors.New("quadrature: no free state machine")

	// ErrNoDMAChannel is returned by AddEncoder when no DMA channel is
	// free.
	ErrNoDMAChannel = errors.New("quadrature: no free DMA channel")
)

// counter is the slot a DMA channel keeps overwriting with the latest
// count. Software only ever loads it.
type counter struct {
	v atomic.Uint32
}

func (c *counter) Load() uint32 {
	return c.v.Load()
}

func (c *counter) Store(v uint32) {
	c.v.Store(v)
}

// encoder is the hardware allocated to one encoder.
type encoder struct {
	sm      *pio.StateMachine
	ch      *dma.Channel
	pinBase int
}

// Decoder counts quadrature encoders on one PIO block.
type Decoder struct {
	dma      *dma.Controller
	block    *pio.Block
	offset   uint8
	counters [pio.NumStateMachines]counter
	encoders [pio.NumStateMachines]encoder

	// mu serializes channel restarts with Halt.
	mu     sync.Mutex
	halted bool
}

// New returns a decoder that allocates DMA channels from d. Call Init
// before adding encoders.
func New(d *dma.Controller) *Decoder {
	return &Decoder{dma: d}
}

// Init loads the decode program into b.
//
// The program carries a 16 entry jump table, so it must load at offset 0
// and leaves 4 free instruction slots. Call Init once per Decoder; a
// second call fails since offset 0 is then taken.
func (d *Decoder) Init(b *pio.Block) error {
	if !b.CanAddProgramAt(&decodeProgram, programOrigin) {
		return fmt.Errorf("%w: %s", ErrNoProgramSpace, b)
	}
	if err := b.AddProgramAt(&decodeProgram, programOrigin); err != nil {
		return fmt.Errorf("%w: %w", ErrNoProgramSpace, err)
	}
	d.block = b
	d.offset = programOrigin
	return nil
}

// String implements conn.Resource.
func (d *Decoder) String() string {
	if d.block == nil {
		return "QuadratureDecoder"
	}
	return fmt.Sprintf("QuadratureDecoder{%s}", d.block)
}

// Halt stops every encoder's state machine and DMA channel. Counts keep
// their last value and are no longer refreshed.
//
// Halt implements conn.Resource.
func (d *Decoder) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.halted = true
	for i := range d.encoders {
		e := &d.encoders[i]
		if e.sm == nil {
			continue
		}
		e.sm.SetEnabled(false)
		e.ch.Abort()
	}
	return nil
}

// AddEncoder starts counting the encoder wired to pinBase and pinBase+1.
//
// It returns the index to pass to Count, or -1 and an error when the
// decoder is not initialized, the pins are invalid, or no state machine or
// DMA channel is free. Nothing stays claimed on failure.
func (d *Decoder) AddEncoder(pinBase int) (int, error) {
	if d.block == nil {
		return -1, ErrNotInitialized
	}
	if pinBase < 0 || pinBase+1 >= rp2040.NumGPIO {
		return -1, fmt.Errorf("%w: %d", ErrInvalidPin, pinBase)
	}
	sm, err := d.block.ClaimUnusedSM()
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrNoStateMachine, err)
	}
	ch, err := d.dma.ClaimUnused()
	if err != nil {
		sm.Unclaim()
		return -1, fmt.Errorf("%w: %w", ErrNoDMAChannel, err)
	}

	// Shift pins in to the right, no autopush. TX is unused so join its
	// FIFO to RX for 8 entries.
	cfg := programConfig(d.offset)
	cfg.InBase = pinBase
	cfg.InShiftRight = true
	cfg.Autopush = false
	cfg.PushThreshold = 32
	cfg.Join = pio.JoinRX
	if err := sm.Init(d.offset+offsetStart, cfg); err != nil {
		ch.Unclaim()
		sm.Unclaim()
		return -1, err
	}

	i := sm.Index()
	d.encoders[i] = encoder{sm: sm, ch: ch, pinBase: pinBase}
	d.counters[i].Store(0)
	d.startTransfers(i)

	// Seed X with the count and Y with the current pins so the first
	// comparison is against the real starting state.
	sm.Exec(pio.EncodeSet(pio.DestX, 0))
	sm.Exec(pio.EncodeMov(pio.DestY, pio.SrcPins))
	sm.SetEnabled(true)
	return i, nil
}

// Count returns the current count of encoder index, as returned by
// AddEncoder. It panics for any other index.
//
// The count wraps on int32 overflow. Count never waits on the hardware and
// never touches the state machine.
func (d *Decoder) Count(index int) int32 {
	if index < 0 || index >= len(d.encoders) || d.encoders[index].ch == nil {
		panic(fmt.Sprintf("quadrature: invalid encoder index %d", index))
	}
	count := int32(d.counters[index].Load())
	d.refresh(index)
	return count
}

// PinBase returns the first pin of encoder index.
func (d *Decoder) PinBase(index int) int {
	return d.encoders[index].pinBase
}

// startTransfers (re)arms the DMA channel of encoder i to copy every word
// the state machine pushes into its counter slot.
func (d *Decoder) startTransfers(i int) {
	e := &d.encoders[i]
	cfg := dma.DefaultConfig()
	cfg.ReadIncrement = false
	cfg.WriteIncrement = false
	cfg.DREQ = e.sm.DREQ(false)
	e.ch.Configure(cfg, &d.counters[i], e.sm.RXF(), dma.MaxTransferCount, true)
}

// refresh restarts the DMA channel of encoder i long before its transfer
// count runs out. Once it reached zero the slot would silently stop
// updating. The count register cannot be rewritten while the channel runs,
// so abort and reconfigure.
//
// A word pushed while the channel is aborted stays in the RX FIFO and is
// copied once the channel restarts.
func (d *Decoder) refresh(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return
	}
	ch := d.encoders[i].ch
	if ch.TransferCount() > RefreshThreshold {
		return
	}
	ch.Abort()
	d.startTransfers(i)
}

var _ conn.Resource = &Decoder{}
