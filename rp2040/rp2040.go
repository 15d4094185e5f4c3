// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package rp2040 wires PIO blocks and the DMA controller of an RP2040 to a
// set of GPIO inputs and clocks them together.
//
// Pins are ordinary periph gpio.PinIn values, so a Chip can sample fakes
// from gpiotest in tests or real lines opened through gpioreg on a Linux
// host, where Run stands in for the sequencer's hardware parallelism.
package rp2040

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"

	"github.com/GermanBionicSystems/quadrature/dma"
	"github.com/GermanBionicSystems/quadrature/pio"
)

const (
	// NumGPIO is the number of user GPIOs.
	NumGPIO = 30
	// NumPIO is the number of PIO blocks.
	NumPIO = 2
)

// ErrInvalidPin is returned for a pin number outside the chip or mapped
// twice.
var ErrInvalidPin = errors.New("rp2040: invalid pin")

// runBatch is the number of cycles Run executes between context checks.
const runBatch = 1024

// Chip is an RP2040 with its PIO blocks and DMA controller.
type Chip struct {
	PIO [NumPIO]*pio.Block
	DMA *dma.Controller

	pins [NumGPIO]gpio.PinIn
}

// New returns a chip whose GPIO n reads from the pin with Number() n.
// Unmapped GPIOs read low.
func New(pins ...gpio.PinIn) (*Chip, error) {
	c := &Chip{DMA: dma.New()}
	for _, p := range pins {
		n := p.Number()
		if n < 0 || n >= NumGPIO {
			return nil, fmt.Errorf("%w: %s is GPIO%d", ErrInvalidPin, p, n)
		}
		if c.pins[n] != nil {
			return nil, fmt.Errorf("%w: GPIO%d mapped twice", ErrInvalidPin, n)
		}
		c.pins[n] = p
	}
	for i := range c.PIO {
		c.PIO[i] = pio.New(i, c)
	}
	return c, nil
}

// String implements conn.Resource.
func (c *Chip) String() string {
	return "RP2040"
}

// Halt stops every state machine and DMA channel.
//
// Halt implements conn.Resource.
func (c *Chip) Halt() error {
	for _, b := range c.PIO {
		if err := b.Halt(); err != nil {
			return err
		}
	}
	return c.DMA.Halt()
}

// ReadPins implements pio.PinReader.
func (c *Chip) ReadPins(base, n int) uint32 {
	var v uint32
	for i := 0; i < n && i < 32; i++ {
		g := (base + i) & 31
		if g >= NumGPIO || c.pins[g] == nil {
			continue
		}
		if c.pins[g].Read() == gpio.High {
			v |= 1 << i
		}
	}
	return v
}

// Tick runs the chip for cycles system clock cycles. Each cycle steps both
// PIO blocks, then the DMA controller.
func (c *Chip) Tick(cycles int) {
	for i := 0; i < cycles; i++ {
		for _, b := range c.PIO {
			b.Step()
		}
		c.DMA.Step()
	}
}

// Run ticks the chip until ctx is done and returns ctx.Err().
func (c *Chip) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.Tick(runBatch)
		runtime.Gosched()
	}
}

var _ conn.Resource = &Chip{}
var _ pio.PinReader = &Chip{}
