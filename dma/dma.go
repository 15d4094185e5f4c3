// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package dma

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"periph.io/x/conn/v3"

	"github.com/GermanBionicSystems/quadrature/internal/claim"
)

// NumChannels is the number of channels in the controller.
const NumChannels = 12

// MaxTransferCount is the largest value the transfer count register holds.
const MaxTransferCount uint32 = 0xFFFFFFFF

// ErrNoChannel is returned when every channel is claimed.
var ErrNoChannel = errors.New("dma: no free channel")

// Addr is a 32-bit location on the bus.
type Addr interface {
	Load() uint32
	Store(v uint32)
}

// Indexer is implemented by addresses that support incrementing transfers.
//
// Index returns the address i words past the receiver, or false when it
// falls outside the backing memory.
type Indexer interface {
	Index(i uint32) (Addr, bool)
}

// DREQ is a data request signal. A paced channel only transfers while its
// DREQ is asserted.
type DREQ interface {
	Asserted() bool
}

// Config is the control register of a channel.
type Config struct {
	// ReadIncrement advances the read address by one word per transfer.
	ReadIncrement bool
	// WriteIncrement advances the write address by one word per transfer.
	WriteIncrement bool
	// DREQ paces the channel. nil means unpaced, one transfer per cycle.
	DREQ DREQ
	// Enable lets the channel respond to triggers.
	Enable bool
}

// DefaultConfig returns the reset configuration: read increment on, write
// increment off, unpaced, enabled.
func DefaultConfig() Config {
	return Config{ReadIncrement: true, Enable: true}
}

// Controller is a DMA controller.
type Controller struct {
	mu       sync.Mutex
	pool     *claim.Pool
	channels [NumChannels]Channel
}

// New returns a controller with every channel idle and unclaimed.
func New() *Controller {
	c := &Controller{pool: claim.NewPool("dma", NumChannels)}
	for i := range c.channels {
		c.channels[i].c = c
		c.channels[i].num = i
	}
	return c
}

// String implements conn.Resource.
func (c *Controller) String() string {
	return "DMA"
}

// Halt aborts every channel.
//
// Halt implements conn.Resource.
func (c *Controller) Halt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.channels {
		c.channels[i].busy = false
	}
	return nil
}

// Channel returns channel n, claimed or not.
func (c *Controller) Channel(n int) *Channel {
	return &c.channels[n]
}

// Claim marks channel n as used and returns it.
func (c *Controller) Claim(n int) (*Channel, error) {
	if err := c.pool.Claim(n); err != nil {
		return nil, err
	}
	return &c.channels[n], nil
}

// ClaimUnused claims the lowest numbered free channel.
func (c *Controller) ClaimUnused() (*Channel, error) {
	n, err := c.pool.ClaimUnused()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoChannel, err)
	}
	return &c.channels[n], nil
}

// Step performs one bus cycle: every busy channel whose DREQ is asserted
// moves one word.
func (c *Controller) Step() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.channels {
		c.channels[i].step()
	}
}

// Channel is one DMA channel.
type Channel struct {
	c   *Controller
	num int

	cfg       Config
	read      Addr
	write     Addr
	reload    uint32
	readPos   uint32
	writePos  uint32
	count     uint32
	busy      bool
	busError  bool
	transfers atomic.Uint64
}

// Num returns the channel number.
func (ch *Channel) Num() int {
	return ch.num
}

func (ch *Channel) String() string {
	return fmt.Sprintf("DMA%d", ch.num)
}

// Unclaim returns the channel to the controller's free pool.
func (ch *Channel) Unclaim() {
	ch.c.pool.Release(ch.num)
}

// Claimed reports whether the channel is in use.
func (ch *Channel) Claimed() bool {
	return ch.c.pool.Claimed(ch.num)
}

// Configure loads the control, address and count registers. When trigger
// is set the channel starts immediately, otherwise Start must be called.
//
// count is kept as the reload value used by every later Start.
func (ch *Channel) Configure(cfg Config, write, read Addr, count uint32, trigger bool) {
	ch.c.mu.Lock()
	defer ch.c.mu.Unlock()
	ch.cfg = cfg
	ch.write = write
	ch.read = read
	ch.readPos = 0
	ch.writePos = 0
	ch.reload = count
	if trigger {
		ch.start()
	}
}

// Start triggers the channel using the current addresses and the reload
// count. It has no effect on a busy channel.
func (ch *Channel) Start() {
	ch.c.mu.Lock()
	defer ch.c.mu.Unlock()
	ch.start()
}

// Abort stops the channel. The word at the read address is left in place.
func (ch *Channel) Abort() {
	ch.c.mu.Lock()
	defer ch.c.mu.Unlock()
	ch.busy = false
}

// Busy reports whether the channel has transfers pending.
func (ch *Channel) Busy() bool {
	ch.c.mu.Lock()
	defer ch.c.mu.Unlock()
	return ch.busy
}

// BusError reports whether the last transfer stopped on an invalid address.
func (ch *Channel) BusError() bool {
	ch.c.mu.Lock()
	defer ch.c.mu.Unlock()
	return ch.busError
}

// TransferCount returns the number of transfers remaining.
func (ch *Channel) TransferCount() uint32 {
	ch.c.mu.Lock()
	defer ch.c.mu.Unlock()
	return ch.count
}

// Transfers returns the total number of words moved since the controller
// was created.
func (ch *Channel) Transfers() uint64 {
	return ch.transfers.Load()
}

// Advance retires n pending transfers without moving any data, the way
// the register would look after n paced transfers. Simulations use it to
// reach long-running states without ticking billions of cycles.
func (ch *Channel) Advance(n uint32) {
	ch.c.mu.Lock()
	defer ch.c.mu.Unlock()
	if !ch.busy {
		return
	}
	if n >= ch.count {
		ch.count = 0
		ch.busy = false
		return
	}
	ch.count -= n
}

func (ch *Channel) start() {
	if ch.busy || !ch.cfg.Enable {
		return
	}
	ch.busError = false
	ch.count = ch.reload
	ch.busy = ch.count != 0
}

func (ch *Channel) step() {
	if !ch.busy {
		return
	}
	if ch.cfg.DREQ != nil && !ch.cfg.DREQ.Asserted() {
		return
	}
	src, ok := at(ch.read, ch.readPos, ch.cfg.ReadIncrement)
	if !ok {
		ch.fault()
		return
	}
	dst, ok := at(ch.write, ch.writePos, ch.cfg.WriteIncrement)
	if !ok {
		ch.fault()
		return
	}
	dst.Store(src.Load())
	ch.transfers.Add(1)
	if ch.cfg.ReadIncrement {
		ch.readPos++
	}
	if ch.cfg.WriteIncrement {
		ch.writePos++
	}
	ch.count--
	if ch.count == 0 {
		ch.busy = false
	}
}

func (ch *Channel) fault() {
	ch.busError = true
	ch.busy = false
}

// at resolves base advanced by pos words.
func at(base Addr, pos uint32, increment bool) (Addr, bool) {
	if base == nil {
		return nil, false
	}
	if !increment || pos == 0 {
		return base, true
	}
	ix, ok := base.(Indexer)
	if !ok {
		return nil, false
	}
	return ix.Index(pos)
}

// Words is a block of word addressable memory.
type Words []atomic.Uint32

// At returns the address of word i.
func (w Words) At(i int) Addr {
	return &word{mem: w, i: uint32(i)}
}

type word struct {
	mem Words
	i   uint32
}

func (w *word) Load() uint32 {
	return w.mem[w.i].Load()
}

func (w *word) Store(v uint32) {
	w.mem[w.i].Store(v)
}

func (w *word) Index(i uint32) (Addr, bool) {
	n := w.i + i
	if n < w.i || n >= uint32(len(w.mem)) {
		return nil, false
	}
	return &word{mem: w.mem, i: n}, true
}

var _ Indexer = &word{}

var _ conn.Resource = &Controller{}
