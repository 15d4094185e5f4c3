// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package quadrature

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/GermanBionicSystems/quadrature/dma"
	"github.com/GermanBionicSystems/quadrature/pio"
	"github.com/GermanBionicSystems/quadrature/rp2040"
)

// settle is enough cycles for the decode loop to see a pin change, push
// the new count and for DMA to copy it.
const settle = 32

// gray is the forward sequence of pin states, pin base in bit 0.
var gray = [4]uint32{0b00, 0b01, 0b11, 0b10}

type rig struct {
	chip *rp2040.Chip
	dec  *Decoder
	pins [rp2040.NumGPIO]*gpiotest.Pin
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{}
	pins := make([]gpio.PinIn, 0, rp2040.NumGPIO)
	for i := range r.pins {
		r.pins[i] = &gpiotest.Pin{N: fmt.Sprintf("GPIO%d", i), Num: i}
		pins = append(pins, r.pins[i])
	}
	chip, err := rp2040.New(pins...)
	if err != nil {
		t.Fatal(err)
	}
	r.chip = chip
	r.dec = New(chip.DMA)
	if err := r.dec.Init(chip.PIO[0]); err != nil {
		t.Fatal(err)
	}
	return r
}

// quad drives the two pins of one simulated encoder.
type quad struct {
	r     *rig
	base  int
	state int
}

func (r *rig) encoder(base int) *quad {
	return &quad{r: r, base: base}
}

// set drives the pins to v without clocking the chip.
func (q *quad) set(v uint32) {
	_ = q.r.pins[q.base].Out(gpio.Level(v&1 != 0))
	_ = q.r.pins[q.base+1].Out(gpio.Level(v&2 != 0))
}

func (q *quad) move(dir int) {
	q.state = (q.state + dir + 4) % 4
	q.set(gray[q.state])
	q.r.chip.Tick(settle)
}

func (q *quad) forward(n int) {
	for i := 0; i < n; i++ {
		q.move(1)
	}
}

func (q *quad) backward(n int) {
	for i := 0; i < n; i++ {
		q.move(-1)
	}
}

func (r *rig) add(t *testing.T, base int) (int, *quad) {
	t.Helper()
	i, err := r.dec.AddEncoder(base)
	if err != nil {
		t.Fatal(err)
	}
	r.chip.Tick(settle)
	return i, r.encoder(base)
}

func TestForwardBackward(t *testing.T) {
	r := newRig(t)
	i, q := r.add(t, 2)
	q.forward(10)
	q.backward(3)
	if got := r.dec.Count(i); got != 7 {
		t.Fatalf("wanted 7, got %d", got)
	}
	q.backward(12)
	if got := r.dec.Count(i); got != -5 {
		t.Fatalf("wanted -5, got %d", got)
	}
}

func TestInterleavings(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			r := newRig(t)
			i, q := r.add(t, 10)
			rnd := rand.New(rand.NewSource(seed))
			var want int32
			for step := 0; step < 200; step++ {
				if rnd.Intn(2) == 0 {
					q.move(1)
					want++
				} else {
					q.move(-1)
					want--
				}
				if step%17 == 0 {
					if got := r.dec.Count(i); got != want {
						t.Fatalf("step %d: wanted %d, got %d", step, want, got)
					}
				}
			}
			if got := r.dec.Count(i); got != want {
				t.Fatalf("wanted %d, got %d", want, got)
			}
		})
	}
}

func TestChannelIsolation(t *testing.T) {
	r := newRig(t)
	first, _ := r.add(t, 2)
	second, q := r.add(t, 6)
	if first == second {
		t.Fatalf("both encoders got index %d", first)
	}
	q.forward(9)
	if got := r.dec.Count(first); got != 0 {
		t.Fatalf("first encoder moved to %d", got)
	}
	if got := r.dec.Count(second); got != 9 {
		t.Fatalf("wanted 9, got %d", got)
	}
}

func TestInvalidTransitions(t *testing.T) {
	for _, test := range []struct {
		name string
		seq  []uint32
		want int32
	}{
		{name: "skip both pins", seq: []uint32{0b11, 0b00, 0b11}, want: 0},
		{name: "diagonal", seq: []uint32{0b01, 0b10, 0b01}, want: 1},
		{name: "bounce on one pin", seq: []uint32{0b01, 0b00, 0b01, 0b00, 0b01}, want: 1},
		{name: "repeat", seq: []uint32{0b01, 0b01, 0b01}, want: 1},
		{name: "resync after skip", seq: []uint32{0b11, 0b10, 0b00}, want: 2},
	} {
		t.Run(test.name, func(t *testing.T) {
			r := newRig(t)
			i, q := r.add(t, 4)
			for _, v := range test.seq {
				q.set(v)
				r.chip.Tick(settle)
			}
			if got := r.dec.Count(i); got != test.want {
				t.Fatalf("wanted %d, got %d", test.want, got)
			}
		})
	}
}

func TestSeedsFromLivePins(t *testing.T) {
	r := newRig(t)
	q := r.encoder(8)
	q.state = 2
	q.set(gray[q.state])
	i, err := r.dec.AddEncoder(8)
	if err != nil {
		t.Fatal(err)
	}
	r.chip.Tick(settle)
	if got := r.dec.Count(i); got != 0 {
		t.Fatalf("starting pins counted: %d", got)
	}
	// 11 -> 10 is only a valid step if Y was seeded with 11.
	q.forward(1)
	if got := r.dec.Count(i); got != 1 {
		t.Fatalf("wanted 1, got %d", got)
	}
}

func TestCountWraps(t *testing.T) {
	r := newRig(t)
	i, q := r.add(t, 2)
	sm := r.dec.encoders[i].sm
	// X = bitreverse(0xfffffffe) = 0x7fffffff
	sm.Exec(pio.EncodeMovNot(pio.DestX, pio.SrcNull))
	sm.Exec(pio.EncodeJmpCond(pio.CondXDec, offsetStart))
	sm.Exec(pio.EncodeMovReverse(pio.DestX, pio.SrcX))
	q.forward(1)
	if got := r.dec.Count(i); got != math.MinInt32 {
		t.Fatalf("wanted %d, got %d", math.MinInt32, got)
	}
	q.backward(1)
	if got := r.dec.Count(i); got != math.MaxInt32 {
		t.Fatalf("wanted %d, got %d", math.MaxInt32, got)
	}
}

func TestAddEncoderStateMachineExhaustion(t *testing.T) {
	r := newRig(t)
	var quads []*quad
	var idx []int
	for n := 0; n < pio.NumStateMachines; n++ {
		i, q := r.add(t, 2*n)
		idx = append(idx, i)
		quads = append(quads, q)
		q.forward(n + 1)
	}
	got, err := r.dec.AddEncoder(20)
	if !errors.Is(err, ErrNoStateMachine) {
		t.Fatalf("expected error: %v, got: %v", ErrNoStateMachine, err)
	}
	if got != -1 {
		t.Fatalf("wanted -1, got %d", got)
	}
	for n, i := range idx {
		if c := r.dec.Count(i); c != int32(n+1) {
			t.Fatalf("encoder %d: wanted %d, got %d", n, n+1, c)
		}
		if p := r.dec.PinBase(i); p != 2*n {
			t.Fatalf("encoder %d: wanted pin base %d, got %d", n, 2*n, p)
		}
	}
	claimed := 0
	for n := 0; n < dma.NumChannels; n++ {
		if r.chip.DMA.Channel(n).Claimed() {
			claimed++
		}
	}
	if claimed != pio.NumStateMachines {
		t.Fatalf("wanted %d DMA channels claimed, got %d", pio.NumStateMachines, claimed)
	}
	// Still counting after the failed add.
	quads[0].forward(2)
	if c := r.dec.Count(idx[0]); c != 3 {
		t.Fatalf("wanted 3, got %d", c)
	}
}

func TestAddEncoderDMAExhaustion(t *testing.T) {
	r := newRig(t)
	var held []*dma.Channel
	for {
		ch, err := r.chip.DMA.ClaimUnused()
		if err != nil {
			break
		}
		held = append(held, ch)
	}
	got, err := r.dec.AddEncoder(2)
	if !errors.Is(err, ErrNoDMAChannel) {
		t.Fatalf("expected error: %v, got: %v", ErrNoDMAChannel, err)
	}
	if got != -1 {
		t.Fatalf("wanted -1, got %d", got)
	}
	for n := 0; n < pio.NumStateMachines; n++ {
		if r.chip.PIO[0].SM(n).Claimed() {
			t.Fatalf("state machine %d leaked", n)
		}
	}
	held[7].Unclaim()
	i, err := r.dec.AddEncoder(2)
	if err != nil {
		t.Fatal(err)
	}
	if r.dec.encoders[i].ch.Num() != 7 {
		t.Fatalf("wanted DMA channel 7, got %d", r.dec.encoders[i].ch.Num())
	}
}

func TestAddEncoderErrors(t *testing.T) {
	chip, err := rp2040.New()
	if err != nil {
		t.Fatal(err)
	}
	d := New(chip.DMA)
	if i, err := d.AddEncoder(2); !errors.Is(err, ErrNotInitialized) || i != -1 {
		t.Fatalf("expected error: %v, got: %d, %v", ErrNotInitialized, i, err)
	}
	if err := d.Init(chip.PIO[1]); err != nil {
		t.Fatal(err)
	}
	for _, base := range []int{-1, rp2040.NumGPIO - 1, 31, 40} {
		if i, err := d.AddEncoder(base); !errors.Is(err, ErrInvalidPin) || i != -1 {
			t.Fatalf("pin base %d: expected error: %v, got: %d, %v", base, ErrInvalidPin, i, err)
		}
	}
	if chip.PIO[1].SM(0).Claimed() || chip.DMA.Channel(0).Claimed() {
		t.Fatal("invalid pin base claimed hardware")
	}
}

func TestInit(t *testing.T) {
	chip, err := rp2040.New()
	if err != nil {
		t.Fatal(err)
	}
	b := chip.PIO[0]
	other := &pio.Program{Origin: -1, Instructions: []pio.Instr{pio.EncodeNop()}}
	if err := b.AddProgramAt(other, 0); err != nil {
		t.Fatal(err)
	}
	d := New(chip.DMA)
	if err := d.Init(b); !errors.Is(err, ErrNoProgramSpace) {
		t.Fatalf("expected error: %v, got: %v", ErrNoProgramSpace, err)
	}
	if _, err := d.AddEncoder(2); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("failed Init left decoder usable: %v", err)
	}
	if got := b.Instruction(1); got != 0 {
		t.Fatalf("failed Init wrote instruction memory: %#04x", got)
	}

	b.RemoveProgram(other, 0)
	if err := d.Init(b); err != nil {
		t.Fatal(err)
	}
	// 4 slots remain for other programs.
	if _, err := b.AddProgram(&pio.Program{Origin: -1, Instructions: make([]pio.Instr, 4)}); err != nil {
		t.Fatal(err)
	}
	if err := New(chip.DMA).Init(b); !errors.Is(err, ErrNoProgramSpace) {
		t.Fatalf("expected error: %v, got: %v", ErrNoProgramSpace, err)
	}
}

func TestCountInvalidIndex(t *testing.T) {
	r := newRig(t)
	r.add(t, 2)
	for _, index := range []int{-1, 1, pio.NumStateMachines, 100} {
		t.Run(fmt.Sprint(index), func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("Count(%d) did not panic", index)
				}
			}()
			r.dec.Count(index)
		})
	}
}

func TestRefresh(t *testing.T) {
	r := newRig(t)
	i, q := r.add(t, 2)
	ch := r.dec.encoders[i].ch
	q.forward(3)
	if got := ch.TransferCount(); got != dma.MaxTransferCount-3 {
		t.Fatalf("wanted one transfer per edge, %#x left", got)
	}

	// Bring the channel to just above the threshold, then keep polling
	// while the encoder moves across it.
	const margin = 5
	ch.Advance(ch.TransferCount() - RefreshThreshold - margin)
	want := int32(3)
	renewed := false
	for n := 0; n < 4*margin; n++ {
		q.forward(1)
		want++
		before := ch.TransferCount()
		if got := r.dec.Count(i); got != want {
			t.Fatalf("edge %d: wanted %d, got %d", n, want, got)
		}
		after := ch.TransferCount()
		if after < RefreshThreshold {
			t.Fatalf("edge %d: channel drained to %#x", n, after)
		}
		if after > before {
			if before > RefreshThreshold {
				t.Fatalf("renewed early at %#x", before)
			}
			if after != dma.MaxTransferCount {
				t.Fatalf("renewed to %#x", after)
			}
			renewed = true
		}
		if !ch.Busy() {
			t.Fatal("channel stopped")
		}
	}
	if !renewed {
		t.Fatal("channel never renewed")
	}
	q.backward(2)
	if got := r.dec.Count(i); got != want-2 {
		t.Fatalf("wanted %d, got %d", want-2, got)
	}
}

// TestRunsDryWithoutPolling shows the hazard Count guards against, and
// that a late renewal still catches up since the pushed count is absolute.
func TestRunsDryWithoutPolling(t *testing.T) {
	r := newRig(t)
	i, q := r.add(t, 2)
	ch := r.dec.encoders[i].ch
	ch.Advance(dma.MaxTransferCount - 2)
	q.forward(5)
	if ch.Busy() {
		t.Fatal("channel should have run dry")
	}
	if got := r.dec.Count(i); got != 2 {
		t.Fatalf("wanted stale count 2, got %d", got)
	}
	if got := ch.TransferCount(); got != dma.MaxTransferCount {
		t.Fatalf("Count did not renew: %#x", got)
	}
	q.forward(1)
	if got := r.dec.Count(i); got != 6 {
		t.Fatalf("wanted 6, got %d", got)
	}
}

func TestHalt(t *testing.T) {
	r := newRig(t)
	i, q := r.add(t, 2)
	q.forward(4)
	if err := r.dec.Halt(); err != nil {
		t.Fatal(err)
	}
	q.forward(4)
	if got := r.dec.Count(i); got != 4 {
		t.Fatalf("halted decoder counted: %d", got)
	}
	if r.dec.encoders[i].ch.Busy() {
		t.Fatal("halted decoder restarted DMA")
	}
	if got, want := r.dec.String(), "QuadratureDecoder{PIO0}"; got != want {
		t.Fatalf("wanted %q, got %q", want, got)
	}
}

// TestConcurrentPolling runs the chip in its own goroutine while the
// encoder moves and the count is polled.
func TestConcurrentPolling(t *testing.T) {
	r := newRig(t)
	i, err := r.dec.AddEncoder(2)
	if err != nil {
		t.Fatal(err)
	}
	q := r.encoder(2)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = r.chip.Run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	waitFor := func(want int32) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for r.dec.Count(i) != want {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %d, at %d", want, r.dec.Count(i))
			}
			time.Sleep(100 * time.Microsecond)
		}
	}
	var want int32
	for n := 0; n < 50; n++ {
		dir := 1
		if n%5 == 4 {
			dir = -1
		}
		q.state = (q.state + dir + 4) % 4
		q.set(gray[q.state])
		want += int32(dir)
		waitFor(want)
	}
}

// TestHaltRacesRefresh polls a channel that is due for renewal while the
// decoder halts. Whichever runs first, the channel must end up stopped.
func TestHaltRacesRefresh(t *testing.T) {
	for n := 0; n < 50; n++ {
		r := newRig(t)
		i, _ := r.add(t, 2)
		ch := r.dec.encoders[i].ch
		ch.Advance(dma.MaxTransferCount - RefreshThreshold)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for k := 0; k < 10; k++ {
				r.dec.Count(i)
			}
		}()
		go func() {
			defer wg.Done()
			_ = r.dec.Halt()
		}()
		wg.Wait()
		if ch.Busy() {
			t.Fatalf("iteration %d: DMA running on a halted decoder", n)
		}
	}
}

// TestConcurrentAddEncoder adds encoders from many goroutines to two
// decoders sharing one DMA controller.
func TestConcurrentAddEncoder(t *testing.T) {
	chip, err := rp2040.New()
	if err != nil {
		t.Fatal(err)
	}
	var decoders [rp2040.NumPIO]*Decoder
	for n := range decoders {
		decoders[n] = New(chip.DMA)
		if err := decoders[n].Init(chip.PIO[n]); err != nil {
			t.Fatal(err)
		}
	}

	const perDecoder = 6
	type result struct {
		dec   int
		index int
		err   error
	}
	results := make(chan result, perDecoder*len(decoders))
	var wg sync.WaitGroup
	for g := 0; g < perDecoder*len(decoders); g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			n := g % len(decoders)
			i, err := decoders[n].AddEncoder(2 * (g / len(decoders)))
			results <- result{dec: n, index: i, err: err}
		}(g)
	}
	wg.Wait()
	close(results)

	added := make([]map[int]bool, len(decoders))
	for n := range added {
		added[n] = map[int]bool{}
	}
	for res := range results {
		if res.err != nil {
			if !errors.Is(res.err, ErrNoStateMachine) || res.index != -1 {
				t.Fatalf("unexpected failure: %d, %v", res.index, res.err)
			}
			continue
		}
		if added[res.dec][res.index] {
			t.Fatalf("decoder %d handed out index %d twice", res.dec, res.index)
		}
		added[res.dec][res.index] = true
	}
	channels := map[int]bool{}
	for n, d := range decoders {
		if len(added[n]) != pio.NumStateMachines {
			t.Fatalf("decoder %d: wanted %d encoders, got %d", n, pio.NumStateMachines, len(added[n]))
		}
		for i := range added[n] {
			c := d.encoders[i].ch.Num()
			if channels[c] {
				t.Fatalf("DMA channel %d shared", c)
			}
			channels[c] = true
		}
	}
	claimed := 0
	for n := 0; n < dma.NumChannels; n++ {
		if chip.DMA.Channel(n).Claimed() {
			claimed++
		}
	}
	if claimed != len(channels) {
		t.Fatalf("wanted %d DMA channels claimed, got %d", len(channels), claimed)
	}
}
