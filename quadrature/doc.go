// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package quadrature counts quadrature encoder ticks in the background
// using RP2040 PIO state machines and DMA.
//
// A Decoder loads a small decode program into one PIO block. Each encoder
// added to it gets a state machine that samples its two pins and pushes the
// running count whenever it changes, and a DMA channel that copies the
// newest count into a memory slot owned by the Decoder. Count reads that
// slot; no interrupt, polling loop or FIFO read happens on the CPU.
//
// Up to four encoders fit on a block, one per state machine. Encoders are
// never removed.
//
// # Wiring
//
// Connect the two encoder outputs to consecutive GPIOs, for example 2 and
// 3, and configure their pulls before calling AddEncoder. Turning the
// encoder so that the pins go 00, 01, 11, 10 (pin base in bit 0) counts up.
package quadrature
