// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package pio models an RP2040 programmable I/O block.
//
// A Block holds 32 words of shared instruction memory and four state
// machines. Each state machine runs its own program counter over that
// memory, sampling pins, shifting bits through its ISR/OSR and exchanging
// words with software or DMA through a pair of FIFOs.
//
// Step advances every enabled state machine by one clock cycle; the rp2040
// package clocks blocks together with the DMA controller.
//
// Pin outputs, side-set and interrupts are not modelled: instructions that
// drive them execute without effect.
//
// # Datasheet
//
// https://datasheets.raspberrypi.com/rp2040/rp2040-datasheet.pdf, section 3.
package pio
