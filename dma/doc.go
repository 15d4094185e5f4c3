// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package dma models the RP2040 direct memory access controller.
//
// A Controller owns twelve channels. Each channel moves 32-bit words from a
// read address to a write address, one word per bus cycle, optionally paced
// by a data request (DREQ) signal from a peripheral. The transfer count
// register counts down as words move; the channel goes idle once it reaches
// zero.
//
// Addresses are modelled as Addr values instead of raw bus addresses, so a
// peripheral register (such as a PIO RX FIFO) and a word of memory look the
// same to a channel.
//
// # Datasheet
//
// https://datasheets.raspberrypi.com/rp2040/rp2040-datasheet.pdf, section 2.5.
package dma
