// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package quadrature

import (
	"github.com/GermanBionicSystems/quadrature/pio"
)

// Layout of the decode program. The jump table must sit at address 0 since
// MOV PC, ISR jumps to the raw 4 bit table index.
const (
	programOrigin   = 0
	offsetDecrement = 16
	offsetUpdate    = 17
	offsetStart     = 19
	offsetIncrement = 25
	wrapTarget      = offsetUpdate
	wrap            = 27
)

// decodeProgram keeps the count in X and the previous pin sample in Y.
//
// The sampling loop at start builds last<<2|current in the ISR and jumps
// through the table. Valid Gray code steps go to increment or decrement,
// which fall through (or wrap) into update to push X. Repeated and invalid
// (both pins changed) samples go straight back to start without pushing.
var decodeProgram = pio.Program{
	Origin: programOrigin,
	Instructions: []pio.Instr{
		// last 00
		pio.EncodeJmp(offsetStart),
		pio.EncodeJmp(offsetIncrement),
		pio.EncodeJmp(offsetDecrement),
		pio.EncodeJmp(offsetStart),
		// last 01
		pio.EncodeJmp(offsetDecrement),
		pio.EncodeJmp(offsetStart),
		pio.EncodeJmp(offsetStart),
		pio.EncodeJmp(offsetIncrement),
		// last 10
		pio.EncodeJmp(offsetIncrement),
		pio.EncodeJmp(offsetStart),
		pio.EncodeJmp(offsetStart),
		pio.EncodeJmp(offsetDecrement),
		// last 11
		pio.EncodeJmp(offsetStart),
		pio.EncodeJmp(offsetDecrement),
		pio.EncodeJmp(offsetIncrement),
		pio.EncodeJmp(offsetStart),

		// decrement: the target is the next address so X-- always lands
		// on update.
		pio.EncodeJmpCond(pio.CondXDec, offsetUpdate),
		// update:
		pio.EncodeMov(pio.DestISR, pio.SrcX),
		pio.EncodePush(false, false),
		// start:
		pio.EncodeMov(pio.DestISR, pio.SrcNull),
		pio.EncodeIn(pio.SrcPins, 2),
		pio.EncodeIn(pio.SrcY, 2),
		pio.EncodeIn(pio.SrcNull, 28),
		pio.EncodeMov(pio.DestY, pio.SrcISR),
		pio.EncodeMov(pio.DestPC, pio.SrcISR),
		// increment: there is no add, so negate, decrement, negate.
		pio.EncodeMovNot(pio.DestX, pio.SrcX),
		pio.EncodeJmpCond(pio.CondXDec, offsetIncrement+2),
		pio.EncodeMovNot(pio.DestX, pio.SrcX),
		// wraps to update
	},
}

// programConfig returns the state machine configuration for the decode
// program loaded at offset.
func programConfig(offset uint8) pio.Config {
	cfg := pio.DefaultConfig()
	cfg.WrapTarget = offset + wrapTarget
	cfg.Wrap = offset + wrap
	return cfg
}
