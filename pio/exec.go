// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pio

import "math/bits"

// result of executing one instruction.
type result uint8

const (
	next   result = iota // advance the program counter
	jumped               // program counter already written
	stall                // retry the same instruction next cycle
)

// step runs one clock cycle. Caller holds the block lock.
func (sm *StateMachine) step() {
	if !sm.enabled {
		return
	}
	if sm.delay > 0 {
		sm.delay--
		return
	}
	in := sm.b.mem[sm.pc]
	switch sm.execute(in) {
	case stall:
		return
	case next:
		if sm.pc == sm.cfg.Wrap {
			sm.pc = sm.cfg.WrapTarget
		} else {
			sm.pc = (sm.pc + 1) % InstructionMemorySize
		}
	}
	sm.delay = in.delaySideSet() & (0x1f >> sm.cfg.SideSetBits)
}

func (sm *StateMachine) jump(addr uint8) result {
	sm.pc = addr % InstructionMemorySize
	return jumped
}

func (sm *StateMachine) readPins(base, n int) uint32 {
	if sm.b.pins == nil {
		return 0
	}
	return sm.b.pins.ReadPins(base, n)
}

// execute runs in against the state machine. Caller holds the block lock.
func (sm *StateMachine) execute(in Instr) result {
	a1, a2 := in.arg1(), in.arg2()
	switch in.Opcode() {
	case OpJmp:
		if sm.cond(Cond(a1)) {
			return sm.jump(a2)
		}
		return next

	case OpWait:
		want := a1&4 != 0
		var got bool
		switch WaitSrc(a1 & 3) {
		case WaitGPIO:
			got = sm.readPins(int(a2), 1) != 0
		case WaitPin:
			got = sm.readPins(sm.cfg.InBase+int(a2), 1) != 0
		default:
			// IRQ flags are not modelled.
			return next
		}
		if got != want {
			return stall
		}
		return next

	case OpIn:
		n := int(a2)
		if n == 0 {
			n = 32
		}
		if Src(a1) == SrcPins {
			return sm.in(sm.readPins(sm.cfg.InBase, n), n)
		}
		return sm.in(sm.source(Src(a1)), n)

	case OpOut:
		return sm.out(a1, a2)

	case OpPushPull:
		ifFlag, block := a1&2 != 0, a1&1 != 0
		if a1&4 == 0 {
			if ifFlag && sm.isrBits < threshold(sm.cfg.PushThreshold) {
				return next
			}
			return sm.push(block)
		}
		if ifFlag && sm.osrBits < threshold(sm.cfg.PullThreshold) {
			return next
		}
		return sm.pull(block)

	case OpMov:
		v := sm.source(Src(a2 & 7))
		switch (a2 >> 3) & 3 {
		case 1:
			v = ^v
		case 2:
			v = bits.Reverse32(v)
		}
		switch a1 {
		case 1:
			sm.x = v
		case 2:
			sm.y = v
		case 5:
			return sm.jump(uint8(v))
		case 6:
			sm.isr = v
			sm.isrBits = 0
		case 7:
			sm.osr = v
			sm.osrBits = 0
		}
		// PINS and EXEC destinations are not modelled.
		return next

	case OpIRQ:
		return next

	case OpSet:
		switch a1 {
		case 1:
			sm.x = uint32(a2)
		case 2:
			sm.y = uint32(a2)
		}
		return next
	}
	return next
}

func (sm *StateMachine) cond(c Cond) bool {
	switch c {
	case CondAlways:
		return true
	case CondXZero:
		return sm.x == 0
	case CondXDec:
		ok := sm.x != 0
		sm.x--
		return ok
	case CondYZero:
		return sm.y == 0
	case CondYDec:
		ok := sm.y != 0
		sm.y--
		return ok
	case CondXNotY:
		return sm.x != sm.y
	case CondPin:
		return sm.readPins(sm.cfg.JmpPin, 1) != 0
	case CondOSRNotEmpty:
		return sm.osrBits < threshold(sm.cfg.PullThreshold)
	}
	return false
}

func (sm *StateMachine) source(s Src) uint32 {
	switch s {
	case SrcPins:
		return sm.readPins(sm.cfg.InBase, 32)
	case SrcX:
		return sm.x
	case SrcY:
		return sm.y
	case SrcISR:
		return sm.isr
	case SrcOSR:
		return sm.osr
	}
	// NULL, and STATUS which is not modelled.
	return 0
}

func (sm *StateMachine) in(v uint32, n int) result {
	if sm.cfg.Autopush && sm.isrBits >= threshold(sm.cfg.PushThreshold) {
		if sm.rx.full() {
			return stall
		}
		sm.rx.push(sm.isr)
		sm.isr, sm.isrBits = 0, 0
	}
	if n < 32 {
		v &= 1<<n - 1
	}
	if sm.cfg.InShiftRight {
		sm.isr = sm.isr>>n | v<<(32-n)
	} else {
		sm.isr = sm.isr<<n | v
	}
	sm.isrBits += n
	if sm.isrBits > 32 {
		sm.isrBits = 32
	}
	if sm.cfg.Autopush && sm.isrBits >= threshold(sm.cfg.PushThreshold) && !sm.rx.full() {
		sm.rx.push(sm.isr)
		sm.isr, sm.isrBits = 0, 0
	}
	return next
}

func (sm *StateMachine) out(dest, count uint8) result {
	if sm.cfg.Autopull && sm.osrBits >= threshold(sm.cfg.PullThreshold) {
		v, ok := sm.tx.pop()
		if !ok {
			return stall
		}
		sm.osr, sm.osrBits = v, 0
	}
	n := int(count)
	if n == 0 {
		n = 32
	}
	var v uint32
	if sm.cfg.OutShiftRight {
		v = sm.osr
		if n < 32 {
			v &= 1<<n - 1
		}
		sm.osr >>= n
	} else {
		v = sm.osr >> (32 - n)
		sm.osr <<= n
	}
	sm.osrBits += n
	if sm.osrBits > 32 {
		sm.osrBits = 32
	}
	switch dest {
	case 1:
		sm.x = v
	case 2:
		sm.y = v
	case 5:
		return sm.jump(uint8(v))
	case 6:
		sm.isr = v
		sm.isrBits = n
	}
	// PINS, PINDIRS and EXEC destinations are not modelled.
	return next
}

func (sm *StateMachine) push(block bool) result {
	if sm.rx.full() {
		if block {
			return stall
		}
		sm.dbg.RXStall = true
	} else {
		sm.rx.push(sm.isr)
	}
	sm.isr, sm.isrBits = 0, 0
	return next
}

func (sm *StateMachine) pull(block bool) result {
	v, ok := sm.tx.pop()
	if !ok {
		if block {
			return stall
		}
		v = sm.x
	}
	sm.osr, sm.osrBits = v, 0
	return next
}
