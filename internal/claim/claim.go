// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package claim tracks ownership of units in fixed-size hardware pools.
//
// Every pool in the process shares a single lock, so claiming a state
// machine and claiming a DMA channel are serialized against each other
// even when they belong to different blocks.
package claim

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrExhausted is returned when every unit of a pool is in use.
	ErrExhausted = errors.New("no unused unit")

	// ErrClaimed is returned when claiming a unit that is already in use.
	ErrClaimed = errors.New("already claimed")

	// ErrRange is returned for a unit number outside the pool.
	ErrRange = errors.New("unit out of range")
)

// mu guards the used bits of every Pool.
var mu sync.Mutex

// Pool is a set of up to 32 numbered hardware units.
type Pool struct {
	name string
	size int
	used uint32
}

// NewPool returns a pool of size units, all free.
func NewPool(name string, size int) *Pool {
	if size <= 0 || size > 32 {
		panic(fmt.Sprintf("claim: invalid pool size %d", size))
	}
	return &Pool{name: name, size: size}
}

// String returns the pool name.
func (p *Pool) String() string {
	return p.name
}

// Size returns the number of units in the pool.
func (p *Pool) Size() int {
	return p.size
}

// Claim marks unit n as used.
func (p *Pool) Claim(n int) error {
	if n < 0 || n >= p.size {
		return fmt.Errorf("%s %d: %w", p.name, n, ErrRange)
	}
	mu.Lock()
	defer mu.Unlock()
	if p.used&(1<<n) != 0 {
		return fmt.Errorf("%s %d: %w", p.name, n, ErrClaimed)
	}
	p.used |= 1 << n
	return nil
}

// ClaimUnused marks the lowest free unit as used and returns its number.
func (p *Pool) ClaimUnused() (int, error) {
	mu.Lock()
	defer mu.Unlock()
	for n := 0; n < p.size; n++ {
		if p.used&(1<<n) == 0 {
			p.used |= 1 << n
			return n, nil
		}
	}
	return -1, fmt.Errorf("%s: %w", p.name, ErrExhausted)
}

// Release returns unit n to the pool. Releasing a free unit is a no-op.
func (p *Pool) Release(n int) {
	if n < 0 || n >= p.size {
		return
	}
	mu.Lock()
	p.used &^= 1 << n
	mu.Unlock()
}

// Claimed reports whether unit n is in use.
func (p *Pool) Claimed(n int) bool {
	if n < 0 || n >= p.size {
		return false
	}
	mu.Lock()
	defer mu.Unlock()
	return p.used&(1<<n) != 0
}
