// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package quadrature is a container for the RP2040 quadrature decoder.
//
// The decoder itself lives in the quadrature sub-package. It runs on the
// PIO and DMA blocks modelled by packages pio and dma, wired to GPIOs by
// package rp2040. Package countbar draws counts on a terminal.
package quadrature
