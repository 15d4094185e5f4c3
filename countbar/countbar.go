// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package countbar draws encoder positions on a terminal (stdout) using ANSI
// color codes.
//
// Each encoder gets a row of Width cells with one lit cell at its count
// modulo Width, so turning an encoder moves a dot along the row.
package countbar

import (
	"bytes"
	"fmt"
	"image/color"
	"io"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3"
)

// Opts represents the options available for this display.
type Opts struct {
	// Width is the number of cells per encoder. Defaults to 32.
	Width   int
	Palette *ansi256.Palette

	_ struct{}
}

// colors cycles per encoder.
var colors = []color.NRGBA{
	{R: 255, A: 255},
	{G: 255, A: 255},
	{B: 255, A: 255},
	{R: 255, G: 255, A: 255},
}

var off = color.NRGBA{R: 24, G: 24, B: 24, A: 255}

// Dev renders encoder counts to the console.
type Dev struct {
	w       io.Writer
	width   int
	palette ansi256.Palette

	buf bytes.Buffer
}

// New returns a Dev that draws at the console.
func New(opts *Opts) *Dev {
	return newDev(colorable.NewColorableStdout(), opts)
}

func newDev(w io.Writer, opts *Opts) *Dev {
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	width := opts.Width
	if width <= 0 {
		width = 32
	}
	return &Dev{w: w, width: width, palette: *p}
}

func (d *Dev) String() string {
	return fmt.Sprintf("CountBar{%d}", d.width)
}

// Halt implements conn.Resource.
//
// It resets the terminal colors and ends the line.
func (d *Dev) Halt() error {
	_, err := d.w.Write([]byte("\n\033[0m"))
	return err
}

// Show redraws the line with one row per count.
func (d *Dev) Show(counts ...int32) error {
	d.buf.Reset()
	_, _ = d.buf.WriteString("\r\033[0m")
	for i, c := range counts {
		if i != 0 {
			_, _ = d.buf.WriteString("\033[0m ")
		}
		lit := Position(c, d.width)
		for x := 0; x < d.width; x++ {
			if x == lit {
				_, _ = io.WriteString(&d.buf, d.palette.Block(colors[i%len(colors)]))
			} else {
				_, _ = io.WriteString(&d.buf, d.palette.Block(off))
			}
		}
	}
	_, _ = d.buf.WriteString("\033[0m ")
	_, err := d.buf.WriteTo(d.w)
	return err
}

// Position returns the cell lit for count on a row of width cells.
// Negative counts wrap the same way as positive ones.
func Position(count int32, width int) int {
	p := int(int64(count) % int64(width))
	if p < 0 {
		p += width
	}
	return p
}

var _ conn.Resource = &Dev{}
