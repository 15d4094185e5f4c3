// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// quaddump counts quadrature encoders and prints how far each one moved
// during every interval.
//
// Usage:
//
//	quaddump [-pio n] [-interval d] [-bar width] pinBase...
//
// Each pinBase names the first of the two consecutive GPIOs an encoder is
// wired to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/GermanBionicSystems/quadrature/countbar"
	"github.com/GermanBionicSystems/quadrature/quadrature"
	"github.com/GermanBionicSystems/quadrature/rp2040"
)

func main() {
	block := flag.Int("pio", 0, "PIO block to load the decoder into")
	interval := flag.Duration("interval", time.Second, "time between reports")
	bar := flag.Int("bar", 0, "draw positions on a bar this wide instead of printing deltas")
	flag.Parse()

	if err := mainImpl(*block, *interval, *bar, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "quaddump: %s.\n", err)
		os.Exit(1)
	}
}

func mainImpl(block int, interval time.Duration, bar int, args []string) error {
	if len(args) == 0 {
		return errors.New("specify at least one pin base")
	}
	if block < 0 || block >= rp2040.NumPIO {
		return fmt.Errorf("invalid PIO block %d", block)
	}
	var bases []int
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("invalid pin base %q", a)
		}
		bases = append(bases, n)
	}

	if _, err := host.Init(); err != nil {
		return err
	}
	pins, err := openPins(bases)
	if err != nil {
		return err
	}
	chip, err := rp2040.New(pins...)
	if err != nil {
		return err
	}
	defer chip.Halt()

	d := quadrature.New(chip.DMA)
	if err := d.Init(chip.PIO[block]); err != nil {
		return err
	}
	var encoders []int
	for _, b := range bases {
		i, err := d.AddEncoder(b)
		if err != nil {
			return fmt.Errorf("encoder at GPIO%d: %w", b, err)
		}
		log.Printf("encoder %d on GPIO%d and GPIO%d", i, b, b+1)
		encoders = append(encoders, i)
	}
	defer d.Halt()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		if err := chip.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Print(err)
		}
	}()

	var screen *countbar.Dev
	if bar > 0 {
		screen = countbar.New(&countbar.Opts{Width: bar})
		defer screen.Halt()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := make([]int32, len(encoders))
	counts := make([]int32, len(encoders))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for n, i := range encoders {
			counts[n] = d.Count(i)
		}
		if screen != nil {
			if err := screen.Show(counts...); err != nil {
				return err
			}
			continue
		}
		var line []string
		for n, c := range counts {
			// Subtracting wraps the same way the count does.
			line = append(line, fmt.Sprintf("%d: %+d", encoders[n], c-last[n]))
			last[n] = c
		}
		fmt.Println(strings.Join(line, "  "))
	}
}

// openPins returns both pins of every encoder configured as inputs.
func openPins(bases []int) ([]gpio.PinIn, error) {
	var pins []gpio.PinIn
	seen := map[int]bool{}
	for _, b := range bases {
		for _, n := range []int{b, b + 1} {
			if seen[n] {
				continue
			}
			seen[n] = true
			p := gpioreg.ByName(fmt.Sprintf("GPIO%d", n))
			if p == nil {
				return nil, fmt.Errorf("no pin GPIO%d", n)
			}
			if err := p.In(gpio.Float, gpio.NoEdge); err != nil {
				return nil, fmt.Errorf("%s: %w", p, err)
			}
			pins = append(pins, p)
		}
	}
	return pins, nil
}
