// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ntp

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Steppable adjusts the local clock by a measured offset. Production
// code injects the adjtimex implementation; tests substitute a fake.
type Steppable interface {
	// Step corrects the clock by offset. Positive offsets move the
	// clock forward.
	Step(offset time.Duration) error
}

// kernelStepper corrects the clock through adjtimex as a single-shot
// offset, the mechanism behind the classic adjtime call: the kernel
// slews gradually instead of jumping.
type kernelStepper struct{}

// NewKernelStepper returns the adjtimex-backed Steppable. Step needs
// CAP_SYS_TIME to succeed.
func NewKernelStepper() Steppable { return kernelStepper{} }

func (kernelStepper) Step(offset time.Duration) error {
	tx := unix.Timex{
		Modes:  unix.ADJ_OFFSET_SINGLESHOT,
		Offset: int64(offset / time.Microsecond),
	}
	if _, err := unix.Adjtimex(&tx); err != nil {
		return fmt.Errorf("ntp: adjtimex: %w", err)
	}
	return nil
}
