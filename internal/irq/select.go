package irq

import (
	"errors"
	"fmt"

	"github.com/mseaver/pikernel/internal/dtb"
)

// ErrNoInterruptController is returned when the device tree names no node the kernel recognizes.
var ErrNoInterruptController = errors.New("irq: no recognized interrupt controller in device tree")

// Select picks a Controller implementation from the device tree's interrupt-controller nodes,
// matching each against a known "compatible" string (§4.H: "Two implementations select at boot
// based on the device-tree compatible string"). BCM2711 boards publish a GICv2 node; BCM2837
// boards publish the legacy controller instead.
func Select(tree *dtb.Tree) (Controller, error) {
	for _, n := range tree.InterruptControllers() {
		switch {
		case n.Compatible("arm,gic-400", "arm,cortex-a15-gic"):
			return NewGICv2(), nil
		case n.Compatible("brcm,bcm2836-armctrl-ic", "brcm,bcm2835-armctrl-ic", "brcm,bcm2836-l1-intc"):
			return NewBCM2837(), nil
		}
	}

	return nil, fmt.Errorf("%w", ErrNoInterruptController)
}
