// Package i2c talks to devices on Linux /dev/i2c-N character devices.
package i2c

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for transfers on a closed bus.
var ErrClosed = errors.New("i2c: bus closed")

// BusPath returns the character device path for bus number n.
func BusPath(n int) string {
	return fmt.Sprintf("/dev/i2c-%d", n)
}

func validAddr(addr uint16) error {
	if addr == 0 || addr > 0x7F {
		return fmt.Errorf("i2c: invalid addr 0x%X", addr)
	}
	return nil
}
