// Package gpio drives room relays on GPIO output lines.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import "errors"

// ErrUnknownRoom is returned by Set for a room without a relay line.
var ErrUnknownRoom = errors.New("gpio: no relay for room")

// DefaultChip is the GPIO chip on a Raspberry Pi.
const DefaultChip = "gpiochip0"

// Writer switches relays on and off.
type Writer interface {
	// Set drives the relay of room. Rooms are canonical ids.
	Set(room string, on bool) error

	// Close releases GPIO resources, leaving every relay off.
	Close() error
}
