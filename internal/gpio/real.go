//go:build linux

package gpio

import (
	"fmt"
	"sort"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"github.com/sweeney/heating-controller/internal/schedule"
)

// RealWriter drives relays on actual hardware using the Linux GPIO character device.
type RealWriter struct {
	mu    sync.Mutex
	chip  *gpiocdev.Chip
	lines map[string]*gpiocdev.Line
}

var _ Writer = (*RealWriter)(nil)

// NewRealWriter requests one output line per room on chip. pins maps room
// names to BCM offsets. With activeLow a relay is energised by driving the
// line low, which is how most opto-isolated relay boards are wired.
func NewRealWriter(chip string, pins map[string]int, activeLow bool) (*RealWriter, error) {
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	w := &RealWriter{chip: c, lines: make(map[string]*gpiocdev.Line, len(pins))}

	rooms := make([]string, 0, len(pins))
	for room := range pins {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	for _, room := range rooms {
		opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
		if activeLow {
			opts = append(opts, gpiocdev.AsActiveLow)
		}
		line, err := c.RequestLine(pins[room], opts...)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("request pin %d for %s: %w", pins[room], room, err)
		}
		w.lines[schedule.CanonicalRoom(room)] = line
	}
	return w, nil
}

// Set drives the relay of room.
func (w *RealWriter) Set(room string, on bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, ok := w.lines[schedule.CanonicalRoom(room)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	v := 0
	if on {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set %s: %w", room, err)
	}
	return nil
}

// Close switches every relay off, then reconfigures the lines to input with
// pull-down (matching Pi boot defaults) before releasing them.
func (w *RealWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for room, line := range w.lines {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("switch off %s: %w", room, err))
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s: %w", room, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", room, err))
		}
	}
	w.lines = nil
	if w.chip != nil {
		if err := w.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		w.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
