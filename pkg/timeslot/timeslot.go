package timeslot

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Slotter buckets wall-clock time into fixed windows so that independent nodes
// derive the same discovery key without talking to each other.
type Slotter struct {
	clock  clock.Clock
	window int64
}

type SlotterOption func(s *Slotter)

// WithClock replaces the wall clock, mostly useful with clock.NewMock in tests.
func WithClock(c clock.Clock) SlotterOption {
	return func(s *Slotter) {
		s.clock = c
	}
}

func NewSlotter(window time.Duration, opts ...SlotterOption) (*Slotter, error) {
	if window < time.Millisecond {
		return nil, fmt.Errorf("time slot window must be at least 1ms but got %s", window)
	}
	s := &Slotter{
		clock:  clock.New(),
		window: window.Milliseconds(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s, nil
}

// Window returns the configured slot width.
func (s *Slotter) Window() time.Duration {
	return time.Duration(s.window) * time.Millisecond
}

// Slot returns the start of the window offset windows away from the current
// one, in milliseconds since the Unix epoch. Offset 0 is the current window,
// -1 the previous one.
func (s *Slotter) Slot(offset int) int64 {
	now := s.clock.Now().UnixMilli()
	return now - (now % s.window) + int64(offset)*s.window
}

// Key composes the discovery key for value in the slot at offset.
func (s *Slotter) Key(value string, offset int) string {
	return fmt.Sprintf("%s-%d", value, s.Slot(offset))
}
