package rig

import (
	"math"
	"math/rand"
	"sync"
)

// SimHardware synthesizes a drifting, wavy surface so the dispatcher can run
// without a physical microscope. The ADC reading depends on the current X/Y
// actuator position, which makes simulated topographies spatially coherent
// across rows.
type SimHardware struct {
	mu    sync.Mutex
	x     uint16
	y     uint16
	bias  uint16
	phase float64
	rand  *rand.Rand
}

func NewSimHardware(seed int64) *SimHardware {
	return &SimHardware{rand: rand.New(rand.NewSource(seed))}
}

func (s *SimHardware) SetDAC(channel int, code uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch channel {
	case ChannelX:
		s.x = code
	case ChannelY:
		s.y = code
	case ChannelBias:
		s.bias = code
	}
	return nil
}

func (s *SimHardware) ReadADC() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	xf := float64(s.x) / 65535.0
	yf := float64(s.y) / 65535.0

	base := 2.0 * math.Sin(2*math.Pi*(3*xf+2*yf)+0.4*s.phase)
	drift := 0.4 * math.Sin(6*yf+0.1*s.phase)
	noise := s.rand.NormFloat64() * 0.25
	height := base + drift + noise

	s.phase += 0.0005

	code := height*4096.0 + 32768.0
	if code < 0 {
		code = 0
	}
	if code > 65535 {
		code = 65535
	}
	return uint16(code), nil
}

// SimMotor discards stepper pulses, tracking only the last direction. Good
// enough for exercising the STEP surface without moving anything.
type SimMotor struct {
	mu sync.Mutex
	up bool
}

func (m *SimMotor) SetDirection(up bool) error {
	m.mu.Lock()
	m.up = up
	m.mu.Unlock()
	return nil
}

func (m *SimMotor) Pulse() error { return nil }
