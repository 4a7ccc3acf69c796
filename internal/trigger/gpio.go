package trigger

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/pinio"
)

// DefaultPulse is how long the trigger line is held active
const DefaultPulse = 100 * time.Microsecond

// GPIOTrigger pulses a hardware trigger line: active level, hold, idle level.
type GPIOTrigger struct {
	mu     sync.Mutex
	pin    gpio.PinOut
	active gpio.Level
	pulse  time.Duration
}

// NewGPIOTrigger drives pin to its idle level and returns a trigger pulsing it
func NewGPIOTrigger(pin gpio.PinOut, activeHigh bool, pulse time.Duration) (*GPIOTrigger, error) {
	if pulse <= 0 {
		pulse = DefaultPulse
	}
	g := &GPIOTrigger{pin: pin, active: gpio.Level(activeHigh), pulse: pulse}
	if err := pin.Out(!g.active); err != nil {
		return nil, fmt.Errorf("set %s idle: %w", pin.Name(), err)
	}
	return g, nil
}

// OpenGPIOTrigger looks the line up by name in the periph registry
func OpenGPIOTrigger(name string, activeHigh bool, pulse time.Duration) (*GPIOTrigger, error) {
	p, err := pinio.Open(name)
	if err != nil {
		return nil, err
	}
	return NewGPIOTrigger(p, activeHigh, pulse)
}

func (g *GPIOTrigger) Fire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.pin.Out(g.active); err != nil {
		return fmt.Errorf("assert %s: %w", g.pin.Name(), err)
	}
	time.Sleep(g.pulse)
	if err := g.pin.Out(!g.active); err != nil {
		return fmt.Errorf("release %s: %w", g.pin.Name(), err)
	}
	return nil
}

// Close leaves the line idle
func (g *GPIOTrigger) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pin.Out(!g.active)
}

func (g *GPIOTrigger) String() string { return "gpio:" + g.pin.Name() }
