package vsync

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/logger"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/pinio"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/internal/timing"
	"github.com/dj-oyu/jetson-strobe-camera/strobe-scheduler/pkg/types"
)

// GPIOSource timestamps edges on a hardware vsync line (display controller or FPGA output)
type GPIOSource struct {
	emitter
	pin     gpio.PinIn
	edge    gpio.Edge
	timeout time.Duration
	clock   timing.Clock
}

// NewGPIOSource watches pin for edge. timeout bounds each wait so cancellation is noticed;
// a wait that times out is logged as a missing vsync.
func NewGPIOSource(pin gpio.PinIn, edge gpio.Edge, timeout time.Duration, clk timing.Clock) *GPIOSource {
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	if clk == nil {
		clk = timing.System()
	}
	return &GPIOSource{pin: pin, edge: edge, timeout: timeout, clock: clk}
}

// OpenGPIOSource looks the line up in the periph registry
func OpenGPIOSource(name string, rising bool, timeout time.Duration) (*GPIOSource, error) {
	p, err := pinio.Open(name)
	if err != nil {
		return nil, err
	}
	edge := gpio.FallingEdge
	if rising {
		edge = gpio.RisingEdge
	}
	return NewGPIOSource(p, edge, timeout, nil), nil
}

func (s *GPIOSource) Name() string { return "gpio:" + s.pin.Name() }

func (s *GPIOSource) Run(ctx context.Context, ticks chan<- types.Tick) error {
	if err := s.pin.In(gpio.PullNoChange, s.edge); err != nil {
		return fmt.Errorf("arm %s for edge %v: %w", s.pin.Name(), s.edge, err)
	}
	defer func() {
		if err := s.pin.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
			logger.Warn("VSync", "Disarm %s: %v", s.pin.Name(), err)
		}
	}()

	silent := logger.NewEvery(5 * time.Second)
	for ctx.Err() == nil {
		if !s.pin.WaitForEdge(s.timeout) {
			silent.Warn("VSync", "No edge on %s for %v", s.pin.Name(), s.timeout)
			continue
		}
		s.emit(ticks, s.clock.Now())
	}
	return nil
}
