package trigger

import (
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
)

// DefaultSerialCommand is written once per exposure when no command is configured
var DefaultSerialCommand = []byte("T\n")

// SerialTrigger asks a strobe controller on a serial line to expose by writing a command.
type SerialTrigger struct {
	mu   sync.Mutex
	port io.WriteCloser
	cmd  []byte
	name string
}

// NewSerialTrigger wraps an open port
func NewSerialTrigger(port io.WriteCloser, name string, cmd []byte) *SerialTrigger {
	if len(cmd) == 0 {
		cmd = DefaultSerialCommand
	}
	return &SerialTrigger{port: port, cmd: append([]byte(nil), cmd...), name: name}
}

// OpenSerialTrigger opens portName at baud 8N1
func OpenSerialTrigger(portName string, baud int, cmd []byte) (*SerialTrigger, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", portName, err)
	}
	return NewSerialTrigger(port, portName, cmd), nil
}

func (s *SerialTrigger) Fire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.port.Write(s.cmd)
	if err != nil {
		return fmt.Errorf("write %s: %w", s.name, err)
	}
	if n != len(s.cmd) {
		return fmt.Errorf("write %s: short write %d/%d", s.name, n, len(s.cmd))
	}
	return nil
}

func (s *SerialTrigger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

func (s *SerialTrigger) String() string { return "serial:" + s.name }
