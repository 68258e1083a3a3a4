package link

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"
)

var ErrUnknownKind = errors.New("link: unknown endpoint kind")

const (
	KindSerial = "serial"
	KindTTY    = "tty"

	DefaultBaud = 460800
)

// Open opens the endpoint described by cfg.
func Open(cfg Config) (io.ReadWriteCloser, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, ErrInvalidName
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", KindSerial:
		return OpenSerial(cfg.Path, cfg.Baud)
	case KindTTY:
		return OpenTTY(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// OpenSerial opens a UART at baud 8N1.
func OpenSerial(path string, baud int) (io.ReadWriteCloser, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("link: open serial %s: %w", path, err)
	}
	return port, nil
}
