// Package telemetry reads raw on-chip sensor values from Linux IIO sysfs.
package telemetry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrChannelCount = errors.New("telemetry: wrong channel count")

const DefaultDir = "/sys/bus/iio/devices/iio:device0"

// DefaultTemperatures and DefaultVoltages are channel file names relative
// to the device directory.
var (
	DefaultTemperatures = []string{"in_temp0_raw", "in_temp1_raw"}
	DefaultVoltages     = []string{
		"in_voltage0_raw", "in_voltage1_raw", "in_voltage2_raw",
		"in_voltage3_raw", "in_voltage4_raw", "in_voltage5_raw",
	}
)

// IIO implements hsk.Telemetry over sysfs raw channel files.
type IIO struct {
	temps [2]string
	volts [6]string
}

// New resolves channel names against dir. Absolute names are kept as is.
func New(dir string, temps, volts []string) (*IIO, error) {
	if len(temps) != 2 {
		return nil, fmt.Errorf("%w: temperatures=%d want 2", ErrChannelCount, len(temps))
	}
	if len(volts) != 6 {
		return nil, fmt.Errorf("%w: voltages=%d want 6", ErrChannelCount, len(volts))
	}
	t := &IIO{}
	for i, name := range temps {
		t.temps[i] = resolve(dir, name)
	}
	for i, name := range volts {
		t.volts[i] = resolve(dir, name)
	}
	return t, nil
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

func (t *IIO) RawTemperatures() ([2]uint16, error) {
	var out [2]uint16
	for i, p := range t.temps {
		v, err := readRaw(p)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func (t *IIO) RawVoltages() ([6]uint16, error) {
	var out [6]uint16
	for i, p := range t.volts {
		v, err := readRaw(p)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

// readRaw parses one raw channel, clamping to 16 bits.
func readRaw(path string) (uint16, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("telemetry: %w", err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telemetry: parse %s: %w", path, err)
	}
	switch {
	case v < 0:
		return 0, nil
	case v > 0xFFFF:
		return 0xFFFF, nil
	}
	return uint16(v), nil
}
