package telemetry

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func writeChannels(t *testing.T, dir string, names []string, vals []int) {
	t.Helper()
	for i, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte(strconv.Itoa(vals[i])+"\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
}

func TestReadsRawChannels(t *testing.T) {
	dir := t.TempDir()
	writeChannels(t, dir, DefaultTemperatures, []int{43210, 70000})
	writeChannels(t, dir, DefaultVoltages, []int{1, 2, 3, 4, 5, -7})

	iio, err := New(dir, DefaultTemperatures, DefaultVoltages)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	temps, err := iio.RawTemperatures()
	if err != nil {
		t.Fatalf("temps: %v", err)
	}
	if temps != [2]uint16{43210, 0xFFFF} {
		t.Fatalf("unexpected temps: %v", temps)
	}
	volts, err := iio.RawVoltages()
	if err != nil {
		t.Fatalf("volts: %v", err)
	}
	if volts != [6]uint16{1, 2, 3, 4, 5, 0} {
		t.Fatalf("unexpected volts: %v", volts)
	}
}

func TestMissingChannelIsError(t *testing.T) {
	iio, err := New(t.TempDir(), DefaultTemperatures, DefaultVoltages)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := iio.RawTemperatures(); err == nil {
		t.Fatalf("expected read error")
	}
}

func TestChannelCountChecked(t *testing.T) {
	if _, err := New("", []string{"a"}, DefaultVoltages); !errors.Is(err, ErrChannelCount) {
		t.Fatalf("expected ErrChannelCount, got %v", err)
	}
}
