package startup

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/barawn/software-pueo-turf/internal/testutil/testlog"
)

type fakeChannel struct {
	up     bool
	starts []Point
	count  uint32
}

func (c *fakeChannel) Up() bool                    { return c.up }
func (c *fakeChannel) Start(p Point) error         { c.starts = append(c.starts, p); return nil }
func (c *fakeChannel) Complete() bool              { return true }
func (c *fakeChannel) ErrorCount() (uint32, error) { return c.count, nil }

type fakeBank struct {
	chans []*fakeChannel
	setup []bool
}

func (b *fakeBank) EnableEyeScan() ([]bool, error) { return b.setup, nil }
func (b *fakeBank) Channels() []Channel {
	out := make([]Channel, len(b.chans))
	for i, c := range b.chans {
		out[i] = c
	}
	return out
}

type fakeDevice struct {
	idErr    error
	external *bool
	second   uint32
	gbe      *fakeBank
	aurora   *fakeBank
}

func (d *fakeDevice) Identify() (string, error) { return "2024.05.12 v0.4", d.idErr }
func (d *fakeDevice) SelectPPS(ext bool) error  { d.external = &ext; return nil }
func (d *fakeDevice) SetCurrentSecond(s uint32) error {
	d.second = s
	return nil
}
func (d *fakeDevice) GBE() Bank    { return d.gbe }
func (d *fakeDevice) Aurora() Bank { return d.aurora }

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		gbe: &fakeBank{
			chans: []*fakeChannel{{up: true, count: 7}, {up: false}},
			setup: []bool{true, true},
		},
		aurora: &fakeBank{},
	}
}

func TestSequenceWithoutGPSReachesEnd(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	s := NewSequencer(DefaultConfig(), dev)

	if !s.Tick() || s.State() != StateSelectPPS {
		t.Fatalf("begin should advance immediately, state=%d", s.State())
	}
	if s.Tick() || s.State() != StateEnd {
		t.Fatalf("select pps should end on next period, state=%d", s.State())
	}
	if dev.external == nil || *dev.external {
		t.Fatalf("internal pps should be selected")
	}
}

func TestEyeScanAccumulatesWithPadding(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	s := NewSequencer(DefaultConfig(), dev)
	s.Tick()
	s.Tick()

	if s.Results(ClassGBE) != nil {
		t.Fatalf("results before any scan should be nil")
	}
	// one tick to start, one per point
	for i := 0; i <= len(ScanSequence); i++ {
		s.Tick()
	}
	res := s.Results(ClassGBE)
	if len(res) != 2*RecordLen {
		t.Fatalf("unexpected result length %d", len(res))
	}
	if res[0] != DefaultPrescale || int(res[1]) != len(ScanSequence) {
		t.Fatalf("unexpected header %x", res[:4])
	}
	if binary.BigEndian.Uint16(res[4:]) != 7 {
		t.Fatalf("unexpected first count %x", res[4:6])
	}
	if !bytes.Equal(res[RecordLen:], padding()) {
		t.Fatalf("down channel should be padded")
	}
	if len(dev.gbe.chans[0].starts) != len(ScanSequence) {
		t.Fatalf("expected %d points started, got %d", len(ScanSequence), len(dev.gbe.chans[0].starts))
	}
	if s.Results(ClassAurora) != nil {
		t.Fatalf("empty bank should have no results")
	}
	if s.Results(5) != nil {
		t.Fatalf("unknown class should have no results")
	}
}

func TestSingleStepEndState(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.EndState = StateBegin
	s := NewSequencer(cfg, newFakeDevice())

	if s.Tick() || s.State() != StateBegin {
		t.Fatalf("end state begin must hold, state=%d", s.State())
	}
	s.SetEndState(StateSelectPPS)
	if !s.Tick() || s.State() != StateSelectPPS {
		t.Fatalf("expected one step, state=%d", s.State())
	}
	if s.Tick() || s.State() != StateSelectPPS {
		t.Fatalf("must hold at new end state, state=%d", s.State())
	}
}

func TestIdentifyFailure(t *testing.T) {
	testlog.Start(t)
	dev := newFakeDevice()
	dev.idErr = errors.New("id mismatch")
	s := NewSequencer(DefaultConfig(), dev)
	if s.Tick() || s.State() != StateFailure {
		t.Fatalf("expected failure state, got %d", s.State())
	}
}

func gpsListener(t *testing.T, payload []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pps.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if payload != nil {
			_, _ = conn.Write(payload)
		}
		time.Sleep(time.Second)
		_ = conn.Close()
	}()
	return path
}

func TestGPSSecondHandOff(t *testing.T) {
	testlog.Start(t)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 1_700_000_000)
	cfg := DefaultConfig()
	cfg.UseGPS = true
	cfg.GPSPath = gpsListener(t, b[:])
	cfg.GPSOffset = 18
	dev := newFakeDevice()
	s := NewSequencer(cfg, dev)

	for i := 0; i < 10 && s.State() != StateEnd; i++ {
		s.Tick()
	}
	if s.State() != StateEnd {
		t.Fatalf("did not reach end, state=%d", s.State())
	}
	if dev.second != 1_700_000_018 || s.GPSSecond() != 1_700_000_018 {
		t.Fatalf("unexpected second: dev=%d seq=%d", dev.second, s.GPSSecond())
	}
	if dev.external == nil || !*dev.external {
		t.Fatalf("external pps should be selected")
	}
}

func TestGPSTrialsExhausted(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.UseGPS = true
	cfg.GPSPath = gpsListener(t, nil)
	cfg.GPSTrials = 3
	cfg.GPSWaitTime = 10 * time.Millisecond
	s := NewSequencer(cfg, nil)

	for i := 0; i < 10 && s.State() != StateEnd; i++ {
		s.Tick()
	}
	if s.State() != StateEnd || s.GPSSecond() != -1 {
		t.Fatalf("expected end without second, state=%d second=%d", s.State(), s.GPSSecond())
	}
}

func TestGPSSocketMissingWaits(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.UseGPS = true
	cfg.GPSPath = filepath.Join(t.TempDir(), "absent.sock")
	s := NewSequencer(cfg, nil)
	s.Tick()
	s.Tick()
	if s.Tick() || s.State() != StateSetupGPS {
		t.Fatalf("should wait in setup, state=%d", s.State())
	}
}

func TestIdle(t *testing.T) {
	i := NewIdle()
	i.SetEndState(StateBegin)
	if i.State() != StateEnd || i.Results(ClassGBE) != nil || i.Tick() {
		t.Fatalf("idle should be inert")
	}
}
