package startup

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/barawn/software-pueo-turf/internal/observability"
	"github.com/rs/zerolog"
)

// Startup states. Values are reported on the wire.
const (
	StateBegin     byte = 0
	StateSelectPPS byte = 1
	StateSetupGPS  byte = 2
	StateWaitGPS   byte = 3
	StateEnd       byte = 254
	StateFailure   byte = 255
)

// Eye-scan classes, matching the request byte of the results command.
const (
	ClassGBE    = 0
	ClassAurora = 1
)

// Device is the register surface bring-up drives.
type Device interface {
	// Identify checks the board ID and returns a version description.
	Identify() (string, error)
	// SelectPPS switches between the external (GPS) and internal PPS.
	SelectPPS(external bool) error
	SetCurrentSecond(sec uint32) error
	GBE() Bank
	Aurora() Bank
}

type Config struct {
	EndState    byte
	UseGPS      bool
	GPSPath     string
	GPSTrials   int
	GPSOffset   int
	GPSWaitTime time.Duration
}

func DefaultConfig() Config {
	return Config{
		EndState:    StateEnd,
		GPSPath:     "/tmp/turfpps",
		GPSTrials:   50,
		GPSWaitTime: 100 * time.Millisecond,
	}
}

// Sequencer runs bring-up one step per Tick. Tick returns true when the
// next step should run immediately rather than on the next period.
type Sequencer struct {
	cfg Config
	dev Device
	log zerolog.Logger

	state atomic.Uint32
	end   atomic.Uint32

	gbe    *Scan
	aurora *Scan

	gps       net.Conn
	gpsTrial  int
	gpsSecond atomic.Int64
}

// NewSequencer builds a sequencer. dev may be nil.
func NewSequencer(cfg Config, dev Device) *Sequencer {
	if cfg.GPSTrials <= 0 {
		cfg.GPSTrials = DefaultConfig().GPSTrials
	}
	if cfg.GPSWaitTime <= 0 {
		cfg.GPSWaitTime = DefaultConfig().GPSWaitTime
	}
	s := &Sequencer{
		cfg: cfg,
		dev: dev,
		log: observability.Component("startup"),
	}
	s.state.Store(uint32(StateBegin))
	s.end.Store(uint32(cfg.EndState))
	s.gpsSecond.Store(-1)
	if dev != nil {
		s.gbe = NewScan("GBE", dev.GBE(), s.log)
		s.aurora = NewScan("AUR", dev.Aurora(), s.log)
	}
	return s
}

func (s *Sequencer) State() byte { return byte(s.state.Load()) }

func (s *Sequencer) SetEndState(state byte) { s.end.Store(uint32(state)) }

// GPSSecond is the last second handed over by the GPS socket, or -1.
func (s *Sequencer) GPSSecond() int64 { return s.gpsSecond.Load() }

func (s *Sequencer) Results(class int) []byte {
	var sc *Scan
	switch class {
	case ClassGBE:
		sc = s.gbe
	case ClassAurora:
		sc = s.aurora
	}
	if sc == nil {
		return nil
	}
	return sc.Results()
}

func (s *Sequencer) set(state byte) {
	s.log.Debug().Uint8("from", s.State()).Uint8("to", state).Msg("startup state")
	s.state.Store(uint32(state))
}

func (s *Sequencer) fail(err error, what string) bool {
	s.log.Error().Err(err).Msg(what)
	s.set(StateFailure)
	return false
}

func (s *Sequencer) tickScans() {
	if s.gbe != nil {
		s.gbe.Tick()
	}
	if s.aurora != nil {
		s.aurora.Tick()
	}
}

func (s *Sequencer) Tick() bool {
	state := s.State()
	if state == byte(s.end.Load()) || state == StateFailure {
		// scanning needs the bring-up steps to have run at least once
		if state != StateBegin {
			s.tickScans()
		}
		return false
	}

	switch state {
	case StateBegin:
		if s.dev != nil {
			desc, err := s.dev.Identify()
			if err != nil {
				return s.fail(err, "failed identifying board")
			}
			s.log.Info().Str("version", desc).Msg("board identified")
			s.gbe.Initialize()
			s.aurora.Initialize()
		}
		s.set(StateSelectPPS)
		return true

	case StateSelectPPS:
		if s.dev != nil {
			if err := s.dev.SelectPPS(s.cfg.UseGPS); err != nil {
				return s.fail(err, "select pps")
			}
		}
		if s.cfg.UseGPS {
			s.set(StateSetupGPS)
			return true
		}
		s.set(StateEnd)
		return false

	case StateSetupGPS:
		s.gpsTrial = 0
		conn, err := net.Dial("unix", s.cfg.GPSPath)
		if err != nil {
			s.log.Warn().Err(err).Str("path", s.cfg.GPSPath).Msg("gps socket not available, waiting")
			return false
		}
		s.gps = conn
		s.set(StateWaitGPS)
		return true

	case StateWaitGPS:
		return s.waitGPS()

	case StateEnd:
		s.tickScans()
		return false
	}
	return false
}

func (s *Sequencer) waitGPS() bool {
	var buf [4]byte
	_ = s.gps.SetReadDeadline(time.Now().Add(s.cfg.GPSWaitTime))
	_, err := io.ReadFull(s.gps, buf[:])
	if err == nil {
		sec := int64(binary.LittleEndian.Uint32(buf[:])) + int64(s.cfg.GPSOffset)
		if s.dev != nil {
			if err := s.dev.SetCurrentSecond(uint32(sec)); err != nil {
				s.closeGPS()
				return s.fail(err, "set current second")
			}
		}
		s.gpsSecond.Store(sec)
		s.log.Warn().Int64("second", sec).Msg("current second set from gps")
		s.closeGPS()
		s.set(StateEnd)
		return false
	}

	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		s.log.Debug().Err(err).Msg("gps read")
	}
	s.gpsTrial++
	if s.gpsTrial >= s.cfg.GPSTrials {
		s.log.Error().Int("trials", s.gpsTrial).Msg("no gps second, continuing without it")
		s.closeGPS()
		s.set(StateEnd)
		return false
	}
	return true
}

func (s *Sequencer) closeGPS() {
	if s.gps != nil {
		_ = s.gps.Close()
		s.gps = nil
	}
}

// Close releases the GPS socket if one is open.
func (s *Sequencer) Close() error {
	s.closeGPS()
	return nil
}

// Idle stands in when no sequencing is configured. It always reports the
// end state and has no scan results.
type Idle struct{}

func NewIdle() *Idle { return &Idle{} }

func (*Idle) State() byte        { return StateEnd }
func (*Idle) SetEndState(byte)   {}
func (*Idle) Results(int) []byte { return nil }
func (*Idle) Tick() bool         { return false }
