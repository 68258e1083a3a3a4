package startup

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Point is one eye-scan sample position.
type Point struct {
	Horz     float64
	Vert     int
	Prescale int
}

// Channel is one transceiver's eye scanner.
type Channel interface {
	Up() bool
	Start(p Point) error
	Complete() bool
	// ErrorCount is the error count of the last completed point.
	ErrorCount() (uint32, error)
}

// Bank is a set of transceiver channels sharing scan setup.
type Bank interface {
	// EnableEyeScan prepares scanning and reports per-channel success.
	EnableEyeScan() ([]bool, error)
	Channels() []Channel
}

const DefaultPrescale = 9

var (
	scanVerts = []int{96, 48, 0, -48, -96}
	scanHorzs = []float64{-0.375, -0.1875, 0, 0.1875, 0.375}
)

// ScanSequence is the fixed 5x5 grid visited per channel.
var ScanSequence = func() []Point {
	seq := make([]Point, 0, len(scanVerts)*len(scanHorzs))
	for _, v := range scanVerts {
		for _, h := range scanHorzs {
			seq = append(seq, Point{Horz: h, Vert: v, Prescale: DefaultPrescale})
		}
	}
	return seq
}()

// RecordLen is the per-channel result size: a 4-byte header and one
// big-endian uint16 error count per point.
var RecordLen = 4 + 2*len(ScanSequence)

var errScanOverflow = errors.New("startup: eye scan count overflow")

// padding stands in for a channel that was down or gave garbage.
func padding() []byte {
	p := make([]byte, RecordLen)
	copy(p, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	return p
}

func compress(prescale int, counts []uint32) ([]byte, error) {
	out := make([]byte, 4, RecordLen)
	out[0] = byte(prescale)
	out[1] = byte(len(counts))
	for _, c := range counts {
		if c > 0xFFFF {
			return nil, errScanOverflow
		}
		out = binary.BigEndian.AppendUint16(out, uint16(c))
	}
	return out, nil
}

// Scan walks every channel of a bank one point per tick, then publishes
// the concatenated records as one result set.
type Scan struct {
	name string
	bank Bank
	log  zerolog.Logger

	setup   []bool
	ch      int // -1 between scans
	pt      int
	counts  []uint32
	working []byte

	mu      sync.Mutex
	current []byte
}

func NewScan(name string, bank Bank, log zerolog.Logger) *Scan {
	return &Scan{
		name: name,
		bank: bank,
		log:  log.With().Str("scan", name).Logger(),
		ch:   -1,
	}
}

// Results returns the last complete result set, nil before the first.
func (s *Scan) Results() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Scan) Initialize() {
	setup, err := s.bank.EnableEyeScan()
	if err != nil {
		s.log.Error().Err(err).Msg("enable eye scan")
	}
	s.setup = setup
	s.ch = -1
}

// nextChannel advances to the next scannable channel, returning padding
// for each channel skipped. s.ch is -1 when none remain.
func (s *Scan) nextChannel() []byte {
	var pad []byte
	chans := s.bank.Channels()
	ch := s.ch + 1
	for ; ch < len(chans); ch++ {
		up := chans[ch].Up()
		ready := ch < len(s.setup) && s.setup[ch]
		if up && ready {
			break
		}
		if !up {
			s.log.Debug().Int("channel", ch).Msg("skipping channel, not up")
		} else {
			s.log.Info().Int("channel", ch).Msg("channel up but was not set up, skipping")
		}
		pad = append(pad, padding()...)
	}
	if ch >= len(chans) {
		s.ch = -1
	} else {
		s.ch = ch
	}
	return pad
}

func (s *Scan) finish() {
	s.mu.Lock()
	s.current = s.working
	s.mu.Unlock()
	s.working = nil
	s.ch = -1
	s.pt = 0
}

func (s *Scan) start() {
	p := ScanSequence[s.pt]
	if err := s.bank.Channels()[s.ch].Start(p); err != nil {
		s.log.Error().Err(err).Int("channel", s.ch).Msg("start eye scan point")
	}
}

// Tick advances the scan by at most one point.
func (s *Scan) Tick() {
	if s.ch < 0 {
		s.log.Debug().Msg("beginning a new scan")
		s.working = s.nextChannel()
		if s.ch < 0 {
			s.finish()
			return
		}
		s.pt = 0
		s.counts = s.counts[:0]
		s.start()
		return
	}

	c := s.bank.Channels()[s.ch]
	if !c.Complete() {
		return
	}
	n, err := c.ErrorCount()
	if err != nil {
		s.log.Error().Err(err).Int("channel", s.ch).Msg("read eye scan point")
	}
	s.counts = append(s.counts, n)
	s.pt++
	if s.pt >= len(ScanSequence) {
		rec, err := compress(DefaultPrescale, s.counts)
		if err != nil {
			s.log.Error().Err(err).Int("channel", s.ch).Msg("garbage eye scan results, discarding")
			rec = padding()
		}
		s.working = append(s.working, rec...)
		s.working = append(s.working, s.nextChannel()...)
		if s.ch < 0 {
			s.log.Info().Int("bytes", len(s.working)).Msg("scan complete")
			s.finish()
			return
		}
		s.pt = 0
		s.counts = s.counts[:0]
	}
	s.start()
}
