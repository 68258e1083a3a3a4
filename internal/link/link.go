package link

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/barawn/software-pueo-turf/internal/observability"
	"github.com/barawn/software-pueo-turf/internal/protocol/frame"
	"github.com/rs/zerolog"
)

var (
	ErrOutboundFull = errors.New("link: outbound queue full")
	ErrStopped      = errors.New("link: stopped")
	ErrStopTimeout  = errors.New("link: stop timed out")
	ErrInvalidName  = errors.New("link: name required")
)

// Direction says which side of the router a link faces.
type Direction int

const (
	Upstream Direction = iota
	Downstream
)

func (d Direction) String() string {
	if d == Downstream {
		return "downstream"
	}
	return "upstream"
}

// ParseDirection accepts "upstream" or "downstream".
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "upstream", "up":
		return Upstream, nil
	case "downstream", "down":
		return Downstream, nil
	default:
		return Upstream, fmt.Errorf("link: unknown direction %q", raw)
	}
}

const (
	DefaultQueueDepth  = 64
	DefaultTurnaround  = 100 * time.Millisecond
	DefaultStopTimeout = 2 * time.Second
)

// Config describes one link. The zero value of NoLearn learns sources.
type Config struct {
	Name      string
	Direction Direction

	// Endpoint, used by Open.
	Kind string
	Path string
	Baud int

	QueueDepth  int
	Turnaround  time.Duration
	StopTimeout time.Duration

	KnownSources []byte
	NoLearn      bool
	Accept       []byte
}

func (c Config) WithDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.Turnaround <= 0 {
		c.Turnaround = DefaultTurnaround
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	return c
}

// Link is one endpoint. All methods are safe for concurrent use; Next is
// meant for the single reactor goroutine.
type Link struct {
	cfg    Config
	stream io.ReadWriteCloser
	log    zerolog.Logger

	inbound  chan frame.Frame
	outbound chan []byte
	response chan struct{}
	wake     chan<- *Link

	writeMu sync.Mutex

	mu      sync.Mutex
	totals  Totals
	sources sourceSet
	accept  *[256]bool

	errCh    chan error
	failOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	closeErr error
	wg       sync.WaitGroup
}

func New(cfg Config, stream io.ReadWriteCloser) *Link {
	cfg = cfg.WithDefaults()
	l := &Link{
		cfg:      cfg,
		stream:   stream,
		log:      observability.Component("link").With().Str("link", cfg.Name).Str("direction", cfg.Direction.String()).Logger(),
		inbound:  make(chan frame.Frame, cfg.QueueDepth),
		response: make(chan struct{}, 1),
		errCh:    make(chan error, 1),
		stop:     make(chan struct{}),
	}
	if cfg.Direction == Downstream {
		l.outbound = make(chan []byte, cfg.QueueDepth)
	}
	for _, src := range cfg.KnownSources {
		l.sources.add(src)
	}
	if len(cfg.Accept) > 0 {
		var acc [256]bool
		for _, d := range cfg.Accept {
			acc[d] = true
		}
		l.accept = &acc
	}
	return l
}

func (l *Link) Name() string         { return l.cfg.Name }
func (l *Link) Direction() Direction { return l.cfg.Direction }

// Err delivers at most one fatal stream error.
func (l *Link) Err() <-chan error { return l.errCh }

// Start launches the reader and, for downstream links, the turnaround
// writer. wake receives l after each queued frame; posts never block.
func (l *Link) Start(wake chan<- *Link) {
	l.wake = wake
	l.wg.Add(1)
	go l.readLoop()
	if l.cfg.Direction == Downstream {
		l.wg.Add(1)
		go l.writeLoop()
	}
	l.log.Info().Msg("link started")
}

// Next dequeues one inbound frame without blocking.
func (l *Link) Next() (frame.Frame, bool) {
	select {
	case f := <-l.inbound:
		return f, true
	default:
		return frame.Frame{}, false
	}
}

// Send transmits f. Upstream links write immediately; downstream links
// hand the encoded frame to the turnaround writer.
func (l *Link) Send(f frame.Frame) error {
	if l.stopped.Load() {
		return ErrStopped
	}
	pkt, err := frame.Encode(f)
	if err != nil {
		return err
	}
	if l.cfg.Direction == Downstream {
		select {
		case l.outbound <- pkt:
			return nil
		default:
			l.bump(&l.totals.Dropped, "dropped")
			l.log.Error().Str("frame", f.String()).Msg("outbound queue full, frame dropped")
			return ErrOutboundFull
		}
	}
	if err := l.write(pkt); err != nil {
		l.fail(err)
		return err
	}
	l.bump(&l.totals.Sent, "sent")
	return nil
}

// Stop closes the stream and waits up to StopTimeout for the goroutines.
func (l *Link) Stop() error {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		close(l.stop)
		l.closeErr = l.stream.Close()
	})
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.log.Info().Msg("link stopped")
		return l.closeErr
	case <-time.After(l.cfg.StopTimeout):
		l.log.Warn().Dur("timeout", l.cfg.StopTimeout).Msg("link stop timed out")
		return ErrStopTimeout
	}
}

func (l *Link) readLoop() {
	defer l.wg.Done()
	r := frame.NewReader(l.stream)
	for {
		pkt, err := r.Next()
		if err != nil {
			if errors.Is(err, frame.ErrOversize) {
				l.frameError(err, nil)
				continue
			}
			if !l.stopped.Load() {
				l.fail(fmt.Errorf("link %s: read: %w", l.cfg.Name, err))
			}
			return
		}
		l.handlePacket(pkt)
	}
}

func (l *Link) handlePacket(pkt []byte) {
	raw, err := frame.COBSDecode(pkt)
	if err != nil {
		l.frameError(err, pkt)
		return
	}
	// any decodable packet counts as the far end answering
	l.signalResponse()

	f, err := frame.Unmarshal(raw)
	if err != nil {
		l.frameError(err, raw)
		return
	}
	if !l.cfg.NoLearn {
		l.mu.Lock()
		added := l.sources.add(f.Source)
		l.mu.Unlock()
		if added {
			l.log.Debug().Uint8("source", f.Source).Msg("learned source")
		}
	}
	if l.accept != nil && !l.accept[f.Destination] {
		l.bump(&l.totals.Filtered, "filtered")
		return
	}
	select {
	case l.inbound <- f:
		l.bump(&l.totals.Received, "received")
	default:
		n := l.bump(&l.totals.Dropped, "dropped")
		l.log.Error().Uint64("dropped", n).Msg("inbound queue full, frame dropped")
		return
	}
	if l.wake != nil {
		select {
		case l.wake <- l:
		default:
		}
	}
}

func (l *Link) frameError(err error, pkt []byte) {
	n := l.bump(&l.totals.Errored, "")
	kind := frame.Kind(err)
	observability.RecordDecodeError(l.cfg.Name, kind.String())
	l.log.Error().Err(err).Uint64("errored", n).Hex("packet", pkt).Msg("bad packet")
}

func (l *Link) write(pkt []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.stream.Write(pkt); err != nil {
		return fmt.Errorf("link %s: write: %w", l.cfg.Name, err)
	}
	return nil
}

func (l *Link) fail(err error) {
	l.failOnce.Do(func() {
		l.log.Error().Err(err).Msg("link failed")
		l.errCh <- err
	})
}

func (l *Link) signalResponse() {
	select {
	case l.response <- struct{}{}:
	default:
	}
}

func (l *Link) clearResponse() {
	select {
	case <-l.response:
	default:
	}
}

// bump increments one counter and returns its new value. event labels the
// matching metric; empty skips it.
func (l *Link) bump(c *uint64, event string) uint64 {
	l.mu.Lock()
	*c++
	n := *c
	l.mu.Unlock()
	if event != "" {
		observability.RecordLinkFrame(l.cfg.Name, event)
	}
	return n
}
