package link

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/barawn/software-pueo-turf/internal/protocol/frame"
	"github.com/barawn/software-pueo-turf/internal/testutil/testlog"
)

func pipeLink(t *testing.T, cfg Config) (*Link, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	l := New(cfg, a)
	t.Cleanup(func() {
		_ = l.Stop()
		_ = b.Close()
	})
	return l, b
}

func writeFrame(t *testing.T, conn net.Conn, f frame.Frame) {
	t.Helper()
	pkt, err := frame.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	writeRaw(t, conn, pkt)
}

func writeRaw(t *testing.T, conn net.Conn, pkt []byte) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write(pkt); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitWake(t *testing.T, wake <-chan *Link, want *Link) {
	t.Helper()
	select {
	case got := <-wake:
		if got != want {
			t.Fatalf("wake from wrong link: %s", got.Name())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no wakeup")
	}
}

func TestReaderQueuesLearnsAndWakes(t *testing.T) {
	testlog.Start(t)
	l, peer := pipeLink(t, Config{Name: "up0", Direction: Upstream})
	wake := make(chan *Link, 4)
	l.Start(wake)

	writeFrame(t, peer, frame.Frame{Source: 0x40, Destination: 0x60, Command: 0, Payload: []byte{7}})
	waitWake(t, wake, l)

	f, ok := l.Next()
	if !ok {
		t.Fatalf("expected queued frame")
	}
	if f.Source != 0x40 || f.Destination != 0x60 || len(f.Payload) != 1 {
		t.Fatalf("unexpected frame: %v", f)
	}
	if _, ok := l.Next(); ok {
		t.Fatalf("queue should be empty")
	}
	if !l.HasSource(0x40) {
		t.Fatalf("source 0x40 not learned")
	}
	if st := l.Statistics(); st.Received != 1 || st.Errored != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	testlog.Logf("link/reader: frame queued, source learned")
}

func TestSourceZeroNeverLearned(t *testing.T) {
	testlog.Start(t)
	l, peer := pipeLink(t, Config{Name: "down0", Direction: Downstream, KnownSources: []byte{0}})
	wake := make(chan *Link, 4)
	l.Start(wake)

	writeFrame(t, peer, frame.Frame{Source: 0x00, Destination: 0x60, Command: 0})
	waitWake(t, wake, l)

	if l.HasSource(0) || len(l.Sources()) != 0 {
		t.Fatalf("address 0 must never be learned: %v", l.Sources())
	}
}

func TestBadPacketsCountErroredAndContinue(t *testing.T) {
	testlog.Start(t)
	l, peer := pipeLink(t, Config{Name: "up0", Direction: Upstream})
	wake := make(chan *Link, 4)
	l.Start(wake)

	raw, _ := frame.Marshal(frame.Frame{Source: 0x41, Destination: 0x60, Payload: []byte{1, 2}})
	raw[len(raw)-1]++
	writeRaw(t, peer, append(frame.COBSEncode(raw), frame.Delimiter))
	writeRaw(t, peer, []byte{0x05, 0x01, frame.Delimiter})
	writeFrame(t, peer, frame.Frame{Source: 0x42, Destination: 0x60})
	waitWake(t, wake, l)

	st := l.Statistics()
	if st.Errored != 2 || st.Received != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if l.HasSource(0x41) {
		t.Fatalf("source from invalid frame must not be learned")
	}
	if !l.HasSource(0x42) {
		t.Fatalf("valid source not learned")
	}
}

func TestInboundQueueFullDrops(t *testing.T) {
	testlog.Start(t)
	l, peer := pipeLink(t, Config{Name: "up0", Direction: Upstream, QueueDepth: 1})
	l.Start(make(chan *Link, 1))

	writeFrame(t, peer, frame.Frame{Source: 0x40, Destination: 0x61, Command: 1})
	writeFrame(t, peer, frame.Frame{Source: 0x40, Destination: 0x61, Command: 2})
	waitFor(t, "dropped counter", func() bool { return l.Statistics().Dropped == 1 })

	f, ok := l.Next()
	if !ok || f.Command != 1 {
		t.Fatalf("first frame should survive, got %v ok=%v", f, ok)
	}
	if st := l.Statistics(); st.Received != 1 {
		t.Fatalf("dropped frame must not count as received: %+v", st)
	}
}

func TestAcceptFilter(t *testing.T) {
	testlog.Start(t)
	l, peer := pipeLink(t, Config{Name: "up0", Direction: Upstream, Accept: []byte{0x60}})
	wake := make(chan *Link, 4)
	l.Start(wake)

	writeFrame(t, peer, frame.Frame{Source: 0x40, Destination: 0x61})
	writeFrame(t, peer, frame.Frame{Source: 0x40, Destination: 0x60})
	waitWake(t, wake, l)

	f, ok := l.Next()
	if !ok || f.Destination != 0x60 {
		t.Fatalf("expected accepted frame, got %v ok=%v", f, ok)
	}
	if st := l.Statistics(); st.Filtered != 1 || st.Received != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestKnownSourcesWithoutLearning(t *testing.T) {
	testlog.Start(t)
	l, peer := pipeLink(t, Config{Name: "turf", Direction: Upstream, KnownSources: []byte{0x40}, NoLearn: true})
	wake := make(chan *Link, 4)
	l.Start(wake)

	writeFrame(t, peer, frame.Frame{Source: 0x41, Destination: 0x60})
	waitWake(t, wake, l)

	src := l.Sources()
	if len(src) != 1 || src[0] != 0x40 {
		t.Fatalf("unexpected sources: %v", src)
	}
}

func TestStatisticsWrapAt256(t *testing.T) {
	testlog.Start(t)
	l := New(Config{Name: "up0"}, nopStream{})
	l.totals = Totals{Received: 300, Sent: 256, Errored: 511, Dropped: 1, Filtered: 1024}

	st := l.Statistics()
	if st.Received != 44 || st.Sent != 0 || st.Errored != 255 || st.Dropped != 1 || st.Filtered != 0 {
		t.Fatalf("unexpected wrapped stats: %+v", st)
	}
	if l.Totals().Received != 300 {
		t.Fatalf("totals must keep raw counts")
	}
}

func TestUpstreamSendWritesImmediately(t *testing.T) {
	testlog.Start(t)
	l, peer := pipeLink(t, Config{Name: "up0", Direction: Upstream})
	l.Start(make(chan *Link, 1))

	got := make(chan frame.Frame, 1)
	go func() {
		pkt, err := frame.NewReader(peer).Next()
		if err != nil {
			return
		}
		f, err := frame.Decode(pkt)
		if err == nil {
			got <- f
		}
	}()

	if err := l.Send(frame.Frame{Source: 0x60, Destination: 0x40, Command: 15, Payload: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case f := <-got:
		if f.Command != 15 || len(f.Payload) != 4 {
			t.Fatalf("unexpected frame: %v", f)
		}
	case <-time.After(time.Second):
		t.Fatalf("frame not written")
	}
	if l.Statistics().Sent != 1 {
		t.Fatalf("sent counter not bumped")
	}
}

func TestStreamErrorIsFatal(t *testing.T) {
	testlog.Start(t)
	l, peer := pipeLink(t, Config{Name: "up0", Direction: Upstream})
	l.Start(make(chan *Link, 1))

	_ = peer.Close()
	select {
	case err := <-l.Err():
		if err == nil {
			t.Fatalf("expected error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream failure not reported")
	}
}

func TestSendAfterStop(t *testing.T) {
	testlog.Start(t)
	l, _ := pipeLink(t, Config{Name: "up0", Direction: Upstream})
	l.Start(make(chan *Link, 1))
	if err := l.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := l.Send(frame.Frame{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	select {
	case err := <-l.Err():
		t.Fatalf("orderly stop must not report failure: %v", err)
	default:
	}
}

func TestParseDirection(t *testing.T) {
	if d, err := ParseDirection("Downstream"); err != nil || d != Downstream {
		t.Fatalf("unexpected: %v %v", d, err)
	}
	if _, err := ParseDirection("sideways"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOpenUnknownKind(t *testing.T) {
	if _, err := Open(Config{Name: "x", Kind: "carrier-pigeon"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Open(Config{Kind: KindSerial}); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

type nopStream struct{}

func (nopStream) Read([]byte) (int, error)    { select {} }
func (nopStream) Write(p []byte) (int, error) { return len(p), nil }
func (nopStream) Close() error                { return nil }
