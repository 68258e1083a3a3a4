package router

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/barawn/software-pueo-turf/internal/link"
	"github.com/barawn/software-pueo-turf/internal/protocol/frame"
)

// peer is the far end of a piped link.
type peer struct {
	conn   net.Conn
	frames chan frame.Frame
}

func newPeer(conn net.Conn) *peer {
	p := &peer{conn: conn, frames: make(chan frame.Frame, 64)}
	go func() {
		r := frame.NewReader(conn)
		for {
			pkt, err := r.Next()
			if err != nil {
				return
			}
			f, err := frame.Decode(pkt)
			if err != nil {
				continue
			}
			p.frames <- f
		}
	}()
	return p
}

func (p *peer) send(t *testing.T, f frame.Frame) {
	t.Helper()
	enc, err := frame.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := p.conn.Write(enc); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

func (p *peer) expect(t *testing.T) frame.Frame {
	t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(time.Second):
		t.Fatalf("no frame arrived")
		return frame.Frame{}
	}
}

func (p *peer) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case f := <-p.frames:
		t.Fatalf("unexpected frame: %v", f)
	case <-time.After(wait):
	}
}

func pipeLink(name string, dir link.Direction) (*link.Link, *peer) {
	a, b := net.Pipe()
	l := link.New(link.Config{Name: name, Direction: dir, Turnaround: 20 * time.Millisecond}, a)
	return l, newPeer(b)
}

// harness runs a router over piped links until the test ends.
type harness struct {
	router *Router
	peers  map[string]*peer
	cancel context.CancelFunc
	done   chan error
}

func startHarness(t *testing.T, d Dispatcher, up, down []string, tasks ...Task) *harness {
	t.Helper()
	h := &harness{peers: map[string]*peer{}, done: make(chan error, 1)}
	var links []*link.Link
	for _, n := range up {
		l, p := pipeLink(n, link.Upstream)
		links = append(links, l)
		h.peers[n] = p
	}
	for _, n := range down {
		l, p := pipeLink(n, link.Downstream)
		links = append(links, l)
		h.peers[n] = p
	}
	h.router = New(Config{Tick: 10 * time.Millisecond}, d, links, tasks...)
	h.router.Start()

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.router.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		for _, l := range links {
			_ = l.Stop()
		}
		for _, p := range h.peers {
			_ = p.conn.Close()
		}
	})
	return h
}

func (h *harness) link(name string) *link.Link {
	for _, l := range h.router.Links() {
		if l.Name() == name {
			return l
		}
	}
	return nil
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("router did not return")
		return errors.New("unreachable")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
