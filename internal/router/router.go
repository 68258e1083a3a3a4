package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/barawn/software-pueo-turf/internal/hsk"
	"github.com/barawn/software-pueo-turf/internal/link"
	"github.com/barawn/software-pueo-turf/internal/observability"
	"github.com/barawn/software-pueo-turf/internal/protocol/frame"
	"github.com/rs/zerolog"
)

var (
	ErrLinkFailed = errors.New("router: link failed")
	ErrTaskFault  = errors.New("router: task fault")
	ErrNoLinks    = errors.New("router: no links")
)

const DefaultTick = time.Second

// Task is periodic work run on the reactor. Tick returns true to be run
// again immediately instead of waiting for the next period.
type Task interface {
	Tick() bool
}

// Dispatcher handles frames addressed to the router.
type Dispatcher interface {
	Identity() byte
	Dispatch(ctx context.Context, req hsk.Request) (*frame.Frame, error)
}

type Config struct {
	Tick time.Duration
}

// Router moves frames between links. Cycle and Run must be called from one
// goroutine; Terminate and Status are safe from any.
type Router struct {
	cfg      Config
	dispatch Dispatcher
	identity byte
	up       []*link.Link
	down     []*link.Link
	tasks    []Task
	rerun    []bool
	log      zerolog.Logger

	wake      chan *link.Link
	immediate chan struct{}

	terminate     atomic.Bool
	running       atomic.Bool
	upstreamDrops atomic.Uint64
}

// New sorts links by direction. Links must not be started yet; Run starts
// them on the router's wake channel.
func New(cfg Config, d Dispatcher, links []*link.Link, tasks ...Task) *Router {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	r := &Router{
		cfg:       cfg,
		dispatch:  d,
		identity:  d.Identity(),
		tasks:     tasks,
		rerun:     make([]bool, len(tasks)),
		log:       observability.Component("router"),
		wake:      make(chan *link.Link, len(links)+1),
		immediate: make(chan struct{}, 1),
	}
	for _, l := range links {
		if l.Direction() == link.Downstream {
			r.down = append(r.down, l)
		} else {
			r.up = append(r.up, l)
		}
	}
	return r
}

// Links returns upstream links followed by downstream links.
func (r *Router) Links() []*link.Link {
	out := make([]*link.Link, 0, len(r.up)+len(r.down))
	out = append(out, r.up...)
	return append(out, r.down...)
}

// Terminate asks Run to return after the current cycle.
func (r *Router) Terminate() { r.terminate.Store(true) }

func (r *Router) Terminating() bool { return r.terminate.Load() }

func (r *Router) Running() bool { return r.running.Load() }

// UpstreamDrops counts frames from downstream with no upstream route.
func (r *Router) UpstreamDrops() uint64 { return r.upstreamDrops.Load() }

// Start launches every link's goroutines on the router's wake channel.
func (r *Router) Start() {
	for _, l := range r.Links() {
		l.Start(r.wake)
	}
}

// Run is the reactor. It returns nil on ctx cancellation or Terminate, and
// an error for a link failure or a handler/task fault.
func (r *Router) Run(ctx context.Context) error {
	if len(r.up)+len(r.down) == 0 {
		return ErrNoLinks
	}
	linkErrs := r.watchLinks(ctx)
	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	r.running.Store(true)
	defer r.running.Store(false)
	r.log.Info().Uint8("identity", r.identity).Int("upstream", len(r.up)).Int("downstream", len(r.down)).Int("tasks", len(r.tasks)).Msg("router running")

	// first tick right away so startup does not wait a full period
	if err := r.runTasks(true); err != nil {
		return err
	}
	for !r.terminate.Load() {
		var err error
		select {
		case <-ctx.Done():
			r.log.Info().Msg("router stopping on context")
			return nil
		case <-r.wake:
			err = r.Cycle(ctx)
		case <-ticker.C:
			err = r.runTasks(true)
		case <-r.immediate:
			err = r.runTasks(false)
		case lerr := <-linkErrs:
			r.terminate.Store(true)
			return fmt.Errorf("%w: %w", ErrLinkFailed, lerr)
		}
		if err != nil {
			r.terminate.Store(true)
			return err
		}
	}
	r.log.Info().Msg("router terminating")
	return nil
}

// watchLinks fans every link's fatal error into one channel.
func (r *Router) watchLinks(ctx context.Context) <-chan error {
	links := r.Links()
	out := make(chan error, len(links))
	for _, l := range links {
		go func(l *link.Link) {
			select {
			case err := <-l.Err():
				out <- err
			case <-ctx.Done():
			}
		}(l)
	}
	return out
}

// Cycle drains upstream links (local dispatch or pending downstream),
// delivers the pending frames downstream, then drains downstream links
// toward upstream.
func (r *Router) Cycle(ctx context.Context) error {
	var pending []frame.Frame
	for _, l := range r.up {
		for {
			f, ok := l.Next()
			if !ok {
				break
			}
			r.log.Debug().Str("link", l.Name()).Str("frame", f.String()).Msg("upstream frame")
			if f.Destination == r.identity {
				if err := r.local(ctx, l, f); err != nil {
					return err
				}
				continue
			}
			pending = append(pending, f)
		}
	}

	for _, f := range pending {
		r.deliverDownstream(f)
	}

	for _, l := range r.down {
		for {
			f, ok := l.Next()
			if !ok {
				break
			}
			r.log.Debug().Str("link", l.Name()).Str("frame", f.String()).Msg("downstream frame")
			r.deliverUpstream(f)
		}
	}
	return nil
}

// local dispatches f and sends any reply back out the link it came in on.
func (r *Router) local(ctx context.Context, from *link.Link, f frame.Frame) error {
	observability.RecordRoute(observability.RouteLocal)
	reply, err := r.dispatch.Dispatch(ctx, hsk.Request{Frame: f, Origin: from})
	if err != nil {
		r.log.Error().Err(err).Str("link", from.Name()).Str("frame", f.String()).Msg("local handler fault")
		return err
	}
	if reply != nil {
		r.send(from, *reply)
	}
	return nil
}

func (r *Router) deliverDownstream(f frame.Frame) {
	matched := false
	for _, l := range r.down {
		if l.HasSource(f.Destination) {
			r.send(l, f)
			matched = true
		}
	}
	if matched {
		observability.RecordRoute(observability.RouteDownstreamLearned)
		return
	}
	observability.RecordRoute(observability.RouteDownstreamBroadcast)
	for _, l := range r.down {
		r.send(l, f)
	}
}

func (r *Router) deliverUpstream(f frame.Frame) {
	matched := false
	for _, l := range r.up {
		if l.HasSource(f.Destination) {
			r.send(l, f)
			matched = true
		}
	}
	if matched {
		observability.RecordRoute(observability.RouteUpstream)
		return
	}
	r.upstreamDrops.Add(1)
	observability.RecordRoute(observability.RouteUpstreamDrop)
	r.log.Debug().Uint8("destination", f.Destination).Msg("no upstream route, dropping")
}

// send failures are counted and logged by the link; stream failures also
// surface on the link's Err channel.
func (r *Router) send(l *link.Link, f frame.Frame) {
	if err := l.Send(f); err != nil {
		r.log.Warn().Err(err).Str("link", l.Name()).Str("frame", f.String()).Msg("send failed")
	}
}

// runTasks ticks every task (all) or only those that asked to rerun.
func (r *Router) runTasks(all bool) error {
	again := false
	for i, t := range r.tasks {
		if !all && !r.rerun[i] {
			continue
		}
		rerun, err := r.tick(t)
		if err != nil {
			return err
		}
		r.rerun[i] = rerun
		again = again || rerun
	}
	if again {
		select {
		case r.immediate <- struct{}{}:
		default:
		}
	}
	return nil
}

func (r *Router) tick(t Task) (rerun bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %T: panic: %v", ErrTaskFault, t, p)
			r.log.Error().Err(err).Str("stack", string(debug.Stack())).Msg("task panicked")
		}
	}()
	return t.Tick(), nil
}

// Status snapshots router and link counters. StartupState is left zero;
// the service fills it in.
func (r *Router) Status() observability.RouterStatus {
	st := observability.RouterStatus{
		Identity:      r.identity,
		Running:       r.running.Load(),
		Terminating:   r.terminate.Load(),
		UpstreamDrops: r.upstreamDrops.Load(),
	}
	for _, l := range r.Links() {
		t := l.Totals()
		srcs := l.Sources()
		ls := observability.LinkStatus{
			Name:      l.Name(),
			Direction: l.Direction().String(),
			Sources:   make([]int, len(srcs)),
			Received:  t.Received,
			Sent:      t.Sent,
			Errored:   t.Errored,
			Dropped:   t.Dropped,
			Filtered:  t.Filtered,
		}
		for i, s := range srcs {
			ls.Sources[i] = int(s)
		}
		st.Links = append(st.Links, ls)
	}
	return st
}
