package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/barawn/software-pueo-turf/internal/hsk"
	"github.com/barawn/software-pueo-turf/internal/identity"
	"github.com/barawn/software-pueo-turf/internal/journal"
	"github.com/barawn/software-pueo-turf/internal/link"
	"github.com/barawn/software-pueo-turf/internal/observability"
	"github.com/barawn/software-pueo-turf/internal/pointer"
	"github.com/barawn/software-pueo-turf/internal/startup"
	"github.com/barawn/software-pueo-turf/internal/telemetry"
	"github.com/barawn/software-pueo-turf/internal/tools"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicateLink  = errors.New("router: duplicate link name")
	ErrInvalidTick    = errors.New("router: invalid tick")
	ErrInvalidAddress = errors.New("router: identity 0 is reserved")
)

const (
	DefaultIdentity     byte = 0x60
	DefaultNextFirmware      = "/tmp/pueo/next"
	DefaultNextSoftware      = "/tmp/pueo/next_soft"
	DefaultStatusAddr        = ""
)

// Exit codes when no restart code was stored.
const (
	ExitClean = 0
	ExitFatal = 1
)

type TelemetryConfig struct {
	Enabled      bool
	Dir          string
	Temperatures []string
	Voltages     []string
}

type StartupConfig struct {
	Enabled bool
	startup.Config
}

// ServiceConfig is the resolved daemon configuration.
type ServiceConfig struct {
	Identity       byte
	Tick           time.Duration
	StatusAddr     string
	CORSOrigins    []string
	NextFirmware   string
	NextSoftware   string
	JournalTimeout time.Duration
	ProbeTimeout   time.Duration
	Identify       identity.Files
	Telemetry      TelemetryConfig
	Startup        StartupConfig
	// Link defaults (turnaround, queue depth, stop timeout) are already
	// folded into each entry.
	Links []link.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Identity:       DefaultIdentity,
		Tick:           DefaultTick,
		StatusAddr:     DefaultStatusAddr,
		NextFirmware:   DefaultNextFirmware,
		NextSoftware:   DefaultNextSoftware,
		JournalTimeout: journal.DefaultTimeout,
		ProbeTimeout:   pointer.DefaultProbeTimeout,
		Telemetry: TelemetryConfig{
			Enabled:      true,
			Dir:          telemetry.DefaultDir,
			Temperatures: telemetry.DefaultTemperatures,
			Voltages:     telemetry.DefaultVoltages,
		},
		Startup: StartupConfig{Config: startup.DefaultConfig()},
	}
}

// Opener turns a link config into a byte stream.
type Opener func(link.Config) (io.ReadWriteCloser, error)

// Notifier reports lifecycle state to the supervisor. It matches
// daemon.SdNotify.
type Notifier func(unsetEnvironment bool, state string) (bool, error)

// Service runs the router as a standalone daemon.
type Service struct {
	cfg    ServiceConfig
	open   Opener
	notify Notifier
	runner tools.CommandRunner
	device startup.Device
	log    zerolog.Logger

	router     *Router
	dispatcher *hsk.Dispatcher
	startup    hsk.Startup
}

type ServiceOption func(*Service)

func WithOpener(o Opener) ServiceOption     { return func(s *Service) { s.open = o } }
func WithNotifier(n Notifier) ServiceOption { return func(s *Service) { s.notify = n } }
func WithRunner(r tools.CommandRunner) ServiceOption {
	return func(s *Service) { s.runner = r }
}

// WithDevice gives the startup sequencer a register surface.
func WithDevice(d startup.Device) ServiceOption { return func(s *Service) { s.device = d } }

func NewService(opts ...ServiceOption) *Service {
	return NewServiceWithConfig(DefaultServiceConfig(), opts...)
}

func NewServiceWithConfig(cfg ServiceConfig, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:    cfg,
		open:   link.Open,
		notify: daemon.SdNotify,
		runner: tools.ExecRunner{},
		log:    observability.Component("service"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router is nil until Start has run.
func (s *Service) Router() *Router { return s.router }

// Run blocks until SIGINT/SIGTERM, a fatal error or a restart command, and
// returns the process exit code.
func (s *Service) Run() (int, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

func (s *Service) RunContext(ctx context.Context) (int, error) {
	links, err := s.bootstrap()
	if err != nil {
		return ExitFatal, err
	}
	defer s.shutdown(links)

	var status *observability.StatusServer
	if strings.TrimSpace(s.cfg.StatusAddr) != "" {
		status = observability.NewStatusServer(s.cfg.StatusAddr, s, s.cfg.CORSOrigins)
		if err := status.Start(); err != nil {
			return ExitFatal, fmt.Errorf("router: status server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = status.Shutdown(sctx)
		}()
	}

	s.router.Start()
	s.sdNotify(daemon.SdNotifyReady)
	runErr := s.router.Run(ctx)
	s.sdNotify(daemon.SdNotifyStopping)

	if code, ok := s.dispatcher.RestartCode(); ok {
		s.log.Info().Uint8("code", code).Msg("exiting with restart code")
		return int(code), runErr
	}
	if runErr != nil {
		return ExitFatal, runErr
	}
	return ExitClean, nil
}

// bootstrap validates the config, opens every link and builds the
// dispatcher and router. Any open failure closes what was opened.
func (s *Service) bootstrap() ([]*link.Link, error) {
	if s.cfg.Identity == 0 {
		return nil, ErrInvalidAddress
	}
	if s.cfg.Tick < 0 {
		return nil, ErrInvalidTick
	}
	if len(s.cfg.Links) == 0 {
		return nil, ErrNoLinks
	}
	seen := make(map[string]bool, len(s.cfg.Links))
	for _, lc := range s.cfg.Links {
		if seen[lc.Name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateLink, lc.Name)
		}
		seen[lc.Name] = true
	}

	links := make([]*link.Link, 0, len(s.cfg.Links))
	for _, lc := range s.cfg.Links {
		stream, err := s.open(lc)
		if err != nil {
			for _, l := range links {
				_ = l.Stop()
			}
			return nil, fmt.Errorf("router: open link %q: %w", lc.Name, err)
		}
		links = append(links, link.New(lc, stream))
		s.log.Info().Str("link", lc.Name).Str("direction", lc.Direction.String()).Str("kind", lc.Kind).Str("path", lc.Path).Msg("link opened")
	}

	var tasks []Task
	switch {
	case s.cfg.Startup.Enabled:
		seq := startup.NewSequencer(s.cfg.Startup.Config, s.device)
		s.startup = seq
		tasks = append(tasks, seq)
	default:
		idle := startup.NewIdle()
		s.startup = idle
		tasks = append(tasks, idle)
	}
	if wd := newWatchdog(s.notify); wd != nil {
		tasks = append(tasks, wd)
	}

	s.dispatcher = hsk.NewDispatcher(s.dispatcherConfig())
	s.router = New(Config{Tick: s.cfg.Tick}, s.dispatcher, links, tasks...)
	return links, nil
}

func (s *Service) dispatcherConfig() hsk.Config {
	info := identity.Load(s.cfg.Identify)
	cfg := hsk.Config{
		Identity: s.cfg.Identity,
		Identify: info.Payload(),
		Startup:  s.startup,
		Firmware: pointer.New(s.cfg.NextFirmware, pointer.RegularFile{}),
		Software: pointer.New(s.cfg.NextSoftware, pointer.Squashfs{Runner: s.runner, Timeout: s.cfg.ProbeTimeout}),
		Journal:  journal.New(s.runner, s.cfg.JournalTimeout),
		Terminate: func(code byte) {
			s.log.Warn().Uint8("code", code).Msg("restart requested")
			s.router.Terminate()
		},
	}
	if s.cfg.Telemetry.Enabled {
		iio, err := telemetry.New(s.cfg.Telemetry.Dir, s.cfg.Telemetry.Temperatures, s.cfg.Telemetry.Voltages)
		if err != nil {
			s.log.Error().Err(err).Msg("telemetry disabled")
		} else {
			cfg.Telemetry = iio
		}
	}
	return cfg
}

func (s *Service) shutdown(links []*link.Link) {
	for _, l := range links {
		if err := l.Stop(); err != nil {
			s.log.Warn().Err(err).Str("link", l.Name()).Msg("link stop")
		}
	}
	if c, ok := s.startup.(io.Closer); ok {
		_ = c.Close()
	}
}

// Status implements observability.StatusSource.
func (s *Service) Status() observability.RouterStatus {
	if s.router == nil {
		return observability.RouterStatus{Identity: s.cfg.Identity}
	}
	st := s.router.Status()
	if s.startup != nil {
		st.StartupState = s.startup.State()
	}
	return st
}

func (s *Service) sdNotify(state string) {
	if s.notify == nil {
		return
	}
	if _, err := s.notify(false, state); err != nil {
		s.log.Debug().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}

// watchdog kicks the systemd watchdog from the reactor, so a wedged
// reactor stops the kicks.
type watchdog struct {
	notify   Notifier
	interval time.Duration
	last     time.Time
}

func newWatchdog(n Notifier) *watchdog {
	if n == nil {
		return nil
	}
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return nil
	}
	return &watchdog{notify: n, interval: every / 2}
}

func (w *watchdog) Tick() bool {
	if time.Since(w.last) < w.interval {
		return false
	}
	w.last = time.Now()
	_, _ = w.notify(false, daemon.SdNotifyWatchdog)
	return false
}
