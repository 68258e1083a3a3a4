package hsk

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/barawn/software-pueo-turf/internal/link"
	"github.com/barawn/software-pueo-turf/internal/observability"
	"github.com/barawn/software-pueo-turf/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// Command codes. These are wire values shared with operator tooling.
const (
	CmdPing            byte = 0
	CmdStatistics      byte = 15
	CmdTemperatures    byte = 16
	CmdVoltages        byte = 17
	CmdIdentify        byte = 18
	CmdEyeScanResults  byte = 20
	CmdStartupState    byte = 32
	CmdFirmwarePointer byte = 129
	CmdSoftwarePointer byte = 135
	CmdJournal         byte = 189
	CmdRestart         byte = 191
)

// Restart codes and flag bits carried by CmdRestart.
const (
	RestartReboot    byte = 0xFF
	RestartTerminate byte = 0xFE

	RestartKeepCurrentSoft byte = 0x01
	RestartRevertChanges   byte = 0x02
	RestartCleanup         byte = 0x04
	RestartForceReprogram  byte = 0x08
	RestartReserved        byte = 0x80
)

var (
	// ErrHandlerFault marks a handler that panicked or returned an error.
	// The process must not keep running after one.
	ErrHandlerFault = errors.New("hsk: handler fault")
)

// Telemetry exposes raw on-chip sensor registers.
type Telemetry interface {
	RawTemperatures() ([2]uint16, error)
	RawVoltages() ([6]uint16, error)
}

// Startup exposes the startup sequencer and its cached eye scans.
type Startup interface {
	State() byte
	SetEndState(state byte)
	// Results returns nil while the scan for class is not ready.
	Results(class int) []byte
}

// Pointer is the state of one next-image symlink.
type Pointer struct {
	Target string
	// Meta is probe output for the target, e.g. an image timestamp.
	Meta string
}

// PointerStore manages one next-image symlink. Set returns an error
// matching ErrInvalidTarget when validation fails.
type PointerStore interface {
	Get(ctx context.Context) (Pointer, error)
	Set(ctx context.Context, target string) (Pointer, error)
	Clear() error
}

// LogQuery runs a log query and returns its output.
type LogQuery interface {
	Query(ctx context.Context, args string) ([]byte, error)
}

// Origin is the link a request arrived on.
type Origin interface {
	Name() string
	Statistics() link.Statistics
}

// Request is one frame addressed to the router.
type Request struct {
	Frame  frame.Frame
	Origin Origin
}

// HandlerFunc handles one command. A nil reply sends nothing. An error is a
// handler fault.
type HandlerFunc func(ctx context.Context, req Request) (*frame.Frame, error)

// Config wires collaborators. Nil collaborators make their commands reply
// with the error frame.
type Config struct {
	Identity byte
	Identify []byte

	Telemetry Telemetry
	Startup   Startup
	Firmware  PointerStore
	Software  PointerStore
	Journal   LogQuery

	// Terminate is called once a valid restart code has been stored.
	Terminate func(code byte)
}

type Dispatcher struct {
	cfg   Config
	table [256]HandlerFunc
	log   zerolog.Logger

	restartCode atomic.Int32
	journal     []byte
}

func NewDispatcher(cfg Config) *Dispatcher {
	d := &Dispatcher{
		cfg: cfg,
		log: observability.Component("hsk"),
	}
	d.restartCode.Store(-1)
	d.table[CmdPing] = d.ping
	d.table[CmdStatistics] = d.statistics
	d.table[CmdTemperatures] = d.temperatures
	d.table[CmdVoltages] = d.voltages
	d.table[CmdIdentify] = d.identify
	d.table[CmdEyeScanResults] = d.eyeScanResults
	d.table[CmdStartupState] = d.startupState
	d.table[CmdFirmwarePointer] = d.firmwarePointer
	d.table[CmdSoftwarePointer] = d.softwarePointer
	d.table[CmdJournal] = d.journalFetch
	d.table[CmdRestart] = d.restart
	return d
}

func (d *Dispatcher) Identity() byte { return d.cfg.Identity }

// RestartCode reports the stored restart code, if any.
func (d *Dispatcher) RestartCode() (byte, bool) {
	v := d.restartCode.Load()
	if v < 0 {
		return 0, false
	}
	return byte(v), true
}

// Dispatch runs the handler for req. Unknown commands return (nil, nil).
// Panics are recovered and reported as ErrHandlerFault.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (reply *frame.Frame, err error) {
	cmd := req.Frame.Command
	h := d.table[cmd]
	if h == nil {
		d.log.Debug().Uint8("command", cmd).Uint8("source", req.Frame.Source).Msg("ignoring unknown command")
		observability.RecordCommand(cmd, "unknown")
		return nil, nil
	}

	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = fmt.Errorf("%w: command %d: panic: %v", ErrHandlerFault, cmd, r)
			d.log.Error().Err(err).Str("stack", string(debug.Stack())).Msg("handler panicked")
		}
		observability.RecordCommand(cmd, result(reply, err))
	}()

	d.log.Debug().Uint8("command", cmd).Str("origin", originName(req.Origin)).Msg("dispatch")
	reply, err = h(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: command %d: %w", ErrHandlerFault, cmd, err)
	}
	return reply, nil
}

func result(reply *frame.Frame, err error) string {
	switch {
	case err != nil:
		return "fault"
	case reply == nil:
		return "no_reply"
	case reply.Command == frame.CmdError:
		return "error_reply"
	default:
		return "reply"
	}
}

func originName(o Origin) string {
	if o == nil {
		return ""
	}
	return o.Name()
}

func (d *Dispatcher) reply(req Request, payload []byte) *frame.Frame {
	if len(payload) > frame.MaxPayload {
		payload = payload[:frame.MaxPayload]
	}
	f := frame.Reply(req.Frame, d.cfg.Identity, req.Frame.Command, payload)
	return &f
}

func (d *Dispatcher) errorReply(req Request) *frame.Frame {
	f := frame.ErrorReply(req.Frame, d.cfg.Identity)
	return &f
}
