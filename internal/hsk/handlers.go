package hsk

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"

	"github.com/barawn/software-pueo-turf/internal/protocol/frame"
)

// ErrInvalidTarget is returned by PointerStore.Set when the target fails
// validation. The existing pointer is left as it was.
var ErrInvalidTarget = errors.New("hsk: invalid pointer target")

// Eye-scan channel classes selected by the first request byte.
const (
	ScanGBE    = 0
	ScanAurora = 1
)

func (d *Dispatcher) ping(_ context.Context, req Request) (*frame.Frame, error) {
	return d.reply(req, req.Frame.Payload), nil
}

func (d *Dispatcher) statistics(_ context.Context, req Request) (*frame.Frame, error) {
	if req.Origin == nil {
		return d.errorReply(req), nil
	}
	st := req.Origin.Statistics()
	return d.reply(req, []byte{st.Received, st.Sent, st.Errored, st.Dropped}), nil
}

func (d *Dispatcher) temperatures(_ context.Context, req Request) (*frame.Frame, error) {
	if d.cfg.Telemetry == nil {
		return d.errorReply(req), nil
	}
	raw, err := d.cfg.Telemetry.RawTemperatures()
	if err != nil {
		d.log.Error().Err(err).Msg("read temperatures")
		return d.errorReply(req), nil
	}
	return d.reply(req, packUint16(raw[:])), nil
}

func (d *Dispatcher) voltages(_ context.Context, req Request) (*frame.Frame, error) {
	if d.cfg.Telemetry == nil {
		return d.errorReply(req), nil
	}
	raw, err := d.cfg.Telemetry.RawVoltages()
	if err != nil {
		d.log.Error().Err(err).Msg("read voltages")
		return d.errorReply(req), nil
	}
	return d.reply(req, packUint16(raw[:])), nil
}

func packUint16(vals []uint16) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}

func (d *Dispatcher) identify(_ context.Context, req Request) (*frame.Frame, error) {
	return d.reply(req, d.cfg.Identify), nil
}

// eyeScanResults replies with [class]+results, [0] while not ready, or an
// empty payload when no valid class was asked for.
func (d *Dispatcher) eyeScanResults(_ context.Context, req Request) (*frame.Frame, error) {
	p := req.Frame.Payload
	if len(p) == 0 || (p[0] != ScanGBE && p[0] != ScanAurora) || d.cfg.Startup == nil {
		return d.reply(req, nil), nil
	}
	res := d.cfg.Startup.Results(int(p[0]))
	if len(res) == 0 {
		return d.reply(req, []byte{0}), nil
	}
	out := make([]byte, 0, 1+len(res))
	out = append(out, p[0])
	out = append(out, res...)
	return d.reply(req, out), nil
}

func (d *Dispatcher) startupState(_ context.Context, req Request) (*frame.Frame, error) {
	if d.cfg.Startup == nil {
		return d.errorReply(req), nil
	}
	if len(req.Frame.Payload) > 0 {
		d.cfg.Startup.SetEndState(req.Frame.Payload[0])
		d.log.Info().Uint8("end_state", req.Frame.Payload[0]).Msg("startup end state set")
	}
	return d.reply(req, []byte{d.cfg.Startup.State()}), nil
}

func (d *Dispatcher) firmwarePointer(ctx context.Context, req Request) (*frame.Frame, error) {
	return d.pointer(ctx, req, d.cfg.Firmware, false)
}

func (d *Dispatcher) softwarePointer(ctx context.Context, req Request) (*frame.Frame, error) {
	return d.pointer(ctx, req, d.cfg.Software, true)
}

// pointer handles get (empty payload), clear (payload[0] == 0) and set.
// Replies carry the target, followed by NUL and Meta when withMeta is set.
func (d *Dispatcher) pointer(ctx context.Context, req Request, store PointerStore, withMeta bool) (*frame.Frame, error) {
	if store == nil {
		return d.errorReply(req), nil
	}
	var (
		ptr Pointer
		err error
	)
	p := req.Frame.Payload
	switch {
	case len(p) == 0:
		ptr, err = store.Get(ctx)
	case p[0] == 0:
		err = store.Clear()
	default:
		target := string(p)
		if i := bytes.IndexByte(p, 0); i >= 0 {
			target = string(p[:i])
		}
		ptr, err = store.Set(ctx, target)
		if errors.Is(err, ErrInvalidTarget) {
			d.log.Warn().Err(err).Str("target", target).Msg("pointer target rejected")
			return d.errorReply(req), nil
		}
		if err == nil {
			d.log.Info().Str("target", ptr.Target).Msg("pointer updated")
		}
	}
	if err != nil {
		return nil, err
	}

	out := []byte(ptr.Target)
	if withMeta {
		out = append(out, 0)
		out = append(out, ptr.Meta...)
	} else if len(out) == 0 {
		out = []byte{0}
	}
	return d.reply(req, out), nil
}

// journalFetch starts a new query when the payload is non-empty, then
// returns the next chunk of buffered output. An empty chunk means drained.
func (d *Dispatcher) journalFetch(ctx context.Context, req Request) (*frame.Frame, error) {
	if d.cfg.Journal == nil {
		return d.errorReply(req), nil
	}
	if q := req.Frame.Payload; len(q) > 0 {
		out, err := d.cfg.Journal.Query(ctx, string(q))
		if err != nil {
			d.log.Warn().Err(err).Str("query", string(q)).Msg("journal query failed")
			d.journal = nil
			return d.errorReply(req), nil
		}
		d.journal = out
	}
	n := min(len(d.journal), frame.MaxPayload)
	chunk := append([]byte(nil), d.journal[:n]...)
	d.journal = d.journal[n:]
	return d.reply(req, chunk), nil
}

// restart stores the code and terminates. Codes with the reserved bit set
// other than reboot/terminate get the error reply and change nothing.
func (d *Dispatcher) restart(_ context.Context, req Request) (*frame.Frame, error) {
	code := RestartReserved
	if len(req.Frame.Payload) > 0 {
		code = req.Frame.Payload[0]
	}
	if code&RestartReserved != 0 && code != RestartReboot && code != RestartTerminate {
		d.log.Warn().Uint8("code", code).Msg("restart code rejected")
		return d.errorReply(req), nil
	}
	d.restartCode.Store(int32(code))
	d.log.Info().Uint8("code", code).Str("origin", originName(req.Origin)).Msg("restart requested")
	if d.cfg.Terminate != nil {
		d.cfg.Terminate(code)
	}
	return nil, nil
}
