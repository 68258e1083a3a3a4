package frame

import (
	"errors"
	"fmt"
)

const (
	// HeaderLen covers source, destination, command and length bytes.
	HeaderLen = 4
	// MinLen is the smallest valid unstuffed frame: header plus checksum.
	MinLen = HeaderLen + 1
	// MaxPayload is bounded by the single length byte.
	MaxPayload = 255
	// MaxLen is the largest valid unstuffed frame.
	MaxLen = MinLen + MaxPayload

	// CmdError is the command byte used by error replies.
	CmdError byte = 0xFF
)

var (
	ErrStuffingInvalid = errors.New("frame: invalid byte stuffing")
	ErrTooShort        = errors.New("frame: too short")
	ErrLengthMismatch  = errors.New("frame: length byte does not match payload")
	ErrChecksumInvalid = errors.New("frame: invalid checksum")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrOversize        = errors.New("frame: encoded packet exceeds maximum length")
)

// DecodeErrorKind classifies per-frame failures for counters and logs.
type DecodeErrorKind int

const (
	KindNone DecodeErrorKind = iota
	KindStuffingInvalid
	KindTooShort
	KindLengthMismatch
	KindChecksumInvalid
	KindOversize
	KindUnknown
)

func (k DecodeErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindStuffingInvalid:
		return "stuffing_invalid"
	case KindTooShort:
		return "too_short"
	case KindLengthMismatch:
		return "length_mismatch"
	case KindChecksumInvalid:
		return "checksum_invalid"
	case KindOversize:
		return "oversize"
	default:
		return "unknown"
	}
}

// Kind maps a decode error to its kind.
func Kind(err error) DecodeErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrStuffingInvalid):
		return KindStuffingInvalid
	case errors.Is(err, ErrTooShort):
		return KindTooShort
	case errors.Is(err, ErrLengthMismatch):
		return KindLengthMismatch
	case errors.Is(err, ErrChecksumInvalid):
		return KindChecksumInvalid
	case errors.Is(err, ErrOversize):
		return KindOversize
	default:
		return KindUnknown
	}
}

// Frame is one routed housekeeping packet.
type Frame struct {
	Source      byte
	Destination byte
	Command     byte
	Payload     []byte
}

// Checksum returns the byte that makes sum(payload)+checksum == 0 mod 256.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return -sum
}

// Len is the unstuffed wire length of f.
func (f Frame) Len() int {
	return MinLen + len(f.Payload)
}

func (f Frame) String() string {
	return fmt.Sprintf("src=%#02x dst=%#02x cmd=%d len=%d", f.Source, f.Destination, f.Command, len(f.Payload))
}

// Marshal returns the unstuffed wire form of f.
func Marshal(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, f.Len())
	buf[0] = f.Source
	buf[1] = f.Destination
	buf[2] = f.Command
	buf[3] = byte(len(f.Payload))
	copy(buf[HeaderLen:], f.Payload)
	buf[len(buf)-1] = Checksum(f.Payload)
	return buf, nil
}

// Unmarshal validates an unstuffed packet and returns the frame it carries.
// The returned payload does not alias b.
func Unmarshal(b []byte) (Frame, error) {
	if len(b) < MinLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}
	if int(b[3]) != len(b)-MinLen {
		return Frame{}, fmt.Errorf("%w: length=%d payload=%d", ErrLengthMismatch, b[3], len(b)-MinLen)
	}
	var sum byte
	for _, c := range b[HeaderLen:] {
		sum += c
	}
	if sum != 0 {
		return Frame{}, fmt.Errorf("%w: residue=%#02x", ErrChecksumInvalid, sum)
	}
	payload := make([]byte, len(b)-MinLen)
	copy(payload, b[HeaderLen:len(b)-1])
	return Frame{
		Source:      b[0],
		Destination: b[1],
		Command:     b[2],
		Payload:     payload,
	}, nil
}

// Encode marshals f, applies COBS stuffing and appends the delimiter.
func Encode(f Frame) ([]byte, error) {
	raw, err := Marshal(f)
	if err != nil {
		return nil, err
	}
	out := COBSEncode(raw)
	return append(out, Delimiter), nil
}

// Decode reverses Encode for one packet. A trailing delimiter is tolerated.
func Decode(raw []byte) (Frame, error) {
	if n := len(raw); n > 0 && raw[n-1] == Delimiter {
		raw = raw[:n-1]
	}
	b, err := COBSDecode(raw)
	if err != nil {
		return Frame{}, err
	}
	return Unmarshal(b)
}

// Reply builds a response to req from the local identity self.
func Reply(req Frame, self, cmd byte, payload []byte) Frame {
	return Frame{
		Source:      self,
		Destination: req.Source,
		Command:     cmd,
		Payload:     payload,
	}
}

// ErrorReply is the protocol's error-coded reply: command 0xFF, no payload.
func ErrorReply(req Frame, self byte) Frame {
	return Reply(req, self, CmdError, nil)
}
