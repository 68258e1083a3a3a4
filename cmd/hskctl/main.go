package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/barawn/software-pueo-turf/internal/link"
	"github.com/barawn/software-pueo-turf/internal/logging"
	"github.com/barawn/software-pueo-turf/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var ErrNoReply = errors.New("hskctl: no reply")

func main() {
	var (
		device  = flag.String("device", "/dev/ttyUL0", "serial or tty device")
		kind    = flag.String("kind", link.KindSerial, "device kind (serial|tty)")
		baud    = flag.Int("baud", link.DefaultBaud, "serial baud rate")
		src     = flag.String("src", "0xfe", "source address")
		dst     = flag.String("dst", "0x60", "destination address")
		cmd     = flag.String("cmd", "0", "command byte")
		payload = flag.String("payload", "", "payload as hex, or text with -text")
		text    = flag.Bool("text", false, "payload and reply are text")
		timeout = flag.Duration("timeout", time.Second, "reply timeout")
	)
	flag.Parse()
	logging.ConfigureRuntime()

	req, err := buildRequest(*src, *dst, *cmd, *payload, *text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hskctl: %v\n", err)
		os.Exit(2)
	}

	cfg := link.Config{Name: "hskctl", Direction: link.Upstream, Kind: *kind, Path: *device, Baud: *baud}
	stream, err := link.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hskctl: open %s: %v\n", *device, err)
		os.Exit(1)
	}

	reply, err := exchange(cfg, stream, req, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hskctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(formatReply(reply, *text))
}

func parseByte(name, raw string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", name, raw, err)
	}
	return byte(v), nil
}

func buildRequest(src, dst, cmd, payload string, text bool) (frame.Frame, error) {
	var f frame.Frame
	var err error
	if f.Source, err = parseByte("src", src); err != nil {
		return f, err
	}
	if f.Destination, err = parseByte("dst", dst); err != nil {
		return f, err
	}
	if f.Command, err = parseByte("cmd", cmd); err != nil {
		return f, err
	}
	if text {
		f.Payload = []byte(payload)
	} else if payload != "" {
		if f.Payload, err = hex.DecodeString(strings.ReplaceAll(payload, " ", "")); err != nil {
			return f, fmt.Errorf("parse payload: %w", err)
		}
	}
	if len(f.Payload) > frame.MaxPayload {
		return f, frame.ErrPayloadTooLarge
	}
	return f, nil
}

// exchange sends req over a one-shot link and waits for the first frame
// addressed back to req's source.
func exchange(cfg link.Config, stream io.ReadWriteCloser, req frame.Frame, timeout time.Duration) (frame.Frame, error) {
	l := link.New(cfg, stream)
	wake := make(chan *link.Link, 1)
	l.Start(wake)
	defer func() { _ = l.Stop() }()

	log.Debug().Str("frame", req.String()).Msg("sending request")
	if err := l.Send(req); err != nil {
		return frame.Frame{}, err
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-wake:
			for {
				f, ok := l.Next()
				if !ok {
					break
				}
				if f.Destination == req.Source {
					return f, nil
				}
				log.Debug().Str("frame", f.String()).Msg("ignoring frame")
			}
		case err := <-l.Err():
			return frame.Frame{}, err
		case <-deadline.C:
			return frame.Frame{}, fmt.Errorf("%w within %s", ErrNoReply, timeout)
		}
	}
}

func formatReply(f frame.Frame, text bool) string {
	body := hex.EncodeToString(f.Payload)
	if text {
		body = strconv.Quote(string(f.Payload))
	}
	status := ""
	if f.Command == frame.CmdError {
		status = " (error)"
	}
	return fmt.Sprintf("%02x -> %02x cmd=%d len=%d%s %s", f.Source, f.Destination, f.Command, len(f.Payload), status, body)
}
