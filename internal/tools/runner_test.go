package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/barawn/software-pueo-turf/internal/testutil/testlog"
)

func TestExecRunnerCapturesStdout(t *testing.T) {
	testlog.Start(t)
	out, _, code, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "printf hello")
	if err != nil || code != 0 {
		t.Fatalf("run: code=%d err=%v", code, err)
	}
	if string(out) != "hello" {
		t.Fatalf("unexpected stdout: %q", out)
	}
}

func TestExecRunnerExitCode(t *testing.T) {
	testlog.Start(t)
	_, _, code, err := ExecRunner{}.Run(context.Background(), "sh", "-c", "exit 3")
	if err == nil || code != 3 {
		t.Fatalf("expected exit 3, got code=%d err=%v", code, err)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	testlog.Start(t)
	_, _, code, err := ExecRunner{}.Run(context.Background(), "hskrouter-no-such-binary")
	if err == nil || code != 127 {
		t.Fatalf("expected 127, got code=%d err=%v", code, err)
	}
}

func TestExecRunnerTimeoutKeepsPartialOutput(t *testing.T) {
	testlog.Start(t)
	r := ExecRunner{Timeout: 200 * time.Millisecond}
	out, _, _, err := r.Run(context.Background(), "sh", "-c", "echo partial; exec sleep 5")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !strings.Contains(string(out), "partial") {
		t.Fatalf("partial output lost: %q", out)
	}
}
