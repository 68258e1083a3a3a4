package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/barawn/software-pueo-turf/internal/testutil/testlog"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestPayloadWithBuildRecord(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	info := Load(Files{
		DNA:     write(t, dir, "dna", "400000000123456789ABCDEF\n"),
		MAC:     write(t, dir, "mac", "00:0a:35:00:01:22\n"),
		Version: write(t, dir, "fw", "v0.4.1\n"),
		BuildRecord: write(t, dir, "build.yaml", `
version: r2024.05
hash: 3f2a9c1
date: 2024-05-12
`),
	})
	want := "400000000123456789ABCDEF\x0000:0a:35:00:01:22\x00v0.4.1\x00r2024.05\x003f2a9c1\x002024-05-12"
	if got := string(info.Payload()); got != want {
		t.Fatalf("unexpected payload:\n got=%q\nwant=%q", got, want)
	}
}

func TestPayloadWithoutBuildRecord(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	info := Load(Files{
		DNA: write(t, dir, "dna", "abc"),
		MAC: filepath.Join(dir, "missing"),
	})
	if got := string(info.Payload()); got != "abc\x00\x00" {
		t.Fatalf("unexpected payload %q", got)
	}
}

func TestLoadBuildRecordNeedsVersion(t *testing.T) {
	testlog.Start(t)
	p := write(t, t.TempDir(), "build.yaml", "hash: abc\n")
	if _, err := LoadBuildRecord(p); err == nil {
		t.Fatalf("expected error for record without version")
	}
}

func TestLoadToleratesMissingFiles(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	info := Load(Files{
		DNA:         filepath.Join(dir, "missing-dna"),
		MAC:         write(t, dir, "mac", "00:0a:35:00:01:22\n"),
		Version:     dir,
		BuildRecord: filepath.Join(dir, "missing.yaml"),
	})
	if info.DNA != "" || info.FirmwareVersion != "" || info.Build != nil {
		t.Fatalf("unreadable sources should leave fields empty: %+v", info)
	}
	if info.MAC != "00:0a:35:00:01:22" {
		t.Fatalf("readable source lost: %q", info.MAC)
	}
	if got := string(info.Payload()); got != "\x0000:0a:35:00:01:22\x00" {
		t.Fatalf("unexpected payload %q", got)
	}
}
