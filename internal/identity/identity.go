// Package identity assembles the Identify reply from board files and the
// software build record.
package identity

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/barawn/software-pueo-turf/internal/observability"
	"gopkg.in/yaml.v3"
)

// BuildRecord describes the running software image.
type BuildRecord struct {
	Version string `yaml:"version"`
	Hash    string `yaml:"hash"`
	Date    string `yaml:"date"`
}

// LoadBuildRecord reads a YAML build record.
func LoadBuildRecord(path string) (*BuildRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read build record: %w", err)
	}
	var rec BuildRecord
	if err := yaml.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("identity: parse build record: %w", err)
	}
	if rec.Version == "" {
		return nil, errors.New("identity: build record has no version")
	}
	return &rec, nil
}

// Files names the sources Load reads. Empty entries are skipped.
type Files struct {
	DNA         string
	MAC         string
	Version     string
	BuildRecord string
}

type Info struct {
	DNA             string
	MAC             string
	FirmwareVersion string
	Build           *BuildRecord
}

// Load reads every configured file. Missing or unreadable files are logged
// and leave their field empty; the router still answers Identify.
func Load(f Files) Info {
	info := Info{
		DNA:             readTrimmed("dna", f.DNA),
		MAC:             readTrimmed("mac", f.MAC),
		FirmwareVersion: readTrimmed("version", f.Version),
	}
	if f.BuildRecord != "" {
		rec, err := LoadBuildRecord(f.BuildRecord)
		if err != nil {
			logger := observability.Component("identity")
			logger.Error().Err(err).Str("path", f.BuildRecord).Msg("build record unavailable")
		} else {
			info.Build = rec
		}
	}
	return info
}

func readTrimmed(what, path string) string {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		logger := observability.Component("identity")
		ev := logger.Warn()
		if !errors.Is(err, fs.ErrNotExist) {
			ev = logger.Error()
		}
		ev.Err(err).Str("field", what).Str("path", path).Msg("file unreadable")
		return ""
	}
	return strings.TrimRight(string(b), "\r\n")
}

// Payload is dna\0mac\0fwversion, followed by \0version\0hash\0date when a
// build record is present.
func (i Info) Payload() []byte {
	var buf bytes.Buffer
	buf.WriteString(i.DNA)
	buf.WriteByte(0)
	buf.WriteString(i.MAC)
	buf.WriteByte(0)
	buf.WriteString(i.FirmwareVersion)
	if i.Build != nil {
		buf.WriteByte(0)
		buf.WriteString(i.Build.Version)
		buf.WriteByte(0)
		buf.WriteString(i.Build.Hash)
		buf.WriteByte(0)
		buf.WriteString(i.Build.Date)
	}
	return buf.Bytes()
}
