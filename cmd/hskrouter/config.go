package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/barawn/software-pueo-turf/internal/link"
	"github.com/barawn/software-pueo-turf/internal/logging"
	"github.com/barawn/software-pueo-turf/internal/router"
)

type fileConfig struct {
	Identity       int64         `toml:"identity"`
	Tick           string        `toml:"tick"`
	Turnaround     string        `toml:"turnaround"`
	QueueDepth     int           `toml:"queue_depth"`
	StopTimeout    string        `toml:"stop_timeout"`
	StatusAddr     string        `toml:"status_addr"`
	CORSOrigins    []string      `toml:"cors_origins"`
	NextFirmware   string        `toml:"next_firmware"`
	NextSoftware   string        `toml:"next_software"`
	JournalTimeout string        `toml:"journal_timeout"`
	ProbeTimeout   string        `toml:"probe_timeout"`
	Identify       fileIdentify  `toml:"identify"`
	Telemetry      fileTelemetry `toml:"telemetry"`
	Startup        fileStartup   `toml:"startup"`
	Log            fileLog       `toml:"log"`
	Links          []fileLink    `toml:"link"`
}

type fileIdentify struct {
	DNAFile     string `toml:"dna_file"`
	MACFile     string `toml:"mac_file"`
	VersionFile string `toml:"version_file"`
	BuildRecord string `toml:"build_record"`
}

type fileTelemetry struct {
	Enabled      bool     `toml:"enabled"`
	Dir          string   `toml:"dir"`
	Temperatures []string `toml:"temperatures"`
	Voltages     []string `toml:"voltages"`
}

type fileStartup struct {
	Enabled   bool   `toml:"enabled"`
	EndState  int64  `toml:"end_state"`
	UseGPS    bool   `toml:"use_gps"`
	GPSPath   string `toml:"gps_path"`
	GPSTrials int    `toml:"gps_trials"`
	GPSOffset int    `toml:"gps_offset"`
	GPSWait   string `toml:"gps_wait"`
}

type fileLog struct {
	Level      string `toml:"level"`
	Timestamp  bool   `toml:"timestamp"`
	NoColor    bool   `toml:"no_color"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

type fileLink struct {
	Name         string  `toml:"name"`
	Direction    string  `toml:"direction"`
	Kind         string  `toml:"kind"`
	Path         string  `toml:"path"`
	Baud         int     `toml:"baud"`
	QueueDepth   int     `toml:"queue_depth"`
	Turnaround   string  `toml:"turnaround"`
	KnownSources []int64 `toml:"known_sources"`
	Learn        *bool   `toml:"learn"`
	Accept       []int64 `toml:"accept"`
}

type daemonConfig struct {
	Service router.ServiceConfig
	Log     logging.Config
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Service: router.DefaultServiceConfig(),
		Log:     logging.DefaultConfig(logging.ProfileRuntime),
	}
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	svc := &cfg.Service

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load hskrouter config: %w", err)
	}

	if meta.IsDefined("identity") {
		id, err := address("identity", raw.Identity)
		if err != nil {
			return daemonConfig{}, err
		}
		svc.Identity = id
	}
	if meta.IsDefined("tick") {
		if svc.Tick, err = duration("tick", raw.Tick); err != nil {
			return daemonConfig{}, err
		}
	}
	if meta.IsDefined("status_addr") {
		svc.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}
	if meta.IsDefined("cors_origins") {
		svc.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("next_firmware") {
		svc.NextFirmware = strings.TrimSpace(raw.NextFirmware)
	}
	if meta.IsDefined("next_software") {
		svc.NextSoftware = strings.TrimSpace(raw.NextSoftware)
	}
	if meta.IsDefined("journal_timeout") {
		if svc.JournalTimeout, err = duration("journal_timeout", raw.JournalTimeout); err != nil {
			return daemonConfig{}, err
		}
	}

	if meta.IsDefined("probe_timeout") {
		if svc.ProbeTimeout, err = duration("probe_timeout", raw.ProbeTimeout); err != nil {
			return daemonConfig{}, err
		}
	}

	if meta.IsDefined("identify", "dna_file") {
		svc.Identify.DNA = strings.TrimSpace(raw.Identify.DNAFile)
	}
	if meta.IsDefined("identify", "mac_file") {
		svc.Identify.MAC = strings.TrimSpace(raw.Identify.MACFile)
	}
	if meta.IsDefined("identify", "version_file") {
		svc.Identify.Version = strings.TrimSpace(raw.Identify.VersionFile)
	}
	if meta.IsDefined("identify", "build_record") {
		svc.Identify.BuildRecord = strings.TrimSpace(raw.Identify.BuildRecord)
	}

	if meta.IsDefined("telemetry", "enabled") {
		svc.Telemetry.Enabled = raw.Telemetry.Enabled
	}
	if meta.IsDefined("telemetry", "dir") {
		svc.Telemetry.Dir = strings.TrimSpace(raw.Telemetry.Dir)
	}
	if meta.IsDefined("telemetry", "temperatures") {
		svc.Telemetry.Temperatures = raw.Telemetry.Temperatures
	}
	if meta.IsDefined("telemetry", "voltages") {
		svc.Telemetry.Voltages = raw.Telemetry.Voltages
	}

	if meta.IsDefined("startup", "enabled") {
		svc.Startup.Enabled = raw.Startup.Enabled
	}
	if meta.IsDefined("startup", "end_state") {
		end, err := address("startup.end_state", raw.Startup.EndState)
		if err != nil {
			return daemonConfig{}, err
		}
		svc.Startup.EndState = end
	}
	if meta.IsDefined("startup", "use_gps") {
		svc.Startup.UseGPS = raw.Startup.UseGPS
	}
	if meta.IsDefined("startup", "gps_path") {
		svc.Startup.GPSPath = strings.TrimSpace(raw.Startup.GPSPath)
	}
	if meta.IsDefined("startup", "gps_trials") {
		svc.Startup.GPSTrials = raw.Startup.GPSTrials
	}
	if meta.IsDefined("startup", "gps_offset") {
		svc.Startup.GPSOffset = raw.Startup.GPSOffset
	}
	if meta.IsDefined("startup", "gps_wait") {
		if svc.Startup.GPSWaitTime, err = duration("startup.gps_wait", raw.Startup.GPSWait); err != nil {
			return daemonConfig{}, err
		}
	}

	if err := applyLog(&cfg.Log, meta, raw.Log); err != nil {
		return daemonConfig{}, err
	}

	defaults, err := linkDefaults(meta, raw)
	if err != nil {
		return daemonConfig{}, err
	}
	svc.Links = make([]link.Config, 0, len(raw.Links))
	for i, fl := range raw.Links {
		lc, err := parseLink(i, fl, defaults)
		if err != nil {
			return daemonConfig{}, err
		}
		svc.Links = append(svc.Links, lc)
	}
	return cfg, nil
}

func applyLog(cfg *logging.Config, meta toml.MetaData, raw fileLog) error {
	if meta.IsDefined("log", "level") {
		lvl, ok := logging.ParseLevel(raw.Level)
		if !ok {
			return fmt.Errorf("parse log.level: unknown level %q", raw.Level)
		}
		cfg.Level = lvl
	}
	if meta.IsDefined("log", "timestamp") {
		cfg.Timestamp = raw.Timestamp
	}
	if meta.IsDefined("log", "no_color") {
		cfg.NoColor = raw.NoColor
	}
	if meta.IsDefined("log", "file") {
		cfg.File = strings.TrimSpace(raw.File)
	}
	if meta.IsDefined("log", "max_size_mb") {
		cfg.MaxSizeMB = raw.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		cfg.MaxBackups = raw.MaxBackups
	}
	if meta.IsDefined("log", "max_age_days") {
		cfg.MaxAgeDays = raw.MaxAgeDays
	}
	return nil
}

// linkDefaults carries the top-level link settings into every [[link]].
func linkDefaults(meta toml.MetaData, raw fileConfig) (link.Config, error) {
	var def link.Config
	var err error
	if meta.IsDefined("turnaround") {
		if def.Turnaround, err = duration("turnaround", raw.Turnaround); err != nil {
			return link.Config{}, err
		}
	}
	if meta.IsDefined("queue_depth") {
		def.QueueDepth = raw.QueueDepth
	}
	if meta.IsDefined("stop_timeout") {
		if def.StopTimeout, err = duration("stop_timeout", raw.StopTimeout); err != nil {
			return link.Config{}, err
		}
	}
	return def, nil
}

func parseLink(i int, fl fileLink, def link.Config) (link.Config, error) {
	name := strings.TrimSpace(fl.Name)
	if name == "" {
		return link.Config{}, fmt.Errorf("link[%d]: %w", i, link.ErrInvalidName)
	}
	dir, err := link.ParseDirection(fl.Direction)
	if err != nil {
		return link.Config{}, fmt.Errorf("link %q: %w", name, err)
	}
	lc := def
	lc.Name = name
	lc.Direction = dir
	lc.Kind = strings.TrimSpace(fl.Kind)
	lc.Path = strings.TrimSpace(fl.Path)
	lc.Baud = fl.Baud
	if fl.QueueDepth > 0 {
		lc.QueueDepth = fl.QueueDepth
	}
	if strings.TrimSpace(fl.Turnaround) != "" {
		if lc.Turnaround, err = duration("link "+name+" turnaround", fl.Turnaround); err != nil {
			return link.Config{}, err
		}
	}
	if lc.KnownSources, err = addresses("link "+name+" known_sources", fl.KnownSources); err != nil {
		return link.Config{}, err
	}
	if lc.Accept, err = addresses("link "+name+" accept", fl.Accept); err != nil {
		return link.Config{}, err
	}
	lc.NoLearn = fl.Learn != nil && !*fl.Learn
	return lc.WithDefaults(), nil
}

func duration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %s", key, d)
	}
	return d, nil
}

func address(key string, v int64) (byte, error) {
	if v < 0 || v > 0xFF {
		return 0, fmt.Errorf("parse %s: %d out of range 0..255", key, v)
	}
	return byte(v), nil
}

func addresses(key string, in []int64) ([]byte, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]byte, 0, len(in))
	for _, v := range in {
		b, err := address(key, v)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
