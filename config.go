package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"meshecho/pkg/agent"
	"meshecho/pkg/mesh"
)

const envPrefix = "MESHECHO_"

// startupProfile is the optional TOML profile passed with -config.
type startupProfile struct {
	IdentityFile         string   `toml:"identity_file"`
	DisplayName          string   `toml:"display_name"`
	Relays               []string `toml:"relays"`
	DB                   string   `toml:"db"`
	AnnounceIntervalSec  *int     `toml:"announce_interval_sec"`
	MaxOutboundStampCost *int     `toml:"max_outbound_stamp_cost"`
	PathLookupTimeoutSec int      `toml:"path_lookup_timeout_sec"`
	InboundStampCost     *int     `toml:"inbound_stamp_cost"`
	RatchetRotateSec     int      `toml:"ratchet_rotate_sec"`
	PathTTLSec           int      `toml:"path_ttl_sec"`
	LogLevel             string   `toml:"log_level"`
	LogFormat            string   `toml:"log_format"`
	MetricsListen        string   `toml:"metrics_listen"`
}

type settings struct {
	IdentityFile         string
	DisplayName          string
	Relays               string
	DB                   string
	AnnounceInterval     time.Duration
	MaxOutboundStampCost *int
	PathLookupTimeout    time.Duration
	InboundStampCost     int
	RatchetRotate        time.Duration
	PathTTL              time.Duration
	LogLevel             string
	LogFormat            string
	MetricsListen        string
}

func defaultSettings() settings {
	return settings{
		IdentityFile:      "./meshecho/identity",
		Relays:            "wss://nos.lol,wss://relay.damus.io",
		DB:                "./meshecho/meshecho.db",
		PathLookupTimeout: agent.DefaultPathLookupTimeout,
		RatchetRotate:     mesh.DefaultRatchetRotate,
		PathTTL:           mesh.DefaultPathTTL,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

func (s *settings) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(envPrefix + key)); v != "" {
			*dst = v
		}
	}
	secs := func(key string, dst *time.Duration) error {
		v := strings.TrimSpace(getenv(envPrefix + key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = time.Duration(n) * time.Second
		return nil
	}
	str("IDENTITY_FILE", &s.IdentityFile)
	str("DISPLAY_NAME", &s.DisplayName)
	str("RELAYS", &s.Relays)
	str("DB", &s.DB)
	str("LOG_LEVEL", &s.LogLevel)
	str("LOG_FORMAT", &s.LogFormat)
	str("METRICS_LISTEN", &s.MetricsListen)
	for key, dst := range map[string]*time.Duration{
		"ANNOUNCE_INTERVAL_SEC":   &s.AnnounceInterval,
		"PATH_LOOKUP_TIMEOUT_SEC": &s.PathLookupTimeout,
		"RATCHET_ROTATE_SEC":      &s.RatchetRotate,
		"PATH_TTL_SEC":            &s.PathTTL,
	} {
		if err := secs(key, dst); err != nil {
			return err
		}
	}
	if v := strings.TrimSpace(getenv(envPrefix + "MAX_OUTBOUND_STAMP_COST")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_OUTBOUND_STAMP_COST: %w", envPrefix, err)
		}
		s.MaxOutboundStampCost = &n
	}
	if v := strings.TrimSpace(getenv(envPrefix + "INBOUND_STAMP_COST")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sINBOUND_STAMP_COST: %w", envPrefix, err)
		}
		s.InboundStampCost = n
	}
	return nil
}

func (s *settings) applyProfile(p *startupProfile) {
	if p == nil {
		return
	}
	if v := strings.TrimSpace(p.IdentityFile); v != "" {
		s.IdentityFile = v
	}
	if v := strings.TrimSpace(p.DisplayName); v != "" {
		s.DisplayName = v
	}
	if len(p.Relays) > 0 {
		s.Relays = strings.Join(p.Relays, ",")
	}
	if v := strings.TrimSpace(p.DB); v != "" {
		s.DB = v
	}
	if p.AnnounceIntervalSec != nil {
		s.AnnounceInterval = time.Duration(*p.AnnounceIntervalSec) * time.Second
	}
	if p.MaxOutboundStampCost != nil {
		v := *p.MaxOutboundStampCost
		s.MaxOutboundStampCost = &v
	}
	if p.PathLookupTimeoutSec > 0 {
		s.PathLookupTimeout = time.Duration(p.PathLookupTimeoutSec) * time.Second
	}
	if p.InboundStampCost != nil {
		s.InboundStampCost = *p.InboundStampCost
	}
	if p.RatchetRotateSec > 0 {
		s.RatchetRotate = time.Duration(p.RatchetRotateSec) * time.Second
	}
	if p.PathTTLSec > 0 {
		s.PathTTL = time.Duration(p.PathTTLSec) * time.Second
	}
	if v := strings.TrimSpace(p.LogLevel); v != "" {
		s.LogLevel = v
	}
	if v := strings.TrimSpace(p.LogFormat); v != "" {
		s.LogFormat = v
	}
	if v := strings.TrimSpace(p.MetricsListen); v != "" {
		s.MetricsListen = v
	}
}

// parseSettings resolves defaults, then MESHECHO_* environment, then the
// TOML profile, then flags given explicitly on the command line.
func parseSettings(args []string, getenv func(string) string, output io.Writer) (settings, error) {
	base := defaultSettings()
	if err := base.applyEnv(getenv); err != nil {
		return settings{}, err
	}

	fs := flag.NewFlagSet("meshecho", flag.ContinueOnError)
	fs.SetOutput(output)
	f := base
	maxCost := -1
	if f.MaxOutboundStampCost != nil {
		maxCost = *f.MaxOutboundStampCost
	}
	configPath := fs.String("config", strings.TrimSpace(getenv(envPrefix+"CONFIG")), "Optional path to startup profile TOML")
	fs.StringVar(&f.IdentityFile, "identity-file", f.IdentityFile, "Path to the identity key file (created if missing)")
	fs.StringVar(&f.DisplayName, "display-name", f.DisplayName, "Display name sent in announces")
	fs.StringVar(&f.Relays, "relays", f.Relays, "Comma-separated Nostr relay URLs (wss://...)")
	fs.StringVar(&f.DB, "db", f.DB, "Path to the mesh state database")
	fs.DurationVar(&f.AnnounceInterval, "announce-interval", f.AnnounceInterval, "How often to announce (0 disables scheduled announces)")
	fs.IntVar(&maxCost, "max-outbound-stamp-cost", maxCost, "Skip replies to peers whose stamp cost exceeds this (-1 disables)")
	fs.DurationVar(&f.PathLookupTimeout, "path-lookup-timeout", f.PathLookupTimeout, "How long to wait for a path to a sender")
	fs.IntVar(&f.InboundStampCost, "inbound-stamp-cost", f.InboundStampCost, "Proof-of-work bits required from senders (0 disables)")
	fs.DurationVar(&f.RatchetRotate, "ratchet-rotate", f.RatchetRotate, "Ratchet key rotation interval")
	fs.DurationVar(&f.PathTTL, "path-ttl", f.PathTTL, "How long an announce keeps a path usable")
	fs.StringVar(&f.LogLevel, "log-level", f.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFormat, "log-format", f.LogFormat, "Log format (console or json)")
	fs.StringVar(&f.MetricsListen, "metrics-listen", f.MetricsListen, "Optional Prometheus listen address (empty disables)")
	if err := fs.Parse(args); err != nil {
		return settings{}, err
	}

	profile, err := loadStartupProfile(*configPath)
	if err != nil {
		return settings{}, fmt.Errorf("load startup profile: %w", err)
	}
	out := base
	out.applyProfile(profile)

	explicit := map[string]func(){
		"identity-file":       func() { out.IdentityFile = f.IdentityFile },
		"display-name":        func() { out.DisplayName = f.DisplayName },
		"relays":              func() { out.Relays = f.Relays },
		"db":                  func() { out.DB = f.DB },
		"announce-interval":   func() { out.AnnounceInterval = f.AnnounceInterval },
		"path-lookup-timeout": func() { out.PathLookupTimeout = f.PathLookupTimeout },
		"inbound-stamp-cost":  func() { out.InboundStampCost = f.InboundStampCost },
		"ratchet-rotate":      func() { out.RatchetRotate = f.RatchetRotate },
		"path-ttl":            func() { out.PathTTL = f.PathTTL },
		"log-level":           func() { out.LogLevel = f.LogLevel },
		"log-format":          func() { out.LogFormat = f.LogFormat },
		"metrics-listen":      func() { out.MetricsListen = f.MetricsListen },
		"max-outbound-stamp-cost": func() {
			if maxCost < 0 {
				out.MaxOutboundStampCost = nil
				return
			}
			v := maxCost
			out.MaxOutboundStampCost = &v
		},
	}
	fs.Visit(func(fl *flag.Flag) {
		if apply, ok := explicit[fl.Name]; ok {
			apply()
		}
	})
	return out, out.validate()
}

func (s settings) validate() error {
	if strings.TrimSpace(s.DisplayName) == "" {
		return fmt.Errorf("display name is required (-display-name, display_name or %sDISPLAY_NAME)", envPrefix)
	}
	if len(mesh.ParseRelayURLs(s.Relays)) == 0 {
		return fmt.Errorf("at least one ws:// or wss:// relay is required")
	}
	if s.PathLookupTimeout <= 0 {
		return fmt.Errorf("path lookup timeout must be positive")
	}
	if s.InboundStampCost < 0 || s.InboundStampCost > 64 {
		return fmt.Errorf("inbound stamp cost must be between 0 and 64")
	}
	return nil
}

func loadStartupProfile(path string) (*startupProfile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var profile startupProfile
	if err := toml.Unmarshal(b, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func newLogger(s settings, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s.LogLevel)))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("log level %q: %w", s.LogLevel, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	switch strings.ToLower(strings.TrimSpace(s.LogFormat)) {
	case "json":
		logger = zerolog.New(w)
	case "console", "":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	default:
		return zerolog.Logger{}, fmt.Errorf("unknown log format %q", s.LogFormat)
	}
	return logger.Level(level).With().Timestamp().Logger(), nil
}
