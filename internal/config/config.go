// Package config provides configuration management for corrahflow using Viper.
// It supports configuration from an optional file, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 7860
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultSegmentCacheTTL     = 30 * time.Second
	defaultSegmentCacheCap     = 50
	defaultHoldBackSegments    = 3
	defaultDVRWindowDefault    = 180 * time.Second
	defaultPrefetchCount       = 3
	defaultManifestTimeout     = 15 * time.Second
	defaultSegmentTimeout      = 15 * time.Second
	defaultInitTimeout         = 10 * time.Second
	defaultUpstreamTimeout     = 30 * time.Second
	defaultCacheSweepInterval  = 10 * time.Second
	defaultCircuitThreshold    = 5
	defaultCircuitResetTimeout = 30 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	MPD     MPDConfig     `mapstructure:"mpd"`
	Relay   RelayConfig   `mapstructure:"relay"`
	FFmpeg  FFmpegConfig  `mapstructure:"ffmpeg"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Route is a single transport-route rule: a substring pattern matched against
// the candidate URL, with an optional outbound proxy and TLS-verify override.
// Grounded on original_source/config.py's parse_transport_routes brace grammar.
type Route struct {
	URLPattern       string
	Proxy            string
	DisableTLSVerify bool
}

// ProxyConfig holds egress routing and authentication configuration.
type ProxyConfig struct {
	// GlobalProxy is the uniform-random egress pool used when no route matches.
	GlobalProxy []string `mapstructure:"global_proxy"`
	// TransportRoutes is the ordered, first-match-wins route table.
	TransportRoutes []Route `mapstructure:"-"`
	// APIPassword gates every data-plane endpoint when non-empty.
	APIPassword string `mapstructure:"api_password"`
}

// MPDConfig holds DASH handling strategy configuration.
type MPDConfig struct {
	// Mode selects the DASH handling strategy: "legacy" (server-side HLS
	// conversion) or "ffmpeg" (pass-through-with-rewrite). Invalid values
	// fall back to "legacy" silently; Load logs nothing about the fallback.
	Mode string `mapstructure:"mode"`
}

// RelayConfig holds the streaming data-plane's tunable behavior.
type RelayConfig struct {
	SegmentCacheTTL      time.Duration `mapstructure:"segment_cache_ttl"`
	SegmentCacheCapacity int           `mapstructure:"segment_cache_capacity"`
	HoldBackSegments     int           `mapstructure:"hold_back_segments"`
	DVRWindowDefault     time.Duration `mapstructure:"dvr_window_default"`
	PrefetchCount        int           `mapstructure:"prefetch_count"`
	ManifestTimeout      time.Duration `mapstructure:"manifest_timeout"`
	SegmentTimeout       time.Duration `mapstructure:"segment_timeout"`
	InitTimeout          time.Duration `mapstructure:"init_timeout"`
	UpstreamTimeout      time.Duration `mapstructure:"upstream_timeout"`
	CacheSweepInterval   time.Duration `mapstructure:"cache_sweep_interval"`
	CircuitThreshold     int           `mapstructure:"circuit_threshold"`
	CircuitResetTimeout  time.Duration `mapstructure:"circuit_reset_timeout"`
}

// FFmpegConfig holds remux backend configuration. A blank BinaryPath
// disables remuxing entirely: CENC segments are then served as raw fMP4.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"`
}

// Load reads configuration from an optional file and from environment
// variables. Environment variables take precedence over file configuration.
//
// The environment surface is a flat, unprefixed set (GLOBAL_PROXY,
// TRANSPORT_ROUTES, API_PASSWORD, MPD_MODE, PORT, ...), so each is bound
// explicitly via BindEnv rather than SetEnvPrefix+AutomaticEnv.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/corrahflow")
		v.AddConfigPath("$HOME/.corrahflow")
	}

	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("binding environment variables: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	routes, err := ParseTransportRoutes(v.GetString("proxy.transport_routes_raw"))
	if err != nil {
		return nil, fmt.Errorf("parsing TRANSPORT_ROUTES: %w", err)
	}
	cfg.Proxy.TransportRoutes = routes

	if !isValidMPDMode(cfg.MPD.Mode) {
		cfg.MPD.Mode = "legacy"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// bindEnvVars binds the flat, unprefixed environment variables named by
// spec.md §6 onto their mapstructure keys.
func bindEnvVars(v *viper.Viper) error {
	bindings := map[string]string{
		"server.port":                "PORT",
		"proxy.global_proxy":         "GLOBAL_PROXY",
		"proxy.transport_routes_raw": "TRANSPORT_ROUTES",
		"proxy.api_password":         "API_PASSWORD",
		"mpd.mode":                   "MPD_MODE",
		"logging.level":              "LOG_LEVEL",
		"logging.format":             "LOG_FORMAT",
		"ffmpeg.binary_path":         "FFMPEG_BINARY_PATH",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("binding %s: %w", env, err)
		}
	}
	// GLOBAL_PROXY arrives as a single comma-separated string from the
	// environment; viper's env binding doesn't split it automatically, so
	// it is read back as a string and split here, with each entry trimmed,
	// before Unmarshal would otherwise see a scalar where a slice is wanted.
	if raw := v.GetString("proxy.global_proxy"); raw != "" {
		v.Set("proxy.global_proxy", splitNonEmpty(raw, ","))
	}
	return nil
}

func splitNonEmpty(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// transportRouteEntryPattern matches one {KEY=VALUE,KEY=VALUE,...} clause of
// the TRANSPORT_ROUTES grammar.
var transportRouteEntryPattern = regexp.MustCompile(`\{([^{}]*)\}`)

// ParseTransportRoutes parses the TRANSPORT_ROUTES environment variable
// grammar: "{URL=...,PROXY=...,DISABLE_SSL=bool},{...}". Grounded on
// original_source/config.py's parse_transport_routes.
func ParseTransportRoutes(raw string) ([]Route, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	matches := transportRouteEntryPattern.FindAllStringSubmatch(raw, -1)
	if matches == nil {
		return nil, fmt.Errorf("malformed TRANSPORT_ROUTES: %q", raw)
	}

	routes := make([]Route, 0, len(matches))
	for _, m := range matches {
		route, err := parseRouteClause(m[1])
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func parseRouteClause(clause string) (Route, error) {
	var route Route
	for _, field := range strings.Split(clause, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return Route{}, fmt.Errorf("malformed route field %q", field)
		}
		key := strings.ToUpper(strings.TrimSpace(kv[0]))
		value := strings.TrimSpace(kv[1])
		switch key {
		case "URL":
			route.URLPattern = value
		case "PROXY":
			route.Proxy = value
		case "DISABLE_SSL":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return Route{}, fmt.Errorf("malformed DISABLE_SSL value %q: %w", value, err)
			}
			route.DisableTLSVerify = b
		default:
			return Route{}, fmt.Errorf("unknown route field %q", key)
		}
	}
	if route.URLPattern == "" {
		return Route{}, errors.New("route clause missing URL field")
	}
	return route, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("proxy.global_proxy", []string{})
	v.SetDefault("proxy.api_password", "")

	v.SetDefault("mpd.mode", "legacy")

	v.SetDefault("relay.segment_cache_ttl", defaultSegmentCacheTTL)
	v.SetDefault("relay.segment_cache_capacity", defaultSegmentCacheCap)
	v.SetDefault("relay.hold_back_segments", defaultHoldBackSegments)
	v.SetDefault("relay.dvr_window_default", defaultDVRWindowDefault)
	v.SetDefault("relay.prefetch_count", defaultPrefetchCount)
	v.SetDefault("relay.manifest_timeout", defaultManifestTimeout)
	v.SetDefault("relay.segment_timeout", defaultSegmentTimeout)
	v.SetDefault("relay.init_timeout", defaultInitTimeout)
	v.SetDefault("relay.upstream_timeout", defaultUpstreamTimeout)
	v.SetDefault("relay.cache_sweep_interval", defaultCacheSweepInterval)
	v.SetDefault("relay.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("relay.circuit_reset_timeout", defaultCircuitResetTimeout)

	v.SetDefault("ffmpeg.binary_path", "")
}

func isValidMPDMode(mode string) bool {
	return mode == "legacy" || mode == "ffmpeg"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if !isValidMPDMode(c.MPD.Mode) {
		return fmt.Errorf("mpd.mode must be one of: legacy, ffmpeg")
	}

	if c.Relay.HoldBackSegments < 0 {
		return errors.New("relay.hold_back_segments must be non-negative")
	}
	if c.Relay.SegmentCacheCapacity < 1 {
		return errors.New("relay.segment_cache_capacity must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
