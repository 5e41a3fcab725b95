package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the webphone agent.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int

	// ConsoleURL is the base URL of the console that issues signaling
	// credentials. ConsoleToken authenticates the credential fetch.
	ConsoleURL   string
	ConsoleToken string

	// SIPServer is the signaling server address (host:port).
	SIPServer     string
	SIPTransport  string
	SIPListenAddr string

	// AutoConnect establishes the signaling session at startup. When
	// false the session stays down until an explicit reconnect request.
	AutoConnect bool

	AdminUser     string
	AdminPassword string
	JWTSecret     string // hex-encoded 32-byte secret for API JWT signing
	CORSOrigins   string

	LogLevel  string
	LogFormat string
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultSIPTransport  = "udp"
	defaultSIPListenAddr = "0.0.0.0:5070"
	defaultAdminUser     = "admin"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
)

// envPrefix is the prefix for all webphone environment variables.
const envPrefix = "WEBPHONE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return loadFrom(os.Args[1:])
}

func loadFrom(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("webphone", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call history database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP control API listen port")
	fs.StringVar(&cfg.ConsoleURL, "console-url", "", "base URL of the console credential service")
	fs.StringVar(&cfg.ConsoleToken, "console-token", "", "token authenticating credential fetches against the console")
	fs.StringVar(&cfg.SIPServer, "sip-server", "", "signaling server address (host:port)")
	fs.StringVar(&cfg.SIPTransport, "sip-transport", defaultSIPTransport, "signaling transport (udp, tcp, tls)")
	fs.StringVar(&cfg.SIPListenAddr, "sip-listen-addr", defaultSIPListenAddr, "local address for inbound signaling")
	fs.BoolVar(&cfg.AutoConnect, "auto-connect", true, "connect the signaling session at startup")
	fs.StringVar(&cfg.AdminUser, "admin-user", defaultAdminUser, "username for the control API login")
	fs.StringVar(&cfg.AdminPassword, "admin-password", "", "password for the control API login")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":        envPrefix + "DATA_DIR",
		"http-port":       envPrefix + "HTTP_PORT",
		"console-url":     envPrefix + "CONSOLE_URL",
		"console-token":   envPrefix + "CONSOLE_TOKEN",
		"sip-server":      envPrefix + "SIP_SERVER",
		"sip-transport":   envPrefix + "SIP_TRANSPORT",
		"sip-listen-addr": envPrefix + "SIP_LISTEN_ADDR",
		"auto-connect":    envPrefix + "AUTO_CONNECT",
		"admin-user":      envPrefix + "ADMIN_USER",
		"admin-password":  envPrefix + "ADMIN_PASSWORD",
		"jwt-secret":      envPrefix + "JWT_SECRET",
		"cors-origins":    envPrefix + "CORS_ORIGINS",
		"log-level":       envPrefix + "LOG_LEVEL",
		"log-format":      envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "console-url":
			cfg.ConsoleURL = val
		case "console-token":
			cfg.ConsoleToken = val
		case "sip-server":
			cfg.SIPServer = val
		case "sip-transport":
			cfg.SIPTransport = val
		case "sip-listen-addr":
			cfg.SIPListenAddr = val
		case "auto-connect":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.AutoConnect = v
			}
		case "admin-user":
			cfg.AdminUser = val
		case "admin-password":
			cfg.AdminPassword = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "cors-origins":
			cfg.CORSOrigins = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.ConsoleURL == "" {
		return fmt.Errorf("console-url is required")
	}
	if c.SIPServer == "" {
		return fmt.Errorf("sip-server is required")
	}

	c.SIPTransport = strings.ToLower(c.SIPTransport)
	validTransports := map[string]bool{"udp": true, "tcp": true, "tls": true}
	if !validTransports[c.SIPTransport] {
		return fmt.Errorf("sip-transport must be one of udp, tcp, tls; got %q", c.SIPTransport)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.JWTSecret == "" {
		secret, err := generateSecret()
		if err != nil {
			return fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = secret
	}
	if _, err := c.JWTSecretBytes(); err != nil {
		return err
	}

	return nil
}

// SlogLevel maps the configured log level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// JWTSecretBytes returns the decoded JWT signing secret.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	b, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("jwt-secret must be hex-encoded: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("jwt-secret must decode to 32 bytes, got %d", len(b))
	}
	return b, nil
}

// generateSecret produces a fresh hex-encoded 32-byte secret.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
