package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hiroba-chat/broker/internal/v1/logging"
)

// Defaults for the optional environment variables.
const (
	DefaultTCPAddr           = "127.0.0.1:8000"
	DefaultUDPAddr           = "127.0.0.1:8001"
	DefaultOpsAddr           = ":8080"
	DefaultReapInterval      = 20 * time.Second
	DefaultInactivityTimeout = 300 * time.Second
	DefaultHandshakeTimeout  = 30 * time.Second
	DefaultMaxPayload        = 1 << 20
)

// Config holds validated environment configuration
type Config struct {
	TCPAddr string
	UDPAddr string
	OpsAddr string // empty disables the ops HTTP server

	ReapInterval      time.Duration
	InactivityTimeout time.Duration
	HandshakeTimeout  time.Duration
	MaxPayload        int

	GoEnv    string
	LogLevel string

	OTELCollectorAddr string // empty disables tracing
}

// ValidateEnv validates all environment variables and returns a Config object.
// Returns an error if any variable is present but invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Optional: TCP_ADDR (handshake listener, defaults to loopback)
	cfg.TCPAddr = getEnvOrDefault("TCP_ADDR", DefaultTCPAddr)
	if !isValidBindAddr(cfg.TCPAddr) {
		errors = append(errors, fmt.Sprintf("TCP_ADDR must be in format 'host:port' (got '%s')", cfg.TCPAddr))
	}

	// Optional: UDP_ADDR (datagram listener, defaults to loopback)
	cfg.UDPAddr = getEnvOrDefault("UDP_ADDR", DefaultUDPAddr)
	if !isValidBindAddr(cfg.UDPAddr) {
		errors = append(errors, fmt.Sprintf("UDP_ADDR must be in format 'host:port' (got '%s')", cfg.UDPAddr))
	}

	// Optional: OPS_ADDR (health + metrics HTTP server, empty string disables)
	if v, exists := os.LookupEnv("OPS_ADDR"); exists {
		cfg.OpsAddr = v
	} else {
		cfg.OpsAddr = DefaultOpsAddr
	}
	if cfg.OpsAddr != "" && !isValidBindAddr(cfg.OpsAddr) {
		errors = append(errors, fmt.Sprintf("OPS_ADDR must be in format 'host:port' (got '%s')", cfg.OpsAddr))
	}

	// Optional durations
	var err error
	if cfg.ReapInterval, err = getDurationOrDefault("REAP_INTERVAL", DefaultReapInterval); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.InactivityTimeout, err = getDurationOrDefault("INACTIVITY_TIMEOUT", DefaultInactivityTimeout); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.HandshakeTimeout, err = getDurationOrDefault("HANDSHAKE_TIMEOUT", DefaultHandshakeTimeout); err != nil {
		errors = append(errors, err.Error())
	}

	// Optional: MAX_PAYLOAD (cap on the 29-byte length field of a frame)
	cfg.MaxPayload = DefaultMaxPayload
	if v, exists := os.LookupEnv("MAX_PAYLOAD"); exists {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errors = append(errors, fmt.Sprintf("MAX_PAYLOAD must be a positive integer (got '%s')", v))
		} else {
			cfg.MaxPayload = n
		}
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Optional: OTEL_COLLECTOR_ADDR (empty disables tracing)
	cfg.OTELCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidBindAddr checks if a string is in the format "host:port".
// An empty host is allowed (bind on all interfaces).
func isValidBindAddr(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration
func logValidatedConfig(cfg *Config) {
	logging.Info(nil, "Environment configuration validated",
		zap.String("tcp_addr", cfg.TCPAddr),
		zap.String("udp_addr", cfg.UDPAddr),
		zap.String("ops_addr", cfg.OpsAddr),
		zap.Duration("reap_interval", cfg.ReapInterval),
		zap.Duration("inactivity_timeout", cfg.InactivityTimeout),
		zap.Duration("handshake_timeout", cfg.HandshakeTimeout),
		zap.Int("max_payload", cfg.MaxPayload),
		zap.String("go_env", cfg.GoEnv),
		zap.String("log_level", cfg.LogLevel),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// getDurationOrDefault parses an environment variable as a time.Duration
func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration (got '%s')", key, v)
	}
	return d, nil
}
