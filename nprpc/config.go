// Copyright 2025 The NPRPC Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package nprpc

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/nikitapn/nprpc/internal/strictjson"
)

// LogLevel mirrors spec §6's log_level enum, mapped onto slog's levels plus
// an explicit "off".
type LogLevel string

const (
	LogOff      LogLevel = "off"
	LogCritical LogLevel = "critical"
	LogError    LogLevel = "error"
	LogWarn     LogLevel = "warn"
	LogInfo     LogLevel = "info"
	LogDebug    LogLevel = "debug"
	LogTrace    LogLevel = "trace"
)

// SlogLevel converts l to the nearest slog.Level. "off" is approximated by
// a level above Error that nothing logs at in practice; critical and trace
// likewise approximate to the nearest stdlib level since slog has no native
// concept of either.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogOff, LogCritical:
		return slog.LevelError + 4
	case LogError:
		return slog.LevelError
	case LogWarn:
		return slog.LevelWarn
	case LogInfo:
		return slog.LevelInfo
	case LogDebug, LogTrace:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Config is the single process-wide configuration record (spec §6). It is
// constructed programmatically (DefaultConfig + field assignment) or loaded
// from a JSON file with LoadConfig.
type Config struct {
	LogLevel LogLevel  `json:"log_level"`
	Uuid     uuid.UUID `json:"uuid"`

	TcpPort  uint16 `json:"tcp_port"`
	UdpPort  uint16 `json:"udp_port"`
	QuicPort uint16 `json:"quic_port"`
	HttpPort uint16 `json:"http_port"`

	HttpSslEnabled bool `json:"http_ssl_enabled"`
	Http3Enabled   bool `json:"http3_enabled"`
	SsrEnabled     bool `json:"ssr_enabled"`

	HttpCertFile     string `json:"http_cert_file"`
	HttpKeyFile      string `json:"http_key_file"`
	HttpDhparamsFile string `json:"http_dhparams_file"`
	QuicCertFile     string `json:"quic_cert_file"`
	QuicKeyFile      string `json:"quic_key_file"`

	// QuicInsecureSkipVerify disables TLS certificate verification on
	// outbound QUIC dials. Only ever set this for local development against
	// a self-signed QuicCertFile; it is never implied by any other field.
	QuicInsecureSkipVerify bool `json:"quic_insecure_skip_verify"`

	HttpRootDir   string `json:"http_root_dir"`
	SsrHandlerDir string `json:"ssr_handler_dir"`

	Hostname string `json:"hostname"`

	// RingSize overrides DefaultRingSize for every shared-memory channel
	// this process creates. Zero means "use the default".
	RingSize int `json:"ring_size"`
}

// DefaultConfig returns a Config with every listener disabled, a fresh
// random process UUID, and info-level logging — a safe starting point for
// example binaries and tests, which then enable exactly the transports they
// exercise.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: LogInfo,
		Uuid:     uuid.New(),
		Hostname: "localhost",
		RingSize: DefaultRingSize,
	}
}

// LoadConfig reads and strictly decodes a JSON config file: unknown fields,
// and keys that differ from a field's tag or from each other only in case,
// are rejected, not silently ignored (a key repeated with the exact same
// spelling is not detected), since a malformed
// config silently dropping e.g. http_ssl_enabled would be a security
// regression, not just a typo.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nprpc: read config %q: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := strictjson.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("nprpc: parse config %q: %w", path, err)
	}
	return cfg, nil
}

// NewLogger builds the *slog.Logger every package-level component is
// constructed with, honoring cfg.LogLevel (spec's ambient logging stack).
func (c *Config) NewLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel.SlogLevel()})
	return slog.New(h)
}
