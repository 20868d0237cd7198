package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-wide configuration for the VMS streaming core.
type Config struct {
	HTTPAddr string

	CatalogPath string

	RecordingRoot     string
	SegmentByteCap    int64
	SessionTTL        time.Duration
	SweepInterval     time.Duration
	STUNServer        string
	RTSPConnectTimeout  time.Duration
	RTSPKeepalive       time.Duration
	ShutdownDrainWindow time.Duration
}

// Default returns the configuration used when no .env file is present,
// matching the defaults named throughout spec §4-§5.
func Default() *Config {
	return &Config{
		HTTPAddr:            ":8443",
		CatalogPath:         "cameras.json",
		RecordingRoot:       "./recordings",
		SegmentByteCap:      8 << 30, // 8 GiB
		SessionTTL:          3600 * time.Second,
		SweepInterval:       30 * time.Second,
		STUNServer:          "stun:stun.l.google.com:19302",
		RTSPConnectTimeout:  10 * time.Second,
		RTSPKeepalive:       25 * time.Second,
		ShutdownDrainWindow: 5 * time.Second,
	}
}

// Load reads configuration from a .env-style file, overlaying Default().
func Load(envPath string) (*Config, error) {
	cfg := Default()

	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		if err := cfg.set(key, decodedValue); err != nil {
			return nil, fmt.Errorf("config key %q: %w", key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	return cfg, cfg.Validate()
}

func (c *Config) set(key, value string) error {
	switch key {
	case "http_addr":
		c.HTTPAddr = value
	case "catalog_path":
		c.CatalogPath = value
	case "recording_root":
		c.RecordingRoot = value
	case "segment_byte_cap":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		c.SegmentByteCap = n
	case "session_ttl_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.SessionTTL = time.Duration(n) * time.Second
	case "sweep_interval_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.SweepInterval = time.Duration(n) * time.Second
	case "stun_server":
		c.STUNServer = value
	case "rtsp_connect_timeout_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.RTSPConnectTimeout = time.Duration(n) * time.Second
	case "rtsp_keepalive_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.RTSPKeepalive = time.Duration(n) * time.Second
	case "shutdown_drain_seconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.ShutdownDrainWindow = time.Duration(n) * time.Second
	}
	return nil
}

// Validate checks that required configuration fields are present.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("missing http_addr")
	}
	if c.CatalogPath == "" {
		return fmt.Errorf("missing catalog_path")
	}
	if c.RecordingRoot == "" {
		return fmt.Errorf("missing recording_root")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl_seconds must be positive")
	}
	return nil
}
