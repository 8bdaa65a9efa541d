// Package config loads the TOML settings for the xshm CLI entrypoints,
// extended with .env/environment overrides. Ported from the teacher's
// config/config.go, which only ever loaded an [exchanges] table.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level xshm-server/xshm-client/xshm-bridge settings
// document.
type Config struct {
	Transport TransportConfig `toml:"transport"`
}

// Mode selects which multiplexing strategy a server process runs.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeSlot     Mode = "slot"
	ModeDispatch Mode = "dispatch"
)

// TransportConfig holds the operational knobs for the ring-pair transport:
// ring geometry is fixed at compile time (see xshm.RingCapacity), so
// everything here is about where segments live and how workers are timed.
type TransportConfig struct {
	// BaseDir is the directory segments and event FIFOs are created under.
	// Defaults to xshm.DefaultBaseDir when empty.
	BaseDir string `toml:"base_dir"`
	// Name is the base channel name (lobby name in slot/dispatch mode).
	Name string `toml:"name"`
	// Mode selects single, slot, or dispatch multiplexing.
	Mode Mode `toml:"mode"`
	// MaxClients bounds the slot multiplexer's fixed slot table (§4.5).
	MaxClients uint32 `toml:"max_clients"`

	WaitTimeoutMillis    int64 `toml:"wait_timeout_ms"`
	ReconnectDelayMillis int64 `toml:"reconnect_delay_ms"`
	ConnectTimeoutMillis int64 `toml:"connect_timeout_ms"`
	RecvBatch            int   `toml:"recv_batch"`

	// BridgeListenAddr is the address cmd/xshm-bridge serves its WebSocket
	// monitor endpoint on.
	BridgeListenAddr string `toml:"bridge_listen_addr"`
}

// WaitTimeout, ReconnectDelay and ConnectTimeout convert the millisecond
// TOML fields into time.Duration, substituting sane defaults for zero
// values so a minimal config.toml works unmodified.
func (t TransportConfig) WaitTimeout() time.Duration {
	return durationOrDefault(t.WaitTimeoutMillis, 50*time.Millisecond)
}

func (t TransportConfig) ReconnectDelay() time.Duration {
	return durationOrDefault(t.ReconnectDelayMillis, 250*time.Millisecond)
}

func (t TransportConfig) ConnectTimeout() time.Duration {
	return durationOrDefault(t.ConnectTimeoutMillis, 2*time.Second)
}

func durationOrDefault(millis int64, fallback time.Duration) time.Duration {
	if millis <= 0 {
		return fallback
	}
	return time.Duration(millis) * time.Millisecond
}

// Load reads a TOML config file from path, then applies XSHM_* environment
// overrides on top of it. It is not an error for path not to exist: an
// empty Config with environment overrides applied is returned instead, so a
// CLI can run purely off the environment.
func Load(path string) (*Config, error) {
	var c Config

	if b, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(&c)
	return &c, nil
}

// LoadWithDotenv loads a .env file (if present) into the process
// environment, then calls Load. The teacher's go.mod declared godotenv but
// never called it; the CLI entrypoints are where it's exercised for real.
func LoadWithDotenv(envPath, configPath string) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return Load(configPath)
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("XSHM_BASE_DIR"); v != "" {
		c.Transport.BaseDir = v
	}
	if v := os.Getenv("XSHM_NAME"); v != "" {
		c.Transport.Name = v
	}
	if v := os.Getenv("XSHM_MODE"); v != "" {
		c.Transport.Mode = Mode(v)
	}
	if v := os.Getenv("XSHM_MAX_CLIENTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.Transport.MaxClients = uint32(n)
		}
	}
	if v := os.Getenv("XSHM_RECV_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transport.RecvBatch = n
		}
	}
	if v := os.Getenv("XSHM_BRIDGE_LISTEN_ADDR"); v != "" {
		c.Transport.BridgeListenAddr = v
	}
}
