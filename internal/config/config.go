// Package config parses and validates the bridge configuration from CLI
// flags with environment-variable fallbacks, before any core component
// is constructed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/utils"
)

const (
	DefaultTCPPort       = 4403
	DefaultBaudRate      = 115200
	DefaultMaxCacheNodes = 500
	DefaultAvahiDir      = "/etc/avahi/services"
)

type Config struct {
	BLEAddress   string // BLE MAC address, exclusive with SerialDevice
	SerialDevice string // serial device path, exclusive with BLEAddress
	BaudRate     int
	TCPPort      int

	CacheNodes     bool // snapshot the config stream and serve it on want_config_id
	MaxCacheNodes  int
	ReplayOnAccept bool   // push the snapshot to clients as soon as they connect
	PrewarmTimeout string // e.g. "30s", parsed by utils.ParseStringTime

	AvahiDir string // where Avahi service files are dropped, empty disables mDNS

	Scan    bool
	Verbose bool
}

// Parse reads flags and environment variables. The device address may be
// given positionally, via --ble-address/--serial-device, or via the
// BLE_ADDRESS/SERIAL_DEVICE environment variables (container usage).
func Parse(args []string) (*Config, error) {
	cfg := &Config{}

	fs := pflag.NewFlagSet("meshbridge", pflag.ContinueOnError)
	fs.StringVar(&cfg.BLEAddress, "ble-address", "", "BLE MAC address of the device (e.g. AA:BB:CC:DD:EE:FF)")
	fs.StringVar(&cfg.SerialDevice, "serial-device", "", "serial device path (e.g. /dev/ttyUSB0)")
	fs.IntVar(&cfg.BaudRate, "baud", DefaultBaudRate, "serial baud rate")
	fs.IntVar(&cfg.TCPPort, "port", DefaultTCPPort, "TCP port to listen on")
	fs.BoolVar(&cfg.CacheNodes, "cache-nodes", false, "cache the config response and replay it to clients")
	fs.IntVar(&cfg.MaxCacheNodes, "max-cache-nodes", DefaultMaxCacheNodes, "maximum number of nodes to cache")
	fs.BoolVar(&cfg.ReplayOnAccept, "replay-on-accept", false, "replay the cached snapshot to newly connected clients")
	fs.StringVar(&cfg.PrewarmTimeout, "prewarm-timeout", "30s", "how long to wait for the config cache to pre-warm")
	fs.StringVar(&cfg.AvahiDir, "avahi-dir", DefaultAvahiDir, "Avahi services directory for mDNS publishing, empty disables")
	fs.BoolVar(&cfg.Scan, "scan", false, "scan for Meshtastic BLE devices and exit")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// A single positional argument is the device: a MAC address for BLE,
	// anything else is treated as a serial device path.
	if rest := fs.Args(); len(rest) > 1 {
		return nil, fmt.Errorf("unexpected arguments: %v", rest[1:])
	} else if len(rest) == 1 {
		if looksLikeBLEAddress(rest[0]) {
			cfg.BLEAddress = rest[0]
		} else {
			cfg.SerialDevice = rest[0]
		}
	}

	if cfg.BLEAddress == "" {
		cfg.BLEAddress = os.Getenv("BLE_ADDRESS")
	}
	if cfg.SerialDevice == "" {
		cfg.SerialDevice = os.Getenv("SERIAL_DEVICE")
	}
	if v := os.Getenv("MAX_CACHE_NODES"); v != "" && !fs.Changed("max-cache-nodes") {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_CACHE_NODES value %q", v)
		}
		cfg.MaxCacheNodes = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Scan {
		return nil
	}
	if cfg.BLEAddress == "" && cfg.SerialDevice == "" {
		return errors.New("a device is required: pass a BLE address or a serial device path, or set BLE_ADDRESS/SERIAL_DEVICE")
	}
	if cfg.BLEAddress != "" && cfg.SerialDevice != "" {
		return errors.New("BLE address and serial device are mutually exclusive")
	}
	if cfg.BLEAddress != "" && !looksLikeBLEAddress(cfg.BLEAddress) {
		return fmt.Errorf("invalid BLE address %q, expected XX:XX:XX:XX:XX:XX", cfg.BLEAddress)
	}
	if cfg.TCPPort < 1 || cfg.TCPPort > 65535 {
		return fmt.Errorf("invalid TCP port %d", cfg.TCPPort)
	}
	if cfg.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", cfg.BaudRate)
	}
	if cfg.MaxCacheNodes <= 0 {
		return fmt.Errorf("invalid max cache nodes %d", cfg.MaxCacheNodes)
	}
	if cfg.CacheNodes && utils.ParseStringTime(cfg.PrewarmTimeout) == 0 {
		return fmt.Errorf("invalid prewarm timeout %q", cfg.PrewarmTimeout)
	}
	return nil
}

func looksLikeBLEAddress(s string) bool {
	if len(s) != 17 {
		return false
	}
	for i, c := range s {
		if (i+1)%3 == 0 {
			if c != ':' {
				return false
			}
			continue
		}
		hex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !hex {
			return false
		}
	}
	return true
}
