package config

import (
	"testing"
)

func TestParsePositionalDevice(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		ble    string
		serial string
	}{
		{"ble address", []string{"AA:BB:CC:DD:EE:FF"}, "AA:BB:CC:DD:EE:FF", ""},
		{"serial path", []string{"/dev/ttyUSB0"}, "", "/dev/ttyUSB0"},
		{"ble flag", []string{"--ble-address", "aa:bb:cc:dd:ee:ff"}, "aa:bb:cc:dd:ee:ff", ""},
	}

	for _, tt := range tests {
		cfg, err := Parse(tt.args)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if cfg.BLEAddress != tt.ble || cfg.SerialDevice != tt.serial {
			t.Errorf("%s: got ble=%q serial=%q", tt.name, cfg.BLEAddress, cfg.SerialDevice)
		}
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"/dev/ttyACM0"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TCPPort != DefaultTCPPort {
		t.Errorf("expected default port %d, got %d", DefaultTCPPort, cfg.TCPPort)
	}
	if cfg.MaxCacheNodes != DefaultMaxCacheNodes {
		t.Errorf("expected default cache cap %d, got %d", DefaultMaxCacheNodes, cfg.MaxCacheNodes)
	}
	if cfg.CacheNodes {
		t.Error("caching should be off by default")
	}
}

func TestParseEnvFallback(t *testing.T) {
	t.Setenv("BLE_ADDRESS", "AA:BB:CC:DD:EE:FF")
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BLEAddress != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("expected BLE address from environment, got %q", cfg.BLEAddress)
	}

	t.Setenv("MAX_CACHE_NODES", "250")
	cfg, err = Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxCacheNodes != 250 {
		t.Errorf("expected MAX_CACHE_NODES=250, got %d", cfg.MaxCacheNodes)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no device", nil},
		{"both devices", []string{"--ble-address", "AA:BB:CC:DD:EE:FF", "--serial-device", "/dev/ttyUSB0"}},
		{"bad ble address", []string{"--ble-address", "nonsense"}},
		{"bad port", []string{"--port", "70000", "/dev/ttyUSB0"}},
		{"bad cache cap", []string{"--max-cache-nodes", "0", "/dev/ttyUSB0"}},
	}

	t.Setenv("BLE_ADDRESS", "")
	t.Setenv("SERIAL_DEVICE", "")
	for _, tt := range tests {
		if _, err := Parse(tt.args); err == nil {
			t.Errorf("%s: expected validation error, got nil", tt.name)
		}
	}
}

func TestScanSkipsDeviceValidation(t *testing.T) {
	cfg, err := Parse([]string{"--scan"})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Scan {
		t.Error("scan flag not set")
	}
}
