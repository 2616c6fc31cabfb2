package mdns

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPublishAndRemove(t *testing.T) {
	dir := t.TempDir()
	p := NewPublisher(dir)

	p.Publish("ble", "AA:BB:CC:DD:EE:FF", 4403)

	want := filepath.Join(dir, "meshtastic-bridge-aabbccddeeff.service")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("service file not written: %v", err)
	}
	content := string(data)
	for _, fragment := range []string{
		"<type>_meshtastic._tcp</type>",
		"<port>4403</port>",
		"<txt-record>bridge=ble</txt-record>",
		"<txt-record>device=AA:BB:CC:DD:EE:FF</txt-record>",
	} {
		if !strings.Contains(content, fragment) {
			t.Errorf("service file missing %q", fragment)
		}
	}

	p.Remove()
	if _, err := os.Stat(want); !os.IsNotExist(err) {
		t.Errorf("service file still present after Remove")
	}
}

func TestPublishFailureIsNonFatal(t *testing.T) {
	p := NewPublisher(filepath.Join(t.TempDir(), "missing"))
	p.Publish("serial", "/dev/ttyUSB0", 4403)
	p.Remove()
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"AA:BB:CC:DD:EE:FF": "aabbccddeeff",
		"/dev/ttyUSB0":      "dev-ttyusb0",
	}
	for in, want := range cases {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
