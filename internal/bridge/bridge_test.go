package bridge

import (
	"context"
	"strings"
	"sync"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/cache"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/config"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/session"
)

func serialConfig() *config.Config {
	return &config.Config{
		SerialDevice:   "/dev/ttyUSB0",
		BaudRate:       config.DefaultBaudRate,
		TCPPort:        config.DefaultTCPPort,
		CacheNodes:     true,
		MaxCacheNodes:  config.DefaultMaxCacheNodes,
		PrewarmTimeout: "30s",
	}
}

func nodePayload(num uint32) []byte {
	node := protowire.AppendTag(nil, 1, protowire.VarintType)
	node = protowire.AppendVarint(node, uint64(num))
	b := protowire.AppendTag(nil, 4, protowire.BytesType)
	return protowire.AppendBytes(b, node)
}

func TestNewSelectsTransport(t *testing.T) {
	b := New(serialConfig())
	if !strings.HasPrefix(b.transport.Describe(), "serial") {
		t.Errorf("transport = %q, want serial", b.transport.Describe())
	}

	cfg := serialConfig()
	cfg.SerialDevice = ""
	cfg.BLEAddress = "AA:BB:CC:DD:EE:FF"
	b = New(cfg)
	if !strings.HasPrefix(b.transport.Describe(), "ble") {
		t.Errorf("transport = %q, want ble", b.transport.Describe())
	}
}

func TestDevicePayloadFeedsCache(t *testing.T) {
	b := New(serialConfig())
	b.cache.BeginRecording(0x42)

	b.onDevicePayload(nodePayload(7))

	if b.cache.Len() != 1 {
		t.Fatalf("cache holds %d entries, want 1", b.cache.Len())
	}
	if b.cache.NodeCount() != 1 {
		t.Fatalf("cache holds %d nodes, want 1", b.cache.NodeCount())
	}
}

func TestOversizedPayloadDropped(t *testing.T) {
	b := New(serialConfig())
	b.cache.BeginRecording(0x42)

	b.onDevicePayload(make([]byte, 600))

	if b.cache.Len() != 0 {
		t.Fatalf("cache holds %d entries, want 0", b.cache.Len())
	}
}

// stubTransport connects on demand and blocks reads until cancelled.
type stubTransport struct {
	mu        sync.Mutex
	connected bool
	written   [][]byte
}

func (s *stubTransport) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *stubTransport) ReadNext(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stubTransport) Write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, payload)
	return nil
}

func (s *stubTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubTransport) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *stubTransport) Describe() string { return "stub" }

func (s *stubTransport) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

// connectedBridge swaps the bridge's device link for a stub so the
// session reaches the connected state without hardware.
func connectedBridge(t *testing.T, cfg *config.Config) (*Bridge, *stubTransport) {
	t.Helper()
	b := New(cfg)
	st := &stubTransport{}
	b.session = session.New(st, b.onDevicePayload)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := b.session.Start(ctx); err != nil {
		t.Fatalf("session start failed: %v", err)
	}
	t.Cleanup(b.session.Stop)
	return b, st
}

func TestReconnectRestartsRecording(t *testing.T) {
	b, st := connectedBridge(t, serialConfig())
	b.cache.BeginRecording(0x42)
	b.onReconnect()

	if b.cache.State() != cache.StateRecording {
		t.Errorf("cache state = %v, want recording", b.cache.State())
	}
	if b.cache.ConfigID() == 0x42 {
		t.Error("reconnect did not start a fresh config cycle")
	}
	if st.writeCount() != 1 {
		t.Errorf("device received %d writes, want 1 config request", st.writeCount())
	}
}

func TestReconnectRefreshFailureAbandonsRecording(t *testing.T) {
	b := New(serialConfig()) // session never connected, Send fails
	b.onReconnect()

	if b.cache.State() != cache.StateEmpty {
		t.Errorf("cache state = %v, want empty after failed refresh", b.cache.State())
	}
}

func TestPrewarmSendFailureAbandonsRecording(t *testing.T) {
	b := New(serialConfig()) // session never connected, Send fails
	b.prewarm(context.Background())

	if b.cache.State() != cache.StateEmpty {
		t.Fatalf("cache state = %v, want empty after failed pre-warm", b.cache.State())
	}

	// Live traffic after the failed pre-warm must not accumulate.
	for i := 0; i < 50; i++ {
		b.onDevicePayload(nodePayload(uint32(i + 1)))
	}
	if b.cache.Len() != 0 {
		t.Fatalf("cache holds %d entries after abandoned pre-warm, want 0", b.cache.Len())
	}

	// A client-driven cycle still works afterwards.
	b.cache.BeginRecording(0x99)
	b.onDevicePayload(nodePayload(7))
	var done []byte
	done = protowire.AppendTag(done, 7, protowire.VarintType)
	done = protowire.AppendVarint(done, 0x99)
	b.onDevicePayload(done)
	if !b.cache.Complete() {
		t.Fatal("cache did not complete on the client-driven cycle")
	}
}

func TestPrewarmTimeoutAbandonsRecording(t *testing.T) {
	cfg := serialConfig()
	cfg.PrewarmTimeout = "1s"
	b, st := connectedBridge(t, cfg)

	// The request goes out but no completion ever arrives.
	b.prewarm(context.Background())

	if st.writeCount() != 1 {
		t.Errorf("device received %d writes, want 1 config request", st.writeCount())
	}
	if b.cache.State() != cache.StateEmpty {
		t.Errorf("cache state = %v, want empty after pre-warm timeout", b.cache.State())
	}
	if b.cache.Len() != 0 {
		t.Errorf("cache holds %d entries after pre-warm timeout, want 0", b.cache.Len())
	}
}
