package hub

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/cache"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/frame"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/mesh"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/transport"
)

type fakeDevice struct {
	mu   sync.Mutex
	sent [][]byte
	raw  [][]byte
	err  error
}

func (d *fakeDevice) Send(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, payload)
	return nil
}

func (d *fakeDevice) SendRaw(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.raw = append(d.raw, append([]byte(nil), b...))
	return nil
}

func (d *fakeDevice) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func (d *fakeDevice) rawCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.raw)
}

func configRequestPayload(id uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(id))
}

func configCompletePayload(id uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, 7, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(id))
}

func nodeInfoPayload(num uint32) []byte {
	var node []byte
	node = protowire.AppendTag(node, 1, protowire.VarintType)
	node = protowire.AppendVarint(node, uint64(num))

	var b []byte
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	return protowire.AppendBytes(b, node)
}

func completeCache(t *testing.T, recordedID uint32, nodes ...uint32) *cache.SnapshotCache {
	t.Helper()
	c := cache.New(100)
	c.BeginRecording(recordedID)
	for _, n := range nodes {
		raw := nodeInfoPayload(n)
		framed, err := frame.Encode(raw)
		if err != nil {
			t.Fatalf("frame.Encode failed: %v", err)
		}
		c.Observe(raw, framed)
	}
	raw := configCompletePayload(recordedID)
	framed, err := frame.Encode(raw)
	if err != nil {
		t.Fatalf("frame.Encode failed: %v", err)
	}
	c.Observe(raw, framed)
	if !c.Complete() {
		t.Fatal("cache did not complete")
	}
	return c
}

func startHub(t *testing.T, device DeviceLink, c *cache.SnapshotCache) *Hub {
	t.Helper()
	h := New(0, device, c, false)
	if err := h.Start(); err != nil {
		t.Fatalf("hub start failed: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func dialHub(t *testing.T, h *Hub) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", h.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConfigRequestServedFromCache(t *testing.T) {
	device := &fakeDevice{}
	c := completeCache(t, 0x1111, 10, 20)
	h := startHub(t, device, c)
	conn := dialHub(t, h)

	req, err := frame.Encode(configRequestPayload(0x2222))
	if err != nil {
		t.Fatalf("frame.Encode failed: %v", err)
	}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var payloads [][]byte
	for i := 0; i < 3; i++ {
		p, err := frame.Read(conn)
		if err != nil {
			t.Fatalf("read frame %d failed: %v", i, err)
		}
		payloads = append(payloads, p)
	}

	// Two node entries, then the completion with the requested id.
	last, err := mesh.DecodeFromRadio(payloads[2])
	if err != nil {
		t.Fatalf("decode terminal failed: %v", err)
	}
	if last.Kind != mesh.KindConfigComplete || last.ConfigID != 0x2222 {
		t.Errorf("terminal = %+v, want config complete id 0x2222", last)
	}
	if device.sentCount() != 0 {
		t.Errorf("device received %d payloads, want 0", device.sentCount())
	}
}

func TestConfigRequestForwardedWhenCacheEmpty(t *testing.T) {
	device := &fakeDevice{}
	c := cache.New(100)
	h := startHub(t, device, c)
	conn := dialHub(t, h)

	raw := configRequestPayload(0x3333)
	req, _ := frame.Encode(raw)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, "device forward", func() bool { return device.sentCount() == 1 })
	device.mu.Lock()
	forwarded := device.sent[0]
	device.mu.Unlock()
	if !bytes.Equal(forwarded, raw) {
		t.Errorf("forwarded payload %v, want %v", forwarded, raw)
	}
	if c.State() != cache.StateRecording {
		t.Errorf("cache state = %v, want recording", c.State())
	}
	if c.ConfigID() != 0x3333 {
		t.Errorf("cache config id = %#x, want 0x3333", c.ConfigID())
	}
}

func TestWakeBytesForwardedRaw(t *testing.T) {
	device := &fakeDevice{}
	h := startHub(t, device, cache.New(100))
	conn := dialHub(t, h)

	wake := bytes.Repeat([]byte{frame.Start2}, wakeFlushSize)
	if _, err := conn.Write(wake); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, "wake flush", func() bool { return device.rawCount() == 1 })
	device.mu.Lock()
	got := device.raw[0]
	device.mu.Unlock()
	if !bytes.Equal(got, wake) {
		t.Errorf("raw bytes %v, want %v", got, wake)
	}
}

func TestPayloadDroppedWhenDeviceDisconnected(t *testing.T) {
	device := &fakeDevice{err: transport.ErrNotConnected}
	h := startHub(t, device, cache.New(100))
	conn := dialHub(t, h)

	req, _ := frame.Encode([]byte{0x08, 0x01})
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The client must stay attached even though the payload was dropped.
	time.Sleep(100 * time.Millisecond)
	if h.ClientCount() != 1 {
		t.Errorf("client count = %d, want 1", h.ClientCount())
	}
}

func TestBroadcastIsolatesFailedClient(t *testing.T) {
	device := &fakeDevice{}
	h := New(0, device, cache.New(100), false)
	h.ln, _ = net.Listen("tcp", ":0")
	defer h.ln.Close()

	goodSrv, goodCli := net.Pipe()
	defer goodCli.Close()
	badSrv, badCli := net.Pipe()
	h.manager.Add(goodSrv)
	h.manager.Add(badSrv)
	badSrv.Close()
	badCli.Close()

	framed, _ := frame.Encode([]byte{0x08, 0x01})
	done := make(chan []byte, 1)
	go func() {
		p, err := frame.Read(goodCli)
		if err != nil {
			done <- nil
			return
		}
		done <- p
	}()

	h.Broadcast(framed)

	select {
	case p := <-done:
		if !bytes.Equal(p, []byte{0x08, 0x01}) {
			t.Errorf("good client got %v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("good client never received the broadcast")
	}
	if h.ClientCount() != 1 {
		t.Errorf("client count = %d, want 1", h.ClientCount())
	}
}

func TestBadMarkerResync(t *testing.T) {
	device := &fakeDevice{}
	h := startHub(t, device, cache.New(100))
	conn := dialHub(t, h)

	raw := configRequestPayload(0x4444)
	framed, _ := frame.Encode(raw)
	// A stray first marker byte followed by a real frame.
	stream := append([]byte{frame.Start1}, framed...)
	if _, err := conn.Write(stream); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	waitFor(t, "device forward", func() bool { return device.sentCount() == 1 })
	device.mu.Lock()
	forwarded := device.sent[0]
	device.mu.Unlock()
	if !bytes.Equal(forwarded, raw) {
		t.Errorf("forwarded payload %v, want %v", forwarded, raw)
	}
}

func TestReplayOnAccept(t *testing.T) {
	device := &fakeDevice{}
	c := completeCache(t, 0x5555, 7)
	h := New(0, device, c, true)
	if err := h.Start(); err != nil {
		t.Fatalf("hub start failed: %v", err)
	}
	t.Cleanup(h.Stop)
	conn := dialHub(t, h)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var payloads [][]byte
	for i := 0; i < 2; i++ {
		p, err := frame.Read(conn)
		if err != nil {
			t.Fatalf("read frame %d failed: %v", i, err)
		}
		payloads = append(payloads, p)
	}
	last, err := mesh.DecodeFromRadio(payloads[1])
	if err != nil {
		t.Fatalf("decode terminal failed: %v", err)
	}
	if last.Kind != mesh.KindConfigComplete || last.ConfigID != 0x5555 {
		t.Errorf("terminal = %+v, want config complete id 0x5555", last)
	}
}
