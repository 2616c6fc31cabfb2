package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/logger"
)

// Meshtastic GATT service and characteristic UUIDs.
const (
	meshServiceUUID   = "6ba1b218-15a8-461f-9fa8-5dcae273eafd"
	toRadioUUID       = "f75c76d2-129e-4dad-a1dd-7866124401e7"
	fromRadioUUID     = "2c55e69e-4993-11ed-b878-0242ac120002"
	fromNumUUID       = "ed9da18c-a800-4f66-a670-aa7547e34453"

	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"

	bleConnectTimeout  = 20 * time.Second
	bleResolveTimeout  = 15 * time.Second
	blePollInterval    = 100 * time.Millisecond
	bleMonitorInterval = 2 * time.Second
)

// BLE talks to a device over Bluetooth LE GATT via the BlueZ D-Bus API.
// BLE handles packetization natively, so payloads cross the link without
// the 0x94 0xC3 framing. fromRadio is drained on fromNum notifications
// and additionally polled, matching the device's read-based API.
type BLE struct {
	address string
	adapter string

	mu        sync.Mutex
	conn      *dbus.Conn
	connected bool
	closed    bool

	devicePath    dbus.ObjectPath
	toRadioPath   dbus.ObjectPath
	fromRadioPath dbus.ObjectPath
	fromNumPath   dbus.ObjectPath

	packetCh chan []byte
	lostCh   chan struct{}
	stopCh   chan struct{}
}

func NewBLE(address, adapter string) *BLE {
	if adapter == "" {
		adapter = "hci0"
	}
	return &BLE{
		address:  address,
		adapter:  adapter,
		packetCh: make(chan []byte, 64),
	}
}

func (t *BLE) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.connected {
		return nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("fail to connect to system D-Bus, details: %w", err)
	}
	t.conn = conn
	t.devicePath = devicePath(t.adapter, t.address)

	if err := t.connectDevice(ctx); err != nil {
		t.conn = nil
		return err
	}
	if err := t.waitServicesResolved(ctx); err != nil {
		t.disconnectDevice()
		t.conn = nil
		return err
	}
	if err := t.discoverCharacteristics(); err != nil {
		t.disconnectDevice()
		t.conn = nil
		return err
	}

	t.stopCh = make(chan struct{})
	t.lostCh = make(chan struct{})
	if err := t.subscribeFromNum(t.stopCh); err != nil {
		t.disconnectDevice()
		t.conn = nil
		return err
	}
	go t.monitorConnection(t.conn, t.stopCh)

	t.connected = true
	logger.InfoF("Connected to BLE device %s via %s", t.address, t.adapter)
	return nil
}

func (t *BLE) connectDevice(ctx context.Context) error {
	device := t.conn.Object(bluezBus, t.devicePath)

	connected, err := getProperty[bool](t.conn, t.devicePath, bluezDevice1, "Connected")
	if err == nil && connected {
		logger.DebugF("BLE device %s already connected", t.address)
		return nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, bleConnectTimeout)
	defer cancel()
	call := device.CallWithContext(connectCtx, bluezDevice1+".Connect", 0)
	if call.Err != nil {
		return fmt.Errorf("BlueZ connect failed for %s, details: %w", t.address, call.Err)
	}
	return nil
}

func (t *BLE) waitServicesResolved(ctx context.Context) error {
	deadline := time.After(bleResolveTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("BLE service discovery timed out after %v", bleResolveTimeout)
		case <-ticker.C:
			resolved, err := getProperty[bool](t.conn, t.devicePath, bluezDevice1, "ServicesResolved")
			if err == nil && resolved {
				return nil
			}
		}
	}
}

func (t *BLE) discoverCharacteristics() error {
	objects, err := managedObjects(t.conn)
	if err != nil {
		return err
	}

	prefix := string(t.devicePath) + "/"
	for path, ifaces := range objects {
		charProps, ok := ifaces[bluezGattChar]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		uuidVar, ok := charProps["UUID"]
		if !ok {
			continue
		}
		uuid, ok := uuidVar.Value().(string)
		if !ok {
			continue
		}
		switch strings.ToLower(uuid) {
		case toRadioUUID:
			t.toRadioPath = path
		case fromRadioUUID:
			t.fromRadioPath = path
		case fromNumUUID:
			t.fromNumPath = path
		}
	}

	if t.toRadioPath == "" || t.fromRadioPath == "" || t.fromNumPath == "" {
		return fmt.Errorf("meshtastic GATT characteristics not found on %s", t.address)
	}
	logger.DebugF("Discovered GATT characteristics for %s", t.address)
	return nil
}

// subscribeFromNum enables notifications on fromNum and drains fromRadio
// whenever one fires. A polling ticker covers firmware that signals
// unreliably, mirroring the read-based polling of the BLE API.
func (t *BLE) subscribeFromNum(stop <-chan struct{}) error {
	matchRule := fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'",
		bluezBus, dbusProperties, t.fromNumPath,
	)
	if call := t.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule); call.Err != nil {
		return fmt.Errorf("fail to add D-Bus signal match, details: %w", call.Err)
	}
	if call := t.conn.Object(bluezBus, t.fromNumPath).Call(bluezGattChar+".StartNotify", 0); call.Err != nil {
		return fmt.Errorf("StartNotify failed, details: %w", call.Err)
	}

	sigCh := make(chan *dbus.Signal, 64)
	t.conn.Signal(sigCh)

	go func() {
		ticker := time.NewTicker(blePollInterval)
		defer ticker.Stop()
		conn := t.conn
		for {
			select {
			case <-stop:
				conn.RemoveSignal(sigCh)
				return
			case <-ticker.C:
				t.drainFromRadio()
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Path == t.fromNumPath && sig.Name == dbusProperties+".PropertiesChanged" {
					t.drainFromRadio()
				}
			}
		}
	}()

	go t.drainFromRadio()
	return nil
}

// drainFromRadio reads all pending fromRadio packets into the queue.
// The queue is bounded; when the consumer lags, the incoming packet is
// dropped rather than blocking the link.
func (t *BLE) drainFromRadio() {
	t.mu.Lock()
	conn, path := t.conn, t.fromRadioPath
	t.mu.Unlock()
	if conn == nil || path == "" {
		return
	}

	for i := 0; i < 100; i++ {
		obj := conn.Object(bluezBus, path)
		call := obj.Call(bluezGattChar+".ReadValue", 0, map[string]dbus.Variant{})
		if call.Err != nil {
			return
		}
		var data []byte
		if err := call.Store(&data); err != nil || len(data) == 0 {
			return
		}
		select {
		case t.packetCh <- data:
		default:
			logger.Warn("BLE packet queue full, dropping packet")
		}
	}
}

// monitorConnection watches the Connected property and signals loss to
// ReadNext. BlueZ also invokes no callback on disconnect; polling the
// property is the reliable detection path.
func (t *BLE) monitorConnection(conn *dbus.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(bleMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			connected, err := getProperty[bool](conn, t.devicePath, bluezDevice1, "Connected")
			if err != nil || !connected {
				logger.WarnF("BLE device %s disconnected", t.address)
				t.markLost()
				return
			}
		}
	}
}

func (t *BLE) markLost() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return
	}
	t.connected = false
	close(t.lostCh)
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
}

func (t *BLE) ReadNext(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	lostCh, closed := t.lostCh, t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if lostCh == nil {
		return nil, ErrNotConnected
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-lostCh:
		return nil, ErrLost
	case data := <-t.packetCh:
		return data, nil
	}
}

func (t *BLE) Write(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if !t.connected || t.conn == nil {
		return ErrNotConnected
	}

	obj := t.conn.Object(bluezBus, t.toRadioPath)
	call := obj.Call(bluezGattChar+".WriteValue", 0, payload, map[string]dbus.Variant{
		"type": dbus.MakeVariant("command"),
	})
	if call.Err != nil {
		return fmt.Errorf("BLE write failed, details: %w", call.Err)
	}
	return nil
}

func (t *BLE) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *BLE) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.connected = false
	if t.stopCh != nil {
		close(t.stopCh)
		t.stopCh = nil
	}
	if t.conn != nil && t.fromNumPath != "" {
		t.conn.Object(bluezBus, t.fromNumPath).Call(bluezGattChar+".StopNotify", 0)
	}
	t.disconnectDevice()
	// The system bus connection is shared process-wide; drop the
	// reference without closing it.
	t.conn = nil
	return nil
}

func (t *BLE) disconnectDevice() {
	if t.conn == nil || t.devicePath == "" {
		return
	}
	t.conn.Object(bluezBus, t.devicePath).Call(bluezDevice1+".Disconnect", 0)
}

func (t *BLE) Describe() string {
	return "ble " + t.address
}

// devicePath converts a MAC address to a BlueZ object path, e.g.
// "AA:BB:CC:DD:EE:FF" to "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, strings.ReplaceAll(address, ":", "_")))
}

func managedObjects(conn *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects failed, details: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("fail to decode managed objects, details: %w", err)
	}
	return objects, nil
}

func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	if conn == nil {
		return zero, ErrNotConnected
	}
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}
