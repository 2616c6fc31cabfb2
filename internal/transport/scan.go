package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/logger"
)

// Device describes a radio found during discovery.
type Device struct {
	Address string
	Name    string
	RSSI    int16
}

// Scan discovers nearby devices advertising the Meshtastic GATT service.
// It runs BlueZ LE discovery on the adapter for the given duration.
func Scan(ctx context.Context, adapter string, duration time.Duration) ([]Device, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("fail to connect to system D-Bus, details: %w", err)
	}

	adapterPath := dbus.ObjectPath("/org/bluez/" + adapter)
	obj := conn.Object(bluezBus, adapterPath)

	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
		"UUIDs":     dbus.MakeVariant([]string{meshServiceUUID}),
	}
	if call := obj.Call(bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return nil, fmt.Errorf("fail to set discovery filter, details: %w", call.Err)
	}
	if call := obj.Call(bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		return nil, fmt.Errorf("fail to start discovery, details: %w", call.Err)
	}
	defer obj.Call(bluezAdapter1+".StopDiscovery", 0)

	logger.InfoF("Scanning for devices on %s for %v", adapter, duration)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(duration):
	}

	objects, err := managedObjects(conn)
	if err != nil {
		return nil, err
	}

	var devices []Device
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), string(adapterPath)+"/") {
			continue
		}
		if !advertisesMeshService(props) {
			continue
		}
		dev := Device{}
		if v, ok := props["Address"]; ok {
			dev.Address, _ = v.Value().(string)
		}
		if v, ok := props["Name"]; ok {
			dev.Name, _ = v.Value().(string)
		}
		if v, ok := props["RSSI"]; ok {
			dev.RSSI, _ = v.Value().(int16)
		}
		if dev.Address != "" {
			devices = append(devices, dev)
		}
	}
	return devices, nil
}

func advertisesMeshService(props map[string]dbus.Variant) bool {
	v, ok := props["UUIDs"]
	if !ok {
		return false
	}
	uuids, ok := v.Value().([]string)
	if !ok {
		return false
	}
	for _, u := range uuids {
		if strings.EqualFold(u, meshServiceUUID) {
			return true
		}
	}
	return false
}
