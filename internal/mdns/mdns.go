// Package mdns announces the bridge on the local network by dropping an
// Avahi service file where the host daemon picks it up. Discovery is a
// convenience: a publish failure never stops the bridge.
package mdns

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/logger"
)

const serviceType = "_meshtastic._tcp"

const serviceTemplate = `<?xml version="1.0" standalone="no"?>
<!DOCTYPE service-group SYSTEM "avahi-service.dtd">
<service-group>
  <name>%s</name>
  <service>
    <type>%s</type>
    <port>%d</port>
    <txt-record>bridge=%s</txt-record>
    <txt-record>port=%d</txt-record>
    <txt-record>device=%s</txt-record>
  </service>
</service-group>
`

// Publisher writes and removes one Avahi service file.
type Publisher struct {
	dir  string
	path string
}

func NewPublisher(dir string) *Publisher {
	return &Publisher{dir: dir}
}

// Publish writes the service file describing the bridge. kind is the
// link type ("ble" or "serial") and device identifies the radio.
func (p *Publisher) Publish(kind, device string, port int) {
	id := sanitize(device)
	name := fmt.Sprintf("Meshtastic Bridge (%s)", shortID(id))
	xml := fmt.Sprintf(serviceTemplate, name, serviceType, port, kind, port, device)
	path := filepath.Join(p.dir, fmt.Sprintf("meshtastic-bridge-%s.service", id))

	if err := os.WriteFile(path, []byte(xml), 0644); err != nil {
		logger.WarnF("Cannot write Avahi service file %s, details: %v", path, err)
		logger.Warn("mDNS autodiscovery disabled, bridge still functional")
		return
	}
	p.path = path
	logger.InfoF("mDNS service registered as %q on %s, browse with: avahi-browse -rt %s",
		name, serviceType, serviceType)
}

// Remove deletes the published service file, if any.
func (p *Publisher) Remove() {
	if p.path == "" {
		return
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		logger.WarnF("Cannot remove Avahi service file %s, details: %v", p.path, err)
		return
	}
	logger.Debug("mDNS service file removed")
	p.path = ""
}

func sanitize(device string) string {
	s := strings.ToLower(device)
	s = strings.NewReplacer(":", "", "/", "-", " ", "-").Replace(s)
	return strings.Trim(s, "-")
}

func shortID(id string) string {
	if len(id) > 6 {
		return id[len(id)-6:]
	}
	return id
}
