// Package bridge wires the device session, the snapshot cache, and the
// TCP hub into one running service.
package bridge

import (
	"context"
	"math/rand"
	"time"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/cache"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/config"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/frame"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/hub"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/logger"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/mdns"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/mesh"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/session"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/transport"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/utils"
)

const prewarmPollInterval = 500 * time.Millisecond

type Bridge struct {
	cfg      *config.Config
	linkKind string

	transport transport.Transport
	cache     *cache.SnapshotCache
	session   *session.DeviceSession
	hub       *hub.Hub
	mdns      *mdns.Publisher
}

// New assembles a bridge from the parsed configuration.
func New(cfg *config.Config) *Bridge {
	b := &Bridge{cfg: cfg}

	if cfg.BLEAddress != "" {
		b.linkKind = "ble"
		b.transport = transport.NewBLE(cfg.BLEAddress, "")
	} else {
		b.linkKind = "serial"
		b.transport = transport.NewSerial(cfg.SerialDevice, cfg.BaudRate)
	}

	b.cache = cache.New(cfg.MaxCacheNodes)
	b.session = session.New(b.transport, b.onDevicePayload)
	b.session.OnReconnect = b.onReconnect
	b.hub = hub.New(cfg.TCPPort, b.session, b.cache, cfg.ReplayOnAccept)
	if cfg.AvahiDir != "" {
		b.mdns = mdns.NewPublisher(cfg.AvahiDir)
	}
	return b
}

// onDevicePayload frames one device payload, feeds the cache, and fans
// it out to every client.
func (b *Bridge) onDevicePayload(payload []byte) {
	framed, err := frame.Encode(payload)
	if err != nil {
		logger.WarnF("Dropping %d byte device payload, details: %v", len(payload), err)
		return
	}
	if b.cfg.CacheNodes {
		b.cache.Observe(payload, framed)
	}
	b.hub.Broadcast(framed)
}

// onReconnect refreshes the snapshot after the device link came back:
// the device may have missed traffic while unreachable, so the cache is
// rebuilt from a fresh config cycle.
func (b *Bridge) onReconnect() {
	if !b.cfg.CacheNodes {
		return
	}
	id := rand.Uint32()
	b.cache.BeginRecording(id)
	if err := b.session.Send(mesh.NewConfigRequest(id)); err != nil {
		logger.WarnF("Fail to refresh config cache after reconnect, details: %v", err)
		b.cache.Abandon()
	}
}

// Start connects the device, publishes the mDNS record, pre-warms the
// cache, and opens the TCP listener.
func (b *Bridge) Start(ctx context.Context) error {
	logger.InfoF("Starting bridge for %s device %s", b.linkKind, b.transport.Describe())
	if err := b.session.Start(ctx); err != nil {
		return err
	}

	if b.mdns != nil {
		device := b.cfg.BLEAddress
		if device == "" {
			device = b.cfg.SerialDevice
		}
		b.mdns.Publish(b.linkKind, device, b.cfg.TCPPort)
	}

	if b.cfg.CacheNodes {
		b.prewarm(ctx)
	}

	return b.hub.Start()
}

// prewarm requests a config cycle before any client connects so the
// first client is served from cache. A timeout is logged and tolerated;
// the cache fills on the first client-driven cycle instead.
func (b *Bridge) prewarm(ctx context.Context) {
	id := rand.Uint32()
	b.cache.BeginRecording(id)
	if err := b.session.Send(mesh.NewConfigRequest(id)); err != nil {
		logger.WarnF("Fail to send pre-warm config request, details: %v", err)
		b.cache.Abandon()
		return
	}

	timeout := utils.ParseStringTime(b.cfg.PrewarmTimeout)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(prewarmPollInterval)
	defer ticker.Stop()

	logger.InfoF("Pre-warming config cache (request id %#x)", id)
	for {
		select {
		case <-ctx.Done():
			b.cache.Abandon()
			return
		case <-deadline:
			logger.WarnF("Config cache pre-warm timed out after %v, continuing without it", timeout)
			b.cache.Abandon()
			return
		case <-ticker.C:
			if b.cache.Complete() {
				logger.InfoF("Config cache pre-warmed with %d nodes", b.cache.NodeCount())
				return
			}
		}
	}
}

// Run starts the bridge and blocks until the context is cancelled or
// the device session fails for good.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-b.session.Fatal():
		return err
	}
}

// Stop shuts the bridge down: listener first so no new clients arrive,
// then the device link, then the mDNS record.
func (b *Bridge) Stop() {
	b.hub.Stop()
	b.session.Stop()
	if b.mdns != nil {
		b.mdns.Remove()
	}
}
