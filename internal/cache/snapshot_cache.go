// Package cache records one full configuration stream from the device
// and replays it to TCP clients without re-querying the device. The
// session writes (recording, live node merges) and the hub reads
// (replay) from different goroutines, so every operation holds the
// cache mutex for its whole, non-blocking duration.
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/frame"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/logger"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/mesh"
)

type State int

const (
	StateEmpty State = iota
	StateRecording
	StateComplete
)

var ErrNotComplete = errors.New("config cache is not complete")

// entry is one recorded (raw payload, pre-framed bytes) pair. Node
// entries are indexable for later in-place merges; the terminal entry is
// the config_complete marker and is always last.
type entry struct {
	raw       []byte
	frame     []byte
	nodeNum   uint32
	isNode    bool
	terminal  bool
	lastHeard time.Time
}

type SnapshotCache struct {
	mu       sync.Mutex
	state    State
	configID uint32
	entries  []entry
	maxNodes int

	now func() time.Time
}

func New(maxNodes int) *SnapshotCache {
	return &SnapshotCache{maxNodes: maxNodes, now: time.Now}
}

func (c *SnapshotCache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SnapshotCache) Complete() bool {
	return c.State() == StateComplete
}

// ConfigID returns the request id of the current recording cycle.
func (c *SnapshotCache) ConfigID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configID
}

// Len reports the number of cached entries, terminal entry included.
func (c *SnapshotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// BeginRecording clears any previous snapshot and starts recording a new
// configuration cycle under the given request id.
func (c *SnapshotCache) BeginRecording(configID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateRecording
	c.configID = configID
	c.entries = c.entries[:0]
	logger.DebugF("Config cache recording started (config id %#x)", configID)
}

// Abandon discards an unfinished recording and returns the cache to
// empty. Without it a recording whose completion never arrives would
// swallow all live traffic indefinitely; after Abandon the next config
// request starts a fresh cycle.
func (c *SnapshotCache) Abandon() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording {
		return
	}
	c.state = StateEmpty
	c.configID = 0
	c.entries = c.entries[:0]
	logger.Debug("Config cache recording abandoned")
}

// Observe feeds one device payload through the cache bookkeeping. While
// recording it appends; once complete it merges live node traffic in
// place. Unparseable payloads are kept as opaque pass-through entries
// during recording and ignored afterwards; they never abort the cache.
func (c *SnapshotCache) Observe(raw, framed []byte) {
	msg, err := mesh.DecodeFromRadio(raw)
	if err != nil {
		msg = mesh.Message{Kind: mesh.KindOther}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRecording:
		c.record(msg, raw, framed)
	case StateComplete:
		c.merge(msg, raw, framed)
	}
}

func (c *SnapshotCache) record(msg mesh.Message, raw, framed []byte) {
	e := entry{raw: raw, frame: framed, lastHeard: c.now()}

	if msg.Kind == mesh.KindConfigComplete {
		if msg.ConfigID != c.configID {
			// Completion for a different cycle, cache it as opaque data.
			c.entries = append(c.entries, e)
			return
		}
		e.terminal = true
		c.entries = append(c.entries, e)
		c.state = StateComplete
		c.evict()
		logger.InfoF("Config cache complete with %d packets", len(c.entries))
		return
	}

	if msg.Kind == mesh.KindNodeInfo {
		e.isNode = true
		e.nodeNum = msg.NodeNum
	}
	c.entries = append(c.entries, e)
}

// merge keeps a completed snapshot fresh from live traffic: NodeInfo
// packets supersede the cached entry for that node, position/telemetry/
// user packets rewrite the matching cached NodeInfo's sub-field.
func (c *SnapshotCache) merge(msg mesh.Message, raw, framed []byte) {
	switch msg.Kind {
	case mesh.KindNodeInfo:
		c.upsertNode(msg.NodeNum, raw, framed)
	case mesh.KindNodeUpdate:
		c.updateNodeField(msg)
	}
}

func (c *SnapshotCache) upsertNode(nodeNum uint32, raw, framed []byte) {
	for i := range c.entries {
		if c.entries[i].isNode && c.entries[i].nodeNum == nodeNum {
			c.entries[i].raw = raw
			c.entries[i].frame = framed
			c.entries[i].lastHeard = c.now()
			logger.DebugF("Updated cache entry for node %#x", nodeNum)
			return
		}
	}
	// New node, insert immediately before the terminal entry.
	e := entry{raw: raw, frame: framed, nodeNum: nodeNum, isNode: true, lastHeard: c.now()}
	last := len(c.entries) - 1
	c.entries = append(c.entries[:last], e, c.entries[last])
	logger.DebugF("Added node %#x to cache (%d entries)", nodeNum, len(c.entries))
}

func (c *SnapshotCache) updateNodeField(msg mesh.Message) {
	for i := range c.entries {
		if !c.entries[i].isNode || c.entries[i].nodeNum != msg.NodeNum {
			continue
		}
		lastHeard := uint32(c.now().Unix())
		raw, err := mesh.RewriteNodeField(c.entries[i].raw, msg.Field, msg.FieldPayload, lastHeard)
		if err != nil {
			logger.DebugF("Skipping %s update for node %#x, details: %v", msg.Field, msg.NodeNum, err)
			return
		}
		framed, err := frame.Encode(raw)
		if err != nil {
			logger.WarnF("Fail to re-frame updated NodeInfo for node %#x, details: %v", msg.NodeNum, err)
			return
		}
		c.entries[i].raw = raw
		c.entries[i].frame = framed
		c.entries[i].lastHeard = c.now()
		logger.DebugF("Updated %s for node %#x", msg.Field, msg.NodeNum)
		return
	}
}

// evict drops the oldest node entries (cache arrival order) until the
// node count is at or under the cap. Runs once, when recording
// completes. Non-node entries and the terminal entry are untouched.
func (c *SnapshotCache) evict() {
	nodes := 0
	for _, e := range c.entries {
		if e.isNode {
			nodes++
		}
	}
	if c.maxNodes <= 0 || nodes <= c.maxNodes {
		return
	}

	toRemove := nodes - c.maxNodes
	kept := c.entries[:0]
	removed := 0
	for _, e := range c.entries {
		if e.isNode && removed < toRemove {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	logger.WarnF("Cache size limit reached: removed %d oldest nodes (limit %d)", removed, c.maxNodes)
}

// Replay returns the snapshot as ready-to-send frames in arrival order.
// The terminal completion frame is re-encoded with its id rewritten to
// the requesting client's id; every call recomputes it from current
// state. If the terminal payload cannot be rewritten it is served
// verbatim rather than dropped.
func (c *SnapshotCache) Replay(requestedID uint32) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateComplete {
		return nil, ErrNotComplete
	}

	frames := make([][]byte, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.terminal {
			frames = append(frames, e.frame)
			continue
		}
		raw, err := mesh.RewriteConfigComplete(e.raw, requestedID)
		if err != nil {
			logger.WarnF("Fail to rewrite config_complete_id, serving cached frame, details: %v", err)
			frames = append(frames, e.frame)
			continue
		}
		framed, err := frame.Encode(raw)
		if err != nil {
			logger.WarnF("Fail to re-frame config_complete packet, details: %v", err)
			frames = append(frames, e.frame)
			continue
		}
		frames = append(frames, framed)
	}
	return frames, nil
}

// NodeCount reports how many node entries the snapshot currently holds.
func (c *SnapshotCache) NodeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.isNode {
			n++
		}
	}
	return n
}
