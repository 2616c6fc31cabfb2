// Package mesh exposes the few Meshtastic protobuf fields the bridge
// needs as a tagged variant. Messages are scanned with protowire rather
// than generated bindings: everything the bridge does not inspect stays
// opaque and passes through byte-exact.
package mesh

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// ToRadio / FromRadio field numbers from the Meshtastic mesh.proto.
const (
	toRadioWantConfigID = 3

	fromRadioPacket         = 2
	fromRadioNodeInfo       = 4
	fromRadioConfigComplete = 7

	nodeInfoNum           = 1
	nodeInfoUser          = 2
	nodeInfoPosition      = 3
	nodeInfoLastHeard     = 5
	nodeInfoDeviceMetrics = 6

	meshPacketFrom    = 1
	meshPacketDecoded = 4

	dataPortnum = 1
	dataPayload = 2

	telemetryDeviceMetrics = 2

	portnumPosition  = 3
	portnumNodeInfo  = 4
	portnumTelemetry = 67
)

var ErrMalformed = errors.New("malformed protobuf payload")

// Kind tags the message variants the bridge switches over.
type Kind int

const (
	KindOther Kind = iota
	KindConfigRequest
	KindConfigComplete
	KindNodeInfo
	KindNodeUpdate
)

// Field identifies which part of a cached NodeInfo a live mesh packet
// refreshes.
type Field int

const (
	FieldNone Field = iota
	FieldUser
	FieldPosition
	FieldTelemetry
)

func (f Field) String() string {
	switch f {
	case FieldUser:
		return "user"
	case FieldPosition:
		return "position"
	case FieldTelemetry:
		return "telemetry"
	}
	return "none"
}

// Message is the decoded narrow view of one application message. Only the
// fields relevant to the active Kind are populated.
type Message struct {
	Kind         Kind
	ConfigID     uint32 // ConfigRequest, ConfigComplete
	NodeNum      uint32 // NodeInfo, NodeUpdate
	Field        Field  // NodeUpdate
	FieldPayload []byte // NodeUpdate: raw Position/User/Telemetry bytes
}

// DecodeToRadio classifies a client-to-device payload. Anything that is
// not a configuration request is KindOther and forwarded untouched.
func DecodeToRadio(payload []byte) (Message, error) {
	msg := Message{Kind: KindOther}
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return msg, ErrMalformed
		}
		b = b[n:]
		if num == toRadioWantConfigID && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, ErrMalformed
			}
			msg.Kind = KindConfigRequest
			msg.ConfigID = uint32(v)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return msg, ErrMalformed
		}
		b = b[n:]
	}
	return msg, nil
}

// DecodeFromRadio classifies a device-to-client payload.
func DecodeFromRadio(payload []byte) (Message, error) {
	msg := Message{Kind: KindOther}
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return msg, ErrMalformed
		}
		b = b[n:]

		switch {
		case num == fromRadioConfigComplete && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return msg, ErrMalformed
			}
			msg.Kind = KindConfigComplete
			msg.ConfigID = uint32(v)
			b = b[n:]

		case num == fromRadioNodeInfo && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, ErrMalformed
			}
			nodeNum, err := nodeNumber(sub)
			if err != nil {
				return msg, err
			}
			msg.Kind = KindNodeInfo
			msg.NodeNum = nodeNum
			b = b[n:]

		case num == fromRadioPacket && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return msg, ErrMalformed
			}
			if update, ok := decodeMeshPacket(sub); ok {
				msg = update
			}
			b = b[n:]

		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return msg, ErrMalformed
			}
			b = b[n:]
		}
	}
	return msg, nil
}

// decodeMeshPacket extracts a node update from a MeshPacket, when the
// packet carries decoded position, user or telemetry data.
func decodeMeshPacket(packet []byte) (Message, bool) {
	var from uint32
	var decoded []byte

	b := packet
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, false
		}
		b = b[n:]
		switch {
		case num == meshPacketFrom && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return Message{}, false
			}
			from = v
			b = b[n:]
		case num == meshPacketDecoded && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, false
			}
			decoded = sub
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, false
			}
			b = b[n:]
		}
	}
	if from == 0 || decoded == nil {
		return Message{}, false
	}

	var portnum uint64
	var payload []byte
	b = decoded
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, false
		}
		b = b[n:]
		switch {
		case num == dataPortnum && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, false
			}
			portnum = v
			b = b[n:]
		case num == dataPayload && typ == protowire.BytesType:
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, false
			}
			payload = sub
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, false
			}
			b = b[n:]
		}
	}

	var field Field
	switch portnum {
	case portnumPosition:
		field = FieldPosition
	case portnumNodeInfo:
		field = FieldUser
	case portnumTelemetry:
		field = FieldTelemetry
	default:
		return Message{}, false
	}

	return Message{
		Kind:         KindNodeUpdate,
		NodeNum:      from,
		Field:        field,
		FieldPayload: payload,
	}, true
}

// nodeNumber reads NodeInfo.num out of a raw NodeInfo submessage.
func nodeNumber(nodeInfo []byte) (uint32, error) {
	b := nodeInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, ErrMalformed
		}
		b = b[n:]
		if num == nodeInfoNum && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, ErrMalformed
			}
			return uint32(v), nil
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, ErrMalformed
		}
		b = b[n:]
	}
	return 0, nil
}

// NewConfigRequest builds a ToRadio payload carrying want_config_id.
func NewConfigRequest(configID uint32) []byte {
	b := protowire.AppendTag(nil, toRadioWantConfigID, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(configID))
}
