package mesh

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrNoDeviceMetrics marks a telemetry update that carries no device
// metrics; such updates have nothing to merge into a cached NodeInfo.
var ErrNoDeviceMetrics = errors.New("telemetry payload carries no device metrics")

// RewriteConfigComplete returns a copy of a FromRadio completion payload
// with its config_complete_id substituted. All other fields pass through
// byte-exact.
func RewriteConfigComplete(payload []byte, configID uint32) ([]byte, error) {
	out := make([]byte, 0, len(payload)+4)
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrMalformed
		}
		vn := protowire.ConsumeFieldValue(num, typ, b[n:])
		if vn < 0 {
			return nil, ErrMalformed
		}
		if num == fromRadioConfigComplete && typ == protowire.VarintType {
			out = protowire.AppendTag(out, fromRadioConfigComplete, protowire.VarintType)
			out = protowire.AppendVarint(out, uint64(configID))
		} else {
			out = append(out, b[:n+vn]...)
		}
		b = b[n+vn:]
	}
	return out, nil
}

// RewriteNodeField merges a live position/user/telemetry update into a
// cached FromRadio NodeInfo payload and refreshes its last_heard stamp.
func RewriteNodeField(payload []byte, field Field, update []byte, lastHeard uint32) ([]byte, error) {
	var target protowire.Number
	switch field {
	case FieldUser:
		target = nodeInfoUser
	case FieldPosition:
		target = nodeInfoPosition
	case FieldTelemetry:
		metrics, ok := deviceMetrics(update)
		if !ok {
			return nil, ErrNoDeviceMetrics
		}
		target = nodeInfoDeviceMetrics
		update = metrics
	default:
		return nil, ErrMalformed
	}

	out := make([]byte, 0, len(payload)+len(update)+8)
	rewritten := false
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrMalformed
		}
		vn := protowire.ConsumeFieldValue(num, typ, b[n:])
		if vn < 0 {
			return nil, ErrMalformed
		}
		if num == fromRadioNodeInfo && typ == protowire.BytesType {
			sub, sn := protowire.ConsumeBytes(b[n:])
			if sn < 0 {
				return nil, ErrMalformed
			}
			newSub, err := rewriteNodeInfo(sub, target, update, lastHeard)
			if err != nil {
				return nil, err
			}
			out = protowire.AppendTag(out, fromRadioNodeInfo, protowire.BytesType)
			out = protowire.AppendBytes(out, newSub)
			rewritten = true
		} else {
			out = append(out, b[:n+vn]...)
		}
		b = b[n+vn:]
	}
	if !rewritten {
		return nil, ErrMalformed
	}
	return out, nil
}

// rewriteNodeInfo replaces one submessage field inside a NodeInfo and
// re-appends last_heard. Field order may change; protobuf decoders do
// not depend on it.
func rewriteNodeInfo(nodeInfo []byte, target protowire.Number, update []byte, lastHeard uint32) ([]byte, error) {
	out := make([]byte, 0, len(nodeInfo)+len(update)+8)
	b := nodeInfo
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrMalformed
		}
		vn := protowire.ConsumeFieldValue(num, typ, b[n:])
		if vn < 0 {
			return nil, ErrMalformed
		}
		// Dropped here, re-appended below with the new values.
		if num != target && num != nodeInfoLastHeard {
			out = append(out, b[:n+vn]...)
		}
		b = b[n+vn:]
	}
	out = protowire.AppendTag(out, target, protowire.BytesType)
	out = protowire.AppendBytes(out, update)
	out = protowire.AppendTag(out, nodeInfoLastHeard, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(lastHeard))
	return out, nil
}

// deviceMetrics extracts the DeviceMetrics submessage from a Telemetry
// payload.
func deviceMetrics(telemetry []byte) ([]byte, bool) {
	b := telemetry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
		if num == telemetryDeviceMetrics && typ == protowire.BytesType {
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, false
			}
			return sub, true
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
	}
	return nil, false
}
