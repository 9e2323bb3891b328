// Package frame defines the single self-describing message unit that
// flows from a driver's read_loop through the frame bus, the WAL, and
// out to every north-bound fan-out adapter.
package frame

import (
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes telemetry data from commands travelling the bus in
// the opposite direction.
type Kind uint8

const (
	// KindData is a sensor/measurement value published by a driver.
	KindData Kind = iota
	// KindCmd is a write/command travelling toward a driver.
	KindCmd
)

func (k Kind) String() string {
	if k == KindCmd {
		return "Cmd"
	}
	return "Data"
}

// Quality mirrors OPC-UA-style good/bad/uncertain quality codes, kept
// small and explicit rather than a free-form string.
type Quality uint8

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
)

// ValueKind tags which field of Value is populated.
type ValueKind uint8

const (
	ValueBool ValueKind = iota
	ValueInt
	ValueFloat
	ValueString
	ValueBytes
	ValueTime
)

// Value is a tagged union over the datatypes a DataPoint can carry.
// Exactly one field is meaningful, selected by Kind.
type Value struct {
	Kind  ValueKind
	B     bool
	I     int64
	F     float64
	S     string
	Bytes []byte
	T     time.Time
}

func Bool(v bool) Value     { return Value{Kind: ValueBool, B: v} }
func Int(v int64) Value     { return Value{Kind: ValueInt, I: v} }
func Float(v float64) Value { return Value{Kind: ValueFloat, F: v} }
func Str(v string) Value    { return Value{Kind: ValueString, S: v} }
func Raw(v []byte) Value    { return Value{Kind: ValueBytes, Bytes: v} }
func Time(v time.Time) Value {
	return Value{Kind: ValueTime, T: v}
}

// AsFloat returns a best-effort numeric projection of the value, used by
// alert predicates and scale/offset application. Non-numeric kinds
// report ok=false.
func (v Value) AsFloat() (f float64, ok bool) {
	switch v.Kind {
	case ValueFloat:
		return v.F, true
	case ValueInt:
		return float64(v.I), true
	case ValueBool:
		if v.B {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case ValueBool:
		return fmt.Sprintf("%t", v.B)
	case ValueInt:
		return fmt.Sprintf("%d", v.I)
	case ValueFloat:
		return fmt.Sprintf("%g", v.F)
	case ValueString:
		return v.S
	case ValueBytes:
		return fmt.Sprintf("%x", v.Bytes)
	case ValueTime:
		return v.T.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// Frame is a single bus message: one published measurement or command.
// Seq is assigned by the bus at publish time and is strictly increasing
// within a process lifetime (and across restarts, once the WAL seeds it
// from the max recovered seq).
type Frame struct {
	Kind      Kind
	Seq       uint64
	Tag       string
	Value     Value
	Quality   Quality
	Timestamp time.Time
	Meta      map[string]string
}

// TelemetryTag builds the "telemetry.<device_uuid>.<tag_uuid>" tag
// convention used for published sensor values.
func TelemetryTag(deviceUUID, tagUUID string) string {
	return "telemetry." + deviceUUID + "." + tagUUID
}

// AlertTag builds the "alert.<event_uuid>" tag convention used for
// alert notifications on the bus.
func AlertTag(eventUUID string) string {
	return "alert." + eventUUID
}

// ParseTelemetryTag splits a "telemetry.<device>.<tag>" tag back into its
// parts. ok is false for any other shape (including "alert.*" tags).
func ParseTelemetryTag(tag string) (deviceUUID, tagUUID string, ok bool) {
	const prefix = "telemetry."
	if !strings.HasPrefix(tag, prefix) {
		return "", "", false
	}
	rest := tag[len(prefix):]
	idx := strings.IndexByte(rest, '.')
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// ParseAlertTag extracts the event uuid from an "alert.<event_uuid>" tag.
func ParseAlertTag(tag string) (eventUUID string, ok bool) {
	const prefix = "alert."
	if !strings.HasPrefix(tag, prefix) {
		return "", false
	}
	return tag[len(prefix):], true
}
