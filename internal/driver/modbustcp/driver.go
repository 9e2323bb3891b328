// Package modbustcp implements a concrete static protocol driver for the
// Modbus/TCP fieldbus, the field-facing half of the gateway (the north-
// bound half lives in internal/fanout/modbusslave). It satisfies
// driver.Driver and is registered into the driver.Registry at startup as
// a driver.KindStatic instance, keyed by its drivers.yml driver id for
// the lifetime of the process.
package modbustcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/edgegw/gateway/internal/driver"
	"github.com/edgegw/gateway/internal/endpoint"
	"github.com/edgegw/gateway/internal/frame"
)

const (
	funcReadCoils            byte = 0x01
	funcReadDiscreteInputs   byte = 0x02
	funcReadHoldingRegisters byte = 0x03
	funcReadInputRegisters   byte = 0x04
	funcWriteSingleRegister  byte = 0x06
	funcWriteMultipleRegs    byte = 0x10

	apiVersion = "1.0"
)

// Endian selects register byte/word order, matching drivers.yml's
// cfg.endian setting.
type Endian uint8

const (
	// BigEndianHighWordFirst is the default: the high word of a 32-bit
	// value occupies the lower register address.
	BigEndianHighWordFirst Endian = iota
	LittleEndianLowWordFirst
)

// Tag describes one polled register, one entry of variables.yml scoped
// to this driver.
type Tag struct {
	Name     string
	Region   Region
	Address  uint16
	Length   uint16 // registers, 1 for a 16-bit value, 2 for 32-bit
	Scale    float64
	Offset   float64
	Unit     string
	DeviceID string
}

// Region is one of the four Modbus data regions.
type Region uint8

const (
	RegionCoils Region = iota
	RegionDiscreteInputs
	RegionHoldingRegisters
	RegionInputRegisters
)

// Config is the driver's cfg{unit_id, polling_ms, max_regs_per_req, retry,
// endian, ...} block plus its tag list.
type Config struct {
	UnitID        byte
	PollInterval  time.Duration
	MaxRegsPerReq uint16
	RetryCount    int
	Endian        Endian
	Tags          []Tag
}

// Driver is a Modbus/TCP master: it polls each configured Tag on a
// fixed interval and publishes a Data frame per poll.
type Driver struct {
	cfg    Config
	conn   io.ReadWriter
	handle *endpoint.Handle
	txSeq  atomic.Uint32

	done chan struct{}
}

// New builds an unconfigured Driver; Init supplies the real Config.
func New() *Driver { return &Driver{} }

func (d *Driver) Metadata() driver.Metadata {
	return driver.Metadata{Name: "modbustcp", Version: "1.0.0", APIVersion: apiVersion, Features: []string{"poll", "write"}}
}

func (d *Driver) Init(ctx context.Context, cfg map[string]any) error {
	parsed, err := parseConfig(cfg)
	if err != nil {
		return fmt.Errorf("modbustcp: invalid config: %w", err)
	}
	d.cfg = parsed
	return nil
}

func (d *Driver) Connect(ctx context.Context, handle *endpoint.Handle) error {
	conn, ok := handle.Transport().(io.ReadWriter)
	if !ok {
		return errors.New("modbustcp: endpoint transport is not a byte stream")
	}
	d.conn = conn
	d.handle = handle
	return nil
}

// ReadLoop polls every configured tag on PollInterval until ctx is
// cancelled, publishing one Data frame per successful read. ctx is
// checked at the poll ticker between polling rounds; the Write and Read
// of an individual request are not bound to ctx and carry no deadline.
func (d *Driver) ReadLoop(ctx context.Context, sink driver.Sink) error {
	if d.cfg.PollInterval <= 0 {
		d.cfg.PollInterval = time.Second
	}
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, tag := range d.cfg.Tags {
				if err := d.pollOne(ctx, tag, sink); err != nil {
					if d.handle != nil {
						d.handle.ReportOutcome(outcomeFor(err))
					}
					continue
				}
				if d.handle != nil {
					d.handle.ReportOutcome(endpoint.OutcomeSuccess)
				}
			}
		}
	}
}

func outcomeFor(err error) endpoint.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return endpoint.OutcomeTimeout
	}
	return endpoint.OutcomeFailure
}

func (d *Driver) pollOne(ctx context.Context, tag Tag, sink driver.Sink) error {
	req := d.buildReadRequest(tag)
	if _, err := d.conn.Write(req); err != nil {
		return fmt.Errorf("modbustcp: write: %w", err)
	}
	resp := make([]byte, 256)
	n, err := d.conn.Read(resp)
	if err != nil {
		return fmt.Errorf("modbustcp: read: %w", err)
	}
	value, quality, err := d.decodeResponse(resp[:n], tag)
	if err != nil {
		return err
	}

	f := frame.Frame{
		Kind:      frame.KindData,
		Tag:       frame.TelemetryTag(tag.DeviceID, tag.Name),
		Value:     value,
		Quality:   quality,
		Timestamp: time.Now(),
		Meta:      map[string]string{"unit": tag.Unit},
	}
	_, err = sink.Publish(ctx, f)
	return err
}

// buildReadRequest encodes a Modbus/TCP ADU: MBAP header (transaction
// id, protocol id, length, unit id) followed by the PDU.
func (d *Driver) buildReadRequest(tag Tag) []byte {
	var fn byte
	switch tag.Region {
	case RegionCoils:
		fn = funcReadCoils
	case RegionDiscreteInputs:
		fn = funcReadDiscreteInputs
	case RegionHoldingRegisters:
		fn = funcReadHoldingRegisters
	default:
		fn = funcReadInputRegisters
	}

	pdu := make([]byte, 5)
	pdu[0] = fn
	binary.BigEndian.PutUint16(pdu[1:3], tag.Address)
	binary.BigEndian.PutUint16(pdu[3:5], max16(tag.Length, 1))

	adu := make([]byte, 7+len(pdu))
	txID := uint16(d.txSeq.Add(1))
	binary.BigEndian.PutUint16(adu[0:2], txID)
	binary.BigEndian.PutUint16(adu[2:4], 0) // protocol id, always 0
	binary.BigEndian.PutUint16(adu[4:6], uint16(1+len(pdu)))
	adu[6] = d.cfg.UnitID
	copy(adu[7:], pdu)
	return adu
}

func max16(v, min uint16) uint16 {
	if v < min {
		return min
	}
	return v
}

// decodeResponse extracts the register/coil payload from a Modbus/TCP
// response ADU and applies the tag's scale/offset. A well-formed
// exception response (high bit set on the function code) yields
// QualityBad rather than an error, matching the point-in-time
// snapshot semantics: a bad read doesn't kill the poll loop.
func (d *Driver) decodeResponse(adu []byte, tag Tag) (frame.Value, frame.Quality, error) {
	if len(adu) < 9 {
		return frame.Value{}, frame.QualityBad, errors.New("modbustcp: short response")
	}
	pdu := adu[7:]
	fn := pdu[0]
	if fn&0x80 != 0 {
		return frame.Value{}, frame.QualityBad, nil
	}
	byteCount := int(pdu[1])
	if len(pdu) < 2+byteCount {
		return frame.Value{}, frame.QualityBad, errors.New("modbustcp: truncated payload")
	}
	data := pdu[2 : 2+byteCount]

	switch tag.Region {
	case RegionCoils, RegionDiscreteInputs:
		if len(data) == 0 {
			return frame.Value{}, frame.QualityBad, errors.New("modbustcp: empty coil payload")
		}
		bit := data[0]&0x01 != 0
		return frame.Bool(bit), frame.QualityGood, nil
	default:
		raw, err := decodeRegisters(data, tag.Length, d.cfg.Endian)
		if err != nil {
			return frame.Value{}, frame.QualityBad, err
		}
		scaled := applyScale(raw, tag)
		return frame.Float(scaled), frame.QualityGood, nil
	}
}

// decodeRegisters assembles 1 or 2 big-endian registers into a raw
// numeric value honouring the configured word order.
func decodeRegisters(data []byte, length uint16, endian Endian) (float64, error) {
	if length <= 1 {
		if len(data) < 2 {
			return 0, errors.New("modbustcp: short register payload")
		}
		return float64(binary.BigEndian.Uint16(data[:2])), nil
	}
	if len(data) < 4 {
		return 0, errors.New("modbustcp: short 32-bit register payload")
	}
	hi, lo := binary.BigEndian.Uint16(data[0:2]), binary.BigEndian.Uint16(data[2:4])
	if endian == LittleEndianLowWordFirst {
		hi, lo = lo, hi
	}
	return float64(uint32(hi)<<16 | uint32(lo)), nil
}

// applyScale applies the configured linear scale to a raw register
// value: (raw * scale) + offset, with neutral defaults when unset.
func applyScale(raw float64, tag Tag) float64 {
	scale := tag.Scale
	if scale == 0 {
		scale = 1
	}
	return raw*scale + tag.Offset
}

// Unscale inverts applyScale, used when building a write request from a
// north-bound command frame's engineering-unit value.
func Unscale(value float64, tag Tag) float64 {
	scale := tag.Scale
	if scale == 0 {
		scale = 1
	}
	return (value - tag.Offset) / scale
}

func (d *Driver) Shutdown(ctx context.Context) error {
	if d.done != nil {
		close(d.done)
	}
	return nil
}

func parseConfig(raw map[string]any) (Config, error) {
	cfg := Config{UnitID: 1, PollInterval: time.Second, MaxRegsPerReq: 120, RetryCount: 3}
	if raw == nil {
		return cfg, nil
	}
	if v, ok := raw["unit_id"].(int); ok {
		cfg.UnitID = byte(v)
	}
	if v, ok := raw["polling_ms"].(int); ok {
		cfg.PollInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := raw["max_regs_per_req"].(int); ok {
		cfg.MaxRegsPerReq = uint16(v)
	}
	if v, ok := raw["retry"].(int); ok {
		cfg.RetryCount = v
	}
	if v, ok := raw["endian"].(string); ok && v == "little" {
		cfg.Endian = LittleEndianLowWordFirst
	}
	if tags, ok := raw["tags"].([]Tag); ok {
		cfg.Tags = tags
	}
	return cfg, nil
}
