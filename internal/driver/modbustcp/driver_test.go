package modbustcp

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/edgegw/gateway/internal/driver"
	"github.com/edgegw/gateway/internal/endpoint"
	"github.com/edgegw/gateway/internal/frame"
	"github.com/stretchr/testify/require"
)

// pipeConn wires a Driver's Read/Write directly to a canned response
// buffer so the test never needs a real socket.
type pipeConn struct {
	lastReq []byte
	resp    []byte
}

func (p *pipeConn) Write(b []byte) (int, error) {
	p.lastReq = append([]byte(nil), b...)
	return len(b), nil
}

func (p *pipeConn) Read(b []byte) (int, error) {
	n := copy(b, p.resp)
	return n, nil
}

func (p *pipeConn) Close() error { return nil }

type fakeSink struct {
	got []frame.Frame
}

func (s *fakeSink) Publish(ctx context.Context, f frame.Frame) (uint64, error) {
	s.got = append(s.got, f)
	return uint64(len(s.got)), nil
}

var _ io.ReadWriter = (*pipeConn)(nil)
var _ driver.Driver = (*Driver)(nil)
var _ driver.Sink = (*fakeSink)(nil)

func TestBuildReadRequest_EncodesMBAPAndPDU(t *testing.T) {
	d := New()
	d.cfg = Config{UnitID: 7}

	adu := d.buildReadRequest(Tag{Region: RegionHoldingRegisters, Address: 40010, Length: 1})
	require.Len(t, adu, 12)
	require.Equal(t, uint16(0), binary.BigEndian.Uint16(adu[2:4]), "protocol id must be 0")
	require.Equal(t, byte(7), adu[6], "unit id must round-trip")
	require.Equal(t, funcReadHoldingRegisters, adu[7])
	require.Equal(t, uint16(40010), binary.BigEndian.Uint16(adu[8:10]))
}

func TestDecodeResponse_SingleRegisterAppliesScale(t *testing.T) {
	d := New()
	d.cfg = Config{}
	// PDU: fn=0x03, byteCount=2, register value 250.
	pdu := []byte{funcReadHoldingRegisters, 2, 0x00, 0xFA}
	adu := append(make([]byte, 7), pdu...)

	tag := Tag{Region: RegionHoldingRegisters, Length: 1, Scale: 0.1, Offset: 2}
	v, q, err := d.decodeResponse(adu, tag)
	require.NoError(t, err)
	require.Equal(t, frame.QualityGood, q)
	f, ok := v.AsFloat()
	require.True(t, ok)
	require.InDelta(t, 27.0, f, 1e-9) // 250*0.1 + 2
}

func TestDecodeResponse_32BitRegisterOrder(t *testing.T) {
	pdu := []byte{funcReadHoldingRegisters, 4, 0x00, 0x01, 0x00, 0x02}
	adu := append(make([]byte, 7), pdu...)

	big := New()
	big.cfg = Config{Endian: BigEndianHighWordFirst}
	vBig, _, err := big.decodeResponse(adu, Tag{Region: RegionHoldingRegisters, Length: 2})
	require.NoError(t, err)
	f, _ := vBig.AsFloat()
	require.Equal(t, float64(uint32(1)<<16|uint32(2)), f)

	little := New()
	little.cfg = Config{Endian: LittleEndianLowWordFirst}
	vLittle, _, err := little.decodeResponse(adu, Tag{Region: RegionHoldingRegisters, Length: 2})
	require.NoError(t, err)
	f2, _ := vLittle.AsFloat()
	require.Equal(t, float64(uint32(2)<<16|uint32(1)), f2)
}

func TestDecodeResponse_ExceptionYieldsBadQualityNoError(t *testing.T) {
	d := New()
	adu := append(make([]byte, 7), funcReadHoldingRegisters|0x80, 0x02)
	v, q, err := d.decodeResponse(adu, Tag{Region: RegionHoldingRegisters, Length: 1})
	require.NoError(t, err)
	require.Equal(t, frame.QualityBad, q)
	require.Equal(t, frame.Value{}, v)
}

func TestDecodeResponse_Coil(t *testing.T) {
	d := New()
	pdu := []byte{funcReadCoils, 1, 0x01}
	adu := append(make([]byte, 7), pdu...)
	v, q, err := d.decodeResponse(adu, Tag{Region: RegionCoils})
	require.NoError(t, err)
	require.Equal(t, frame.QualityGood, q)
	require.Equal(t, frame.ValueBool, v.Kind)
	require.True(t, v.B)
}

func TestUnscale_InvertsApplyScale(t *testing.T) {
	tag := Tag{Scale: 0.5, Offset: 10}
	raw := 42.0
	scaled := applyScale(raw, tag)
	require.InDelta(t, raw, Unscale(scaled, tag), 1e-9)
}

func TestReadLoop_PublishesFrameAndRespectsCancellation(t *testing.T) {
	conn := &pipeConn{resp: append(make([]byte, 7), funcReadHoldingRegisters, 2, 0x00, 0x0A)}
	d := New()
	require.NoError(t, d.Init(context.Background(), map[string]any{"polling_ms": 5}))
	d.cfg.Tags = []Tag{{Name: "t1", DeviceID: "dev1", Region: RegionHoldingRegisters, Length: 1}}
	d.conn = conn

	sink := &fakeSink{}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := d.ReadLoop(ctx, sink)
	require.NoError(t, err)
	require.NotEmpty(t, sink.got)
	require.Equal(t, frame.TelemetryTag("dev1", "t1"), sink.got[0].Tag)
}

func TestConnect_RejectsNonByteStreamTransport(t *testing.T) {
	d := New()
	h := &endpoint.Handle{}
	err := d.Connect(context.Background(), h)
	require.Error(t, err)
}
