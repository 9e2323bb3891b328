// Package modbusslave implements the north-bound Modbus/TCP slave image
// a SCADA poller connects to the gateway as if it were a
// real PLC and reads the same four register regions the gateway's own
// field-facing modbustcp driver polls upstream devices with, only now
// the gateway is the server.
package modbusslave

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/edgegw/gateway/internal/bus"
	"github.com/edgegw/gateway/internal/frame"
)

const (
	funcReadCoils            byte = 0x01
	funcReadDiscreteInputs   byte = 0x02
	funcReadHoldingRegisters byte = 0x03
	funcReadInputRegisters   byte = 0x04
	excIllegalDataAddress    byte = 0x02
	excIllegalFunction       byte = 0x01
)

// Region identifies which of the four Modbus data regions a DataPoint
// is mapped into.
type Region uint8

const (
	RegionCoils Region = iota
	RegionDiscreteInputs
	RegionHoldingRegisters
	RegionInputRegisters
)

// DataPoint binds one bus tag to a fixed address within a region, taken
// verbatim from the variable's address in variables.yml (see
// cmd/edgegwd buildDataPoints).
type DataPoint struct {
	Tag     string
	Region  Region
	Address uint16
	Words   uint16 // 1 for a 16-bit value, 2 for 32-bit
}

// Image is the in-memory register/coil bitmap a SCADA master reads.
// Values are updated asynchronously from a bus subscription; reads from
// the TCP server never block on the bus.
type Image struct {
	mu       sync.RWMutex
	coils    map[uint16]bool
	discrete map[uint16]bool
	holding  map[uint16]uint16
	input    map[uint16]uint16

	points map[string]DataPoint // tag -> allocation
}

func NewImage(points []DataPoint) *Image {
	img := &Image{
		coils:    make(map[uint16]bool),
		discrete: make(map[uint16]bool),
		holding:  make(map[uint16]uint16),
		input:    make(map[uint16]uint16),
		points:   make(map[string]DataPoint, len(points)),
	}
	for _, p := range points {
		img.points[p.Tag] = p
	}
	return img
}

// Apply writes a bus frame's value into its allocated region, a no-op
// if the tag has no mapping.
func (img *Image) Apply(f frame.Frame) {
	p, ok := img.points[f.Tag]
	if !ok {
		return
	}
	val, _ := f.Value.AsFloat()

	img.mu.Lock()
	defer img.mu.Unlock()
	switch p.Region {
	case RegionCoils:
		img.coils[p.Address] = val != 0
	case RegionDiscreteInputs:
		img.discrete[p.Address] = val != 0
	case RegionHoldingRegisters:
		writeRegisters(img.holding, p.Address, p.Words, val)
	case RegionInputRegisters:
		writeRegisters(img.input, p.Address, p.Words, val)
	}
}

func writeRegisters(m map[uint16]uint16, addr, words uint16, val float64) {
	if words <= 1 {
		m[addr] = uint16(int32(val))
		return
	}
	raw := uint32(int64(val))
	m[addr] = uint16(raw >> 16)
	m[addr+1] = uint16(raw)
}

func (img *Image) readCoils(addr, count uint16) ([]bool, bool) {
	img.mu.RLock()
	defer img.mu.RUnlock()
	out := make([]bool, count)
	for i := uint16(0); i < count; i++ {
		v, ok := img.coils[addr+i]
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (img *Image) readDiscrete(addr, count uint16) ([]bool, bool) {
	img.mu.RLock()
	defer img.mu.RUnlock()
	out := make([]bool, count)
	for i := uint16(0); i < count; i++ {
		v, ok := img.discrete[addr+i]
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (img *Image) readRegs(m map[uint16]uint16, addr, count uint16) ([]uint16, bool) {
	img.mu.RLock()
	defer img.mu.RUnlock()
	out := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		v, ok := m[addr+i]
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// Server is a concurrent Modbus/TCP slave serving reads against an
// Image kept live by a plain (non-durable) bus subscription.
type Server struct {
	ln     net.Listener
	img    *Image
	b      *bus.Bus
	sub    *bus.Subscription
	unitID byte

	wg sync.WaitGroup
}

// NewServer builds a Server bound to addr, subscribing to b for every
// Data frame so its Image stays current.
func NewServer(addr string, b *bus.Bus, points []DataPoint, unitID byte) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("modbusslave: listen %s: %w", addr, err)
	}
	img := NewImage(points)
	sub := b.Subscribe("modbusslave:"+addr, bus.ForKind(frame.KindData), 1024)

	s := &Server{ln: ln, img: img, b: b, sub: sub, unitID: unitID}
	s.wg.Add(1)
	go s.pump()
	return s, nil
}

func (s *Server) pump() {
	defer s.wg.Done()
	for f := range s.sub.Ch {
		s.img.Apply(f)
	}
}

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	hdr := make([]byte, 7)
	for {
		if _, err := readFull(conn, hdr); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(hdr[4:6])
		if length == 0 || length > 253 {
			return
		}
		pdu := make([]byte, length-1)
		if _, err := readFull(conn, pdu); err != nil {
			return
		}
		resp := s.handlePDU(pdu)

		out := make([]byte, 7+len(resp))
		copy(out, hdr[:4])
		binary.BigEndian.PutUint16(out[4:6], uint16(1+len(resp)))
		out[6] = s.unitID
		copy(out[7:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

func (s *Server) handlePDU(pdu []byte) []byte {
	if len(pdu) < 5 {
		return exception(funcReadHoldingRegisters, excIllegalFunction)
	}
	fn := pdu[0]
	addr := binary.BigEndian.Uint16(pdu[1:3])
	count := binary.BigEndian.Uint16(pdu[3:5])

	switch fn {
	case funcReadCoils:
		vals, ok := s.img.readCoils(addr, count)
		if !ok {
			return exception(fn, excIllegalDataAddress)
		}
		return encodeBits(fn, vals)
	case funcReadDiscreteInputs:
		vals, ok := s.img.readDiscrete(addr, count)
		if !ok {
			return exception(fn, excIllegalDataAddress)
		}
		return encodeBits(fn, vals)
	case funcReadHoldingRegisters:
		vals, ok := s.img.readRegs(s.img.holding, addr, count)
		if !ok {
			return exception(fn, excIllegalDataAddress)
		}
		return encodeRegs(fn, vals)
	case funcReadInputRegisters:
		vals, ok := s.img.readRegs(s.img.input, addr, count)
		if !ok {
			return exception(fn, excIllegalDataAddress)
		}
		return encodeRegs(fn, vals)
	default:
		return exception(fn, excIllegalFunction)
	}
}

func exception(fn, code byte) []byte {
	return []byte{fn | 0x80, code}
}

func encodeBits(fn byte, vals []bool) []byte {
	byteCount := (len(vals) + 7) / 8
	out := make([]byte, 2+byteCount)
	out[0] = fn
	out[1] = byte(byteCount)
	for i, v := range vals {
		if v {
			out[2+i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func encodeRegs(fn byte, vals []uint16) []byte {
	out := make([]byte, 2+2*len(vals))
	out[0] = fn
	out[1] = byte(2 * len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint16(out[2+2*i:], v)
	}
	return out
}

// Close tears the server down and waits for in-flight connections and
// the bus pump to exit.
func (s *Server) Close() error {
	s.b.Unsubscribe(s.sub.ID)
	err := s.ln.Close()
	s.wg.Wait()
	return err
}
