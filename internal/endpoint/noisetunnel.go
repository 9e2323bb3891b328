package endpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/flynn/noise"
)

// noiseOverhead is the encryption overhead: 4-byte length prefix + 16-byte AES-GCM tag.
const noiseOverhead = 4 + 16

// defaultCipherSuite is the Noise cipher suite used for every tunnel.
// Cached at package level since it's immutable and reusable.
var defaultCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

var (
	// ErrHandshakeFailed is returned when the Noise handshake fails.
	ErrHandshakeFailed = errors.New("endpoint: noise handshake failed")
	// ErrHandshakeIncomplete is returned when application data is requested
	// before the handshake finished.
	ErrHandshakeIncomplete = errors.New("endpoint: noise handshake not complete")
	// ErrNoiseInitFailed is returned when the Noise protocol state cannot be initialized.
	ErrNoiseInitFailed = errors.New("endpoint: noise init failed")
)

// noiseSession wraps a Noise handshake and the cipher states it produces,
// used to tunnel a fieldbus session over an otherwise plaintext transport
// (e.g. serial-over-IP bridges). No endpoint config field selects it: a
// caller wraps an already dialed net.Conn with DialTunnel or AcceptTunnel.
type noiseSession struct {
	hs          *noise.HandshakeState
	cs1         *noise.CipherState
	cs2         *noise.CipherState
	isComplete  bool
	isInitiator bool
}

func newNoiseInitiator() (*noiseSession, error) {
	hs, err := noise.NewHandshakeState(noise.Config{CipherSuite: defaultCipherSuite, Pattern: noise.HandshakeNN, Initiator: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoiseInitFailed, err)
	}
	return &noiseSession{hs: hs, isInitiator: true}, nil
}

func newNoiseResponder() (*noiseSession, error) {
	hs, err := noise.NewHandshakeState(noise.Config{CipherSuite: defaultCipherSuite, Pattern: noise.HandshakeNN, Initiator: false})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoiseInitFailed, err)
	}
	return &noiseSession{hs: hs, isInitiator: false}, nil
}

func (n *noiseSession) writeMessage(payload []byte) ([]byte, error) {
	msg, cs1, cs2, err := n.hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, err
	}
	if cs1 != nil && cs2 != nil {
		n.cs1, n.cs2, n.isComplete = cs1, cs2, true
	}
	return msg, nil
}

func (n *noiseSession) readMessage(msg []byte) ([]byte, error) {
	payload, cs1, cs2, err := n.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, err
	}
	if cs1 != nil && cs2 != nil {
		n.cs1, n.cs2, n.isComplete = cs1, cs2, true
	}
	return payload, nil
}

func (n *noiseSession) seal(dst, plaintext []byte) ([]byte, error) {
	if !n.isComplete {
		return nil, ErrHandshakeIncomplete
	}
	needed := 4 + len(plaintext) + 16
	if cap(dst) < needed {
		dst = make([]byte, 4, needed)
	} else {
		dst = dst[:4]
	}
	var ciphertext []byte
	var err error
	if n.isInitiator {
		ciphertext, err = n.cs1.Encrypt(dst[4:4], nil, plaintext)
	} else {
		ciphertext, err = n.cs2.Encrypt(dst[4:4], nil, plaintext)
	}
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(dst[:4], uint32(len(ciphertext)))
	return dst[:4+len(ciphertext)], nil
}

func (n *noiseSession) unseal(dst, data []byte) (plaintext, remaining []byte, err error) {
	if !n.isComplete {
		return nil, data, ErrHandshakeIncomplete
	}
	if len(data) < 4 {
		return nil, data, io.ErrShortBuffer
	}
	length := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+length {
		return nil, data, io.ErrShortBuffer
	}
	if n.isInitiator {
		plaintext, err = n.cs2.Decrypt(dst[:0], nil, data[4:4+length])
	} else {
		plaintext, err = n.cs1.Decrypt(dst[:0], nil, data[4:4+length])
	}
	if err != nil {
		return nil, nil, err
	}
	return plaintext, data[4+length:], nil
}

// TunnelConn wraps a raw net.Conn with an encrypted Noise tunnel,
// implementing net.Conn so it can be handed straight to a protocol
// driver's Dialer as if it were the plaintext connection.
type TunnelConn struct {
	net.Conn
	session *noiseSession
	readBuf bytes.Buffer
	encScr  []byte
	decScr  []byte
}

// DialTunnel performs the client side of the Noise handshake over conn
// and returns a TunnelConn ready for encrypted Read/Write.
func DialTunnel(conn net.Conn) (*TunnelConn, error) {
	session, err := newNoiseInitiator()
	if err != nil {
		return nil, err
	}
	msg1, err := session.writeMessage(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := writeFramed(conn, msg1); err != nil {
		return nil, err
	}
	msg2, err := readFramed(conn)
	if err != nil {
		return nil, err
	}
	if _, err := session.readMessage(msg2); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return &TunnelConn{Conn: conn, session: session}, nil
}

// AcceptTunnel performs the server side of the Noise handshake over conn.
func AcceptTunnel(conn net.Conn) (*TunnelConn, error) {
	session, err := newNoiseResponder()
	if err != nil {
		return nil, err
	}
	msg1, err := readFramed(conn)
	if err != nil {
		return nil, err
	}
	if _, err := session.readMessage(msg1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	msg2, err := session.writeMessage(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if err := writeFramed(conn, msg2); err != nil {
		return nil, err
	}
	return &TunnelConn{Conn: conn, session: session}, nil
}

func (t *TunnelConn) Write(p []byte) (int, error) {
	sealed, err := t.session.seal(t.encScr, p)
	if err != nil {
		return 0, err
	}
	t.encScr = sealed[:0]
	if _, err := t.Conn.Write(sealed); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *TunnelConn) Read(p []byte) (int, error) {
	for t.readBuf.Len() == 0 {
		chunk, err := readFramed(t.Conn)
		if err != nil {
			return 0, err
		}
		// readFramed consumed the length header that seal wrote; unseal
		// expects the record with its header, so put it back.
		record := make([]byte, 4+len(chunk))
		binary.BigEndian.PutUint32(record[:4], uint32(len(chunk)))
		copy(record[4:], chunk)
		plaintext, _, err := t.session.unseal(t.decScr, record)
		if err != nil {
			return 0, err
		}
		t.decScr = plaintext[:0]
		t.readBuf.Write(plaintext)
	}
	return t.readBuf.Read(p)
}

// writeFramed/readFramed carry the plaintext handshake messages; they
// are not encrypted, only length-delimited, prefixing a 4-byte length
// ahead of any payload.
func writeFramed(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
