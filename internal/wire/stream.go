package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxMessageBytes bounds the payload of one frame.
const MaxMessageBytes = 8 * 1024 * 1024

// Conn is a bidirectional message connection. Send may be called from
// several goroutines; Receive from one at a time.
type Conn interface {
	Send(m *Message) error
	Receive() (*Message, error)
	Close() error
	RemoteAddr() string
}

// Stream frames messages over a byte stream: a 4-byte big-endian length
// prefix followed by the codec payload.
type Stream struct {
	conn  net.Conn
	codec Codec

	sendMu sync.Mutex
}

var _ Conn = (*Stream)(nil)

// NewStream wraps conn. A nil codec selects JSON.
func NewStream(conn net.Conn, codec Codec) *Stream {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Stream{conn: conn, codec: codec}
}

// Send encodes m and writes it as one frame.
func (s *Stream) Send(m *Message) error {
	data, err := s.codec.Encode(m)
	if err != nil {
		return fmt.Errorf("%s encode: %w", s.codec.Name(), err)
	}
	if len(data) > MaxMessageBytes {
		return fmt.Errorf("message too large: %d bytes", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	_, err = s.conn.Write(buf)
	return err
}

// Receive reads one frame and decodes it.
func (s *Stream) Receive() (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		return nil, err
	}

	msgLen := binary.BigEndian.Uint32(lenBuf[:])
	if msgLen > MaxMessageBytes {
		return nil, fmt.Errorf("message too large: %d bytes", msgLen)
	}

	data := make([]byte, msgLen)
	if _, err := io.ReadFull(s.conn, data); err != nil {
		return nil, err
	}

	m, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", s.codec.Name(), err)
	}
	return m, nil
}

func (s *Stream) Close() error {
	return s.conn.Close()
}

func (s *Stream) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
