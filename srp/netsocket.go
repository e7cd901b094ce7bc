package srp

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/prometheus/common/log"
)

// NetSocket adapts a net.Conn (a TCP connection to an SRP target, in
// practice) to the Socket interface, framing each information unit with a
// 4-byte big-endian length prefix, the same wire framing exercised by the
// AF_UNIX socketpair test harness.
type NetSocket struct {
	conn net.Conn
}

// NewNetSocket wraps conn for use as a Session's Socket.
func NewNetSocket(conn net.Conn) *NetSocket {
	return &NetSocket{conn: conn}
}

// Send implements Socket.
func (s *NetSocket) Send(iu []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(iu)))
	if _, err := s.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(iu)
	return err
}

// Close closes the underlying connection.
func (s *NetSocket) Close() error {
	return s.conn.Close()
}

// Pump reads length-prefixed information units off conn and hands each one
// to session.Deliver until the connection is closed or a read fails, at
// which point it closes the session with the triggering error. It is meant
// to run in its own goroutine for the lifetime of the connection.
func (s *NetSocket) Pump(session *Session) {
	for {
		iu, err := readIUFrom(s.conn)
		if err != nil {
			if err != io.EOF {
				log.Errorf("srp: connection read failed: %s", err)
			}
			session.Close(err)
			return
		}
		if err := session.Deliver(iu); err != nil {
			log.Debugf("srp: Deliver: %s", err)
		}
	}
}

func readIUFrom(r io.Reader) ([]byte, error) {
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
