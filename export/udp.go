package export

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// UDPSender pushes one datagram per reading line to a fleet listener.
// Datagrams are fire and forget; a dead listener costs nothing.
type UDPSender struct {
	conn net.Conn
}

// NewUDPSender resolves host:port once and connects the socket so later
// sends are a single write.
func NewUDPSender(host string, port int) (*UDPSender, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot set up UDP sink %s", addr)
	}
	return &UDPSender{conn: conn}, nil
}

// Addr reports the resolved remote address.
func (s *UDPSender) Addr() string {
	return s.conn.RemoteAddr().String()
}

// Send transmits line as one datagram.
func (s *UDPSender) Send(line string) error {
	_, err := s.conn.Write([]byte(line))
	return err
}

// Close releases the socket.
func (s *UDPSender) Close() error {
	return s.conn.Close()
}
