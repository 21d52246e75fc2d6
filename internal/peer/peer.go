package peer

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

// Peer is a remote address as handed out by the tracker.
type Peer struct {
	Addr string
}

// Unmarshal decodes one entry of a compact tracker peer list: 4 bytes of
// IPv4 address followed by a big-endian port.
func Unmarshal(buf []byte) (Peer, error) {
	if len(buf) != 6 {
		return Peer{}, errors.New("invalid compact peer entry")
	}

	ip := net.IP(buf[:4])
	port := binary.BigEndian.Uint16(buf[4:])

	return Peer{
		Addr: net.JoinHostPort(ip.String(), strconv.Itoa(int(port))),
	}, nil
}
