// Package netem emulates an unreliable network between RDT endpoints.
//
// Every datagram that goes through the relay starts with an 8 byte address
// header: a 4 byte IPv4 address and a 4 byte big-endian port. On the way in
// the header names the destination; on the way out it names the original
// sender, so the receiver can tell its peers apart.
package netem

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

const AddrHeaderLength = 8

var ErrNotIPv4 = errors.New("address is not IPv4")

// AddrToBytes encodes addr as an address header
func AddrToBytes(addr *net.UDPAddr) ([]byte, error) {
	header := make([]byte, AddrHeaderLength)
	if err := putAddr(header, addr); err != nil {
		return nil, err
	}
	return header, nil
}

func putAddr(header []byte, addr *net.UDPAddr) error {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return errors.Wrapf(ErrNotIPv4, "%s", addr)
	}
	copy(header[0:4], ip4)
	binary.BigEndian.PutUint32(header[4:8], uint32(addr.Port))
	return nil
}

// BytesToAddr decodes an address header
func BytesToAddr(header []byte) (*net.UDPAddr, error) {
	if len(header) < AddrHeaderLength {
		return nil, errors.Errorf("address header too short: %d bytes", len(header))
	}
	port := binary.BigEndian.Uint32(header[4:8])
	if port > 65535 {
		return nil, errors.Errorf("port %d out of range", port)
	}
	return &net.UDPAddr{
		IP:   net.IPv4(header[0], header[1], header[2], header[3]),
		Port: int(port),
	}, nil
}

func toUDPAddr(addr net.Addr) (*net.UDPAddr, error) {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr, nil
	}
	return net.ResolveUDPAddr("udp4", addr.String())
}
