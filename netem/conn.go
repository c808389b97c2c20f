package netem

import (
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/rdt/lib"
	"github.com/pkg/errors"
)

// Conn is a net.PacketConn that sends everything through a relay. WriteTo
// prepends the destination header; ReadFrom strips the source header and
// reports the original sender as the datagram's address.
type Conn struct {
	conn  *net.UDPConn
	relay *net.UDPAddr

	readMu  sync.Mutex
	readBuf []byte
}

var _ net.PacketConn = (*Conn)(nil)

// Listen binds a local UDP socket that talks through the relay at relayAddr
func Listen(network, address, relayAddr string) (*Conn, error) {
	relay, err := net.ResolveUDPAddr("udp4", relayAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve relay %s", relayAddr)
	}
	if network == "udp" {
		network = "udp4"
	}
	local, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", address)
	}
	conn, err := net.ListenUDP(network, local)
	if err != nil {
		return nil, err
	}
	return &Conn{
		conn:    conn,
		relay:   relay,
		readBuf: make([]byte, maxDatagram),
	}, nil
}

// ListenPacketFunc plugs the relay into an RDT core through RdtCoreConfig.ListenPacket
func ListenPacketFunc(relayAddr string) lib.ListenPacketFunc {
	return func(network, address string) (net.PacketConn, error) {
		return Listen(network, address, relayAddr)
	}
}

func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		n, _, err := c.conn.ReadFromUDP(c.readBuf)
		if err != nil {
			return 0, nil, err
		}
		if n < AddrHeaderLength {
			continue
		}
		from, err := BytesToAddr(c.readBuf[:AddrHeaderLength])
		if err != nil {
			continue
		}
		return copy(p, c.readBuf[AddrHeaderLength:n]), from, nil
	}
}

func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	to, err := toUDPAddr(addr)
	if err != nil {
		return 0, err
	}
	frame := make([]byte, AddrHeaderLength+len(p))
	if err := putAddr(frame[:AddrHeaderLength], to); err != nil {
		return 0, err
	}
	copy(frame[AddrHeaderLength:], p)
	if _, err := c.conn.WriteToUDP(frame, c.relay); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// SyscallConn exposes the socket so ipv4 options such as TOS still apply
func (c *Conn) SyscallConn() (syscall.RawConn, error) {
	return c.conn.SyscallConn()
}
