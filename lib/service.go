package lib

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Service is a listening endpoint. It only takes syn segments; every peer
// gets a connection of its own bound to a fresh local port.
type Service struct {
	core            *RdtCore
	endpoint        net.PacketConn
	connConfig      *ConnectionConfig
	mu              sync.Mutex
	connectionMap   map[string]*Connection  // accepted connections by peer address
	tempConnMap     map[string]*pendingConn // connections waiting for the syn quiet period
	newConnChannel  chan *Connection        // connections ready for Accept
	connCloseSignal chan *Connection        // connections report their close here
	closeSignal     chan struct{}           // signal for closing service
	closeOnce       sync.Once
	handshakeCtx    context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

type pendingConn struct {
	conn    *Connection
	synSeen chan struct{}
}

func newService(core *RdtCore, endpoint net.PacketConn, connConfig *ConnectionConfig) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Service{
		core:            core,
		endpoint:        endpoint,
		connConfig:      connConfig,
		connectionMap:   make(map[string]*Connection),
		tempConnMap:     make(map[string]*pendingConn),
		newConnChannel:  make(chan *Connection),
		connCloseSignal: make(chan *Connection),
		closeSignal:     make(chan struct{}),
		handshakeCtx:    ctx,
		cancel:          cancel,
	}

	srv.wg.Add(2)
	go srv.handleIncomingPackets()
	go srv.handleCloseConnections()

	return srv
}

// Addr returns the address peers dial
func (s *Service) Addr() net.Addr {
	return s.endpoint.LocalAddr()
}

// Accept blocks until a handshake completes and returns the new connection and its peer
func (s *Service) Accept() (*Connection, net.Addr, error) {
	return s.AcceptContext(context.Background())
}

func (s *Service) AcceptContext(ctx context.Context) (*Connection, net.Addr, error) {
	select {
	case <-s.closeSignal:
		return nil, nil, ErrServiceClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case conn := <-s.newConnChannel:
		log.Info().Str("local", conn.LocalAddr().String()).Str("peer", conn.peerString()).Msg("new connection is ready")
		return conn, conn.RemoteAddr(), nil
	}
}

// handleIncomingPackets is the listener's read loop
func (s *Service) handleIncomingPackets() {
	// Decrease WaitGroup counter when the goroutine completes
	defer s.wg.Done()

	buffer := getReadBuffer()
	defer buffer.release()

	for {
		n, addr, err := s.endpoint.ReadFrom(buffer.payload.Buffer())
		if err != nil {
			select {
			case <-s.closeSignal:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Str("service", s.Addr().String()).Msg("service read error")
			continue
		}
		buffer.payload.SetLength(n)

		seg, err := Decode(buffer.payload.GetSlice())
		if err != nil {
			if s.connConfig.Debug {
				log.Debug().Err(err).Str("from", addr.String()).Msg("dropping undecodable datagram")
			}
			continue
		}
		if !seg.IsSyn() {
			if s.connConfig.Debug {
				log.Debug().Str("from", addr.String()).Object("segment", seg).Msg("non syn segment at service. Ignore it!")
			}
			continue
		}
		s.handleSynSegment(addr)
	}
}

func (s *Service) handleSynSegment(addr net.Addr) {
	key := addr.String()

	s.mu.Lock()
	if conn, ok := s.connectionMap[key]; ok {
		s.mu.Unlock()
		// the peer missed every synack; answer from the connection it should talk to
		if err := conn.sendSegment(NewSynAckSegment()); err != nil {
			log.Debug().Err(err).Str("peer", key).Msg("synack write failed")
		}
		return
	}
	if pending, ok := s.tempConnMap[key]; ok {
		s.mu.Unlock()
		select {
		case pending.synSeen <- struct{}{}:
		default:
		}
		if err := pending.conn.sendSegment(NewSynAckSegment()); err != nil {
			log.Debug().Err(err).Str("peer", key).Msg("synack write failed")
		}
		return
	}
	s.mu.Unlock()

	host, _, err := net.SplitHostPort(s.Addr().String())
	if err != nil {
		log.Error().Err(err).Msg("cannot split service address")
		return
	}
	endpoint, err := s.core.listenPacket(net.JoinHostPort(host, "0"))
	if err != nil {
		log.Error().Err(err).Str("peer", key).Msg("Error creating endpoint for new connection")
		return
	}

	conn := newConnection(endpoint, true, addr, StateSynReceived, s.connConfig, s.connCloseSignal, s.closeSignal)
	pending := &pendingConn{conn: conn, synSeen: make(chan struct{}, 1)}

	s.mu.Lock()
	s.tempConnMap[key] = pending
	s.mu.Unlock()

	log.Info().Str("peer", key).Str("local", conn.LocalAddr().String()).Msg("syn received, answering with synack")
	if err := conn.sendSegment(NewSynAckSegment()); err != nil {
		log.Debug().Err(err).Str("peer", key).Msg("synack write failed")
	}

	s.wg.Add(1)
	go s.handleHandshake(key, pending)
}

// handleHandshake waits out the quiet period and hands the connection to Accept
func (s *Service) handleHandshake(key string, pending *pendingConn) {
	defer s.wg.Done()

	err := pending.conn.awaitQuietPeriod(s.handshakeCtx, pending.synSeen)

	s.mu.Lock()
	delete(s.tempConnMap, key)
	if err == nil {
		s.connectionMap[key] = pending.conn
	}
	s.mu.Unlock()

	if err != nil {
		pending.conn.Close()
		return
	}

	select {
	case s.newConnChannel <- pending.conn:
	case <-s.closeSignal:
		pending.conn.Close()
	}
}

func (s *Service) handleCloseConnections() {
	// Decrease WaitGroup counter when the goroutine completes
	defer s.wg.Done()

	for {
		select {
		case <-s.closeSignal:
			return
		case conn := <-s.connCloseSignal:
			key := conn.peerString()
			s.mu.Lock()
			if s.connectionMap[key] == conn {
				delete(s.connectionMap, key)
			}
			s.mu.Unlock()
			log.Debug().Str("peer", key).Msg("connection removed from service")
		}
	}
}

// Close stops accepting and closes every connection the service created
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeSignal)
		s.cancel()
		err = s.endpoint.Close()

		s.mu.Lock()
		conns := make([]*Connection, 0, len(s.connectionMap)+len(s.tempConnMap))
		for _, conn := range s.connectionMap {
			conns = append(conns, conn)
		}
		for _, pending := range s.tempConnMap {
			conns = append(conns, pending.conn)
		}
		s.mu.Unlock()

		for _, conn := range conns {
			conn.Close()
		}
		s.wg.Wait()

		select {
		case s.core.serviceCloseSignal <- s:
		case <-s.core.closeSignal:
		}
		log.Info().Str("service", s.Addr().String()).Msg("service closed")
	})
	return err
}
