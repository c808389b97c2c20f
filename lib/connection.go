package lib

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type ConnectionConfig struct {
	LocalIP                   string                 `yaml:"local_ip"`                      // local address dialed connections bind to
	RetransmitTimeoutMs       int                    `yaml:"retransmit_timeout_ms"`         // per segment retransmission timeout
	MaxRetransmits            int                    `yaml:"max_retransmits"`               // retransmissions of one segment before giving up, 0 for unbounded
	InitialSsthresh           int                    `yaml:"initial_ssthresh"`              // slow start threshold of a new transfer
	RecvWindowSize            int                    `yaml:"recv_window_size"`              // max segments buffered ahead of the receive base
	ConnSignalRetryIntervalMs int                    `yaml:"conn_signal_retry_interval_ms"` // syn and fin retry interval
	MaxConnSignalRetries      int                    `yaml:"max_conn_signal_retries"`       // syn retries before Dial fails, 0 for unbounded
	QuietPeriodMs             int                    `yaml:"quiet_period_ms"`               // syn silence after which the listener accepts
	FinTimeoutMs              int                    `yaml:"fin_timeout_ms"`                // how long Send waits for the teardown ack
	FinGracePeriodMs          int                    `yaml:"fin_grace_period_ms"`           // fin silence after which Recv returns
	Debug                     bool                   `yaml:"debug"`                         // per segment debug logs
	OnProgress                func(acked, total int) `yaml:"-"`                             // called whenever the send base advances
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		LocalIP:                   "0.0.0.0",
		RetransmitTimeoutMs:       100,
		MaxRetransmits:            100,
		InitialSsthresh:           8,
		RecvWindowSize:            8,
		ConnSignalRetryIntervalMs: 100,
		MaxConnSignalRetries:      0,
		QuietPeriodMs:             1000,
		FinTimeoutMs:              2000,
		FinGracePeriodMs:          1000,
	}
}

// Validate reports the first setting that cannot drive a connection
func (cc *ConnectionConfig) Validate() error {
	switch {
	case cc.RetransmitTimeoutMs <= 0:
		return errors.Errorf("retransmit_timeout_ms must be positive, got %d", cc.RetransmitTimeoutMs)
	case cc.MaxRetransmits < 0:
		return errors.Errorf("max_retransmits must not be negative, got %d", cc.MaxRetransmits)
	case cc.InitialSsthresh < 1:
		return errors.Errorf("initial_ssthresh must be at least 1, got %d", cc.InitialSsthresh)
	case cc.RecvWindowSize < 1:
		return errors.Errorf("recv_window_size must be at least 1, got %d", cc.RecvWindowSize)
	case cc.ConnSignalRetryIntervalMs <= 0:
		return errors.Errorf("conn_signal_retry_interval_ms must be positive, got %d", cc.ConnSignalRetryIntervalMs)
	case cc.MaxConnSignalRetries < 0:
		return errors.Errorf("max_conn_signal_retries must not be negative, got %d", cc.MaxConnSignalRetries)
	case cc.QuietPeriodMs <= 0:
		return errors.Errorf("quiet_period_ms must be positive, got %d", cc.QuietPeriodMs)
	case cc.FinTimeoutMs < 0 || cc.FinGracePeriodMs < 0:
		return errors.New("fin timers must not be negative")
	}
	return nil
}

// Stats is a snapshot of the counters of one connection
type Stats struct {
	SegmentsSent      uint64 // data segments transmitted for the first time
	Retransmissions   uint64 // data segments transmitted again
	Timeouts          uint64 // retransmission timer expirations
	AcksReceived      uint64 // data acks received
	SegmentsReceived  uint64 // data segments received
	DuplicateSegments uint64 // data segments already delivered
	ChecksumFailures  uint64 // datagrams dropped for a bad checksum
	ForeignDatagrams  uint64 // datagrams from an address other than the peer
}

type connStats struct {
	segmentsSent      atomic.Uint64
	retransmissions   atomic.Uint64
	timeouts          atomic.Uint64
	acksReceived      atomic.Uint64
	segmentsReceived  atomic.Uint64
	duplicateSegments atomic.Uint64
	checksumFailures  atomic.Uint64
	foreignDatagrams  atomic.Uint64
}

// inbound is a segment together with the address it came from
type inbound struct {
	seg  *Segment
	addr net.Addr
}

// Connection is one end of an RDT connection. Each connection owns its own
// datagram endpoint; a single reader goroutine routes the segments read from it.
type Connection struct {
	config   *ConnectionConfig
	endpoint net.PacketConn
	isServer bool

	mu         sync.Mutex
	remoteAddr net.Addr
	state      int

	handshakeChannel chan inbound  // syn and synack segments
	ackChannel       chan *Segment // data and teardown acks, consumed by Send
	dataChannel      chan *Segment // data and fin segments, consumed by Recv
	sendMu, recvMu   sync.Mutex    // one Send and one Recv at a time
	pending          []*Segment    // segments that arrived during the fin grace period, guarded by recvMu
	stats            connStats

	closeSignal   chan struct{}      // closed by Close to stop goroutines
	closeOnce     sync.Once
	connCloseChan chan<- *Connection // tells the owner the connection is gone
	ownerClosed   <-chan struct{}    // owner's own close signal
	wg            sync.WaitGroup
}

func newConnection(endpoint net.PacketConn, isServer bool, remoteAddr net.Addr, state int, connConfig *ConnectionConfig, connCloseChan chan<- *Connection, ownerClosed <-chan struct{}) *Connection {
	c := &Connection{
		config:           connConfig,
		endpoint:         endpoint,
		isServer:         isServer,
		remoteAddr:       remoteAddr,
		state:            state,
		handshakeChannel: make(chan inbound, channelCapacity),
		ackChannel:       make(chan *Segment, channelCapacity),
		dataChannel:      make(chan *Segment, channelCapacity),
		closeSignal:      make(chan struct{}),
		connCloseChan:    connCloseChan,
		ownerClosed:      ownerClosed,
	}

	c.wg.Add(1)
	go c.handleIncomingPackets()

	return c
}

// handleIncomingPackets reads datagrams from the endpoint and dispatches them
func (c *Connection) handleIncomingPackets() {
	// Decrease WaitGroup counter when the goroutine completes
	defer c.wg.Done()

	buffer := getReadBuffer()
	defer buffer.release()

	for {
		n, addr, err := c.endpoint.ReadFrom(buffer.payload.Buffer())
		if err != nil {
			select {
			case <-c.closeSignal:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Str("local", c.endpoint.LocalAddr().String()).Msg("connection read error")
			continue
		}
		buffer.payload.SetLength(n)

		seg, err := Decode(buffer.payload.GetSlice())
		if err != nil {
			if errors.Is(err, ErrChecksumMismatch) {
				c.stats.checksumFailures.Add(1)
			}
			if c.config.Debug {
				log.Debug().Err(err).Str("from", addr.String()).Msg("dropping undecodable datagram")
			}
			continue
		}
		c.dispatch(seg, addr)
	}
}

func (c *Connection) dispatch(seg *Segment, addr net.Addr) {
	state, peer := c.stateAndPeer()

	if seg.Syn {
		if state == StateEstablished {
			// late synack of a handshake that is already done
			return
		}
		pushInbound(c.handshakeChannel, inbound{seg: seg, addr: addr})
		return
	}

	if peer == nil || !sameAddr(peer, addr) {
		c.stats.foreignDatagrams.Add(1)
		if c.config.Debug {
			log.Debug().Str("from", addr.String()).Object("segment", seg).Msg("datagram from a stranger. Ignore it!")
		}
		return
	}

	if c.config.Debug {
		log.Debug().Str("from", addr.String()).Object("segment", seg).Msg("segment received")
	}
	if seg.Ack {
		pushSegment(c.ackChannel, seg)
	} else {
		pushSegment(c.dataChannel, seg)
	}
}

// pushSegment drops the segment if the consumer is too far behind
func pushSegment(ch chan *Segment, seg *Segment) {
	select {
	case ch <- seg:
	default:
	}
}

func pushInbound(ch chan inbound, in inbound) {
	select {
	case ch <- in:
	default:
	}
}

func sameAddr(a, b net.Addr) bool {
	return a.Network() == b.Network() && a.String() == b.String()
}

func (c *Connection) stateAndPeer() (int, net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.remoteAddr
}

func (c *Connection) setState(state int) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Connection) establish(peer net.Addr) {
	c.mu.Lock()
	c.remoteAddr = peer
	c.state = StateEstablished
	c.mu.Unlock()
}

// State returns the handshake state of the connection
func (c *Connection) State() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// checkOpen fails unless data may flow
func (c *Connection) checkOpen() error {
	switch c.State() {
	case StateEstablished:
		return nil
	case StateClosed:
		return ErrConnClosed
	default:
		return ErrNotConnected
	}
}

func (c *Connection) writeFrame(frame []byte) error {
	peer := c.RemoteAddr()
	if peer == nil {
		return ErrNotConnected
	}
	return c.writeFrameTo(frame, peer)
}

func (c *Connection) writeFrameTo(frame []byte, addr net.Addr) error {
	_, err := c.endpoint.WriteTo(frame, addr)
	return err
}

func (c *Connection) sendSegment(seg *Segment) error {
	frame, err := seg.Encode()
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

func (c *Connection) sendSegmentTo(seg *Segment, addr net.Addr) error {
	frame, err := seg.Encode()
	if err != nil {
		return err
	}
	return c.writeFrameTo(frame, addr)
}

// Send transfers data reliably and returns once every byte is acknowledged
// and the end of the transfer has been signalled.
func (c *Connection) Send(data []byte) error {
	return c.SendContext(context.Background(), data)
}

func (c *Connection) SendContext(ctx context.Context, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.checkOpen(); err != nil {
		return err
	}
	c.drainAcks()

	s, err := newSender(c, data)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	var ackWg sync.WaitGroup
	ackWg.Add(1)
	go c.handleAcks(s, done, &ackWg)

	err = c.driveSender(ctx, s)
	close(done)
	ackWg.Wait()
	s.stop()
	if err != nil {
		return err
	}

	if c.config.Debug {
		cwnd, ssthresh := s.cc.snapshot()
		log.Debug().Int("segments", len(s.frames)).Int("cwnd", cwnd).Int("ssthresh", ssthresh).
			Str("peer", c.peerString()).Msg("all segments acknowledged")
	}
	return c.sendFin(ctx)
}

// driveSender transmits whatever the window allows and sleeps until an ack or timeout changes it
func (c *Connection) driveSender(ctx context.Context, s *sender) error {
	for {
		frames, done, err := s.fill()
		if err != nil {
			return errors.Wrapf(err, "send to %s", c.peerString())
		}
		if done {
			return nil
		}
		for _, frame := range frames {
			if err := c.writeFrame(frame); err != nil {
				// the timer retransmits it
				log.Debug().Err(err).Msg("segment write failed")
			}
			c.stats.segmentsSent.Add(1)
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeSignal:
			return ErrConnClosed
		}
	}
}

// handleAcks feeds data acks to the sender until the transfer is over
func (c *Connection) handleAcks(s *sender, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-done:
			return
		case <-c.closeSignal:
			return
		case seg := <-c.ackChannel:
			if !seg.IsDataAck() {
				continue
			}
			c.stats.acksReceived.Add(1)
			s.onAck(seg.AckNum)
		}
	}
}

// drainAcks discards acks left over from an earlier transfer
func (c *Connection) drainAcks() {
	for {
		select {
		case <-c.ackChannel:
		default:
			return
		}
	}
}

// drainFins discards queued fins of an earlier transfer and returns the
// other queued segments in arrival order.
func (c *Connection) drainFins() []*Segment {
	var kept []*Segment
	for {
		select {
		case seg := <-c.dataChannel:
			if seg.IsFin() {
				continue
			}
			kept = append(kept, seg)
		default:
			return kept
		}
	}
}

// Recv blocks until the peer ends its transfer and returns the reassembled bytes.
// maxBytes sizes the initial reorder buffer; the whole transfer is returned.
func (c *Connection) Recv(maxBytes int) ([]byte, error) {
	return c.RecvContext(context.Background(), maxBytes)
}

func (c *Connection) RecvContext(ctx context.Context, maxBytes int) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	r := newReceiver(maxBytes, c.config.RecvWindowSize)
	queued := append(c.pending, c.drainFins()...)
	c.pending = nil
	for _, seg := range queued {
		c.handleData(r, seg)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closeSignal:
			return nil, ErrConnClosed
		case seg := <-c.dataChannel:
			if seg.IsFin() {
				c.awaitFinGrace(ctx, r)
				return r.Bytes(), nil
			}
			c.handleData(r, seg)
		}
	}
}

func (c *Connection) handleData(r *receiver, seg *Segment) {
	if !seg.IsData() {
		return
	}
	c.stats.segmentsReceived.Add(1)
	action := r.handle(seg.SeqNum, seg.Payload)
	if c.config.Debug {
		log.Debug().Uint32("seq", seg.SeqNum).Uint32("base", r.Base()).Stringer("action", action).Msg("data segment")
	}
	switch action {
	case recvReAck:
		c.stats.duplicateSegments.Add(1)
		fallthrough
	case recvAccept:
		if err := c.sendSegment(NewAckSegment(seg.SeqNum)); err != nil {
			log.Debug().Err(err).Uint32("seq", seg.SeqNum).Msg("ack write failed")
		}
	}
}

// Close releases the endpoint and stops the reader. Later calls are no-ops.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.closeSignal)
		err = c.endpoint.Close()
		c.wg.Wait()

		if c.connCloseChan != nil {
			select {
			case c.connCloseChan <- c:
			case <-c.ownerClosed:
			}
		}
		log.Info().Str("local", c.endpoint.LocalAddr().String()).Str("peer", c.peerString()).Msg("connection closed")
	})
	return err
}

func (c *Connection) LocalAddr() net.Addr {
	return c.endpoint.LocalAddr()
}

// RemoteAddr returns the peer address, nil before the handshake picked one
func (c *Connection) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAddr
}

func (c *Connection) peerString() string {
	if peer := c.RemoteAddr(); peer != nil {
		return peer.String()
	}
	return "<none>"
}

func (c *Connection) Stats() Stats {
	return Stats{
		SegmentsSent:      c.stats.segmentsSent.Load(),
		Retransmissions:   c.stats.retransmissions.Load(),
		Timeouts:          c.stats.timeouts.Load(),
		AcksReceived:      c.stats.acksReceived.Load(),
		SegmentsReceived:  c.stats.segmentsReceived.Load(),
		DuplicateSegments: c.stats.duplicateSegments.Load(),
		ChecksumFailures:  c.stats.checksumFailures.Load(),
		ForeignDatagrams:  c.stats.foreignDatagrams.Load(),
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
