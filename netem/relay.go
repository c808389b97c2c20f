package netem

import (
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/smallnest/ringbuffer"
)

const (
	maxDatagram     = 65536
	entryHeaderSize = 4 + AddrHeaderLength // frame length + source address
)

// RelayStats counts what happened to datagrams crossing the relay
type RelayStats struct {
	Received  uint64 // datagrams read
	Overflow  uint64 // dropped because the buffer was full
	Lost      uint64 // dropped by the loss rate
	Corrupted uint64 // corrupted before forwarding
	Forwarded uint64 // written to their destination
	Invalid   uint64 // too short or with a bad address header
}

// Relay forwards datagrams between endpoints and impairs them on the way.
// Arrivals are queued in a finite byte buffer and processed one at a time.
type Relay struct {
	profile *Profile
	conn    *net.UDPConn
	queue   *ringbuffer.RingBuffer
	ready   chan struct{}
	rng     *rand.Rand // only used by handleOutgoingPackets
	capture atomic.Pointer[Capture]

	received, overflow, lost, corrupted, forwarded, invalid atomic.Uint64

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// NewRelay listens on address and starts relaying
func NewRelay(address string, profile *Profile) (*Relay, error) {
	if profile == nil {
		profile = DefaultProfile()
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve relay address %s", address)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen relay %s", address)
	}

	seed := profile.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := &Relay{
		profile:     profile,
		conn:        conn,
		queue:       ringbuffer.New(profile.BufferSize + entryHeaderSize + maxDatagram),
		ready:       make(chan struct{}, 1),
		rng:         rand.New(rand.NewSource(seed)),
		closeSignal: make(chan struct{}),
	}

	r.wg.Add(2)
	go r.handleIncomingPackets()
	go r.handleOutgoingPackets()

	log.Info().Str("relay", conn.LocalAddr().String()).Float64("loss", profile.LossRate).
		Float64("corrupt", profile.CorruptRate).Int("rate", profile.Rate).Msg("netem relay started")
	return r, nil
}

// SetCapture records every forwarded datagram from now on. A nil capture stops recording.
func (r *Relay) SetCapture(c *Capture) {
	r.capture.Store(c)
}

func (r *Relay) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// handleIncomingPackets admits arrivals into the buffer while it holds less than BufferSize bytes
func (r *Relay) handleIncomingPackets() {
	defer r.wg.Done()

	buffer := make([]byte, maxDatagram)
	entry := make([]byte, entryHeaderSize+maxDatagram)
	for {
		n, from, err := r.conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-r.closeSignal:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Msg("relay read error")
			continue
		}
		r.received.Add(1)

		if r.queue.Length() >= r.profile.BufferSize {
			r.overflow.Add(1)
			continue
		}
		binary.BigEndian.PutUint32(entry[0:4], uint32(n))
		if err := putAddr(entry[4:entryHeaderSize], from); err != nil {
			r.invalid.Add(1)
			continue
		}
		copy(entry[entryHeaderSize:], buffer[:n])
		size := entryHeaderSize + n
		if r.queue.Free() < size {
			r.overflow.Add(1)
			continue
		}
		if _, err := r.queue.Write(entry[:size]); err != nil {
			r.overflow.Add(1)
			continue
		}

		select {
		case r.ready <- struct{}{}:
		default:
		}
	}
}

// dequeue pops one queued datagram and its source
func (r *Relay) dequeue(data []byte) (int, *net.UDPAddr, bool) {
	var header [entryHeaderSize]byte
	if r.queue.Length() < entryHeaderSize {
		return 0, nil, false
	}
	if _, err := r.queue.Read(header[:]); err != nil {
		return 0, nil, false
	}
	n := int(binary.BigEndian.Uint32(header[0:4]))
	from, _ := BytesToAddr(header[4:])
	read := 0
	for read < n {
		m, err := r.queue.Read(data[read:n])
		if err != nil {
			break
		}
		read += m
	}
	return read, from, true
}

func (r *Relay) handleOutgoingPackets() {
	defer r.wg.Done()

	data := make([]byte, maxDatagram)
	for {
		n, from, ok := r.dequeue(data)
		if !ok {
			select {
			case <-r.closeSignal:
				return
			case <-r.ready:
			}
			continue
		}
		r.process(data[:n], from)
	}
}

// process applies rate limiting, loss and corruption, then forwards the datagram
func (r *Relay) process(data []byte, from *net.UDPAddr) {
	if r.profile.Rate > 0 {
		time.Sleep(time.Duration(float64(len(data)) / float64(r.profile.Rate) * float64(time.Second)))
	}
	if r.rng.Float64() < r.profile.LossRate {
		r.lost.Add(1)
		return
	}
	if len(data) < AddrHeaderLength {
		r.invalid.Add(1)
		return
	}
	to, err := BytesToAddr(data[:AddrHeaderLength])
	if err != nil {
		r.invalid.Add(1)
		return
	}

	out := make([]byte, len(data))
	copy(out[AddrHeaderLength:], data[AddrHeaderLength:])
	if r.rng.Float64() < r.profile.CorruptRate && len(out) > AddrHeaderLength {
		for i := 0; i < r.profile.CorruptBytes; i++ {
			index := AddrHeaderLength + r.rng.Intn(len(out)-AddrHeaderLength)
			out[index] = byte(r.rng.Intn(256))
		}
		r.corrupted.Add(1)
	}
	if err := putAddr(out[:AddrHeaderLength], from); err != nil {
		r.invalid.Add(1)
		return
	}

	if r.profile.MaxDelayMs > 0 {
		delay := time.Duration(r.rng.Intn(r.profile.MaxDelayMs+1)) * time.Millisecond
		time.AfterFunc(delay, func() { r.forward(out, from, to) })
		return
	}
	r.forward(out, from, to)
}

func (r *Relay) forward(out []byte, from, to *net.UDPAddr) {
	if r.profile.Trace {
		segmentEvent(log.Debug(), out[AddrHeaderLength:]).Str("from", from.String()).Str("to", to.String()).Msg("relay")
	}
	if _, err := r.conn.WriteToUDP(out, to); err != nil {
		log.Debug().Err(err).Str("to", to.String()).Msg("relay write failed")
		return
	}
	r.forwarded.Add(1)
	if capture := r.capture.Load(); capture != nil {
		if err := capture.WritePacket(from, to, out[AddrHeaderLength:], time.Now()); err != nil {
			log.Warn().Err(err).Msg("capture write failed")
		}
	}
}

func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Received:  r.received.Load(),
		Overflow:  r.overflow.Load(),
		Lost:      r.lost.Load(),
		Corrupted: r.corrupted.Load(),
		Forwarded: r.forwarded.Load(),
		Invalid:   r.invalid.Load(),
	}
}

func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closeSignal)
		err = r.conn.Close()
		r.wg.Wait()
		r.queue.Reset()
		log.Info().Interface("stats", r.Stats()).Msg("netem relay closed")
	})
	return err
}
