package lib

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// sender is the selective repeat state of one Send call
type sender struct {
	conn     *Connection
	frames   [][]byte // encoded data segments, index == seq
	flags    []uint8  // notSent, inFlight or acked
	attempts []int    // retransmissions per segment
	base     int      // lowest unacknowledged index
	next     int      // next index to transmit

	mu             sync.Mutex
	cc             *congestionControl
	timers         *timerWheel
	rto            time.Duration
	maxRetransmits int
	failed         error

	wake chan struct{}
}

// newSender splits data into segments and encodes them once
func newSender(conn *Connection, data []byte) (*sender, error) {
	count := (len(data) + MaxPayloadSize - 1) / MaxPayloadSize
	if uint64(count) > uint64(SentinelNum) {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d segments in one transfer", count)
	}
	s := &sender{
		conn:           conn,
		frames:         make([][]byte, count),
		flags:          make([]uint8, count),
		attempts:       make([]int, count),
		cc:             newCongestionControl(conn.config.InitialSsthresh),
		rto:            msDuration(conn.config.RetransmitTimeoutMs),
		maxRetransmits: conn.config.MaxRetransmits,
		wake:           make(chan struct{}, 1),
	}
	for i := 0; i < count; i++ {
		end := (i + 1) * MaxPayloadSize
		if end > len(data) {
			end = len(data)
		}
		frame, err := NewDataSegment(uint32(i), data[i*MaxPayloadSize:end]).Encode()
		if err != nil {
			return nil, err
		}
		s.frames[i] = frame
	}
	s.timers = newTimerWheel(s.onTimeout)
	return s, nil
}

func (s *sender) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// fill marks every segment the window allows as in flight and returns their frames
func (s *sender) fill() (frames [][]byte, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return nil, false, s.failed
	}
	if s.base == len(s.frames) {
		return nil, true, nil
	}
	cwnd := s.cc.window()
	for s.next < len(s.frames) && s.next < s.base+cwnd {
		s.flags[s.next] = inFlight
		s.timers.Timer(uint32(s.next)).Arm(s.rto)
		frames = append(frames, s.frames[s.next])
		s.next++
	}
	return frames, false, nil
}

// onAck handles a data ack. Acks for segments not in flight are ignored.
func (s *sender) onAck(seq uint32) {
	idx := int(seq)
	s.mu.Lock()
	if seq >= uint32(len(s.frames)) || s.flags[idx] != inFlight {
		s.mu.Unlock()
		return
	}
	s.flags[idx] = acked
	s.timers.Timer(seq).Cancel()
	advanced := false
	for s.base < len(s.frames) && s.flags[s.base] == acked {
		s.base++
		advanced = true
	}
	base, total := s.base, len(s.frames)
	s.mu.Unlock()

	s.cc.onAck()
	if advanced && s.conn.config.OnProgress != nil {
		s.conn.config.OnProgress(base, total)
	}
	s.signal()
}

// onTimeout runs on the timer goroutine. It resends exactly the expired segment.
func (s *sender) onTimeout(seq uint32) {
	idx := int(seq)
	s.mu.Lock()
	if idx >= len(s.flags) || s.flags[idx] != inFlight || s.failed != nil {
		s.mu.Unlock()
		return
	}
	s.attempts[idx]++
	if s.maxRetransmits > 0 && s.attempts[idx] > s.maxRetransmits {
		s.failed = ErrPeerUnreachable
		s.mu.Unlock()
		s.signal()
		return
	}
	s.timers.Timer(seq).Arm(s.rto)
	frame := s.frames[idx]
	attempt := s.attempts[idx]
	s.mu.Unlock()

	s.cc.onTimeout()
	s.conn.stats.timeouts.Add(1)
	s.conn.stats.retransmissions.Add(1)
	if s.conn.config.Debug {
		cwnd, ssthresh := s.cc.snapshot()
		log.Debug().Uint32("seq", seq).Int("attempt", attempt).Int("cwnd", cwnd).Int("ssthresh", ssthresh).
			Str("peer", s.conn.peerString()).Msg("segment timeout, retransmitting")
	}
	if err := s.conn.writeFrame(frame); err != nil {
		log.Debug().Err(err).Uint32("seq", seq).Msg("retransmission failed")
	}
}

// stop releases the timers. It must not be called with s.mu held.
func (s *sender) stop() {
	s.timers.Stop()
}
