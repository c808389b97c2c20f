package lib

import (
	"github.com/google/netstack/tcpip/seqnum"
)

type recvAction int

const (
	recvDiscard recvAction = iota // outside the window, drop silently
	recvReAck                     // already delivered, ack again and drop
	recvAccept                    // new or buffered, ack it
)

func (a recvAction) String() string {
	switch a {
	case recvDiscard:
		return "discard"
	case recvReAck:
		return "reack"
	case recvAccept:
		return "accept"
	}
	return "unknown"
}

// recvWindow is a ring of undelivered payloads indexed by seq modulo its
// capacity. Capacities are powers of two so the mapping survives seq wrap.
type recvWindow struct {
	slots  [][]byte
	filled []bool
	limit  int
}

func newRecvWindow(initial, limit int) *recvWindow {
	limit = roundUpPow2(limit)
	initial = roundUpPow2(initial)
	if initial > limit {
		initial = limit
	}
	return &recvWindow{
		slots:  make([][]byte, initial),
		filled: make([]bool, initial),
		limit:  limit,
	}
}

func roundUpPow2(n int) int {
	size := 1
	for size < n {
		size <<= 1
	}
	return size
}

func (w *recvWindow) capacity() int {
	return len(w.slots)
}

func (w *recvWindow) slot(seq seqnum.Value) int {
	return int(uint32(seq) & uint32(len(w.slots)-1))
}

// ensure grows the ring until offset (distance from base) fits
func (w *recvWindow) ensure(base seqnum.Value, offset int) bool {
	if offset < len(w.slots) {
		return true
	}
	if offset >= w.limit {
		return false
	}
	newCap := len(w.slots)
	for newCap <= offset {
		newCap <<= 1
	}
	slots := make([][]byte, newCap)
	filled := make([]bool, newCap)
	for i := 0; i < len(w.slots); i++ {
		seq := base.Add(seqnum.Size(i))
		old := w.slot(seq)
		if !w.filled[old] {
			continue
		}
		idx := int(uint32(seq) & uint32(newCap-1))
		slots[idx] = w.slots[old]
		filled[idx] = true
	}
	w.slots = slots
	w.filled = filled
	return true
}

func (w *recvWindow) has(seq seqnum.Value) bool {
	return w.filled[w.slot(seq)]
}

func (w *recvWindow) put(seq seqnum.Value, payload []byte) {
	idx := w.slot(seq)
	w.slots[idx] = payload
	w.filled[idx] = true
}

func (w *recvWindow) take(seq seqnum.Value) []byte {
	idx := w.slot(seq)
	payload := w.slots[idx]
	w.slots[idx] = nil
	w.filled[idx] = false
	return payload
}

// receiver reassembles the segments of one transfer
type receiver struct {
	base   seqnum.Value
	size   seqnum.Size
	window *recvWindow
	data   []byte
}

// newReceiver sizes the arena for maxBytes and never buffers more than windowSize segments
func newReceiver(maxBytes, windowSize int) *receiver {
	if windowSize < 1 {
		windowSize = 1
	}
	initial := (maxBytes + MaxPayloadSize - 1) / MaxPayloadSize
	if initial < 1 {
		initial = 1
	}
	if initial > windowSize {
		initial = windowSize
	}
	return &receiver{
		size:   seqnum.Size(windowSize),
		window: newRecvWindow(initial, windowSize),
	}
}

// handle classifies a data segment and, when accepted, stores it and
// delivers the contiguous run starting at base.
func (r *receiver) handle(seq uint32, payload []byte) recvAction {
	// SentinelNum marks teardown acks and never indexes data
	if seq == SentinelNum {
		return recvDiscard
	}
	s := seqnum.Value(seq)
	if s.LessThan(r.base) {
		return recvReAck
	}
	if !s.InWindow(r.base, r.size) {
		return recvDiscard
	}
	if !r.window.ensure(r.base, int(r.base.Size(s))) {
		return recvDiscard
	}
	if !r.window.has(s) {
		r.window.put(s, payload)
	}
	for r.window.has(r.base) {
		r.data = append(r.data, r.window.take(r.base)...)
		r.base.UpdateForward(1)
	}
	return recvAccept
}

// Base returns the lowest undelivered seq
func (r *receiver) Base() uint32 {
	return uint32(r.base)
}

func (r *receiver) Bytes() []byte {
	return r.data
}
