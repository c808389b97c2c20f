package lib

import (
	"testing"

	"github.com/google/netstack/tcpip/seqnum"
)

func TestReceiverClassification(t *testing.T) {
	testCases := []struct {
		base     uint32
		seq      uint32
		expected recvAction
	}{
		{base: 5, seq: 10, expected: recvAccept},                   // ahead, inside the window
		{base: 10, seq: 5, expected: recvReAck},                    // already delivered
		{base: 5, seq: 13, expected: recvDiscard},                  // one past the window
		{base: 5, seq: 4294967294, expected: recvReAck},            // behind across the wrap
		{base: 4294967295, seq: 5, expected: recvAccept},           // ahead across the wrap
		{base: 2147483647, seq: 2147483646, expected: recvReAck},   // close to the sign boundary
		{base: 2147483646, seq: 2147483647, expected: recvAccept},  // close to the sign boundary
		{base: 0, seq: 4294967295, expected: recvDiscard},          // sentinel is never data
		{base: 4294967290, seq: 4294967295, expected: recvDiscard}, // sentinel inside the window
		{base: 4294967295, seq: 0, expected: recvAccept},           // full wrap
	}

	for _, tc := range testCases {
		r := newReceiver(0, 8)
		r.base = seqnum.Value(tc.base)
		if got := r.handle(tc.seq, []byte("x")); got != tc.expected {
			t.Errorf("For base %d seq %d, expected %s, but got %s", tc.base, tc.seq, tc.expected, got)
		}
	}
}

func TestReceiverReordering(t *testing.T) {
	testCases := []struct {
		name     string
		window   int
		arrivals []uint32
		expected string
		base     uint32
	}{
		{name: "in order", window: 8, arrivals: []uint32{0, 1, 2, 3}, expected: "abcd", base: 4},
		{name: "reversed", window: 8, arrivals: []uint32{3, 2, 1, 0}, expected: "abcd", base: 4},
		{name: "duplicates", window: 8, arrivals: []uint32{1, 1, 0, 0, 2, 1}, expected: "abc", base: 3},
		{name: "gap holds delivery", window: 8, arrivals: []uint32{0, 2, 3}, expected: "a", base: 1},
		{name: "beyond window dropped", window: 2, arrivals: []uint32{2, 3, 0, 1}, expected: "ab", base: 2},
		{name: "window of one", window: 1, arrivals: []uint32{1, 0, 1, 2}, expected: "abc", base: 3},
	}

	payloads := []string{"a", "b", "c", "d"}
	for _, tc := range testCases {
		r := newReceiver(0, tc.window)
		for _, seq := range tc.arrivals {
			r.handle(seq, []byte(payloads[seq]))
		}
		if got := string(r.Bytes()); got != tc.expected {
			t.Errorf("%s: delivered %q, expected %q", tc.name, got, tc.expected)
		}
		if r.Base() != tc.base {
			t.Errorf("%s: base %d, expected %d", tc.name, r.Base(), tc.base)
		}
	}
}

func TestReceiverArenaGrowth(t *testing.T) {
	r := newReceiver(0, 8)
	if c := r.window.capacity(); c != 1 {
		t.Fatalf("initial capacity %d, expected 1", c)
	}

	for _, seq := range []uint32{5, 3, 1} {
		if got := r.handle(seq, []byte{byte('0' + seq)}); got != recvAccept {
			t.Fatalf("seq %d: %s", seq, got)
		}
	}
	if c := r.window.capacity(); c != 8 {
		t.Errorf("capacity after growth %d, expected 8", c)
	}
	for _, seq := range []uint32{0, 2, 4} {
		r.handle(seq, []byte{byte('0' + seq)})
	}
	if got := string(r.Bytes()); got != "012345" {
		t.Errorf("delivered %q", got)
	}
}

func TestReceiverSizedByMaxBytes(t *testing.T) {
	testCases := []struct {
		maxBytes, window, capacity int
	}{
		{maxBytes: 0, window: 8, capacity: 1},
		{maxBytes: 4096, window: 8, capacity: 4},
		{maxBytes: 1 << 20, window: 8, capacity: 8},
		{maxBytes: 4096, window: 0, capacity: 1},
	}
	for _, tc := range testCases {
		r := newReceiver(tc.maxBytes, tc.window)
		if c := r.window.capacity(); c != tc.capacity {
			t.Errorf("maxBytes %d window %d: capacity %d, expected %d", tc.maxBytes, tc.window, c, tc.capacity)
		}
	}
}

func TestReceiverStopsBeforeSentinel(t *testing.T) {
	r := newReceiver(0, 8)
	r.base = seqnum.Value(0xfffffffc)

	r.handle(0xfffffffd, []byte("b"))
	if len(r.Bytes()) != 0 {
		t.Fatalf("delivered %q before the base arrived", r.Bytes())
	}
	r.handle(0xfffffffc, []byte("a"))
	r.handle(0xfffffffe, []byte("c"))
	if got := string(r.Bytes()); got != "abc" {
		t.Errorf("delivered %q, expected abc", got)
	}
	if got := r.handle(SentinelNum, []byte("d")); got != recvDiscard {
		t.Errorf("seq %d classified as %s", uint32(SentinelNum), got)
	}
	if r.Base() != 0xffffffff {
		t.Errorf("base %d, expected %d", r.Base(), uint32(0xffffffff))
	}
}
