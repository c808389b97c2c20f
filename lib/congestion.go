package lib

import "sync"

// congestionControl keeps the send window of one transfer.
// credit counts acks seen in congestion avoidance; cwnd grows by one once
// credit reaches cwnd, i.e. once the 1/cwnd increments add up to one.
type congestionControl struct {
	mu       sync.Mutex
	cwnd     int
	ssthresh int
	credit   int
}

func newCongestionControl(initialSsthresh int) *congestionControl {
	if initialSsthresh < 1 {
		initialSsthresh = 1
	}
	return &congestionControl{
		cwnd:     1,
		ssthresh: initialSsthresh,
	}
}

// onAck accounts one newly acknowledged segment
func (c *congestionControl) onAck() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cwnd < c.ssthresh {
		c.cwnd++
		return
	}
	c.credit++
	if c.credit >= c.cwnd {
		c.cwnd++
		c.credit = 0
	}
}

// onTimeout collapses the window after a retransmission timeout
func (c *congestionControl) onTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ssthresh = c.cwnd / 2
	c.cwnd = 1
	c.credit = 0
}

func (c *congestionControl) window() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd
}

// snapshot returns cwnd and ssthresh together
func (c *congestionControl) snapshot() (cwnd, ssthresh int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd, c.ssthresh
}
