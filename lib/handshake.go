package lib

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// connect runs the connector side of the two-way handshake: syn is repeated
// every retry interval until a synack arrives. The synack's source becomes
// the peer, which is the listener's per-connection endpoint rather than the
// listener itself.
func (c *Connection) connect(ctx context.Context, target net.Addr) error {
	c.setState(StateSynSent)
	synFrame, err := NewSynSegment().Encode()
	if err != nil {
		return err
	}

	interval := msDuration(c.config.ConnSignalRetryIntervalMs)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	retries := 0
	send := true
	for {
		if send {
			if err := c.writeFrameTo(synFrame, target); err != nil {
				log.Debug().Err(err).Str("target", target.String()).Msg("syn write failed")
			}
			send = false
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(ErrDialTimeout, "%s: %v", target, ctx.Err())
		case <-c.closeSignal:
			return ErrConnClosed
		case in := <-c.handshakeChannel:
			if !in.seg.IsSynAck() {
				continue
			}
			c.establish(in.addr)
			log.Info().Str("local", c.LocalAddr().String()).Str("peer", in.addr.String()).Msg("connection established")
			return nil
		case <-ticker.C:
			send = true
			retries++
			if c.config.MaxConnSignalRetries > 0 && retries > c.config.MaxConnSignalRetries {
				return errors.Wrapf(ErrDialTimeout, "%s: no synack after %d syn retries", target, c.config.MaxConnSignalRetries)
			}
			if c.config.Debug {
				log.Debug().Str("target", target.String()).Int("retry", retries).Msg("resending syn")
			}
		}
	}
}

// awaitQuietPeriod finalizes a listener side handshake once no duplicate syn
// has been seen for the quiet period. synSeen carries every duplicate syn.
func (c *Connection) awaitQuietPeriod(ctx context.Context, synSeen <-chan struct{}) error {
	quiet := msDuration(c.config.QuietPeriodMs)
	timer := time.NewTimer(quiet)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeSignal:
			return ErrConnClosed
		case <-synSeen:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(quiet)
		case <-timer.C:
			c.setState(StateEstablished)
			return nil
		}
	}
}

// sendFin signals the end of a transfer. It repeats fin until the teardown ack
// arrives or the fin timeout passes; either way the transfer is complete.
func (c *Connection) sendFin(ctx context.Context) error {
	finFrame, err := NewFinSegment().Encode()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(msDuration(c.config.ConnSignalRetryIntervalMs))
	defer ticker.Stop()
	deadline := time.NewTimer(msDuration(c.config.FinTimeoutMs))
	defer deadline.Stop()

	send := true
	for {
		if send {
			if err := c.writeFrame(finFrame); err != nil {
				log.Debug().Err(err).Msg("fin write failed")
			}
			send = false
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeSignal:
			return ErrConnClosed
		case <-deadline.C:
			log.Debug().Str("peer", c.peerString()).Msg("no teardown ack, closing transfer anyway")
			return nil
		case seg := <-c.ackChannel:
			if !seg.IsTeardownAck() {
				continue
			}
			if c.config.Debug {
				log.Debug().Str("peer", c.peerString()).Msg("teardown ack received")
			}
			return nil
		case <-ticker.C:
			send = true
		}
	}
}

// awaitFinGrace answers the fin that ended a transfer and keeps answering
// retransmitted fins until they stop for the grace period.
func (c *Connection) awaitFinGrace(ctx context.Context, r *receiver) {
	ackFrame, err := NewTeardownAckSegment().Encode()
	if err != nil {
		return
	}
	if err := c.writeFrame(ackFrame); err != nil {
		log.Debug().Err(err).Msg("teardown ack write failed")
	}

	grace := msDuration(c.config.FinGracePeriodMs)
	timer := time.NewTimer(grace)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeSignal:
			return
		case <-timer.C:
			if c.config.Debug {
				log.Debug().Str("peer", c.peerString()).Int("bytes", len(r.Bytes())).Msg("transfer received")
			}
			return
		case seg := <-c.dataChannel:
			if seg.IsFin() {
				if err := c.writeFrame(ackFrame); err != nil {
					log.Debug().Err(err).Msg("teardown ack write failed")
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(grace)
				continue
			}
			// the peer's next transfer, kept for the next Recv
			c.pending = append(c.pending, seg)
		}
	}
}
