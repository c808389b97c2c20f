package lib

// Flag constants
const (
	// RDT flag constants. Bit positions follow the TCP flag byte.
	ACKFlag uint8 = 1 << 4
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	MaxPayloadSize = 2000 // max payload bytes carried by one segment
	HeaderLength   = 15   // checksum(2) + flags(1) + seq(4) + ack(4) + length(4)
	MaxSegmentSize = HeaderLength + MaxPayloadSize

	// SentinelNum is the seq/ack value carried by handshake, teardown and ack segments
	SentinelNum = ^uint32(0)

	checksumOffset = 0
	flagsOffset    = 2
	seqOffset      = 3
	ackOffset      = 7
	lengthOffset   = 11

	channelCapacity = 256 // capacity of per-connection routing channels
)

// sender side state of one segment
const (
	notSent  = iota // not transmitted yet
	inFlight        // transmitted, waiting for ack
	acked           // acknowledged by peer
)

// connection states
const (
	StateInit        = iota // nothing sent yet
	StateSynSent            // connector sent syn, waiting for synack
	StateSynReceived        // listener answered syn, waiting for the quiet period
	StateEstablished        // data may flow
	StateClosed             // closed locally
)
