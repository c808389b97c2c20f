package lib

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrSegmentTooShort  = errors.New("segment shorter than header")
	ErrChecksumMismatch = errors.New("segment checksum mismatch")
	ErrMalformedSegment = errors.New("segment length field exceeds frame")
	ErrPayloadTooLarge  = errors.New("segment payload exceeds max payload size")
	ErrBufferTooSmall   = errors.New("buffer too small to hold segment")
)

// Segment is the RDT protocol data unit
type Segment struct {
	Syn      bool   // handshake marker
	Fin      bool   // end of stream marker
	Ack      bool   // acknowledgement marker
	SeqNum   uint32 // index of the segment within one send call, or SentinelNum
	AckNum   uint32 // seq being acknowledged, or SentinelNum
	Length   uint32 // payload length
	Checksum uint16 // one's complement checksum of everything else
	Payload  []byte
}

// Flags packs the control flags into the header flag byte
func (s *Segment) Flags() uint8 {
	var flags uint8
	if s.Syn {
		flags |= SYNFlag
	}
	if s.Fin {
		flags |= FINFlag
	}
	if s.Ack {
		flags |= ACKFlag
	}
	return flags
}

func (s *Segment) setFlags(flags uint8) {
	s.Syn = flags&SYNFlag != 0
	s.Fin = flags&FINFlag != 0
	s.Ack = flags&ACKFlag != 0
}

// Marshal writes the segment into buffer and returns the frame length.
// The checksum is recomputed and stored in s.Checksum.
func (s *Segment) Marshal(buffer []byte) (int, error) {
	if len(s.Payload) > MaxPayloadSize {
		return 0, errors.Wrapf(ErrPayloadTooLarge, "payload length %d", len(s.Payload))
	}
	frameLength := HeaderLength + len(s.Payload)
	if len(buffer) < frameLength {
		return 0, errors.Wrapf(ErrBufferTooSmall, "buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}
	frame := buffer[:frameLength]
	s.Length = uint32(len(s.Payload))

	// leave checksum as all zero for now
	binary.BigEndian.PutUint16(frame[checksumOffset:flagsOffset], 0)
	frame[flagsOffset] = s.Flags()
	binary.BigEndian.PutUint32(frame[seqOffset:ackOffset], s.SeqNum)
	binary.BigEndian.PutUint32(frame[ackOffset:lengthOffset], s.AckNum)
	binary.BigEndian.PutUint32(frame[lengthOffset:HeaderLength], s.Length)
	copy(frame[HeaderLength:], s.Payload)

	s.Checksum = CalculateChecksum(frame[flagsOffset:])
	binary.BigEndian.PutUint16(frame[checksumOffset:flagsOffset], s.Checksum)

	return frameLength, nil
}

// Encode returns a freshly allocated wire frame of the segment
func (s *Segment) Encode() ([]byte, error) {
	buffer := make([]byte, HeaderLength+len(s.Payload))
	n, err := s.Marshal(buffer)
	if err != nil {
		return nil, err
	}
	return buffer[:n], nil
}

// Unmarshal parses a wire frame into s. The checksum is verified before any
// field is trusted; the payload is copied out of data.
func (s *Segment) Unmarshal(data []byte) error {
	if len(data) < HeaderLength {
		return errors.Wrapf(ErrSegmentTooShort, "the length(%d) of data is too short to be unmarshalled", len(data))
	}
	if !VerifyChecksum(data) {
		return ErrChecksumMismatch
	}
	length := binary.BigEndian.Uint32(data[lengthOffset:HeaderLength])
	if uint64(length) > uint64(len(data)-HeaderLength) {
		return errors.Wrapf(ErrMalformedSegment, "length field %d, %d bytes present", length, len(data)-HeaderLength)
	}

	s.Checksum = binary.BigEndian.Uint16(data[checksumOffset:flagsOffset])
	s.setFlags(data[flagsOffset])
	s.SeqNum = binary.BigEndian.Uint32(data[seqOffset:ackOffset])
	s.AckNum = binary.BigEndian.Uint32(data[ackOffset:lengthOffset])
	s.Length = length
	if length > 0 {
		s.Payload = make([]byte, length)
		copy(s.Payload, data[HeaderLength:HeaderLength+int(length)])
	} else {
		s.Payload = nil
	}
	return nil
}

// Decode parses a wire frame into a new segment
func Decode(data []byte) (*Segment, error) {
	s := &Segment{}
	if err := s.Unmarshal(data); err != nil {
		return nil, err
	}
	return s, nil
}

// CalculateChecksum returns the one's complement of the one's complement sum
// of buffer taken as big-endian 16-bit words.
func CalculateChecksum(buffer []byte) uint16 {
	return ^onesSum(buffer)
}

// VerifyChecksum sums a whole frame, checksum included. A valid frame sums to 0xFFFF.
func VerifyChecksum(frame []byte) bool {
	return onesSum(frame) == 0xffff
}

func onesSum(buffer []byte) uint16 {
	var cksum uint32 = 0

	// Process 16-bit words (2 bytes each)
	for i := 0; i < len(buffer)-1; i += 2 {
		cksum += uint32(binary.BigEndian.Uint16(buffer[i : i+2]))
	}

	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	// Fold 32-bit sum to 16 bits
	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += (cksum >> 16)

	return uint16(cksum)
}

func NewSynSegment() *Segment {
	return &Segment{Syn: true, SeqNum: SentinelNum, AckNum: SentinelNum}
}

func NewSynAckSegment() *Segment {
	return &Segment{Syn: true, Ack: true, SeqNum: SentinelNum, AckNum: SentinelNum}
}

func NewFinSegment() *Segment {
	return &Segment{Fin: true, SeqNum: SentinelNum, AckNum: SentinelNum}
}

// NewTeardownAckSegment answers a fin
func NewTeardownAckSegment() *Segment {
	return &Segment{Ack: true, SeqNum: SentinelNum, AckNum: SentinelNum}
}

// NewAckSegment acknowledges the data segment with the given seq
func NewAckSegment(seq uint32) *Segment {
	return &Segment{Ack: true, SeqNum: SentinelNum, AckNum: seq}
}

func NewDataSegment(seq uint32, payload []byte) *Segment {
	return &Segment{SeqNum: seq, AckNum: SentinelNum, Length: uint32(len(payload)), Payload: payload}
}

func (s *Segment) IsSyn() bool {
	return s.Syn && !s.Ack && !s.Fin
}

func (s *Segment) IsSynAck() bool {
	return s.Syn && s.Ack && !s.Fin
}

func (s *Segment) IsFin() bool {
	return s.Fin && !s.Syn
}

func (s *Segment) IsTeardownAck() bool {
	return s.Ack && !s.Syn && !s.Fin && s.AckNum == SentinelNum
}

func (s *Segment) IsDataAck() bool {
	return s.Ack && !s.Syn && !s.Fin && s.AckNum != SentinelNum
}

func (s *Segment) IsData() bool {
	return !s.Ack && !s.Syn && !s.Fin
}

// MarshalZerologObject lets a segment be logged as a structured field
func (s *Segment) MarshalZerologObject(e *zerolog.Event) {
	e.Bool("syn", s.Syn).
		Bool("fin", s.Fin).
		Bool("ack", s.Ack).
		Uint32("seq", s.SeqNum).
		Uint32("ackNum", s.AckNum).
		Uint32("len", s.Length).
		Uint16("checksum", s.Checksum)
}
