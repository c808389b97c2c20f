package lib

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/pkg/errors"
)

// LayerTypeRDT lets gopacket decode RDT frames, e.g. from a UDP payload in a capture
var LayerTypeRDT = gopacket.RegisterLayerType(3210, gopacket.LayerTypeMetadata{
	Name:    "RDT",
	Decoder: gopacket.DecodeFunc(decodeRDT),
})

// RDTLayer is the gopacket view of a segment. Unlike Segment.Unmarshal it
// decodes corrupted frames too and reports them through Valid.
type RDTLayer struct {
	Segment
	Valid    bool // checksum verified
	contents []byte
	payload  []byte
}

func (l *RDTLayer) LayerType() gopacket.LayerType { return LayerTypeRDT }
func (l *RDTLayer) LayerContents() []byte         { return l.contents }
func (l *RDTLayer) LayerPayload() []byte          { return l.payload }
func (l *RDTLayer) Payload() []byte               { return l.payload }
func (l *RDTLayer) CanDecode() gopacket.LayerClass {
	return LayerTypeRDT
}
func (l *RDTLayer) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

func (l *RDTLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLength {
		df.SetTruncated()
		return errors.Wrapf(ErrSegmentTooShort, "the length(%d) of data is too short to be decoded", len(data))
	}
	l.Valid = VerifyChecksum(data)
	l.Checksum = binary.BigEndian.Uint16(data[checksumOffset:flagsOffset])
	l.setFlags(data[flagsOffset])
	l.SeqNum = binary.BigEndian.Uint32(data[seqOffset:ackOffset])
	l.AckNum = binary.BigEndian.Uint32(data[ackOffset:lengthOffset])
	l.Length = binary.BigEndian.Uint32(data[lengthOffset:HeaderLength])

	end := len(data)
	if uint64(l.Length) <= uint64(len(data)-HeaderLength) {
		end = HeaderLength + int(l.Length)
	} else {
		df.SetTruncated()
	}
	l.contents = data[:HeaderLength]
	l.payload = data[HeaderLength:end]
	l.Segment.Payload = l.payload
	return nil
}

// SerializeTo writes the segment with a fresh checksum
func (l *RDTLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(HeaderLength + len(l.Segment.Payload))
	if err != nil {
		return err
	}
	_, err = l.Segment.Marshal(bytes)
	return err
}

func decodeRDT(data []byte, p gopacket.PacketBuilder) error {
	l := &RDTLayer{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	p.SetApplicationLayer(l)
	return nil
}
