package netem

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/Clouded-Sabre/rdt/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog"
)

// Capture writes relayed datagrams to a pcap stream as raw IPv4/UDP packets
type Capture struct {
	mu     sync.Mutex
	writer *pcapgo.Writer
}

func NewCapture(w io.Writer) (*Capture, error) {
	writer := pcapgo.NewWriter(w)
	if err := writer.WriteFileHeader(65536, layers.LinkTypeRaw); err != nil {
		return nil, err
	}
	return &Capture{writer: writer}, nil
}

// WritePacket records payload as sent from src to dst
func (c *Capture) WritePacket(src, dst *net.UDPAddr, payload []byte, ts time.Time) error {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.IP.To4(),
		DstIP:    dst.IP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return err
	}
	data := buf.Bytes()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

// segmentEvent adds the decoded RDT header of frame to a log event
func segmentEvent(e *zerolog.Event, frame []byte) *zerolog.Event {
	packet := gopacket.NewPacket(frame, lib.LayerTypeRDT, gopacket.NoCopy)
	layer, ok := packet.Layer(lib.LayerTypeRDT).(*lib.RDTLayer)
	if !ok {
		return e.Int("len", len(frame)).Bool("rdt", false)
	}
	return e.Object("segment", &layer.Segment).Bool("valid", layer.Valid)
}
