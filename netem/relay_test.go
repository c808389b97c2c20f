package netem

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func newTestRelay(t *testing.T, profile *Profile) *Relay {
	t.Helper()
	relay, err := NewRelay("127.0.0.1:0", profile)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { relay.Close() })
	return relay
}

func newTestConn(t *testing.T, relay *Relay) *Conn {
	t.Helper()
	conn, err := Listen("udp", "127.0.0.1:0", relay.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitStats(t *testing.T, relay *Relay, cond func(RelayStats) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond(relay.Stats()) {
		if time.Now().After(deadline) {
			t.Fatalf("unexpected stats %+v", relay.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func cleanProfile() *Profile {
	return &Profile{BufferSize: 100000}
}

func TestRelayForwards(t *testing.T) {
	relay := newTestRelay(t, cleanProfile())
	a := newTestConn(t, relay)
	b := newTestConn(t, relay)

	if n, err := a.WriteTo([]byte("ping"), b.LocalAddr()); err != nil || n != 4 {
		t.Fatalf("write: %d, %v", n, err)
	}

	buffer := make([]byte, 64)
	b.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, from, err := b.ReadFrom(buffer)
	if err != nil {
		t.Fatal(err)
	}
	if string(buffer[:n]) != "ping" {
		t.Errorf("received %q", buffer[:n])
	}
	if from.String() != a.LocalAddr().String() {
		t.Errorf("source %s, expected %s", from, a.LocalAddr())
	}

	waitStats(t, relay, func(stats RelayStats) bool {
		return stats.Received == 1 && stats.Forwarded == 1 && stats.Lost == 0
	})
}

func TestRelayLosesEverything(t *testing.T) {
	profile := cleanProfile()
	profile.LossRate = 1
	relay := newTestRelay(t, profile)
	a := newTestConn(t, relay)
	b := newTestConn(t, relay)

	for i := 0; i < 5; i++ {
		if _, err := a.WriteTo([]byte("lost"), b.LocalAddr()); err != nil {
			t.Fatal(err)
		}
	}

	waitStats(t, relay, func(stats RelayStats) bool { return stats.Lost == 5 })
	b.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, _, err := b.ReadFrom(make([]byte, 64)); err == nil {
		t.Error("a datagram got through a relay that loses everything")
	}
}

func TestRelayCorrupts(t *testing.T) {
	profile := cleanProfile()
	profile.CorruptRate = 1
	profile.CorruptBytes = 4
	profile.Seed = 1
	relay := newTestRelay(t, profile)
	a := newTestConn(t, relay)
	b := newTestConn(t, relay)

	original := bytes.Repeat([]byte{0xaa}, 64)
	if _, err := a.WriteTo(original, b.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	buffer := make([]byte, 128)
	b.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, from, err := b.ReadFrom(buffer)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(original) {
		t.Fatalf("length changed to %d", n)
	}
	if from.String() != a.LocalAddr().String() {
		t.Errorf("corruption reached the address header: source %s", from)
	}
	if relay.Stats().Corrupted != 1 {
		t.Errorf("stats %+v", relay.Stats())
	}
}

func TestRelayDropsInvalidHeaders(t *testing.T) {
	relay := newTestRelay(t, cleanProfile())

	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	if _, err := raw.WriteToUDP([]byte{1, 2, 3}, relay.Addr()); err != nil {
		t.Fatal(err)
	}

	waitStats(t, relay, func(stats RelayStats) bool { return stats.Invalid == 1 })
}

func TestRelayCapture(t *testing.T) {
	var pcap bytes.Buffer
	capture, err := NewCapture(&pcap)
	if err != nil {
		t.Fatal(err)
	}

	relay, err := NewRelay("127.0.0.1:0", cleanProfile())
	if err != nil {
		t.Fatal(err)
	}
	relay.SetCapture(capture)
	a := newTestConn(t, relay)
	b := newTestConn(t, relay)

	if _, err := a.WriteTo([]byte("captured"), b.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	b.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := b.ReadFrom(make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	relay.Close()

	reader, err := pcapgo.NewReader(&pcap)
	if err != nil {
		t.Fatal(err)
	}
	if reader.LinkType() != layers.LinkTypeRaw {
		t.Errorf("link type %v", reader.LinkType())
	}
	data, _, err := reader.ReadPacketData()
	if err != nil {
		t.Fatal(err)
	}
	packet := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatal("no UDP layer in capture")
	}
	if int(udp.SrcPort) != a.LocalAddr().(*net.UDPAddr).Port || int(udp.DstPort) != b.LocalAddr().(*net.UDPAddr).Port {
		t.Errorf("ports %d -> %d", udp.SrcPort, udp.DstPort)
	}
	if string(udp.Payload) != "captured" {
		t.Errorf("payload %q", udp.Payload)
	}
	if _, _, err := reader.ReadPacketData(); err != io.EOF {
		t.Errorf("expected a single packet, got %v", err)
	}
}

func TestRelaySetCaptureWhileForwarding(t *testing.T) {
	var pcap bytes.Buffer
	capture, err := NewCapture(&pcap)
	if err != nil {
		t.Fatal(err)
	}

	relay, err := NewRelay("127.0.0.1:0", cleanProfile())
	if err != nil {
		t.Fatal(err)
	}
	defer relay.Close()
	a := newTestConn(t, relay)
	b := newTestConn(t, relay)

	const count = 50
	done := make(chan error, 1)
	go func() {
		for i := 0; i < count; i++ {
			if _, err := a.WriteTo([]byte{byte(i)}, b.LocalAddr()); err != nil {
				done <- err
				return
			}
			time.Sleep(time.Millisecond)
		}
		done <- nil
	}()

	time.Sleep(5 * time.Millisecond)
	relay.SetCapture(capture)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if _, err := a.WriteTo([]byte{count}, b.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	waitStats(t, relay, func(s RelayStats) bool { return s.Forwarded == count+1 })
	relay.Close()

	reader, err := pcapgo.NewReader(&pcap)
	if err != nil {
		t.Fatal(err)
	}
	captured := 0
	for {
		if _, _, err := reader.ReadPacketData(); err != nil {
			if err != io.EOF {
				t.Fatal(err)
			}
			break
		}
		captured++
	}
	if captured < 1 || captured > count+1 {
		t.Errorf("captured %d packets, expected between 1 and %d", captured, count+1)
	}
}
