package lib

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testConnConfig() *ConnectionConfig {
	cc := DefaultConnectionConfig()
	cc.LocalIP = "127.0.0.1"
	cc.RetransmitTimeoutMs = 20
	cc.ConnSignalRetryIntervalMs = 20
	cc.QuietPeriodMs = 50
	cc.FinTimeoutMs = 500
	cc.FinGracePeriodMs = 100
	return cc
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestCore(t *testing.T) *RdtCore {
	core, err := NewRdtCore(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { core.Close() })
	return core
}

// newTestPair returns both ends of an established connection over loopback
func newTestPair(t *testing.T, core *RdtCore, dialConfig *ConnectionConfig) (*Service, *Connection, *Connection) {
	ctx := testContext(t)
	srv, err := core.Listen("127.0.0.1:0", testConnConfig())
	if err != nil {
		t.Fatal(err)
	}

	type accepted struct {
		conn *Connection
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		conn, _, err := srv.AcceptContext(ctx)
		acceptCh <- accepted{conn, err}
	}()

	client, err := core.DialContext(ctx, srv.Addr().String(), dialConfig)
	if err != nil {
		t.Fatal(err)
	}
	res := <-acceptCh
	if res.err != nil {
		t.Fatal(res.err)
	}
	return srv, client, res.conn
}

type recvResult struct {
	data []byte
	err  error
}

func recvAsync(ctx context.Context, conn *Connection, maxBytes int) <-chan recvResult {
	ch := make(chan recvResult, 1)
	go func() {
		data, err := conn.RecvContext(ctx, maxBytes)
		ch <- recvResult{data, err}
	}()
	return ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHelloWorld(t *testing.T) {
	core := newTestCore(t)
	_, client, server := newTestPair(t, core, testConnConfig())
	ctx := testContext(t)

	if client.State() != StateEstablished || server.State() != StateEstablished {
		t.Fatalf("states %d/%d, expected established", client.State(), server.State())
	}
	if client.RemoteAddr().String() != server.LocalAddr().String() {
		t.Errorf("client talks to %s, server connection is at %s", client.RemoteAddr(), server.LocalAddr())
	}
	if server.RemoteAddr().String() != client.LocalAddr().String() {
		t.Errorf("server talks to %s, client is at %s", server.RemoteAddr(), client.LocalAddr())
	}

	result := recvAsync(ctx, server, 4096)
	if err := client.SendContext(ctx, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	res := <-result
	if res.err != nil {
		t.Fatal(res.err)
	}
	if string(res.data) != "hello world" {
		t.Errorf("received %q", res.data)
	}

	stats := client.Stats()
	if stats.SegmentsSent < 1 || stats.AcksReceived < 1 {
		t.Errorf("unexpected sender stats %+v", stats)
	}
	if server.Stats().SegmentsReceived < 1 {
		t.Errorf("unexpected receiver stats %+v", server.Stats())
	}
}

func TestLargeTransferAndProgress(t *testing.T) {
	data := make([]byte, 50000)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var progress []int
	total := 0
	dialConfig := testConnConfig()
	dialConfig.OnProgress = func(acked, all int) {
		mu.Lock()
		progress = append(progress, acked)
		total = all
		mu.Unlock()
	}

	core := newTestCore(t)
	_, client, server := newTestPair(t, core, dialConfig)
	ctx := testContext(t)

	result := recvAsync(ctx, server, len(data))
	if err := client.SendContext(ctx, data); err != nil {
		t.Fatal(err)
	}
	res := <-result
	if res.err != nil {
		t.Fatal(res.err)
	}
	if !bytes.Equal(res.data, data) {
		t.Fatalf("received %d bytes that differ from the %d sent", len(res.data), len(data))
	}

	mu.Lock()
	defer mu.Unlock()
	if total != 25 {
		t.Errorf("total %d segments, expected 25", total)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] <= progress[i-1] {
			t.Fatalf("progress went from %d to %d", progress[i-1], progress[i])
		}
	}
	if len(progress) == 0 || progress[len(progress)-1] != 25 {
		t.Errorf("progress %v does not end at 25", progress)
	}
}

func TestConsecutiveTransfers(t *testing.T) {
	core := newTestCore(t)
	_, client, server := newTestPair(t, core, testConnConfig())
	ctx := testContext(t)

	// an empty transfer is a lone fin, which would pass for a retransmitted
	// fin if it followed another transfer within the grace period
	messages := [][]byte{nil, []byte("first"), bytes.Repeat([]byte("second"), 700), []byte("third")}

	received := make(chan recvResult, len(messages))
	go func() {
		for range messages {
			data, err := server.RecvContext(ctx, 4096)
			received <- recvResult{data, err}
			if err != nil {
				return
			}
		}
	}()

	for _, msg := range messages {
		if err := client.SendContext(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
	for i, msg := range messages {
		res := <-received
		if res.err != nil {
			t.Fatal(res.err)
		}
		if !bytes.Equal(res.data, msg) {
			t.Errorf("transfer %d: received %d bytes, expected %d", i, len(res.data), len(msg))
		}
	}

	// and back the other way
	reply := recvAsync(ctx, client, 0)
	if err := server.SendContext(ctx, []byte("reply")); err != nil {
		t.Fatal(err)
	}
	if res := <-reply; res.err != nil || string(res.data) != "reply" {
		t.Errorf("reply %q, %v", res.data, res.err)
	}
}

func TestConcurrentHandshakes(t *testing.T) {
	core := newTestCore(t)
	ctx := testContext(t)
	srv, err := core.Listen("127.0.0.1:0", testConnConfig())
	if err != nil {
		t.Fatal(err)
	}

	const clients = 3
	var wg sync.WaitGroup
	dialed := make(chan *Connection, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := core.DialContext(ctx, srv.Addr().String(), testConnConfig())
			if err != nil {
				t.Error(err)
				return
			}
			dialed <- conn
		}()
	}

	locals := make(map[string]bool)
	for i := 0; i < clients; i++ {
		conn, peer, err := srv.AcceptContext(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if peer.String() != conn.RemoteAddr().String() {
			t.Errorf("accept returned %s for a connection to %s", peer, conn.RemoteAddr())
		}
		if conn.LocalAddr().String() == srv.Addr().String() {
			t.Error("connection shares the service endpoint")
		}
		locals[conn.LocalAddr().String()] = true
	}
	wg.Wait()
	if len(locals) != clients {
		t.Errorf("%d distinct connection endpoints, expected %d", len(locals), clients)
	}
}

func TestDuplicateSynIsAnsweredByConnection(t *testing.T) {
	core := newTestCore(t)
	ctx := testContext(t)
	srv, err := core.Listen("127.0.0.1:0", testConnConfig())
	if err != nil {
		t.Fatal(err)
	}

	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	syn, _ := NewSynSegment().Encode()

	readSynAck := func() net.Addr {
		buffer := make([]byte, MaxSegmentSize)
		raw.SetReadDeadline(time.Now().Add(3 * time.Second))
		n, from, err := raw.ReadFrom(buffer)
		if err != nil {
			t.Fatal(err)
		}
		seg, err := Decode(buffer[:n])
		if err != nil || !seg.IsSynAck() {
			t.Fatalf("expected synack, got %+v (%v)", seg, err)
		}
		return from
	}

	if _, err := raw.WriteTo(syn, srv.Addr()); err != nil {
		t.Fatal(err)
	}
	first := readSynAck()
	if first.String() == srv.Addr().String() {
		t.Fatal("synack came from the service endpoint")
	}

	conn, peer, err := srv.AcceptContext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if peer.String() != raw.LocalAddr().String() {
		t.Errorf("accepted peer %s, expected %s", peer, raw.LocalAddr())
	}

	// the synack was lost as far as the peer knows
	if _, err := raw.WriteTo(syn, srv.Addr()); err != nil {
		t.Fatal(err)
	}
	second := readSynAck()
	if second.String() != conn.LocalAddr().String() {
		t.Errorf("second synack from %s, expected %s", second, conn.LocalAddr())
	}
}

func TestSendRecvErrors(t *testing.T) {
	endpoint, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	conn := newConnection(endpoint, false, nil, StateInit, testConnConfig(), nil, nil)

	if err := conn.Send([]byte("early")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send before handshake: %v", err)
	}
	if _, err := conn.Recv(10); !errors.Is(err, ErrNotConnected) {
		t.Errorf("recv before handshake: %v", err)
	}

	conn.Close()
	conn.Close()
	if err := conn.Send([]byte("late")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("send after close: %v", err)
	}
	if _, err := conn.Recv(10); !errors.Is(err, ErrConnClosed) {
		t.Errorf("recv after close: %v", err)
	}
}

func TestRecvUnblocksOnClose(t *testing.T) {
	core := newTestCore(t)
	_, client, _ := newTestPair(t, core, testConnConfig())

	result := recvAsync(context.Background(), client, 0)
	time.Sleep(20 * time.Millisecond)
	client.Close()

	select {
	case res := <-result:
		if !errors.Is(res.err, ErrConnClosed) {
			t.Errorf("expected ErrConnClosed, got %v", res.err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Recv still blocked after Close")
	}
}

func TestDialTimeout(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	core := newTestCore(t)
	cc := testConnConfig()
	cc.MaxConnSignalRetries = 3

	_, err = core.Dial(silent.LocalAddr().String(), cc)
	if !errors.Is(err, ErrDialTimeout) {
		t.Fatalf("expected ErrDialTimeout, got %v", err)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("%v is not a net timeout", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := core.DialContext(ctx, silent.LocalAddr().String(), testConnConfig()); !errors.Is(err, ErrDialTimeout) {
		t.Errorf("expected ErrDialTimeout on context expiry, got %v", err)
	}
}

func TestPeerUnreachable(t *testing.T) {
	cc := testConnConfig()
	cc.MaxRetransmits = 3

	core := newTestCore(t)
	_, client, server := newTestPair(t, core, cc)
	server.Close()

	err := client.SendContext(testContext(t), []byte("anyone there?"))
	if !errors.Is(err, ErrPeerUnreachable) {
		t.Fatalf("expected ErrPeerUnreachable, got %v", err)
	}
	if stats := client.Stats(); stats.Retransmissions != 3 {
		t.Errorf("%d retransmissions, expected 3", stats.Retransmissions)
	}
}

func TestStrangersAndCorruptionAreIgnored(t *testing.T) {
	core := newTestCore(t)
	_, client, server := newTestPair(t, core, testConnConfig())
	ctx := testContext(t)

	stranger, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer stranger.Close()

	// a stranger's data would otherwise be the first segment of the transfer
	fake, _ := NewDataSegment(0, []byte("intruder")).Encode()
	if _, err := stranger.WriteTo(fake, server.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	corrupted, _ := NewDataSegment(0, []byte("garbled")).Encode()
	corrupted[HeaderLength] ^= 0x20
	if _, err := stranger.WriteTo(corrupted, server.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "stranger to be counted", func() bool {
		stats := server.Stats()
		return stats.ForeignDatagrams == 1 && stats.ChecksumFailures == 1
	})

	result := recvAsync(ctx, server, 0)
	if err := client.SendContext(ctx, []byte("genuine")); err != nil {
		t.Fatal(err)
	}
	if res := <-result; res.err != nil || string(res.data) != "genuine" {
		t.Errorf("received %q, %v", res.data, res.err)
	}
}

func TestInvalidConnectionConfig(t *testing.T) {
	core := newTestCore(t)
	cc := testConnConfig()
	cc.RecvWindowSize = 0
	if _, err := core.Listen("127.0.0.1:0", cc); err == nil {
		t.Error("listen accepted a zero receive window")
	}
	if _, err := core.Dial("127.0.0.1:1", cc); err == nil {
		t.Error("dial accepted a zero receive window")
	}
}

func TestClosedCore(t *testing.T) {
	core, err := NewRdtCore(nil)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := core.Listen("127.0.0.1:0", testConnConfig())
	if err != nil {
		t.Fatal(err)
	}
	core.Close()

	if _, _, err := srv.Accept(); !errors.Is(err, ErrServiceClosed) {
		t.Errorf("accept on a closed service: %v", err)
	}
	if _, err := core.Listen("127.0.0.1:0", nil); !errors.Is(err, ErrCoreClosed) {
		t.Errorf("listen on a closed core: %v", err)
	}
	if _, err := core.Dial("127.0.0.1:1", nil); !errors.Is(err, ErrCoreClosed) {
		t.Errorf("dial on a closed core: %v", err)
	}
}

func TestCoreDebugLowersLogLevel(t *testing.T) {
	previous := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(previous) })
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	config := DefaultRdtCoreConfig()
	config.Debug = true
	core, err := NewRdtCore(config)
	if err != nil {
		t.Fatal(err)
	}
	defer core.Close()

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("global level %s, expected debug", zerolog.GlobalLevel())
	}
	cc, err := core.connConfig(testConnConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !cc.Debug {
		t.Error("connection config did not inherit the core debug flag")
	}
}
