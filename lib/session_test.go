package lib

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/Clouded-Sabre/Pseudo-KCP/config"
	"github.com/Clouded-Sabre/Pseudo-KCP/filter"
)

var (
	_ net.Conn     = (*Session)(nil)
	_ net.Listener = (*Listener)(nil)
	_ net.Conn     = (*ReconnectingConnection)(nil)
)

func loopbackConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.NoDelay = true
	cfg.NoCongestion = true
	cfg.FastResend = 2
	cfg.Interval = 10 * time.Millisecond
	cfg.SendWindow = 32
	cfg.RecvWindow = 32
	cfg.HandshakeTimeout = 3 * time.Second
	cfg.CloseTimeout = time.Second
	return cfg
}

func listenLoopback(t *testing.T, cfg *config.Config) *Listener {
	t.Helper()
	l, err := Listen("127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func dialLoopback(t *testing.T, addr string, cfg *config.Config) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, addr, cfg)
	if err != nil {
		t.Fatalf("Dial %s: %v", addr, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// acceptWithin fails the test if no session arrives in time.
func acceptWithin(t *testing.T, l *Listener, d time.Duration) *Session {
	t.Helper()
	type result struct {
		s   *Session
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := l.AcceptSession()
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("AcceptSession: %v", r.err)
		}
		return r.s
	case <-time.After(d):
		t.Fatalf("no session accepted within %v", d)
	}
	return nil
}

func eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestSessionHello(t *testing.T) {
	cfg := loopbackConfig()
	l := listenLoopback(t, cfg)
	client := dialLoopback(t, l.Addr().String(), cfg)

	if client.State() != StateEstablished {
		t.Fatalf("client state after dial = %v", client.State())
	}
	if _, err := client.Write([]byte("Hello, KCP!")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	server := acceptWithin(t, l, 3*time.Second)
	server.SetReadDeadline(time.Now().Add(3 * time.Second))
	msg, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(msg) != "Hello, KCP!" {
		t.Errorf("server got %q", msg)
	}
	if server.Conv() != client.Conv() {
		t.Errorf("conv mismatch: server %d, client %d", server.Conv(), client.Conv())
	}

	if !eventually(3*time.Second, func() bool { return client.Stats().WaitSnd == 0 }) {
		t.Errorf("client still has %d unacknowledged segments", client.Stats().WaitSnd)
	}
	st := server.Stats()
	if st.BytesReceived != uint64(len("Hello, KCP!")) || st.State != StateEstablished {
		t.Errorf("server stats %+v", st)
	}
}

func TestSessionReadLeftover(t *testing.T) {
	cfg := loopbackConfig()
	l := listenLoopback(t, cfg)
	client := dialLoopback(t, l.Addr().String(), cfg)

	client.Write([]byte("abcdefghij"))
	server := acceptWithin(t, l, 3*time.Second)
	server.SetReadDeadline(time.Now().Add(3 * time.Second))

	buf := make([]byte, 4)
	var got []byte
	for len(got) < 10 {
		n, err := server.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "abcdefghij" {
		t.Errorf("reassembled %q", got)
	}
}

func TestSessionBulkOverLossyLink(t *testing.T) {
	cfg := loopbackConfig()
	imp := filter.Impairment{DropRate: 0.05, DuplicateRate: 0.02, ReorderRate: 0.05, ReorderWindow: 20 * time.Millisecond}

	lossy := func(seed int64) net.PacketConn {
		raw, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		f, err := filter.NewRandomFilter(imp, seed)
		if err != nil {
			t.Fatal(err)
		}
		return filter.NewLossyConn(raw, f)
	}

	l, err := NewListener(lossy(1), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := DialWithTransport(ctx, lossy(2), l.Addr(), cfg)
	if err != nil {
		t.Fatalf("DialWithTransport: %v", err)
	}
	defer client.Close()

	data := make([]byte, 200*1024)
	rand.New(rand.NewSource(3)).Read(data)

	writeErr := make(chan error, 1)
	go func() {
		for off := 0; off < len(data); off += 1000 {
			end := off + 1000
			if end > len(data) {
				end = len(data)
			}
			if _, err := client.Write(data[off:end]); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()

	server := acceptWithin(t, l, 5*time.Second)
	server.SetReadDeadline(time.Now().Add(30 * time.Second))
	got := make([]byte, len(data))
	if _, err := io.ReadFull(server, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("received bytes differ from the sent bytes")
	}

	client.Close()
	if _, err := server.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("Read after peer close = %v, want io.EOF", err)
	}
}

func TestDialHandshakeTimeout(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	cfg := loopbackConfig()
	cfg.HandshakeTimeout = 300 * time.Millisecond

	start := time.Now()
	_, err = Dial(context.Background(), silent.LocalAddr().String(), cfg)
	if !errors.Is(err, ErrConnectionTimedOut) {
		t.Fatalf("Dial err = %v, want ErrConnectionTimedOut", err)
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("handshake timeout should be a net.Error with Timeout() true")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Dial gave up after %v", elapsed)
	}

	// the hello is repeated while waiting
	silent.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1500)
	n, _, err := silent.ReadFrom(buf)
	if err != nil {
		t.Fatalf("no handshake probe reached the peer: %v", err)
	}
	seg, _, err := ParseSegment(buf[:n])
	if err != nil || seg.Cmd != CmdWask {
		t.Errorf("first datagram = %v, %v; want a WASK", &seg, err)
	}
}

func TestDialContextCanceled(t *testing.T) {
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = Dial(ctx, silent.LocalAddr().String(), loopbackConfig())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Dial err = %v, want context.DeadlineExceeded", err)
	}
}

func TestSessionMultiplexing(t *testing.T) {
	cfg := loopbackConfig()
	server := listenLoopback(t, cfg)
	shared := listenLoopback(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := shared.Dial(ctx, server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	b, err := shared.Dial(ctx, server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if a.Conv() == b.Conv() {
		t.Fatalf("two sessions got the same conv %d", a.Conv())
	}
	if a.LocalAddr().String() != b.LocalAddr().String() {
		t.Errorf("sessions should share one socket: %v vs %v", a.LocalAddr(), b.LocalAddr())
	}

	a.Write([]byte("from a"))
	b.Write([]byte("from b"))

	byConv := map[uint32]*Session{}
	for i := 0; i < 2; i++ {
		s := acceptWithin(t, server, 3*time.Second)
		byConv[s.Conv()] = s
	}

	for _, c := range []struct {
		client *Session
		want   string
	}{{a, "from a"}, {b, "from b"}} {
		s, ok := byConv[c.client.Conv()]
		if !ok {
			t.Fatalf("no server session for conv %d", c.client.Conv())
		}
		s.SetReadDeadline(time.Now().Add(3 * time.Second))
		msg, err := s.ReadMessage()
		if err != nil || string(msg) != c.want {
			t.Errorf("conv %d read %q, %v; want %q", s.Conv(), msg, err, c.want)
		}
		s.Write([]byte("re: " + c.want))
	}

	for _, c := range []struct {
		client *Session
		want   string
	}{{a, "re: from a"}, {b, "re: from b"}} {
		c.client.SetReadDeadline(time.Now().Add(3 * time.Second))
		msg, err := c.client.ReadMessage()
		if err != nil || string(msg) != c.want {
			t.Errorf("conv %d reply %q, %v; want %q", c.client.Conv(), msg, err, c.want)
		}
	}

	if n := len(server.Sessions()); n != 2 {
		t.Errorf("server lists %d sessions, want 2", n)
	}
}

func TestSessionClose(t *testing.T) {
	cfg := loopbackConfig()
	l := listenLoopback(t, cfg)
	client := dialLoopback(t, l.Addr().String(), cfg)

	client.Write([]byte("bye"))
	server := acceptWithin(t, l, 3*time.Second)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("second Close = %v", err)
	}
	if _, err := client.Write([]byte("more")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Write after Close = %v", err)
	}
	if _, err := client.Read(make([]byte, 8)); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Read after Close = %v", err)
	}

	server.SetReadDeadline(time.Now().Add(3 * time.Second))
	msg, err := server.ReadMessage()
	if err != nil || string(msg) != "bye" {
		t.Fatalf("ReadMessage = %q, %v", msg, err)
	}
	if _, err := server.Read(make([]byte, 8)); err != io.EOF {
		t.Errorf("Read after peer fin = %v, want io.EOF", err)
	}
	if server.State() != StateClosing {
		t.Errorf("server state = %v, want Closing", server.State())
	}
	if _, err := server.Write([]byte("late")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Write to a closing session = %v", err)
	}

	if !eventually(3*time.Second, func() bool { return client.State() == StateClosed }) {
		t.Errorf("client stuck in %v after its fin was acked", client.State())
	}
	// the dial-only table goes away with its last session
	if !eventually(3*time.Second, client.table.isClosed) {
		t.Errorf("dial table still open")
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	cfg := loopbackConfig()
	l := listenLoopback(t, cfg)
	client := dialLoopback(t, l.Addr().String(), cfg)

	errc := make(chan error, 1)
	go func() {
		_, err := client.Read(make([]byte, 8))
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	client.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("pending Read returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read still blocked after Close")
	}
}

func TestListenerClose(t *testing.T) {
	l, err := Listen("127.0.0.1:0", loopbackConfig())
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	l.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrListenerClosed) {
			t.Errorf("Accept after Close = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept still blocked after Close")
	}
	if _, err := l.Accept(); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Accept on closed listener = %v", err)
	}
}

func TestReadDeadline(t *testing.T) {
	cfg := loopbackConfig()
	l := listenLoopback(t, cfg)
	client := dialLoopback(t, l.Addr().String(), cfg)

	client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := client.Read(make([]byte, 8))
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("Read past deadline = %v, want a timeout", err)
	}
	if errors.Is(err, ErrConnectionTimedOut) {
		t.Errorf("a deadline must not look like a dead connection")
	}
	if client.State() != StateEstablished {
		t.Errorf("deadline closed the session: %v", client.State())
	}
}

func TestIdleTimeout(t *testing.T) {
	cfg := loopbackConfig()
	cfg.IdleTimeout = 300 * time.Millisecond
	cfg.KeepAliveInterval = 10 * time.Second
	l := listenLoopback(t, cfg)
	client := dialLoopback(t, l.Addr().String(), cfg)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := client.Read(make([]byte, 8))
	if !errors.Is(err, ErrConnectionTimedOut) {
		t.Fatalf("Read on idle session = %v, want ErrConnectionTimedOut", err)
	}
	if client.State() != StateClosed {
		t.Errorf("state = %v, want Closed", client.State())
	}
	if _, err := client.Write([]byte("x")); !errors.Is(err, ErrConnectionTimedOut) {
		t.Errorf("Write on timed out session = %v", err)
	}
}

func TestKeepAliveHoldsIdleSession(t *testing.T) {
	cfg := loopbackConfig()
	cfg.IdleTimeout = 400 * time.Millisecond
	cfg.KeepAliveInterval = 100 * time.Millisecond
	l := listenLoopback(t, cfg)
	client := dialLoopback(t, l.Addr().String(), cfg)

	time.Sleep(time.Second)
	if st := client.State(); st != StateEstablished {
		t.Errorf("keepalives should keep the session open, state %v", st)
	}
}

func TestWriteBlocksOnFullQueue(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	cfg := loopbackConfig()
	cfg.NoDelay = false
	cfg.SendQueueLimit = 2
	table := newSessionTable(conn, cfg, false, nil)
	s := newSession(table, 77, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, true, time.Now())

	for i := 0; i < 2; i++ {
		if _, err := s.Write([]byte("queued")); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	s.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
	start := time.Now()
	_, err = s.Write([]byte("blocked"))
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("Write on full queue = %v, want a deadline timeout", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Errorf("Write returned before the deadline")
	}
	if got := s.Stats().WaitSnd; got != 2 {
		t.Errorf("WaitSnd = %d, want 2", got)
	}
}

func TestSessionStateString(t *testing.T) {
	tests := map[SessionState]string{
		StateConnecting:  "Connecting",
		StateEstablished: "Established",
		StateClosing:     "Closing",
		StateClosed:      "Closed",
		SessionState(9):  "Unknown",
	}
	for st, want := range tests {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}
