package lib

import (
	"net"
	"sync"
	"testing"
	"time"
)

// recordConn is a PacketConn that keeps what is written and never delivers
// anything, so tests drive the table through Route and TickAll.
type recordConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed chan struct{}
	once   sync.Once
}

func newRecordConn() *recordConn {
	return &recordConn{closed: make(chan struct{})}
}

func (c *recordConn) ReadFrom(p []byte) (int, net.Addr, error) {
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *recordConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), p...))
	return len(p), nil
}

func (c *recordConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *recordConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
}

func (c *recordConn) SetDeadline(time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(time.Time) error { return nil }

// segments decodes everything written so far.
func (c *recordConn) segments(t *testing.T) []Segment {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Segment
	for _, d := range c.sent {
		segs, err := DecodeDatagram(d)
		if err != nil {
			t.Fatalf("table wrote a malformed datagram: %v", err)
		}
		out = append(out, segs...)
	}
	return out
}

var peerAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}

func pushDatagram(conv, sn uint32, data string) []byte {
	return EncodeSegment(&Segment{Conv: conv, Cmd: CmdPush, Sn: sn, Wnd: 32, Data: []byte(data)})
}

func newTestTable(t *testing.T, listening bool) (*SessionTable, *recordConn) {
	t.Helper()
	conn := newRecordConn()
	table := newSessionTable(conn, loopbackConfig(), listening, nil)
	t.Cleanup(func() { table.Close() })
	return table, conn
}

func TestRouteIsolatesSessions(t *testing.T) {
	table, _ := newTestTable(t, true)

	table.Route(pushDatagram(7, 0, "seven"), peerAddr)
	table.Route(pushDatagram(9, 0, "nine"), peerAddr)
	table.Route(pushDatagram(7, 1, "seven again"), peerAddr)

	if table.Len() != 2 {
		t.Fatalf("table has %d sessions, want 2", table.Len())
	}
	want := map[uint32][]string{7: {"seven", "seven again"}, 9: {"nine"}}
	for i := 0; i < 2; i++ {
		s, err := table.Accept()
		if err != nil {
			t.Fatal(err)
		}
		if s.State() != StateEstablished {
			t.Errorf("server session %d starts %v", s.Conv(), s.State())
		}
		for _, w := range want[s.Conv()] {
			msg, err := s.ReadMessage()
			if err != nil || string(msg) != w {
				t.Errorf("conv %d read %q, %v; want %q", s.Conv(), msg, err, w)
			}
		}
	}
}

func TestRouteDropsStrayTraffic(t *testing.T) {
	table, conn := newTestTable(t, true)

	table.Route([]byte{1, 2, 3}, peerAddr)
	table.Route(EncodeSegment(&Segment{Conv: 11, Cmd: CmdAck, Sn: 4}), peerAddr)
	table.Route(EncodeSegment(&Segment{Conv: 12, Cmd: CmdFin}), peerAddr)
	if table.Len() != 0 {
		t.Errorf("stray segments opened %d sessions", table.Len())
	}

	dialer, _ := newTestTable(t, false)
	dialer.Route(pushDatagram(13, 0, "x"), peerAddr)
	if dialer.Len() != 0 {
		t.Errorf("a table that is not listening accepted a session")
	}
	if len(conn.segments(t)) != 0 {
		t.Errorf("stray traffic was answered")
	}
}

func TestRouteAnswersHandshake(t *testing.T) {
	table, conn := newTestTable(t, true)

	table.Route(EncodeSegment(&Segment{Conv: 21, Cmd: CmdWask, Wnd: 32}), peerAddr)
	if table.Len() != 1 {
		t.Fatalf("a window probe should open a session")
	}
	segs := conn.segments(t)
	if len(segs) != 1 || segs[0].Cmd != CmdWins || segs[0].Conv != 21 {
		t.Errorf("handshake reply = %v", segs)
	}
}

func TestAcceptBacklog(t *testing.T) {
	conn := newRecordConn()
	cfg := loopbackConfig()
	cfg.AcceptBacklog = 1
	table := newSessionTable(conn, cfg, true, nil)
	defer table.Close()

	table.Route(pushDatagram(1, 0, "a"), peerAddr)
	table.Route(pushDatagram(2, 0, "b"), peerAddr)
	if table.Len() != 1 {
		t.Errorf("table has %d sessions with a backlog of 1", table.Len())
	}
}

func TestReapQuarantinesConv(t *testing.T) {
	table, _ := newTestTable(t, true)

	table.Route(pushDatagram(31, 0, "hi"), peerAddr)
	s, err := table.Accept()
	if err != nil {
		t.Fatal(err)
	}
	s.abort(ErrConnectionClosed)
	table.TickAll(time.Now())

	if table.Len() != 0 {
		t.Fatalf("closed session was not reaped")
	}
	// a late retransmission must not open a ghost session
	table.Route(pushDatagram(31, 0, "hi"), peerAddr)
	if table.Len() != 0 {
		t.Errorf("quarantined conv reopened a session")
	}
	if table.convs.Quarantined() != 1 {
		t.Errorf("Quarantined() = %d", table.convs.Quarantined())
	}
}

func TestTickAllTimesOutIdleSessions(t *testing.T) {
	table, _ := newTestTable(t, true)
	table.Route(pushDatagram(41, 0, "hi"), peerAddr)
	s, _ := table.Accept()

	table.TickAll(time.Now().Add(table.config.IdleTimeout + time.Second))
	if table.Len() != 0 {
		t.Fatalf("idle session survived TickAll")
	}
	if st := s.State(); st != StateClosed {
		t.Errorf("state = %v", st)
	}
	// data that arrived before the timeout is still readable
	msg, err := s.ReadMessage()
	if err != nil || string(msg) != "hi" {
		t.Errorf("ReadMessage = %q, %v", msg, err)
	}
	if _, err := s.ReadMessage(); err == nil {
		t.Errorf("expected the timeout once drained")
	}
}

func TestTableCloseClosesSessions(t *testing.T) {
	conn := newRecordConn()
	table := newSessionTable(conn, loopbackConfig(), true, nil)
	table.start()

	table.Route(pushDatagram(51, 0, "x"), peerAddr)
	s, _ := table.Accept()
	s.ReadMessage()

	if err := table.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != StateClosed {
		t.Errorf("session state after table close = %v", s.State())
	}
	if _, err := table.Accept(); err != ErrListenerClosed {
		t.Errorf("Accept = %v", err)
	}
	select {
	case <-conn.closed:
	default:
		t.Errorf("socket left open")
	}
	// the fin went out before the socket closed
	var fin bool
	for _, seg := range conn.segments(t) {
		if seg.Cmd == CmdFin {
			fin = true
		}
	}
	if !fin {
		t.Errorf("no terminate sent on shutdown")
	}
}
