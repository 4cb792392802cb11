package lib

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/Clouded-Sabre/Pseudo-KCP/config"
)

// Listener accepts sessions opened by peers on one socket. Client sessions
// can be dialled over the same socket.
type Listener struct {
	table *SessionTable
}

// Listen opens a UDP socket on addr and starts accepting sessions.
func Listen(addr string, cfg *config.Config) (*Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	l, err := NewListener(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

// NewListener runs the protocol over an existing datagram transport. The
// listener takes ownership of conn.
func NewListener(conn net.PacketConn, cfg *config.Config) (*Listener, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	trace, err := traceFor(cfg)
	if err != nil {
		return nil, err
	}
	t := newSessionTable(conn, cfg, true, trace)
	t.ownTrace = true
	t.start()
	log.Printf("KCP listener started on %s", conn.LocalAddr())
	return &Listener{table: t}, nil
}

func traceFor(cfg *config.Config) (*packetTrace, error) {
	if cfg.TracePath == "" {
		return nil, nil
	}
	return openTrace(cfg.TracePath)
}

// Accept implements net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	s, err := l.table.Accept()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (l *Listener) AcceptSession() (*Session, error) {
	return l.table.Accept()
}

// Dial opens a client session to raddr over the listener's socket.
func (l *Listener) Dial(ctx context.Context, raddr string) (*Session, error) {
	addr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, err
	}
	return l.table.Dial(ctx, addr)
}

func (l *Listener) Close() error {
	return l.table.Close()
}

func (l *Listener) Addr() net.Addr {
	return l.table.Addr()
}

func (l *Listener) Sessions() []SessionStats {
	return l.table.Sessions()
}

// Dial opens a session to addr from a fresh UDP socket. The socket is closed
// when the session is.
func Dial(ctx context.Context, addr string, cfg *config.Config) (*Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	return DialWithTransport(ctx, conn, raddr, cfg)
}

// DialWithTransport opens a session to raddr over conn and takes ownership
// of conn.
func DialWithTransport(ctx context.Context, conn net.PacketConn, raddr net.Addr, cfg *config.Config) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		conn.Close()
		return nil, err
	}
	trace, err := traceFor(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t := newSessionTable(conn, cfg, false, trace)
	t.ownTrace = true
	t.closeWhenEmpty = true
	t.start()

	s, err := t.Dial(ctx, raddr)
	if err != nil {
		t.Close()
		return nil, err
	}
	return s, nil
}

func (l *Listener) String() string {
	return fmt.Sprintf("KCP listener %s (%d sessions)", l.Addr(), l.table.Len())
}
