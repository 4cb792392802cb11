package lib

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/Clouded-Sabre/Pseudo-KCP/config"
)

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateEstablished
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateEstablished:
		return "Established"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	}
	return "Unknown"
}

// SessionStats is a point in time snapshot of one session.
type SessionStats struct {
	Conv              uint32
	State             SessionState
	RemoteAddr        string
	BytesSent         uint64
	BytesReceived     uint64
	SegmentsSent      uint64
	SegmentsReceived  uint64
	Retransmissions   uint64
	FastRetransmits   uint64
	DuplicateSegments uint64
	SRTT              time.Duration
	RTO               time.Duration
	Cwnd              uint32
	Inflight          int
	WaitSnd           int
	Created           time.Time
	LastRecv          time.Time
}

// Session is one reliable connection multiplexed over a session table's
// socket. It implements net.Conn.
type Session struct {
	conv     uint32
	table    *SessionTable
	remote   net.Addr
	config   *config.Config
	isClient bool

	mu            sync.Mutex
	kcp           *engine
	state         SessionState
	closeErr      error // returned by Read and Write once Closed
	localClose    bool
	created       time.Time
	lastRecv      time.Time
	closingSince  time.Time
	nextHello     time.Time
	helloWait     time.Duration
	pending       [][]byte // datagrams produced under mu, written after it is released
	leftover      []byte
	readDeadline  time.Time
	writeDeadline time.Time

	chReadEvent  chan struct{}
	chWriteEvent chan struct{}
	established  chan struct{}
	die          chan struct{}
	estOnce      sync.Once
	dieOnce      sync.Once
}

func newSession(table *SessionTable, conv uint32, remote net.Addr, isClient bool, now time.Time) *Session {
	s := &Session{
		conv:         conv,
		table:        table,
		remote:       remote,
		config:       table.config,
		isClient:     isClient,
		state:        StateEstablished,
		created:      now,
		lastRecv:     now,
		chReadEvent:  make(chan struct{}, 1),
		chWriteEvent: make(chan struct{}, 1),
		established:  make(chan struct{}),
		die:          make(chan struct{}),
	}
	s.kcp = newEngine(conv, table.config, s.output)
	if isClient {
		s.state = StateConnecting
	} else {
		close(s.established)
	}
	return s
}

// output is the engine callback. It runs under s.mu.
func (s *Session) output(datagram []byte) {
	s.pending = append(s.pending, append([]byte(nil), datagram...))
}

func (s *Session) takePending() [][]byte {
	out := s.pending
	s.pending = nil
	return out
}

// transmit writes datagrams collected under the lock. A socket failure is
// fatal to this session only.
func (s *Session) transmit(out [][]byte) {
	if len(out) == 0 {
		return
	}
	if err := s.table.writer.write(out, s.remote); err != nil {
		log.Printf("KCP session %d: %v", s.conv, err)
		s.mu.Lock()
		s.setClosedLocked(err)
		s.mu.Unlock()
		s.notifyAll()
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Session) notifyAll() {
	notify(s.chReadEvent)
	notify(s.chWriteEvent)
}

func (s *Session) setClosedLocked(err error) {
	if s.state == StateClosed {
		return
	}
	if err == nil {
		err = ErrConnectionClosed
	}
	prev := s.state
	s.state = StateClosed
	s.closeErr = err
	s.kcp.releaseSend()
	s.dieOnce.Do(func() { close(s.die) })
	if s.config.Debug || prev != StateClosing {
		log.Printf("KCP session %d to %s closed: %v", s.conv, s.remote, err)
	}
}

// hello starts the handshake of a client session: a window probe the peer
// answers with its window.
func (s *Session) hello(now time.Time) {
	s.mu.Lock()
	s.helloWait = time.Duration(s.kcp.RTO()) * time.Millisecond
	s.nextHello = now.Add(s.helloWait)
	s.kcp.probe |= askSend
	s.kcp.FlushAt(msSince(now))
	out := s.takePending()
	s.mu.Unlock()
	s.transmit(out)
}

// input feeds one datagram routed by the table.
func (s *Session) input(datagram []byte, now time.Time) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if err := s.kcp.Input(msSince(now), datagram); err != nil {
		s.mu.Unlock()
		if s.config.Debug {
			log.Printf("KCP session %d: dropping datagram from %s: %v", s.conv, s.remote, err)
		}
		return
	}
	s.lastRecv = now

	if s.state == StateConnecting {
		s.state = StateEstablished
		s.estOnce.Do(func() { close(s.established) })
		log.Printf("KCP session %d to %s established", s.conv, s.remote)
	}
	if s.kcp.PeerClosed() && s.state == StateEstablished {
		s.state = StateClosing
		s.closingSince = now
	}
	if s.config.AckNoDelay || s.kcp.probe&askTell != 0 {
		s.kcp.FlushAcks()
	}
	if s.localClose && s.kcp.FinAcked() {
		s.setClosedLocked(ErrConnectionClosed)
	}
	out := s.takePending()
	s.mu.Unlock()

	s.transmit(out)
	s.notifyAll()
}

// tick runs the engine timers and the session timeouts. It reports whether
// the session is Closed and can be reaped.
func (s *Session) tick(now time.Time) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return true
	}

	if s.state == StateConnecting && !now.Before(s.nextHello) {
		s.kcp.probe |= askSend
		s.helloWait *= 2
		s.nextHello = now.Add(s.helloWait)
	}
	s.kcp.Tick(msSince(now))

	switch {
	case s.kcp.Dead():
		s.setClosedLocked(timedOut("retransmission limit reached"))
	case s.state == StateConnecting && now.Sub(s.created) >= s.config.HandshakeTimeout:
		s.setClosedLocked(timedOut("no answer to handshake"))
	case now.Sub(s.lastRecv) >= s.config.IdleTimeout:
		s.setClosedLocked(timedOut("idle"))
	case s.state == StateClosing && s.localClose:
		// once the peer has terminated nobody will ack our fin
		peerGone := s.kcp.PeerClosed() && s.kcp.FinSent()
		if s.kcp.FinAcked() || peerGone || now.Sub(s.closingSince) >= s.config.CloseTimeout {
			s.setClosedLocked(ErrConnectionClosed)
		}
	}

	out := s.takePending()
	closed := s.state == StateClosed
	s.mu.Unlock()

	s.transmit(out)
	s.notifyAll()
	return closed
}

// Write queues b. It blocks while the send queue is full.
func (s *Session) Write(b []byte) (int, error) {
	for {
		s.mu.Lock()
		if err := s.writeErrLocked(); err != nil {
			s.mu.Unlock()
			return 0, err
		}
		err := s.kcp.Submit(b)
		if err == nil {
			if s.config.NoDelay {
				s.kcp.FlushAt(currentMs())
			}
			out := s.takePending()
			s.mu.Unlock()
			s.transmit(out)
			return len(b), nil
		}
		if err != ErrWouldBlock {
			s.mu.Unlock()
			return 0, err
		}
		deadline := s.writeDeadline
		s.mu.Unlock()

		if err := s.wait(s.chWriteEvent, deadline); err != nil {
			return 0, err
		}
	}
}

func (s *Session) writeErrLocked() error {
	switch {
	case s.localClose:
		return ErrConnectionClosed
	case s.state == StateClosed:
		return s.closeErr
	case s.state == StateClosing:
		return ErrConnectionClosed
	}
	return nil
}

// wait suspends until ch fires, the deadline passes or the session dies.
func (s *Session) wait(ch chan struct{}, deadline time.Time) error {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return errDeadline
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ch:
	case <-s.die:
	case <-timeout:
		return errDeadline
	}
	return nil
}

// next returns up to limit bytes of the next message, or the whole message
// when limit is negative. Bytes beyond limit are kept for the next call.
func (s *Session) next(limit int) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.leftover) > 0 {
			data := s.leftover
			if limit >= 0 && len(data) > limit {
				data = data[:limit]
			}
			s.leftover = s.leftover[len(data):]
			s.mu.Unlock()
			return data, nil
		}
		if s.localClose {
			s.mu.Unlock()
			return nil, ErrConnectionClosed
		}

		if data, err := s.kcp.Recv(); err == nil {
			if limit >= 0 && len(data) > limit {
				s.leftover = data[limit:]
				data = data[:limit]
			}
			if s.state != StateClosed && s.kcp.probe&askTell != 0 {
				s.kcp.FlushAcks()
			}
			out := s.takePending()
			s.mu.Unlock()
			s.transmit(out)
			return data, nil
		}

		if s.kcp.PeerClosed() && s.kcp.Drained() {
			s.mu.Unlock()
			return nil, io.EOF
		}
		if s.state == StateClosed {
			err := s.closeErr
			s.mu.Unlock()
			return nil, err
		}
		deadline := s.readDeadline
		s.mu.Unlock()

		if err := s.wait(s.chReadEvent, deadline); err != nil {
			return nil, err
		}
	}
}

// Read reads the byte stream. A message longer than b is returned across
// several calls.
func (s *Session) Read(b []byte) (int, error) {
	data, err := s.next(len(b))
	if err != nil {
		return 0, err
	}
	return copy(b, data), nil
}

// ReadMessage returns the next whole message.
func (s *Session) ReadMessage() ([]byte, error) {
	return s.next(-1)
}

// Close sends a terminate once queued data is acknowledged. The session
// lingers in Closing until the peer acks it or CloseTimeout passes.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.localClose {
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	s.localClose = true

	switch s.state {
	case StateConnecting:
		s.setClosedLocked(ErrConnectionClosed)
	case StateEstablished, StateClosing:
		if s.state == StateEstablished {
			s.closingSince = time.Now()
		}
		s.state = StateClosing
		s.kcp.Close()
		s.kcp.FlushAt(currentMs())
	}
	out := s.takePending()
	s.mu.Unlock()

	s.transmit(out)
	s.notifyAll()
	return nil
}

// abort closes the session without a terminate, used when the table
// shuts down.
func (s *Session) abort(err error) {
	s.mu.Lock()
	s.setClosedLocked(err)
	s.mu.Unlock()
	s.notifyAll()
}

// WaitEstablished blocks until the handshake completes, the session closes
// or ctx is done.
func (s *Session) WaitEstablished(ctx context.Context) error {
	select {
	case <-s.established:
		return nil
	case <-s.die:
		select {
		case <-s.established:
			return nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Conv() uint32 {
	return s.conv
}

func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.kcp.stats
	return SessionStats{
		Conv:              s.conv,
		State:             s.state,
		RemoteAddr:        s.remote.String(),
		BytesSent:         st.BytesSent,
		BytesReceived:     st.BytesReceived,
		SegmentsSent:      st.SegmentsSent,
		SegmentsReceived:  st.SegmentsReceived,
		Retransmissions:   st.Retransmissions,
		FastRetransmits:   st.FastRetransmits,
		DuplicateSegments: st.DuplicateSegments,
		SRTT:              time.Duration(s.kcp.SRTT()) * time.Millisecond,
		RTO:               time.Duration(s.kcp.RTO()) * time.Millisecond,
		Cwnd:              s.kcp.Cwnd(),
		Inflight:          s.kcp.Inflight(),
		WaitSnd:           s.kcp.WaitSnd(),
		Created:           s.created,
		LastRecv:          s.lastRecv,
	}
}

func (s *Session) LocalAddr() net.Addr {
	return s.table.conn.LocalAddr()
}

func (s *Session) RemoteAddr() net.Addr {
	return s.remote
}

func (s *Session) SetDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.writeDeadline = t
	s.mu.Unlock()
	s.notifyAll()
	return nil
}

func (s *Session) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.mu.Unlock()
	notify(s.chReadEvent)
	return nil
}

func (s *Session) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.writeDeadline = t
	s.mu.Unlock()
	notify(s.chWriteEvent)
	return nil
}
