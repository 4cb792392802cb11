package lib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/Clouded-Sabre/Pseudo-KCP/config"
	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// SessionTable owns one datagram socket and every session multiplexed over
// it, keyed by conv.
type SessionTable struct {
	conn      net.PacketConn
	config    *config.Config
	writer    *datagramWriter
	pool      *rp.RingPool
	trace     *packetTrace
	ownTrace  bool // close trace with the table
	listening bool

	// closeWhenEmpty makes a dial-only table shut itself and its socket down
	// once the last session is reaped.
	closeWhenEmpty bool

	mu       sync.RWMutex
	sessions map[uint32]*Session
	convs    *ConvPool

	acceptCh    chan *Session
	closeSignal chan struct{} // closed by Close to stop the goroutines
	closeOnce   sync.Once
	closeErr    error
	wg          sync.WaitGroup
	onClose     func(*SessionTable) // lets the core forget the table
}

func newSessionTable(conn net.PacketConn, cfg *config.Config, listening bool, trace *packetTrace) *SessionTable {
	t := &SessionTable{
		conn:        conn,
		config:      cfg,
		pool:        newPayloadPool(cfg),
		trace:       trace,
		listening:   listening,
		sessions:    make(map[uint32]*Session),
		convs:       newConvPool(defaultQuarantineSize, defaultQuarantineTTL),
		closeSignal: make(chan struct{}),
	}
	if listening {
		t.acceptCh = make(chan *Session, cfg.AcceptBacklog)
	}
	t.writer = newDatagramWriter(conn, trace, cfg.Debug)
	return t
}

func (t *SessionTable) start() {
	t.wg.Add(2)
	go t.readLoop()
	go t.tickLoop()
}

func (t *SessionTable) isClosed() bool {
	select {
	case <-t.closeSignal:
		return true
	default:
		return false
	}
}

func (t *SessionTable) readLoop() {
	defer t.wg.Done()

	for {
		elem := t.pool.GetElement()
		payload := elem.Data.(*Payload)
		n, addr, err := t.conn.ReadFrom(payload.Buffer())
		if err != nil {
			t.pool.ReturnElement(elem)
			if t.isClosed() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Println("KCP table: read error, shutting down:", err)
			go t.shutdown(&TransportError{Op: "read", Err: err})
			return
		}
		payload.SetLength(n)

		if n > t.config.MTU {
			if t.config.Debug {
				log.Printf("KCP table: dropping %d byte datagram from %s, larger than MTU", n, addr)
			}
		} else {
			if t.trace != nil {
				t.trace.record(addr, t.conn.LocalAddr(), payload.Bytes())
			}
			t.Route(payload.Bytes(), addr)
		}
		t.pool.ReturnElement(elem)
	}
}

func (t *SessionTable) tickLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closeSignal:
			return
		case now := <-ticker.C:
			t.TickAll(now)
		}
	}
}

// Route hands one inbound datagram to the session its conv names. The
// datagram is only valid for the duration of the call.
func (t *SessionTable) Route(datagram []byte, addr net.Addr) {
	now := time.Now()
	conv, err := PeekConv(datagram)
	if err != nil {
		if t.config.Debug {
			log.Printf("KCP table: dropping datagram from %s: %v", addr, err)
		}
		return
	}

	t.mu.RLock()
	s, ok := t.sessions[conv]
	t.mu.RUnlock()
	if ok {
		s.input(datagram, now)
		return
	}

	if !t.listening || t.isClosed() {
		if t.config.Debug {
			log.Printf("KCP table: no session for conv %d from %s", conv, addr)
		}
		return
	}

	// only a data segment or a window probe opens a session
	seg, _, err := ParseSegment(datagram)
	if err != nil || (seg.Cmd != CmdPush && seg.Cmd != CmdWask) {
		return
	}
	if t.convs.quarantined(conv) {
		if t.config.Debug {
			log.Printf("KCP table: conv %d from %s was closed recently, ignoring", conv, addr)
		}
		return
	}

	s = newSession(t, conv, addr, false, now)
	t.mu.Lock()
	if existing, ok := t.sessions[conv]; ok {
		t.mu.Unlock()
		existing.input(datagram, now)
		return
	}
	select {
	case t.acceptCh <- s:
	default:
		t.mu.Unlock()
		log.Printf("KCP table: accept queue full, dropping new session %d from %s", conv, addr)
		return
	}
	t.sessions[conv] = s
	t.mu.Unlock()

	log.Printf("KCP table: new session %d from %s", conv, addr)
	s.input(datagram, now)
}

// TickAll runs every session's timers and reaps the Closed ones.
func (t *SessionTable) TickAll(now time.Time) {
	t.mu.RLock()
	list := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		list = append(list, s)
	}
	t.mu.RUnlock()

	var dead []*Session
	for _, s := range list {
		if s.tick(now) {
			dead = append(dead, s)
		}
	}
	if len(dead) > 0 {
		t.reap(dead)
	}
}

func (t *SessionTable) reap(dead []*Session) {
	t.mu.Lock()
	for _, s := range dead {
		if t.sessions[s.conv] != s {
			continue
		}
		delete(t.sessions, s.conv)
		t.convs.release(s.conv)
		if t.config.Debug {
			log.Printf("KCP table: session %d reaped", s.conv)
		}
	}
	empty := len(t.sessions) == 0
	t.mu.Unlock()

	if empty && t.closeWhenEmpty {
		// Close waits for the tick loop, which is the caller
		go t.Close()
	}
}

// Dial opens a client session to raddr over the table's socket and waits
// for the peer to answer the handshake.
func (t *SessionTable) Dial(ctx context.Context, raddr net.Addr) (*Session, error) {
	if t.isClosed() {
		return nil, ErrConnectionClosed
	}
	now := time.Now()

	t.mu.Lock()
	conv, err := t.convs.allocate(func(c uint32) bool {
		_, live := t.sessions[c]
		return live
	})
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	s := newSession(t, conv, raddr, true, now)
	t.sessions[conv] = s
	t.mu.Unlock()

	log.Printf("KCP table: dialing %s with conv %d", raddr, conv)
	s.hello(now)

	if err := s.WaitEstablished(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("dial %s: %w", raddr, err)
	}
	return s, nil
}

// Accept returns the next session opened by a peer.
func (t *SessionTable) Accept() (*Session, error) {
	if t.acceptCh == nil {
		return nil, ErrListenerClosed
	}
	select {
	case <-t.closeSignal:
		return nil, ErrListenerClosed
	default:
	}
	select {
	case s := <-t.acceptCh:
		return s, nil
	case <-t.closeSignal:
		return nil, ErrListenerClosed
	}
}

// Sessions lists a snapshot of every live session.
func (t *SessionTable) Sessions() []SessionStats {
	t.mu.RLock()
	list := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		list = append(list, s)
	}
	t.mu.RUnlock()

	stats := make([]SessionStats, 0, len(list))
	for _, s := range list {
		stats = append(stats, s.Stats())
	}
	return stats
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *SessionTable) Addr() net.Addr {
	return t.conn.LocalAddr()
}

// Close terminates every session, best effort, and closes the socket.
func (t *SessionTable) Close() error {
	return t.shutdown(ErrConnectionClosed)
}

func (t *SessionTable) shutdown(reason error) error {
	t.closeOnce.Do(func() {
		close(t.closeSignal)

		t.mu.Lock()
		list := make([]*Session, 0, len(t.sessions))
		for _, s := range t.sessions {
			list = append(list, s)
		}
		t.sessions = make(map[uint32]*Session)
		t.mu.Unlock()

		for _, s := range list {
			if reason == ErrConnectionClosed {
				s.Close() // queues a terminate if the send buffer is empty
			}
			s.abort(reason)
		}

		t.closeErr = t.conn.Close()
		t.wg.Wait()

		if t.ownTrace && t.trace != nil {
			t.trace.Close()
		}
		if t.onClose != nil {
			t.onClose(t)
		}
		log.Printf("KCP table on %s closed", t.conn.LocalAddr())
	})
	return t.closeErr
}
