package lib

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/Clouded-Sabre/Pseudo-KCP/config"
)

// KcpCore owns every session table a process opens and shares one config
// and packet trace between them.
type KcpCore struct {
	config           *config.Config
	trace            *packetTrace
	tables           map[*SessionTable]struct{}
	mu               sync.Mutex
	tableCloseSignal chan *SessionTable
	closeSignal      chan struct{}  // used to stop the goroutines
	wg               sync.WaitGroup // WaitGroup to synchronize goroutines
	closeOnce        sync.Once
}

func NewKcpCore(cfg *config.Config) (*KcpCore, error) {
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

	k := &KcpCore{
		config:           cfg,
		trace:            trace,
		tables:           make(map[*SessionTable]struct{}),
		tableCloseSignal: make(chan *SessionTable),
		closeSignal:      make(chan struct{}),
	}

	k.wg.Add(1)
	go k.handleCloseTable()

	log.Println("Kcp core started")
	return k, nil
}

func (k *KcpCore) addTable(t *SessionTable) {
	t.onClose = func(t *SessionTable) {
		select {
		case k.tableCloseSignal <- t:
		case <-k.closeSignal:
		}
	}
	k.mu.Lock()
	k.tables[t] = struct{}{}
	k.mu.Unlock()
	t.start()
}

// DialKcp opens a session to remoteAddr from its own UDP socket.
func (k *KcpCore) DialKcp(ctx context.Context, remoteAddr string) (*Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}

	t := newSessionTable(conn, k.config, false, k.trace)
	t.closeWhenEmpty = true
	k.addTable(t)

	s, err := t.Dial(ctx, raddr)
	if err != nil {
		log.Println("Error creating Kcp client session:", err)
		t.Close()
		return nil, err
	}
	return s, nil
}

// ListenKcp starts a listener on localAddr.
func (k *KcpCore) ListenKcp(localAddr string) (*Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		log.Println("Address is malformed:", err)
		return nil, err
	}

	k.mu.Lock()
	for t := range k.tables {
		if t.listening && t.Addr().String() == laddr.String() {
			k.mu.Unlock()
			return nil, fmt.Errorf("%s is already taken", localAddr)
		}
	}
	k.mu.Unlock()

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	t := newSessionTable(conn, k.config, true, k.trace)
	k.addTable(t)
	log.Printf("KCP listener started on %s", conn.LocalAddr())
	return &Listener{table: t}, nil
}

// Tables is the number of open session tables.
func (k *KcpCore) Tables() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tables)
}

func (k *KcpCore) handleCloseTable() {
	defer k.wg.Done()

	for {
		select {
		case <-k.closeSignal:
			return
		case t := <-k.tableCloseSignal:
			k.mu.Lock()
			if _, ok := k.tables[t]; !ok {
				k.mu.Unlock()
				log.Printf("Kcp session table %s is not registered", t.Addr())
				continue
			}
			delete(k.tables, t)
			k.mu.Unlock()
			log.Printf("Kcp session table %s closed and removed.", t.Addr())
		}
	}
}

// Close shuts down every table, then the trace.
func (k *KcpCore) Close() error {
	k.closeOnce.Do(func() {
		k.mu.Lock()
		list := make([]*SessionTable, 0, len(k.tables))
		for t := range k.tables {
			list = append(list, t)
		}
		k.mu.Unlock()

		for _, t := range list {
			t.Close()
		}

		close(k.closeSignal)
		k.wg.Wait()

		if k.trace != nil {
			if err := k.trace.Close(); err != nil {
				log.Println("Error closing packet trace:", err)
			}
		}
		log.Println("Kcp core closed gracefully.")
	})
	return nil
}
