package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	defaultQuarantineSize = 1024
	defaultQuarantineTTL  = 30 * time.Second
	maxConvAttempts       = 64
)

type releasedConv struct {
	conv uint32
	at   time.Time
}

// ConvPool hands out connection ids and remembers the recently released
// ones in a ring, so a late retransmission for a reaped session is dropped
// instead of opening a ghost session.
type ConvPool struct {
	ring     []releasedConv
	writeIdx int
	released map[uint32]time.Time
	ttl      time.Duration
	random   func() uint32
	mtx      sync.Mutex
}

func newConvPool(capacity int, ttl time.Duration) *ConvPool {
	return &ConvPool{
		ring:     make([]releasedConv, capacity),
		released: make(map[uint32]time.Time),
		ttl:      ttl,
		random:   randomConv,
	}
}

func randomConv() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		log.Println("Conv pool: crypto/rand failed:", err)
		return 0
	}
	return binary.LittleEndian.Uint32(b[:])
}

// allocate picks a random non-zero conv that inUse rejects and that is not
// quarantined.
func (p *ConvPool) allocate(inUse func(conv uint32) bool) (uint32, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	now := time.Now()
	for i := 0; i < maxConvAttempts; i++ {
		conv := p.random()
		if conv == 0 {
			continue
		}
		if inUse != nil && inUse(conv) {
			log.Printf("Conv pool: conv %d is in use, picking another", conv)
			continue
		}
		if p.quarantinedLocked(conv, now) {
			log.Printf("Conv pool: conv %d was released recently, picking another", conv)
			continue
		}
		return conv, nil
	}
	return 0, fmt.Errorf("conv pool: no free connection id after %d attempts", maxConvAttempts)
}

// release puts conv into quarantine, evicting the oldest entry when the
// ring is full.
func (p *ConvPool) release(conv uint32) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if len(p.ring) == 0 {
		return
	}
	old := p.ring[p.writeIdx]
	if at, ok := p.released[old.conv]; ok && at.Equal(old.at) {
		delete(p.released, old.conv)
	}
	now := time.Now()
	p.ring[p.writeIdx] = releasedConv{conv: conv, at: now}
	p.released[conv] = now
	p.writeIdx = (p.writeIdx + 1) % len(p.ring)
}

func (p *ConvPool) quarantined(conv uint32) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.quarantinedLocked(conv, time.Now())
}

func (p *ConvPool) quarantinedLocked(conv uint32, now time.Time) bool {
	at, ok := p.released[conv]
	if !ok {
		return false
	}
	if now.Sub(at) >= p.ttl {
		delete(p.released, conv)
		return false
	}
	return true
}

// Quarantined is the number of ids currently held back.
func (p *ConvPool) Quarantined() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.released)
}
