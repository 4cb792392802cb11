package lib

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Clouded-Sabre/Pseudo-KCP/config"
	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Payload is a datagram sized receive buffer kept in a ring pool.
type Payload struct {
	buf    []byte
	length int
}

// NewPayload is the ring pool constructor. It takes one parameter: the
// buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewPayload: Invalid number of calling parameters. Should be only one: bufferlength")
		return nil
	}
	size, ok := params[0].(int)
	if !ok || size <= 0 {
		log.Println("NewPayload: Invalid bufferLength. Should be a positive int")
		return nil
	}
	return &Payload{buf: make([]byte, size)}
}

// set the content of the payload
func (p *Payload) SetContent(s string) {
	p.length = copy(p.buf, s)
}

func (p *Payload) Reset() {
	p.length = 0
}

func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.buf[:p.length]))
}

// Buffer is the whole backing array, for reading into.
func (p *Payload) Buffer() []byte {
	return p.buf
}

func (p *Payload) SetLength(n int) {
	p.length = n
}

func (p *Payload) Bytes() []byte {
	return p.buf[:p.length]
}

var poolDebugOnce sync.Once

// newPayloadPool builds the pool of receive buffers for one socket. Buffers
// are one byte larger than the MTU so oversized datagrams can be detected.
func newPayloadPool(cfg *config.Config) *rp.RingPool {
	poolDebugOnce.Do(func() { rp.Debug = cfg.PoolDebug })
	pool := rp.NewRingPool("KCP: ", cfg.PayloadPoolSize, NewPayload, cfg.MTU+1)
	pool.Debug = cfg.PoolDebug
	pool.ProcessTimeThreshold = 10 * time.Millisecond
	return pool
}
