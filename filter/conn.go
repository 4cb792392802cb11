package filter

import (
	"net"
	"sync/atomic"
	"time"
)

// LossyConn is a net.PacketConn whose writes go through a Filter. Reads are
// untouched; wrap both ends to impair both directions.
type LossyConn struct {
	net.PacketConn
	filter Filter
	closed atomic.Bool
}

func NewLossyConn(pc net.PacketConn, f Filter) *LossyConn {
	if f == nil {
		f = PassThrough{}
	}
	return &LossyConn{PacketConn: pc, filter: f}
}

func (c *LossyConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	v := c.filter.Judge(p)
	if v.Copies == 0 {
		return len(p), nil // lost on the wire
	}

	if v.Delay <= 0 {
		for i := 0; i < v.Copies; i++ {
			if _, err := c.PacketConn.WriteTo(p, addr); err != nil {
				return 0, err
			}
		}
		return len(p), nil
	}

	held := append([]byte(nil), p...)
	time.AfterFunc(v.Delay, func() {
		for i := 0; i < v.Copies; i++ {
			if c.closed.Load() {
				return
			}
			c.PacketConn.WriteTo(held, addr)
		}
	})
	return len(p), nil
}

func (c *LossyConn) Close() error {
	c.closed.Store(true)
	return c.PacketConn.Close()
}
