package lib

import (
	"log"
	"net"
	"runtime"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// batchConn is the WriteBatch half of ipv4.PacketConn and ipv6.PacketConn.
type batchConn interface {
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
}

// datagramWriter sends the datagrams a session produced in one go. On Linux
// a UDP socket is written with sendmmsg, everything else uses WriteTo.
type datagramWriter struct {
	conn  net.PacketConn
	xconn batchConn
	trace *packetTrace
	debug bool
}

func newDatagramWriter(conn net.PacketConn, trace *packetTrace, debug bool) *datagramWriter {
	w := &datagramWriter{conn: conn, trace: trace, debug: debug}
	if runtime.GOOS != "linux" {
		return w
	}
	if udp, ok := conn.(*net.UDPConn); ok {
		if addr, ok := udp.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() != nil {
			w.xconn = ipv4.NewPacketConn(udp)
		} else {
			w.xconn = ipv6.NewPacketConn(udp)
		}
	}
	return w
}

// write sends datagrams to addr in order.
func (w *datagramWriter) write(datagrams [][]byte, addr net.Addr) error {
	if len(datagrams) == 0 {
		return nil
	}
	if w.trace != nil {
		for _, d := range datagrams {
			w.trace.record(w.conn.LocalAddr(), addr, d)
		}
	}

	if w.xconn != nil {
		msgs := make([]ipv4.Message, len(datagrams))
		for i, d := range datagrams {
			msgs[i].Buffers = [][]byte{d}
			msgs[i].Addr = addr
		}
		for len(msgs) > 0 {
			n, err := w.xconn.WriteBatch(msgs, 0)
			if err != nil {
				return &TransportError{Op: "write", Err: err}
			}
			msgs = msgs[n:]
		}
		if w.debug {
			log.Printf("KCP: wrote %d datagrams to %s in a batch", len(datagrams), addr)
		}
		return nil
	}

	for _, d := range datagrams {
		if _, err := w.conn.WriteTo(d, addr); err != nil {
			return &TransportError{Op: "write", Err: err}
		}
	}
	return nil
}
