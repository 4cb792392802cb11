package filter

import (
	"sort"
	"time"
)

type inFlight struct {
	at   time.Duration
	seq  uint64
	data []byte
}

// Link is a one-way simulated network driven by an explicit clock. Nothing
// happens between calls, which keeps tests deterministic.
type Link struct {
	filter  Filter
	queue   []inFlight
	nextSeq uint64

	Sent      int
	Delivered int
}

func NewLink(f Filter) *Link {
	if f == nil {
		f = PassThrough{}
	}
	return &Link{filter: f}
}

// Send hands a datagram to the link at time now. The datagram is copied.
func (l *Link) Send(now time.Duration, datagram []byte) {
	l.Sent++
	v := l.filter.Judge(datagram)
	for i := 0; i < v.Copies; i++ {
		l.queue = append(l.queue, inFlight{
			at:   now + v.Delay,
			seq:  l.nextSeq,
			data: append([]byte(nil), datagram...),
		})
		l.nextSeq++
	}
}

// Receive returns every datagram due at or before now, in arrival order.
func (l *Link) Receive(now time.Duration) [][]byte {
	sort.SliceStable(l.queue, func(i, j int) bool {
		if l.queue[i].at != l.queue[j].at {
			return l.queue[i].at < l.queue[j].at
		}
		return l.queue[i].seq < l.queue[j].seq
	})

	n := 0
	for n < len(l.queue) && l.queue[n].at <= now {
		n++
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		out[i] = l.queue[i].data
	}
	l.queue = append(l.queue[:0], l.queue[n:]...)
	l.Delivered += n
	return out
}

// Pending is the number of datagrams still in flight.
func (l *Link) Pending() int {
	return len(l.queue)
}
