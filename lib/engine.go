package lib

import (
	"math"

	"github.com/Clouded-Sabre/Pseudo-KCP/config"
)

const (
	defaultRemoteWindow = 128    // assumed until the peer reports its window
	probeInit           = 7000   // ms before the first zero-window probe
	probeLimit          = 120000 // ms, cap for zero-window probe spacing
)

// pending probe flags
const (
	askSend = 1 << iota // send CmdWask
	askTell             // send CmdWins
)

const (
	finNone = iota
	finPending
	finSent
	finAcked
)

// segment is a Segment plus the sender side retransmission bookkeeping.
type segment struct {
	Segment
	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

type ackItem struct {
	sn uint32
	ts uint32
}

type engineStats struct {
	SegmentsSent      uint64
	SegmentsReceived  uint64
	Retransmissions   uint64
	FastRetransmits   uint64
	DuplicateSegments uint64
	BytesSent         uint64 // application bytes submitted
	BytesReceived     uint64 // application bytes delivered
}

// engine is the window and retransmission state of one connection. It is
// not safe for concurrent use and never blocks: time only moves when the
// owner passes it in.
type engine struct {
	conv   uint32
	mtu    uint32
	mss    uint32
	stream bool

	nodelay        bool
	nocwnd         bool
	interval       uint32
	fastresend     uint32
	deadLink       uint32
	keepalive      uint32
	sendQueueLimit int
	backoff        float64
	nodelayBackoff float64

	sndUna, sndNxt, rcvNxt uint32
	sndWnd, rcvWnd, rmtWnd uint32
	cwnd, incr, ssthresh   uint32
	rtt                    rttEstimator

	probe     uint32
	tsProbe   uint32
	probeWait uint32

	current  uint32
	tsFlush  uint32
	lastSend uint32
	updated  bool
	dead     bool

	finState    int
	finSn       uint32
	finResendts uint32
	finXmit     uint32
	peerFin     bool

	sndQueue []*segment
	sndBuf   []*segment
	rcvQueue []*segment
	rcvBuf   []*segment
	acklist  []ackItem

	buffer []byte
	output func(datagram []byte)

	stats engineStats
}

// newEngine builds an engine for conv. output receives every datagram the
// engine emits; the buffer is reused after output returns.
func newEngine(conv uint32, cfg *config.Config, output func([]byte)) *engine {
	mtu := uint32(cfg.MTU)
	e := &engine{
		conv:           conv,
		mtu:            mtu,
		mss:            mtu - SegmentHeaderLength,
		stream:         cfg.StreamMode,
		nodelay:        cfg.NoDelay,
		nocwnd:         cfg.NoCongestion,
		interval:       durationToMs(cfg.Interval),
		fastresend:     uint32(cfg.FastResend),
		deadLink:       uint32(cfg.MaxRetransmits),
		keepalive:      durationToMs(cfg.KeepAliveInterval),
		sendQueueLimit: cfg.SendQueueLimit,
		backoff:        cfg.BackoffMultiplier,
		nodelayBackoff: cfg.NoDelayBackoff,
		sndWnd:         uint32(cfg.SendWindow),
		rcvWnd:         uint32(cfg.RecvWindow),
		rmtWnd:         defaultRemoteWindow,
		ssthresh:       uint32(cfg.InitialSSThresh),
		rtt:            newRttEstimator(durationToMs(cfg.EffectiveMinRTO()), durationToMs(cfg.MaxRTO), durationToMs(cfg.Interval)),
		buffer:         make([]byte, 0, mtu),
		output:         output,
	}
	e.cwnd = 1
	e.incr = e.mss
	return e
}

// Submit queues application bytes for transmission.
func (e *engine) Submit(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	mss := int(e.mss)

	// stream mode first tops up the tail segment
	var tail *segment
	room := 0
	if e.stream && len(e.sndQueue) > 0 {
		tail = e.sndQueue[len(e.sndQueue)-1]
		room = mss - len(tail.Data)
		if room > len(b) {
			room = len(b)
		}
	}

	count := (len(b) - room + mss - 1) / mss
	if !e.stream && (count > config.MaxFragments+1 || uint32(count) > e.rcvWnd) {
		return ErrMessageTooLarge
	}
	if e.sendQueueLimit > 0 && len(e.sndQueue) > 0 && len(e.sndQueue)+count > e.sendQueueLimit {
		return ErrWouldBlock
	}

	if room > 0 {
		tail.Data = append(tail.Data, b[:room]...)
		e.stats.BytesSent += uint64(room)
		b = b[room:]
	}

	for i := 0; i < count; i++ {
		size := mss
		if size > len(b) {
			size = len(b)
		}
		seg := &segment{}
		if e.stream {
			seg.Data = make([]byte, size, mss)
		} else {
			seg.Data = make([]byte, size)
			seg.Frg = uint8(count - i - 1)
		}
		copy(seg.Data, b[:size])
		e.sndQueue = append(e.sndQueue, seg)
		e.stats.BytesSent += uint64(size)
		b = b[size:]
	}
	return nil
}

// PeekSize is the size of the next deliverable message, or -1.
func (e *engine) PeekSize() int {
	if len(e.rcvQueue) == 0 {
		return -1
	}
	if e.stream {
		n := 0
		for _, seg := range e.rcvQueue {
			n += len(seg.Data)
		}
		return n
	}

	seg := e.rcvQueue[0]
	if seg.Frg == 0 {
		return len(seg.Data)
	}
	if len(e.rcvQueue) < int(seg.Frg)+1 {
		return -1
	}
	n := 0
	for _, seg := range e.rcvQueue {
		n += len(seg.Data)
		if seg.Frg == 0 {
			break
		}
	}
	return n
}

// Recv pops one message, or in stream mode every contiguous byte.
func (e *engine) Recv() ([]byte, error) {
	size := e.PeekSize()
	if size < 0 {
		return nil, ErrWouldBlock
	}

	fullWindow := uint32(len(e.rcvQueue)) >= e.rcvWnd

	buf := make([]byte, 0, size)
	count := 0
	for _, seg := range e.rcvQueue {
		buf = append(buf, seg.Data...)
		count++
		if !e.stream && seg.Frg == 0 {
			break
		}
	}
	e.rcvQueue = removeFront(e.rcvQueue, count)
	e.stats.BytesReceived += uint64(len(buf))

	e.moveToRcvQueue()

	// tell the peer the window reopened instead of waiting for its probe
	if fullWindow && uint32(len(e.rcvQueue)) < e.rcvWnd {
		e.probe |= askTell
	}
	return buf, nil
}

// Input processes one inbound datagram at time now.
func (e *engine) Input(now uint32, data []byte) error {
	e.advance(now)
	prevUna := e.sndUna

	var maxack, latestTs uint32
	acked := false

	for len(data) > 0 {
		seg, n, err := ParseSegment(data)
		if err != nil {
			return err
		}
		data = data[n:]
		if seg.Conv != e.conv {
			return malformed("conv %d does not belong to session %d", seg.Conv, e.conv)
		}

		e.stats.SegmentsReceived++
		e.rmtWnd = uint32(seg.Wnd)
		e.parseUna(seg.Una)
		e.shrinkBuf()

		switch seg.Cmd {
		case CmdAck:
			if rtt := timediff(e.current, seg.Ts); rtt >= 0 {
				e.rtt.update(rtt)
			}
			e.parseAck(seg.Sn)
			e.shrinkBuf()
			if e.finState == finSent && seg.Sn == e.finSn {
				e.finState = finAcked
			}
			if !acked {
				acked = true
				maxack, latestTs = seg.Sn, seg.Ts
			} else if seqAfter(seg.Sn, maxack) {
				maxack, latestTs = seg.Sn, seg.Ts
			}
		case CmdPush:
			if seqBefore(seg.Sn, e.rcvNxt+e.rcvWnd) {
				e.acklist = append(e.acklist, ackItem{seg.Sn, seg.Ts})
				if !seqBefore(seg.Sn, e.rcvNxt) {
					e.parseData(&seg)
				} else {
					e.stats.DuplicateSegments++
				}
			}
		case CmdWask:
			e.probe |= askTell
		case CmdWins:
			// window already taken from the header
		case CmdFin:
			e.peerFin = true
			e.acklist = append(e.acklist, ackItem{seg.Sn, seg.Ts})
		}
	}

	if acked {
		e.parseFastack(maxack, latestTs)
	}
	if seqAfter(e.sndUna, prevUna) {
		e.growCwnd()
	}
	return nil
}

func (e *engine) parseUna(una uint32) {
	count := 0
	for _, seg := range e.sndBuf {
		if seqBefore(seg.Sn, una) {
			count++
		} else {
			break
		}
	}
	e.sndBuf = removeFront(e.sndBuf, count)
}

func (e *engine) shrinkBuf() {
	if len(e.sndBuf) > 0 {
		e.sndUna = e.sndBuf[0].Sn
	} else {
		e.sndUna = e.sndNxt
	}
}

func (e *engine) parseAck(sn uint32) {
	if seqBefore(sn, e.sndUna) || !seqBefore(sn, e.sndNxt) {
		return
	}
	for i, seg := range e.sndBuf {
		if sn == seg.Sn {
			e.sndBuf = append(e.sndBuf[:i], e.sndBuf[i+1:]...)
			break
		}
		if seqBefore(sn, seg.Sn) {
			break
		}
	}
}

// parseFastack counts, for every segment older than the newest ack, how
// many acks skipped over it.
func (e *engine) parseFastack(sn, ts uint32) {
	if seqBefore(sn, e.sndUna) || !seqBefore(sn, e.sndNxt) {
		return
	}
	for _, seg := range e.sndBuf {
		if seqBefore(sn, seg.Sn) {
			break
		}
		if sn != seg.Sn && !seqBefore(ts, seg.Ts) {
			seg.fastack++
		}
	}
}

// parseData stores an in-window data segment, dropping duplicates.
func (e *engine) parseData(newseg *Segment) {
	sn := newseg.Sn
	if !seqBefore(sn, e.rcvNxt+e.rcvWnd) || seqBefore(sn, e.rcvNxt) {
		return
	}

	insert := len(e.rcvBuf)
	for i := len(e.rcvBuf) - 1; i >= 0; i-- {
		seg := e.rcvBuf[i]
		if seg.Sn == sn {
			e.stats.DuplicateSegments++
			return
		}
		if seqAfter(sn, seg.Sn) {
			break
		}
		insert = i
	}

	seg := &segment{Segment: *newseg}
	seg.Data = append([]byte(nil), newseg.Data...)
	e.rcvBuf = append(e.rcvBuf, nil)
	copy(e.rcvBuf[insert+1:], e.rcvBuf[insert:])
	e.rcvBuf[insert] = seg

	e.moveToRcvQueue()
}

func (e *engine) moveToRcvQueue() {
	count := 0
	for _, seg := range e.rcvBuf {
		if seg.Sn == e.rcvNxt && uint32(len(e.rcvQueue)) < e.rcvWnd {
			e.rcvQueue = append(e.rcvQueue, seg)
			e.rcvNxt++
			count++
		} else {
			break
		}
	}
	e.rcvBuf = removeFront(e.rcvBuf, count)
}

func (e *engine) wndUnused() uint16 {
	if n := uint32(len(e.rcvQueue)); n < e.rcvWnd {
		return uint16(e.rcvWnd - n)
	}
	return 0
}

// effectiveWindow bounds the segments that may be in flight.
func (e *engine) effectiveWindow() uint32 {
	wnd := minU32(e.sndWnd, e.rmtWnd)
	if !e.nocwnd {
		wnd = minU32(e.cwnd, wnd)
	}
	return wnd
}

func (e *engine) advance(now uint32) {
	e.current = now
	if !e.updated {
		e.updated = true
		e.tsFlush = now
		e.lastSend = now
	}
}

// Tick is the periodic heartbeat. It flushes at most once per interval.
func (e *engine) Tick(now uint32) {
	e.advance(now)

	slap := timediff(e.current, e.tsFlush)
	if slap >= 10000 || slap < -10000 {
		e.tsFlush = e.current
		slap = 0
	}
	if slap >= 0 {
		e.tsFlush += e.interval
		if timediff(e.current, e.tsFlush) >= 0 {
			e.tsFlush = e.current + e.interval
		}
		e.flush(false)
	}
}

// FlushAt moves the clock to now and flushes without waiting for the
// next interval.
func (e *engine) FlushAt(now uint32) {
	e.advance(now)
	e.flush(false)
}

// Flush transmits whatever is due at the current time.
func (e *engine) Flush() {
	e.flush(false)
}

// FlushAcks sends pending acks and window reports but no data.
func (e *engine) FlushAcks() {
	e.flush(true)
}

func (e *engine) emit(s *Segment) {
	if len(e.buffer)+s.Len() > int(e.mtu) {
		e.flushBuffer()
	}
	e.buffer = AppendSegment(e.buffer, s)
	e.lastSend = e.current
	e.stats.SegmentsSent++
}

func (e *engine) flushBuffer() {
	if len(e.buffer) > 0 {
		e.output(e.buffer)
		e.buffer = e.buffer[:0]
	}
}

func (e *engine) flush(ackOnly bool) {
	if !e.updated {
		return
	}
	current := e.current

	ctl := Segment{
		Conv: e.conv,
		Cmd:  CmdAck,
		Wnd:  e.wndUnused(),
		Una:  e.rcvNxt,
	}

	for _, ack := range e.acklist {
		ctl.Sn, ctl.Ts = ack.sn, ack.ts
		e.emit(&ctl)
	}
	e.acklist = e.acklist[:0]

	if ackOnly {
		if e.probe&askTell != 0 {
			ctl.Cmd, ctl.Sn, ctl.Ts = CmdWins, 0, 0
			e.emit(&ctl)
			e.probe &^= askTell
		}
		e.flushBuffer()
		return
	}

	// the peer advertised a zero window: probe it with growing spacing
	if e.rmtWnd == 0 {
		if e.probeWait == 0 {
			e.probeWait = probeInit
			e.tsProbe = current + e.probeWait
		} else if timediff(current, e.tsProbe) >= 0 {
			e.probeWait += e.probeWait / 2
			if e.probeWait > probeLimit {
				e.probeWait = probeLimit
			}
			e.tsProbe = current + e.probeWait
			e.probe |= askSend
		}
	} else {
		e.tsProbe = 0
		e.probeWait = 0
	}

	if e.keepalive > 0 && len(e.sndBuf) == 0 && len(e.sndQueue) == 0 &&
		timediff(current, e.lastSend) >= int32(e.keepalive) {
		e.probe |= askSend
	}

	if e.probe&askSend != 0 {
		ctl.Cmd, ctl.Sn, ctl.Ts = CmdWask, 0, current
		e.emit(&ctl)
	}
	if e.probe&askTell != 0 {
		ctl.Cmd, ctl.Sn, ctl.Ts = CmdWins, 0, current
		e.emit(&ctl)
	}
	e.probe = 0

	window := e.effectiveWindow()
	admitted := 0
	for admitted < len(e.sndQueue) && seqBefore(e.sndNxt, e.sndUna+window) {
		seg := e.sndQueue[admitted]
		seg.Conv = e.conv
		seg.Cmd = CmdPush
		seg.Sn = e.sndNxt
		seg.xmit = 0
		seg.fastack = 0
		e.sndBuf = append(e.sndBuf, seg)
		e.sndNxt++
		admitted++
	}
	e.sndQueue = removeFront(e.sndQueue, admitted)

	resent := e.fastresend
	if resent == 0 {
		resent = math.MaxUint32
	}
	rtomin := uint32(0)
	if !e.nodelay {
		rtomin = e.rtt.rto >> 3
	}

	change, lost := false, false
	for _, seg := range e.sndBuf {
		needsend := false
		switch {
		case seg.xmit == 0:
			needsend = true
			seg.rto = e.rtt.rto
			seg.resendts = current + seg.rto + rtomin
		case timediff(current, seg.resendts) >= 0:
			needsend = true
			seg.rto = e.backoffRTO(seg.rto)
			seg.resendts = current + seg.rto
			e.stats.Retransmissions++
			lost = true
		case seg.fastack >= resent:
			needsend = true
			seg.fastack = 0
			seg.resendts = current + seg.rto
			e.stats.FastRetransmits++
			change = true
		}

		if needsend {
			seg.xmit++
			seg.Ts = current
			seg.Wnd = ctl.Wnd
			seg.Una = e.rcvNxt
			e.emit(&seg.Segment)
			if seg.xmit >= e.deadLink {
				e.dead = true
			}
		}
	}

	e.flushFin(&ctl)
	e.flushBuffer()

	if change {
		e.onFastRetransmit(resent)
	}
	if lost {
		e.onTimeoutLoss(window)
	}
	if e.cwnd < 1 {
		e.cwnd = 1
		e.incr = e.mss
	}
}

// flushFin sends the terminate once all data is acknowledged and repeats
// it on the current RTO until the peer acks it.
func (e *engine) flushFin(ctl *Segment) {
	if e.finState == finPending && len(e.sndQueue) == 0 && len(e.sndBuf) == 0 {
		e.finState = finSent
		e.finSn = e.sndNxt
		e.finResendts = e.current
	}
	if e.finState != finSent || timediff(e.current, e.finResendts) < 0 {
		return
	}
	ctl.Cmd, ctl.Sn, ctl.Ts = CmdFin, e.finSn, e.current
	e.emit(ctl)
	e.finXmit++
	e.finResendts = e.current + minU32(e.rtt.rto*e.finXmit, e.rtt.maxRto)
}

// Close asks for a terminate after the queued data.
func (e *engine) Close() {
	if e.finState == finNone {
		e.finState = finPending
	}
}

// releaseSend drops everything still waiting to be sent or acknowledged.
func (e *engine) releaseSend() {
	e.sndQueue = nil
	e.sndBuf = nil
	e.acklist = nil
	e.sndUna = e.sndNxt
}

func (e *engine) FinAcked() bool   { return e.finState == finAcked }
func (e *engine) FinSent() bool    { return e.finState >= finSent }
func (e *engine) PeerClosed() bool { return e.peerFin }
func (e *engine) Dead() bool       { return e.dead }

// Drained reports whether everything the peer sent has been delivered.
func (e *engine) Drained() bool {
	return len(e.rcvQueue) == 0 && len(e.rcvBuf) == 0
}

func (e *engine) WaitSnd() int  { return len(e.sndBuf) + len(e.sndQueue) }
func (e *engine) QueueLen() int { return len(e.sndQueue) }
func (e *engine) Inflight() int { return len(e.sndBuf) }
func (e *engine) RTO() uint32   { return e.rtt.rto }
func (e *engine) SRTT() int32   { return e.rtt.srtt }

func (e *engine) Cwnd() uint32   { return e.cwnd }
func (e *engine) Window() uint32 { return e.effectiveWindow() }

func removeFront(q []*segment, n int) []*segment {
	if n == 0 {
		return q
	}
	if n >= len(q) {
		return q[:0]
	}
	newn := copy(q, q[n:])
	for i := newn; i < len(q); i++ {
		q[i] = nil
	}
	return q[:newn]
}
