package lib

const ssthreshMin = 2

// growCwnd runs once per input that advanced snd_una: slow start below
// ssthresh, then roughly one segment per round trip.
func (e *engine) growCwnd() {
	limit := minU32(e.rmtWnd, e.sndWnd)
	if e.cwnd >= limit {
		return
	}

	mss := e.mss
	if e.cwnd < e.ssthresh {
		e.cwnd++
		e.incr += mss
	} else {
		if e.incr < mss {
			e.incr = mss
		}
		e.incr += (mss*mss)/e.incr + mss/16
		if (e.cwnd+1)*mss <= e.incr {
			e.cwnd = (e.incr + mss - 1) / mss
		}
	}

	if e.cwnd > limit {
		e.cwnd = limit
		e.incr = limit * mss
	}
}

// onFastRetransmit halves the window around the data in flight.
func (e *engine) onFastRetransmit(resent uint32) {
	inflight := e.sndNxt - e.sndUna
	e.ssthresh = maxU32(inflight/2, ssthreshMin)
	e.cwnd = e.ssthresh + resent
	e.incr = e.cwnd * e.mss
}

// onTimeoutLoss collapses to one segment.
func (e *engine) onTimeoutLoss(window uint32) {
	e.ssthresh = maxU32(window/2, ssthreshMin)
	e.cwnd = 1
	e.incr = e.mss
}

// backoffRTO is the next per-segment timeout after an expiry: multiplicative
// normally, a fixed step of the base RTO in nodelay mode.
func (e *engine) backoffRTO(rto uint32) uint32 {
	var next float64
	if e.nodelay {
		next = float64(rto) + float64(e.rtt.rto)*e.nodelayBackoff
	} else {
		next = float64(rto) * e.backoff
	}
	if next > float64(e.rtt.maxRto) {
		return e.rtt.maxRto
	}
	return uint32(next)
}
