package lib

const rtoDefault = 200 // ms, before the first sample

// rttEstimator keeps smoothed RTT and variance in milliseconds and derives the
// retransmission timeout from them.
type rttEstimator struct {
	srtt     int32
	rttvar   int32
	rto      uint32
	minRto   uint32
	maxRto   uint32
	interval uint32
}

func newRttEstimator(minRto, maxRto, interval uint32) rttEstimator {
	return rttEstimator{
		rto:      clampU32(rtoDefault, minRto, maxRto),
		minRto:   minRto,
		maxRto:   maxRto,
		interval: interval,
	}
}

func (r *rttEstimator) update(rtt int32) {
	if r.srtt == 0 {
		r.srtt = rtt
		r.rttvar = rtt / 2
	} else {
		delta := rtt - r.srtt
		if delta < 0 {
			delta = -delta
		}
		r.rttvar = (3*r.rttvar + delta) / 4
		r.srtt = (7*r.srtt + rtt) / 8
		if r.srtt < 1 {
			r.srtt = 1
		}
	}
	rto := uint32(r.srtt) + maxU32(r.interval, uint32(4*r.rttvar))
	r.rto = clampU32(rto, r.minRto, r.maxRto)
}
