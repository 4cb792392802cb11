package lib

import (
	"time"
)

var epoch = time.Now()

// currentMs is the engine clock: milliseconds since process start, wrapping
// like the 32-bit segment timestamp.
func currentMs() uint32 {
	return msSince(time.Now())
}

func msSince(t time.Time) uint32 {
	return uint32(t.Sub(epoch) / time.Millisecond)
}

// timediff is later-earlier on the wrapping 32-bit clock.
func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

// SEQ compare functions with SEQ wraparound in mind
func seqBefore(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) < 0
}

func seqBeforeOrEqual(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) <= 0
}

func seqAfter(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

func durationToMs(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Millisecond)
}

func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
