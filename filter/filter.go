package filter

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Verdict is what a link does with one datagram: deliver Copies of it (0
// drops it) after Delay.
type Verdict struct {
	Copies int
	Delay  time.Duration
}

// Filter decides the fate of outgoing datagrams.
type Filter interface {
	Judge(datagram []byte) Verdict
}

// Impairment describes a bad link. Rates are probabilities in [0, 1].
type Impairment struct {
	DropRate      float64
	DuplicateRate float64
	ReorderRate   float64       // share of datagrams held back by up to ReorderWindow
	BaseDelay     time.Duration // one-way latency applied to everything
	ReorderWindow time.Duration
}

func (imp Impairment) Validate() error {
	for name, rate := range map[string]float64{"drop": imp.DropRate, "duplicate": imp.DuplicateRate, "reorder": imp.ReorderRate} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s rate %v out of range [0, 1]", name, rate)
		}
	}
	if imp.BaseDelay < 0 || imp.ReorderWindow < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}

// RandomFilter applies an Impairment with its own seeded generator, so a
// given seed replays the same losses.
type RandomFilter struct {
	imp Impairment
	rng *rand.Rand
	mu  sync.Mutex

	judged, dropped, duplicated, reordered int
}

func NewRandomFilter(imp Impairment, seed int64) (*RandomFilter, error) {
	if err := imp.Validate(); err != nil {
		return nil, err
	}
	return &RandomFilter{
		imp: imp,
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

func (f *RandomFilter) Judge(datagram []byte) Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.judged++
	if f.rng.Float64() < f.imp.DropRate {
		f.dropped++
		return Verdict{}
	}

	v := Verdict{Copies: 1, Delay: f.imp.BaseDelay}
	if f.rng.Float64() < f.imp.DuplicateRate {
		v.Copies = 2
		f.duplicated++
	}
	if f.imp.ReorderWindow > 0 && f.rng.Float64() < f.imp.ReorderRate {
		v.Delay += time.Duration(f.rng.Int63n(int64(f.imp.ReorderWindow)) + 1)
		f.reordered++
	}
	return v
}

// Stats reports how many datagrams were judged, dropped, duplicated and held back.
func (f *RandomFilter) Stats() (judged, dropped, duplicated, reordered int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.judged, f.dropped, f.duplicated, f.reordered
}

// PassThrough delivers everything untouched.
type PassThrough struct{}

func (PassThrough) Judge([]byte) Verdict { return Verdict{Copies: 1} }
