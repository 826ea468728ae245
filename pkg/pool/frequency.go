package pool

import "time"

const (
	frequencyWindow      = 10 // seconds of per-second buckets
	lowFrequencyHits     = 5.0
	lowFrequencyInterval = 60 * time.Second
)

// frequency tracks checkout hits per second so a quiet pool can shed idle
// connections. Not safe for concurrent use; the pool mutex guards it.
type frequency struct {
	now     func() time.Time
	hits    map[int64]int
	begin   int64
	lastLow time.Time
}

func newFrequency(now func() time.Time) *frequency {
	t := now()
	return &frequency{
		now:     now,
		hits:    make(map[int64]int),
		begin:   t.Unix(),
		lastLow: t,
	}
}

func (f *frequency) hit() {
	sec := f.now().Unix()
	f.trim(sec)
	f.hits[sec]++
}

// rate is the average hits per second over the last frequencyWindow seconds,
// counting silent seconds since the tracker started.
func (f *frequency) rate() float64 {
	sec := f.now().Unix()
	f.trim(sec)

	from := sec - frequencyWindow + 1
	if f.begin > from {
		from = f.begin
	}

	total := 0
	for _, n := range f.hits {
		total += n
	}
	return float64(total) / float64(sec-from+1)
}

// isLow reports low traffic at most once per lowFrequencyInterval.
func (f *frequency) isLow() bool {
	now := f.now()
	if now.Sub(f.lastLow) <= lowFrequencyInterval {
		return false
	}
	if f.rate() >= lowFrequencyHits {
		return false
	}
	f.lastLow = now
	return true
}

func (f *frequency) trim(sec int64) {
	oldest := sec - frequencyWindow + 1
	for s := range f.hits {
		if s < oldest {
			delete(f.hits, s)
		}
	}
}
