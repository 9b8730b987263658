package edna

import (
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/hako/durafmt"
)

// LatencyStats summarizes the latency of one kind of operation.
type LatencyStats struct {
	Count int64
	Mean  time.Duration
	P99   time.Duration
	Max   time.Duration
}

func (l LatencyStats) String() string {
	if l.Count == 0 {
		return "[no samples]"
	}
	return fmt.Sprintf("[Count: %d, Mean: %s, P99: %s, Max: %s]", l.Count,
		durafmt.Parse(l.Mean), durafmt.Parse(l.P99), durafmt.Parse(l.Max))
}

// Stats summarizes the disguises applied and revealed by a session.
type Stats struct {
	Apply  LatencyStats
	Reveal LatencyStats
	// FailedRows counts rows that could not be revealed.
	FailedRows int64
	// Pseudoprincipals counts pseudoprincipals minted.
	Pseudoprincipals int64
}

// latency tracks operation latency in microseconds, from 1 microsecond to
// 10 minutes, with 3 significant figures.
type latency struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

func newLatency() *latency {
	return &latency{hist: hdrhistogram.New(1, 600000000, 3)}
}

func (l *latency) record(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	l.mu.Lock()
	l.hist.RecordValue(us)
	l.mu.Unlock()
}

func (l *latency) snapshot() LatencyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LatencyStats{
		Count: l.hist.TotalCount(),
		Mean:  time.Duration(l.hist.Mean()) * time.Microsecond,
		P99:   time.Duration(l.hist.ValueAtQuantile(99)) * time.Microsecond,
		Max:   time.Duration(l.hist.Max()) * time.Microsecond,
	}
}
