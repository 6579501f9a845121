package master

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"yqhp/dcf/pkg/types"
)

const (
	minLatency = int64(time.Microsecond)
	maxLatency = int64(time.Hour)
)

type workerStats struct {
	hist   *hdrhistogram.Histogram
	errors int64
}

// dispatchStats records exec latency per worker.
type dispatchStats struct {
	mu      sync.Mutex
	workers map[string]*workerStats
}

func newDispatchStats() *dispatchStats {
	return &dispatchStats{workers: make(map[string]*workerStats)}
}

func (d *dispatchStats) record(workerID string, elapsed time.Duration, failed bool) {
	v := int64(elapsed)
	if v < minLatency {
		v = minLatency
	}
	if v > maxLatency {
		v = maxLatency
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	ws, ok := d.workers[workerID]
	if !ok {
		ws = &workerStats{hist: hdrhistogram.New(minLatency, maxLatency, 3)}
		d.workers[workerID] = ws
	}
	_ = ws.hist.RecordValue(v)
	if failed {
		ws.errors++
	}
}

func (d *dispatchStats) forget(workerID string) {
	d.mu.Lock()
	delete(d.workers, workerID)
	d.mu.Unlock()
}

func (d *dispatchStats) snapshot() []types.DispatchStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]types.DispatchStats, 0, len(d.workers))
	for id, ws := range d.workers {
		out = append(out, types.DispatchStats{
			WorkerID: id,
			Count:    ws.hist.TotalCount(),
			Errors:   ws.errors,
			Mean:     time.Duration(ws.hist.Mean()),
			P50:      time.Duration(ws.hist.ValueAtQuantile(50)),
			P99:      time.Duration(ws.hist.ValueAtQuantile(99)),
			Max:      time.Duration(ws.hist.Max()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}
