package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vidrelay/internal/segment"
)

// StreamFallback downloads each part with one plain GET, in order.
type StreamFallback struct {
	Exec *segment.Executor
}

func (f *StreamFallback) Transfer(ctx context.Context, req Request) Result {
	res := Result{Strategy: "standard"}
	if len(req.Parts) == 0 {
		res.Err = ErrNoParts
		return res
	}
	sizes := partSizes(req)
	agg := newAggregate(sizes, req.Progress)
	for i, part := range req.Parts {
		out := OutputPath(req, i)
		log.Debug().Str("op", "manager/fallback").Msgf("streaming part %d/%d to %s", i+1, len(req.Parts), out)
		r := f.Exec.Single(ctx, part.URL, out, sizes[i], agg.sink(i))
		if !r.Success {
			res.Err = fmt.Errorf("part %d failed: %w", i+1, r.Err)
			return res
		}
		res.Paths = append(res.Paths, r.OutputPath)
		res.Bytes += r.Bytes
	}
	agg.complete()
	res.Success = true
	return res
}

// aggregate folds per-part progress into one request-wide Reporter. Each
// part's current value is monotonic, so only positive deltas are forwarded.
type aggregate struct {
	mu     sync.Mutex
	totals []int64
	seen   []int64
	rep    *segment.Reporter
}

func newAggregate(sizes []int64, sink segment.ProgressFunc) *aggregate {
	a := &aggregate{
		totals: append([]int64(nil), sizes...),
		seen:   make([]int64, len(sizes)),
	}
	a.rep = segment.NewReporter(a.sum(), sink)
	return a
}

func (a *aggregate) sum() int64 {
	var total int64
	for _, t := range a.totals {
		if t <= 0 {
			return 0
		}
		total += t
	}
	return total
}

func (a *aggregate) sink(i int) segment.ProgressFunc {
	return func(_ float64, current, total int64) {
		a.mu.Lock()
		if total > 0 && total != a.totals[i] {
			a.totals[i] = total
			a.rep.SetTotal(a.sum())
		}
		delta := current - a.seen[i]
		if delta > 0 {
			a.seen[i] = current
		}
		a.mu.Unlock()
		if delta > 0 {
			a.rep.Add(delta)
		}
	}
}

func (a *aggregate) complete() {
	a.rep.Complete()
}
