package worker

import (
	"context"
	"sync/atomic"
	"time"

	"json-upsert/internal/metrics"

	"github.com/rs/zerolog/log"
)

// reportProgress logs interval and cumulative throughput every interval
// until ctx is done.
func reportProgress(ctx context.Context, m *metrics.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	prevAt := start
	var prev int64

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			done := m.Processed()

			log.Info().
				Int64("processed", done).
				Int64("interval", done-prev).
				Float64("docs_per_sec", rate(done-prev, now.Sub(prevAt))).
				Float64("avg_docs_per_sec", rate(done, now.Sub(start))).
				Int64("rejected", atomic.LoadInt64(&m.RecordsRejectedTotal)).
				Float64("avg_request_ms", avgRequestMs(m)).
				Msg("progress")

			prev, prevAt = done, now
		}
	}
}

// logSummary is the end-of-run line.
func logSummary(m *metrics.Metrics, elapsed time.Duration) {
	done := m.Processed()

	log.Info().
		Int64("lines", atomic.LoadInt64(&m.LinesReadTotal)).
		Int64("empty", atomic.LoadInt64(&m.LinesEmptyTotal)).
		Int64("processed", done).
		Int64("created", atomic.LoadInt64(&m.OutcomeCreatedTotal)).
		Int64("updated", atomic.LoadInt64(&m.OutcomeUpdatedTotal)).
		Int64("rejected", atomic.LoadInt64(&m.RecordsRejectedTotal)).
		Int64("retries", atomic.LoadInt64(&m.RetriesTotal)).
		Dur("elapsed", elapsed).
		Float64("docs_per_sec", rate(done, elapsed)).
		Msg("run finished")
}

func rate(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

func avgRequestMs(m *metrics.Metrics) float64 {
	reqs := atomic.LoadInt64(&m.RequestsTotal)
	if reqs == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&m.RequestNanosTotal)) / float64(reqs) / 1e6
}
