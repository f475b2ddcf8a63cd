package upsert

import (
	"context"
	"sync/atomic"
	"time"

	"json-upsert/internal/model"

	"github.com/rs/zerolog/log"
)

const maxBackoff = 2 * time.Second

// withRetry runs fn once, then up to e.retries more times while the
// failure is retryable. The wait doubles from e.backoff up to maxBackoff
// and is interrupted by ctx.
func (e *Executor) withRetry(ctx context.Context, job model.Job, fn func(context.Context) error) error {
	backoff := e.backoff

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if attempt >= e.retries || !retryable(err) {
			return err
		}

		log.Debug().
			Err(err).
			Int("line", job.Line).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("retrying request")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		atomic.AddInt64(&e.metrics.RetriesTotal, 1)

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
