// internal/worker/dispatcher.go
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"json-upsert/internal/deadletter"
	"json-upsert/internal/extract"
	"json-upsert/internal/metrics"
	"json-upsert/internal/model"
	"json-upsert/internal/upsert"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Source yields input lines with their 1-based numbers, io.EOF at the end.
type Source interface {
	Next() ([]byte, int, error)
}

// Extractor turns a line into a job (extract.Extractor).
type Extractor interface {
	Extract(lineNo int, line []byte) (model.Job, error)
}

// Upserter performs one job (upsert.Executor, upsert.DryRun).
type Upserter interface {
	Execute(ctx context.Context, job model.Job) (model.Result, error)
}

// DeadLetters receives records skipped under PolicySkip.
type DeadLetters interface {
	Write(line int, raw []byte, cause error) error
}

// Policy decides what a bad record does to the run.
type Policy string

const (
	PolicyAbort Policy = "abort"
	PolicySkip  Policy = "skip"
)

// Options
//
//   - Workers <= 1 runs the plain read → extract → execute → emit loop
//   - Workers > 1 runs reader, N upsert workers and one emitter
type Options struct {
	Workers          int
	Policy           Policy
	LineNumbers      bool
	DeadLetters      DeadLetters // optional
	ProgressInterval time.Duration
}

// RecordError ties a failure to its input line.
type RecordError struct {
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Recoverable reports whether err concerns one record only. Under
// PolicySkip these records are reported and the run goes on; everything
// else (transport, input, cancellation) ends the run.
func Recoverable(err error) bool {
	return errors.Is(err, extract.ErrParse) || errors.Is(err, upsert.ErrResponse)
}

// Dispatcher drives records from a Source through extraction and upsert
// and writes one result line per record to out.
//
// out and the dead-letter writer are only ever touched by one goroutine
// (the caller's in sequential mode, the emitter's otherwise).
type Dispatcher struct {
	extractor Extractor
	upserter  Upserter
	out       io.Writer
	metrics   *metrics.Metrics
	opts      Options
}

func NewDispatcher(ex Extractor, up Upserter, out io.Writer, m *metrics.Metrics, opts Options) *Dispatcher {
	if m == nil {
		m = metrics.New()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyAbort
	}
	return &Dispatcher{
		extractor: ex,
		upserter:  up,
		out:       out,
		metrics:   m,
		opts:      opts,
	}
}

// Run processes src until end of input (nil), a fatal error, or ctx
// cancellation. Output for records finished before a failure is already
// written when Run returns.
func (d *Dispatcher) Run(ctx context.Context, src Source) error {
	start := time.Now()
	defer func() { logSummary(d.metrics, time.Since(start)) }()

	if d.opts.ProgressInterval > 0 {
		pctx, stop := context.WithCancel(ctx)
		defer stop()
		go reportProgress(pctx, d.metrics, d.opts.ProgressInterval)
	}

	if d.opts.Workers <= 1 {
		return d.runSequential(ctx, src)
	}
	return d.runConcurrent(ctx, src)
}

// runSequential is the baseline state machine:
// AwaitingLine → (Skip | Extracting → Executing → Emitting) → AwaitingLine.
func (d *Dispatcher) runSequential(ctx context.Context, src Source) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, n, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		atomic.AddInt64(&d.metrics.LinesReadTotal, 1)

		job, err := d.extractor.Extract(n, line)
		if errors.Is(err, extract.ErrEmptyLine) {
			atomic.AddInt64(&d.metrics.LinesEmptyTotal, 1)
			continue
		}
		if err != nil {
			if err := d.reject(n, line, err); err != nil {
				return err
			}
			continue
		}

		res, err := d.upserter.Execute(ctx, job)
		if err != nil {
			if err := d.reject(job.Line, job.Raw, err); err != nil {
				return err
			}
			continue
		}

		if err := d.emit(res); err != nil {
			return err
		}
	}
}

// event is what the emitter consumes: a result or a per-record failure.
type event struct {
	line int
	raw  []byte
	res  model.Result
	err  error
}

// runConcurrent
//
//	reader ──jobs──▶ N workers ──events──▶ emitter ──▶ out
//	   └───────────── extract failures ──────▲
//
// Channels are the only hand-off between stages. The first fatal error
// cancels the shared context; the reader stops feeding and in-flight
// requests are aborted.
func (d *Dispatcher) runConcurrent(ctx context.Context, src Source) error {
	n := d.opts.Workers
	jobs := make(chan model.Job, 2*n)
	events := make(chan event, 2*n)

	g, gctx := errgroup.WithContext(ctx)
	producers, pctx := errgroup.WithContext(gctx)

	producers.Go(func() error {
		defer close(jobs)
		return d.read(pctx, src, jobs, events)
	})

	for i := 0; i < n; i++ {
		producers.Go(func() error {
			for job := range jobs {
				res, err := d.upserter.Execute(pctx, job)
				ev := event{line: job.Line, raw: job.Raw, res: res, err: err}

				select {
				case events <- ev:
				case <-pctx.Done():
					return pctx.Err()
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		err := producers.Wait()
		close(events)
		return err
	})

	g.Go(func() error {
		for ev := range events {
			if ev.err != nil {
				if err := d.reject(ev.line, ev.raw, ev.err); err != nil {
					return err
				}
				continue
			}
			if err := d.emit(ev.res); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// read extracts lines and feeds jobs; extraction failures go straight to
// the emitter so the skip policy is applied in one place.
func (d *Dispatcher) read(ctx context.Context, src Source, jobs chan<- model.Job, events chan<- event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, n, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		atomic.AddInt64(&d.metrics.LinesReadTotal, 1)

		job, err := d.extractor.Extract(n, line)
		if errors.Is(err, extract.ErrEmptyLine) {
			atomic.AddInt64(&d.metrics.LinesEmptyTotal, 1)
			continue
		}

		if err != nil {
			// line is reused by the source after Next
			ev := event{line: n, raw: bytes.Clone(line), err: err}
			select {
			case events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		select {
		case jobs <- job:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reject applies the error policy to one failed record. A nil return
// means the run continues.
func (d *Dispatcher) reject(line int, raw []byte, cause error) error {
	if d.opts.Policy != PolicySkip || !Recoverable(cause) {
		return &RecordError{Line: line, Err: cause}
	}

	atomic.AddInt64(&d.metrics.RecordsRejectedTotal, 1)
	log.Warn().Err(cause).Int("line", line).Msg("record skipped")

	if d.opts.DeadLetters == nil {
		return nil
	}

	err := d.opts.DeadLetters.Write(line, raw, cause)
	if err != nil && !errors.Is(err, deadletter.ErrFull) {
		return fmt.Errorf("dead letter for line %d: %w", line, err)
	}
	return nil
}

// emit writes one result line. Each line is written in a single call so
// output already produced survives a later abort.
func (d *Dispatcher) emit(res model.Result) error {
	s := res.Render()
	if d.opts.LineNumbers {
		s = strconv.Itoa(res.Line) + "\t" + s
	}

	if _, err := io.WriteString(d.out, s+"\n"); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
