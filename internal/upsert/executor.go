// Package upsert performs the HTTP exchange for one job and reduces the
// store's answer to a result line.
package upsert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"json-upsert/internal/metrics"
	"json-upsert/internal/model"
	"json-upsert/internal/pool"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

const (
	// result fields read from every answer
	fieldID      = "_id"
	fieldOutcome = "result"
)

// Options tune the executor. The zero value is the plain behaviour: one
// attempt, no rate limit, the transport's own timeouts.
type Options struct {
	Timeout time.Duration // per attempt, 0 = none
	Retries int           // extra attempts for retryable failures
	Backoff time.Duration // first retry delay, doubled up to maxBackoff
	RPS     float64       // request starts per second, 0 = unlimited
}

// Executor sends one request per job. Safe for concurrent use.
type Executor struct {
	client  *http.Client
	limiter *rate.Limiter
	metrics *metrics.Metrics

	retries int
	backoff time.Duration
}

// NewExecutor returns an Executor. A nil client gets a fresh http.Client
// with opts.Timeout.
func NewExecutor(client *http.Client, m *metrics.Metrics, opts Options) *Executor {
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	if m == nil {
		m = metrics.New()
	}

	e := &Executor{
		client:  client,
		metrics: m,
		retries: opts.Retries,
		backoff: opts.Backoff,
	}

	if opts.RPS > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}

	return e
}

// Execute sends job and returns the store's verdict.
//
// Errors:
//   - ErrTransport when no HTTP response was received
//   - *ResponseError (ErrResponse) when the answer has no usable result
//   - ctx.Err() when ctx ends first
func (e *Executor) Execute(ctx context.Context, job model.Job) (model.Result, error) {
	body := pool.GetBody()
	defer pool.PutBody(body)

	if err := encodePayload(body, job.Payload); err != nil {
		return model.Result{}, fmt.Errorf("encode payload: %w", err)
	}

	var res model.Result
	err := e.withRetry(ctx, job, func(ctx context.Context) error {
		var err error
		res, err = e.attempt(ctx, job, body.Bytes())
		return err
	})
	if err != nil {
		return model.Result{}, err
	}

	res.Line = job.Line
	return res, nil
}

// attempt performs exactly one HTTP exchange.
func (e *Executor) attempt(ctx context.Context, job model.Job, payload []byte) (model.Result, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return model.Result{}, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, job.Verb, job.Target, bytes.NewReader(payload))
	if err != nil {
		return model.Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	atomic.AddInt64(&e.metrics.RequestsTotal, 1)
	defer func() {
		atomic.AddInt64(&e.metrics.RequestNanosTotal, int64(time.Since(start)))
	}()

	if err != nil {
		if ctx.Err() != nil {
			return model.Result{}, ctx.Err()
		}
		atomic.AddInt64(&e.metrics.TransportErrorsTotal, 1)
		return model.Result{}, fmt.Errorf("%w: %s %s: %v", ErrTransport, job.Verb, job.Target, err)
	}
	defer resp.Body.Close()

	buf := pool.GetResponse()
	defer pool.PutResponse(buf)

	if _, err := io.Copy(buf, resp.Body); err != nil {
		if ctx.Err() != nil {
			return model.Result{}, ctx.Err()
		}
		atomic.AddInt64(&e.metrics.TransportErrorsTotal, 1)
		return model.Result{}, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}

	res, err := parseResponse(resp.StatusCode, buf.Bytes())
	if err != nil {
		return model.Result{}, err
	}

	e.metrics.AddOutcome(outcomeToken(res.Outcome))
	return res, nil
}

// encodePayload writes v as compact JSON, without the encoder's trailing
// newline and without HTML escaping.
func encodePayload(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		return err
	}

	if n := buf.Len(); n > 0 && buf.Bytes()[n-1] == '\n' {
		buf.Truncate(n - 1)
	}
	return nil
}

// parseResponse extracts the result id and outcome as raw JSON text.
// The store's answer is reported verbatim, whatever the HTTP status.
func parseResponse(status int, body []byte) (model.Result, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return model.Result{}, &ResponseError{
			Status: status,
			Reason: "body is not a JSON object",
			Body:   preview(body),
		}
	}

	id, ok := lookupRaw(fields, fieldID)
	if !ok {
		return model.Result{}, &ResponseError{Status: status, Reason: "missing " + fieldID, Body: preview(body)}
	}

	outcome, ok := lookupRaw(fields, fieldOutcome)
	if !ok {
		return model.Result{}, &ResponseError{Status: status, Reason: "missing " + fieldOutcome, Body: preview(body)}
	}

	return model.Result{
		ID:      id,
		Outcome: outcome,
		Status:  status,
	}, nil
}

// lookupRaw returns the compacted JSON text of fields[key]. The returned
// string does not alias the response buffer.
func lookupRaw(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok || len(raw) == 0 {
		return "", false
	}

	var out bytes.Buffer
	if err := json.Compact(&out, raw); err != nil {
		return "", false
	}
	return out.String(), true
}

// outcomeToken unquotes a JSON string outcome for the metrics breakdown.
func outcomeToken(raw string) string {
	var s string
	if json.Unmarshal([]byte(raw), &s) != nil {
		return raw
	}
	return s
}
