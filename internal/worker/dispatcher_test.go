package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"json-upsert/internal/extract"
	"json-upsert/internal/input"
	"json-upsert/internal/metrics"
	"json-upsert/internal/model"
	"json-upsert/internal/upsert"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = "http://store.test/idx/_doc"

func source(t *testing.T, lines ...string) Source {
	t.Helper()
	lr, err := input.NewLineReader(strings.NewReader(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	return lr
}

func embedded(t *testing.T, base string) *extract.Extractor {
	t.Helper()
	e, err := extract.New(base, extract.ModeEmbedded, "id", "")
	require.NoError(t, err)
	return e
}

// fakeStore answers every job with the last path segment as id.
type fakeStore struct {
	calls int64
	fail  map[string]error
}

func (f *fakeStore) Execute(ctx context.Context, job model.Job) (model.Result, error) {
	atomic.AddInt64(&f.calls, 1)
	if err := ctx.Err(); err != nil {
		return model.Result{}, err
	}

	id := path.Base(job.Target)
	if err, ok := f.fail[id]; ok {
		return model.Result{}, err
	}
	return model.Result{Line: job.Line, ID: `"` + id + `"`, Outcome: `"created"`}, nil
}

type memDeadLetters struct {
	mu      sync.Mutex
	entries map[int]string
}

func (m *memDeadLetters) Write(line int, raw []byte, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[int]string{}
	}
	m.entries[line] = string(raw)
	return nil
}

func TestRunEndToEnd(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path+" "+string(body))
		mu.Unlock()

		id := path.Base(r.URL.Path)
		fmt.Fprintf(w, `{"_index":"idx","_id":%q,"_version":1,"result":"updated"}`, id)
	}))
	defer srv.Close()

	m := metrics.New()
	var out bytes.Buffer
	d := NewDispatcher(
		embedded(t, srv.URL+"/idx/_doc"),
		upsert.NewExecutor(srv.Client(), m, upsert.Options{}),
		&out, m, Options{Workers: 1},
	)

	err := d.Run(context.Background(), source(t, `{"id":"42","name":"x"}`, ``, `{"id":"7","k":1}`))
	require.NoError(t, err)

	assert.Equal(t, "\"42\": \"updated\"\n\"7\": \"updated\"\n", out.String())
	assert.Equal(t, []string{
		`PUT /idx/_doc/42 {"name":"x"}`,
		`PUT /idx/_doc/7 {"k":1}`,
	}, seen)

	assert.Equal(t, int64(3), m.LinesReadTotal)
	assert.Equal(t, int64(1), m.LinesEmptyTotal)
	assert.Equal(t, int64(2), m.RequestsTotal)
	assert.Equal(t, int64(2), m.OutcomeUpdatedTotal)
}

func TestRunEmptyLinesOnly(t *testing.T) {
	store := &fakeStore{}
	var out bytes.Buffer
	d := NewDispatcher(embedded(t, base), store, &out, nil, Options{})

	require.NoError(t, d.Run(context.Background(), source(t, "", "", "")))
	assert.Empty(t, out.String())
	assert.Zero(t, store.calls)
}

func TestRunAbortOnParseError(t *testing.T) {
	store := &fakeStore{}
	var out bytes.Buffer
	d := NewDispatcher(embedded(t, base), store, &out, nil, Options{Workers: 1, Policy: PolicyAbort})

	err := d.Run(context.Background(), source(t, `{"id":"1"}`, `{"id":`, `{"id":"3"}`))
	require.ErrorIs(t, err, extract.ErrParse)

	var re *RecordError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 2, re.Line)

	assert.Equal(t, "\"1\": \"created\"\n", out.String(), "nothing after the failing line")
	assert.Equal(t, int64(1), store.calls)
}

func TestRunAbortOnResponseError(t *testing.T) {
	store := &fakeStore{fail: map[string]error{"2": &upsert.ResponseError{Status: 400, Reason: "missing _id"}}}
	var out bytes.Buffer
	d := NewDispatcher(embedded(t, base), store, &out, nil, Options{})

	err := d.Run(context.Background(), source(t, `{"id":"1"}`, `{"id":"2"}`, `{"id":"3"}`))
	require.ErrorIs(t, err, upsert.ErrResponse)
	assert.Equal(t, "\"1\": \"created\"\n", out.String())
}

func TestRunSkip(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			store := &fakeStore{fail: map[string]error{"4": &upsert.ResponseError{Status: 400, Reason: "missing result"}}}
			dead := &memDeadLetters{}
			m := metrics.New()
			var out bytes.Buffer

			d := NewDispatcher(embedded(t, base), store, &out, m, Options{
				Workers:     workers,
				Policy:      PolicySkip,
				DeadLetters: dead,
			})

			err := d.Run(context.Background(), source(t,
				`{"id":"1"}`,
				`not json`,
				`{"id":"3"}`,
				`{"id":"4"}`,
			))
			require.NoError(t, err)

			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			sort.Strings(lines)
			assert.Equal(t, []string{`"1": "created"`, `"3": "created"`}, lines)

			assert.Equal(t, map[int]string{2: `not json`, 4: `{"id":"4"}`}, dead.entries)
			assert.Equal(t, int64(2), m.RecordsRejectedTotal)
		})
	}
}

func TestRunTransportErrorIsFatalUnderSkip(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			store := &fakeStore{fail: map[string]error{"2": fmt.Errorf("%w: connection refused", upsert.ErrTransport)}}
			var out bytes.Buffer
			d := NewDispatcher(embedded(t, base), store, &out, nil, Options{Workers: workers, Policy: PolicySkip})

			err := d.Run(context.Background(), source(t, `{"id":"1"}`, `{"id":"2"}`, `{"id":"3"}`))
			require.ErrorIs(t, err, upsert.ErrTransport)
		})
	}
}

func TestRunConcurrent(t *testing.T) {
	const n = 200

	lines := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		lines = append(lines, fmt.Sprintf(`{"id":"%d","v":%d}`, i, i))
	}

	store := &fakeStore{}
	var out bytes.Buffer
	d := NewDispatcher(embedded(t, base), store, &out, nil, Options{Workers: 8, LineNumbers: true})

	require.NoError(t, d.Run(context.Background(), source(t, lines...)))

	got := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, got, n)
	assert.Equal(t, int64(n), store.calls, "every record is attempted exactly once")

	seen := make(map[string]bool, n)
	for _, l := range got {
		var lineNo int
		var id string
		_, err := fmt.Sscanf(l, "%d\t%s", &lineNo, &id)
		require.NoError(t, err, l)

		// the record on input line k has id "k"
		var s string
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(id, ":")), &s))
		assert.Equal(t, fmt.Sprint(lineNo), s)
		assert.False(t, seen[s], "duplicate result for %s", s)
		seen[s] = true
	}
}

func TestRunCanceled(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			store := &fakeStore{}
			var out bytes.Buffer
			d := NewDispatcher(embedded(t, base), store, &out, nil, Options{Workers: workers})

			err := d.Run(ctx, source(t, `{"id":"1"}`, `{"id":"2"}`))
			require.ErrorIs(t, err, context.Canceled)
			assert.Empty(t, out.String())
		})
	}
}

func TestRunLineNumbersSequential(t *testing.T) {
	var out bytes.Buffer
	d := NewDispatcher(embedded(t, base), &fakeStore{}, &out, nil, Options{LineNumbers: true})

	require.NoError(t, d.Run(context.Background(), source(t, ``, `{"id":"a"}`)))
	assert.Equal(t, "2\t\"a\": \"created\"\n", out.String())
}

func TestRunDryRun(t *testing.T) {
	e, err := extract.New(base, extract.ModeEnvelope, "_id", "_source")
	require.NoError(t, err)

	var out bytes.Buffer
	d := NewDispatcher(e, upsert.DryRun{}, &out, nil, Options{})

	require.NoError(t, d.Run(context.Background(), source(t,
		`{"_id":"7","_source":{"k":1}}`,
		`{"_source":{"k":1}}`,
	)))
	assert.Equal(t, "PUT "+base+"/7\nPOST "+base+"\n", out.String())
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(fmt.Errorf("x: %w", extract.ErrParse)))
	assert.True(t, Recoverable(&upsert.ResponseError{Status: 500}))
	assert.False(t, Recoverable(upsert.ErrTransport))
	assert.False(t, Recoverable(context.Canceled))
	assert.False(t, Recoverable(io.ErrUnexpectedEOF))
}
