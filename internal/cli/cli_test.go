package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, stdin string, args ...string) result {
	t.Helper()

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), "json-upsert", args, strings.NewReader(stdin), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// newStore mimics the store: {"_id": <last path segment or "auto">, "result": ...}.
func newStore(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()

	var mu sync.Mutex
	var reqs []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, r.Method+" "+r.URL.Path+" "+string(body))
		mu.Unlock()

		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"_id":"auto","result":"created"}`)
			return
		}
		fmt.Fprintf(w, `{"_id":%q,"result":"updated"}`, path.Base(r.URL.Path))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), reqs...)
	}
}

func TestUsage(t *testing.T) {
	want := "usage: json-upsert URL\n   eg: json-upsert localhost:9200/cve/_doc\n"

	for name, args := range map[string][]string{
		"no args":      nil,
		"two args":     {"a", "b"},
		"unknown flag": {"--nope", "localhost:9200/x"},
		"bad flag":     {"--workers", "many", "localhost:9200/x"},
		"bad url":      {"ftp://host/x"},
		"bad mode":     {"--mode", "bulk", "localhost:9200/x"},
	} {
		t.Run(name, func(t *testing.T) {
			res := runCLI(t, "", args...)
			assert.Equal(t, ExitUsage, res.code)
			assert.Equal(t, want, res.stdout)
			assert.NotEmpty(t, res.stderr)
		})
	}
}

func TestHelp(t *testing.T) {
	res := runCLI(t, "", "--help")
	assert.Equal(t, ExitOK, res.code)
	assert.Contains(t, res.stdout, "usage: json-upsert URL")
	assert.Contains(t, res.stdout, "--on-error")
}

func TestRunEmbedded(t *testing.T) {
	srv, reqs := newStore(t)

	res := runCLI(t, "{\"id\":\"42\",\"name\":\"x\"}\n\n{\"name\":\"y\"}\n", srv.URL+"/idx/_doc/")
	require.Equal(t, ExitOK, res.code, res.stderr)

	assert.Equal(t, "\"42\": \"updated\"\n\"_doc\": \"updated\"\n", res.stdout)
	assert.Equal(t, []string{
		`PUT /idx/_doc/42 {"name":"x"}`,
		`PUT /idx/_doc {"name":"y"}`,
	}, reqs())
	assert.NotContains(t, res.stdout, "run started", "logs never reach stdout")
	assert.Contains(t, res.stderr, "run finished")
}

func TestRunEnvelope(t *testing.T) {
	srv, reqs := newStore(t)

	res := runCLI(t,
		"{\"_id\":\"7\",\"_source\":{\"k\":1}}\n{\"_source\":{\"k\":1}}\n",
		"--mode", "envelope", srv.URL+"/idx/_doc",
	)
	require.Equal(t, ExitOK, res.code, res.stderr)

	assert.Equal(t, "\"7\": \"updated\"\n\"auto\": \"created\"\n", res.stdout)
	assert.Equal(t, []string{
		`PUT /idx/_doc/7 {"k":1}`,
		`POST /idx/_doc {"k":1}`,
	}, reqs())
}

func TestRunAbortsOnMalformedLine(t *testing.T) {
	srv, reqs := newStore(t)

	res := runCLI(t, "{\"id\":\"1\"}\n{oops\n{\"id\":\"3\"}\n", srv.URL+"/idx/_doc")

	assert.Equal(t, ExitFatal, res.code)
	assert.Equal(t, "\"1\": \"updated\"\n", res.stdout)
	assert.Len(t, reqs(), 1)
	assert.Contains(t, res.stderr, "line 2")
}

func TestRunSkipWithDeadLetters(t *testing.T) {
	srv, _ := newStore(t)
	dir := t.TempDir()

	res := runCLI(t,
		"{\"id\":\"1\"}\n{oops\n{\"id\":\"3\"}\n",
		"--on-error", "skip", "--dead-letter-dir", dir, "--line-numbers", srv.URL+"/idx/_doc",
	)
	require.Equal(t, ExitOK, res.code, res.stderr)

	assert.Equal(t, "1\t\"1\": \"updated\"\n3\t\"3\": \"updated\"\n", res.stdout)

	data, err := filepath.Glob(filepath.Join(dir, "*.jsonl.gz"))
	require.NoError(t, err)
	assert.Len(t, data, 1)

	_, err = os.Stat(data[0] + ".meta.json")
	assert.NoError(t, err)
}

func TestRunTransportErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := runCLI(t, "{\"id\":\"1\"}\n", "--on-error", "skip", url+"/idx/_doc")
	assert.Equal(t, ExitFatal, res.code)
	assert.Empty(t, res.stdout)
}

func TestRunDryRun(t *testing.T) {
	res := runCLI(t, "{\"id\":\"42\"}\n", "--dry-run", "localhost:9200/idx/_doc")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Equal(t, "PUT http://localhost:9200/idx/_doc/42\n", res.stdout)
}

func TestRunInputFile(t *testing.T) {
	srv, _ := newStore(t)
	in := filepath.Join(t.TempDir(), "in.ndjson")
	require.NoError(t, os.WriteFile(in, []byte("{\"id\":\"9\"}\n"), 0o600))

	res := runCLI(t, "", "--input", in, srv.URL+"/idx/_doc")
	require.Equal(t, ExitOK, res.code, res.stderr)
	assert.Equal(t, "\"9\": \"updated\"\n", res.stdout)

	res = runCLI(t, "", "--input", in+".missing", srv.URL+"/idx/_doc")
	assert.Equal(t, ExitFatal, res.code)
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout, stderr bytes.Buffer
	code := Run(ctx, "json-upsert", []string{"localhost:9200/idx/_doc"}, strings.NewReader("{\"id\":\"1\"}\n"), &stdout, &stderr)

	assert.Equal(t, ExitFatal, code)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "interrupted")
}
