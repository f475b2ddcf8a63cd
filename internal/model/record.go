// internal/model/record.go
package model

// Job
// ------------------------------------------------------------
// One unit of work produced from a single input line.
// Extractor → Dispatcher → Executor, then discarded.
//
// Target is rebuilt from the immutable base URL for every record,
// so nothing carries over from one Job to the next.
type Job struct {
	Line    int    // 1-based input line number
	Verb    string // http.MethodPut or http.MethodPost
	Target  string // base URL, optionally followed by "/<escaped id>"
	Payload any    // value sent as the request body
	Raw     []byte // original line, kept for diagnostics and dead letters
}

// Result
// ------------------------------------------------------------
// Summary of the store's answer to one Job.
//
// ID and Outcome hold the JSON text returned by the store
// (e.g. `"42"` and `"updated"`), not locally computed values.
type Result struct {
	Line    int
	ID      string
	Outcome string
	Status  int

	// Preview replaces the rendered line in dry-run mode ("PUT http://...").
	Preview string
}

// Render returns the output line for r without a trailing newline.
func (r Result) Render() string {
	if r.Preview != "" {
		return r.Preview
	}
	return r.ID + ": " + r.Outcome
}
