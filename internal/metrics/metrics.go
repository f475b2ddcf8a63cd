package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics is the set of counters describing one run.
//
// All fields are updated with sync/atomic and may be read at any time by
// the progress logger or the /metrics listener while the run is going.
type Metrics struct {
	// ======================
	// Input
	// ======================

	// LinesReadTotal
	// - every line taken from the input stream, empty or not.
	LinesReadTotal int64

	// LinesEmptyTotal
	// - lines that were zero-length after the separator was trimmed.
	// - these never produce a request or an output line.
	LinesEmptyTotal int64

	// ======================
	// Store requests
	// ======================

	// RequestsTotal
	// - HTTP attempts sent to the store, retries included.
	RequestsTotal int64

	// RetriesTotal
	// - attempts repeated after a transport error or a 429/5xx answer.
	// - stays 0 unless --retries is set.
	RetriesTotal int64

	// TransportErrorsTotal
	// - attempts that failed below HTTP (refused, DNS, reset).
	TransportErrorsTotal int64

	// RequestNanosTotal
	// - summed wall time of all attempts; divided by RequestsTotal it
	//   gives the mean request latency.
	RequestNanosTotal int64

	// ======================
	// Outcomes
	// ======================

	// OutcomeCreatedTotal / OutcomeUpdatedTotal
	// - records whose result token was "created" / "updated".
	OutcomeCreatedTotal int64
	OutcomeUpdatedTotal int64

	// OutcomeOtherTotal
	// - any other token the store reported ("noop", "deleted", ...).
	OutcomeOtherTotal int64

	// RecordsRejectedTotal
	// - records skipped under --on-error=skip (bad JSON, unusable answer).
	RecordsRejectedTotal int64

	// ======================
	// Dead letters
	// ======================

	// DeadLetterWrittenTotal
	// - rejected records persisted to the dead-letter file.
	DeadLetterWrittenTotal int64

	// DeadLetterDroppedTotal
	// - rejected records not persisted because the file hit its size cap.
	// - non-zero means data was lost for good.
	DeadLetterDroppedTotal int64

	// DeadLetterShippedTotal
	// - dead-letter files uploaded to S3.
	DeadLetterShippedTotal int64
}

func New() *Metrics {
	return &Metrics{}
}

// Processed returns the number of records that reached a final state.
func (m *Metrics) Processed() int64 {
	return atomic.LoadInt64(&m.OutcomeCreatedTotal) +
		atomic.LoadInt64(&m.OutcomeUpdatedTotal) +
		atomic.LoadInt64(&m.OutcomeOtherTotal) +
		atomic.LoadInt64(&m.RecordsRejectedTotal)
}

// AddOutcome counts one store result token.
func (m *Metrics) AddOutcome(token string) {
	switch token {
	case "created":
		atomic.AddInt64(&m.OutcomeCreatedTotal, 1)
	case "updated":
		atomic.AddInt64(&m.OutcomeUpdatedTotal, 1)
	default:
		atomic.AddInt64(&m.OutcomeOtherTotal, 1)
	}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(256)

	for _, c := range m.counters() {
		fmt.Fprintf(&sb, "%s=%d\n", c.name, atomic.LoadInt64(c.value))
	}

	return sb.String()
}

type counter struct {
	name  string
	help  string
	value *int64
}

// counters lists every exported counter once; String and the Prometheus
// collectors both read from it.
func (m *Metrics) counters() []counter {
	return []counter{
		{"lines_read_total", "Input lines read.", &m.LinesReadTotal},
		{"lines_empty_total", "Empty input lines skipped.", &m.LinesEmptyTotal},
		{"requests_total", "HTTP attempts sent to the store.", &m.RequestsTotal},
		{"retries_total", "HTTP attempts repeated after a retryable failure.", &m.RetriesTotal},
		{"transport_errors_total", "HTTP attempts that failed below the HTTP layer.", &m.TransportErrorsTotal},
		{"request_duration_nanoseconds_total", "Summed request wall time in nanoseconds.", &m.RequestNanosTotal},
		{"outcome_created_total", "Records the store reported as created.", &m.OutcomeCreatedTotal},
		{"outcome_updated_total", "Records the store reported as updated.", &m.OutcomeUpdatedTotal},
		{"outcome_other_total", "Records with any other result token.", &m.OutcomeOtherTotal},
		{"records_rejected_total", "Records skipped under the skip policy.", &m.RecordsRejectedTotal},
		{"dead_letter_written_total", "Rejected records written to the dead-letter file.", &m.DeadLetterWrittenTotal},
		{"dead_letter_dropped_total", "Rejected records dropped because the dead-letter file was full.", &m.DeadLetterDroppedTotal},
		{"dead_letter_shipped_total", "Dead-letter files uploaded to S3.", &m.DeadLetterShippedTotal},
	}
}
