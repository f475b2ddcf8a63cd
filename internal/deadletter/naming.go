// internal/deadletter/naming.go
package deadletter

import (
	"fmt"
	"sync/atomic"
	"time"
)

// File name layout
// ------------------------------------------------------------
//
//	<unix>_<run>_<seq>.jsonl.gz
//
// e.g. 1764721594_0b5e2f6c-3c1d-4f7e-9a51-2d9f8e4b7a10_000001.jsonl.gz
//
// Names sort by creation time, and the run id ties a file back to the
// log lines of the run that produced it.
var seq uint64

// nextSeq wraps at 1e6; together with the timestamp and run id that
// keeps names unique without growing them.
func nextSeq() uint64 {
	return atomic.AddUint64(&seq, 1) % 1_000_000
}

// NewFilename returns a fresh dead-letter file name for runID.
func NewFilename(runID string, now time.Time) string {
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", now.Unix(), runID, nextSeq())
}

// BuildS3Key places filename under a date/hour partition (UTC):
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
func BuildS3Key(prefix, filename string, now time.Time) string {
	now = now.UTC()
	key := fmt.Sprintf("dt=%s/hr=%s/%s", now.Format("2006-01-02"), now.Format("15"), filename)
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
