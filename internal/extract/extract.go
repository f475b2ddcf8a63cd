// Package extract turns one NDJSON line into an upsert job: the HTTP verb,
// the target address and the payload to send.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"json-upsert/internal/model"

	json "github.com/goccy/go-json"
	"github.com/ohler55/ojg/jp"
)

// Mode selects how identifier and payload are laid out in a record.
type Mode string

const (
	// ModeEmbedded: the record is the document, its id field is removed
	// and appended to the base URL. Always PUT.
	ModeEmbedded Mode = "embedded"

	// ModeEnvelope: {"_id": ..., "_source": {...}}. PUT to base/<id> when
	// the id is a non-empty string, POST to base otherwise.
	ModeEnvelope Mode = "envelope"
)

var (
	// ErrEmptyLine reports a zero-length line. Callers skip it silently.
	ErrEmptyLine = errors.New("empty line")

	// ErrParse reports a line that is not a JSON object, or an envelope
	// without its body field.
	ErrParse = errors.New("parse error")
)

// Extractor is immutable after New and safe for concurrent use.
type Extractor struct {
	base string
	mode Mode

	idField string
	idPath  jp.Expr

	bodyPath jp.Expr
}

// New builds an Extractor for base, which must already be normalized
// (scheme present, no trailing slash).
func New(base string, mode Mode, idField, bodyField string) (*Extractor, error) {
	e := &Extractor{
		base:    base,
		mode:    mode,
		idField: idField,
	}

	switch mode {
	case ModeEmbedded:
		if idField == "" {
			return nil, errors.New("embedded mode needs an id field")
		}
		// the id is deleted from the record, so it must be a top-level key
		e.idPath = jp.C(idField)

	case ModeEnvelope:
		var err error
		if e.idPath, err = fieldPath(idField); err != nil {
			return nil, fmt.Errorf("id field %q: %w", idField, err)
		}
		if e.bodyPath, err = fieldPath(bodyField); err != nil {
			return nil, fmt.Errorf("body field %q: %w", bodyField, err)
		}

	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	return e, nil
}

// Base returns the normalized base URL.
func (e *Extractor) Base() string {
	return e.base
}

// Extract parses one line (separator already removed) into a Job.
// line is not retained; Job.Raw is a copy.
func (e *Extractor) Extract(lineNo int, line []byte) (model.Job, error) {
	if len(line) == 0 {
		return model.Job{}, ErrEmptyLine
	}

	rec, err := decodeRecord(line)
	if err != nil {
		return model.Job{}, err
	}

	job := model.Job{
		Line: lineNo,
		Raw:  bytes.Clone(line),
	}

	switch e.mode {
	case ModeEmbedded:
		job.Verb = http.MethodPut
		job.Target = e.base
		if id, ok := lookupString(rec, e.idPath); ok {
			delete(rec, e.idField)
			job.Target = e.target(id)
		}
		job.Payload = rec

	case ModeEnvelope:
		body, ok := lookupValue(rec, e.bodyPath)
		if !ok {
			return model.Job{}, fmt.Errorf("%w: no body field", ErrParse)
		}
		job.Payload = body

		if id, ok := lookupString(rec, e.idPath); ok && id != "" {
			job.Verb = http.MethodPut
			job.Target = e.target(id)
		} else {
			job.Verb = http.MethodPost
			job.Target = e.base
		}
	}

	return job, nil
}

// target is built fresh for every record.
func (e *Extractor) target(id string) string {
	return e.base + "/" + url.PathEscape(id)
}

// decodeRecord parses line as a single JSON object. Numbers are kept as
// json.Number so large integers survive the round trip unchanged.
func decodeRecord(line []byte) (map[string]any, error) {
	if !json.Valid(line) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrParse)
	}

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	rec, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: record is not a JSON object", ErrParse)
	}

	return rec, nil
}
