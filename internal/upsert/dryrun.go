package upsert

import (
	"context"
	"fmt"

	"json-upsert/internal/model"
	"json-upsert/internal/pool"

	"github.com/rs/zerolog/log"
)

// DryRun stands in for the Executor: it encodes the payload and reports
// "<VERB> <target>" without any network traffic.
type DryRun struct{}

func (DryRun) Execute(_ context.Context, job model.Job) (model.Result, error) {
	body := pool.GetBody()
	defer pool.PutBody(body)

	if err := encodePayload(body, job.Payload); err != nil {
		return model.Result{}, fmt.Errorf("encode payload: %w", err)
	}

	log.Debug().
		Int("line", job.Line).
		Str("verb", job.Verb).
		Str("target", job.Target).
		RawJSON("payload", body.Bytes()).
		Msg("dry run")

	return model.Result{
		Line:    job.Line,
		Preview: job.Verb + " " + job.Target,
	}, nil
}
