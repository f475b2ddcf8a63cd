package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"json-upsert/internal/config"
	"json-upsert/internal/deadletter"
	"json-upsert/internal/extract"
	"json-upsert/internal/input"
	"json-upsert/internal/logger"
	"json-upsert/internal/metrics"
	"json-upsert/internal/server"
	"json-upsert/internal/upsert"
	"json-upsert/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// run wires one upsert run from cfg and blocks until it ends.
func run(ctx context.Context, cfg config.Config, stdin io.Reader, stdout, stderr io.Writer) error {
	logger.Init(cfg, stderr)
	m := metrics.New()

	ex, err := extract.New(cfg.BaseURL, extract.Mode(cfg.Mode), cfg.IDField, cfg.BodyField)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrUsage, err)
	}

	// ------------------------------------------------------------
	// upserter
	// ------------------------------------------------------------
	var up worker.Upserter
	if cfg.DryRun {
		up = upsert.DryRun{}
	} else {
		up = upsert.NewExecutor(nil, m, upsert.Options{
			Timeout: cfg.Timeout,
			Retries: cfg.Retries,
			Backoff: cfg.RetryWait,
			RPS:     cfg.RPS,
		})
	}

	// ------------------------------------------------------------
	// metrics listener (optional)
	// ------------------------------------------------------------
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if err := m.Register(reg); err != nil {
			return err
		}

		srv, err := server.Start(cfg.MetricsAddr, server.NewHandler(m, reg).Routes())
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	// ------------------------------------------------------------
	// dispatcher
	// ------------------------------------------------------------
	opts := worker.Options{
		Workers:          cfg.Workers,
		Policy:           worker.Policy(cfg.OnError),
		LineNumbers:      cfg.LineNumbers,
		ProgressInterval: cfg.ProgressInterval,
	}

	var dead *deadletter.Writer
	if cfg.DeadLetterDir != "" {
		dead = deadletter.NewWriter(cfg.DeadLetterDir, cfg.RunID, cfg.DeadLetterMaxBytes, m)
		opts.DeadLetters = dead
	}

	src, err := input.Open(cfg.Input, stdin)
	if err != nil {
		return err
	}
	defer src.Close()

	log.Info().
		Str("base", cfg.BaseURL).
		Str("mode", cfg.Mode).
		Int("workers", cfg.Workers).
		Str("on_error", cfg.OnError).
		Bool("dry_run", cfg.DryRun).
		Msg("run started")

	runErr := worker.NewDispatcher(ex, up, stdout, m, opts).Run(ctx, src)

	if dead != nil {
		if err := finishDeadLetters(ctx, cfg, dead, m); err != nil {
			return errors.Join(runErr, err)
		}
	}

	return runErr
}

// finishDeadLetters closes the dead-letter file and, when a bucket is
// configured, ships it. Shipping still happens after an interrupted run.
func finishDeadLetters(ctx context.Context, cfg config.Config, dead *deadletter.Writer, m *metrics.Metrics) error {
	if err := dead.Close(); err != nil {
		return err
	}
	if dead.Path() == "" {
		return nil
	}

	log.Warn().
		Str("file", dead.Path()).
		Int64("records", dead.Count()).
		Int64("dropped", dead.Dropped()).
		Msg("rejected records written to dead-letter file")

	if cfg.DeadLetterBucket == "" {
		return nil
	}

	sctx := context.WithoutCancel(ctx)
	client, err := deadletter.NewS3Client(sctx, cfg.AWSRegion)
	if err != nil {
		return err
	}

	shipper := deadletter.NewShipper(client, cfg.DeadLetterBucket, cfg.DeadLetterPrefix, cfg.S3Timeout, cfg.S3Retries, m)
	key, err := shipper.Ship(sctx, dead.Path())
	if err != nil {
		return err
	}

	log.Info().
		Str("bucket", cfg.DeadLetterBucket).
		Str("key", key).
		Msg("dead-letter file shipped")

	return nil
}
