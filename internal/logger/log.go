// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"json-upsert/internal/config"

	stdlog "log"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// Configures the global zerolog logger once at startup.
//
//  1. Output goes to w (stderr in practice). stdout carries result lines
//     only and must never see a log line.
//
//  2. Format:
//     - LogPretty, or w is a terminal: colored console lines
//     - otherwise: one JSON object per line
//
//  3. Every line carries "service" and "run", so logs of a run can be
//     matched with its dead-letter file.
//
// Usage:
//
//	logger.Init(cfg, os.Stderr)
//	log.Info().Msg("starting")
func Init(cfg config.Config, w io.Writer) {

	// -------------------------------------------------------------------
	// 1) level
	// -------------------------------------------------------------------
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}

	zerolog.SetGlobalLevel(level)

	// -------------------------------------------------------------------
	// 2) console or JSON
	// -------------------------------------------------------------------
	if cfg.LogPretty || isTerminal(w) {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: "15:04:05",
		}
	}

	// -------------------------------------------------------------------
	// 3) common fields
	// -------------------------------------------------------------------
	zlog.Logger = zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("run", cfg.RunID).
		Logger()

	// stdlib log (net/http, AWS SDK fallbacks) goes through zerolog too
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
