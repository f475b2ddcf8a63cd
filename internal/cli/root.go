// Package cli is the command-line surface: argument handling, exit codes
// and wiring of the run.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"json-upsert/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Exit codes.
const (
	ExitOK         = 0
	ExitUsage      = 1
	ExitFatal      = 2
	ExitUnexpected = 99
)

// runError marks a failure of the run itself, as opposed to the command
// line around it.
type runError struct{ err error }

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

// Execute runs the command with the process arguments and returns the
// exit code. SIGINT/SIGTERM cancel the run; a second signal kills the
// process the default way.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		stop()
	}()

	prog := filepath.Base(os.Args[0])
	return Run(ctx, prog, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}

// Run is Execute with explicit streams.
func Run(ctx context.Context, prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	v := config.NewViper()
	cmd := NewRootCmd(prog, v, stdin, stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)

	var re *runError
	switch {
	case err == nil:
		return ExitOK

	case errors.Is(err, config.ErrUsage):
		fmt.Fprintf(stderr, "%s: %v\n", prog, err)
		fmt.Fprint(stdout, usage(prog))
		return ExitUsage

	case errors.As(err, &re):
		if errors.Is(err, context.Canceled) {
			log.Error().Msg("run interrupted")
		} else {
			log.Error().Err(err).Msg("run aborted")
		}
		return ExitFatal

	default:
		fmt.Fprintf(stderr, "%s: %v\n", prog, err)
		return ExitUnexpected
	}
}

func usage(prog string) string {
	return fmt.Sprintf("usage: %s URL\n   eg: %s localhost:9200/cve/_doc\n", prog, prog)
}

// NewRootCmd builds the single command. Flags are bound to v so that
// UPSERT_* environment variables fill whatever the command line leaves
// unset.
func NewRootCmd(prog string, v *viper.Viper, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   prog + " URL",
		Short: "Upsert newline-delimited JSON records into a document store over HTTP",
		Long: `Reads one JSON record per line and sends one PUT or POST per record to URL,
printing "<id>: <outcome>" for every record the store accepted.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: expected one URL argument, got %d", config.ErrUsage, len(args))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}

			cfg, err := config.Load(v, args[0])
			if err != nil {
				return err
			}

			if err := run(cmd.Context(), cfg, stdin, stdout, stderr); err != nil {
				return &runError{err: err}
			}
			return nil
		},
	}

	config.BindFlags(cmd.Flags())

	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", config.ErrUsage, err)
	})
	cmd.SetUsageFunc(func(c *cobra.Command) error {
		fmt.Fprint(c.OutOrStdout(), usage(prog))
		fmt.Fprintf(c.OutOrStdout(), "\nFlags:\n%s", c.LocalFlags().FlagUsages())
		return nil
	})
	cmd.SetHelpFunc(func(c *cobra.Command, _ []string) {
		fmt.Fprintf(c.OutOrStdout(), "%s\n\n", c.Long)
		_ = c.Usage()
	})

	return cmd
}
