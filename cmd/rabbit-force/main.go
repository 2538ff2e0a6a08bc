// Command rabbit-force bridges Salesforce Streaming API events to
// RabbitMQ brokers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rabbitforce/rabbit-force/internal/apperrors"
	"github.com/rabbitforce/rabbit-force/internal/config"
	"github.com/rabbitforce/rabbit-force/internal/logger"
	"github.com/rabbitforce/rabbit-force/internal/pipeline"
)

var version = "dev"

const (
	exitOK          = 0
	exitConfigError = 1
	exitFatal       = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		ignoreReplayStorageErrors bool
		ignoreSinkErrors          bool
		sourceConnectionTimeout   int
		verbosity                 int
		showTrace                 bool
		listenAddr                string
	)

	interrupted := false

	rootCmd := &cobra.Command{
		Use:           "rabbit-force CONFIG_FILE",
		Short:         "Salesforce Streaming API to RabbitMQ message bridge",
		Long: "rabbit-force subscribes to the streaming resources of one or more " +
			"Salesforce orgs and forwards their notifications to RabbitMQ brokers, " +
			"routed by JSONPath rules.",
		Version:       version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkVerbosity(verbosity); err != nil {
				return err
			}
			logger.Init(verbosity)
			log := logger.Logger

			if err := godotenv.Load(); err != nil {
				log.Debug().Msg("no .env file found, using environment variables")
			}

			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			app := pipeline.New(cfg, pipeline.Options{
				IgnoreReplayStorageErrors: ignoreReplayStorageErrors,
				IgnoreSinkErrors:          ignoreSinkErrors,
				SourceConnectionTimeout:   time.Duration(sourceConnectionTimeout) * time.Second,
				ListenAddr:                listenAddr,
			}, log)

			err = app.Run(ctx)
			if ctx.Err() != nil {
				interrupted = true
				log.Info().Msg("interrupted, shut down cleanly")
				return nil
			}
			return err
		},
	}

	flags := rootCmd.Flags()
	flags.BoolVar(&ignoreReplayStorageErrors, "ignore-replay-storage-errors", false,
		"degrade replay storage failures to warnings instead of terminating")
	flags.BoolVar(&ignoreSinkErrors, "ignore-sink-errors", false,
		"drop messages whose publish keeps failing instead of terminating")
	flags.IntVar(&sourceConnectionTimeout, "source-connection-timeout", 10,
		"seconds to keep retrying a failed streaming connection, 0 retries forever")
	flags.IntVarP(&verbosity, "verbosity", "v", 1,
		"log verbosity between 1 and 3 (1 info, 2 debug, 3 trace)")
	flags.BoolVarP(&showTrace, "show-trace", "t", false,
		"show the full error chain on failure")
	flags.StringVar(&listenAddr, "listen-addr", "",
		"bind address of the health and metrics endpoint, empty disables it")

	err := rootCmd.Execute()
	if err != nil {
		if showTrace {
			fmt.Fprintf(os.Stderr, "Error: %+v\n", errorChain(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	return exitCode(err, interrupted)
}

// exitCode maps the command result to the process exit status. Any
// failure before the bridge started forwarding exits with the
// configuration-error code, as does everything the configuration itself
// caused; only runtime failures of a running bridge exit with the fatal
// code.
func exitCode(err error, interrupted bool) int {
	switch {
	case err == nil && interrupted:
		return exitInterrupted
	case err == nil:
		return exitOK
	case pipeline.IsStartupFailure(err):
		return exitConfigError
	}

	// Flag and argument errors from the command line parser carry no
	// error code and count as configuration errors too.
	if code := apperrors.CodeOf(err); code == apperrors.CodeConfiguration || code == "" {
		return exitConfigError
	}
	return exitFatal
}

func checkVerbosity(v int) error {
	if v < 1 || v > 3 {
		return apperrors.NewConfiguration(fmt.Sprintf(
			"verbosity must be between 1 and 3, got %d", v))
	}
	return nil
}

// errorChain renders every error in the wrap chain, outermost first.
func errorChain(err error) string {
	chain := err.Error()
	for unwrapped := errors.Unwrap(err); unwrapped != nil; unwrapped = errors.Unwrap(unwrapped) {
		chain += "\n  caused by: " + unwrapped.Error()
	}
	return chain
}
