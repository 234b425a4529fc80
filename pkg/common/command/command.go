package command

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/bentoml/yatai-image-volume/pkg/common/logger"
)

var GlobalCommandOption = struct {
	Debug bool
	Quiet bool
}{}

type ICommandOption interface {
	Complete(ctx context.Context, args []string, argsLenAtDash int) error
	Validate(ctx context.Context) error
	Run(ctx context.Context, args []string) error
}

func MakeRunE(opt ICommandOption) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if GlobalCommandOption.Debug {
			logger.SetLevel(slog.LevelDebug)
		} else {
			logger.SetLevel(slog.LevelInfo)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		// SIGUSR1 toggles debug logging, SIGINT and SIGTERM cancel the command
		go watchSignals(ctx, cancel)

		argsLenAtDash := cmd.ArgsLenAtDash()

		err := opt.Complete(ctx, args, argsLenAtDash)
		if err != nil {
			err = errors.Wrap(err, "failed to complete")
			return err
		}
		err = opt.Validate(ctx)
		if err != nil {
			err = errors.Wrap(err, "failed to validate")
			return err
		}
		return errors.Wrap(opt.Run(ctx, args), "failed to run")
	}
}

// EnableDebug switches on debug logging after flags have been parsed, for
// settings that come from the environment or a config file.
func EnableDebug() {
	GlobalCommandOption.Debug = true
	logger.SetLevel(slog.LevelDebug)
}

func watchSignals(ctx context.Context, cancel context.CancelFunc) {
	shutdownSigCh := make(chan os.Signal, 1)
	usr1SigCh := make(chan os.Signal, 1)

	signal.Notify(shutdownSigCh, unix.SIGINT, unix.SIGTERM)
	signal.Notify(usr1SigCh, unix.SIGUSR1)
	defer signal.Stop(shutdownSigCh)
	defer signal.Stop(usr1SigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-shutdownSigCh:
			logger.L().Info("Stopping", slog.String("signal", sig.String()))
			cancel()
			return
		case <-usr1SigCh:
			rotateLogLevel()
		}
	}
}

func rotateLogLevel() {
	if logger.Level() == slog.LevelDebug {
		logger.SetLevel(slog.LevelInfo)
	} else {
		logger.SetLevel(slog.LevelDebug)
	}
	logger.L().Info("Log level set to", slog.String("level", logger.Level().String()))
}

type SpinnerWrapper struct {
	spinner *spinner.Spinner
}

func StartSpinner(format string, args ...interface{}) *SpinnerWrapper {
	if !strings.HasPrefix(format, " ") {
		format = " " + format
	}

	if GlobalCommandOption.Quiet {
		return &SpinnerWrapper{}
	}

	s := spinner.New(spinner.CharSets[11], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = fmt.Sprintf(format, args...)
	s.Start()
	return &SpinnerWrapper{
		spinner: s,
	}
}

func (s *SpinnerWrapper) Stop() {
	if s.spinner == nil {
		return
	}
	s.spinner.Stop()
	s.spinner = nil
}
