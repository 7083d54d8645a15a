package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/yas/internal/session"
)

func runTool(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	s, err := session.New(ctx, args, sc.Env, sc.sessionOptions(cmd))
	if err != nil {
		return err
	}
	_, runErr := s.Run(ctx)

	if path := sc.metricsFile(); path != "" {
		if err := sc.Obs.MetricsOrNil().WriteFile(path); err != nil {
			sc.Logger.Error("writing metrics file", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	return runErr
}

func (sc *SharedComponents) sessionOptions(cmd *cobra.Command) session.Options {
	opts := session.Options{
		Config:        sc.Config,
		Stdout:        cmd.OutOrStdout(),
		GuestOutput:   os.Stderr,
		Logger:        sc.Logger,
		Observability: sc.Obs,
		UserAgent:     userAgent(),
	}
	// A nil *history.Store must not become a non-nil Recorder.
	if sc.History != nil {
		opts.History = sc.History
	}
	return opts
}
