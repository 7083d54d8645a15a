package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/yas/internal/session"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive Starlark prompt with the sandbox capabilities",
	Long: `Start an interactive prompt that evaluates Starlark with the same
predeclared modules and capability grants a fetched tool receives.
load() statements resolve against the base URL.`,
	Args: cobra.NoArgs,
	RunE: runREPL,
}

func runREPL(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	s, err := session.New(ctx, nil, sc.Env, sc.sessionOptions(cmd))
	if err != nil {
		return err
	}
	return s.REPL(ctx)
}
