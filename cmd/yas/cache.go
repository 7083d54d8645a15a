package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the persistent fetch cache",
}

var cachePathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the cache directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := initShared(cmd.Context())
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		ws, err := sc.Workspace()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), ws.CacheDir())
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached response",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sc, err := initShared(cmd.Context())
		if err != nil {
			return err
		}
		defer sc.Cleanup()

		ws, err := sc.Workspace()
		if err != nil {
			return err
		}
		if err := ws.CleanCache(); err != nil {
			return fmt.Errorf("clearing cache: %w", err)
		}
		sc.Logger.Info("cache cleared", slog.String("path", ws.CacheDir()))
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cachePathCmd, cacheClearCmd)
}
