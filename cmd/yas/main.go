// yas runs small Starlark tools fetched from a base URL.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "yas [flags] <tool> [args...]",
	Short: "yas runs sandboxed Starlark tools fetched by reference.",
	Long: `yas resolves a tool reference against a base URL, fetches the tool through
a persistent HTTP cache, evaluates it in a capability-restricted Starlark
sandbox and reports how long each phase took.

A reference is a bare name ("3"), a relative path ("./math/add") or an
absolute URL, optionally followed by "#entry" to choose the function to call.
Everything after the reference is passed to the tool as args.`,
	Args:          cobra.ArbitraryArgs,
	RunE:          runTool,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	registerGlobalFlags(rootCmd)
	// Flags after the tool reference belong to the tool.
	rootCmd.Flags().SetInterspersed(false)
	rootCmd.AddCommand(replCmd, historyCmd, cacheCmd, doctorCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
