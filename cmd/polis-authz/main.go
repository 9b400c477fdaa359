// Package main is the entry point for the polis-authz binary.
// It evaluates authorization requests from the command line and serves the
// decision API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultLogLevel = "info"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-authz
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-authz",
		Short: "Authorization decisions backed by Rego policy",
		Long: `polis-authz answers "can subject do action on object" questions against a
model (YAML) and a policy (CSV rows), evaluated by an embedded OPA engine.

Examples:
  polis-authz check --model model.yaml --policy policy.csv cat,walk,ground
  polis-authz check --model model.yaml --policy policy.csv --any cat,swim,water fish,swim,water
  polis-authz serve --config polis-authz.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human readable logs instead of JSON")

	rootCmd.AddCommand(newCheckCmd(), newSubjectsCmd(), newServeCmd())
	return rootCmd
}
