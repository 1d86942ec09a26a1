// Runbox — clone an untrusted repository, plan how to run it, and execute
// the plan inside a policy-guarded sandbox.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "Runbox — figure out how to install, build, and run any repository, safely.",
	Long: `Runbox clones a repository it has never seen, asks a language model to
propose install/build/run commands, checks every command against a
deny-by-default policy, and executes the approved plan in a sandbox.
Failed plans are retried with the failure fed back to the planner;
successful plans are cached so the next run of the same commit skips
planning entirely.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd, cacheCmd, historyCmd, policyCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
