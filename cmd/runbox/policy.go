package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/policy"
)

var (
	policyConfigPath string
	policyFilePath   string
	checkWorkDir     string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the active policy",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <command> [args...]",
	Short: "Evaluate one command against the active policy",
	Long: `Check evaluates the given command exactly as the validator would during a
run. Exits 0 when the command is allowed and 3 when it is denied.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPolicy(cmd)
		if err != nil {
			return err
		}
		verdict := store.Evaluate(domain.Operation{Command: args, WorkingDir: checkWorkDir})
		if !verdict.Allowed {
			fmt.Printf("denied: %s\n", verdict.Reason)
			os.Exit(exitAborted)
		}
		fmt.Printf("allowed by rule %q\n", verdict.Rule.Name)
		return nil
	},
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active rules and the policy revision",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openPolicy(cmd)
		if err != nil {
			return err
		}
		fmt.Printf("revision: %s\n", store.Revision())
		for _, rule := range store.Rules() {
			fmt.Printf("rule %q:\n", rule.Name)
			fmt.Printf("  executables: %v\n", rule.Executables)
			if len(rule.DeniedPathPrefixes) > 0 {
				fmt.Printf("  denied paths: %v\n", rule.DeniedPathPrefixes)
			}
			fmt.Printf("  network: %t\n", rule.Network)
		}
		return nil
	},
}

func init() {
	policyCmd.PersistentFlags().StringVar(&policyConfigPath, "config", "", "path to config file")
	policyCmd.PersistentFlags().StringVar(&policyFilePath, "policy", "", "path to policy file (overrides config)")
	policyCheckCmd.Flags().StringVar(&checkWorkDir, "dir", "", "working directory the command would run in")
	policyCmd.AddCommand(policyCheckCmd, policyShowCmd)
}

func openPolicy(cmd *cobra.Command) (*policy.Store, error) {
	cfg, err := loadConfig(cmd, policyConfigPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log)
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, err
	}
	return loadPolicy(cfg, ws, policyFilePath, logger)
}
