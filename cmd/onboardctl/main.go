package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "onboardctl",
		Short: "Operator tooling for the agent onboarding service",
		Long: `onboardctl runs database migrations, re-sends contract emails, purges
expired review tokens and reconciles signatures whose status advance did not land.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(resendCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(devTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
