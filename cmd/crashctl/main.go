package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	config "github.com/avvvet/crash-services/configs"
)

var rootCmd = &cobra.Command{
	Use:   "crashctl",
	Short: "Operator and auditor tool for the crash game",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.LoadEnv("crashctl")
	},
}

func main() {
	rootCmd.AddCommand(
		VerifyCmd(),
		SnapshotCmd(),
		OutboxCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
