package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arzzra/rtap_phone/pkg/scenario"
)

var validateCmd = &cobra.Command{
	Use:   "validate <scenario.yaml>",
	Short: "Check a scenario file without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, err := scenario.Load(args[0])
		if err != nil {
			return err
		}
		steps := 0
		for _, l := range sc.Lines {
			steps += len(l.Steps)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d lines, %d steps\n", args[0], len(sc.Lines), steps)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rtap_phone %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd, versionCmd)
}
