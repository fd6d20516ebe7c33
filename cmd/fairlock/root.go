package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "fairlock",
		Short: "fair distributed mutex",
		Long: fmt.Sprintf(`fairlock (v%s)

A fair, crash-safe distributed mutex built on a coordination service.
Contenders queue in creation order and each one watches only the
contender ahead of it.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: bindFlags,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of fairlock",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fairlock v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.AddCommand(demoCmd)
	RootCmd.AddCommand(holdCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(versionCmd)

	setupFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
