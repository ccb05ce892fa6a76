package main

import (
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley relays two call legs and translates each side for the other",
		Long: "parley accepts a caller and an agent over websockets, recognises what each side says, " +
			"translates it into the other side's language, and speaks the translation into the peer's call.",
		SilenceUsage: true,
		Version:      version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newBoardCmd(&configPath),
		newValidateCmd(&configPath),
		newProvidersCmd(),
	)
	return rootCmd
}
