package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/config"
)

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (caller %s, agent %s)\n",
				*configPath, cfg.Legs.Caller.Language, cfg.Legs.Agent.Language)
			return nil
		},
	}
}

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the built-in provider names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			for _, kind := range []string{"stt", "mt", "tts"} {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", kind, strings.Join(reg.Names(kind), " "))
			}
			return nil
		},
	}
}
