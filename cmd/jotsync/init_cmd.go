package main

import (
	"fmt"

	"github.com/jotsync/jotsync/internal/utils"
	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the config file from the given flags",
		Long: `Write the config file from the given flags and environment, merged over
any existing config. S3 keys, the server token and the master password are
never written; pass them through JOTSYNC_* environment variables.`,
		Example: "  jotsync init --target filesystem --target-path ~/Dropbox/notes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := utils.EnsureDir(cfg.ProfileDir); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("save config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, okStyle.Render("config written to "+cfg.Path))
			printField(out, "profile", cfg.ProfileDir)
			printField(out, "client id", cfg.ClientID)
			printField(out, "target", cfg.Target.Type)
			return nil
		},
	}
}
