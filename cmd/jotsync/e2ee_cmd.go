package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jotsync/jotsync/internal/client"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newE2EECmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "e2ee",
		Short: "Manage end-to-end encryption of the sync target",
		Long: `Manage end-to-end encryption of the sync target. The master password is
read from JOTSYNC_MASTER_PASSWORD; enable prompts for one when it is unset
and stdin is a terminal.`,
	}

	enable := &cobra.Command{
		Use:   "enable",
		Short: "Create a master key and encrypt everything uploaded from now on",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			password := c.Config().MasterPassword
			if password == "" {
				if !isatty.IsTerminal(os.Stdin.Fd()) {
					return errors.New("set JOTSYNC_MASTER_PASSWORD to the master password")
				}
				var err error
				if password, err = promptPassword("Choose a master password", true); err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("remember to set JOTSYNC_MASTER_PASSWORD on every client"))
			}
			mk, err := c.EnableE2EE(cmd.Context(), password)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s master key %s\n", okStyle.Render("encryption enabled:"), mk.ID)
			fmt.Fprintln(out, mutedStyle.Render("run `jotsync sync` to re-upload every item encrypted"))
			return nil
		}),
	}

	disable := &cobra.Command{
		Use:   "disable",
		Short: "Stop encrypting; the next sync re-uploads every item in plain text",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			if err := c.DisableE2EE(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("encryption disabled"))
			return nil
		}),
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the target is encrypted and whether this client can read it",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			st, err := c.E2EEStatus(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printField(out, "enabled", st.Enabled)
			if st.ActiveMasterKeyID != "" {
				printField(out, "active master key", st.ActiveMasterKeyID)
				unlocked := okStyle.Render("yes")
				if !st.Unlocked {
					unlocked = errStyle.Render("no, check JOTSYNC_MASTER_PASSWORD")
				}
				printField(out, "unlocked", unlocked)
			}
			printField(out, "master keys", len(st.MasterKeys))
			return nil
		}),
	}

	cmd.AddCommand(enable, disable, status)
	return cmd
}
