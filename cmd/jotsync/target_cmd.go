package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jotsync/jotsync/internal/client"
	"github.com/jotsync/jotsync/internal/config"
	"github.com/jotsync/jotsync/internal/locks"
	"github.com/jotsync/jotsync/internal/migration"
	"github.com/jotsync/jotsync/internal/utils"
	"github.com/spf13/cobra"
)

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the profile and sync target",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			out := cmd.OutOrStdout()
			cfg := c.Config()

			fmt.Fprintln(out, headStyle.Render("profile"))
			printField(out, "directory", cfg.ProfileDir)
			printField(out, "client", fmt.Sprintf("%s (%s)", cfg.ClientID, cfg.ClientType))

			fmt.Fprintln(out, headStyle.Render("target"))
			printField(out, "type", cfg.Target.Type)
			printField(out, "location", targetLocation(cfg.Target))
			if cfg.Target.BaseDir != "" {
				printField(out, "base dir", cfg.Target.BaseDir)
			}

			info, err := c.TargetInfo(cmd.Context())
			if err != nil {
				return err
			}
			version := fmt.Sprintf("%d (client supports %d)", info.Version, c.Migrations().SupportedVersion())
			if err := migration.CheckVersion(info.Version, c.Migrations().SupportedVersion()); err != nil {
				version += " " + warnStyle.Render(err.Error())
			}
			printField(out, "version", version)
			printField(out, "encrypted", info.E2EE.Value)

			active, err := c.Locks().Locks(cmd.Context(), "")
			if err != nil {
				return err
			}
			printField(out, "locks", len(active))
			return nil
		}),
	}
}

func targetLocation(t config.TargetConfig) string {
	switch t.Type {
	case config.TargetFilesystem:
		return t.Path
	case config.TargetS3:
		loc := "s3://" + t.S3.Bucket
		if t.S3.Endpoint != "" {
			loc += " at " + t.S3.Endpoint
		}
		return loc
	case config.TargetServer:
		if t.Server.Token != "" {
			return fmt.Sprintf("%s (token %s)", t.Server.URL, utils.MaskSecret(t.Server.Token))
		}
		return t.Server.URL
	default:
		return string(t.Type)
	}
}

func newUpgradeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade the sync target to the version this client supports",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			err := c.Upgrade(cmd.Context())
			var verr *migration.VersionError
			if errors.As(err, &verr) && verr.Code == migration.CodeOutdatedClient {
				return fmt.Errorf("%w: install a newer jotsync", err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s target is at version %d\n",
				okStyle.Render("upgraded:"), c.Migrations().SupportedVersion())
			return nil
		}),
	}
}

func newLocksCmd(a *app) *cobra.Command {
	var clearStale bool

	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List the locks held on the sync target",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			out := cmd.OutOrStdout()
			if clearStale {
				n, err := c.Locks().ClearStaleLocks(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %d stale %s\n", okStyle.Render("removed"), n, plural(n, "lock", "locks"))
			}

			held, err := c.Locks().Locks(cmd.Context(), "")
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(held))
			for _, l := range held {
				updated := time.UnixMilli(l.UpdatedTime)
				age := humanize.Time(updated)
				if time.Since(updated) > c.Locks().LockTTL() {
					age += " " + warnStyle.Render("(stale)")
				}
				rows = append(rows, []string{string(l.Type), string(l.ClientType), l.ClientID, age})
			}
			printTable(out, []string{"TYPE", "CLIENT", "ID", "UPDATED"}, rows)
			return nil
		}),
	}

	cmd.Flags().BoolVar(&clearStale, "clear-stale", false, "delete locks older than the lock ttl first")
	return cmd
}

func newTargetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Manage the sync target",
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete everything on the sync target and re-upload on the next sync",
		Args:  cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			if !yes {
				return errors.New("this deletes all data on the sync target, pass --yes to confirm")
			}
			busy, err := c.Locks().Locks(cmd.Context(), locks.LockTypeSync)
			if err != nil {
				return err
			}
			if others := otherClients(busy, c.Config().ClientID); len(others) > 0 {
				return fmt.Errorf("target is in use by %s", strings.Join(others, ", "))
			}
			if err := c.ClearTarget(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("target cleared"))
			return nil
		}),
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")

	cmd.AddCommand(clearCmd)
	return cmd
}

func otherClients(held []locks.Lock, self string) []string {
	var out []string
	for _, l := range held {
		if l.ClientID != self {
			out = append(out, l.ClientID)
		}
	}
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
