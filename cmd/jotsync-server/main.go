package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jotsync/jotsync/internal/server"
	"github.com/jotsync/jotsync/internal/server/auth"
	"github.com/jotsync/jotsync/internal/version"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:          "jotsync-server",
	Short:        "Serve a jotsync sync target over HTTP",
	Version:      version.Detailed(),
	SilenceUsage: true,
	RunE:         serve,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sync target (the default command)",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an API token for a client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Auth.Validate(); err != nil {
			return err
		}
		token, err := auth.NewAuthService(&cfg.Auth).IssueToken(args[0])
		if errors.Is(err, auth.ErrAuthDisabled) {
			return fmt.Errorf("%w: set JOTSYNC_AUTH_ENABLED=true", err)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "server config file (yaml or json)")
	pf.StringP("data-dir", "d", "", "directory holding the sync target")
	pf.StringP("bind", "b", server.DefaultAddr, "address to bind the server")
	pf.String("cert", "", "path to the certificate file")
	pf.String("key", "", "path to the key file")
	pf.String("rate-limit", server.DefaultRateLimit, "per client rate limit, e.g. 50-S; empty disables it")
	pf.Bool("debug", false, "log at debug level")

	rootCmd.AddCommand(serveCmd, tokenCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cmd)

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	defer slog.Info("Bye!")
	return srv.Start(cmd.Context())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cmd *cobra.Command) {
	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

// loadConfig layers flags over JOTSYNC_* environment variables over the
// config file over defaults.
func loadConfig(cmd *cobra.Command) (*server.Config, error) {
	v := viper.New()

	v.SetDefault("http.addr", server.DefaultAddr)
	v.SetDefault("http.cert_file", "")
	v.SetDefault("http.key_file", "")
	v.SetDefault("data_dir", "")
	v.SetDefault("max_upload_size", server.DefaultMaxUploadSize)
	v.SetDefault("rate_limit", server.DefaultRateLimit)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.token_issuer", "jotsync")
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_expiry", "0s")

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config read '%s': %w", path, err)
		}
	}

	v.SetEnvPrefix("JOTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bind := map[string]string{
		"data_dir":       "data-dir",
		"http.addr":      "bind",
		"http.cert_file": "cert",
		"http.key_file":  "key",
		"rate_limit":     "rate-limit",
	}
	for key, name := range bind {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	var cfg server.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
