package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jotsync/jotsync/internal/client"
	"github.com/jotsync/jotsync/internal/config"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/utils"
	"github.com/jotsync/jotsync/internal/version"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const envPrefix = "JOTSYNC"

// viper key -> persistent flag
var flagKeys = map[string]string{
	"config":             "config",
	"profile_dir":        "profile",
	"client_id":          "client-id",
	"target.type":        "target",
	"target.path":        "target-path",
	"target.base_dir":    "base-dir",
	"target.server.url":  "server-url",
	"target.s3.bucket":   "s3-bucket",
	"target.s3.region":   "s3-region",
	"target.s3.endpoint": "s3-endpoint",
	"log_file":           "log-file",
	"verbose":            "verbose",
}

type app struct {
	root    *cobra.Command
	v       *viper.Viper
	logFile *lumberjack.Logger
}

func newApp() *app {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "jotsync",
		Short:         "Synchronize a local notes profile with a sync target",
		Version:       version.Detailed(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.SortFlags = false
	pf.StringP("config", "c", config.DefaultConfigPath, "config file")
	pf.StringP("profile", "p", "", "profile directory (default "+config.DefaultProfileDir+")")
	pf.String("client-id", "", "client id used for locks")
	pf.StringP("target", "t", "", "sync target type: filesystem, memory, s3 or server")
	pf.String("target-path", "", "directory of a filesystem target")
	pf.String("base-dir", "", "sub directory of the target to sync into")
	pf.String("server-url", "", "url of a jotsync server")
	pf.String("s3-bucket", "", "s3 bucket")
	pf.String("s3-region", "", "s3 region")
	pf.String("s3-endpoint", "", "s3 endpoint for s3 compatible stores")
	pf.String("log-file", config.DefaultLogFilePath, "log file")
	pf.BoolP("verbose", "v", false, "log debug output to stderr")

	root.AddCommand(
		newInitCmd(a),
		newSyncCmd(a),
		newInfoCmd(a),
		newUpgradeCmd(a),
		newLocksCmd(a),
		newTargetCmd(a),
		newE2EECmd(a),
		newFolderCmd(a),
		newNoteCmd(a),
		newConflictsCmd(a),
		newVersionCmd(),
	)

	a.root = root
	return a
}

func (a *app) Close() error {
	if a.logFile == nil {
		return nil
	}
	return a.logFile.Close()
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := loadDotEnv(); err != nil {
		return err
	}

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()
	for key, name := range flagKeys {
		if err := a.v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return a.setupLogging()
}

// loadDotEnv reads .env from the working directory when there is one.
// Variables already set in the environment win.
func loadDotEnv() error {
	if !utils.FileExists(".env") {
		return nil
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func (a *app) setupLogging() error {
	logFile := a.v.GetString("log_file")
	if err := utils.EnsureParent(logFile); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	a.logFile = &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}

	level := slog.LevelWarn
	if a.v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	stderrHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	fileHandler := slog.NewTextHandler(a.logFile, &slog.HandlerOptions{Level: slog.LevelDebug})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stderrHandler, fileHandler)))
	return nil
}

// loadConfig reads the config file, if any, and layers flags and JOTSYNC_*
// environment variables over it. Secrets only ever come from the
// environment.
func (a *app) loadConfig() (*config.Config, error) {
	path := a.v.GetString("config")

	cfg := &config.Config{}
	if utils.FileExists(path) {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.Path = path
	a.applyOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (a *app) applyOverrides(cfg *config.Config) {
	set := func(key string, dst *string) {
		if a.v.IsSet(key) {
			*dst = a.v.GetString(key)
		}
	}

	set("profile_dir", &cfg.ProfileDir)
	set("client_id", &cfg.ClientID)
	set("master_password", &cfg.MasterPassword)
	if a.v.IsSet("target.type") {
		cfg.Target.Type = config.TargetType(a.v.GetString("target.type"))
	}
	set("target.path", &cfg.Target.Path)
	set("target.base_dir", &cfg.Target.BaseDir)

	if anySet(a.v, "target.server.url", "target.server.token") && cfg.Target.Server == nil {
		cfg.Target.Server = &fileapi.ServerConfig{}
	}
	if cfg.Target.Server != nil {
		set("target.server.url", &cfg.Target.Server.URL)
		set("target.server.token", &cfg.Target.Server.Token)
	}

	s3Keys := []string{"target.s3.bucket", "target.s3.region", "target.s3.endpoint", "target.s3.access_key", "target.s3.secret_key"}
	if anySet(a.v, s3Keys...) && cfg.Target.S3 == nil {
		cfg.Target.S3 = &fileapi.S3Config{}
	}
	if cfg.Target.S3 != nil {
		set("target.s3.bucket", &cfg.Target.S3.Bucket)
		set("target.s3.region", &cfg.Target.S3.Region)
		set("target.s3.endpoint", &cfg.Target.S3.Endpoint)
		set("target.s3.access_key", &cfg.Target.S3.AccessKey)
		set("target.s3.secret_key", &cfg.Target.S3.SecretKey)
	}
}

func anySet(v *viper.Viper, keys ...string) bool {
	for _, k := range keys {
		if v.IsSet(k) {
			return true
		}
	}
	return false
}

func (a *app) openClient(cmd *cobra.Command) (*client.Client, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := client.New(cmd.Context(), cfg)
	if errors.Is(err, client.ErrProfileLocked) {
		return nil, fmt.Errorf("%w: is another jotsync running on %s?", err, cfg.ProfileDir)
	}
	return c, err
}

// withClient opens the profile for the duration of fn.
func (a *app) withClient(fn func(cmd *cobra.Command, c *client.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := a.openClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(cmd, c, args)
	}
}
