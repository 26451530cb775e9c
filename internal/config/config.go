package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/locks"
	"github.com/jotsync/jotsync/internal/utils"
)

var (
	home, _            = os.UserHomeDir()
	DefaultProfileDir  = filepath.Join(home, ".config", "jotsync")
	DefaultConfigPath  = filepath.Join(DefaultProfileDir, "config.json")
	DefaultLogFilePath = filepath.Join(DefaultProfileDir, "logs", "jotsync.log")
)

type TargetType string

const (
	TargetFilesystem TargetType = "filesystem"
	TargetMemory     TargetType = "memory"
	TargetS3         TargetType = "s3"
	TargetServer     TargetType = "server"
)

// Duration is a time.Duration written as "30s" in the config file.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type TargetConfig struct {
	Type TargetType `json:"type"`
	// Path is the target directory of a filesystem target.
	Path string `json:"path,omitempty"`
	// BaseDir scopes every target type to a sub directory.
	BaseDir string                `json:"base_dir,omitempty"`
	S3      *fileapi.S3Config     `json:"s3,omitempty"`
	Server  *fileapi.ServerConfig `json:"server,omitempty"`
}

type SyncConfig struct {
	MaxConcurrentConnections int      `json:"max_concurrent_connections,omitempty"`
	MaxRetries               int      `json:"max_retries,omitempty"`
	LockTTL                  Duration `json:"lock_ttl,omitempty"`
	LockAutoRefreshInterval  Duration `json:"lock_auto_refresh_interval,omitempty"`
	LockTimeout              Duration `json:"lock_timeout,omitempty"`
	DeltaOutputLimit         int      `json:"delta_output_limit,omitempty"`
	IgnorePatterns           []string `json:"ignore_patterns,omitempty"`
}

type Config struct {
	ProfileDir string           `json:"profile_dir"`
	ClientID   string           `json:"client_id"`
	ClientType locks.ClientType `json:"client_type"`
	Target     TargetConfig     `json:"target"`
	Sync       SyncConfig       `json:"sync"`
	// MasterPassword unlocks E2EE master keys. Never written to disk.
	MasterPassword string `json:"-"`
	Path           string `json:"-"`
}

// DefaultClientID is stable for a given machine so that re-creating a
// profile does not leave the previous client's locks behind.
func DefaultClientID() string {
	if id, err := machineid.ProtectedID("jotsync"); err == nil && id != "" {
		return id[:32]
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Validate fills defaults and normalizes paths. It must be called before the
// config is used.
func (c *Config) Validate() error {
	var err error

	if c.ProfileDir == "" {
		c.ProfileDir = DefaultProfileDir
	}
	if c.ProfileDir, err = utils.ResolvePath(c.ProfileDir); err != nil {
		return fmt.Errorf("profile dir: %w", err)
	}
	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	if c.ClientID == "" {
		c.ClientID = DefaultClientID()
	}
	if strings.ContainsAny(c.ClientID, "/\\ _") {
		return fmt.Errorf("client id %q: must not contain slashes, spaces or underscores", c.ClientID)
	}

	switch c.ClientType {
	case "":
		c.ClientType = locks.ClientTypeCLI
	case locks.ClientTypeCLI, locks.ClientTypeDesktop, locks.ClientTypeMobile, locks.ClientTypeServer:
	default:
		return fmt.Errorf("client type %q: unknown", c.ClientType)
	}

	if err := c.Target.validate(); err != nil {
		return fmt.Errorf("target: %w", err)
	}

	if c.Sync.MaxConcurrentConnections < 0 || c.Sync.MaxRetries < 0 || c.Sync.DeltaOutputLimit < 0 {
		return errors.New("sync: limits must not be negative")
	}
	if c.Sync.LockTTL > 0 && c.Sync.LockAutoRefreshInterval >= c.Sync.LockTTL {
		return errors.New("sync: lock auto refresh interval must be shorter than the lock ttl")
	}
	return nil
}

func (t *TargetConfig) validate() error {
	t.BaseDir = utils.JoinRemote(t.BaseDir)

	switch t.Type {
	case TargetFilesystem:
		if t.Path == "" {
			return errors.New("filesystem target requires a path")
		}
		p, err := utils.ResolvePath(t.Path)
		if err != nil {
			return err
		}
		t.Path = p
	case TargetMemory:
	case TargetS3:
		if t.S3 == nil || t.S3.Bucket == "" {
			return errors.New("s3 target requires a bucket")
		}
	case TargetServer:
		if t.Server == nil || t.Server.URL == "" {
			return errors.New("server target requires a url")
		}
		if !strings.HasPrefix(t.Server.URL, "http://") && !strings.HasPrefix(t.Server.URL, "https://") {
			return fmt.Errorf("server url %q: must be http or https", t.Server.URL)
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("type %q: unknown", t.Type)
	}
	return nil
}

// Save writes the config to c.Path. Secrets stay in the environment and are
// not persisted.
func (c *Config) Save() error {
	if c.Path == "" {
		return errors.New("config path is not set")
	}
	if err := utils.EnsureParent(c.Path); err != nil {
		return err
	}

	out := *c
	if c.Target.S3 != nil {
		s3 := *c.Target.S3
		s3.AccessKey, s3.SecretKey = "", ""
		out.Target.S3 = &s3
	}
	if c.Target.Server != nil {
		srv := *c.Target.Server
		srv.Token = ""
		out.Target.Server = &srv
	}

	data, err := utils.JSONMarshalIndent(&out)
	if err != nil {
		return err
	}
	return os.WriteFile(c.Path, data, 0o600)
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := utils.JSONUnmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path
	return &cfg, nil
}
