package server

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jotsync/jotsync/internal/server/auth"
	"github.com/jotsync/jotsync/internal/utils"
	"github.com/ulule/limiter/v3"
)

const (
	DefaultAddr          = "127.0.0.1:8080"
	DefaultMaxUploadSize = "256MB"
	DefaultRateLimit     = "50-S"
)

type Config struct {
	HTTP    HTTPConfig `mapstructure:"http"`
	DataDir string     `mapstructure:"data_dir"`
	// MaxUploadSize is a human readable size, e.g. "256MB".
	MaxUploadSize string `mapstructure:"max_upload_size"`
	// RateLimit is a per-IP "<limit>-<period>" rate. Empty disables it.
	RateLimit string      `mapstructure:"rate_limit"`
	Auth      auth.Config `mapstructure:"auth"`

	maxUploadBytes int64
}

type HTTPConfig struct {
	Addr     string `mapstructure:"addr"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultAddr
	}
	if (c.HTTP.CertFile == "") != (c.HTTP.KeyFile == "") {
		return errors.New("http `cert_file` and `key_file` must be set together")
	}

	if c.DataDir == "" {
		return errors.New("`data_dir` is required")
	}
	dir, err := utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	c.DataDir = dir

	if c.MaxUploadSize == "" {
		c.MaxUploadSize = DefaultMaxUploadSize
	}
	size, err := humanize.ParseBytes(c.MaxUploadSize)
	if err != nil || size == 0 {
		return fmt.Errorf("max upload size %q: invalid", c.MaxUploadSize)
	}
	c.maxUploadBytes = int64(size)

	if c.RateLimit != "" {
		if _, err := limiter.NewRateFromFormatted(c.RateLimit); err != nil {
			return fmt.Errorf("rate limit %q: %w", c.RateLimit, err)
		}
	}

	return c.Auth.Validate()
}
