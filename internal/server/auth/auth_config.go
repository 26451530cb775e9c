package auth

import (
	"errors"
	"time"
)

type Config struct {
	Enabled     bool          `mapstructure:"enabled"`
	TokenIssuer string        `mapstructure:"token_issuer"`
	TokenSecret string        `mapstructure:"token_secret"`
	// TokenExpiry of zero issues tokens that never expire.
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TokenIssuer == "" {
		return errors.New("auth `token_issuer` is required when auth is enabled")
	}
	if len(c.TokenSecret) < 16 {
		return errors.New("auth `token_secret` must be at least 16 characters when auth is enabled")
	}
	if c.TokenExpiry < 0 {
		return errors.New("auth `token_expiry` must not be negative")
	}
	return nil
}
