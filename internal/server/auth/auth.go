package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	ErrAuthDisabled = errors.New("auth is disabled")
	ErrInvalidToken = errors.New("invalid token")
)

const validatedTokenTTL = time.Minute

// AuthService issues and checks the bearer tokens of the files API.
type AuthService struct {
	config *Config
	// tokens that passed validation recently, to skip the signature check
	validated *expirable.LRU[string, *Claims]
}

func NewAuthService(config *Config) *AuthService {
	return &AuthService{
		config:    config,
		validated: expirable.NewLRU[string, *Claims](1024, nil, validatedTokenTTL),
	}
}

func (s *AuthService) IsEnabled() bool {
	return s.config.Enabled
}

func (s *AuthService) IssueToken(subject string) (string, error) {
	if !s.IsEnabled() {
		return "", ErrAuthDisabled
	}
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	return NewToken(subject, s.config)
}

func (s *AuthService) ValidateToken(token string) (*Claims, error) {
	if claims, ok := s.validated.Get(token); ok {
		if claims.ExpiresAt == nil || claims.ExpiresAt.After(time.Now()) {
			return claims, nil
		}
		s.validated.Remove(token)
	}

	claims, err := ParseClaims(token, s.config.TokenSecret, s.config.TokenIssuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	s.validated.Add(token, claims)
	return claims, nil
}
