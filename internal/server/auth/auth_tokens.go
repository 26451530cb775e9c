package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func NewToken(subject string, config *Config) (string, error) {
	var expiresAt *jwt.NumericDate
	if config.TokenExpiry > 0 {
		expiresAt = jwt.NewNumericDate(time.Now().Add(config.TokenExpiry))
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			Issuer:    config.TokenIssuer,
			ExpiresAt: expiresAt,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.TokenSecret))
}
