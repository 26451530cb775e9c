package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identify a sync client. Subject is the client id, or any label the
// operator chose when issuing the token.
type Claims struct {
	jwt.RegisteredClaims
}

func ParseClaims(tokenString, secret, issuer string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
