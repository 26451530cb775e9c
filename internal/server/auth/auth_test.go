package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		Enabled:     true,
		TokenIssuer: "jotsync-test",
		TokenSecret: "0123456789abcdef0123",
		TokenExpiry: time.Hour,
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, (&Config{}).Validate())
	assert.NoError(t, testConfig().Validate())

	cfg := testConfig()
	cfg.TokenSecret = "short"
	assert.ErrorContains(t, cfg.Validate(), "token_secret")

	cfg = testConfig()
	cfg.TokenIssuer = ""
	assert.ErrorContains(t, cfg.Validate(), "token_issuer")
}

func TestAuthService_IssueAndValidate(t *testing.T) {
	svc := NewAuthService(testConfig())

	token, err := svc.IssueToken("laptop")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "laptop", claims.Subject)
	assert.Equal(t, "jotsync-test", claims.Issuer)

	// second lookup is served from the cache
	again, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Same(t, claims, again)
}

func TestAuthService_Rejects(t *testing.T) {
	svc := NewAuthService(testConfig())

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken("invalid.token.string")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := testConfig()
		other.TokenSecret = "another-secret-of-16+"
		token, err := NewToken("x", other)
		require.NoError(t, err)
		_, err = svc.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := testConfig()
		other.TokenIssuer = "someone-else"
		token, err := NewToken("x", other)
		require.NoError(t, err)
		_, err = svc.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		cfg := testConfig()
		claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "x",
			Issuer:    cfg.TokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.TokenSecret))
		require.NoError(t, err)
		_, err = svc.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x", Issuer: "jotsync-test"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestAuthService_Disabled(t *testing.T) {
	svc := NewAuthService(&Config{})
	assert.False(t, svc.IsEnabled())
	_, err := svc.IssueToken("x")
	assert.ErrorIs(t, err, ErrAuthDisabled)
}
