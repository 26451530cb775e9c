package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// MethodArgon2XChaCha seals data keys with an Argon2id derived key and
	// data with XChaCha20-Poly1305.
	MethodArgon2XChaCha = 1

	dataKeySize = chacha20poly1305.KeySize
	saltSize    = 16
)

var errOpen = errors.New("encryption: message authentication failed")

// KDFParams are the Argon2id cost parameters. They are stored with every
// master key so they can be raised later.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

var DefaultKDFParams = KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}

func deriveKey(password string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, dataKeySize)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// seal returns nonce || ciphertext.
func seal(key, plain, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plain)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errOpen
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, errOpen
	}
	return plain, nil
}
