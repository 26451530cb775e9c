package encryption

import (
	"fmt"

	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/utils"
)

// sealedKey is the JSON stored in MasterKey.Content.
type sealedKey struct {
	KDF  KDFParams `json:"kdf"`
	Salt []byte    `json:"salt"`
	Data []byte    `json:"data"`
}

// newMasterKey creates a random data key and seals it with password.
func newMasterKey(password string, params KDFParams) (*item.MasterKey, []byte, error) {
	dataKey, err := randomBytes(dataKeySize)
	if err != nil {
		return nil, nil, err
	}
	salt, err := randomBytes(saltSize)
	if err != nil {
		return nil, nil, err
	}

	mk := &item.MasterKey{EncryptionMethod: MethodArgon2XChaCha}
	mk.ID = item.NewID()

	sealed, err := seal(deriveKey(password, salt, params), dataKey, []byte(mk.ID))
	if err != nil {
		return nil, nil, fmt.Errorf("seal master key: %w", err)
	}
	content, err := utils.JSONMarshal(&sealedKey{KDF: params, Salt: salt, Data: sealed})
	if err != nil {
		return nil, nil, err
	}
	mk.Content = string(content)
	return mk, dataKey, nil
}

// unsealMasterKey returns the data key of mk.
func unsealMasterKey(mk *item.MasterKey, password string) ([]byte, error) {
	if mk.EncryptionMethod != MethodArgon2XChaCha {
		return nil, fmt.Errorf("%w: unsupported method %d for key %s", ErrMasterKeyNotAvailable, mk.EncryptionMethod, mk.ID)
	}
	var sk sealedKey
	if err := utils.JSONUnmarshal([]byte(mk.Content), &sk); err != nil {
		return nil, fmt.Errorf("%w: corrupt master key %s: %v", ErrMasterKeyNotAvailable, mk.ID, err)
	}
	dataKey, err := open(deriveKey(password, sk.Salt, sk.KDF), sk.Data, []byte(mk.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: wrong password for key %s", ErrMasterKeyNotAvailable, mk.ID)
	}
	return dataKey, nil
}
