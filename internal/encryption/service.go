package encryption

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jotsync/jotsync/internal/item"
)

const (
	DefaultKeyCacheSize = 16
	DefaultKeyCacheTTL  = 30 * time.Minute
)

var (
	// ErrMasterKeyNotAvailable means data cannot be decrypted or encrypted
	// yet: the key has not been synced or its password is unknown.
	ErrMasterKeyNotAvailable = errors.New("encryption: master key not available")

	blobMagic = []byte("JSB1")
)

// Service is what the synchronizer needs from end-to-end encryption.
type Service interface {
	IsEncryptionEnabled() bool
	EncryptAndSerialize(it item.Item) ([]byte, error)
	DecryptAndParse(data []byte) (item.Item, error)
	EncryptBlob(data []byte) ([]byte, error)
	DecryptBlob(data []byte) ([]byte, error)
}

type Option func(*E2EEService)

// WithKDFParams sets the cost of newly generated master keys.
func WithKDFParams(p KDFParams) Option {
	return func(s *E2EEService) {
		s.kdf = p
	}
}

func WithKeyCache(size int, ttl time.Duration) Option {
	return func(s *E2EEService) {
		s.cacheSize = size
		s.cacheTTL = ttl
	}
}

// E2EEService encrypts items with the data key of the active master key.
// Master keys are themselves synced as items; their data keys are unlocked
// on demand with the known passwords and kept in a small expiring cache.
type E2EEService struct {
	mu             sync.RWMutex
	enabled        bool
	activeKeyID    string
	keys           map[string]*item.MasterKey
	passwords      map[string]string
	masterPassword string

	kdf       KDFParams
	cacheSize int
	cacheTTL  time.Duration
	unlocked  *expirable.LRU[string, []byte]
}

var _ Service = (*E2EEService)(nil)

func NewE2EEService(opts ...Option) *E2EEService {
	s := &E2EEService{
		keys:      make(map[string]*item.MasterKey),
		passwords: make(map[string]string),
		kdf:       DefaultKDFParams,
		cacheSize: DefaultKeyCacheSize,
		cacheTTL:  DefaultKeyCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.unlocked = expirable.NewLRU[string, []byte](s.cacheSize, nil, s.cacheTTL)
	return s
}

func (s *E2EEService) IsEncryptionEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

func (s *E2EEService) ActiveMasterKeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeKeyID
}

// LoadMasterKey registers a master key received from the store or the target.
func (s *E2EEService) LoadMasterKey(mk *item.MasterKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.keys[mk.ID]; ok && prev.Content != mk.Content {
		s.unlocked.Remove(mk.ID)
	}
	cp := *mk
	s.keys[mk.ID] = &cp
}

func (s *E2EEService) HasMasterKey(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[id]
	return ok
}

// SetMasterPassword is used for every key without a password of its own.
func (s *E2EEService) SetMasterPassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masterPassword = password
	s.unlocked.Purge()
}

func (s *E2EEService) SetPassword(keyID, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passwords[keyID] = password
	s.unlocked.Remove(keyID)
}

// GenerateMasterKey creates and registers a new master key protected by
// password. The caller saves it to the store so it gets synced.
func (s *E2EEService) GenerateMasterKey(password string) (*item.MasterKey, error) {
	if password == "" {
		return nil, errors.New("encryption: empty master password")
	}
	mk, dataKey, err := newMasterKey(password, s.kdf)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.keys[mk.ID] = mk
	s.passwords[mk.ID] = password
	s.unlocked.Add(mk.ID, dataKey)
	s.mu.Unlock()

	slog.Info("e2ee", "op", "generateMasterKey", "id", mk.ID)
	return mk, nil
}

// Enable starts encrypting with keyID, which must be unlockable.
func (s *E2EEService) Enable(keyID string) error {
	if _, err := s.dataKey(keyID); err != nil {
		return err
	}
	s.mu.Lock()
	s.enabled = true
	s.activeKeyID = keyID
	s.mu.Unlock()
	return nil
}

// Disable stops encrypting new uploads. Encrypted items can still be read.
func (s *E2EEService) Disable() {
	s.mu.Lock()
	s.enabled = false
	s.activeKeyID = ""
	s.mu.Unlock()
}

// CheckPassword reports whether password unlocks keyID.
func (s *E2EEService) CheckPassword(keyID, password string) bool {
	s.mu.RLock()
	mk, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	_, err := unsealMasterKey(mk, password)
	return err == nil
}

func (s *E2EEService) dataKey(keyID string) ([]byte, error) {
	if k, ok := s.unlocked.Get(keyID); ok {
		return k, nil
	}

	s.mu.RLock()
	mk, ok := s.keys[keyID]
	password, hasPassword := s.passwords[keyID]
	if !hasPassword {
		password, hasPassword = s.masterPassword, s.masterPassword != ""
	}
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: unknown key %s", ErrMasterKeyNotAvailable, keyID)
	}
	if !hasPassword {
		return nil, fmt.Errorf("%w: no password for key %s", ErrMasterKeyNotAvailable, keyID)
	}

	k, err := unsealMasterKey(mk, password)
	if err != nil {
		return nil, err
	}
	s.unlocked.Add(keyID, k)
	return k, nil
}

func (s *E2EEService) activeDataKey() (string, []byte, error) {
	s.mu.RLock()
	id := s.activeKeyID
	s.mu.RUnlock()
	if id == "" {
		return "", nil, fmt.Errorf("%w: no active master key", ErrMasterKeyNotAvailable)
	}
	k, err := s.dataKey(id)
	return id, k, err
}

// EncryptAndSerialize serializes it, encrypting everything but the header
// when encryption is enabled. Master keys are never encrypted.
func (s *E2EEService) EncryptAndSerialize(it item.Item) ([]byte, error) {
	plain, err := item.Serialize(it)
	if err != nil {
		return nil, err
	}
	if !s.IsEncryptionEnabled() || it.Type() == item.TypeMasterKey {
		return plain, nil
	}

	keyID, key, err := s.activeDataKey()
	if err != nil {
		return nil, err
	}
	hdr := item.HeaderOf(it)
	sealed, err := seal(key, plain, []byte(hdr.ID))
	if err != nil {
		return nil, fmt.Errorf("encrypt item %s: %w", hdr.ID, err)
	}
	hdr.EncryptionApplied = true
	hdr.CipherText = keyID + ":" + base64.StdEncoding.EncodeToString(sealed)
	return item.SerializeEnvelope(hdr)
}

// DecryptAndParse accepts plain and encrypted items.
func (s *E2EEService) DecryptAndParse(data []byte) (item.Item, error) {
	hdr, err := item.PeekHeader(data)
	if err != nil {
		return nil, err
	}
	if !hdr.EncryptionApplied {
		return item.Unserialize(data)
	}

	keyID, encoded, ok := strings.Cut(hdr.CipherText, ":")
	if !ok {
		return nil, fmt.Errorf("%w: item %s has no key id", item.ErrMalformed, hdr.ID)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: item %s: %v", item.ErrMalformed, hdr.ID, err)
	}
	key, err := s.dataKey(keyID)
	if err != nil {
		return nil, err
	}
	plain, err := open(key, sealed, []byte(hdr.ID))
	if err != nil {
		return nil, fmt.Errorf("%w: item %s: %v", item.ErrMalformed, hdr.ID, err)
	}

	it, err := item.Unserialize(plain)
	if err != nil {
		return nil, err
	}
	if it.Base().ID != hdr.ID {
		return nil, fmt.Errorf("%w: item %s decrypts to %s", item.ErrMalformed, hdr.ID, it.Base().ID)
	}
	return it, nil
}

// EncryptBlob seals a resource payload: magic, key id, nonce, ciphertext.
func (s *E2EEService) EncryptBlob(data []byte) ([]byte, error) {
	if !s.IsEncryptionEnabled() {
		return data, nil
	}
	keyID, key, err := s.activeDataKey()
	if err != nil {
		return nil, err
	}
	prefix := blobPrefix(keyID)
	sealed, err := seal(key, data, prefix)
	if err != nil {
		return nil, fmt.Errorf("encrypt blob: %w", err)
	}
	return append(prefix, sealed...), nil
}

// DecryptBlob returns data unchanged when it is not an encrypted blob.
func (s *E2EEService) DecryptBlob(data []byte) ([]byte, error) {
	prefixLen := len(blobMagic) + 32
	if !bytes.HasPrefix(data, blobMagic) || len(data) < prefixLen {
		return data, nil
	}
	keyID := string(data[len(blobMagic):prefixLen])
	if !item.IsValidID(keyID) {
		return data, nil
	}
	key, err := s.dataKey(keyID)
	if err != nil {
		return nil, err
	}
	plain, err := open(key, data[prefixLen:], data[:prefixLen])
	if err != nil {
		return nil, fmt.Errorf("%w: blob: %v", item.ErrMalformed, err)
	}
	return plain, nil
}

func blobPrefix(keyID string) []byte {
	out := make([]byte, 0, len(blobMagic)+len(keyID))
	out = append(out, blobMagic...)
	return append(out, keyID...)
}
