// Package crypto implements C9's at-rest encryption: memory content is
// sealed with AES-256-GCM, an authenticated cipher, with the encrypting
// key's version stored alongside the ciphertext so old rows stay readable
// across a key rotation. Key material itself is tracked in the storage
// layer's KeyRing (encryption_keys table) and cached in memory here since
// encryption/decryption must not make a storage round trip per call.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/openmemory/openmemory/internal/storage"
)

const keySize = 32 // AES-256

// Store is the slice of the storage backend the key manager needs.
type Store interface {
	storage.KeyRing
}

// Manager loads and caches encryption keys by version and implements the
// engine.Encryptor interface the memory engine encrypts/decrypts through.
// There is deliberately no network interface dependency here: key wrapping
// under an external KMS is out of scope, matching spec.md's non-goals for
// this component; wrapped_key stores the raw data key directly.
type Manager struct {
	store Store

	mu            sync.RWMutex
	activeVersion int
	keys          map[int][]byte
}

// New builds a Manager. Call Load before the first Encrypt/Decrypt so an
// active key is cached; EnsureKey bootstraps one if none exists yet.
func New(store Store) *Manager {
	return &Manager{store: store, keys: map[int][]byte{}}
}

// EnsureKey creates an initial key if the ring has none yet.
func (m *Manager) EnsureKey(ctx context.Context) error {
	if _, _, err := m.store.Active(ctx); err == nil {
		return m.Load(ctx)
	}
	if _, err := m.rotate(ctx); err != nil {
		return err
	}
	return nil
}

// Load refreshes the cached active version and key material from storage.
// Call this after a rotation performed by another process.
func (m *Manager) Load(ctx context.Context) error {
	version, wrapped, err := m.store.Active(ctx)
	if err != nil {
		return fmt.Errorf("crypto: failed to load active key: %w", err)
	}
	m.mu.Lock()
	m.activeVersion = version
	m.keys[version] = wrapped
	m.mu.Unlock()
	return nil
}

// ActiveVersion returns the cached active key version, loading it from
// storage first if nothing has been cached yet.
func (m *Manager) ActiveVersion(ctx context.Context) (int, []byte, error) {
	m.mu.RLock()
	version := m.activeVersion
	key := m.keys[version]
	m.mu.RUnlock()
	if version != 0 {
		return version, key, nil
	}
	if err := m.Load(ctx); err != nil {
		return 0, nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeVersion, m.keys[m.activeVersion], nil
}

// Rotate generates a fresh random key, records it as the new active
// version, and caches it. Callers must serialize rotation themselves (the
// scheduler's key-rotation job holds a singleton guard per spec.md §4.6).
func (m *Manager) Rotate(ctx context.Context) (int, error) {
	return m.rotate(ctx)
}

func (m *Manager) rotate(ctx context.Context) (int, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return 0, fmt.Errorf("crypto: failed to generate key: %w", err)
	}
	version, err := m.store.Rotate(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("crypto: failed to record rotated key: %w", err)
	}
	m.mu.Lock()
	m.activeVersion = version
	m.keys[version] = key
	m.mu.Unlock()
	return version, nil
}

// keyFor returns the cached key for version, fetching and caching it from
// storage on a cache miss (an older key version not yet seen in-process).
func (m *Manager) keyFor(ctx context.Context, version int) ([]byte, error) {
	m.mu.RLock()
	key, ok := m.keys[version]
	m.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := m.store.GetKey(ctx, version)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.keys[version] = key
	m.mu.Unlock()
	return key, nil
}

func gcmFor(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to build cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the current active key, implementing
// engine.Encryptor. The nonce is prepended to the returned ciphertext.
func (m *Manager) Encrypt(plaintext []byte) ([]byte, int, error) {
	m.mu.RLock()
	version := m.activeVersion
	key := m.keys[version]
	m.mu.RUnlock()
	if key == nil {
		return nil, 0, errors.New("crypto: no active key loaded; call Load or EnsureKey first")
	}

	gcm, err := gcmFor(key)
	if err != nil {
		return nil, 0, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, 0, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, version, nil
}

// Decrypt opens ciphertext sealed by Encrypt under the given key version,
// implementing engine.Encryptor. It fetches and caches the key for that
// version from storage.KeyRing if it is not already cached (the common
// case right after a rotation, or when reading an old row).
func (m *Manager) Decrypt(ciphertext []byte, keyVersion int) ([]byte, error) {
	key, err := m.keyFor(context.Background(), keyVersion)
	if err != nil {
		return nil, err
	}
	gcm, err := gcmFor(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("crypto: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
