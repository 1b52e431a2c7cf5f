package crypto

import (
	"context"
	"sync"
	"testing"

	"github.com/openmemory/openmemory/internal/apperr"
)

type fakeKeyRing struct {
	mu      sync.Mutex
	keys    map[int][]byte
	active  int
	nextVer int
}

func newFakeKeyRing() *fakeKeyRing {
	return &fakeKeyRing{keys: map[int][]byte{}}
}

func (f *fakeKeyRing) Active(ctx context.Context) (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == 0 {
		return 0, nil, apperr.NotFound("no active key")
	}
	return f.active, f.keys[f.active], nil
}

func (f *fakeKeyRing) GetKey(ctx context.Context, version int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[version]
	if !ok {
		return nil, apperr.NotFound("key version not found")
	}
	return key, nil
}

func (f *fakeKeyRing) Rotate(ctx context.Context, wrapped []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextVer++
	f.keys[f.nextVer] = wrapped
	f.active = f.nextVer
	return f.nextVer, nil
}

func TestEnsureKeyBootstrapsFirstVersion(t *testing.T) {
	ring := newFakeKeyRing()
	m := New(ring)
	ctx := context.Background()

	if err := m.EnsureKey(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ring.active != 1 {
		t.Fatalf("expected version 1 to be active, got %d", ring.active)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ring := newFakeKeyRing()
	m := New(ring)
	ctx := context.Background()
	if err := m.EnsureKey(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plaintext := []byte("the rain in spain falls mainly on the plain")
	ciphertext, version, err := m.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected key version 1, got %d", version)
	}

	got, err := m.Decrypt(ciphertext, version)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestEncryptProducesDistinctCiphertextPerCall(t *testing.T) {
	ring := newFakeKeyRing()
	m := New(ring)
	ctx := context.Background()
	if err := m.EnsureKey(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, _, err := m.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _, err := m.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(a) == string(b) {
		t.Fatalf("expected distinct ciphertexts due to random nonce")
	}
}

func TestDecryptAfterRotationUsesOldKeyVersion(t *testing.T) {
	ring := newFakeKeyRing()
	m := New(ring)
	ctx := context.Background()
	if err := m.EnsureKey(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ciphertext, oldVersion, err := m.Encrypt([]byte("pre-rotation secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	newVersion, err := m.Rotate(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newVersion == oldVersion {
		t.Fatalf("expected rotation to advance the key version")
	}

	got, err := m.Decrypt(ciphertext, oldVersion)
	if err != nil {
		t.Fatalf("expected old ciphertext to still decrypt after rotation: %v", err)
	}
	if string(got) != "pre-rotation secret" {
		t.Fatalf("round trip mismatch after rotation: got %q", got)
	}

	newCiphertext, newCtVersion, err := m.Encrypt([]byte("post-rotation secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if newCtVersion != newVersion {
		t.Fatalf("expected new encryptions to use the rotated version")
	}
	if _, err := m.Decrypt(newCiphertext, newCtVersion); err != nil {
		t.Fatalf("unexpected error decrypting post-rotation ciphertext: %v", err)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	ring := newFakeKeyRing()
	m := New(ring)
	ctx := context.Background()
	if err := m.EnsureKey(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ciphertext, version, err := m.Encrypt([]byte("tamper me"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := m.Decrypt(tampered, version); err == nil {
		t.Fatalf("expected authentication failure on tampered ciphertext")
	}
}
