// Package securestore is an encrypting key-value store for session state.
//
// Values are sealed with an AEAD before they reach the backend and opened
// transparently on retrieval. Every write also lands in a shadow copy; when
// the primary blob fails its integrity or parse checks, the store makes
// exactly one recovery attempt from the shadow before declaring the key
// absent and purging the corrupted entry.
//
// Concurrency contract: operations on distinct keys do not interfere.
// Same-key races are last-writer-wins with no internal locking; callers that
// need atomicity must serialize themselves.
package securestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = 1
	shadowSuffix    = ".shadow"
)

// Backend persists opaque blobs. Implementations must be safe for
// concurrent use across distinct keys.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	// Fetch returns (nil, false, nil) when the key is absent.
	Fetch(ctx context.Context, key string) ([]byte, bool, error)
	// Remove is idempotent.
	Remove(ctx context.Context, key string) error
}

// Result is returned by Get.
type Result struct {
	Data  []byte
	Found bool
	// Recovered is set when the primary blob was corrupt and the value was
	// restored from its shadow copy.
	Recovered bool
	// Corrupted is set when both the primary and the shadow were corrupt;
	// the entry has been purged and Found is false.
	Corrupted bool
}

// Config tunes a Store.
type Config struct {
	// Secret is the material the storage key is derived from.
	Secret []byte
	// Backend defaults to an in-memory backend when nil.
	Backend Backend
}

// Store encrypts values at rest over a Backend.
type Store struct {
	backend Backend
	key     []byte
}

// New derives the storage key and returns a Store.
func New(cfg Config) (*Store, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("securestore: shared material required")
	}
	backend := cfg.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}

	key := make([]byte, 32)
	r := hkdf.New(sha256.New, cfg.Secret, nil, []byte("authcore/securestore"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	return &Store{backend: backend, key: key}, nil
}

// Set seals value and writes it under key, plus a shadow copy.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, key, sealed); err != nil {
		return err
	}
	// The shadow carries its own nonce so the two blobs never look alike.
	shadow, err := s.seal(key, value)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, key+shadowSuffix, shadow)
}

// Get retrieves and opens the value under key. A corrupt primary triggers at
// most one shadow recovery; double corruption purges the entry and reports
// the key absent.
func (s *Store) Get(ctx context.Context, key string) (Result, error) {
	sealed, found, err := s.backend.Fetch(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if found {
		if plain, ok := s.open(key, sealed); ok {
			return Result{Data: plain, Found: true}, nil
		}
	}

	// Primary missing or corrupt: one recovery attempt from the shadow.
	shadow, shadowFound, err := s.backend.Fetch(ctx, key+shadowSuffix)
	if err != nil {
		return Result{}, err
	}
	if shadowFound {
		if plain, ok := s.open(key, shadow); ok {
			if found {
				// Primary existed but was corrupt; heal it in place.
				if resealed, sealErr := s.seal(key, plain); sealErr == nil {
					_ = s.backend.Put(ctx, key, resealed)
				}
				return Result{Data: plain, Found: true, Recovered: true}, nil
			}
			return Result{Data: plain, Found: true, Recovered: true}, nil
		}
	}

	if !found && !shadowFound {
		return Result{}, nil
	}

	// Whatever is on disk is unusable. Purge and report absent.
	_ = s.backend.Remove(ctx, key)
	_ = s.backend.Remove(ctx, key+shadowSuffix)
	return Result{Corrupted: true}, nil
}

// Delete removes key and its shadow. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.backend.Remove(ctx, key); err != nil {
		return err
	}
	return s.backend.Remove(ctx, key+shadowSuffix)
}

func (s *Store) seal(key string, value []byte) ([]byte, error) {
	aead, err := s.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(nonce)+len(value)+aead.Overhead())
	out = append(out, envelopeVersion)
	out = append(out, nonce...)
	// The key is bound as associated data so a blob copied between keys
	// fails to open.
	return aead.Seal(out, nonce, value, []byte(key)), nil
}

func (s *Store) open(key string, sealed []byte) ([]byte, bool) {
	aead, err := s.aead()
	if err != nil {
		return nil, false
	}
	if len(sealed) < 1+aead.NonceSize() || sealed[0] != envelopeVersion {
		return nil, false
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], []byte(key))
	if err != nil {
		return nil, false
	}
	return plain, true
}

func (s *Store) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
