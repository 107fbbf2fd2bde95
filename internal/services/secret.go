package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	secretKeySize    = 32
	secretSaltSize   = 32
	pbkdf2Iterations = 600000
)

var (
	secretsBucket = []byte("secrets")
	metaBucket    = []byte("meta")
	saltKey       = []byte("salt")
)

// ErrSecretDecrypt is returned when a stored secret cannot be opened with the configured passphrase.
var ErrSecretDecrypt = errors.New("secret decryption failed: wrong passphrase or tampered data")

// SecretBox is the secure store for high-sensitivity credentials. It keeps its own BoltDB file, apart from the
// conversation database, and seals every value with AES-256-GCM under a key derived from a passphrase with
// PBKDF2-SHA-256. The salt is generated once and stored beside the secrets.
type SecretBox struct {
	db   *bolt.DB
	aead cipher.AEAD
}

// NewSecretBox opens the secret file at path, creating it with 0600 permissions if needed.
func NewSecretBox(path, passphrase string) (SecretBox, error) {
	if passphrase == "" {
		return SecretBox{}, errors.New("secret store passphrase is required")
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return SecretBox{}, fmt.Errorf("failed to open secret db: %w", err)
	}

	var salt []byte
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(secretsBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(saltKey); v != nil {
			salt = append([]byte(nil), v...)
			return nil
		}
		salt = make([]byte, secretSaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		return meta.Put(saltKey, salt)
	})
	if err != nil {
		_ = db.Close()
		return SecretBox{}, err
	}

	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, secretKeySize, sha256.New)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		_ = db.Close()
		return SecretBox{}, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		_ = db.Close()
		return SecretBox{}, fmt.Errorf("failed to create GCM: %w", err)
	}

	return SecretBox{db: db, aead: aead}, nil
}

// Close releases the secret file.
func (s SecretBox) Close() error {
	return s.db.Close()
}

// Secret returns the secret stored under key and whether one exists.
func (s SecretBox) Secret(_ context.Context, key string) (string, bool, error) {
	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(secretsBucket).Get([]byte(key)); v != nil {
			sealed = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || sealed == nil {
		return "", false, err
	}

	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", false, ErrSecretDecrypt
	}
	// The key name is bound as associated data so a value cannot be moved under another key.
	plain, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(key))
	if err != nil {
		return "", false, ErrSecretDecrypt
	}
	return string(plain), true, nil
}

// SetSecret seals and stores value under key. An empty value deletes the secret.
func (s SecretBox) SetSecret(_ context.Context, key, value string) error {
	if value == "" {
		return s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(secretsBucket).Delete([]byte(key))
		})
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(secretsBucket).Put([]byte(key), sealed)
	})
}
