// Package auth authenticates API clients by key.
//
// Keys are issued offline (score -keygen) and configured as
// name:sha256hex entries, so the server never holds a raw key. An empty
// keyring disables authentication.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeyPrefix starts every issued key.
const KeyPrefix = "kg_"

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Client is an authenticated caller.
type Client struct {
	Name string `json:"name"`
}

// Keyring maps key hashes to clients. It is read-only after construction.
type Keyring struct {
	byHash map[string]*Client
}

// NewKeyring parses name:sha256hex entries. Names must be unique.
func NewKeyring(entries []string) (*Keyring, error) {
	k := &Keyring{byHash: make(map[string]*Client, len(entries))}
	names := make(map[string]bool, len(entries))
	for _, entry := range entries {
		name, hash, ok := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		hash = strings.ToLower(strings.TrimSpace(hash))
		if !ok || name == "" {
			return nil, fmt.Errorf("API key entry %q: want name:sha256hex", entry)
		}
		if b, err := hex.DecodeString(hash); err != nil || len(b) != sha256.Size {
			return nil, fmt.Errorf("API key %q: hash must be 64 hex characters", name)
		}
		if names[name] {
			return nil, fmt.Errorf("API key %q: duplicate name", name)
		}
		names[name] = true
		k.byHash[hash] = &Client{Name: name}
	}
	return k, nil
}

// Enabled reports whether any key is configured.
func (k *Keyring) Enabled() bool {
	return k != nil && len(k.byHash) > 0
}

// Len returns the number of configured keys.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}
	return len(k.byHash)
}

// Validate resolves a raw key, with or without a "Bearer " prefix.
func (k *Keyring) Validate(raw string) (*Client, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, KeyPrefix) || k == nil {
		return nil, ErrInvalidAPIKey
	}
	client, ok := k.byHash[Hash(raw)]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return client, nil
}

// GenerateKey returns a new raw key and the keyring entry for it. The raw
// key is shown once and never stored.
func GenerateKey(name string) (raw, entry string, err error) {
	if name == "" || strings.ContainsAny(name, ":,") {
		return "", "", errors.New("key name must be non-empty and contain no colon or comma")
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = KeyPrefix + hex.EncodeToString(b)
	return raw, name + ":" + Hash(raw), nil
}

// Hash is the stored form of a raw key.
func Hash(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
