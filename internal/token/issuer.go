// Package token mints and verifies the short-lived, session-scoped
// credentials that authorize a worker to submit status callbacks. Tokens are
// compact strings of the form keyID.payload.signature, HMAC-SHA256 signed
// with a process-wide key. Verification accepts either the current or the
// immediately-previous key so rotation never invalidates in-flight workers.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrExpired    = errors.New("token expired")
	ErrMalformed  = errors.New("token malformed")
	ErrUnknownKey = errors.New("token signed with unknown key")
	ErrNoKey      = errors.New("signing key material unavailable")
)

type signingKey struct {
	id     string
	secret []byte
}

// Keyring holds the process-wide signing key. Read-mostly: loaded once at
// startup, swapped atomically on rotation. The previous key stays valid for
// verification during the rotation window.
type Keyring struct {
	mu       sync.RWMutex
	current  signingKey
	previous *signingKey
}

func NewKeyring(id string, secret []byte) (*Keyring, error) {
	if len(secret) == 0 {
		return nil, ErrNoKey
	}
	if strings.Contains(id, ".") {
		return nil, fmt.Errorf("key id must not contain '.'")
	}
	return &Keyring{current: signingKey{id: id, secret: secret}}, nil
}

// Rotate installs a new current key. The outgoing key is retained so tokens
// signed with it keep verifying until the next rotation.
func (k *Keyring) Rotate(id string, secret []byte) error {
	if len(secret) == 0 {
		return ErrNoKey
	}
	if strings.Contains(id, ".") {
		return fmt.Errorf("key id must not contain '.'")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	prev := k.current
	k.previous = &prev
	k.current = signingKey{id: id, secret: secret}
	return nil
}

func (k *Keyring) currentKey() signingKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

func (k *Keyring) lookup(id string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.current.id == id {
		return k.current.secret, true
	}
	if k.previous != nil && k.previous.id == id {
		return k.previous.secret, true
	}
	return nil, false
}

type claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Issuer mints and verifies session-scoped credentials. It has no storage;
// whether the subject still names a live session is the caller's check.
type Issuer struct {
	keys *Keyring
	now  func() time.Time
}

func NewIssuer(keys *Keyring) *Issuer {
	return &Issuer{keys: keys, now: time.Now}
}

// Issue mints a credential bound to sessionID, valid for ttl.
func (i *Issuer) Issue(sessionID string, ttl time.Duration) (string, error) {
	key := i.keys.currentKey()
	if len(key.secret) == 0 {
		return "", ErrNoKey
	}

	now := i.now()
	payload, err := json.Marshal(claims{
		Subject:   sessionID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	sig := sign(key.secret, key.id+"."+encoded)
	return key.id + "." + encoded + "." + sig, nil
}

// Verify checks signature and expiry and returns the subject session id.
// Errors distinguish expired, malformed, and unknown-key credentials so the
// ingestion path can decide between dropping an event as untrusted versus
// logging it as stale.
func (i *Issuer) Verify(credential string) (string, error) {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	keyID, encoded, sig := parts[0], parts[1], parts[2]

	secret, ok := i.keys.lookup(keyID)
	if !ok {
		return "", ErrUnknownKey
	}

	expected := sign(secret, keyID+"."+encoded)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return "", ErrMalformed
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformed
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", ErrMalformed
	}
	if c.Subject == "" {
		return "", ErrMalformed
	}
	if i.now().Unix() >= c.ExpiresAt {
		return "", ErrExpired
	}

	return c.Subject, nil
}

func sign(secret []byte, data string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
