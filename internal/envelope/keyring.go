package envelope

import (
	"fmt"
	"sync"
)

// Keyring resolves HMAC signing keys by id. Signing always uses the active
// key; verification resolves any known key so messages signed before a
// rotation still verify until their replay window closes.
type Keyring struct {
	mu       sync.RWMutex
	keys     map[string][]byte
	activeID string
}

// NewKeyring creates a keyring with a single active key.
func NewKeyring(activeID string, secret []byte) (*Keyring, error) {
	if activeID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret is required")
	}
	return &Keyring{
		keys:     map[string][]byte{activeID: secret},
		activeID: activeID,
	}, nil
}

// Active returns the active key id and its secret.
func (k *Keyring) Active() (string, []byte) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeID, k.keys[k.activeID]
}

// ActiveKeyID returns the id signing currently uses.
func (k *Keyring) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeID
}

// Resolve returns the secret for any known key id.
func (k *Keyring) Resolve(id string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	secret, ok := k.keys[id]
	return secret, ok
}

// Rotate registers a new key and atomically makes it the active signing key.
// Prior keys remain resolvable for verification.
func (k *Keyring) Rotate(id string, secret []byte) error {
	if id == "" {
		return fmt.Errorf("key id is required")
	}
	if len(secret) == 0 {
		return fmt.Errorf("secret is required")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[id] = secret
	k.activeID = id
	return nil
}
