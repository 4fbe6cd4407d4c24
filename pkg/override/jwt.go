// Package override implements the authenticated operator command
// channel: JWT-verified operator identity, level-gated commands, a
// pre-execution audit entry, and a hard latency bound. JWT verification
// follows the JWTValidator pattern (ParseWithClaims plus a KeySet-backed
// key function) generalized from HTTP bearer tokens to override command
// envelopes.
package override

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorLevel is an operator's authorization tier. Higher levels are a
// strict superset of lower ones.
type OperatorLevel int

const (
	LevelObserver      OperatorLevel = 1
	LevelAdvisor       OperatorLevel = 2
	LevelQuarantiner   OperatorLevel = 3
	LevelHaltAuthority OperatorLevel = 4
	LevelRoot          OperatorLevel = 5
)

// Claims are the JWT claims an operator token carries.
type Claims struct {
	jwt.RegisteredClaims
	OperatorID string        `json:"operator_id"`
	Level      OperatorLevel `json:"level"`
}

// KeySet resolves an operator id to its Ed25519 verification key, the
// same indirection identity.KeySet provides for tenant signing keys.
type KeySet struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeySet constructs an empty KeySet.
func NewKeySet() *KeySet {
	return &KeySet{keys: make(map[string]ed25519.PublicKey)}
}

// Add registers an operator's verification key.
func (k *KeySet) Add(operatorID string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[operatorID] = pub
}

func (k *KeySet) lookup(operatorID string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[operatorID]
	return pub, ok
}

// Validator verifies operator JWTs against a KeySet.
type Validator struct {
	keys *KeySet
}

// NewValidator constructs a Validator.
func NewValidator(keys *KeySet) *Validator {
	return &Validator{keys: keys}
}

// Validate parses and verifies an operator token, requiring the EdDSA
// signing method and a non-empty operator id bound to a known key.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		operatorID := t.Claims.(*Claims).OperatorID
		pub, ok := v.keys.lookup(operatorID)
		if !ok {
			return nil, fmt.Errorf("unknown operator: %s", operatorID)
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return nil, fmt.Errorf("override: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("override: invalid token")
	}
	if claims.OperatorID == "" {
		return nil, fmt.Errorf("override: token missing operator id")
	}
	return claims, nil
}
