// Package vault implements the immutable constitutional store: genesis
// records, public keys, the commandment hash, and termination
// tombstones, following an append-only ledger discipline: "no update,
// no delete, append-only, registration fails on duplicate id" — the
// same shape as ledger obligation records and DecisionRecord
// immutability elsewhere in this lineage.
package vault

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/efm-runtime/efm/pkg/canonicalize"
	"github.com/efm-runtime/efm/pkg/clock"
	"github.com/efm-runtime/efm/pkg/errkind"
)

// GenesisRecord is the immutable creation tuple binding a capsule to a
// parent, a lineage depth, and a content hash. Once registered it is
// never mutated.
type GenesisRecord struct {
	CapsuleID     string    `json:"capsule_id"`
	ParentID      string    `json:"parent_id,omitempty"`
	CreationTick  clock.Tick `json:"creation_tick"`
	LineageDepth  int       `json:"lineage_depth"`
	ContentHash   string    `json:"content_hash"`
	Signature     string    `json:"signature"`
}

// Hash returns the canonical content hash of the genesis record, used as
// the CapsuleID<->genesis binding checked on every Pulse.
func (g GenesisRecord) Hash() (string, error) {
	return canonicalize.HashJSON(struct {
		CapsuleID    string     `json:"capsule_id"`
		ParentID     string     `json:"parent_id,omitempty"`
		CreationTick clock.Tick `json:"creation_tick"`
		LineageDepth int        `json:"lineage_depth"`
	}{g.CapsuleID, g.ParentID, g.CreationTick, g.LineageDepth})
}

// Tombstone records a capsule's termination. Append-only, never removed.
type Tombstone struct {
	CapsuleID string    `json:"capsule_id"`
	Reason    string    `json:"reason"`
	Tick      clock.Tick `json:"tick"`
	At        time.Time `json:"at"`
}

// Vault is the immutable constitutional store. Reads take only the
// RWMutex read lock (O(1) map lookup); registration and termination are
// the only write paths. Register is called by the Spawn Governor;
// MarkTerminated by the Spawn Governor's Rollback, the Liveness Monitor
// and the Override Handler.
type Vault struct {
	mu               sync.RWMutex
	commandmentHash  string
	rootKey          ed25519.PublicKey
	genesis          map[string]GenesisRecord
	publicKeys       map[string]ed25519.PublicKey
	tombstones       map[string]Tombstone
}

// New creates a Vault sealed with the given commandment hash and root
// verification key. Both are fixed for the process lifetime.
func New(commandmentHash string, rootKey ed25519.PublicKey) *Vault {
	return &Vault{
		commandmentHash: commandmentHash,
		rootKey:         rootKey,
		genesis:         make(map[string]GenesisRecord),
		publicKeys:      make(map[string]ed25519.PublicKey),
		tombstones:      make(map[string]Tombstone),
	}
}

// CommandmentHash returns the fixed constitutional hash constant.
func (v *Vault) CommandmentHash() string { return v.commandmentHash }

// RootKey returns the root verification key.
func (v *Vault) RootKey() ed25519.PublicKey { return v.rootKey }

// Register records a new capsule's genesis and public key. It is invoked
// exclusively by the Spawn Governor and fails if the id is already
// registered — there is no update path.
func (v *Vault) Register(genesis GenesisRecord, publicKey ed25519.PublicKey) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return errkind.New("vault.Register", errkind.SignatureInvalid, "invalid public key size")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.genesis[genesis.CapsuleID]; exists {
		return errkind.New("vault.Register", errkind.IdAlreadyRegistered, "capsule already registered: "+genesis.CapsuleID)
	}
	v.genesis[genesis.CapsuleID] = genesis
	v.publicKeys[genesis.CapsuleID] = publicKey
	return nil
}

// MarkTerminated appends a termination tombstone. Append-only: calling it
// twice for the same id fails.
func (v *Vault) MarkTerminated(id, reason string, tick clock.Tick) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.genesis[id]; !exists {
		return errkind.New("vault.MarkTerminated", errkind.IdUnknown, "unknown capsule: "+id)
	}
	if _, exists := v.tombstones[id]; exists {
		return errkind.New("vault.MarkTerminated", errkind.IdAlreadyTerminated, "already terminated: "+id)
	}
	v.tombstones[id] = Tombstone{CapsuleID: id, Reason: reason, Tick: tick, At: time.Now().UTC()}
	return nil
}

// Genesis returns the genesis record for id.
func (v *Vault) Genesis(id string) (GenesisRecord, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	g, ok := v.genesis[id]
	if !ok {
		return GenesisRecord{}, errkind.New("vault.Genesis", errkind.IdUnknown, "unknown capsule: "+id)
	}
	return g, nil
}

// PublicKey returns the registered public key for id.
func (v *Vault) PublicKey(id string) (ed25519.PublicKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	k, ok := v.publicKeys[id]
	if !ok {
		return nil, errkind.New("vault.PublicKey", errkind.IdUnknown, "unknown capsule: "+id)
	}
	return k, nil
}

// IsTerminated reports whether id has a termination tombstone.
func (v *Vault) IsTerminated(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.tombstones[id]
	return ok
}

// Tombstone returns the termination record for id, if any.
func (v *Vault) Tombstone(id string) (Tombstone, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	t, ok := v.tombstones[id]
	return t, ok
}

// IsRegistered reports whether id has a genesis record.
func (v *Vault) IsRegistered(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.genesis[id]
	return ok
}
