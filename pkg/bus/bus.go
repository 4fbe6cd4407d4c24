// Package bus implements the inter-capsule Message Bus: priority FIFO
// queues, message verification, broadcast fan-out, delivery guarantees,
// and a dead-letter queue. Follows a rate-limited, backpressure-aware
// dispatch style generalized from "rate limit one actor" to "verify and
// route one message", with a Redis-backed (redis/go-redis/v9)
// recent-delivery dedup window backing ExactlyOnce delivery.
package bus

import (
	"container/heap"
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/efm-runtime/efm/pkg/canonicalize"
	"github.com/efm-runtime/efm/pkg/clock"
	"github.com/efm-runtime/efm/pkg/crypto"
	"github.com/efm-runtime/efm/pkg/errkind"
	"github.com/efm-runtime/efm/pkg/vault"
)

func verifySignatureHex(pubKey []byte, sigHex string, data []byte) (bool, error) {
	return crypto.Verify(hex.EncodeToString(pubKey), sigHex, data)
}

// Priority is a message's delivery priority; 0 is highest, 9 is lowest.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityLowest  Priority = 9
)

// DeliveryGuarantee names the bus's delivery contract for one message.
type DeliveryGuarantee string

const (
	BestEffort  DeliveryGuarantee = "best_effort"
	AtLeastOnce DeliveryGuarantee = "at_least_once"
	ExactlyOnce DeliveryGuarantee = "exactly_once"
)

// Message is one inter-capsule communication.
type Message struct {
	ID           string
	FromCapsule  string
	ToCapsule    string // empty means broadcast
	Priority     Priority
	Guarantee    DeliveryGuarantee
	GenesisHash  string
	SignatureHex string
	TTL          clock.Tick
	SentAtTick   clock.Tick
	HopCount     int
	Payload      []byte
}

const maxHopCount = 16

// VerifyError enumerates why Verify rejected a message.
type VerifyError string

const (
	VerifyBadSignature VerifyError = "bad_signature"
	VerifyGenesisMismatch VerifyError = "genesis_mismatch"
	VerifyTTLExpired      VerifyError = "ttl_expired"
	VerifyHopLimitExceeded VerifyError = "hop_limit_exceeded"
	VerifyDuplicate        VerifyError = "duplicate"
)

// signedFields is the canonicalized payload a capsule signs to
// authenticate a message.
type signedFields struct {
	ID          string `json:"id"`
	FromCapsule string `json:"from_capsule"`
	ToCapsule   string `json:"to_capsule"`
	PayloadHash string `json:"payload_hash"`
}

// Verify checks a message's signature against the Vault, its genesis
// binding, TTL, hop count, and dedup status. now is the current logical
// tick.
func (b *Bus) Verify(ctx context.Context, msg Message, now clock.Tick) (VerifyError, error) {
	if now > msg.SentAtTick+msg.TTL {
		return VerifyTTLExpired, nil
	}
	if msg.HopCount > maxHopCount {
		return VerifyHopLimitExceeded, nil
	}

	genesis, err := b.vault.Genesis(msg.FromCapsule)
	if err != nil || genesis.ContentHash != msg.GenesisHash {
		return VerifyGenesisMismatch, nil
	}

	pubKey, err := b.vault.PublicKey(msg.FromCapsule)
	if err != nil {
		return VerifyGenesisMismatch, nil
	}
	payloadHash := canonicalize.Hash(msg.Payload)
	canonical, err := canonicalize.JSON(signedFields{ID: msg.ID, FromCapsule: msg.FromCapsule, ToCapsule: msg.ToCapsule, PayloadHash: payloadHash})
	if err != nil {
		return VerifyBadSignature, nil
	}
	data := canonicalize.DomainBytes("efm:bus:message:v1", canonical)
	ok, err := verifySignatureHex(pubKey, msg.SignatureHex, data)
	if err != nil || !ok {
		return VerifyBadSignature, nil
	}

	if msg.Guarantee == ExactlyOnce {
		seen, err := b.dedup.SeenBefore(ctx, msg.ID, dedupWindow)
		if err != nil {
			return "", err
		}
		if seen {
			return VerifyDuplicate, nil
		}
	}

	return "", nil
}

// dedupWindow is how long a message id is remembered for ExactlyOnce
// deduplication.
const dedupWindow = 5 * time.Minute

// pqItem wraps a Message for the priority queue.
type pqItem struct {
	msg   Message
	index int
	seq   uint64
}

// priorityQueue orders lower Priority values first, and within equal
// priority, FIFO by insertion sequence.
type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].msg.Priority != pq[j].msg.Priority {
		return pq[i].msg.Priority < pq[j].msg.Priority
	}
	return pq[i].seq < pq[j].seq
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// DeadLetter is one message that could not be delivered.
type DeadLetter struct {
	Message Message
	Reason  string
}

// Bus routes verified messages by priority, fanning broadcasts out to
// every subscriber and diverting undeliverable messages to a dead-letter
// queue.
type Bus struct {
	mu          sync.Mutex
	queue       priorityQueue
	seq         uint64
	subscribers map[string]chan Message
	deadLetters []DeadLetter
	vault       *vault.Vault
	dedup       DedupCache
}

// New constructs a Bus.
func New(v *vault.Vault, dedup DedupCache) *Bus {
	return &Bus{subscribers: make(map[string]chan Message), vault: v, dedup: dedup}
}

// Subscribe registers a delivery channel for capsuleID. Only one
// subscription per capsule is supported; a later call replaces the
// earlier one.
func (b *Bus) Subscribe(capsuleID string, buffer int) <-chan Message {
	ch := make(chan Message, buffer)
	b.mu.Lock()
	b.subscribers[capsuleID] = ch
	b.mu.Unlock()
	return ch
}

// Enqueue verifies then queues a message for delivery. A failed
// verification routes the message directly to the dead-letter queue and
// returns the verify reason as a typed error.
func (b *Bus) Enqueue(ctx context.Context, msg Message, now clock.Tick) error {
	reason, err := b.Verify(ctx, msg, now)
	if err != nil {
		return err
	}
	if reason != "" {
		b.mu.Lock()
		b.deadLetters = append(b.deadLetters, DeadLetter{Message: msg, Reason: string(reason)})
		b.mu.Unlock()
		return errkind.New("bus.Enqueue", errkind.Rejected, string(reason))
	}

	b.mu.Lock()
	b.seq++
	heap.Push(&b.queue, &pqItem{msg: msg, seq: b.seq})
	b.mu.Unlock()
	return nil
}

// Drain delivers every currently queued message in priority order, to a
// single recipient or, for broadcasts (ToCapsule == ""), to every
// subscriber. Messages for a subscriber whose channel is full are moved
// to the dead-letter queue rather than blocking.
func (b *Bus) Drain() []DeadLetter {
	b.mu.Lock()
	items := make(priorityQueue, len(b.queue))
	copy(items, b.queue)
	b.queue = b.queue[:0]
	subs := make(map[string]chan Message, len(b.subscribers))
	for k, v := range b.subscribers {
		subs[k] = v
	}
	b.mu.Unlock()

	heap.Init(&items)
	var newDeadLetters []DeadLetter
	for len(items) > 0 {
		item := heap.Pop(&items).(*pqItem)
		msg := item.msg
		if msg.ToCapsule == "" {
			for _, ch := range subs {
				b.deliverOne(msg, ch, &newDeadLetters)
			}
			continue
		}
		ch, ok := subs[msg.ToCapsule]
		if !ok {
			newDeadLetters = append(newDeadLetters, DeadLetter{Message: msg, Reason: "no_subscriber"})
			continue
		}
		b.deliverOne(msg, ch, &newDeadLetters)
	}

	if len(newDeadLetters) > 0 {
		b.mu.Lock()
		b.deadLetters = append(b.deadLetters, newDeadLetters...)
		b.mu.Unlock()
	}
	return newDeadLetters
}

func (b *Bus) deliverOne(msg Message, ch chan Message, deadLetters *[]DeadLetter) {
	select {
	case ch <- msg:
	default:
		*deadLetters = append(*deadLetters, DeadLetter{Message: msg, Reason: "subscriber_full"})
	}
}

// DeadLetters returns a snapshot of the dead-letter queue.
func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}
