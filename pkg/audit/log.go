// Package audit implements the forensic chain: an append-only,
// hash-linked event stream with indexed query, a single-writer committer,
// and pluggable durability, following the guardian package's audit
// hash-linking scheme, generalized from a single in-memory slice to a
// committer goroutine over a bounded channel enforcing backpressure and
// a single logical writer.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/efm-runtime/efm/pkg/canonicalize"
	"github.com/efm-runtime/efm/pkg/clock"
	"github.com/efm-runtime/efm/pkg/errkind"
)

// EventType tags the category of an audit entry. The pipeline, liveness
// monitor, override interface, and judicial subsystem each write their
// own tags; the type here is intentionally an open string, not a closed
// enum, since it is genuinely extensible by every writer.
type EventType string

const (
	EventReflexBlock       EventType = "REFLEX_BLOCK"
	EventIntuitionReject   EventType = "INTUITION_REJECT"
	EventCoherenceReject   EventType = "COHERENCE_REJECT"
	EventArbiterDeny       EventType = "ARBITER_DENY"
	EventDeliberationRefuse EventType = "DELIBERATION_REFUSE"
	EventPulseAccepted     EventType = "PULSE_ACCEPTED"
	EventPulseRejected     EventType = "PULSE_REJECTED"
	EventLivenessViolation EventType = "LIVENESS_VIOLATION"
	EventLivenessFailure   EventType = "LIVENESS_FAILURE"
	EventSpawnAdmitted     EventType = "SPAWN_ADMITTED"
	EventSpawnRolledBack   EventType = "SPAWN_ROLLED_BACK"
	EventQuarantineEnter   EventType = "QUARANTINE_ENTER"
	EventQuarantineExit    EventType = "QUARANTINE_EXIT"
	EventTerminated        EventType = "TERMINATED"
	EventEscapeAttempt     EventType = "ESCAPE_ATTEMPT"
	EventSandboxEscalate   EventType = "SANDBOX_ESCALATE"
	EventOverrideReceived  EventType = "OVERRIDE_RECEIVED"
	EventSystemHalt        EventType = "SYSTEM_HALT_COMMITTED"
	EventPolicyVote        EventType = "POLICY_VOTE"
	EventPrecedentEstablished EventType = "PRECEDENT_ESTABLISHED"
)

// Entry is one record in the forensic chain.
type Entry struct {
	Seq          uint64    `json:"seq"`
	PrevHash     string    `json:"prev_hash"`
	Type         EventType `json:"type"`
	Tick         clock.Tick `json:"tick"`
	CapsuleID    string    `json:"capsule_id,omitempty"`
	Payload      string    `json:"payload"`
	ContentHash  string    `json:"content_hash"`
	WriterSig    string    `json:"writer_sig"`
	Writer       string    `json:"writer"`
	ID           string    `json:"id"`
}

func (e Entry) computeContentHash() (string, error) {
	return canonicalize.HashJSON(struct {
		Seq       uint64    `json:"seq"`
		PrevHash  string    `json:"prev_hash"`
		Type      EventType `json:"type"`
		Tick      clock.Tick `json:"tick"`
		CapsuleID string    `json:"capsule_id,omitempty"`
		Payload   string    `json:"payload"`
		Writer    string    `json:"writer"`
	}{e.Seq, e.PrevHash, e.Type, e.Tick, e.CapsuleID, e.Payload, e.Writer})
}

// SentinelPrevHash is the fixed previous-hash value for the genesis entry.
const SentinelPrevHash = "efm:audit:genesis"

// Durability selects the append durability mode.
type Durability string

const (
	Sync  Durability = "SYNC"
	Batch Durability = "BATCH"
)

// Signer signs writer identity over an entry's content hash.
type Signer interface {
	Sign(data []byte) (string, error)
}

// ReplicationBackend is the pluggable consensus backend for cross-replica
// log replication. Distributed consensus is explicitly out of scope
// here; NoopReplication is the only implementation shipped — it exists
// purely so a real backend has somewhere to plug in.
type ReplicationBackend interface {
	Replicate(ctx context.Context, e Entry) error
}

// NoopReplication performs no replication. It satisfies the
// ReplicationBackend contract (total order, durability, tamper evidence)
// vacuously, by doing nothing — appropriate only for single-node
// deployments.
type NoopReplication struct{}

func (NoopReplication) Replicate(context.Context, Entry) error { return nil }

// Store persists committed entries and answers indexed queries.
type Store interface {
	Persist(ctx context.Context, e Entry) error
	ByID(ctx context.Context, id string) (Entry, error)
	ByCapsule(ctx context.Context, capsuleID string) ([]Entry, error)
	ByType(ctx context.Context, t EventType) ([]Entry, error)
	ByTickRange(ctx context.Context, from, to clock.Tick) ([]Entry, error)
	Range(ctx context.Context, from, to uint64) ([]Entry, error)
	Tail(ctx context.Context) (Entry, bool, error)
}

// appendRequest is one unit of work sent to the committer goroutine.
type appendRequest struct {
	entry  Entry
	result chan appendResult
}

type appendResult struct {
	seq      uint64
	hash     string
	prevHash string
	err      error
}

// Log is the single-writer, hash-linked forensic chain. Writers call
// Append concurrently; a dedicated committer goroutine serializes actual
// commits, keeping a single logical writer without forcing every caller
// to hold a lock across a potentially slow persistence call.
type Log struct {
	clock       clock.Source
	store       Store
	replication ReplicationBackend
	writerSig   Signer
	durability  Durability
	logger      *slog.Logger

	mu       sync.Mutex // guards seq/prevHash bookkeeping only
	seq      uint64
	prevHash string

	requests chan appendRequest
	done     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Log with the given store, replication backend, writer
// signer, and durability mode. Capacity bounds the committer's inbound
// channel; when full, Append blocks (backpressure), which upstream
// callers turn into a typed Overloaded error via a context deadline.
func New(clk clock.Source, store Store, repl ReplicationBackend, signer Signer, durability Durability, capacity int, logger *slog.Logger) *Log {
	if repl == nil {
		repl = NoopReplication{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = 256
	}
	l := &Log{
		clock:       clk,
		store:       store,
		replication: repl,
		writerSig:   signer,
		durability:  durability,
		logger:      logger,
		prevHash:    SentinelPrevHash,
		requests:    make(chan appendRequest, capacity),
		done:        make(chan struct{}),
	}
	l.wg.Add(1)
	go l.commitLoop()
	return l
}

// Append assigns a sequence number and content hash to the entry and
// durably commits it (per the configured durability mode) before
// returning. Append never rejects on semantics — it is a pure sink; the
// only failures are infrastructure (store unavailable, context expired).
func (l *Log) Append(ctx context.Context, writer string, t EventType, tick clock.Tick, capsuleID, payload string) (Entry, error) {
	e := Entry{
		ID:        uuid.NewString(),
		Type:      t,
		Tick:      tick,
		CapsuleID: capsuleID,
		Payload:   payload,
		Writer:    writer,
	}

	req := appendRequest{entry: e, result: make(chan appendResult, 1)}
	select {
	case l.requests <- req:
	case <-ctx.Done():
		return Entry{}, errkind.Wrap("audit.Append", errkind.Overloaded, ctx.Err())
	}

	select {
	case res := <-req.result:
		if res.err != nil {
			return Entry{}, errkind.Wrap("audit.Append", errkind.AuditAppendFailed, res.err)
		}
		e.Seq = res.seq
		e.PrevHash = res.prevHash
		e.ContentHash = res.hash
		return e, nil
	case <-ctx.Done():
		return Entry{}, errkind.Wrap("audit.Append", errkind.CancelledByTimeout, ctx.Err())
	}
}

func (l *Log) commitLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			for {
				select {
				case req := <-l.requests:
					req.result <- l.commit(req.entry)
				default:
					return
				}
			}
		case req := <-l.requests:
			req.result <- l.commit(req.entry)
		}
	}
}

func (l *Log) commit(e Entry) appendResult {
	l.mu.Lock()
	e.Seq = l.seq
	e.PrevHash = l.prevHash
	l.mu.Unlock()

	hash, err := e.computeContentHash()
	if err != nil {
		return appendResult{err: fmt.Errorf("audit: hash entry: %w", err)}
	}
	e.ContentHash = hash

	if l.writerSig != nil {
		sig, err := l.writerSig.Sign([]byte(hash))
		if err != nil {
			return appendResult{err: fmt.Errorf("audit: sign entry: %w", err)}
		}
		e.WriterSig = sig
	}

	ctx := context.Background()
	if err := l.store.Persist(ctx, e); err != nil {
		return appendResult{err: fmt.Errorf("audit: persist: %w", err)}
	}
	if l.durability == Sync {
		if err := l.replication.Replicate(ctx, e); err != nil {
			l.logger.Warn("audit: replication failed for synchronous entry", "seq", e.Seq, "err", err)
		}
	} else {
		go func() {
			if err := l.replication.Replicate(context.Background(), e); err != nil {
				l.logger.Warn("audit: async replication failed", "seq", e.Seq, "err", err)
			}
		}()
	}

	l.mu.Lock()
	l.seq++
	l.prevHash = hash
	l.mu.Unlock()

	return appendResult{seq: e.Seq, hash: hash, prevHash: e.PrevHash}
}

// Close stops the committer goroutine after draining in-flight requests.
func (l *Log) Close() {
	close(l.done)
	l.wg.Wait()
}

// VerifyRange recomputes hashes and link integrity over [from, to) in
// O(n) and reports the first broken link, if any.
func (l *Log) VerifyRange(ctx context.Context, from, to uint64) (ok bool, firstBreakAt uint64, err error) {
	entries, err := l.store.Range(ctx, from, to)
	if err != nil {
		return false, 0, fmt.Errorf("audit: range fetch: %w", err)
	}
	var prevHash string
	for i, e := range entries {
		wantPrev := prevHash
		if i == 0 {
			if from == 0 {
				wantPrev = SentinelPrevHash
			} else {
				// Non-genesis range start: its predecessor lies outside
				// the range, so the first entry's link is not checked;
				// only its content hash is.
				wantPrev = e.PrevHash
			}
		}
		if e.PrevHash != wantPrev {
			return false, e.Seq, nil
		}
		computed, herr := e.computeContentHash()
		if herr != nil {
			return false, e.Seq, fmt.Errorf("audit: recompute hash: %w", herr)
		}
		if computed != e.ContentHash {
			return false, e.Seq, nil
		}
		prevHash = e.ContentHash
	}
	return true, 0, nil
}

// ByID, ByCapsule, ByType, and ByTickRange proxy the indexed queries to
// the underlying Store, forming the audit query interface.
func (l *Log) ByID(ctx context.Context, id string) (Entry, error) { return l.store.ByID(ctx, id) }
func (l *Log) ByCapsule(ctx context.Context, capsuleID string) ([]Entry, error) {
	return l.store.ByCapsule(ctx, capsuleID)
}
func (l *Log) ByType(ctx context.Context, t EventType) ([]Entry, error) {
	return l.store.ByType(ctx, t)
}
func (l *Log) ByTickRange(ctx context.Context, from, to clock.Tick) ([]Entry, error) {
	return l.store.ByTickRange(ctx, from, to)
}
