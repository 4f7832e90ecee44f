// Package coordinator implements the coordinator side of the two-phase
// commit protocol: peer registration, the per-transaction driver, the
// crash-recovery reconciler, and the TCP dispatcher that ties them to the
// wire protocol in pkg/protocol.
package coordinator

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oddcrate/twopc/pkg/protocol"
)

// Status is a transaction record's lifecycle state.
type Status string

const (
	StatusPreparing  Status = "PREPARING"
	StatusCommitting Status = "COMMITTING"
	StatusAborting   Status = "ABORTING"
	StatusCommitted  Status = "COMMITTED"
	StatusAborted    Status = "ABORTED"
)

// Terminal reports whether s is a decided, append-to-history status.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusAborted
}

// AckOutcome is the value recorded in a TransactionRecord's Acks map.
type AckOutcome string

const (
	AckCommit AckOutcome = "ACK_COMMIT"
	AckAbort  AckOutcome = "ACK_ABORT"
	AckTimeout AckOutcome = "TIMEOUT"
)

// Address is a participant's registered network location.
type Address struct {
	Host string
	Port int
}

// TransactionRecord is the coordinator's per-transaction aggregate: the
// payload, the cohort snapshot taken at start, the votes and acks
// collected so far, and the current lifecycle status. Never destroyed —
// retained for queries and post-crash reconciliation.
type TransactionRecord struct {
	Payload      protocol.Payload
	Participants []string // cohort snapshot, frozen at transaction start
	Votes        map[string]bool
	Acks         map[string]AckOutcome
	Status       Status
	StartedAt    time.Time
	DecidedAt    time.Time // zero until Status becomes terminal
}

func newTransactionRecord(payload protocol.Payload, participants []string) *TransactionRecord {
	return &TransactionRecord{
		Payload:      payload,
		Participants: participants,
		Votes:        make(map[string]bool),
		Acks:         make(map[string]AckOutcome),
		Status:       StatusPreparing,
		StartedAt:    time.Now(),
	}
}

// snapshot returns a value copy safe to hand to a caller outside the lock.
func (r *TransactionRecord) snapshot() TransactionRecord {
	cp := *r
	cp.Participants = append([]string(nil), r.Participants...)
	cp.Votes = make(map[string]bool, len(r.Votes))
	for k, v := range r.Votes {
		cp.Votes[k] = v
	}
	cp.Acks = make(map[string]AckOutcome, len(r.Acks))
	for k, v := range r.Acks {
		cp.Acks[k] = v
	}
	return cp
}

// HistoryEntry is one append-only decision history row.
type HistoryEntry struct {
	TransactionID string
	Status        Status // StatusCommitted or StatusAborted
	Payload       protocol.Payload
	Timestamp     time.Time
}

// Sender is the minimal outbound transport the driver and reconciler need:
// deliver msg to the participant registered under id and return its
// immediate reply, if any. A nil Message with a nil error means the peer
// closed without replying (a deferred response, expected to arrive later
// via a control envelope). force bypasses the crash gate for recovery.
type Sender interface {
	Send(id string, msg protocol.Message, force bool) (*protocol.Message, error)
}

// Coordinator holds the registry, transaction table, and decision history
// for one coordinator node, guarded by a single mutex per SPEC_FULL §5.
type Coordinator struct {
	mu           sync.RWMutex
	participants map[string]Address
	transactions map[string]*TransactionRecord
	history      []HistoryEntry

	crashed atomic.Bool

	sender   Sender
	PollWait time.Duration // time between vote/ack polls; default 1s
	PollMax  time.Duration // max time to wait for a full cohort; default 60s

	events EventSink // optional observability tap, see SPEC_FULL §4.6
}

// EventSink receives a notification for every coordinator state
// transition worth showing a passive observer (§4.6). Implementations
// must not block for long; the driver calls it synchronously.
type EventSink interface {
	Notify(kind string, txnID string, detail string)
}

// New creates a Coordinator. sender performs the actual network I/O; see
// NewTCPSender in server.go for the production implementation.
func New(sender Sender) *Coordinator {
	return &Coordinator{
		participants: make(map[string]Address),
		transactions: make(map[string]*TransactionRecord),
		sender:       sender,
		PollWait:     time.Second,
		PollMax:      60 * time.Second,
	}
}

// SetEventSink installs an observability tap. Passing nil disables it.
func (c *Coordinator) SetEventSink(sink EventSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = sink
}

func (c *Coordinator) notify(kind, txnID, detail string) {
	c.mu.RLock()
	sink := c.events
	c.mu.RUnlock()
	if sink != nil {
		sink.Notify(kind, txnID, detail)
	}
}

// Crashed reports the current crash flag value.
func (c *Coordinator) Crashed() bool {
	return c.crashed.Load()
}

// Crash sets the crash flag. Idempotent.
func (c *Coordinator) Crash() {
	c.crashed.Store(true)
}

// Register adds or overwrites a participant's address in the registry.
// Re-registration overwrites; insertion order is not significant.
func (c *Coordinator) Register(id string, addr Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants[id] = addr
}

// Participants returns a snapshot of the current registry.
func (c *Coordinator) Participants() map[string]Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Address, len(c.participants))
	for k, v := range c.participants {
		out[k] = v
	}
	return out
}

// participantIDs returns the current registry's keys, order unspecified.
func (c *Coordinator) participantIDs() []string {
	ids := make([]string, 0, len(c.participants))
	for id := range c.participants {
		ids = append(ids, id)
	}
	return ids
}

// Transaction returns a value-copy snapshot of a transaction record.
func (c *Coordinator) Transaction(txnID string) (TransactionRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.transactions[txnID]
	if !ok {
		return TransactionRecord{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, txnID)
	}
	return rec.snapshot(), nil
}

// Transactions returns a snapshot of the entire transaction table, keyed
// by transaction id.
func (c *Coordinator) Transactions() map[string]TransactionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]TransactionRecord, len(c.transactions))
	for id, rec := range c.transactions {
		out[id] = rec.snapshot()
	}
	return out
}

// History returns a snapshot of the decision history in append order.
func (c *Coordinator) History() []HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]HistoryEntry(nil), c.history...)
}

// appendHistory records a terminal decision exactly once per transaction
// id, guarding against duplicate rows if called more than once (the
// reconciler may revisit an already-finished transaction).
func (c *Coordinator) appendHistory(txnID string, status Status, payload protocol.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.history {
		if h.TransactionID == txnID {
			return
		}
	}
	c.history = append(c.history, HistoryEntry{
		TransactionID: txnID,
		Status:        status,
		Payload:       payload,
		Timestamp:     time.Now(),
	})
}

// RecordVote applies a deferred VOTE_RESPONSE to the named transaction.
// Discarded (per invariant 4) if the transaction is unknown or already
// terminal.
func (c *Coordinator) RecordVote(txnID, participantID string, yes bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.transactions[txnID]
	if !ok || rec.Status.Terminal() {
		return
	}
	rec.Votes[participantID] = yes
}

// RecordAck applies a deferred ACK_RESPONSE to the named transaction.
// Discarded if the transaction is unknown or already terminal.
func (c *Coordinator) RecordAck(txnID, participantID string, outcome AckOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.transactions[txnID]
	if !ok || rec.Status.Terminal() {
		return
	}
	rec.Acks[participantID] = outcome
}
