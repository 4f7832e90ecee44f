// Package participant implements the participant (cohort member) side of
// the two-phase commit protocol: the three-collection state machine, the
// pending-slot/operator-arbitration model, failure injection, and the
// crash/recover lifecycle.
package participant

import (
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oddcrate/twopc/pkg/protocol"
)

// pendingTimeout is how long a pending slot waits for operator arbitration
// before a default outcome applies (SPEC_FULL §4.4).
const pendingTimeout = 30 * time.Second

// CoordinatorClient is the participant's outbound transport: pushing
// control envelopes back to the coordinator on fresh connections.
type CoordinatorClient interface {
	Register(participantID, host string, port int, token string) error
	PushVote(participantID, txnID string, yes bool) error
	PushAck(participantID, txnID string, outcome protocol.Kind) error
	RequestHistory(participantID string) ([]protocol.HistoryRecord, error)
}

// pendingSlot holds one transaction awaiting operator arbitration. Timeout
// workers compare a captured *pendingSlot by identity against the current
// slot field before acting, so a slot cleared by an operator vote/ack
// cannot be raced by a stale timer (SPEC_FULL §5).
type pendingSlot struct {
	TransactionID string
	Payload       protocol.Payload
}

// Participant holds one node's three transaction collections, its pending
// slots, and its failure-injection rate, guarded by a single mutex.
type Participant struct {
	ID   string
	Host string
	Port int

	client CoordinatorClient

	mu          sync.Mutex
	prepared    map[string]protocol.Payload
	committed   map[string]protocol.Payload
	aborted     map[string]protocol.Payload
	pendingVote *pendingSlot
	pendingCommit *pendingSlot
	pendingAbort  *pendingSlot
	failureRate float64

	crashed atomic.Bool

	rng *rand.Rand
}

// New creates a Participant. client performs the outbound control-envelope
// pushes; see TCPClient in server.go for the production implementation.
func New(id, host string, port int, client CoordinatorClient) *Participant {
	return &Participant{
		ID:        id,
		Host:      host,
		Port:      port,
		client:    client,
		prepared:  make(map[string]protocol.Payload),
		committed: make(map[string]protocol.Payload),
		aborted:   make(map[string]protocol.Payload),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Crashed reports the current crash flag.
func (p *Participant) Crashed() bool { return p.crashed.Load() }

// Crash sets the crash flag and discards all pending slots; they are not
// restored on recovery (SPEC_FULL §4.4).
func (p *Participant) Crash() {
	p.crashed.Store(true)
	p.mu.Lock()
	p.pendingVote, p.pendingCommit, p.pendingAbort = nil, nil, nil
	p.mu.Unlock()
}

// SetFailureRate installs a new failure-injection probability in [0, 1].
func (p *Participant) SetFailureRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failureRate = rate
}

func (p *Participant) rollFailure() bool {
	p.mu.Lock()
	rate := p.failureRate
	p.mu.Unlock()
	if rate <= 0 {
		return false
	}
	return p.rng.Float64() < rate
}

// QueryState returns the current status for txnID by consulting the three
// collections in turn, or StatusUnknown if it appears in none.
func (p *Participant) QueryState(txnID string) (string, protocol.Payload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if data, ok := p.committed[txnID]; ok {
		return protocol.StatusCommitted, data
	}
	if data, ok := p.aborted[txnID]; ok {
		return protocol.StatusAborted, data
	}
	if data, ok := p.prepared[txnID]; ok {
		return protocol.StatusPrepared, data
	}
	return protocol.StatusUnknown, protocol.Payload{}
}

// Committed returns a snapshot of the committed collection, for the `data`
// operator command.
func (p *Participant) Committed() map[string]protocol.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]protocol.Payload, len(p.committed))
	for k, v := range p.committed {
		out[k] = v
	}
	return out
}

// Status summarizes collection sizes and pending slots for the `status`
// operator command.
type Status struct {
	Prepared, Committed, Aborted int
	PendingVote, PendingCommit, PendingAbort string // transaction id, or ""
}

func (p *Participant) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{Prepared: len(p.prepared), Committed: len(p.committed), Aborted: len(p.aborted)}
	if p.pendingVote != nil {
		s.PendingVote = p.pendingVote.TransactionID
	}
	if p.pendingCommit != nil {
		s.PendingCommit = p.pendingCommit.TransactionID
	}
	if p.pendingAbort != nil {
		s.PendingAbort = p.pendingAbort.TransactionID
	}
	return s
}

// HandlePrepare processes an inbound PREPARE. Failure injection, if it
// fires, answers VOTE_NO immediately over the same connection; otherwise
// the transaction is parked in pending_vote awaiting operator arbitration
// or a 30 second timeout, and HandlePrepare returns a nil reply (the vote
// arrives later via a VOTE_RESPONSE push).
func (p *Participant) HandlePrepare(txnID string, payload protocol.Payload) *protocol.Message {
	if p.rollFailure() {
		reply := protocol.New(protocol.VoteNo, txnID, nil)
		return &reply
	}

	slot := &pendingSlot{TransactionID: txnID, Payload: payload}
	p.mu.Lock()
	p.pendingVote = slot
	p.mu.Unlock()

	time.AfterFunc(pendingTimeout, func() { p.timeoutVote(slot) })
	return nil
}

func (p *Participant) timeoutVote(slot *pendingSlot) {
	p.mu.Lock()
	if p.pendingVote != slot {
		p.mu.Unlock()
		return // already arbitrated or superseded
	}
	p.pendingVote = nil
	p.mu.Unlock()

	if err := p.client.PushVote(p.ID, slot.TransactionID, false); err != nil {
		log.Printf("participant %s: push timeout VOTE_NO for %s: %v", p.ID, slot.TransactionID, err)
	}
}

// Vote resolves the current pending_vote slot. yes=true promotes it into
// prepared and pushes VOTE_RESPONSE YES; yes=false discards it and pushes
// VOTE_RESPONSE NO.
func (p *Participant) Vote(yes bool) error {
	p.mu.Lock()
	slot := p.pendingVote
	if slot == nil {
		p.mu.Unlock()
		return ErrNotPrepared
	}
	p.pendingVote = nil
	if yes {
		p.prepared[slot.TransactionID] = slot.Payload
	}
	p.mu.Unlock()

	return p.client.PushVote(p.ID, slot.TransactionID, yes)
}

// HandleCommit processes an inbound COMMIT. Failure injection silently
// drops it. A COMMIT for an id not in prepared is rejected immediately
// with ACK_ABORT. Otherwise the transaction moves to pending_commit
// awaiting operator arbitration or a 30 second timeout (defaulting to
// ACK_COMMIT).
func (p *Participant) HandleCommit(txnID string, payload protocol.Payload) *protocol.Message {
	if p.rollFailure() {
		return nil
	}

	p.mu.Lock()
	data, ok := p.prepared[txnID]
	if !ok {
		p.mu.Unlock()
		reply := protocol.New(protocol.AckAbort, txnID, nil)
		return &reply
	}
	if payload != nil {
		data = payload
	}
	slot := &pendingSlot{TransactionID: txnID, Payload: data}
	p.pendingCommit = slot
	p.mu.Unlock()

	time.AfterFunc(pendingTimeout, func() { p.timeoutCommit(slot) })
	return nil
}

func (p *Participant) timeoutCommit(slot *pendingSlot) {
	p.mu.Lock()
	if p.pendingCommit != slot {
		p.mu.Unlock()
		return
	}
	p.pendingCommit = nil
	delete(p.prepared, slot.TransactionID)
	p.committed[slot.TransactionID] = slot.Payload
	p.mu.Unlock()

	if err := p.client.PushAck(p.ID, slot.TransactionID, protocol.AckCommit); err != nil {
		log.Printf("participant %s: push timeout ACK_COMMIT for %s: %v", p.ID, slot.TransactionID, err)
	}
}

// HandleAbort processes an inbound ABORT. Failure injection silently
// drops it. Otherwise the transaction (present or absent in prepared)
// moves to pending_abort awaiting operator arbitration or a 30 second
// timeout (defaulting to ACK_ABORT).
func (p *Participant) HandleAbort(txnID string, payload protocol.Payload) *protocol.Message {
	if p.rollFailure() {
		return nil
	}

	p.mu.Lock()
	data, ok := p.prepared[txnID]
	if !ok {
		data = payload
	}
	slot := &pendingSlot{TransactionID: txnID, Payload: data}
	p.pendingAbort = slot
	p.mu.Unlock()

	time.AfterFunc(pendingTimeout, func() { p.timeoutAbort(slot) })
	return nil
}

func (p *Participant) timeoutAbort(slot *pendingSlot) {
	p.mu.Lock()
	if p.pendingAbort != slot {
		p.mu.Unlock()
		return
	}
	p.pendingAbort = nil
	delete(p.prepared, slot.TransactionID)
	p.aborted[slot.TransactionID] = slot.Payload
	p.mu.Unlock()

	if err := p.client.PushAck(p.ID, slot.TransactionID, protocol.AckAbort); err != nil {
		log.Printf("participant %s: push timeout ACK_ABORT for %s: %v", p.ID, slot.TransactionID, err)
	}
}

// AckCommit resolves an outstanding pending_commit with ACK_COMMIT. If no
// pending_commit exists, it is an error: there is nothing to confirm.
func (p *Participant) AckCommit() error {
	p.mu.Lock()
	slot := p.pendingCommit
	if slot == nil {
		p.mu.Unlock()
		return ErrNotPrepared
	}
	p.pendingCommit = nil
	delete(p.prepared, slot.TransactionID)
	p.committed[slot.TransactionID] = slot.Payload
	p.mu.Unlock()

	return p.client.PushAck(p.ID, slot.TransactionID, protocol.AckCommit)
}

// AckAbort resolves an outstanding pending_abort with ACK_ABORT. If none
// exists but a pending_commit does, the operator may defy the incoming
// COMMIT and abort it instead (SPEC_FULL §4.4's documented "operator
// replies ack abort" transition).
func (p *Participant) AckAbort() error {
	p.mu.Lock()
	slot := p.pendingAbort
	if slot == nil {
		slot = p.pendingCommit
		p.pendingCommit = nil
	} else {
		p.pendingAbort = nil
	}
	if slot == nil {
		p.mu.Unlock()
		return ErrNotPrepared
	}
	delete(p.prepared, slot.TransactionID)
	p.aborted[slot.TransactionID] = slot.Payload
	p.mu.Unlock()

	return p.client.PushAck(p.ID, slot.TransactionID, protocol.AckAbort)
}

// Recover re-registers with the coordinator (the crash may have dropped
// the original registration, and the coordinator itself may have
// restarted), then fetches the coordinator's decision history and promotes
// or inserts each record into the committed/aborted collections. Clears
// the crash flag once the history is applied; if re-registration or the
// history request fails, it returns the error with the flag still set.
func (p *Participant) Recover() error {
	if err := p.client.Register(p.ID, p.Host, p.Port, ""); err != nil {
		return err
	}

	records, err := p.client.RequestHistory(p.ID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	for _, rec := range records {
		delete(p.prepared, rec.TransactionID)
		switch rec.Status {
		case protocol.StatusCommitted:
			p.committed[rec.TransactionID] = rec.Data
		case protocol.StatusAborted:
			p.aborted[rec.TransactionID] = rec.Data
		}
	}
	p.mu.Unlock()

	p.crashed.Store(false)
	return nil
}
