package coordinator

import (
	"fmt"
	"log"
	"time"

	"github.com/oddcrate/twopc/pkg/protocol"
)

// ExecuteTransaction runs the full two-phase-commit driver for one
// transaction: mints an id, snapshots the cohort, drives Phase 1
// (PREPARE/vote), decides, and drives Phase 2 (COMMIT or ABORT/ack).
// Returns the minted transaction id so the caller (typically the operator
// shell) can report it, and the final Status reached (which may be
// non-terminal if the crash flag was set mid-flight).
func (c *Coordinator) ExecuteTransaction(payload protocol.Payload) (string, Status, error) {
	c.mu.RLock()
	cohort := c.participantIDs()
	c.mu.RUnlock()

	if len(cohort) == 0 {
		return "", "", ErrNoParticipants
	}

	txnID, err := protocol.NewTransactionID()
	if err != nil {
		return "", "", err
	}

	rec := newTransactionRecord(payload, cohort)
	c.mu.Lock()
	c.transactions[txnID] = rec
	c.mu.Unlock()
	c.notify("started", txnID, fmt.Sprintf("%d participants", len(cohort)))

	if !c.phase1Prepare(txnID, cohort, payload) {
		status, _ := c.currentStatus(txnID)
		return txnID, status, nil // crashed mid-phase-1; left PREPARING for the reconciler
	}

	commit := c.allVotedYes(txnID, cohort)

	if c.crashed.Load() {
		return txnID, StatusPreparing, nil
	}

	var final Status
	if commit {
		final, err = c.phase2(txnID, cohort, payload, protocol.Commit, StatusCommitting, AckCommit, StatusCommitted)
	} else {
		final, err = c.phase2(txnID, cohort, payload, protocol.Abort, StatusAborting, AckAbort, StatusAborted)
	}
	return txnID, final, err
}

// phase1Prepare sends PREPARE to every cohort member and polls for votes.
// Returns false if the crash flag interrupted the phase.
func (c *Coordinator) phase1Prepare(txnID string, cohort []string, payload protocol.Payload) bool {
	msg := protocol.New(protocol.Prepare, txnID, payload)

	for _, id := range cohort {
		if c.crashed.Load() {
			return false
		}
		reply, err := c.sender.Send(id, msg, false)
		if err != nil {
			log.Printf("coordinator: send PREPARE to %s: %v", id, err)
			continue
		}
		if reply == nil {
			continue // deferred: participant will vote later via VOTE_RESPONSE
		}
		switch reply.Type {
		case protocol.VoteYes:
			c.RecordVote(txnID, id, true)
		case protocol.VoteNo:
			c.RecordVote(txnID, id, false)
		}
	}

	return c.pollUntilComplete(txnID, cohort, func(rec *TransactionRecord) int { return len(rec.Votes) })
}

// pollUntilComplete polls the transaction record every PollWait up to
// PollMax, returning early once count(rec) reaches len(cohort). Returns
// false if interrupted by the crash flag.
func (c *Coordinator) pollUntilComplete(txnID string, cohort []string, count func(*TransactionRecord) int) bool {
	deadline := time.Now().Add(c.PollMax)
	for {
		if c.crashed.Load() {
			return false
		}

		c.mu.RLock()
		rec := c.transactions[txnID]
		done := count(rec) >= len(cohort)
		c.mu.RUnlock()
		if done {
			return true
		}

		if time.Now().After(deadline) {
			return true // timeout: caller fills in the missing entries
		}
		time.Sleep(c.PollWait)
	}
}

// allVotedYes fills in NO for any cohort member absent from the votes map
// (timeout) and reports whether every vote is YES.
func (c *Coordinator) allVotedYes(txnID string, cohort []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.transactions[txnID]
	all := true
	for _, id := range cohort {
		v, ok := rec.Votes[id]
		if !ok {
			rec.Votes[id] = false
			v = false
		}
		if !v {
			all = false
		}
	}
	return all
}

// currentStatus returns a transaction's status without taking a full
// snapshot.
func (c *Coordinator) currentStatus(txnID string) (Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.transactions[txnID]
	if !ok {
		return "", false
	}
	return rec.Status, true
}

// phase2 drives COMMIT or ABORT against the cohort, collects acks, and
// appends the terminal history entry.
func (c *Coordinator) phase2(
	txnID string, cohort []string, payload protocol.Payload,
	kind protocol.Kind, inFlight Status,
	wantAck AckOutcome, terminal Status,
) (Status, error) {
	c.mu.Lock()
	c.transactions[txnID].Status = inFlight
	c.mu.Unlock()

	msg := protocol.New(kind, txnID, payload)

	for _, id := range cohort {
		if c.crashed.Load() {
			return inFlight, nil
		}
		reply, err := c.sender.Send(id, msg, false)
		if err != nil {
			log.Printf("coordinator: send %s to %s: %v", kind, id, err)
			continue
		}
		if reply == nil {
			continue
		}
		if (kind == protocol.Commit && reply.Type == protocol.AckCommit) ||
			(kind == protocol.Abort && reply.Type == protocol.AckAbort) {
			c.RecordAck(txnID, id, wantAck)
		}
	}

	if !c.pollUntilComplete(txnID, cohort, func(rec *TransactionRecord) int { return len(rec.Acks) }) {
		return inFlight, nil
	}

	c.appendHistory(txnID, terminal, payload)

	c.mu.Lock()
	rec := c.transactions[txnID]
	for _, id := range cohort {
		if _, ok := rec.Acks[id]; !ok {
			rec.Acks[id] = AckTimeout
		}
	}
	rec.Status = terminal
	rec.DecidedAt = time.Now()
	c.mu.Unlock()

	c.notify("decided", txnID, string(terminal))
	return terminal, nil
}

// QueryState issues QUERY_STATE to a single participant, used only by the
// recovery reconciler. Returns StatusUnknown on any transport failure.
func (c *Coordinator) QueryState(participantID, txnID string) (string, protocol.Payload) {
	msg := protocol.New(protocol.QueryState, txnID, nil)
	reply, err := c.sender.Send(participantID, msg, true)
	if err != nil || reply == nil || reply.Type != protocol.StateResponse {
		return protocol.StatusUnknown, protocol.Payload{}
	}
	return protocol.ParseStatePayload(reply.Data)
}
