package coordinator

import (
	"log"
	"time"

	"github.com/oddcrate/twopc/pkg/protocol"
)

// Recover runs the crash-recovery reconciler (SPEC_FULL §4.3): for every
// transaction left in a non-terminal status, it force-queries every
// currently-registered participant, tallies PREPARED/COMMITTED/ABORTED
// observations, and completes the transaction per the decision table.
// Clears the crash flag on return, whether or not any transaction needed
// reconciling.
func (c *Coordinator) Recover() {
	c.mu.RLock()
	pending := make(map[string]TransactionRecord)
	for id, rec := range c.transactions {
		if !rec.Status.Terminal() {
			pending[id] = rec.snapshot()
		}
	}
	registered := make(map[string]bool, len(c.participants))
	for id := range c.participants {
		registered[id] = true
	}
	c.mu.RUnlock()

	for txnID, rec := range pending {
		observations := make(map[string]string, len(registered))
		for pid := range registered {
			status, _ := c.QueryState(pid, txnID)
			observations[pid] = status
		}

		var prepared, committed, aborted int
		for _, s := range observations {
			switch s {
			case protocol.StatusPrepared:
				prepared++
			case protocol.StatusCommitted:
				committed++
			case protocol.StatusAborted:
				aborted++
			}
		}

		switch rec.Status {
		case StatusPreparing:
			if allYes(rec) {
				c.completeCommit(txnID, rec)
			} else {
				c.completeAbort(txnID, rec)
			}
		case StatusCommitting:
			// any COMMITTED observation, or a fully-PREPARED cohort, or
			// anything in between: the decision was already COMMIT and is
			// immutable, so always finish/retry COMMIT.
			_ = committed
			_ = prepared
			c.completeCommit(txnID, rec)
		case StatusAborting:
			c.completeAbort(txnID, rec)
		default:
			log.Printf("coordinator: reconciler found unexpected status %s for %s", rec.Status, txnID)
		}
	}

	c.crashed.Store(false)
}

// allYes reports whether every cohort member's recorded vote is YES and
// every member has voted.
func allYes(rec TransactionRecord) bool {
	if len(rec.Votes) != len(rec.Participants) {
		return false
	}
	for _, v := range rec.Votes {
		if !v {
			return false
		}
	}
	return true
}

// completeCommit force-sends COMMIT to the full cohort and appends the
// COMMITTED history row (appendHistory is itself idempotent per
// transaction id, so calling this more than once is safe).
func (c *Coordinator) completeCommit(txnID string, rec TransactionRecord) {
	c.forceSendAll(txnID, rec, protocol.Commit, AckCommit)
	c.appendHistory(txnID, StatusCommitted, rec.Payload)
	c.mu.Lock()
	if tx, ok := c.transactions[txnID]; ok {
		tx.Status = StatusCommitted
		tx.DecidedAt = time.Now()
	}
	c.mu.Unlock()
	c.notify("decided", txnID, "COMMITTED (recovery)")
}

// completeAbort force-sends ABORT to the full cohort and appends the
// ABORTED history row.
func (c *Coordinator) completeAbort(txnID string, rec TransactionRecord) {
	c.forceSendAll(txnID, rec, protocol.Abort, AckAbort)
	c.appendHistory(txnID, StatusAborted, rec.Payload)
	c.mu.Lock()
	if tx, ok := c.transactions[txnID]; ok {
		tx.Status = StatusAborted
		tx.DecidedAt = time.Now()
	}
	c.mu.Unlock()
	c.notify("decided", txnID, "ABORTED (recovery)")
}

func (c *Coordinator) forceSendAll(txnID string, rec TransactionRecord, kind protocol.Kind, ack AckOutcome) {
	msg := protocol.New(kind, txnID, rec.Payload)
	for _, pid := range rec.Participants {
		c.mu.RLock()
		_, known := c.participants[pid]
		c.mu.RUnlock()
		if !known {
			continue
		}
		reply, err := c.sender.Send(pid, msg, true)
		if err != nil {
			log.Printf("coordinator: recovery send %s to %s: %v", kind, pid, err)
			continue
		}
		if reply != nil {
			c.RecordAck(txnID, pid, ack)
		}
	}
}
