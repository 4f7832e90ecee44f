package coordinator

import (
	"testing"
	"time"

	"github.com/oddcrate/twopc/pkg/protocol"
)

// stubSender replies to PREPARE/COMMIT/ABORT per a per-participant handler,
// installed directly on the unexported sender field (tests live in package
// coordinator).
type stubSender struct {
	handlers map[string]func(protocol.Message) (*protocol.Message, error)
}

func (s *stubSender) Send(id string, msg protocol.Message, force bool) (*protocol.Message, error) {
	h, ok := s.handlers[id]
	if !ok {
		return nil, nil
	}
	return h(msg)
}

func votesAndAcks(vote protocol.Kind) func(protocol.Message) (*protocol.Message, error) {
	return func(msg protocol.Message) (*protocol.Message, error) {
		switch msg.Type {
		case protocol.Prepare:
			reply := protocol.New(vote, msg.TransactionID, nil)
			return &reply, nil
		case protocol.Commit:
			reply := protocol.New(protocol.AckCommit, msg.TransactionID, nil)
			return &reply, nil
		case protocol.Abort:
			reply := protocol.New(protocol.AckAbort, msg.TransactionID, nil)
			return &reply, nil
		}
		return nil, nil
	}
}

func newTestCoordinator(handlers map[string]func(protocol.Message) (*protocol.Message, error)) *Coordinator {
	c := New(&stubSender{handlers: handlers})
	c.PollWait = 5 * time.Millisecond
	c.PollMax = 200 * time.Millisecond
	return c
}

func TestExecuteTransactionAllYesCommits(t *testing.T) {
	c := newTestCoordinator(map[string]func(protocol.Message) (*protocol.Message, error){
		"p1": votesAndAcks(protocol.VoteYes),
		"p2": votesAndAcks(protocol.VoteYes),
	})
	c.Register("p1", Address{Host: "localhost", Port: 6001})
	c.Register("p2", Address{Host: "localhost", Port: 6002})

	txnID, status, err := c.ExecuteTransaction(protocol.Payload{"k": "v"})
	if err != nil {
		t.Fatalf("ExecuteTransaction: %v", err)
	}
	if status != StatusCommitted {
		t.Fatalf("expected COMMITTED, got %s", status)
	}

	hist := c.History()
	if len(hist) != 1 || hist[0].TransactionID != txnID || hist[0].Status != StatusCommitted {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestExecuteTransactionOneNoAborts(t *testing.T) {
	c := newTestCoordinator(map[string]func(protocol.Message) (*protocol.Message, error){
		"p1": votesAndAcks(protocol.VoteYes),
		"p2": votesAndAcks(protocol.VoteNo),
	})
	c.Register("p1", Address{Host: "localhost", Port: 6001})
	c.Register("p2", Address{Host: "localhost", Port: 6002})

	_, status, err := c.ExecuteTransaction(protocol.Payload{})
	if err != nil {
		t.Fatalf("ExecuteTransaction: %v", err)
	}
	if status != StatusAborted {
		t.Fatalf("expected ABORTED, got %s", status)
	}
}

func TestExecuteTransactionNoParticipants(t *testing.T) {
	c := New(nil)
	if _, _, err := c.ExecuteTransaction(protocol.Payload{}); err != ErrNoParticipants {
		t.Fatalf("expected ErrNoParticipants, got %v", err)
	}
}

func TestExecuteTransactionTimeoutCountsAsNo(t *testing.T) {
	c := newTestCoordinator(map[string]func(protocol.Message) (*protocol.Message, error){
		"p1": votesAndAcks(protocol.VoteYes),
		"p2": func(msg protocol.Message) (*protocol.Message, error) { return nil, nil }, // never replies
	})
	c.Register("p1", Address{Host: "localhost", Port: 6001})
	c.Register("p2", Address{Host: "localhost", Port: 6002})

	_, status, err := c.ExecuteTransaction(protocol.Payload{})
	if err != nil {
		t.Fatalf("ExecuteTransaction: %v", err)
	}
	if status != StatusAborted {
		t.Fatalf("expected a silent participant to be treated as NO and abort, got %s", status)
	}
}

func TestExecuteTransactionCrashMidPhase1LeavesPreparing(t *testing.T) {
	c := newTestCoordinator(map[string]func(protocol.Message) (*protocol.Message, error){
		"p1": votesAndAcks(protocol.VoteYes),
	})
	c.Register("p1", Address{Host: "localhost", Port: 6001})
	c.Crash()

	txnID, status, err := c.ExecuteTransaction(protocol.Payload{})
	if err != nil {
		t.Fatalf("ExecuteTransaction: %v", err)
	}
	if status != StatusPreparing {
		t.Fatalf("expected transaction left PREPARING for the reconciler, got %s", status)
	}
	rec, err := c.Transaction(txnID)
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if rec.Status.Terminal() {
		t.Fatal("a crashed driver must never leave a terminal status behind")
	}
}

func TestQueryStateUnknownOnTransportFailure(t *testing.T) {
	c := New(&stubSender{handlers: map[string]func(protocol.Message) (*protocol.Message, error){}})
	status, _ := c.QueryState("p1", "tx1")
	if status != protocol.StatusUnknown {
		t.Fatalf("expected UNKNOWN, got %s", status)
	}
}
