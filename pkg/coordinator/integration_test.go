package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/oddcrate/twopc/pkg/participant"
	"github.com/oddcrate/twopc/pkg/protocol"
)

// autoArbitrate drives a participant's operator decisions automatically:
// on every tick it votes YES on a pending vote, ACK_COMMITs a pending
// commit and ACK_ABORTs a pending abort, polling every 5ms until ctx is
// cancelled. This
// stands in for an operator shell in an end-to-end test.
func autoArbitrate(ctx context.Context, p *participant.Participant) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := p.Status()
			if st.PendingVote != "" {
				p.Vote(true)
			}
			if st.PendingCommit != "" {
				p.AckCommit()
			}
			if st.PendingAbort != "" {
				p.AckAbort()
			}
		}
	}
}

func startTestParticipant(t *testing.T, id, coordAddr string) *participant.Participant {
	t.Helper()
	client := &participant.TCPClient{CoordinatorAddr: coordAddr}
	p := participant.New(id, "localhost", 0, client)
	srv := participant.NewServer(p)
	if err := srv.Listen("localhost:0"); err != nil {
		t.Fatalf("participant Listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Stop)

	addr := srv.Addr().(*net.TCPAddr)
	if err := client.Register(id, "localhost", addr.Port, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return p
}

func TestEndToEndTransactionCommits(t *testing.T) {
	coord := New(nil)
	coord.PollWait = 5 * time.Millisecond
	coord.PollMax = 2 * time.Second
	srv := NewServer(coord, "")
	if err := srv.Listen("localhost:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Stop)
	coordAddr := srv.Addr().String()

	p1 := startTestParticipant(t, "p1", coordAddr)
	p2 := startTestParticipant(t, "p2", coordAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go autoArbitrate(ctx, p1)
	go autoArbitrate(ctx, p2)

	txnID, status, err := coord.ExecuteTransaction(protocol.Payload{"amount": 10.0})
	if err != nil {
		t.Fatalf("ExecuteTransaction: %v", err)
	}
	if status != StatusCommitted {
		t.Fatalf("expected COMMITTED, got %s", status)
	}

	if s, _ := p1.QueryState(txnID); s != protocol.StatusCommitted {
		t.Fatalf("expected p1 to have committed %s, got %s", txnID, s)
	}
	if s, _ := p2.QueryState(txnID); s != protocol.StatusCommitted {
		t.Fatalf("expected p2 to have committed %s, got %s", txnID, s)
	}
}

func TestEndToEndTransactionAbortsOnNoVote(t *testing.T) {
	coord := New(nil)
	coord.PollWait = 5 * time.Millisecond
	coord.PollMax = 2 * time.Second
	srv := NewServer(coord, "")
	if err := srv.Listen("localhost:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Stop)
	coordAddr := srv.Addr().String()

	p1 := startTestParticipant(t, "p1", coordAddr)
	p2 := startTestParticipant(t, "p2", coordAddr)
	p2.SetFailureRate(1) // always votes NO on PREPARE

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go autoArbitrate(ctx, p1)
	go autoArbitrate(ctx, p2)

	txnID, status, err := coord.ExecuteTransaction(protocol.Payload{})
	if err != nil {
		t.Fatalf("ExecuteTransaction: %v", err)
	}
	if status != StatusAborted {
		t.Fatalf("expected ABORTED, got %s", status)
	}

	if s, _ := p1.QueryState(txnID); s != protocol.StatusAborted {
		t.Fatalf("expected p1 to have aborted %s, got %s", txnID, s)
	}
}
