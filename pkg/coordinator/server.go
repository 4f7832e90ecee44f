package coordinator

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oddcrate/twopc/pkg/authtoken"
	"github.com/oddcrate/twopc/pkg/protocol"
)

// acceptTimeout bounds each Accept call so the listener loop can observe
// the shutdown flag without blocking forever (SPEC_FULL §5).
const acceptTimeout = time.Second

// dialTimeout bounds both the dial and the I/O of outbound sends per
// SPEC_FULL §4.2; readBudget is the size in bytes of the reply buffer.
const (
	dialTimeout = 5 * time.Second
	readBudget  = 4096
)

// Server is the coordinator's TCP listener and inbound dispatcher. It
// accepts REGISTER, VOTE_RESPONSE, ACK_RESPONSE, and HISTORY_REQUEST
// control envelopes (SPEC_FULL §4.1) from participants.
type Server struct {
	Coord  *Coordinator
	Secret string // shared cluster secret for REGISTER tokens; empty disables the check

	listener net.Listener
	running  atomic.Bool
}

// NewServer wires a Server to coord and installs a TCPSender as the
// coordinator's outbound transport.
func NewServer(coord *Coordinator, secret string) *Server {
	s := &Server{Coord: coord, Secret: secret}
	coord.sender = &TCPSender{Coord: coord}
	return s
}

// ListenAndServe binds addr and runs the accept loop until Stop is called.
func (s *Server) ListenAndServe(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Listen binds addr without starting the accept loop; Addr() then reports
// the bound address (useful for tests that bind to ":0").
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("coordinator listen on %s: %w", addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound listener's address. Call only after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop against a listener already bound by Listen,
// until Stop is called.
func (s *Server) Serve() error {
	ln := s.listener
	s.running.Store(true)

	for s.running.Load() {
		if tcpLn, ok := ln.(*net.TCPListener); ok {
			tcpLn.SetDeadline(time.Now().Add(acceptTimeout))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !s.running.Load() {
				return nil
			}
			log.Printf("coordinator: accept error: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
	return nil
}

// Stop closes the listener and ends the accept loop.
func (s *Server) Stop() {
	s.running.Store(false)
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}
	line := strings.TrimRight(string(buf[:n]), "\n")

	header := protocol.Sniff(line)
	if s.Coord.Crashed() && header != protocol.HeaderRegister && header != protocol.HeaderHistoryRequest {
		log.Printf("coordinator: crashed, dropping %s", header)
		return
	}

	switch header {
	case protocol.HeaderRegister:
		s.handleRegister(conn, line)
	case protocol.HeaderVoteResponse:
		s.handleVoteResponse(line)
	case protocol.HeaderAckResponse:
		s.handleAckResponse(line)
	case protocol.HeaderHistoryRequest:
		s.handleHistoryRequest(conn, line)
	default:
		log.Printf("coordinator: unrecognized inbound envelope")
	}
}

func (s *Server) handleRegister(conn net.Conn, line string) {
	env, err := protocol.DecodeRegister(line)
	if err != nil {
		log.Printf("coordinator: %v", err)
		return
	}
	if s.Secret != "" && !authtoken.Verify(s.Secret, env.ParticipantID, env.Token) {
		log.Printf("coordinator: %v (%s)", ErrRegistrationRejected, env.ParticipantID)
		conn.Write([]byte(protocol.ReplyErr))
		return
	}
	s.Coord.Register(env.ParticipantID, Address{Host: env.Host, Port: env.Port})
	conn.Write([]byte(protocol.ReplyOK))
}

func (s *Server) handleVoteResponse(line string) {
	push, err := protocol.DecodePush(line)
	if err != nil {
		log.Printf("coordinator: %v", err)
		return
	}
	s.Coord.RecordVote(push.Message.TransactionID, push.ParticipantID, push.Message.Type == protocol.VoteYes)
}

func (s *Server) handleAckResponse(line string) {
	push, err := protocol.DecodePush(line)
	if err != nil {
		log.Printf("coordinator: %v", err)
		return
	}
	var outcome AckOutcome
	switch push.Message.Type {
	case protocol.AckCommit:
		outcome = AckCommit
	case protocol.AckAbort:
		outcome = AckAbort
	default:
		return
	}
	s.Coord.RecordAck(push.Message.TransactionID, push.ParticipantID, outcome)
}

func (s *Server) handleHistoryRequest(conn net.Conn, line string) {
	push, err := protocol.DecodePush(line)
	if err != nil {
		log.Printf("coordinator: %v", err)
		return
	}
	records := make([]protocol.HistoryRecord, 0, len(s.Coord.History()))
	for _, h := range s.Coord.History() {
		records = append(records, protocol.HistoryRecord{
			TransactionID: h.TransactionID,
			Status:        string(h.Status),
			Data:          h.Payload,
			Timestamp:     float64(h.Timestamp.UnixNano()) / 1e9,
		})
	}
	resp := protocol.New(protocol.HistoryResponse, protocol.HistorySentinelID, protocol.HistoryPayload(records))
	raw, err := resp.ToJSON()
	if err != nil {
		log.Printf("coordinator: encode history response: %v", err)
		return
	}
	conn.Write(raw)
	_ = push.ParticipantID // the requester's id does not affect the reply
}

// TCPSender is the production Sender: it dials the participant's
// registered address, writes the JSON Message envelope, and waits up to
// dialTimeout for an immediate reply. A close without data, a read error,
// or an undecodable reply is reported as (nil, nil): "treated as no
// response" per SPEC_FULL §4.2/§7. An unknown participant id and dial,
// encode or write failures are returned as errors.
type TCPSender struct {
	Coord *Coordinator
}

func (t *TCPSender) Send(id string, msg protocol.Message, force bool) (*protocol.Message, error) {
	addr, ok := t.Coord.Participants()[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	if t.Coord.Crashed() && !force {
		return nil, nil
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", addr.Host, addr.Port), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", id, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dialTimeout))

	raw, err := msg.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode message to %s: %w", id, err)
	}
	if _, err := conn.Write(raw); err != nil {
		return nil, fmt.Errorf("write to %s: %w", id, err)
	}

	buf := make([]byte, readBudget)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return nil, nil // closed without replying: a deferred response
	}

	reply, err := protocol.FromJSON(buf[:n])
	if err != nil {
		return nil, nil
	}
	return &reply, nil
}
