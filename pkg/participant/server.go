package participant

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

const (
	acceptTimeout = time.Second
	dialTimeout   = 5 * time.Second
	readBudget    = 4096
)

// Server is the participant's TCP listener and inbound dispatcher. It
// accepts PREPARE, COMMIT, ABORT, and QUERY_STATE JSON Message envelopes
// from the coordinator.
type Server struct {
	P *Participant

	listener net.Listener
	running  atomic.Bool
}

func NewServer(p *Participant) *Server {
	return &Server{P: p}
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
		return fmt.Errorf("participant listen on %s: %w", addr, err)
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
			log.Printf("participant %s: accept error: %v", s.P.ID, err)
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

	if s.P.Crashed() {
		return // crashed participants drop every inbound message
	}

	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return
	}
	line := strings.TrimRight(string(buf[:n]), "\n")

	msg, err := protocol.FromJSON([]byte(line))
	if err != nil {
		log.Printf("participant %s: %v", s.P.ID, err)
		return
	}

	var reply *protocol.Message
	switch msg.Type {
	case protocol.Prepare:
		reply = s.P.HandlePrepare(msg.TransactionID, msg.Data)
	case protocol.Commit:
		reply = s.P.HandleCommit(msg.TransactionID, msg.Data)
	case protocol.Abort:
		reply = s.P.HandleAbort(msg.TransactionID, msg.Data)
	case protocol.QueryState:
		if s.P.rollFailure() {
			return
		}
		status, data := s.P.QueryState(msg.TransactionID)
		resp := protocol.New(protocol.StateResponse, msg.TransactionID, protocol.StatePayload(status, data))
		reply = &resp
	default:
		log.Printf("participant %s: unrecognized message type %s", s.P.ID, msg.Type)
		return
	}

	if reply == nil {
		return // deferred: the answer arrives later via a control-envelope push
	}
	raw, err := reply.ToJSON()
	if err != nil {
		log.Printf("participant %s: encode reply: %v", s.P.ID, err)
		return
	}
	conn.Write(raw)
}

// TCPClient is the production CoordinatorClient: it opens a fresh
// connection to the coordinator for every push, matching the "single
// request per connection" transport contract.
type TCPClient struct {
	CoordinatorAddr string // host:port
	Secret          string
}

func (t *TCPClient) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", t.CoordinatorAddr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", t.CoordinatorAddr, err)
	}
	conn.SetDeadline(time.Now().Add(dialTimeout))
	return conn, nil
}

func (t *TCPClient) Register(participantID, host string, port int, token string) error {
	if token == "" && t.Secret != "" {
		token = authtoken.Derive(t.Secret, participantID)
	}
	conn, err := t.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	line := protocol.EncodeRegister(participantID, host, port, token)
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("send REGISTER: %w", err)
	}

	buf := make([]byte, readBudget)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return fmt.Errorf("no reply to REGISTER")
	}
	if strings.TrimSpace(string(buf[:n])) != protocol.ReplyOK {
		return fmt.Errorf("coordinator rejected REGISTER for %s", participantID)
	}
	return nil
}

func (t *TCPClient) PushVote(participantID, txnID string, yes bool) error {
	kind := protocol.VoteNo
	if yes {
		kind = protocol.VoteYes
	}
	return t.push(protocol.HeaderVoteResponse, participantID, protocol.New(kind, txnID, nil))
}

func (t *TCPClient) PushAck(participantID, txnID string, outcome protocol.Kind) error {
	return t.push(protocol.HeaderAckResponse, participantID, protocol.New(outcome, txnID, nil))
}

func (t *TCPClient) push(header, participantID string, msg protocol.Message) error {
	conn, err := t.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	line, err := protocol.EncodePush(header, participantID, msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", header, err)
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		return fmt.Errorf("send %s: %w", header, err)
	}
	return nil
}

func (t *TCPClient) RequestHistory(participantID string) ([]protocol.HistoryRecord, error) {
	conn, err := t.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	line, err := protocol.EncodePush(protocol.HeaderHistoryRequest, participantID, protocol.New(protocol.RequestHistory, protocol.HistorySentinelID, nil))
	if err != nil {
		return nil, fmt.Errorf("encode HISTORY_REQUEST: %w", err)
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		return nil, fmt.Errorf("send HISTORY_REQUEST: %w", err)
	}

	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return nil, fmt.Errorf("no reply to HISTORY_REQUEST")
	}
	reply, err := protocol.FromJSON(buf[:n])
	if err != nil {
		return nil, err
	}
	return protocol.ParseHistoryPayload(reply.Data)
}
