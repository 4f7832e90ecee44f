package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Control envelope headers: a pipe-delimited ASCII line used only for
// peer-initiated pushes where the recipient does not need to unify framing
// with the JSON Message envelope.
const (
	HeaderRegister       = "REGISTER"
	HeaderVoteResponse   = "VOTE_RESPONSE"
	HeaderAckResponse    = "ACK_RESPONSE"
	HeaderHistoryRequest = "HISTORY_REQUEST"

	// ReplyOK and ReplyErr are the bare-string replies to a control
	// envelope that isn't answered with a Message (currently only
	// REGISTER replies this way).
	ReplyOK  = "OK"
	ReplyErr = "ERR"
)

// RegisterEnvelope is REGISTER|<id>|<host>|<port> with an optional trailing
// |<token> field used by the registration-trust extension (SPEC_FULL §4.1).
type RegisterEnvelope struct {
	ParticipantID string
	Host          string
	Port          int
	Token         string // empty when the cluster has no shared secret configured
}

// EncodeRegister formats a REGISTER control envelope.
func EncodeRegister(id, host string, port int, token string) string {
	if token == "" {
		return fmt.Sprintf("%s|%s|%s|%d", HeaderRegister, id, host, port)
	}
	return fmt.Sprintf("%s|%s|%s|%d|%s", HeaderRegister, id, host, port, token)
}

// DecodeRegister parses a REGISTER control envelope. The header splits on
// the first 3 separators (id, host, port); a trailing token field, if
// present, is taken verbatim and never itself split further.
func DecodeRegister(line string) (RegisterEnvelope, error) {
	parts := strings.SplitN(line, "|", 5)
	if len(parts) < 4 || parts[0] != HeaderRegister {
		return RegisterEnvelope{}, fmt.Errorf("%w: malformed REGISTER envelope", ErrDecode)
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil {
		return RegisterEnvelope{}, fmt.Errorf("%w: bad REGISTER port: %v", ErrDecode, err)
	}
	env := RegisterEnvelope{ParticipantID: parts[1], Host: parts[2], Port: port}
	if len(parts) >= 5 {
		env.Token = parts[4]
	}
	return env, nil
}

// PushEnvelope is the shape shared by VOTE_RESPONSE, ACK_RESPONSE and
// HISTORY_REQUEST: a sender id followed by a JSON Message tail that may
// itself contain '|' characters.
type PushEnvelope struct {
	Header        string
	ParticipantID string
	Message       Message
}

// EncodePush formats a VOTE_RESPONSE/ACK_RESPONSE/HISTORY_REQUEST control
// envelope carrying msg as its JSON tail.
func EncodePush(header, participantID string, msg Message) (string, error) {
	raw, err := msg.ToJSON()
	if err != nil {
		return "", fmt.Errorf("encode %s envelope: %w", header, err)
	}
	return fmt.Sprintf("%s|%s|%s", header, participantID, raw), nil
}

// DecodePush parses a VOTE_RESPONSE/ACK_RESPONSE/HISTORY_REQUEST control
// envelope. It splits on the first 2 separators only, so the JSON tail is
// recombined verbatim even if it embeds '|'.
func DecodePush(line string) (PushEnvelope, error) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) < 3 {
		return PushEnvelope{}, fmt.Errorf("%w: malformed control envelope", ErrDecode)
	}
	header := parts[0]
	switch header {
	case HeaderVoteResponse, HeaderAckResponse, HeaderHistoryRequest:
	default:
		return PushEnvelope{}, fmt.Errorf("%w: unknown control header %q", ErrDecode, header)
	}
	msg, err := FromJSON([]byte(parts[2]))
	if err != nil {
		return PushEnvelope{}, err
	}
	return PushEnvelope{Header: header, ParticipantID: parts[1], Message: msg}, nil
}

// Sniff reports which envelope shape a raw inbound line uses: a known
// control header, or none (meaning it should be parsed as a bare JSON
// Message envelope).
func Sniff(line string) string {
	header, _, found := strings.Cut(line, "|")
	if !found {
		return ""
	}
	switch header {
	case HeaderRegister, HeaderVoteResponse, HeaderAckResponse, HeaderHistoryRequest:
		return header
	default:
		return ""
	}
}
