// Package protocol defines the wire format shared by the coordinator and
// participant peers: the JSON message envelope and the pipe-delimited
// control envelopes used for peer-initiated pushes.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Kind is the tag of a Message's sum type.
type Kind string

const (
	Prepare         Kind = "PREPARE"
	VoteYes         Kind = "VOTE_YES"
	VoteNo          Kind = "VOTE_NO"
	Commit          Kind = "COMMIT"
	Abort           Kind = "ABORT"
	AckCommit       Kind = "ACK_COMMIT"
	AckAbort        Kind = "ACK_ABORT"
	QueryState      Kind = "QUERY_STATE"
	StateResponse   Kind = "STATE_RESPONSE"
	RequestHistory  Kind = "REQUEST_HISTORY"
	HistoryResponse Kind = "HISTORY_RESPONSE"
)

// HistorySentinelID is the transaction id used by non-transactional control
// messages such as REQUEST_HISTORY/HISTORY_RESPONSE.
const HistorySentinelID = "HISTORY"

// Payload is the opaque key/value data a Message carries. The coordinator
// and participant never interpret these keys; STATE_RESPONSE and
// HISTORY_RESPONSE are the only kinds that give the map a fixed shape, and
// even then only by convention (see StatePayload/HistoryPayload helpers).
type Payload map[string]interface{}

// Message is the single JSON envelope exchanged on every connection:
// {"msg_type": <kind>, "transaction_id": <id>, "data": <object>}.
type Message struct {
	Type          Kind    `json:"msg_type"`
	TransactionID string  `json:"transaction_id"`
	Data          Payload `json:"data,omitempty"`
}

// New builds a Message, defaulting a nil payload to an empty map so
// consumers never have to nil-check Data.
func New(kind Kind, txnID string, data Payload) Message {
	if data == nil {
		data = Payload{}
	}
	return Message{Type: kind, TransactionID: txnID, Data: data}
}

// ToJSON serializes the message for wire transmission.
func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON decodes a wire message, failing with ErrDecode wrapped context
// on malformed input.
func FromJSON(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing msg_type", ErrDecode)
	}
	return m, nil
}

// NewTransactionID draws an 8-character hex identifier from a strong random
// source, matching the "8-character identifier drawn from a strong random
// source" requirement for transaction ids.
func NewTransactionID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate transaction id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// StatusPrepared, StatusCommitted, StatusAborted, StatusUnknown are the
// status symbols a participant reports in a STATE_RESPONSE payload.
const (
	StatusPrepared  = "PREPARED"
	StatusCommitted = "COMMITTED"
	StatusAborted   = "ABORTED"
	StatusUnknown   = "UNKNOWN"
)

// StatePayload builds the {status, data} payload STATE_RESPONSE carries.
func StatePayload(status string, data Payload) Payload {
	if data == nil {
		data = Payload{}
	}
	return Payload{"status": status, "data": data}
}

// HistoryRecord is one entry of the coordinator's append-only decision
// history, as carried inside a HISTORY_RESPONSE payload.
type HistoryRecord struct {
	TransactionID string  `json:"transaction_id"`
	Status        string  `json:"status"`
	Data          Payload `json:"data"`
	Timestamp     float64 `json:"timestamp"`
}

// HistoryPayload builds the {history: [...]} payload HISTORY_RESPONSE
// carries.
func HistoryPayload(history []HistoryRecord) Payload {
	return Payload{"history": history}
}

// ParseHistoryPayload recovers the []HistoryRecord carried by a
// HISTORY_RESPONSE payload. Payload values that crossed the wire decode as
// map[string]interface{}/[]interface{}, so this re-marshals through JSON
// rather than type-asserting field by field.
func ParseHistoryPayload(data Payload) ([]HistoryRecord, error) {
	raw, ok := data["history"]
	if !ok {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: re-encode history field: %v", ErrDecode, err)
	}
	var records []HistoryRecord
	if err := json.Unmarshal(encoded, &records); err != nil {
		return nil, fmt.Errorf("%w: decode history field: %v", ErrDecode, err)
	}
	return records, nil
}

// ParseStatePayload recovers the (status, data) pair carried by a
// STATE_RESPONSE payload.
func ParseStatePayload(payload Payload) (status string, data Payload) {
	if s, ok := payload["status"].(string); ok {
		status = s
	} else {
		status = StatusUnknown
	}
	if d, ok := payload["data"].(map[string]interface{}); ok {
		data = Payload(d)
	} else {
		data = Payload{}
	}
	return status, data
}
