package protocol

import "testing"

func TestNewTransactionIDLength(t *testing.T) {
	id, err := NewTransactionID()
	if err != nil {
		t.Fatalf("NewTransactionID: %v", err)
	}
	if len(id) != 8 {
		t.Fatalf("expected 8-character id, got %q (%d chars)", id, len(id))
	}
}

func TestNewTransactionIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewTransactionID()
		if err != nil {
			t.Fatalf("NewTransactionID: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate transaction id %q", id)
		}
		seen[id] = true
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := New(Prepare, "abcd1234", Payload{"amount": 42.0})

	raw, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}

	decoded, err := FromJSON(raw)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if decoded.Type != Prepare || decoded.TransactionID != "abcd1234" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if decoded.Data["amount"] != 42.0 {
		t.Fatalf("payload field lost in round trip: %+v", decoded.Data)
	}
}

func TestFromJSONRejectsMissingType(t *testing.T) {
	if _, err := FromJSON([]byte(`{"transaction_id":"x","data":{}}`)); err == nil {
		t.Fatal("expected error for missing msg_type")
	}
}

func TestFromJSONRejectsGarbage(t *testing.T) {
	if _, err := FromJSON([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestHistoryPayloadRoundTrip(t *testing.T) {
	records := []HistoryRecord{
		{TransactionID: "aaaa1111", Status: StatusCommitted, Data: Payload{"k": "v"}, Timestamp: 1690000000},
		{TransactionID: "bbbb2222", Status: StatusAborted, Data: Payload{}, Timestamp: 1690000001},
	}
	msg := New(HistoryResponse, HistorySentinelID, HistoryPayload(records))

	raw, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	decoded, err := FromJSON(raw)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}

	got, err := ParseHistoryPayload(decoded.Data)
	if err != nil {
		t.Fatalf("ParseHistoryPayload: %v", err)
	}
	if len(got) != 2 || got[0].TransactionID != "aaaa1111" || got[1].Status != StatusAborted {
		t.Fatalf("unexpected history after round trip: %+v", got)
	}
}

func TestParseHistoryPayloadMissingField(t *testing.T) {
	got, err := ParseHistoryPayload(Payload{})
	if err != nil {
		t.Fatalf("expected no error for missing history field, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestStatePayloadRoundTrip(t *testing.T) {
	msg := New(StateResponse, "cccc3333", StatePayload(StatusPrepared, Payload{"x": "y"}))

	raw, err := msg.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	decoded, err := FromJSON(raw)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}

	status, data := ParseStatePayload(decoded.Data)
	if status != StatusPrepared {
		t.Fatalf("expected status %s, got %s", StatusPrepared, status)
	}
	if data["x"] != "y" {
		t.Fatalf("unexpected data: %+v", data)
	}
}

func TestParseStatePayloadDefaultsUnknown(t *testing.T) {
	status, data := ParseStatePayload(Payload{})
	if status != StatusUnknown {
		t.Fatalf("expected %s, got %s", StatusUnknown, status)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty data, got %+v", data)
	}
}
