package protocol

import "testing"

func TestRegisterEnvelopeRoundTrip(t *testing.T) {
	line := EncodeRegister("p1", "localhost", 6000, "")
	env, err := DecodeRegister(line)
	if err != nil {
		t.Fatalf("DecodeRegister: %v", err)
	}
	if env.ParticipantID != "p1" || env.Host != "localhost" || env.Port != 6000 || env.Token != "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestRegisterEnvelopeWithToken(t *testing.T) {
	line := EncodeRegister("p1", "localhost", 6000, "deadbeef")
	env, err := DecodeRegister(line)
	if err != nil {
		t.Fatalf("DecodeRegister: %v", err)
	}
	if env.Token != "deadbeef" {
		t.Fatalf("expected token to survive round trip, got %q", env.Token)
	}
}

func TestDecodeRegisterRejectsBadPort(t *testing.T) {
	if _, err := DecodeRegister("REGISTER|p1|localhost|notaport"); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestDecodeRegisterRejectsWrongHeader(t *testing.T) {
	if _, err := DecodeRegister("VOTE_RESPONSE|p1|localhost|6000"); err == nil {
		t.Fatal("expected error for mismatched header")
	}
}

func TestPushEnvelopeRoundTripPreservesEmbeddedPipes(t *testing.T) {
	msg := New(VoteYes, "abcd1234", Payload{"note": "a|b|c"})
	line, err := EncodePush(HeaderVoteResponse, "p1", msg)
	if err != nil {
		t.Fatalf("EncodePush: %v", err)
	}

	push, err := DecodePush(line)
	if err != nil {
		t.Fatalf("DecodePush: %v", err)
	}
	if push.Header != HeaderVoteResponse || push.ParticipantID != "p1" {
		t.Fatalf("unexpected envelope: %+v", push)
	}
	if push.Message.Data["note"] != "a|b|c" {
		t.Fatalf("embedded pipe not preserved: %+v", push.Message.Data)
	}
}

func TestDecodePushRejectsUnknownHeader(t *testing.T) {
	if _, err := DecodePush(`BOGUS|p1|{"msg_type":"VOTE_YES","transaction_id":"x"}`); err == nil {
		t.Fatal("expected error for unknown header")
	}
}

func TestSniff(t *testing.T) {
	cases := map[string]string{
		"REGISTER|p1|localhost|6000":                               HeaderRegister,
		`VOTE_RESPONSE|p1|{"msg_type":"VOTE_YES","transaction_id":"x"}`: HeaderVoteResponse,
		`{"msg_type":"PREPARE","transaction_id":"x"}`:              "",
	}
	for line, want := range cases {
		if got := Sniff(line); got != want {
			t.Errorf("Sniff(%q) = %q, want %q", line, got, want)
		}
	}
}
