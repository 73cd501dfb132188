package wire

import (
	"encoding/json"
	"testing"
)

func TestNewStampsComponentAndKind(t *testing.T) {
	e := New("GFD", KindHeartbeat)
	if e.ComponentID != "GFD" {
		t.Fatalf("component_id = %q, want GFD", e.ComponentID)
	}
	if e.Message != KindHeartbeat {
		t.Fatalf("message = %q, want %q", e.Message, KindHeartbeat)
	}
	if e.MessageID == "" {
		t.Fatal("message_id should be populated")
	}
	if e.Timestamp == "" {
		t.Fatal("timestamp should be populated")
	}
}

func TestReplicaIDPrefersMessageData(t *testing.T) {
	e := New("LFD2", KindAddReplica, WithMessageDataServerID("S2"), WithServerID("unused"))
	if got := e.ReplicaID(); got != "S2" {
		t.Fatalf("ReplicaID() = %q, want S2", got)
	}

	e2 := New("RM", KindRecoverServer, WithServerID("S3"))
	if got := e2.ReplicaID(); got != "S3" {
		t.Fatalf("ReplicaID() = %q, want S3", got)
	}
}

func TestEnvelopeRoundTripsThroughJSON(t *testing.T) {
	orig := New("S1", KindUpdateMembership, WithMemberCount(2), WithServerID("S2"))

	b, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.MemberCount == nil || *decoded.MemberCount != 2 {
		t.Fatalf("member_count = %v, want 2", decoded.MemberCount)
	}
	if decoded.ServerID != "S2" {
		t.Fatalf("server_id = %q, want S2", decoded.ServerID)
	}
}

func TestOmitemptyDropsUnsetFields(t *testing.T) {
	e := New("C1", KindPing)
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, field := range []string{"state", "request_number", "member_count", "message_data"} {
		if _, present := raw[field]; present {
			t.Errorf("field %q should be omitted when unset, got %v", field, raw[field])
		}
	}
}
