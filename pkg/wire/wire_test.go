package wire

import (
	"encoding/json"
	"testing"

	"github.com/troupelabs/troupe/pkg/envelope"
)

func TestNewFrameAssignsMsgID(t *testing.T) {
	f, err := NewFrame(MsgTypeRegister, "alice", nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.MsgID == "" {
		t.Fatal("expected a msg_id")
	}
	if f.Payload != nil {
		t.Fatal("nil payload should produce a payload-less frame")
	}
}

func TestFramePayloadRoundTrip(t *testing.T) {
	env := envelope.New("alice", "bob", "hi")
	f, err := NewFrame(MsgTypeAgentMessage, "alice", &MessagePayload{Message: env})
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.MsgType != MsgTypeAgentMessage || decoded.AgentID != "alice" {
		t.Fatalf("header fields lost: %+v", decoded)
	}

	var payload MessagePayload
	if err := decoded.ParsePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Message == nil || payload.Message.Content != "hi" {
		t.Fatalf("envelope lost in transit: %+v", payload.Message)
	}
	if payload.Message.MessageID != env.MessageID {
		t.Fatal("message id must survive the wire")
	}
}

func TestParsePayloadNilIsNoop(t *testing.T) {
	f := &Frame{MsgType: MsgTypeStop}
	var payload MessagePayload
	if err := f.ParsePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Message != nil {
		t.Fatal("no payload should leave the target untouched")
	}
}
