package protocol

import (
	"encoding/binary"
	"testing"
)

// TestControlRoundTrip verifies that encoding then decoding one frame yields
// the original action and payload with no leftover bytes
func TestControlRoundTrip(t *testing.T) {
	frame, err := EncodeControlMessage(ActionChatMessage, ChatMessage{
		Sender:      "alice",
		Message:     "hi",
		TimestampMs: 1000,
	})
	if err != nil {
		t.Fatalf("EncodeControlMessage failed: %v", err)
	}

	messages, rest, err := DecodeControlStream(frame)
	if err != nil {
		t.Fatalf("DecodeControlStream failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(messages))
	}
	if len(rest) != 0 {
		t.Errorf("Expected no leftover bytes, got %d", len(rest))
	}
	if messages[0].Action != ActionChatMessage {
		t.Errorf("Expected action %s, got %s", ActionChatMessage, messages[0].Action)
	}

	var msg ChatMessage
	if err := DecodeData(messages[0], &msg); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if msg.Sender != "alice" || msg.Message != "hi" || msg.TimestampMs != 1000 {
		t.Errorf("Payload mismatch: %+v", msg)
	}
}

func TestDecodeMultipleFrames(t *testing.T) {
	first, _ := EncodeControlMessage(ActionHeartbeat, nil)
	second, _ := EncodeControlMessage(ActionTypingStatus, TypingStatus{IsTyping: true})
	buffer := append(append([]byte{}, first...), second...)

	messages, rest, err := DecodeControlStream(buffer)
	if err != nil {
		t.Fatalf("DecodeControlStream failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}
	if len(rest) != 0 {
		t.Errorf("Expected no leftover bytes, got %d", len(rest))
	}
	if messages[0].Action != ActionHeartbeat || messages[1].Action != ActionTypingStatus {
		t.Errorf("Actions out of order: %s, %s", messages[0].Action, messages[1].Action)
	}
}

// TestDecodePartialFrame verifies that an incomplete frame stays buffered and
// decoding is idempotent over repeated partial reads
func TestDecodePartialFrame(t *testing.T) {
	frame, _ := EncodeControlMessage(ActionHello, Hello{Username: "alice"})

	for cut := 1; cut < len(frame); cut++ {
		messages, rest, err := DecodeControlStream(frame[:cut])
		if err != nil {
			t.Fatalf("Partial decode at %d bytes failed: %v", cut, err)
		}
		if len(messages) != 0 {
			t.Fatalf("Partial frame at %d bytes produced a message", cut)
		}
		if len(rest) != cut {
			t.Fatalf("Partial frame at %d bytes lost buffered data: kept %d", cut, len(rest))
		}
	}

	// Completing the buffer yields exactly the frame
	messages, rest, err := DecodeControlStream(frame)
	if err != nil || len(messages) != 1 || len(rest) != 0 {
		t.Fatalf("Complete frame decode: messages=%d rest=%d err=%v", len(messages), len(rest), err)
	}
}

func TestDecodeCompleteThenPartial(t *testing.T) {
	first, _ := EncodeControlMessage(ActionHeartbeat, nil)
	second, _ := EncodeControlMessage(ActionReaction, Reaction{Reaction: "wave"})
	buffer := append(append([]byte{}, first...), second[:5]...)

	messages, rest, err := DecodeControlStream(buffer)
	if err != nil {
		t.Fatalf("DecodeControlStream failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("Expected 1 complete message, got %d", len(messages))
	}
	if len(rest) != 5 {
		t.Errorf("Expected 5 leftover bytes, got %d", len(rest))
	}
}

func TestDecodeOversizedFrame(t *testing.T) {
	buffer := make([]byte, 8)
	binary.BigEndian.PutUint32(buffer, MaxFrameSize+1)

	_, _, err := DecodeControlStream(buffer)
	if err == nil {
		t.Fatal("Expected error for oversized frame")
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	body := []byte("{not json")
	buffer := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buffer, uint32(len(body)))
	copy(buffer[4:], body)

	_, _, err := DecodeControlStream(buffer)
	if err == nil {
		t.Fatal("Expected error for malformed frame body")
	}
}

func TestDecodeMissingAction(t *testing.T) {
	body := []byte(`{"data":{}}`)
	buffer := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buffer, uint32(len(body)))
	copy(buffer[4:], body)

	_, _, err := DecodeControlStream(buffer)
	if err == nil {
		t.Fatal("Expected error for frame without action")
	}
}

func TestHelloValidate(t *testing.T) {
	valid := Hello{Username: "alice"}
	if err := valid.Validate(); err != nil {
		t.Errorf("Valid hello rejected: %v", err)
	}

	empty := Hello{Username: "   "}
	if err := empty.Validate(); err == nil {
		t.Error("Blank username should be rejected")
	}
}

func TestNormalizeRecipients(t *testing.T) {
	msg := ChatMessage{Recipients: []string{" bob ", "", "carol"}}
	msg.NormalizeRecipients()
	if len(msg.Recipients) != 2 || msg.Recipients[0] != "bob" || msg.Recipients[1] != "carol" {
		t.Errorf("Unexpected recipients: %v", msg.Recipients)
	}

	blank := ChatMessage{Recipients: []string{"  ", ""}}
	blank.NormalizeRecipients()
	if blank.Recipients != nil {
		t.Errorf("All-blank recipients should normalize to nil, got %v", blank.Recipients)
	}
}
