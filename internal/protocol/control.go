package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// lengthPrefixSize is the big-endian uint32 frame length preceding each body
const lengthPrefixSize = 4

// MaxFrameSize bounds a single control frame body; larger prefixes are
// treated as protocol violations rather than allocation requests.
const MaxFrameSize = 1024 * 1024

// Envelope is the outer shape of every control frame. Data stays raw until a
// handler decodes it into the typed payload for the action.
type Envelope struct {
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// EncodeControlMessage serializes a control message as length-prefixed JSON
func EncodeControlMessage(action Action, data interface{}) ([]byte, error) {
	body, err := json.Marshal(Envelope{Action: action, Data: mustRaw(data)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", action, err)
	}
	frame := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)
	return frame, nil
}

// DecodeControlStream consumes as many complete frames as the buffer holds
// and returns the decoded envelopes plus the unconsumed remainder. A partial
// frame is left in the remainder for the next read; a frame that fails JSON
// parsing or exceeds MaxFrameSize is a protocol violation.
func DecodeControlStream(buffer []byte) ([]Envelope, []byte, error) {
	var messages []Envelope
	offset := 0

	for offset+lengthPrefixSize <= len(buffer) {
		length := int(binary.BigEndian.Uint32(buffer[offset : offset+lengthPrefixSize]))
		if length > MaxFrameSize {
			return messages, buffer[offset:], fmt.Errorf("control frame of %d bytes exceeds limit", length)
		}
		if offset+lengthPrefixSize+length > len(buffer) {
			break
		}
		start := offset + lengthPrefixSize
		end := start + length

		var envelope Envelope
		if err := json.Unmarshal(buffer[start:end], &envelope); err != nil {
			return messages, buffer[end:], fmt.Errorf("malformed control frame: %w", err)
		}
		if envelope.Action == "" {
			return messages, buffer[end:], fmt.Errorf("control frame missing action")
		}
		messages = append(messages, envelope)
		offset = end
	}

	return messages, buffer[offset:], nil
}

// DecodeData parses an envelope's payload into the typed struct for its action
func DecodeData(envelope Envelope, v interface{}) error {
	if len(envelope.Data) == 0 {
		return fmt.Errorf("%s frame has no payload", envelope.Action)
	}
	if err := json.Unmarshal(envelope.Data, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", envelope.Action, err)
	}
	return nil
}

func mustRaw(data interface{}) json.RawMessage {
	if data == nil {
		return json.RawMessage("{}")
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		// Payload types are plain structs and maps; marshal cannot fail for
		// them, but keep the frame well formed if it somehow does.
		return json.RawMessage("{}")
	}
	return encoded
}
