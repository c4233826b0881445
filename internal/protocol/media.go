package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// PayloadType tags the content of a media datagram
type PayloadType uint8

const (
	PayloadVideo  PayloadType = 1
	PayloadAudio  PayloadType = 2
	PayloadScreen PayloadType = 3
)

// MediaHeaderSize is the fixed header length preceding every media payload
const MediaHeaderSize = 13

// SequenceModulus is where media sequence numbers wrap
const SequenceModulus = 1 << 31

// MediaHeader is carried big-endian before every UDP media frame
type MediaHeader struct {
	StreamID       uint32
	SequenceNumber uint32
	TimestampMs    float32
	PayloadType    PayloadType
}

// Pack serializes the header into its 13-byte wire form
func (h MediaHeader) Pack() []byte {
	buf := make([]byte, MediaHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.StreamID)
	binary.BigEndian.PutUint32(buf[4:8], h.SequenceNumber)
	binary.BigEndian.PutUint32(buf[8:12], math.Float32bits(h.TimestampMs))
	buf[12] = byte(h.PayloadType)
	return buf
}

// UnpackMediaHeader parses the header from the front of a datagram
func UnpackMediaHeader(data []byte) (MediaHeader, error) {
	if len(data) < MediaHeaderSize {
		return MediaHeader{}, fmt.Errorf("media datagram of %d bytes is shorter than header", len(data))
	}
	return MediaHeader{
		StreamID:       binary.BigEndian.Uint32(data[0:4]),
		SequenceNumber: binary.BigEndian.Uint32(data[4:8]),
		TimestampMs:    math.Float32frombits(binary.BigEndian.Uint32(data[8:12])),
		PayloadType:    PayloadType(data[12]),
	}, nil
}

// StreamID derives a stable 32-bit stream identifier from a username so
// relays can attribute unlabeled datagrams without per-stream sessions.
// Checksum collisions between usernames are accepted as a known limitation.
func StreamID(username string) uint32 {
	return uint32(xxhash.Sum64String(username))
}
