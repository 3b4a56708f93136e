package activity

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// PayloadKind tags what a cached payload frame holds.
type PayloadKind byte

const (
	// PayloadKindEvent frames a serialized Event.
	PayloadKindEvent PayloadKind = 1
	// PayloadKindThread frames a serialized NoteThread.
	PayloadKindThread PayloadKind = 2
)

// CodecVersion is the body encoding version written into every frame.
const CodecVersion byte = 1

var payloadMagic = []byte("ASP1")

var (
	// ErrCorruptPayload indicates a frame that cannot be parsed.
	ErrCorruptPayload = errors.New("activity: corrupt payload")
	// ErrUnsupportedPayload indicates a well-formed frame this build cannot decode.
	ErrUnsupportedPayload = errors.New("activity: unsupported payload")
)

// EncodeEvent serializes an event into a versioned frame.
func EncodeEvent(event Event) ([]byte, error) {
	return encodeFrame(PayloadKindEvent, event)
}

// DecodeEvent parses a frame written by EncodeEvent.
func DecodeEvent(payload []byte) (Event, error) {
	var event Event
	if err := decodeFrame(payload, PayloadKindEvent, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// EncodeThread serializes a note thread into a versioned frame.
func EncodeThread(thread NoteThread) ([]byte, error) {
	return encodeFrame(PayloadKindThread, thread)
}

// DecodeThread parses a frame written by EncodeThread.
func DecodeThread(payload []byte) (NoteThread, error) {
	var thread NoteThread
	if err := decodeFrame(payload, PayloadKindThread, &thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// frame layout: magic | kind | version | uvarint(len(body)) | body
func encodeFrame(kind PayloadKind, value any) ([]byte, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("activity: encode payload: %w", err)
	}
	var lengthPrefix [binary.MaxVarintLen64]byte
	prefixSize := binary.PutUvarint(lengthPrefix[:], uint64(len(body)))

	frame := make([]byte, 0, len(payloadMagic)+2+prefixSize+len(body))
	frame = append(frame, payloadMagic...)
	frame = append(frame, byte(kind), CodecVersion)
	frame = append(frame, lengthPrefix[:prefixSize]...)
	frame = append(frame, body...)
	return frame, nil
}

func decodeFrame(payload []byte, kind PayloadKind, target any) error {
	headerSize := len(payloadMagic) + 2
	if len(payload) < headerSize || !bytes.Equal(payload[:len(payloadMagic)], payloadMagic) {
		return fmt.Errorf("%w: missing header", ErrCorruptPayload)
	}
	if PayloadKind(payload[len(payloadMagic)]) != kind {
		return fmt.Errorf("%w: kind %d", ErrUnsupportedPayload, payload[len(payloadMagic)])
	}
	if version := payload[len(payloadMagic)+1]; version != CodecVersion {
		return fmt.Errorf("%w: version %d", ErrUnsupportedPayload, version)
	}

	bodyLength, prefixSize := binary.Uvarint(payload[headerSize:])
	if prefixSize <= 0 {
		return fmt.Errorf("%w: bad length prefix", ErrCorruptPayload)
	}
	body := payload[headerSize+prefixSize:]
	if uint64(len(body)) != bodyLength {
		return fmt.Errorf("%w: body is %d bytes, expected %d", ErrCorruptPayload, len(body), bodyLength)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return nil
}
