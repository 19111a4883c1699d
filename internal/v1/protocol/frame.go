// Package protocol implements the broker's wire formats: the 32-byte-header
// frame exchanged on the reliable channel and the length-prefixed datagram
// relayed on the unreliable channel. The codec is stateless; callers own all
// socket I/O deadlines.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// HeaderSize is the fixed size of a reliable-channel frame header.
const HeaderSize = 32

// payloadSizeWidth is the width of the big-endian payload_size field.
const payloadSizeWidth = HeaderSize - 3

var (
	// ErrMalformed marks frames whose declared lengths overrun the received
	// bytes, whose text fields are not valid UTF-8, or whose room name size
	// is zero.
	ErrMalformed = errors.New("malformed frame")

	// ErrPayloadTooLarge marks frames whose payload_size exceeds the
	// configured cap.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// Header is the decoded fixed-size prefix of a reliable-channel frame.
type Header struct {
	RoomNameSize uint8
	Operation    Operation
	State        State
	PayloadSize  int
}

// Frame is a fully decoded reliable-channel frame.
type Frame struct {
	Operation Operation
	State     State
	RoomName  string
	Payload   []byte
}

// Credentials is the textual payload of a CREATE or JOIN request.
// An empty password means the room requires none.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// DecodeHeader parses a 32-byte header. maxPayload caps the 29-byte
// payload_size field; anything above it is rejected before the body is read.
func DecodeHeader(b []byte, maxPayload int) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, fmt.Errorf("%w: header is %d bytes, want %d", ErrMalformed, len(b), HeaderSize)
	}

	h := Header{
		RoomNameSize: b[0],
		Operation:    Operation(b[1]),
		State:        State(b[2]),
	}
	if h.RoomNameSize == 0 {
		return Header{}, fmt.Errorf("%w: room name size is zero", ErrMalformed)
	}

	// payload_size is 29 bytes big-endian; any set bit above the low 8 bytes
	// is far beyond every sane cap.
	for _, c := range b[3 : HeaderSize-8] {
		if c != 0 {
			return Header{}, fmt.Errorf("%w: payload size out of range", ErrPayloadTooLarge)
		}
	}
	size := binary.BigEndian.Uint64(b[HeaderSize-8 : HeaderSize])
	if size > uint64(maxPayload) {
		return Header{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, maxPayload)
	}
	h.PayloadSize = int(size)

	return h, nil
}

// EncodeHeader renders a header into its 32-byte wire form.
func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	b[0] = h.RoomNameSize
	b[1] = byte(h.Operation)
	b[2] = byte(h.State)
	binary.BigEndian.PutUint64(b[HeaderSize-8:], uint64(h.PayloadSize))
	return b
}

// ReadFrame reads one full frame (header plus body) from r. Short reads and
// length overruns surface as ErrMalformed; oversized payload declarations as
// ErrPayloadTooLarge.
func ReadFrame(r io.Reader, maxPayload int) (*Frame, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("%w: short header read: %w", ErrMalformed, err)
	}

	h, err := DecodeHeader(hdr, maxPayload)
	if err != nil {
		return nil, err
	}

	body := make([]byte, int(h.RoomNameSize)+h.PayloadSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: short body read: %w", ErrMalformed, err)
	}

	name := body[:h.RoomNameSize]
	if !utf8.Valid(name) {
		return nil, fmt.Errorf("%w: room name is not valid UTF-8", ErrMalformed)
	}

	return &Frame{
		Operation: h.Operation,
		State:     h.State,
		RoomName:  string(name),
		Payload:   body[h.RoomNameSize:],
	}, nil
}

// EncodeFrame renders a full frame. The room name must be 1..255 bytes.
func EncodeFrame(op Operation, state State, roomName string, payload []byte) ([]byte, error) {
	name := []byte(roomName)
	if len(name) == 0 || len(name) > 255 {
		return nil, fmt.Errorf("%w: room name is %d bytes, want 1..255", ErrMalformed, len(name))
	}

	h := Header{
		RoomNameSize: uint8(len(name)),
		Operation:    op,
		State:        state,
		PayloadSize:  len(payload),
	}

	b := EncodeHeader(h)
	b = append(b, name...)
	b = append(b, payload...)
	return b, nil
}

// EncodeAck renders an ACKNOWLEDGE frame carrying a single status byte.
func EncodeAck(op Operation, roomName string, status Status) ([]byte, error) {
	return EncodeFrame(op, StateAcknowledge, roomName, []byte{byte(status)})
}

// EncodeComplete renders a COMPLETE frame carrying the issued token.
func EncodeComplete(op Operation, roomName, token string) ([]byte, error) {
	return EncodeFrame(op, StateComplete, roomName, []byte(token))
}

// ParseCredentials decodes the JSON credential object of a CREATE or JOIN
// request. The username is required; the password defaults to empty.
func ParseCredentials(payload []byte) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(payload, &c); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.Username == "" {
		return Credentials{}, fmt.Errorf("%w: username is required", ErrMalformed)
	}
	return c, nil
}

// EncodeCredentials renders the JSON credential object. Used by tests and
// local tooling that speaks the client side of the handshake.
func EncodeCredentials(c Credentials) ([]byte, error) {
	return json.Marshal(c)
}
