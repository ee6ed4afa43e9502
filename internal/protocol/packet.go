package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lobbygrid/lobbygrid/internal/transport"
)

// Sentinel errors for the packet codec.
var (
	// ErrUnknownTypeName indicates the packet type name has not been
	// registered with the type registry.
	ErrUnknownTypeName = errors.New("unknown packet type name")

	// ErrShortFrame indicates the frame is too small to contain the length
	// prefix and the declared header.
	ErrShortFrame = errors.New("frame shorter than declared header")

	// ErrBadHeader indicates the header bytes could not be decoded.
	ErrBadHeader = errors.New("malformed packet header")
)

// headerLenSize is the size of the little-endian uint32 header length prefix.
const headerLenSize = 4

// Header precedes every payload on the wire. Timestamp is milliseconds since
// the Unix epoch; the core carries it for observers and never validates it.
type Header struct {
	_msgpack struct{} `msgpack:",as_array"`

	TypeID    uint16
	Timestamp int64
}

// Packet is an encoded frame ready to hand to the transport, together with
// the delivery flag it should be sent with.
type Packet struct {
	Data []byte
	Flag transport.SendFlag
}

// Encode serializes payload under a header for typeID, timestamped now.
func Encode(typeID uint16, payload any, flag transport.SendFlag) (*Packet, error) {
	return EncodeAt(typeID, payload, flag, time.Now().UnixMilli())
}

// EncodeAt is Encode with an explicit header timestamp (epoch milliseconds).
func EncodeAt(typeID uint16, payload any, flag transport.SendFlag, timestamp int64) (*Packet, error) {
	headerBytes, err := msgpack.Marshal(Header{TypeID: typeID, Timestamp: timestamp})
	if err != nil {
		return nil, fmt.Errorf("encode packet header: %w", err)
	}

	payloadBytes, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode packet payload (type %d): %w", typeID, err)
	}

	return assemble(headerBytes, payloadBytes, flag), nil
}

// EncodeByName is Encode keyed by registered type name.
func EncodeByName(typeName string, payload any, flag transport.SendFlag) (*Packet, error) {
	typeID, ok := TypeID(typeName)
	if !ok {
		return nil, fmt.Errorf("encode packet %q: %w", typeName, ErrUnknownTypeName)
	}
	return Encode(typeID, payload, flag)
}

// EncodeEmpty builds a header-only frame with no payload, timestamped now.
func EncodeEmpty(typeID uint16, flag transport.SendFlag) *Packet {
	return EncodeEmptyAt(typeID, flag, time.Now().UnixMilli())
}

// EncodeEmptyAt is EncodeEmpty with an explicit header timestamp.
func EncodeEmptyAt(typeID uint16, flag transport.SendFlag, timestamp int64) *Packet {
	// Header marshaling of a fixed two-field array cannot fail.
	headerBytes, _ := msgpack.Marshal(Header{TypeID: typeID, Timestamp: timestamp})
	return assemble(headerBytes, nil, flag)
}

// EncodeEmptyByName is EncodeEmpty keyed by registered type name.
func EncodeEmptyByName(typeName string, flag transport.SendFlag) (*Packet, error) {
	typeID, ok := TypeID(typeName)
	if !ok {
		return nil, fmt.Errorf("encode packet %q: %w", typeName, ErrUnknownTypeName)
	}
	return EncodeEmpty(typeID, flag), nil
}

// assemble prepends the little-endian header length to header and payload.
func assemble(headerBytes, payloadBytes []byte, flag transport.SendFlag) *Packet {
	data := make([]byte, headerLenSize+len(headerBytes)+len(payloadBytes))
	binary.LittleEndian.PutUint32(data, uint32(len(headerBytes)))
	copy(data[headerLenSize:], headerBytes)
	copy(data[headerLenSize+len(headerBytes):], payloadBytes)
	return &Packet{Data: data, Flag: flag}
}

// Decode splits a frame into its header and the raw payload bytes. The
// payload stays opaque here; the dispatch layer re-decodes it per handler.
// The returned payload aliases data.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < headerLenSize {
		return Header{}, nil, fmt.Errorf("decode frame of %d bytes: %w", len(data), ErrShortFrame)
	}

	headerLen := binary.LittleEndian.Uint32(data)
	if uint64(headerLen) > uint64(len(data)-headerLenSize) {
		return Header{}, nil, fmt.Errorf(
			"decode frame: header length %d exceeds %d remaining bytes: %w",
			headerLen, len(data)-headerLenSize, ErrShortFrame,
		)
	}

	var header Header
	if err := msgpack.Unmarshal(data[headerLenSize:headerLenSize+int(headerLen)], &header); err != nil {
		return Header{}, nil, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}

	return header, data[headerLenSize+int(headerLen):], nil
}

// ParsePayload decodes raw payload bytes into T. On failure the zero value
// is returned alongside the error; dispatch layers log the error and hand
// the zero value to the handler, whose result payloads carry success flags.
func ParsePayload[T any](raw []byte) (T, error) {
	var value T
	if err := msgpack.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("parse payload: %w", err)
	}
	return value, nil
}

// GenerateUUID returns a random (v4) UUID string.
func GenerateUUID() string {
	return uuid.NewString()
}
