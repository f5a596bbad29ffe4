// Package messages encodes the PSRP messages exchanged while a runspace pool
// is opened.
//
// # Message Structure
//
// Every message starts with a 40 byte header:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  Destination (4 bytes) - 1=Client, 2=Server            │
//	├─────────────────────────────────────────────────────────┤
//	│  MessageType (4 bytes)                                  │
//	├─────────────────────────────────────────────────────────┤
//	│  RPID (16 bytes) - RunspacePool ID (GUID)              │
//	├─────────────────────────────────────────────────────────┤
//	│  PID (16 bytes) - Pipeline ID (GUID)                   │
//	├─────────────────────────────────────────────────────────┤
//	│  Data (variable) - CLIXML encoded payload              │
//	└─────────────────────────────────────────────────────────┘
//
// # Byte Order
//
// Header integers are little-endian. GUIDs use the .NET layout: the first
// three groups are little-endian and the last eight bytes are stored as is.
// Fragment headers (package fragments) are big-endian instead.
//
// Only the session capability, runspace pool initialization and runspace
// pool state messages are defined; a session is considered open as soon as
// the server reports the pool Opened.
package messages

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Destination indicates whether a message is for the client or server.
type Destination uint32

const (
	// DestinationClient indicates the message is for the client.
	DestinationClient Destination = 1
	// DestinationServer indicates the message is for the server.
	DestinationServer Destination = 2
)

// MessageType identifies the type of PSRP message.
type MessageType uint32

// Message types exchanged while opening a runspace pool.
const (
	// MessageTypeSessionCapability is sent by both sides first.
	MessageTypeSessionCapability MessageType = 0x00010002
	// MessageTypeInitRunspacePool asks the server to create the pool.
	MessageTypeInitRunspacePool MessageType = 0x00010004
	// MessageTypeRunspacePoolState reports a pool state change.
	MessageTypeRunspacePoolState MessageType = 0x00021005
)

// String returns the protocol name of t.
func (t MessageType) String() string {
	switch t {
	case MessageTypeSessionCapability:
		return "SESSION_CAPABILITY"
	case MessageTypeInitRunspacePool:
		return "INIT_RUNSPACEPOOL"
	case MessageTypeRunspacePoolState:
		return "RUNSPACEPOOL_STATE"
	default:
		return fmt.Sprintf("0x%08X", uint32(t))
	}
}

// HeaderSize is the message header size in bytes.
const HeaderSize = 40 // 4 (Destination) + 4 (MessageType) + 16 (RPID) + 16 (PID)

// ErrMessageTooShort is returned when a message is smaller than its header.
var ErrMessageTooShort = errors.New("message too short")

// Message represents a PSRP message.
type Message struct {
	Destination Destination
	Type        MessageType
	RunspaceID  uuid.UUID
	PipelineID  uuid.UUID
	Data        []byte // CLIXML encoded
}

// Encode serializes the header followed by Data.
func (m *Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Destination))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Type))
	putGUID(buf[8:24], m.RunspaceID)
	putGUID(buf[24:40], m.PipelineID)
	copy(buf[HeaderSize:], m.Data)
	return buf
}

// Decode parses a message. Data is copied out of data.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrMessageTooShort, len(data), HeaderSize)
	}

	m := &Message{
		Destination: Destination(binary.LittleEndian.Uint32(data[0:4])),
		Type:        MessageType(binary.LittleEndian.Uint32(data[4:8])),
		RunspaceID:  getGUID(data[8:24]),
		PipelineID:  getGUID(data[24:40]),
	}
	if len(data) > HeaderSize {
		m.Data = append([]byte(nil), data[HeaderSize:]...)
	}
	return m, nil
}

// putGUID writes id into dst in .NET byte order.
func putGUID(dst []byte, id uuid.UUID) {
	dst[0], dst[1], dst[2], dst[3] = id[3], id[2], id[1], id[0]
	dst[4], dst[5] = id[5], id[4]
	dst[6], dst[7] = id[7], id[6]
	copy(dst[8:16], id[8:16])
}

// getGUID reads a GUID stored in .NET byte order.
func getGUID(src []byte) uuid.UUID {
	var id uuid.UUID
	id[0], id[1], id[2], id[3] = src[3], src[2], src[1], src[0]
	id[4], id[5] = src[5], src[4]
	id[6], id[7] = src[7], src[6]
	copy(id[8:16], src[8:16])
	return id
}

// NewSessionCapability creates a SESSION_CAPABILITY message for the server.
func NewSessionCapability(runspaceID uuid.UUID, capabilities []byte) *Message {
	return &Message{
		Destination: DestinationServer,
		Type:        MessageTypeSessionCapability,
		RunspaceID:  runspaceID,
		Data:        capabilities,
	}
}

// NewInitRunspacePool creates an INIT_RUNSPACEPOOL message.
func NewInitRunspacePool(runspaceID uuid.UUID, data []byte) *Message {
	return &Message{
		Destination: DestinationServer,
		Type:        MessageTypeInitRunspacePool,
		RunspaceID:  runspaceID,
		Data:        data,
	}
}

// NewRunspacePoolState creates a RUNSPACEPOOL_STATE message for the client.
func NewRunspacePoolState(runspaceID uuid.UUID, data []byte) *Message {
	return &Message{
		Destination: DestinationClient,
		Type:        MessageTypeRunspacePoolState,
		RunspaceID:  runspaceID,
		Data:        data,
	}
}

// RunspacePoolState is the pool state carried by RUNSPACEPOOL_STATE.
type RunspacePoolState int32

const (
	// RunspacePoolStateBeforeOpen is the state of a pool not yet opened.
	RunspacePoolStateBeforeOpen RunspacePoolState = 0
	// RunspacePoolStateOpening means the server is creating the pool.
	RunspacePoolStateOpening RunspacePoolState = 1
	// RunspacePoolStateOpened means the pool is ready for use.
	RunspacePoolStateOpened RunspacePoolState = 2
	// RunspacePoolStateClosing means the pool is being closed.
	RunspacePoolStateClosing RunspacePoolState = 3
	// RunspacePoolStateClosed means the pool was closed.
	RunspacePoolStateClosed RunspacePoolState = 4
	// RunspacePoolStateBroken means the pool failed; the message carries the error.
	RunspacePoolStateBroken RunspacePoolState = 5
	// RunspacePoolStateDisconnected means the client connection was dropped.
	RunspacePoolStateDisconnected RunspacePoolState = 6
	// RunspacePoolStateConnecting means a client is reconnecting.
	RunspacePoolStateConnecting RunspacePoolState = 7
)

// String returns a string representation of the state.
func (s RunspacePoolState) String() string {
	switch s {
	case RunspacePoolStateBeforeOpen:
		return "BeforeOpen"
	case RunspacePoolStateOpening:
		return "Opening"
	case RunspacePoolStateOpened:
		return "Opened"
	case RunspacePoolStateClosing:
		return "Closing"
	case RunspacePoolStateClosed:
		return "Closed"
	case RunspacePoolStateBroken:
		return "Broken"
	case RunspacePoolStateDisconnected:
		return "Disconnected"
	case RunspacePoolStateConnecting:
		return "Connecting"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}
