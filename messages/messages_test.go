package messages

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	pool := uuid.MustParse("fedcba98-7654-3210-fedc-ba9876543210")
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "capability without data",
			msg:  NewSessionCapability(pool, nil),
		},
		{
			name: "init runspace pool",
			msg:  NewInitRunspacePool(pool, []byte(`<Obj><MS><I32 N="MinRunspaces">1</I32></MS></Obj>`)),
		},
		{
			name: "pool state with pipeline id",
			msg: &Message{
				Destination: DestinationClient,
				Type:        MessageTypeRunspacePoolState,
				RunspaceID:  pool,
				PipelineID:  uuid.MustParse("11111111-2222-3333-4444-555555555555"),
				Data:        []byte(`<Obj RefId="0"><MS><I32 N="RunspaceState">2</I32></MS></Obj>`),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.msg.Encode()
			if len(encoded) != HeaderSize+len(tt.msg.Data) {
				t.Fatalf("encoded %d bytes, want %d", len(encoded), HeaderSize+len(tt.msg.Data))
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if diff := cmp.Diff(tt.msg, decoded); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "empty data", data: []byte{}, wantErr: ErrMessageTooShort},
		{name: "too short", data: make([]byte, 10), wantErr: ErrMessageTooShort},
		{name: "exactly header size", data: make([]byte, HeaderSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeCopiesData(t *testing.T) {
	raw := NewRunspacePoolState(uuid.New(), []byte("state")).Encode()
	m, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	raw[HeaderSize] = 'X'
	if string(m.Data) != "state" {
		t.Errorf("Data aliases the input: %q", m.Data)
	}
}

func TestHeaderLayout(t *testing.T) {
	encoded := NewSessionCapability(uuid.New(), []byte("test data")).Encode()

	if got := binary.LittleEndian.Uint32(encoded[0:4]); got != uint32(DestinationServer) {
		t.Errorf("destination = %d, want %d", got, DestinationServer)
	}
	if !bytes.Equal(encoded[4:8], []byte{0x02, 0x00, 0x01, 0x00}) {
		t.Errorf("message type bytes = % x, want little-endian 0x00010002", encoded[4:8])
	}
}

func TestGUIDByteOrder(t *testing.T) {
	id := uuid.MustParse("12345678-1234-1234-1234-123456789abc")
	buf := make([]byte, 16)
	putGUID(buf, id)

	want := []byte{0x78, 0x56, 0x34, 0x12, 0x34, 0x12, 0x34, 0x12, 0x12, 0x34, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc}
	if !bytes.Equal(buf, want) {
		t.Errorf("putGUID bytes mismatch:\ngot:  %x\nwant: %x", buf, want)
	}
	if got := getGUID(buf); got != id {
		t.Errorf("getGUID = %s, want %s", got, id)
	}
}

func TestMessageTypeStrings(t *testing.T) {
	tests := []struct {
		typ  MessageType
		want string
	}{
		{MessageTypeSessionCapability, "SESSION_CAPABILITY"},
		{MessageTypeInitRunspacePool, "INIT_RUNSPACEPOOL"},
		{MessageTypeRunspacePoolState, "RUNSPACEPOOL_STATE"},
		{MessageType(0x00041004), "0x00041004"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("MessageType(0x%08X).String() = %q, want %q", uint32(tt.typ), got, tt.want)
		}
	}
}

func TestRunspacePoolStates(t *testing.T) {
	tests := []struct {
		state RunspacePoolState
		value int32
		name  string
	}{
		{RunspacePoolStateBeforeOpen, 0, "BeforeOpen"},
		{RunspacePoolStateOpening, 1, "Opening"},
		{RunspacePoolStateOpened, 2, "Opened"},
		{RunspacePoolStateClosing, 3, "Closing"},
		{RunspacePoolStateClosed, 4, "Closed"},
		{RunspacePoolStateBroken, 5, "Broken"},
		{RunspacePoolStateDisconnected, 6, "Disconnected"},
		{RunspacePoolStateConnecting, 7, "Connecting"},
		{RunspacePoolState(42), 42, "Unknown(42)"},
	}
	for _, tt := range tests {
		if int32(tt.state) != tt.value {
			t.Errorf("%s = %d, want %d", tt.name, int32(tt.state), tt.value)
		}
		if got := tt.state.String(); got != tt.name {
			t.Errorf("RunspacePoolState(%d).String() = %q, want %q", tt.value, got, tt.name)
		}
	}
}
