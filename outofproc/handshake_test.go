package outofproc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/smnsjas/go-psfanout/fragments"
	"github.com/smnsjas/go-psfanout/messages"
)

const openedStateXML = `<Obj RefId="0"><MS><I32 N="RunspaceState">2</I32></MS></Obj>`

func brokenStateXML(message string) string {
	return fmt.Sprintf(`<Obj RefId="0"><MS><I32 N="RunspaceState">5</I32>`+
		`<Obj N="ExceptionAsErrorRecord" RefId="1"><ToString>%s</ToString>`+
		`<MS><S N="Message">%s</S></MS></Obj></MS></Obj>`, message, message)
}

func TestReassembler(t *testing.T) {
	pool := uuid.New()
	state := messages.NewRunspacePoolState(pool, []byte(openedStateXML))

	t.Run("two messages in one packet", func(t *testing.T) {
		capability := messages.NewSessionCapability(pool, []byte(sessionCapabilityXML))
		payload := fragments.NewFragmenter(maxFragmentSize).Encode(capability.Encode(), state.Encode())

		msgs, err := newReassembler().add(payload)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]*messages.Message{capability, state}, msgs); diff != "" {
			t.Errorf("messages mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("message across packets", func(t *testing.T) {
		r := newReassembler()
		frags := fragments.NewFragmenter(fragments.HeaderSize + 16).Fragment(state.Encode())
		var got []*messages.Message
		for i, f := range frags {
			msgs, err := r.add(f.Encode())
			if err != nil {
				t.Fatalf("fragment %d: %v", i, err)
			}
			if i < len(frags)-1 && len(msgs) != 0 {
				t.Fatalf("fragment %d completed a message early", i)
			}
			got = append(got, msgs...)
		}
		if len(got) != 1 || got[0].Type != messages.MessageTypeRunspacePoolState || got[0].RunspaceID != pool {
			t.Errorf("messages = %+v", got)
		}
	})

	t.Run("errors", func(t *testing.T) {
		whole := fragments.NewFragmenter(maxFragmentSize).Encode(state.Encode())
		first := &fragments.Fragment{ObjectID: 1, Start: true, Data: []byte("x")}
		tests := []struct {
			name    string
			payload [][]byte
			cause   error
		}{
			{"truncated fragment", [][]byte{whole[:len(whole)-3]}, fragments.ErrInvalidFragment},
			{"duplicate fragment", [][]byte{first.Encode(), first.Encode()}, fragments.ErrDuplicateFragment},
			{"message shorter than header", [][]byte{fragments.NewFragmenter(maxFragmentSize).Encode([]byte("short"))}, messages.ErrMessageTooShort},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				r := newReassembler()
				var err error
				for _, p := range tt.payload {
					if _, err = r.add(p); err != nil {
						break
					}
				}
				if !errors.Is(err, ErrProtocol) || !errors.Is(err, tt.cause) {
					t.Errorf("error = %v, want ErrProtocol wrapping %v", err, tt.cause)
				}
			})
		}
	})
}

func TestOpeningFragments(t *testing.T) {
	pool := uuid.New()
	msgs, err := newReassembler().add(openingFragments(pool))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}

	capability, init := msgs[0], msgs[1]
	if capability.Type != messages.MessageTypeSessionCapability || capability.Destination != messages.DestinationServer {
		t.Errorf("first message = %s to %d", capability.Type, capability.Destination)
	}
	if init.Type != messages.MessageTypeInitRunspacePool || init.RunspaceID != pool {
		t.Errorf("second message = %s for %s, want INIT_RUNSPACEPOOL for %s", init.Type, init.RunspaceID, pool)
	}
	if string(init.Data) != initRunspacePoolXML {
		t.Errorf("INIT_RUNSPACEPOOL payload = %q", init.Data)
	}
}

func TestParsePoolState(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    poolStateInfo
		wantErr bool
	}{
		{
			name: "opened",
			data: openedStateXML,
			want: poolStateInfo{State: messages.RunspacePoolStateOpened},
		},
		{
			name: "broken with message",
			data: brokenStateXML("Access is denied."),
			want: poolStateInfo{State: messages.RunspacePoolStateBroken, Reason: "Access is denied."},
		},
		{
			name: "broken with only a ToString",
			data: `<Obj RefId="0"><MS><I32 N="RunspaceState">5</I32><Obj N="ExceptionAsErrorRecord" RefId="1"><ToString>boom</ToString></Obj></MS></Obj>`,
			want: poolStateInfo{State: messages.RunspacePoolStateBroken, Reason: "boom"},
		},
		{
			name: "bare int",
			data: `<Objs Version="1.1.0.1" xmlns="http://schemas.microsoft.com/powershell/2004/04"><I32>4</I32></Objs>`,
			want: poolStateInfo{State: messages.RunspacePoolStateClosed},
		},
		{
			name:    "no state",
			data:    `<Obj RefId="0"><MS><S N="Message">nothing</S></MS></Obj>`,
			wantErr: true,
		},
		{
			name:    "not a number",
			data:    `<Obj RefId="0"><MS><I32 N="RunspaceState">two</I32></MS></Obj>`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePoolState([]byte(tt.data))
			if tt.wantErr {
				if !errors.Is(err, ErrProtocol) {
					t.Errorf("error = %v, want ErrProtocol", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePoolState: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("state mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
