package outofproc

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psfanout/fragments"
	"github.com/smnsjas/go-psfanout/messages"
)

// ErrProtocol is wrapped by every framing or message decoding failure.
var ErrProtocol = errors.New("protocol violation")

// maxFragmentSize matches the fragment size pwsh uses on this transport.
const maxFragmentSize = 32 << 10

// reassembler turns Data packet payloads into decoded messages.
type reassembler struct {
	asm *fragments.Assembler
}

func newReassembler() *reassembler {
	return &reassembler{asm: fragments.NewAssembler()}
}

// add consumes the fragments in payload and returns every message they
// complete. Messages decoded before an error are still returned.
func (r *reassembler) add(payload []byte) ([]*messages.Message, error) {
	frags, err := fragments.DecodeAll(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	var out []*messages.Message
	for _, f := range frags {
		complete, data, err := r.asm.Add(f)
		if err != nil {
			return out, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		if !complete {
			continue
		}
		msg, err := messages.Decode(data)
		if err != nil {
			return out, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

const sessionCapabilityXML = `<Obj RefId="0"><MS>` +
	`<Version N="protocolversion">2.3</Version>` +
	`<Version N="PSVersion">2.0</Version>` +
	`<Version N="SerializationVersion">1.1.0.1</Version>` +
	`</MS></Obj>`

const initRunspacePoolXML = `<Obj RefId="0"><MS>` +
	`<I32 N="MinRunspaces">1</I32>` +
	`<I32 N="MaxRunspaces">1</I32>` +
	`<Obj N="PSThreadOptions" RefId="1"><TN RefId="0">` +
	`<T>System.Management.Automation.Runspaces.PSThreadOptions</T>` +
	`<T>System.Enum</T><T>System.ValueType</T><T>System.Object</T></TN>` +
	`<ToString>Default</ToString><I32>0</I32></Obj>` +
	`<Obj N="ApartmentState" RefId="2"><TN RefId="1">` +
	`<T>System.Threading.ApartmentState</T>` +
	`<T>System.Enum</T><T>System.ValueType</T><T>System.Object</T></TN>` +
	`<ToString>Unknown</ToString><I32>2</I32></Obj>` +
	`<Obj N="HostInfo" RefId="3"><MS>` +
	`<B N="_isHostNull">true</B><B N="_isHostUINull">true</B>` +
	`<B N="_isHostRawUINull">true</B><B N="_useRunspaceHost">true</B>` +
	`</MS></Obj>` +
	`<Nil N="ApplicationArguments" />` +
	`</MS></Obj>`

// openingFragments returns the fragmented SESSION_CAPABILITY and
// INIT_RUNSPACEPOOL messages for pool as one Data payload.
func openingFragments(pool uuid.UUID) []byte {
	return fragments.NewFragmenter(maxFragmentSize).Encode(
		messages.NewSessionCapability(pool, []byte(sessionCapabilityXML)).Encode(),
		messages.NewInitRunspacePool(pool, []byte(initRunspacePoolXML)).Encode(),
	)
}

// poolStateInfo is the part of a RUNSPACEPOOL_STATE message this package uses.
type poolStateInfo struct {
	State messages.RunspacePoolState
	// Reason is the error message the server attached to a Broken state.
	Reason string
}

// parsePoolState reads the state and, when present, the error message from
// the CLIXML payload of a RUNSPACEPOOL_STATE message.
func parsePoolState(data []byte) (poolStateInfo, error) {
	var (
		info     poolStateInfo
		found    bool
		fallback string
	)

	decoder := xml.NewDecoder(strings.NewReader(string(data)))
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return info, fmt.Errorf("%w: pool state: %v", ErrProtocol, err)
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		name := attr(start, "N")
		switch {
		case start.Name.Local == "I32" && !found && (name == "RunspaceState" || name == "RunspacePoolState" || name == ""):
			var text string
			if err := decoder.DecodeElement(&text, &start); err != nil {
				return info, fmt.Errorf("%w: pool state value: %v", ErrProtocol, err)
			}
			n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 32)
			if err != nil {
				return info, fmt.Errorf("%w: pool state value %q", ErrProtocol, text)
			}
			info.State = messages.RunspacePoolState(n)
			found = true
		case start.Name.Local == "S" && name == "Message" && info.Reason == "":
			if err := decoder.DecodeElement(&info.Reason, &start); err != nil {
				return info, fmt.Errorf("%w: pool state message: %v", ErrProtocol, err)
			}
		case start.Name.Local == "ToString" && fallback == "":
			if err := decoder.DecodeElement(&fallback, &start); err != nil {
				return info, fmt.Errorf("%w: pool state message: %v", ErrProtocol, err)
			}
		}
	}

	if !found {
		return info, fmt.Errorf("%w: no state in RUNSPACEPOOL_STATE", ErrProtocol)
	}
	if info.Reason == "" && info.State == messages.RunspacePoolStateBroken {
		info.Reason = fallback
	}
	return info, nil
}

func attr(e xml.StartElement, name string) string {
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
