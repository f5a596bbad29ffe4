// Package fragments splits PSRP messages into fragments and reassembles them.
//
// # Fragment Structure
//
//	┌─────────────────────────────────────────────────────────┐
//	│  ObjectId (8 bytes) - Identifies the original message  │
//	├─────────────────────────────────────────────────────────┤
//	│  FragmentId (8 bytes) - Sequence number                │
//	├─────────────────────────────────────────────────────────┤
//	│  Flags (1 byte)                                        │
//	│    Bit 0: Start fragment                               │
//	│    Bit 1: End fragment                                 │
//	├─────────────────────────────────────────────────────────┤
//	│  BlobLength (4 bytes) - Length of blob data            │
//	├─────────────────────────────────────────────────────────┤
//	│  Blob (variable) - Fragment payload                    │
//	└─────────────────────────────────────────────────────────┘
//
// Header integers are big-endian, unlike message headers.
//
// An OutOfProcess Data packet may carry several fragments back to back;
// DecodeAll splits such a payload.
package fragments

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the fragment header size in bytes.
const HeaderSize = 21

// Flag bits for fragment headers.
const (
	FlagStart = 1 << 0
	FlagEnd   = 1 << 1
)

var (
	// ErrInvalidFragment is returned when a fragment is malformed.
	ErrInvalidFragment = errors.New("invalid fragment")
	// ErrDuplicateFragment is returned when a fragment arrives twice.
	ErrDuplicateFragment = errors.New("duplicate fragment")
	// ErrLimitExceeded is returned when reassembly would exceed an Assembler limit.
	ErrLimitExceeded = errors.New("fragment limit exceeded")
)

// Fragment represents a single PSRP message fragment.
type Fragment struct {
	ObjectID   uint64
	FragmentID uint64
	Start      bool
	End        bool
	Data       []byte
}

// Encode serializes the fragment to bytes.
func (f *Fragment) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Data))
	f.encodeTo(buf)
	return buf
}

func (f *Fragment) encodeTo(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], f.ObjectID)
	binary.BigEndian.PutUint64(buf[8:16], f.FragmentID)

	var flags byte
	if f.Start {
		flags |= FlagStart
	}
	if f.End {
		flags |= FlagEnd
	}
	buf[16] = flags
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(f.Data))) // #nosec G115 -- fragments are bounded by the fragmenter
	copy(buf[HeaderSize:], f.Data)
}

// Decode parses the fragment at the start of data. Bytes after the blob
// are ignored. The blob is copied.
func Decode(data []byte) (*Fragment, error) {
	f, _, err := decode(data)
	return f, err
}

// DecodeAll parses fragments laid out back to back until data is consumed.
func DecodeAll(data []byte) ([]*Fragment, error) {
	var out []*Fragment
	for len(data) > 0 {
		f, n, err := decode(data)
		if err != nil {
			return out, err
		}
		out = append(out, f)
		data = data[n:]
	}
	return out, nil
}

func decode(data []byte) (*Fragment, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalidFragment, len(data))
	}

	flags := data[16]
	f := &Fragment{
		ObjectID:   binary.BigEndian.Uint64(data[0:8]),
		FragmentID: binary.BigEndian.Uint64(data[8:16]),
		Start:      flags&FlagStart != 0,
		End:        flags&FlagEnd != 0,
	}

	blobLen := binary.BigEndian.Uint32(data[17:21])
	if uint64(blobLen) > uint64(len(data)-HeaderSize) {
		return nil, 0, fmt.Errorf("%w: fragment %d/%d declares %d bytes, %d available",
			ErrInvalidFragment, f.ObjectID, f.FragmentID, blobLen, len(data)-HeaderSize)
	}
	end := HeaderSize + int(blobLen)
	if blobLen > 0 {
		f.Data = append([]byte(nil), data[HeaderSize:end]...)
	}
	return f, end, nil
}

// Fragmenter splits messages into fragments with increasing object ids.
type Fragmenter struct {
	maxSize  int
	objectID uint64
}

// NewFragmenter creates a Fragmenter whose fragments, header included, are
// at most maxSize bytes. The first message gets object id 1.
func NewFragmenter(maxSize int) *Fragmenter {
	return &Fragmenter{maxSize: maxSize}
}

// Fragment splits data into one or more fragments. Empty data yields a
// single empty start+end fragment.
func (f *Fragmenter) Fragment(data []byte) []*Fragment {
	f.objectID++

	maxPayload := f.maxSize - HeaderSize
	if maxPayload <= 0 {
		maxPayload = max(len(data), 1)
	}

	var out []*Fragment
	for offset, id := 0, uint64(0); offset < len(data) || len(out) == 0; id++ {
		end := min(offset+maxPayload, len(data))
		out = append(out, &Fragment{
			ObjectID:   f.objectID,
			FragmentID: id,
			Start:      offset == 0,
			End:        end == len(data),
			Data:       data[offset:end],
		})
		offset = end
	}
	return out
}

// Encode fragments each message and concatenates the encoded fragments,
// ready to be sent as one OutOfProcess Data payload.
func (f *Fragmenter) Encode(msgs ...[]byte) []byte {
	var frags []*Fragment
	size := 0
	for _, m := range msgs {
		for _, frag := range f.Fragment(m) {
			frags = append(frags, frag)
			size += HeaderSize + len(frag.Data)
		}
	}

	buf := make([]byte, size)
	offset := 0
	for _, frag := range frags {
		frag.encodeTo(buf[offset:])
		offset += HeaderSize + len(frag.Data)
	}
	return buf
}

const (
	// DefaultMaxPendingMessages bounds messages under reassembly at once.
	DefaultMaxPendingMessages = 1000
	// DefaultMaxFragmentsPerMsg bounds the fragments of one message.
	DefaultMaxFragmentsPerMsg = 10000
	// DefaultMaxMessageSize bounds the reassembled size of one message.
	DefaultMaxMessageSize = 16 << 20
)

// Limits bound the memory an Assembler may hold for a peer.
type Limits struct {
	MaxPendingMessages int
	MaxFragmentsPerMsg int
	MaxMessageSize     int
}

// DefaultLimits returns the limits used by NewAssembler.
func DefaultLimits() Limits {
	return Limits{
		MaxPendingMessages: DefaultMaxPendingMessages,
		MaxFragmentsPerMsg: DefaultMaxFragmentsPerMsg,
		MaxMessageSize:     DefaultMaxMessageSize,
	}
}

// Assembler reassembles fragments into complete messages. Fragments of a
// message may arrive in any order. It is not safe for concurrent use.
type Assembler struct {
	pending map[uint64]*pendingMessage
	limits  Limits
}

type pendingMessage struct {
	fragments map[uint64][]byte
	total     int
	size      int
}

// NewAssembler creates an Assembler with DefaultLimits.
func NewAssembler() *Assembler {
	return NewAssemblerWithLimits(DefaultLimits())
}

// NewAssemblerWithLimits creates an Assembler with custom limits.
func NewAssemblerWithLimits(limits Limits) *Assembler {
	return &Assembler{
		pending: make(map[uint64]*pendingMessage),
		limits:  limits,
	}
}

// Add adds a fragment. When it completes its message, the message bytes are
// returned with complete set and the object id is forgotten.
func (a *Assembler) Add(f *Fragment) (complete bool, data []byte, err error) {
	pm, exists := a.pending[f.ObjectID]
	if !exists {
		if len(a.pending) >= a.limits.MaxPendingMessages {
			return false, nil, fmt.Errorf("%w: too many pending messages: %d >= %d",
				ErrLimitExceeded, len(a.pending), a.limits.MaxPendingMessages)
		}
		pm = &pendingMessage{fragments: make(map[uint64][]byte), total: -1}
		a.pending[f.ObjectID] = pm
	}

	if len(pm.fragments) >= a.limits.MaxFragmentsPerMsg {
		delete(a.pending, f.ObjectID)
		return false, nil, fmt.Errorf("%w: too many fragments for message %d: %d >= %d",
			ErrLimitExceeded, f.ObjectID, len(pm.fragments), a.limits.MaxFragmentsPerMsg)
	}
	if _, dup := pm.fragments[f.FragmentID]; dup {
		return false, nil, fmt.Errorf("%w: object %d fragment %d", ErrDuplicateFragment, f.ObjectID, f.FragmentID)
	}
	if pm.size+len(f.Data) > a.limits.MaxMessageSize {
		delete(a.pending, f.ObjectID)
		return false, nil, fmt.Errorf("%w: message %d exceeds %d bytes",
			ErrLimitExceeded, f.ObjectID, a.limits.MaxMessageSize)
	}

	pm.fragments[f.FragmentID] = f.Data
	pm.size += len(f.Data)

	if f.End {
		if f.FragmentID > uint64(math.MaxInt-1) {
			delete(a.pending, f.ObjectID)
			return false, nil, fmt.Errorf("%w: fragment id %d too large", ErrInvalidFragment, f.FragmentID)
		}
		pm.total = int(f.FragmentID) + 1
	}
	if pm.total < 0 || len(pm.fragments) != pm.total {
		return false, nil, nil
	}

	result := make([]byte, 0, pm.size)
	for i := uint64(0); i < uint64(pm.total); i++ { // #nosec G115 -- total is positive
		part, ok := pm.fragments[i]
		if !ok {
			// Ids beyond the end fragment filled the count.
			delete(a.pending, f.ObjectID)
			return false, nil, fmt.Errorf("%w: object %d is missing fragment %d", ErrInvalidFragment, f.ObjectID, i)
		}
		result = append(result, part...)
	}
	delete(a.pending, f.ObjectID)
	return true, result, nil
}

// Pending returns the number of partially received messages.
func (a *Assembler) Pending() int {
	return len(a.pending)
}
