package outofproc

import (
	"bufio"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrMalformedPacket is returned when a line cannot be parsed as a packet.
var ErrMalformedPacket = errors.New("malformed packet")

// NullGUID addresses the runspace pool rather than a pipeline.
var NullGUID = uuid.UUID{}

// PacketType is the element name of an OutOfProcess packet.
type PacketType string

const (
	PacketTypeData     PacketType = "Data"
	PacketTypeDataAck  PacketType = "DataAck"
	PacketTypeClose    PacketType = "Close"
	PacketTypeCloseAck PacketType = "CloseAck"
	PacketTypeSignal   PacketType = "Signal"
)

// Packet is one received line.
type Packet struct {
	Type   PacketType
	PSGuid uuid.UUID
	Stream string
	// Data holds the decoded fragment bytes of a Data packet.
	Data []byte
}

// Transport reads and writes OutOfProcess packets, one XML element per line.
// Writes are serialized; ReceivePacket must be called from a single goroutine.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex
	logger *slog.Logger
}

// NewTransport creates a transport over the server's output (reader) and input (writer).
func NewTransport(reader io.Reader, writer io.Writer, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Transport{
		reader: bufio.NewReader(reader),
		writer: writer,
		logger: logger,
	}
}

// SendData sends one or more encoded fragments on the default stream.
func (t *Transport) SendData(psGuid uuid.UUID, data []byte) error {
	packet := fmt.Sprintf("<Data Stream='Default' PSGuid='%s'>%s</Data>\n",
		formatGUID(psGuid), base64.StdEncoding.EncodeToString(data))
	return t.write(PacketTypeData, packet)
}

// SendClose asks the server to close the runspace pool (NullGUID) or a pipeline.
func (t *Transport) SendClose(psGuid uuid.UUID) error {
	return t.write(PacketTypeClose, fmt.Sprintf("<Close PSGuid='%s' />\n", formatGUID(psGuid)))
}

// SendCloseAck acknowledges a server initiated close.
func (t *Transport) SendCloseAck(psGuid uuid.UUID) error {
	return t.write(PacketTypeCloseAck, fmt.Sprintf("<CloseAck PSGuid='%s' />\n", formatGUID(psGuid)))
}

func (t *Transport) write(kind PacketType, packet string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.Debug("send packet", "type", string(kind), "size", len(packet))
	if _, err := io.WriteString(t.writer, packet); err != nil {
		return fmt.Errorf("write %s packet: %w", kind, err)
	}
	return nil
}

// ReceivePacket blocks until the next packet arrives. Blank lines and any
// text before the first element on a line (a UTF-8 BOM, banner output) are
// skipped.
func (t *Transport) ReceivePacket() (*Packet, error) {
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			return nil, err
		}

		idx := strings.IndexByte(line, '<')
		if idx == -1 {
			if err != nil {
				return nil, err
			}
			continue
		}
		line = strings.TrimSpace(line[idx:])

		packet, perr := parsePacket(line)
		if perr != nil {
			return nil, perr
		}
		t.logger.Debug("received packet", "type", string(packet.Type), "size", len(packet.Data))
		return packet, nil
	}
}

func parsePacket(line string) (*Packet, error) {
	decoder := xml.NewDecoder(strings.NewReader(line))

	token, err := decoder.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v (line: %q)", ErrMalformedPacket, err, truncate(line, 100))
	}
	start, ok := token.(xml.StartElement)
	if !ok {
		return nil, fmt.Errorf("%w: expected start element, got %T", ErrMalformedPacket, token)
	}

	packet := &Packet{Type: PacketType(start.Name.Local), Stream: "Default"}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "PSGuid":
			guid, err := uuid.Parse(attr.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: PSGuid %q: %v", ErrMalformedPacket, attr.Value, err)
			}
			packet.PSGuid = guid
		case "Stream":
			packet.Stream = attr.Value
		}
	}

	if packet.Type != PacketTypeData {
		return packet, nil
	}

	token, err = decoder.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return packet, nil
		}
		return nil, fmt.Errorf("%w: data content: %v", ErrMalformedPacket, err)
	}
	switch tok := token.(type) {
	case xml.CharData:
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(tok)))
		if err != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrMalformedPacket, err)
		}
		packet.Data = decoded
	case xml.EndElement:
	default:
		return nil, fmt.Errorf("%w: unexpected %T in Data element", ErrMalformedPacket, token)
	}
	return packet, nil
}

// formatGUID formats a GUID the way PowerShell writes it.
func formatGUID(id uuid.UUID) string {
	return strings.ToLower(id.String())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
