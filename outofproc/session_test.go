package outofproc

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psfanout/connection"
	"github.com/smnsjas/go-psfanout/fragments"
	"github.com/smnsjas/go-psfanout/messages"
	"github.com/smnsjas/go-psfanout/session"
)

// fakeServer plays the server side of one connection.
type fakeServer struct {
	// reply answers the opening handshake. Nil never answers.
	reply func(t *Transport, pool uuid.UUID) error
	// exitAfterOpen ends server output right after the handshake arrives.
	exitAfterOpen bool
	// ignoreClose leaves Close packets unacknowledged.
	ignoreClose bool

	mu   sync.Mutex
	pool uuid.UUID
	msgs []messages.MessageType
}

func (f *fakeServer) serve(t *Transport) {
	asm := newReassembler()
	for {
		packet, err := t.ReceivePacket()
		if err != nil {
			return
		}
		switch packet.Type {
		case PacketTypeData:
			msgs, err := asm.add(packet.Data)
			if err != nil {
				return
			}
			var pool uuid.UUID
			for _, m := range msgs {
				f.mu.Lock()
				f.msgs = append(f.msgs, m.Type)
				f.mu.Unlock()
				if m.Type == messages.MessageTypeInitRunspacePool {
					pool = m.RunspaceID
				}
			}
			f.mu.Lock()
			f.pool = pool
			f.mu.Unlock()

			if f.exitAfterOpen {
				return
			}
			if f.reply != nil {
				if err := f.reply(t, pool); err != nil {
					return
				}
			}
		case PacketTypeClose:
			if f.ignoreClose {
				continue
			}
			_ = t.SendCloseAck(packet.PSGuid)
			return
		}
	}
}

func sendState(t *Transport, pool uuid.UUID, xml string) error {
	capability := &messages.Message{
		Destination: messages.DestinationClient,
		Type:        messages.MessageTypeSessionCapability,
		Data:        []byte(sessionCapabilityXML),
	}
	state := messages.NewRunspacePoolState(pool, []byte(xml))
	return t.SendData(NullGUID, fragments.NewFragmenter(maxFragmentSize).Encode(capability.Encode(), state.Encode()))
}

func replyOpened(t *Transport, pool uuid.UUID) error {
	return sendState(t, pool, openedStateXML)
}

// pipeConn is the client end of an in-memory server.
type pipeConn struct {
	io.Reader
	io.Writer
	closers []io.Closer
	once    sync.Once
}

func (c *pipeConn) Close() error {
	c.once.Do(func() {
		for _, cl := range c.closers {
			_ = cl.Close()
		}
	})
	return nil
}

// pipeDialer starts a fakeServer per Dial.
type pipeDialer struct {
	server  *fakeServer
	dialErr error
}

func (d *pipeDialer) Validate(connection.Descriptor) error { return nil }

func (d *pipeDialer) Dial(_ context.Context, _ connection.Descriptor) (Conn, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	inR, inW := io.Pipe()   // client -> server
	outR, outW := io.Pipe() // server -> client

	go func() {
		d.server.serve(NewTransport(inR, outW, nil))
		_ = outW.Close()
	}()
	return &pipeConn{Reader: outR, Writer: inW, closers: []io.Closer{inW, outR}}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []session.Event
	ch     chan session.Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan session.Event, 16)}
}

func (l *eventLog) handle(ev session.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.ch <- ev
}

// waitFor returns the first event in state, failing on timeout.
func (l *eventLog) waitFor(t *testing.T, state session.State) session.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.State == state {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", state)
		}
	}
}

func (l *eventLog) states() []session.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]session.State, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.State
	}
	return out
}

func newTestSession(t *testing.T, d Dialer, opts ...Option) (*Session, *eventLog) {
	t.Helper()
	f := NewFactory(append([]Option{WithDialer(d)}, opts...)...)
	s, err := f.NewSession(connection.Descriptor{Kind: connection.KindProcess, ComputerName: "localhost"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	log := newEventLog()
	s.SetEventHandler(log.handle)
	t.Cleanup(func() { _ = s.Dispose() })
	return s.(*Session), log
}

func TestSessionOpensAndCloses(t *testing.T) {
	server := &fakeServer{reply: replyOpened}
	s, log := newTestSession(t, &pipeDialer{server: server})

	if err := s.OpenAsync(); err != nil {
		t.Fatalf("OpenAsync: %v", err)
	}
	log.waitFor(t, session.StateOpened)

	server.mu.Lock()
	pool, msgs := server.pool, append([]messages.MessageType(nil), server.msgs...)
	server.mu.Unlock()
	if pool != s.ID() {
		t.Errorf("server saw pool %s, want %s", pool, s.ID())
	}
	if len(msgs) != 2 || msgs[0] != messages.MessageTypeSessionCapability || msgs[1] != messages.MessageTypeInitRunspacePool {
		t.Errorf("server received %v", msgs)
	}

	if err := s.OpenAsync(); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("second OpenAsync error = %v, want ErrInvalidState", err)
	}

	if err := s.CloseAsync(); err != nil {
		t.Fatalf("CloseAsync: %v", err)
	}
	closed := log.waitFor(t, session.StateClosed)
	if closed.Failure != nil {
		t.Errorf("clean close carried failure %v", closed.Failure)
	}

	want := []session.State{session.StateOpening, session.StateOpened, session.StateClosing, session.StateClosed}
	got := log.states()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("states = %v, want %v", got, want)
			break
		}
	}
}

func TestSessionBroken(t *testing.T) {
	refused := errors.New("executable file not found")
	tests := []struct {
		name     string
		dialer   *pipeDialer
		opts     []Option
		category session.Category
		reason   error
		message  string
	}{
		{
			name: "server reports broken",
			dialer: &pipeDialer{server: &fakeServer{reply: func(t *Transport, pool uuid.UUID) error {
				return sendState(t, pool, brokenStateXML("Access is denied."))
			}}},
			category: session.CategoryProtocol,
			message:  "Access is denied.",
		},
		{
			name: "server reports broken without reason",
			dialer: &pipeDialer{server: &fakeServer{reply: func(t *Transport, pool uuid.UUID) error {
				return sendState(t, pool, `<Obj RefId="0"><MS><I32 N="RunspaceState">5</I32></MS></Obj>`)
			}}},
			category: session.CategoryProtocol,
			reason:   session.ErrUnknownFailure,
		},
		{
			name:     "server exits",
			dialer:   &pipeDialer{server: &fakeServer{exitAfterOpen: true}},
			category: session.CategoryTransport,
			reason:   ErrServerExited,
		},
		{
			name: "malformed reply",
			dialer: &pipeDialer{server: &fakeServer{reply: func(t *Transport, _ uuid.UUID) error {
				return t.write(PacketTypeData, "<Data PSGuid='zz'>AAAA</Data>\n")
			}}},
			category: session.CategoryProtocol,
			reason:   ErrMalformedPacket,
		},
		{
			name:     "dial fails",
			dialer:   &pipeDialer{dialErr: refused},
			category: session.CategoryTransport,
			reason:   refused,
		},
		{
			name:     "open timeout",
			dialer:   &pipeDialer{server: &fakeServer{}},
			opts:     []Option{WithOpenTimeout(50 * time.Millisecond)},
			category: session.CategoryTransport,
			reason:   ErrOpenTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, log := newTestSession(t, tt.dialer, tt.opts...)
			if err := s.OpenAsync(); err != nil {
				t.Fatalf("OpenAsync: %v", err)
			}
			ev := log.waitFor(t, session.StateBroken)
			if ev.Failure == nil {
				t.Fatal("broken event without failure")
			}
			if ev.Failure.Category != tt.category {
				t.Errorf("category = %s, want %s", ev.Failure.Category, tt.category)
			}
			if tt.reason != nil && !errors.Is(ev.Failure, tt.reason) {
				t.Errorf("failure %v does not wrap %v", ev.Failure, tt.reason)
			}
			if tt.message != "" && ev.Failure.Error() != tt.message {
				t.Errorf("message = %q, want %q", ev.Failure.Error(), tt.message)
			}
			if s.State() != session.StateBroken {
				t.Errorf("state = %s, want Broken", s.State())
			}
		})
	}
}

func TestSessionCloseWhileOpening(t *testing.T) {
	s, log := newTestSession(t, &pipeDialer{server: &fakeServer{}})
	if err := s.OpenAsync(); err != nil {
		t.Fatal(err)
	}
	if err := s.CloseAsync(); err != nil {
		t.Fatal(err)
	}
	ev := log.waitFor(t, session.StateClosed)
	if ev.Failure != nil {
		t.Errorf("close failure = %v, want none", ev.Failure)
	}
	if err := s.CloseAsync(); err != nil {
		t.Errorf("second CloseAsync: %v", err)
	}
}

func TestSessionCloseUnacknowledged(t *testing.T) {
	server := &fakeServer{reply: replyOpened, ignoreClose: true}
	s, log := newTestSession(t, &pipeDialer{server: server}, WithCloseTimeout(50*time.Millisecond))
	if err := s.OpenAsync(); err != nil {
		t.Fatal(err)
	}
	log.waitFor(t, session.StateOpened)

	if err := s.CloseAsync(); err != nil {
		t.Fatal(err)
	}
	ev := log.waitFor(t, session.StateClosed)
	if ev.Failure == nil || ev.Failure.Category != session.CategoryTransport {
		t.Errorf("close failure = %v, want transport failure", ev.Failure)
	}
}

func TestSessionCloseBeforeOpen(t *testing.T) {
	s, log := newTestSession(t, &pipeDialer{server: &fakeServer{}})
	if err := s.CloseAsync(); err != nil {
		t.Fatal(err)
	}
	log.waitFor(t, session.StateClosed)
	if err := s.OpenAsync(); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("OpenAsync after close error = %v, want ErrInvalidState", err)
	}
}

func TestSessionDisposed(t *testing.T) {
	s, _ := newTestSession(t, &pipeDialer{server: &fakeServer{}})
	if err := s.Dispose(); err != nil {
		t.Fatal(err)
	}
	if err := s.Dispose(); err != nil {
		t.Errorf("second Dispose: %v", err)
	}
	if err := s.OpenAsync(); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("OpenAsync after Dispose error = %v, want ErrInvalidState", err)
	}
}

func TestExecDialerCommand(t *testing.T) {
	e := ExecDialer{Pwsh: "/opt/pwsh"}
	tests := []struct {
		name     string
		desc     connection.Descriptor
		wantName string
		wantArgs []string
		wantErr  error
	}{
		{
			name:     "local process",
			desc:     connection.Descriptor{Kind: connection.KindProcess},
			wantName: "/opt/pwsh",
			wantArgs: []string{"-NoLogo", "-NoProfile", "-s"},
		},
		{
			name: "ssh with key",
			desc: connection.Descriptor{
				Kind:         connection.KindSSH,
				ComputerName: "web01",
				Port:         2222,
				Credential:   connection.Credential{User: "admin", KeyFile: "/keys/id"},
			},
			wantName: "ssh",
			wantArgs: []string{"-o", "BatchMode=yes", "-p", "2222", "-i", "/keys/id", "-l", "admin", "web01", "-s", "powershell"},
		},
		{
			name:     "container",
			desc:     connection.Descriptor{Kind: connection.KindContainer, ContainerID: "abc123"},
			wantName: "docker",
			wantArgs: []string{"exec", "-i", "abc123", "/opt/pwsh", "-NoLogo", "-NoProfile", "-s"},
		},
		{
			name: "ssh with password",
			desc: connection.Descriptor{
				Kind:         connection.KindSSH,
				ComputerName: "web01",
				Credential:   connection.Credential{User: "admin", Password: "secret"},
			},
			wantErr: ErrPasswordAuth,
		},
		{
			name:    "wsman",
			desc:    connection.Descriptor{Kind: connection.KindWSMan, ComputerName: "server01"},
			wantErr: connection.ErrUnsupportedKind,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args, err := e.Command(tt.desc)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				if verr := e.Validate(tt.desc); !errors.Is(verr, tt.wantErr) {
					t.Errorf("Validate error = %v, want %v", verr, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Command: %v", err)
			}
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if len(args) != len(tt.wantArgs) {
				t.Fatalf("args = %q, want %q", args, tt.wantArgs)
			}
			for i := range args {
				if args[i] != tt.wantArgs[i] {
					t.Errorf("args = %q, want %q", args, tt.wantArgs)
					break
				}
			}
		})
	}
}

func TestFactoryRejectsUnsupportedKind(t *testing.T) {
	f := NewFactory()
	_, err := f.NewSession(connection.Descriptor{Kind: connection.KindVMID, VMID: uuid.New()})
	if !errors.Is(err, connection.ErrUnsupportedKind) {
		t.Errorf("NewSession error = %v, want ErrUnsupportedKind", err)
	}
}
