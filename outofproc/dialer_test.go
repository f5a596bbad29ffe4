package outofproc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/smnsjas/go-psfanout/connection"
)

// echoServer writes a script that copies its input to its output and returns
// a dialer that runs it as the local PowerShell executable.
func echoServer(t *testing.T) ExecDialer {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "pwsh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec cat\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return ExecDialer{Pwsh: path}
}

func TestProcessConnCloseDuringRead(t *testing.T) {
	dialer := echoServer(t)
	conn, err := dialer.Dial(context.Background(), connection.Descriptor{Kind: connection.KindProcess})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if _, err := io.WriteString(conn, "ping\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if string(buf) != "ping\n" {
		t.Fatalf("read %q, want %q", buf, "ping\n")
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := conn.Read(make([]byte, 64))
		readErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := conn.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	select {
	case err := <-readErr:
		if err == nil {
			t.Error("pending Read returned no error after Close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending Read did not return after Close")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestExecDialerMissingExecutable(t *testing.T) {
	dialer := ExecDialer{Pwsh: filepath.Join(t.TempDir(), "missing")}
	if _, err := dialer.Dial(context.Background(), connection.Descriptor{Kind: connection.KindProcess}); err == nil {
		t.Fatal("Dial succeeded for a missing executable")
	}
}
