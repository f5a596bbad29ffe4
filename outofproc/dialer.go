package outofproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/smnsjas/go-psfanout/connection"
)

// ErrPasswordAuth is returned for SSH descriptors that carry a password but
// no key file; ssh cannot take a password non-interactively.
var ErrPasswordAuth = errors.New("ssh password authentication is not supported, use a key file")

// Conn is the client side of a started server: reads return server output,
// writes go to server input.
type Conn interface {
	io.ReadWriteCloser
}

// Dialer starts a PowerShell server for a descriptor.
type Dialer interface {
	// Validate reports whether the descriptor can be dialed at all.
	Validate(d connection.Descriptor) error
	// Dial starts the server. Closing the returned Conn stops it.
	Dial(ctx context.Context, d connection.Descriptor) (Conn, error)
}

// ExecDialer runs the server as a child process: a local pwsh, pwsh through
// the ssh powershell subsystem, or pwsh inside a container.
type ExecDialer struct {
	// Pwsh is the PowerShell executable. Default "pwsh".
	Pwsh string
	// SSH is the ssh client executable. Default "ssh".
	SSH string
	// Docker is the container CLI. Default "docker".
	Docker string
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Command returns the executable and arguments that start the server for d.
func (e ExecDialer) Command(d connection.Descriptor) (string, []string, error) {
	pwsh := or(e.Pwsh, "pwsh")
	switch d.Kind {
	case connection.KindProcess:
		return pwsh, []string{"-NoLogo", "-NoProfile", "-s"}, nil

	case connection.KindSSH:
		if d.Credential.Password != "" && d.Credential.KeyFile == "" {
			return "", nil, ErrPasswordAuth
		}
		args := []string{"-o", "BatchMode=yes"}
		if d.Port != 0 {
			args = append(args, "-p", strconv.Itoa(d.Port))
		}
		if d.Credential.KeyFile != "" {
			args = append(args, "-i", d.Credential.KeyFile)
		}
		if d.Credential.User != "" {
			args = append(args, "-l", d.Credential.User)
		}
		subsystem := d.Subsystem
		if subsystem == "" {
			subsystem = connection.DefaultSSHSubsystem
		}
		args = append(args, d.ComputerName, "-s", subsystem)
		return or(e.SSH, "ssh"), args, nil

	case connection.KindContainer:
		return or(e.Docker, "docker"), []string{"exec", "-i", d.ContainerID, pwsh, "-NoLogo", "-NoProfile", "-s"}, nil

	default:
		return "", nil, fmt.Errorf("%w: %s sessions need a network transport", connection.ErrUnsupportedKind, d.Kind)
	}
}

// Validate implements Dialer.
func (e ExecDialer) Validate(d connection.Descriptor) error {
	_, _, err := e.Command(d)
	return err
}

// Dial implements Dialer.
func (e ExecDialer) Dial(ctx context.Context, d connection.Descriptor) (Conn, error) {
	name, args, err := e.Command(d)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// The read end stays ours so that Wait never closes it under a reader.
	stdout, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = w
	err = cmd.Start()
	_ = w.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &processConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// processConn stops the child process on Close.
type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File

	once sync.Once
	err  error
}

func (c *processConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *processConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// Close kills the process, reaps it and then closes the output pipe, which
// ends a pending Read.
func (c *processConn) Close() error {
	c.once.Do(func() {
		_ = c.stdin.Close()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		// Wait reports the kill; only a failure to reap matters.
		if err := c.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				c.err = err
			}
		}
		_ = c.stdout.Close()
	})
	return c.err
}
