// Package connection turns a requested target into a validated, immutable
// connection descriptor for one transport.
//
// Supported transports:
//
//	WSMan      computer name or http(s)://host[:port]/wsman URI (WinRM)
//	SSH        [user@]host[:port], PowerShell subsystem
//	VMID       Hyper-V guest addressed by VM GUID (PowerShell Direct)
//	Container  container id, pwsh launched inside the container
//	Process    local pwsh child process
//
// Validation problems are reported per request and wrap ErrInvalidTarget,
// ErrAmbiguousTarget or ErrUnsupportedKind.
package connection

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTarget is returned when a target cannot be parsed for its transport.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrAmbiguousTarget is returned when a target could identify more than one endpoint.
	ErrAmbiguousTarget = errors.New("ambiguous target")
	// ErrUnsupportedKind is returned for a transport kind no builder handles.
	ErrUnsupportedKind = errors.New("unsupported transport kind")
)

const (
	// DefaultConfigurationName is the session configuration used when none is requested.
	DefaultConfigurationName = "Microsoft.PowerShell"
	// DefaultApplicationName is the WSMan application path segment.
	DefaultApplicationName = "wsman"

	// DefaultWSManPort is the WinRM HTTP listener port.
	DefaultWSManPort = 5985
	// DefaultWSManSSLPort is the WinRM HTTPS listener port.
	DefaultWSManSSLPort = 5986
	// DefaultSSHPort is the SSH port.
	DefaultSSHPort = 22
	// DefaultSSHSubsystem is the sshd subsystem hosting PowerShell remoting.
	DefaultSSHSubsystem = "powershell"
)

// Kind identifies the transport used to reach a target.
type Kind int

const (
	// KindWSMan connects over WS-Management (WinRM).
	KindWSMan Kind = iota
	// KindSSH connects through the sshd PowerShell subsystem.
	KindSSH
	// KindVMID connects to a Hyper-V guest by VM id.
	KindVMID
	// KindContainer connects to a local container.
	KindContainer
	// KindProcess starts a local pwsh child process.
	KindProcess
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindWSMan:
		return "WSMan"
	case KindSSH:
		return "SSH"
	case KindVMID:
		return "VMId"
	case KindContainer:
		return "Container"
	case KindProcess:
		return "Process"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// ParseKind maps a case-insensitive transport name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "wsman", "winrm":
		return KindWSMan, nil
	case "ssh":
		return KindSSH, nil
	case "vmid", "vm":
		return KindVMID, nil
	case "container":
		return KindContainer, nil
	case "process", "local":
		return KindProcess, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
	}
}

// Credential carries already-resolved authentication material.
type Credential struct {
	User     string
	Password string
	KeyFile  string
}

// String never includes the password.
func (c Credential) String() string {
	if c.User == "" {
		return "<default>"
	}
	return c.User
}

// Request is one requested session.
type Request struct {
	Target            string
	Kind              Kind
	Port              int
	UseSSL            bool
	ApplicationName   string
	ConfigurationName string
	// Name is the optional user-assigned session name.
	Name       string
	Credential Credential
}

// Descriptor is a validated connection descriptor. It is immutable once built.
type Descriptor struct {
	Kind              Kind
	ComputerName      string
	Port              int
	URI               *url.URL // WSMan only
	VMID              uuid.UUID
	ContainerID       string
	Subsystem         string // SSH only
	ConfigurationName string
	Credential        Credential
	// Name is carried through from the request.
	Name string
}

// Target returns the identity used in outcomes and logs.
func (d Descriptor) Target() string {
	return d.ComputerName
}

// Builder builds a descriptor for a request.
type Builder interface {
	Build(req Request) (Descriptor, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(req Request) (Descriptor, error)

// Build calls f(req).
func (f BuilderFunc) Build(req Request) (Descriptor, error) {
	return f(req)
}

// DefaultBuilder dispatches to the per-kind builders in this package.
var DefaultBuilder Builder = BuilderFunc(Build)

// Build validates req and returns its descriptor.
func Build(req Request) (Descriptor, error) {
	var (
		d   Descriptor
		err error
	)
	switch req.Kind {
	case KindWSMan:
		d, err = buildWSMan(req)
	case KindSSH:
		d, err = buildSSH(req)
	case KindVMID:
		d, err = buildVMID(req)
	case KindContainer:
		d, err = buildContainer(req)
	case KindProcess:
		d = Descriptor{Kind: KindProcess, ComputerName: "localhost"}
	default:
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}
	if err != nil {
		return Descriptor{}, err
	}

	d.ConfigurationName = req.ConfigurationName
	if d.ConfigurationName == "" {
		d.ConfigurationName = DefaultConfigurationName
	}
	user := d.Credential.User
	d.Credential = req.Credential
	if user != "" {
		d.Credential.User = user
	}
	d.Name = req.Name
	return d, nil
}

func buildWSMan(req Request) (Descriptor, error) {
	target := strings.TrimSpace(req.Target)
	if target == "" {
		return Descriptor{}, fmt.Errorf("%w: empty computer name", ErrInvalidTarget)
	}

	var u *url.URL
	if strings.Contains(target, "://") {
		parsed, err := url.Parse(target)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: %q: %v", ErrInvalidTarget, target, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return Descriptor{}, fmt.Errorf("%w: %q: scheme must be http or https", ErrInvalidTarget, target)
		}
		if parsed.Hostname() == "" {
			return Descriptor{}, fmt.Errorf("%w: %q: missing host", ErrInvalidTarget, target)
		}
		if parsed.Path == "" || parsed.Path == "/" {
			parsed.Path = "/" + DefaultApplicationName
		}
		u = parsed
	} else {
		host, port, err := splitHostPort(target, req.Port)
		if err != nil {
			return Descriptor{}, err
		}
		scheme := "http"
		if port == 0 {
			port = DefaultWSManPort
			if req.UseSSL {
				port = DefaultWSManSSLPort
			}
		}
		if req.UseSSL {
			scheme = "https"
		}
		app := req.ApplicationName
		if app == "" {
			app = DefaultApplicationName
		}
		u = &url.URL{
			Scheme: scheme,
			Host:   net.JoinHostPort(host, strconv.Itoa(port)),
			Path:   "/" + strings.TrimPrefix(app, "/"),
		}
	}

	port, _ := strconv.Atoi(u.Port())
	if port == 0 {
		port = DefaultWSManPort
		if u.Scheme == "https" {
			port = DefaultWSManSSLPort
		}
	}

	return Descriptor{
		Kind:         KindWSMan,
		ComputerName: u.Hostname(),
		Port:         port,
		URI:          u,
	}, nil
}

func buildSSH(req Request) (Descriptor, error) {
	target := strings.TrimSpace(req.Target)
	user := req.Credential.User
	if at := strings.LastIndex(target, "@"); at >= 0 {
		if at == 0 {
			return Descriptor{}, fmt.Errorf("%w: %q: empty user name", ErrInvalidTarget, target)
		}
		if user != "" && user != target[:at] {
			return Descriptor{}, fmt.Errorf("%w: %q: user conflicts with credential user %q",
				ErrAmbiguousTarget, target, user)
		}
		user = target[:at]
		target = target[at+1:]
	}
	if target == "" {
		return Descriptor{}, fmt.Errorf("%w: empty host name", ErrInvalidTarget)
	}

	host, port, err := splitHostPort(target, req.Port)
	if err != nil {
		return Descriptor{}, err
	}
	if port == 0 {
		port = DefaultSSHPort
	}

	d := Descriptor{
		Kind:         KindSSH,
		ComputerName: host,
		Port:         port,
		Subsystem:    DefaultSSHSubsystem,
	}
	d.Credential.User = user
	return d, nil
}

func buildVMID(req Request) (Descriptor, error) {
	target := strings.TrimSpace(req.Target)
	id, err := uuid.Parse(target)
	if err != nil {
		if target != "" {
			// A VM name would need a hypervisor lookup and may match several guests.
			return Descriptor{}, fmt.Errorf("%w: %q is not a VM id; VM names are not resolved",
				ErrAmbiguousTarget, target)
		}
		return Descriptor{}, fmt.Errorf("%w: empty VM id", ErrInvalidTarget)
	}
	return Descriptor{Kind: KindVMID, VMID: id, ComputerName: id.String()}, nil
}

func buildContainer(req Request) (Descriptor, error) {
	id := strings.TrimSpace(req.Target)
	if id == "" {
		return Descriptor{}, fmt.Errorf("%w: empty container id", ErrInvalidTarget)
	}
	if strings.ContainsAny(id, " \t/\\") {
		return Descriptor{}, fmt.Errorf("%w: container id %q contains invalid characters", ErrInvalidTarget, id)
	}
	return Descriptor{Kind: KindContainer, ContainerID: id, ComputerName: id}, nil
}

// splitHostPort accepts "host", "host:port" and "[v6]:port". An explicit
// port in the target must agree with the requested port.
func splitHostPort(target string, requested int) (string, int, error) {
	if requested < 0 || requested > 65535 {
		return "", 0, fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, requested)
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// No port present.
		if strings.ContainsAny(target, "/ ") {
			return "", 0, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
		}
		return strings.Trim(target, "[]"), requested, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: %q: missing host", ErrInvalidTarget, target)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: %q: bad port %q", ErrInvalidTarget, target, portStr)
	}
	if requested != 0 && requested != port {
		return "", 0, fmt.Errorf("%w: %q: port %d conflicts with requested port %d",
			ErrAmbiguousTarget, target, port, requested)
	}
	return host, port, nil
}
