// Command psfanout opens PowerShell sessions to many targets at once and
// reports each result as it arrives.
//
// Usage:
//
//	psfanout [options] [TARGET...]
//
// Targets come from the command line, from a batch file (-f), or both.
// The exit status is 0 when every target opened, 1 when any target failed,
// 2 for usage errors and 130 when interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smnsjas/go-psfanout/config"
	"github.com/smnsjas/go-psfanout/fanout"
	"github.com/smnsjas/go-psfanout/outofproc"
	"github.com/smnsjas/go-psfanout/session"
)

const (
	exitOK          = 0
	exitFailures    = 1
	exitUsage       = 2
	exitInterrupted = 130
)

// exitError carries a process exit status.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	if err == nil {
		return
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintln(os.Stderr, ee.msg)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(exitFailures)
}

// options are the parsed command line.
type options struct {
	file        string
	throttle    int
	transport   string
	port        int
	useSSL      bool
	user        string
	keyFile     string
	name        string
	openTimeout time.Duration
	logLevel    string
	logFormat   string
	pwsh        string
	verbose     bool
	keepOpen    bool

	targets []string
	// set holds the names of flags given explicitly.
	set map[string]bool
}

func parseFlags(args []string, out io.Writer) (*options, error) {
	fs := flag.NewFlagSet("psfanout", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprint(out, `
psfanout - open PowerShell sessions to many targets concurrently.

Usage:
  psfanout [options] [TARGET...]

Options:
`)
		fs.PrintDefaults()
	}

	o := &options{set: make(map[string]bool)}
	fs.StringVar(&o.file, "f", "", "Batch file (YAML) with targets and settings.")
	fs.IntVar(&o.throttle, "throttle", config.DefaultThrottleLimit, "Maximum number of sessions opening at once.")
	fs.StringVar(&o.transport, "transport", "wsman", "Transport for command line targets: wsman, ssh, vmid, container, process.")
	fs.IntVar(&o.port, "port", 0, "Port for command line targets. 0 uses the transport default.")
	fs.BoolVar(&o.useSSL, "ssl", false, "Use HTTPS for WSMan targets.")
	fs.StringVar(&o.user, "user", "", "User name for command line targets.")
	fs.StringVar(&o.keyFile, "key", "", "SSH private key file for command line targets.")
	fs.StringVar(&o.name, "name", "", "Session name for command line targets.")
	fs.DurationVar(&o.openTimeout, "open-timeout", config.DefaultOpenTimeout, "Time limit for each session to open. 0 disables it.")
	fs.StringVar(&o.logLevel, "log-level", "warn", "Log level: debug, info, warn, error.")
	fs.StringVar(&o.logFormat, "log-format", "text", "Log format: text or json.")
	fs.StringVar(&o.pwsh, "pwsh", "", "PowerShell executable. Default pwsh.")
	fs.BoolVar(&o.verbose, "verbose", false, "Show verbose diagnostics.")
	fs.BoolVar(&o.keepOpen, "keep-open", false, "Keep opened sessions until interrupted.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, &exitError{code: exitOK}
		}
		return nil, &exitError{code: exitUsage, msg: err.Error()}
	}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	o.targets = fs.Args()

	if o.file == "" && len(o.targets) == 0 {
		fs.Usage()
		return nil, &exitError{code: exitUsage}
	}
	return o, nil
}

// loadConfig merges the batch file with the command line. Flags given
// explicitly override the file; without a file the flag defaults apply.
func loadConfig(o *options) (*config.Config, error) {
	cfg := config.Default()
	if o.file != "" {
		loaded, err := config.Load(o.file)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	override := func(name string) bool { return o.file == "" || o.set[name] }
	if override("throttle") {
		cfg.ThrottleLimit = o.throttle
	}
	if override("open-timeout") {
		cfg.OpenTimeout = o.openTimeout
	}
	if override("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if override("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if o.set["pwsh"] {
		cfg.Executables.Pwsh = o.pwsh
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, t := range o.targets {
		cfg.Targets = append(cfg.Targets, config.Target{
			Target:    t,
			Name:      o.name,
			Transport: o.transport,
			Port:      o.port,
			UseSSL:    &o.useSSL,
			User:      o.user,
			KeyFile:   o.keyFile,
		})
	}
	return cfg, nil
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return &exitError{code: exitUsage, msg: err.Error()}
	}

	logger := newLogger(cfg.Log.Level, cfg.Log.Format, stderr)
	logger.Debug("configuration loaded", "targets", len(cfg.Targets), "throttle", cfg.ThrottleLimit)

	factory := outofproc.NewFactory(
		outofproc.WithDialer(outofproc.ExecDialer{
			Pwsh:   cfg.Executables.Pwsh,
			SSH:    cfg.Executables.SSH,
			Docker: cfg.Executables.Docker,
		}),
		outofproc.WithOpenTimeout(cfg.OpenTimeout),
		outofproc.WithCloseTimeout(cfg.CloseTimeout),
		outofproc.WithLogger(logger.With("component", "outofproc")),
	)
	repo := session.NewRepository()
	orch, err := fanout.New(factory, repo,
		fanout.WithThrottleLimit(cfg.ThrottleLimit),
		fanout.WithLogger(logger.With("component", "fanout")),
	)
	if err != nil {
		return &exitError{code: exitUsage, msg: err.Error()}
	}

	p := newPrinter(stdout, o.verbose)
	failed := 0
	runErr := orch.Run(ctx, cfg.Requests(), func(out fanout.Outcome) {
		if out.Kind == fanout.OutcomeError {
			failed++
		}
		p.outcome(out)
	})
	p.summary(repo.List(), failed)

	if o.keepOpen && runErr == nil && repo.Len() > 0 {
		fmt.Fprintln(stdout, "Sessions are open. Press Ctrl+C to close them.")
		<-ctx.Done()
	}
	closeAll(repo, cfg.ThrottleLimit, cfg.CloseTimeout, logger)

	switch {
	case errors.Is(runErr, context.Canceled):
		return &exitError{code: exitInterrupted, msg: "interrupted"}
	case runErr != nil:
		return runErr
	case failed > 0:
		return &exitError{code: exitFailures}
	}
	return nil
}

// closeAll closes every opened session, at most limit at a time, and
// removes it from the repository.
func closeAll(repo *session.Repository, limit int, timeout time.Duration, logger *slog.Logger) {
	var g errgroup.Group
	g.SetLimit(limit)
	for _, h := range repo.List() {
		g.Go(func() error {
			closeSession(h, timeout+time.Second, logger)
			_, _ = repo.Remove(h.ID)
			return nil
		})
	}
	_ = g.Wait()
}

func closeSession(h *session.Handle, timeout time.Duration, logger *slog.Logger) {
	closed := make(chan struct{})
	var once sync.Once
	h.Session.SetEventHandler(func(ev session.Event) {
		if ev.State == session.StateClosed || ev.State == session.StateBroken {
			once.Do(func() { close(closed) })
		}
	})

	if err := h.Session.CloseAsync(); err != nil {
		logger.Warn("close session failed", "name", h.Name, "error", err)
	} else if h.State() == session.StateClosing {
		select {
		case <-closed:
		case <-time.After(timeout):
			logger.Warn("session did not close in time", "name", h.Name)
		}
	}
	if err := h.Session.Dispose(); err != nil {
		logger.Warn("dispose session failed", "name", h.Name, "error", err)
	}
}
