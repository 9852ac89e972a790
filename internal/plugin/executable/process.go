package executable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lodestone/internal/domain"
)

// Environment handed to every plugin process.
const (
	EnvHook            = "LODESTONE_HOOK"
	EnvHookVersion     = "LODESTONE_HOOK_VERSION"
	EnvProtocolVersion = "LODESTONE_PROTOCOL_VERSION"
	EnvPluginID        = "LODESTONE_PLUGIN_ID"
	EnvCustomConfig    = "LODESTONE_CUSTOM_CONFIG"
	EnvDataDir         = "LODESTONE_DATA_DIR"
	// EnvArgumentFile names a file holding the argument when it is too large
	// for the command line. The argv slot is then empty.
	EnvArgumentFile = "LODESTONE_ARGUMENT_FILE"
)

const (
	defaultWaitDelay  = 2 * time.Second
	defaultStderrTail = 4096

	// MaxInlineArgument is the largest argument passed in argv. Linux caps
	// a single argv string at 128 KiB.
	MaxInlineArgument = 64 << 10
)

// Options describes one hook invocation against an executable plugin.
type Options struct {
	PluginID        string
	Command         string   // resolved path or bare name looked up in PATH
	Args            []string // placed before the hook name and argument
	Dir             string
	Hook            domain.HookInfo
	Argument        []byte // JSON
	ProtocolVersion int    // declared by the manifest; 0 means the host's
	CustomConfig    []byte
	DataDir         string
	Env             []string // extra KEY=VALUE pairs

	// Passthrough streams for takes_over hooks. Nil means none.
	Stdin  io.Reader
	Stderr io.Writer

	WaitDelay  time.Duration
	StderrTail int
	Logger     *slog.Logger
}

// Process is one running plugin child. Run consumes its output once.
type Process struct {
	opts    Options
	cmd     *exec.Cmd
	stdout  *io.PipeReader
	stderr  *stderrTail
	version int
	group   bool // child leads its own process group
	logger  *slog.Logger

	exited     chan struct{} // closed after cmd.Wait returns
	exitErr    error
	readerDone chan struct{}
}

type lineEvent struct {
	action domain.Action
	err    error
}

// Start spawns the plugin process.
func Start(opts Options) (*Process, error) {
	version, err := Negotiate(opts.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = defaultWaitDelay
	}
	if opts.StderrTail <= 0 {
		opts.StderrTail = defaultStderrTail
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("plugin", opts.PluginID, "hook", opts.Hook.Name)

	command, err := absCommand(opts.Command)
	if err != nil {
		return nil, err
	}

	argument := opts.Argument
	if len(argument) == 0 {
		argument = []byte("null")
	}
	var argFile string
	if len(argument) > MaxInlineArgument {
		if argFile, err = writeArgumentFile(argument); err != nil {
			return nil, err
		}
		argument = nil
	}
	args := append(append([]string(nil), opts.Args...), opts.Hook.Name, string(argument))

	cmd := exec.Command(command, args...)
	cmd.Dir = opts.Dir
	cmd.WaitDelay = opts.WaitDelay
	cmd.Env = append(os.Environ(),
		EnvHook+"="+opts.Hook.Name,
		EnvHookVersion+"="+strconv.Itoa(int(opts.Hook.Version)),
		EnvProtocolVersion+"="+strconv.Itoa(version),
		EnvPluginID+"="+opts.PluginID,
		EnvCustomConfig+"="+string(opts.CustomConfig),
		EnvDataDir+"="+opts.DataDir,
	)
	if argFile != "" {
		cmd.Env = append(cmd.Env, EnvArgumentFile+"="+argFile)
	}
	cmd.Env = append(cmd.Env, opts.Env...)

	stderr := newStderrTail(opts.StderrTail)
	cmd.Stderr = stderr
	// takes_over hooks stay in the host's process group so they can read
	// from the terminal.
	group := !opts.Hook.TakesOver
	if group {
		setProcessGroup(cmd)
	} else {
		cmd.Stdin = opts.Stdin
		if opts.Stderr != nil {
			cmd.Stderr = io.MultiWriter(stderr, opts.Stderr)
		}
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		removeArgumentFile(argFile, logger)
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewDomainError("executable.Start", domain.ErrPluginMissing, fmt.Sprintf("%s: %v", opts.Command, err))
		}
		return nil, domain.NewDomainError("executable.Start", domain.ErrIO, fmt.Sprintf("spawn %s: %v", opts.Command, err))
	}
	logger.Debug("plugin process started", "pid", cmd.Process.Pid, "protocol", version)

	p := &Process{
		opts:       opts,
		cmd:        cmd,
		stdout:     pr,
		stderr:     stderr,
		version:    version,
		group:      group,
		logger:     logger,
		exited:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go func() {
		p.exitErr = cmd.Wait()
		pw.Close()
		removeArgumentFile(argFile, logger)
		close(p.exited)
		logger.Debug("plugin process exited", "state", cmd.ProcessState.String())
	}()
	return p, nil
}

// ProtocolVersion returns the negotiated protocol version.
func (p *Process) ProtocolVersion() int { return p.version }

// Run relays the child's actions to emit in order and returns the terminal
// result payload. A nil payload with a nil error means the child finished
// without a result and the hook's default applies.
//
// Run returns as soon as a terminal action arrives; the remaining output is
// drained and the child reaped in the background. Cancelling ctx kills the
// child.
func (p *Process) Run(ctx context.Context, emit func(domain.Action)) (json.RawMessage, error) {
	if emit == nil {
		emit = func(domain.Action) {}
	}
	lines := make(chan lineEvent)
	stop := make(chan struct{})
	defer close(stop)
	go p.read(lines, stop)

	var reported *domain.Action
	for {
		select {
		case <-ctx.Done():
			p.kill()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
			}
			return nil, ctx.Err()

		case ev, ok := <-lines:
			if !ok {
				<-p.exited
				return p.finish(reported)
			}
			if ev.err != nil {
				p.kill()
				return nil, ev.err
			}
			a := ev.action
			if !a.Terminal() {
				emit(a)
				continue
			}
			if p.opts.Hook.TakesOver {
				// The hook owns the terminal until it exits.
				if a.Kind == domain.ActionError && reported == nil {
					reported = &a
				}
				continue
			}
			if a.Kind == domain.ActionError {
				return nil, fmt.Errorf("%w: %s", domain.ErrPluginError, a.Error)
			}
			return a.Result, nil
		}
	}
}

func (p *Process) finish(reported *domain.Action) (json.RawMessage, error) {
	code, err := p.exitCode()
	if err != nil {
		return nil, err
	}

	if p.opts.Hook.TakesOver {
		if reported != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrPluginError, reported.Error)
		}
		if code != 0 {
			return nil, fmt.Errorf("%w: exited with code %d%s", domain.ErrPluginError, code, p.tail())
		}
		return nil, nil
	}

	if code != 0 {
		return nil, fmt.Errorf("%w: exited with code %d and no result%s", domain.ErrUnexpectedExit, code, p.tail())
	}
	if p.opts.Hook.HasDefault {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: exited without a result%s", domain.ErrUnexpectedExit, p.tail())
}

func (p *Process) exitCode() (int, error) {
	if p.exitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.exitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("%w: %v%s", domain.ErrIO, p.exitErr, p.tail())
}

func (p *Process) tail() string {
	if t := p.stderr.String(); t != "" {
		return ": " + t
	}
	return ""
}

// read decodes lines until stop is closed, then keeps draining stdout so the
// child never blocks on a full pipe and Wait can complete.
func (p *Process) read(lines chan<- lineEvent, stop <-chan struct{}) {
	defer close(p.readerDone)
	defer io.Copy(io.Discard, p.stdout) //nolint:errcheck

	sc := NewLineScanner(p.stdout)
	for sc.Scan() {
		a, err := DecodeLine(sc.Bytes(), p.version)
		select {
		case lines <- lineEvent{action: a, err: err}:
		case <-stop:
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case lines <- lineEvent{err: fmt.Errorf("%w: read plugin output: %v", domain.ErrIO, err)}:
		case <-stop:
		}
		return
	}
	close(lines)
}

// Kill terminates the child and, outside takes_over hooks, every process it
// started. Killing an exited process is a no-op.
func (p *Process) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := killProcess(p.cmd.Process, p.group); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("%w: kill plugin process: %v", domain.ErrIO, err)
	}
	return nil
}

func (p *Process) kill() {
	if err := p.Kill(); err != nil {
		p.logger.Warn("failed to kill plugin process", "error", err)
	}
}

// Wait blocks until the child has exited and its output is drained.
func (p *Process) Wait() {
	<-p.exited
	<-p.readerDone
}

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} { return p.exited }

// absCommand anchors a relative command path to the host's working
// directory, since the child runs in the plugin directory. Bare names are
// left for PATH lookup.
func absCommand(command string) (string, error) {
	hasDir := strings.ContainsRune(command, '/') || strings.ContainsRune(command, filepath.Separator)
	if !hasDir || filepath.IsAbs(command) {
		return command, nil
	}
	abs, err := filepath.Abs(command)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %v", domain.ErrIO, command, err)
	}
	return abs, nil
}

func writeArgumentFile(argument []byte) (string, error) {
	f, err := os.CreateTemp("", "lodestone-arg-*.json")
	if err != nil {
		return "", fmt.Errorf("%w: create argument file: %v", domain.ErrIO, err)
	}
	if _, err := f.Write(argument); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: write argument file: %v", domain.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: write argument file: %v", domain.ErrIO, err)
	}
	return f.Name(), nil
}

func removeArgumentFile(path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("remove argument file", "path", path, "error", err)
	}
}
