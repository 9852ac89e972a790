// Package pluginsdk helps write lodestone plugins as standalone programs.
//
// A plugin's main hands its hook handlers to Run:
//
//	func main() {
//		pluginsdk.Run(map[string]pluginsdk.HandlerFunc{
//			"add_versions": func(c *pluginsdk.Context) (any, error) {
//				c.Text("listing snapshots")
//				return []string{"24w14a"}, nil
//			},
//		})
//	}
//
// NOTE: This package shares the record format with the host through
// internal/plugin/executable. It is usable by plugins built inside the
// lodestone module; out-of-tree plugins implement the same line protocol
// directly.
package pluginsdk

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"lodestone/internal/domain"
	"lodestone/internal/plugin/executable"
)

// Re-exported domain types for plugin developers.
type (
	MessageKind  = domain.MessageKind
	MessageLevel = domain.MessageLevel
)

// Re-exported message constants.
const (
	MessageSimple    = domain.MessageSimple
	MessageSuccess   = domain.MessageSuccess
	MessageWarning   = domain.MessageWarning
	MessageError     = domain.MessageError
	MessageHeader    = domain.MessageHeader
	MessageHyperlink = domain.MessageHyperlink

	LevelImportant = domain.LevelImportant
	LevelExtra     = domain.LevelExtra
	LevelDebug     = domain.LevelDebug
	LevelTrace     = domain.LevelTrace
)

// HandlerFunc serves one hook. The returned value is sent to the host as the
// hook's result; a nil value means "use the hook's default".
type HandlerFunc func(c *Context) (any, error)

// Context is the plugin side of one hook call.
type Context struct {
	Hook        string
	HookVersion int
	PluginID    string
	DataDir     string

	argument []byte
	config   []byte
	version  int

	mu  sync.Mutex
	out io.Writer
	err error
}

// Argument decodes the hook argument into v.
func (c *Context) Argument(v any) error {
	if err := json.Unmarshal(c.argument, v); err != nil {
		return fmt.Errorf("decode %s argument: %w", c.Hook, err)
	}
	return nil
}

// CustomConfig decodes the plugin's configuration into v. A plugin without
// configuration leaves v untouched.
func (c *Context) CustomConfig(v any) error {
	if len(c.config) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.config, v); err != nil {
		return fmt.Errorf("decode custom config: %w", err)
	}
	return nil
}

// Text shows text to the user at the important level.
func (c *Context) Text(text string) { c.TextAt(text, LevelImportant) }

// TextAt shows text at the given level.
func (c *Context) TextAt(text string, level MessageLevel) {
	c.send(domain.Action{Kind: domain.ActionText, Text: text, Level: level})
}

// Message shows a styled message.
func (c *Context) Message(kind MessageKind, text string) {
	c.send(domain.Action{Kind: domain.ActionMessage, Message: &domain.Message{Kind: kind, Text: text}})
}

func (c *Context) StartProcess() { c.send(domain.Action{Kind: domain.ActionStartProcess}) }
func (c *Context) EndProcess()   { c.send(domain.Action{Kind: domain.ActionEndProcess}) }

func (c *Context) StartSection(title string) {
	c.send(domain.Action{Kind: domain.ActionStartSection, Title: title})
}

func (c *Context) EndSection() { c.send(domain.Action{Kind: domain.ActionEndSection}) }

func (c *Context) send(a domain.Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	line, err := executable.EncodeAction(c.version, a, executable.EncodingBase64)
	if err != nil {
		c.err = err
		return
	}
	if _, err := c.out.Write(append(line, '\n')); err != nil {
		c.err = err
	}
}

// Run serves the hook the host asked for and exits the process.
func Run(handlers map[string]HandlerFunc) {
	os.Exit(Serve(os.Args, os.Getenv, os.Stdout, os.Stderr, handlers))
}

// Serve is Run without the exit: it reads the hook name and argument from the
// last two entries of args (or the argument from the file named by
// LODESTONE_ARGUMENT_FILE), the call's environment through getenv, and
// writes records to stdout. It returns the process exit code. A hook without
// a handler ends the call with no record, which the host treats as "not
// implemented" or as the hook's default.
func Serve(args []string, getenv func(string) string, stdout, stderr io.Writer, handlers map[string]HandlerFunc) int {
	if len(args) < 3 {
		fmt.Fprintln(stderr, "usage: plugin <hook> <argument-json>")
		return 2
	}
	hook, argument := args[len(args)-2], args[len(args)-1]

	version := executable.ProtocolVersion
	if v := getenv(executable.EnvProtocolVersion); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fmt.Fprintf(stderr, "invalid %s %q\n", executable.EnvProtocolVersion, v)
			return 2
		}
		version = n
	}
	hookVersion, _ := strconv.Atoi(getenv(executable.EnvHookVersion))

	handler, ok := handlers[hook]
	if !ok {
		return 0
	}

	if path := getenv(executable.EnvArgumentFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "read argument file: %v\n", err)
			return 2
		}
		argument = string(data)
	}

	c := &Context{
		Hook:        hook,
		HookVersion: hookVersion,
		PluginID:    getenv(executable.EnvPluginID),
		DataDir:     getenv(executable.EnvDataDir),
		argument:    []byte(argument),
		config:      []byte(getenv(executable.EnvCustomConfig)),
		version:     version,
		out:         stdout,
	}

	result, err := handler(c)
	if err != nil {
		c.send(domain.Action{Kind: domain.ActionError, Error: err.Error()})
		return 1
	}

	payload, err := json.Marshal(result)
	if err != nil {
		c.send(domain.Action{Kind: domain.ActionError, Error: "encode result: " + err.Error()})
		return 1
	}
	c.send(domain.Action{Kind: domain.ActionResult, Result: payload})

	if c.err != nil {
		fmt.Fprintf(stderr, "write to host: %v\n", c.err)
		return 1
	}
	return 0
}
