// Package terminal renders plugin output for a human at a terminal.
package terminal

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"lodestone/internal/domain"
)

// Compile-time check: Sink implements domain.OutputSink.
var _ domain.OutputSink = (*Sink)(nil)

var levelRank = map[domain.MessageLevel]int{
	domain.LevelImportant: 0,
	domain.LevelExtra:     1,
	domain.LevelDebug:     2,
	domain.LevelTrace:     3,
}

// Options configures a Sink.
type Options struct {
	// Verbosity is the most detailed level printed. Empty means important only.
	Verbosity domain.MessageLevel
	// Symbols overrides glyph detection.
	Symbols *Symbols
}

// Sink writes relayed plugin output to w. Sections indent their contents and
// output inside a process is marked with an arrow. It is safe for concurrent
// use, though output from one hook call arrives on one goroutine.
type Sink struct {
	mu        sync.Mutex
	w         io.Writer
	verbosity int
	symbols   Symbols
	styles    styles

	sections  []string
	processes int
}

// NewSink creates a sink writing to w. Colour is used only when w is a
// terminal.
func NewSink(w io.Writer, opts Options) *Sink {
	symbols := DetectSymbols()
	if opts.Symbols != nil {
		symbols = *opts.Symbols
	}
	verbosity, ok := levelRank[opts.Verbosity]
	if !ok {
		verbosity = 0
	}
	return &Sink{
		w:         w,
		verbosity: verbosity,
		symbols:   symbols,
		styles:    newStyles(lipgloss.NewRenderer(w)),
	}
}

func (s *Sink) shows(level domain.MessageLevel) bool {
	rank, ok := levelRank[level]
	if !ok {
		rank = 0
	}
	return rank <= s.verbosity
}

func (s *Sink) line(text string) {
	prefix := strings.Repeat("  ", len(s.sections))
	if s.processes > 0 {
		prefix += s.styles.dim.Render(s.symbols.ArrowR) + " "
	}
	for _, l := range strings.Split(text, "\n") {
		fmt.Fprintln(s.w, prefix+l)
	}
}

func (s *Sink) DisplayText(text string, level domain.MessageLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shows(level) {
		return
	}
	if level == domain.LevelDebug || level == domain.LevelTrace {
		text = s.styles.dim.Render(text)
	}
	s.line(text)
}

func (s *Sink) DisplayMessage(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shows(msg.Level) {
		return
	}
	s.line(s.render(msg))
}

func (s *Sink) render(msg domain.Message) string {
	switch msg.Kind {
	case domain.MessageSuccess:
		return s.styles.success.Render(s.symbols.Success) + " " + msg.Text
	case domain.MessageWarning:
		return s.styles.warning.Render(s.symbols.Warning + " " + msg.Text)
	case domain.MessageError:
		return s.styles.err.Render(s.symbols.Error + " " + msg.Text)
	case domain.MessageHeader:
		return s.styles.header.Render(msg.Text)
	case domain.MessageHyperlink:
		return s.symbols.Link + " " + s.styles.link.Render(msg.Text)
	default:
		return msg.Text
	}
}

func (s *Sink) StartProcess() {
	s.mu.Lock()
	s.processes++
	s.mu.Unlock()
}

func (s *Sink) EndProcess() {
	s.mu.Lock()
	if s.processes > 0 {
		s.processes--
	}
	s.mu.Unlock()
}

func (s *Sink) StartSection(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.line(s.styles.bold.Render(title))
	s.sections = append(s.sections, title)
}

func (s *Sink) EndSection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.sections); n > 0 {
		s.sections = s.sections[:n-1]
	}
}

// Success prints a confirmation line outside any plugin section.
func (s *Sink) Success(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, s.styles.success.Render(s.symbols.Success)+" "+fmt.Sprintf(format, args...))
}

// Bullet prints an item of a listing.
func (s *Sink) Bullet(label, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := s.symbols.Bullet + " " + s.styles.bold.Render(label)
	if detail != "" {
		line += "  " + s.styles.dim.Render(detail)
	}
	fmt.Fprintln(s.w, line)
}

// Error prints err as a friendly error with recovery hints.
func (s *Sink) Error(err error) {
	fe := Friendly(err)
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, s.styles.err.Render(s.symbols.Error+" "+fe.Title))
	if fe.Message != "" {
		fmt.Fprintln(s.w, "  "+fe.Message)
	}
	for _, h := range fe.Hints {
		fmt.Fprintln(s.w, "    "+s.symbols.Bullet+" "+h)
	}
	if fe.Raw != "" {
		fmt.Fprintln(s.w, "  "+s.styles.dim.Render(fe.Raw))
	}
}
