package terminal

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Adaptive palette; works on light and dark terminals. NO_COLOR is honoured
// by lipgloss's profile detection.
var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
)

// Symbols holds the glyphs used in output.
type Symbols struct {
	Success string
	Error   string
	Warning string
	Info    string
	ArrowR  string
	Bullet  string
	Link    string
}

var unicodeSymbols = Symbols{
	Success: "✓",
	Error:   "✗",
	Warning: "⚠",
	Info:    "●",
	ArrowR:  "→",
	Bullet:  "•",
	Link:    "↗",
}

var asciiSymbols = Symbols{
	Success: "[OK]",
	Error:   "[ERR]",
	Warning: "[!]",
	Info:    "[i]",
	ArrowR:  "->",
	Bullet:  "*",
	Link:    "=>",
}

// DetectSymbols picks Unicode glyphs unless LODESTONE_ASCII_SYMBOLS is set
// or the locale says the terminal is not UTF-8.
func DetectSymbols() Symbols {
	if v := os.Getenv("LODESTONE_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return asciiSymbols
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if val == "" {
			continue
		}
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return unicodeSymbols
		}
		if val == "c" || val == "posix" {
			return asciiSymbols
		}
	}
	return unicodeSymbols
}

// ASCIISymbols returns the plain fallback set.
func ASCIISymbols() Symbols { return asciiSymbols }

type styles struct {
	bold    lipgloss.Style
	dim     lipgloss.Style
	success lipgloss.Style
	err     lipgloss.Style
	warning lipgloss.Style
	info    lipgloss.Style
	header  lipgloss.Style
	link    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		bold:    r.NewStyle().Bold(true),
		dim:     r.NewStyle().Foreground(colorMuted).Faint(true),
		success: r.NewStyle().Foreground(colorSuccess).Bold(true),
		err:     r.NewStyle().Foreground(colorError).Bold(true),
		warning: r.NewStyle().Foreground(colorWarning).Bold(true),
		info:    r.NewStyle().Foreground(colorInfo),
		header:  r.NewStyle().Foreground(colorAccent).Bold(true),
		link:    r.NewStyle().Foreground(colorInfo).Underline(true),
	}
}
