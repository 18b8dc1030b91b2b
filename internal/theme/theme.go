// Package theme maps semantic output elements to terminal styles.
//
// Styles are described with lipgloss and compiled once into raw escape
// sequence pairs, so the formatter only appends bytes on the hot path.
package theme

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/SteelMorgan/logview/internal/domain"
)

// Style describes how one element is drawn
type Style struct {
	Foreground string `yaml:"fg" toml:"fg"`
	Background string `yaml:"bg" toml:"bg"`
	Bold       bool   `yaml:"bold" toml:"bold"`
	Faint      bool   `yaml:"faint" toml:"faint"`
	Italic     bool   `yaml:"italic" toml:"italic"`
	Underline  bool   `yaml:"underline" toml:"underline"`
}

// LevelStyles holds one style per severity
type LevelStyles struct {
	Debug   Style `yaml:"debug" toml:"debug"`
	Info    Style `yaml:"info" toml:"info"`
	Warning Style `yaml:"warning" toml:"warning"`
	Error   Style `yaml:"error" toml:"error"`
	Unknown Style `yaml:"unknown" toml:"unknown"`
}

// Theme is the read-only mapping from output elements to styles
type Theme struct {
	Name    string      `yaml:"name" toml:"name"`
	Time    Style       `yaml:"time" toml:"time"`
	Levels  LevelStyles `yaml:"levels" toml:"levels"`
	Logger  Style       `yaml:"logger" toml:"logger"`
	Message Style       `yaml:"message" toml:"message"`
	Key     Style       `yaml:"key" toml:"key"`
	String  Style       `yaml:"string" toml:"string"`
	Number  Style       `yaml:"number" toml:"number"`
	Literal Style       `yaml:"literal" toml:"literal"` // true, false, null
	Caller  Style       `yaml:"caller" toml:"caller"`
	Punct   Style       `yaml:"punctuation" toml:"punctuation"`
}

// Default returns the built-in theme
func Default() Theme {
	return Theme{
		Name: "default",
		Time: Style{Foreground: "245"},
		Levels: LevelStyles{
			Debug:   Style{Foreground: "245", Faint: true},
			Info:    Style{Foreground: "39"},
			Warning: Style{Foreground: "220", Bold: true},
			Error:   Style{Foreground: "196", Bold: true},
			Unknown: Style{Foreground: "245"},
		},
		Logger:  Style{Foreground: "141"},
		Message: Style{Bold: true},
		Key:     Style{Foreground: "109"},
		String:  Style{Foreground: "250"},
		Number:  Style{Foreground: "114"},
		Literal: Style{Foreground: "173"},
		Caller:  Style{Foreground: "243", Italic: true},
		Punct:   Style{Foreground: "240"},
	}
}

// Mono returns a theme that uses attributes only
func Mono() Theme {
	return Theme{
		Name: "mono",
		Levels: LevelStyles{
			Warning: Style{Bold: true},
			Error:   Style{Bold: true, Underline: true},
		},
		Time:    Style{Faint: true},
		Message: Style{Bold: true},
		Caller:  Style{Faint: true},
		Punct:   Style{Faint: true},
	}
}

// builtins lists the themes available without a file
var builtins = map[string]func() Theme{
	"default": Default,
	"mono":    Mono,
}

// Element is a semantic part of a formatted line
type Element uint8

const (
	ElemTime Element = iota
	ElemLevelDebug
	ElemLevelInfo
	ElemLevelWarning
	ElemLevelError
	ElemLevelUnknown
	ElemLogger
	ElemMessage
	ElemKey
	ElemString
	ElemNumber
	ElemLiteral
	ElemCaller
	ElemPunct

	numElements
)

// LevelElement returns the element used for a severity tag
func LevelElement(l domain.Level) Element {
	switch l {
	case domain.LevelDebug:
		return ElemLevelDebug
	case domain.LevelInfo:
		return ElemLevelInfo
	case domain.LevelWarning:
		return ElemLevelWarning
	case domain.LevelError:
		return ElemLevelError
	default:
		return ElemLevelUnknown
	}
}

func (t Theme) style(e Element) Style {
	switch e {
	case ElemTime:
		return t.Time
	case ElemLevelDebug:
		return t.Levels.Debug
	case ElemLevelInfo:
		return t.Levels.Info
	case ElemLevelWarning:
		return t.Levels.Warning
	case ElemLevelError:
		return t.Levels.Error
	case ElemLevelUnknown:
		return t.Levels.Unknown
	case ElemLogger:
		return t.Logger
	case ElemMessage:
		return t.Message
	case ElemKey:
		return t.Key
	case ElemString:
		return t.String
	case ElemNumber:
		return t.Number
	case ElemLiteral:
		return t.Literal
	case ElemCaller:
		return t.Caller
	default:
		return t.Punct
	}
}

type pair struct {
	prefix []byte
	suffix []byte
}

// Styles is a compiled theme. It is immutable and safe for concurrent use.
type Styles struct {
	pairs [numElements]pair
}

const sentinel = "LOGVIEWSTYLESENTINEL"

// Compile renders every element once through lipgloss with the given profile
// and keeps the escape sequences around the text.
func Compile(t Theme, profile termenv.Profile) *Styles {
	if profile == termenv.Ascii {
		return Plain()
	}
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(profile)

	s := &Styles{}
	for e := Element(0); e < numElements; e++ {
		out := toLipgloss(r, t.style(e)).Render(sentinel)
		i := strings.Index(out, sentinel)
		if i < 0 {
			continue
		}
		s.pairs[e] = pair{
			prefix: []byte(out[:i]),
			suffix: []byte(out[i+len(sentinel):]),
		}
	}
	return s
}

// Plain returns styles that emit no escape sequences
func Plain() *Styles {
	return &Styles{}
}

func toLipgloss(r *lipgloss.Renderer, st Style) lipgloss.Style {
	ls := r.NewStyle()
	if st.Foreground != "" {
		ls = ls.Foreground(lipgloss.Color(st.Foreground))
	}
	if st.Background != "" {
		ls = ls.Background(lipgloss.Color(st.Background))
	}
	if st.Bold {
		ls = ls.Bold(true)
	}
	if st.Faint {
		ls = ls.Faint(true)
	}
	if st.Italic {
		ls = ls.Italic(true)
	}
	if st.Underline {
		ls = ls.Underline(true)
	}
	return ls
}

// Begin appends the escape sequence that starts element e
func (s *Styles) Begin(dst []byte, e Element) []byte {
	return append(dst, s.pairs[e].prefix...)
}

// End appends the escape sequence that ends element e
func (s *Styles) End(dst []byte, e Element) []byte {
	return append(dst, s.pairs[e].suffix...)
}

// Append appends text styled as element e
func (s *Styles) Append(dst []byte, e Element, text []byte) []byte {
	p := &s.pairs[e]
	dst = append(dst, p.prefix...)
	dst = append(dst, text...)
	return append(dst, p.suffix...)
}

// AppendString is Append for string input
func (s *Styles) AppendString(dst []byte, e Element, text string) []byte {
	p := &s.pairs[e]
	dst = append(dst, p.prefix...)
	dst = append(dst, text...)
	return append(dst, p.suffix...)
}

// Color modes accepted by Profile
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Profile resolves a color mode against the terminal behind w
func Profile(mode string, w io.Writer) (termenv.Profile, error) {
	if w == nil {
		w = os.Stdout
	}
	switch mode {
	case ColorNever:
		return termenv.Ascii, nil
	case ColorAlways:
		if p := termenv.NewOutput(w).EnvColorProfile(); p != termenv.Ascii {
			return p, nil
		}
		return termenv.ANSI256, nil
	case ColorAuto, "":
		return termenv.NewOutput(w).EnvColorProfile(), nil
	}
	return termenv.Ascii, &domain.ConfigurationError{
		Field: "color mode",
		Value: mode,
		Err:   fmt.Errorf("use any of %s, %s, %s", ColorAuto, ColorAlways, ColorNever),
	}
}
