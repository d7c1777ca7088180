package viewer

import (
	"hash/fnv"

	"github.com/charmbracelet/lipgloss"
)

// AuthorPalette is an ANSI 256 palette for stable author colors.
var AuthorPalette = []string{
	"33", "39", "45", "69", "75", "81", "87", "99",
	"111", "117", "123", "147", "153", "159", "183", "189",
}

// Theme holds the color tokens of the viewer.
type Theme struct {
	Name      string
	Text      string
	Muted     string
	Accent    string
	System    string
	Warning   string
	StatusBar string
	Palette   []string
}

// Themes lists available palettes by name.
var Themes = map[string]Theme{
	"default": {
		Name:      "default",
		Text:      "252",
		Muted:     "245",
		Accent:    "75",
		System:    "214",
		Warning:   "203",
		StatusBar: "236",
		Palette:   AuthorPalette,
	},
	"high-contrast": {
		Name:      "high-contrast",
		Text:      "231",
		Muted:     "250",
		Accent:    "51",
		System:    "226",
		Warning:   "196",
		StatusBar: "16",
		Palette:   []string{"51", "87", "123", "159", "195", "226", "228", "230"},
	},
}

// ThemeByName falls back to the default theme for unknown names.
func ThemeByName(name string) Theme {
	if t, ok := Themes[name]; ok {
		return t
	}
	return Themes["default"]
}

type styles struct {
	text      lipgloss.Style
	muted     lipgloss.Style
	system    lipgloss.Style
	separator lipgloss.Style
	gap       lipgloss.Style
	warning   lipgloss.Style
	status    lipgloss.Style
	palette   []string
}

func newStyles(t Theme) styles {
	palette := t.Palette
	if len(palette) == 0 {
		palette = AuthorPalette
	}
	return styles{
		text:      lipgloss.NewStyle().Foreground(lipgloss.Color(t.Text)),
		muted:     lipgloss.NewStyle().Foreground(lipgloss.Color(t.Muted)),
		system:    lipgloss.NewStyle().Foreground(lipgloss.Color(t.System)).Italic(true),
		separator: lipgloss.NewStyle().Foreground(lipgloss.Color(t.Accent)).Bold(true),
		gap:       lipgloss.NewStyle().Foreground(lipgloss.Color(t.Muted)).Faint(true),
		warning:   lipgloss.NewStyle().Foreground(lipgloss.Color(t.Warning)),
		status:    lipgloss.NewStyle().Background(lipgloss.Color(t.StatusBar)).Foreground(lipgloss.Color(t.Text)),
		palette:   palette,
	}
}

// author picks a color from the author name so it is stable across runs.
func (s styles) author(name string) lipgloss.Style {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	color := s.palette[int(h.Sum32()%uint32(len(s.palette)))]
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Bold(true)
}
