package ui

import "strings"

const (
	reset      = "\033[0m"
	bold       = "\033[1m"
	foam       = "\033[38;5;195m"
	shallow    = "\033[38;5;159m"
	lagoon     = "\033[38;5;87m"
	seafoam    = "\033[38;5;49m"
	tide       = "\033[38;5;45m"
	brick      = "\033[38;5;166m"
	clay       = "\033[38;5;130m"
	mortar     = "\033[38;5;244m"
	deepIndigo = "\033[38;5;61m"
)

// Banner renders a colored waterwall wordmark: water tones on top, brick below.
func Banner() string {
	var b strings.Builder

	water := [][]string{
		{"██╗    ██╗", "██║    ██║", "██║ █╗ ██║", "██║███╗██║", "╚███╔███╔╝", " ╚══╝╚══╝ "},
		{" █████╗ ", "██╔══██╗", "███████║", "██╔══██║", "██║  ██║", "╚═╝  ╚═╝"},
		{"████████╗", "╚══██╔══╝", "   ██║   ", "   ██║   ", "   ██║   ", "   ╚═╝   "},
		{"███████╗", "██╔════╝", "█████╗  ", "██╔══╝  ", "███████╗", "╚══════╝"},
		{"██████╗ ", "██╔══██╗", "██████╔╝", "██╔══██╗", "██║  ██║", "╚═╝  ╚═╝"},
	}
	wall := [][]string{
		{"██╗    ██╗", "██║    ██║", "██║ █╗ ██║", "██║███╗██║", "╚███╔███╔╝", " ╚══╝╚══╝ "},
		{" █████╗ ", "██╔══██╗", "███████║", "██╔══██║", "██║  ██║", "╚═╝  ╚═╝"},
		{"██╗     ", "██║     ", "██║     ", "██║     ", "███████╗", "╚══════╝"},
		{"██╗     ", "██║     ", "██║     ", "██║     ", "███████╗", "╚══════╝"},
	}
	writeWord(&b, water, []string{foam, shallow, lagoon, seafoam, tide})
	writeWord(&b, wall, []string{brick, clay, brick, clay})

	b.WriteString(mortar + strings.Repeat("▀▄", 24) + reset + "\n\n")
	b.WriteString(bold + tide + "waterwall" + reset + "  •  " + deepIndigo + "per-process traffic wall" + reset + "\n\n")

	return b.String()
}

func writeWord(b *strings.Builder, letters [][]string, gradient []string) {
	rows := make([]string, len(letters[0]))
	for i, letter := range letters {
		color := gradient[i%len(gradient)]
		for row := 0; row < len(letter); row++ {
			rows[row] += color + letter[row] + "  "
		}
	}
	for _, line := range rows {
		b.WriteString(bold + line + reset + "\n")
	}
}
