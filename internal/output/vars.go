package output

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("37"))  // dark green
	summaryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))   // green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))   // red
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))  // yellow
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))  // blue
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))  // cyan
	debugStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250")) // light grey
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))  // purple
	streamStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")) // grey
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
)

var symbols = map[Status]string{
	StatusSuccess: "✓",
	StatusError:   "✗",
	StatusWarning: "!",
	StatusPending: "◉",
	StatusActive:  "•",
}

const (
	barFill   = "━"
	barEdge   = "•"
	indent    = "  "
	subIndent = "      "
)

func PrintSuccess(text string) {
	fmt.Println(successStyle.Render(text))
}

func PrintError(text string) {
	fmt.Println(errorStyle.Render(text))
}

func PrintWarning(text string) {
	fmt.Println(warningStyle.Render(text))
}

func PrintInfo(text string) {
	fmt.Println(infoStyle.Render(text))
}

func PrintDetail(text string) {
	fmt.Println(detailStyle.Render(text))
}

func PrintHeader(text string) {
	fmt.Println(headerStyle.Render(text))
}

// KeyValue prints an aligned "key: value" line, as used by probe and resolve.
func KeyValue(key, value string) {
	fmt.Printf("%s%s %s\n", indent, debugStyle.Render(fmt.Sprintf("%-14s", key+":")), detailStyle.Render(value))
}
