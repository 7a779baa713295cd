package output

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/tanq16/vidrelay/internal/utils"
	"golang.org/x/term"
)

// progressBar renders "•━━━   • 42.0% •" for current out of total.
func progressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	current = max(0, min(current, total))
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := barEdge + strings.Repeat(barFill, filled) + strings.Repeat(" ", width-filled) + barEdge
	return fmt.Sprintf("%s %.1f%% %s ", bar, percent*100, barEdge)
}

func progressLine(current, total int64, elapsedSeconds float64) string {
	sizes := utils.FormatBytes(uint64(max(current, 0)))
	if total > 0 {
		sizes += " / " + utils.FormatBytes(uint64(total))
	}
	return debugStyle.Render(fmt.Sprintf("%s%s %s %s", progressBar(current, total, 30), sizes, barEdge, utils.FormatSpeed(current, elapsedSeconds)))
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func terminalSize() (width, height int) {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 || height <= 0 {
		return 80, 24
	}
	return width, height
}

func wrapText(text string, pad int) []string {
	width, _ := terminalSize()
	maxWidth := width - pad - 2
	if maxWidth <= 10 {
		maxWidth = 80
	}
	if utf8.RuneCountInString(text) <= maxWidth {
		return []string{text}
	}
	var lines []string
	runes := []rune(text)
	for len(runes) > maxWidth {
		lines = append(lines, string(runes[:maxWidth]))
		runes = runes[maxWidth:]
	}
	if len(runes) > 0 {
		lines = append(lines, string(runes))
	}
	return lines
}
