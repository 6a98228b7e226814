package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// out receives user-facing messages. stdout is left to the MCP transport.
var out io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(out, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(out, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(out, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(out, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(out, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

const barWidth = 24

// progressBar renders percent as a fixed-width bar, e.g. [######------] 50%.
func progressBar(percent int) string {
	percent = max(0, min(100, percent))
	filled := percent * barWidth / 100
	return fmt.Sprintf("[%s%s] %3d%%", strings.Repeat("#", filled), strings.Repeat("-", barWidth-filled), percent)
}
