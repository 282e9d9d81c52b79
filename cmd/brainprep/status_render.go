package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusError
)

const (
	ansiReset = "\x1b[0m"
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiBlue  = "\x1b[34m"
)

const statusLabelWidth = 16

var numbers = message.NewPrinter(language.English)

func renderStatusLine(label string, kind statusKind, msg string, colorize bool) string {
	status := fmt.Sprintf("[%s]", statusKindLabel(kind))
	if msg != "" {
		status += " " + msg
	}
	line := fmt.Sprintf("  %-*s %s", statusLabelWidth, label+":", status)
	if colorize {
		return statusKindColor(kind) + line + ansiReset
	}
	return line
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusError:
		return ansiRed
	default:
		return ansiBlue
	}
}

// colorStatus title-cases a ledger status and colours it when asked.
func colorStatus(status string, ok, colorize bool) string {
	label := cases.Title(language.Und).String(status)
	if !colorize {
		return label
	}
	if ok {
		return ansiGreen + label + ansiReset
	}
	return ansiRed + label + ansiReset
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func formatML(v float64) string {
	if v == 0 {
		return "-"
	}
	return numbers.Sprintf("%.1f", v)
}

func formatPercent(fraction float64) string {
	if fraction == 0 {
		return "-"
	}
	return numbers.Sprintf("%.1f%%", fraction*100)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(10 * time.Millisecond).String()
}

func dashIfEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
