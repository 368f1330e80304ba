package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/savaki/chatbot-deployer/internal/verifier"
	"golang.org/x/term"
)

var (
	okColor      = color.New(color.FgGreen)
	failColor    = color.New(color.FgRed, color.Bold)
	pendingColor = color.New(color.FgYellow)
	labelColor   = color.New(color.FgCyan)
)

func isTerminalWriter(w io.Writer) bool {
	switch v := w.(type) {
	case *os.File:
		return term.IsTerminal(int(v.Fd()))
	default:
		return false
	}
}

// paint colors s only when w is a terminal, so redirected output stays plain
func paint(w io.Writer, c *color.Color, s string) string {
	if !isTerminalWriter(w) {
		return s
	}
	return c.Sprint(s)
}

func isTerminalReader(r io.Reader) bool {
	switch v := r.(type) {
	case *os.File:
		return term.IsTerminal(int(v.Fd()))
	default:
		return false
	}
}

// stepReporter prints one line per completed pipeline step
type stepReporter struct {
	w io.Writer
}

func (s stepReporter) Step(step, detail string) {
	fmt.Fprintf(s.w, "%s %s %s\n", paint(s.w, okColor, "✓"), paint(s.w, labelColor, fmt.Sprintf("%-8s", step)), detail)
}

// stateColor picks the color for a stack state
func stateColor(state verifier.State) *color.Color {
	switch state {
	case verifier.StateSucceeded:
		return okColor
	case verifier.StateFailed:
		return failColor
	default:
		return pendingColor
	}
}

// promptForSecret reads a value without echo when r is a terminal, and a
// plain line otherwise
func promptForSecret(r io.Reader, w io.Writer, label string) (string, error) {
	fmt.Fprintf(w, "%s: ", label)
	if file, ok := r.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		bytes, err := term.ReadPassword(int(file.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bytes)), nil
	}

	value, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(value), nil
}
