// Package setup implements the interactive first-run wizard that writes an
// adapsync configuration file.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// errNoInput is returned when the input ends before an answer is given.
var errNoInput = errors.New("no input")

// Prompter asks configuration questions on a line-oriented reader. When the
// reader is an interactive terminal, secrets are read without echo.
type Prompter struct {
	in *bufio.Scanner
	w  io.Writer
	// fd is the terminal file descriptor used for secrets, or -1.
	fd int
}

// NewPrompter creates a Prompter reading answers from r and writing
// questions to w.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	fd := -1
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd = int(f.Fd())
	}
	return &Prompter{in: bufio.NewScanner(r), w: w, fd: fd}
}

func (p *Prompter) ask(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, "  "+format, args...)
}

// line reads one trimmed answer.
func (p *Prompter) line() (string, error) {
	if !p.in.Scan() {
		if err := p.in.Err(); err != nil {
			return "", err
		}
		return "", errNoInput
	}
	return strings.TrimSpace(p.in.Text()), nil
}

// required repeats read until it yields a non-empty answer or input ends.
func (p *Prompter) required(label string, read func() (string, error)) string {
	for {
		p.ask("%s: ", label)
		val, err := read()
		if err != nil {
			return ""
		}
		if val != "" {
			return val
		}
		p.ask("(a value is required)\n")
	}
}

// String asks for a text value. Enter alone returns def; with an empty def
// the answer is required.
func (p *Prompter) String(label, def string) string {
	if def == "" {
		return p.required(label, p.line)
	}
	p.ask("%s [%s]: ", label, def)
	val, err := p.line()
	if err != nil || val == "" {
		return def
	}
	return val
}

// Checked asks like [Prompter.String] but falls back to def when check
// rejects the answer.
func (p *Prompter) Checked(label, def string, check func(string) error) string {
	val := p.String(label, def)
	if err := check(val); err != nil {
		p.ask("(%v, using %s)\n", err, def)
		return def
	}
	return val
}

// Optional asks for a value that may be left empty.
func (p *Prompter) Optional(label string) string {
	p.ask("%s (optional): ", label)
	val, _ := p.line()
	return val
}

// Secret asks for a required sensitive value such as a client secret or a
// database URL with a password. Input is hidden on a terminal.
func (p *Prompter) Secret(label string) string {
	if p.fd < 0 {
		return p.required(label, p.line)
	}
	return p.required(label, func() (string, error) {
		b, err := term.ReadPassword(p.fd)
		_, _ = fmt.Fprintln(p.w)
		return strings.TrimSpace(string(b)), err
	})
}

// Confirm asks a yes/no question; Enter alone answers def.
func (p *Prompter) Confirm(label string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	p.ask("%s [%s]: ", label, hint)
	val, err := p.line()
	if err != nil || val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// Select lists options and returns the zero-based index picked.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, errors.New("no options to select from")
	}
	p.ask("%s:\n", label)
	for i, opt := range options {
		p.ask("  %d) %s\n", i+1, opt)
	}
	for {
		p.ask("Choice [1-%d]: ", len(options))
		val, err := p.line()
		if err != nil {
			return -1, err
		}
		if n, err := strconv.Atoi(val); err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.ask("(enter a number between 1 and %d)\n", len(options))
	}
}
