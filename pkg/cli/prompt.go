// Package cli provides the interactive terminal prompts used by the
// gradlink-server setup wizard.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	r *bufio.Reader
}

// DefaultPrompter returns a Prompter wired to stdin and stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) line() string {
	if p.r == nil {
		p.r = bufio.NewReader(p.In)
	}
	s, _ := p.r.ReadString('\n')
	return strings.TrimSpace(s)
}

// Ask prints a question and reads one line, returning defaultVal when the
// answer is empty.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal == "" {
		fmt.Fprintf(p.Out, "%s: ", question)
	} else {
		fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return defaultVal
}

// AskPassword reads a line without echoing when In is a terminal. Piped and
// scripted input falls back to a plain read.
func (p *Prompter) AskPassword(question string) string {
	fmt.Fprintf(p.Out, "%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// AskInt asks for a positive integer, reprompting until it gets one.
func (p *Prompter) AskInt(question string, defaultVal int) int {
	for {
		n, err := strconv.Atoi(p.Ask(question, strconv.Itoa(defaultVal)))
		if err == nil && n > 0 {
			return n
		}
		fmt.Fprintln(p.Out, "  Please enter a positive number.")
	}
}

// Choose presents a numbered option list and returns the chosen value. An
// empty answer selects the default.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		if i == defaultIdx {
			fmt.Fprintf(p.Out, "> %d) %s\n", i+1, opt)
		} else {
			fmt.Fprintf(p.Out, "  %d) %s\n", i+1, opt)
		}
	}

	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(defaultIdx+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		fmt.Fprintf(p.Out, "  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := strings.ToLower(p.Ask(fmt.Sprintf("%s [%s]", question, hint), ""))
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(ans, "y")
}
