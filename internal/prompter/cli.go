package prompter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// CLIPrompter reads decisions from a terminal. Prompts render to out and
// answers are read line-by-line from in.
type CLIPrompter struct {
	in      io.Reader
	out     io.Writer
	timeout time.Duration
	reader  *bufio.Reader
}

// NewCLIPrompter creates a prompter over stdin/stdout with the given
// per-decision timeout (0 = wait forever).
func NewCLIPrompter(timeout time.Duration) *CLIPrompter {
	return NewCLIPrompterIO(os.Stdin, os.Stdout, timeout)
}

// NewCLIPrompterIO creates a prompter over explicit streams (for tests).
func NewCLIPrompterIO(in io.Reader, out io.Writer, timeout time.Duration) *CLIPrompter {
	return &CLIPrompter{in: in, out: out, timeout: timeout, reader: bufio.NewReader(in)}
}

// Interactive reports whether stdin is a terminal.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readLine runs the blocking read on a goroutine so the caller can race it
// against the timeout.
func (p *CLIPrompter) readLine() <-chan result[string] {
	ch := make(chan result[string], 1)
	go func() {
		line, err := p.reader.ReadString('\n')
		ch <- result[string]{value: strings.TrimSpace(line), err: err}
	}()
	return ch
}

// Confirm asks a yes/no question.
func (p *CLIPrompter) Confirm(ctx context.Context, message string, defaultValue bool) (Answer[bool], error) {
	hint := "y/N"
	if defaultValue {
		hint = "Y/n"
	}
	fmt.Fprintf(p.out, "%s [%s]: ", message, hint)

	line, err := withTimeout(ctx, p.timeout, "", p.readLine())
	if err != nil {
		return Answer[bool]{Value: defaultValue, TimedOut: line.TimedOut}, err
	}
	if line.TimedOut {
		fmt.Fprintln(p.out)
		return Answer[bool]{Value: defaultValue, TimedOut: true}, nil
	}

	switch strings.ToLower(line.Value) {
	case "y", "yes":
		return Answer[bool]{Value: true}, nil
	case "n", "no":
		return Answer[bool]{Value: false}, nil
	default:
		return Answer[bool]{Value: defaultValue}, nil
	}
}

// Select asks the user to pick one of the options by number or name.
func (p *CLIPrompter) Select(ctx context.Context, message string, options []string, defaultValue string) (Answer[string], error) {
	fmt.Fprintln(p.out, message)
	for i, opt := range options {
		marker := " "
		if opt == defaultValue {
			marker = "*"
		}
		fmt.Fprintf(p.out, "  %s %d) %s\n", marker, i+1, opt)
	}
	fmt.Fprint(p.out, "> ")

	line, err := withTimeout(ctx, p.timeout, "", p.readLine())
	if err != nil {
		return Answer[string]{Value: defaultValue, TimedOut: line.TimedOut}, err
	}
	if line.TimedOut {
		fmt.Fprintln(p.out)
		return Answer[string]{Value: defaultValue, TimedOut: true}, nil
	}

	if n, err := strconv.Atoi(line.Value); err == nil && n >= 1 && n <= len(options) {
		return Answer[string]{Value: options[n-1]}, nil
	}
	for _, opt := range options {
		if strings.EqualFold(opt, line.Value) {
			return Answer[string]{Value: opt}, nil
		}
	}
	return Answer[string]{Value: defaultValue}, nil
}

// Text asks for free-form input.
func (p *CLIPrompter) Text(ctx context.Context, message string, defaultValue string) (Answer[string], error) {
	fmt.Fprintf(p.out, "%s: ", message)

	line, err := withTimeout(ctx, p.timeout, defaultValue, p.readLine())
	if err != nil {
		return Answer[string]{Value: defaultValue, TimedOut: line.TimedOut}, err
	}
	if line.TimedOut {
		fmt.Fprintln(p.out)
		return Answer[string]{Value: defaultValue, TimedOut: true}, nil
	}
	if line.Value == "" {
		return Answer[string]{Value: defaultValue}, nil
	}
	return line, nil
}

// Close releases nothing for the CLI adapter; the streams belong to the caller.
func (p *CLIPrompter) Close() error { return nil }
