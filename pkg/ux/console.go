// Package ux implements the interactive console front end: a line-based
// chat loop with transient progress notices and incremental answer
// rendering. When stdout is not a terminal the ANSI rewriting is
// disabled and everything degrades to plain line output, which keeps
// piped transcripts readable.
package ux

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

const (
	clearLine = "\r\033[K"
	prompt    = "> "
)

// Handlers receive console events.
type Handlers struct {
	// Message handles one user line. The view renders progress and
	// streamed output for this turn.
	Message func(ctx context.Context, text string, view *StreamView) error

	// Reset handles the /reset command.
	Reset func()
}

// Console runs the chat loop over an input/output pair.
type Console struct {
	in          io.Reader
	out         io.Writer
	interactive bool
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithIO overrides the input and output streams, forcing
// non-interactive rendering. Intended for tests.
func WithIO(in io.Reader, out io.Writer) ConsoleOption {
	return func(c *Console) {
		c.in = in
		c.out = out
		c.interactive = false
	}
}

// NewConsole creates a console on stdin/stdout. Interactive rendering
// is enabled only when stdout is a terminal.
func NewConsole(opts ...ConsoleOption) *Console {
	c := &Console{
		in:          os.Stdin,
		out:         os.Stdout,
		interactive: isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run reads lines until EOF, /exit or context cancellation. Handler
// errors are rendered as a notice and do not stop the loop. Input is
// read on a separate goroutine so cancellation is not stuck behind a
// blocked stdin read.
func (c *Console) Run(ctx context.Context, h Handlers) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	c.printPrompt()
	for {
		var raw string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			raw = line
		}

		line := strings.TrimSpace(raw)
		switch {
		case line == "":
		case line == "/exit" || line == "/quit":
			return nil
		case line == "/reset":
			if h.Reset != nil {
				h.Reset()
			}
			fmt.Fprintln(c.out, "Контекст сброшен. Начинаем заново!")
		default:
			view := c.newView()
			if err := h.Message(ctx, line, view); err != nil {
				view.clearProgress()
				fmt.Fprintf(c.out, "Произошла ошибка: %v\n", err)
			}
		}
		c.printPrompt()
	}
}

func (c *Console) printPrompt() {
	if c.interactive {
		fmt.Fprint(c.out, prompt)
	}
}

func (c *Console) newView() *StreamView {
	return &StreamView{out: c.out, interactive: c.interactive}
}

// StreamView renders one turn's output: transient progress notices
// while the agent works, then the answer, either streamed as a growing
// text or printed once.
type StreamView struct {
	out         io.Writer
	interactive bool

	printed      string
	progressLine bool
}

// Progress shows a transient status notice. In interactive mode it
// overwrites the current line; otherwise it prints a plain line.
func (v *StreamView) Progress(text string) {
	if v.printed != "" {
		return
	}
	if v.interactive {
		fmt.Fprint(v.out, clearLine+text)
		v.progressLine = true
		return
	}
	fmt.Fprintln(v.out, text)
}

// Update renders the accumulated answer text so far, printing only the
// unseen suffix.
func (v *StreamView) Update(text string) {
	v.clearProgress()
	if strings.HasPrefix(text, v.printed) {
		fmt.Fprint(v.out, text[len(v.printed):])
		v.printed = text
		return
	}
	// The stream restarted or diverged; reprint from scratch.
	if v.interactive && v.printed != "" {
		fmt.Fprintln(v.out)
	}
	fmt.Fprint(v.out, text)
	v.printed = text
}

// Done finishes the turn, printing final if nothing was streamed and
// terminating the output with a newline.
func (v *StreamView) Done(final string) {
	v.clearProgress()
	if v.printed == "" {
		fmt.Fprint(v.out, final)
		v.printed = final
	} else if strings.HasPrefix(final, v.printed) {
		fmt.Fprint(v.out, final[len(v.printed):])
		v.printed = final
	}
	if !strings.HasSuffix(v.printed, "\n") {
		fmt.Fprintln(v.out)
	}
}

func (v *StreamView) clearProgress() {
	if v.progressLine {
		fmt.Fprint(v.out, clearLine)
		v.progressLine = false
	}
}
