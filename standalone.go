package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

const chatBanner = `MiniRAG chat
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
  Type a question and press Enter
  'exit' to quit
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━`

// newMarkdownRenderer returns a glamour renderer sized to f, or nil when f
// is not a terminal and Markdown should be printed as is.
func newMarkdownRenderer(f *os.File) *glamour.TermRenderer {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	width := 80
	if w, _, err := term.GetSize(fd); err == nil && w > 20 {
		width = w - 4
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(width))
	if err != nil {
		return nil
	}
	return r
}

// ChatSession is the console front end: one question per input line.
type ChatSession struct {
	agent    Agent
	out      io.Writer
	renderer *glamour.TermRenderer
	prompt   bool
	logger   *slog.Logger
}

func NewChatSession(agent Agent, out io.Writer, renderer *glamour.TermRenderer, logger *slog.Logger) *ChatSession {
	if logger == nil {
		logger = discardLogger()
	}
	return &ChatSession{
		agent:    agent,
		out:      out,
		renderer: renderer,
		prompt:   renderer != nil,
		logger:   logger.With("component", "chat"),
	}
}

// Run answers each line of in until EOF, "exit" or ctx is canceled. Agent
// errors are printed and the session continues.
func (c *ChatSession) Run(ctx context.Context, in io.Reader) error {
	if c.prompt {
		fmt.Fprintln(c.out, chatBanner)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBytes)
	c.printPrompt()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "exit" || question == "quit" {
			break
		}
		if question == "" {
			c.printPrompt()
			continue
		}

		raw, err := c.agent.Ask(ctx, question)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("agent failed", "err", err)
			fmt.Fprintf(c.out, "error: %v\n", err)
			c.printPrompt()
			continue
		}
		c.print(answerMarkdown(raw))
		c.printPrompt()
	}

	if c.prompt {
		fmt.Fprintln(c.out, "\nGoodbye!")
	}
	return scanner.Err()
}

func (c *ChatSession) print(md string) {
	if md == "" {
		md = noResponse
	}
	if c.renderer != nil {
		if rendered, err := c.renderer.Render(md); err == nil {
			fmt.Fprint(c.out, rendered)
			return
		}
	}
	fmt.Fprintln(c.out, md)
}

func (c *ChatSession) printPrompt() {
	if c.prompt {
		fmt.Fprint(c.out, "> ")
	}
}
