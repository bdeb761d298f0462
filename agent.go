package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAgentTimeout = errors.New("timeout waiting for agent response")
	ErrAgentStatus  = errors.New("agent returned an error status")
	ErrAgentClosed  = errors.New("agent process exited")
)

// Agent answers one prompt with the raw transcript of the agent's reply.
// The transcript still carries TUI layout and is cleaned by the caller.
type Agent interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// newAgent builds the backend selected by AGENT_BACKEND.
func newAgent(cfg *Config, logger *slog.Logger) (Agent, error) {
	switch cfg.AgentBackend {
	case "pty":
		a, err := NewPTYAgent(cfg.AgentCommand, cfg.AgentCols, cfg.AgentRows, cfg.ResponseTimeout, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return NewAgentAPIClient(cfg.AgentAPIURL, cfg.PollInterval, cfg.ResponseTimeout, logger), nil
	}
}

// AgentAPIClient drives an agent that runs behind an AgentAPI server: the
// prompt is posted to /message and the conversation is polled until the
// agent's last message is stable.
type AgentAPIClient struct {
	baseURL      string
	http         *http.Client
	pollInterval time.Duration
	timeout      time.Duration
	logger       *slog.Logger
}

func NewAgentAPIClient(baseURL string, pollInterval, timeout time.Duration, logger *slog.Logger) *AgentAPIClient {
	if logger == nil {
		logger = discardLogger()
	}
	return &AgentAPIClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{},
		pollInterval: pollInterval,
		timeout:      timeout,
		logger:       logger.With("component", "agentapi"),
	}
}

type agentMessage struct {
	ID      int    `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type agentMessages struct {
	Messages []agentMessage `json:"messages"`
}

type agentStatus struct {
	Status string `json:"status"`
}

func (c *AgentAPIClient) Ask(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, c.timeout, ErrAgentTimeout)
	defer cancel()

	if err := c.postMessage(ctx, prompt); err != nil {
		return "", err
	}
	c.logger.Debug("prompt sent", "len", len(prompt))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", context.Cause(ctx)
		case <-ticker.C:
			content, ok, err := c.poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return "", context.Cause(ctx)
				}
				return "", err
			}
			if ok {
				c.logger.Debug("agent stable", "len", len(content))
				return content, nil
			}
		}
	}
}

func (c *AgentAPIClient) postMessage(ctx context.Context, prompt string) error {
	body, err := json.Marshal(map[string]string{"content": prompt, "type": "user"})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %d %s", ErrAgentStatus, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// poll reports the last agent message once the agent is stable. A message
// with id 0 is the agent's greeting and never an answer.
func (c *AgentAPIClient) poll(ctx context.Context) (string, bool, error) {
	var msgs agentMessages
	if err := c.getJSON(ctx, "/messages", &msgs); err != nil {
		return "", false, err
	}
	if len(msgs.Messages) == 0 {
		return "", false, nil
	}
	last := msgs.Messages[len(msgs.Messages)-1]
	if last.Role != "agent" || last.ID <= 0 {
		return "", false, nil
	}

	var status agentStatus
	if err := c.getJSON(ctx, "/status", &status); err != nil {
		return "", false, err
	}
	if status.Status != "stable" {
		return "", false, nil
	}
	return last.Content, true, nil
}

func (c *AgentAPIClient) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s returned %d", ErrAgentStatus, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// settleDelay is how long the screen must stay unchanged before an answer
// is read off it.
const settleDelay = 1500 * time.Millisecond

// PTYAgent runs the agent CLI locally in a pseudo-terminal and reads answers
// off the emulated screen.
type PTYAgent struct {
	term    *Terminal
	screen  *ScreenReader
	timeout time.Duration
	settle  time.Duration
	logger  *slog.Logger

	mu         sync.Mutex   // one prompt at a time
	lastOutput atomic.Int64 // unix nanos of the last PTY read
	exited     chan struct{}
}

func NewPTYAgent(command string, cols, rows int, timeout time.Duration, logger *slog.Logger) (*PTYAgent, error) {
	if logger == nil {
		logger = discardLogger()
	}
	term, err := NewTerminal(command, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}

	a := &PTYAgent{
		term:    term,
		screen:  NewScreenReader(cols, rows),
		timeout: timeout,
		settle:  settleDelay,
		logger:  logger.With("component", "pty", "command", command),
		exited:  make(chan struct{}),
	}
	go a.pump()
	// Replies to cursor position and device attribute queries
	go io.Copy(term, a.screen)

	a.logger.Info("agent started", "cols", cols, "rows", rows)
	return a, nil
}

func (a *PTYAgent) pump() {
	defer close(a.exited)
	for data := range a.term.Output() {
		a.screen.WriteString(data)
		a.lastOutput.Store(time.Now().UnixNano())
	}
	a.logger.Info("agent output closed")
}

// Ask types the prompt into the agent and waits for the screen to settle.
// The answer is the screen rows that appeared since the prompt was sent,
// minus the input box, spinners and hint bars.
func (a *PTYAgent) Ask(ctx context.Context, prompt string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-a.exited:
		return "", ErrAgentClosed
	default:
	}

	ctx, cancel := context.WithTimeoutCause(ctx, a.timeout, ErrAgentTimeout)
	defer cancel()

	before := a.screen.Transcript()
	sent := time.Now()
	// Prompts are typed on one line; a newline would submit early.
	prompt = strings.Join(strings.Fields(prompt), " ")
	if err := a.term.SendInput(prompt); err != nil {
		return "", fmt.Errorf("send prompt: %w", err)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", context.Cause(ctx)
		case <-a.exited:
			return "", ErrAgentClosed
		case <-ticker.C:
			last := time.Unix(0, a.lastOutput.Load())
			if !last.After(sent) || time.Since(last) < a.settle {
				continue
			}
			answer := stripScreenChrome(findNewContent(before, a.screen.Transcript()))
			if answer == "" {
				// Only the echoed prompt so far; the agent is still thinking.
				continue
			}
			a.logger.Debug("screen settled", "elapsed", time.Since(sent).Round(time.Millisecond))
			return answer, nil
		}
	}
}

// Close terminates the agent process.
func (a *PTYAgent) Close() error {
	a.term.Close()
	return a.screen.Close()
}
