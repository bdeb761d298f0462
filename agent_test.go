package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgentAPI mimics an AgentAPI server. The agent's answer becomes visible
// after pollsUntilAnswer polls of /messages and stable after
// pollsUntilStable polls of /status.
type fakeAgentAPI struct {
	mu               sync.Mutex
	answer           string
	postStatus       int
	pollsUntilAnswer int
	pollsUntilStable int
	posted           []map[string]string
	messagePolls     int
	statusPolls      int
}

func (f *fakeAgentAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.posted = append(f.posted, body)
		status := f.postStatus
		f.mu.Unlock()
		if status != 0 {
			http.Error(w, "agent busy", status)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("GET /messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.messagePolls++
		msgs := []agentMessage{{ID: 0, Role: "agent", Content: "Welcome"}}
		if len(f.posted) > 0 {
			msgs = append(msgs, agentMessage{ID: 1, Role: "user", Content: f.posted[0]["content"]})
		}
		if f.messagePolls > f.pollsUntilAnswer {
			msgs = append(msgs, agentMessage{ID: 2, Role: "agent", Content: f.answer})
		}
		json.NewEncoder(w).Encode(agentMessages{Messages: msgs})
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.statusPolls++
		status := "running"
		if f.statusPolls > f.pollsUntilStable {
			status = "stable"
		}
		json.NewEncoder(w).Encode(agentStatus{Status: status})
	})
	return mux
}

func newTestAgentAPI(t *testing.T, f *fakeAgentAPI, timeout time.Duration) *AgentAPIClient {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewAgentAPIClient(srv.URL+"/", 10*time.Millisecond, timeout, nil)
}

func TestAgentAPIClientAsk(t *testing.T) {
	f := &fakeAgentAPI{answer: "  ## Answer\n  body", pollsUntilAnswer: 2, pollsUntilStable: 1}
	c := newTestAgentAPI(t, f, 5*time.Second)

	got, err := c.Ask(context.Background(), "what is go")
	require.NoError(t, err)
	assert.Equal(t, "  ## Answer\n  body", got, "the raw transcript is returned uncleaned")

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.posted, 1)
	assert.Equal(t, map[string]string{"content": "what is go", "type": "user"}, f.posted[0])
	assert.Equal(t, 2, f.statusPolls, "status is only checked once an agent answer exists")
}

func TestAgentAPIClientIgnoresGreeting(t *testing.T) {
	// Only the id 0 greeting ever appears, so the client must time out.
	f := &fakeAgentAPI{answer: "never", pollsUntilAnswer: 1 << 30}
	c := newTestAgentAPI(t, f, 150*time.Millisecond)

	_, err := c.Ask(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrAgentTimeout)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Zero(t, f.statusPolls)
}

func TestAgentAPIClientTimeoutWhileRunning(t *testing.T) {
	f := &fakeAgentAPI{answer: "partial", pollsUntilStable: 1 << 30}
	c := newTestAgentAPI(t, f, 150*time.Millisecond)

	_, err := c.Ask(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrAgentTimeout)
}

func TestAgentAPIClientPostError(t *testing.T) {
	f := &fakeAgentAPI{postStatus: http.StatusServiceUnavailable}
	c := newTestAgentAPI(t, f, time.Second)

	_, err := c.Ask(context.Background(), "hi")
	require.ErrorIs(t, err, ErrAgentStatus)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "agent busy")
}

func TestAgentAPIClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewAgentAPIClient(url, 10*time.Millisecond, time.Second, nil)
	_, err := c.Ask(context.Background(), "hi")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAgentTimeout))
	assert.Contains(t, err.Error(), "post message")
}

func TestAgentAPIClientCanceled(t *testing.T) {
	f := &fakeAgentAPI{answer: "slow", pollsUntilAnswer: 1 << 30}
	c := newTestAgentAPI(t, f, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := c.Ask(ctx, "hi")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAgentTimeout)
}

func TestNewAgentSelectsBackend(t *testing.T) {
	cfg := &Config{
		AgentBackend:    "agentapi",
		AgentAPIURL:     "http://localhost:3284",
		PollInterval:    time.Second,
		ResponseTimeout: 30 * time.Second,
	}
	a, err := newAgent(cfg, discardLogger())
	require.NoError(t, err)
	c, ok := a.(*AgentAPIClient)
	require.True(t, ok)
	assert.Equal(t, "http://localhost:3284", c.baseURL)
}

func TestPTYAgentAsk(t *testing.T) {
	skipWithoutPTY(t)

	// cat answers every prompt with the prompt itself.
	a, err := NewPTYAgent("cat", 80, 24, 10*time.Second, nil)
	require.NoError(t, err)
	defer a.Close()
	a.settle = 300 * time.Millisecond

	got, err := a.Ask(context.Background(), "echo\nthis  back")
	require.NoError(t, err)
	assert.Contains(t, got, "echo this back", "multi-line prompts are typed as one line")
	assert.True(t, strings.HasSuffix(strings.Split(got, "\n")[0], " "), "rows keep their width padding")
}

func TestPTYAgentTimeout(t *testing.T) {
	skipWithoutPTY(t)

	a, err := NewPTYAgent("cat", 80, 24, 300*time.Millisecond, nil)
	require.NoError(t, err)
	defer a.Close()
	a.settle = time.Hour

	_, err = a.Ask(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrAgentTimeout)
}

func TestPTYAgentExited(t *testing.T) {
	skipWithoutPTY(t)

	a, err := NewPTYAgent("true", 80, 24, time.Second, nil)
	require.NoError(t, err)
	defer a.Close()

	select {
	case <-a.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not exit")
	}

	_, err = a.Ask(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrAgentClosed)
}
