package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized  = errors.New("invalid API key")
	ErrNoUserMessage = errors.New("No user message found")
	ErrBadRequest    = errors.New("invalid request body")
)

const (
	defaultModel    = "minirag-local"
	maxRequestBytes = 1 << 20
)

// Server exposes the agent as an OpenAI-compatible chat completion endpoint
// and a WebSocket chat for the browser.
type Server struct {
	agent      Agent
	apiKeyHash []byte
	logger     *slog.Logger
	html       *htmlRenderer
	now        func() time.Time
}

func NewServer(agent Agent, apiKeyHash string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = discardLogger()
	}
	s := &Server{
		agent:  agent,
		logger: logger.With("component", "proxy"),
		html:   newHTMLRenderer(),
		now:    time.Now,
	}
	if apiKeyHash != "" {
		s.apiKeyHash = []byte(apiKeyHash)
	}
	return s
}

// Handler returns the routes wrapped with CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /{$}", serveHTML)
	mux.HandleFunc("/", http.NotFound)
	return withCORS(mux)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// text returns the message content, which is either a string or a list of
// typed parts of which only the text parts count.
func (m chatMessage) text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		s.writeError(w, err)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	prompt := firstUserMessage(req.Messages)
	if prompt == "" {
		s.writeError(w, ErrNoUserMessage)
		return
	}

	start := s.now()
	raw, err := s.agent.Ask(r.Context(), prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	content := CleanTUIOutput(raw)
	s.logger.Info("completion", "prompt_len", len(prompt), "raw_len", len(raw),
		"answer_len", len(content), "elapsed", s.now().Sub(start).Round(time.Millisecond))

	model := req.Model
	if model == "" {
		model = defaultModel
	}
	writeJSON(w, http.StatusOK, chatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: s.now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      responseMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	})
}

func firstUserMessage(msgs []chatMessage) string {
	for _, m := range msgs {
		if m.Role == "user" {
			return m.text()
		}
	}
	return ""
}

// authorize checks the bearer key against API_KEY_HASH. With no hash
// configured every request is accepted.
func (s *Server) authorize(r *http.Request) error {
	if s.apiKeyHash == nil {
		return nil
	}
	key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || key == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(strings.TrimSpace(key))); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// statusForError maps pipeline errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrNoUserMessage):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAgentTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrAgentStatus), errors.Is(err, ErrAgentClosed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusForError(err)
	if code >= 500 {
		s.logger.Error("request failed", "status", code, "err", err)
	} else {
		s.logger.Warn("request rejected", "status", code, "err", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// hashAPIKey returns the bcrypt hash stored in API_KEY_HASH.
func hashAPIKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: empty API key", ErrInvalidConfig)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
