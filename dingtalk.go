package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrBadSignature = errors.New("invalid callback signature")
	ErrRAGStatus    = errors.New("RAG error")
)

const (
	thinkingNotice   = "🤔 正在使用本地知识库处理，请稍候..."
	answerTitle      = "知识库回答"
	noResponse       = "(no response)"
	defaultRAGModel  = "rag"
	signatureMaxSkew = time.Hour
	groupChat        = "2"
)

// DingTalk prepends "@BotName " to group messages that mention the robot.
var reMention = regexp.MustCompile(`^@\S+\s*`)

// dingTalkMessage is the callback body of a robot message.
type dingTalkMessage struct {
	MsgID            string `json:"msgId"`
	MsgType          string `json:"msgtype"`
	ConversationID   string `json:"conversationId"`
	ConversationType string `json:"conversationType"`
	SenderNick       string `json:"senderNick"`
	RobotCode        string `json:"robotCode"`
	SessionWebhook   string `json:"sessionWebhook"`
	Text             struct {
		Content string `json:"content"`
	} `json:"text"`
}

// DingTalkBot answers group messages from a per-group RAG endpoint. It runs
// as the robot's HTTP callback receiver; replies go to the session webhook
// carried by each message.
type DingTalkBot struct {
	appKey string
	secret string
	groups map[string]RAGGroup
	dedup  *Dedup
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time

	wg sync.WaitGroup // replies in flight
}

func NewDingTalkBot(cfg *Config, logger *slog.Logger) (*DingTalkBot, error) {
	if cfg.DingTalkAppKey == "" || cfg.DingTalkAppSecret == "" {
		return nil, fmt.Errorf("%w: DINGTALK_APP_KEY and DINGTALK_APP_SECRET must be set", ErrMissingCredentials)
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &DingTalkBot{
		appKey: cfg.DingTalkAppKey,
		secret: cfg.DingTalkAppSecret,
		groups: cfg.RAGGroups,
		dedup:  NewDedup(cfg.DedupTTL),
		http:   &http.Client{},
		logger: logger.With("component", "dingtalk"),
		now:    time.Now,
	}, nil
}

func (b *DingTalkBot) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /dingtalk/callback", b.handleCallback)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe serves callbacks until ctx is canceled, then waits for the
// replies still in flight.
func (b *DingTalkBot) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	b.logger.Info("callback server started", "addr", addr, "groups", len(b.groups))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		b.Wait()
		return err
	}
}

// Wait blocks until every accepted message has been answered.
func (b *DingTalkBot) Wait() {
	b.wg.Wait()
}

func (b *DingTalkBot) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := b.verifySignature(r.Header.Get("timestamp"), r.Header.Get("sign")); err != nil {
		b.logger.Warn("callback rejected", "remote", r.RemoteAddr, "err", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	var msg dingTalkMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&msg); err != nil {
		// Unparseable callbacks are acknowledged so DingTalk stops retrying.
		b.logger.Warn("callback body ignored", "err", err)
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}

	if group, question, ok := b.accept(msg); ok {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.answer(msg, group, question)
		}()
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// verifySignature checks sign = base64(HMAC-SHA256(secret, timestamp+"\n"+secret))
// and that the millisecond timestamp is within an hour of now.
func (b *DingTalkBot) verifySignature(timestamp, sign string) error {
	if timestamp == "" || sign == "" {
		return fmt.Errorf("%w: missing timestamp or sign header", ErrBadSignature)
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrBadSignature, timestamp)
	}
	if skew := b.now().Sub(time.UnixMilli(ms)); skew > signatureMaxSkew || skew < -signatureMaxSkew {
		return fmt.Errorf("%w: timestamp outside the allowed window", ErrBadSignature)
	}

	want := signCallback(b.secret, timestamp)
	if !hmac.Equal([]byte(want), []byte(sign)) {
		return ErrBadSignature
	}
	return nil
}

func signCallback(secret, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// accept applies the routing filters in order: group chats only, text with
// content, first delivery of a msgId, configured group, and a question left
// after the @mention is stripped.
func (b *DingTalkBot) accept(msg dingTalkMessage) (RAGGroup, string, bool) {
	logger := b.logger.With("msg_id", msg.MsgID, "conversation", msg.ConversationID)

	if msg.ConversationType != groupChat {
		logger.Debug("skip: not a group chat")
		return RAGGroup{}, "", false
	}
	if msg.MsgType != "text" || msg.Text.Content == "" {
		logger.Debug("skip: not a text message", "msgtype", msg.MsgType)
		return RAGGroup{}, "", false
	}
	if msg.RobotCode != "" && msg.RobotCode != b.appKey {
		logger.Warn("skip: message for another robot", "robot_code", msg.RobotCode)
		return RAGGroup{}, "", false
	}
	if b.dedup.Seen(msg.MsgID) {
		logger.Debug("skip: duplicate delivery")
		return RAGGroup{}, "", false
	}
	group, ok := b.groups[msg.ConversationID]
	if !ok {
		logger.Debug("skip: group not configured")
		return RAGGroup{}, "", false
	}
	question := strings.TrimSpace(reMention.ReplaceAllString(msg.Text.Content, ""))
	if question == "" {
		return RAGGroup{}, "", false
	}
	return group, question, true
}

func (b *DingTalkBot) answer(msg dingTalkMessage, group RAGGroup, question string) {
	logger := b.logger.With("msg_id", msg.MsgID, "conversation", msg.ConversationID)
	ctx := context.Background()

	if err := b.replyText(ctx, msg.SessionWebhook, thinkingNotice); err != nil {
		logger.Warn("thinking notice failed", "err", err)
	}

	start := b.now()
	answer, err := b.queryRAG(ctx, group, question)
	if err != nil {
		logger.Error("rag query failed", "endpoint", group.Endpoint, "err", err)
		if err := b.replyText(ctx, msg.SessionWebhook, "查询失败: "+err.Error()); err != nil {
			logger.Warn("failure reply failed", "err", err)
		}
		return
	}
	logger.Info("answered", "sender", msg.SenderNick, "answer_len", len(answer),
		"elapsed", b.now().Sub(start).Round(time.Millisecond))

	if err := b.replyMarkdown(ctx, msg.SessionWebhook, answerTitle, NormalizeRAGMarkdown(answer)); err != nil {
		logger.Warn("answer reply failed", "err", err)
	}
}

// queryRAG asks the group's OpenAI-compatible endpoint and returns the first
// choice, or "(no response)" when there is none.
func (b *DingTalkBot) queryRAG(ctx context.Context, group RAGGroup, question string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, group.Timeout())
	defer cancel()

	model := group.Model
	if model == "" {
		model = defaultRAGModel
	}
	body, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": question}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, group.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: %d", ErrRAGStatus, resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode RAG response: %w", err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return noResponse, nil
	}
	return out.Choices[0].Message.Content, nil
}

func (b *DingTalkBot) replyText(ctx context.Context, webhook, text string) error {
	return b.postWebhook(ctx, webhook, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	})
}

func (b *DingTalkBot) replyMarkdown(ctx context.Context, webhook, title, text string) error {
	return b.postWebhook(ctx, webhook, map[string]any{
		"msgtype":  "markdown",
		"markdown": map[string]string{"title": title, "text": text},
	})
}

func (b *DingTalkBot) postWebhook(ctx context.Context, webhook string, payload any) error {
	if webhook == "" {
		return errors.New("message has no session webhook")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("session webhook returned %d", resp.StatusCode)
	}
	return nil
}
