package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The chat page may be opened from another local port
	},
}

// WebMessage is one frame of the chat socket. Clients send "ask"; the
// server answers with "status", then "answer" or "error".
type WebMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	HTML    string `json:"html,omitempty"`
}

// jsonWriter is the part of *websocket.Conn the sink needs.
type jsonWriter interface {
	WriteJSON(v any) error
}

// WebSocketSink serializes writes to one socket. gorilla/websocket allows a
// single concurrent writer.
type WebSocketSink struct {
	conn   jsonWriter
	logger *slog.Logger
	mu     sync.Mutex
}

func (w *WebSocketSink) Send(msg WebMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.conn.WriteJSON(msg); err != nil {
		w.logger.Warn("websocket write failed", "type", msg.Type, "err", err)
	}
}

func (w *WebSocketSink) SendStatus(status string) {
	w.Send(WebMessage{Type: "status", Content: status})
}

func (w *WebSocketSink) SendError(err error) {
	w.Send(WebMessage{Type: "error", Content: err.Error()})
}

// htmlRenderer renders cleaned answers for the browser. Raw HTML in an answer
// is escaped because the agent output is untrusted.
type htmlRenderer struct {
	md goldmark.Markdown
}

func newHTMLRenderer() *htmlRenderer {
	return &htmlRenderer{md: goldmark.New(
		goldmark.WithExtensions(
			extension.Strikethrough,
			extension.Linkify,
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
		),
	)}
}

func (h *htmlRenderer) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := h.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

// answerMarkdown turns a raw agent transcript into the Markdown shown to
// chat users.
func answerMarkdown(raw string) string {
	return NormalizeRAGMarkdown(CleanTUIOutput(raw))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("remote", r.RemoteAddr)
	logger.Info("chat client connected")

	// Pending answers are abandoned when the client goes away.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &WebSocketSink{conn: conn, logger: logger}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var msg WebMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read ended", "err", err)
			}
			break
		}

		switch msg.Type {
		case "ask":
			question := strings.TrimSpace(msg.Content)
			if question == "" {
				sink.SendError(ErrNoUserMessage)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.answerSocket(ctx, question, sink)
			}()
		default:
			sink.SendError(fmt.Errorf("unknown message type %q", msg.Type))
		}
	}

	cancel()
	logger.Info("chat client disconnected")
}

func (s *Server) answerSocket(ctx context.Context, question string, sink *WebSocketSink) {
	sink.SendStatus("thinking")

	raw, err := s.agent.Ask(ctx, question)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("chat answer failed", "err", err)
			sink.SendError(err)
		}
		return
	}

	markdown := answerMarkdown(raw)
	rendered, err := s.html.Render(markdown)
	if err != nil {
		s.logger.Warn("chat answer not rendered", "err", err)
	}
	sink.Send(WebMessage{Type: "answer", Content: markdown, HTML: rendered})
}

func serveHTML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, htmlContent)
}

const htmlContent = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>MiniRAG Chat</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, 'Segoe UI', sans-serif;
            background: #f6f7f9;
            color: #1f2328;
            height: 100vh;
            display: flex;
            flex-direction: column;
        }
        header {
            background: #fff;
            padding: 12px 20px;
            border-bottom: 1px solid #d0d7de;
        }
        h1 { font-size: 16px; }
        .status { font-size: 12px; color: #656d76; margin-top: 4px; }
        .status.connected { color: #1a7f37; }
        .status.disconnected { color: #cf222e; }
        #log { flex: 1; overflow-y: auto; padding: 16px 20px; }
        .msg { max-width: 820px; margin: 0 auto 12px; padding: 10px 14px; border-radius: 8px; }
        .msg.user { background: #ddf4ff; white-space: pre-wrap; }
        .msg.answer { background: #fff; border: 1px solid #d0d7de; }
        .msg.error { background: #ffebe9; color: #cf222e; }
        .msg pre { background: #f6f8fa; padding: 8px; overflow-x: auto; }
        form { display: flex; gap: 8px; padding: 12px 20px; background: #fff; border-top: 1px solid #d0d7de; }
        #question { flex: 1; padding: 8px; font-size: 14px; resize: none; }
        button { padding: 8px 16px; }
    </style>
</head>
<body>
    <header>
        <h1>MiniRAG Chat</h1>
        <div class="status" id="status">Connecting...</div>
    </header>
    <div id="log"></div>
    <form id="ask">
        <textarea id="question" rows="2" placeholder="Ask the knowledge base" autofocus></textarea>
        <button type="submit" id="send">Send</button>
    </form>
    <script>
        const log = document.getElementById('log');
        const statusEl = document.getElementById('status');
        const question = document.getElementById('question');
        let ws = null;

        function append(cls, text, html) {
            const div = document.createElement('div');
            div.className = 'msg ' + cls;
            if (html) { div.innerHTML = html; } else { div.textContent = text; }
            log.appendChild(div);
            log.scrollTop = log.scrollHeight;
        }

        function setStatus(text, cls) {
            statusEl.textContent = text;
            statusEl.className = 'status ' + (cls || '');
        }

        function connect() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(proto + location.host + '/ws');
            ws.onopen = () => setStatus('Connected', 'connected');
            ws.onclose = () => {
                setStatus('Disconnected, retrying...', 'disconnected');
                setTimeout(connect, 2000);
            };
            ws.onmessage = (event) => {
                const msg = JSON.parse(event.data);
                if (msg.type === 'status') {
                    setStatus(msg.content === 'thinking' ? 'Thinking...' : msg.content, 'connected');
                } else if (msg.type === 'answer') {
                    append('answer', msg.content, msg.html);
                    setStatus('Connected', 'connected');
                } else if (msg.type === 'error') {
                    append('error', msg.content);
                    setStatus('Connected', 'connected');
                }
            };
        }

        document.getElementById('ask').addEventListener('submit', (e) => {
            e.preventDefault();
            const text = question.value.trim();
            if (!text || !ws || ws.readyState !== WebSocket.OPEN) return;
            append('user', text);
            ws.send(JSON.stringify({ type: 'ask', content: text }));
            question.value = '';
        });

        question.addEventListener('keydown', (e) => {
            if (e.key === 'Enter' && !e.shiftKey) {
                e.preventDefault();
                document.getElementById('ask').requestSubmit();
            }
        });

        connect();
    </script>
</body>
</html>`
