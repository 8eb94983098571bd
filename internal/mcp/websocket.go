package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/switchboard/internal/buildinfo"
	"github.com/nugget/switchboard/internal/config"
)

// WebSocketConfig configures a transport to an attached tool server
// that speaks JSON-RPC over a WebSocket, one message per frame.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are sent with the opening handshake.
	Headers map[string]string

	// Dialer overrides the WebSocket dialer.
	Dialer *websocket.Dialer

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WebSocketTransport keeps one socket open to a tool server. Like the
// stdio transport it serializes exchanges, dials on first use, and
// does not redial once the socket is lost.
type WebSocketTransport struct {
	config WebSocketConfig
	logger *slog.Logger
	sem    chan struct{}
	done   chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	conn   *websocket.Conn
	frames <-chan []byte
	broken bool
	closed bool
}

// NewWebSocketTransport creates a WebSocket transport. The connection
// is dialed by the first Send or Notify call.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (t *WebSocketTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
		if err := ctx.Err(); err != nil {
			<-t.sem
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WebSocketTransport) release() { <-t.sem }

// connect dials on first use. Caller must hold the exchange token.
func (t *WebSocketTransport) connect(ctx context.Context) (*websocket.Conn, <-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.broken {
		return nil, nil, ErrTransportClosed
	}
	if t.conn != nil {
		return t.conn, t.frames, nil
	}

	dialer := t.config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent())
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	conn, resp, err := dialer.DialContext(ctx, t.config.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.broken = true
		return nil, nil, fmt.Errorf("dial %s: %w", t.config.URL, err)
	}

	frames := make(chan []byte, 16)
	go t.readFrames(conn, frames)

	t.conn = conn
	t.frames = frames
	t.logger.Info("MCP websocket connected", "url", t.config.URL)
	return conn, frames, nil
}

// readFrames forwards text messages until the socket fails or Close.
func (t *WebSocketTransport) readFrames(conn *websocket.Conn, out chan<- []byte) {
	defer close(out)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("MCP websocket read ended", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		select {
		case out <- data:
		case <-t.done:
			return
		}
	}
}

// Send writes a request frame and waits for the matching response.
func (t *WebSocketTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	conn, frames, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.write(ctx, conn, req); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, ErrTransportClosed
		case frame, ok := <-frames:
			if !ok {
				t.markBroken()
				return nil, fmt.Errorf("read from websocket: %w", ErrTransportClosed)
			}
			t.logger.Log(ctx, config.LevelTrace, "MCP frame received", "frame", string(frame))
			resp, err := parseInbound(frame, req.ID)
			if err != nil {
				t.logger.Debug("skipping unparseable websocket frame", "error", err)
				continue
			}
			if resp != nil {
				return resp, nil
			}
		}
	}
}

// Notify writes a notification frame.
func (t *WebSocketTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	conn, _, err := t.connect(ctx)
	if err != nil {
		return err
	}
	return t.write(ctx, conn, notif)
}

func (t *WebSocketTransport) write(ctx context.Context, conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP frame sent", "frame", string(data))

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.markBroken()
		return fmt.Errorf("write to websocket: %w: %w", ErrTransportClosed, err)
	}
	return nil
}

func (t *WebSocketTransport) markBroken() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broken = true
}

// Close sends a close frame and tears down the socket. It is idempotent.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		conn := t.conn
		t.mu.Unlock()
		close(t.done)

		if conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) {
			err = cerr
		}
	})
	return err
}
