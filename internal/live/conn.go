package live

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
)

// Frame is one received WebSocket message.
type Frame struct {
	Text bool
	Data []byte
}

// Conn abstracts a WebSocket connection so tests can run the channel
// loops without a network.
type Conn interface {
	// Read blocks for the next frame.
	Read(ctx context.Context) (Frame, error)
	// WriteBinary sends a binary frame.
	WriteBinary(ctx context.Context, data []byte) error
	// WriteText sends a text frame.
	WriteText(ctx context.Context, data []byte) error
	// Ping sends a keepalive and waits for the pong.
	Ping(ctx context.Context) error
	// Close sends a close frame and tears the connection down.
	Close() error
}

// Dialer opens sync connections. Satisfied by WebSocketDialer in
// production and by fakes in tests.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebSocketDialer dials real WebSocket connections.
type WebSocketDialer struct{}

// Dial connects to rawURL.
func (WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, rawURL, nil) //nolint:bodyclose // handled by websocket library on CloseNow
	if err != nil {
		return nil, fmt.Errorf("live: dialing %s: %w", redactToken(rawURL), err)
	}

	// Body updates for a large workspace can exceed the default 32 KiB cap.
	c.SetReadLimit(16 << 20)

	return &wsConn{c: c}, nil
}

// wsConn adapts coder/websocket to the Conn interface.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) (Frame, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return Frame{}, err
	}

	return Frame{Text: typ == websocket.MessageText, Data: data}, nil
}

func (w *wsConn) WriteBinary(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageBinary, data)
}

func (w *wsConn) WriteText(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "shutting down")
}

// redactToken strips the token query parameter for log lines.
func redactToken(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	q := u.Query()
	if q.Has("token") {
		q.Set("token", "redacted")
		u.RawQuery = q.Encode()
	}

	return u.String()
}

// SyncURLs builds the metadata and body channel URLs for a workspace.
// The token is omitted entirely when empty (server without auth).
func SyncURLs(serverURL, workspaceID, token string) (metadataURL, bodyURL string, err error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", "", fmt.Errorf("live: parsing server url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", "", fmt.Errorf("live: unsupported server scheme %q", u.Scheme)
	}

	u.Path = "/sync"

	q := url.Values{}
	q.Set("doc", workspaceID)

	if token != "" {
		q.Set("token", token)
	}

	u.RawQuery = q.Encode()
	metadataURL = u.String()

	q.Set("multiplexed", "true")
	u.RawQuery = q.Encode()
	bodyURL = u.String()

	return metadataURL, bodyURL, nil
}
