package target

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsChunkSize is the size of each binary frame during an upload.
	wsChunkSize = 64 * 1024

	// wsWriteTimeout bounds each individual frame write.
	wsWriteTimeout = 30 * time.Second
)

// WSUploader transfers file bytes over a WebSocket session instead of a
// single HTTP POST. Long transfers survive proxies that cap request duration,
// and the per-frame acks double as liveness signals.
type WSUploader struct {
	endpoint string
	token    string
	dialer   *websocket.Dialer

	// Progress, when set, is called after every acknowledged chunk with the
	// byte offset reached so far.
	Progress func(sent int64)
}

// NewWSUploader creates a WebSocket uploader for the given service base URL.
func NewWSUploader(baseURL, token string) *WSUploader {
	endpoint := strings.Replace(baseURL, "http://", "ws://", 1)
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)
	return &WSUploader{
		endpoint: endpoint + "/api/v1/files/upload/ws",
		token:    token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// wsService routes uploads over the WebSocket session while delegating
// lookups and health checks to the HTTP client.
type wsService struct {
	*Client
	ws *WSUploader
}

// WithWSUploads wraps an HTTP client so uploads go over WebSocket.
func WithWSUploads(c *Client, ws *WSUploader) Service {
	return &wsService{Client: c, ws: ws}
}

func (s *wsService) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	return s.ws.Upload(ctx, req)
}

// wsControl is a text frame exchanged around the binary stream.
type wsControl struct {
	Event   string          `json:"event"` // "manifest", "ack", "result", "error"
	Offset  int64           `json:"offset,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Upload streams one file over a fresh WebSocket session.
func (u *WSUploader) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	header := http.Header{}
	if u.token != "" {
		header.Set("Authorization", "Bearer "+u.token)
	}

	conn, resp, err := u.dialer.DialContext(ctx, u.endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return UploadResult{Status: StatusServerError},
				&APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("websocket handshake rejected: %s", resp.Status)}
		}
		return UploadResult{Status: StatusServerError}, fmt.Errorf("websocket dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// Cancellation has to interrupt blocked reads and writes; the websocket
	// package only honors deadlines, so a watcher forces the connection
	// closed when the context goes.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	manifest := wsControl{Event: "manifest"}
	manifest.Result, err = json.Marshal(uploadManifest{
		Hash:        req.Fingerprint.Hash,
		Size:        req.Fingerprint.Size,
		Meta:        req.Meta,
		LibraryPath: req.LibraryPath,
	})
	if err != nil {
		return UploadResult{Status: StatusServerError}, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := u.writeControl(conn, manifest); err != nil {
		return UploadResult{Status: StatusServerError}, err
	}

	// Link mode sends no bytes; the manifest alone is the upload.
	if req.LibraryPath == "" {
		if err := u.streamFile(conn, req.FilePath); err != nil {
			return UploadResult{Status: StatusServerError}, err
		}
	}

	ctl, err := u.awaitResult(conn)
	if err != nil {
		if ctx.Err() != nil {
			return UploadResult{Status: StatusServerError}, ctx.Err()
		}
		return UploadResult{Status: StatusServerError}, err
	}
	if ctl.Event == "error" {
		apiErr := &APIError{Message: ctl.Message}
		if code := strings.SplitN(ctl.Message, ":", 2); len(code) == 2 {
			apiErr.Code = strings.TrimSpace(code[0])
			apiErr.Message = strings.TrimSpace(code[1])
		}
		return classifyUploadError(apiErr)
	}

	var result UploadResult
	if err := json.Unmarshal(ctl.Result, &result); err != nil {
		return UploadResult{Status: StatusServerError}, fmt.Errorf("failed to decode upload result: %w", err)
	}
	return result, nil
}

func (u *WSUploader) streamFile(conn *websocket.Conn, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file for upload: %w", err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, wsChunkSize)
	var sent int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return fmt.Errorf("chunk write failed at offset %d: %w", sent, werr)
			}
			sent += int64(n)
			if u.Progress != nil {
				u.Progress(sent)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read failed at offset %d: %w", sent, err)
		}
	}

	return u.writeControl(conn, wsControl{Event: "done", Offset: sent})
}

func (u *WSUploader) writeControl(conn *websocket.Conn, ctl wsControl) error {
	data, err := json.Marshal(ctl)
	if err != nil {
		return fmt.Errorf("failed to marshal control frame: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("control frame write failed: %w", err)
	}
	return nil
}

// awaitResult consumes ack frames until a terminal result or error frame.
func (u *WSUploader) awaitResult(conn *websocket.Conn) (*wsControl, error) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("result read failed: %w", err)
		}
		var ctl wsControl
		if err := json.Unmarshal(data, &ctl); err != nil {
			return nil, fmt.Errorf("malformed control frame: %w", err)
		}
		switch ctl.Event {
		case "ack":
			if u.Progress != nil {
				u.Progress(ctl.Offset)
			}
		case "result", "error":
			return &ctl, nil
		}
	}
}
