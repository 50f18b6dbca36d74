package utils

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSRequest is sent to a remote vision service.
type WSRequest struct {
	Type     string `json:"type"` // describe, set_prompt or get_prompt
	ID       int64  `json:"id"`
	Prompt   string `json:"prompt,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// WSResponse is the service's reply to a WSRequest with the same ID.
type WSResponse struct {
	Type    string `json:"type"` // analysis, prompt, ack or error
	ID      int64  `json:"id"`
	Content string `json:"content,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
	Message string `json:"message,omitempty"`
}

// WSVisionModel is a vision model hosted behind a websocket. The system
// prompt lives on the server. Round trips are serialised on one connection,
// which is dialled lazily and replaced after any transport error.
type WSVisionModel struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	seq  int64
}

// NewWSVisionModel targets a ws:// or wss:// endpoint.
func NewWSVisionModel(url string, header http.Header, logger *zap.Logger) *WSVisionModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSVisionModel{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger.With(zap.String("component", "vision_ws")),
	}
}

func (m *WSVisionModel) Describe(ctx context.Context, image []byte, prompt string) (string, error) {
	req := WSRequest{Type: "describe", Prompt: prompt}
	if len(image) > 0 {
		req.Data = base64.StdEncoding.EncodeToString(image)
		req.MimeType = "image/jpeg"
	}
	resp, err := m.roundTrip(ctx, req, "analysis")
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (m *WSVisionModel) SetPrompt(ctx context.Context, prompt string) error {
	_, err := m.roundTrip(ctx, WSRequest{Type: "set_prompt", Prompt: prompt}, "ack")
	return err
}

func (m *WSVisionModel) GetPrompt(ctx context.Context) (string, error) {
	resp, err := m.roundTrip(ctx, WSRequest{Type: "get_prompt"}, "prompt")
	if err != nil {
		return "", err
	}
	return resp.Prompt, nil
}

// Close drops the connection.
func (m *WSVisionModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	cerr := m.conn.Close()
	m.conn = nil
	return errors.Join(err, cerr)
}

func (m *WSVisionModel) roundTrip(ctx context.Context, req WSRequest, want string) (WSResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return WSResponse{}, err
	}
	if m.conn == nil {
		conn, _, err := m.dialer.DialContext(ctx, m.url, m.header)
		if err != nil {
			return WSResponse{}, fmt.Errorf("dial vision service: %w", err)
		}
		m.conn = conn
		m.logger.Info("Connected to vision service", zap.String("url", m.url))
	}
	conn := m.conn

	m.seq++
	req.ID = m.seq

	// Unblock reads and writes when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		_ = conn.SetWriteDeadline(time.Now())
	})
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		_ = conn.SetWriteDeadline(dl)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}

	if err := conn.WriteJSON(req); err != nil {
		m.drop()
		return WSResponse{}, m.transportErr(ctx, "write", err)
	}
	for {
		var resp WSResponse
		if err := conn.ReadJSON(&resp); err != nil {
			m.drop()
			return WSResponse{}, m.transportErr(ctx, "read", err)
		}
		if resp.ID != req.ID {
			m.logger.Debug("Discarding stale response", zap.Int64("id", resp.ID), zap.Int64("want", req.ID))
			continue
		}
		switch resp.Type {
		case want:
			return resp, nil
		case "error":
			return WSResponse{}, fmt.Errorf("vision service %s failed: %s", req.Type, resp.Message)
		default:
			return WSResponse{}, fmt.Errorf("vision service sent %q, expected %q", resp.Type, want)
		}
	}
}

func (m *WSVisionModel) drop() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *WSVisionModel) transportErr(ctx context.Context, op string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%s vision service: %w", op, cerr)
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return fmt.Errorf("%s vision service: %w", op, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s vision service: %w", op, err)
}
