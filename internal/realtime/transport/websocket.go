// Package transport adapts gorilla/websocket to the connection.Transport
// interface so no websocket types leak past the connection manager.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ridelink/internal/general/contracts"
	"ridelink/internal/general/logger"
	"ridelink/internal/realtime/connection"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20 // 1 MiB
)

// WebSocket dials websocket channels. AuthToken, when set, is sent as the
// first frame per the gateway's auth handshake.
type WebSocket struct {
	AuthToken string
	Logger    *logger.Logger
}

// NewWebSocket returns a transport logging through log (a default logger is
// created when nil).
func NewWebSocket(authToken string, log *logger.Logger) *WebSocket {
	if log == nil {
		log = logger.New("ws-transport")
	}
	return &WebSocket{AuthToken: authToken, Logger: log}
}

var _ connection.Transport = (*WebSocket)(nil)

// Dial opens a websocket channel and completes the auth handshake.
func (transport *WebSocket) Dial(ctx context.Context, url string) (connection.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}

	wsConn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	conn := &wsChannel{ws: wsConn, log: transport.Logger}

	if transport.AuthToken != "" {
		if err := conn.authenticate(transport.AuthToken); err != nil {
			_ = wsConn.Close()
			return nil, err
		}
	}

	return conn, nil
}

// wsChannel is one open gorilla connection behind the Conn interface.
type wsChannel struct {
	ws      *websocket.Conn
	log     *logger.Logger
	writeMu sync.Mutex
}

// authenticate sends the first-frame auth message and waits for the
// gateway's verdict.
func (conn *wsChannel) authenticate(token string) error {
	auth := map[string]string{"type": contracts.TypeAuth, "token": "Bearer " + token}
	raw, err := json.Marshal(auth)
	if err != nil {
		return err
	}

	conn.writeMu.Lock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.ws.WriteMessage(websocket.TextMessage, raw)
	conn.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("websocket auth write: %w", err)
	}

	_ = conn.ws.SetReadDeadline(time.Now().Add(dialTimeout))
	_, frame, err := conn.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("websocket auth read: %w", err)
	}
	_ = conn.ws.SetReadDeadline(time.Time{})

	var verdict struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(frame, &verdict); err != nil {
		return fmt.Errorf("websocket auth verdict: %w", err)
	}
	if verdict.Type != contracts.TypeAuthSuccess {
		return fmt.Errorf("websocket auth rejected: %s", verdict.Error)
	}
	return nil
}

// Send transmits one ChannelMessage as a JSON text frame.
func (conn *wsChannel) Send(msg contracts.ChannelMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.ws.WriteMessage(websocket.TextMessage, raw)
}

// Receive blocks for the next valid ChannelMessage. A malformed frame is
// dropped and logged rather than tearing down the channel; only transport
// failures surface as errors. Protocol-level close codes are wrapped with
// connection.ErrProtocol so the manager can pass through its error state.
func (conn *wsChannel) Receive() (contracts.ChannelMessage, error) {
	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseProtocolError,
				websocket.CloseUnsupportedData,
				websocket.CloseInvalidFramePayloadData,
				websocket.ClosePolicyViolation) {
				return contracts.ChannelMessage{}, fmt.Errorf("%w: %v", connection.ErrProtocol, err)
			}
			return contracts.ChannelMessage{}, err
		}

		var msg contracts.ChannelMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			conn.log.Error(context.Background(), "ws_bad_frame", "Dropping malformed inbound frame", err,
				map[string]any{"size": len(frame)})
			continue
		}
		if err := msg.Validate(); err != nil {
			conn.log.Error(context.Background(), "ws_bad_frame", "Dropping inbound frame with bad envelope", err, nil)
			continue
		}
		return msg, nil
	}
}

// Close closes the underlying websocket with a normal-closure frame.
func (conn *wsChannel) Close() error {
	conn.writeMu.Lock()
	deadline := time.Now().Add(writeTimeout)
	_ = conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
	conn.writeMu.Unlock()
	return conn.ws.Close()
}
