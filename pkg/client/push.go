package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/websocket"

	"conductor/pkg/proto"
)

// Subscription is one attached push-channel consumer. It reads the
// frames the service broadcasts and can send command frames back.
type Subscription struct {
	conn *websocket.Conn
}

// Subscribe dials the service push channel. The first frame delivered
// is the full-status snapshot the service sends on attach.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("push channel dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return &Subscription{conn: conn}, nil
}

// Next blocks until the next outbound frame arrives.
func (s *Subscription) Next(ctx context.Context) (*proto.PushMessage, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("push channel read: %w", err)
	}
	var msg proto.PushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode push frame: %w", err)
	}
	return &msg, nil
}

// Request sends one command frame upstream.
func (s *Subscription) Request(ctx context.Context, action proto.Action) error {
	data, err := json.Marshal(proto.ClientCommand{Action: action})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Close detaches from the push channel.
func (s *Subscription) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
