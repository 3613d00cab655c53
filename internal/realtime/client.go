package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Message is an envelope as received by a client, with the payload left
// encoded until the caller knows its type.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Client is a minimal Go client for the realtime socket, used by tools and
// tests.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to url (ws:// or wss://) with a bearer token.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Send writes one inbound message. payload may be nil.
func (c *Client) Send(ctx context.Context, msgType, sessionID string, payload any) error {
	msg := Inbound{Type: msgType, SessionID: sessionID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// Next blocks until the next envelope arrives or ctx ends.
func (c *Client) Next(ctx context.Context) (Message, error) {
	var msg Message
	if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
		return Message{}, fmt.Errorf("read message: %w", err)
	}
	return msg, nil
}

// WaitFor reads until a message of type msgType arrives, discarding others.
func (c *Client) WaitFor(ctx context.Context, msgType string) (Message, error) {
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return Message{}, err
		}
		if msg.Type == msgType {
			return msg, nil
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
