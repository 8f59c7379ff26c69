// Package realtime is the client for the OpenAI Realtime API over websocket.
// It owns the wire protocol only; what to do with events is the session's
// business.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aurelia-health/voice-intake/pkg/logging"
)

const defaultBaseURL = "wss://api.openai.com/v1/realtime"

// Config configures the realtime connection.
type Config struct {
	APIKey      string
	Model       string
	Voice       string
	Temperature float64
	BaseURL     string // optional override, used by tests
	Logger      *logging.Logger
}

// Client is one realtime session connection. Writes are serialized internally;
// reads must come from a single goroutine, which matches the per-session
// event loop that consumes them.
type Client struct {
	conn   *websocket.Conn
	cfg    Config
	logger *logging.Logger

	writeMu sync.Mutex
}

// Dial connects and authenticates to the realtime endpoint.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("realtime: API key required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := cfg.BaseURL + "?model=" + cfg.Model
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime: dial failed: %w", err)
	}
	return &Client{conn: conn, cfg: cfg, logger: cfg.Logger}, nil
}

// InitSession configures the session and requests the opening greeting.
func (c *Client) InitSession() error {
	if err := c.writeJSON(sessionUpdate(c.cfg.Voice, c.cfg.Temperature)); err != nil {
		return fmt.Errorf("realtime: session update: %w", err)
	}
	greeting := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": greetingInstruction},
			},
		},
	}
	if err := c.writeJSON(greeting); err != nil {
		return fmt.Errorf("realtime: greeting item: %w", err)
	}
	return c.requestResponse()
}

// AppendAudio forwards one base64 mu-law audio chunk from the caller.
func (c *Client) AppendAudio(payload string) error {
	return c.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": payload,
	})
}

// SendToolResult returns a tool invocation's output and asks the agent to
// continue speaking.
func (c *Client) SendToolResult(toolCallID string, result any) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("realtime: encode tool result: %w", err)
	}
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": toolCallID,
			"output":  string(encoded),
		},
	}
	if err := c.writeJSON(item); err != nil {
		return fmt.Errorf("realtime: tool result: %w", err)
	}
	return c.requestResponse()
}

// SendClosingInstruction asks the agent to deliver a final message before the
// call ends, e.g. the booking confirmation or a degraded-path apology.
func (c *Client) SendClosingInstruction(text string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := c.writeJSON(item); err != nil {
		return fmt.Errorf("realtime: closing instruction: %w", err)
	}
	return c.requestResponse()
}

// ReadEvent blocks for the next server event. The returned error is terminal
// for the connection.
func (c *Client) ReadEvent() (ServerEvent, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return ServerEvent{}, fmt.Errorf("realtime: read: %w", err)
	}
	return ParseServerEvent(data)
}

// Close closes the websocket connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) requestResponse() error {
	return c.writeJSON(map[string]any{"type": "response.create"})
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}
