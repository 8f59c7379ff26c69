// Package telephony speaks the Twilio media-streams websocket protocol: JSON
// envelopes carrying base64 mu-law audio at 20ms per frame.
package telephony

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Media stream envelope event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// FrameMillis is the audio duration of one media frame.
const FrameMillis = 20

// playbackMark names the mark sent after every media payload. Twilio echoes
// each mark back once everything queued before it has played, which is how we
// know whether agent audio is still playing.
const playbackMark = "responsePart"

// Message is the envelope for every inbound media-stream message.
type Message struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *StartPayload `json:"start,omitempty"`
	Media     *MediaPayload `json:"media,omitempty"`
	Mark      *MarkPayload  `json:"mark,omitempty"`
	Stop      *StopPayload  `json:"stop,omitempty"`
}

// StartPayload arrives once per stream and identifies the call.
type StartPayload struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  MediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

// MediaFormat describes the audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one frame of base64 mu-law audio.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkPayload acknowledges playback progress.
type MarkPayload struct {
	Name string `json:"name"`
}

// StopPayload arrives when the telephony side ends the stream.
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// Conn wraps the media-stream websocket. Writes are serialized; reads must
// stay on one goroutine per the websocket contract. The connection keeps a
// ledger of marks sent but not yet echoed so callers can tell whether any
// agent audio is queued or playing.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	markMu sync.Mutex
	marks  int
}

// NewConn wraps an upgraded websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read blocks for the next envelope. Unknown envelopes decode with only the
// event name set, which callers ignore. Mark echoes settle the playback
// ledger before they are returned.
func (c *Conn) Read() (Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, fmt.Errorf("telephony: read: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("telephony: decode envelope: %w", err)
	}
	if msg.Event == EventMark {
		c.markMu.Lock()
		if c.marks > 0 {
			c.marks--
		}
		c.markMu.Unlock()
	}
	return msg, nil
}

// SendMedia plays one base64 audio payload to the caller and tags it with a
// mark so playback progress stays observable.
func (c *Conn) SendMedia(streamSID, payload string) error {
	if err := c.write(Message{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: payload},
	}); err != nil {
		return err
	}
	return c.SendMark(streamSID, playbackMark)
}

// SendMark tags the playback queue so we learn when audio finished playing.
func (c *Conn) SendMark(streamSID, name string) error {
	if err := c.write(Message{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkPayload{Name: name},
	}); err != nil {
		return err
	}
	c.markMu.Lock()
	c.marks++
	c.markMu.Unlock()
	return nil
}

// SendClear flushes unplayed audio, used when the caller barges in. Dropped
// audio never plays, so the outstanding marks are written off with it.
func (c *Conn) SendClear(streamSID string) error {
	if err := c.write(Message{Event: EventClear, StreamSID: streamSID}); err != nil {
		return err
	}
	c.markMu.Lock()
	c.marks = 0
	c.markMu.Unlock()
	return nil
}

// OutstandingMarks reports how many media payloads Twilio has not yet played.
func (c *Conn) OutstandingMarks() int {
	c.markMu.Lock()
	defer c.markMu.Unlock()
	return c.marks
}

// Close closes the websocket.
func (c *Conn) Close() error {
	return c.ws.Close()
}

func (c *Conn) write(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("telephony: write %s: %w", msg.Event, err)
	}
	return nil
}
