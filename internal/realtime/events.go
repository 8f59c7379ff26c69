package realtime

import (
	"encoding/json"
	"fmt"
)

// Server event types we act on. The realtime API emits many more; unhandled
// types pass through with just their name so callers can log them.
const (
	EventTypeSessionCreated  = "session.created"
	EventTypeAudioDelta      = "response.audio.delta"
	EventTypeSpeechStarted   = "input_audio_buffer.speech_started"
	EventTypeSpeechStopped   = "input_audio_buffer.speech_stopped"
	EventTypeTranscriptDelta = "response.audio_transcript.delta"
	EventTypeTranscriptDone  = "response.audio_transcript.done"
	EventTypeInputTranscript = "conversation.item.input_audio_transcription.completed"
	EventTypeResponseDone    = "response.done"
	EventTypeFunctionCall    = "response.function_call"
	EventTypeError           = "error"
)

// ServerEvent is one decoded event from the AI engine.
type ServerEvent struct {
	Type string `json:"type"`

	// Audio delta fields.
	Delta  string `json:"delta,omitempty"`
	ItemID string `json:"item_id,omitempty"`

	// Function call fields.
	Name      string          `json:"name,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	ID        string          `json:"id,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Transcript of the agent's spoken reply.
	Transcript string `json:"transcript,omitempty"`

	Error *EventError `json:"error,omitempty"`
}

// EventError carries the engine's error payload.
type EventError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolCallID returns whichever correlation id the engine populated.
func (e ServerEvent) ToolCallID() string {
	if e.CallID != "" {
		return e.CallID
	}
	return e.ID
}

// ParseServerEvent decodes a raw websocket message into a ServerEvent.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("realtime: decode server event: %w", err)
	}
	return ev, nil
}

// ParseToolArguments decodes function-call arguments, tolerating both an
// embedded object and a doubly encoded JSON string.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args, nil
	}
	var nested string
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, fmt.Errorf("realtime: tool arguments are neither object nor string")
	}
	if err := json.Unmarshal([]byte(nested), &args); err != nil {
		return nil, fmt.Errorf("realtime: decode nested tool arguments: %w", err)
	}
	return args, nil
}
