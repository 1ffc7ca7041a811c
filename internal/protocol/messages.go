package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket text-frame payload variants.
type MessageType string

const (
	// Client commands.
	TypeChatTTS      MessageType = "chat_tts"
	TypeToolDispatch MessageType = "tool_dispatch"
	TypeSTTEnd       MessageType = "stt_end"

	// Server frames.
	TypeChatTTSResult MessageType = "chat_tts_result"
	TypeChatTTSError  MessageType = "chat_tts_error"
	TypeToolResult    MessageType = "tool_result"
	TypeSTTPartial    MessageType = "stt_partial"
	TypeSTTFinal      MessageType = "stt_final"
	TypeSTTError      MessageType = "stt_error"
)

// ErrUnsupportedType marks a frame that is JSON but not a recognized
// command; the router echoes such frames instead of erroring.
var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ChatTTS asks the bridge to run text through completion and synthesis.
type ChatTTS struct {
	Type   MessageType `json:"type"`
	Text   string      `json:"text"`
	Format string      `json:"format,omitempty"`
}

// ToolDispatch forwards a named tool invocation to the collaborator.
type ToolDispatch struct {
	Type    MessageType     `json:"type"`
	Tool    string          `json:"tool"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// STTEnd closes the chunk queue of a streaming-transcription session.
type STTEnd struct {
	Type MessageType `json:"type"`
}

type ChatTTSResult struct {
	Type     MessageType `json:"type"`
	Text     string      `json:"text"`
	MIMEType string      `json:"mimeType"`
	Bytes    int         `json:"bytes"`
}

type ChatTTSError struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

type ToolResult struct {
	Type   MessageType     `json:"type"`
	OK     bool            `json:"ok"`
	Tool   string          `json:"tool"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type STTPartial struct {
	Type  MessageType `json:"type"`
	Bytes int64       `json:"bytes"`
	Text  string      `json:"text"`
}

type STTFinal struct {
	Type       MessageType `json:"type"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence,omitempty"`
	DurationMs int64       `json:"durationMs,omitempty"`
	LatencyMs  int64       `json:"latencyMs"`
}

type STTError struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// ParseClientCommand decodes a client text frame into one of the typed
// commands. Frames that are not JSON objects, or that carry an unknown
// type, return ErrUnsupportedType so the caller can fall back to echo.
func ParseClientCommand(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrUnsupportedType
	}

	switch env.Type {
	case TypeChatTTS:
		var msg ChatTTS
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid chat_tts: %w", err)
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid chat_tts: empty text")
		}
		return msg, nil
	case TypeToolDispatch:
		var msg ToolDispatch
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid tool_dispatch: %w", err)
		}
		if strings.TrimSpace(msg.Tool) == "" {
			return nil, errors.New("invalid tool_dispatch: empty tool")
		}
		return msg, nil
	case TypeSTTEnd:
		return STTEnd{Type: TypeSTTEnd}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
