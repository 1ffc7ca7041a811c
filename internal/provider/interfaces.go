package provider

import (
	"context"
	"time"
)

// ChunkSource is a pull-based sequence of audio chunks. Next returns
// io.EOF once the sequence is closed and drained. The sequence is
// consumed once; it cannot be restarted.
type ChunkSource interface {
	Next(ctx context.Context) ([]byte, error)
}

type TranscribeOptions struct {
	Language     string
	SampleRateHz int
	Timeout      time.Duration
}

type TranscribeResult struct {
	Text       string
	Confidence float64
	Duration   time.Duration
}

// Transcriber converts audio into text, either from a complete buffer or
// from a chunk sequence that is still arriving.
type Transcriber interface {
	TranscribeBatch(ctx context.Context, audio []byte, opts TranscribeOptions) (TranscribeResult, error)
	TranscribeStream(ctx context.Context, chunks ChunkSource, opts TranscribeOptions) (TranscribeResult, error)
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Message struct {
	Role    Role
	Content string
}

type CompleteOptions struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type CompleteResult struct {
	Message Message
	Usage   Usage
	Latency time.Duration
}

type Completer interface {
	Complete(ctx context.Context, history []Message, opts CompleteOptions) (CompleteResult, error)
}

// AudioFormat names the synthesis output encodings the bridge accepts.
type AudioFormat string

const (
	FormatPCM16 AudioFormat = "pcm16"
	FormatWAV   AudioFormat = "wav"
	FormatMP3   AudioFormat = "mp3"
)

// MIMEType maps a format onto its wire content type.
func (f AudioFormat) MIMEType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	default:
		return "audio/pcm"
	}
}

// Valid reports whether f is one of the accepted formats.
func (f AudioFormat) Valid() bool {
	switch f {
	case FormatPCM16, FormatWAV, FormatMP3:
		return true
	default:
		return false
	}
}

type SynthesizeOptions struct {
	Voice        string
	Format       AudioFormat
	SampleRateHz int
	Timeout      time.Duration
}

type SynthesizeResult struct {
	Audio    []byte
	MIMEType string
	Duration time.Duration
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (SynthesizeResult, error)
}
