package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

// Default per-call deadlines applied when the caller leaves the option
// unset, matching provider-local expectations for each capability.
const (
	defaultBatchTimeout    = 5 * time.Second
	defaultStreamTimeout   = 10 * time.Second
	defaultCompleteTimeout = 7 * time.Second
	defaultSynthTimeout    = 5 * time.Second
)

// simulate sleeps for a jittered latency and optionally injects an
// opaque provider failure, then runs work.
func simulate[T any](ctx context.Context, name string, b config.FakeBehavior, work func() T) (T, error) {
	var zero T
	jitter := b.MinLatency
	if span := b.MaxLatency - b.MinLatency; span > 0 {
		jitter += time.Duration(rand.Int63n(int64(span) + 1))
	}
	if err := reliability.Sleep(ctx, jitter); err != nil {
		return zero, Classify(name, err)
	}
	if b.FailureRate > 0 && rand.Float64() < b.FailureRate {
		return zero, NewError(KindProvider, name, "injected failure (fake provider)")
	}
	return work(), nil
}

// FakeTranscriber simulates a speech-to-text provider. Output encodes
// the consumed byte count so tests can assert on exact transcripts.
type FakeTranscriber struct {
	behavior config.FakeBehavior
}

func NewFakeTranscriber(behavior config.FakeBehavior) *FakeTranscriber {
	return &FakeTranscriber{behavior: behavior}
}

func (p *FakeTranscriber) TranscribeBatch(ctx context.Context, audioBytes []byte, opts TranscribeOptions) (TranscribeResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultBatchTimeout
	}
	res, err := reliability.WithTimeout(ctx, timeout, func(ctx context.Context) (TranscribeResult, error) {
		return simulate(ctx, "fake-stt", p.behavior, func() TranscribeResult {
			return TranscribeResult{
				Text:       fmt.Sprintf("[fake-stt:%s bytes=%d]", language(opts), len(audioBytes)),
				Confidence: 0.9,
				Duration:   audioDuration(len(audioBytes), opts.SampleRateHz),
			}
		})
	})
	return res, Classify("fake-stt", err)
}

func (p *FakeTranscriber) TranscribeStream(ctx context.Context, chunks ChunkSource, opts TranscribeOptions) (TranscribeResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultStreamTimeout
	}
	res, err := reliability.WithTimeout(ctx, timeout, func(ctx context.Context) (TranscribeResult, error) {
		total := 0
		for {
			chunk, err := chunks.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return TranscribeResult{}, Classify("fake-stt", err)
			}
			total += len(chunk)
		}
		return simulate(ctx, "fake-stt", p.behavior, func() TranscribeResult {
			return TranscribeResult{
				Text:       fmt.Sprintf("[fake-stt-stream:%s bytes=%d]", language(opts), total),
				Confidence: 0.88,
				Duration:   audioDuration(total, opts.SampleRateHz),
			}
		})
	})
	return res, Classify("fake-stt", err)
}

// FakeCompleter echoes the last user message back as the assistant turn.
type FakeCompleter struct {
	behavior config.FakeBehavior
}

func NewFakeCompleter(behavior config.FakeBehavior) *FakeCompleter {
	return &FakeCompleter{behavior: behavior}
}

func (p *FakeCompleter) Complete(ctx context.Context, history []Message, opts CompleteOptions) (CompleteResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultCompleteTimeout
	}
	started := time.Now()
	res, err := reliability.WithTimeout(ctx, timeout, func(ctx context.Context) (CompleteResult, error) {
		return simulate(ctx, "fake-llm", p.behavior, func() CompleteResult {
			content := "Hello from the fake completer"
			for i := len(history) - 1; i >= 0; i-- {
				if history[i].Role == RoleUser {
					content = "Echo: " + history[i].Content
					break
				}
			}
			usage := Usage{CompletionTokens: wordCount(content)}
			for _, m := range history {
				usage.PromptTokens += wordCount(m.Content)
			}
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			return CompleteResult{
				Message: Message{Role: RoleAssistant, Content: content},
				Usage:   usage,
				Latency: time.Since(started),
			}
		})
	})
	return res, Classify("fake-llm", err)
}

// FakeSynthesizer produces silence sized proportionally to the input
// text, wrapped in a WAV container when that format is requested.
type FakeSynthesizer struct {
	behavior config.FakeBehavior
}

func NewFakeSynthesizer(behavior config.FakeBehavior) *FakeSynthesizer {
	return &FakeSynthesizer{behavior: behavior}
}

func (p *FakeSynthesizer) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (SynthesizeResult, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultSynthTimeout
	}
	res, err := reliability.WithTimeout(ctx, timeout, func(ctx context.Context) (SynthesizeResult, error) {
		return simulate(ctx, "fake-tts", p.behavior, func() SynthesizeResult {
			const bytesPerChar = 50
			size := len(text) * bytesPerChar
			if size < 2000 {
				size = 2000
			}
			pcm := make([]byte, size)

			format := opts.Format
			if !format.Valid() {
				format = FormatPCM16
			}
			out := pcm
			if format == FormatWAV {
				sampleRate := opts.SampleRateHz
				if sampleRate <= 0 {
					sampleRate = 16000
				}
				if wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate); err == nil {
					out = wav
				}
			}
			return SynthesizeResult{
				Audio:    out,
				MIMEType: format.MIMEType(),
				Duration: audioDuration(size, opts.SampleRateHz) * 10,
			}
		})
	})
	return res, Classify("fake-tts", err)
}

func language(opts TranscribeOptions) string {
	if opts.Language == "" {
		return "und"
	}
	return opts.Language
}

func audioDuration(bytes, sampleRateHz int) time.Duration {
	if sampleRateHz <= 0 {
		sampleRateHz = 16000
	}
	return time.Duration(bytes/sampleRateHz) * time.Millisecond
}

func wordCount(s string) int {
	count := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			inWord = false
			continue
		}
		if !inWord {
			count++
			inWord = true
		}
	}
	return count
}
