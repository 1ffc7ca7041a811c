package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/provider"
	"github.com/ent0n29/voicebridge/internal/session"
)

// runChatTTS sequences completion then synthesis and emits exactly one
// result frame followed by one binary audio frame, or a single error
// frame. Persistence is fired after the response and never blocks it.
func (h *Handler) runChatTTS(conn sender, sess *session.Session, cmd protocol.ChatTTS) {
	started := time.Now()

	format := provider.AudioFormat(cmd.Format)
	if !format.Valid() {
		format = provider.FormatPCM16
	}

	history := []provider.Message{{Role: provider.RoleUser, Content: cmd.Text}}
	completion, err := h.providers.LLM.Complete(sess.Context(), history, provider.CompleteOptions{
		Timeout: h.cfg.CompletionTimeout,
	})
	if err != nil {
		h.emitChatError(conn, sess, err)
		return
	}

	reply := completion.Message.Content
	synth, err := h.providers.TTS.Synthesize(sess.Context(), reply, provider.SynthesizeOptions{
		Format:  format,
		Timeout: h.cfg.SynthesisTimeout,
	})
	if err != nil {
		h.emitChatError(conn, sess, err)
		return
	}

	meta, err := json.Marshal(protocol.ChatTTSResult{
		Type:     protocol.TypeChatTTSResult,
		Text:     reply,
		MIMEType: synth.MIMEType,
		Bytes:    len(synth.Audio),
	})
	if err != nil {
		h.emitChatError(conn, sess, err)
		return
	}

	// Metadata and audio go out back to back or not at all; partial
	// audio must never reach the peer.
	conn.SendSequence(
		frame{kind: websocket.TextMessage, data: meta},
		frame{kind: websocket.BinaryMessage, data: synth.Audio},
	)
	h.metrics.ObservePipelineLatency("chat_tts", time.Since(started))

	if h.rails != nil && h.rails.Enabled() {
		go h.persistExchange(sess.CallID, cmd.Text, reply)
	}
}

func (h *Handler) emitChatError(conn sender, sess *session.Session, err error) {
	h.countProviderError(err)
	log.Printf("chat_tts pipeline failed call_id=%s: %v", sess.CallID, err)
	conn.SendJSON(protocol.ChatTTSError{
		Type:  protocol.TypeChatTTSError,
		Error: errorMessage(err),
	})
}

// runToolDispatch forwards the invocation and reports the collaborator's
// answer either way; a collaborator failure never crashes the session.
func (h *Handler) runToolDispatch(conn sender, sess *session.Session, cmd protocol.ToolDispatch) {
	if h.rails == nil || !h.rails.Enabled() {
		conn.SendJSON(protocol.ToolResult{
			Type:  protocol.TypeToolResult,
			Tool:  cmd.Tool,
			Error: "no tool backend configured",
		})
		return
	}

	started := time.Now()
	result, err := h.rails.DispatchTool(sess.Context(), cmd.Tool, cmd.Payload)
	out := protocol.ToolResult{
		Type: protocol.TypeToolResult,
		Tool: cmd.Tool,
	}
	if err != nil {
		h.countProviderError(err)
		log.Printf("tool dispatch failed call_id=%s tool=%s: %v", sess.CallID, cmd.Tool, err)
		out.Error = errorMessage(err)
	} else {
		out.OK = true
		out.Result = result
	}
	conn.SendJSON(out)
	h.metrics.ObservePipelineLatency("tool_dispatch", time.Since(started))
}

// finalizeSTT runs the session's single streaming transcription call,
// consuming the chunk queue until it closes, then emits the final or
// error frame. The call aborts promptly when the transport goes away.
func (h *Handler) finalizeSTT(conn sender, sess *session.Session, st *sttSession) {
	started := time.Now()
	result, err := h.providers.STT.TranscribeStream(sess.Context(), st.queue, provider.TranscribeOptions{
		Timeout: h.cfg.TranscribeStreamTimeout,
	})

	st.state.CompareAndSwap(phaseEnded, phaseFinalizing)
	defer st.state.Store(phaseTerminal)

	if err != nil {
		h.countProviderError(err)
		log.Printf("stt finalize failed call_id=%s: %v", sess.CallID, err)
		conn.SendJSON(protocol.STTError{
			Type:  protocol.TypeSTTError,
			Error: errorMessage(err),
		})
		return
	}

	conn.SendJSON(protocol.STTFinal{
		Type:       protocol.TypeSTTFinal,
		Text:       result.Text,
		Confidence: result.Confidence,
		DurationMs: result.Duration.Milliseconds(),
		LatencyMs:  time.Since(started).Milliseconds(),
	})
	h.metrics.ObservePipelineLatency("stt_stream", time.Since(started))
}

// persistExchange is the best-effort write behind a served chat_tts
// response. It runs detached from the session so a dropped connection
// cannot strand it, and failures are logged and swallowed.
func (h *Handler) persistExchange(callID, userText, assistantText string) {
	ctx := context.Background()
	if err := h.rails.AppendMessage(ctx, callID, "user", userText); err != nil {
		log.Printf("persist user message call_id=%s: %v", callID, err)
		return
	}
	if err := h.rails.AppendMessage(ctx, callID, "assistant", assistantText); err != nil {
		log.Printf("persist assistant message call_id=%s: %v", callID, err)
	}
}

func (h *Handler) countProviderError(err error) {
	name := "unknown"
	var pe *provider.Error
	if errors.As(err, &pe) && pe.Provider != "" {
		name = pe.Provider
	}
	h.metrics.ProviderErrors.WithLabelValues(name, string(provider.KindOf(err))).Inc()
}

func errorMessage(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return string(pe.Kind) + ": " + pe.Message
	}
	return err.Error()
}
