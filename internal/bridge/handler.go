// Package bridge runs the per-connection machinery: protocol routing,
// backpressure, the speech pipeline, and the chunk relay into streaming
// transcription.
package bridge

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/chunkqueue"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/provider"
	"github.com/ent0n29/voicebridge/internal/rails"
	"github.com/ent0n29/voicebridge/internal/session"
)

// sender is the outbound surface the router and pipeline write through.
type sender interface {
	Buffered() int64
	Send(kind int, data []byte) bool
	SendJSON(v any) bool
	SendSequence(frames ...frame) bool
	CloseWith(code int, reason string)
}

// Providers bundles the capability implementations the pipeline uses.
type Providers struct {
	STT provider.Transcriber
	LLM provider.Completer
	TTS provider.Synthesizer
}

type Handler struct {
	cfg       config.Config
	registry  *session.Registry
	metrics   *observability.Metrics
	providers Providers
	rails     *rails.Client
}

func NewHandler(cfg config.Config, registry *session.Registry, metrics *observability.Metrics, providers Providers, railsClient *rails.Client) *Handler {
	return &Handler{
		cfg:       cfg,
		registry:  registry,
		metrics:   metrics,
		providers: providers,
		rails:     railsClient,
	}
}

// ServeConn owns one upgraded websocket until it closes: registers the
// session, reads frames in arrival order, and tears everything down
// exactly once on the way out.
func (h *Handler) ServeConn(ws *websocket.Conn, callID string, sub session.Subprotocol) {
	conn := newConn(ws, callID, h.metrics)
	sess := session.New(callID, sub, conn)
	if err := h.registry.Add(sess); err != nil {
		// Backstop for the gate's pre-upgrade capacity check.
		conn.CloseWith(websocket.CloseTryAgainLater, err.Error())
		conn.shutdown()
		return
	}

	h.metrics.ConnectionEvents.WithLabelValues("connected").Inc()
	log.Printf("ws connected call_id=%s subprotocol=%s", callID, sub)

	var st *sttSession
	if sub == session.SubprotocolSTT {
		st = newSTTSession()
	}

	defer func() {
		if st != nil {
			st.end()
		}
		h.registry.Remove(sess.ID)
		conn.shutdown()
		h.metrics.ConnectionEvents.WithLabelValues("disconnected").Inc()
		log.Printf("ws closed call_id=%s duration_ms=%d", callID, time.Since(sess.ConnectedAt).Milliseconds())
	}()

	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	ws.SetPongHandler(func(string) error {
		sess.MarkAlive()
		return nil
	})

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.route(conn, sess, st, kind, data)
	}
}

func (h *Handler) route(conn sender, sess *session.Session, st *sttSession, kind int, data []byte) {
	if conn.Buffered() > h.cfg.BackpressureLimit {
		// Lossy by design: the inbound frame vanishes and neither peer
		// is told.
		h.metrics.DroppedFrames.WithLabelValues("backpressure").Inc()
		log.Printf("backpressure drop call_id=%s buffered=%d size=%d", sess.CallID, conn.Buffered(), len(data))
		return
	}
	h.metrics.WSFrames.WithLabelValues("inbound", frameKind(kind)).Inc()

	switch sess.Subprotocol {
	case session.SubprotocolRelay:
		h.routeRelay(conn, sess, kind, data)
	case session.SubprotocolSTT:
		h.routeSTT(conn, sess, st, kind, data)
	}
}

func (h *Handler) routeRelay(conn sender, sess *session.Session, kind int, data []byte) {
	switch kind {
	case websocket.BinaryMessage:
		conn.Send(websocket.BinaryMessage, data)
	case websocket.TextMessage:
		cmd, err := protocol.ParseClientCommand(data)
		if err != nil {
			// Decode failures and unknown commands degrade to an echo.
			conn.Send(websocket.TextMessage, data)
			return
		}
		switch cmd := cmd.(type) {
		case protocol.ChatTTS:
			h.runChatTTS(conn, sess, cmd)
		case protocol.ToolDispatch:
			h.runToolDispatch(conn, sess, cmd)
		default:
			conn.Send(websocket.TextMessage, data)
		}
	}
}

func (h *Handler) routeSTT(conn sender, sess *session.Session, st *sttSession, kind int, data []byte) {
	if st.phase() == phaseTerminal {
		return
	}
	switch kind {
	case websocket.BinaryMessage:
		st.start(func() { h.finalizeSTT(conn, sess, st) })
		if st.queue.Closed() {
			return
		}
		st.queue.Enqueue(data)
		total := sess.AddAudioBytes(int64(len(data)))
		if total > h.cfg.MaxSessionAudioBytes {
			st.end()
			h.metrics.ConnectionEvents.WithLabelValues("audio_limit").Inc()
			log.Printf("audio limit exceeded call_id=%s bytes=%d", sess.CallID, total)
			conn.CloseWith(websocket.CloseMessageTooBig, "audio limit exceeded")
			return
		}
		if sess.AllowPartial(h.cfg.PartialInterval) {
			conn.SendJSON(protocol.STTPartial{
				Type:  protocol.TypeSTTPartial,
				Bytes: total,
				Text:  fmt.Sprintf("received %d bytes", total),
			})
		}
	case websocket.TextMessage:
		if cmd, err := protocol.ParseClientCommand(data); err == nil {
			if _, ok := cmd.(protocol.STTEnd); ok {
				st.start(func() { h.finalizeSTT(conn, sess, st) })
				st.end()
				return
			}
		}
		// Only stt_end is recognized on this path.
		conn.Send(websocket.TextMessage, data)
	}
}

// Streaming-transcription session phases. Transitions are one-way:
// collecting -> ended -> finalizing -> terminal.
const (
	phaseCollecting int32 = iota
	phaseEnded
	phaseFinalizing
	phaseTerminal
)

type sttSession struct {
	queue     *chunkqueue.Queue
	state     atomic.Int32
	startOnce sync.Once
}

func newSTTSession() *sttSession {
	return &sttSession{queue: chunkqueue.New()}
}

func (st *sttSession) phase() int32 { return st.state.Load() }

// start launches the single transcription call for this session. Later
// calls are no-ops regardless of how many frames arrive.
func (st *sttSession) start(finalize func()) {
	st.startOnce.Do(func() {
		go finalize()
	})
}

// end closes the chunk queue, whether by control message, limit breach,
// or transport close.
func (st *sttSession) end() {
	if st.state.CompareAndSwap(phaseCollecting, phaseEnded) {
		st.queue.Close()
	}
}

func frameKind(kind int) string {
	switch kind {
	case websocket.BinaryMessage:
		return "binary"
	case websocket.TextMessage:
		return "text"
	default:
		return "other"
	}
}
