package bridge

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/observability"
)

const (
	writeTimeout     = 10 * time.Second
	controlTimeout   = 5 * time.Second
	outboundCapacity = 256
)

type frame struct {
	kind int
	data []byte
}

// Conn serializes all data writes for one websocket through a single
// writer goroutine and tracks the byte volume sitting in its queue. That
// gauge is the backpressure signal the router consults per inbound frame.
type Conn struct {
	ws      *websocket.Conn
	callID  string
	metrics *observability.Metrics

	buffered atomic.Int64
	failed   atomic.Bool

	mu     sync.Mutex
	closed bool
	out    chan frame

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, callID string, metrics *observability.Metrics) *Conn {
	c := &Conn{
		ws:      ws,
		callID:  callID,
		metrics: metrics,
		out:     make(chan frame, outboundCapacity),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Buffered returns the byte volume queued but not yet written.
func (c *Conn) Buffered() int64 { return c.buffered.Load() }

// Send queues one outbound frame. Dropped (with a metric) if the
// connection is closed or the queue is saturated.
func (c *Conn) Send(kind int, data []byte) bool {
	return c.enqueue(frame{kind: kind, data: data})
}

// SendJSON queues one outbound text frame with a JSON payload.
func (c *Conn) SendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("marshal outbound frame call_id=%s: %v", c.callID, err)
		return false
	}
	return c.Send(websocket.TextMessage, data)
}

// SendSequence queues several frames atomically: either all of them are
// accepted in order or none are. Used where the protocol forbids a
// half-sent result, such as a result frame followed by its audio.
func (c *Conn) SendSequence(frames ...frame) bool {
	return c.enqueue(frames...)
}

func (c *Conn) enqueue(frames ...frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failed.Load() {
		return false
	}
	if len(c.out)+len(frames) > cap(c.out) {
		c.metrics.DroppedFrames.WithLabelValues("queue_full").Inc()
		return false
	}
	for _, f := range frames {
		c.buffered.Add(int64(len(f.data)))
		c.out <- f
	}
	return true
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	for f := range c.out {
		c.buffered.Add(-int64(len(f.data)))
		if c.failed.Load() {
			continue
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
			// A transport-level send failure escalates to abnormal close;
			// it never propagates back into the router.
			log.Printf("send error call_id=%s: %v", c.callID, err)
			c.metrics.ConnectionEvents.WithLabelValues("send_error").Inc()
			c.failed.Store(true)
			c.closeWith(websocket.CloseInternalServerErr, "send failure")
		}
	}
}

// Ping sends a liveness probe. Safe concurrently with the writer since
// gorilla allows control frames alongside a data writer.
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlTimeout))
}

// Terminate forcibly tears the transport down without a close handshake.
func (c *Conn) Terminate() {
	c.failed.Store(true)
	_ = c.ws.Close()
}

// CloseWith attempts a close handshake with the given code, then closes.
func (c *Conn) CloseWith(code int, reason string) {
	c.closeWith(code, reason)
}

func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(controlTimeout))
		_ = c.ws.Close()
	})
}

// shutdown stops the writer and releases the transport. Called once by
// the connection handler on its way out.
func (c *Conn) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(writeTimeout):
	}
	c.closeWith(websocket.CloseNormalClosure, "")
}
