package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/bridge"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/provider"
	"github.com/ent0n29/voicebridge/internal/session"
)

var metricsSeq atomic.Int64

func testConfig() config.Config {
	return config.Config{
		MaxMessageBytes:         1 << 20,
		BackpressureLimit:       5 << 20,
		MaxConnections:          8,
		MaxSessionAudioBytes:    1 << 20,
		PartialInterval:         time.Hour,
		CompletionTimeout:       5 * time.Second,
		SynthesisTimeout:        5 * time.Second,
		TranscribeStreamTimeout: 10 * time.Second,
	}
}

func newTestServer(t *testing.T, cfg config.Config) (*httptest.Server, *session.Registry) {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", metricsSeq.Add(1)))
	registry := session.NewRegistry(cfg.MaxConnections)
	providers := bridge.Providers{
		STT: provider.NewFakeTranscriber(config.FakeBehavior{}),
		LLM: provider.NewFakeCompleter(config.FakeBehavior{}),
		TTS: provider.NewFakeSynthesizer(config.FakeBehavior{}),
	}
	handler := bridge.NewHandler(cfg, registry, metrics, providers, nil)
	srv := New(cfg, registry, handler, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, registry
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, rawURL string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, header)
	if err != nil {
		t.Fatalf("dial %s: %v", rawURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHealthReportsSessionsAndCapacity(t *testing.T) {
	ts, _ := newTestServer(t, testConfig())

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v", body["status"])
	}
	if body["capacity"].(float64) != 8 {
		t.Fatalf("capacity = %v, want 8", body["capacity"])
	}
	if _, ok := body["uptime_s"]; !ok {
		t.Fatalf("missing uptime_s: %v", body)
	}
}

func TestRelayChatTTSScenario(t *testing.T) {
	ts, _ := newTestServer(t, testConfig())
	conn := dial(t, wsURL(ts, "/stream?call_id=c1"), nil)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_tts","text":"hello","format":"wav"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read result frame: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("first frame kind = %d, want text", kind)
	}
	var result protocol.ChatTTSResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Type != protocol.TypeChatTTSResult || result.Text != "Echo: hello" {
		t.Fatalf("result = %+v", result)
	}
	if result.MIMEType != "audio/wav" {
		t.Fatalf("mimeType = %q, want audio/wav", result.MIMEType)
	}

	kind, audio, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read audio frame: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("second frame kind = %d, want binary", kind)
	}
	if len(audio) != result.Bytes {
		t.Fatalf("audio length = %d, metadata bytes = %d", len(audio), result.Bytes)
	}
}

func TestRelayEchoScenario(t *testing.T) {
	ts, _ := newTestServer(t, testConfig())
	conn := dial(t, wsURL(ts, "/stream"), nil)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("plain text")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage || string(data) != "plain text" {
		t.Fatalf("echo = kind %d %q, want text %q", kind, data, "plain text")
	}
}

func TestStreamingTranscriptionScenario(t *testing.T) {
	ts, _ := newTestServer(t, testConfig())
	conn := dial(t, wsURL(ts, "/stream/stt?call_id=c2"), nil)

	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 3000)); err != nil {
			t.Fatalf("write chunk: %v", err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stt_end"}`)); err != nil {
		t.Fatalf("write stt_end: %v", err)
	}

	var final protocol.STTFinal
	partialsAfterFinal := false
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("non-JSON frame: %q", data)
		}
		if env.Type == protocol.TypeSTTFinal {
			if err := json.Unmarshal(data, &final); err != nil {
				t.Fatalf("decode stt_final: %v", err)
			}
			break
		}
	}
	if final.Text != "[fake-stt-stream:und bytes=9000]" {
		t.Fatalf("final text = %q", final.Text)
	}

	// Nothing more should arrive after the final frame.
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		var env protocol.Envelope
		_ = json.Unmarshal(data, &env)
		if env.Type == protocol.TypeSTTPartial {
			partialsAfterFinal = true
		}
	}
	if partialsAfterFinal {
		t.Fatalf("stt_partial emitted after stt_final")
	}
}

func TestCapacityRejectedAtUpgrade(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	ts, registry := newTestServer(t, cfg)

	_ = dial(t, wsURL(ts, "/stream?call_id=first"), nil)
	deadline := time.Now().Add(2 * time.Second)
	for registry.Count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, "/stream?call_id=second"), nil)
	if err == nil {
		t.Fatalf("second dial should fail at upgrade")
	}
	if res == nil || res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("rejection status = %v, want 503", res)
	}
	if registry.Count() != 1 {
		t.Fatalf("session count = %d, want 1 (no session for rejected handshake)", registry.Count())
	}
}

func TestOriginAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://ok.example"}
	ts, _ := newTestServer(t, cfg)

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, "/stream"), header)
	if err == nil {
		t.Fatalf("dial with bad origin should fail")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("rejection status = %v, want 403", res)
	}

	good := http.Header{"Origin": []string{"https://ok.example"}}
	conn := dial(t, wsURL(ts, "/stream"), good)
	_ = conn
}

func TestCredentialCheck(t *testing.T) {
	cfg := testConfig()
	cfg.AuthToken = "sekrit"
	ts, _ := newTestServer(t, cfg)

	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, "/stream"), nil)
	if err == nil {
		t.Fatalf("dial without credential should fail")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("rejection status = %v, want 401", res)
	}

	// Query token form.
	_ = dial(t, wsURL(ts, "/stream?token=sekrit"), nil)

	// Bearer header form.
	header := http.Header{"Authorization": []string{"Bearer sekrit"}}
	_ = dial(t, wsURL(ts, "/stream"), header)
}

func TestUnknownPathRejected(t *testing.T) {
	ts, _ := newTestServer(t, testConfig())
	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts, "/stream/other"), nil)
	if err == nil {
		t.Fatalf("dial on unknown path should fail")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("rejection status = %v, want 404", res)
	}
}
