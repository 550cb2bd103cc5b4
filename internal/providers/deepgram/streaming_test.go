package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"interviewcopilot/internal/domain"
	"interviewcopilot/internal/ports"
)

func TestNewProviderDefaults(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{})
	if p.cfg.APIBaseURL != "https://api.deepgram.com/v1" {
		t.Fatalf("unexpected base url: %q", p.cfg.APIBaseURL)
	}
	if p.cfg.Model != "nova-2" || p.cfg.Language != "en-US" {
		t.Fatalf("unexpected model/language: %q %q", p.cfg.Model, p.cfg.Language)
	}
	if p.cfg.KeepAliveInterval != 8*time.Second {
		t.Fatalf("unexpected keepalive: %s", p.cfg.KeepAliveInterval)
	}
}

func TestProviderStartStreamingRequiresAPIKey(t *testing.T) {
	t.Parallel()

	p := NewProvider(Config{APIKey: ""})
	if _, err := p.StartStreaming(context.Background(), ports.StreamingConfig{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestBuildListenURLDefaults(t *testing.T) {
	t.Parallel()

	url, err := buildListenURL(Config{APIBaseURL: "https://api.deepgram.com/v1", Model: "nova-2"}, ports.StreamingConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"wss://api.deepgram.com/v1/listen",
		"encoding=linear16",
		"sample_rate=48000",
		"channels=1",
		"punctuate=false",
	} {
		if !strings.Contains(url, want) {
			t.Fatalf("expected %q in url: %s", want, url)
		}
	}
	if strings.Contains(url, "endpointing") || strings.Contains(url, "vad_events") {
		t.Fatalf("unexpected optional params: %s", url)
	}
}

func TestBuildListenURLSessionOptions(t *testing.T) {
	t.Parallel()

	url, err := buildListenURL(
		Config{
			APIBaseURL:    "http://localhost:8080/v1/",
			Model:         "m",
			Language:      "en-US",
			SmartFormat:   true,
			Punctuate:     true,
			EndpointingMs: 300,
			VADEvents:     true,
		},
		ports.StreamingConfig{Encoding: "linear16", SampleRate: 16000, Channels: 2, InterimResults: true},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"ws://localhost:8080/v1/listen",
		"language=en-US",
		"smart_format=true",
		"punctuate=true",
		"endpointing=300",
		"vad_events=true",
		"interim_results=true",
		"sample_rate=16000",
		"channels=2",
	} {
		if !strings.Contains(url, want) {
			t.Fatalf("expected %q in url: %s", want, url)
		}
	}
}

func TestBuildListenURLInvalidBase(t *testing.T) {
	t.Parallel()

	if _, err := buildListenURL(Config{APIBaseURL: ":// bad"}, ports.StreamingConfig{}); err == nil {
		t.Fatalf("expected invalid base url error")
	}
}

func TestStreamingSessionEndToEnd(t *testing.T) {
	t.Parallel()

	server := newFakeListenServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata","request_id":"abc"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello","confidence":0.5}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.9}]}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"UtteranceEnd"}`))
	})

	p := NewProvider(Config{APIKey: "secret", APIBaseURL: server.URL()})
	session, err := p.StartStreaming(context.Background(), ports.StreamingConfig{InterimResults: true, ConnectTimeout: time.Second})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := session.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("send: %v", err)
	}

	first := nextEvent(t, session.Events())
	if first.Text != "hello" || first.IsFinal {
		t.Fatalf("unexpected interim: %+v", first)
	}
	second := nextEvent(t, session.Events())
	if second.Text != "hello world" || !second.IsFinal || !second.SpeechFinal || second.Confidence != 0.9 {
		t.Fatalf("unexpected final: %+v", second)
	}

	if err := session.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	if err := session.Wait(); err != nil {
		t.Fatalf("expected clean end, got %v", err)
	}

	if got := server.authorization(); got != "Token secret" {
		t.Fatalf("unexpected auth header: %q", got)
	}
	if !server.sawBinary() {
		t.Fatalf("expected audio to reach the server")
	}
	if !server.sawText(`{"type":"CloseStream"}`) {
		t.Fatalf("expected CloseStream on close send")
	}
}

func TestStreamingSessionKeepAlive(t *testing.T) {
	t.Parallel()

	server := newFakeListenServer(t, nil)
	p := NewProvider(Config{APIKey: "k", APIBaseURL: server.URL(), KeepAliveInterval: 10 * time.Millisecond})
	session, err := p.StartStreaming(context.Background(), ports.StreamingConfig{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer session.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !server.sawText(`{"type":"KeepAlive"}`) {
		if time.Now().After(deadline) {
			t.Fatalf("expected keepalive message")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamingSessionProviderError(t *testing.T) {
	t.Parallel()

	server := newFakeListenServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Error","description":"bad audio"}`))
	})
	p := NewProvider(Config{APIKey: "k", APIBaseURL: server.URL()})
	session, err := p.StartStreaming(context.Background(), ports.StreamingConfig{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := session.Wait(); err == nil || err.Error() != "bad audio" {
		t.Fatalf("expected provider error, got %v", err)
	}
	if _, ok := <-session.Events(); ok {
		t.Fatalf("expected events channel closed")
	}
}

func TestStreamingSessionCloseWhileEventsUnread(t *testing.T) {
	t.Parallel()

	server := newFakeListenServer(t, func(conn *websocket.Conn) {
		for i := 0; i < 200; i++ {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"is_final":false,"transcript":"spam"}`))
		}
	})
	p := NewProvider(Config{APIKey: "k", APIBaseURL: server.URL()})
	session, err := p.StartStreaming(context.Background(), ports.StreamingConfig{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- session.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("close blocked on unread events")
	}
}

func TestStartStreamingDialFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	p := NewProvider(Config{APIKey: "k", APIBaseURL: server.URL})
	_, err := p.StartStreaming(context.Background(), ports.StreamingConfig{ConnectTimeout: time.Second})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 dial error, got %v", err)
	}
}

func TestStreamingSessionSendAudioClosed(t *testing.T) {
	t.Parallel()

	s := &streamingSession{sendClosed: true}
	if err := s.SendAudio([]byte("x")); err == nil {
		t.Fatalf("expected closed error")
	}
	if err := s.SendAudio(nil); err != nil {
		t.Fatalf("empty chunk should be ignored, got %v", err)
	}
}

func TestStreamingSessionCloseSendIsIdempotent(t *testing.T) {
	t.Parallel()

	s := &streamingSession{audio: make(chan []byte, 1)}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CloseSend(); err != nil {
		t.Fatalf("unexpected second error: %v", err)
	}
}

func TestStreamingSessionSetErr(t *testing.T) {
	t.Parallel()

	s := &streamingSession{}
	s.setErr(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "closed"})
	if s.waitErr() != nil {
		t.Fatalf("expected close error to be ignored")
	}

	s.setErr(errors.New("first"))
	s.setErr(errors.New("second"))
	if s.waitErr() == nil || s.waitErr().Error() != "first" {
		t.Fatalf("expected first error to win")
	}
}

func nextEvent(t *testing.T, events <-chan domain.TranscriptionEvent) domain.TranscriptionEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("events closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return domain.TranscriptionEvent{}
}

type fakeListenServer struct {
	server *httptest.Server

	mu     sync.Mutex
	auth   string
	binary int
	texts  []string
}

// newFakeListenServer upgrades /v1/listen, runs script, then echoes the
// CloseStream handshake by closing normally.
func newFakeListenServer(t *testing.T, script func(conn *websocket.Conn)) *fakeListenServer {
	t.Helper()
	f := &fakeListenServer{}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/listen" {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		f.auth = r.Header.Get("Authorization")
		f.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if script != nil {
			script(conn)
		}
		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			if kind == websocket.BinaryMessage {
				f.binary++
			} else {
				f.texts = append(f.texts, string(payload))
			}
			f.mu.Unlock()

			var control struct {
				Type string `json:"type"`
			}
			if kind == websocket.TextMessage && json.Unmarshal(payload, &control) == nil && control.Type == "CloseStream" {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeListenServer) URL() string { return f.server.URL + "/v1" }

func (f *fakeListenServer) authorization() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth
}

func (f *fakeListenServer) sawBinary() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.binary > 0
}

func (f *fakeListenServer) sawText(want string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, text := range f.texts {
		if text == want {
			return true
		}
	}
	return false
}
