package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/veltrane/livedub/pkg/voice"
	"github.com/veltrane/livedub/pkg/voice/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is closed when the test finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice        string `json:"voice"`
			Instructions string `json:"instructions"`
			Tools        []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"tools"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
		} `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	cfg := voice.SessionConfig{
		Voice:        voice.Identity{ID: "ash"},
		Instructions: "Speak with gravitas.",
		Tools:        []voice.ToolDefinition{{Name: "note_scene", Description: "Records a scene note"}},
	}
	sess, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if msg.Session.Voice != "ash" {
			t.Errorf("voice = %q; want ash", msg.Session.Voice)
		}
		if msg.Session.Instructions != "Speak with gravitas." {
			t.Errorf("instructions = %q", msg.Session.Instructions)
		}
		if msg.Session.InputAudioFormat != "pcm16" || msg.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("audio formats = %q/%q; want pcm16/pcm16",
				msg.Session.InputAudioFormat, msg.Session.OutputAudioFormat)
		}
		if len(msg.Session.Tools) == 0 {
			t.Error("tools should be non-empty")
		} else if msg.Session.Tools[0].Name != "note_scene" {
			t.Errorf("tool[0].name = %q; want note_scene", msg.Session.Tools[0].Name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestConnect_SendsAuthHeaders(t *testing.T) {
	t.Parallel()

	authHeader := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("my-secret-token", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case auth := <-authHeader:
		if auth != "Bearer my-secret-token" {
			t.Errorf("Authorization = %q; want Bearer my-secret-token", auth)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_RetriesOnceAfterDialFailure(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	}))
	t.Cleanup(srv.Close)

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)), openai.WithRetryBackoff(10*time.Millisecond))
	sess, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect after retry: %v", err)
	}
	defer sess.Close()

	if got := attempts.Load(); got != 2 {
		t.Errorf("dial attempts = %d; want 2", got)
	}
}

func TestConnect_SecondFailureAborts(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)), openai.WithRetryBackoff(10*time.Millisecond))
	if _, err := p.Connect(context.Background(), voice.SessionConfig{}); err == nil {
		t.Fatal("Connect should fail after the retry also fails")
	}

	if got := attempts.Load(); got != 2 {
		t.Errorf("dial attempts = %d; want exactly 2", got)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Connect(ctx, voice.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_CreatesConversationItemAndResponse(t *testing.T) {
	t.Parallel()

	type itemMsg struct {
		Type string `json:"type"`
		Item struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}

	items := make(chan itemMsg, 1)
	responses := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Consume session.update.
		var raw map[string]any
		readJSON(t, conn, &raw)

		var item itemMsg
		readJSON(t, conn, &item)
		items <- item

		var resp struct {
			Type string `json:"type"`
		}
		readJSON(t, conn, &resp)
		responses <- resp.Type

		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.Send("(slowly) go now ... (long pause)"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case item := <-items:
		if item.Type != "conversation.item.create" {
			t.Errorf("type = %q; want conversation.item.create", item.Type)
		}
		if item.Item.Role != "user" {
			t.Errorf("role = %q; want user", item.Item.Role)
		}
		if len(item.Item.Content) == 0 {
			t.Fatal("item has no content")
		}
		if item.Item.Content[0].Type != "input_text" {
			t.Errorf("content type = %q; want input_text", item.Item.Content[0].Type)
		}
		if item.Item.Content[0].Text != "(slowly) go now ... (long pause)" {
			t.Errorf("content text = %q", item.Item.Content[0].Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for conversation item")
	}

	select {
	case typ := <-responses:
		if typ != "response.create" {
			t.Errorf("follow-up type = %q; want response.create", typ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.create")
	}
}

func TestSend_AfterClose_ReturnsErrSessionClosed(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = sess.Close()

	if err := sess.Send("too late"); err != voice.ErrSessionClosed {
		t.Errorf("Send after Close = %v; want ErrSessionClosed", err)
	}
}

// ── Audio ─────────────────────────────────────────────────────────────────────

func TestAudio_DeliversDecodedPCM(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": encoded,
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case chunk, ok := <-sess.Audio():
		if !ok {
			t.Fatal("Audio channel closed unexpectedly")
		}
		if string(chunk) != string(wantPCM) {
			t.Errorf("audio chunk = %v; want %v", chunk, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

// ── Transcriptions ────────────────────────────────────────────────────────────

func TestTranscriptions_DeltasThenFinalMarker(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hello "})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "world!"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	var got []voice.Transcription
	timeout := time.After(3 * time.Second)
	for len(got) < 3 {
		select {
		case tr, ok := <-sess.Transcriptions():
			if !ok {
				t.Fatal("Transcriptions channel closed unexpectedly")
			}
			got = append(got, tr)
		case <-timeout:
			t.Fatalf("timeout: received %d transcription events, want 3", len(got))
		}
	}

	if got[0].Text != "Hello " || got[0].Final {
		t.Errorf("event 0 = %+v; want non-final %q", got[0], "Hello ")
	}
	if got[1].Text != "world!" || got[1].Final {
		t.Errorf("event 1 = %+v; want non-final %q", got[1], "world!")
	}
	if !got[2].Final {
		t.Errorf("event 2 = %+v; want final marker", got[2])
	}
}

// ── Interrupted ───────────────────────────────────────────────────────────────

func TestInterrupted_SignalledOnResponseCancelled(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{"type": "response.cancelled"})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case <-sess.Interrupted():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for interrupted signal")
	}
}

func TestInterrupt_SendsResponseCancel(t *testing.T) {
	t.Parallel()

	cancelReceived := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		var msg struct {
			Type string `json:"type"`
		}
		readJSON(t, conn, &msg)
		cancelReceived <- msg.Type

		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	select {
	case typ := <-cancelReceived:
		if typ != "response.cancel" {
			t.Errorf("type = %q; want response.cancel", typ)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for response.cancel")
	}
}

// ── Tool calls ────────────────────────────────────────────────────────────────

func TestOnToolCall_RoutesCallAndReturnsResult(t *testing.T) {
	t.Parallel()

	toolResponse := make(chan string, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"name":      "note_scene",
			"arguments": `{"scene":"act 2"}`,
			"call_id":   "call-7",
		})

		// Read conversation.item.create carrying the tool result.
		var resp map[string]any
		readJSON(t, conn, &resp)
		data, _ := json.Marshal(resp)
		toolResponse <- string(data)

		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	handlerCalled := make(chan string, 1)
	sess.OnToolCall(func(name, args string) (string, error) {
		handlerCalled <- name + ":" + args
		return `{"ok":true}`, nil
	})

	select {
	case call := <-handlerCalled:
		if !strings.HasPrefix(call, "note_scene:") {
			t.Errorf("handler called with %q; want prefix note_scene:", call)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool handler")
	}

	select {
	case resp := <-toolResponse:
		if !strings.Contains(resp, "conversation.item.create") {
			t.Errorf("expected conversation.item.create in response, got %q", resp)
		}
		if !strings.Contains(resp, "call-7") {
			t.Errorf("expected call_id call-7 in response, got %q", resp)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool response")
	}
}

// ── Close and errors ──────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestClose_SignalsClosedAndClosesChannels(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_ = sess.Close()

	select {
	case <-sess.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Closed")
	}

	if _, open := <-sess.Audio(); open {
		t.Error("Audio channel should be closed after Close()")
	}
	if _, open := <-sess.Transcriptions(); open {
		t.Error("Transcriptions channel should be closed after Close()")
	}
}

func TestErr_SetOnServerErrorEvent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "server_error",
				"message": "voice backend overloaded",
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := p.Connect(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	deadline := time.Now().Add(3 * time.Second)
	for sess.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sess.Err(); got == nil || !strings.Contains(got.Error(), "voice backend overloaded") {
		t.Errorf("Err() = %v; want error containing %q", got, "voice backend overloaded")
	}
}
