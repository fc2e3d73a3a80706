package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/history"
	"github.com/iabetor/pispeak/internal/llm"
	"github.com/iabetor/pispeak/internal/pipeline"
	"github.com/iabetor/pispeak/internal/stream"
	"github.com/iabetor/pispeak/internal/tts"
)

type fakeProvider struct {
	parts []string
	block bool
}

func (p *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, s := range p.parts {
			select {
			case ch <- llm.Chunk{Text: s}:
			case <-ctx.Done():
				return
			}
		}
		if p.block {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

type fakeEngine struct{}

func (fakeEngine) Name() string    { return "fake" }
func (fakeEngine) SampleRate() int { return 16000 }

func (fakeEngine) Synthesize(ctx context.Context, text string) (tts.AudioStream, error) {
	return &fakeAudio{data: make([]byte, 64)}, nil
}

type fakeAudio struct {
	data []byte
}

func (a *fakeAudio) Next() ([]byte, error) {
	if a.data == nil {
		return nil, io.EOF
	}
	d := a.data
	a.data = nil
	return d, nil
}

func (a *fakeAudio) Close() error { return nil }

type fakeHistory struct {
	mu      sync.Mutex
	records []history.Record
}

func (f *fakeHistory) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.records) {
		limit = len(f.records)
	}
	return f.records[:limit], nil
}

func (f *fakeHistory) Get(ctx context.Context, id string) (history.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ID == id {
			return r, nil
		}
	}
	return history.Record{}, history.ErrNotFound
}

type testEnv struct {
	mgr    *pipeline.Manager
	hist   *fakeHistory
	server *httptest.Server
}

func newTestEnv(t *testing.T, providers map[string]llm.Provider) *testEnv {
	t.Helper()
	mgr := pipeline.NewManager(pipeline.Options{}, audio.Discard(), stream.NewRegistry(20*time.Millisecond), nil)
	for name, p := range providers {
		mgr.RegisterSource(name, p)
	}
	mgr.SetEngine(fakeEngine{})
	hist := &fakeHistory{}
	server := httptest.NewServer(NewRouter(NewHandler(mgr, hist, nil), RouterConfig{}))
	t.Cleanup(func() {
		server.Close()
		mgr.Close()
	})
	return &testEnv{mgr: mgr, hist: hist, server: server}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, r io.Reader, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func waitIdle(t *testing.T, mgr *pipeline.Manager) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(mgr.Active()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("streams still active: %v", mgr.Active())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChat_StreamsText(t *testing.T) {
	env := newTestEnv(t, map[string]llm.Provider{
		"test": &fakeProvider{parts: []string{"Hello ", "world. ", "Bye."}},
	})

	resp := postJSON(t, env.server.URL+"/api/test", `{"messages":[{"sender":"user","text":"hi"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Stream-ID") == "" {
		t.Error("missing X-Stream-ID header")
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Hello world. Bye." {
		t.Errorf("body = %q", body)
	}
	waitIdle(t, env.mgr)
}

func TestChat_RequestErrors(t *testing.T) {
	env := newTestEnv(t, map[string]llm.Provider{"test": &fakeProvider{}})

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"invalid json", "/api/test", `{"messages":`, http.StatusBadRequest},
		{"no messages", "/api/test", `{"messages":[]}`, http.StatusBadRequest},
		{"empty text", "/api/test", `{"messages":[{"sender":"user","text":""}]}`, http.StatusBadRequest},
		{"bad sender", "/api/test", `{"messages":[{"sender":"robot","text":"hi"}]}`, http.StatusBadRequest},
		{"unknown source", "/api/nope", `{"messages":[{"sender":"user","text":"hi"}]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, env.server.URL+tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var body map[string]string
			decodeJSON(t, resp.Body, &body)
			if body["error"] == "" {
				t.Errorf("expected error message, got %+v", body)
			}
		})
	}
}

func TestStopAll(t *testing.T) {
	env := newTestEnv(t, map[string]llm.Provider{"slow": &fakeProvider{parts: []string{"thinking"}, block: true}})

	s, err := env.mgr.Start(context.Background(), "slow", []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Detach()

	resp := postJSON(t, env.server.URL+"/api/stop_all", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		Stopped int    `json:"stopped"`
	}
	decodeJSON(t, resp.Body, &body)
	if body.Stopped != 1 {
		t.Errorf("stopped = %d, want 1", body.Stopped)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish after stop_all")
	}
	if got := s.Report().Outcome; got != pipeline.OutcomeCancelled {
		t.Errorf("outcome = %s, want cancelled", got)
	}
}

func TestStop(t *testing.T) {
	env := newTestEnv(t, map[string]llm.Provider{"slow": &fakeProvider{block: true}})

	resp := postJSON(t, env.server.URL+"/api/stop/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", resp.StatusCode)
	}

	s, err := env.mgr.Start(context.Background(), "slow", []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Detach()

	resp = postJSON(t, env.server.URL+"/api/stop/"+s.ID(), "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	<-s.Done()
}

func TestListSourcesAndHealth(t *testing.T) {
	env := newTestEnv(t, map[string]llm.Provider{"b": &fakeProvider{}, "a": &fakeProvider{}})

	resp, err := http.Get(env.server.URL + "/api/sources")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var sources map[string][]string
	decodeJSON(t, resp.Body, &sources)
	if got := strings.Join(sources["sources"], ","); got != "a,b" {
		t.Errorf("sources = %q, want a,b", got)
	}

	resp, err = http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health map[string]interface{}
	decodeJSON(t, resp.Body, &health)
	if health["status"] != "ok" {
		t.Errorf("health = %+v", health)
	}
}

func TestStreamsHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.hist.records = []history.Record{
		{ID: "s2", Source: "openai", Outcome: "completed"},
		{ID: "s1", Source: "gemini", Outcome: "cancelled"},
	}

	resp, err := http.Get(env.server.URL + "/api/streams?limit=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list struct {
		Active []pipeline.ActiveStream `json:"active"`
		Recent []history.Record        `json:"recent"`
	}
	decodeJSON(t, resp.Body, &list)
	if len(list.Recent) != 1 || list.Recent[0].ID != "s2" {
		t.Errorf("recent = %+v", list.Recent)
	}

	resp, err = http.Get(env.server.URL + "/api/streams?limit=zero")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", resp.StatusCode)
	}

	resp, err = http.Get(env.server.URL + "/api/streams/s1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rec history.Record
	decodeJSON(t, resp.Body, &rec)
	if rec.Source != "gemini" {
		t.Errorf("record = %+v", rec)
	}

	resp, err = http.Get(env.server.URL + "/api/streams/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing record status = %d", resp.StatusCode)
	}
}

func TestStartStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{pipeline.ErrNoMessages, http.StatusBadRequest},
		{pipeline.ErrUnknownSource, http.StatusNotFound},
		{pipeline.ErrClosed, http.StatusServiceUnavailable},
		{pipeline.ErrNoEngine, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := startStatus(tt.err); got != tt.want {
			t.Errorf("startStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) wsResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var resp wsResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestWebSocket_Chat(t *testing.T) {
	env := newTestEnv(t, map[string]llm.Provider{
		"test": &fakeProvider{parts: []string{"Hi there. ", "How are you?"}},
	})
	conn := dialWS(t, env.server)

	req := wsRequest{Type: "chat", Source: "test", Messages: []chatMessage{{Sender: "user", Text: "hello"}}}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatal(err)
	}

	started := readWS(t, conn)
	if started.Type != "started" || started.StreamID == "" {
		t.Fatalf("first message = %+v", started)
	}

	var text bytes.Buffer
	for {
		msg := readWS(t, conn)
		if msg.StreamID != started.StreamID {
			t.Errorf("stream id = %q, want %q", msg.StreamID, started.StreamID)
		}
		if msg.Type == "chunk" {
			text.WriteString(msg.Text)
			continue
		}
		if msg.Type != "done" {
			t.Fatalf("unexpected message %+v", msg)
		}
		if msg.Outcome != string(pipeline.OutcomeCompleted) {
			t.Errorf("outcome = %q", msg.Outcome)
		}
		break
	}
	if text.String() != "Hi there. How are you?" {
		t.Errorf("text = %q", text.String())
	}
}

func TestWebSocket_Commands(t *testing.T) {
	env := newTestEnv(t, map[string]llm.Provider{"test": &fakeProvider{}})
	conn := dialWS(t, env.server)

	tests := []struct {
		req      wsRequest
		wantType string
	}{
		{wsRequest{Type: "dance"}, "error"},
		{wsRequest{Type: "chat", Source: "test"}, "error"},
		{wsRequest{Type: "chat", Source: "nope", Messages: []chatMessage{{Sender: "user", Text: "hi"}}}, "error"},
		{wsRequest{Type: "stop", StreamID: "missing"}, "stopped"},
		{wsRequest{Type: "stop_all"}, "stopped"},
	}
	for _, tt := range tests {
		if err := conn.WriteJSON(tt.req); err != nil {
			t.Fatal(err)
		}
		got := readWS(t, conn)
		if got.Type != tt.wantType {
			t.Errorf("%s: got %+v, want type %s", tt.req.Type, got, tt.wantType)
		}
		if tt.wantType == "stopped" && (got.Stopped == nil || *got.Stopped != 0) {
			t.Errorf("%s: stopped = %v, want 0", tt.req.Type, got.Stopped)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	mgr := pipeline.NewManager(pipeline.Options{}, audio.Discard(), nil, nil)
	defer mgr.Close()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pispeak_streams_total 1\n")
	})
	server := httptest.NewServer(NewRouter(NewHandler(mgr, nil, metrics), RouterConfig{MetricsPath: "/prom"}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/prom")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "pispeak_streams_total") {
		t.Errorf("status = %d, body = %q", resp.StatusCode, body)
	}

	resp, err = http.Get(server.URL + "/api/streams/any")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("history disabled status = %d, want 404", resp.StatusCode)
	}
}

func TestStreams_ActiveWithState(t *testing.T) {
	env := newTestEnv(t, map[string]llm.Provider{"slow": &fakeProvider{block: true}})

	s, err := env.mgr.Start(context.Background(), "slow", []llm.Message{{Role: llm.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Detach()

	resp, err := http.Get(env.server.URL + "/api/streams")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list struct {
		Active []pipeline.ActiveStream `json:"active"`
	}
	decodeJSON(t, resp.Body, &list)
	if len(list.Active) != 1 || list.Active[0].ID != s.ID() || list.Active[0].State != "Running" {
		t.Errorf("active = %+v, want [%s Running]", list.Active, s.ID())
	}

	resp, err = http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health struct {
		Active int `json:"active"`
	}
	decodeJSON(t, resp.Body, &health)
	if health.Active != 1 {
		t.Errorf("health active = %d, want 1", health.Active)
	}

	env.mgr.StopAll()
	<-s.Done()
}

func TestWebSocket_WriteFailureClosesSession(t *testing.T) {
	mgr := pipeline.NewManager(pipeline.Options{}, audio.Discard(), stream.NewRegistry(20*time.Millisecond), nil)
	defer mgr.Close()

	finished := make(chan struct{})
	upgrader := newUpgrader(nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(finished)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		tcp, ok := conn.UnderlyingConn().(*net.TCPConn)
		if !ok {
			t.Errorf("underlying conn is %T", conn.UnderlyingConn())
			conn.Close()
			return
		}
		// 只关闭写方向：读仍然成功，回复必然写失败
		tcp.CloseWrite()
		s := &wsSession{conn: conn, ctl: mgr}
		s.run(context.Background())
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(wsRequest{Type: "stop_all"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("session kept reading after a failed write")
	}
}

func TestWebSocket_HandleReportsWriteError(t *testing.T) {
	mgr := pipeline.NewManager(pipeline.Options{}, audio.Discard(), stream.NewRegistry(20*time.Millisecond), nil)
	defer mgr.Close()

	errs := make(chan error, 1)
	upgrader := newUpgrader(nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errs <- err
			return
		}
		conn.UnderlyingConn().Close()
		s := &wsSession{conn: conn, ctl: mgr}
		errs <- s.handle(context.Background(), wsRequest{Type: "stop", StreamID: "missing"})
	}))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	select {
	case err := <-errs:
		if err == nil {
			t.Error("handle returned nil after the connection was closed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handle did not return")
	}
}
