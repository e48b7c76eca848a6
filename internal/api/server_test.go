package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/ghostvoice/internal/api"
	"github.com/MrWong99/ghostvoice/internal/app"
	"github.com/MrWong99/ghostvoice/internal/dnc"
	"github.com/MrWong99/ghostvoice/internal/health"
	"github.com/MrWong99/ghostvoice/internal/incident"
	"github.com/MrWong99/ghostvoice/internal/orchestrator"
	"github.com/MrWong99/ghostvoice/internal/persona"
	"github.com/MrWong99/ghostvoice/internal/prosody"
	"github.com/MrWong99/ghostvoice/internal/resilience"
	"github.com/MrWong99/ghostvoice/internal/safety"
	"github.com/MrWong99/ghostvoice/internal/segment"
	"github.com/MrWong99/ghostvoice/internal/telemetry"
	"github.com/MrWong99/ghostvoice/pkg/provider/tts"
	ttsmock "github.com/MrWong99/ghostvoice/pkg/provider/tts/mock"
)

const blockedNumber = "555-010-7777"

func echo(_ context.Context, text string, _ tts.VoiceProfile) ([][]byte, error) {
	return [][]byte{[]byte(text)}, nil
}

type memRaiser struct{ m *incident.Memory }

func (r memRaiser) Raise(ctx context.Context, rec incident.Record) bool {
	return r.m.Publish(ctx, rec) == nil
}

type testEnv struct {
	srv       *httptest.Server
	sessions  *app.SessionManager
	incidents *incident.Memory
	governor  *resilience.Governor
}

type envOption func(*envConfig)

type envConfig struct {
	rate  float64
	synth func(ctx context.Context, text string, voice tts.VoiceProfile) ([][]byte, error)
	keys  []string
}

// withRate limits utterances per stream to r per second with a burst of one.
func withRate(r float64) envOption { return func(c *envConfig) { c.rate = r } }

func withSynth(f func(ctx context.Context, text string, voice tts.VoiceProfile) ([][]byte, error)) envOption {
	return func(c *envConfig) { c.synth = f }
}

func withAPIKeys(keys ...string) envOption { return func(c *envConfig) { c.keys = keys } }

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := envConfig{synth: echo}
	for _, o := range opts {
		o(&cfg)
	}

	cat, err := persona.NewCatalog("stephen", persona.Defaults()...)
	if err != nil {
		t.Fatal(err)
	}
	corr := telemetry.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = corr.Run(ctx) }()

	env := &testEnv{
		incidents: incident.NewMemory(0),
		governor:  resilience.New(resilience.Config{Name: "mock"}),
	}
	env.sessions = app.NewSessionManager(app.CallDeps{
		Provider:   &ttsmock.Provider{SynthesizeFunc: cfg.synth},
		Governor:   env.governor,
		Prosody:    prosody.New(),
		Segmenter:  segment.New(0),
		Correlator: corr,
		Incidents:  memRaiser{env.incidents},
		DNC:        dnc.NewStatic(blockedNumber),
	}, orchestrator.Config{}, app.Policy{Catalog: cat, Gate: safety.NewGate()})

	s := api.New(api.Deps{
		Sessions:    env.sessions,
		Correlator:  corr,
		Governor:    env.governor,
		Incidents:   env.incidents,
		Checkers:    []health.Checker{health.Breaker("tts_breaker", env.governor)},
		StreamRate:  cfg.rate,
		StreamBurst: 1,
		APIKeys:     cfg.keys,
	})
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		env.sessions.CloseAll()
		env.srv.Close()
		cancel()
	})
	return env
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", path, err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) api.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg api.ServerMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func write(t *testing.T, conn *websocket.Conn, msg api.ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStream_SpeakRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := env.dial(t, "/v1/calls/call-1/stream?persona=nova&language=en&consent=true")

	opened := read(t, conn)
	if opened.Type != api.MsgOpened || opened.CallID != "call-1" || opened.TraceID == "" {
		t.Fatalf("first message = %+v", opened)
	}

	write(t, conn, api.ClientMessage{Type: api.MsgUtterance, Text: "Hello there. How are you today?"})

	var audio []api.ServerMessage
	for {
		msg := read(t, conn)
		if msg.Type == api.MsgEndOfTurn {
			if msg.Units != 2 || msg.Reason != "complete" || msg.Turn != 1 {
				t.Errorf("end of turn = %+v", msg)
			}
			break
		}
		if msg.Type != api.MsgAudio {
			t.Fatalf("unexpected message %+v", msg)
		}
		audio = append(audio, msg)
	}
	if len(audio) != 2 {
		t.Fatalf("audio messages = %d, want 2", len(audio))
	}
	for i, m := range audio {
		if m.Seq != i || m.Kind != "speech" || m.TraceID != opened.TraceID {
			t.Errorf("audio[%d] = %+v", i, m)
		}
		if len(m.Data) == 0 {
			t.Errorf("audio[%d] has no data", i)
		}
	}

	var trace telemetry.Breakdown
	if code := getJSON(t, env.srv.URL+"/v1/traces/"+opened.TraceID, &trace); code != http.StatusOK {
		t.Fatalf("trace status = %d", code)
	}
	if trace.CallID != "call-1" || trace.Units < 2 {
		t.Errorf("breakdown = %+v", trace)
	}

	var verdicts map[string]int64
	if code := getJSON(t, env.srv.URL+"/v1/verdicts", &verdicts); code != http.StatusOK {
		t.Fatalf("verdicts status = %d", code)
	}
	if verdicts["ALLOW"] != 2 {
		t.Errorf("verdicts = %v", verdicts)
	}

	write(t, conn, api.ClientMessage{Type: api.MsgHangup})
	waitFor(t, func() bool { return env.sessions.Len() == 0 })
}

func TestStream_OpenErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	_ = env.dial(t, "/v1/calls/taken/stream")
	waitFor(t, func() bool { return env.sessions.Len() == 1 })

	tests := []struct {
		name string
		path string
		want int
	}{
		{"duplicate call", "/v1/calls/taken/stream", http.StatusConflict},
		{"unknown persona", "/v1/calls/c2/stream?persona=ghost", http.StatusBadRequest},
		{"unknown framework", "/v1/calls/c3/stream?frameworks=PCI_DSS,NOPE", http.StatusBadRequest},
		{"bad consent", "/v1/calls/c4/stream?consent=maybe", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string
			if code := getJSON(t, env.srv.URL+tt.path, &body); code != tt.want {
				t.Errorf("status = %d, want %d (%v)", code, tt.want, body)
			}
			if body["error"] == "" {
				t.Error("error body missing")
			}
		})
	}
}

func TestStream_TerminatedCallCloses(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := env.dial(t, "/v1/calls/dnc/stream?frameworks=TCPA&consent=true&number="+blockedNumber)
	_ = read(t, conn)

	write(t, conn, api.ClientMessage{Type: api.MsgUtterance, Text: "We have a special offer for you."})

	var types []string
	var closing api.ServerMessage
	for {
		msg := read(t, conn)
		types = append(types, msg.Type)
		if msg.Type == api.MsgAudio {
			closing = msg
		}
		if msg.Type == api.MsgTerminated {
			break
		}
	}
	want := []string{api.MsgAudio, api.MsgEndOfTurn, api.MsgTerminated}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("messages = %v, want %v", types, want)
	}
	if closing.Kind != "closing" {
		t.Errorf("closing kind = %q", closing.Kind)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close err = %v, want normal closure", err)
	}

	var recs []incident.Record
	getJSON(t, env.srv.URL+"/v1/incidents?call_id=dnc", &recs)
	if len(recs) != 1 || recs[0].Severity != "TERMINATE" {
		t.Errorf("incidents = %+v", recs)
	}
	waitFor(t, func() bool { return env.sessions.Len() == 0 })
}

// blockUntilCancelled holds every unit after the first in synthesis until
// its turn is cancelled.
func blockUntilCancelled(started chan<- struct{}) func(context.Context, string, tts.VoiceProfile) ([][]byte, error) {
	return func(ctx context.Context, text string, _ tts.VoiceProfile) ([][]byte, error) {
		if !strings.HasPrefix(text, "Hold") {
			return [][]byte{[]byte(text)}, nil
		}
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// readUntil reads messages until one of type typ arrives and returns it.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) api.ServerMessage {
	t.Helper()
	for {
		if msg := read(t, conn); msg.Type == typ {
			return msg
		}
	}
}

func TestStream_RateLimitSparesControlMessages(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	env := newTestEnv(t, withRate(0.01), withSynth(blockUntilCancelled(started)))
	conn := env.dial(t, "/v1/calls/chatty/stream")
	_ = read(t, conn)

	// The first utterance takes the only token and stays in synthesis.
	write(t, conn, api.ClientMessage{Type: api.MsgUtterance, Text: "Hold on please."})
	<-started

	write(t, conn, api.ClientMessage{Type: api.MsgUtterance, Text: "Too soon."})
	if msg := read(t, conn); msg.Type != api.MsgError || msg.Error != "rate limit exceeded" {
		t.Fatalf("reply to second utterance = %+v", msg)
	}

	// Barge-in and hangup still go through on an empty bucket.
	write(t, conn, api.ClientMessage{Type: api.MsgBargeIn})
	if end := readUntil(t, conn, api.MsgEndOfTurn); end.Reason != "cancelled" {
		t.Errorf("end of turn = %+v, want cancelled", end)
	}

	write(t, conn, api.ClientMessage{Type: api.MsgHangup})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close = %v, want normal closure after hangup", err)
	}
	waitFor(t, func() bool { return env.sessions.Len() == 0 })
}

func TestStream_BargeInKeepsStreamOpen(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	env := newTestEnv(t, withSynth(blockUntilCancelled(started)))
	conn := env.dial(t, "/v1/calls/barge/stream?language=en")
	_ = read(t, conn)

	write(t, conn, api.ClientMessage{Type: api.MsgUtterance, Text: "First part is spoken. Hold the second part."})
	if msg := read(t, conn); msg.Type != api.MsgAudio || msg.Seq != 0 {
		t.Fatalf("first frame = %+v", msg)
	}
	<-started
	write(t, conn, api.ClientMessage{Type: api.MsgBargeIn})
	if end := readUntil(t, conn, api.MsgEndOfTurn); end.Reason != "cancelled" {
		t.Errorf("end of turn = %+v, want cancelled", end)
	}

	write(t, conn, api.ClientMessage{Type: api.MsgUtterance, Text: "Sure, go ahead."})
	audio := readUntil(t, conn, api.MsgAudio)
	if audio.Turn != 2 || len(audio.Data) == 0 {
		t.Errorf("audio after barge-in = %+v", audio)
	}
	if end := readUntil(t, conn, api.MsgEndOfTurn); end.Reason != "complete" {
		t.Errorf("second turn end = %+v", end)
	}
	if env.sessions.Len() != 1 {
		t.Errorf("calls = %d, want the call still open", env.sessions.Len())
	}
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, withAPIKeys("key-one", "key-two"))

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing key", "/v1/calls", nil, http.StatusUnauthorized},
		{"wrong key", "/v1/calls", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"bearer", "/v1/calls", map[string]string{"Authorization": "Bearer key-one"}, http.StatusOK},
		{"header", "/v1/verdicts", map[string]string{"X-API-Key": "key-two"}, http.StatusOK},
		{"query key only for streams", "/v1/calls?api_key=key-one", nil, http.StatusUnauthorized},
		{"healthz is public", "/healthz", nil, http.StatusOK},
		{"readyz is public", "/readyz", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.srv.URL+tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want == http.StatusUnauthorized && resp.Header.Get("WWW-Authenticate") == "" {
				t.Error("WWW-Authenticate header missing")
			}
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	base := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/calls/secured/stream"
	if _, resp, err := websocket.Dial(ctx, base, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("stream without key: err = %v", err)
	}
	conn, _, err := websocket.Dial(ctx, base+"?api_key=key-two", nil)
	if err != nil {
		t.Fatalf("stream with query key: %v", err)
	}
	defer conn.CloseNow()
	if msg := read(t, conn); msg.Type != api.MsgOpened {
		t.Errorf("first message = %+v", msg)
	}
}

func TestCallsEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	conn := env.dial(t, "/v1/calls/listed/stream?persona=nova")
	_ = read(t, conn)

	var calls []app.CallInfo
	if code := getJSON(t, env.srv.URL+"/v1/calls", &calls); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(calls) != 1 || calls[0].CallID != "listed" || calls[0].Persona != "nova" {
		t.Errorf("calls = %+v", calls)
	}

	var info app.CallInfo
	if code := getJSON(t, env.srv.URL+"/v1/calls/listed", &info); code != http.StatusOK || info.CallID != "listed" {
		t.Errorf("get = %d %+v", code, info)
	}
	if code := getJSON(t, env.srv.URL+"/v1/calls/missing", nil); code != http.StatusNotFound {
		t.Errorf("get missing = %d", code)
	}

	resp, err := http.Post(env.srv.URL+"/v1/calls/listed/barge-in", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var barge map[string]bool
	_ = json.NewDecoder(resp.Body).Decode(&barge)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || barge["interrupted"] {
		t.Errorf("barge-in on idle call = %d %v", resp.StatusCode, barge)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/v1/calls/listed", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if env.sessions.Len() != 0 {
		t.Errorf("calls after delete = %d", env.sessions.Len())
	}
}

func TestProviderHealth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	var out struct {
		Name        string           `json:"name"`
		State       string           `json:"state"`
		Transitions []map[string]any `json:"transitions"`
	}
	if code := getJSON(t, env.srv.URL+"/v1/provider/health", &out); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if out.Name != "mock" || out.State != "closed" || out.Transitions == nil {
		t.Errorf("health = %+v", out)
	}
}

func TestHealthAndTraceNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	if code := getJSON(t, env.srv.URL+"/healthz", nil); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
	var ready health.Report
	if code := getJSON(t, env.srv.URL+"/readyz", &ready); code != http.StatusOK || ready.Checks["tts_breaker"].Status != health.StatusOK {
		t.Errorf("readyz = %d %+v", code, ready)
	}
	if code := getJSON(t, env.srv.URL+"/v1/traces/unknown", nil); code != http.StatusNotFound {
		t.Errorf("unknown trace = %d", code)
	}
	var recs []incident.Record
	if code := getJSON(t, env.srv.URL+"/v1/incidents", &recs); code != http.StatusOK || recs == nil || len(recs) != 0 {
		t.Errorf("incidents = %d %v", code, recs)
	}
}
