package app_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/ghostvoice/internal/app"
	"github.com/MrWong99/ghostvoice/internal/compliance"
	"github.com/MrWong99/ghostvoice/internal/config"
	"github.com/MrWong99/ghostvoice/internal/dnc"
	"github.com/MrWong99/ghostvoice/internal/incident"
	"github.com/MrWong99/ghostvoice/internal/orchestrator"
	audiomock "github.com/MrWong99/ghostvoice/pkg/audio/mock"
	ttsmock "github.com/MrWong99/ghostvoice/pkg/provider/tts/mock"
)

const testYAML = `
server:
  listen_addr: "127.0.0.1:0"
  log_level: info
  shutdown_timeout: 2s
provider:
  name: mock
frameworks: [PCI_DSS]
pipeline:
  initial_backoff: 1ms
  max_backoff: 5ms
`

// testConfig returns a validated config with defaults applied.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, &ttsmock.Provider{SynthesizeFunc: echo}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_RequiresProvider(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(t), nil); err == nil {
		t.Fatal("New without provider succeeded")
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	if a.Sessions() == nil || a.Governor() == nil || a.Correlator() == nil || a.Incidents() == nil {
		t.Fatal("subsystem not initialised")
	}
	checkers := a.Checkers()
	if len(checkers) != 1 || checkers[0].Name != "tts_breaker" {
		t.Fatalf("checkers = %+v, want only tts_breaker", checkers)
	}
	if err := checkers[0].Check(context.Background()); err != nil {
		t.Errorf("tts_breaker check on a fresh governor: %v", err)
	}
	pol := a.Sessions().Policy()
	if len(pol.Frameworks) != 1 || pol.Frameworks[0] != compliance.PCIDSS {
		t.Errorf("default frameworks = %v", pol.Frameworks)
	}
}

func TestNew_FallbackFileMissing(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Fallback.Clips = map[string][]config.ClipConfig{
		"closing": {{File: filepath.Join(t.TempDir(), "missing.pcm"), SampleRate: 16000}},
	}
	_, err := app.New(context.Background(), cfg, &ttsmock.Provider{})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("New err = %v, want ErrNotExist", err)
	}
}

func TestLoadFallback(t *testing.T) {
	t.Parallel()

	// 100 samples at 8 kHz.
	pcm := make([]byte, 200)
	for i := range 100 {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(i*100))
	}
	path := filepath.Join(t.TempDir(), "closing.pcm")
	if err := os.WriteFile(path, pcm, 0o600); err != nil {
		t.Fatal(err)
	}

	fb, err := app.LoadFallback(config.FallbackConfig{Clips: map[string][]config.ClipConfig{
		"closing":     {{Text: "Goodbye.", File: path, SampleRate: 8000}},
		"tts_timeout": {{Text: "One moment please."}},
	}}, 16000)
	if err != nil {
		t.Fatalf("LoadFallback: %v", err)
	}

	c := fb.Next(orchestrator.FallbackClosing)
	if c.Text != "Goodbye." || c.SampleRate != 16000 {
		t.Errorf("closing clip = %q @ %d", c.Text, c.SampleRate)
	}
	if len(c.PCM) != 400 {
		t.Errorf("resampled PCM len = %d, want 400", len(c.PCM))
	}
	if c := fb.Next(orchestrator.FallbackProvider); c.Text != "One moment please." || len(c.PCM) != 0 {
		t.Errorf("text-only clip = %+v", c)
	}
	if c := fb.Next(orchestrator.FallbackBlocked); c.Text != orchestrator.DefaultPhrases[orchestrator.FallbackBlocked][0] {
		t.Errorf("unconfigured kind = %q, want built-in phrase", c.Text)
	}
}

func TestReload(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	old := testConfig(t)
	a := newTestApp(t, old, app.WithLogLevel(level))

	next := testConfig(t)
	next.Server.LogLevel = config.LogDebug
	next.DefaultPersona = "nova"
	next.Frameworks = []string{"HIPAA", "TCPA"}
	next.Pipeline.Window = 5

	d := config.Diff(old, next)
	a.Reload(old, next, d)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	pol := a.Sessions().Policy()
	p, err := pol.Catalog.Lookup("")
	if err != nil || p.ID != "nova" {
		t.Errorf("default persona = %q (%v), want nova", p.ID, err)
	}
	if len(pol.Frameworks) != 2 {
		t.Errorf("frameworks = %v", pol.Frameworks)
	}
}

func TestReload_InvalidPolicyKeepsCurrent(t *testing.T) {
	t.Parallel()

	old := testConfig(t)
	a := newTestApp(t, old)
	before := a.Sessions().Policy()

	next := testConfig(t)
	next.DefaultPersona = "ghost"
	a.Reload(old, next, config.Diff(old, next))

	if a.Sessions().Policy().Catalog != before.Catalog {
		t.Error("invalid reload replaced the catalog")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestServe(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	recorded := incident.NewMemory(0)
	a := newTestApp(t, cfg,
		app.WithDNC(dnc.NewStatic("555-010-4242")),
		app.WithIncidentSink(recorded),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	ctx, cancel := context.WithCancel(context.Background())
	extraRan := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Serve(ctx, ln, handler, func(ctx context.Context) error {
			close(extraRan)
			<-ctx.Done()
			return nil
		})
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		cancel()
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
	select {
	case <-extraRan:
	case <-time.After(5 * time.Second):
		t.Fatal("extra loop not started")
	}

	// A do-not-call number under TCPA ends the call and the incident
	// reaches the injected sink through the dispatcher.
	call, err := a.Sessions().Open(ctx, app.OpenRequest{
		CallID:          "served",
		Frameworks:      []compliance.Framework{compliance.TCPA},
		ConsentObtained: true,
		Number:          "+1 555 010 4242",
	}, &audiomock.Sink{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := call.Orchestrator.Submit(orchestrator.Utterance{Text: "Hello."}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitClosed(t, call.Done())
	deadline := time.Now().Add(5 * time.Second)
	for recorded.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if recorded.Len() == 0 {
		t.Error("incident not dispatched")
	}
	if a.Incidents().Len() == 0 {
		t.Error("incident not retained in memory log")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if a.Sessions().Len() != 0 {
		t.Errorf("calls left after shutdown: %d", a.Sessions().Len())
	}
}
