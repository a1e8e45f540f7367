package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/callscribe/internal/config"
	"github.com/MrWong99/callscribe/pkg/provider/realtime"
	"github.com/MrWong99/callscribe/pkg/provider/realtime/mock"
)

// testConfig returns a valid config that listens on a free port.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Provider.APIKey = "sk-test"
	config.ApplyDefaults(cfg)
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithProvider("mock", &mock.Provider{})}, opts...)
	a, err := New(context.Background(), cfg, config.NewRegistry(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

// frameBody returns a JSON frame carrying ms milliseconds of 24 kHz tone.
func frameBody(callID string, ms int) []byte {
	n := 24 * ms
	pcm := make([]byte, n*2)
	for i := range n {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(2000+i%7)))
	}
	return fmt.Appendf(nil,
		`{"callId":%q,"audioType":"mic","audioData":%q,"sampleRate":24000,"channels":1,"bitsPerSample":16}`,
		callID, base64.StdEncoding.EncodeToString(pcm))
}

func postFrame(t *testing.T, url string, body []byte) string {
	t.Helper()
	res, err := http.Post(url+"/v1/frames", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/frames: %v", err)
	}
	defer res.Body.Close()
	var out struct {
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out.Outcome
}

func getStatus(t *testing.T, url string) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	res.Body.Close()
	return res.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNew_ServesAllRoutes(t *testing.T) {
	a := newTestApp(t, testConfig())
	hs := httptest.NewServer(a.Handler())
	defer hs.Close()

	if got := postFrame(t, hs.URL, frameBody("call-1", 100)); got != "queued" {
		t.Errorf("frame outcome = %q, want queued", got)
	}
	if n := a.sessions.Len(); n != 1 {
		t.Errorf("streams = %d, want 1", n)
	}

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/calls"} {
		if got := getStatus(t, hs.URL+path); got != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, got)
		}
	}
	// No archive configured.
	if got := getStatus(t, hs.URL+"/v1/calls/call-1/history"); got != http.StatusNotImplemented {
		t.Errorf("GET history = %d, want 501", got)
	}
}

func TestNew_UnregisteredProvider(t *testing.T) {
	_, err := New(context.Background(), testConfig(), config.NewRegistry())
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("New() error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_BuildsFallbackChain(t *testing.T) {
	cfg := testConfig()
	cfg.Provider.Fallbacks = []config.ProviderEntry{{Name: "openai", APIKey: "sk-2", BaseURL: "http://backup"}}

	reg := config.NewRegistry()
	var built []string
	reg.RegisterProvider("openai", func(e config.ProviderEntry) (realtime.Provider, error) {
		built = append(built, e.BaseURL)
		return &mock.Provider{}, nil
	})

	a, err := New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer a.Shutdown(context.Background())

	if len(built) != 2 || built[1] != "http://backup" {
		t.Errorf("built endpoints = %q, want primary then http://backup", built)
	}
	want := []string{"openai", "openai-fallback-1"}
	if got := a.fallback.Names(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Names() = %q, want %q", got, want)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	a := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Give the listener a moment before cancelling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	rec := httptest.NewRecorder()
	a.health.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after Run = %d, want 503", rec.Code)
	}
}

func TestShutdown_ClosesSessions(t *testing.T) {
	a := newTestApp(t, testConfig())
	hs := httptest.NewServer(a.Handler())
	defer hs.Close()

	postFrame(t, hs.URL, frameBody("call-1", 100))

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if !a.sessions.Closed() {
		t.Error("session registry still open after Shutdown")
	}
	if got := postFrame(t, hs.URL, frameBody("call-1", 100)); got != "closed" {
		t.Errorf("frame after shutdown = %q, want closed", got)
	}
	// Second call is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
}

func TestReload_AppliesHotFields(t *testing.T) {
	lv := new(slog.LevelVar)
	old := testConfig()
	a := newTestApp(t, old, WithLevelVar(lv))
	hs := httptest.NewServer(a.Handler())
	defer hs.Close()

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Pipeline.MaxQueueDurationMs = 200
	next.Pipeline.FlushInterval = 50 * time.Millisecond
	a.reload(old, next, config.Diff(old, next))

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if a.Config() != next {
		t.Error("Config() does not return the reloaded config")
	}
	if got := postFrame(t, hs.URL, frameBody("call-1", 300)); got != "overflow" {
		t.Errorf("300ms frame with 200ms ceiling = %q, want overflow", got)
	}
}

func TestWithConfigFile_HotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callscribe.yaml")
	doc := "server:\n  listen_addr: 127.0.0.1:0\n  log_level: %s\nprovider:\n  api_key: sk-test\n"
	if err := os.WriteFile(path, fmt.Appendf(nil, doc, "info"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	lv := new(slog.LevelVar)
	a := newTestApp(t, cfg, WithLevelVar(lv), WithConfigFile(path, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	if err := os.WriteFile(path, fmt.Appendf(nil, doc, "warn"), 0o600); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "log level reload", func() bool { return lv.Level() == slog.LevelWarn })
	if got := a.Config().Server.LogLevel; got != config.LogWarn {
		t.Errorf("Config().Server.LogLevel = %q, want warn", got)
	}
}
