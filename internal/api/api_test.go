package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/avatarsync/internal/api"
	"github.com/MrWong99/avatarsync/internal/app"
	"github.com/MrWong99/avatarsync/internal/config"
	"github.com/MrWong99/avatarsync/internal/recording"
	"github.com/MrWong99/avatarsync/internal/session"
	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/provider/llm"
	llmmock "github.com/MrWong99/avatarsync/pkg/provider/llm/mock"
	renderermock "github.com/MrWong99/avatarsync/pkg/provider/renderer/mock"
	"github.com/MrWong99/avatarsync/pkg/provider/stt"
	sttmock "github.com/MrWong99/avatarsync/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/avatarsync/pkg/provider/tts/mock"
	"github.com/MrWong99/avatarsync/pkg/transport"
	transportmock "github.com/MrWong99/avatarsync/pkg/transport/mock"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.MaxSessions = 4
	cfg.Audio = config.AudioConfig{
		SampleRate:  16000,
		FPS:         50,
		Left:        2,
		Center:      2,
		Right:       2,
		PullTimeout: time.Millisecond,
		WindowQueue: 2,
	}
	cfg.Video.FPS = 25
	root := t.TempDir()
	cfg.Events = config.EventsConfig{Driver: config.EventsSQLite, DSN: filepath.Join(root, "events.db")}
	cfg.Recording = config.RecordingConfig{
		RecordsDir:   filepath.Join(root, "records"),
		TempDir:      root,
		VideoCommand: `sh -c 'cat > {output}'`,
		AudioCommand: `sh -c 'cat > {output}'`,
		MuxCommand:   `sh -c 'cat {video} {audio} > {output}'`,
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testProviders() session.Providers {
	return session.Providers{
		LLM:      &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Sure thing.", FinishReason: "stop"}}},
		STT:      &sttmock.Provider{Result: stt.Transcript{Text: "hi there", Language: "en"}},
		TTS:      &ttsmock.Provider{},
		Renderer: &renderermock.Provider{},
	}
}

type fixture struct {
	app  *app.App
	srv  *httptest.Server
	sess *session.Session
	sink *transportmock.Sink
}

func newFixture(t *testing.T, cfg *config.Config, p session.Providers, opts ...api.Option) *fixture {
	t.Helper()
	a, err := app.New(context.Background(), cfg, p)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	f := &fixture{app: a, sink: transportmock.New()}
	f.sess, err = a.Sessions().Create(context.Background(), func(string, *config.Config) (transport.Sink, error) {
		return f.sink, nil
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.srv = httptest.NewServer(api.New(a, opts...).Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) url(path string) string {
	return f.srv.URL + strings.ReplaceAll(path, "{id}", f.sess.ID())
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body []byte) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.url(path), bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return res.StatusCode, out
}

func (f *fixture) postJSON(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	return f.do(t, http.MethodPost, path, "application/json", []byte(body))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func speechWAV() []byte {
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = 0.5
	}
	return audio.EncodeWAV(audio.Float32ToPCM16(samples), 16000, 1)
}

func TestHuman(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t), testProviders())

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantKey    string
		wantValue  string
	}{
		{name: "echo", path: "/sessions/{id}/human", body: `{"text":"Hello.","type":"echo"}`, wantStatus: 200, wantKey: "status", wantValue: "ok"},
		{name: "chat", path: "/sessions/{id}/human", body: `{"text":"How are you?","type":"chat","interrupt":true}`, wantStatus: 200, wantKey: "response", wantValue: "Sure thing."},
		{name: "empty text", path: "/sessions/{id}/human", body: `{"text":"  ","type":"echo"}`, wantStatus: 400, wantKey: "kind", wantValue: "input"},
		{name: "unknown type", path: "/sessions/{id}/human", body: `{"text":"hi","type":"sing"}`, wantStatus: 400, wantKey: "stage", wantValue: "human"},
		{name: "bad json", path: "/sessions/{id}/human", body: `{"text":`, wantStatus: 400, wantKey: "kind", wantValue: "input"},
		{name: "unknown session", path: "/sessions/nope/human", body: `{"text":"hi","type":"echo"}`, wantStatus: 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.postJSON(t, tt.path, tt.body)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", status, tt.wantStatus, body)
			}
			if tt.wantKey != "" && body[tt.wantKey] != tt.wantValue {
				t.Errorf("%s = %v, want %q", tt.wantKey, body[tt.wantKey], tt.wantValue)
			}
		})
	}
}

func TestHuman_ChatWithoutLLM(t *testing.T) {
	t.Parallel()
	p := testProviders()
	p.LLM = nil
	f := newFixture(t, testConfig(t), p)

	status, body := f.postJSON(t, "/sessions/{id}/human", `{"text":"hi","type":"chat"}`)
	if status != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", status)
	}
	if body["session_id"] != f.sess.ID() || body["stage"] != "llm" {
		t.Errorf("body = %v", body)
	}
}

func TestAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t), testProviders())

	multipartBody := func() (string, []byte) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", "speech.wav")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(speechWAV())
		_ = mw.Close()
		return mw.FormDataContentType(), buf.Bytes()
	}
	mpType, mpBody := multipartBody()

	tests := []struct {
		name        string
		contentType string
		body        []byte
		want        int
	}{
		{name: "raw wav", contentType: "audio/wav", body: speechWAV(), want: 200},
		{name: "multipart", contentType: mpType, body: mpBody, want: 200},
		{name: "not a wav", contentType: "audio/wav", body: []byte("junk"), want: 400},
		{name: "empty", contentType: "audio/wav", want: 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodPost, "/sessions/{id}/audio", tt.contentType, tt.body)
			if status != tt.want {
				t.Errorf("status = %d, want %d (body %v)", status, tt.want, body)
			}
		})
	}
	eventually(t, "uploaded audio on the sink", func() bool { return len(f.sink.Chunks()) > 0 })
}

func TestASR(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t), testProviders())

	status, body := f.do(t, http.MethodPost, "/sessions/{id}/asr", "audio/wav", speechWAV())
	if status != http.StatusOK {
		t.Fatalf("status = %d (body %v)", status, body)
	}
	if body["text"] != "hi there" || body["language"] != "en" || body["response"] != "Sure thing." {
		t.Errorf("body = %v", body)
	}
}

func TestInterruptAndSpeaking(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t), testProviders())

	if status, _ := f.postJSON(t, "/sessions/{id}/interrupt", ""); status != http.StatusOK {
		t.Errorf("interrupt status = %d", status)
	}
	status, body := f.do(t, http.MethodGet, "/sessions/{id}/speaking", "", nil)
	if status != http.StatusOK {
		t.Fatalf("speaking status = %d", status)
	}
	if _, ok := body["speaking"].(bool); !ok {
		t.Errorf("speaking = %v", body["speaking"])
	}
}

func TestClip(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t), testProviders())

	if status, body := f.postJSON(t, "/sessions/{id}/clip", `{"kind":7}`); status != http.StatusBadRequest {
		t.Errorf("unknown clip status = %d (body %v)", status, body)
	}
	if status, _ := f.postJSON(t, "/sessions/{id}/clip", `{"kind":1,"reinit":true}`); status != http.StatusOK {
		t.Errorf("disarm status = %d", status)
	}
}

func TestRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t), testProviders())

	if status, body := f.postJSON(t, "/sessions/{id}/record", `{"type":"start_record"}`); status != http.StatusOK {
		t.Fatalf("start status = %d (body %v)", status, body)
	}
	eventually(t, "recorder running", func() bool { return f.sess.RecordingState() == recording.Recording })
	eventually(t, "frames while recording", func() bool { return len(f.sink.Frames()) > 5 })

	status, body := f.postJSON(t, "/sessions/{id}/record", `{"type":"end_record"}`)
	if status != http.StatusOK {
		t.Fatalf("end status = %d (body %v)", status, body)
	}
	name, _ := body["filename"].(string)
	if name == "" || body["status"] != "idle" {
		t.Fatalf("end body = %v", body)
	}
	if _, err := os.Stat(filepath.Join(f.app.RecordsDir(), name)); err != nil {
		t.Fatalf("recording not on disk: %v", err)
	}

	res, err := http.Get(f.url("/records/" + name))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("download status = %d", res.StatusCode)
	}

	for _, bad := range []struct {
		name string
		want int
	}{
		{name: "bad..name", want: 400},
		{name: "a%5Cb", want: 400},
		{name: "missing.mp4", want: 404},
	} {
		if status, _ := f.do(t, http.MethodGet, "/records/"+bad.name, "", nil); status != bad.want {
			t.Errorf("GET /records/%s = %d, want %d", bad.name, status, bad.want)
		}
	}

	if status, _ := f.postJSON(t, "/sessions/{id}/record", `{"type":"pause"}`); status != http.StatusBadRequest {
		t.Errorf("unknown record type status = %d", status)
	}
}

func TestHistoryAndEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t), testProviders())

	if status, _ := f.postJSON(t, "/sessions/{id}/human", `{"text":"hi","type":"chat"}`); status != http.StatusOK {
		t.Fatalf("chat status = %d", status)
	}
	if f.sess.Info().Turns != 1 {
		t.Fatalf("turns = %d", f.sess.Info().Turns)
	}
	if status, _ := f.do(t, http.MethodDelete, "/sessions/{id}/history", "", nil); status != http.StatusNoContent {
		t.Errorf("clear history status = %d", status)
	}
	if f.sess.Info().Turns != 0 {
		t.Errorf("turns after clear = %d", f.sess.Info().Turns)
	}

	eventually(t, "events", func() bool {
		_, body := f.do(t, http.MethodGet, "/sessions/{id}/events?limit=50", "", nil)
		events, _ := body["events"].([]any)
		return len(events) > 0
	})
	if status, _ := f.do(t, http.MethodGet, "/sessions/{id}/events?limit=-1", "", nil); status != http.StatusBadRequest {
		t.Errorf("negative limit status = %d", status)
	}
}

func TestSessions_ListAndClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t), testProviders())

	status, body := f.do(t, http.MethodGet, "/sessions", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	list, _ := body["sessions"].([]any)
	if len(list) != 1 {
		t.Fatalf("sessions = %v", body["sessions"])
	}
	if id := list[0].(map[string]any)["session_id"]; id != f.sess.ID() {
		t.Errorf("listed id = %v", id)
	}

	if status, _ := f.do(t, http.MethodDelete, "/sessions/{id}", "", nil); status != http.StatusNoContent {
		t.Fatalf("close status = %d", status)
	}
	if status, _ := f.postJSON(t, "/sessions/{id}/interrupt", ""); status != http.StatusNotFound {
		t.Errorf("interrupt after close = %d, want 404", status)
	}
	if f.sink.CloseCount() != 1 {
		t.Errorf("sink closed %d times", f.sink.CloseCount())
	}
}

func TestHealthAndStatic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>avatar</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, testConfig(t), testProviders(), api.WithStaticDir(dir), api.WithVersion("1.2.3"))

	status, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK || body["version"] != "1.2.3" {
		t.Errorf("healthz = %d %v", status, body)
	}
	if status, body := f.do(t, http.MethodGet, "/readyz", "", nil); status != http.StatusOK {
		t.Errorf("readyz = %d %v", status, body)
	}

	res, err := http.Get(f.url("/"))
	if err != nil {
		t.Fatal(err)
	}
	page, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(page), "avatar") {
		t.Errorf("index = %q", page)
	}
}

func TestOffer_BadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t), testProviders())

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `sdp`},
		{name: "missing sdp", body: `{"type":"offer"}`},
		{name: "wrong type", body: `{"sdp":"v=0","type":"answer"}`},
		{name: "unparseable sdp", body: `{"sdp":"v=0","type":"offer"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := f.postJSON(t, "/offer", tt.body); status != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %v)", status, body)
			}
		})
	}
	if n := f.app.Sessions().Active(); n != 1 {
		t.Errorf("Active = %d after failed offers, want 1", n)
	}
}
