package whisper_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/provider/stt"
	"github.com/MrWong99/avatarsync/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// capturedForm holds the multipart fields a mock server received.
type capturedForm struct {
	mu     sync.Mutex
	fields map[string]string
	wav    audio.WAV
}

// newMockServer creates a test server that responds to POST /inference with
// the given JSON body and records the submitted form.
func newMockServer(t *testing.T, status int, body any, form *capturedForm) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if form != nil {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
			}
			f, _, err := r.FormFile("file")
			if err != nil {
				t.Errorf("form file: %v", err)
			} else {
				data, _ := io.ReadAll(f)
				wav, err := audio.DecodeWAV(data)
				if err != nil {
					t.Errorf("decode uploaded wav: %v", err)
				}
				form.mu.Lock()
				form.wav = wav
				form.mu.Unlock()
			}
			form.mu.Lock()
			form.fields = map[string]string{}
			for k, v := range r.MultipartForm.Value {
				form.fields[k] = v[0]
			}
			form.mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

// ---- Transcribe -------------------------------------------------------------

func TestTranscribe_SendsWAVAndFields(t *testing.T) {
	form := &capturedForm{}
	srv := newMockServer(t, http.StatusOK, map[string]string{"text": "  hello world \n"}, form)
	defer srv.Close()

	p, err := whisper.New(srv.URL+"/", whisper.WithLanguage("zh"), whisper.WithModel("small"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr, err := p.Transcribe(context.Background(), stt.Audio{PCM: make([]byte, 3200), SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello world" {
		t.Errorf("Text = %q, want trimmed %q", tr.Text, "hello world")
	}
	if tr.Language != "zh" {
		t.Errorf("Language = %q, want zh", tr.Language)
	}

	form.mu.Lock()
	defer form.mu.Unlock()
	if form.fields["language"] != "zh" || form.fields["model"] != "small" || form.fields["response_format"] != "json" {
		t.Errorf("fields = %v", form.fields)
	}
	if form.wav.SampleRate != 16000 || form.wav.Channels != 1 || len(form.wav.PCM) != 3200 {
		t.Errorf("uploaded wav = rate %d ch %d len %d", form.wav.SampleRate, form.wav.Channels, len(form.wav.PCM))
	}
}

func TestTranscribe_ResamplesTo16k(t *testing.T) {
	form := &capturedForm{}
	srv := newMockServer(t, http.StatusOK, map[string]string{"text": "ok", "language": "en"}, form)
	defer srv.Close()

	p, _ := whisper.New(srv.URL)
	// 48 kHz, 4800 samples = 100 ms.
	if _, err := p.Transcribe(context.Background(), stt.Audio{PCM: make([]byte, 9600), SampleRate: 48000, Language: "en"}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	form.mu.Lock()
	defer form.mu.Unlock()
	if form.wav.SampleRate != 16000 || len(form.wav.PCM) != 3200 {
		t.Errorf("uploaded wav = rate %d len %d, want 16000 and 3200", form.wav.SampleRate, len(form.wav.PCM))
	}
}

func TestTranscribe_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		audio  stt.Audio
		is     error
	}{
		{"empty audio", http.StatusOK, map[string]string{"text": "x"}, stt.Audio{SampleRate: 16000}, stt.ErrEmptyAudio},
		{"bad rate", http.StatusOK, map[string]string{"text": "x"}, stt.Audio{PCM: make([]byte, 4)}, nil},
		{"server 500", http.StatusInternalServerError, map[string]string{"error": "boom"}, stt.Audio{PCM: make([]byte, 4), SampleRate: 16000}, nil},
		{"error field", http.StatusOK, map[string]string{"error": "failed to read WAV"}, stt.Audio{PCM: make([]byte, 4), SampleRate: 16000}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newMockServer(t, tt.status, tt.body, nil)
			defer srv.Close()
			p, _ := whisper.New(srv.URL)
			_, err := p.Transcribe(context.Background(), tt.audio)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("err = %v, want %v", err, tt.is)
			}
		})
	}
}
