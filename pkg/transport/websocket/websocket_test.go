package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/video"
)

// startServer runs fn with an accepted writer and keeps the handler alive
// until fn returns.
func startServer(t *testing.T, fn func(w *Writer)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w, err := Accept(rw, r, Config{SessionID: "s1", Width: 4, Height: 2, SampleRate: 16000})
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		fn(w)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return typ, data
}

func TestWriter_MessageSequence(t *testing.T) {
	srv := startServer(t, func(w *Writer) {
		ctx := context.Background()
		if err := w.WriteVideo(ctx, video.Solid(4, 2, color.RGBA{200, 10, 10, 255})); err != nil {
			t.Errorf("WriteVideo: %v", err)
		}
		c := audio.Chunk{Samples: []float32{0, 0.5, -0.5}, Meta: audio.EventMeta{"status": audio.StatusStart, "text": "hi"}}
		if err := w.WriteAudio(ctx, c); err != nil {
			t.Errorf("WriteAudio: %v", err)
		}
		if err := w.WriteAudio(ctx, audio.SilentChunk(2)); err != nil {
			t.Errorf("WriteAudio: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	conn := dial(t, srv)
	defer conn.CloseNow()

	typ, data := read(t, conn)
	var hello Control
	if typ != websocket.MessageText || json.Unmarshal(data, &hello) != nil {
		t.Fatalf("first message = %v %q", typ, data)
	}
	if hello.Type != "hello" || hello.SessionID != "s1" || hello.Width != 4 || hello.SampleRate != 16000 {
		t.Errorf("hello = %+v", hello)
	}

	typ, data = read(t, conn)
	if typ != websocket.MessageBinary || data[0] != TagVideo {
		t.Fatalf("video message = %v tag %x", typ, data[0])
	}
	f, err := video.Decode(bytes.NewReader(data[1:]))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if f.Width != 4 || f.Height != 2 {
		t.Errorf("frame size = %dx%d", f.Width, f.Height)
	}

	typ, data = read(t, conn)
	var ev Control
	if typ != websocket.MessageText || json.Unmarshal(data, &ev) != nil {
		t.Fatalf("event message = %v %q", typ, data)
	}
	if ev.Type != "event" || ev.Meta["status"] != audio.StatusStart || ev.Meta["text"] != "hi" {
		t.Errorf("event = %+v", ev)
	}

	typ, data = read(t, conn)
	if typ != websocket.MessageBinary || data[0] != TagAudio || len(data) != 1+2*3 {
		t.Fatalf("audio message = %v len %d", typ, len(data))
	}

	// The silent chunk carries no metadata, so no event precedes it.
	typ, data = read(t, conn)
	if typ != websocket.MessageBinary || data[0] != TagAudio || len(data) != 1+2*2 {
		t.Fatalf("second audio message = %v len %d", typ, len(data))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("expected normal closure, got %v", err)
	}
}

func TestWriter_GoneOnClientDisconnect(t *testing.T) {
	gone := make(chan struct{})
	srv := startServer(t, func(w *Writer) {
		select {
		case <-w.Gone():
			close(gone)
		case <-time.After(5 * time.Second):
		}
		_ = w.Close()
	})
	conn := dial(t, srv)
	_, _ = read(t, conn) // hello
	conn.Close(websocket.StatusGoingAway, "bye")

	select {
	case <-gone:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not notice the disconnect")
	}
}
