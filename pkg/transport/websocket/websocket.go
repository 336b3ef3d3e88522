// Package websocket delivers session media over a single websocket.
//
// Binary messages carry media and start with a one-byte tag:
//
//	0x01 JPEG-encoded video frame
//	0x02 16-bit little-endian mono PCM at the session sample rate
//
// Text messages carry JSON control messages. A {"type":"hello"} message is
// sent once after the handshake. Chunk metadata is sent as
// {"type":"event","meta":{...}} immediately before the audio it belongs to.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/transport"
	"github.com/MrWong99/avatarsync/pkg/video"
)

// Message tags for binary frames.
const (
	TagVideo byte = 0x01
	TagAudio byte = 0x02
)

const (
	defaultQuality = 80
	writeTimeout   = 5 * time.Second
)

// Control is a text message sent to the client.
type Control struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	Width      int             `json:"width,omitempty"`
	Height     int             `json:"height,omitempty"`
	SampleRate int             `json:"sample_rate,omitempty"`
	Meta       audio.EventMeta `json:"meta,omitempty"`
}

// Config is announced to the client in the hello message.
type Config struct {
	SessionID  string
	Width      int
	Height     int
	SampleRate int

	// JPEGQuality for video frames. Zero means 80.
	JPEGQuality int

	// OriginPatterns are passed to the websocket handshake. Empty only
	// accepts same-origin requests.
	OriginPatterns []string
}

// Writer implements transport.Writer over a websocket connection.
type Writer struct {
	conn    *websocket.Conn
	quality int

	// mu keeps an event message adjacent to its audio.
	mu sync.Mutex

	gone context.Context
}

var _ transport.Writer = (*Writer)(nil)

// Accept upgrades the request, sends the hello message and returns the
// writer. Incoming data messages are not expected; the first one, or a
// closed connection, ends [Writer.Gone].
func Accept(w http.ResponseWriter, r *http.Request, cfg Config) (*Writer, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: cfg.OriginPatterns})
	if err != nil {
		return nil, fmt.Errorf("websocket: accept: %w", err)
	}
	return newWriter(r.Context(), conn, cfg)
}

func newWriter(ctx context.Context, conn *websocket.Conn, cfg Config) (*Writer, error) {
	q := cfg.JPEGQuality
	if q <= 0 {
		q = defaultQuality
	}
	ww := &Writer{
		conn:    conn,
		quality: q,
		gone:    conn.CloseRead(context.WithoutCancel(ctx)),
	}
	hello := Control{
		Type:       "hello",
		SessionID:  cfg.SessionID,
		Width:      cfg.Width,
		Height:     cfg.Height,
		SampleRate: cfg.SampleRate,
	}
	if err := ww.writeControl(ctx, hello); err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, err
	}
	return ww, nil
}

// Gone is closed when the client disconnects.
func (w *Writer) Gone() <-chan struct{} { return w.gone.Done() }

// WriteVideo implements transport.Writer.
func (w *Writer) WriteVideo(ctx context.Context, f video.Frame) error {
	data, err := f.JPEG(w.quality)
	if err != nil {
		return fmt.Errorf("websocket: encode frame: %w", err)
	}
	msg := make([]byte, 0, len(data)+1)
	msg = append(msg, TagVideo)
	msg = append(msg, data...)
	return w.write(ctx, websocket.MessageBinary, msg)
}

// WriteAudio implements transport.Writer.
func (w *Writer) WriteAudio(ctx context.Context, c audio.Chunk) error {
	pcm := audio.Float32ToPCM16(c.Samples)
	msg := make([]byte, 0, len(pcm)+1)
	msg = append(msg, TagAudio)
	msg = append(msg, pcm...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(c.Meta) > 0 {
		if err := w.writeControlLocked(ctx, Control{Type: "event", Meta: c.Meta}); err != nil {
			return err
		}
	}
	return w.writeLocked(ctx, websocket.MessageBinary, msg)
}

// Close closes the connection normally. Closing after the client has gone
// is not an error.
func (w *Writer) Close() error {
	err := w.conn.Close(websocket.StatusNormalClosure, "session closed")
	select {
	case <-w.gone.Done():
		return nil
	default:
	}
	if err != nil {
		return fmt.Errorf("websocket: close: %w", err)
	}
	return nil
}

func (w *Writer) writeControl(ctx context.Context, c Control) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeControlLocked(ctx, c)
}

func (w *Writer) writeControlLocked(ctx context.Context, c Control) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("websocket: marshal %s: %w", c.Type, err)
	}
	return w.writeLocked(ctx, websocket.MessageText, data)
}

func (w *Writer) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(ctx, typ, data)
}

func (w *Writer) writeLocked(ctx context.Context, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := w.conn.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("websocket: write: %w", err)
	}
	return nil
}
