package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/avatarsync/internal/config"
	"github.com/MrWong99/avatarsync/internal/session"
	"github.com/MrWong99/avatarsync/pkg/transport"
	"github.com/MrWong99/avatarsync/pkg/transport/webrtc"
	"github.com/MrWong99/avatarsync/pkg/transport/websocket"
)

// errClientGone ends a websocket session whose client disconnected.
var errClientGone = errors.New("app: websocket client disconnected")

// goneWriter is a transport writer that reports when its peer disappears.
type goneWriter interface {
	transport.Writer
	Gone() <-chan struct{}
}

// OfferSession negotiates a WebRTC peer for offer and starts a session on
// it. It returns the SDP answer.
func (a *App) OfferSession(ctx context.Context, offer string) (string, *session.Session, error) {
	var answer string
	sess, err := a.sessions.Create(ctx, func(id string, cfg *config.Config) (transport.Sink, error) {
		w, h := a.providers.Renderer.Size()
		peer, err := webrtc.NewPeer(webrtc.Config{
			SessionID:    id,
			ICEServers:   cfg.Transport.ICEServers,
			Width:        w,
			Height:       h,
			FPS:          cfg.Video.FPS,
			SampleRate:   cfg.Audio.SampleRate,
			VideoCommand: cfg.Transport.VideoEncoderCommand,
		}, webrtc.WithLogger(a.log.With("session_id", id)))
		if err != nil {
			return nil, err
		}
		answer, err = peer.Answer(ctx, offer)
		if err != nil {
			_ = peer.Close()
			return nil, err
		}
		return a.pace(id, cfg, peer, peer.Err)
	})
	if err != nil {
		return "", nil, err
	}
	return answer, sess, nil
}

// AcceptWebSocket upgrades r and starts a session streaming JPEG frames and
// PCM audio over the connection.
func (a *App) AcceptWebSocket(w http.ResponseWriter, r *http.Request) (*session.Session, error) {
	return a.sessions.Create(r.Context(), func(id string, cfg *config.Config) (transport.Sink, error) {
		width, height := a.providers.Renderer.Size()
		ws, err := websocket.Accept(w, r, websocket.Config{
			SessionID:   id,
			Width:       width,
			Height:      height,
			SampleRate:  cfg.Audio.SampleRate,
			JPEGQuality: cfg.Transport.JPEGQuality,
		})
		if err != nil {
			return nil, err
		}
		return a.pace(id, cfg, ws, func() error { return errClientGone })
	})
}

// pace puts a real-time pump in front of gw and fails the sink when the
// peer goes away.
func (a *App) pace(id string, cfg *config.Config, gw goneWriter, cause func() error) (transport.Sink, error) {
	sink, err := transport.NewPacedSink(gw, transport.Config{
		VideoFPS:   cfg.Video.FPS,
		AudioFPS:   cfg.Audio.FPS,
		OutboxSize: cfg.Transport.OutboxSize,
		SessionID:  id,
	}, transport.WithLogger(a.log.With("session_id", id)))
	if err != nil {
		_ = gw.Close()
		return nil, fmt.Errorf("app: paced sink: %w", err)
	}
	go func() {
		select {
		case <-gw.Gone():
			err := cause()
			if err == nil {
				err = errClientGone
			}
			sink.Fail(err)
		case <-sink.Done():
		}
	}()
	return sink, nil
}
