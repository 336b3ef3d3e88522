// Package webrtc delivers session media to a browser over WebRTC.
//
// Audio is converted to 48 kHz stereo and encoded to Opus in-process.
// Video is encoded to VP8 by an external encoder that reads raw RGB24 frames
// on stdin and writes an IVF stream on stdout. Chunk metadata travels on a
// data channel labelled "events".
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"layeh.com/gopus"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/encoder"
	"github.com/MrWong99/avatarsync/pkg/transport"
	"github.com/MrWong99/avatarsync/pkg/video"
)

const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	opusMaxBytes  = 4000

	eventsLabel = "events"
)

// ErrDisconnected is reported when the peer connection fails or closes.
var ErrDisconnected = errors.New("webrtc: peer disconnected")

// Config describes the media a peer will carry.
type Config struct {
	SessionID  string
	ICEServers []string

	Width, Height int
	FPS           int
	SampleRate    int

	// VideoCommand is an encoder template reading RGB24 on stdin and
	// writing IVF VP8 on stdout. Placeholders: {width} {height} {fps}.
	VideoCommand string
}

// Option configures a [Peer].
type Option func(*Peer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Peer) { p.log = l }
}

// Peer implements transport.Writer on a pion peer connection.
type Peer struct {
	cfg Config
	log *slog.Logger

	pc     *webrtc.PeerConnection
	audio  *webrtc.TrackLocalStaticSample
	video  *webrtc.TrackLocalStaticSample
	events *webrtc.DataChannel

	amu     sync.Mutex
	opus    *gopus.Encoder
	pending []int16

	vmu      sync.Mutex
	venc     *encoder.Process
	readDone chan struct{}

	once sync.Once
	gone chan struct{}
	mu   sync.Mutex
	err  error
}

var _ transport.Writer = (*Peer)(nil)

// NewPeer creates a peer connection with an Opus track, a VP8 track and an
// events data channel. Call [Peer.Answer] with the client's offer next.
func NewPeer(cfg Config, opts ...Option) (*Peer, error) {
	if cfg.VideoCommand == "" {
		return nil, errors.New("webrtc: video command must not be empty")
	}
	if cfg.FPS <= 0 || cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("webrtc: invalid media config fps=%d sample_rate=%d", cfg.FPS, cfg.SampleRate)
	}
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("webrtc: create opus encoder: %w", err)
	}

	var ice []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("webrtc: create peer connection: %w", err)
	}
	p := &Peer{
		cfg:  cfg,
		log:  slog.Default(),
		pc:   pc,
		opus: enc,
		gone: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if err := p.setup(); err != nil {
		_ = pc.Close()
		return nil, err
	}
	return p, nil
}

func (p *Peer) setup() error {
	stream := "avatarsync-" + p.cfg.SessionID
	var err error
	p.audio, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusSampleRate,
		Channels:  opusChannels,
	}, "audio", stream)
	if err != nil {
		return fmt.Errorf("webrtc: create audio track: %w", err)
	}
	p.video, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video", stream)
	if err != nil {
		return fmt.Errorf("webrtc: create video track: %w", err)
	}
	for _, track := range []*webrtc.TrackLocalStaticSample{p.audio, p.video} {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("webrtc: add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
	}
	p.events, err = p.pc.CreateDataChannel(eventsLabel, nil)
	if err != nil {
		return fmt.Errorf("webrtc: create data channel: %w", err)
	}
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug("webrtc: connection state", "session_id", p.cfg.SessionID, "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			p.fail(ErrDisconnected)
		}
	})
	return nil
}

// drainRTCP reads incoming RTCP so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Answer applies the client's SDP offer and returns the answer with all
// ICE candidates included.
func (p *Peer) Answer(ctx context.Context, offer string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("webrtc: set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("webrtc: gather candidates: %w", ctx.Err())
	}
	return p.pc.LocalDescription().SDP, nil
}

// Gone is closed when the peer disconnects or an encoder fails.
func (p *Peer) Gone() <-chan struct{} { return p.gone }

// Err returns why Gone was closed.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Peer) fail(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.gone)
	})
}

// WriteAudio implements transport.Writer. Audio is buffered until a full
// 20 ms Opus frame is available.
func (p *Peer) WriteAudio(_ context.Context, c audio.Chunk) error {
	if len(c.Meta) > 0 {
		p.sendEvent(c.Meta)
	}
	p.amu.Lock()
	defer p.amu.Unlock()
	p.pending = append(p.pending, toOpusPCM(c.Samples, p.cfg.SampleRate)...)
	const frame = opusFrameSize * opusChannels
	for len(p.pending) >= frame {
		packet, err := p.opus.Encode(p.pending[:frame], opusFrameSize, opusMaxBytes)
		if err != nil {
			return fmt.Errorf("webrtc: opus encode: %w", err)
		}
		p.pending = p.pending[frame:]
		if err := p.audio.WriteSample(media.Sample{Data: packet, Duration: opusFrameSizeMs * time.Millisecond}); err != nil {
			return fmt.Errorf("webrtc: write audio sample: %w", err)
		}
	}
	return nil
}

// toOpusPCM converts mono float samples at rate to interleaved 48 kHz
// stereo.
func toOpusPCM(samples []float32, rate int) []int16 {
	mono := audio.PCM16ToFloat32(audio.ResampleMono16(audio.Float32ToPCM16(samples), rate, opusSampleRate))
	out := make([]int16, 0, 2*len(mono))
	for _, s := range audio.Float32ToInt16(mono) {
		out = append(out, s, s)
	}
	return out
}

type eventMessage struct {
	Type string          `json:"type"`
	Meta audio.EventMeta `json:"meta"`
}

func (p *Peer) sendEvent(meta audio.EventMeta) {
	if p.events.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	data, err := json.Marshal(eventMessage{Type: "event", Meta: meta})
	if err != nil {
		return
	}
	if err := p.events.SendText(string(data)); err != nil {
		p.log.Debug("webrtc: send event failed", "session_id", p.cfg.SessionID, "err", err)
	}
}

// WriteVideo implements transport.Writer. The encoder is started on the
// first frame.
func (p *Peer) WriteVideo(_ context.Context, f video.Frame) error {
	p.vmu.Lock()
	defer p.vmu.Unlock()
	if p.venc == nil {
		if err := p.startVideoLocked(f.Width, f.Height); err != nil {
			return err
		}
	}
	select {
	case <-p.gone:
		return p.Err()
	default:
	}
	if _, err := p.venc.Write(f.Pix); err != nil {
		return fmt.Errorf("webrtc: feed video encoder: %w", err)
	}
	return nil
}

func (p *Peer) startVideoLocked(width, height int) error {
	proc, err := encoder.Start(context.Background(), p.cfg.VideoCommand, encoder.Vars{
		"width":  strconv.Itoa(width),
		"height": strconv.Itoa(height),
		"fps":    strconv.Itoa(p.cfg.FPS),
	}, true)
	if err != nil {
		return fmt.Errorf("webrtc: start video encoder: %w", err)
	}
	p.venc = proc
	p.readDone = make(chan struct{})
	go p.readVideo(proc.Stdout())
	return nil
}

func (p *Peer) readVideo(r io.Reader) {
	defer close(p.readDone)
	ivf, _, err := ivfreader.NewWith(r)
	if err != nil {
		p.fail(fmt.Errorf("webrtc: read ivf header: %w", err))
		return
	}
	frameDur := time.Second / time.Duration(p.cfg.FPS)
	for {
		frame, _, err := ivf.ParseNextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.fail(fmt.Errorf("webrtc: read ivf frame: %w", err))
			}
			return
		}
		if err := p.video.WriteSample(media.Sample{Data: frame, Duration: frameDur}); err != nil {
			p.fail(fmt.Errorf("webrtc: write video sample: %w", err))
			return
		}
	}
}

// Close stops the video encoder and closes the peer connection.
func (p *Peer) Close() error {
	p.fail(transport.ErrClosed)
	p.vmu.Lock()
	if p.venc != nil {
		p.venc.Kill()
		<-p.readDone
		p.venc = nil
	}
	p.vmu.Unlock()
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("webrtc: close peer connection: %w", err)
	}
	return nil
}
