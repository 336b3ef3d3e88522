// Package playback decides, once per output video frame, whether the avatar
// is speaking, silent, or playing a custom clip, and supplies clip audio to
// the frame buffer while a clip is armed.
package playback

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/audio/framebuffer"
	"github.com/MrWong99/avatarsync/pkg/video"
)

var _ framebuffer.Filler = (*Machine)(nil)

// ErrUnknownClip is returned by [Machine.SetState] for a kind with no
// registered clip.
var ErrUnknownClip = errors.New("playback: unknown clip")

// State is the kind of frame chosen for one output tick.
type State int

const (
	Silent State = iota
	Speaking
	CustomClip
)

// String returns "silent", "speaking" or "clip".
func (s State) String() string {
	switch s {
	case Silent:
		return "silent"
	case Speaking:
		return "speaking"
	case CustomClip:
		return "clip"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Decision is the outcome of [Machine.Decide].
type Decision struct {
	State State

	// Kind is the clip kind for CustomClip decisions and the first paired
	// chunk's kind otherwise.
	Kind audio.FrameKind

	// MirrorIndex is the clip image to show for CustomClip decisions.
	MirrorIndex int
}

// Speaking reports whether the avatar should be rendered talking.
func (d Decision) Speaking() bool { return d.State == Speaking }

// Mirror maps an ever-increasing index onto [0, size) so that the sequence
// plays forward, then backward, then forward again. size <= 0 yields 0.
func Mirror(size, index int) int {
	if size <= 0 {
		return 0
	}
	turn := index / size
	res := index % size
	if turn%2 == 0 {
		return res
	}
	return size - res - 1
}

type cursor struct {
	frame  int
	sample int
}

// Machine is the per-session playback state. Clip assets are shared; the
// cursors into them are not. A Machine is safe for concurrent use.
type Machine struct {
	clips map[audio.FrameKind]*Clip

	mu       sync.Mutex
	armed    audio.FrameKind
	cursors  map[audio.FrameKind]*cursor
	speaking bool
}

// NewMachine returns a Machine over clips. The map is not copied and must
// not be modified afterwards.
func NewMachine(clips map[audio.FrameKind]*Clip) *Machine {
	m := &Machine{
		clips:   clips,
		armed:   audio.Silence,
		cursors: make(map[audio.FrameKind]*cursor, len(clips)),
	}
	for k := range clips {
		m.cursors[k] = &cursor{}
	}
	return m
}

// Decide picks the frame type for one output video frame from the kinds of
// the audio chunks paired with it.
func (m *Machine) Decide(kinds []audio.FrameKind) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := Decision{State: Silent, Kind: audio.Silence}
	if len(kinds) > 0 {
		d.Kind = kinds[0]
	}
	for _, k := range kinds {
		if k == audio.Speech {
			d.State = Speaking
			d.Kind = audio.Speech
			m.speaking = true
			return d
		}
	}
	m.speaking = false

	if c, ok := m.clips[d.Kind]; ok && len(kinds) > 0 {
		cur := m.cursors[d.Kind]
		d.State = CustomClip
		d.MirrorIndex = Mirror(len(c.Images), cur.frame)
		cur.frame++
	}
	return d
}

// SetState arms the clip for kind. Silence disarms whatever clip is armed.
// With reinit, the clip restarts from its first image and sample.
func (m *Machine) SetState(kind audio.FrameKind, reinit bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if kind == audio.Silence {
		m.armed = audio.Silence
		return nil
	}
	cur, ok := m.cursors[kind]
	if !ok {
		return fmt.Errorf("%w: kind %d", ErrUnknownClip, int(kind))
	}
	m.armed = kind
	if reinit {
		*cur = cursor{}
	}
	return nil
}

// Armed returns the currently armed clip kind, or Silence.
func (m *Machine) Armed() audio.FrameKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.armed
}

// Fill returns the next n samples of the armed clip's audio, zero-padding
// the final slice. After the last slice the machine falls back to Silence;
// clip audio never loops. With nothing armed, Fill returns (nil, Silence).
func (m *Machine) Fill(n int) ([]float32, audio.FrameKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := m.armed
	c, ok := m.clips[kind]
	if !ok {
		return nil, audio.Silence
	}
	if len(c.Audio) == 0 {
		return make([]float32, n), kind
	}
	cur := m.cursors[kind]
	if cur.sample >= len(c.Audio) {
		m.armed = audio.Silence
		return nil, audio.Silence
	}
	out := make([]float32, n)
	copy(out, c.Audio[cur.sample:])
	cur.sample += n
	if cur.sample >= len(c.Audio) {
		m.armed = audio.Silence
	}
	return out, kind
}

// Speaking reports whether the most recent decision was Speaking.
func (m *Machine) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

// ClipFrame returns image index of the clip registered for kind.
func (m *Machine) ClipFrame(kind audio.FrameKind, index int) (video.Frame, bool) {
	c, ok := m.clips[kind]
	if !ok || index < 0 || index >= len(c.Images) {
		return video.Frame{}, false
	}
	return c.Images[index], true
}
