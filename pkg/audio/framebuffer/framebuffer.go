// Package framebuffer turns arbitrary-length audio into fixed-size chunks and
// hands them out at a steady rate, synthesizing filler audio whenever no real
// audio is queued.
//
// Every pulled chunk is also appended to an output mirror. The render loop
// pops the mirror to pair each video frame with the exact audio that was fed
// to the feature extractor for it.
package framebuffer

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/avatarsync/pkg/audio"
	"github.com/MrWong99/avatarsync/pkg/queue"
)

// DefaultPullTimeout bounds how long [Buffer.Pull] waits for queued audio.
const DefaultPullTimeout = 10 * time.Millisecond

// Filler supplies audio when the input queue is empty. It returns the samples
// to emit and their kind. Returning a nil slice means "emit silence".
//
// playback.Machine implements Filler to play custom clip audio.
type Filler interface {
	Fill(n int) ([]float32, audio.FrameKind)
}

// Option configures a [Buffer].
type Option func(*Buffer)

// WithPullTimeout overrides [DefaultPullTimeout].
func WithPullTimeout(d time.Duration) Option {
	return func(b *Buffer) {
		if d > 0 {
			b.pullTimeout = d
		}
	}
}

// WithFiller installs the source for filler audio.
func WithFiller(f Filler) Option {
	return func(b *Buffer) { b.filler = f }
}

// WithFillObserver registers fn to be called with the kind of every filler
// chunk produced by Pull. Used for metrics.
func WithFillObserver(fn func(audio.FrameKind)) Option {
	return func(b *Buffer) { b.onFill = fn }
}

// Buffer is the per-session audio frame buffer. It is safe for one producer
// and one consumer to use concurrently; Flush may be called from any
// goroutine.
type Buffer struct {
	chunkSize   int
	pullTimeout time.Duration
	filler      Filler
	onFill      func(audio.FrameKind)

	in  *queue.Queue[audio.Chunk]
	out *queue.Queue[audio.Chunk]

	// mu guards carry and carryMeta, and serialises Push against Flush so a
	// flush never leaves half of a Push behind.
	mu        sync.Mutex
	carry     []float32
	carryMeta audio.EventMeta
}

// New creates a Buffer emitting chunks of chunkSize samples.
func New(chunkSize int, opts ...Option) *Buffer {
	b := &Buffer{
		chunkSize:   chunkSize,
		pullTimeout: DefaultPullTimeout,
		in:          queue.New[audio.Chunk](),
		out:         queue.New[audio.Chunk](),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ChunkSize returns the number of samples per chunk.
func (b *Buffer) ChunkSize() int { return b.chunkSize }

// Push slices samples into [audio.Speech] chunks. Samples that do not fill a
// whole chunk are carried over to the next Push. meta is attached to the
// first chunk this call emits; if the call emits none, meta rides on the
// carried remainder instead.
func (b *Buffer) Push(samples []float32, meta audio.EventMeta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if meta != nil && b.carryMeta == nil {
		b.carryMeta = meta
	}
	data := samples
	if len(b.carry) > 0 {
		data = append(b.carry, samples...)
		b.carry = nil
	}

	var chunks []audio.Chunk
	for len(data) >= b.chunkSize {
		c := audio.Chunk{
			Samples: append([]float32(nil), data[:b.chunkSize]...),
			Kind:    audio.Speech,
		}
		if b.carryMeta != nil {
			c.Meta = b.carryMeta
			b.carryMeta = nil
		}
		chunks = append(chunks, c)
		data = data[b.chunkSize:]
	}
	if len(data) > 0 {
		b.carry = append([]float32(nil), data...)
	}
	b.in.Push(chunks...)
}

// PushChunk enqueues a ready-made chunk. Its sample count must equal the
// buffer's chunk size; shorter chunks are zero-padded and longer ones are
// truncated.
func (b *Buffer) PushChunk(c audio.Chunk) {
	if len(c.Samples) != b.chunkSize {
		s := make([]float32, b.chunkSize)
		copy(s, c.Samples)
		c.Samples = s
	}
	b.mu.Lock()
	b.in.Push(c)
	b.mu.Unlock()
}

// DropRemainder discards any carried partial chunk along with its pending
// metadata.
func (b *Buffer) DropRemainder() {
	b.mu.Lock()
	b.carry = nil
	b.carryMeta = nil
	b.mu.Unlock()
}

// Pull returns the next chunk. It waits at most the pull timeout for queued
// audio, then returns a filler chunk. The returned chunk is also appended to
// the output mirror.
func (b *Buffer) Pull(ctx context.Context) audio.Chunk {
	c, ok := b.in.Pop(ctx, b.pullTimeout)
	if !ok {
		c = b.fill()
	}
	b.out.Push(c)
	return c
}

func (b *Buffer) fill() audio.Chunk {
	c := audio.SilentChunk(b.chunkSize)
	if b.filler != nil {
		if samples, kind := b.filler.Fill(b.chunkSize); samples != nil {
			copy(c.Samples, samples)
			c.Kind = kind
		}
	}
	if b.onFill != nil {
		b.onFill(c.Kind)
	}
	return c
}

// PopOutput removes the oldest chunk from the output mirror.
func (b *Buffer) PopOutput() (audio.Chunk, bool) {
	return b.out.TryPop()
}

// OutputLen returns the number of chunks waiting in the output mirror.
func (b *Buffer) OutputLen() int { return b.out.Len() }

// Flush atomically discards queued input audio and the carried remainder. It
// returns the number of whole chunks dropped. The output mirror is left
// intact because its chunks have already been fed to the feature extractor.
func (b *Buffer) Flush() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.carry = nil
	b.carryMeta = nil
	return b.in.Clear()
}

// Len returns the number of queued input chunks.
func (b *Buffer) Len() int { return b.in.Len() }
