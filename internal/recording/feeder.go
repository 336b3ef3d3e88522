package recording

import (
	"errors"
	"sync"

	"github.com/MrWong99/avatarsync/pkg/encoder"
)

// Backlogs of the encoder input queues: one second of video at 25 fps and
// two seconds of 20 ms audio chunks.
const (
	videoBacklog = 25
	audioBacklog = 100
)

// errBacklog is reported when an encoder stops reading its input.
var errBacklog = errors.New("encoder is not keeping up, input backlog full")

// feeder writes to one encoder's stdin from its own goroutine, so a stalled
// encoder never blocks the render loop or the pipe's lock.
type feeder struct {
	proc *encoder.Process
	in   chan []byte
	done chan struct{}

	mu  sync.Mutex
	err error
}

func newFeeder(proc *encoder.Process, backlog int) *feeder {
	f := &feeder{proc: proc, in: make(chan []byte, backlog), done: make(chan struct{})}
	go f.run()
	return f
}

func (f *feeder) run() {
	defer close(f.done)
	for b := range f.in {
		if _, err := f.proc.Write(b); err != nil {
			f.mu.Lock()
			f.err = err
			f.mu.Unlock()
			for range f.in {
			}
			return
		}
	}
}

// send queues b without blocking. It fails when the encoder has failed or
// its backlog is full.
func (f *feeder) send(b []byte) error {
	if err := f.failed(); err != nil {
		return err
	}
	select {
	case f.in <- b:
		return nil
	default:
		return errBacklog
	}
}

func (f *feeder) failed() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// finish writes out the backlog, closes stdin and waits for the encoder.
// The caller must no longer call send.
func (f *feeder) finish() error {
	close(f.in)
	<-f.done
	return errors.Join(f.failed(), f.proc.Finish())
}

// kill stops the encoder. Killing closes stdin, which releases a write
// blocked on a stalled encoder. The caller must no longer call send.
func (f *feeder) kill() {
	f.proc.Kill()
	close(f.in)
	<-f.done
}
