// Package encoder runs external media encoders (typically ffmpeg) as
// subprocesses fed through stdin.
//
// Commands are shell-word templates. Placeholders such as {width} or
// {output} are substituted inside each parsed word, so substituted values
// may contain spaces without being split.
package encoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// Vars maps placeholder names (without braces) to their values.
type Vars map[string]string

// Expand parses template into words and substitutes vars in each word.
func Expand(template string, vars Vars) ([]string, error) {
	words, err := shellwords.NewParser().Parse(template)
	if err != nil {
		return nil, fmt.Errorf("encoder: parse command %q: %w", template, err)
	}
	if len(words) == 0 {
		return nil, errors.New("encoder: empty command")
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	for i, w := range words {
		words[i] = r.Replace(w)
	}
	return words, nil
}

// WaitDelay bounds how long Wait keeps reading the output of an exited
// encoder whose children still hold its pipes open.
var WaitDelay = 2 * time.Second

// Process is a running encoder.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *lockedBuffer

	waitOnce sync.Once
	waitErr  error
}

// Start expands template and starts the process with a stdin pipe. When
// pipeStdout is set, stdout is exposed through [Process.Stdout].
func Start(ctx context.Context, template string, vars Vars, pipeStdout bool) (*Process, error) {
	args, err := Expand(template, vars)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.WaitDelay = WaitDelay
	p := &Process{cmd: cmd, stderr: &lockedBuffer{}}
	cmd.Stderr = p.stderr

	p.stdin, err = cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder: stdin pipe: %w", err)
	}
	if pipeStdout {
		p.stdout, err = cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("encoder: stdout pipe: %w", err)
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("encoder: start %s: %w", args[0], err)
	}
	return p, nil
}

// Write sends data to the encoder's stdin.
func (p *Process) Write(data []byte) (int, error) {
	n, err := p.stdin.Write(data)
	if err != nil {
		return n, fmt.Errorf("encoder: write: %w%s", err, p.stderrSuffix())
	}
	return n, nil
}

// Stdout returns the stdout pipe, or nil if it was not requested.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Finish closes stdin and waits for the process to exit.
func (p *Process) Finish() error {
	_ = p.stdin.Close()
	return p.wait()
}

// Kill terminates the process and reaps it.
func (p *Process) Kill() {
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.wait()
}

func (p *Process) wait() error {
	p.waitOnce.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.waitErr = fmt.Errorf("encoder: %s: %w%s", p.cmd.Path, err, p.stderrSuffix())
		}
	})
	return p.waitErr
}

func (p *Process) stderrSuffix() string {
	if s := strings.TrimSpace(p.stderr.String()); s != "" {
		return ": " + s
	}
	return ""
}

// Run expands template and runs it to completion.
func Run(ctx context.Context, template string, vars Vars) error {
	args, err := Expand(template, vars)
	if err != nil {
		return err
	}
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		if s := strings.TrimSpace(string(out)); s != "" {
			return fmt.Errorf("encoder: %s: %w: %s", args[0], err, s)
		}
		return fmt.Errorf("encoder: %s: %w", args[0], err)
	}
	return nil
}

// lockedBuffer is a bytes.Buffer safe for the concurrent writes of
// exec's stderr copier and reads from error paths.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
