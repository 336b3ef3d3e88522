// Package command provides a TTS provider that runs a local synthesizer
// process per utterance.
//
// The process receives one JSON request on stdin:
//
//	{"text":"...","voice":"...","language":"...","speed":1.0,"sample_rate":16000}
//
// and answers with newline-delimited JSON on stdout, each line carrying a
// base64-encoded slice of 16-bit mono PCM:
//
//	{"pcm_base64":"...","final":false}
//
// A line with final=true ends the utterance. A non-zero exit status after no
// final line is reported as a stream error.
package command

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/MrWong99/avatarsync/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const defaultSampleRate = 16000

// maxLine bounds one NDJSON line from the synthesizer.
const maxLine = 8 << 20

// Provider implements tts.Provider by invoking an external command.
type Provider struct {
	args       []string
	sampleRate int
	env        []string
}

// Option configures a Provider.
type Option func(*Provider)

// WithSampleRate sets the PCM sample rate requested from the command.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEnv appends KEY=VALUE pairs to the command environment.
func WithEnv(env ...string) Option {
	return func(p *Provider) {
		p.env = append(p.env, env...)
	}
}

// New parses command with shell quoting rules and returns a Provider.
func New(command string, opts ...Option) (*Provider, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("command tts: parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("command tts: command is empty")
	}
	p := &Provider{args: args, sampleRate: defaultSampleRate}
	for _, o := range opts {
		o(p)
	}
	if p.sampleRate <= 0 {
		return nil, fmt.Errorf("command tts: invalid sample rate %d", p.sampleRate)
	}
	return p, nil
}

type request struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice,omitempty"`
	Language   string  `json:"language,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	SampleRate int     `json:"sample_rate"`
}

type response struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

// Synthesize starts the command and streams its PCM output.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Stream, error) {
	data, err := json.Marshal(request{
		Text:       text,
		Voice:      voice.ID,
		Language:   voice.Language,
		Speed:      voice.SpeedFactor,
		SampleRate: p.sampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("command tts: marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.args[0], p.args[1:]...)
	if len(p.env) > 0 {
		cmd.Env = append(cmd.Environ(), p.env...)
	}
	cmd.Stdin = bytes.NewReader(append(data, '\n'))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("command tts: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("command tts: start %s: %w", p.args[0], err)
	}

	s, out := tts.NewStream(p.sampleRate, 0)
	go func() {
		defer close(out)

		final := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLine)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var resp response
			if err := json.Unmarshal(line, &resp); err != nil {
				s.Fail(fmt.Errorf("command tts: decode output line: %w", err))
				break
			}
			if resp.Error != "" {
				s.Fail(fmt.Errorf("command tts: %s", resp.Error))
				break
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				s.Fail(fmt.Errorf("command tts: decode pcm: %w", err))
				break
			}
			if len(pcm) > 0 {
				select {
				case out <- pcm:
				case <-ctx.Done():
					s.Fail(ctx.Err())
				}
			}
			if resp.Final || ctx.Err() != nil {
				final = resp.Final
				break
			}
		}
		if err := scanner.Err(); err != nil {
			s.Fail(fmt.Errorf("command tts: read output: %w", err))
		}
		if final {
			// Remaining output is ignored once the utterance is complete.
			go func() {
				_, _ = io.Copy(io.Discard, stdout)
				_ = cmd.Wait()
			}()
			return
		}
		_, _ = io.Copy(io.Discard, stdout)
		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				s.Fail(ctx.Err())
				return
			}
			msg := strings.TrimSpace(stderr.String())
			s.Fail(fmt.Errorf("command tts: %s: %w: %s", p.args[0], err, msg))
		}
	}()
	return s, nil
}
