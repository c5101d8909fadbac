package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os/exec"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/mattn/go-shellwords"
)

// execEngine runs an external synthesizer per request. The process reads one
// JSON request on stdin and writes newline-delimited JSON chunks of base64
// PCM (signed 16-bit little endian) on stdout.
type execEngine struct {
	cmd        []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Final      bool   `json:"final"`
	Error      string `json:"error,omitempty"`
}

func NewExecEngine(command string, sampleRate, channels int) (Engine, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	return &execEngine{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command empty")
	}
	return args, nil
}

// Ready reports whether the executable can be found.
func (e *execEngine) Ready() bool {
	_, err := exec.LookPath(e.cmd[0])
	return err == nil
}

func (e *execEngine) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := sonic.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice.Name,
		Speed:      req.Voice.Speed,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return Audio{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, err
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, err
	}

	abort := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	var pcm bytes.Buffer
	sampleRate := e.sampleRate
	final := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := sonic.Unmarshal(line, &resp); err != nil {
			abort()
			return Audio{}, fmt.Errorf("decode tts chunk: %w", err)
		}
		if resp.Error != "" {
			abort()
			return Audio{}, fmt.Errorf("tts command: %s", resp.Error)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			abort()
			return Audio{}, fmt.Errorf("decode tts pcm: %w", err)
		}
		if resp.SampleRate > 0 {
			sampleRate = resp.SampleRate
		}
		if !final {
			pcm.Write(chunk)
		}
		final = final || resp.Final
	}
	if err := scanner.Err(); err != nil {
		// The child may still be blocked writing to the abandoned pipe.
		abort()
		return Audio{}, fmt.Errorf("read tts output: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return Audio{}, fmt.Errorf("tts command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	wavData, err := EncodePCM16(pcm.Bytes(), sampleRate, e.channels)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Format: formatWAV, Data: wavData}, nil
}
