package tts

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// DefaultPlayerCommand plays a WAV stream from stdin and exits when done.
const DefaultPlayerCommand = "ffplay -autoexit -nodisp -loglevel error -f wav -i pipe:0"

type execPlayer struct {
	cmd []string
}

// NewExecPlayer returns a player that pipes each clip into command.
func NewExecPlayer(command string) (Player, error) {
	if command == "" {
		command = DefaultPlayerCommand
	}
	args, err := parseCommand(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	return &execPlayer{cmd: args}, nil
}

func (p *execPlayer) Play(ctx context.Context, clip Audio) error {
	cmd := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(clip.Data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("player failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
