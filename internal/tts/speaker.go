//go:build !linux || cgo

package tts

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// speakerPlayer writes clips to the default audio device. The device is
// opened once with a fixed format; clips are converted to it.
type speakerPlayer struct {
	sampleRate int
	channels   int

	once sync.Once
	ctx  *oto.Context
	err  error
}

// NewSpeakerPlayer returns a player for the local output device.
func NewSpeakerPlayer(sampleRate, channels int) (Player, error) {
	if sampleRate <= 0 || channels <= 0 || channels > 2 {
		return nil, fmt.Errorf("invalid speaker format %d Hz x%d", sampleRate, channels)
	}
	return &speakerPlayer{sampleRate: sampleRate, channels: channels}, nil
}

func (p *speakerPlayer) open() error {
	p.once.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   p.sampleRate,
			ChannelCount: p.channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			p.err = fmt.Errorf("open audio device: %w", err)
			return
		}
		<-ready
		p.ctx = ctx
	})
	return p.err
}

func (p *speakerPlayer) Play(ctx context.Context, clip Audio) error {
	if err := p.open(); err != nil {
		return err
	}
	pcm, err := p.convert(clip)
	if err != nil {
		return err
	}

	player := p.ctx.NewPlayer(bytes.NewReader(pcm))
	defer player.Close()
	player.Play()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return player.Err()
}

// convert decodes a WAV clip into 16-bit PCM at the device rate and channel
// count.
func (p *speakerPlayer) convert(clip Audio) ([]byte, error) {
	buf, err := decodeWAV(clip.Data)
	if err != nil {
		return nil, err
	}
	return resamplePCM16(buf, p.sampleRate, p.channels)
}
